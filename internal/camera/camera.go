// Package camera arbitrates ownership of the single physical camera among
// competing UI flows. Denied switches are a normal outcome, not an error.
package camera

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/burggraf/iiv25-sub003/internal/observability"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

// Device is the physical camera surface. A nil device means no camera
// hardware is present.
type Device interface {
	FocusAt(x, y float64) error
	TakePhoto(ctx context.Context) (uri string, err error)
}

type Event string

const (
	EventModeChanged Event = "modeChanged"
	EventActivated   Event = "activated"
	EventDeactivated Event = "deactivated"
)

// Listener receives arbiter events with the ownership record as of the
// transition.
type Listener func(event Event, ownership scanapi.CameraOwnership)

var ErrNotOwner = errors.New("camera: caller does not own the camera")

type Options struct {
	SoftClaimTimeout time.Duration // stale claim, anyone may take over
	HardClaimTimeout time.Duration // stale claim, anyone may deactivate
	Device           Device
	// PhotoWorkflowOwners are callers allowed to swap between the two
	// photo modes even while another one of them holds the camera.
	PhotoWorkflowOwners []string
	PermissionGranted   bool
	Now                 func() time.Time
}

type Arbiter struct {
	mu          sync.Mutex
	ownership   scanapi.CameraOwnership
	config      scanapi.CameraConfig
	device      Device
	permission  bool
	photoOwners map[string]bool
	soft        time.Duration
	hard        time.Duration
	listeners   map[int]Listener
	nextID      int
	now         func() time.Time
}

func New(opts Options) *Arbiter {
	soft := opts.SoftClaimTimeout
	if soft <= 0 {
		soft = time.Second
	}
	hard := opts.HardClaimTimeout
	if hard <= 0 {
		hard = 5 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	photoOwners := make(map[string]bool, len(opts.PhotoWorkflowOwners))
	for _, name := range opts.PhotoWorkflowOwners {
		photoOwners[name] = true
	}
	return &Arbiter{
		ownership:   scanapi.CameraOwnership{Mode: scanapi.ModeInactive},
		device:      opts.Device,
		permission:  opts.PermissionGranted,
		photoOwners: photoOwners,
		soft:        soft,
		hard:        hard,
		listeners:   make(map[int]Listener),
		now:         now,
	}
}

func (a *Arbiter) AddListener(l Listener) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = l
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// SetPermission records the OS-level camera permission state.
func (a *Arbiter) SetPermission(granted bool) {
	a.mu.Lock()
	a.permission = granted
	a.mu.Unlock()
}

// SwitchToMode attempts to claim the camera for owner in the given mode.
// Every mode is reachable from every other; only ownership can deny.
func (a *Arbiter) SwitchToMode(mode scanapi.CameraMode, config scanapi.CameraConfig, owner string) bool {
	a.mu.Lock()

	if !a.switchAllowedLocked(mode, owner) {
		held := a.ownership.Owner
		a.mu.Unlock()
		observability.Default.IncCounter("camera_switch_denied_total", map[string]string{"mode": string(mode)}, 1)
		log.Printf("camera: denied %s switch to %s, held by %s", owner, mode, held)
		return false
	}

	if mode == scanapi.ModeInactive {
		a.ownership = scanapi.CameraOwnership{Mode: scanapi.ModeInactive, Timestamp: a.now()}
	} else {
		a.ownership = scanapi.CameraOwnership{Owner: owner, Mode: mode, Timestamp: a.now()}
	}
	a.config = config
	own := a.ownership
	listeners := a.listenersLocked()
	a.mu.Unlock()

	for _, l := range listeners {
		l(EventModeChanged, own)
		if mode == scanapi.ModeInactive {
			l(EventDeactivated, own)
		} else {
			l(EventActivated, own)
		}
	}
	return true
}

func (a *Arbiter) switchAllowedLocked(mode scanapi.CameraMode, owner string) bool {
	held := a.ownership.Owner
	age := a.now().Sub(a.ownership.Timestamp)

	if mode == scanapi.ModeInactive {
		// An unrelated caller cannot force-deactivate an active session.
		return held == "" || held == owner || age > a.hard
	}
	if held == "" || held == owner {
		return true
	}
	if a.ownership.Mode == scanapi.ModeScanner && isPhotoMode(mode) {
		return true // scanner yields to photo capture
	}
	if a.photoOwners[held] && a.photoOwners[owner] && isPhotoMode(a.ownership.Mode) && isPhotoMode(mode) {
		return true
	}
	return age > a.soft
}

func isPhotoMode(m scanapi.CameraMode) bool {
	return m == scanapi.ModeProductPhoto || m == scanapi.ModeIngredientPhoto
}

// Touch renews the caller's claim so it does not go stale mid-flow.
func (a *Arbiter) Touch(owner string) {
	a.mu.Lock()
	if a.ownership.Owner == owner && owner != "" {
		a.ownership.Timestamp = a.now()
	}
	a.mu.Unlock()
}

// State returns the current ownership record and active configuration.
func (a *Arbiter) State() (scanapi.CameraOwnership, scanapi.CameraConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownership, a.config
}

// IsReadyFor reports whether the camera can perform the operation right
// now. Pure function of state: active session, permission, device present,
// capability enabled.
func (a *Arbiter) IsReadyFor(op scanapi.CameraOperation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ownership.Mode == scanapi.ModeInactive || a.ownership.Owner == "" {
		return false
	}
	if !a.permission || a.device == nil {
		return false
	}
	switch op {
	case scanapi.OperationBarcode:
		return a.config.EnableBarcode
	case scanapi.OperationPhoto:
		return a.config.EnablePhoto
	default:
		return false
	}
}

// FocusAtPoint focuses the device. Only the current owner may drive the
// hardware.
func (a *Arbiter) FocusAtPoint(owner string, x, y float64) error {
	a.mu.Lock()
	if a.ownership.Owner != owner || owner == "" {
		a.mu.Unlock()
		return ErrNotOwner
	}
	device := a.device
	a.ownership.Timestamp = a.now()
	a.mu.Unlock()
	if device == nil {
		return errors.New("camera: no device present")
	}
	return device.FocusAt(x, y)
}

// TakePhoto captures a photo for the current owner and returns its URI.
func (a *Arbiter) TakePhoto(ctx context.Context, owner string) (string, error) {
	a.mu.Lock()
	if a.ownership.Owner != owner || owner == "" {
		a.mu.Unlock()
		return "", ErrNotOwner
	}
	ready := a.ownership.Mode != scanapi.ModeInactive && a.permission && a.device != nil && a.config.EnablePhoto
	device := a.device
	a.ownership.Timestamp = a.now()
	a.mu.Unlock()
	if !ready {
		return "", errors.New("camera: not ready for photo capture")
	}
	return device.TakePhoto(ctx)
}

func (a *Arbiter) listenersLocked() []Listener {
	out := make([]Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l)
	}
	return out
}
