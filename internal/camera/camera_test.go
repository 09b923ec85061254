package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeDevice struct {
	focused bool
	photoed bool
	uri     string
	err     error
}

func (d *fakeDevice) FocusAt(x, y float64) error { d.focused = true; return d.err }

func (d *fakeDevice) TakePhoto(context.Context) (string, error) {
	d.photoed = true
	return d.uri, d.err
}

func newArbiter(clock *fakeClock, dev Device) *Arbiter {
	return New(Options{
		Device:              dev,
		PermissionGranted:   true,
		PhotoWorkflowOwners: []string{"add-product-flow", "report-issue-flow"},
		Now:                 clock.Now,
	})
}

func photoConfig() scanapi.CameraConfig {
	return scanapi.CameraConfig{EnablePhoto: true}
}

func TestFreshClaimByAnotherOwnerIsDenied(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	if !a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-a") {
		t.Fatal("initial claim should succeed")
	}
	clock.Advance(500 * time.Millisecond)
	if a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-b") {
		t.Fatal("competing claim inside the soft window must be denied")
	}
	own, _ := a.State()
	if own.Owner != "flow-a" || own.Mode != scanapi.ModeProductPhoto {
		t.Fatalf("denial must leave state unchanged, got %+v", own)
	}
}

func TestStaleClaimAllowsTakeover(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-a")
	clock.Advance(1100 * time.Millisecond)
	if !a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-b") {
		t.Fatal("claim past the soft window must be takeable")
	}
	if own, _ := a.State(); own.Owner != "flow-b" {
		t.Fatalf("expected flow-b ownership, got %+v", own)
	}
}

func TestTouchRenewsClaim(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-a")
	clock.Advance(900 * time.Millisecond)
	a.Touch("flow-a")
	clock.Advance(900 * time.Millisecond)
	if a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-b") {
		t.Fatal("renewed claim must still be protected")
	}
}

func TestScannerYieldsToPhotoModes(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	a.SwitchToMode(scanapi.ModeScanner, scanapi.CameraConfig{EnableBarcode: true}, "scan-screen")
	if !a.SwitchToMode(scanapi.ModeIngredientPhoto, photoConfig(), "flow-a") {
		t.Fatal("photo capture must preempt an active scanner")
	}
	// The reverse is not privileged: scanner cannot preempt a fresh photo claim.
	if a.SwitchToMode(scanapi.ModeScanner, scanapi.CameraConfig{EnableBarcode: true}, "scan-screen") {
		t.Fatal("scanner must not preempt a fresh photo claim")
	}
}

func TestPhotoWorkflowOwnersSwapPhotoModes(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "add-product-flow")
	if !a.SwitchToMode(scanapi.ModeIngredientPhoto, photoConfig(), "report-issue-flow") {
		t.Fatal("photo workflow callers may swap between photo modes")
	}
	// An unrecognized owner gets no such privilege.
	if a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "random-flow") {
		t.Fatal("unrecognized caller must not swap photo modes")
	}
}

func TestInactiveRequiresOwnerOrHardStaleness(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-a")
	clock.Advance(2 * time.Second)
	if a.SwitchToMode(scanapi.ModeInactive, scanapi.CameraConfig{}, "flow-b") {
		t.Fatal("non-owner must not deactivate inside the hard window")
	}
	if !a.SwitchToMode(scanapi.ModeInactive, scanapi.CameraConfig{}, "flow-a") {
		t.Fatal("owner deactivation must succeed")
	}
	if own, _ := a.State(); own.Owner != "" || own.Mode != scanapi.ModeInactive {
		t.Fatalf("expected cleared ownership, got %+v", own)
	}
}

func TestHardStaleClaimCanBeDeactivatedByAnyone(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-a")
	clock.Advance(6 * time.Second)
	if !a.SwitchToMode(scanapi.ModeInactive, scanapi.CameraConfig{}, "flow-b") {
		t.Fatal("hard-stale claim must be deactivatable by anyone")
	}
}

func TestListenerEventsOnTransitions(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := newArbiter(clock, &fakeDevice{})

	var events []Event
	unsubscribe := a.AddListener(func(e Event, _ scanapi.CameraOwnership) {
		events = append(events, e)
	})

	a.SwitchToMode(scanapi.ModeScanner, scanapi.CameraConfig{EnableBarcode: true}, "scan-screen")
	a.SwitchToMode(scanapi.ModeInactive, scanapi.CameraConfig{}, "scan-screen")

	want := []Event{EventModeChanged, EventActivated, EventModeChanged, EventDeactivated}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	unsubscribe()
	a.SwitchToMode(scanapi.ModeScanner, scanapi.CameraConfig{EnableBarcode: true}, "scan-screen")
	if len(events) != len(want) {
		t.Fatal("unsubscribed listener still received events")
	}
}

func TestIsReadyFor(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	dev := &fakeDevice{}
	a := newArbiter(clock, dev)

	if a.IsReadyFor(scanapi.OperationBarcode) {
		t.Fatal("inactive camera is never ready")
	}

	a.SwitchToMode(scanapi.ModeScanner, scanapi.CameraConfig{EnableBarcode: true}, "scan-screen")
	if !a.IsReadyFor(scanapi.OperationBarcode) {
		t.Fatal("active scanner with barcode capability should be ready")
	}
	if a.IsReadyFor(scanapi.OperationPhoto) {
		t.Fatal("photo capability not enabled on this config")
	}

	a.SetPermission(false)
	if a.IsReadyFor(scanapi.OperationBarcode) {
		t.Fatal("revoked permission must make the camera not ready")
	}
	a.SetPermission(true)

	noDev := newArbiter(clock, nil)
	noDev.SwitchToMode(scanapi.ModeScanner, scanapi.CameraConfig{EnableBarcode: true}, "scan-screen")
	if noDev.IsReadyFor(scanapi.OperationBarcode) {
		t.Fatal("missing device must make the camera not ready")
	}
}

func TestHardwareCallsAreOwnerOnly(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	dev := &fakeDevice{uri: "file:///tmp/shot.jpg"}
	a := newArbiter(clock, dev)

	a.SwitchToMode(scanapi.ModeProductPhoto, photoConfig(), "flow-a")

	if err := a.FocusAtPoint("flow-b", 0.5, 0.5); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := a.FocusAtPoint("flow-a", 0.5, 0.5); err != nil {
		t.Fatalf("owner focus: %v", err)
	}
	if !dev.focused {
		t.Fatal("device did not receive the focus call")
	}

	if _, err := a.TakePhoto(context.Background(), "flow-b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	uri, err := a.TakePhoto(context.Background(), "flow-a")
	if err != nil {
		t.Fatalf("owner photo: %v", err)
	}
	if uri != "file:///tmp/shot.jpg" {
		t.Fatalf("unexpected photo uri %q", uri)
	}
}
