// Package queue runs asynchronous product work (OCR parsing, product
// creation, photo upload) with bounded concurrency, retry with backoff, and
// an ordered lifecycle event stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/burggraf/iiv25-sub003/internal/observability"
	"github.com/burggraf/iiv25-sub003/internal/state"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

const (
	jobKeyPrefix = "job:"
	finishedKey  = "queue:finished"
)

// Executor runs one job type. A nil error completes the job; an error
// wrapped by MarkTransient re-enqueues it while attempts remain.
type Executor interface {
	Execute(ctx context.Context, job scanapi.Job) (map[string]any, error)
}

// Handler receives queue lifecycle events. The job pointer is nil for
// jobs_cleared. Handlers run on a single notifier goroutine, so delivery
// order equals emission order.
type Handler func(event scanapi.JobEvent, job *scanapi.Job)

type Options struct {
	Concurrency       int
	MaxAttempts       int
	RetryBackoff      time.Duration
	FinishedRetention int
}

type jobEntry struct {
	job       scanapi.Job
	seq       uint64
	nextRunAt time.Time
}

type eventMsg struct {
	event scanapi.JobEvent
	job   *scanapi.Job
}

type Queue struct {
	mu        sync.Mutex
	kv        state.KV
	opts      Options
	executors map[scanapi.JobType]Executor
	jobs      map[string]*jobEntry
	finished  []scanapi.Job
	seq       uint64
	running   int
	handlers  map[int]Handler
	nextSub   int
	now       func() time.Time

	emitMu   sync.Mutex
	emitCond *sync.Cond
	pending  []eventMsg
	closed   bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	wg       sync.WaitGroup
	notifyWG sync.WaitGroup
	started  bool
}

func New(kv state.KV, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.FinishedRetention <= 0 {
		opts.FinishedRetention = 50
	}
	q := &Queue{
		kv:        kv,
		opts:      opts,
		executors: make(map[scanapi.JobType]Executor),
		jobs:      make(map[string]*jobEntry),
		handlers:  make(map[int]Handler),
		now:       func() time.Time { return time.Now().UTC() },
		wake:      make(chan struct{}, 1),
	}
	q.emitCond = sync.NewCond(&q.emitMu)
	return q
}

func (q *Queue) RegisterExecutor(jobType scanapi.JobType, ex Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executors[jobType] = ex
}

// Initialize loads persisted jobs. Jobs interrupted mid-execution recover to
// queued so the dispatch loop retries them after restart.
func (q *Queue) Initialize(ctx context.Context) error {
	keys, err := q.kv.Keys(ctx, jobKeyPrefix)
	if err != nil {
		return err
	}
	loaded := make([]scanapi.Job, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := q.kv.Get(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var job scanapi.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			log.Printf("queue: dropping unreadable job %s: %v", k, err)
			_ = q.kv.Delete(ctx, k)
			continue
		}
		if job.Status == scanapi.JobProcessing {
			job.Status = scanapi.JobQueued
		}
		loaded = append(loaded, job)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	var finished []scanapi.Job
	if raw, ok, err := q.kv.Get(ctx, finishedKey); err != nil {
		return err
	} else if ok {
		if err := json.Unmarshal(raw, &finished); err != nil {
			log.Printf("queue: dropping unreadable finished list: %v", err)
			finished = nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range loaded {
		q.seq++
		q.jobs[job.ID] = &jobEntry{job: job, seq: q.seq}
	}
	q.finished = finished
	return nil
}

// Start launches the notifier and dispatch loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.baseCtx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.notifyWG.Add(1)
	go q.notifyLoop()
	q.wg.Add(1)
	go q.dispatchLoop()
	q.kick()
}

// Shutdown stops dispatching, waits for in-flight executors, then drains the
// event stream. Queued jobs stay persisted for the next start.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()
	cancel()

	if err := waitWithContext(ctx, &q.wg); err != nil {
		return err
	}
	q.closeNotifier()
	return waitWithContext(ctx, &q.notifyWG)
}

func waitWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue validates spec, persists the job and returns it in queued state.
// It never blocks on execution.
func (q *Queue) Enqueue(ctx context.Context, spec scanapi.JobSpec) (scanapi.Job, error) {
	if err := validateSpec(spec); err != nil {
		return scanapi.Job{}, err
	}
	_, span := observability.StartSpan(ctx, "queue.enqueue",
		attribute.String("job.type", string(spec.Type)),
		attribute.String("job.upc", spec.UPC),
	)
	defer span.End()

	now := q.now()
	job := scanapi.Job{
		ID:            uuid.NewString(),
		Type:          spec.Type,
		UPC:           spec.UPC,
		ImageURI:      spec.ImageURI,
		ImageBase64:   spec.ImageBase64,
		Priority:      spec.Priority,
		Status:        scanapi.JobQueued,
		MaxAttempts:   q.opts.MaxAttempts,
		WorkflowID:    spec.WorkflowID,
		WorkflowSteps: spec.WorkflowSteps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if job.Priority == 0 {
		job.Priority = defaultPriority(spec.Type)
	}

	q.mu.Lock()
	q.seq++
	entry := &jobEntry{job: job, seq: q.seq}
	q.jobs[job.ID] = entry
	q.persistJobLocked(job)
	q.setDepthGaugeLocked()
	q.emitLocked(scanapi.EventJobAdded, job)
	q.mu.Unlock()

	observability.Default.IncCounter("jobs_enqueued_total", map[string]string{"job_type": string(job.Type)}, 1)
	q.kick()
	return job, nil
}

func validateSpec(spec scanapi.JobSpec) error {
	if strings.TrimSpace(spec.UPC) == "" {
		return fmt.Errorf("%w: upc is required", ErrValidation)
	}
	switch spec.Type {
	case scanapi.JobIngredientParsing:
		if spec.ImageBase64 == "" {
			return fmt.Errorf("%w: ingredient_parsing requires image_base64", ErrValidation)
		}
	case scanapi.JobProductCreation:
		if spec.ImageBase64 == "" && spec.ImageURI == "" {
			return fmt.Errorf("%w: product_creation requires image_base64 or image_uri", ErrValidation)
		}
	case scanapi.JobProductPhotoUpload:
		if spec.ImageURI == "" {
			return fmt.Errorf("%w: product_photo_upload requires image_uri", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrValidation, spec.Type)
	}
	return nil
}

func defaultPriority(t scanapi.JobType) int {
	switch t {
	case scanapi.JobProductCreation:
		return 1
	case scanapi.JobIngredientParsing:
		return 2
	default:
		return 3
	}
}

// Subscribe registers handler and returns its unsubscribe function.
func (q *Queue) Subscribe(handler Handler) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.handlers[id] = handler
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.handlers, id)
		q.mu.Unlock()
	}
}

// ClearJobs drops all queued and finished tracking state and emits
// jobs_cleared. In-flight executions are not interrupted; their terminal
// events still fire against whoever is subscribed by then.
func (q *Queue) ClearJobs() {
	q.mu.Lock()
	ctx := context.Background()
	for id := range q.jobs {
		_ = q.kv.Delete(ctx, jobKeyPrefix+id)
		delete(q.jobs, id)
	}
	q.finished = nil
	_ = q.kv.Delete(ctx, finishedKey)
	q.setDepthGaugeLocked()
	q.emitLocked(scanapi.EventJobsCleared, scanapi.Job{})
	q.mu.Unlock()
}

// GetJob returns an active or recently finished job by ID.
func (q *Queue) GetJob(id string) (scanapi.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.jobs[id]; ok {
		return entry.job, true
	}
	for _, job := range q.finished {
		if job.ID == id {
			return job, true
		}
	}
	return scanapi.Job{}, false
}

// ActiveJobs returns queued and processing jobs in dispatch order.
func (q *Queue) ActiveJobs() []scanapi.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]*jobEntry, 0, len(q.jobs))
	for _, e := range q.jobs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].job.Priority != entries[j].job.Priority {
			return entries[i].job.Priority < entries[j].job.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]scanapi.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.job)
	}
	return out
}

// FinishedJobs returns the bounded completed/failed list, newest first.
func (q *Queue) FinishedJobs() []scanapi.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]scanapi.Job, len(q.finished))
	copy(out, q.finished)
	return out
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	for {
		job, ok, wait := q.nextRunnable()
		if ok {
			q.wg.Add(1)
			go q.run(job)
			continue
		}
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-q.baseCtx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextRunnable picks the runnable job with the lowest (priority, seq) and
// moves it to processing, or returns how long to wait for the nearest
// backoff deadline (0 = wait for a wake-up).
func (q *Queue) nextRunnable() (scanapi.Job, bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running >= q.opts.Concurrency {
		return scanapi.Job{}, false, 0
	}
	now := q.now()
	var best *jobEntry
	var nearest time.Duration
	for _, e := range q.jobs {
		if e.job.Status != scanapi.JobQueued {
			continue
		}
		if e.nextRunAt.After(now) {
			d := e.nextRunAt.Sub(now)
			if nearest == 0 || d < nearest {
				nearest = d
			}
			continue
		}
		if best == nil ||
			e.job.Priority < best.job.Priority ||
			(e.job.Priority == best.job.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return scanapi.Job{}, false, nearest
	}
	best.job.Status = scanapi.JobProcessing
	best.job.Attempt++
	best.job.UpdatedAt = now
	q.running++
	q.persistJobLocked(best.job)
	q.setDepthGaugeLocked()
	q.emitLocked(scanapi.EventJobUpdated, best.job)
	return best.job, true, 0
}

func (q *Queue) run(job scanapi.Job) {
	defer q.wg.Done()
	ctx, span := observability.StartSpan(q.baseCtx, "queue.execute",
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer span.End()

	var result map[string]any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
			}
		}()
		q.mu.Lock()
		ex := q.executors[job.Type]
		q.mu.Unlock()
		if ex == nil {
			err = fmt.Errorf("no executor registered for %s", job.Type)
			return
		}
		result, err = ex.Execute(ctx, job)
	}()
	q.finish(job, result, err)
}

// finish applies the outcome of one execution attempt. Exactly one terminal
// event fires per job: the entry is removed from the active map in the same
// locked step that emits it, so a second emission has nothing to act on.
func (q *Queue) finish(job scanapi.Job, result map[string]any, execErr error) {
	q.mu.Lock()
	q.running--
	now := q.now()
	entry, tracked := q.jobs[job.ID]
	if tracked {
		job = entry.job
	}
	job.UpdatedAt = now

	switch {
	case execErr == nil:
		job.Status = scanapi.JobCompleted
		job.ResultData = result
		job.CompletedAt = now
		q.retireLocked(job, tracked)
		q.emitLocked(scanapi.EventJobCompleted, job)
		observability.Default.IncCounter("jobs_completed_total", map[string]string{"job_type": string(job.Type)}, 1)
	case tracked && IsTransient(execErr) && job.Attempt < job.MaxAttempts:
		job.Status = scanapi.JobQueued
		job.ErrorMessage = execErr.Error()
		entry.job = job
		entry.nextRunAt = now.Add(backoffDelay(q.opts.RetryBackoff, job.Attempt))
		q.persistJobLocked(job)
		q.emitLocked(scanapi.EventJobUpdated, job)
		observability.Default.IncCounter("jobs_retried_total", map[string]string{"job_type": string(job.Type)}, 1)
	default:
		job.Status = scanapi.JobFailed
		job.ErrorMessage = execErr.Error()
		job.CompletedAt = now
		q.retireLocked(job, tracked)
		q.emitLocked(scanapi.EventJobFailed, job)
		observability.Default.IncCounter("jobs_failed_total", map[string]string{"job_type": string(job.Type)}, 1)
	}
	q.setDepthGaugeLocked()
	q.mu.Unlock()
	q.kick()
}

// retireLocked moves a terminal job out of the active set into the bounded
// finished list. Untracked jobs (cleared while in flight) emit their event
// but leave no tracking state behind.
func (q *Queue) retireLocked(job scanapi.Job, tracked bool) {
	if !tracked {
		return
	}
	delete(q.jobs, job.ID)
	_ = q.kv.Delete(context.Background(), jobKeyPrefix+job.ID)
	q.finished = append([]scanapi.Job{job}, q.finished...)
	if len(q.finished) > q.opts.FinishedRetention {
		q.finished = q.finished[:q.opts.FinishedRetention]
	}
	q.persistFinishedLocked()
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (q *Queue) persistJobLocked(job scanapi.Job) {
	raw, err := json.Marshal(job)
	if err != nil {
		log.Printf("queue: marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.kv.Set(context.Background(), jobKeyPrefix+job.ID, raw); err != nil {
		log.Printf("queue: persist job %s: %v", job.ID, err)
	}
}

func (q *Queue) persistFinishedLocked() {
	raw, err := json.Marshal(q.finished)
	if err != nil {
		log.Printf("queue: marshal finished list: %v", err)
		return
	}
	if err := q.kv.Set(context.Background(), finishedKey, raw); err != nil {
		log.Printf("queue: persist finished list: %v", err)
	}
}

func (q *Queue) setDepthGaugeLocked() {
	queued := 0
	processing := 0
	for _, e := range q.jobs {
		switch e.job.Status {
		case scanapi.JobQueued:
			queued++
		case scanapi.JobProcessing:
			processing++
		}
	}
	observability.Default.SetGauge("queue_depth", map[string]string{"status": "queued"}, float64(queued))
	observability.Default.SetGauge("queue_depth", map[string]string{"status": "processing"}, float64(processing))
}

// emitLocked hands an event to the notifier. Callers hold q.mu, which makes
// append order match state transition order.
func (q *Queue) emitLocked(event scanapi.JobEvent, job scanapi.Job) {
	q.emitMu.Lock()
	var jp *scanapi.Job
	if event != scanapi.EventJobsCleared {
		j := job
		jp = &j
	}
	q.pending = append(q.pending, eventMsg{event: event, job: jp})
	q.emitMu.Unlock()
	q.emitCond.Signal()
}

func (q *Queue) closeNotifier() {
	q.emitMu.Lock()
	q.closed = true
	q.emitMu.Unlock()
	q.emitCond.Signal()
}

func (q *Queue) notifyLoop() {
	defer q.notifyWG.Done()
	for {
		q.emitMu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.emitCond.Wait()
		}
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.emitMu.Unlock()

		for _, msg := range batch {
			q.mu.Lock()
			hs := make([]Handler, 0, len(q.handlers))
			for _, h := range q.handlers {
				hs = append(hs, h)
			}
			q.mu.Unlock()
			for _, h := range hs {
				h(msg.event, msg.job)
			}
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}
