// Package reaper implements the zombie reaper: a background loop that
// periodically fails jobs stuck in Processing past a worker-crash timeout or
// stuck in Pending past a no-worker-available timeout.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/templatefabric/internal/task"
)

// TakeoverByReaperOnly is the only recovery policy the fabric implements:
// workers never reset a peer's Processing claim on redelivery, so the
// reaper's timeout sweep is the sole path back to liveness for a job whose
// worker died.
const TakeoverByReaperOnly = "reaper-only"

// TakeoverPolicy is fixed rather than configurable so the single-recoverer
// guarantee cannot drift silently.
const TakeoverPolicy = TakeoverByReaperOnly

// DefaultInterval is how often the reaper sweeps.
const DefaultInterval = 300 * time.Second

// DefaultProcessingTimeout is how long a job may sit in Processing before
// the reaper concludes its worker crashed.
const DefaultProcessingTimeout = 15 * time.Minute

// DefaultPendingTimeout is how long a job may sit in Pending before the
// reaper concludes no worker ever picked it up.
const DefaultPendingTimeout = 20 * time.Minute

const (
	processingTimeoutMessage = "Task timed out after 15 minutes - worker may have crashed"
	pendingTimeoutMessage    = "Task never started after 20 minutes - no worker available"
)

// Reaper periodically sweeps the task store for stuck jobs. It never
// publishes to the progress bus — clients observing a stalled job time out
// on their own.
type Reaper struct {
	store  *task.Store
	logger *slog.Logger
	now    func() time.Time

	interval          time.Duration
	processingTimeout time.Duration
	pendingTimeout    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool

	sweepsRun       atomic.Int64
	processingFailed atomic.Int64
	pendingFailed    atomic.Int64
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) { r.logger = logger }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.interval = d }
}

// WithProcessingTimeout overrides DefaultProcessingTimeout.
func WithProcessingTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.processingTimeout = d }
}

// WithPendingTimeout overrides DefaultPendingTimeout.
func WithPendingTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.pendingTimeout = d }
}

// WithClock overrides the reaper's time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New builds a Reaper around an already-open task.Store.
func New(store *task.Store, opts ...Option) *Reaper {
	r := &Reaper{
		store:             store,
		logger:            slog.Default(),
		now:               time.Now,
		interval:          DefaultInterval,
		processingTimeout: DefaultProcessingTimeout,
		pendingTimeout:    DefaultPendingTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep loop in a goroutine. It runs one sweep
// immediately, then every interval, until the context is cancelled or Stop
// is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	go r.loop(subCtx)
	return nil
}

// Stop cancels the sweep loop. Safe to call more than once.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	r.running = false
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// SweepOnce runs a single sweep synchronously, for one-shot administrative
// invocations.
func (r *Reaper) SweepOnce(ctx context.Context) error {
	r.sweep(ctx)
	return ctx.Err()
}

// sweep runs both reaper passes once: Processing jobs that have exceeded
// the worker-crash timeout, then Pending jobs that have exceeded the
// no-worker-available timeout.
func (r *Reaper) sweep(ctx context.Context) {
	r.sweepsRun.Add(1)
	now := r.now().UTC()

	r.sweepProcessing(ctx, now)
	r.sweepPending(ctx, now)
}

func (r *Reaper) sweepProcessing(ctx context.Context, now time.Time) {
	jobs, err := r.store.List(ctx, task.Filter{State: task.StateProcessing})
	if err != nil {
		r.logger.Warn("reaper: failed to list processing jobs", "error", err)
		return
	}

	deadline := now.Add(-r.processingTimeout)
	for _, job := range jobs {
		if job.StartedAt == nil || !job.StartedAt.Before(deadline) {
			continue
		}
		if err := r.store.Fail(ctx, job.TaskID, processingTimeoutMessage, task.ErrorKindWorkerTimeout); err != nil {
			// ErrStateConflict here means another reaper (or the worker
			// itself) already moved the row out of Processing — the sweep
			// is idempotent under that race.
			r.logger.Warn("reaper: failed to reap stuck processing job", "task_id", job.TaskID, "error", err)
			continue
		}
		r.processingFailed.Add(1)
		r.logger.Info("reaper: failed stuck processing job", "task_id", job.TaskID, "started_at", job.StartedAt)
	}
}

func (r *Reaper) sweepPending(ctx context.Context, now time.Time) {
	jobs, err := r.store.List(ctx, task.Filter{State: task.StatePending})
	if err != nil {
		r.logger.Warn("reaper: failed to list pending jobs", "error", err)
		return
	}

	deadline := now.Add(-r.pendingTimeout)
	for _, job := range jobs {
		if !job.CreatedAt.Before(deadline) {
			continue
		}
		if err := r.store.Fail(ctx, job.TaskID, pendingTimeoutMessage, task.ErrorKindDispatchTimeout); err != nil {
			r.logger.Warn("reaper: failed to reap stuck pending job", "task_id", job.TaskID, "error", err)
			continue
		}
		r.pendingFailed.Add(1)
		r.logger.Info("reaper: failed stuck pending job", "task_id", job.TaskID, "created_at", job.CreatedAt)
	}
}

// Stats reports the reaper's lifetime counters, exposed for
// internal/telemetry's metrics bridge.
type Stats struct {
	SweepsRun        int64
	ProcessingFailed int64
	PendingFailed    int64
}

// Stats returns a snapshot of the reaper's lifetime counters.
func (r *Reaper) Stats() Stats {
	return Stats{
		SweepsRun:        r.sweepsRun.Load(),
		ProcessingFailed: r.processingFailed.Load(),
		PendingFailed:    r.pendingFailed.Load(),
	}
}
