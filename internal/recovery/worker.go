package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/metrics"
)

// Worker owns the scheduler loop: it sleeps until the next record is due or
// new records arrive, merges the inbox and runs a tick.
type Worker struct {
	mu    *sync.Mutex
	inbox *Inbox
	sched *Scheduler
	log   *slog.Logger
}

// NewWorker creates a worker. mu is the lock shared with the dispatcher and
// the cancellation agents.
func NewWorker(mu *sync.Mutex, inbox *Inbox, sched *Scheduler, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{mu: mu, inbox: inbox, sched: sched, log: log.With("component", "worker")}
}

// Run rebuilds the schedule from the store and loops until ctx is done.
// It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.load(ctx); err != nil {
		return err
	}
	w.log.Info("recovery worker started")

	for {
		w.mu.Lock()
		wait := w.sched.TimeToNextWake()
		w.mu.Unlock()

		if err := w.inbox.Wait(ctx, wait); err != nil {
			w.log.Info("recovery worker stopping")
			return nil
		}
		if err := w.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) load(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sched.Reset()
	return w.sched.Load(ctx)
}

func (w *Worker) pass(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range w.inbox.Drain() {
		w.sched.Merge(rec)
	}
	return w.sched.Tick(ctx)
}

// RestartThrottle limits how often a component may be restarted within a
// sliding window.
type RestartThrottle struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// Default restart limits.
const (
	DefaultRestartLimit  = 5
	DefaultRestartWindow = 300 * time.Second
)

// NewRestartThrottle allows up to limit restarts per window.
func NewRestartThrottle(limit int, window time.Duration) *RestartThrottle {
	if limit <= 0 {
		limit = DefaultRestartLimit
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return &RestartThrottle{limit: limit, window: window, now: time.Now}
}

// Record notes a restart and reports whether it is allowed, that is whether
// fewer than limit restarts happened in the trailing window.
func (t *RestartThrottle) Record() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)
	kept := t.events[:0]
	for _, ts := range t.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.events = kept
	if len(t.events) >= t.limit {
		return false
	}
	t.events = append(t.events, now)
	return true
}

// Runner is a restartable loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor keeps a Runner alive, relaunching it after errors or panics
// until the restart throttle refuses.
type Supervisor struct {
	runner   Runner
	throttle *RestartThrottle
	log      *slog.Logger
}

// NewSupervisor creates a supervisor for r.
func NewSupervisor(r Runner, throttle *RestartThrottle, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{runner: r, throttle: throttle, log: log.With("component", "supervisor")}
}

// Run blocks until ctx is done (returning nil), a fatal error occurs, or
// restarts are exhausted. A non-nil result means the process should stop.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if core.IsFatal(err) {
			return err
		}
		if err == nil {
			err = errors.New("recovery worker exited unexpectedly")
		}
		s.log.Error("recovery worker stopped", "error", err)

		if !s.throttle.Record() {
			return errors.Wrapf(err, "recovery worker restarted more than %d times in %s", s.throttle.limit, s.throttle.window)
		}
		metrics.WorkerRestarts.Inc()
		s.log.Warn("restarting recovery worker")
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("recovery worker panicked: %v", r)
		}
	}()
	return s.runner.Run(ctx)
}
