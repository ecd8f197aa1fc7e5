package recovery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// DefaultCancelConcurrency bounds concurrent cancellation agents.
const DefaultCancelConcurrency = 4

// CancelPool runs cancellation agents on a bounded set of goroutines.
type CancelPool struct {
	mu    *sync.Mutex
	inbox *Inbox
	sched *Scheduler
	log   *slog.Logger

	ctx    context.Context
	g      errgroup.Group
	closed atomic.Bool
}

// NewCancelPool creates a pool with at most limit agents in flight. Agents
// keep running after ctx is cancelled so that Drain can finish them.
func NewCancelPool(ctx context.Context, mu *sync.Mutex, inbox *Inbox, sched *Scheduler, limit int, log *slog.Logger) *CancelPool {
	if limit <= 0 {
		limit = DefaultCancelConcurrency
	}
	if log == nil {
		log = slog.Default()
	}
	p := &CancelPool{
		mu:    mu,
		inbox: inbox,
		sched: sched,
		log:   log.With("component", "cancel"),
		ctx:   context.WithoutCancel(ctx),
	}
	p.g.SetLimit(limit)
	return p
}

// Submit schedules a cancellation. It blocks while the pool is full and
// drops the request once the pool is drained.
func (p *CancelPool) Submit(msg *core.CancelRecoverMsg) bool {
	if p.closed.Load() {
		p.log.Warn("cancel pool closed, dropping request", "job_uuid", msg.JobUUID)
		return false
	}
	p.g.Go(func() error {
		p.cancel(msg)
		return nil
	})
	return true
}

// Drain stops accepting requests and waits for running agents.
func (p *CancelPool) Drain() {
	p.closed.Store(true)
	_ = p.g.Wait()
}

func (p *CancelPool) cancel(msg *core.CancelRecoverMsg) {
	log := p.log.With("job_uuid", msg.JobUUID, "tenant_id", msg.TenantID)

	p.mu.Lock()
	// Records still in the inbox are merged first so a cancel that races
	// its own RECOVER still finds the job.
	for _, rec := range p.inbox.Drain() {
		p.sched.Merge(rec)
	}
	res := p.sched.Cancel(p.ctx, msg.JobUUID, msg.NewStatus, msg.StatusMessage)
	p.mu.Unlock()

	switch res {
	case CancelNotFound:
		log.Info("cancel requested for job not tracked by recovery")
	case CancelStatusFailed:
		log.Error("job removed from recovery but its status could not be updated")
	default:
		log.Info("job removed from recovery", "status", msg.NewStatus)
	}
}
