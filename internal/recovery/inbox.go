package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Inbox is an unbounded hand-off queue from the dispatcher to the worker.
type Inbox struct {
	mu     sync.Mutex
	items  []*core.RecoveryRecord
	notify chan struct{}
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{notify: make(chan struct{}, 1)}
}

// Push appends rec and wakes a waiting worker. It never blocks.
func (b *Inbox) Push(rec *core.RecoveryRecord) {
	b.mu.Lock()
	b.items = append(b.items, rec)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything queued, oldest first.
func (b *Inbox) Drain() []*core.RecoveryRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Len returns the number of queued records.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Wait blocks until something is queued, timeout elapses or ctx is done.
// It returns ctx.Err() only in the last case.
func (b *Inbox) Wait(ctx context.Context, timeout time.Duration) error {
	if b.Len() > 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.notify:
		return nil
	case <-timer.C:
		return nil
	}
}
