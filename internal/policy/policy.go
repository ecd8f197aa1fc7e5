// Package policy implements the backoff policies that space out re-tests of
// a blocking condition.
//
// A policy is rebuilt from the parameters, attempt count and creation time
// persisted with its recovery record, so it survives a process restart.
package policy

import (
	"strconv"
	"sync"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Policy computes the wait before the next re-test.
type Policy interface {
	// NextWaitTime advances the policy by one attempt and returns the wait
	// until that attempt. A non-empty ExpiryReason means no further attempts
	// are allowed and the duration is meaningless.
	NextWaitTime() (time.Duration, core.ExpiryReason)

	// Attempts returns the number of successful advances so far.
	Attempts() int
}

// Factory builds a policy from persisted state.
type Factory func(params map[string]string, attempts int, createdAt time.Time, now func() time.Time) (Policy, error)

// Registry maps policy types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[core.PolicyType]Factory
	now       func() time.Time
}

// NewRegistry returns a registry with the stepwise and constant policies.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[core.PolicyType]Factory),
		now:       time.Now,
	}
	r.Register(core.PolicyStepwise, NewStepwise)
	r.Register(core.PolicyConstant, NewConstant)
	return r
}

// WithClock replaces the clock handed to new policies.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

// Register adds or replaces the factory for a policy type.
func (r *Registry) Register(t core.PolicyType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New builds the policy for t. Unknown types and bad parameters return an
// error marked core.ErrAbort.
func (r *Registry) New(t core.PolicyType, params map[string]string, attempts int, createdAt time.Time) (Policy, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	now := r.now
	r.mu.RUnlock()
	if !ok {
		return nil, core.Abortf("unknown policy type %q", t)
	}
	return f(params, attempts, createdAt, now)
}

func intParam(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, core.Abortf("policy parameter %s=%q is not a non-negative integer", key, v)
	}
	return n, nil
}
