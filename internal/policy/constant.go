package policy

import (
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Parameter keys understood by the constant policy.
const (
	ParamWaitMillis = "waitMillis"
	ParamMaxTries   = "maxTries"
)

const (
	DefaultConstantWait     = time.Minute
	DefaultConstantMaxTries = 60
)

// Constant waits the same amount of time between attempts and expires
// after MaxTries advances.
type Constant struct {
	Wait     time.Duration
	MaxTries int

	attempts int
}

// NewConstant is the Factory for core.PolicyConstant.
func NewConstant(params map[string]string, attempts int, _ time.Time, _ func() time.Time) (Policy, error) {
	waitMs, err := intParam(params, ParamWaitMillis, int(DefaultConstantWait/time.Millisecond))
	if err != nil {
		return nil, err
	}
	if waitMs <= 0 {
		return nil, core.Abortf("policy parameter %s must be positive", ParamWaitMillis)
	}
	maxTries, err := intParam(params, ParamMaxTries, DefaultConstantMaxTries)
	if err != nil {
		return nil, err
	}
	return &Constant{
		Wait:     time.Duration(waitMs) * time.Millisecond,
		MaxTries: maxTries,
		attempts: attempts,
	}, nil
}

// NextWaitTime implements Policy.
func (p *Constant) NextWaitTime() (time.Duration, core.ExpiryReason) {
	if p.attempts >= p.MaxTries {
		return 0, core.ExpiryTooManyAttempts
	}
	p.attempts++
	return p.Wait, core.ExpiryNone
}

// Attempts implements Policy.
func (p *Constant) Attempts() int { return p.attempts }
