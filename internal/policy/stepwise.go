package policy

import (
	"strconv"
	"strings"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Parameter keys understood by the stepwise policy.
const (
	ParamSteps             = "steps"
	ParamMaxElapsedSeconds = "maxElapsedSeconds"
)

// DefaultSteps waits 10s ten times, then 1m, 5m, 30m and finally hourly for a day.
const DefaultSteps = "10:10000,10:60000,10:300000,12:1800000,24:3600000"

// DefaultMaxElapsed bounds a stepwise policy when no limit is configured.
const DefaultMaxElapsed = 7 * 24 * time.Hour

// Step is one (repeat count, wait) pair.
type Step struct {
	Count int
	Wait  time.Duration
}

// Stepwise walks an ordered list of steps and expires once they are
// exhausted or the elapsed time since the first block exceeds MaxElapsed.
type Stepwise struct {
	Steps      []Step
	MaxElapsed time.Duration

	createdAt time.Time
	attempts  int
	now       func() time.Time
}

// NewStepwise is the Factory for core.PolicyStepwise.
func NewStepwise(params map[string]string, attempts int, createdAt time.Time, now func() time.Time) (Policy, error) {
	spec := params[ParamSteps]
	if spec == "" {
		spec = DefaultSteps
	}
	steps, err := ParseSteps(spec)
	if err != nil {
		return nil, err
	}

	maxElapsed := DefaultMaxElapsed
	secs, err := intParam(params, ParamMaxElapsedSeconds, -1)
	if err != nil {
		return nil, err
	}
	if secs >= 0 {
		maxElapsed = time.Duration(secs) * time.Second
	}

	if now == nil {
		now = time.Now
	}
	return &Stepwise{
		Steps:      steps,
		MaxElapsed: maxElapsed,
		createdAt:  createdAt,
		attempts:   attempts,
		now:        now,
	}, nil
}

// ParseSteps parses "count:waitMillis,count:waitMillis,...".
func ParseSteps(spec string) ([]Step, error) {
	var steps []Step
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		countStr, waitStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, core.Abortf("invalid backoff step %q, want count:waitMillis", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil || count <= 0 {
			return nil, core.Abortf("invalid repeat count in backoff step %q", part)
		}
		waitMs, err := strconv.ParseInt(strings.TrimSpace(waitStr), 10, 64)
		if err != nil || waitMs <= 0 {
			return nil, core.Abortf("invalid wait in backoff step %q", part)
		}
		steps = append(steps, Step{Count: count, Wait: time.Duration(waitMs) * time.Millisecond})
	}
	if len(steps) == 0 {
		return nil, core.Abortf("no backoff steps in %q", spec)
	}
	return steps, nil
}

// NextWaitTime implements Policy.
func (p *Stepwise) NextWaitTime() (time.Duration, core.ExpiryReason) {
	if p.now().Sub(p.createdAt) > p.MaxElapsed {
		return 0, core.ExpiryTimeExpired
	}

	limit := 0
	for _, s := range p.Steps {
		limit += s.Count
		if p.attempts < limit {
			p.attempts++
			return s.Wait, core.ExpiryNone
		}
	}
	return 0, core.ExpiryTooManyAttempts
}

// Attempts implements Policy.
func (p *Stepwise) Attempts() int { return p.attempts }
