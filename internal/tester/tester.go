// Package tester implements the condition testers that decide whether a
// blocking condition has cleared.
package tester

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/registry"
)

// ResubmitBatchSize is the number of jobs released when a condition clears.
const ResubmitBatchSize = 10

// DefaultProbeTimeout bounds network probes that do not set timeoutMillis.
const DefaultProbeTimeout = 10 * time.Second

// Common parameter keys.
const (
	ParamTenantID      = "tenantId"
	ParamSystemID      = "systemId"
	ParamTimeoutMillis = "timeoutMillis"
)

// Tester probes one blocking condition.
type Tester interface {
	// CanUnblock returns how many jobs may be released; 0 means the
	// condition persists. Errors marked core.ErrAbort mean the condition
	// can never clear.
	CanUnblock(ctx context.Context, params map[string]string) (int, error)
}

// JobCounter counts active jobs for quota enforcement.
type JobCounter interface {
	CountActiveSystemJobs(ctx context.Context, tenantID, systemID string) (int, error)
	CountActiveUserJobs(ctx context.Context, tenantID, systemID, owner string) (int, error)
	CountActiveQueueJobs(ctx context.Context, tenantID, systemID, queue string) (int, error)
	CountActiveUserQueueJobs(ctx context.Context, tenantID, systemID, owner, queue string) (int, error)
}

// Dialer opens network connections for connection probes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Deps are the collaborators testers may consult.
type Deps struct {
	Registry   registry.Lookup
	Jobs       JobCounter
	Dialer     Dialer
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory builds a fresh tester bound to deps.
type Factory func(deps Deps) Tester

// Registry maps tester types to factories.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[core.TesterType]Factory
}

// NewRegistry returns a registry with every built-in tester.
func NewRegistry(deps Deps) *Registry {
	if deps.Dialer == nil {
		deps.Dialer = &net.Dialer{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := &Registry{deps: deps, factories: make(map[core.TesterType]Factory)}
	r.Register(core.TesterDefault, func(Deps) Tester { return &DefaultTester{} })
	r.Register(core.TesterSystem, func(d Deps) Tester { return &SystemTester{registry: d.Registry, log: d.Logger} })
	r.Register(core.TesterApplication, func(d Deps) Tester { return &AppTester{registry: d.Registry, log: d.Logger} })
	r.Register(core.TesterServiceHealth, func(d Deps) Tester { return &ServiceTester{client: d.HTTPClient, log: d.Logger} })
	r.Register(core.TesterQuota, func(d Deps) Tester { return &QuotaTester{registry: d.Registry, jobs: d.Jobs, log: d.Logger} })
	r.Register(core.TesterConnection, func(d Deps) Tester { return &SSHTester{dialer: d.Dialer, log: d.Logger} })
	r.Register(core.TesterAuthentication, func(d Deps) Tester { return &SSHTester{dialer: d.Dialer, requireAuth: true, log: d.Logger} })
	return r
}

// Register adds or replaces a tester factory.
func (r *Registry) Register(t core.TesterType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New builds a tester for t.
func (r *Registry) New(t core.TesterType) (Tester, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	deps := r.deps
	r.mu.RUnlock()
	if !ok {
		return nil, core.Abortf("unknown tester type %q", t)
	}
	return f(deps), nil
}

func required(params map[string]string, keys ...string) error {
	for _, k := range keys {
		if params[k] == "" {
			return core.Abortf("missing required tester parameter %q", k)
		}
	}
	return nil
}

func timeoutParam(params map[string]string) (time.Duration, error) {
	v := params[ParamTimeoutMillis]
	if v == "" {
		return DefaultProbeTimeout, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, core.Abortf("tester parameter %s=%q is not a positive integer", ParamTimeoutMillis, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// DefaultTester always reports the condition as cleared. It is used for
// transient failures where waiting out the backoff is the whole remedy.
type DefaultTester struct{}

// CanUnblock implements Tester.
func (*DefaultTester) CanUnblock(context.Context, map[string]string) (int, error) {
	return ResubmitBatchSize, nil
}
