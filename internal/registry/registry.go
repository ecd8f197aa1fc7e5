// Package registry resolves the systems and applications that condition
// testers consult. Definitions are owned by the systems and apps services;
// this package only reads them.
package registry

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/kv"
)

// Unlimited disables a job limit. A limit of zero, which is what a document
// without the field decodes to, is also unlimited.
const Unlimited = -1

// IsUnlimited reports whether limit places no cap on active jobs.
func IsUnlimited(limit int) bool { return limit <= 0 }

// LogicalQueue is a batch queue defined on a system with its own limits.
type LogicalQueue struct {
	Name           string `json:"name"`
	MaxJobs        int    `json:"max_jobs"`
	MaxJobsPerUser int    `json:"max_jobs_per_user"`
}

// System is an execution host as seen by recovery.
type System struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Host           string         `json:"host"`
	Enabled        bool           `json:"enabled"`
	Available      bool           `json:"available"`
	MaxJobs        int            `json:"max_jobs"`
	MaxJobsPerUser int            `json:"max_jobs_per_user"`
	Queues         []LogicalQueue `json:"queues,omitempty"`
}

// Queue returns the named logical queue, or nil.
func (s *System) Queue(name string) *LogicalQueue {
	for i := range s.Queues {
		if s.Queues[i].Name == name {
			return &s.Queues[i]
		}
	}
	return nil
}

// App is an application definition as seen by recovery.
type App struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	TenantID string `json:"tenant_id"`
	Enabled  bool   `json:"enabled"`
}

// Lookup resolves systems and apps for a tenant.
type Lookup interface {
	GetSystem(ctx context.Context, tenantID, systemID string) (*System, error)
	GetApp(ctx context.Context, tenantID, appID, version string) (*App, error)
}

func systemKey(tenantID, systemID string) string { return tenantID + "." + systemID }

func appKey(tenantID, appID, version string) string {
	if version == "" {
		return tenantID + "." + appID
	}
	return tenantID + "." + appID + "." + version
}

// KV reads definitions from the ojs-systems and ojs-apps buckets.
type KV struct {
	systems *kv.Catalog[System]
	apps    *kv.Catalog[App]
}

// NewKV creates a KV-backed lookup.
func NewKV(systems, apps jetstream.KeyValue) *KV {
	return &KV{
		systems: kv.NewCatalog[System](systems),
		apps:    kv.NewCatalog[App](apps),
	}
}

// GetSystem implements Lookup.
func (r *KV) GetSystem(ctx context.Context, tenantID, systemID string) (*System, error) {
	sys, err := r.systems.Get(ctx, systemKey(tenantID, systemID))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, core.NewNotFoundError("System", systemID)
		}
		return nil, err
	}
	return sys, nil
}

// GetApp implements Lookup. A versioned key is tried first, then the
// unversioned one.
func (r *KV) GetApp(ctx context.Context, tenantID, appID, version string) (*App, error) {
	app, err := r.apps.Get(ctx, appKey(tenantID, appID, version))
	if err != nil && kv.IsNotFound(err) && version != "" {
		app, err = r.apps.Get(ctx, appKey(tenantID, appID, ""))
	}
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, core.NewNotFoundError("Application", appID)
		}
		return nil, err
	}
	return app, nil
}

// PutSystem stores a system definition.
func (r *KV) PutSystem(ctx context.Context, sys *System) error {
	return r.systems.Put(ctx, systemKey(sys.TenantID, sys.ID), sys)
}

// PutApp stores an application definition.
func (r *KV) PutApp(ctx context.Context, app *App) error {
	return r.apps.Put(ctx, appKey(app.TenantID, app.ID, app.Version), app)
}

// Memory is an in-process Lookup for development and tests.
type Memory struct {
	mu      sync.RWMutex
	systems map[string]System
	apps    map[string]App
}

// NewMemory creates an empty in-memory lookup.
func NewMemory() *Memory {
	return &Memory{
		systems: make(map[string]System),
		apps:    make(map[string]App),
	}
}

// GetSystem implements Lookup.
func (m *Memory) GetSystem(_ context.Context, tenantID, systemID string) (*System, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sys, ok := m.systems[systemKey(tenantID, systemID)]
	if !ok {
		return nil, core.NewNotFoundError("System", systemID)
	}
	return &sys, nil
}

// GetApp implements Lookup.
func (m *Memory) GetApp(_ context.Context, tenantID, appID, version string) (*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if app, ok := m.apps[appKey(tenantID, appID, version)]; ok {
		return &app, nil
	}
	if app, ok := m.apps[appKey(tenantID, appID, "")]; ok {
		return &app, nil
	}
	return nil, core.NewNotFoundError("Application", appID)
}

// PutSystem stores a system definition.
func (m *Memory) PutSystem(_ context.Context, sys *System) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems[systemKey(sys.TenantID, sys.ID)] = *sys
	return nil
}

// PutApp stores an application definition.
func (m *Memory) PutApp(_ context.Context, app *App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[appKey(app.TenantID, app.ID, app.Version)] = *app
	return nil
}
