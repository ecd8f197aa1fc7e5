package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

func TestMemorySystems(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetSystem(ctx, "t1", "hpc")
	var rerr *core.RecoveryError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, core.ErrCodeNotFound, rerr.Code)

	require.NoError(t, m.PutSystem(ctx, &System{
		ID:       "hpc",
		TenantID: "t1",
		Enabled:  true,
		MaxJobs:  Unlimited,
		Queues:   []LogicalQueue{{Name: "normal", MaxJobs: 4}},
	}))

	sys, err := m.GetSystem(ctx, "t1", "hpc")
	require.NoError(t, err)
	assert.True(t, sys.Enabled)
	require.NotNil(t, sys.Queue("normal"))
	assert.Equal(t, 4, sys.Queue("normal").MaxJobs)
	assert.Nil(t, sys.Queue("debug"))

	_, err = m.GetSystem(ctx, "t2", "hpc")
	assert.Error(t, err, "systems are scoped by tenant")
}

func TestMemoryAppVersionFallback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.PutApp(ctx, &App{ID: "sleep", TenantID: "t1", Enabled: true}))
	require.NoError(t, m.PutApp(ctx, &App{ID: "sleep", Version: "2.0", TenantID: "t1", Enabled: false}))

	app, err := m.GetApp(ctx, "t1", "sleep", "2.0")
	require.NoError(t, err)
	assert.False(t, app.Enabled)

	app, err = m.GetApp(ctx, "t1", "sleep", "1.0")
	require.NoError(t, err)
	assert.True(t, app.Enabled, "unknown version falls back to the unversioned definition")

	_, err = m.GetApp(ctx, "t1", "echo", "")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "t1.hpc", systemKey("t1", "hpc"))
	assert.Equal(t, "t1.sleep", appKey("t1", "sleep", ""))
	assert.Equal(t, "t1.sleep.2.0", appKey("t1", "sleep", "2.0"))
}

func TestMissingLimitsAreUnlimited(t *testing.T) {
	var sys System
	require.NoError(t, json.Unmarshal([]byte(`{"id":"hpc","tenant_id":"t1","enabled":true,"queues":[{"name":"normal"}]}`), &sys))

	assert.True(t, IsUnlimited(sys.MaxJobs))
	assert.True(t, IsUnlimited(sys.MaxJobsPerUser))
	assert.True(t, IsUnlimited(sys.Queue("normal").MaxJobs))
	assert.True(t, IsUnlimited(Unlimited))
	assert.False(t, IsUnlimited(1))
}
