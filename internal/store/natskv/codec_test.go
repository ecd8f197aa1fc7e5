package natskv

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

func TestPatchJobStatusKeepsUnknownFields(t *testing.T) {
	in := []byte(`{"uuid":"j1","tenant_id":"t1","status":"BLOCKED","inputs":["a","b"],"retries":3}`)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	out, err := patchJobStatus(in, core.StatusPending, "resubmitted", now)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "PENDING", doc["status"])
	assert.Equal(t, "resubmitted", doc["status_message"])
	assert.Equal(t, "2025-03-01T12:00:00.000Z", doc["last_updated"])
	assert.Equal(t, []any{"a", "b"}, doc["inputs"])
	assert.Equal(t, float64(3), doc["retries"])

	job, err := unmarshalJob(out)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.UUID)
	assert.Equal(t, core.StatusPending, job.Status)
}

func TestPatchJobStatusRejectsGarbage(t *testing.T) {
	_, err := patchJobStatus([]byte("not json"), core.StatusFailed, "", time.Now())
	assert.Error(t, err)
}

func TestRecordKeys(t *testing.T) {
	id, ok := parseRecordKey(recordKey(42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = parseRecordKey(hashKey("abc"))
	assert.False(t, ok)
	_, ok = parseRecordKey("rec.x")
	assert.False(t, ok)
}

func TestRecordStateRoundTrip(t *testing.T) {
	rec := &core.RecoveryRecord{
		ID:               7,
		TenantID:         "t1",
		ConditionCode:    core.ConditionQuotaExceeded,
		TesterType:       core.TesterQuota,
		TesterParameters: map[string]string{"systemId": "hpc"},
		TesterHash:       "h",
		PolicyType:       core.PolicyStepwise,
		Attempts:         2,
		BlockedJobs:      []core.BlockedJob{{JobUUID: "j1"}},
	}
	got := stateToRecord(recordToState(rec))
	assert.Nil(t, got.BlockedJobs)
	got.BlockedJobs = rec.BlockedJobs
	assert.Equal(t, *rec, got)
}
