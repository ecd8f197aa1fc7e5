package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/recovery"
	"github.com/openjobspec/ojs-recovery-nats/internal/store/memory"
)

var _ recovery.Store = (*memory.Store)(nil)

func record(hash string, jobs ...string) *core.RecoveryRecord {
	rec := &core.RecoveryRecord{
		TenantID:   "t1",
		TesterType: core.TesterDefault,
		TesterHash: hash,
		PolicyType: core.PolicyConstant,
		CreatedAt:  time.Now(),
	}
	for _, j := range jobs {
		rec.BlockedJobs = append(rec.BlockedJobs, core.BlockedJob{JobUUID: j, SuccessStatus: core.StatusPending})
	}
	return rec
}

func TestAddRecoveryRecordCoalescesByHash(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	r1 := record("h1", "j1")
	require.NoError(t, s.AddRecoveryRecord(ctx, r1))
	assert.Equal(t, int64(1), r1.ID)

	r2 := record("h1", "j2")
	require.NoError(t, s.AddRecoveryRecord(ctx, r2))
	assert.Equal(t, r1.ID, r2.ID)

	r3 := record("h2", "j3")
	require.NoError(t, s.AddRecoveryRecord(ctx, r3))
	assert.Equal(t, int64(2), r3.ID)

	recs, err := s.GetRecoveryRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	jobs, err := s.GetBlockedJobs(ctx, r1.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].JobUUID)
	assert.Equal(t, "j2", jobs[1].JobUUID)
	assert.Equal(t, r1.ID, jobs[1].RecoveryID)
}

func TestAddRecoveryRecordDropsPersistedJobs(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.AddRecoveryRecord(ctx, record("h1", "j1")))

	again := record("h9", "j1")
	require.NoError(t, s.AddRecoveryRecord(ctx, again))
	assert.Empty(t, again.BlockedJobs)
	assert.Zero(t, again.ID)

	recs, err := s.GetRecoveryRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDeleteBlockedJobAndRecord(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	rec := record("h1", "j1", "j2")
	require.NoError(t, s.AddRecoveryRecord(ctx, rec))

	require.NoError(t, s.DeleteBlockedJob(ctx, "j1"))
	require.NoError(t, s.DeleteBlockedJob(ctx, "missing"))
	jobs, _ := s.GetBlockedJobs(ctx, rec.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j2", jobs[0].JobUUID)

	require.NoError(t, s.DeleteRecoveryRecord(ctx, rec.ID))
	recs, _ := s.GetRecoveryRecords(ctx)
	assert.Empty(t, recs)

	// j2 can be blocked again once its record is gone.
	again := record("h1", "j2")
	require.NoError(t, s.AddRecoveryRecord(ctx, again))
	assert.Len(t, again.BlockedJobs, 1)
}

func TestUpdateAttempts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	rec := record("h1", "j1")
	require.NoError(t, s.AddRecoveryRecord(ctx, rec))

	next := time.Now().Add(time.Minute)
	require.NoError(t, s.UpdateAttempts(ctx, rec.ID, 3, next))
	recs, _ := s.GetRecoveryRecords(ctx)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.True(t, recs[0].NextAttempt.Equal(next))

	assert.True(t, errors.Is(s.UpdateAttempts(ctx, 99, 1, next), core.ErrRecordNotFound))
}

func TestJobStatusAndCounts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.PutJob(ctx, &core.Job{UUID: "a", TenantID: "t1", SystemID: "hpc", Owner: "alice", SystemQueue: "normal", Status: core.StatusRunning}))
	require.NoError(t, s.PutJob(ctx, &core.Job{UUID: "b", TenantID: "t1", SystemID: "hpc", Owner: "bob", SystemQueue: "normal", Status: core.StatusQueued}))
	require.NoError(t, s.PutJob(ctx, &core.Job{UUID: "c", TenantID: "t1", SystemID: "hpc", Owner: "alice", Status: core.StatusBlocked}))

	_, err := s.GetJobStatus(ctx, "nope")
	assert.True(t, errors.Is(err, core.ErrJobNotFound))

	n, _ := s.CountActiveSystemJobs(ctx, "t1", "hpc")
	assert.Equal(t, 2, n)
	n, _ = s.CountActiveUserJobs(ctx, "t1", "hpc", "alice")
	assert.Equal(t, 1, n)
	n, _ = s.CountActiveQueueJobs(ctx, "t1", "hpc", "normal")
	assert.Equal(t, 2, n)
	n, _ = s.CountActiveUserQueueJobs(ctx, "t1", "hpc", "bob", "normal")
	assert.Equal(t, 1, n)

	require.NoError(t, s.FailJob(ctx, "c", "gave up"))
	job, err := s.GetJob(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, "gave up", job.StatusMessage)
}
