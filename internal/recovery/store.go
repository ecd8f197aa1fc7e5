// Package recovery tracks blocked jobs, re-tests their blocking conditions
// on a backoff schedule and resubmits them once the conditions clear.
package recovery

import (
	"context"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/tester"
)

// Store is the persistence boundary for recovery records and job status.
type Store interface {
	// GetRecoveryRecords returns every persisted record without its jobs.
	GetRecoveryRecords(ctx context.Context) ([]core.RecoveryRecord, error)
	// GetBlockedJobs returns the jobs of a record in insertion order.
	GetBlockedJobs(ctx context.Context, recoveryID int64) ([]core.BlockedJob, error)
	// AddRecoveryRecord persists rec and its blocked jobs. It sets rec.ID,
	// reusing the id of a stored record with the same tester hash, and drops
	// jobs that are already persisted from rec.BlockedJobs.
	AddRecoveryRecord(ctx context.Context, rec *core.RecoveryRecord) error
	UpdateAttempts(ctx context.Context, recoveryID int64, attempts int, nextAttempt time.Time) error
	DeleteBlockedJob(ctx context.Context, jobUUID string) error
	DeleteRecoveryRecord(ctx context.Context, recoveryID int64) error

	GetJob(ctx context.Context, jobUUID string) (*core.Job, error)
	// GetJobStatus returns core.ErrJobNotFound for unknown jobs.
	GetJobStatus(ctx context.Context, jobUUID string) (core.JobStatus, error)
	SetJobStatus(ctx context.Context, jobUUID string, status core.JobStatus, message string) error
	// FailJob moves a job to FAILED with message.
	FailJob(ctx context.Context, jobUUID, message string) error

	tester.JobCounter

	Ping(ctx context.Context) error
}

// JobQueue resubmits jobs on their submission queue.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job *core.Job) error
}

// EventPublisher announces job status changes made by recovery.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *core.JobEvent) error
}
