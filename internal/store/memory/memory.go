// Package memory is an in-process recovery store for development and tests.
// Nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Store keeps jobs, recovery records and blocked jobs in maps.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]core.Job
	records map[int64]core.RecoveryRecord
	blocked map[int64][]core.BlockedJob
	jobRec  map[string]int64
	nextID  int64
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]core.Job),
		records: make(map[int64]core.RecoveryRecord),
		blocked: make(map[int64][]core.BlockedJob),
		jobRec:  make(map[string]int64),
		now:     time.Now,
	}
}

// PutJob creates or replaces a job.
func (s *Store) PutJob(_ context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.UUID] = *job
	return nil
}

// GetRecoveryRecords returns all records ordered by id, without jobs.
func (s *Store) GetRecoveryRecords(_ context.Context) ([]core.RecoveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.RecoveryRecord, 0, len(s.records))
	for id := int64(1); id <= s.nextID; id++ {
		if rec, ok := s.records[id]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// GetBlockedJobs returns the jobs of a record in insertion order.
func (s *Store) GetBlockedJobs(_ context.Context, recoveryID int64) ([]core.BlockedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.BlockedJob(nil), s.blocked[recoveryID]...), nil
}

// AddRecoveryRecord persists rec, coalescing by tester hash and dropping
// jobs that are already blocked.
func (s *Store) AddRecoveryRecord(_ context.Context, rec *core.RecoveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := rec.BlockedJobs[:0:0]
	for _, bj := range rec.BlockedJobs {
		if _, dup := s.jobRec[bj.JobUUID]; dup {
			continue
		}
		kept = append(kept, bj)
	}
	rec.BlockedJobs = kept
	if len(kept) == 0 {
		return nil
	}

	id := int64(0)
	for rid, existing := range s.records {
		if existing.TesterHash == rec.TesterHash {
			id = rid
			break
		}
	}
	if id == 0 {
		s.nextID++
		id = s.nextID
		stored := cloneRecord(*rec)
		stored.ID = id
		stored.BlockedJobs = nil
		s.records[id] = stored
	}
	rec.ID = id

	for i := range rec.BlockedJobs {
		rec.BlockedJobs[i].RecoveryID = id
		s.blocked[id] = append(s.blocked[id], rec.BlockedJobs[i])
		s.jobRec[rec.BlockedJobs[i].JobUUID] = id
	}
	return nil
}

// UpdateAttempts stores the policy position of a record.
func (s *Store) UpdateAttempts(_ context.Context, recoveryID int64, attempts int, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recoveryID]
	if !ok {
		return core.ErrRecordNotFound
	}
	rec.Attempts = attempts
	rec.NextAttempt = nextAttempt
	rec.LastUpdated = s.now()
	s.records[recoveryID] = rec
	return nil
}

// DeleteBlockedJob removes a job from its record. Unknown jobs are ignored.
func (s *Store) DeleteBlockedJob(_ context.Context, jobUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobRec[jobUUID]
	if !ok {
		return nil
	}
	delete(s.jobRec, jobUUID)
	jobs := s.blocked[id]
	for i, bj := range jobs {
		if bj.JobUUID == jobUUID {
			s.blocked[id] = append(jobs[:i:i], jobs[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteRecoveryRecord removes a record and any jobs still attached to it.
func (s *Store) DeleteRecoveryRecord(_ context.Context, recoveryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bj := range s.blocked[recoveryID] {
		delete(s.jobRec, bj.JobUUID)
	}
	delete(s.blocked, recoveryID)
	delete(s.records, recoveryID)
	return nil
}

// GetJob returns a copy of a job.
func (s *Store) GetJob(_ context.Context, jobUUID string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobUUID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return &job, nil
}

// GetJobStatus returns the status of a job.
func (s *Store) GetJobStatus(ctx context.Context, jobUUID string) (core.JobStatus, error) {
	job, err := s.GetJob(ctx, jobUUID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// SetJobStatus updates the status and message of a job.
func (s *Store) SetJobStatus(_ context.Context, jobUUID string, status core.JobStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobUUID]
	if !ok {
		return core.ErrJobNotFound
	}
	job.Status = status
	job.StatusMessage = message
	job.LastUpdated = core.FormatTime(s.now())
	s.jobs[jobUUID] = job
	return nil
}

// FailJob moves a job to FAILED.
func (s *Store) FailJob(ctx context.Context, jobUUID, message string) error {
	return s.SetJobStatus(ctx, jobUUID, core.StatusFailed, message)
}

func (s *Store) countActive(match func(core.Job) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status.IsActive() && match(job) {
			n++
		}
	}
	return n
}

// CountActiveSystemJobs counts active jobs on a system.
func (s *Store) CountActiveSystemJobs(_ context.Context, tenantID, systemID string) (int, error) {
	return s.countActive(func(j core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID
	}), nil
}

// CountActiveUserJobs counts active jobs of one owner on a system.
func (s *Store) CountActiveUserJobs(_ context.Context, tenantID, systemID, owner string) (int, error) {
	return s.countActive(func(j core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID && j.Owner == owner
	}), nil
}

// CountActiveQueueJobs counts active jobs in one logical queue.
func (s *Store) CountActiveQueueJobs(_ context.Context, tenantID, systemID, queue string) (int, error) {
	return s.countActive(func(j core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID && j.SystemQueue == queue
	}), nil
}

// CountActiveUserQueueJobs counts active jobs of one owner in one logical queue.
func (s *Store) CountActiveUserQueueJobs(_ context.Context, tenantID, systemID, owner, queue string) (int, error) {
	return s.countActive(func(j core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID && j.Owner == owner && j.SystemQueue == queue
	}), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneRecord(rec core.RecoveryRecord) core.RecoveryRecord {
	out := rec
	if rec.TesterParameters != nil {
		out.TesterParameters = make(map[string]string, len(rec.TesterParameters))
		for k, v := range rec.TesterParameters {
			out.TesterParameters[k] = v
		}
	}
	if rec.PolicyParameters != nil {
		out.PolicyParameters = make(map[string]string, len(rec.PolicyParameters))
		for k, v := range rec.PolicyParameters {
			out.PolicyParameters[k] = v
		}
	}
	out.BlockedJobs = nil
	return out
}
