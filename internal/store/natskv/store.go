// Package natskv persists recovery records, blocked jobs and job status in
// NATS JetStream key-value buckets.
package natskv

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/kv"
)

const maxCASRetries = 5

// Buckets are the KV buckets the store writes to.
type Buckets struct {
	Jobs     jetstream.KeyValue
	Recovery jetstream.KeyValue
	Blocked  jetstream.KeyValue
	Seq      jetstream.KeyValue
}

// Store implements recovery.Store over JetStream KV.
type Store struct {
	jobs       *kv.Store
	records    *kv.Store
	blocked    *kv.Store
	recordSeq  *kv.Sequence
	blockedSeq *kv.Sequence
	now        func() time.Time
}

// New creates a Store over the given buckets.
func New(b Buckets) *Store {
	return &Store{
		jobs:       kv.NewStore(b.Jobs),
		records:    kv.NewStore(b.Recovery),
		blocked:    kv.NewStore(b.Blocked),
		recordSeq:  kv.NewSequence(b.Seq, seqRecords),
		blockedSeq: kv.NewSequence(b.Seq, seqBlocked),
		now:        time.Now,
	}
}

// GetRecoveryRecords returns all records ordered by id, without jobs.
func (s *Store) GetRecoveryRecords(ctx context.Context) ([]core.RecoveryRecord, error) {
	keys, err := s.records.Keys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list recovery records")
	}

	out := make([]core.RecoveryRecord, 0, len(keys))
	for _, key := range keys {
		if _, ok := parseRecordKey(key); !ok {
			continue
		}
		var st recordState
		if _, err := s.records.GetJSON(ctx, key, &st); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read recovery record %s", key)
		}
		out = append(out, stateToRecord(&st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetBlockedJobs returns the jobs of a record in insertion order.
func (s *Store) GetBlockedJobs(ctx context.Context, recoveryID int64) ([]core.BlockedJob, error) {
	states, err := s.blockedStates(ctx)
	if err != nil {
		return nil, err
	}
	var out []core.BlockedJob
	for _, st := range states {
		if st.RecoveryID == recoveryID {
			out = append(out, st.BlockedJob)
		}
	}
	return out, nil
}

// blockedStates reads every blocked job ordered by insertion sequence.
func (s *Store) blockedStates(ctx context.Context) ([]blockedState, error) {
	keys, err := s.blocked.Keys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list blocked jobs")
	}
	out := make([]blockedState, 0, len(keys))
	for _, key := range keys {
		var st blockedState
		if _, err := s.blocked.GetJSON(ctx, key, &st); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read blocked job %s", key)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// AddRecoveryRecord persists rec, coalescing by tester hash and dropping
// jobs that are already blocked.
func (s *Store) AddRecoveryRecord(ctx context.Context, rec *core.RecoveryRecord) error {
	kept := rec.BlockedJobs[:0:0]
	for _, bj := range rec.BlockedJobs {
		if s.blocked.Exists(ctx, bj.JobUUID) {
			continue
		}
		kept = append(kept, bj)
	}
	rec.BlockedJobs = kept
	if len(kept) == 0 {
		return nil
	}

	id, err := s.recordIDForHash(ctx, rec)
	if err != nil {
		return err
	}
	rec.ID = id

	added := kept[:0:0]
	for _, bj := range kept {
		seq, err := s.blockedSeq.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "allocate blocked job sequence")
		}
		bj.RecoveryID = id
		data, err := marshalBlocked(&blockedState{BlockedJob: bj, Seq: seq})
		if err != nil {
			return err
		}
		if _, err := s.blocked.Create(ctx, bj.JobUUID, data); err != nil {
			if kv.IsConflict(err) {
				continue
			}
			return errors.Wrapf(err, "store blocked job %s", bj.JobUUID)
		}
		added = append(added, bj)
	}
	rec.BlockedJobs = added
	return nil
}

// recordIDForHash returns the id of the stored record with rec's tester
// hash, creating the record when there is none.
func (s *Store) recordIDForHash(ctx context.Context, rec *core.RecoveryRecord) (int64, error) {
	hkey := hashKey(rec.TesterHash)
	for i := 0; i < maxCASRetries; i++ {
		var existing int64
		_, err := s.records.GetJSON(ctx, hkey, &existing)
		switch {
		case err == nil:
			if s.records.Exists(ctx, recordKey(existing)) {
				return existing, nil
			}
			if err := s.records.Delete(ctx, hkey); err != nil {
				return 0, errors.Wrap(err, "drop stale hash index")
			}
			continue
		case !kv.IsNotFound(err):
			return 0, errors.Wrap(err, "read hash index")
		}

		id, err := s.recordSeq.Next(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "allocate recovery id")
		}
		idData, err := marshalID(id)
		if err != nil {
			return 0, err
		}
		if _, err := s.records.Create(ctx, hkey, idData); err != nil {
			if kv.IsConflict(err) {
				continue
			}
			return 0, errors.Wrap(err, "write hash index")
		}

		st := recordToState(rec)
		st.ID = id
		if _, err := s.records.PutJSON(ctx, recordKey(id), st); err != nil {
			_ = s.records.Delete(ctx, hkey)
			return 0, errors.Wrapf(err, "write recovery record %d", id)
		}
		return id, nil
	}
	return 0, errors.Newf("recovery record %s: too many conflicts", rec.TesterHash)
}

// UpdateAttempts stores the policy position of a record.
func (s *Store) UpdateAttempts(ctx context.Context, recoveryID int64, attempts int, nextAttempt time.Time) error {
	var st recordState
	return s.records.UpdateJSON(ctx, recordKey(recoveryID), &st, func(exists bool) error {
		if !exists {
			return core.ErrRecordNotFound
		}
		st.Attempts = attempts
		st.NextAttempt = nextAttempt
		st.LastUpdated = s.now()
		return nil
	})
}

// DeleteBlockedJob removes a job from its record. Unknown jobs are ignored.
func (s *Store) DeleteBlockedJob(ctx context.Context, jobUUID string) error {
	return s.blocked.Delete(ctx, jobUUID)
}

// DeleteRecoveryRecord removes a record, its hash index entry and any jobs
// still attached to it.
func (s *Store) DeleteRecoveryRecord(ctx context.Context, recoveryID int64) error {
	states, err := s.blockedStates(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		if st.RecoveryID != recoveryID {
			continue
		}
		if err := s.blocked.Delete(ctx, st.JobUUID); err != nil {
			return errors.Wrapf(err, "delete blocked job %s", st.JobUUID)
		}
	}

	var st recordState
	if _, err := s.records.GetJSON(ctx, recordKey(recoveryID), &st); err != nil {
		if kv.IsNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "read recovery record %d", recoveryID)
	}
	var indexed int64
	if _, err := s.records.GetJSON(ctx, hashKey(st.TesterHash), &indexed); err == nil && indexed == recoveryID {
		if err := s.records.Delete(ctx, hashKey(st.TesterHash)); err != nil {
			return errors.Wrap(err, "delete hash index")
		}
	}
	return s.records.Delete(ctx, recordKey(recoveryID))
}

// GetJob reads a job document.
func (s *Store) GetJob(ctx context.Context, jobUUID string) (*core.Job, error) {
	data, _, err := s.jobs.Get(ctx, jobUUID)
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, errors.Mark(errors.Newf("job %s not found", jobUUID), core.ErrJobNotFound)
		}
		return nil, errors.Wrapf(err, "read job %s", jobUUID)
	}
	return unmarshalJob(data)
}

// GetJobStatus returns the status of a job.
func (s *Store) GetJobStatus(ctx context.Context, jobUUID string) (core.JobStatus, error) {
	job, err := s.GetJob(ctx, jobUUID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// SetJobStatus patches the status fields of a job document, leaving fields
// recovery does not know about untouched.
func (s *Store) SetJobStatus(ctx context.Context, jobUUID string, status core.JobStatus, message string) error {
	for i := 0; i < maxCASRetries; i++ {
		data, rev, err := s.jobs.Get(ctx, jobUUID)
		if err != nil {
			if kv.IsNotFound(err) {
				return errors.Mark(errors.Newf("job %s not found", jobUUID), core.ErrJobNotFound)
			}
			return errors.Wrapf(err, "read job %s", jobUUID)
		}
		patched, err := patchJobStatus(data, status, message, s.now())
		if err != nil {
			return err
		}
		if _, err := s.jobs.Update(ctx, jobUUID, patched, rev); err != nil {
			if kv.IsConflict(err) {
				continue
			}
			return errors.Wrapf(err, "update job %s", jobUUID)
		}
		return nil
	}
	return errors.Newf("set status of job %s: too many revision conflicts", jobUUID)
}

// FailJob moves a job to FAILED.
func (s *Store) FailJob(ctx context.Context, jobUUID, message string) error {
	return s.SetJobStatus(ctx, jobUUID, core.StatusFailed, message)
}

// countActive scans the jobs bucket.
func (s *Store) countActive(ctx context.Context, match func(*core.Job) bool) (int, error) {
	keys, err := s.jobs.Keys(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list jobs")
	}
	n := 0
	for _, key := range keys {
		data, _, err := s.jobs.Get(ctx, key)
		if err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return 0, errors.Wrapf(err, "read job %s", key)
		}
		job, err := unmarshalJob(data)
		if err != nil {
			continue
		}
		if job.Status.IsActive() && match(job) {
			n++
		}
	}
	return n, nil
}

// CountActiveSystemJobs counts active jobs on a system.
func (s *Store) CountActiveSystemJobs(ctx context.Context, tenantID, systemID string) (int, error) {
	return s.countActive(ctx, func(j *core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID
	})
}

// CountActiveUserJobs counts active jobs of one owner on a system.
func (s *Store) CountActiveUserJobs(ctx context.Context, tenantID, systemID, owner string) (int, error) {
	return s.countActive(ctx, func(j *core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID && j.Owner == owner
	})
}

// CountActiveQueueJobs counts active jobs in one logical queue.
func (s *Store) CountActiveQueueJobs(ctx context.Context, tenantID, systemID, queue string) (int, error) {
	return s.countActive(ctx, func(j *core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID && j.SystemQueue == queue
	})
}

// CountActiveUserQueueJobs counts active jobs of one owner in one logical queue.
func (s *Store) CountActiveUserQueueJobs(ctx context.Context, tenantID, systemID, owner, queue string) (int, error) {
	return s.countActive(ctx, func(j *core.Job) bool {
		return j.TenantID == tenantID && j.SystemID == systemID && j.Owner == owner && j.SystemQueue == queue
	})
}

// PutJob writes a whole job document. Recovery itself only patches jobs;
// this exists for seeding and tests.
func (s *Store) PutJob(ctx context.Context, job *core.Job) error {
	_, err := s.jobs.PutJSON(ctx, job.UUID, job)
	return err
}

// Ping checks the jobs and recovery buckets.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.jobs.Ping(ctx); err != nil {
		return errors.Wrap(err, "jobs bucket")
	}
	if err := s.records.Ping(ctx); err != nil {
		return errors.Wrap(err, "recovery bucket")
	}
	return nil
}
