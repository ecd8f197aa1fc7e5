package recovery

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/metrics"
	"github.com/openjobspec/ojs-recovery-nats/internal/policy"
	"github.com/openjobspec/ojs-recovery-nats/internal/tester"
)

// DefaultWake is how long the worker sleeps when nothing is scheduled.
const DefaultWake = time.Hour

// minBackoff is the shortest wait a record gets after a still-blocked test.
const minBackoff = time.Second

// CancelResult is the outcome of Scheduler.Cancel.
type CancelResult int

const (
	CancelNotFound CancelResult = iota
	CancelOK
	CancelStatusFailed
)

func (r CancelResult) String() string {
	switch r {
	case CancelOK:
		return "ok"
	case CancelStatusFailed:
		return "status_failed"
	default:
		return "not_found"
	}
}

type entry struct {
	rec    *core.RecoveryRecord
	tester tester.Tester
	index  int
}

// recordHeap orders entries by (NextAttempt, ID).
type recordHeap []*entry

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool {
	a, b := h[i].rec, h[j].rec
	if !a.NextAttempt.Equal(b.NextAttempt) {
		return a.NextAttempt.Before(b.NextAttempt)
	}
	return a.ID < b.ID
}

func (h recordHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *recordHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// SchedulerConfig holds the collaborators of a Scheduler.
type SchedulerConfig struct {
	Store    Store
	Queue    JobQueue
	Events   EventPublisher
	Testers  *tester.Registry
	Policies *policy.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler holds the live recovery records in a priority queue keyed by
// next attempt time, with indexes by tester hash and by job UUID.
//
// Scheduler is not safe for concurrent use; callers hold the shared
// recovery lock around every call.
type Scheduler struct {
	store    Store
	queue    JobQueue
	events   EventPublisher
	testers  *tester.Registry
	policies *policy.Registry
	log      *slog.Logger
	now      func() time.Time

	heap   recordHeap
	byHash map[string]*entry
	byJob  map[string]*entry
}

// NewScheduler creates an empty scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policies == nil {
		cfg.Policies = policy.NewRegistry().WithClock(cfg.Now)
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		events:   cfg.Events,
		testers:  cfg.Testers,
		policies: cfg.Policies,
		log:      cfg.Logger.With("component", "scheduler"),
		now:      cfg.Now,
		byHash:   make(map[string]*entry),
		byJob:    make(map[string]*entry),
	}
}

// Reset drops all in-memory state.
func (s *Scheduler) Reset() {
	s.heap = nil
	s.byHash = make(map[string]*entry)
	s.byJob = make(map[string]*entry)
	s.updateGauges()
}

// Load rebuilds the schedule from the store. Records without blocked jobs
// are deleted; records with invalid ids are skipped.
func (s *Scheduler) Load(ctx context.Context) error {
	recs, err := s.store.GetRecoveryRecords(ctx)
	if err != nil {
		return core.PersistenceFatal(err, "load recovery records")
	}
	loaded := 0
	for i := range recs {
		rec := recs[i]
		if rec.ID <= 0 {
			s.log.Warn("skipping recovery record with invalid id", "record_id", rec.ID)
			continue
		}
		jobs, err := s.store.GetBlockedJobs(ctx, rec.ID)
		if err != nil {
			return core.PersistenceFatal(err, fmt.Sprintf("load blocked jobs of record %d", rec.ID))
		}
		if len(jobs) == 0 {
			s.log.Info("deleting recovery record with no blocked jobs", "record_id", rec.ID)
			s.deleteRecord(ctx, rec.ID)
			continue
		}
		rec.BlockedJobs = jobs
		if s.Merge(&rec) {
			loaded++
		}
	}
	s.log.Info("recovery schedule loaded", "records", len(s.heap), "jobs", len(s.byJob), "merged", loaded)
	return nil
}

// TimeToNextWake returns how long until the earliest record is due. It is
// DefaultWake when nothing is scheduled and never negative.
func (s *Scheduler) TimeToNextWake() time.Duration {
	if len(s.heap) == 0 {
		return DefaultWake
	}
	d := s.heap[0].rec.NextAttempt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Merge adds rec to the schedule. Jobs already tracked are dropped; what
// remains is appended to the live record with the same tester hash, or rec
// is scheduled as a new record. Merge reports whether anything was added.
func (s *Scheduler) Merge(rec *core.RecoveryRecord) bool {
	log := s.log.With("record_id", rec.ID, "tester_hash", rec.TesterHash)
	if rec.ID <= 0 {
		log.Warn("ignoring recovery record without a persisted id")
		return false
	}

	seen := make(map[string]bool, len(rec.BlockedJobs))
	kept := make([]core.BlockedJob, 0, len(rec.BlockedJobs))
	for _, bj := range rec.BlockedJobs {
		if _, dup := s.byJob[bj.JobUUID]; dup || seen[bj.JobUUID] {
			log.Warn("job already tracked by recovery, dropping duplicate", "job_uuid", bj.JobUUID)
			continue
		}
		seen[bj.JobUUID] = true
		kept = append(kept, bj)
	}
	if len(kept) == 0 {
		return false
	}

	e, ok := s.byHash[rec.TesterHash]
	if ok {
		for i := range kept {
			kept[i].RecoveryID = e.rec.ID
		}
		e.rec.BlockedJobs = append(e.rec.BlockedJobs, kept...)
		log.Debug("coalesced blocked jobs into existing record", "existing_id", e.rec.ID, "added", len(kept))
	} else {
		for i := range kept {
			kept[i].RecoveryID = rec.ID
		}
		rec.BlockedJobs = kept
		e = &entry{rec: rec}
		heap.Push(&s.heap, e)
		s.byHash[rec.TesterHash] = e
	}
	for _, bj := range kept {
		s.byJob[bj.JobUUID] = e
	}
	s.updateGauges()
	return true
}

// Tick processes every record that is due, in (NextAttempt, ID) order, and
// stops at the first record that is not yet due.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	var survivors []*entry
	for len(s.heap) > 0 {
		if err := ctx.Err(); err != nil {
			break
		}
		if s.heap[0].rec.NextAttempt.After(now) {
			break
		}
		e := heap.Pop(&s.heap).(*entry)
		if s.recover(ctx, e) {
			survivors = append(survivors, e)
		} else {
			s.unindex(e)
		}
	}
	for _, e := range survivors {
		heap.Push(&s.heap, e)
	}
	s.updateGauges()
	return ctx.Err()
}

// recover runs one attempt for a due record and reports whether the record
// stays scheduled.
func (s *Scheduler) recover(ctx context.Context, e *entry) bool {
	rec := e.rec
	log := s.log.With("record_id", rec.ID, "tester_hash", rec.TesterHash, "tester_type", rec.TesterType)

	n, err := s.probe(ctx, e)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.Error("condition test failed, failing blocked jobs", "error", err, "jobs", len(rec.BlockedJobs))
		s.failAll(ctx, e, fmt.Sprintf("Recovery of blocked job aborted: %v", err))
		return false
	}

	if n > 0 {
		k := min(n, len(rec.BlockedJobs))
		batch := make([]core.BlockedJob, k)
		copy(batch, rec.BlockedJobs[:k])
		rec.BlockedJobs = append([]core.BlockedJob(nil), rec.BlockedJobs[k:]...)
		log.Info("blocking condition cleared, resubmitting jobs", "released", k, "remaining", len(rec.BlockedJobs))
		for _, bj := range batch {
			delete(s.byJob, bj.JobUUID)
			s.resubmit(ctx, rec, bj)
		}
		if len(rec.BlockedJobs) == 0 {
			s.deleteRecord(ctx, rec.ID)
			return false
		}
	}
	return s.backoff(ctx, e)
}

// probe runs the record's tester, converting panics into errors.
func (s *Scheduler) probe(ctx context.Context, e *entry) (n int, err error) {
	rec := e.rec
	if e.tester == nil {
		t, err := s.testers.New(rec.TesterType)
		if err != nil {
			return 0, err
		}
		e.tester = t
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("tester %s panicked: %v", rec.TesterType, r)
		}
		result := "blocked"
		switch {
		case err != nil:
			result = "error"
		case n > 0:
			result = "cleared"
		}
		metrics.TesterLatency.WithLabelValues(string(rec.TesterType), result).Observe(time.Since(start).Seconds())
	}()
	return e.tester.CanUnblock(ctx, rec.TesterParameters)
}

// backoff advances the record's policy. It fails the remaining jobs and
// reports false when the policy has expired.
func (s *Scheduler) backoff(ctx context.Context, e *entry) bool {
	rec := e.rec
	log := s.log.With("record_id", rec.ID, "tester_hash", rec.TesterHash)

	p, err := s.policies.New(rec.PolicyType, rec.PolicyParameters, rec.Attempts, rec.CreatedAt)
	if err != nil {
		log.Error("cannot build backoff policy, failing blocked jobs", "policy_type", rec.PolicyType, "error", err)
		s.failAll(ctx, e, fmt.Sprintf("Recovery of blocked job aborted: %v", err))
		return false
	}
	wait, reason := p.NextWaitTime()
	if reason != core.ExpiryNone {
		log.Warn("recovery policy expired, failing blocked jobs", "reason", reason, "attempts", rec.Attempts)
		s.failAll(ctx, e, fmt.Sprintf("Recovery of blocked job expired: %s after %d attempts.", reason, rec.Attempts))
		return false
	}

	if wait < minBackoff {
		wait = minBackoff
	}
	now := s.now()
	rec.Attempts = p.Attempts()
	rec.NextAttempt = now.Add(wait)
	rec.LastUpdated = now
	if err := s.store.UpdateAttempts(ctx, rec.ID, rec.Attempts, rec.NextAttempt); err != nil {
		log.Warn("failed to persist recovery attempts", "attempts", rec.Attempts, "error", err)
	}
	log.Debug("condition still blocked", "attempts", rec.Attempts, "next_attempt", rec.NextAttempt)
	return true
}

// resubmit restores a single job to its success status and requeues it.
// Failures affect only that job.
func (s *Scheduler) resubmit(ctx context.Context, rec *core.RecoveryRecord, bj core.BlockedJob) {
	log := s.log.With("record_id", rec.ID, "job_uuid", bj.JobUUID)

	job, err := s.store.GetJob(ctx, bj.JobUUID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			log.Warn("blocked job no longer exists, dropping it")
			s.deleteBlockedJob(ctx, log, bj.JobUUID)
			return
		}
		s.failJob(ctx, rec, bj, fmt.Sprintf("Unable to read blocked job during recovery: %v", err))
		return
	}
	if job.Status != core.StatusBlocked {
		log.Warn("job left BLOCKED outside recovery, dropping it", "status", job.Status)
		s.deleteBlockedJob(ctx, log, bj.JobUUID)
		return
	}

	if err := s.store.SetJobStatus(ctx, bj.JobUUID, bj.SuccessStatus, bj.StatusMessage); err != nil {
		s.failJob(ctx, rec, bj, fmt.Sprintf("Unable to restore job status to %s: %v", bj.SuccessStatus, err))
		return
	}
	job.Status = bj.SuccessStatus
	job.StatusMessage = bj.StatusMessage

	if err := s.queue.EnqueueJob(ctx, job); err != nil {
		s.failJob(ctx, rec, bj, fmt.Sprintf("Unable to resubmit job to queue %s: %v", job.Queue, err))
		return
	}
	if err := s.store.DeleteBlockedJob(ctx, bj.JobUUID); err != nil {
		log.Warn("zombie blocked job: resubmitted but its blocked row could not be deleted", "error", err)
	}

	metrics.JobOutcomes.WithLabelValues(metrics.OutcomeResubmitted).Inc()
	s.publish(ctx, core.EventJobResubmitted, job, bj.SuccessStatus, bj.StatusMessage)
	log.Info("job resubmitted", "queue", job.Queue, "status", bj.SuccessStatus)
}

func (s *Scheduler) failAll(ctx context.Context, e *entry, message string) {
	rec := e.rec
	for _, bj := range rec.BlockedJobs {
		delete(s.byJob, bj.JobUUID)
		s.failJob(ctx, rec, bj, message)
	}
	rec.BlockedJobs = nil
	s.deleteRecord(ctx, rec.ID)
}

func (s *Scheduler) failJob(ctx context.Context, rec *core.RecoveryRecord, bj core.BlockedJob, message string) {
	log := s.log.With("record_id", rec.ID, "job_uuid", bj.JobUUID)
	if err := s.store.FailJob(ctx, bj.JobUUID, message); err != nil {
		log.Error("failed to fail blocked job", "error", err)
	}
	s.deleteBlockedJob(ctx, log, bj.JobUUID)
	metrics.JobOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
	s.publish(ctx, core.EventJobFailed, &core.Job{UUID: bj.JobUUID, TenantID: rec.TenantID}, core.StatusFailed, message)
	log.Warn("blocked job failed", "message", message)
}

// Cancel removes a tracked job and sets its status. Non-terminal statuses
// are replaced by CANCELLED. The job is removed even when the status update
// fails.
func (s *Scheduler) Cancel(ctx context.Context, jobUUID string, status core.JobStatus, message string) CancelResult {
	e, ok := s.byJob[jobUUID]
	if !ok {
		return CancelNotFound
	}
	if !status.IsTerminal() {
		status = core.StatusCancelled
	}
	rec := e.rec
	log := s.log.With("record_id", rec.ID, "job_uuid", jobUUID)

	result := CancelOK
	if err := s.store.SetJobStatus(ctx, jobUUID, status, message); err != nil {
		log.Error("failed to set status of cancelled job", "status", status, "error", err)
		result = CancelStatusFailed
	}

	rec.RemoveJob(jobUUID)
	delete(s.byJob, jobUUID)
	s.deleteBlockedJob(ctx, log, jobUUID)
	if len(rec.BlockedJobs) == 0 {
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
		s.unindex(e)
		s.deleteRecord(ctx, rec.ID)
	}

	if result == CancelOK {
		metrics.JobOutcomes.WithLabelValues(metrics.OutcomeCancelled).Inc()
		s.publish(ctx, core.EventJobCancelled, &core.Job{UUID: jobUUID, TenantID: rec.TenantID}, status, message)
	}
	s.updateGauges()
	return result
}

// Tracks reports whether jobUUID is held by the scheduler.
func (s *Scheduler) Tracks(jobUUID string) bool {
	_, ok := s.byJob[jobUUID]
	return ok
}

// RecordSummary is a read-only view of a scheduled record.
type RecordSummary struct {
	ID            int64              `json:"id"`
	TenantID      string             `json:"tenant_id"`
	ConditionCode core.ConditionCode `json:"condition_code"`
	TesterType    core.TesterType    `json:"tester_type"`
	TesterHash    string             `json:"tester_hash"`
	PolicyType    core.PolicyType    `json:"policy_type"`
	Attempts      int                `json:"attempts"`
	NextAttempt   string             `json:"next_attempt"`
	CreatedAt     string             `json:"created_at"`
	Jobs          []string           `json:"jobs"`
}

// Snapshot returns the scheduled records in due order.
func (s *Scheduler) Snapshot() []RecordSummary {
	entries := make([]*entry, len(s.heap))
	copy(entries, s.heap)
	sort.Slice(entries, func(i, j int) bool {
		return recordHeap(entries).Less(i, j)
	})

	out := make([]RecordSummary, 0, len(entries))
	for _, e := range entries {
		rec := e.rec
		out = append(out, RecordSummary{
			ID:            rec.ID,
			TenantID:      rec.TenantID,
			ConditionCode: rec.ConditionCode,
			TesterType:    rec.TesterType,
			TesterHash:    rec.TesterHash,
			PolicyType:    rec.PolicyType,
			Attempts:      rec.Attempts,
			NextAttempt:   core.FormatTime(rec.NextAttempt),
			CreatedAt:     core.FormatTime(rec.CreatedAt),
			Jobs:          rec.JobUUIDs(),
		})
	}
	return out
}

// Counts returns the number of scheduled records and blocked jobs.
func (s *Scheduler) Counts() (records, jobs int) {
	return len(s.heap), len(s.byJob)
}

func (s *Scheduler) unindex(e *entry) {
	if cur, ok := s.byHash[e.rec.TesterHash]; ok && cur == e {
		delete(s.byHash, e.rec.TesterHash)
	}
	for _, bj := range e.rec.BlockedJobs {
		if cur, ok := s.byJob[bj.JobUUID]; ok && cur == e {
			delete(s.byJob, bj.JobUUID)
		}
	}
}

func (s *Scheduler) deleteRecord(ctx context.Context, id int64) {
	if err := s.store.DeleteRecoveryRecord(ctx, id); err != nil {
		s.log.Warn("failed to delete recovery record", "record_id", id, "error", err)
	}
}

func (s *Scheduler) deleteBlockedJob(ctx context.Context, log *slog.Logger, jobUUID string) {
	if err := s.store.DeleteBlockedJob(ctx, jobUUID); err != nil {
		log.Warn("failed to delete blocked job", "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType string, job *core.Job, status core.JobStatus, message string) {
	if s.events == nil {
		return
	}
	ev := &core.JobEvent{
		EventType: eventType,
		JobUUID:   job.UUID,
		TenantID:  job.TenantID,
		Queue:     job.Queue,
		Status:    status,
		Message:   message,
		Timestamp: core.FormatTime(s.now()),
	}
	if err := s.events.PublishEvent(ctx, ev); err != nil {
		s.log.Debug("failed to publish job event", "event_type", eventType, "job_uuid", job.UUID, "error", err)
	}
}

func (s *Scheduler) updateGauges() {
	metrics.RecordsActive.Set(float64(len(s.heap)))
	metrics.BlockedJobsActive.Set(float64(len(s.byJob)))
}
