package recovery

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/policy"
	"github.com/openjobspec/ojs-recovery-nats/internal/store/memory"
	"github.com/openjobspec/ojs-recovery-nats/internal/tester"
)

const testerScripted core.TesterType = "SCRIPTED_TESTER"

var discardLogger = slog.New(slog.DiscardHandler)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type probeResult struct {
	n   int
	err error
}

// scriptedTester returns queued results in order, then 0.
type scriptedTester struct {
	mu      sync.Mutex
	results []probeResult
	calls   int
	panicOn int
}

func (s *scriptedTester) push(n int, err error) {
	s.mu.Lock()
	s.results = append(s.results, probeResult{n: n, err: err})
	s.mu.Unlock()
}

func (s *scriptedTester) CanUnblock(context.Context, map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panicOn > 0 && s.calls == s.panicOn {
		panic("probe exploded")
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.n, r.err
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	fail     map[string]error
}

func (q *fakeQueue) EnqueueJob(_ context.Context, job *core.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail[job.UUID]; err != nil {
		return err
	}
	q.enqueued = append(q.enqueued, job.UUID)
	return nil
}

func (q *fakeQueue) jobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []core.JobEvent
}

func (f *fakeEvents) PublishEvent(_ context.Context, ev *core.JobEvent) error {
	f.mu.Lock()
	f.events = append(f.events, *ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.EventType
	}
	return out
}

// faultyStore injects failures into a memory store.
type faultyStore struct {
	*memory.Store
	mu               sync.Mutex
	setStatusErr     error
	deleteBlockedErr error
	addErr           error
	statusErr        error
	deletedRecords   []int64
}

func (s *faultyStore) SetJobStatus(ctx context.Context, jobUUID string, status core.JobStatus, message string) error {
	s.mu.Lock()
	err := s.setStatusErr
	s.mu.Unlock()
	if err != nil && status != core.StatusFailed {
		return err
	}
	return s.Store.SetJobStatus(ctx, jobUUID, status, message)
}

func (s *faultyStore) DeleteBlockedJob(ctx context.Context, jobUUID string) error {
	if s.deleteBlockedErr != nil {
		return s.deleteBlockedErr
	}
	return s.Store.DeleteBlockedJob(ctx, jobUUID)
}

func (s *faultyStore) AddRecoveryRecord(ctx context.Context, rec *core.RecoveryRecord) error {
	if s.addErr != nil {
		return s.addErr
	}
	return s.Store.AddRecoveryRecord(ctx, rec)
}

func (s *faultyStore) GetJobStatus(ctx context.Context, jobUUID string) (core.JobStatus, error) {
	if s.statusErr != nil {
		return "", s.statusErr
	}
	return s.Store.GetJobStatus(ctx, jobUUID)
}

func (s *faultyStore) DeleteRecoveryRecord(ctx context.Context, id int64) error {
	s.mu.Lock()
	s.deletedRecords = append(s.deletedRecords, id)
	s.mu.Unlock()
	return s.Store.DeleteRecoveryRecord(ctx, id)
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	store    *faultyStore
	queue    *fakeQueue
	events   *fakeEvents
	probe    *scriptedTester
	sched    *Scheduler
	policies *policy.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  newFakeClock(),
		store:  &faultyStore{Store: memory.New()},
		queue:  &fakeQueue{fail: map[string]error{}},
		events: &fakeEvents{},
		probe:  &scriptedTester{},
	}
	testers := tester.NewRegistry(tester.Deps{Logger: discardLogger})
	testers.Register(testerScripted, func(tester.Deps) tester.Tester { return h.probe })
	h.policies = policy.NewRegistry().WithClock(h.clock.Now)
	h.sched = NewScheduler(SchedulerConfig{
		Store:    h.store,
		Queue:    h.queue,
		Events:   h.events,
		Testers:  testers,
		Policies: h.policies,
		Logger:   discardLogger,
		Now:      h.clock.Now,
	})
	return h
}

var constantMinute = map[string]string{policy.ParamWaitMillis: "60000", policy.ParamMaxTries: "100"}

// blockJob creates a BLOCKED job and persists a recovery record for it,
// the way the dispatcher does.
func (h *harness) blockJob(jobUUID string, testerParams map[string]string, policyType core.PolicyType, policyParams map[string]string) *core.RecoveryRecord {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.store.PutJob(ctx, &core.Job{
		UUID: jobUUID, TenantID: "t1", Queue: "default", Status: core.StatusBlocked,
	}))
	now := h.clock.Now()
	rec := &core.RecoveryRecord{
		TenantID:         "t1",
		ConditionCode:    core.ConditionSystemNotAvailable,
		TesterType:       testerScripted,
		TesterParameters: testerParams,
		TesterHash:       core.ComputeTesterHash("t1", testerScripted, testerParams),
		PolicyType:       policyType,
		PolicyParameters: policyParams,
		NextAttempt:      now,
		CreatedAt:        now,
		LastUpdated:      now,
		BlockedJobs:      []core.BlockedJob{{JobUUID: jobUUID, SuccessStatus: core.StatusPending}},
	}
	require.NoError(h.t, h.store.AddRecoveryRecord(ctx, rec))
	return rec
}

func (h *harness) status(jobUUID string) core.JobStatus {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), jobUUID)
	require.NoError(h.t, err)
	return job.Status
}

func (h *harness) blockedRows(recoveryID int64) []string {
	h.t.Helper()
	jobs, err := h.store.GetBlockedJobs(context.Background(), recoveryID)
	require.NoError(h.t, err)
	out := make([]string, len(jobs))
	for i, bj := range jobs {
		out[i] = bj.JobUUID
	}
	return out
}
