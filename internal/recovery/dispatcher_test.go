package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/tester"
)

type dispatchHarness struct {
	*harness
	mu       *sync.Mutex
	inbox    *Inbox
	cancels  *CancelPool
	disp     *Dispatcher
	shutdown chan struct{}
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	h := newHarness(t)
	d := &dispatchHarness{
		harness:  h,
		mu:       &sync.Mutex{},
		inbox:    NewInbox(),
		shutdown: make(chan struct{}, 1),
	}
	d.cancels = NewCancelPool(context.Background(), d.mu, d.inbox, h.sched, 2, discardLogger)
	d.disp = NewDispatcher(DispatcherConfig{
		Lock:          d.mu,
		Store:         h.store,
		Inbox:         d.inbox,
		Cancels:       d.cancels,
		QueueName:     "recovery-a",
		Shutdown:      func() { d.shutdown <- struct{}{} },
		ShutdownGrace: 20 * time.Millisecond,
		Logger:        discardLogger,
		Now:           h.clock.Now,
	})
	return d
}

func recoverMsg(jobUUID string) []byte {
	data, _ := json.Marshal(core.RecoverMsg{
		MsgType:          core.MsgRecover,
		JobUUID:          jobUUID,
		TenantID:         "t1",
		ConditionCode:    core.ConditionSystemNotAvailable,
		TesterType:       testerScripted,
		TesterParameters: map[string]string{tester.ParamSystemID: "hpc"},
		PolicyType:       core.PolicyConstant,
		PolicyParameters: constantMinute,
		SuccessStatus:    core.StatusQueued,
		StatusMessage:    "resubmitted by recovery",
	})
	return data
}

func (d *dispatchHarness) putJob(jobUUID string, status core.JobStatus) {
	d.t.Helper()
	require.NoError(d.t, d.store.PutJob(context.Background(), &core.Job{
		UUID: jobUUID, TenantID: "t1", Queue: "default", Status: status,
	}))
}

func TestDispatcherRejectsMalformedMessages(t *testing.T) {
	d := newDispatchHarness(t)
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"msgType":"EXPLODE"}`,
		`{"msgType":"RECOVER","jobUuid":"j1"}`,
		`{"msgType":"CANCEL_RECOVER"}`,
	} {
		ack, err := d.disp.Process(context.Background(), []byte(body))
		require.NoError(t, err, body)
		assert.False(t, ack, body)
	}
	assert.Zero(t, d.inbox.Len())
}

func TestDispatcherRecover(t *testing.T) {
	ctx := context.Background()
	d := newDispatchHarness(t)
	d.putJob("j1", core.StatusBlocked)

	ack, err := d.disp.Process(ctx, recoverMsg("j1"))
	require.NoError(t, err)
	assert.True(t, ack)

	items := d.inbox.Drain()
	require.Len(t, items, 1)
	rec := items[0]
	assert.Positive(t, rec.ID)
	assert.Equal(t, "t1", rec.TesterParameters[tester.ParamTenantID])
	assert.Equal(t, core.ComputeTesterHash("t1", testerScripted, rec.TesterParameters), rec.TesterHash)
	assert.Equal(t, d.clock.Now(), rec.NextAttempt)
	require.Len(t, rec.BlockedJobs, 1)
	assert.Equal(t, core.StatusQueued, rec.BlockedJobs[0].SuccessStatus)

	// The same job again is already persisted: acked, nothing queued.
	ack, err = d.disp.Process(ctx, recoverMsg("j1"))
	require.NoError(t, err)
	assert.True(t, ack)
	assert.Zero(t, d.inbox.Len())
}

func TestDispatcherRejectsJobsNotBlocked(t *testing.T) {
	d := newDispatchHarness(t)
	d.putJob("j1", core.StatusRunning)

	ack, err := d.disp.Process(context.Background(), recoverMsg("j1"))
	require.NoError(t, err)
	assert.False(t, ack)

	ack, err = d.disp.Process(context.Background(), recoverMsg("unknown"))
	require.NoError(t, err)
	assert.False(t, ack)
	assert.Zero(t, d.inbox.Len())
}

func TestDispatcherStatusLookupFailureIsFatal(t *testing.T) {
	d := newDispatchHarness(t)
	d.store.statusErr = fmt.Errorf("connection refused")

	ack, err := d.disp.Process(context.Background(), recoverMsg("j1"))
	require.Error(t, err)
	assert.False(t, ack)
	assert.True(t, errors.Is(err, core.ErrPersistenceFatal))
	assert.True(t, core.IsFatal(err))
}

func TestDispatcherPersistFailureFailsJob(t *testing.T) {
	d := newDispatchHarness(t)
	d.putJob("j1", core.StatusBlocked)
	d.store.addErr = fmt.Errorf("disk full")

	ack, err := d.disp.Process(context.Background(), recoverMsg("j1"))
	require.NoError(t, err)
	assert.True(t, ack)
	assert.Equal(t, core.StatusFailed, d.status("j1"))
	assert.Zero(t, d.inbox.Len())
}

func TestDispatcherCancelRecover(t *testing.T) {
	ctx := context.Background()
	d := newDispatchHarness(t)
	d.putJob("j1", core.StatusBlocked)

	ack, err := d.disp.Process(ctx, recoverMsg("j1"))
	require.NoError(t, err)
	require.True(t, ack)

	// The record is still in the inbox; the agent merges it before cancelling.
	cancel, _ := json.Marshal(core.CancelRecoverMsg{
		MsgType: core.MsgCancelRecover, JobUUID: "j1", TenantID: "t1",
		NewStatus: core.StatusCancelled, StatusMessage: "cancelled by user",
	})
	ack, err = d.disp.Process(ctx, cancel)
	require.NoError(t, err)
	assert.True(t, ack)

	d.cancels.Drain()
	assert.Equal(t, core.StatusCancelled, d.status("j1"))
	d.mu.Lock()
	assert.False(t, d.sched.Tracks("j1"))
	records, _ := d.sched.Counts()
	d.mu.Unlock()
	assert.Zero(t, records)

	// A drained pool refuses new work.
	ack, err = d.disp.Process(ctx, cancel)
	require.NoError(t, err)
	assert.False(t, ack)
}

func TestDispatcherShutdown(t *testing.T) {
	ctx := context.Background()
	d := newDispatchHarness(t)

	other, _ := json.Marshal(core.RecoverShutdownMsg{MsgType: core.MsgRecoverShutdown, QueueName: "recovery-b"})
	ack, err := d.disp.Process(ctx, other)
	require.NoError(t, err)
	assert.True(t, ack)
	select {
	case <-d.shutdown:
		t.Fatal("shutdown for another queue must be ignored")
	case <-time.After(60 * time.Millisecond):
	}

	mine, _ := json.Marshal(core.RecoverShutdownMsg{MsgType: core.MsgRecoverShutdown, QueueName: "recovery-a", Force: true})
	ack, err = d.disp.Process(ctx, mine)
	require.NoError(t, err)
	assert.True(t, ack)
	select {
	case <-d.shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown was not triggered")
	}

	// Further requests do not trigger a second shutdown.
	all, _ := json.Marshal(core.RecoverShutdownMsg{MsgType: core.MsgRecoverShutdown})
	_, _ = d.disp.Process(ctx, all)
	select {
	case <-d.shutdown:
		t.Fatal("shutdown triggered twice")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDispatcherShutdownWithoutQueueUsesGrace(t *testing.T) {
	d := newDispatchHarness(t)
	all, _ := json.Marshal(core.RecoverShutdownMsg{MsgType: core.MsgRecoverShutdown})
	start := time.Now()
	ack, err := d.disp.Process(context.Background(), all)
	require.NoError(t, err)
	assert.True(t, ack)

	select {
	case <-d.shutdown:
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("shutdown was not triggered")
	}
}
