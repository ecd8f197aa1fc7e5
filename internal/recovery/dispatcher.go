package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/metrics"
	"github.com/openjobspec/ojs-recovery-nats/internal/tester"
)

// DefaultShutdownGrace delays a non-forced RECOVER_SHUTDOWN.
const DefaultShutdownGrace = 5 * time.Second

// DispatcherConfig holds the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Lock    *sync.Mutex
	Store   Store
	Inbox   *Inbox
	Cancels *CancelPool
	// QueueName is the name this process answers to in RECOVER_SHUTDOWN.
	QueueName string
	// Shutdown stops the process. It is called at most once.
	Shutdown      func()
	ShutdownGrace time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Dispatcher turns broker messages into scheduler work.
type Dispatcher struct {
	mu        *sync.Mutex
	store     Store
	inbox     *Inbox
	cancels   *CancelPool
	queueName string
	shutdown  func()
	grace     time.Duration
	log       *slog.Logger
	now       func() time.Time

	shutdownOnce sync.Once
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = func() {}
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Dispatcher{
		mu:        cfg.Lock,
		store:     cfg.Store,
		inbox:     cfg.Inbox,
		cancels:   cfg.Cancels,
		queueName: cfg.QueueName,
		shutdown:  cfg.Shutdown,
		grace:     cfg.ShutdownGrace,
		log:       cfg.Logger.With("component", "dispatcher"),
		now:       cfg.Now,
	}
}

// Process handles one message body. It returns true to acknowledge and
// false to reject without requeue. A non-nil error is fatal.
func (d *Dispatcher) Process(ctx context.Context, data []byte) (bool, error) {
	msg, rerr := core.DecodeMessage(data)
	if rerr != nil {
		d.log.Warn("rejecting invalid recovery message", "error", rerr, "details", rerr.Details)
		metrics.MessagesTotal.WithLabelValues("unknown", "rejected").Inc()
		return false, nil
	}

	switch m := msg.(type) {
	case *core.RecoverMsg:
		ack, err := d.recover(ctx, m)
		metrics.MessagesTotal.WithLabelValues(string(core.MsgRecover), outcome(ack, err)).Inc()
		return ack, err
	case *core.CancelRecoverMsg:
		ack := d.cancels.Submit(m)
		metrics.MessagesTotal.WithLabelValues(string(core.MsgCancelRecover), outcome(ack, nil)).Inc()
		return ack, nil
	case *core.RecoverShutdownMsg:
		d.shutdownRequested(m)
		metrics.MessagesTotal.WithLabelValues(string(core.MsgRecoverShutdown), "acked").Inc()
		return true, nil
	default:
		return false, nil
	}
}

func outcome(ack bool, err error) string {
	switch {
	case err != nil:
		return "fatal"
	case ack:
		return "acked"
	default:
		return "rejected"
	}
}

func (d *Dispatcher) recover(ctx context.Context, m *core.RecoverMsg) (bool, error) {
	log := d.log.With("job_uuid", m.JobUUID, "tenant_id", m.TenantID, "condition", m.ConditionCode)

	d.mu.Lock()
	defer d.mu.Unlock()

	status, err := d.store.GetJobStatus(ctx, m.JobUUID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			log.Warn("rejecting RECOVER for unknown job")
			return false, nil
		}
		return false, core.PersistenceFatal(err, fmt.Sprintf("read status of job %s", m.JobUUID))
	}
	if status != core.StatusBlocked {
		log.Warn("rejecting RECOVER for job that is not BLOCKED", "status", status)
		return false, nil
	}

	params := maps.Clone(m.TesterParameters)
	if params == nil {
		params = make(map[string]string, 1)
	}
	if params[tester.ParamTenantID] == "" {
		params[tester.ParamTenantID] = m.TenantID
	}
	now := d.now()
	rec := &core.RecoveryRecord{
		TenantID:         m.TenantID,
		ConditionCode:    m.ConditionCode,
		TesterType:       m.TesterType,
		TesterParameters: params,
		TesterHash:       core.ComputeTesterHash(m.TenantID, m.TesterType, params),
		PolicyType:       m.PolicyType,
		PolicyParameters: maps.Clone(m.PolicyParameters),
		NextAttempt:      now,
		CreatedAt:        now,
		LastUpdated:      now,
		BlockedJobs: []core.BlockedJob{{
			JobUUID:       m.JobUUID,
			SuccessStatus: m.SuccessStatus,
			StatusMessage: m.StatusMessage,
		}},
	}

	if err := d.store.AddRecoveryRecord(ctx, rec); err != nil {
		log.Error("failed to persist recovery record, failing job", "error", err)
		for _, bj := range rec.BlockedJobs {
			msg := fmt.Sprintf("Unable to save recovery information for blocked job: %v", err)
			if ferr := d.store.FailJob(ctx, bj.JobUUID, msg); ferr != nil {
				log.Error("failed to fail job after persist error", "error", ferr)
			}
		}
		return true, nil
	}
	if len(rec.BlockedJobs) == 0 {
		log.Info("job already tracked by recovery", "record_id", rec.ID)
		return true, nil
	}

	d.inbox.Push(rec)
	log.Info("job handed to recovery", "record_id", rec.ID, "tester_hash", rec.TesterHash)
	return true, nil
}

func (d *Dispatcher) shutdownRequested(m *core.RecoverShutdownMsg) {
	if m.QueueName != "" && m.QueueName != d.queueName {
		d.log.Debug("ignoring shutdown for another reader", "queue", m.QueueName)
		return
	}
	grace := d.grace
	if m.Force {
		grace = 0
	}
	d.shutdownOnce.Do(func() {
		d.log.Warn("shutdown requested", "queue", m.QueueName, "force", m.Force, "grace", grace)
		time.AfterFunc(grace, d.shutdown)
	})
}
