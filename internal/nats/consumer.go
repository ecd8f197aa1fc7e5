package nats

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Delivery is one recovery message handed to a Processor.
type Delivery struct {
	// ID correlates log lines for this delivery.
	ID           string
	Subject      string
	Data         []byte
	NumDelivered uint64
}

// Processor handles a delivery. true acknowledges it, false rejects it
// without redelivery. A non-nil error is fatal and leaves the delivery
// unacknowledged.
type Processor func(ctx context.Context, d Delivery) (bool, error)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// QueueName selects the durable consumer; readers with the same name
	// share its messages.
	QueueName string
	// BindingKey filters the recovery stream. Defaults to ojs.recovery.>.
	BindingKey string
	// WorkerName identifies this process in logs.
	WorkerName string
	// DeadLetter receives rejected deliveries when set.
	DeadLetter *DeadLetter
	Logger     *slog.Logger
}

// Reader pulls recovery messages one at a time from a durable consumer.
type Reader struct {
	js         jetstream.JetStream
	queueName  string
	bindingKey string
	dead       *DeadLetter
	log        *slog.Logger

	mu       sync.Mutex
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
}

// NewReader creates a reader. Call Connect before Run.
func NewReader(js jetstream.JetStream, cfg ReaderConfig) *Reader {
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.BindingKey == "" {
		cfg.BindingKey = RecoveryAllSubject()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		js:         js,
		queueName:  cfg.QueueName,
		bindingKey: cfg.BindingKey,
		dead:       cfg.DeadLetter,
		log: cfg.Logger.With("component", "reader",
			"worker", cfg.WorkerName, "queue", cfg.QueueName, "binding_key", cfg.BindingKey),
	}
}

// QueueName returns the durable queue this reader is bound to.
func (r *Reader) QueueName() string { return r.queueName }

// Connect ensures the durable consumer exists.
func (r *Reader) Connect(ctx context.Context) error {
	consumer, err := EnsureReaderConsumer(ctx, r.js, r.queueName, r.bindingKey)
	if err != nil {
		return core.BrokerFatal(err, "connect recovery reader")
	}
	r.mu.Lock()
	r.consumer = consumer
	r.mu.Unlock()
	r.log.Info("recovery reader connected", "consumer", ConsumerName(r.queueName))
	return nil
}

// Run delivers messages to process until ctx is done or Cancel is called.
// Broker failures return an error marked core.ErrBrokerFatal.
func (r *Reader) Run(ctx context.Context, process Processor) error {
	r.mu.Lock()
	consumer := r.consumer
	r.mu.Unlock()
	if consumer == nil {
		return core.BrokerFatal(errNotConnected, "run recovery reader")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan jetstream.Msg, 1)
	cc, err := consumer.Consume(func(m jetstream.Msg) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	}, jetstream.PullMaxMessages(1), jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		r.log.Warn("consume error", "error", err)
	}))
	if err != nil {
		return core.BrokerFatal(err, "start recovery consumer")
	}
	r.mu.Lock()
	r.cc = cc
	r.mu.Unlock()
	defer cc.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("recovery reader stopped")
			return nil
		case <-cc.Closed():
			r.log.Info("recovery consumer closed")
			return nil
		case m := <-msgs:
			if err := r.handle(ctx, m, process); err != nil {
				return err
			}
		}
	}
}

// Cancel stops consuming. Run returns once the consumer is closed.
func (r *Reader) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cc != nil {
		r.cc.Stop()
	}
}

// handle processes one message and settles it exactly once.
func (r *Reader) handle(ctx context.Context, m jetstream.Msg, process Processor) error {
	d := Delivery{
		ID:      uuid.NewString(),
		Subject: m.Subject(),
		Data:    m.Data(),
	}
	if meta, err := m.Metadata(); err == nil {
		d.NumDelivered = meta.NumDelivered
	}
	log := r.log.With("delivery_id", d.ID, "subject", d.Subject)

	ok, err := process(ctx, d)
	if err != nil {
		log.Error("fatal error processing recovery message, leaving it unacknowledged", "error", err)
		return err
	}

	if ok {
		if err := m.Ack(); err != nil {
			return core.BrokerFatal(err, "ack recovery message")
		}
		log.Debug("recovery message acknowledged")
		return nil
	}

	if r.dead != nil {
		if err := r.dead.Publish(ctx, r.queueName, d); err != nil {
			log.Warn("failed to dead-letter rejected message", "error", err)
		}
	}
	if err := m.Term(); err != nil {
		return core.BrokerFatal(err, "reject recovery message")
	}
	log.Info("recovery message rejected")
	return nil
}
