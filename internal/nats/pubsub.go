package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

const (
	eventJobPrefix   = "ojs.events.job."
	eventQueuePrefix = "ojs.events.queue."
	eventAllSubject  = "ojs.events.all"
)

func eventJobSubject(jobUUID string) string { return eventJobPrefix + jobUUID }
func eventQueueSubject(queue string) string { return eventQueuePrefix + queue }

// EventBroker publishes and subscribes to job events using NATS core
// pub/sub.
type EventBroker struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewEventBroker creates an EventBroker using the given NATS connection.
func NewEventBroker(nc *nats.Conn) *EventBroker {
	return &EventBroker{nc: nc}
}

// PublishEvent publishes a job event to the job, queue and global subjects.
func (b *EventBroker) PublishEvent(_ context.Context, event *core.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	if err := b.nc.Publish(eventJobSubject(event.JobUUID), data); err != nil {
		return errors.Wrapf(err, "publish event for job %s", event.JobUUID)
	}
	if event.Queue != "" {
		if err := b.nc.Publish(eventQueueSubject(event.Queue), data); err != nil {
			slog.Error("failed to publish queue event", "error", err, "queue", event.Queue)
		}
	}
	if err := b.nc.Publish(eventAllSubject, data); err != nil {
		slog.Error("failed to publish global event", "error", err)
	}
	return nil
}

// SubscribeJob subscribes to events for a specific job.
func (b *EventBroker) SubscribeJob(jobUUID string) (<-chan *core.JobEvent, func(), error) {
	return b.subscribe(eventJobSubject(jobUUID))
}

// SubscribeAll subscribes to all events.
func (b *EventBroker) SubscribeAll() (<-chan *core.JobEvent, func(), error) {
	return b.subscribe(eventAllSubject)
}

func (b *EventBroker) subscribe(subject string) (<-chan *core.JobEvent, func(), error) {
	ch := make(chan *core.JobEvent, 64)
	var (
		chMu   sync.Mutex
		closed bool
	)

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event core.JobEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Error("failed to unmarshal event", "error", err)
			return
		}
		chMu.Lock()
		defer chMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- &event:
		default:
			slog.Warn("dropping event, subscriber channel full", "subject", subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, errors.Wrapf(err, "subscribe to %s", subject)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		_ = sub.Unsubscribe()
		chMu.Lock()
		defer chMu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// Close unsubscribes all subscriptions.
func (b *EventBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
