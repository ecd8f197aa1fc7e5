package nats

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// DefaultJobQueue is used for jobs that carry no queue name.
const DefaultJobQueue = "default"

// PublishJob publishes a job ID to the appropriate queue subject via JetStream.
func PublishJob(ctx context.Context, js jetstream.JetStream, queue, jobID string) error {
	subject := QueueJobsSubject(queue)
	if _, err := js.Publish(ctx, subject, []byte(jobID)); err != nil {
		return errors.Wrapf(err, "publish job %s to %s", jobID, subject)
	}
	return nil
}

// Producer resubmits jobs and publishes recovery messages.
type Producer struct {
	js jetstream.JetStream
}

// NewProducer creates a producer.
func NewProducer(js jetstream.JetStream) *Producer {
	return &Producer{js: js}
}

// EnqueueJob puts job back on its original submission queue.
func (p *Producer) EnqueueJob(ctx context.Context, job *core.Job) error {
	queue := job.Queue
	if queue == "" {
		queue = DefaultJobQueue
	}
	return PublishJob(ctx, p.js, queue, job.UUID)
}

// PublishRecovery publishes a recovery message on ojs.recovery.{kind}. The
// message id lets JetStream drop duplicates published within its window.
func (p *Producer) PublishRecovery(ctx context.Context, kind string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal recovery message")
	}
	subject := RecoverySubject(kind)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(core.NewUUIDv7())); err != nil {
		return errors.Wrapf(err, "publish recovery message to %s", subject)
	}
	return nil
}
