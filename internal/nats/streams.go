package nats

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"
)

// ReaderAckWait is how long an unacknowledged delivery stays with a reader
// before JetStream hands it to another one.
const ReaderAckWait = 60 * time.Second

// SetupJetStream creates the streams and KV buckets recovery depends on.
func SetupJetStream(ctx context.Context, js jetstream.JetStream) error {
	// Job queues, dead letters and events share the main OJS stream.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{QueueAllSubject(), DeadAllSubject(), EventsAllSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return errors.Wrapf(err, "creating stream %s", StreamName)
	}

	// Recovery messages are kept until every bound consumer has acked them.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      RecoveryStreamName,
		Subjects:  []string{RecoveryAllSubject(), AltAllSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.InterestPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return errors.Wrapf(err, "creating stream %s", RecoveryStreamName)
	}

	for _, name := range []string{
		BucketJobs,
		BucketRecovery,
		BucketBlocked,
		BucketRecoverySeq,
		BucketSystems,
		BucketApps,
	} {
		cfg := jetstream.KeyValueConfig{
			Bucket:  name,
			Storage: jetstream.FileStorage,
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return errors.Wrapf(err, "creating KV bucket %s", name)
		}
	}

	return nil
}

// EnsureReaderConsumer creates or updates the durable pull consumer shared by
// every reader bound to queue. At most one delivery is outstanding at a time.
func EnsureReaderConsumer(ctx context.Context, js jetstream.JetStream, queue, bindingKey string) (jetstream.Consumer, error) {
	consumer, err := js.CreateOrUpdateConsumer(ctx, RecoveryStreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName(queue),
		FilterSubject: bindingKey,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ReaderAckWait,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating consumer for recovery queue %s", queue)
	}
	return consumer, nil
}
