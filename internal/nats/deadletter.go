package nats

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var errNotConnected = errors.New("reader is not connected")

// Headers added to dead-lettered recovery messages.
const (
	HeaderOriginalSubject = "Ojs-Original-Subject"
	HeaderDeliveryID      = "Ojs-Delivery-Id"
	HeaderNumDelivered    = "Ojs-Num-Delivered"
)

// DeadLetter republishes rejected recovery messages on ojs.dead.{queue}.
type DeadLetter struct {
	js jetstream.JetStream
}

// NewDeadLetter creates a dead letter publisher.
func NewDeadLetter(js jetstream.JetStream) *DeadLetter {
	return &DeadLetter{js: js}
}

// Publish stores d on the dead letter subject of queue.
func (dl *DeadLetter) Publish(ctx context.Context, queue string, d Delivery) error {
	msg := nats.NewMsg(DeadLetterSubject(queue))
	msg.Data = d.Data
	msg.Header.Set(HeaderOriginalSubject, d.Subject)
	msg.Header.Set(HeaderDeliveryID, d.ID)
	msg.Header.Set(HeaderNumDelivered, strconv.FormatUint(d.NumDelivered, 10))
	if _, err := dl.js.PublishMsg(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish dead letter to %s", msg.Subject)
	}
	return nil
}
