// Package nats connects recovery to NATS: the JetStream streams and
// consumers it reads from, the subjects it publishes to and the KV buckets
// that back its stores.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Buckets are the KV buckets recovery opens at startup.
type Buckets struct {
	Jobs        jetstream.KeyValue
	Recovery    jetstream.KeyValue
	Blocked     jetstream.KeyValue
	RecoverySeq jetstream.KeyValue
	Systems     jetstream.KeyValue
	Apps        jetstream.KeyValue
}

// Backend owns the NATS connection and JetStream context.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream

	startTime time.Time
}

// New connects to NATS and sets up the JetStream resources recovery uses.
func New(natsURL, clientName string) (*Backend, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NATS")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "creating JetStream context")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js); err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "setting up JetStream")
	}

	return &Backend{nc: nc, js: js, startTime: time.Now()}, nil
}

// Conn returns the underlying NATS connection.
func (b *Backend) Conn() *nats.Conn { return b.nc }

// JetStream returns the JetStream context.
func (b *Backend) JetStream() jetstream.JetStream { return b.js }

// OpenBuckets opens every recovery KV bucket.
func (b *Backend) OpenBuckets(ctx context.Context) (*Buckets, error) {
	open := func(name string) (jetstream.KeyValue, error) {
		bucket, err := b.js.KeyValue(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "opening KV bucket %s", name)
		}
		return bucket, nil
	}

	var (
		out Buckets
		err error
	)
	for _, t := range []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{BucketJobs, &out.Jobs},
		{BucketRecovery, &out.Recovery},
		{BucketBlocked, &out.Blocked},
		{BucketRecoverySeq, &out.RecoverySeq},
		{BucketSystems, &out.Systems},
		{BucketApps, &out.Apps},
	} {
		if *t.dst, err = open(t.name); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// Close drains and closes the connection.
func (b *Backend) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

// Health describes the broker connection.
type Health struct {
	Status        string `json:"status"`
	LatencyMs     int64  `json:"latency_ms,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Error         string `json:"error,omitempty"`
}

// Health reports the connection status and round-trip time.
func (b *Backend) Health(_ context.Context) (*Health, error) {
	h := &Health{UptimeSeconds: int64(time.Since(b.startTime).Seconds())}

	if status := b.nc.Status(); status != nats.CONNECTED {
		h.Status = "disconnected"
		h.Error = fmt.Sprintf("NATS status: %v", status)
		return h, errors.New("NATS not connected")
	}

	rtt, err := b.nc.RTT()
	if err != nil {
		h.Status = "degraded"
		h.Error = err.Error()
		return h, errors.Wrap(err, "NATS round trip")
	}
	h.Status = "connected"
	h.LatencyMs = rtt.Milliseconds()
	return h, nil
}
