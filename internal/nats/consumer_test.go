package nats

import (
	"context"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	acks    int
	terms   int
	ackErr  error
	termErr error
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: 2}, nil
}

func (m *fakeMsg) Ack() error {
	m.acks++
	return m.ackErr
}

func (m *fakeMsg) Term() error {
	m.terms++
	return m.termErr
}

func newTestReader() *Reader {
	return NewReader(nil, ReaderConfig{
		WorkerName: "test",
		Logger:     slog.New(slog.DiscardHandler),
	})
}

func TestReaderDefaults(t *testing.T) {
	r := newTestReader()
	assert.Equal(t, DefaultQueueName, r.QueueName())
	assert.Equal(t, RecoveryAllSubject(), r.bindingKey)
}

func TestReaderRunRequiresConnect(t *testing.T) {
	err := newTestReader().Run(context.Background(), func(context.Context, Delivery) (bool, error) {
		return true, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBrokerFatal))
}

func TestReaderHandleSettlesOnce(t *testing.T) {
	tests := []struct {
		name      string
		ok        bool
		procErr   error
		wantAcks  int
		wantTerms int
		wantErr   bool
	}{
		{name: "accepted", ok: true, wantAcks: 1},
		{name: "rejected", ok: false, wantTerms: 1},
		{name: "fatal", procErr: errors.New("store down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMsg{subject: RecoverySubject("recover"), data: []byte(`{}`)}
			var got Delivery
			err := newTestReader().handle(context.Background(), m, func(_ context.Context, d Delivery) (bool, error) {
				got = d
				return tt.ok, tt.procErr
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantAcks, m.acks)
			assert.Equal(t, tt.wantTerms, m.terms)
			assert.Equal(t, m.subject, got.Subject)
			assert.Equal(t, uint64(2), got.NumDelivered)
			assert.NotEmpty(t, got.ID)
		})
	}
}

func TestReaderHandleAckFailureIsBrokerFatal(t *testing.T) {
	m := &fakeMsg{subject: RecoverySubject("recover"), ackErr: errors.New("connection closed")}
	err := newTestReader().handle(context.Background(), m, func(context.Context, Delivery) (bool, error) {
		return true, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBrokerFatal))

	m = &fakeMsg{subject: RecoverySubject("recover"), termErr: errors.New("connection closed")}
	err = newTestReader().handle(context.Background(), m, func(context.Context, Delivery) (bool, error) {
		return false, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBrokerFatal))
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "ojs.recovery.recover", RecoverySubject("recover"))
	assert.Equal(t, "ojs.queue.batch.jobs", QueueJobsSubject("batch"))
	assert.Equal(t, "ojs.dead.recovery", DeadLetterSubject("recovery"))
	assert.Equal(t, "ojs-recovery-recovery", ConsumerName(DefaultQueueName))
}
