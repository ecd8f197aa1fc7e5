package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerStop_Idempotent(t *testing.T) {
	s := &Scheduler{
		stop: make(chan struct{}),
	}

	s.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Stop should be idempotent, panicked on second call: %v", r)
		}
	}()

	s.Stop()
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(slog.New(slog.DiscardHandler))
	defer s.Stop()

	err := s.Add("report", "every five minutes", func(context.Context) {})
	assert.ErrorContains(t, err, "report")
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := New(slog.New(slog.DiscardHandler))

	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) {
		runs.Add(1)
	}))
	s.Start()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestSchedulerRecoversPanickingJob(t *testing.T) {
	var buf bytes.Buffer
	s := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	var runs atomic.Int32
	require.NoError(t, s.Add("boom", "@every 1s", func(context.Context) {
		runs.Add(1)
		panic("boom")
	}))
	s.Start()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestStatusReport(t *testing.T) {
	var buf bytes.Buffer
	report := StatusReport(func() (int, int) { return 3, 7 }, slog.New(slog.NewJSONHandler(&buf, nil)))
	report(context.Background())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "recovery status", line["msg"])
	assert.Equal(t, float64(3), line["records"])
	assert.Equal(t, float64(7), line["blocked_jobs"])
}
