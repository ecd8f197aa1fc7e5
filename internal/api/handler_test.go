package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/recovery"
)

func TestHealth_OK(t *testing.T) {
	h := NewHandler(Sources{
		BrokerHealth: func(context.Context) (any, error) { return map[string]string{"status": "connected"}, nil },
		StorePing:    func(context.Context) error { return nil },
		Counts:       func() (int, int) { return 2, 5 },
		WorkerName:   "recovery-1",
		StartedAt:    time.Now().Add(-time.Minute),
	})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Worker != "recovery-1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Records != 2 || resp.BlockedJobs != 5 {
		t.Errorf("counts = %d/%d, want 2/5", resp.Records, resp.BlockedJobs)
	}
	if resp.UptimeSeconds < 59 {
		t.Errorf("uptime = %d, want about 60", resp.UptimeSeconds)
	}
}

func TestHealth_StoreDown(t *testing.T) {
	h := NewHandler(Sources{
		StorePing: func(context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StoreError != "connection refused" {
		t.Errorf("store_error = %q", resp.StoreError)
	}
}

func TestHealth_BrokerDown(t *testing.T) {
	h := NewHandler(Sources{
		BrokerHealth: func(context.Context) (any, error) { return nil, errors.New("NATS not connected") },
	})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRecords(t *testing.T) {
	h := NewHandler(Sources{
		Snapshot: func() []recovery.RecordSummary {
			return []recovery.RecordSummary{{ID: 1, TesterType: core.TesterSystem, Jobs: []string{"j1", "j2"}}}
		},
	})

	rec := httptest.NewRecorder()
	h.Records(rec, httptest.NewRequest(http.MethodGet, "/records", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp RecordsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Records[0].Jobs) != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRecords_EmptyIsArray(t *testing.T) {
	h := NewHandler(Sources{Snapshot: func() []recovery.RecordSummary { return nil }})

	rec := httptest.NewRecorder()
	h.Records(rec, httptest.NewRequest(http.MethodGet, "/records", nil))

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["records"].([]any); !ok {
		t.Errorf("records = %#v, want empty array", resp["records"])
	}
}

func TestRecords_NoScheduler(t *testing.T) {
	h := NewHandler(Sources{})

	rec := httptest.NewRecorder()
	h.Records(rec, httptest.NewRequest(http.MethodGet, "/records", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != core.ErrCodeInternalError || !resp.Error.Retryable {
		t.Errorf("error = %+v", resp.Error)
	}
}
