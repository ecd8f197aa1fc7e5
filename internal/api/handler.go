// Package api serves the read-only HTTP endpoints of the recovery service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	"github.com/openjobspec/ojs-recovery-nats/internal/recovery"
)

const healthTimeout = 2 * time.Second

// Sources gives the handlers access to the running service. Snapshot and
// Counts must be safe to call from HTTP goroutines.
type Sources struct {
	// BrokerHealth reports the broker connection. Nil means no broker.
	BrokerHealth func(ctx context.Context) (any, error)
	StorePing    func(ctx context.Context) error
	Snapshot     func() []recovery.RecordSummary
	Counts       func() (records, jobs int)
	WorkerName   string
	Version      string
	StartedAt    time.Time
}

// Handler serves /health and /records.
type Handler struct {
	src Sources
	now func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(src Sources) *Handler {
	if src.StartedAt.IsZero() {
		src.StartedAt = time.Now()
	}
	return &Handler{src: src, now: time.Now}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Worker        string `json:"worker"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Broker        any    `json:"broker,omitempty"`
	BrokerError   string `json:"broker_error,omitempty"`
	StoreError    string `json:"store_error,omitempty"`
	Records       int    `json:"records"`
	BlockedJobs   int    `json:"blocked_jobs"`
}

// Health handles GET /health. It answers 503 when the broker or the store
// is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:        "ok",
		Worker:        h.src.WorkerName,
		Version:       h.src.Version,
		UptimeSeconds: int64(h.now().Sub(h.src.StartedAt).Seconds()),
	}
	if h.src.BrokerHealth != nil {
		broker, err := h.src.BrokerHealth(ctx)
		resp.Broker = broker
		if err != nil {
			resp.Status = "degraded"
			resp.BrokerError = err.Error()
		}
	}
	if h.src.StorePing != nil {
		if err := h.src.StorePing(ctx); err != nil {
			resp.Status = "degraded"
			resp.StoreError = err.Error()
		}
	}
	if h.src.Counts != nil {
		resp.Records, resp.BlockedJobs = h.src.Counts()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// RecordsResponse is the body of GET /records.
type RecordsResponse struct {
	Records []recovery.RecordSummary `json:"records"`
	Total   int                      `json:"total"`
}

// Records handles GET /records.
func (h *Handler) Records(w http.ResponseWriter, _ *http.Request) {
	if h.src.Snapshot == nil {
		WriteError(w, http.StatusServiceUnavailable, core.NewInternalError("Scheduler is not running."))
		return
	}
	records := h.src.Snapshot()
	if records == nil {
		records = []recovery.RecordSummary{}
	}
	WriteJSON(w, http.StatusOK, RecordsResponse{Records: records, Total: len(records)})
}
