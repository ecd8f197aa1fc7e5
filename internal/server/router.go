package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/ojs-recovery-nats/internal/api"
)

// NewRouter mounts the health, records and metrics endpoints.
func NewRouter(h *api.Handler, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger(log))

	r.Get("/health", h.Health)
	r.Get("/records", h.Records)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
