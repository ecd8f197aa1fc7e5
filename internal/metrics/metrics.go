package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal tracks recovery messages by type and outcome
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ojs_recovery_messages_total",
			Help: "Total number of recovery messages processed",
		},
		[]string{"msg_type", "outcome"},
	)

	// RecordsActive tracks recovery records held by the scheduler
	RecordsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ojs_recovery_records_active",
			Help: "Recovery records currently scheduled",
		},
	)

	// BlockedJobsActive tracks blocked jobs held by the scheduler
	BlockedJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ojs_recovery_blocked_jobs_active",
			Help: "Blocked jobs currently scheduled",
		},
	)

	// JobOutcomes tracks how blocked jobs leave recovery
	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ojs_recovery_job_outcomes_total",
			Help: "Blocked jobs by final outcome",
		},
		[]string{"outcome"},
	)

	// TesterLatency tracks condition test latency
	TesterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ojs_recovery_tester_latency_seconds",
			Help:    "Condition tester latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tester_type", "result"},
	)

	// WorkerRestarts tracks recovery worker relaunches
	WorkerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ojs_recovery_worker_restarts_total",
			Help: "Total number of recovery worker restarts",
		},
	)
)

// Job outcome labels.
const (
	OutcomeResubmitted = "resubmitted"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
)
