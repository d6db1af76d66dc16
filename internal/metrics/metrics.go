// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflowd_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"submitter"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflowd_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"state"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gflowd_job_duration_seconds",
			Help:    "Wall time from started_at to finished_at for terminal jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to 16384s (~4.5 hours)
		},
		[]string{"state"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gflowd_queue_depth",
			Help: "Current number of jobs by state",
		},
		[]string{"state"},
	)

	GpuAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gflowd_gpu_available",
			Help: "1 if the GPU slot is currently available, 0 otherwise",
		},
		[]string{"index"},
	)

	AvailableMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gflowd_available_memory_mb",
			Help: "Cached available system memory in MB",
		},
	)

	ScheduleCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gflowd_schedule_cycles_total",
			Help: "Total number of schedule_jobs passes run",
		},
	)

	ScheduleDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflowd_schedule_decisions_total",
			Help: "Total number of jobs started or failed to start by schedule_jobs",
		},
		[]string{"outcome"},
	)

	ZombiesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gflowd_zombies_detected_total",
			Help: "Total number of Running jobs found with no backing session",
		},
	)

	TimeoutsEnforced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gflowd_timeouts_enforced_total",
			Help: "Total number of jobs moved to Timeout by the timeout monitor",
		},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflowd_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"target", "result"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflowd_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gflowd_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	StateSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflowd_state_saves_total",
			Help: "Total number of persistence writes, by outcome",
		},
		[]string{"format", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler, mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records one completed HTTP request.
func RecordAPIRequest(method, path, statusCode string, seconds float64) {
	APIRequests.WithLabelValues(method, path, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordJobTerminal records a job reaching a terminal state with its runtime.
func RecordJobTerminal(state string, seconds float64) {
	JobsCompleted.WithLabelValues(state).Inc()
	JobDuration.WithLabelValues(state).Observe(seconds)
}

// RecordScheduleCycle records the outcome counts of one schedule_jobs pass.
func RecordScheduleCycle(started, failed int) {
	ScheduleCycles.Inc()
	if started > 0 {
		ScheduleDecisions.WithLabelValues("started").Add(float64(started))
	}
	if failed > 0 {
		ScheduleDecisions.WithLabelValues("failed").Add(float64(failed))
	}
}
