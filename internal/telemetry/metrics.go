package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "model_runs_enqueued_total", Help: "Total enqueued model runs"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "model_runs_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	CompletedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "model_runs_completed_total", Help: "Runs that produced output"})
	FailedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "model_runs_failed_total", Help: "Runs that failed to spawn, exited non-zero or produced no output"})
	TerminatedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "model_runs_terminated_total", Help: "Runs forcibly terminated"}, []string{"reason"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "model_runs_queue_depth", Help: "Runs waiting for admission"})
	ActiveGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "model_runs_active", Help: "Runs currently executing"})
	RunDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "model_run_duration_seconds",
		Help:    "Wall time from admission to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
	}, []string{"status"})
	SnapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "model_runs_snapshot_failures_total", Help: "Snapshot saves or loads that failed"})
	ArchiveFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "model_runs_archive_failures_total", Help: "Archive writes that failed or were rejected by the breaker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			CompletedCounter,
			FailedCounter,
			TerminatedCounter,
			QueueDepthGauge,
			ActiveGauge,
			RunDuration,
			SnapshotFailures,
			ArchiveFailures,
		)
	})
	return promhttp.Handler()
}
