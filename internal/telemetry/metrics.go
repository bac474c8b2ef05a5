package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sandbox_jobs_submitted_total", Help: "Jobs accepted at the submission boundary"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sandbox_jobs_succeeded_total", Help: "Jobs that executed and exited zero"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sandbox_jobs_failed_total", Help: "Jobs that executed and failed, including internal faults"})
	JobsTimedOut     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sandbox_jobs_timed_out_total", Help: "Jobs terminated at the policy timeout"})
	JobsRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sandbox_jobs_rejected_total", Help: "Jobs rejected by policy, cancellation, or backend unavailability"})
	JobsOrphaned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sandbox_jobs_orphaned_total", Help: "Running jobs reconciled to failed after a restart"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "sandbox_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sandbox_jobs_inflight", Help: "Jobs currently executing in a worker slot"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sandbox_queue_depth", Help: "Ready queue depth"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsSucceeded,
			JobsFailed,
			JobsTimedOut,
			JobsRejected,
			JobsOrphaned,
			RateLimitRejects,
			InFlightGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
