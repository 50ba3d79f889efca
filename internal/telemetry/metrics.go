package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AuditsAdmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_admitted_total", Help: "New audit jobs admitted and dispatched"})
	AuditsReused     = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_reused_total", Help: "Requests answered with an existing job via idempotency key"})
	IntakeRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_intake_rejects_total", Help: "Upload batches rejected by intake limits"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	WorkerCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_completed_total", Help: "Jobs processed to COMPLETED"})
	WorkerFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "audits_failed_total", Help: "Jobs processed to FAILED"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_queue_depth", Help: "Ready dispatch queue depth"})
	ActiveStreams    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "audits_active_event_streams", Help: "Open job event streams"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AuditsAdmitted,
			AuditsReused,
			IntakeRejects,
			RateLimitRejects,
			WorkerCompleted,
			WorkerFailed,
			QueueDepthGauge,
			ActiveStreams,
		)
	})
	return promhttp.Handler()
}
