package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_jobs_started_total", Help: "Jobs submitted and started"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_jobs_completed_total", Help: "Jobs that finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_jobs_failed_total", Help: "Jobs that finished with an error"})
	EventsAppended   = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_events_appended_total", Help: "Events appended to job logs"})
	EventsMirrored   = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_events_mirrored_total", Help: "Events copied into client session logs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_rate_limit_rejects_total", Help: "Job submissions rejected by rate limiter"})
	OpenStreams      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stream_readers_open", Help: "SSE readers currently connected"})
	ActiveSessions   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stream_sessions_active", Help: "Client sessions currently open"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			EventsAppended,
			EventsMirrored,
			RateLimitRejects,
			OpenStreams,
			ActiveSessions,
		)
	})
	return promhttp.Handler()
}
