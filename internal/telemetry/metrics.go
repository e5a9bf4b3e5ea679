package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"})
	DedupCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Enqueues resolved to an existing job via idempotency key"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	CompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	FailedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached failed"})
	CanceledCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_canceled_total", Help: "Jobs that reached canceled"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retries_total", Help: "Retry attempts scheduled (manual or automatic)"})
	TimeoutCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_timeouts_total", Help: "Attempts failed by the timeout reaper"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_running", Help: "Jobs currently executing in this process"})
	EventCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_progress_events_total", Help: "Progress events appended"})
	StreamGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "job_event_streams_open", Help: "Open SSE event streams"})
	TickDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupCounter,
			RateLimitRejects,
			CompletedCounter,
			FailedCounter,
			CanceledCounter,
			RetryCounter,
			TimeoutCounter,
			RunningGauge,
			EventCounter,
			StreamGauge,
			TickDuration,
		)
	})
	return promhttp.Handler()
}
