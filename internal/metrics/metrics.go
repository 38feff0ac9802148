// Package metrics exposes Prometheus collectors for the search pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheHitsTotal        *prometheus.CounterVec
	cacheMissesTotal      prometheus.Counter
	jobsEnqueuedTotal     *prometheus.CounterVec
	jobsFinishedTotal     *prometheus.CounterVec
	jobsReclaimedTotal    prometheus.Counter
	activeWorkers         prometheus.Gauge
	scrapeDurationSeconds *prometheus.HistogramVec
	recrawlDeniedTotal    *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipseek_cache_hits_total",
				Help: "Total cache hits, labeled by level (l1/l2).",
			},
			[]string{"level"},
		)
		cacheMissesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipseek_cache_misses_total",
				Help: "Total cache misses.",
			},
		)
		jobsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipseek_jobs_enqueued_total",
				Help: "Total jobs enqueued, labeled by kind.",
			},
			[]string{"kind"},
		)
		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipseek_jobs_finished_total",
				Help: "Total jobs reaching a terminal state, labeled by kind and state.",
			},
			[]string{"kind", "state"},
		)
		jobsReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipseek_jobs_reclaimed_total",
				Help: "Total stalled jobs returned to the waiting queue.",
			},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipseek_active_workers",
				Help: "Workers currently executing a job.",
			},
		)
		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipseek_scrape_duration_seconds",
				Help:    "External scrape call duration, labeled by platform and outcome.",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"platform", "outcome"},
		)
		recrawlDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipseek_recrawl_denied_total",
				Help: "Recrawl requests denied, labeled by reason (rate/lock).",
			},
			[]string{"reason"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipseek_http_requests_total",
				Help: "HTTP requests served, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)
		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipseek_http_request_duration_seconds",
				Help:    "HTTP request duration, labeled by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CacheHit records a hit on the given level.
func CacheHit(level string) {
	if cacheHitsTotal != nil {
		cacheHitsTotal.WithLabelValues(level).Inc()
	}
}

// CacheMiss records a miss.
func CacheMiss() {
	if cacheMissesTotal != nil {
		cacheMissesTotal.Inc()
	}
}

// JobEnqueued records an enqueue by kind.
func JobEnqueued(kind string) {
	if jobsEnqueuedTotal != nil {
		jobsEnqueuedTotal.WithLabelValues(kind).Inc()
	}
}

// JobFinished records a terminal transition.
func JobFinished(kind, state string) {
	if jobsFinishedTotal != nil {
		jobsFinishedTotal.WithLabelValues(kind, state).Inc()
	}
}

// JobReclaimed records a stalled-job reclaim.
func JobReclaimed() {
	if jobsReclaimedTotal != nil {
		jobsReclaimedTotal.Inc()
	}
}

// WorkerActive adjusts the active worker gauge.
func WorkerActive(delta float64) {
	if activeWorkers != nil {
		activeWorkers.Add(delta)
	}
}

// ObserveScrape records one external scrape call.
func ObserveScrape(platform, outcome string, d time.Duration) {
	if scrapeDurationSeconds != nil {
		scrapeDurationSeconds.WithLabelValues(platform, outcome).Observe(d.Seconds())
	}
}

// RecrawlDenied records a coordinator rejection.
func RecrawlDenied(reason string) {
	if recrawlDeniedTotal != nil {
		recrawlDeniedTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, statusText(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
