// Package metrics exposes Prometheus collectors for the snipewatch engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	updatesTotal               *prometheus.CounterVec
	updatesChangedTotal        prometheus.Counter
	updateDurationSeconds      *prometheus.HistogramVec
	snipesTotal                *prometheus.CounterVec
	checkpointsTotal           *prometheus.CounterVec
	checkpointDurationSeconds  prometheus.Histogram
	registryEntries            *prometheus.GaugeVec
	busQueueDepth              *prometheus.GaugeVec
	busHandlerFailuresTotal    *prometheus.CounterVec
	ticksTotal                 *prometheus.CounterVec
	driverRateLimitWaitSeconds *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		updatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipewatch_updates_total",
				Help: "Total listing updates, labeled by scheduler bucket and result.",
			},
			[]string{"bucket", "result"},
		)

		updatesChangedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "snipewatch_updates_changed_total",
				Help: "Total listing updates whose serialized form changed.",
			},
		)

		updateDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snipewatch_update_duration_seconds",
				Help:    "Histogram of per-listing update latencies, labeled by bucket.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"bucket"},
		)

		snipesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipewatch_snipes_total",
				Help: "Total snipes handed to the driver, labeled by result.",
			},
			[]string{"result"},
		)

		checkpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipewatch_checkpoints_total",
				Help: "Total snapshot saves, labeled by result.",
			},
			[]string{"result"},
		)

		checkpointDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "snipewatch_checkpoint_duration_seconds",
				Help:    "Histogram of snapshot save latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		registryEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "snipewatch_registry_entries",
				Help: "Number of listings in the registry, labeled by scope (active, total).",
			},
			[]string{"scope"},
		)

		busQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "snipewatch_bus_queue_depth",
				Help: "Messages waiting for delivery, labeled by queue.",
			},
			[]string{"queue"},
		)

		busHandlerFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipewatch_bus_handler_failures_total",
				Help: "Total bus handler errors and panics, labeled by queue.",
			},
			[]string{"queue"},
		)

		ticksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snipewatch_ticks_total",
				Help: "Total ticker wakes, labeled by outcome (run, paused, failed).",
			},
			[]string{"outcome"},
		)

		driverRateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snipewatch_driver_rate_limit_wait_seconds",
				Help:    "Histogram of driver rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"server"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpdate records one pipeline run for a listing.
func ObserveUpdate(bucket, result string, changed bool, duration time.Duration) {
	Init()
	updatesTotal.WithLabelValues(bucket, result).Inc()
	updateDurationSeconds.WithLabelValues(bucket).Observe(duration.Seconds())
	if changed {
		updatesChangedTotal.Inc()
	}
}

// ObserveSnipe records a snipe hand-off.
func ObserveSnipe(result string) {
	Init()
	snipesTotal.WithLabelValues(result).Inc()
}

// ObserveCheckpoint records a snapshot save.
func ObserveCheckpoint(result string, duration time.Duration) {
	Init()
	checkpointsTotal.WithLabelValues(result).Inc()
	checkpointDurationSeconds.Observe(duration.Seconds())
}

// SetRegistrySize publishes the current registry counts.
func SetRegistrySize(active, total int) {
	Init()
	registryEntries.WithLabelValues("active").Set(float64(active))
	registryEntries.WithLabelValues("total").Set(float64(total))
}

// SetQueueDepth publishes the backlog of a bus queue.
func SetQueueDepth(queue string, depth int) {
	Init()
	busQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveHandlerFailure counts a failed or panicking bus handler.
func ObserveHandlerFailure(queue string) {
	Init()
	busHandlerFailuresTotal.WithLabelValues(queue).Inc()
}

// ObserveTick counts a ticker wake.
func ObserveTick(outcome string) {
	Init()
	ticksTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(server string, duration time.Duration) {
	Init()
	driverRateLimitWaitSeconds.WithLabelValues(server).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
