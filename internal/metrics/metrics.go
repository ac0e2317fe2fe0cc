// Package metrics exposes Prometheus collectors for the crawl engine.
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
	recordsClassifiedTotal     *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	checkpointSavesTotal       *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	deliveryBatchesTotal       *prometheus.CounterVec
	deliveryRecordsTotal       *prometheus.CounterVec
	deliveryQueueDepth         prometheus.Gauge
	activeGroups               prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsClassifiedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bizcrawl_records_classified_total",
				Help: "Records classified against the seen-set, labeled by group and result.",
			},
			[]string{"group", "result"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bizcrawl_pages_total",
				Help: "Pages or files processed, labeled by group and status.",
			},
			[]string{"group", "status"},
		)

		checkpointSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bizcrawl_checkpoint_writes_total",
				Help: "Checkpoint saves and resets, labeled by group and outcome.",
			},
			[]string{"group", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bizcrawl_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by group.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"group"},
		)

		deliveryBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bizcrawl_delivery_batches_total",
				Help: "Batches handed to the sink, labeled by final outcome.",
			},
			[]string{"outcome"},
		)

		deliveryRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bizcrawl_delivery_records_total",
				Help: "Records handed to the sink, labeled by final outcome.",
			},
			[]string{"outcome"},
		)

		deliveryQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bizcrawl_delivery_queue_depth",
				Help: "Records buffered and not yet batched.",
			},
		)

		activeGroups = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bizcrawl_active_groups",
				Help: "Number of crawl groups currently running.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bizcrawl_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"group"},
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

// ObserveClassification counts one classified record.
func ObserveClassification(group, result string) {
	Init()
	recordsClassifiedTotal.WithLabelValues(group, result).Inc()
}

// ObservePage counts one processed page or file.
func ObservePage(group, status string) {
	Init()
	pagesTotal.WithLabelValues(group, status).Inc()
}

// ObserveCheckpoint counts a checkpoint write.
func ObserveCheckpoint(group, outcome string) {
	Init()
	checkpointSavesTotal.WithLabelValues(group, outcome).Inc()
}

// ObserveFetch records a page fetch latency.
func ObserveFetch(group string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(group).Observe(d.Seconds())
}

// ObserveDelivery records the final outcome of one batch.
func ObserveDelivery(outcome string, records int) {
	Init()
	deliveryBatchesTotal.WithLabelValues(outcome).Inc()
	deliveryRecordsTotal.WithLabelValues(outcome).Add(float64(records))
}

// SetQueueDepth publishes the current delivery buffer length.
func SetQueueDepth(n int) {
	Init()
	deliveryQueueDepth.Set(float64(n))
}

// IncActiveGroups increments the running groups gauge.
func IncActiveGroups() {
	Init()
	activeGroups.Inc()
}

// DecActiveGroups decrements the running groups gauge.
func DecActiveGroups() {
	Init()
	activeGroups.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(group string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(group).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
