// Package metrics defines the Prometheus collectors used by the directory
// indexer and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	WorkItemsQueuedTotal    *prometheus.CounterVec
	WorkItemsProcessedTotal *prometheus.CounterVec
	ReIndexQueueSize        prometheus.Gauge
	UniqueItems             prometheus.Gauge
	RetriesTotal            prometheus.Counter
	ExpiredTotal            prometheus.Counter

	IndexWriterChangesTotal prometheus.Counter
	IndexReaderRefreshTotal prometheus.Counter

	SearchQueriesTotal  *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them with reg. Passing nil uses
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		WorkItemsQueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_work_items_queued_total",
				Help: "Work item submissions by kind and result (changed, unchanged).",
			},
			[]string{"kind", "result"},
		),
		WorkItemsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_work_items_processed_total",
				Help: "Work item executions by kind and outcome (indexed, deleted, retry, expired).",
			},
			[]string{"kind", "outcome"},
		),
		ReIndexQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_reindex_queue_size",
				Help: "Number of work items waiting for a retry.",
			},
		),
		UniqueItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_unique_items",
				Help: "Number of distinct work items in flight.",
			},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_retries_total",
				Help: "Total retry attempts of failed work items.",
			},
		),
		ExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_expired_total",
				Help: "Total work items dropped after their retry window.",
			},
		),
		IndexWriterChangesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_writer_changes_total",
				Help: "Total atomic batches applied to the index.",
			},
		),
		IndexReaderRefreshTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_reader_refresh_total",
				Help: "Total searcher generations opened.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, miss, zero_result, error).",
			},
			[]string{"result_type"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.WorkItemsQueuedTotal,
		m.WorkItemsProcessedTotal,
		m.ReIndexQueueSize,
		m.UniqueItems,
		m.RetriesTotal,
		m.ExpiredTotal,
		m.IndexWriterChangesTotal,
		m.IndexReaderRefreshTotal,
		m.SearchQueriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler returns the Prometheus scrape HTTP handler for the registry the
// metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
