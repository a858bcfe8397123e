package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawl.
type Metrics struct {
	Registry         *prometheus.Registry
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RetriesTotal     prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	AssetDedupeTotal prometheus.Counter
	PagesDiscovered  prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitbook_requests_total",
			Help: "HTTP requests issued, by job kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gitbook_request_duration_seconds",
			Help:    "Latency of individual HTTP attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gitbook_retries_total",
			Help: "Retry attempts scheduled after transient failures.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitbook_errors_total",
			Help: "Failed jobs by error kind.",
		},
		[]string{"error_kind"},
	)
	dedupe := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gitbook_asset_dedupe_total",
			Help: "Asset jobs short-circuited because the URL was already claimed.",
		},
	)
	discovered := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gitbook_pages_discovered",
			Help: "Pages in the discovered table of contents.",
		},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, dedupe, discovered)

	return &Metrics{
		Registry:         registry,
		RequestsTotal:    requests,
		RequestDuration:  requestDuration,
		RetriesTotal:     retries,
		ErrorsTotal:      errorsTotal,
		AssetDedupeTotal: dedupe,
		PagesDiscovered:  discovered,
	}
}

// IncRequest counts one attempt.
func (m *Metrics) IncRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDuration records an attempt duration.
func (m *Metrics) ObserveDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for an error kind.
func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// IncDedupe counts a short-circuited asset job.
func (m *Metrics) IncDedupe() {
	if m == nil {
		return
	}
	m.AssetDedupeTotal.Inc()
}

// SetDiscovered records the size of the table of contents.
func (m *Metrics) SetDiscovered(n int) {
	if m == nil {
		return
	}
	m.PagesDiscovered.Set(float64(n))
}
