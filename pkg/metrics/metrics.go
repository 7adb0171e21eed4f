// Package metrics defines the Prometheus metric collectors used by the
// generator services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the generator.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	BatchesTotal         *prometheus.CounterVec
	BatchDuration        prometheus.Histogram
	ActiveBatches        prometheus.Gauge
	RecordsTotal         *prometheus.CounterVec
	RecordFailuresTotal  *prometheus.CounterVec
	RenderDuration       prometheus.Histogram
	ArchiveBuildsTotal   *prometheus.CounterVec
	ArchiveBytes         prometheus.Histogram
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Passing nil
// registers with the process-wide default registry.
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generation_batches_total",
				Help: "Total batches by final status (completed, partial, empty, aborted).",
			},
			[]string{"status"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "generation_batch_duration_seconds",
				Help:    "Wall time of a batch run from template load to barrier.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		ActiveBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "generation_active_batches",
				Help: "Number of batches currently running.",
			},
		),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generation_records_total",
				Help: "Records processed by outcome (succeeded, failed, skipped).",
			},
			[]string{"outcome"},
		),
		RecordFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generation_record_failures_total",
				Help: "Per-record failures by error kind.",
			},
			[]string{"kind"},
		),
		RenderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "generation_render_duration_seconds",
				Help:    "Time to render and store a single document.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		ArchiveBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "generation_archive_builds_total",
				Help: "Archive builds by status (ok, not_found, error).",
			},
			[]string{"status"},
		),
		ArchiveBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "generation_archive_bytes",
				Help:    "Size of built archives in bytes.",
				Buckets: prometheus.ExponentialBuckets(64<<10, 4, 8),
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
		m.BatchesTotal,
		m.BatchDuration,
		m.ActiveBatches,
		m.RecordsTotal,
		m.RecordFailuresTotal,
		m.RenderDuration,
		m.ArchiveBuildsTotal,
		m.ArchiveBytes,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns collectors registered on a throwaway registry, for tests and
// one-shot CLI runs.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
