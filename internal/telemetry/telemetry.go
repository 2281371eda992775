// Package telemetry defines the Prometheus collectors for evaluation runs and
// exposes an HTTP handler for scraping.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lamim/retrieval-eval/internal/quality"
)

// Condition outcome label values.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Metrics holds all Prometheus collectors for an evaluation process.
type Metrics struct {
	registry *prometheus.Registry

	ConditionsTotal     *prometheus.CounterVec
	ExtractionMisses    prometheus.Counter
	DuplicateCandidates prometheus.Counter
	SearchLatency       prometheus.Histogram
	LastRunMetric       *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConditionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evalbench_conditions_total",
				Help: "Evaluated conditions by outcome (success, failed, canceled).",
			},
			[]string{"status"},
		),
		ExtractionMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evalbench_extraction_misses_total",
				Help: "Retrieved documents with no extractable identifier.",
			},
		),
		DuplicateCandidates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "evalbench_duplicate_candidates_total",
				Help: "Retrieved documents skipped as duplicate identifiers.",
			},
		),
		SearchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evalbench_search_latency_seconds",
				Help:    "Search service call latency in seconds.",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
		),
		LastRunMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evalbench_last_run_metric",
				Help: "Average metrics of the most recent recorded run.",
			},
			[]string{"metric"},
		),
	}

	m.registry.MustRegister(
		m.ConditionsTotal,
		m.ExtractionMisses,
		m.DuplicateCandidates,
		m.SearchLatency,
		m.LastRunMetric,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCondition counts one condition outcome.
func (m *Metrics) ObserveCondition(status string) {
	if m == nil {
		return
	}
	m.ConditionsTotal.WithLabelValues(status).Inc()
}

// ObserveSearch records one search call latency.
func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.SearchLatency.Observe(d.Seconds())
}

// ObserveCandidates adds the skipped-document counts of one build.
func (m *Metrics) ObserveCandidates(misses, duplicates int) {
	if m == nil {
		return
	}
	m.ExtractionMisses.Add(float64(misses))
	m.DuplicateCandidates.Add(float64(duplicates))
}

// SetLastRun publishes a run's average metrics.
func (m *Metrics) SetLastRun(avg quality.Metrics) {
	if m == nil {
		return
	}
	for name, v := range avg.Named() {
		m.LastRunMetric.WithLabelValues(name).Set(v)
	}
}

// Handler returns the Prometheus scrape HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
