// Package metrics provides Prometheus metrics for the report engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	EventsApplied       *prometheus.CounterVec
	LinesProcessed      prometheus.Counter
	MalformedLines      prometheus.Counter
	BatchesProcessed    *prometheus.CounterVec
	ReportLines         prometheus.Histogram
	ProcessingDuration  prometheus.Histogram
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates all metrics and registers them with reg
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_events_total",
			Help: "Events processed by event type and outcome",
		}, []string{"event", "outcome"}),
		LinesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rx_lines_processed_total",
			Help: "Raw input lines read",
		}),
		MalformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rx_malformed_lines_total",
			Help: "Batches aborted on a malformed line",
		}),
		BatchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_batches_total",
			Help: "Batches processed by result",
		}, []string{"result"}),
		ReportLines: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rx_report_lines",
			Help:    "Patients per generated report",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rx_batch_processing_duration_seconds",
			Help:    "Batch processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rx_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.EventsApplied,
		m.LinesProcessed,
		m.MalformedLines,
		m.BatchesProcessed,
		m.ReportLines,
		m.ProcessingDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
