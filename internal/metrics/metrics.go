// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcome labels.
const (
	OutcomeStop          = "stop"
	OutcomeEndOfInput    = "end_of_input"
	OutcomeUpstreamError = "upstream_error"
	OutcomeContentType   = "content_type"
	OutcomeDecodeError   = "decode_error"
	OutcomeTransport     = "transport_error"
	OutcomeReadError     = "read_error"
	OutcomeCanceled      = "canceled"
)

// LLMBuckets spans 100ms to 10 minutes, the range of a completion stream.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

// Metrics groups the adapter's collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	// UpstreamRequests counts upstream calls by endpoint and HTTP status.
	UpstreamRequests *prometheus.CounterVec
	// StreamOutcomes counts finished response streams by terminal reason.
	StreamOutcomes *prometheus.CounterVec
	// StreamDuration records the lifetime of a response stream in seconds.
	StreamDuration prometheus.Histogram
	// ActiveStreams tracks streams currently being relayed.
	ActiveStreams prometheus.Gauge
	// ChunksWritten counts chunk frames written to clients.
	ChunksWritten prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgproxy_upstream_requests_total",
				Help: "Upstream requests",
			},
			[]string{"endpoint", "status"},
		),
		StreamOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgproxy_stream_outcomes_total",
				Help: "Finished response streams by outcome",
			},
			[]string{"outcome"},
		),
		StreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sgproxy_stream_duration_seconds",
				Help:    "Response stream duration",
				Buckets: LLMBuckets,
			},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sgproxy_streams_active",
				Help: "Active response streams",
			},
		),
		ChunksWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sgproxy_chunks_written_total",
				Help: "Chunk frames written to clients",
			},
		),
	}

	m.registry.MustRegister(
		m.UpstreamRequests,
		m.StreamOutcomes,
		m.StreamDuration,
		m.ActiveStreams,
		m.ChunksWritten,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
