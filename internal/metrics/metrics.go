// Package metrics provides Prometheus metrics for echoprobe.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "echoprobe"
)

// Metrics contains all Prometheus metrics for the probe engine.
type Metrics struct {
	// Transport metrics
	ProbesSent      prometheus.Counter
	RepliesReceived prometheus.Counter
	DecodeErrors    prometheus.Counter
	ForeignRejected prometheus.Counter

	// Session metrics
	Outcomes   *prometheus.CounterVec
	RTTSeconds prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance on a custom registry.
// Tests use this to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProbesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total echo requests written to the socket",
		}),
		RepliesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Total correlated replies delivered to sessions",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound datagrams dropped as malformed or uncorrelatable",
		}),
		ForeignRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "foreign_replies_rejected_total",
			Help:      "Replies rejected because the source did not match the target",
		}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Terminal session states by outcome",
		}, []string{"state"}),
		RTTSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time of completed probes",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}),
	}
}
