// ABOUTME: Prometheus instrumentation for the ingest pipeline
// ABOUTME: Send outcomes, broker retries, fan-out failures, end-to-end latency

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	Sends           *prometheus.CounterVec
	BrokerRetries   prometheus.Counter
	FanoutFailures  prometheus.Counter
	PipelineLatency prometheus.Histogram
}

// Send outcome label values
const (
	OutcomeSent         = "sent"
	OutcomeFailed       = "failed"
	OutcomeDuplicate    = "duplicate"
	OutcomeDenied       = "denied"
	OutcomeBackpressure = "backpressure"
	OutcomeInvalid      = "invalid"
)

// NewMetrics registers the pipeline collectors on reg. Pass nil to use the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Sends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halcyon_ingest_sends_total",
			Help: "Send attempts by outcome",
		}, []string{"outcome"}),
		BrokerRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "halcyon_ingest_broker_retries_total",
			Help: "Broker send retries after a transient failure",
		}),
		FanoutFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "halcyon_ingest_fanout_failures_total",
			Help: "Fan-out applications that failed after a committed send",
		}),
		PipelineLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "halcyon_ingest_pipeline_seconds",
			Help:    "Latency from admission to final send outcome",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}
