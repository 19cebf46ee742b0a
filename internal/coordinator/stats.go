// Package coordinator implements the pipeline coordinator state machine.
// This file exports the coordinator's counters as Prometheus metrics,
// grounded on the shardcache metrics/prom adapter pattern: a small struct
// of prometheus.Collector fields constructed once against a Registerer
// and updated through narrow methods rather than exposing raw collectors.
package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/shardmesh/internal/ferrors"
)

// Metrics adapts the coordinator's observable side effects (spec §4.5) to
// Prometheus collectors.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	failuresByKind  *prometheus.CounterVec
	latencyHistogram prometheus.Histogram
	tokensGenerated prometheus.Counter
	nodesSpawned    prometheus.Counter
}

// NewMetrics constructs and registers the coordinator's metrics against
// reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "coordinator",
			Name:      "requests_total",
			Help:      "Inference requests by outcome",
		}, []string{"outcome"}),
		failuresByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "coordinator",
			Name:      "failures_total",
			Help:      "Failed inference requests by error kind",
		}, []string{"kind"}),
		latencyHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardmesh",
			Subsystem: "coordinator",
			Name:      "request_latency_ms",
			Help:      "Total inference request latency in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 12),
		}),
		tokensGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "coordinator",
			Name:      "tokens_generated_total",
			Help:      "Tokens generated across all successful requests",
		}),
		nodesSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "coordinator",
			Name:      "nodes_spawned_total",
			Help:      "Shard nodes launched by the SpawnNodes strategy",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.failuresByKind, m.latencyHistogram, m.tokensGenerated, m.nodesSpawned)
	return m
}

// ObserveSuccess records a completed InferenceResponse (spec §7: "a
// completed request MUST update the success counters and the latency
// histogram exactly once").
func (m *Metrics) ObserveSuccess(resp *InferenceResponse) {
	m.requestsTotal.WithLabelValues("success").Inc()
	m.latencyHistogram.Observe(float64(resp.TotalLatencyMS))
	m.tokensGenerated.Add(float64(resp.TokensGenerated))
}

// ObserveFailure records a failed request, labeling it by ferrors.Kind
// when err carries one.
func (m *Metrics) ObserveFailure(err error) {
	kind, ok := ferrors.KindOf(err)
	if !ok {
		kind = "unknown"
	}
	m.requestsTotal.WithLabelValues("failure").Inc()
	m.failuresByKind.WithLabelValues(string(kind)).Inc()
}

// ObserveNodeSpawned records one successful SpawnNodes launch.
func (m *Metrics) ObserveNodeSpawned() {
	m.nodesSpawned.Inc()
}
