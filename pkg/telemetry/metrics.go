package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	steps           *prometheus.CounterVec
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	reloads         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound GraphQL requests by operation type and outcome.",
		}, []string{"operation_type", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of inbound GraphQL requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation_type", "outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed plan steps by subgraph and outcome.",
		}, []string{"subgraph", "outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subgraph_requests_total",
			Help:      "Outbound subgraph calls by subgraph and outcome.",
		}, []string{"subgraph", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subgraph_request_duration_seconds",
			Help:      "Latency of outbound subgraph calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subgraph", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subgraph_retries_total",
			Help:      "Retried subgraph calls.",
		}, []string{"subgraph"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptor_reloads_total",
			Help:      "Descriptor reload attempts by outcome.",
		}, []string{"outcome"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.requests, m.requestDuration, m.steps, m.calls, m.callDuration, m.retries, m.reloads)
	}
	return m
}

func (m *Metrics) ObserveRequest(operationType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operationType, outcome).Inc()
	m.requestDuration.WithLabelValues(operationType, outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveStep(subgraph, outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(subgraph, outcome).Inc()
}

func (m *Metrics) ObserveCall(subgraph, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(subgraph, outcome).Inc()
	m.callDuration.WithLabelValues(subgraph, outcome).Observe(duration.Seconds())
}

func (m *Metrics) IncRetry(subgraph string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(subgraph).Inc()
}

func (m *Metrics) ObserveReload(outcome string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(outcome).Inc()
}
