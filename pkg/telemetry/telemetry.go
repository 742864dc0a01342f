// Package telemetry wires prometheus/client_golang counters and
// histograms for the Provider Gateway, Cost Accountant, Rate Limiter, and
// Circuit Breaker.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's process-wide Prometheus collectors.
type Metrics struct {
	gatewayCalls    *prometheus.CounterVec
	gatewayCacheHit *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	limiterWaits    *prometheus.HistogramVec
	breakerTrips    *prometheus.CounterVec
	costRecorded    *prometheus.CounterVec
}

// New registers all collectors against reg. Pass prometheus.NewRegistry()
// in tests to avoid colliding with the default global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_gateway_calls_total",
			Help: "Provider Gateway invocations by provider and outcome.",
		}, []string{"provider", "outcome"}),
		gatewayCacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_gateway_cache_total",
			Help: "Provider Gateway cache hits/misses by provider.",
		}, []string{"provider", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_gateway_latency_seconds",
			Help:    "Provider Gateway call latency by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		limiterWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_ratelimit_wait_seconds",
			Help:    "Time spent waiting on the rate limiter by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_breaker_trips_total",
			Help: "Circuit breaker state transitions by provider and target state.",
		}, []string{"provider", "state"}),
		costRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_cost_recorded_total",
			Help: "Cost recorded by provider, in the engine's fixed currency units.",
		}, []string{"provider"}),
	}

	reg.MustRegister(m.gatewayCalls, m.gatewayCacheHit, m.gatewayLatency, m.limiterWaits, m.breakerTrips, m.costRecorded)
	return m
}

// RecordGatewayCall records one Gateway.Search outcome.
func (m *Metrics) RecordGatewayCall(provider string, cached bool, err error) {
	if cached {
		m.gatewayCacheHit.WithLabelValues(provider, "hit").Inc()
	} else {
		m.gatewayCacheHit.WithLabelValues(provider, "miss").Inc()
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.gatewayCalls.WithLabelValues(provider, outcome).Inc()
}

// ObserveGatewayLatency records one call's wall-clock duration in seconds.
func (m *Metrics) ObserveGatewayLatency(provider string, seconds float64) {
	m.gatewayLatency.WithLabelValues(provider).Observe(seconds)
}

// ObserveLimiterWait records time spent blocked in Limiter.Acquire.
func (m *Metrics) ObserveLimiterWait(provider string, seconds float64) {
	m.limiterWaits.WithLabelValues(provider).Observe(seconds)
}

// RecordBreakerTrip records a circuit breaker state transition.
func (m *Metrics) RecordBreakerTrip(provider, state string) {
	m.breakerTrips.WithLabelValues(provider, state).Inc()
}

// RecordCost records cost attributed to a provider, as a float64 in the
// engine's currency units (Prometheus has no fixed-point type; the
// authoritative ledger remains the Cost Accountant's decimal.Decimal
// counters — this is an observability mirror, not a second source of truth).
func (m *Metrics) RecordCost(provider string, amount float64) {
	m.costRecorded.WithLabelValues(provider).Add(amount)
}
