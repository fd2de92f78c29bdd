// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds every collector the gateway emits, registered on its own
// registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costMicrosTotal *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec

	circuitTransitions *prometheus.CounterVec
	budgetRejections   prometheus.Counter
	pricingFallbacks   prometheus.Counter
}

// New creates and registers all gateway collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Completed proxy requests by provider, status, and fallback flag.",
		}, []string{"provider", "status", "fallback"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency by provider.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "tokens_total",
			Help:      "Billed tokens by provider and token type.",
		}, []string{"provider", "type"}),
		costMicrosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "cost_micros_total",
			Help:      "Accumulated cost in micro-USD by provider.",
		}, []string{"provider"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Upstream failures by error kind.",
		}, []string{"kind"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"state"}),
		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "rejections_total",
			Help:      "Requests rejected because the monthly budget was exhausted.",
		}),
		pricingFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "pricing_fallbacks_total",
			Help:      "Usage rows written with zero-cost pricing because lookup failed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.costMicrosTotal,
		m.errorsTotal,
		m.circuitTransitions,
		m.budgetRejections,
		m.pricingFallbacks,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(provider string, status int, fallback bool, duration time.Duration) {
	m.requestsTotal.WithLabelValues(provider, strconv.Itoa(status), strconv.FormatBool(fallback)).Inc()
	m.requestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveUsage records billed tokens and cost for one request.
func (m *Metrics) ObserveUsage(provider string, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens, costMicros int64) {
	m.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	if cacheReadTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, "cache_read").Add(float64(cacheReadTokens))
	}
	if cacheWriteTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, "cache_write").Add(float64(cacheWriteTokens))
	}
	m.costMicrosTotal.WithLabelValues(provider).Add(float64(costMicros))
}

// ObserveError counts one upstream failure by kind.
func (m *Metrics) ObserveError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// ObserveCircuitTransition counts a breaker state change.
func (m *Metrics) ObserveCircuitTransition(state string) {
	m.circuitTransitions.WithLabelValues(state).Inc()
}

// ObserveBudgetRejection counts a budget-exhausted rejection.
func (m *Metrics) ObserveBudgetRejection() {
	m.budgetRejections.Inc()
}

// ObservePricingFallback counts a zero-cost pricing fallback.
func (m *Metrics) ObservePricingFallback() {
	m.pricingFallbacks.Inc()
}
