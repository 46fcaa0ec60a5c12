package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deepresearch/models"
	"deepresearch/routing"
	"deepresearch/stream"
)

// gatewayMetrics owns a private registry so tests can build fresh instances
type gatewayMetrics struct {
	registry *prometheus.Registry

	// attempts counts dispatch attempts.
	// Labels: assistant, endpoint, shape, outcome (success, failure)
	attempts *prometheus.CounterVec

	// attemptLatency measures time to response headers per endpoint
	attemptLatency *prometheus.HistogramVec

	// turns counts completed chat turns.
	// Labels: surface (http, relay, dns, cli), source, status (success, error)
	turns *prometheus.CounterVec

	// deltas counts reconciled deltas. Labels: kind (append, replace)
	deltas *prometheus.CounterVec

	activeStreams prometheus.Gauge

	// endpointUp is 1 while an endpoint is routable. Labels: endpoint, breaker
	endpointUp *prometheus.GaugeVec
}

func newGatewayMetrics() *gatewayMetrics {
	m := &gatewayMetrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Dispatch attempts by endpoint, payload shape and outcome",
		}, []string{"assistant", "endpoint", "shape", "outcome"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepresearch",
			Subsystem: "dispatch",
			Name:      "attempt_duration_seconds",
			Help:      "Time until an upstream answered with response headers",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch",
			Subsystem: "gateway",
			Name:      "turns_total",
			Help:      "Chat turns by surface, answer source and status",
		}, []string{"surface", "source", "status"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepresearch",
			Subsystem: "stream",
			Name:      "deltas_total",
			Help:      "Reconciled deltas by kind",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepresearch",
			Subsystem: "stream",
			Name:      "active",
			Help:      "Upstream responses currently being reconciled",
		}),
		endpointUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deepresearch",
			Subsystem: "routing",
			Name:      "endpoint_up",
			Help:      "1 when the endpoint is available and its breaker is not open",
		}, []string{"endpoint", "breaker"}),
	}
	m.registry.MustRegister(m.attempts, m.attemptLatency, m.turns, m.deltas, m.activeStreams, m.endpointUp)
	return m
}

// ObserveAttempt implements routing.AttemptObserver
func (m *gatewayMetrics) ObserveAttempt(assistantID string, a models.DispatchAttempt) {
	m.attempts.WithLabelValues(assistantID, a.EndpointID, a.Shape, string(a.Outcome)).Inc()
	if a.StatusCode > 0 {
		m.attemptLatency.WithLabelValues(a.EndpointID).Observe(a.Duration.Seconds())
	}
}

func (m *gatewayMetrics) observeTurn(surface, source string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.turns.WithLabelValues(surface, source, status).Inc()
}

func (m *gatewayMetrics) observeDelta(d stream.Delta) {
	m.deltas.WithLabelValues(d.Kind.String()).Inc()
}

// handler refreshes the endpoint gauges from router and serves the registry
func (m *gatewayMetrics) handler(router *routing.Router) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if router != nil {
			m.endpointUp.Reset()
			for _, e := range router.Endpoints() {
				state := router.BreakerState(e.ID)
				up := 0.0
				if e.Status.Available && state != routing.BreakerOpen {
					up = 1
				}
				m.endpointUp.WithLabelValues(e.ID, string(state)).Set(up)
			}
		}
		h.ServeHTTP(w, r)
	})
}

var gatewayStats = newGatewayMetrics()
