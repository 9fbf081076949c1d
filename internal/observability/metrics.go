// Package observability exposes the dispatcher's Prometheus collectors.
// A dedicated registry keeps the metric surface explicit and testable.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tahmidr/request-dispatcher/internal/breaker"
	"github.com/tahmidr/request-dispatcher/internal/errors"
)

// Metrics bundles every collector the dispatcher emits.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	failuresTotal   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	circuitState    *prometheus.GaugeVec
	resolutions     *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_requests_total",
			Help: "Dispatched requests by priority and outcome.",
		}, []string{"priority", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatcher_request_duration_seconds",
			Help:    "End-to-end dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_failures_total",
			Help: "Dispatch failures by classified kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Current number of queued requests across all lanes.",
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_circuit_state",
			Help: "Circuit breaker state per backend (0=closed 1=open 2=half-open).",
		}, []string{"backend"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_resolutions_total",
			Help: "Conflict resolutions by kind, strategy, and outcome.",
		}, []string{"kind", "strategy", "outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_dead_letters_total",
			Help: "Failures handed to the dead letter store by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.dispatchTotal,
		m.dispatchLatency,
		m.failuresTotal,
		m.queueDepth,
		m.circuitState,
		m.resolutions,
		m.deadLetters,
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDispatch records one finished dispatch.
func (m *Metrics) ObserveDispatch(priority, backend string, seconds float64, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.failuresTotal.WithLabelValues(string(errors.GetKind(err))).Inc()
	}
	m.dispatchTotal.WithLabelValues(priority, outcome).Inc()
	if backend != "" {
		m.dispatchLatency.WithLabelValues(backend).Observe(seconds)
	}
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// ObserveCircuitState updates the per-backend circuit gauge.
func (m *Metrics) ObserveCircuitState(backend string, state breaker.State) {
	m.circuitState.WithLabelValues(backend).Set(float64(state))
}

// RemoveBackend drops the per-backend series after deregistration.
func (m *Metrics) RemoveBackend(backend string) {
	m.circuitState.DeleteLabelValues(backend)
	m.dispatchLatency.DeleteLabelValues(backend)
}

// ObserveResolution implements resolver.Observer.
func (m *Metrics) ObserveResolution(kind errors.Kind, strategy string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.resolutions.WithLabelValues(string(kind), strategy, outcome).Inc()
}

// ObserveDeadLetter counts one dead-lettered failure.
func (m *Metrics) ObserveDeadLetter(kind errors.Kind) {
	m.deadLetters.WithLabelValues(string(kind)).Inc()
}
