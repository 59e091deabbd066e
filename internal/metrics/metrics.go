// Package metrics owns the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cody"

// Metrics groups the server's collectors behind a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted         prometheus.Counter
	runsFinished        *prometheus.CounterVec
	activeRuns          prometheus.Gauge
	permissionDecisions *prometheus.CounterVec
	observers           prometheus.Gauge
	events              *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Agent runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Agent runs finished, by final status.",
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Agent runs currently in flight.",
		}),
		permissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Tool permission decisions, by outcome.",
		}, []string{"outcome"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_connected",
			Help:      "Connected event observers.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Outbound events emitted, by type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted,
		m.runsFinished,
		m.activeRuns,
		m.permissionDecisions,
		m.observers,
		m.events,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RunStarted records a run entering the running state.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a run leaving the running state.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.activeRuns.Dec()
}

// PermissionDecision records the outcome of one tool authorization.
func (m *Metrics) PermissionDecision(outcome string) {
	if m == nil {
		return
	}
	m.permissionDecisions.WithLabelValues(outcome).Inc()
}

// ObserverConnected increments the connected observer gauge.
func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

// ObserverDisconnected decrements the connected observer gauge.
func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

// EventEmitted counts one outbound event.
func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
