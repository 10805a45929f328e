// Package telemetry owns the Prometheus collectors and OpenTelemetry setup.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker outcomes.
const (
	OutcomePersisted = "persisted"
	OutcomeDuplicate = "duplicate"
	OutcomePoison    = "poison"
	OutcomeRetry     = "retry"
)

// Intent outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics groups every collector the service exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	WSConnections      prometheus.Gauge
	WSIntents          *prometheus.CounterVec
	WSBroadcastDropped prometheus.Counter
	WorkerEvents       *prometheus.CounterVec
	WorkerStepFailures *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry, along with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat", Subsystem: "ws", Name: "connections",
			Help: "Authenticated WebSocket connections currently open.",
		}),
		WSIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat", Subsystem: "ws", Name: "intents_total",
			Help: "Client intents handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		WSBroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat", Subsystem: "ws", Name: "broadcast_dropped_total",
			Help: "Room frames dropped because a connection's send queue was full.",
		}),
		WorkerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat", Subsystem: "worker", Name: "events_total",
			Help: "Message-create events handled, by outcome.",
		}, []string{"outcome"}),
		WorkerStepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat", Subsystem: "worker", Name: "step_failures_total",
			Help: "Best-effort worker step failures, by step.",
		}, []string{"step"}),
	}
	reg.MustRegister(m.WSConnections, m.WSIntents, m.WSBroadcastDropped, m.WorkerEvents, m.WorkerStepFailures)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.WSConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.WSConnections.Dec()
	}
}

func (m *Metrics) Intent(typ, outcome string) {
	if m != nil {
		m.WSIntents.WithLabelValues(typ, outcome).Inc()
	}
}

func (m *Metrics) BroadcastDropped() {
	if m != nil {
		m.WSBroadcastDropped.Inc()
	}
}

func (m *Metrics) WorkerEvent(outcome string) {
	if m != nil {
		m.WorkerEvents.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) WorkerStepFailed(step string) {
	if m != nil {
		m.WorkerStepFailures.WithLabelValues(step).Inc()
	}
}
