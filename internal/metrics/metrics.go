// Package metrics exposes Prometheus metrics derived entirely from the
// event bus, keeping instrumentation out of the core components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-sec/aegis/internal/bus"
)

// Metrics holds the collectors and their private registry.
type Metrics struct {
	registry *prometheus.Registry

	workflows         *prometheus.CounterVec
	nodes             *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	approvals         *prometheus.CounterVec
	activeWorkflows   prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_workflows_total",
			Help: "Workflow lifecycle events by outcome.",
		}, []string{"event"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_nodes_total",
			Help: "Test node terminal states.",
		}, []string{"outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_executions_total",
			Help: "Tool executions by outcome.",
		}, []string{"outcome"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aegis_execution_duration_seconds",
			Help:    "Tool execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_approvals_total",
			Help: "Approval lifecycle events.",
		}, []string{"event"}),
		activeWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_active_workflows",
			Help: "Workflows currently running.",
		}),
	}
	m.registry.MustRegister(m.workflows, m.nodes, m.executions, m.executionDuration, m.approvals, m.activeWorkflows)
	return m
}

// Attach subscribes the collectors to the bus. Returns unsubscribe.
func (m *Metrics) Attach(b *bus.Bus) func() {
	return b.Subscribe(func(evt bus.Event) {
		switch evt.Type {
		case bus.WorkflowStart:
			m.workflows.WithLabelValues("start").Inc()
			m.activeWorkflows.Inc()
		case bus.WorkflowCompleted:
			m.workflows.WithLabelValues("completed").Inc()
			m.activeWorkflows.Dec()
		case bus.WorkflowFailed:
			m.workflows.WithLabelValues("failed").Inc()
			m.activeWorkflows.Dec()
		case bus.WorkflowCancelled:
			m.workflows.WithLabelValues("cancelled").Inc()
			m.activeWorkflows.Dec()

		case bus.NodeComplete:
			m.nodes.WithLabelValues("completed").Inc()
		case bus.NodeFailed:
			m.nodes.WithLabelValues("failed").Inc()

		case bus.ExecutionComplete:
			m.executions.WithLabelValues("completed").Inc()
			m.observeDuration(evt)
		case bus.ExecutionFailed:
			m.executions.WithLabelValues("failed").Inc()
			m.observeDuration(evt)

		case bus.ApprovalRequested:
			m.approvals.WithLabelValues("requested").Inc()
		case bus.ApprovalProcessed:
			m.approvals.WithLabelValues("processed").Inc()
		case bus.ApprovalTimeout:
			m.approvals.WithLabelValues("timeout").Inc()
		case bus.ApprovalEscalated:
			m.approvals.WithLabelValues("escalated").Inc()
		}
	})
}

func (m *Metrics) observeDuration(evt bus.Event) {
	if ms, ok := evt.Payload["durationMs"].(int64); ok {
		m.executionDuration.Observe(float64(ms) / 1000)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
