// Package metrics exposes the agent's Prometheus registry and counters
// (spec.md §4.8, §8). The registry is built once in cmd/agent and injected
// into every component; it is safe for concurrent use by construction.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters the reconciler and peer workers increment.
type Metrics struct {
	Registry *prometheus.Registry

	ConductorProcessed prometheus.Counter
	ConductorErrors    prometheus.Counter
	ConductorRequeues  *prometheus.CounterVec
	ConductorCompleted prometheus.Counter
	MetricsEvents      prometheus.Counter
}

// New builds a fresh registry with all counters registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		ConductorProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_processed_total",
			Help: "Total number of dequeued inbound events that passed the tombstone check.",
		}),
		ConductorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_errors_total",
			Help: "Total number of events that ended in an error disposition.",
		}),
		ConductorRequeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_requeues_total",
			Help: "Total number of requeues, labeled by visibility-timeout duration class.",
		}, []string{"duration"}),
		ConductorCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_completed_total",
			Help: "Total number of events completed and archived.",
		}),
		MetricsEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metrics_events_received_total",
			Help: "Total number of metrics events drained from the metrics queue.",
		}),
	}

	registry.MustRegister(
		m.ConductorProcessed,
		m.ConductorErrors,
		m.ConductorRequeues,
		m.ConductorCompleted,
		m.MetricsEvents,
	)

	return m
}

// RequeueShort increments the short-duration requeue counter.
func (m *Metrics) RequeueShort() { m.ConductorRequeues.WithLabelValues("short").Inc() }

// RequeueLong increments the long-duration requeue counter.
func (m *Metrics) RequeueLong() { m.ConductorRequeues.WithLabelValues("long").Inc() }

// RequeueDelete increments the delete-retry-duration requeue counter.
func (m *Metrics) RequeueDelete() { m.ConductorRequeues.WithLabelValues("delete").Inc() }
