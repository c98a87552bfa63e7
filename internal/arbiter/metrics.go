package arbiter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arbiterhq/arbiter/internal/events"
)

// Metrics exposes the orchestrator's operational counters as Prometheus
// instruments: per-outcome request counts, routing latency, queue depth,
// load gauges, and policy violation counters.
type Metrics struct {
	TasksSubmitted   *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	RoutingDuration  prometheus.Histogram
	RoutingDecisions *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ActiveTasks      prometheus.Gauge
	RegisteredAgents prometheus.Gauge
	PolicyViolations *prometheus.CounterVec
	WaiverApplied    prometheus.Counter
	Reassignments    prometheus.Counter
}

// NewMetrics registers the orchestrator's instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_tasks_submitted_total",
			Help: "Tasks submitted, by outcome (accepted, rejected, blocked).",
		}, []string{"outcome"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_tasks_finished_total",
			Help: "Tasks finished, by result (completed, failed).",
		}, []string{"result"}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_routing_duration_seconds",
			Help:    "End-to-end routing latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RoutingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_routing_decisions_total",
			Help: "Routing decisions, by strategy.",
		}, []string{"strategy"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_queue_depth",
			Help: "Tasks currently queued.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_active_tasks",
			Help: "Tasks currently dispatched and not yet finished.",
		}),
		RegisteredAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_registered_agents",
			Help: "Agents currently registered.",
		}),
		PolicyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_policy_violations_total",
			Help: "Constitutional violations detected, by severity.",
		}, []string{"severity"}),
		WaiverApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_waivers_applied_total",
			Help: "Operations passed under an active waiver.",
		}),
		Reassignments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_reassignments_total",
			Help: "Assignments handed back to the router after a timeout or failure.",
		}),
	}

	reg.MustRegister(
		m.TasksSubmitted, m.TasksCompleted, m.RoutingDuration, m.RoutingDecisions,
		m.QueueDepth, m.ActiveTasks, m.RegisteredAgents, m.PolicyViolations,
		m.WaiverApplied, m.Reassignments,
	)
	return m
}

// Observe wires the instruments to the event bus so every component's
// published events update metrics without the components knowing about
// Prometheus.
func (m *Metrics) Observe(bus *events.Bus) {
	bus.Subscribe(events.TaskRoutingDecided, func(e events.Event) {
		if payload, ok := e.Payload.(map[string]any); ok {
			if strategy, ok := payload["strategy"].(string); ok {
				m.RoutingDecisions.WithLabelValues(strategy).Inc()
			}
		}
	})
	bus.Subscribe(events.ConstitutionalViolationsDetected, func(e events.Event) {
		m.PolicyViolations.WithLabelValues(string(e.Severity)).Inc()
	})
	bus.Subscribe(events.ConstitutionalWaiverApplied, func(events.Event) {
		m.WaiverApplied.Inc()
	})
}

// ObserveRouting records one routing pass duration.
func (m *Metrics) ObserveRouting(d time.Duration) {
	m.RoutingDuration.Observe(d.Seconds())
}
