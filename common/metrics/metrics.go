package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowcore"

// Metrics holds the engine's prometheus collectors on a private registry
// so tests and multiple components never fight over the default one.
type Metrics struct {
	registry *prometheus.Registry

	// TasksProcessed counts terminal task outcomes by task type and status
	TasksProcessed *prometheus.CounterVec

	// TaskDuration observes end-to-end task execution in seconds
	TaskDuration prometheus.Histogram

	// QueueDepth tracks queued work per queue (engine, dispatcher)
	QueueDepth *prometheus.GaugeVec

	// AgentTasksInFlight tracks agent calls currently executing
	AgentTasksInFlight prometheus.Gauge

	// InstancesRunning tracks live workflow instances
	InstancesRunning prometheus.Gauge

	// NodeTransitions counts node status transitions
	NodeTransitions *prometheus.CounterVec

	// EventsPublished counts outbound events by type
	EventsPublished *prometheus.CounterVec
}

// New creates the collector set on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Terminal task outcomes by type and status",
		}, []string{"type", "status"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "End-to-end task execution duration",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300, 600},
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting per work queue",
		}, []string{"queue"}),
		AgentTasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_tasks_in_flight",
			Help:      "Agent calls currently executing",
		}),
		InstancesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Live workflow instances held in memory",
		}),
		NodeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Node status transitions",
		}, []string{"status"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Outbound events by type",
		}, []string{"type"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGaugeFunc registers a pull-style gauge (dependency tracker
// cache hit rate and similar component-owned ratios).
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
