// Package metrics exposes orchestration activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskflow/internal/eventbus"
	"taskflow/internal/orchestrator"
)

const namespace = "taskflow"

// StatsSource reports live orchestrator counts.
type StatsSource interface {
	Stats() orchestrator.Stats
}

type Metrics struct {
	registry *prometheus.Registry

	taskEvents   *prometheus.CounterVec
	scheduleRuns *prometheus.CounterVec
	schedules    prometheus.Counter
	workflows    prometheus.Counter
	messages     prometheus.Counter
	workerEvents *prometheus.CounterVec
	dropped      prometheus.Counter
}

// New builds a registry holding the process and Go collectors plus the
// taskflow metrics. When stats is non-nil, task and worker gauges are read
// from it at scrape time.
func New(stats StatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		taskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		scheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_runs_total",
			Help:      "Scheduled task runs by outcome.",
		}, []string{"outcome"}),
		schedules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_created_total",
			Help:      "Scheduled tasks created.",
		}),
		workflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_created_total",
			Help:      "Workflows created.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages sent through the message bus.",
		}),
		workerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_events_total",
			Help:      "Worker registrations and removals.",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unknown_total",
			Help:      "Events of a type the exporter does not track.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.taskEvents, m.scheduleRuns, m.schedules, m.workflows, m.messages, m.workerEvents, m.dropped,
	)
	if stats != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_pending",
				Help:      "Tasks waiting for dependencies or an eligible worker.",
			}, func() float64 { return float64(stats.Stats().PendingTasks) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_active",
				Help:      "Tasks assigned or processing.",
			}, func() float64 { return float64(stats.Stats().ActiveTasks) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_registered",
				Help:      "Currently registered workers.",
			}, func() float64 { return float64(stats.Stats().Workers) }),
		)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskSubmitted, eventbus.TaskAssigned, eventbus.TaskCompleted, eventbus.TaskFailed:
		m.taskEvents.WithLabelValues(e.Type).Inc()
	case eventbus.WorkerRegistered, eventbus.WorkerUnregistered:
		m.workerEvents.WithLabelValues(e.Type).Inc()
	case eventbus.WorkflowCreated:
		m.workflows.Inc()
	case eventbus.MessageDelivered:
		m.messages.Inc()
	case eventbus.ScheduleCreated:
		m.schedules.Inc()
	case eventbus.ScheduleRunCompleted:
		m.scheduleRuns.WithLabelValues("completed").Inc()
	case eventbus.ScheduleRunFailed:
		m.scheduleRuns.WithLabelValues("failed").Inc()
	default:
		m.dropped.Inc()
	}
}

// Feed is a subscription of the metrics to an event bus.
type Feed struct {
	m           *Metrics
	events      <-chan eventbus.Event
	unsubscribe func()
}

// Subscribe starts buffering events from bus. Subscribe before starting the
// publishers so their first events are counted.
func (m *Metrics) Subscribe(bus eventbus.Bus) *Feed {
	ch, unsubscribe := bus.Subscribe(1024)
	return &Feed{m: m, events: ch, unsubscribe: unsubscribe}
}

// Run records events until ctx is done, then unsubscribes.
func (f *Feed) Run(ctx context.Context) {
	defer f.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-f.events:
			if !ok {
				return
			}
			f.m.Observe(e)
		}
	}
}
