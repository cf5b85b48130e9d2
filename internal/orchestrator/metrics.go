package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report scheduling activity.
type Metrics struct {
	tasksSubmitted      *prometheus.CounterVec
	tasksFinished       *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	tasksRunning        prometheus.Gauge
	eventsRelayed       prometheus.Counter
	persistenceFailures *prometheus.CounterVec
	wakesScheduled      prometheus.Counter
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same name are reused, so several
// orchestrators may share one registry. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentoz",
			Subsystem: "tasks",
			Name:      "submitted_total",
			Help:      "Tasks submitted, by admission outcome.",
		}, []string{"admission"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentoz",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentoz",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time between task start and its terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentoz",
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Tasks currently streaming from the backend.",
		}),
		eventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentoz",
			Subsystem: "sessions",
			Name:      "events_relayed_total",
			Help:      "Stream events forwarded to session subscribers.",
		}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentoz",
			Name:      "persistence_failures_total",
			Help:      "Swallowed history, rollout or agent state write failures.",
		}, []string{"kind"}),
		wakesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentoz",
			Subsystem: "agents",
			Name:      "wakes_scheduled_total",
			Help:      "Sleep requests turned into delayed wake tasks.",
		}),
	}

	m.tasksSubmitted = register(reg, m.tasksSubmitted)
	m.tasksFinished = register(reg, m.tasksFinished)
	m.taskDuration = register(reg, m.taskDuration)
	m.tasksRunning = register(reg, m.tasksRunning)
	m.eventsRelayed = register(reg, m.eventsRelayed)
	m.persistenceFailures = register(reg, m.persistenceFailures)
	m.wakesScheduled = register(reg, m.wakesScheduled)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) taskSubmitted(admission string) {
	if m == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(admission).Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.tasksRunning.Inc()
}

func (m *Metrics) taskFinished(status string, started *time.Time, wasRunning bool) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
	if wasRunning {
		m.tasksRunning.Dec()
	}
	if started != nil {
		m.taskDuration.WithLabelValues(status).Observe(time.Since(*started).Seconds())
	}
}

func (m *Metrics) eventRelayed() {
	if m == nil {
		return
	}
	m.eventsRelayed.Inc()
}

func (m *Metrics) persistenceFailed(kind string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) wakeScheduled() {
	if m == nil {
		return
	}
	m.wakesScheduled.Inc()
}
