package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes orchestrator counters on a private registry so tests can
// instantiate orchestrators without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	assignmentsTotal *prometheus.CounterVec
	resultsTotal     *prometheus.CounterVec
	recoveriesTotal  *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	queueDepth       prometheus.Gauge
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		assignmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "orchestrator",
			Name:      "assignments_total",
			Help:      "Task assignments attempted, by outcome.",
		}, []string{"outcome"}),
		resultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "orchestrator",
			Name:      "results_total",
			Help:      "Task results submitted, by reported status.",
		}, []string{"status"}),
		recoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "orchestrator",
			Name:      "recoveries_total",
			Help:      "Retry attempts triggered by task failures, by outcome.",
		}, []string{"outcome"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "orchestrator",
			Name:      "assignment_cycle_duration_seconds",
			Help:      "Wall time of one assignment cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "orchestrator",
			Name:      "pending_tasks",
			Help:      "Pending tasks observed at the last assignment cycle.",
		}),
	}
}

// Registry returns the orchestrator's metric registry for HTTP exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
