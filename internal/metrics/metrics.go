// Package metrics exposes Prometheus collectors for generation runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	thinking     prometheus.Histogram
	runs         *prometheus.CounterVec
	runsActive   prometheus.Gauge
}

// MustNew constructs and registers the collectors. Registration errors
// panic, which surfaces duplicate registration early.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "studio",
				Name:      "generation_tasks_total",
				Help:      "Generation tasks by run kind and outcome.",
			},
			[]string{"kind", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "studio",
				Name:      "generation_task_duration_seconds",
				Help:      "Wall-clock duration of a single generation call.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"kind"},
		),
		thinking: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "studio",
				Name:      "thinking_duration_seconds",
				Help:      "Length of the thinking phase of generations that had one.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40},
			},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "studio",
				Name:      "runs_total",
				Help:      "Finished batch and pipeline runs by outcome.",
			},
			[]string{"kind", "outcome"},
		),
		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "studio",
				Name:      "runs_active",
				Help:      "Runs currently executing.",
			},
		),
	}

	reg.MustRegister(m.tasks, m.taskDuration, m.thinking, m.runs, m.runsActive)
	return m
}

// ObserveTask records one generation call.
func (m *Metrics) ObserveTask(kind, status string, d, thinking time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
	if thinking > 0 {
		m.thinking.Observe(thinking.Seconds())
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runs.WithLabelValues(kind, outcome).Inc()
}
