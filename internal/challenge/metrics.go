package challenge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	Transitions        *prometheus.CounterVec
	VersionConflicts   prometheus.Counter
	ActiveAccounts     prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "challenge_evaluations_total",
				Help: "Total challenge evaluations.",
			},
			[]string{"source", "status"},
		),
		EvaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "challenge_evaluation_duration_seconds",
				Help:    "Challenge evaluation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "challenge_transitions_total",
				Help: "Total challenge state transitions.",
			},
			[]string{"to", "reason"},
		),
		VersionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "challenge_version_conflicts_total",
				Help: "Optimistic write conflicts during evaluation.",
			},
		),
		ActiveAccounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "challenge_active_accounts",
				Help: "Challenge accounts currently under evaluation.",
			},
		),
	}

	registry.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.Transitions,
		m.VersionConflicts,
		m.ActiveAccounts,
	)
	return m
}

func (m *Metrics) ObserveEvaluation(source, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(source, status).Inc()
	m.EvaluationDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncTransition(to, reason string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to, reason).Inc()
}

func (m *Metrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.VersionConflicts.Inc()
}
