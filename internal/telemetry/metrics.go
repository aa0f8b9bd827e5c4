package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports saga events as Prometheus series.
type Metrics struct {
	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	cleanupFailures *prometheus.CounterVec
}

// NewMetrics creates the saga collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentprov_saga_steps_total",
			Help: "Provisioning saga steps by step and outcome.",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentprov_saga_step_duration_seconds",
			Help:    "Duration of provisioning saga steps.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentprov_saga_cleanup_failures_total",
			Help: "Compensations that failed and may have left orphaned state.",
		}, []string{"step"}),
	}

	for _, collector := range []prometheus.Collector{m.steps, m.stepDuration, m.cleanupFailures} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe implements Observer.
func (m *Metrics) Observe(_ context.Context, event Event) {
	m.steps.WithLabelValues(event.Step, string(event.Outcome)).Inc()
	if event.Duration > 0 {
		m.stepDuration.WithLabelValues(event.Step).Observe(event.Duration.Seconds())
	}
	if event.Outcome == OutcomeCleanupFailed {
		m.cleanupFailures.WithLabelValues(event.Step).Inc()
	}
}
