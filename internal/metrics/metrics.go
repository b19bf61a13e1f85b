package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the engine.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	Expiries      *prometheus.CounterVec
	EngineErrors  *prometheus.CounterVec
	EventsEmitted *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total lifecycle transitions by entity and resulting status.",
			}, []string{"entity", "status"}),
			Expiries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deadline_expiries_total",
				Help:      "Total deadline expiries fired by the tracker, by entity.",
			}, []string{"entity"}),
			EngineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Total engine errors by kind.",
			}, []string{"kind"}),
			EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Total lifecycle events pushed to the notification sink.",
			}, []string{"type"}),
			SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tracker_sweep_duration_seconds",
				Help:      "Latency distribution for deadline tracker sweeps.",
				Buckets:   prometheus.DefBuckets,
			}),
		}

		prometheus.MustRegister(
			metricsInstance.Transitions,
			metricsInstance.Expiries,
			metricsInstance.EngineErrors,
			metricsInstance.EventsEmitted,
			metricsInstance.SweepDuration,
		)
	})
	return metricsInstance
}
