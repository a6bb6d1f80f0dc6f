// Package metrics holds the execution core's Prometheus instrumentation:
// dispatch throughput and latency, pool occupancy, and event bus
// back-pressure, all registered through promauto the way the rest of the
// codebase registers its metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the host daemon exposes on
// /metrics.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	PoolLiveWorkers *prometheus.GaugeVec
	PoolRecycles    *prometheus.CounterVec

	EventBusDropped *prometheus.CounterVec
	EventBusEmitted *prometheus.CounterVec

	RelayPublishFailures *prometheus.CounterVec
}

// New creates and registers the execution core's metrics.
func New() *Metrics {
	return &Metrics{
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execcore_dispatch_total",
				Help: "Total number of plugin executions dispatched, by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execcore_dispatch_duration_seconds",
				Help:    "Duration of a dispatched execution from admission to envelope",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		PoolLiveWorkers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "execcore_pool_live_workers",
				Help: "Number of worker processes currently tracked by the pool manager",
			},
			[]string{"backend"},
		),
		PoolRecycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execcore_pool_recycles_total",
				Help: "Total number of worker recycle events, by reason",
			},
			[]string{"reason"},
		),
		EventBusDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execcore_eventbus_dropped_total",
				Help: "Total number of events dropped by a saturated listener queue",
			},
			[]string{"topic", "scope"},
		),
		EventBusEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execcore_eventbus_emitted_total",
				Help: "Total number of events emitted onto the bus",
			},
			[]string{"topic", "scope"},
		),
		RelayPublishFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execcore_relay_publish_failures_total",
				Help: "Total number of failed cross-host relay publishes, by transport",
			},
			[]string{"transport"},
		),
	}
}

// ObservePoolOccupancy updates the live-worker gauge for backend.
func (m *Metrics) ObservePoolOccupancy(backend string, live int) {
	m.PoolLiveWorkers.WithLabelValues(backend).Set(float64(live))
}

// RecordDispatch records one completed dispatch.
func (m *Metrics) RecordDispatch(mode, outcome string, seconds float64) {
	m.DispatchTotal.WithLabelValues(mode, outcome).Inc()
	m.DispatchDuration.WithLabelValues(mode).Observe(seconds)
}
