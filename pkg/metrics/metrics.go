// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dotrecall"

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Transport events applied to the conversation store, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	RollupBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_blocks_total",
			Help:      "Summary blocks processed by the rollup engine, by level and result.",
		},
		[]string{"level", "result"},
	)

	RouteDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Router decisions per trigger.",
		},
		[]string{"action"},
	)

	GenerationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Failed decision or generation calls, by stage.",
		},
		[]string{"stage"},
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Background jobs finished, by type and result.",
		},
		[]string{"type", "result"},
	)

	BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Messages the in-process bus gave up on, by direction.",
		},
		[]string{"direction"},
	)

	CapabilityLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_latency_seconds",
			Help:      "Latency of external model calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"capability"},
	)
)

func init() {
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(RollupBlocks)
	prometheus.MustRegister(RouteDecisions)
	prometheus.MustRegister(GenerationFailures)
	prometheus.MustRegister(Jobs)
	prometheus.MustRegister(BusDropped)
	prometheus.MustRegister(CapabilityLatency)
}

// ObserveSince records the time elapsed since start for a capability.
func ObserveSince(capability string, start time.Time) {
	CapabilityLatency.WithLabelValues(capability).Observe(time.Since(start).Seconds())
}
