// Package metrics exposes Guardian's Prometheus metrics.
//
// All metrics follow the taxonomy guardian_<subsystem>_<metric>_<unit>,
// registered through promauto so they're visible on the default
// registry without a separate wiring step.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GuardianMetrics holds every metric the scheduler's tick pipeline
// emits.
type GuardianMetrics struct {
	// scheduler subsystem - one tick is one pass over every guarded structure
	TicksTotal            prometheus.Counter
	TickDurationSeconds    prometheus.Histogram
	TickOverrunTotal       prometheus.Counter
	StructuresProcessedTotal *prometheus.CounterVec // result: ok|skipped|error
	StructureDurationSeconds *prometheus.HistogramVec

	// store subsystem - CouchDB-facing operations
	StoreConflictRetriesTotal prometheus.Counter
	StoreErrorsTotal          *prometheus.CounterVec // operation

	// pipeline subsystem - events and requests written per tick
	EventsWrittenTotal    *prometheus.CounterVec // resource, direction
	EventsConsumedTotal   *prometheus.CounterVec // resource
	RequestsWrittenTotal  *prometheus.CounterVec // resource

	// election subsystem - HA lock ownership
	ElectionHeld prometheus.Gauge
}

// New registers Guardian's metrics on the default registry under
// namespace "guardian". Use NewWithRegisterer in tests, where each
// test needs its own registry to avoid duplicate-registration panics.
func New() *GuardianMetrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers Guardian's metrics on reg.
func NewWithRegisterer(reg prometheus.Registerer) *GuardianMetrics {
	const ns = "guardian"
	factory := promauto.With(reg)

	return &GuardianMetrics{
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Total number of scheduler ticks started.",
		}),
		TickDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of a full tick, from heartbeat to join.",
			Buckets: prometheus.DefBuckets,
		}),
		TickOverrunTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "tick_overrun_total",
			Help: "Ticks whose duration exceeded window_timelapse_seconds. Never enforced, only observed.",
		}),
		StructuresProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "structures_processed_total",
			Help: "Structures processed by the fan-out, by result.",
		}, []string{"result"}),
		StructureDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "structure_duration_seconds",
			Help:    "Duration of one structure's pipeline within a tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subtype"}),

		StoreConflictRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "store", Name: "conflict_retries_total",
			Help: "Optimistic-concurrency conflict retries against the document store.",
		}),
		StoreErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "store", Name: "errors_total",
			Help: "Document store errors, by operation.",
		}, []string{"operation"}),

		EventsWrittenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "events_written_total",
			Help: "Events written by EventEngine, by resource and direction.",
		}, []string{"resource", "direction"}),
		EventsConsumedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "events_consumed_total",
			Help: "Events deleted after being consumed by a firing request rule, by resource.",
		}, []string{"resource"}),
		RequestsWrittenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "requests_written_total",
			Help: "Requests written by RequestEngine, by resource.",
		}, []string{"resource"}),

		ElectionHeld: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "election", Name: "lock_held",
			Help: "1 if this instance currently holds the scheduler election lock, else 0.",
		}),
	}
}
