package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sync scheduler.
type Metrics struct {
	SyncsFired     prometheus.Counter
	SyncsSucceeded prometheus.Counter
	SyncsFailed    prometheus.Counter
	SyncsMissed    prometheus.Counter
	EventsPruned   prometheus.Counter
	TickDuration   prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SyncsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sambaza",
			Subsystem: "scheduler",
			Name:      "syncs_fired_total",
			Help:      "Total scheduled syncs fired.",
		}),
		SyncsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sambaza",
			Subsystem: "scheduler",
			Name:      "syncs_succeeded_total",
			Help:      "Total scheduled syncs that completed without failures.",
		}),
		SyncsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sambaza",
			Subsystem: "scheduler",
			Name:      "syncs_failed_total",
			Help:      "Total scheduled syncs that failed or had failing writes.",
		}),
		SyncsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sambaza",
			Subsystem: "scheduler",
			Name:      "syncs_missed_total",
			Help:      "Total scheduled syncs skipped because they were outside the missed run window.",
		}),
		EventsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sambaza",
			Subsystem: "scheduler",
			Name:      "audit_events_pruned_total",
			Help:      "Total audit events removed by retention pruning.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sambaza",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (poll + fire cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.SyncsFired,
		m.SyncsSucceeded,
		m.SyncsFailed,
		m.SyncsMissed,
		m.EventsPruned,
		m.TickDuration,
	)

	return m
}
