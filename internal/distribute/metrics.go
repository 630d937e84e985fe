package distribute

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// Metrics holds Prometheus metrics for the distribution engine.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	WritesTotal    *prometheus.CounterVec
	QuotaRemaining *prometheus.GaugeVec
}

// NewMetrics registers engine metrics on the given registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sambaza",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total distribution runs by aggregate status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sambaza",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Distribution run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		WritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sambaza",
			Subsystem: "sync",
			Name:      "scope_writes_total",
			Help:      "Total scope writes by scope kind and outcome.",
		}, []string{"scope", "outcome"}),
		QuotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sambaza",
			Subsystem: "quota",
			Name:      "remaining",
			Help:      "Remaining platform API calls per quota class.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDuration, m.WritesTotal, m.QuotaRemaining)
	return m
}

func (m *Metrics) observeRun(status audit.Status, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeWrite(scope secrets.Scope, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.WritesTotal.WithLabelValues(string(scope.Kind), outcome).Inc()
}

func (m *Metrics) observeQuota(tracker *quota.Tracker) {
	for _, class := range []quota.Class{quota.ClassCore, quota.ClassSecrets} {
		if snap, ok := tracker.Snapshot(class); ok {
			m.QuotaRemaining.WithLabelValues(string(class)).Set(float64(snap.Remaining))
		}
	}
}
