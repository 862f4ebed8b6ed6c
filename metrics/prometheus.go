package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Collector backed by prometheus/client_golang.
type Prometheus struct {
	runDuration *prometheus.HistogramVec
	synced      *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// NewPrometheus creates a Prometheus collector and registers its metrics
// with the given registerer. Pass prometheus.DefaultRegisterer for the
// process-wide registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "possync",
			Name:      "run_duration_seconds",
			Help:      "Duration of full sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "records_synced_total",
			Help:      "Records synchronized, by entity table and direction.",
		}, []string{"table", "direction"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "conflicts_total",
			Help:      "Conflicts reported by the remote service, by entity table.",
		}, []string{"table"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possync",
			Name:      "errors_total",
			Help:      "Sync failures, by entity table and error code.",
		}, []string{"table", "code"}),
	}
	reg.MustRegister(p.runDuration, p.synced, p.conflicts, p.errors)
	return p
}

func (p *Prometheus) RecordRunDuration(d time.Duration, status string) {
	p.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *Prometheus) RecordEntitySynced(table string, uploaded, downloaded int) {
	if uploaded > 0 {
		p.synced.WithLabelValues(table, "up").Add(float64(uploaded))
	}
	if downloaded > 0 {
		p.synced.WithLabelValues(table, "down").Add(float64(downloaded))
	}
}

func (p *Prometheus) RecordConflicts(table string, count int) {
	if count > 0 {
		p.conflicts.WithLabelValues(table).Add(float64(count))
	}
}

func (p *Prometheus) RecordError(table, code string) {
	p.errors.WithLabelValues(table, code).Inc()
}
