package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks analyzer runs. A nil *Metrics records nothing.
type Metrics struct {
	Runs      prometheus.Counter
	Failures  *prometheus.CounterVec
	Findings  *prometheus.CounterVec
	Duration  prometheus.Histogram
	Truncated prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_monitoring_runs_total",
			Help: "Behavior analyses performed",
		}),
		Failures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_monitoring_heuristic_failures_total",
			Help: "Heuristics that failed and returned an empty list",
		}, []string{"heuristic"}),
		Findings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_monitoring_findings_total",
			Help: "Entries returned per heuristic",
		}, []string{"heuristic"}),
		Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitylog_monitoring_duration_seconds",
			Help:    "Wall time of one behavior analysis",
			Buckets: prometheus.DefBuckets,
		}),
		Truncated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_monitoring_truncated_total",
			Help: "Analyses that hit the event cap",
		}),
	}
}

func (m *Metrics) ObserveRun(seconds float64, truncated bool) {
	if m == nil {
		return
	}
	m.Runs.Inc()
	m.Duration.Observe(seconds)
	if truncated {
		m.Truncated.Inc()
	}
}

func (m *Metrics) IncFailure(heuristic string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(heuristic).Inc()
}

func (m *Metrics) AddFindings(heuristic string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Findings.WithLabelValues(heuristic).Add(float64(n))
}
