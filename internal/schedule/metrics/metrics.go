package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes.
const (
	OutcomeSent              = "sent"
	OutcomeEmpty             = "empty"
	OutcomeInvalidRecipients = "invalid_recipients"
	OutcomeMisconfigured     = "misconfigured"
	OutcomeExportFailed      = "export_failed"
	OutcomeSendFailed        = "send_failed"
)

// Metrics tracks scheduled report processing. A nil *Metrics records nothing.
type Metrics struct {
	Runs *prometheus.CounterVec
	Lag  prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_scheduled_report_runs_total",
			Help: "Due scheduled reports processed, by outcome",
		}, []string{"outcome"}),
		Lag: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitylog_scheduled_report_lag_seconds",
			Help:    "Delay between a report's next_run and when it was processed",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
		}),
	}
}

func (m *Metrics) ObserveRun(outcome string, lagSeconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.Lag.Observe(lagSeconds)
}
