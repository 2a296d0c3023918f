package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks export job outcomes. A nil *Metrics records nothing.
type Metrics struct {
	JobsFinished *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	Rows         *prometheus.CounterVec
	Requeued     prometheus.Counter
	InFlight     prometheus.Gauge
}

// New creates and registers the export metrics.
func New() *Metrics {
	return &Metrics{
		JobsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_export_jobs_total",
			Help: "Export jobs that reached a terminal status",
		}, []string{"format", "status"}),
		Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "activitylog_export_duration_seconds",
			Help:    "Wall time of one export execution",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"format"}),
		Rows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_export_rows_total",
			Help: "Events written to export artifacts",
		}, []string{"format"}),
		Requeued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_export_jobs_requeued_total",
			Help: "RUNNING jobs reset to PENDING after exceeding the stuck timeout",
		}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "activitylog_export_jobs_in_flight",
			Help: "Export jobs currently executing",
		}),
	}
}

// ObserveFinished records one terminal job.
func (m *Metrics) ObserveFinished(format, status string, seconds float64, rows int64) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(format, status).Inc()
	m.Duration.WithLabelValues(format).Observe(seconds)
	m.Rows.WithLabelValues(format).Add(float64(rows))
}

// AddRequeued counts jobs reset by the stuck-job sweep.
func (m *Metrics) AddRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Requeued.Add(float64(n))
}

// IncInFlight marks a job as started.
func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// DecInFlight marks a job as done.
func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}
