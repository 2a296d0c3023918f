package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the ingestion rate limiter.
type Metrics struct {
	Rejections       *prometheus.CounterVec
	StoreErrors      prometheus.Counter
	DegradedBreakers prometheus.Gauge
}

// New creates and registers the rate limiter metrics.
func New() *Metrics {
	return &Metrics{
		Rejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_ratelimit_rejections_total",
			Help: "Total number of ingestion requests rejected by the rate limiter",
		}, []string{"scope"}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_ratelimit_store_errors_total",
			Help: "Total number of failed calls to the shared rate limit store",
		}),
		DegradedBreakers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "activitylog_ratelimit_degraded",
			Help: "1 while the limiter runs on its in-memory fallback",
		}),
	}
}

func (m *Metrics) IncRejected(scope string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(scope).Inc()
}

func (m *Metrics) IncStoreError() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.DegradedBreakers.Set(1)
		return
	}
	m.DegradedBreakers.Set(0)
}
