package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus metrics for the event store.
type Metrics struct {
	EventsAppended     *prometheus.CounterVec
	EventsDeduplicated prometheus.Counter
	AppendLatency      prometheus.Histogram
	ImmutabilityDenied prometheus.Counter
	ChainVerifications *prometheus.CounterVec
}

// New creates and registers the event store metrics.
func New() *Metrics {
	return &Metrics{
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_events_appended_total",
			Help: "Total number of events appended to a tenant chain",
		}, []string{"verb"}),
		EventsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_events_deduplicated_total",
			Help: "Total number of ingested events answered from an existing request id",
		}),
		AppendLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitylog_append_duration_seconds",
			Help:    "Time spent inside the per-tenant append critical section",
			Buckets: prometheus.DefBuckets,
		}),
		ImmutabilityDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_immutability_violations_total",
			Help: "Total number of refused update or delete attempts on stored events",
		}),
		ChainVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "activitylog_chain_verifications_total",
			Help: "Total number of chain verifications by outcome",
		}, []string{"outcome"}),
	}
}

// IncAppended increments the appended counter for a verb.
func (m *Metrics) IncAppended(verb string) {
	m.EventsAppended.WithLabelValues(verb).Inc()
}

// IncDeduplicated increments the deduplicated counter.
func (m *Metrics) IncDeduplicated() {
	m.EventsDeduplicated.Inc()
}

// ObserveAppend records the duration of one append in seconds.
func (m *Metrics) ObserveAppend(seconds float64) {
	m.AppendLatency.Observe(seconds)
}

// IncImmutabilityDenied increments the refused mutation counter.
func (m *Metrics) IncImmutabilityDenied() {
	m.ImmutabilityDenied.Inc()
}

// IncVerification records a verification outcome ("ok" or "broken").
func (m *Metrics) IncVerification(outcome string) {
	m.ChainVerifications.WithLabelValues(outcome).Inc()
}
