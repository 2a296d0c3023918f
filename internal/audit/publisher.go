package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	activity "activitylog/internal/activity/models"
)

// Appender is the write side of the event store.
type Appender interface {
	Append(ctx context.Context, e activity.Event) (activity.AppendResult, error)
}

// Metrics counts operator events by outcome.
type Metrics struct {
	Recorded prometheus.Counter
	Dropped  prometheus.Counter
	Failed   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Recorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_operator_audit_recorded_total",
			Help: "Total number of operator actions appended to the operator chain",
		}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_operator_audit_dropped_total",
			Help: "Total number of operator actions dropped because the buffer was full",
		}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "activitylog_operator_audit_failures_total",
			Help: "Total number of operator actions that could not be appended",
		}),
	}
}

func (m *Metrics) inc(c func(*Metrics) prometheus.Counter) {
	if m == nil {
		return
	}
	c(m).Inc()
}

// Publisher buffers actions and appends them from Run so admin requests
// never wait on the store.
type Publisher struct {
	events  Appender
	tenant  string
	inbox   chan Action
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithBuffer sets how many actions may wait for Run.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.inbox = make(chan Action, n)
		}
	}
}

const (
	defaultBuffer = 1024
	drainTimeout  = 5 * time.Second
)

func NewPublisher(events Appender, tenant string, opts ...Option) *Publisher {
	if tenant == "" {
		tenant = DefaultTenant
	}
	p := &Publisher{
		events: events,
		tenant: tenant,
		inbox:  make(chan Action, defaultBuffer),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tenant is the chain operator events are appended to.
func (p *Publisher) Tenant() string { return p.tenant }

// Emit queues a. A full buffer drops the action and reports false.
func (p *Publisher) Emit(ctx context.Context, a Action) bool {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	select {
	case p.inbox <- a:
		return true
	default:
		p.metrics.inc(func(m *Metrics) prometheus.Counter { return m.Dropped })
		p.logger.ErrorContext(ctx, "operator audit buffer full, action dropped",
			"admin_user", a.Admin,
			"verb", a.Verb,
			"target_type", a.TargetType,
			"target_id", a.TargetID,
		)
		return false
	}
}

// Run appends queued actions until ctx is cancelled, then drains what is
// left within a short grace period.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case a := <-p.inbox:
			p.append(context.WithoutCancel(ctx), a)
		case <-ctx.Done():
			p.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case a := <-p.inbox:
			p.append(ctx, a)
		default:
			return
		}
	}
}

func (p *Publisher) append(ctx context.Context, a Action) {
	if _, err := p.events.Append(ctx, a.Event(p.tenant)); err != nil {
		p.metrics.inc(func(m *Metrics) prometheus.Counter { return m.Failed })
		p.logger.ErrorContext(ctx, "failed to record operator action",
			"admin_user", a.Admin,
			"verb", a.Verb,
			"target_type", a.TargetType,
			"error", err,
		)
		return
	}
	p.metrics.inc(func(m *Metrics) prometheus.Counter { return m.Recorded })
}
