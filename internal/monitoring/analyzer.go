// Package monitoring surfaces suspicious behavior in the activity log.
//
// The analyzer loads one filtered, time-ranged set of events, decrypts the
// display fields and runs five heuristics over it concurrently. A heuristic
// that fails or panics is logged, counted and reported as an empty list; it
// never fails the analysis.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	activity "activitylog/internal/activity/models"
	"activitylog/internal/monitoring/metrics"
	dErrors "activitylog/pkg/domain-errors"
)

// Heuristic names used in logs and metrics.
const (
	HeuristicFailedLogins     = "failed_logins"
	HeuristicSuspiciousLogins = "suspicious_logins"
	HeuristicUnauthorized     = "unauthorized_access"
	HeuristicHighRiskEdits    = "high_risk_edits"
	HeuristicInactiveUsers    = "inactive_user_access"
)

const (
	// DefaultRange applies when the filter has no lower time bound.
	DefaultRange = 24 * time.Hour
	// DefaultMaxEvents caps how many events one analysis loads.
	DefaultMaxEvents = 100_000
	streamBatchSize  = 1000
)

var errEventCap = errors.New("event cap reached")

// EventSource is the read side of the event store.
type EventSource interface {
	Stream(ctx context.Context, f activity.Filter, batchSize int, fn func([]activity.Event) error) error
}

// Decrypter opens encrypted context fields.
type Decrypter interface {
	DecryptContext(activity.Context) activity.Context
}

type Analyzer struct {
	events    EventSource
	codec     Decrypter
	directory AccountDirectory
	maxEvents int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Analyzer)

func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

func WithMaxEvents(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxEvents = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func New(events EventSource, codec Decrypter, directory AccountDirectory, opts ...Option) *Analyzer {
	a := &Analyzer{
		events:    events,
		codec:     codec,
		directory: directory,
		maxEvents: DefaultMaxEvents,
		logger:    slog.Default(),
		tracer:    otel.Tracer("activitylog/monitoring"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs every heuristic over the events matching f. It only fails
// when the events cannot be loaded.
func (a *Analyzer) Analyze(ctx context.Context, f activity.Filter) (Report, error) {
	start := a.now()
	f = a.bounded(f)
	ctx, span := a.tracer.Start(ctx, "monitoring.analyze",
		trace.WithAttributes(
			attribute.String("from", f.From.Format(time.RFC3339)),
			attribute.String("to", f.To.Format(time.RFC3339)),
		))
	defer span.End()

	events, truncated, err := a.load(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load events")
		return Report{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load events for analysis")
	}
	span.SetAttributes(attribute.Int("events", len(events)), attribute.Bool("truncated", truncated))
	if truncated {
		a.logger.WarnContext(ctx, "behavior analysis hit the event cap",
			"max_events", a.maxEvents, "from", f.From, "to", f.To)
	}

	report := emptyReport()
	report.From, report.To = *f.From, *f.To
	report.EventsAnalyzed = len(events)
	report.Truncated = truncated

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		isolate(gctx, a, HeuristicFailedLogins, &report.FailedLogins, func() ([]FailedLogin, error) {
			return failedLogins(events), nil
		})
		return nil
	})
	g.Go(func() error {
		isolate(gctx, a, HeuristicSuspiciousLogins, &report.SuspiciousLogins, func() ([]SuspiciousLogin, error) {
			return suspiciousLogins(events), nil
		})
		return nil
	})
	g.Go(func() error {
		isolate(gctx, a, HeuristicUnauthorized, &report.UnauthorizedAccess, func() ([]UnauthorizedAccess, error) {
			return unauthorizedAccess(events), nil
		})
		return nil
	})
	g.Go(func() error {
		isolate(gctx, a, HeuristicHighRiskEdits, &report.HighRiskEdits, func() ([]HighRiskEdit, error) {
			return highRiskEdits(events), nil
		})
		return nil
	})
	g.Go(func() error {
		isolate(gctx, a, HeuristicInactiveUsers, &report.InactiveUserAccess, func() ([]InactiveUserAccess, error) {
			inactive, err := a.directory.Inactive(gctx, loginActors(events))
			if err != nil {
				return nil, fmt.Errorf("account directory: %w", err)
			}
			return inactiveUserAccess(events, inactive), nil
		})
		return nil
	})
	_ = g.Wait()

	a.metrics.ObserveRun(a.now().Sub(start).Seconds(), truncated)
	a.logger.InfoContext(ctx, "behavior analysis complete",
		"events", len(events),
		"failed_logins", len(report.FailedLogins),
		"suspicious_logins", len(report.SuspiciousLogins),
		"unauthorized_access", len(report.UnauthorizedAccess),
		"high_risk_edits", len(report.HighRiskEdits),
		"inactive_user_access", len(report.InactiveUserAccess),
	)
	return report, nil
}

func (a *Analyzer) bounded(f activity.Filter) activity.Filter {
	to := a.now().UTC()
	if f.To != nil {
		to = f.To.UTC()
	}
	from := to.Add(-DefaultRange)
	if f.From != nil {
		from = f.From.UTC()
	}
	f.From, f.To = &from, &to
	return f
}

func (a *Analyzer) load(ctx context.Context, f activity.Filter) ([]activity.Event, bool, error) {
	var events []activity.Event
	truncated := false
	err := a.events.Stream(ctx, f, streamBatchSize, func(batch []activity.Event) error {
		for _, e := range batch {
			if len(events) >= a.maxEvents {
				truncated = true
				return errEventCap
			}
			e.Context = a.codec.DecryptContext(e.Context)
			events = append(events, e)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEventCap) {
		return nil, false, err
	}
	return events, truncated, nil
}

// isolate runs one heuristic and writes its result to dst, substituting an
// empty list on error or panic.
func isolate[T any](ctx context.Context, a *Analyzer, name string, dst *[]T, fn func() ([]T, error)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorContext(ctx, "heuristic panicked", "heuristic", name, "panic", fmt.Sprint(r))
			a.metrics.IncFailure(name)
			*dst = []T{}
		}
	}()
	out, err := fn()
	if err != nil {
		a.logger.ErrorContext(ctx, "heuristic failed", "heuristic", name, "error", err)
		a.metrics.IncFailure(name)
		*dst = []T{}
		return
	}
	if out == nil {
		out = []T{}
	}
	*dst = out
	a.metrics.AddFindings(name, len(out))
}
