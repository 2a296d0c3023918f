// Package store persists activity events as one hash chain per tenant.
//
// Appends for the same tenant are serialized: the idempotency lookup, the
// read of the chain tail and the insert happen inside one critical section
// (a per-tenant mutex in memory, a transaction-scoped advisory lock in
// Postgres). Events never change after the append except for the reviewed
// flag; every other mutation or any deletion fails with an immutability
// error at this layer.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/activity/chain"
	"activitylog/internal/activity/models"
	"activitylog/internal/fieldcrypt"
	"activitylog/internal/platform/metrics"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
)

// Store is the full event store contract. Consumers depend on narrower
// interfaces of their own.
type Store interface {
	Append(ctx context.Context, e models.Event) (models.AppendResult, error)
	Verify(ctx context.Context, tenantID string) (models.VerifyResult, error)
	SetReviewed(ctx context.Context, id uuid.UUID, reviewed bool) error
	Mutate(ctx context.Context, id uuid.UUID, patch models.Patch) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (models.Event, error)
	Query(ctx context.Context, f models.Filter, page models.Page) ([]models.Event, error)
	Stream(ctx context.Context, f models.Filter, batchSize int, fn func([]models.Event) error) error
	Count(ctx context.Context, f models.Filter) (int64, error)
	Tenants(ctx context.Context) ([]string, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error)
}

// DefaultBatchSize is used by Stream when the caller passes zero.
const DefaultBatchSize = 1000

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ErrImmutable is matched with errors.Is on every refused mutation.
var ErrImmutable = sentinel.ErrImmutable

func immutable(id uuid.UUID, what string) error {
	return dErrors.Wrap(fmt.Errorf("event %s: %s: %w", id, what, ErrImmutable),
		dErrors.CodeImmutable, "activity events are append-only; only reviewed may change")
}

// checkPatch refuses any field other than reviewed.
func checkPatch(id uuid.UUID, p models.Patch) error {
	for _, f := range p.Fields {
		if f != models.MutableField {
			return immutable(id, "update of "+f)
		}
	}
	if p.Reviewed == nil && len(p.Fields) == 0 {
		return dErrors.New(dErrors.CodeValidation, "patch is empty")
	}
	if p.Reviewed == nil && slices.Contains(p.Fields, models.MutableField) {
		return dErrors.New(dErrors.CodeValidation, "reviewed value is required")
	}
	return nil
}

// prepare fills defaults, hashes the plaintext event and returns the copy to
// be stored with its context encrypted. PrevHash is left for the critical
// section.
func prepare(codec *fieldcrypt.Codec, e models.Event) (models.Event, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Timestamp = models.NormalizeTimestamp(e.Timestamp)
	e.PrevHash = nil
	e.Reviewed = false
	e.Seq = 0

	h, err := chain.Hash(&e)
	if err != nil {
		return models.Event{}, fmt.Errorf("hash event: %w", err)
	}
	e.Hash = h

	sealed, err := codec.EncryptContext(e.Context)
	if err != nil {
		return models.Event{}, fmt.Errorf("encrypt context: %w", err)
	}
	e.Context = sealed
	return e, nil
}

func (o options) observeAppend(start time.Time, e models.Event, res models.AppendResult) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveAppend(time.Since(start).Seconds())
	if res.Deduplicated {
		o.metrics.IncDeduplicated()
		return
	}
	o.metrics.IncAppended(string(e.Verb))
}

func (o options) observeVerify(res models.VerifyResult) {
	if o.metrics == nil {
		return
	}
	if res.OK {
		o.metrics.IncVerification("ok")
		return
	}
	o.metrics.IncVerification("broken")
}

func (o options) denied() {
	if o.metrics != nil {
		o.metrics.IncImmutabilityDenied()
	}
}
