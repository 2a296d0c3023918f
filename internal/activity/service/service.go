// Package service is the admin read side of the event store: listing,
// single-event lookups with decrypted context, review flagging and chain
// verification.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"activitylog/internal/activity/models"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
)

// EventStore is the part of the store the admin surface needs.
type EventStore interface {
	Get(ctx context.Context, id uuid.UUID) (models.Event, error)
	Query(ctx context.Context, f models.Filter, page models.Page) ([]models.Event, error)
	Count(ctx context.Context, f models.Filter) (int64, error)
	Mutate(ctx context.Context, id uuid.UUID, patch models.Patch) error
	Verify(ctx context.Context, tenantID string) (models.VerifyResult, error)
	Tenants(ctx context.Context) ([]string, error)
}

// Decrypter opens encrypted context fields.
type Decrypter interface {
	DecryptContext(models.Context) models.Context
}

type Service struct {
	events EventStore
	codec  Decrypter
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(events EventStore, codec Decrypter, opts ...Option) *Service {
	s := &Service{events: events, codec: codec, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listing is one page of events plus the total matching the filter.
type Listing struct {
	Events []models.Event `json:"events"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// List returns events newest first with their context decrypted.
func (s *Service) List(ctx context.Context, f models.Filter, page models.Page) (Listing, error) {
	page = page.Clamp()
	events, err := s.events.Query(ctx, f, page)
	if err != nil {
		return Listing{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query events")
	}
	total, err := s.events.Count(ctx, f)
	if err != nil {
		return Listing{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count events")
	}
	for i := range events {
		events[i].Context = s.codec.DecryptContext(events[i].Context)
	}
	if events == nil {
		events = []models.Event{}
	}
	return Listing{Events: events, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Event, error) {
	e, err := s.events.Get(ctx, id)
	if err != nil {
		return models.Event{}, translate(err, "event not found")
	}
	e.Context = s.codec.DecryptContext(e.Context)
	return e, nil
}

// Review applies patch and returns the updated event. Any field besides
// reviewed is refused by the store with an immutability error.
func (s *Service) Review(ctx context.Context, id uuid.UUID, patch models.Patch, by string) (models.Event, error) {
	if err := s.events.Mutate(ctx, id, patch); err != nil {
		if dErrors.HasCode(err, dErrors.CodeImmutable) {
			s.logger.WarnContext(ctx, "refused event mutation",
				"event_id", id,
				"fields", patch.Fields,
				"admin_user", by,
			)
		}
		return models.Event{}, translate(err, "event not found")
	}
	s.logger.InfoContext(ctx, "event review updated", "event_id", id, "admin_user", by)
	return s.Get(ctx, id)
}

func (s *Service) Verify(ctx context.Context, tenantID string) (models.VerifyResult, error) {
	if tenantID == "" {
		return models.VerifyResult{}, dErrors.New(dErrors.CodeValidation, "tenant_id is required")
	}
	res, err := s.events.Verify(ctx, tenantID)
	if err != nil {
		return models.VerifyResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify chain")
	}
	if !res.OK {
		s.logger.ErrorContext(ctx, "hash chain broken",
			"tenant_id", tenantID,
			"broken_index", res.BrokenIndex,
			"reason", res.Reason,
		)
	}
	return res, nil
}

// VerifyAll walks every tenant's chain. It stops at the first store error.
func (s *Service) VerifyAll(ctx context.Context) ([]models.VerifyResult, error) {
	tenants, err := s.events.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]models.VerifyResult, 0, len(tenants))
	for _, t := range tenants {
		res, err := s.Verify(ctx, t)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func translate(err error, notFound string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, notFound)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "event store failure")
	}
}
