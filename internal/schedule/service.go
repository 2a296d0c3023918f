// Package schedule manages recurring report definitions and the runner that
// turns due reports into mailed exports.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/schedule/models"
	"activitylog/internal/schedule/store"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
)

// Service is the CRUD surface for scheduled reports. It computes next_run on
// every write so the runner only has to compare timestamps.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

type ServiceOption func(*Service)

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, opts ...ServiceOption) *Service {
	s := &Service{store: st, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, req models.Request, owner string) (models.Report, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Report{}, err
	}
	now := s.now().UTC()
	next, err := models.NextRun(req.Schedule(), now)
	if err != nil {
		return models.Report{}, err
	}
	rep := models.Report{
		ID:        uuid.New(),
		Active:    true,
		NextRun:   next,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.Apply(&rep)
	if err := s.store.Create(ctx, rep); err != nil {
		return models.Report{}, translate(err)
	}
	s.logger.InfoContext(ctx, "scheduled report created",
		"report_id", rep.ID,
		"schedule_type", rep.ScheduleType,
		"next_run", rep.NextRun,
		"owner", owner,
	)
	return rep, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Report, error) {
	rep, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Report{}, translate(err)
	}
	return rep, nil
}

func (s *Service) List(ctx context.Context) ([]models.Report, error) {
	reports, err := s.store.List(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return reports, nil
}

// Update replaces the definition and recomputes next_run from now.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req models.Request) (models.Report, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Report{}, err
	}
	rep, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Report{}, translate(err)
	}
	now := s.now().UTC()
	next, err := models.NextRun(req.Schedule(), now)
	if err != nil {
		return models.Report{}, err
	}
	req.Apply(&rep)
	rep.NextRun = next
	rep.UpdatedAt = now
	if err := s.store.Update(ctx, rep); err != nil {
		return models.Report{}, translate(err)
	}
	return rep, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return translate(err)
	}
	s.logger.InfoContext(ctx, "scheduled report deleted", "report_id", id)
	return nil
}

// MarkRun stamps last_run. The export engine calls it for report jobs that
// complete outside the runner.
func (s *Service) MarkRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.store.MarkRun(ctx, id, at); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "scheduled report not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "scheduled report already exists")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "scheduled report store failure")
	}
}
