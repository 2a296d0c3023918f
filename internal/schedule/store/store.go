// Package store persists scheduled reports.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/schedule/models"
)

// Store is the report persistence contract. Due returns active reports whose
// next_run is at or before now, oldest first.
type Store interface {
	Create(ctx context.Context, r models.Report) error
	Get(ctx context.Context, id uuid.UUID) (models.Report, error)
	List(ctx context.Context) ([]models.Report, error)
	Update(ctx context.Context, r models.Report) error
	Delete(ctx context.Context, id uuid.UUID) error
	Due(ctx context.Context, now time.Time) ([]models.Report, error)
	// Reschedule sets next_run and, when lastRun is non-nil, last_run.
	Reschedule(ctx context.Context, id uuid.UUID, next time.Time, lastRun *time.Time) error
	MarkRun(ctx context.Context, id uuid.UUID, at time.Time) error
}
