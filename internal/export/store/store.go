// Package store persists export jobs so the worker pool can resume after a
// restart.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/export/models"
)

// Store is the job persistence contract.
//
// Start moves a PENDING job to RUNNING and fails with sentinel.ErrInvalidState
// for any other status, so two workers never run the same job. RequeueStale
// resets RUNNING jobs started before the cutoff to PENDING and returns their ids.
type Store interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id uuid.UUID) (models.Job, error)
	List(ctx context.Context, limit int) ([]models.Job, error)
	Start(ctx context.Context, id uuid.UUID, at time.Time) (models.Job, error)
	Finish(ctx context.Context, job models.Job) error
	ListPending(ctx context.Context) ([]models.Job, error)
	RequeueStale(ctx context.Context, startedBefore time.Time) ([]uuid.UUID, error)
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaultListLimit {
		return defaultListLimit
	}
	return limit
}
