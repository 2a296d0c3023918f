package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/export/models"
	"activitylog/pkg/platform/sentinel"
)

// InMemoryStore keeps jobs in a map guarded by a mutex.
type InMemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]models.Job
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[uuid.UUID]models.Job)}
}

func (s *InMemoryStore) Create(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("export job %s: %w", job.ID, sentinel.ErrConflict)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("export job %s: %w", id, sentinel.ErrNotFound)
	}
	return job, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.RLock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out[:min(len(out), clampLimit(limit))], nil
}

func (s *InMemoryStore) Start(_ context.Context, id uuid.UUID, at time.Time) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("export job %s: %w", id, sentinel.ErrNotFound)
	}
	if job.Status != models.StatusPending {
		return models.Job{}, fmt.Errorf("export job %s is %s: %w", id, job.Status, sentinel.ErrInvalidState)
	}
	t := at.UTC()
	job.Status = models.StatusRunning
	job.StartedAt = &t
	s.jobs[id] = job
	return job, nil
}

func (s *InMemoryStore) Finish(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("export job %s: %w", job.ID, sentinel.ErrNotFound)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryStore) ListPending(_ context.Context) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.StatusPending {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b models.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) RequeueStale(_ context.Context, startedBefore time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, j := range s.jobs {
		if j.Status == models.StatusRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			j.Status = models.StatusPending
			j.StartedAt = nil
			s.jobs[id] = j
			ids = append(ids, id)
		}
	}
	return ids, nil
}
