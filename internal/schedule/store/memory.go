package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/schedule/models"
	"activitylog/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	reports map[uuid.UUID]models.Report
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{reports: make(map[uuid.UUID]models.Report)}
}

func (s *InMemoryStore) Create(_ context.Context, r models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrConflict)
	}
	s.reports[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return models.Report{}, fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	return clone(r), nil
}

func (s *InMemoryStore) List(_ context.Context) ([]models.Report, error) {
	s.mu.RLock()
	out := make([]models.Report, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, clone(r))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Report) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, r models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; !ok {
		return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrNotFound)
	}
	s.reports[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	delete(s.reports, id)
	return nil
}

func (s *InMemoryStore) Due(_ context.Context, now time.Time) ([]models.Report, error) {
	s.mu.RLock()
	var out []models.Report
	for _, r := range s.reports {
		if r.Active && !r.NextRun.After(now) {
			out = append(out, clone(r))
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Report) int { return a.NextRun.Compare(b.NextRun) })
	return out, nil
}

func (s *InMemoryStore) Reschedule(_ context.Context, id uuid.UUID, next time.Time, lastRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	r.NextRun = next.UTC()
	if lastRun != nil {
		t := lastRun.UTC()
		r.LastRun = &t
	}
	s.reports[id] = r
	return nil
}

func (s *InMemoryStore) MarkRun(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	t := at.UTC()
	r.LastRun = &t
	s.reports[id] = r
	return nil
}

func clone(r models.Report) models.Report {
	r.Recipients = slices.Clone(r.Recipients)
	if r.ScheduleDay != nil {
		d := *r.ScheduleDay
		r.ScheduleDay = &d
	}
	return r
}
