package keys

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"activitylog/pkg/platform/sentinel"
)

// InMemoryStore keeps keys in a map. Intended for development and tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	keys map[string]Key
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{keys: make(map[string]Key)}
}

func (s *InMemoryStore) Create(_ context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("key %s: %w", k.ID, sentinel.ErrConflict)
	}
	s.keys[k.ID] = k
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("key %s: %w", id, sentinel.ErrNotFound)
	}
	return k, nil
}

// List returns keys newest first.
func (s *InMemoryStore) List(_ context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b Key) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *InMemoryStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("key %s: %w", id, sentinel.ErrNotFound)
	}
	k.Active = false
	s.keys[id] = k
	return nil
}

func (s *InMemoryStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("key %s: %w", id, sentinel.ErrNotFound)
	}
	at = at.UTC()
	k.LastUsedAt = &at
	s.keys[id] = k
	return nil
}
