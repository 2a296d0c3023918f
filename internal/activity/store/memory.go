package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/activity/chain"
	"activitylog/internal/activity/models"
	"activitylog/internal/fieldcrypt"
	"activitylog/pkg/platform/sentinel"
)

// InMemoryStore keeps events in process. Used for development and tests.
type InMemoryStore struct {
	codec *fieldcrypt.Codec
	opts  options

	// tenantLocks serializes appends per tenant.
	tenantLocks sync.Map

	mu        sync.RWMutex
	events    []*models.Event
	byID      map[uuid.UUID]*models.Event
	byRequest map[requestKey]uuid.UUID
	tails     map[string]string
}

type requestKey struct {
	tenant    string
	requestID string
}

// NewInMemory creates an empty in-memory event store.
func NewInMemory(codec *fieldcrypt.Codec, opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		codec:     codec,
		opts:      buildOptions(opts),
		byID:      make(map[uuid.UUID]*models.Event),
		byRequest: make(map[requestKey]uuid.UUID),
		tails:     make(map[string]string),
	}
}

func (s *InMemoryStore) tenantLock(tenant string) *sync.Mutex {
	l, _ := s.tenantLocks.LoadOrStore(tenant, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Append hashes, encrypts and links e onto its tenant's chain.
func (s *InMemoryStore) Append(ctx context.Context, e models.Event) (models.AppendResult, error) {
	start := time.Now()
	stored, err := prepare(s.codec, e)
	if err != nil {
		return models.AppendResult{}, err
	}

	lock := s.tenantLock(stored.TenantID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored.RequestID != nil {
		if existing, ok := s.byRequest[requestKey{stored.TenantID, *stored.RequestID}]; ok {
			res := models.AppendResult{ID: existing, Deduplicated: true}
			s.opts.observeAppend(start, stored, res)
			return res, nil
		}
	}
	if _, taken := s.byID[stored.ID]; taken {
		return models.AppendResult{}, fmt.Errorf("event id %s: %w", stored.ID, sentinel.ErrConflict)
	}

	if tail, ok := s.tails[stored.TenantID]; ok {
		prev := tail
		stored.PrevHash = &prev
	}
	stored.Seq = int64(len(s.events) + 1)
	stored.CreatedAt = time.Now().UTC()

	rec := stored
	s.events = append(s.events, &rec)
	s.byID[rec.ID] = &rec
	if rec.RequestID != nil {
		s.byRequest[requestKey{rec.TenantID, *rec.RequestID}] = rec.ID
	}
	s.tails[rec.TenantID] = rec.Hash

	res := models.AppendResult{ID: rec.ID}
	s.opts.observeAppend(start, rec, res)
	return res, nil
}

// Verify walks the tenant's chain in insertion order.
func (s *InMemoryStore) Verify(ctx context.Context, tenantID string) (models.VerifyResult, error) {
	s.mu.RLock()
	snapshot := make([]models.Event, 0)
	for _, e := range s.events {
		if e.TenantID == tenantID {
			snapshot = append(snapshot, *e)
		}
	}
	s.mu.RUnlock()

	v := chain.NewVerifier(tenantID)
	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return models.VerifyResult{}, err
		}
		plain := snapshot[i]
		plain.Context = s.codec.DecryptContext(plain.Context)
		ok, err := v.Check(&plain)
		if err != nil {
			return models.VerifyResult{}, err
		}
		if !ok {
			break
		}
	}
	res := v.Result()
	s.opts.observeVerify(res)
	return res, nil
}

// SetReviewed flips the only mutable field.
func (s *InMemoryStore) SetReviewed(ctx context.Context, id uuid.UUID, reviewed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	e.Reviewed = reviewed
	return nil
}

// Mutate applies a patch that may only touch reviewed.
func (s *InMemoryStore) Mutate(ctx context.Context, id uuid.UUID, patch models.Patch) error {
	if err := checkPatch(id, patch); err != nil {
		s.opts.denied()
		return err
	}
	if patch.Reviewed == nil {
		return nil
	}
	return s.SetReviewed(ctx, id, *patch.Reviewed)
}

// Delete always fails.
func (s *InMemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.opts.denied()
	return immutable(id, "delete")
}

// Get returns the stored (encrypted) event.
func (s *InMemoryStore) Get(ctx context.Context, id uuid.UUID) (models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return models.Event{}, sentinel.ErrNotFound
	}
	return *e, nil
}

func (s *InMemoryStore) matching(f models.Filter) []models.Event {
	s.mu.RLock()
	out := make([]models.Event, 0)
	for _, e := range s.events {
		if f.Match(e) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Event) int { return models.CompareNewestFirst(&a, &b) })
	return out
}

// Query returns one page ordered by timestamp then id, newest first.
func (s *InMemoryStore) Query(ctx context.Context, f models.Filter, page models.Page) ([]models.Event, error) {
	page = page.Clamp()
	all := s.matching(f)
	if page.Offset >= len(all) {
		return []models.Event{}, nil
	}
	end := min(page.Offset+page.Limit, len(all))
	return all[page.Offset:end], nil
}

// Stream feeds fn successive batches, newest first.
func (s *InMemoryStore) Stream(ctx context.Context, f models.Filter, batchSize int, fn func([]models.Event) error) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	all := s.matching(f)
	for start := 0; start < len(all); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(all))
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of matching events.
func (s *InMemoryStore) Count(ctx context.Context, f models.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if f.Match(e) {
			n++
		}
	}
	return n, nil
}

// Tenants lists every tenant with at least one event.
func (s *InMemoryStore) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tails))
	for t := range s.tails {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}

// CountOlderThan counts events before cutoff per tenant.
func (s *InMemoryStore) CountOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			out[e.TenantID]++
		}
	}
	return out, nil
}
