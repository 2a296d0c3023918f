package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"activitylog/internal/activity/chain"
	"activitylog/internal/activity/models"
	"activitylog/internal/fieldcrypt"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	codec *fieldcrypt.Codec
	store *InMemoryStore
	base  time.Time
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	key := make([]byte, fieldcrypt.KeySize)
	_, err := rand.Read(key)
	s.Require().NoError(err)
	ring, err := fieldcrypt.NewKeyring(1, map[byte][]byte{1: key})
	s.Require().NoError(err)
	s.codec = fieldcrypt.New(ring)
	s.store = NewInMemory(s.codec)
	s.base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
}

func (s *MemoryStoreSuite) event(tenant string, i int, requestID string) models.Event {
	actor := "u-1"
	e := models.Event{
		Timestamp: s.base.Add(time.Duration(i) * time.Minute),
		TenantID:  tenant,
		Actor:     models.Actor{ID: &actor, Role: models.RoleSales},
		Verb:      models.VerbUpdate,
		Target:    models.Target{Type: "Order", ID: fmt.Sprintf("o-%d", i)},
		Source:    models.SourceAPI,
	}
	s.Require().NoError(json.Unmarshal([]byte(`{"ip":"203.0.113.9","username":"alice","severity":"low","tags":["t"]}`), &e.Context))
	if requestID != "" {
		e.RequestID = &requestID
	}
	return e
}

// tamper rewrites a stored record bypassing every guard.
func (s *MemoryStoreSuite) tamper(id uuid.UUID, fn func(e *models.Event)) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	fn(s.store.byID[id])
}

func (s *MemoryStoreSuite) TestAppendBuildsVerifiableChain() {
	ctx := context.Background()
	var ids []uuid.UUID
	for i := range 5 {
		res, err := s.store.Append(ctx, s.event("t1", i, ""))
		s.Require().NoError(err)
		s.False(res.Deduplicated)
		ids = append(ids, res.ID)
	}

	first, err := s.store.Get(ctx, ids[0])
	s.Require().NoError(err)
	s.Nil(first.PrevHash)
	s.Len(first.Hash, 64)

	for i := 1; i < len(ids); i++ {
		prev, _ := s.store.Get(ctx, ids[i-1])
		cur, _ := s.store.Get(ctx, ids[i])
		s.Require().NotNil(cur.PrevHash)
		s.Equal(prev.Hash, *cur.PrevHash)
	}

	// Replaying in insertion order reproduces every stored hash.
	for _, id := range ids {
		stored, _ := s.store.Get(ctx, id)
		plain := stored
		plain.Context = s.codec.DecryptContext(stored.Context)
		h, err := chain.Hash(&plain)
		s.Require().NoError(err)
		s.Equal(stored.Hash, h)
	}

	res, err := s.store.Verify(ctx, "t1")
	s.Require().NoError(err)
	s.True(res.OK)
	s.Equal(5, res.Checked)
}

func (s *MemoryStoreSuite) TestContextEncryptedAtRest() {
	ctx := context.Background()
	res, err := s.store.Append(ctx, s.event("t1", 0, ""))
	s.Require().NoError(err)

	stored, err := s.store.Get(ctx, res.ID)
	s.Require().NoError(err)
	s.True(fieldcrypt.IsEncrypted(stored.Context.IP.String()))
	s.True(fieldcrypt.IsEncrypted(stored.Context.Username.String()))
	s.Equal("low", stored.Context.Severity)
	s.Equal("alice", s.codec.DecryptContext(stored.Context).Username.String())
}

func (s *MemoryStoreSuite) TestDuplicateRequestIDReturnsOriginal() {
	ctx := context.Background()
	first, err := s.store.Append(ctx, s.event("t1", 0, "req-1"))
	s.Require().NoError(err)
	_, err = s.store.Append(ctx, s.event("t1", 1, ""))
	s.Require().NoError(err)

	before, _ := s.store.Count(ctx, models.Filter{TenantIDs: models.OneOrMany[string]{"t1"}})

	again, err := s.store.Append(ctx, s.event("t1", 2, "req-1"))
	s.Require().NoError(err)
	s.True(again.Deduplicated)
	s.Equal(first.ID, again.ID)

	after, _ := s.store.Count(ctx, models.Filter{TenantIDs: models.OneOrMany[string]{"t1"}})
	s.Equal(before, after)

	other, err := s.store.Append(ctx, s.event("t2", 0, "req-1"))
	s.Require().NoError(err)
	s.False(other.Deduplicated, "request ids are scoped per tenant")
}

func (s *MemoryStoreSuite) TestConcurrentAppendsKeepChainsLinear() {
	ctx := context.Background()
	const perTenant = 50
	tenants := []string{"ta", "tb", "tc"}

	var wg sync.WaitGroup
	for _, tenant := range tenants {
		for i := range perTenant {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.store.Append(ctx, s.event(tenant, i, ""))
				s.NoError(err)
			}()
		}
	}
	wg.Wait()

	for _, tenant := range tenants {
		res, err := s.store.Verify(ctx, tenant)
		s.Require().NoError(err)
		s.True(res.OK, tenant)
		s.Equal(perTenant, res.Checked)
	}
}

func (s *MemoryStoreSuite) TestImmutability() {
	ctx := context.Background()
	res, err := s.store.Append(ctx, s.event("t1", 0, ""))
	s.Require().NoError(err)

	for _, field := range []string{"verb", "context", "hash", "prev_hash", "timestamp", "tenant_id"} {
		err := s.store.Mutate(ctx, res.ID, models.Patch{Fields: []string{field}})
		s.ErrorIs(err, ErrImmutable, field)
		s.True(dErrors.HasCode(err, dErrors.CodeImmutable))
	}

	err = s.store.Delete(ctx, res.ID)
	s.ErrorIs(err, ErrImmutable)

	yes := true
	s.Require().NoError(s.store.Mutate(ctx, res.ID, models.Patch{Reviewed: &yes, Fields: []string{"reviewed"}}))
	got, _ := s.store.Get(ctx, res.ID)
	s.True(got.Reviewed)

	verify, err := s.store.Verify(ctx, "t1")
	s.Require().NoError(err)
	s.True(verify.OK, "reviewed is outside the hash")

	s.ErrorIs(s.store.SetReviewed(ctx, uuid.New(), true), sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestVerifyDetectsTampering() {
	ctx := context.Background()
	var ids []uuid.UUID
	for i := range 4 {
		res, err := s.store.Append(ctx, s.event("t1", i, ""))
		s.Require().NoError(err)
		ids = append(ids, res.ID)
	}

	s.tamper(ids[2], func(e *models.Event) { e.Target.ID = "forged" })

	res, err := s.store.Verify(ctx, "t1")
	s.Require().NoError(err)
	s.False(res.OK)
	s.Equal(2, res.BrokenIndex)
	s.Equal(ids[2], *res.BrokenEventID)
	s.Equal(models.ReasonHashMismatch, res.Reason)
}

func (s *MemoryStoreSuite) TestQueryAndStreamNewestFirst() {
	ctx := context.Background()
	for i := range 7 {
		_, err := s.store.Append(ctx, s.event("t1", i, ""))
		s.Require().NoError(err)
	}

	page, err := s.store.Query(ctx, models.Filter{}, models.Page{Limit: 3, Offset: 1})
	s.Require().NoError(err)
	s.Require().Len(page, 3)
	s.Equal("o-5", page[0].Target.ID)
	s.Equal("o-3", page[2].Target.ID)

	var batches [][]string
	err = s.store.Stream(ctx, models.Filter{}, 3, func(batch []models.Event) error {
		var ids []string
		for _, e := range batch {
			ids = append(ids, e.Target.ID)
		}
		batches = append(batches, ids)
		return nil
	})
	s.Require().NoError(err)
	s.Equal([][]string{{"o-6", "o-5", "o-4"}, {"o-3", "o-2", "o-1"}, {"o-0"}}, batches)
}

func (s *MemoryStoreSuite) TestRetentionCounts() {
	ctx := context.Background()
	for i := range 3 {
		_, err := s.store.Append(ctx, s.event("t1", i, ""))
		s.Require().NoError(err)
	}
	_, err := s.store.Append(ctx, s.event("t2", 10, ""))
	s.Require().NoError(err)

	counts, err := s.store.CountOlderThan(ctx, s.base.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Equal(map[string]int64{"t1": 2}, counts)

	tenants, err := s.store.Tenants(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"t1", "t2"}, tenants)
}
