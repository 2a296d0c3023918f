//go:build integration

package keys_test

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"activitylog/internal/fieldcrypt"
	"activitylog/internal/ingest/keys"
	"activitylog/pkg/platform/sentinel"
	"activitylog/pkg/testutil/containers"
)

type PostgresKeyStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *keys.PostgresStore
}

func TestPostgresKeyStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresKeyStoreSuite))
}

func (s *PostgresKeyStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	master := make([]byte, fieldcrypt.KeySize)
	_, err := rand.Read(master)
	s.Require().NoError(err)
	ring, err := fieldcrypt.NewKeyring(1, map[byte][]byte{1: master})
	s.Require().NoError(err)
	s.store = keys.NewPostgres(s.postgres.DB, fieldcrypt.New(ring))
}

func (s *PostgresKeyStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "ingestion_keys"))
}

func (s *PostgresKeyStoreSuite) TestSecretEncryptedAtRest() {
	ctx := context.Background()
	k, err := keys.New("crm", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(ctx, k))

	var stored string
	err = s.postgres.DB.QueryRowContext(ctx, `SELECT secret FROM ingestion_keys WHERE id = $1`, k.ID).Scan(&stored)
	s.Require().NoError(err)
	s.True(fieldcrypt.IsEncrypted(stored))
	s.NotContains(stored, k.Secret)

	got, err := s.store.Get(ctx, k.ID)
	s.Require().NoError(err)
	s.Equal(k.Secret, got.Secret)
	s.True(got.Active)
}

func (s *PostgresKeyStoreSuite) TestListHidesSecrets() {
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		k, err := keys.New(name, time.Now())
		s.Require().NoError(err)
		s.Require().NoError(s.store.Create(ctx, k))
	}
	list, err := s.store.List(ctx)
	s.Require().NoError(err)
	s.Len(list, 2)
	for _, k := range list {
		s.Empty(k.Secret)
	}
}

func (s *PostgresKeyStoreSuite) TestDeactivateAndTouch() {
	ctx := context.Background()
	k, err := keys.New("hr", time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(ctx, k))

	at := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.TouchLastUsed(ctx, k.ID, at))
	s.Require().NoError(s.store.Deactivate(ctx, k.ID))

	got, err := s.store.Get(ctx, k.ID)
	s.Require().NoError(err)
	s.False(got.Active)
	s.Require().NotNil(got.LastUsedAt)
	s.True(at.Equal(*got.LastUsedAt))

	s.True(errors.Is(s.store.Deactivate(ctx, "lk_missing"), sentinel.ErrNotFound))
}
