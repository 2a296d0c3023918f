//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	activity "activitylog/internal/activity/models"
	"activitylog/internal/export/models"
	"activitylog/internal/export/store"
	"activitylog/pkg/platform/sentinel"
	"activitylog/pkg/testutil/containers"
)

type PostgresJobStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresJobStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresJobStoreSuite))
}

func (s *PostgresJobStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresJobStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "export_jobs"))
}

func (s *PostgresJobStoreSuite) TestRoundTripWithFilter() {
	ctx := context.Background()
	from := time.Now().Add(-24 * time.Hour).UTC().Truncate(time.Microsecond)
	req := models.Request{
		Format:  models.FormatNDJSON,
		Filter:  activity.Filter{TenantIDs: []string{"t1", "t2"}, Verbs: []activity.Verb{activity.VerbLogin}, From: &from},
		Fields:  []string{"id", "context.ip"},
		Decrypt: true,
	}
	job := models.NewJob(req, "ops@example.com", time.Now().Truncate(time.Microsecond))
	s.Require().NoError(s.store.Create(ctx, job))

	got, err := s.store.Get(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)
	s.Equal(req.Fields, got.Fields)
	s.True(got.Decrypt)
	s.Equal([]string{"t1", "t2"}, got.Filter.TenantIDs.Strings())
	s.Require().NotNil(got.Filter.From)
	s.True(from.Equal(*got.Filter.From))
}

func (s *PostgresJobStoreSuite) TestStartFinishAndRequeue() {
	ctx := context.Background()
	now := time.Now().UTC()
	job := models.NewJob(models.Request{Format: models.FormatCSV}, "ops", now)
	s.Require().NoError(s.store.Create(ctx, job))

	running, err := s.store.Start(ctx, job.ID, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Equal(models.StatusRunning, running.Status)

	_, err = s.store.Start(ctx, job.ID, now)
	s.True(errors.Is(err, sentinel.ErrInvalidState))

	ids, err := s.store.RequeueStale(ctx, now.Add(-30*time.Minute))
	s.Require().NoError(err)
	s.Len(ids, 1)

	pending, err := s.store.ListPending(ctx)
	s.Require().NoError(err)
	s.Len(pending, 1)

	running, err = s.store.Start(ctx, job.ID, now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Finish(ctx, running.Failed("part.csv", 3, errors.New("boom"), now)))

	got, err := s.store.Get(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, got.Status)
	s.Equal("boom", got.Error)
	s.Equal("part.csv", got.OutputRef)
	s.EqualValues(3, got.RowCount)
}
