//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	activity "activitylog/internal/activity/models"
	exportmodels "activitylog/internal/export/models"
	"activitylog/internal/schedule/models"
	"activitylog/internal/schedule/store"
	"activitylog/pkg/platform/sentinel"
	"activitylog/pkg/testutil/containers"
)

type PostgresReportStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresReportStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresReportStoreSuite))
}

func (s *PostgresReportStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresReportStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "scheduled_reports"))
}

func (s *PostgresReportStoreSuite) newReport(next time.Time) models.Report {
	day := 3
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.Report{
		ID:           uuid.New(),
		Name:         "weekly reviews",
		ScheduleType: models.Weekly,
		TimeOfDay:    "06:30",
		ScheduleDay:  &day,
		Recipients:   []string{"a@example.com", "b@example.com"},
		Format:       exportmodels.FormatPDF,
		Filter:       activity.Filter{TenantIDs: []string{"t1"}},
		Active:       true,
		NextRun:      next.UTC().Truncate(time.Microsecond),
		Owner:        "admin",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *PostgresReportStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	r := s.newReport(time.Now().Add(time.Hour))
	s.Require().NoError(s.store.Create(ctx, r))

	got, err := s.store.Get(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(r.Name, got.Name)
	s.Equal(models.Weekly, got.ScheduleType)
	s.Require().NotNil(got.ScheduleDay)
	s.Equal(3, *got.ScheduleDay)
	s.Equal(r.Recipients, got.Recipients)
	s.Equal([]string{"t1"}, got.Filter.TenantIDs.Strings())
	s.True(r.NextRun.Equal(got.NextRun))
	s.Nil(got.LastRun)
}

func (s *PostgresReportStoreSuite) TestDueAndReschedule() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	due := s.newReport(now.Add(-time.Minute))
	later := s.newReport(now.Add(time.Hour))
	s.Require().NoError(s.store.Create(ctx, due))
	s.Require().NoError(s.store.Create(ctx, later))

	reports, err := s.store.Due(ctx, now)
	s.Require().NoError(err)
	s.Require().Len(reports, 1)
	s.Equal(due.ID, reports[0].ID)

	next := now.Add(7 * 24 * time.Hour)
	s.Require().NoError(s.store.Reschedule(ctx, due.ID, next, &now))
	got, err := s.store.Get(ctx, due.ID)
	s.Require().NoError(err)
	s.True(next.Equal(got.NextRun))
	s.Require().NotNil(got.LastRun)
	s.True(now.Equal(*got.LastRun))

	// A nil last run keeps the previous value.
	s.Require().NoError(s.store.Reschedule(ctx, due.ID, next.Add(time.Hour), nil))
	got, _ = s.store.Get(ctx, due.ID)
	s.Require().NotNil(got.LastRun)

	reports, err = s.store.Due(ctx, now)
	s.Require().NoError(err)
	s.Empty(reports)
}

func (s *PostgresReportStoreSuite) TestDeleteMissing() {
	err := s.store.Delete(context.Background(), uuid.New())
	s.True(errors.Is(err, sentinel.ErrNotFound))
}
