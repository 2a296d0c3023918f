package export

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	activity "activitylog/internal/activity/models"
	activitystore "activitylog/internal/activity/store"
	"activitylog/internal/export/artifacts"
	"activitylog/internal/export/download"
	"activitylog/internal/export/models"
	"activitylog/internal/export/render"
	"activitylog/internal/export/store"
	"activitylog/internal/fieldcrypt"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
)

type recordedRun struct {
	reportID uuid.UUID
	at       time.Time
}

type fakeReports struct {
	mu   sync.Mutex
	runs []recordedRun
}

func (f *fakeReports) MarkRun(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, recordedRun{id, at})
	return nil
}

type failingRenderer struct{ err error }

func (f failingRenderer) Render(_ context.Context, w io.Writer, _ render.Source, _ []string) (render.Result, error) {
	_, _ = io.WriteString(w, "partial")
	return render.Result{Rows: 1}, f.err
}

type panickingRenderer struct{}

func (panickingRenderer) Render(context.Context, io.Writer, render.Source, []string) (render.Result, error) {
	panic("boom")
}

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	codec     *fieldcrypt.Codec
	events    *activitystore.InMemoryStore
	jobs      *store.InMemoryStore
	artifacts *artifacts.FS
	reports   *fakeReports
	signer    *download.Signer
	pdf       *render.PDF
	service   *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	master := make([]byte, fieldcrypt.KeySize)
	_, err := rand.Read(master)
	s.Require().NoError(err)
	ring, err := fieldcrypt.NewKeyring(1, map[byte][]byte{1: master})
	s.Require().NoError(err)
	s.codec = fieldcrypt.New(ring)

	s.events = activitystore.NewInMemory(s.codec)
	s.jobs = store.NewInMemory()
	s.artifacts, err = artifacts.NewFS(s.T().TempDir())
	s.Require().NoError(err)
	s.reports = &fakeReports{}
	s.signer = download.NewSigner([]byte("download-key"), download.WithBaseURL("https://logs.example.com"))
	s.pdf = render.NewPDF(render.WithExecPath("/nonexistent/chromium"))
	s.service = s.newService(render.NewSet(s.pdf))
}

func (s *ServiceSuite) newService(renderers render.Set) *Service {
	return New(s.jobs, s.events, s.codec, s.artifacts, renderers, s.signer,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithReportRecorder(s.reports),
	)
}

func (s *ServiceSuite) seed(n int, tenant string) {
	for i := 0; i < n; i++ {
		actor := "u-1"
		var c activity.Context
		s.Require().NoError(c.UnmarshalJSON([]byte(`{"ip":"203.0.113.7","severity":"low"}`)))
		_, err := s.events.Append(s.ctx, activity.Event{
			Timestamp: time.Now().Add(-time.Duration(i) * time.Second),
			TenantID:  tenant,
			Actor:     activity.Actor{ID: &actor, Role: activity.RoleAdmin},
			Verb:      activity.VerbLogin,
			Target:    activity.Target{Type: "User", ID: "u-1"},
			Source:    activity.SourceAPI,
			Context:   c,
		})
		s.Require().NoError(err)
	}
}

func (s *ServiceSuite) artifact(job models.Job) string {
	body, err := s.service.ReadArtifact(job)
	s.Require().NoError(err)
	return string(body)
}

func (s *ServiceSuite) TestCSVJobCompletesWithDownloadLink() {
	s.seed(3, "t1")
	s.seed(2, "t2")

	job, err := s.service.Create(s.ctx, models.Request{
		Format: "csv",
		Filter: activity.Filter{TenantIDs: []string{"t1"}},
		Fields: []string{"tenant_id", "verb", "context.ip"},
	}, "ops@example.com")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, job.Status)

	done, err := s.service.Execute(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, done.Status)
	s.EqualValues(3, done.RowCount)
	s.NotNil(done.FinishedAt)

	records, err := csv.NewReader(strings.NewReader(s.artifact(done))).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(records, 4)
	s.Equal("t1", records[1][0])
	s.True(fieldcrypt.IsEncrypted(records[1][2]), "context stays sealed without decrypt")

	view, err := s.service.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Contains(view.DownloadURL, "/exports/"+job.ID.String()+"/download?token=")
	s.NotNil(view.DownloadExpiresAt)
}

func (s *ServiceSuite) TestCSVRowsAreNewestFirst() {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	actor := "u-1"
	for _, offset := range []int{0, 5, 2, 9, 7} {
		_, err := s.events.Append(s.ctx, activity.Event{
			Timestamp: base.Add(time.Duration(offset) * time.Minute),
			TenantID:  "t1",
			Actor:     activity.Actor{ID: &actor, Role: activity.RoleSales},
			Verb:      activity.VerbRead,
			Target:    activity.Target{Type: "Order", ID: "o-1"},
			Source:    activity.SourceAPI,
		})
		s.Require().NoError(err)
	}

	job, err := s.service.Create(s.ctx, models.Request{
		Format: models.FormatCSV,
		Fields: []string{"timestamp", "verb"},
	}, "ops")
	s.Require().NoError(err)
	done, err := s.service.Execute(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, done.Status)

	records, err := csv.NewReader(strings.NewReader(s.artifact(done))).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(records, 6)
	s.Equal("timestamp", records[0][0])

	var prev time.Time
	for i, rec := range records[1:] {
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		s.Require().NoError(err)
		if i > 0 {
			s.False(ts.After(prev), "row %d at %s is newer than the row before it", i+1, rec[0])
		}
		prev = ts
	}
	s.Equal(base.Add(9*time.Minute).Format(time.RFC3339Nano), records[1][0])
}

func (s *ServiceSuite) TestDecryptOpensContext() {
	s.seed(1, "t1")
	job, err := s.service.Create(s.ctx, models.Request{Format: models.FormatNDJSON, Decrypt: true}, "ops")
	s.Require().NoError(err)

	done, err := s.service.Execute(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, done.Status)
	s.Contains(s.artifact(done), `"ip":"203.0.113.7"`)
}

func (s *ServiceSuite) TestPendingJobHasNoDownloadLink() {
	job, err := s.service.Create(s.ctx, models.Request{Format: models.FormatXML}, "ops")
	s.Require().NoError(err)
	view, err := s.service.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Empty(view.DownloadURL)

	_, err = s.service.Get(s.ctx, uuid.New())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestCreateValidates() {
	_, err := s.service.Create(s.ctx, models.Request{Format: "DOCX"}, "ops")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.Create(s.ctx, models.Request{
		Format: models.FormatCSV,
		Filter: activity.Filter{Verbs: []activity.Verb{"EXPLODE"}},
	}, "ops")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestMissingChromiumFailsJobNotCaller() {
	s.seed(1, "t1")
	job, err := s.service.Create(s.ctx, models.Request{Format: models.FormatPDF}, "ops")
	s.Require().NoError(err)

	done, err := s.service.Execute(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, done.Status)
	s.Contains(done.Error, "Chromium")

	stored, err := s.jobs.Get(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, stored.Status)
	s.Empty(s.reports.runs)
}

func (s *ServiceSuite) TestFailureKeepsPartialOutputAndTruncatesError() {
	huge := errors.New(strings.Repeat("x", 5000))
	svc := s.newService(render.Set{models.FormatCSV: failingRenderer{err: huge}})
	job, err := svc.Create(s.ctx, models.Request{Format: models.FormatCSV}, "ops")
	s.Require().NoError(err)

	done, err := svc.Execute(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, done.Status)
	s.Len(done.Error, models.MaxErrorLength)
	s.NotEmpty(done.OutputRef)
	s.Equal("partial", s.artifact(done))
}

func (s *ServiceSuite) TestRendererPanicFailsJob() {
	svc := s.newService(render.Set{models.FormatCSV: panickingRenderer{}})
	job, err := svc.Create(s.ctx, models.Request{Format: models.FormatCSV}, "ops")
	s.Require().NoError(err)

	done, err := svc.Execute(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, done.Status)
	s.Contains(done.Error, "panic")
}

func (s *ServiceSuite) TestExecuteClaimsOnce() {
	job, err := s.service.Create(s.ctx, models.Request{Format: models.FormatCSV}, "ops")
	s.Require().NoError(err)
	_, err = s.service.Execute(s.ctx, job.ID)
	s.Require().NoError(err)

	_, err = s.service.Execute(s.ctx, job.ID)
	s.True(errors.Is(err, sentinel.ErrInvalidState))
}

func (s *ServiceSuite) TestReportLinkedJobStampsLastRun() {
	reportID := uuid.New()

	s.Run("stamped by default", func() {
		job, err := s.service.Create(s.ctx, models.Request{Format: models.FormatCSV, ScheduledReportID: &reportID}, "scheduler")
		s.Require().NoError(err)
		_, err = s.service.Execute(s.ctx, job.ID)
		s.Require().NoError(err)
		s.Require().Len(s.reports.runs, 1)
		s.Equal(reportID, s.reports.runs[0].reportID)
	})

	s.Run("deferred to the scheduler", func() {
		job, err := s.service.Create(s.ctx, models.Request{Format: models.FormatCSV, ScheduledReportID: &reportID}, "scheduler")
		s.Require().NoError(err)
		_, err = s.service.Execute(s.ctx, job.ID, DeferReportStamp())
		s.Require().NoError(err)
		s.Len(s.reports.runs, 1)
	})
}

func (s *ServiceSuite) TestOpenAuthorization() {
	s.seed(2, "t1")
	job, err := s.service.Create(s.ctx, models.Request{Format: models.FormatNDJSON}, "ops")
	s.Require().NoError(err)

	_, err = s.service.Open(s.ctx, job.ID, "", true)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "not completed yet")

	_, err = s.service.Execute(s.ctx, job.ID)
	s.Require().NoError(err)

	s.Run("admin without token", func() {
		dl, err := s.service.Open(s.ctx, job.ID, "", true)
		s.Require().NoError(err)
		defer dl.Content.Close()
		var buf bytes.Buffer
		_, err = io.Copy(&buf, dl.Content)
		s.Require().NoError(err)
		s.EqualValues(buf.Len(), dl.Size)
		s.Equal("activity-"+job.ID.String()+".ndjson", dl.Filename())
	})

	s.Run("token alone", func() {
		token, _, err := s.signer.Issue(job.ID)
		s.Require().NoError(err)
		dl, err := s.service.Open(s.ctx, job.ID, token, false)
		s.Require().NoError(err)
		dl.Content.Close()
	})

	s.Run("no token", func() {
		_, err := s.service.Open(s.ctx, job.ID, "", false)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("token for another job", func() {
		token, _, err := s.signer.Issue(uuid.New())
		s.Require().NoError(err)
		_, err = s.service.Open(s.ctx, job.ID, token, false)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}
