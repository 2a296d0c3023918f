// Package export runs asynchronous export jobs over the activity log.
//
// A job is persisted as PENDING, picked up by the worker pool, rendered into
// an artifact and finished as COMPLETED or FAILED. Failures are recorded on
// the job and never returned to whoever triggered it.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	activity "activitylog/internal/activity/models"
	"activitylog/internal/export/download"
	"activitylog/internal/export/metrics"
	"activitylog/internal/export/models"
	"activitylog/internal/export/render"
	"activitylog/internal/export/store"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
)

// EventSource is the read side of the event store.
type EventSource interface {
	Stream(ctx context.Context, f activity.Filter, batchSize int, fn func([]activity.Event) error) error
	Count(ctx context.Context, f activity.Filter) (int64, error)
}

// Decrypter opens encrypted context fields.
type Decrypter interface {
	DecryptContext(activity.Context) activity.Context
}

// Artifacts stores rendered files.
type Artifacts interface {
	Create(jobID uuid.UUID, ext string) (io.WriteCloser, string, error)
	Open(ref string) (io.ReadSeekCloser, int64, error)
}

// ReportRecorder advances a scheduled report's last_run.
type ReportRecorder interface {
	MarkRun(ctx context.Context, reportID uuid.UUID, at time.Time) error
}

// Queue hands a persisted job to the worker pool.
type Queue interface {
	Enqueue(id uuid.UUID)
}

// Service creates, executes and serves export jobs.
type Service struct {
	jobs      store.Store
	events    EventSource
	codec     Decrypter
	artifacts Artifacts
	renderers render.Set
	signer    *download.Signer
	reports   ReportRecorder
	queue     Queue
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReportRecorder stamps last_run on reports whose jobs complete.
func WithReportRecorder(r ReportRecorder) Option {
	return func(s *Service) { s.reports = r }
}

// WithQueue enqueues new jobs as they are created.
func WithQueue(q Queue) Option {
	return func(s *Service) { s.queue = q }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(jobs store.Store, events EventSource, codec Decrypter, artifacts Artifacts,
	renderers render.Set, signer *download.Signer, opts ...Option) *Service {
	s := &Service{
		jobs:      jobs,
		events:    events,
		codec:     codec,
		artifacts: artifacts,
		renderers: renderers,
		signer:    signer,
		logger:    slog.Default(),
		tracer:    otel.Tracer("activitylog/export"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetQueue attaches the worker pool after construction; the pool itself
// needs the service to execute jobs.
func (s *Service) SetQueue(q Queue) {
	s.queue = q
}

// Create persists a PENDING job and hands it to the worker pool.
func (s *Service) Create(ctx context.Context, req models.Request, requestedBy string) (models.Job, error) {
	job, err := s.create(ctx, req, requestedBy)
	if err != nil {
		return models.Job{}, err
	}
	if s.queue != nil {
		s.queue.Enqueue(job.ID)
	}
	return job, nil
}

// CreateForRun persists a PENDING job without queueing it; the caller is
// expected to Execute it directly.
func (s *Service) CreateForRun(ctx context.Context, req models.Request, requestedBy string) (models.Job, error) {
	return s.create(ctx, req, requestedBy)
}

func (s *Service) create(ctx context.Context, req models.Request, requestedBy string) (models.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return models.Job{}, err
	}
	job := models.NewJob(req, requestedBy, s.now())
	if err := s.jobs.Create(ctx, job); err != nil {
		return models.Job{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create export job")
	}
	s.logger.InfoContext(ctx, "export job created",
		"job_id", job.ID, "format", job.Format, "requested_by", requestedBy)
	return job, nil
}

// View is a job as shown to admins.
type View struct {
	models.Job
	DownloadURL       string     `json:"download_url,omitempty"`
	DownloadExpiresAt *time.Time `json:"download_expires_at,omitempty"`
}

// Get returns the job with a freshly signed download link once COMPLETED.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (View, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return View{}, translate(err, "export job not found")
	}
	view := View{Job: job}
	if job.Status == models.StatusCompleted && s.signer != nil {
		link, expires, err := s.signer.URL(job.ID)
		if err != nil {
			return View{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign download link")
		}
		view.DownloadURL = link
		view.DownloadExpiresAt = &expires
	}
	return view, nil
}

// List returns recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]models.Job, error) {
	jobs, err := s.jobs.List(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list export jobs")
	}
	return jobs, nil
}

type execConfig struct {
	deferReportStamp bool
}

// ExecOption tunes one execution.
type ExecOption func(*execConfig)

// DeferReportStamp leaves last_run to the caller. The scheduler uses it
// because it only stamps after the mail went out.
func DeferReportStamp() ExecOption {
	return func(c *execConfig) { c.deferReportStamp = true }
}

// Execute runs a PENDING job to completion. The returned job carries the
// outcome; the error is non-nil only when the job could not be claimed or
// its outcome could not be persisted. A job that is no longer PENDING
// yields sentinel.ErrInvalidState.
func (s *Service) Execute(ctx context.Context, id uuid.UUID, opts ...ExecOption) (models.Job, error) {
	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := s.tracer.Start(ctx, "export.execute", trace.WithAttributes(attribute.String("job_id", id.String())))
	defer span.End()

	start := s.now()
	job, err := s.jobs.Start(ctx, id, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return models.Job{}, fmt.Errorf("claim export job %s: %w", id, err)
	}
	span.SetAttributes(attribute.String("format", string(job.Format)), attribute.Bool("decrypt", job.Decrypt))
	s.metrics.IncInFlight()
	defer s.metrics.DecInFlight()

	logger := s.logger.With("job_id", job.ID, "format", job.Format)
	logger.InfoContext(ctx, "export job started")

	ref, res, runErr := s.run(ctx, job)
	finished := s.now()
	if runErr != nil {
		job = job.Failed(ref, res.Rows, runErr, finished)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, job.Error)
		logger.ErrorContext(ctx, "export job failed", "error", runErr, "rows", res.Rows)
	} else {
		job = job.Completed(ref, res.Rows, finished)
		logger.InfoContext(ctx, "export job completed", "rows", res.Rows, "total", res.Total, "output_ref", ref)
	}
	span.SetAttributes(attribute.Int64("rows", res.Rows))

	// The outcome must be persisted even when the caller's context is gone.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.jobs.Finish(persistCtx, job); err != nil {
		return job, fmt.Errorf("persist export outcome: %w", err)
	}
	s.metrics.ObserveFinished(string(job.Format), string(job.Status), finished.Sub(start).Seconds(), res.Rows)

	if job.Status == models.StatusCompleted && job.ScheduledReportID != nil && !cfg.deferReportStamp && s.reports != nil {
		if err := s.reports.MarkRun(persistCtx, *job.ScheduledReportID, finished); err != nil {
			logger.WarnContext(ctx, "failed to advance report last_run",
				"report_id", *job.ScheduledReportID, "error", err)
		}
	}
	return job, nil
}

func (s *Service) run(ctx context.Context, job models.Job) (ref string, res render.Result, err error) {
	renderer, err := s.renderers.For(job.Format)
	if err != nil {
		return "", res, err
	}
	w, ref, err := s.artifacts.Create(job.ID, job.Format.Extension())
	if err != nil {
		return "", res, err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close artifact: %w", cerr)
		}
	}()
	// A panicking renderer fails the job instead of the worker.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renderer panic: %v", r)
		}
	}()
	src := jobSource{events: s.events, filter: job.Filter}
	if job.Decrypt {
		src.codec = s.codec
	}
	res, err = renderer.Render(ctx, w, src, job.Fields)
	return ref, res, err
}

// Download is an open artifact ready to serve.
type Download struct {
	Job     models.Job
	Content io.ReadSeekCloser
	Size    int64
}

// Filename is the attachment name offered to browsers.
func (d Download) Filename() string {
	return "activity-" + d.Job.ID.String() + "." + d.Job.Format.Extension()
}

// Open authorizes and opens a completed artifact. Admins need no token;
// everyone else needs a valid download token for this job.
func (s *Service) Open(ctx context.Context, id uuid.UUID, token string, isAdmin bool) (Download, error) {
	if !isAdmin {
		if token == "" {
			return Download{}, dErrors.New(dErrors.CodeUnauthorized, "download token is required")
		}
		if s.signer == nil {
			return Download{}, dErrors.New(dErrors.CodeUnauthorized, "download links are disabled")
		}
		if err := s.signer.Validate(token, id); err != nil {
			return Download{}, err
		}
	}
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Download{}, translate(err, "export job not found")
	}
	if job.Status != models.StatusCompleted {
		return Download{}, dErrors.Newf(dErrors.CodeConflict, "export job is %s", job.Status)
	}
	rc, size, err := s.artifacts.Open(job.OutputRef)
	if err != nil {
		return Download{}, translate(err, "export artifact not found")
	}
	return Download{Job: job, Content: rc, Size: size}, nil
}

// ReadArtifact loads a completed job's artifact into memory.
func (s *Service) ReadArtifact(job models.Job) ([]byte, error) {
	rc, _, err := s.artifacts.Open(job.OutputRef)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func translate(err error, notFound string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, notFound)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "export storage failure")
}

// jobSource binds a filter to the event store and optionally decrypts.
type jobSource struct {
	events EventSource
	filter activity.Filter
	codec  Decrypter
}

func (j jobSource) Stream(ctx context.Context, batchSize int, fn func([]activity.Event) error) error {
	if j.codec == nil {
		return j.events.Stream(ctx, j.filter, batchSize, fn)
	}
	return j.events.Stream(ctx, j.filter, batchSize, func(batch []activity.Event) error {
		opened := make([]activity.Event, len(batch))
		for i, e := range batch {
			e.Context = j.codec.DecryptContext(e.Context)
			opened[i] = e
		}
		return fn(opened)
	})
}

func (j jobSource) Count(ctx context.Context) (int64, error) {
	return j.events.Count(ctx, j.filter)
}
