package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/export"
	exportmodels "activitylog/internal/export/models"
	"activitylog/internal/schedule/mailer"
	"activitylog/internal/schedule/metrics"
	"activitylog/internal/schedule/models"
	"activitylog/internal/schedule/store"
	"activitylog/pkg/email"
)

// Exporter creates and synchronously runs export jobs for due reports.
type Exporter interface {
	CreateForRun(ctx context.Context, req exportmodels.Request, requestedBy string) (exportmodels.Job, error)
	Execute(ctx context.Context, id uuid.UUID, opts ...export.ExecOption) (exportmodels.Job, error)
	ReadArtifact(job exportmodels.Job) ([]byte, error)
}

// RequestedBy is recorded on jobs the runner creates.
const RequestedBy = "scheduler"

// misconfiguredBackoff delays a report whose schedule can no longer be
// computed so it does not come due on every tick.
const misconfiguredBackoff = 24 * time.Hour

// Runner processes due reports on a fixed interval.
//
// Every processed report gets a new next_run whatever happens; last_run only
// moves after the mail was accepted by the relay.
type Runner struct {
	reports  store.Store
	exporter Exporter
	mailer   mailer.Mailer
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type RunnerOption func(*Runner)

func WithInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(reports store.Store, exporter Exporter, m mailer.Mailer, opts ...RunnerOption) *Runner {
	r := &Runner{
		reports:  reports,
		exporter: exporter,
		mailer:   m,
		interval: time.Minute,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled. The first tick happens immediately.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick processes every report due at the current time and returns how many
// it handled.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	now := r.now().UTC()
	due, err := r.reports.Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load due reports: %w", err)
	}
	for _, rep := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		r.process(ctx, rep, now)
	}
	return len(due), nil
}

func (r *Runner) process(ctx context.Context, rep models.Report, now time.Time) {
	lag := now.Sub(rep.NextRun).Seconds()
	log := r.logger.With("report_id", rep.ID, "report", rep.Name)

	next, err := models.NextRun(rep.Schedule(), now)
	if err != nil {
		log.ErrorContext(ctx, "scheduled report has an invalid schedule", "error", err)
		r.reschedule(ctx, rep.ID, now.Add(misconfiguredBackoff), nil)
		r.metrics.ObserveRun(metrics.OutcomeMisconfigured, lag)
		return
	}

	if err := email.ValidateAll(rep.Recipients); err != nil {
		log.WarnContext(ctx, "scheduled report skipped, invalid recipients", "error", err)
		r.reschedule(ctx, rep.ID, next, nil)
		r.metrics.ObserveRun(metrics.OutcomeInvalidRecipients, lag)
		return
	}

	job, data, err := r.export(ctx, rep, now)
	if err != nil {
		log.ErrorContext(ctx, "scheduled report export failed", "error", err)
		r.reschedule(ctx, rep.ID, next, nil)
		r.metrics.ObserveRun(metrics.OutcomeExportFailed, lag)
		return
	}
	if job.RowCount == 0 || len(data) == 0 {
		log.InfoContext(ctx, "scheduled report had no events, nothing sent", "job_id", job.ID)
		r.reschedule(ctx, rep.ID, next, nil)
		r.metrics.ObserveRun(metrics.OutcomeEmpty, lag)
		return
	}

	if err := r.mailer.Send(ctx, r.message(rep, job, data, now)); err != nil {
		log.ErrorContext(ctx, "scheduled report mail failed", "job_id", job.ID, "error", err)
		r.reschedule(ctx, rep.ID, next, nil)
		r.metrics.ObserveRun(metrics.OutcomeSendFailed, lag)
		return
	}

	r.reschedule(ctx, rep.ID, next, &now)
	r.metrics.ObserveRun(metrics.OutcomeSent, lag)
	log.InfoContext(ctx, "scheduled report sent",
		"job_id", job.ID,
		"rows", job.RowCount,
		"recipients", len(rep.Recipients),
		"next_run", next,
	)
}

func (r *Runner) export(ctx context.Context, rep models.Report, now time.Time) (exportmodels.Job, []byte, error) {
	filter := rep.Filter
	if filter.From == nil && filter.To == nil {
		from, to := rep.Schedule().Period(now)
		filter.From, filter.To = &from, &to
	}
	reportID := rep.ID
	job, err := r.exporter.CreateForRun(ctx, exportmodels.Request{
		Format:            rep.Format,
		Filter:            filter,
		ScheduledReportID: &reportID,
	}, RequestedBy)
	if err != nil {
		return exportmodels.Job{}, nil, fmt.Errorf("create export job: %w", err)
	}
	done, err := r.exporter.Execute(ctx, job.ID, export.DeferReportStamp())
	if err != nil {
		return exportmodels.Job{}, nil, fmt.Errorf("execute export job %s: %w", job.ID, err)
	}
	if done.Status != exportmodels.StatusCompleted {
		return exportmodels.Job{}, nil, fmt.Errorf("export job %s %s: %s", done.ID, done.Status, done.Error)
	}
	data, err := r.exporter.ReadArtifact(done)
	if err != nil {
		return exportmodels.Job{}, nil, fmt.Errorf("read export artifact: %w", err)
	}
	return done, data, nil
}

func (r *Runner) message(rep models.Report, job exportmodels.Job, data []byte, now time.Time) mailer.Message {
	period := rep.Schedule().DescribePeriod(now)
	body := fmt.Sprintf("%s\n\nReport: %s\nEvents: %d\nFormat: %s\n",
		period, rep.Name, job.RowCount, job.Format)
	return mailer.Message{
		To:      rep.Recipients,
		Subject: fmt.Sprintf("[Activity log] %s", rep.Name),
		Body:    body,
		Attachments: []mailer.Attachment{{
			Filename:    fmt.Sprintf("activity-%s.%s", now.Format("20060102-1504"), job.Format.Extension()),
			ContentType: job.Format.ContentType(),
			Data:        data,
		}},
	}
}

func (r *Runner) reschedule(ctx context.Context, id uuid.UUID, next time.Time, lastRun *time.Time) {
	if err := r.reports.Reschedule(context.WithoutCancel(ctx), id, next, lastRun); err != nil {
		r.logger.ErrorContext(ctx, "failed to reschedule report",
			"report_id", id,
			"next_run", next,
			"error", err,
		)
	}
}
