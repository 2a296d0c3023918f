package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	activityservice "activitylog/internal/activity/service"
	activitystore "activitylog/internal/activity/store"
	"activitylog/internal/audit"
	"activitylog/internal/eventstream"
	"activitylog/internal/export"
	"activitylog/internal/export/artifacts"
	"activitylog/internal/export/download"
	exportmetrics "activitylog/internal/export/metrics"
	"activitylog/internal/export/render"
	exportstore "activitylog/internal/export/store"
	"activitylog/internal/fieldcrypt"
	"activitylog/internal/ingest"
	"activitylog/internal/ingest/keys"
	"activitylog/internal/monitoring"
	monitoringmetrics "activitylog/internal/monitoring/metrics"
	"activitylog/internal/platform/config"
	platformmetrics "activitylog/internal/platform/metrics"
	"activitylog/internal/platform/postgres"
	redisclient "activitylog/internal/platform/redis"
	"activitylog/internal/retention"
	"activitylog/internal/schedule"
	"activitylog/internal/schedule/mailer"
	schedulemetrics "activitylog/internal/schedule/metrics"
	schedulestore "activitylog/internal/schedule/store"
	"activitylog/pkg/platform/circuit"
)

// app holds every long-lived collaborator. Commands build one and use the
// parts they need.
type app struct {
	cfg    config.Server
	logger *slog.Logger

	db        *sql.DB
	redis     *redisclient.Client
	publisher *eventstream.Publisher

	codec     *fieldcrypt.Codec
	events    activitystore.Store
	activity  *activityservice.Service
	keyStore  keys.Store
	keys      *keys.Service
	ingest    *ingest.Service
	exports   *export.Service
	worker    *export.Worker
	reports   *schedule.Service
	runner    *schedule.Runner
	analyzer  *monitoring.Analyzer
	retention *retention.Service
	operators *audit.Publisher
}

// buildOptions selects the parts only the server needs: registered
// Prometheus collectors and the Kafka and Redis connections.
type buildOptions struct {
	metrics   bool
	streaming bool
}

func newApp(ctx context.Context, cfg config.Server, logger *slog.Logger, opts buildOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	ring, dev, err := fieldcrypt.ParseKeyring(cfg.Crypto.EncryptionKey, cfg.Crypto.KeyVersion, cfg.Crypto.RetiredKeys)
	if err != nil {
		return nil, fmt.Errorf("load encryption keys: %w", err)
	}
	if dev {
		logger.Warn("ACTIVITYLOG_ENCRYPTION_KEY is not set, using the development key")
	}
	a.codec = fieldcrypt.New(ring)

	a.db, err = postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	var (
		storeMetrics   *platformmetrics.Metrics
		exportMetrics  *exportmetrics.Metrics
		reportMetrics  *schedulemetrics.Metrics
		monitorMetrics *monitoringmetrics.Metrics
	)
	if opts.metrics {
		storeMetrics = platformmetrics.New()
		exportMetrics = exportmetrics.New()
		reportMetrics = schedulemetrics.New()
		monitorMetrics = monitoringmetrics.New()
	}

	var (
		jobs      exportstore.Store
		reports   schedulestore.Store
		directory monitoring.AccountDirectory
	)
	storeOpts := []activitystore.Option{activitystore.WithLogger(logger)}
	if storeMetrics != nil {
		storeOpts = append(storeOpts, activitystore.WithMetrics(storeMetrics))
	}
	if a.db != nil {
		a.events = activitystore.NewPostgres(a.db, a.codec, storeOpts...)
		a.keyStore = keys.NewPostgres(a.db, a.codec)
		jobs = exportstore.NewPostgres(a.db)
		reports = schedulestore.NewPostgres(a.db)
		directory = monitoring.NewPostgresDirectory(a.db)
	} else {
		logger.Warn("ACTIVITYLOG_DATABASE_URL is not set, using in-memory stores")
		a.events = activitystore.NewInMemory(a.codec, storeOpts...)
		a.keyStore = keys.NewInMemory()
		jobs = exportstore.NewInMemory()
		reports = schedulestore.NewInMemory()
		directory = monitoring.NewInMemoryDirectory()
	}

	a.activity = activityservice.New(a.events, a.codec, activityservice.WithLogger(logger))
	a.keys = keys.NewService(a.keyStore, keys.WithLogger(logger))
	a.retention = retention.New(a.events, cfg.Retention.Days, retention.WithLogger(logger))
	a.analyzer = monitoring.New(a.events, a.codec, directory,
		monitoring.WithLogger(logger),
		monitoring.WithMetrics(monitorMetrics),
	)

	ingestOpts := []ingest.Option{ingest.WithLogger(logger), ingest.WithMaxBatch(cfg.Ingest.MaxBatch)}
	if cfg.Audit.Enabled {
		auditOpts := []audit.Option{audit.WithLogger(logger), audit.WithBuffer(cfg.Audit.Buffer)}
		if opts.metrics {
			auditOpts = append(auditOpts, audit.WithMetrics(audit.NewMetrics()))
		}
		a.operators = audit.NewPublisher(a.events, cfg.Audit.Tenant, auditOpts...)
		ingestOpts = append(ingestOpts, ingest.WithReservedTenants(a.operators.Tenant()))
	}
	if opts.streaming {
		a.publisher, err = eventstream.Connect(ctx, cfg.Kafka,
			eventstream.WithLogger(logger),
			eventstream.WithBreaker(circuit.New("kafka-publisher")),
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		if a.publisher != nil {
			ingestOpts = append(ingestOpts, ingest.WithPublisher(a.publisher))
		}
		a.redis, err = redisclient.New(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.ingest = ingest.New(a.events, a.keyStore, ingestOpts...)

	store, err := artifacts.NewFS(cfg.Export.Dir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("export directory: %w", err)
	}
	signer := download.NewSigner(cfg.Export.SigningKey(cfg.AdminToken),
		download.WithTTL(cfg.Export.DownloadTTL),
		download.WithBaseURL(cfg.Export.PublicBaseURL),
	)
	pdf := render.NewPDF(render.WithExecPath(cfg.Export.ChromiumPath))
	if _, err := pdf.Locate(); err != nil {
		logger.Warn("no Chromium binary found, PDF exports will fail", "error", err)
	}

	a.reports = schedule.NewService(reports, schedule.WithServiceLogger(logger))
	a.exports = export.New(jobs, a.events, a.codec, store, render.NewSet(pdf), signer,
		export.WithLogger(logger),
		export.WithMetrics(exportMetrics),
		export.WithReportRecorder(a.reports),
	)
	a.worker = export.NewWorker(a.exports, jobs,
		export.WithWorkers(cfg.Export.Workers),
		export.WithStuckAfter(cfg.Export.StuckAfter),
		export.WithWorkerLogger(logger),
		export.WithWorkerMetrics(exportMetrics),
	)
	a.exports.SetQueue(a.worker)

	var m mailer.Mailer = mailer.NewLogMailer(logger)
	if cfg.SMTP.Host != "" {
		m = mailer.NewSMTP(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	} else {
		logger.Warn("ACTIVITYLOG_SMTP_HOST is not set, scheduled reports are logged instead of mailed")
	}
	a.runner = schedule.NewRunner(reports, a.exports, m,
		schedule.WithInterval(cfg.Scheduler.Interval),
		schedule.WithRunnerMetrics(reportMetrics),
		schedule.WithRunnerLogger(logger),
	)
	return a, nil
}

// requireDatabase is used by commands that only make sense against
// persistent storage.
func (a *app) requireDatabase() error {
	if a.db == nil {
		return errors.New("ACTIVITYLOG_DATABASE_URL (or --database-url) is required for this command")
	}
	return nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close postgres", "error", err)
		}
	}
}
