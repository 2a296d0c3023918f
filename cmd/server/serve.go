package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	activityhandler "activitylog/internal/activity/handler"
	"activitylog/internal/audit"
	exporthandler "activitylog/internal/export/handler"
	ingesthandler "activitylog/internal/ingest/handler"
	monitoringhandler "activitylog/internal/monitoring/handler"
	"activitylog/internal/platform/httpserver"
	ratelimitmetrics "activitylog/internal/ratelimit/metrics"
	ratelimit "activitylog/internal/ratelimit/middleware"
	ratelimitmodels "activitylog/internal/ratelimit/models"
	"activitylog/internal/ratelimit/store/bucket"
	"activitylog/internal/retention"
	schedulehandler "activitylog/internal/schedule/handler"
	httptransport "activitylog/internal/transport/http"
	"activitylog/pkg/platform/middleware/accesslog"
	"activitylog/pkg/platform/middleware/metadata"
)

const shutdownTimeout = 10 * time.Second

// serve runs the HTTP server, the export worker pool, the operator audit
// publisher and the report scheduler until ctx is cancelled, then drains
// them.
func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	var primary ratelimit.BucketStore
	if a.redis != nil {
		primary = bucket.NewRedis(a.redis.Client)
	} else {
		logger.Warn("ACTIVITYLOG_REDIS_URL is not set, ingestion rate limits are per process")
	}
	limiter := ratelimit.New(primary, ratelimitmodels.PerMinute(cfg.Ingest.RateLimitPerMinute), logger,
		ratelimit.WithMetrics(ratelimitmetrics.New()),
	)

	trusted, err := metadata.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("ACTIVITYLOG_TRUSTED_PROXIES: %w", err)
	}

	health := map[string]httptransport.HealthCheck{}
	if a.db != nil {
		health["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		health["redis"] = a.redis.Health
	}

	exports := exporthandler.New(a.exports, logger)
	var adminAudit func(http.Handler) http.Handler
	if a.operators != nil {
		adminAudit = audit.Middleware(a.operators)
	}
	router := httptransport.NewRouter(httptransport.Deps{
		Logger:         logger,
		AdminToken:     cfg.AdminToken,
		TrustedProxies: trusted,
		Latency:        accesslog.NewLatency(),
		Ingest: ingesthandler.New(a.ingest, logger,
			ingesthandler.WithKeyLimits(limiter.LimitByIngestionKey()),
		),
		IngestLimits: []func(http.Handler) http.Handler{limiter.LimitByIP()},
		Admin: []httptransport.Routes{
			activityhandler.New(a.activity, logger),
			ingesthandler.NewKeys(a.keys, logger),
			httptransport.RouteFunc(exports.RegisterAdmin),
			schedulehandler.New(a.reports, logger),
			monitoringhandler.New(a.analyzer, logger),
			retention.NewHandler(a.retention),
		},
		AdminAudit: adminAudit,
		Download:   httptransport.RouteFunc(exports.RegisterDownload),
		Metrics:    promhttp.Handler(),
		Health:     health,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting activity log server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCancel(a.worker.Run(gctx))
	})
	if a.operators != nil {
		g.Go(func() error {
			return ignoreCancel(a.operators.Run(gctx))
		})
	}
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			return ignoreCancel(a.runner.Run(gctx))
		})
	} else {
		logger.Info("report scheduler disabled")
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
