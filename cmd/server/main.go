package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"activitylog/internal/ingest/keys"
	"activitylog/internal/platform/config"
	"activitylog/internal/platform/logger"
	"activitylog/migrations"
)

// main wires configuration into the command tree. Business logic lives in
// the internal service packages.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "activitylog",
		Usage: "tamper-evident activity log service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address (overrides ACTIVITYLOG_ADDR)",
			},
			&cli.StringFlag{
				Name:  "database-url",
				Usage: "Postgres URL (overrides ACTIVITYLOG_DATABASE_URL)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides ACTIVITYLOG_LOG_LEVEL)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API, export workers and report scheduler",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, buildOptions{metrics: true, streaming: true}, func(a *app) error {
						return serve(ctx, a)
					})
				},
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "status", Usage: "print migration status instead of migrating"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, buildOptions{}, func(a *app) error {
						if err := a.requireDatabase(); err != nil {
							return err
						}
						if c.Bool("status") {
							return migrations.Status(ctx, a.db)
						}
						if err := migrations.Up(ctx, a.db); err != nil {
							return err
						}
						a.logger.InfoContext(ctx, "migrations applied")
						return nil
					})
				},
			},
			{
				Name:  "verify",
				Usage: "walk the hash chain of one tenant, or of every tenant",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tenant", Usage: "tenant id; all tenants when empty"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, buildOptions{}, func(a *app) error {
						if err := a.requireDatabase(); err != nil {
							return err
						}
						return verify(ctx, a, c.String("tenant"), out)
					})
				},
			},
			{
				Name:  "retention-report",
				Usage: "count events older than the retention period, per tenant",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Usage: "retention period in days (defaults to ACTIVITYLOG_RETENTION_DAYS)"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, buildOptions{}, func(a *app) error {
						if err := a.requireDatabase(); err != nil {
							return err
						}
						report, err := a.retention.Report(ctx, int(c.Int("days")))
						if err != nil {
							return err
						}
						return printJSON(out, report)
					})
				},
			},
			{
				Name:  "create-key",
				Usage: "create an ingestion key and print its secret once",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "key name", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, buildOptions{}, func(a *app) error {
						if err := a.requireDatabase(); err != nil {
							return err
						}
						issued, err := a.keys.Create(ctx, keys.CreateRequest{Name: c.String("name")}, "cli")
						if err != nil {
							return err
						}
						return printJSON(out, issued)
					})
				},
			},
		},
	}
}

// loadConfig reads the environment and applies global flag overrides.
func loadConfig(c *cli.Command) config.Server {
	cfg := config.FromEnv()
	if v := c.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := c.String("database-url"); v != "" {
		cfg.Database.URL = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func withApp(ctx context.Context, c *cli.Command, opts buildOptions, fn func(*app) error) error {
	cfg := loadConfig(c)
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	a, err := newApp(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

var errChainBroken = errors.New("hash chain verification failed")

func verify(ctx context.Context, a *app, tenant string, out io.Writer) error {
	if tenant != "" {
		res, err := a.activity.Verify(ctx, tenant)
		if err != nil {
			return err
		}
		if err := printJSON(out, res); err != nil {
			return err
		}
		if !res.OK {
			return errChainBroken
		}
		return nil
	}

	results, err := a.activity.VerifyAll(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(out, results); err != nil {
		return err
	}
	for _, res := range results {
		if !res.OK {
			return errChainBroken
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
