package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eugener/palantir/internal/analysis"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/storage/postgres"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	telemetry.SetupLogging(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	slog.Info("starting palantir-worker",
		"version", version,
		"model", cfg.Analysis.Model,
		"poll_interval", cfg.Analysis.PollInterval,
		"max_concurrent_jobs", cfg.Analysis.MaxConcurrentJobs,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.AnalyticsMaxConns)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	client := analysis.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, cfg.Analysis.Model)

	runner := worker.NewRunner(
		analysis.NewWorker(store, client, cfg.Analysis, metrics),
		analysis.NewWatchdog(store, cfg.Analysis.JobTimeout, metrics),
	)
	if err := runner.Run(ctx); err != nil {
		return err
	}

	slog.Info("palantir-worker stopped")
	return nil
}
