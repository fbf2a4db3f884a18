package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/palantir/internal/analysis"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/conversation"
	"github.com/eugener/palantir/internal/credential"
	"github.com/eugener/palantir/internal/notify"
	"github.com/eugener/palantir/internal/pool"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/storage/postgres"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/tokenwindow"
	"github.com/eugener/palantir/internal/upstream"
	"github.com/eugener/palantir/internal/worker"
	"github.com/eugener/palantir/internal/writer"
)

// dnsRefreshInterval is how often cached DNS entries are re-resolved.
const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	telemetry.SetupLogging(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("trace exporter shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	// Open storage. With STORAGE_ENABLED=false the proxy relays without a
	// database: no persistence, no conversation lineage lookups.
	var store *postgres.Store
	if cfg.Database.Enabled {
		store, err = postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.AnalyticsMaxConns)
		if err != nil {
			return err
		}
		defer store.Close()
	} else {
		slog.Warn("storage disabled, requests will not be persisted")
	}

	creds, err := credential.NewManager(cfg.Credentials.Dir)
	if err != nil {
		return err
	}

	usage := tokenwindow.NewTracker(cfg.Pool.Window)
	selector, err := pool.NewSelector(usage, cfg.Pool.OutputTokenBudget)
	if err != nil {
		return err
	}

	notifier, err := notify.New(cfg.Notify.WebhookURL, cfg.Notify.Timeout, cfg.Notify.DedupSize)
	if err != nil {
		return err
	}

	resolver := &dnscache.Resolver{}
	forwarder := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, resolver, metrics)

	var lookup conversation.Lookup
	if store != nil {
		lookup = store
	}
	linker := conversation.New(lookup)

	// Background workers. The writer and counter sync only exist when
	// storage does; the credential watcher and DNS refresh always run.
	workers := []worker.Worker{
		credWatcher{creds},
		dnsRefresher{resolver},
	}

	// With storage disabled the writer still runs: it keeps the in-memory
	// token counters current so quota probes and pool selection work.
	var ws writer.Store
	if store != nil {
		ws = store
	}
	wr := writer.New(ws, usage, metrics, cfg.Writer.QueueSize, cfg.Writer.DrainTimeout)
	workers = append(workers, wr)
	if store != nil {
		workers = append(workers, worker.NewCounterSyncWorker(usage, store))
	}

	// AI_WORKER_ENABLED embeds the analysis loop in the proxy process.
	// Dedicated deployments run cmd/palantir-worker instead; both can
	// coexist because job claims are atomic.
	if cfg.Analysis.Enabled && store != nil {
		client := analysis.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, cfg.Analysis.Model)
		workers = append(workers,
			analysis.NewWorker(store, client, cfg.Analysis, metrics),
			analysis.NewWatchdog(store, cfg.Analysis.JobTimeout, metrics),
		)
	}

	deps := server.Deps{
		Auth:         auth.NewClientAuth(creds, cfg.Server.ClientAuth),
		Creds:        creds,
		Linker:       linker,
		Pool:         selector,
		Upstream:     forwarder,
		Writer:       wr,
		Notify:       notifier,
		Usage:        usage,
		Metrics:      metrics,
		DashboardKey: cfg.Server.DashboardAPIKey,
	}
	if store != nil {
		deps.ReadyCheck = store.Ping
	}
	if cfg.Telemetry.Metrics.Enabled {
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(deps),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	runner := worker.NewRunner(workers...)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("palantir ready", "addr", cfg.Server.Addr, "storage", store != nil)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serverErr:
		stop()
		<-workerErr
		return err
	case err := <-workerErr:
		if err != nil {
			return err
		}
	}

	// Drain in-flight requests first, then let the workers flush. The
	// writer holds its own drain budget, so the runner is awaited without
	// an extra deadline here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown incomplete", "error", err)
	}
	stop()
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("palantir stopped")
	return nil
}

// credWatcher runs the credential directory watcher as a worker.
type credWatcher struct{ m *credential.Manager }

func (w credWatcher) Name() string                  { return "credential_watcher" }
func (w credWatcher) Run(ctx context.Context) error { return w.m.Watch(ctx) }

// dnsRefresher re-resolves cached upstream DNS entries on a fixed cadence.
type dnsRefresher struct{ r *dnscache.Resolver }

func (w dnsRefresher) Name() string { return "dns_refresher" }

func (w dnsRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(dnsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.r.Refresh(true)
		}
	}
}
