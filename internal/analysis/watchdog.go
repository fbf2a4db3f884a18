package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/telemetry"
)

const (
	watchdogInterval = 60 * time.Second

	// watchdogReason is recorded verbatim in the job's last_error.
	watchdogReason = "Job timed out. Reset by watchdog."
)

// Watchdog returns jobs stuck in processing to the queue, covering workers
// that crashed or were shut down mid-flight.
type Watchdog struct {
	store      storage.JobStore
	metrics    *telemetry.Metrics
	stuckAfter time.Duration
}

// NewWatchdog creates a Watchdog. stuckAfter <= 0 defaults to 5 minutes.
func NewWatchdog(store storage.JobStore, stuckAfter time.Duration, m *telemetry.Metrics) *Watchdog {
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &Watchdog{store: store, metrics: m, stuckAfter: stuckAfter}
}

// Name returns the worker identifier.
func (w *Watchdog) Name() string { return "analysis_watchdog" }

// Run resets stuck jobs on a fixed schedule until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	n, err := w.store.ResetStuckJobs(ctx, w.stuckAfter, watchdogReason)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "watchdog sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		w.metrics.WatchdogResets.Add(float64(n))
		slog.Warn("stuck analysis jobs reset", "count", n)
	}
}
