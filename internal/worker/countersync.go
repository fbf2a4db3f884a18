package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/tokenwindow"
)

const counterSyncInterval = 60 * time.Second

// CounterSyncWorker periodically reseeds the in-memory rolling token
// counters from the database, reconciling drift from restarts and records
// written by other instances.
type CounterSyncWorker struct {
	tracker *tokenwindow.Tracker
	store   storage.UsageReader
}

// NewCounterSyncWorker creates a CounterSyncWorker.
func NewCounterSyncWorker(tracker *tokenwindow.Tracker, store storage.UsageReader) *CounterSyncWorker {
	return &CounterSyncWorker{tracker: tracker, store: store}
}

// Name returns the worker identifier.
func (w *CounterSyncWorker) Name() string { return "counter_sync" }

// Run performs an initial sync, then resyncs periodically until ctx is
// cancelled.
func (w *CounterSyncWorker) Run(ctx context.Context) error {
	if err := w.sync(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "initial counter sync failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(counterSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.sync(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "counter sync failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// sync replaces the tracker contents with the database aggregates. The swap
// is not atomic: a request recorded between reset and reseed is undercounted
// until the next sync.
func (w *CounterSyncWorker) sync(ctx context.Context) error {
	sums, err := w.store.SumOutputTokensByMinute(ctx, w.tracker.WindowSize())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	w.tracker.ResetAll()
	for _, s := range sums {
		w.tracker.AddAt(s.Domain, s.AccountID, s.OutputTokens, s.Minute, now)
	}
	return nil
}
