// Package writer is the async persistence path: finished relays are queued
// off the response path and written to storage by a small worker pool.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/tokenwindow"
)

const (
	defaultQueueSize = 1024
	defaultDrainTime = 30 * time.Second
	workers          = 4

	// Retry schedule for failed inserts: 250ms, 500ms, 1s, 2s (jittered).
	insertRetries = 4
	retryBase     = 250 * time.Millisecond
	retryJitter   = 50 * time.Millisecond
)

// Store is the persistence interface consumed by the Writer.
type Store interface {
	InsertRequest(ctx context.Context, r *palantir.APIRequest) error
	InsertChunks(ctx context.Context, chunks []palantir.StreamingChunk) error
	EnqueueJob(ctx context.Context, conversationID, branchID string) error
}

// Record is one finished relay: the request row plus, for streams, its raw
// frames in relay order.
type Record struct {
	Request *palantir.APIRequest
	Chunks  []palantir.StreamingChunk
}

// Writer owns the bounded persistence queue. Enqueue never blocks the
// response path: on overflow the oldest queued record is shed so fresh
// results win. Token counters are updated synchronously on Enqueue so pool
// selection sees usage even when the database lags or is disabled.
type Writer struct {
	ch      chan Record
	store   Store
	usage   *tokenwindow.Tracker
	metrics *telemetry.Metrics
	drain   time.Duration
}

// New creates a Writer. A nil store (storage disabled) reduces the writer to
// pure in-memory token accounting.
func New(store Store, usage *tokenwindow.Tracker, metrics *telemetry.Metrics, queueSize int, drainTimeout time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTime
	}
	return &Writer{
		ch:      make(chan Record, queueSize),
		store:   store,
		usage:   usage,
		metrics: metrics,
		drain:   drainTimeout,
	}
}

// Name returns the worker identifier.
func (w *Writer) Name() string { return "writer" }

// Enqueue records token usage and queues rec for persistence. It never
// blocks; a full queue sheds its oldest record with a warning.
func (w *Writer) Enqueue(rec Record) {
	r := rec.Request
	if r.OutputTokens > 0 {
		w.usage.Add(r.Domain, r.AccountID, r.OutputTokens)
	}
	w.countTokens(r)

	if w.store == nil {
		return
	}
	for {
		select {
		case w.ch <- rec:
			w.metrics.WriterQueueDepth.Set(float64(len(w.ch)))
			return
		default:
		}
		select {
		case old := <-w.ch:
			w.metrics.WriterDrops.Inc()
			slog.Warn("writer queue full, dropped oldest record",
				slog.String("request_id", old.Request.RequestID),
				slog.String("domain", old.Request.Domain))
		default:
		}
	}
}

func (w *Writer) countTokens(r *palantir.APIRequest) {
	for kind, n := range map[string]int64{
		"input":          r.InputTokens,
		"output":         r.OutputTokens,
		"cache_creation": r.CacheCreationInputTokens,
		"cache_read":     r.CacheReadInputTokens,
	} {
		if n > 0 {
			w.metrics.TokensProcessed.WithLabelValues(r.Domain, r.AccountID, kind).Add(float64(n))
		}
	}
}

// Run consumes the queue until ctx is cancelled, then drains what remains
// within the drain timeout.
func (w *Writer) Run(ctx context.Context) error {
	if w.store == nil {
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Writer) loop(ctx context.Context) {
	for {
		select {
		case rec := <-w.ch:
			w.metrics.WriterQueueDepth.Set(float64(len(w.ch)))
			w.persist(ctx, rec)
		case <-ctx.Done():
			w.drainRemaining(ctx)
			return
		}
	}
}

// drainRemaining flushes queued records best-effort within the drain budget.
func (w *Writer) drainRemaining(ctx context.Context) {
	deadline := time.Now().Add(w.drain)
	for time.Now().Before(deadline) {
		select {
		case rec := <-w.ch:
			w.persist(ctx, rec)
		default:
			return
		}
	}
	if n := len(w.ch); n > 0 {
		slog.Warn("writer drain deadline hit", slog.Int("remaining", n))
	}
}

// persist writes one record, retrying transient failures. The row insert
// runs on a detached context so an in-flight write survives shutdown
// cancellation; the drain timeout still bounds it.
func (w *Writer) persist(ctx context.Context, rec Record) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.drain)
	defer cancel()

	backoff := retry.WithMaxRetries(insertRetries,
		retry.WithJitter(retryJitter, retry.NewExponential(retryBase)))

	err := retry.Do(pctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(w.store.InsertRequest(ctx, rec.Request))
	})
	if err != nil {
		w.metrics.WriterErrors.Inc()
		slog.LogAttrs(pctx, slog.LevelError, "request persist failed",
			slog.String("request_id", rec.Request.RequestID),
			slog.String("domain", rec.Request.Domain),
			slog.String("error", err.Error()),
		)
		return
	}

	if len(rec.Chunks) > 0 {
		err := retry.Do(pctx, backoff, func(ctx context.Context) error {
			return retry.RetryableError(w.store.InsertChunks(ctx, rec.Chunks))
		})
		if err != nil {
			w.metrics.WriterErrors.Inc()
			slog.LogAttrs(pctx, slog.LevelWarn, "chunk persist failed",
				slog.String("request_id", rec.Request.RequestID),
				slog.Int("chunks", len(rec.Chunks)),
				slog.String("error", err.Error()),
			)
		}
	}

	// A persisted inference turn that belongs to a conversation is analysis
	// work.
	if rec.Request.RequestType == palantir.RequestInference && rec.Request.ConversationID != "" {
		if err := w.store.EnqueueJob(pctx, rec.Request.ConversationID, rec.Request.BranchID); err != nil {
			slog.Warn("analysis enqueue failed",
				slog.String("conversation_id", rec.Request.ConversationID),
				slog.String("error", err.Error()))
		}
	}
}
