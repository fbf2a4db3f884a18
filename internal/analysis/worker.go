// Package analysis implements the background conversation analysis worker:
// claim pending jobs, build a budgeted prompt from the stored conversation,
// call the analysis model, and persist the structured result.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/tokencount"
)

// drainTimeout is how long a shutting-down worker waits for in-flight jobs
// before abandoning them to the watchdog.
const drainTimeout = 30 * time.Second

// Store is the persistence surface the worker consumes.
type Store interface {
	storage.JobStore
	storage.AnalysisStore
}

// Worker drains the analysis job queue.
type Worker struct {
	store   Store
	client  *Client
	metrics *telemetry.Metrics

	pollInterval time.Duration
	maxRetries   int
	headMsgs     int
	tailMsgs     int
	budget       int

	sem *semaphore.Weighted
	rpm *ratelimit.Bucket
	wg  sync.WaitGroup
}

// NewWorker creates a Worker from cfg.
func NewWorker(store Store, client *Client, cfg config.AnalysisConfig, m *telemetry.Metrics) *Worker {
	jobs := cfg.MaxConcurrentJobs
	if jobs <= 0 {
		jobs = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = palantir.MaxJobAttempts
	}
	budget := tokencount.Budget(cfg.MaxContextTokens, cfg.SafetyMargin)
	if budget <= 0 {
		budget = tokencount.Budget(config.DefaultMaxContextTokens, config.DefaultSafetyMargin)
	}
	return &Worker{
		store:        store,
		client:       client,
		metrics:      m,
		pollInterval: poll,
		maxRetries:   maxRetries,
		headMsgs:     cfg.HeadMessages,
		tailMsgs:     cfg.TailMessages,
		budget:       budget,
		sem:          semaphore.NewWeighted(int64(jobs)),
		rpm:          ratelimit.PerMinute(cfg.RPM),
	}
}

// Name returns the worker identifier.
func (w *Worker) Name() string { return "analysis" }

// Run polls the queue until ctx is cancelled, draining all pending jobs each
// cycle. On shutdown it stops claiming and waits up to the drain timeout for
// in-flight jobs; anything still running after that is abandoned for the
// watchdog to reclaim.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// In-flight jobs outlive ctx so a shutdown drains instead of aborting.
	jobCtx := context.WithoutCancel(ctx)

	w.drainQueue(ctx, jobCtx)
	for {
		select {
		case <-ctx.Done():
			w.awaitInflight()
			return nil
		case <-ticker.C:
			w.drainQueue(ctx, jobCtx)
		}
	}
}

// drainQueue claims jobs until the queue is empty or ctx is cancelled. The
// semaphore is taken before the claim so at most MaxConcurrentJobs rows sit
// in processing per instance.
func (w *Worker) drainQueue(ctx, jobCtx context.Context) {
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		job, err := w.store.ClaimJob(ctx)
		if err != nil {
			w.sem.Release(1)
			slog.LogAttrs(ctx, slog.LevelError, "job claim failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if job == nil {
			w.sem.Release(1)
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(jobCtx, job)
		}()
	}
}

// awaitInflight blocks until running jobs finish or the drain timeout
// expires.
func (w *Worker) awaitInflight() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("analysis jobs abandoned at shutdown, watchdog will reclaim them")
	}
}

// process runs one claimed job and records its outcome.
func (w *Worker) process(ctx context.Context, job *palantir.AnalysisJob) {
	start := time.Now()
	err := w.analyze(ctx, job)
	if err == nil {
		w.metrics.AnalysisJobs.WithLabelValues("completed").Inc()
		slog.Info("analysis job completed",
			"job_id", job.ID,
			"conversation_id", job.ConversationID,
			"branch_id", job.BranchID,
			"attempt", job.Attempts,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	// The claim already bumped attempts; at the cap the job fails for good.
	if job.Attempts >= w.maxRetries {
		if ferr := w.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			slog.Error("job fail-mark failed", "job_id", job.ID, "error", ferr)
		}
		w.metrics.AnalysisJobs.WithLabelValues("failed").Inc()
		slog.Warn("analysis job failed permanently",
			"job_id", job.ID, "attempt", job.Attempts, "error", err)
		return
	}
	if rerr := w.store.RetryJob(ctx, job.ID, err.Error()); rerr != nil {
		slog.Error("job retry-mark failed", "job_id", job.ID, "error", rerr)
	}
	w.metrics.AnalysisJobs.WithLabelValues("retried").Inc()
	slog.Warn("analysis job will retry",
		"job_id", job.ID, "attempt", job.Attempts, "error", err)
}

// analyze runs one claimed job end to end.
func (w *Worker) analyze(ctx context.Context, job *palantir.AnalysisJob) error {
	reqs, err := w.store.ListConversationRequests(ctx, job.ConversationID, job.BranchID, maxConversationRequests)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	msgs := transcript(reqs)
	if len(msgs) == 0 {
		return errors.New("conversation has no analyzable messages")
	}
	prompt := renderPrompt(truncate(msgs, w.headMsgs, w.tailMsgs, w.budget))

	if err := w.rpm.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	a, usage, err := w.client.Analyze(ctx, prompt)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	rec := &palantir.ConversationAnalysis{
		ConversationID: job.ConversationID,
		BranchID:       job.BranchID,
		AnalysisJSON:   raw,
		Model:          w.client.model,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
	}
	if err := w.store.UpsertAnalysis(ctx, rec); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}
