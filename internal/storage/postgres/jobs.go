package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	palantir "github.com/eugener/palantir/internal"
)

// EnqueueJob ensures a pending job exists for the conversation branch.
// Completed and failed jobs are re-queued with a clean slate; pending and
// processing jobs are left untouched by the conflict guard.
func (s *Store) EnqueueJob(ctx context.Context, conversationID, branchID string) error {
	if branchID == "" {
		branchID = palantir.DefaultBranch
	}
	_, err := s.relay.Exec(ctx, `INSERT INTO analysis_jobs (conversation_id, branch_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, branch_id) DO UPDATE
		SET status = 'pending', attempts = 0, last_error = NULL,
		    processing_started_at = NULL, completed_at = NULL
		WHERE analysis_jobs.status IN ('completed', 'failed')`,
		conversationID, branchID)
	return err
}

// ClaimJob atomically moves the oldest pending job to processing and
// increments its attempts. FOR UPDATE SKIP LOCKED lets concurrent workers
// claim distinct jobs without blocking on each other. Returns (nil, nil)
// when the queue is empty.
func (s *Store) ClaimJob(ctx context.Context) (*palantir.AnalysisJob, error) {
	var j palantir.AnalysisJob
	err := s.analytics.QueryRow(ctx, `UPDATE analysis_jobs
		SET status = 'processing', attempts = attempts + 1, processing_started_at = now()
		WHERE id = (
			SELECT id FROM analysis_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, conversation_id, branch_id, status, attempts, last_error,
		          created_at, updated_at, processing_started_at, completed_at`,
	).Scan(&j.ID, &j.ConversationID, &j.BranchID, &j.Status, &j.Attempts, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt, &j.ProcessingStartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CompleteJob marks a processing job completed. A job the watchdog already
// reset is left alone.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	_, err := s.analytics.Exec(ctx, `UPDATE analysis_jobs
		SET status = 'completed', completed_at = now(), last_error = NULL
		WHERE id = $1 AND status = 'processing'`, id)
	return err
}

// RetryJob returns a processing job to pending, recording the error.
func (s *Store) RetryJob(ctx context.Context, id int64, lastError string) error {
	_, err := s.analytics.Exec(ctx, `UPDATE analysis_jobs
		SET status = 'pending', last_error = $2, processing_started_at = NULL
		WHERE id = $1`, id, lastError)
	return err
}

// FailJob terminally fails a job, recording the error.
func (s *Store) FailJob(ctx context.Context, id int64, lastError string) error {
	_, err := s.analytics.Exec(ctx, `UPDATE analysis_jobs
		SET status = 'failed', last_error = $2, completed_at = now()
		WHERE id = $1`, id, lastError)
	return err
}

// ResetStuckJobs handles jobs stuck in processing longer than stuckAfter:
// under the attempts cap they return to pending, at the cap they fail.
func (s *Store) ResetStuckJobs(ctx context.Context, stuckAfter time.Duration, reason string) (int64, error) {
	cutoff := time.Now().Add(-stuckAfter).UTC()
	tag, err := s.analytics.Exec(ctx, `UPDATE analysis_jobs
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
		    last_error = $3,
		    processing_started_at = NULL,
		    completed_at = CASE WHEN attempts >= $2 THEN now() ELSE NULL END
		WHERE status = 'processing' AND processing_started_at < $1`,
		cutoff, palantir.MaxJobAttempts, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
