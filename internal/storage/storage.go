// Package storage defines persistence interfaces for the proxy and the
// analysis worker.
package storage

import (
	"context"
	"time"

	palantir "github.com/eugener/palantir/internal"
)

// RequestStore persists relay records.
type RequestStore interface {
	// InsertRequest writes one api_requests row. Conflicts on request_id
	// are silently ignored: re-running persistence is idempotent.
	InsertRequest(ctx context.Context, r *palantir.APIRequest) error
	// InsertChunks batch-inserts streaming chunks, ignoring duplicates on
	// (request_id, chunk_index).
	InsertChunks(ctx context.Context, chunks []palantir.StreamingChunk) error
}

// LinkStore is the read side of conversation linking.
type LinkStore interface {
	// RequestsByCurrentHash returns prior rows in the domain whose
	// current_message_hash equals hash, most recent first. One match is
	// the parent node; several mean the node was already continued from
	// and the new request forks a branch.
	RequestsByCurrentHash(ctx context.Context, domain, hash string) ([]palantir.LinkCandidate, error)
	// LatestTaskMatch returns the most recent row in the domain whose
	// task_tool_invocation contains a Task tool use with exactly the given
	// prompt, not older than since.
	LatestTaskMatch(ctx context.Context, domain, prompt string, since time.Time) (*palantir.TaskMatch, error)
}

// JobStore manages the analysis job queue.
type JobStore interface {
	// EnqueueJob ensures a pending job exists for the conversation branch.
	// Completed or failed jobs are re-queued; pending and processing jobs
	// are left untouched.
	EnqueueJob(ctx context.Context, conversationID, branchID string) error
	// ClaimJob atomically moves the oldest pending job to processing and
	// increments its attempts. Returns (nil, nil) when the queue is empty.
	ClaimJob(ctx context.Context) (*palantir.AnalysisJob, error)
	// CompleteJob marks a processing job completed.
	CompleteJob(ctx context.Context, id int64) error
	// RetryJob returns a processing job to pending, recording the error.
	RetryJob(ctx context.Context, id int64, lastError string) error
	// FailJob terminally fails a job, recording the error.
	FailJob(ctx context.Context, id int64, lastError string) error
	// ResetStuckJobs handles jobs stuck in processing longer than
	// stuckAfter: under the attempts cap they return to pending, at the
	// cap they fail. Both record reason. Returns rows touched.
	ResetStuckJobs(ctx context.Context, stuckAfter time.Duration, reason string) (int64, error)
}

// AnalysisStore persists analysis results and feeds the prompt builder.
type AnalysisStore interface {
	// UpsertAnalysis inserts or overwrites the analysis for a conversation
	// branch.
	UpsertAnalysis(ctx context.Context, a *palantir.ConversationAnalysis) error
	// GetAnalysis returns the stored analysis, or ErrNotFound.
	GetAnalysis(ctx context.Context, conversationID, branchID string) (*palantir.ConversationAnalysis, error)
	// ListConversationRequests returns the branch's requests ascending by
	// timestamp, capped at limit.
	ListConversationRequests(ctx context.Context, conversationID, branchID string, limit int) ([]palantir.APIRequest, error)
}

// MinuteSum is one account's output-token consumption in one minute.
type MinuteSum struct {
	Domain       string
	AccountID    string
	Minute       time.Time
	OutputTokens int64
}

// UsageReader seeds and re-syncs the in-memory rolling counters.
type UsageReader interface {
	// SumOutputTokensByMinute aggregates output tokens per
	// (domain, account, minute) over the trailing window.
	SumOutputTokensByMinute(ctx context.Context, window time.Duration) ([]MinuteSum, error)
}

// Store combines all storage interfaces.
type Store interface {
	RequestStore
	LinkStore
	JobStore
	AnalysisStore
	UsageReader
	Ping(ctx context.Context) error
	Close()
}
