// Package palantir defines domain types and interfaces for the palantir
// recording proxy. This package has no project imports -- it is the dependency root.
package palantir

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// --- Request classification ---

// RequestType classifies a proxied call by the shape of its request body.
type RequestType string

const (
	// RequestQuota is a short-circuited usage probe ("quota" message).
	RequestQuota RequestType = "quota"
	// RequestQueryEvaluation is a lightweight call (fewer than two system messages).
	RequestQueryEvaluation RequestType = "query_evaluation"
	// RequestInference is a full agent turn (two or more system messages).
	RequestInference RequestType = "inference"
)

// DefaultBranch is the branch ID assigned to unforked conversations.
const DefaultBranch = "main"

// --- Persisted records ---

// APIRequest is the persisted record of one proxied call, keyed by RequestID.
type APIRequest struct {
	RequestID string `json:"request_id"`

	// Conversation linkage. Hashes are hex SHA-256 over canonical JSON
	// projections of the request body; nil when the projection is absent.
	ConversationID      string  `json:"conversation_id"`
	BranchID            string  `json:"branch_id"`
	ParentRequestID     *string `json:"parent_request_id,omitempty"`
	SystemHash          *string `json:"system_hash,omitempty"`
	CurrentMessageHash  *string `json:"current_message_hash,omitempty"`
	ParentMessageHash   *string `json:"parent_message_hash,omitempty"`
	IsSubtask           bool    `json:"is_subtask"`
	ParentTaskRequestID *string `json:"parent_task_request_id,omitempty"`

	// Tenancy.
	Domain      string `json:"domain"`
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name,omitempty"`

	// Request side.
	Timestamp    time.Time       `json:"timestamp"` // UTC
	Method       string          `json:"method"`
	Endpoint     string          `json:"endpoint"`
	RequestType  RequestType     `json:"request_type"`
	Model        string          `json:"model,omitempty"`
	InputBody    json.RawMessage `json:"input_body,omitempty"`
	MessageCount int             `json:"message_count"`
	ClientIP     string          `json:"client_ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`

	// Response side. ResponseBody holds the final JSON for buffered
	// responses and the assembled message JSON for streams; the raw frames
	// of a stream live in streaming_chunks.
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    json.RawMessage   `json:"response_body,omitempty"`
	StopReason      string            `json:"stop_reason,omitempty"`
	DurationMS      int64             `json:"duration_ms"`
	FirstTokenMS    *int64            `json:"first_token_ms,omitempty"`
	Streaming       bool              `json:"streaming"`

	// Usage accounting, from the response (message_start + message_delta for
	// streams, usage object for buffered responses).
	InputTokens              int64           `json:"input_tokens"`
	OutputTokens             int64           `json:"output_tokens"`
	CacheCreationInputTokens int64           `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64           `json:"cache_read_input_tokens"`
	FullUsageData            json.RawMessage `json:"full_usage_data,omitempty"`

	// Tool reconstruction. ToolCalls is the array of tool_use blocks,
	// reassembled from input_json_delta frames for streams.
	// TaskToolInvocation holds only the Task tool uses, probed later by
	// sub-task detection.
	ToolCallCount      int             `json:"tool_call_count"`
	ToolCalls          json.RawMessage `json:"tool_calls,omitempty"`
	TaskToolInvocation json.RawMessage `json:"task_tool_invocation,omitempty"`

	ErrorMessage *string `json:"error_message,omitempty"`
}

// StreamingChunk is one raw SSE event frame of a streamed response,
// persisted verbatim so a replay is byte-identical.
type StreamingChunk struct {
	RequestID  string    `json:"request_id"`
	ChunkIndex int       `json:"chunk_index"`
	Data       string    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- Analysis queue ---

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// MaxJobAttempts is the cap after which a job is marked failed instead of
// being returned to pending.
const MaxJobAttempts = 3

// AnalysisJob is a unit of background conversation analysis, unique per
// (ConversationID, BranchID).
type AnalysisJob struct {
	ID                  int64      `json:"id"`
	ConversationID      string     `json:"conversation_id"`
	BranchID            string     `json:"branch_id"`
	Status              JobStatus  `json:"status"`
	Attempts            int        `json:"attempts"`
	LastError           *string    `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// ConversationAnalysis is the stored output of a completed analysis job,
// unique per (ConversationID, BranchID). Re-analysis overwrites in place.
type ConversationAnalysis struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	BranchID       string          `json:"branch_id"`
	AnalysisJSON   json.RawMessage `json:"analysis_json"`
	Model          string          `json:"model"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// --- Relay plumbing ---

// Usage carries the token accounting fields of a Messages API response.
// Raw preserves the complete usage object exactly as the upstream sent it.
type Usage struct {
	InputTokens              int64           `json:"input_tokens"`
	OutputTokens             int64           `json:"output_tokens"`
	CacheCreationInputTokens int64           `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64           `json:"cache_read_input_tokens"`
	Raw                      json.RawMessage `json:"-"`
}

// Linkage is the conversation identity resolved for a request before it is
// forwarded. All fields are value snapshots; the linker never hands out
// shared mutable state.
type Linkage struct {
	ConversationID      string
	BranchID            string
	ParentRequestID     *string
	SystemHash          *string
	CurrentMessageHash  *string
	ParentMessageHash   *string
	IsSubtask           bool
	ParentTaskRequestID *string
}

// Result is the outcome envelope assembled by the forwarder for one relay.
// It is handed by value to the writer and notifier after the response has
// been fully written (or aborted).
type Result struct {
	Status     int
	DurationMS int64
	Streaming  bool
	// FirstByte reports whether at least one body byte reached the client.
	// Retries are forbidden once it is set.
	FirstByte bool
	// FirstTokenMS is the latency to that first byte; zero when none arrived.
	FirstTokenMS int64

	Model      string
	StopReason string
	Usage      Usage

	// Content is the concatenation of the response's text blocks, joined by
	// newlines. Used for notification previews, never persisted.
	Content string

	// ResponseBody holds the buffered body for non-streaming responses and
	// the reassembled message JSON for streams. Frames holds the raw SSE
	// event frames, in relay order, for streams.
	ResponseBody json.RawMessage
	Headers      map[string]string
	Frames       []string

	ToolCallCount      int
	ToolCalls          json.RawMessage
	TaskToolInvocation json.RawMessage

	ErrorMessage string
}

// LinkCandidate is a prior request row matched by message hash during
// conversation linking.
type LinkCandidate struct {
	RequestID      string
	ConversationID string
	BranchID       string
	Timestamp      time.Time
}

// TaskMatch is a prior Task tool invocation matched by prompt during
// sub-task detection.
type TaskMatch struct {
	RequestID      string
	ConversationID string
	Timestamp      time.Time
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Tenant field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Tenant    *Tenant
}

// Tenant is the authenticated caller context: the domain that owns the
// credential descriptor the request was admitted under.
type Tenant struct {
	Domain string `json:"domain"`
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// TenantFromContext extracts the authenticated tenant from context.
func TenantFromContext(ctx context.Context) *Tenant {
	if m := metaFromContext(ctx); m != nil {
		return m.Tenant
	}
	return nil
}

// ContextWithTenant stores the tenant in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithTenant(ctx context.Context, t *Tenant) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Tenant = t
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Tenant: t})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Authenticator interface ---

// Authenticator admits a request and returns the tenant it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Tenant, error)
}
