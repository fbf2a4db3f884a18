package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// InsertRequest writes one api_requests row. ON CONFLICT DO NOTHING keeps
// re-delivery from the writer queue idempotent.
func (s *Store) InsertRequest(ctx context.Context, r *palantir.APIRequest) error {
	branch := r.BranchID
	if branch == "" {
		branch = palantir.DefaultBranch
	}

	var headers []byte
	if len(r.ResponseHeaders) > 0 {
		b, err := json.Marshal(r.ResponseHeaders)
		if err != nil {
			return fmt.Errorf("marshal response headers: %w", err)
		}
		headers = b
	}

	_, err := s.relay.Exec(ctx, `INSERT INTO api_requests
		(request_id, domain, "timestamp", method, endpoint, request_type, model,
		 account_id, account_name, client_ip, user_agent,
		 conversation_id, branch_id, current_message_hash, parent_message_hash,
		 system_hash, parent_request_id, is_subtask, parent_task_request_id,
		 input_body, message_count, response_status, response_headers, response_body,
		 stop_reason, response_streaming, duration_ms, first_token_ms,
		 input_tokens, output_tokens, cache_creation_input_tokens,
		 cache_read_input_tokens, full_usage_data,
		 tool_call_count, tool_calls, task_tool_invocation, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		 $8, $9, $10, $11,
		 $12, $13, $14, $15,
		 $16, $17, $18, $19,
		 $20, $21, $22, $23, $24,
		 $25, $26, $27, $28,
		 $29, $30, $31,
		 $32, $33,
		 $34, $35, $36, $37)
		ON CONFLICT (request_id) DO NOTHING`,
		r.RequestID, r.Domain, r.Timestamp.UTC(), r.Method, r.Endpoint, string(r.RequestType), r.Model,
		r.AccountID, r.AccountName, r.ClientIP, r.UserAgent,
		uuidArg(r.ConversationID), branch, r.CurrentMessageHash, r.ParentMessageHash,
		r.SystemHash, r.ParentRequestID, r.IsSubtask, r.ParentTaskRequestID,
		jsonArg(r.InputBody), r.MessageCount, r.ResponseStatus, headers, jsonArg(r.ResponseBody),
		r.StopReason, r.Streaming, r.DurationMS, r.FirstTokenMS,
		r.InputTokens, r.OutputTokens, r.CacheCreationInputTokens,
		r.CacheReadInputTokens, jsonArg(r.FullUsageData),
		r.ToolCallCount, jsonArg(r.ToolCalls), jsonArg(r.TaskToolInvocation), r.ErrorMessage,
	)
	return err
}

// InsertChunks batch-inserts streaming chunks.
func (s *Store) InsertChunks(ctx context.Context, chunks []palantir.StreamingChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large streams.
	const cols = 4
	placeholders := make([]string, len(chunks))
	args := make([]any, 0, len(chunks)*cols)

	for i, c := range chunks {
		n := i * cols
		placeholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, c.RequestID, c.ChunkIndex, c.Data, c.CreatedAt.UTC())
	}

	query := `INSERT INTO streaming_chunks (request_id, chunk_index, data, created_at)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (request_id, chunk_index) DO NOTHING`

	_, err := s.relay.Exec(ctx, query, args...)
	return err
}

// RequestsByCurrentHash returns prior linked rows in the domain whose
// current_message_hash equals hash, most recent first.
func (s *Store) RequestsByCurrentHash(ctx context.Context, domain, hash string) ([]palantir.LinkCandidate, error) {
	rows, err := s.relay.Query(ctx, `SELECT request_id, conversation_id, branch_id, "timestamp"
		FROM api_requests
		WHERE domain = $1 AND current_message_hash = $2 AND conversation_id IS NOT NULL
		ORDER BY "timestamp" DESC`, domain, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []palantir.LinkCandidate
	for rows.Next() {
		var c palantir.LinkCandidate
		if err := rows.Scan(&c.RequestID, &c.ConversationID, &c.BranchID, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestTaskMatch returns the most recent row in the domain whose
// task_tool_invocation contains a Task tool use with exactly the given
// prompt, not older than since. Returns (nil, nil) when nothing matches.
func (s *Store) LatestTaskMatch(ctx context.Context, domain, prompt string, since time.Time) (*palantir.TaskMatch, error) {
	// jsonb containment rides the GIN index on task_tool_invocation.
	var m palantir.TaskMatch
	err := s.relay.QueryRow(ctx, `SELECT request_id, conversation_id, "timestamp"
		FROM api_requests
		WHERE domain = $1
		  AND "timestamp" >= $2
		  AND conversation_id IS NOT NULL
		  AND task_tool_invocation @> jsonb_build_array(jsonb_build_object('input', jsonb_build_object('prompt', $3::text)))
		ORDER BY "timestamp" DESC
		LIMIT 1`, domain, since, prompt,
	).Scan(&m.RequestID, &m.ConversationID, &m.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListConversationRequests returns the branch's requests ascending by
// timestamp, capped at limit.
func (s *Store) ListConversationRequests(ctx context.Context, conversationID, branchID string, limit int) ([]palantir.APIRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.analytics.Query(ctx, `SELECT request_id, conversation_id, branch_id, "timestamp",
		model, request_type, message_count, input_body, response_body, response_status,
		response_streaming, stop_reason, duration_ms, input_tokens, output_tokens, error_message
		FROM api_requests
		WHERE conversation_id = $1 AND branch_id = $2
		ORDER BY "timestamp"
		LIMIT $3`, conversationID, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []palantir.APIRequest
	for rows.Next() {
		var r palantir.APIRequest
		err := rows.Scan(
			&r.RequestID, &r.ConversationID, &r.BranchID, &r.Timestamp,
			&r.Model, &r.RequestType, &r.MessageCount, &r.InputBody, &r.ResponseBody, &r.ResponseStatus,
			&r.Streaming, &r.StopReason, &r.DurationMS, &r.InputTokens, &r.OutputTokens, &r.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumOutputTokensByMinute aggregates output tokens per (domain, account,
// minute) over the trailing window. Seeds the in-memory rolling counters
// after a restart.
func (s *Store) SumOutputTokensByMinute(ctx context.Context, window time.Duration) ([]storage.MinuteSum, error) {
	cutoff := time.Now().Add(-window).UTC()
	rows, err := s.analytics.Query(ctx, `SELECT domain, account_id,
		date_trunc('minute', "timestamp") AS minute, SUM(output_tokens)::bigint
		FROM api_requests
		WHERE "timestamp" >= $1 AND account_id <> '' AND output_tokens > 0
		GROUP BY 1, 2, 3`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.MinuteSum
	for rows.Next() {
		var m storage.MinuteSum
		if err := rows.Scan(&m.Domain, &m.AccountID, &m.Minute, &m.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
