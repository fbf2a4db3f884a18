package postgres

import (
	"context"

	palantir "github.com/eugener/palantir/internal"
)

// UpsertAnalysis inserts or overwrites the analysis for a conversation
// branch. updated_at is maintained by a trigger.
func (s *Store) UpsertAnalysis(ctx context.Context, a *palantir.ConversationAnalysis) error {
	branch := a.BranchID
	if branch == "" {
		branch = palantir.DefaultBranch
	}
	_, err := s.analytics.Exec(ctx, `INSERT INTO conversation_analyses
		(conversation_id, branch_id, analysis, model, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, branch_id) DO UPDATE
		SET analysis = EXCLUDED.analysis,
		    model = EXCLUDED.model,
		    input_tokens = EXCLUDED.input_tokens,
		    output_tokens = EXCLUDED.output_tokens`,
		a.ConversationID, branch, jsonArg(a.AnalysisJSON), a.Model, a.InputTokens, a.OutputTokens)
	return err
}

// GetAnalysis returns the stored analysis, or palantir.ErrNotFound.
func (s *Store) GetAnalysis(ctx context.Context, conversationID, branchID string) (*palantir.ConversationAnalysis, error) {
	if branchID == "" {
		branchID = palantir.DefaultBranch
	}
	var a palantir.ConversationAnalysis
	err := s.analytics.QueryRow(ctx, `SELECT id, conversation_id, branch_id, analysis,
		model, input_tokens, output_tokens, created_at, updated_at
		FROM conversation_analyses
		WHERE conversation_id = $1 AND branch_id = $2`,
		conversationID, branchID,
	).Scan(&a.ID, &a.ConversationID, &a.BranchID, &a.AnalysisJSON,
		&a.Model, &a.InputTokens, &a.OutputTokens, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &a, nil
}
