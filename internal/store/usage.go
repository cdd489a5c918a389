package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-rag/internal/usage"
)

// InsertUsage appends one usage record.
func (s *Store) InsertUsage(ctx context.Context, rec usage.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (id, api_key_id, user_id, model, provider, endpoint,
			prompt_tokens, completion_tokens, total_tokens, cost_estimate, latency_ms,
			status_code, error_type, error_message, streamed, rag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.APIKeyID, rec.UserID, rec.Model, rec.Provider, rec.Endpoint,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CostEstimate, rec.LatencyMS,
		rec.StatusCode, rec.ErrorType, rec.ErrorMessage, rec.Streamed, rec.RAG, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// SummarizeUsage returns per-model totals for one user, or all users when
// userID is empty.
func (s *Store) SummarizeUsage(ctx context.Context, userID string) ([]usage.Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_estimate), 0)
		FROM usage_records
		WHERE $1 = '' OR user_id = $1
		GROUP BY model ORDER BY model`, userID)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	var out []usage.Summary
	for rows.Next() {
		var u usage.Summary
		if err := rows.Scan(&u.Model, &u.Requests, &u.TotalTokens, &u.CostEstimate); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
