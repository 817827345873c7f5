package metastore

import (
	"context"
	"fmt"

	"sibyl/llm"
)

// RecordUsage appends one provider usage row. Implements llm.UsageSink.
func (s *Store) RecordUsage(ctx context.Context, rec llm.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (provider, model, call_type, input_tokens, output_tokens, total_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Provider, rec.Model, rec.CallType,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.Cost)
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// UsageAggregate is one row of per-day, per-provider usage totals.
type UsageAggregate struct {
	Day          string  `json:"day"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

// UsageByDay aggregates usage over the last `days` days, newest first.
func (s *Store) UsageByDay(ctx context.Context, days int) ([]UsageAggregate, error) {
	if days < 1 {
		days = 30
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date(created_at), provider, model, COUNT(*),
		       SUM(input_tokens), SUM(output_tokens), SUM(total_tokens), SUM(cost)
		FROM usage_log
		WHERE created_at >= datetime('now', ?)
		GROUP BY date(created_at), provider, model
		ORDER BY date(created_at) DESC, provider, model
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}
	defer rows.Close()

	var out []UsageAggregate
	for rows.Next() {
		var a UsageAggregate
		if err := rows.Scan(&a.Day, &a.Provider, &a.Model, &a.Calls,
			&a.InputTokens, &a.OutputTokens, &a.TotalTokens, &a.Cost); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Analytics summarizes chat activity for the analytics endpoint.
type Analytics struct {
	Sessions         int `json:"sessions"`
	Messages         int `json:"messages"`
	UserMessages     int `json:"user_messages"`
	PositiveFeedback int `json:"positive_feedback"`
	NegativeFeedback int `json:"negative_feedback"`
}

// ChatAnalytics computes session, message, and feedback counts.
func (s *Store) ChatAnalytics(ctx context.Context) (*Analytics, error) {
	a := &Analytics{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE role = 'user'),
			(SELECT COUNT(*) FROM feedback WHERE value = 'positive'),
			(SELECT COUNT(*) FROM feedback WHERE value = 'negative')
	`).Scan(&a.Sessions, &a.Messages, &a.UserMessages,
		&a.PositiveFeedback, &a.NegativeFeedback)
	if err != nil {
		return nil, fmt.Errorf("computing analytics: %w", err)
	}
	return a, nil
}
