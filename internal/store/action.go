package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Agent action accounting

// RecordAgentAction persists one agent accounting record.
func (s *Store) RecordAgentAction(ctx context.Context, action *AgentAction) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_actions (id, issue_id, agent_role, action_type, status, detail,
			model, run_id, error, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), action.ID, action.IssueID, action.AgentRole, action.ActionType, action.Status,
		action.Detail, action.Model, action.RunID, action.Error,
		action.PromptTokens, action.CompletionTokens, action.TotalTokens, action.CreatedAt)
	return err
}

// ListAgentActions returns an issue's accounting records, oldest first.
func (s *Store) ListAgentActions(ctx context.Context, issueID string) ([]*AgentAction, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT id, issue_id, agent_role, action_type, status, detail,
			model, run_id, error, prompt_tokens, completion_tokens, total_tokens, created_at
		FROM agent_actions WHERE issue_id = ? ORDER BY created_at ASC, id ASC
	`), issueID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AgentAction
	for rows.Next() {
		action := &AgentAction{}
		if err := rows.Scan(&action.ID, &action.IssueID, &action.AgentRole,
			&action.ActionType, &action.Status, &action.Detail, &action.Model,
			&action.RunID, &action.Error, &action.PromptTokens,
			&action.CompletionTokens, &action.TotalTokens, &action.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, action)
	}
	return result, rows.Err()
}

// CountAgentActions returns the number of accounting records on an issue.
func (s *Store) CountAgentActions(ctx context.Context, issueID string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM agent_actions WHERE issue_id = ?
	`), issueID).Scan(&count)
	return count, err
}
