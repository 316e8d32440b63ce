package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Conversation and chat operations

// GetOrCreateConversation returns the conversation for an issue,
// creating it on first use.
func (s *Store) GetOrCreateConversation(ctx context.Context, issueID, customerID string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.ro.GetContext(ctx, conv, s.rebind(`
		SELECT id, issue_id, customer_id, created_at FROM conversations WHERE issue_id = ?
	`), issueID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	conv = &Conversation{
		ID:         uuid.New().String(),
		IssueID:    issueID,
		CustomerID: customerID,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations (id, issue_id, customer_id, created_at)
		VALUES (?, ?, ?, ?)
	`), conv.ID, conv.IssueID, conv.CustomerID, conv.CreatedAt)
	if err != nil {
		// Lost a creation race; re-read the winner's row.
		existing := &Conversation{}
		if getErr := s.ro.GetContext(ctx, existing, s.rebind(`
			SELECT id, issue_id, customer_id, created_at FROM conversations WHERE issue_id = ?
		`), issueID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return conv, nil
}

// AppendChat adds a message to an issue conversation. The conversation
// is created on demand.
func (s *Store) AppendChat(ctx context.Context, msg *ChatMessage) error {
	if msg.ConversationID == "" {
		issue, err := s.GetIssue(ctx, msg.IssueID)
		if err != nil {
			return err
		}
		conv, err := s.GetOrCreateConversation(ctx, msg.IssueID, issue.CustomerID)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO chat_messages (id, conversation_id, issue_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.ConversationID, msg.IssueID, msg.Role, msg.Content, msg.CreatedAt)
	return err
}

// ListChat returns the most recent messages for an issue in
// chronological order. A limit of 0 returns the full thread.
func (s *Store) ListChat(ctx context.Context, issueID string, limit int) ([]*ChatMessage, error) {
	query := `
		SELECT id, conversation_id, issue_id, role, content, created_at
		FROM chat_messages WHERE issue_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{issueID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ChatMessage
	for rows.Next() {
		msg := &ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.IssueID, &msg.Role,
			&msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first to apply the limit; callers read oldest-first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// CountChat returns the number of messages on an issue.
func (s *Store) CountChat(ctx context.Context, issueID string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM chat_messages WHERE issue_id = ?
	`), issueID).Scan(&count)
	return count, err
}
