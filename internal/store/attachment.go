package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Attachment operations

// AddAttachment links an uploaded file to an issue.
func (s *Store) AddAttachment(ctx context.Context, att *Attachment) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO attachments (id, issue_id, file_name, content_type, size_bytes, storage_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), att.ID, att.IssueID, att.FileName, att.ContentType, att.SizeBytes,
		att.StoragePath, att.CreatedAt)
	return err
}

// ListAttachments returns an issue's attachments, oldest first.
func (s *Store) ListAttachments(ctx context.Context, issueID string) ([]*Attachment, error) {
	var result []*Attachment
	err := s.ro.SelectContext(ctx, &result, s.rebind(`
		SELECT id, issue_id, file_name, content_type, size_bytes, storage_path, created_at
		FROM attachments WHERE issue_id = ? ORDER BY created_at ASC
	`), issueID)
	if err != nil {
		return nil, err
	}
	return result, nil
}
