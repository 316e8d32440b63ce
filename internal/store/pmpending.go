package store

import (
	"context"
	"time"
)

// PMPending is a customer message waiting on a PM agent turn. The row
// outlives the queued job, so a crash between enqueue and handling
// leaves something the sweep can find.
type PMPending struct {
	IssueID     string    `json:"issue_id"`
	Message     string    `json:"message"`
	RequestedAt time.Time `json:"requested_at"`
}

// MarkPMPending records that the issue's latest customer message still
// needs a PM turn. A newer message replaces the older one; the PM reads
// the full thread anyway.
func (s *Store) MarkPMPending(ctx context.Context, issueID, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pm_pending (issue_id, message, requested_at)
		VALUES (?, ?, ?)
		ON CONFLICT (issue_id) DO UPDATE SET
			message = excluded.message,
			requested_at = excluded.requested_at
	`), issueID, message, at.UTC())
	return err
}

// ClearPMPending removes the marker once the PM turn has run.
func (s *Store) ClearPMPending(ctx context.Context, issueID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM pm_pending WHERE issue_id = ?`), issueID)
	return err
}

// ListPMPending returns markers requested at or before the cutoff,
// oldest first.
func (s *Store) ListPMPending(ctx context.Context, cutoff time.Time) ([]*PMPending, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT issue_id, message, requested_at FROM pm_pending
		WHERE requested_at <= ?
		ORDER BY requested_at ASC
	`), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PMPending
	for rows.Next() {
		p := &PMPending{}
		if err := rows.Scan(&p.IssueID, &p.Message, &p.RequestedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
