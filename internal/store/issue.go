package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/kanban"
)

const issueColumns = `id, ticket_number, customer_id, site_id, title, description,
	status, kanban_column, confidence, dev_fail_count, stall_check_at, resolved_at,
	created_at, updated_at`

func scanIssue(row interface {
	Scan(dest ...interface{}) error
}) (*Issue, error) {
	issue := &Issue{}
	var status, column string
	var stallCheckAt, resolvedAt sql.NullTime
	err := row.Scan(&issue.ID, &issue.TicketNumber, &issue.CustomerID, &issue.SiteID,
		&issue.Title, &issue.Description, &status, &column, &issue.Confidence,
		&issue.DevFailCount, &stallCheckAt, &resolvedAt, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}
	issue.Status = kanban.Status(status)
	issue.KanbanColumn = kanban.Column(column)
	if stallCheckAt.Valid {
		t := stallCheckAt.Time
		issue.StallCheckAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		issue.ResolvedAt = &t
	}
	return issue, nil
}

// CreateIssue inserts a new issue in the triage column, assigning the
// next ticket number inside the same transaction.
func (s *Store) CreateIssue(ctx context.Context, issue *Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = issue.CreatedAt
	if issue.KanbanColumn == "" {
		issue.KanbanColumn = kanban.ColTriage
	}
	issue.Status = issue.KanbanColumn.LegacyStatus()

	// ticket_number is UNIQUE; two concurrent creates can both read the
	// same MAX and collide on commit, so losers re-read and retry.
	var err error
	for attempt := 0; attempt < ticketNumberRetries; attempt++ {
		err = s.insertIssue(ctx, issue)
		if err == nil || !isUniqueViolation(err) {
			return err
		}
	}
	return fmt.Errorf("failed to allocate ticket number: %w", err)
}

const ticketNumberRetries = 5

func (s *Store) insertIssue(ctx context.Context, issue *Issue) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ticket_number), 0) + 1 FROM issues`,
	).Scan(&issue.TicketNumber); err != nil {
		return fmt.Errorf("failed to allocate ticket number: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO issues (id, ticket_number, customer_id, site_id, title, description,
			status, kanban_column, confidence, dev_fail_count, stall_check_at, resolved_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), issue.ID, issue.TicketNumber, issue.CustomerID, issue.SiteID, issue.Title,
		issue.Description, string(issue.Status), string(issue.KanbanColumn),
		issue.Confidence, issue.DevFailCount, issue.StallCheckAt, issue.ResolvedAt,
		issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// isUniqueViolation matches the unique-constraint errors of both
// drivers: SQLite reports "UNIQUE constraint failed", Postgres raises
// SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetIssue retrieves an issue by ID.
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`), id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("issue", id)
	}
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// GetIssueForCustomer retrieves an issue only if the customer owns it.
// Cross-tenant IDs come back as not found, never as forbidden, so the
// response does not leak issue existence.
func (s *Store) GetIssueForCustomer(ctx context.Context, id, customerID string) (*Issue, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(
		`SELECT `+issueColumns+` FROM issues WHERE id = ? AND customer_id = ?`), id, customerID)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("issue", id)
	}
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// ListIssuesForCustomer returns a customer's issues, newest first.
func (s *Store) ListIssuesForCustomer(ctx context.Context, customerID string) ([]*Issue, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(
		`SELECT `+issueColumns+` FROM issues WHERE customer_id = ? ORDER BY created_at DESC`), customerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, issue)
	}
	return result, rows.Err()
}

// ApplyTransitionParams describes one atomic column move plus its
// issue-row side effects.
type ApplyTransitionParams struct {
	IssueID string
	From    kanban.Column
	To      kanban.Column
	Actor   kanban.Actor
	ActorID string
	Note    string

	// SetStallCheckAt, when non-nil, replaces the stall deadline. A
	// pointer to the zero time clears it.
	SetStallCheckAt *time.Time
	SetResolvedAt   bool
	IncrementFail   bool
}

// ApplyTransition moves an issue between columns in one transaction.
// The column update is optimistic: if the issue has already left the
// expected source column the update matches zero rows and the move is
// rejected with a conflict, which keeps double deliveries harmless.
func (s *Store) ApplyTransition(ctx context.Context, params ApplyTransitionParams) (*Transition, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE issues SET kanban_column = ?, status = ?, updated_at = ?`
	args := []interface{}{string(params.To), string(params.To.LegacyStatus()), now}

	if params.SetStallCheckAt != nil {
		if params.SetStallCheckAt.IsZero() {
			query += `, stall_check_at = NULL`
		} else {
			query += `, stall_check_at = ?`
			args = append(args, *params.SetStallCheckAt)
		}
	}
	if params.SetResolvedAt {
		query += `, resolved_at = ?`
		args = append(args, now)
	}
	if params.IncrementFail {
		query += `, dev_fail_count = dev_fail_count + 1`
	}
	query += ` WHERE id = ? AND kanban_column = ?`
	args = append(args, params.IssueID, string(params.From))

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, apperrors.Conflict(fmt.Sprintf(
			"issue %s is no longer in column %s", params.IssueID, params.From))
	}

	transition := &Transition{
		ID:         uuid.New().String(),
		IssueID:    params.IssueID,
		FromColumn: params.From,
		ToColumn:   params.To,
		Actor:      params.Actor,
		ActorID:    params.ActorID,
		Note:       params.Note,
		CreatedAt:  now,
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO issue_transitions (id, issue_id, from_column, to_column, actor, actor_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), transition.ID, transition.IssueID, string(transition.FromColumn),
		string(transition.ToColumn), string(transition.Actor), transition.ActorID,
		transition.Note, transition.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return transition, nil
}

// ListTransitions returns the full audit trail for an issue, oldest first.
func (s *Store) ListTransitions(ctx context.Context, issueID string) ([]*Transition, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT id, issue_id, from_column, to_column, actor, actor_id, note, created_at
		FROM issue_transitions WHERE issue_id = ? ORDER BY created_at ASC, id ASC
	`), issueID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transition
	for rows.Next() {
		tr := &Transition{}
		var from, to, actor string
		if err := rows.Scan(&tr.ID, &tr.IssueID, &from, &to, &actor, &tr.ActorID,
			&tr.Note, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.FromColumn = kanban.Column(from)
		tr.ToColumn = kanban.Column(to)
		tr.Actor = kanban.Actor(actor)
		result = append(result, tr)
	}
	return result, rows.Err()
}

// SetStallCheckAt pushes an issue's stall deadline without touching its
// column. Used by the sweep to space out repeat checks.
func (s *Store) SetStallCheckAt(ctx context.Context, issueID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE issues SET stall_check_at = ?, updated_at = ? WHERE id = ?
	`), at, time.Now().UTC(), issueID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("issue", issueID)
	}
	return nil
}

// AppendDescription appends a block of text to the issue description.
func (s *Store) AppendDescription(ctx context.Context, issueID, text string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE issues SET description = description || ?, updated_at = ? WHERE id = ?
	`), "\n\n"+text, time.Now().UTC(), issueID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("issue", issueID)
	}
	return nil
}

// UpdateIssueDetails replaces the issue title and description, used when
// the PM agent finalizes the ticket with the customer.
func (s *Store) UpdateIssueDetails(ctx context.Context, issueID, title, description string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE issues SET title = ?, description = ?, updated_at = ? WHERE id = ?
	`), title, description, time.Now().UTC(), issueID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("issue", issueID)
	}
	return nil
}

// UpdateIssueTriage records the triage confidence assessment.
func (s *Store) UpdateIssueTriage(ctx context.Context, issueID string, confidence float64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE issues SET confidence = ?, updated_at = ? WHERE id = ?
	`), confidence, time.Now().UTC(), issueID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("issue", issueID)
	}
	return nil
}

// ListStallCandidates returns issues in active agent columns whose
// stall deadline has passed (or was never set), each with its last
// activity across transitions, chat and creation. The activity maximum
// is computed here rather than in SQL so the query stays portable
// across SQLite and PostgreSQL.
func (s *Store) ListStallCandidates(ctx context.Context, now time.Time) ([]*StallCandidate, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT `+issueColumns+`,
			(SELECT MAX(created_at) FROM issue_transitions t WHERE t.issue_id = issues.id),
			(SELECT MAX(created_at) FROM chat_messages m WHERE m.issue_id = issues.id)
		FROM issues
		WHERE kanban_column IN (?, ?, ?, ?)
		  AND (stall_check_at IS NULL OR stall_check_at <= ?)
		ORDER BY created_at ASC
	`), string(kanban.ColTodo), string(kanban.ColReadyForQA),
		string(kanban.ColInProgress), string(kanban.ColInQA), now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*StallCandidate
	for rows.Next() {
		issue := &Issue{}
		var status, column string
		var stallCheckAt, resolvedAt, lastTransition, lastChat sql.NullTime
		err := rows.Scan(&issue.ID, &issue.TicketNumber, &issue.CustomerID, &issue.SiteID,
			&issue.Title, &issue.Description, &status, &column, &issue.Confidence,
			&issue.DevFailCount, &stallCheckAt, &resolvedAt, &issue.CreatedAt, &issue.UpdatedAt,
			&lastTransition, &lastChat)
		if err != nil {
			return nil, err
		}
		issue.Status = kanban.Status(status)
		issue.KanbanColumn = kanban.Column(column)
		if stallCheckAt.Valid {
			t := stallCheckAt.Time
			issue.StallCheckAt = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			issue.ResolvedAt = &t
		}

		last := issue.CreatedAt
		if lastTransition.Valid && lastTransition.Time.After(last) {
			last = lastTransition.Time
		}
		if lastChat.Valid && lastChat.Time.After(last) {
			last = lastChat.Time
		}
		result = append(result, &StallCandidate{Issue: issue, LastActivity: last})
	}
	return result, rows.Err()
}

// GetIssueSnapshot builds the compact state pushed over websockets.
func (s *Store) GetIssueSnapshot(ctx context.Context, issueID string) (*IssueSnapshot, error) {
	snapshot := &IssueSnapshot{IssueID: issueID}
	var status, column string
	err := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT status, kanban_column, confidence,
			(SELECT COUNT(*) FROM agent_actions a WHERE a.issue_id = issues.id)
		FROM issues WHERE id = ?
	`), issueID).Scan(&status, &column, &snapshot.Confidence, &snapshot.ActionsCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("issue", issueID)
	}
	if err != nil {
		return nil, err
	}
	snapshot.Status = kanban.Status(status)
	snapshot.KanbanColumn = kanban.Column(column)
	return snapshot, nil
}
