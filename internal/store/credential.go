package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
)

// Site credential operations. Only ciphertext and nonce are persisted;
// encryption and decryption live in the secrets package.

// UpsertSiteCredential inserts or replaces the credential with the same
// site and label.
func (s *Store) UpsertSiteCredential(ctx context.Context, cred *SiteCredential) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE site_credentials
		SET username = ?, ciphertext = ?, nonce = ?, updated_at = ?
		WHERE site_id = ? AND label = ?
	`), cred.Username, cred.Ciphertext, cred.Nonce, now, cred.SiteID, cred.Label)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		cred.UpdatedAt = now
		return nil
	}

	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	cred.CreatedAt = now
	cred.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO site_credentials (id, site_id, label, username, ciphertext, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), cred.ID, cred.SiteID, cred.Label, cred.Username, cred.Ciphertext, cred.Nonce, cred.CreatedAt, cred.UpdatedAt)
	return err
}

// GetSiteCredential retrieves one credential by site and label.
func (s *Store) GetSiteCredential(ctx context.Context, siteID, label string) (*SiteCredential, error) {
	cred := &SiteCredential{}
	err := s.ro.GetContext(ctx, cred, s.rebind(`
		SELECT id, site_id, label, username, ciphertext, nonce, created_at, updated_at
		FROM site_credentials WHERE site_id = ? AND label = ?
	`), siteID, label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("credential", label)
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// ListSiteCredentials returns all credentials for a site ordered by label.
func (s *Store) ListSiteCredentials(ctx context.Context, siteID string) ([]*SiteCredential, error) {
	var creds []*SiteCredential
	err := s.ro.SelectContext(ctx, &creds, s.rebind(`
		SELECT id, site_id, label, username, ciphertext, nonce, created_at, updated_at
		FROM site_credentials WHERE site_id = ? ORDER BY label ASC
	`), siteID)
	if err != nil {
		return nil, err
	}
	return creds, nil
}
