package secrets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/store"
)

// Credential is a decrypted site credential. Instances are short-lived
// and handed only to agent runners.
type Credential struct {
	Label    string
	Username string
	Secret   string
}

// Vault encrypts and decrypts site credentials against the store.
type Vault struct {
	store  *store.Store
	key    []byte
	logger *logger.Logger
}

// NewVault creates a vault with the configured encryption key.
func NewVault(cfg config.SecretsConfig, st *store.Store, log *logger.Logger) (*Vault, error) {
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("secrets.encryptionKey is required")
	}
	return &Vault{
		store:  st,
		key:    DeriveKey(cfg.EncryptionKey),
		logger: log.WithFields(zap.String("component", "secrets")),
	}, nil
}

// SaveCredential encrypts and stores a credential for a site,
// replacing any existing credential with the same label.
func (v *Vault) SaveCredential(ctx context.Context, siteID, label, username, secret string) error {
	if label == "" {
		return apperrors.ValidationError("label", "credential label is required")
	}
	if secret == "" {
		return apperrors.ValidationError("secret", "credential secret is required")
	}

	ciphertext, nonce, err := Encrypt([]byte(secret), v.key)
	if err != nil {
		return apperrors.Wrap(err, "failed to encrypt credential")
	}

	cred := &store.SiteCredential{
		SiteID:     siteID,
		Label:      label,
		Username:   username,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}
	if err := v.store.UpsertSiteCredential(ctx, cred); err != nil {
		return err
	}

	v.logger.Info("Credential stored",
		zap.String("site_id", siteID),
		zap.String("label", label))
	return nil
}

// DecryptCredentials returns all credentials for a site in plaintext.
// Callers must not log or persist the result.
func (v *Vault) DecryptCredentials(ctx context.Context, siteID string) ([]Credential, error) {
	stored, err := v.store.ListSiteCredentials(ctx, siteID)
	if err != nil {
		return nil, err
	}

	result := make([]Credential, 0, len(stored))
	for _, cred := range stored {
		plaintext, err := Decrypt(cred.Ciphertext, cred.Nonce, v.key)
		if err != nil {
			return nil, apperrors.Wrap(err, fmt.Sprintf("failed to decrypt credential %s", cred.Label))
		}
		result = append(result, Credential{
			Label:    cred.Label,
			Username: cred.Username,
			Secret:   string(plaintext),
		})
	}
	return result, nil
}
