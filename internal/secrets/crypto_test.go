package secrets

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/store"
)

func TestDeriveKey(t *testing.T) {
	// Short keys are space-padded to 32 bytes
	key := DeriveKey("abc")
	require.Len(t, key, KeySize)
	assert.Equal(t, byte('a'), key[0])
	assert.Equal(t, byte(' '), key[3])
	assert.Equal(t, byte(' '), key[31])

	// Long keys are truncated
	long := DeriveKey("0123456789012345678901234567890123456789")
	require.Len(t, long, KeySize)
	assert.Equal(t, byte('1'), long[31])

	// Derivation is deterministic
	assert.Equal(t, DeriveKey("abc"), DeriveKey("abc"))
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := DeriveKey("test-encryption-key")

	ciphertext, nonce, err := Encrypt([]byte("wp-admin-password"), key)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("wp-admin-password"), ciphertext)

	plaintext, err := Decrypt(ciphertext, nonce, key)
	require.NoError(t, err)
	assert.Equal(t, "wp-admin-password", string(plaintext))

	// Wrong key fails authentication
	_, err = Decrypt(ciphertext, nonce, DeriveKey("other-key"))
	assert.Error(t, err)

	// Tampered ciphertext fails authentication
	ciphertext[0] ^= 0xff
	_, err = Decrypt(ciphertext, nonce, key)
	assert.Error(t, err)
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	key := DeriveKey("test-encryption-key")

	_, nonce1, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)
	_, nonce2, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	assert.NotEqual(t, nonce1, nonce2)
}

func newTestVault(t *testing.T) (*Vault, *store.Store) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	vault, err := NewVault(config.SecretsConfig{EncryptionKey: "test-key"}, st, log)
	require.NoError(t, err)
	return vault, st
}

func TestVaultSaveAndDecrypt(t *testing.T) {
	ctx := context.Background()
	vault, st := newTestVault(t)

	customer := &store.Customer{Email: "a@example.com"}
	require.NoError(t, st.CreateCustomer(ctx, customer))
	site := &store.Site{CustomerID: customer.ID, Name: "prod"}
	require.NoError(t, st.CreateSite(ctx, site))

	require.NoError(t, vault.SaveCredential(ctx, site.ID, "wp-admin", "admin", "hunter2"))
	require.NoError(t, vault.SaveCredential(ctx, site.ID, "ftp", "deploy", "s3cret"))

	creds, err := vault.DecryptCredentials(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, creds, 2)

	byLabel := map[string]Credential{}
	for _, c := range creds {
		byLabel[c.Label] = c
	}
	assert.Equal(t, "hunter2", byLabel["wp-admin"].Secret)
	assert.Equal(t, "s3cret", byLabel["ftp"].Secret)

	// Stored rows hold ciphertext only
	stored, err := st.ListSiteCredentials(ctx, site.ID)
	require.NoError(t, err)
	for _, row := range stored {
		assert.NotContains(t, string(row.Ciphertext), "hunter2")
		assert.NotContains(t, string(row.Ciphertext), "s3cret")
	}
}

func TestVaultSaveValidation(t *testing.T) {
	ctx := context.Background()
	vault, _ := newTestVault(t)

	assert.Error(t, vault.SaveCredential(ctx, "site", "", "user", "secret"))
	assert.Error(t, vault.SaveCredential(ctx, "site", "label", "user", ""))
}

func TestNewVaultRequiresKey(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	_, err = NewVault(config.SecretsConfig{}, nil, log)
	assert.Error(t, err)
}
