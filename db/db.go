// Package db provides database connection helpers, schema migration, and the
// connector config store backing the registry.
package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/neustream/chat-engine/crypto"
)

var (
	// encryptor is the global encryptor for connector credentials at rest
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the global encryptor from ENCRYPTION_KEY.
// If ENCRYPTION_KEY is not set, credentials are stored in plaintext
// (token_version = 0). Called lazily on first use.
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, connector tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}

		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}

		encryptor = enc
		slog.Info("connector token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

// EncryptToken encrypts a credential for storage. Returns the stored form
// and the token version (0 = plaintext, 1 = AES-256-GCM).
func EncryptToken(token string) (string, int, error) {
	initEncryptor()
	if encryptorErr != nil {
		return "", 0, encryptorErr
	}
	if encryptor == nil || token == "" {
		return token, 0, nil
	}
	ct, err := encryptor.Encrypt([]byte(token))
	if err != nil {
		return "", 0, err
	}
	return base64.StdEncoding.EncodeToString(ct), 1, nil
}

// DecryptToken reverses EncryptToken according to the stored version.
func DecryptToken(stored string, version int) (string, error) {
	if version == 0 || stored == "" {
		return stored, nil
	}
	initEncryptor()
	if encryptorErr != nil {
		return "", encryptorErr
	}
	if encryptor == nil {
		return "", fmt.Errorf("token stored encrypted but ENCRYPTION_KEY not configured")
	}
	ct, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode stored token: %w", err)
	}
	pt, err := encryptor.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Connect opens a Postgres connection. The DSN comes from config so there is
// a single place defaults live.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_sources (
			id SERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			name TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_connectors (
			id SERIAL PRIMARY KEY,
			source_id INTEGER NOT NULL REFERENCES stream_sources(id) ON DELETE CASCADE,
			platform TEXT NOT NULL,
			username TEXT,
			display_name TEXT,
			access_token TEXT,
			token_version SMALLINT DEFAULT 0,
			live_video_id TEXT,
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_connectors_source_active ON chat_connectors(source_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_connectors_updated ON chat_connectors(updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			token_version SMALLINT DEFAULT 0,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
