// Package sqlite implements the store interfaces on a single SQLite file.
// This is the default backend; the schema is bootstrapped at open, so no
// external migration step is needed.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcclowin/probots/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	role TEXT NOT NULL DEFAULT 'user' CHECK(role IN ('admin', 'user')),
	provider_user_id TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bots (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT UNIQUE NOT NULL,
	status TEXT NOT NULL DEFAULT 'stopped',
	telegram_token_enc TEXT NOT NULL,
	telegram_owner_id TEXT NOT NULL,
	api_key_enc TEXT,
	model TEXT NOT NULL,
	soul TEXT,
	mem_limit_mb INTEGER NOT NULL DEFAULT 2048,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id TEXT REFERENCES bots(id) ON DELETE SET NULL,
	user_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	messages INTEGER NOT NULL DEFAULT 0,
	timestamp TEXT NOT NULL
);
`

// NewStores opens (creating if needed) the SQLite database at path and
// returns the assembled store container. encryptionKey must be non-empty:
// secret columns are never written in plaintext.
func NewStores(path, encryptionKey string) (*store.Stores, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("PROBOTS_ENCRYPTION_KEY is not set; refusing to store secrets in plaintext")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is in-process; a single writer connection avoids
	// SQLITE_BUSY churn under concurrent requests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return store.NewStores(
		&userStore{db: db},
		&sessionStore{db: db},
		&botStore{db: db, encKey: encryptionKey},
		db.Close,
	), nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// mapErr converts driver-level errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return store.ErrDuplicate
	}
	return err
}
