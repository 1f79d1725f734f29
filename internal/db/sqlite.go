package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultFilename is the database file created inside a vault directory.
const DefaultFilename = "vault.db"

// DB wraps the SQLite handle and associated metadata.
type DB struct {
	sql  *sql.DB
	path string
}

// Open initialises a SQLite database at the given path and returns a DB wrapper.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite allows a single writer.
	handle.SetMaxOpenConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := EnsurePerm0600(path); err != nil {
		handle.Close()
		return nil, err
	}

	return &DB{sql: handle, path: path}, nil
}

// Path reports the file backing d.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Close releases the database resources.
func Close(d *DB) error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// EnsurePerm0600 restricts the database file to its owner on Unix systems.
func EnsurePerm0600(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chmod database: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	email       TEXT     PRIMARY KEY,
	verifier    TEXT     NOT NULL,
	salt        TEXT,
	kdf_params  TEXT     NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS provider_meta (
	name   TEXT PRIMARY KEY,
	value  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	token_id    TEXT     PRIMARY KEY,
	email       TEXT     NOT NULL REFERENCES accounts(email) ON DELETE CASCADE,
	expires_at  INTEGER  NOT NULL,
	revoked     INTEGER  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vault_items (
	id          TEXT     PRIMARY KEY,
	owner       TEXT     NOT NULL REFERENCES accounts(email) ON DELETE CASCADE,
	site_label  TEXT     NOT NULL,
	site_url    TEXT     NOT NULL DEFAULT '',
	ciphertext  TEXT     NOT NULL,
	nonce       TEXT     NOT NULL,
	created_at  INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vault_items_owner ON vault_items(owner, created_at);
`

// Migrate ensures every table (and index) exists.
func Migrate(d *DB) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
