// ABOUTME: SQLite implementation of the KV interface using modernc.org/sqlite
// ABOUTME: Single kv table with an optional byte budget to model quota-limited storage

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV implements KV on a local SQLite database.
type SQLiteKV struct {
	db       *sql.DB
	maxBytes int64
	logger   *slog.Logger
}

// NewSQLiteKV opens (creating if needed) a SQLite-backed KV at path.
// maxBytes caps the total stored value size; 0 means unlimited. Parent
// directories are created if needed.
func NewSQLiteKV(path string, maxBytes int64) (*SQLiteKV, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Single writer; the engine serializes access anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite KV store initialized", "path", path, "max_bytes", maxBytes)
	return &SQLiteKV{db: db, maxBytes: maxBytes, logger: logger}, nil
}

// Get returns the stored value for key, if any.
func (s *SQLiteKV) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key. If the write would push the total stored size
// past the configured budget, it fails with ErrQuotaExceeded and leaves the
// existing value untouched.
func (s *SQLiteKV) Set(key string, value []byte) error {
	if s.maxBytes > 0 {
		var total int64
		var current int64
		err := s.db.QueryRow(
			"SELECT COALESCE(SUM(LENGTH(value)), 0), COALESCE(SUM(CASE WHEN key = ? THEN LENGTH(value) ELSE 0 END), 0) FROM kv",
			key,
		).Scan(&total, &current)
		if err != nil {
			return fmt.Errorf("checking quota for key %q: %w", key, err)
		}
		if total-current+int64(len(value)) > s.maxBytes {
			return fmt.Errorf("writing key %q (%d bytes): %w", key, len(value), ErrQuotaExceeded)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

// Delete removes key if present.
func (s *SQLiteKV) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
