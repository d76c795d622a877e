package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. A directory on a network filesystem is
// rejected with *NetworkFSError.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := checkLocalDir(dir); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the history recorder is the only writer.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fetch_log (
  id           TEXT PRIMARY KEY,
  url          TEXT NOT NULL,
  status       TEXT NOT NULL,
  status_code  INTEGER,
  error_kind   TEXT NOT NULL,
  last_error   TEXT,
  body_bytes   INTEGER NOT NULL DEFAULT 0,
  body_digest  TEXT,
  started_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  duration_ms  INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS fetch_log_completed_at_idx ON fetch_log(completed_at);`,
		`CREATE INDEX IF NOT EXISTS fetch_log_url_idx ON fetch_log(url);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
