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

// OpenSQLite opens (and creates if needed) the deployment state database at
// path and ensures the queue tables exist. The path must be on local disk.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps claim transactions serialized across workers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
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

// OpenMemory opens a private in-memory database with the queue schema.
func OpenMemory(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
// Timestamps are unix milliseconds.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deploy_jobs (
  id                 TEXT PRIMARY KEY,
  agent_name         TEXT NOT NULL,
  source_repo        TEXT NOT NULL,
  branch             TEXT NOT NULL,
  commit_ref         TEXT NOT NULL DEFAULT '',
  commit_message     TEXT NOT NULL DEFAULT '',
  triggered_manually INTEGER NOT NULL DEFAULT 0,
  state              TEXT NOT NULL,
  attempts_made      INTEGER NOT NULL DEFAULT 0,
  max_attempts       INTEGER NOT NULL,
  enqueued_at        INTEGER NOT NULL,
  updated_at         INTEGER NOT NULL,
  available_at       INTEGER NOT NULL,
  claimed_by         TEXT,
  claim_token        TEXT,
  claim_expires_at   INTEGER,
  started_at         INTEGER,
  completed_at       INTEGER,
  result             JSON,
  failure_reason     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_attempts (
  job_id      TEXT NOT NULL REFERENCES deploy_jobs(id) ON DELETE CASCADE,
  attempt     INTEGER NOT NULL,
  worker_id   TEXT NOT NULL,
  outcome     TEXT NOT NULL,
  reason      TEXT,
  started_at  INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  PRIMARY KEY (job_id, attempt)
);`,
		`CREATE INDEX IF NOT EXISTS deploy_jobs_state_available_idx ON deploy_jobs(state, available_at);`,
		`CREATE INDEX IF NOT EXISTS deploy_jobs_state_claim_expiry_idx ON deploy_jobs(state, claim_expires_at);`,
		`CREATE INDEX IF NOT EXISTS deploy_jobs_agent_idx ON deploy_jobs(agent_name, enqueued_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
