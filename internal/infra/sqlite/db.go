// Package sqlite provides SQLite-based persistent storage for solvepad.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			user_phone     TEXT NOT NULL,
			type           TEXT NOT NULL,
			status         TEXT NOT NULL CHECK (status IN
				('PENDING','PROCESSING','COMPLETED','FAILED','AWAITING_CONFIRMATION')),
			progress       INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
			stage          TEXT NOT NULL DEFAULT '',
			total          INTEGER NOT NULL DEFAULT 0,
			solved         INTEGER NOT NULL DEFAULT 0,
			failed         INTEGER NOT NULL DEFAULT 0,
			input_meta     TEXT,
			created_at     INTEGER NOT NULL,
			started_at     INTEGER,
			completed_at   INTEGER,
			last_update_at INTEGER NOT NULL,
			output_path    TEXT,
			error          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_phone, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed_at)`,

		`CREATE TABLE IF NOT EXISTS users (
			phone             TEXT PRIMARY KEY,
			credits           INTEGER NOT NULL DEFAULT 0,
			confirm_threshold INTEGER NOT NULL DEFAULT 0,
			created_at        INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS submissions (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			user_phone     TEXT NOT NULL,
			language       TEXT NOT NULL,
			question_count INTEGER NOT NULL,
			solved         INTEGER NOT NULL DEFAULT 0,
			failed         INTEGER NOT NULL DEFAULT 0,
			document_path  TEXT,
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_user ON submissions(user_phone, created_at)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_phone TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			balance    INTEGER NOT NULL,
			reference  TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_phone, created_at)`,
	}

	for i, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
