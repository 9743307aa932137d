// Package database provides the shared SQLite database. A single jarvis.db
// holds reminder tasks and notes.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// TimeLayout is how timestamps are stored. UTC RFC3339 strings sort
// chronologically, which the due-task query relies on.
const TimeLayout = time.RFC3339

// schema is executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Reminder tasks. Rows are never deleted; delivered is the idempotence marker.
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    due_at       TEXT NOT NULL,
    channel      TEXT NOT NULL,
    chat_id      TEXT NOT NULL,
    message      TEXT NOT NULL,
    delivered    INTEGER NOT NULL DEFAULT 0,
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT DEFAULT '',
    created_at   TEXT NOT NULL,
    delivered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(delivered, due_at);

-- Per-chat notes.
CREATE TABLE IF NOT EXISTS notes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id    TEXT NOT NULL,
    note       TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_chat ON notes(chat_id, created_at);
`

// Open opens (or creates) the database at path with WAL enabled and the
// schema applied.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/jarvis.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime; malformed values yield the zero time.
func ParseTime(s string) time.Time {
	t, _ := time.Parse(TimeLayout, s)
	return t
}
