package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	url            TEXT NOT NULL,
	directory      TEXT NOT NULL,
	filename       TEXT NOT NULL DEFAULT '',
	total_size     INTEGER NOT NULL DEFAULT -1,
	connections    INTEGER NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	accepts_ranges INTEGER NOT NULL DEFAULT 0,
	etag           TEXT NOT NULL DEFAULT '',
	headers        TEXT NOT NULL DEFAULT '{}',
	claimed_by     TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_admission ON tasks(priority DESC, seq ASC);

CREATE TABLE IF NOT EXISTS segments (
	task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	idx          INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	open_ended   INTEGER NOT NULL DEFAULT 0,
	downloaded   INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, idx),
	CHECK (downloaded >= 0),
	CHECK (open_ended = 1 OR downloaded <= end_offset - start_offset + 1)
);
`

// InitDB opens the SQLite database at path and creates the tasks and segments tables if they don't exist.
//
// Write transactions take the database lock up front (_txlock=immediate) and the pool is
// limited to one connection, so admission, checkpoints and completions are serialized.
func InitDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
