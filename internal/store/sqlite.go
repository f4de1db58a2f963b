// Package store provides SQLite-backed persistence for the task relay.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS codebases (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	path         TEXT NOT NULL,
	worker_id    TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_codebases_worker ON codebases(worker_id);

CREATE TABLE IF NOT EXISTS workers (
	worker_id       TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	hostname        TEXT NOT NULL DEFAULT '',
	capabilities    TEXT NOT NULL DEFAULT '[]',
	last_heartbeat  INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(last_heartbeat);

CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	codebase_id        TEXT NOT NULL,
	session_id         TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	prompt             TEXT NOT NULL,
	agent_type         TEXT NOT NULL DEFAULT '',
	priority           INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'pending',
	claimed_by         TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	result             TEXT,
	error_kind         TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	metadata           TEXT NOT NULL DEFAULT '{}',
	resume_session_id  TEXT NOT NULL DEFAULT '',
	version            INTEGER NOT NULL DEFAULT 1,
	created_at         INTEGER NOT NULL,
	started_at         INTEGER,
	completed_at       INTEGER,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_codebase ON tasks(status, codebase_id);
CREATE INDEX IF NOT EXISTS idx_tasks_claimed ON tasks(claimed_by, status);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	codebase_id  TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_codebase ON sessions(codebase_id);

CREATE TABLE IF NOT EXISTS ledger (
	key          TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	type         TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (key, seq)
);

CREATE TABLE IF NOT EXISTS bus_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	topic       TEXT NOT NULL,
	envelope    BLOB NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bus_events_created ON bus_events(created_at);

CREATE TABLE IF NOT EXISTS audit_records (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	category     TEXT NOT NULL,
	actor        TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL,
	detail_json  TEXT NOT NULL DEFAULT '{}',
	severity     TEXT NOT NULL DEFAULT 'info',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_records(task_id);
`

// Querier is satisfied by both *sql.DB and *sql.Tx so repos can run inside
// or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	// Callers must not hold *sql.Rows open while issuing another statement.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// WithTx runs fn inside a transaction, committing on success.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
