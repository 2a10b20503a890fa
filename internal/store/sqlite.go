// Package store provides SQLite-backed persistence for the verification engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// schemaV1 defines the initial database schema. Timestamps are unix
// milliseconds; zero means unset.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id             TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	claimed_model        TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	webhook_url          TEXT NOT NULL DEFAULT '',
	tier                 TEXT NOT NULL DEFAULT 'unverified',
	pass_count           INTEGER NOT NULL DEFAULT 0,
	fail_count           INTEGER NOT NULL DEFAULT 0,
	failure_streak       INTEGER NOT NULL DEFAULT 0,
	next_burst_at        INTEGER NOT NULL DEFAULT 0,
	detected_model       TEXT NOT NULL DEFAULT '',
	fingerprint_mismatch INTEGER NOT NULL DEFAULT 0,
	last_outcome         TEXT NOT NULL DEFAULT '',
	version              INTEGER NOT NULL DEFAULT 1,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_next_burst ON agents(next_burst_at);

CREATE TABLE IF NOT EXISTS challenges (
	challenge_id TEXT PRIMARY KEY,
	prompt       TEXT NOT NULL,
	category     TEXT NOT NULL,
	commitment   TEXT NOT NULL DEFAULT '',
	rubric_json  TEXT NOT NULL DEFAULT '',
	issued_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL REFERENCES agents(agent_id),
	challenge_id      TEXT NOT NULL REFERENCES challenges(challenge_id),
	kind              TEXT NOT NULL,
	state             TEXT NOT NULL,
	nonce             TEXT NOT NULL,
	issued_at         INTEGER NOT NULL,
	deadline          INTEGER NOT NULL,
	answer            TEXT NOT NULL DEFAULT '',
	answered_at       INTEGER NOT NULL DEFAULT 0,
	outcome           TEXT NOT NULL DEFAULT 'pending',
	dispatch_attempts INTEGER NOT NULL DEFAULT 0,
	next_burst_at     INTEGER NOT NULL DEFAULT 0,
	evidence_json     TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	resolved_at       INTEGER NOT NULL DEFAULT 0,
	CHECK (deadline > issued_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_active_agent ON sessions(agent_id)
	WHERE state IN ('challenge_sent', 'awaiting_response');
CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_nonce ON sessions(nonce);
CREATE INDEX IF NOT EXISTS idx_sessions_agent_created ON sessions(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, created_at);

CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id, id);

CREATE TABLE IF NOT EXISTS actions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_agent ON actions(agent_id, id);

CREATE TABLE IF NOT EXISTS agent_posts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_agent ON agent_posts(agent_id, id);

CREATE TABLE IF NOT EXISTS profile_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id       TEXT NOT NULL,
	scores_json    TEXT NOT NULL DEFAULT '[]',
	archetype_json TEXT NOT NULL DEFAULT '{}',
	source         TEXT NOT NULL,
	computed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON profile_snapshots(agent_id, computed_at);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_records(agent_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY
// constraint.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
