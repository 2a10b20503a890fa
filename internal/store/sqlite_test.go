package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	// Verify tables were created by querying sqlite_master.
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		tables = append(tables, name)
	}

	expected := map[string]bool{
		"agents":            true,
		"challenges":        true,
		"sessions":          true,
		"session_events":    true,
		"actions":           true,
		"agent_posts":       true,
		"profile_snapshots": true,
		"audit_records":     true,
	}

	for _, tbl := range tables {
		delete(expected, tbl)
	}
	for tbl := range expected {
		t.Errorf("expected table %q not found", tbl)
	}
}

func TestNewDB_IdempotentMigration(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// First open creates schema.
	db1, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("first NewDB: %v", err)
	}
	db1.Close()

	// Second open should not fail (IF NOT EXISTS).
	db2, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("second NewDB: %v", err)
	}
	db2.Close()
}

func TestNewDB_ActiveSessionIndex(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	var sqlText string
	err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='index' AND name='uq_sessions_active_agent'").Scan(&sqlText)
	if err != nil {
		t.Fatalf("active session index missing: %v", err)
	}
	if !strings.Contains(sqlText, "WHERE state IN") {
		t.Errorf("expected a partial index, got %q", sqlText)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	if got := fromMillis(toMillis(time.Time{})); !got.IsZero() {
		t.Errorf("zero time should round-trip to zero, got %v", got)
	}
	at := time.Date(2026, 5, 4, 3, 2, 1, 500_000_000, time.UTC)
	if got := fromMillis(toMillis(at)); !got.Equal(at) {
		t.Errorf("round trip: got %v, want %v", got, at)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(nil) {
		t.Error("nil is not a violation")
	}
	if !isUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: agents.agent_id (1555)")) {
		t.Error("expected message match")
	}
	if isUniqueViolation(errors.New("disk I/O error")) {
		t.Error("unexpected match")
	}
}
