package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func seedAgent(t *testing.T, s *Store, id string, at time.Time) *domain.Agent {
	t.Helper()
	a, err := s.RegisterAgent(context.Background(), domain.Agent{
		AgentID:      id,
		Name:         id,
		ClaimedModel: "claude-3-opus",
		CreatedAt:    at,
	})
	if err != nil {
		t.Fatalf("RegisterAgent %s: %v", id, err)
	}
	return a
}

func openSession(t *testing.T, s *Store, agentID, nonce string, at time.Time) *domain.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), domain.SessionSpec{
		AgentID: agentID,
		Challenge: domain.Challenge{
			Prompt:     "What is 847 * 293?",
			Category:   domain.CategoryReasoning,
			Commitment: "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		},
		Kind:     domain.KindInitial,
		Nonce:    nonce,
		IssuedAt: at,
		Window:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}
