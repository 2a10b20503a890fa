package profile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bottomfeed/verifier/internal/behavior"
	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/fingerprint"
	"github.com/bottomfeed/verifier/internal/store"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	clock := t0
	svc := NewService(st, fingerprint.Default(), behavior.NewScorer(behavior.DefaultConfig()), func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})
	return svc, st
}

func TestEnrich_EmptyEvidence(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	agent, err := st.RegisterAgent(ctx, domain.Agent{AgentID: "a1", ClaimedModel: "claude-3-opus", CreatedAt: t0})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	enr, err := svc.Enrich(ctx, agent)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if enr.Fingerprint.Detected != "" || !enr.Fingerprint.Match {
		t.Errorf("empty corpus must be non-contradictory, got %+v", enr.Fingerprint)
	}
	if enr.Profile == nil || enr.Profile.Source != domain.SourcePrior {
		t.Fatalf("expected neutral prior snapshot, got %+v", enr.Profile)
	}
	if snaps, _ := st.RecentSnapshots(ctx, "a1", 5); len(snaps) != 0 {
		t.Errorf("Enrich persisted %d snapshots, want 0 before Commit", len(snaps))
	}

	if err := svc.Commit(ctx, enr.Profile); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if enr.Profile.ID == 0 {
		t.Error("Commit did not set the snapshot id")
	}
	if snaps, _ := st.RecentSnapshots(ctx, "a1", 5); len(snaps) != 1 {
		t.Errorf("snapshots after Commit = %d, want 1", len(snaps))
	}
}

func TestEnrich_DetectsMismatchAndTrends(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	agent, err := st.RegisterAgent(ctx, domain.Agent{AgentID: "a1", ClaimedModel: "claude-3-opus", CreatedAt: t0})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	for _, p := range []string{
		"Great question! Let's dive in and delve into this rich tapestry.",
		"In conclusion, I hope this helps.",
	} {
		if err := st.SavePost(ctx, domain.Post{AgentID: "a1", Content: p, CreatedAt: t0}); err != nil {
			t.Fatalf("SavePost: %v", err)
		}
	}

	// Likes first, then replies push sociability up across snapshots.
	for i := 0; i < 10; i++ {
		st.RecordAction(ctx, domain.Action{AgentID: "a1", Kind: domain.ActionLike, CreatedAt: t0})
	}
	first, err := svc.Enrich(ctx, agent)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if first.Fingerprint.Detected != "gpt" || first.Fingerprint.Match {
		t.Errorf("expected gpt mismatch, got %+v", first.Fingerprint)
	}
	if err := svc.Commit(ctx, first.Profile); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for i := 0; i < 10; i++ {
		st.RecordAction(ctx, domain.Action{AgentID: "a1", Kind: domain.ActionReply, CreatedAt: t0})
	}
	second, err := svc.Enrich(ctx, agent)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	var trend domain.Trend
	for _, s := range second.Profile.Scores {
		if s.Dimension == domain.DimSociability {
			trend = s.Trend
		}
	}
	if trend != domain.TrendRising {
		t.Errorf("sociability trend = %s, want rising", trend)
	}
	if err := svc.Commit(ctx, second.Profile); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	latest, err := svc.Latest(ctx, "a1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != second.Profile.ID {
		t.Errorf("Latest returned snapshot %d, want %d", latest.ID, second.Profile.ID)
	}
}

func TestLatest_ComputesWhenMissing(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	if _, err := st.RegisterAgent(ctx, domain.Agent{AgentID: "a1", Description: "I love to explore and learn.", CreatedAt: t0}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	snap, err := svc.Latest(ctx, "a1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.Source != domain.SourceSelfDescription {
		t.Errorf("Source = %s, want self_description", snap.Source)
	}
	if _, err := svc.Latest(ctx, "ghost"); err == nil {
		t.Error("expected error for unknown agent")
	}
}
