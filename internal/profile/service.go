// Package profile enriches verification verdicts with the model fingerprint
// and behavioral profile of an agent, and persists profile snapshots.
package profile

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bottomfeed/verifier/internal/behavior"
	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/fingerprint"
)

// DefaultPostWindow is the number of recent posts fed to the classifier.
const DefaultPostWindow = 20

// Store is the persistence the service reads and appends to.
type Store interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	RecentPostTexts(ctx context.Context, agentID string, limit int) ([]string, error)
	RecentActions(ctx context.Context, agentID string, limit int) ([]domain.Action, error)
	RecentSnapshots(ctx context.Context, agentID string, n int) ([]domain.ProfileSnapshot, error)
	SaveSnapshot(ctx context.Context, snap domain.ProfileSnapshot) (int64, error)
}

// Service runs the classifier and scorer over stored evidence.
type Service struct {
	store      Store
	classifier *fingerprint.Classifier
	scorer     *behavior.Scorer
	postWindow int
	now        func() time.Time
}

// NewService creates a Service. A nil clock uses time.Now.
func NewService(store Store, classifier *fingerprint.Classifier, scorer *behavior.Scorer, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      store,
		classifier: classifier,
		scorer:     scorer,
		postWindow: DefaultPostWindow,
		now:        now,
	}
}

// Fingerprint classifies the agent's recent posts against its claimed model.
func (s *Service) Fingerprint(ctx context.Context, agent *domain.Agent) (domain.FingerprintResult, error) {
	posts, err := s.store.RecentPostTexts(ctx, agent.AgentID, s.postWindow)
	if err != nil {
		return domain.FingerprintResult{}, fmt.Errorf("load posts: %w", err)
	}
	return s.classifier.Classify(posts, agent.ClaimedModel), nil
}

// Compute scores the agent without persisting the result.
func (s *Service) Compute(ctx context.Context, agent *domain.Agent) (domain.ProfileSnapshot, error) {
	cfg := s.scorer.Config()
	actions, err := s.store.RecentActions(ctx, agent.AgentID, cfg.Window)
	if err != nil {
		return domain.ProfileSnapshot{}, fmt.Errorf("load actions: %w", err)
	}
	prior, err := s.store.RecentSnapshots(ctx, agent.AgentID, cfg.TrendWindow)
	if err != nil {
		return domain.ProfileSnapshot{}, fmt.Errorf("load snapshots: %w", err)
	}
	return s.scorer.Score(behavior.Input{
		AgentID:         agent.AgentID,
		Actions:         actions,
		SelfDescription: agent.Description,
		Prior:           prior,
		Now:             s.now(),
	}), nil
}

// Refresh computes and appends a new snapshot.
func (s *Service) Refresh(ctx context.Context, agent *domain.Agent) (*domain.ProfileSnapshot, error) {
	snap, err := s.Compute(ctx, agent)
	if err != nil {
		return nil, err
	}
	if err := s.Commit(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Latest returns the newest stored snapshot, computing one when none exists.
func (s *Service) Latest(ctx context.Context, agentID string) (*domain.ProfileSnapshot, error) {
	snaps, err := s.store.RecentSnapshots(ctx, agentID, 1)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) > 0 {
		return &snaps[0], nil
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.Refresh(ctx, agent)
}

// Enrich produces the fingerprint and a freshly computed profile for a
// verdict. Nothing is persisted; the caller saves the profile with Commit
// once the verdict itself is committed. A profile failure is logged and
// leaves Profile nil; the verdict stands.
func (s *Service) Enrich(ctx context.Context, agent *domain.Agent) (domain.Enrichment, error) {
	fp, err := s.Fingerprint(ctx, agent)
	if err != nil {
		return domain.Enrichment{}, err
	}
	out := domain.Enrichment{Fingerprint: fp}

	snap, err := s.Compute(ctx, agent)
	if err != nil {
		log.WithFields(log.Fields{"agent_id": agent.AgentID, "error": err}).Warn("profile compute failed")
		return out, nil
	}
	out.Profile = &snap
	return out, nil
}

// Commit appends snap and sets its ID.
func (s *Service) Commit(ctx context.Context, snap *domain.ProfileSnapshot) error {
	id, err := s.store.SaveSnapshot(ctx, *snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	snap.ID = id
	return nil
}
