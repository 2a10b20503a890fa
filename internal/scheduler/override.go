package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/trust"
)

// ManualBurst makes the agent due now so the next tick processes it. It is
// refused with ErrConflict while the agent has an active session.
func (s *Scheduler) ManualBurst(ctx context.Context, agentID string) (time.Time, error) {
	now := s.now()
	if err := s.repo.ForceNextBurst(ctx, agentID, now); err != nil {
		return time.Time{}, err
	}
	log.WithField("agent_id", agentID).Warn("scheduler: manual burst override")
	return now, nil
}

// Reverify is the explicit re-verification acceptance path: it raises the
// agent one tier through trust.Accept and audits the decision.
func (s *Scheduler) Reverify(ctx context.Context, agentID, actor string) (*domain.Agent, error) {
	if actor == "" {
		actor = "operator"
	}
	rec := &domain.AuditRecord{
		Category:    "override",
		Actor:       actor,
		Action:      "reverify",
		RequestJSON: "{}",
		Severity:    "info",
	}
	agent, err := s.repo.UpdateAgent(ctx, agentID, s.now(), func(a *domain.Agent) error {
		before := a.Tier
		st, err := s.policy.Accept(trust.FromAgent(a))
		if err != nil {
			return err
		}
		st.ApplyTo(a)
		rec.DecisionJSON = fmt.Sprintf(`{"tier_before":%q,"tier_after":%q}`, before, a.Tier)
		return nil
	}, rec)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"agent_id": agentID, "tier": agent.Tier, "actor": actor}).Info("scheduler: agent re-verified")
	return agent, nil
}
