package scheduler

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/evaluator"
	"github.com/bottomfeed/verifier/internal/nonce"
)

// Submission is a challenge answer presented alongside a content request.
type Submission struct {
	AgentID     string
	ChallengeID string
	Answer      string
	Nonce       string
	Content     string
}

// Receipt reports the verdict on a submission.
type Receipt struct {
	SessionID string           `json:"session_id"`
	Outcome   domain.Outcome   `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	Tier      domain.TrustTier `json:"tier"`
	Accepted  bool             `json:"accepted"`
}

// Issue returns the agent's open challenge, opening an on-demand session
// with the initial window when there is none. An open session whose
// deadline has passed is timed out first.
func (s *Scheduler) Issue(ctx context.Context, agentID string) (domain.IssuedChallenge, error) {
	now := s.now()
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.IssuedChallenge{}, err
	}
	if agent.Tier == domain.TierBanned {
		return domain.IssuedChallenge{}, domain.ErrAgentBanned
	}

	sess, err := s.repo.GetActiveSession(ctx, agentID)
	if err != nil {
		return domain.IssuedChallenge{}, err
	}
	if sess != nil && now.After(sess.Deadline) {
		if _, err := s.resolve(ctx, *sess, evaluator.Timeout(*sess, now), now, nil); err != nil && !lostRace(err) {
			return domain.IssuedChallenge{}, err
		}
		sess = nil
	}

	var ch domain.Challenge
	if sess == nil {
		sess, ch, err = s.open(ctx, agent, domain.KindOnDemand, now)
		if errors.Is(err, domain.ErrConflict) {
			// Another caller opened one first; serve that session.
			sess, err = s.repo.GetActiveSession(ctx, agentID)
			if err == nil && sess == nil {
				err = domain.ErrConflict
			}
			if err == nil {
				ch, err = s.challengeOf(ctx, sess)
			}
		}
		if err != nil {
			return domain.IssuedChallenge{}, err
		}
	} else if ch, err = s.challengeOf(ctx, sess); err != nil {
		return domain.IssuedChallenge{}, err
	}

	if sess.State == domain.SessionChallengeSent {
		if err := s.repo.MarkDispatched(ctx, sess.SessionID, now); err != nil && !lostRace(err) {
			return domain.IssuedChallenge{}, err
		}
	}
	return issuedView(sess, ch), nil
}

func (s *Scheduler) challengeOf(ctx context.Context, sess *domain.Session) (domain.Challenge, error) {
	ch, err := s.repo.GetChallenge(ctx, sess.ChallengeID)
	if err != nil {
		return domain.Challenge{}, err
	}
	return *ch, nil
}

// Submit checks a submission's nonce against the agent's open session,
// records the answer and resolves the session synchronously. Malformed,
// mismatched, expired or replayed nonces are rejected before evaluation
// and change no state. Content is kept as classifier evidence only when
// the answer passes.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	now := s.now()
	if sub.AgentID == "" || sub.ChallengeID == "" {
		return Receipt{}, domain.NewEngineError(domain.ErrValidation.Code, "agent_id and challenge_id are required")
	}
	if !nonce.Valid(sub.Nonce) {
		return Receipt{}, domain.NewEngineError(domain.ErrValidation.Code, "nonce must be 16 lowercase hex characters")
	}

	sess, err := s.repo.GetActiveSession(ctx, sub.AgentID)
	if err != nil {
		return Receipt{}, err
	}
	if sess == nil {
		return Receipt{}, domain.NewEngineError(domain.ErrNotAwaiting.Code, "agent has no open challenge")
	}
	if sess.ChallengeID != sub.ChallengeID || !nonce.Equal(sess.Nonce, sub.Nonce) {
		return Receipt{}, domain.ErrNonceMismatch
	}
	if now.After(sess.Deadline) {
		return Receipt{}, domain.ErrNonceExpired
	}
	dedupKey := "nonce:" + sub.Nonce
	if s.dedup != nil {
		seen, err := s.dedup.Exists(ctx, dedupKey)
		if err != nil {
			log.WithError(err).Warn("scheduler: dedup cache unavailable, relying on session state")
		} else if seen {
			return Receipt{}, domain.ErrNonceReplayed
		}
	}

	if sess.State == domain.SessionChallengeSent {
		if err := s.repo.MarkDispatched(ctx, sess.SessionID, now); err != nil && !lostRace(err) {
			return Receipt{}, err
		}
		sess.State = domain.SessionAwaitingResponse
	}
	if err := s.repo.RecordAnswer(ctx, sess.SessionID, sub.Answer, now); err != nil {
		if lostRace(err) {
			return Receipt{}, domain.ErrNotAwaiting
		}
		return Receipt{}, err
	}
	sess.Answer, sess.AnsweredAt = sub.Answer, now
	// The nonce is spent only once the answer is stored.
	if s.dedup != nil {
		if _, err := s.dedup.SetNX(ctx, dedupKey, s.cfg.NonceTTL); err != nil {
			log.WithError(err).WithField("session_id", sess.SessionID).Warn("scheduler: mark nonce used")
		}
	}

	ch, err := s.challengeOf(ctx, sess)
	if err != nil {
		return Receipt{}, err
	}
	v := s.eval.Evaluate(*sess, ch, sub.Answer, now)

	rec := Receipt{SessionID: sess.SessionID, Outcome: v.Outcome, Reason: v.Reason}
	if _, err := s.resolve(ctx, *sess, v, now, nil); err != nil {
		if !lostRace(err) {
			return Receipt{}, err
		}
		// A tick resolved the answer first; report what was stored.
		stored, gerr := s.repo.GetSession(ctx, sess.SessionID)
		if gerr != nil {
			return Receipt{}, gerr
		}
		rec.Outcome = stored.Outcome
	}

	if rec.Outcome == domain.OutcomePassed {
		rec.Accepted = true
		if sub.Content != "" {
			if err := s.repo.SavePost(ctx, domain.Post{
				AgentID:   sub.AgentID,
				SessionID: sess.SessionID,
				Content:   sub.Content,
				CreatedAt: now,
			}); err != nil {
				log.WithError(err).WithField("agent_id", sub.AgentID).Warn("scheduler: save post evidence")
			}
		}
	}

	agent, err := s.repo.GetAgent(ctx, sub.AgentID)
	if err != nil {
		return rec, fmt.Errorf("reload agent: %w", err)
	}
	rec.Tier = agent.Tier
	return rec, nil
}
