// Package trust folds verification outcomes into an agent's trust tier.
//
// Tier movement is downward only. Apply never raises a tier; Accept is the
// single upward primitive and is meant to be called by an explicit
// re-verification path.
package trust

import (
	"github.com/bottomfeed/verifier/internal/domain"
)

// Policy holds the aggregator thresholds.
type Policy struct {
	// FailureThreshold steps the tier down each time the streak reaches a multiple of it.
	FailureThreshold int
	// BanAfterFailures bans outright at this streak. Zero disables the shortcut.
	BanAfterFailures int
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{FailureThreshold: 3, BanAfterFailures: 9}
}

// Standing is the slice of agent state the aggregator reads and writes.
type Standing struct {
	Tier                domain.TrustTier
	PassCount           int
	FailCount           int
	FailureStreak       int
	LastOutcome         domain.Outcome
	DetectedModel       string
	FingerprintMismatch bool
}

// FromAgent extracts the standing of a.
func FromAgent(a *domain.Agent) Standing {
	return Standing{
		Tier:                a.Tier,
		PassCount:           a.PassCount,
		FailCount:           a.FailCount,
		FailureStreak:       a.FailureStreak,
		LastOutcome:         a.LastOutcome,
		DetectedModel:       a.DetectedModel,
		FingerprintMismatch: a.FingerprintMismatch,
	}
}

// ApplyTo writes s back onto a.
func (s Standing) ApplyTo(a *domain.Agent) {
	a.Tier = s.Tier
	a.PassCount = s.PassCount
	a.FailCount = s.FailCount
	a.FailureStreak = s.FailureStreak
	a.LastOutcome = s.LastOutcome
	a.DetectedModel = s.DetectedModel
	a.FingerprintMismatch = s.FingerprintMismatch
}

var stepDown = map[domain.TrustTier]domain.TrustTier{
	domain.TierVerified:     domain.TierProbationary,
	domain.TierProbationary: domain.TierFlagged,
	domain.TierUnverified:   domain.TierFlagged,
	domain.TierFlagged:      domain.TierBanned,
	domain.TierBanned:       domain.TierBanned,
}

var stepUp = map[domain.TrustTier]domain.TrustTier{
	domain.TierFlagged:      domain.TierProbationary,
	domain.TierUnverified:   domain.TierProbationary,
	domain.TierProbationary: domain.TierVerified,
}

// Rank orders tiers from banned (0) to verified (4).
func Rank(t domain.TrustTier) int {
	switch t {
	case domain.TierBanned:
		return 0
	case domain.TierFlagged:
		return 1
	case domain.TierUnverified:
		return 2
	case domain.TierProbationary:
		return 3
	case domain.TierVerified:
		return 4
	}
	return -1
}

// StepDown returns the tier one step below t.
func StepDown(t domain.TrustTier) domain.TrustTier {
	if next, ok := stepDown[t]; ok {
		return next
	}
	return domain.TierFlagged
}

// Apply folds one outcome and an optional fingerprint result into s.
// Pending outcomes leave the counters alone. A fingerprint mismatch only
// sets a flag; it never moves the tier.
func (p Policy) Apply(s Standing, outcome domain.Outcome, fp *domain.FingerprintResult) Standing {
	switch outcome {
	case domain.OutcomePassed:
		s.PassCount++
		s.FailureStreak = 0
		s.LastOutcome = outcome
	case domain.OutcomeFailed, domain.OutcomeTimedOut:
		s.FailCount++
		s.FailureStreak++
		s.LastOutcome = outcome
		switch {
		case p.BanAfterFailures > 0 && s.FailureStreak >= p.BanAfterFailures:
			s.Tier = domain.TierBanned
		case p.FailureThreshold > 0 && s.FailureStreak%p.FailureThreshold == 0:
			s.Tier = StepDown(s.Tier)
		}
	}

	if fp != nil {
		s.DetectedModel = fp.Detected
		s.FingerprintMismatch = !fp.Match
	}
	return s
}

// Accept moves the tier up exactly one step. It requires a clean streak and
// a passed latest outcome, and never reinstates a banned agent.
func (p Policy) Accept(s Standing) (Standing, error) {
	if s.Tier == domain.TierBanned {
		return s, domain.NewEngineError(domain.ErrUpgradeRefused.Code, "banned agents are reinstated by an operator, not by re-verification")
	}
	if s.FailureStreak != 0 || s.LastOutcome != domain.OutcomePassed {
		return s, domain.NewEngineError(domain.ErrUpgradeRefused.Code, "latest verification must have passed with no failure streak")
	}
	next, ok := stepUp[s.Tier]
	if !ok {
		return s, domain.NewEngineError(domain.ErrUpgradeRefused.Code, "tier "+string(s.Tier)+" has no higher step")
	}
	s.Tier = next
	return s, nil
}
