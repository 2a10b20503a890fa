// Package domain defines the core types for the agent verification engine.
package domain

import "time"

// TrustTier is the coarse classification gating an agent's privileges.
type TrustTier string

const (
	TierUnverified   TrustTier = "unverified"
	TierProbationary TrustTier = "probationary"
	TierVerified     TrustTier = "verified"
	TierFlagged      TrustTier = "flagged"
	TierBanned       TrustTier = "banned"
)

// Valid reports whether t is a known tier.
func (t TrustTier) Valid() bool {
	switch t {
	case TierUnverified, TierProbationary, TierVerified, TierFlagged, TierBanned:
		return true
	}
	return false
}

// Agent is a registered autonomous participant subject to verification.
type Agent struct {
	AgentID             string    `json:"agent_id"`
	Name                string    `json:"name"`
	ClaimedModel        string    `json:"claimed_model"`
	Description         string    `json:"description,omitempty"`
	WebhookURL          string    `json:"webhook_url,omitempty"`
	Tier                TrustTier `json:"tier"`
	PassCount           int       `json:"pass_count"`
	FailCount           int       `json:"fail_count"`
	FailureStreak       int       `json:"failure_streak"`
	NextBurstAt         time.Time `json:"next_burst_at"`
	DetectedModel       string    `json:"detected_model,omitempty"`
	FingerprintMismatch bool      `json:"fingerprint_mismatch"`
	LastOutcome         Outcome   `json:"last_outcome,omitempty"`
	Version             int64     `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ChallengeCategory groups challenges by what they probe.
type ChallengeCategory string

const (
	CategoryReasoning     ChallengeCategory = "reasoning"
	CategoryHallucination ChallengeCategory = "hallucination_resistance"
	CategorySafety        ChallengeCategory = "safety"
	CategorySelfModeling  ChallengeCategory = "self_modeling"
	CategoryConsistency   ChallengeCategory = "consistency"
)

// OpenEnded reports whether answers in this category are judged by rubric
// rather than by a single canonical answer.
func (c ChallengeCategory) OpenEnded() bool {
	switch c {
	case CategoryHallucination, CategorySafety, CategorySelfModeling:
		return true
	}
	return false
}

// Rubric is the heuristic match definition for open-ended challenges. It is
// supplied by the prompt-selection policy alongside the challenge.
type Rubric struct {
	AnyOf    []string `json:"any_of,omitempty" yaml:"any_of"`
	AllOf    []string `json:"all_of,omitempty" yaml:"all_of"`
	NoneOf   []string `json:"none_of,omitempty" yaml:"none_of"`
	MinWords int      `json:"min_words,omitempty" yaml:"min_words"`
	Expr     string   `json:"expr,omitempty" yaml:"expr"`
}

// Empty reports whether the rubric has no clauses.
func (r *Rubric) Empty() bool {
	return r == nil || (len(r.AnyOf) == 0 && len(r.AllOf) == 0 && len(r.NoneOf) == 0 && r.MinWords == 0 && r.Expr == "")
}

// Challenge is an immutable prompt definition with an expected-answer commitment.
type Challenge struct {
	ChallengeID string            `json:"challenge_id"`
	Prompt      string            `json:"prompt"`
	Category    ChallengeCategory `json:"category"`
	Commitment  string            `json:"-"`
	Rubric      *Rubric           `json:"-"`
	IssuedAt    time.Time         `json:"issued_at"`
}

// SessionState is a node of the verification session state machine.
type SessionState string

const (
	SessionIdle             SessionState = "idle"
	SessionChallengeSent    SessionState = "challenge_sent"
	SessionAwaitingResponse SessionState = "awaiting_response"
	SessionPassed           SessionState = "passed"
	SessionFailed           SessionState = "failed"
	SessionTimedOut         SessionState = "timed_out"
)

// Terminal reports whether the state ends a session.
func (s SessionState) Terminal() bool {
	return s == SessionPassed || s == SessionFailed || s == SessionTimedOut
}

// Outcome is the verdict recorded on a session.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomePassed   Outcome = "passed"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
)

// State returns the terminal session state that corresponds to the outcome.
func (o Outcome) State() SessionState {
	switch o {
	case OutcomePassed:
		return SessionPassed
	case OutcomeFailed:
		return SessionFailed
	case OutcomeTimedOut:
		return SessionTimedOut
	}
	return ""
}

// SessionKind distinguishes why a session was opened.
type SessionKind string

const (
	KindInitial   SessionKind = "initial"
	KindSpotCheck SessionKind = "spot_check"
	KindOnDemand  SessionKind = "on_demand"
)

// Session tracks one challenge's lifecycle for one agent.
type Session struct {
	SessionID        string       `json:"session_id"`
	AgentID          string       `json:"agent_id"`
	ChallengeID      string       `json:"challenge_id"`
	Kind             SessionKind  `json:"kind"`
	State            SessionState `json:"state"`
	Nonce            string       `json:"-"`
	IssuedAt         time.Time    `json:"issued_at"`
	Deadline         time.Time    `json:"deadline"`
	Answer           string       `json:"answer,omitempty"`
	AnsweredAt       time.Time    `json:"answered_at,omitzero"`
	Outcome          Outcome      `json:"outcome"`
	DispatchAttempts int          `json:"dispatch_attempts"`
	NextBurstAt      time.Time    `json:"next_burst_at,omitzero"`
	EvidenceJSON     string       `json:"evidence,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	ResolvedAt       time.Time    `json:"resolved_at,omitzero"`
}

// HasAnswer reports whether an answer has been received for the session.
func (s *Session) HasAnswer() bool {
	return !s.AnsweredAt.IsZero()
}

// ResponseWindow returns the configured answer window of the session.
func (s *Session) ResponseWindow() time.Duration {
	return s.Deadline.Sub(s.IssuedAt)
}

// SessionSpec describes a session to open.
type SessionSpec struct {
	AgentID   string
	Challenge Challenge
	Kind      SessionKind
	Nonce     string
	IssuedAt  time.Time
	Window    time.Duration
}

// DueSession is the idle session slot of an agent whose burst is due.
type DueSession struct {
	AgentID     string
	Tier        TrustTier
	NextBurstAt time.Time
}

// IssuedChallenge is the agent-facing view of an issued challenge.
type IssuedChallenge struct {
	ChallengeID           string            `json:"challenge_id"`
	Prompt                string            `json:"prompt"`
	Category              ChallengeCategory `json:"category"`
	IssuedAt              time.Time         `json:"issued_at"`
	ResponseWindowSeconds int               `json:"response_window_seconds"`
	Nonce                 string            `json:"nonce"`
	Instructions          string            `json:"instructions"`
}

// Evidence is attached to a terminal session write.
type Evidence struct {
	Reason           string  `json:"reason"`
	ElapsedMs        int64   `json:"elapsed_ms"`
	DetectedModel    string  `json:"detected_model,omitempty"`
	FingerprintMatch bool    `json:"fingerprint_match"`
	Archetype        string  `json:"archetype,omitempty"`
	TierBefore       string  `json:"tier_before,omitempty"`
	TierAfter        string  `json:"tier_after,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// Resolution is the terminal write for a session: outcome plus the next burst.
type Resolution struct {
	Outcome     Outcome
	Evidence    Evidence
	ResolvedAt  time.Time
	NextBurstAt time.Time
}

// ActionKind enumerates the recorded agent actions.
type ActionKind string

const (
	ActionPost                  ActionKind = "post"
	ActionReply                 ActionKind = "reply"
	ActionLike                  ActionKind = "like"
	ActionFollow                ActionKind = "follow"
	ActionRepost                ActionKind = "repost"
	ActionDebateEntry           ActionKind = "debate_entry"
	ActionChallengeContribution ActionKind = "challenge_contribution"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionPost, ActionReply, ActionLike, ActionFollow, ActionRepost, ActionDebateEntry, ActionChallengeContribution:
		return true
	}
	return false
}

// Action is one recorded agent action.
type Action struct {
	ID        int64      `json:"id"`
	AgentID   string     `json:"agent_id"`
	Kind      ActionKind `json:"kind"`
	Content   string     `json:"content,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Dimension names a behavioral/personality axis.
type Dimension string

const (
	DimCuriosity     Dimension = "curiosity"
	DimSociability   Dimension = "sociability"
	DimAssertiveness Dimension = "assertiveness"
	DimWarmth        Dimension = "warmth"
	DimRigor         Dimension = "rigor"
	DimVolatility    Dimension = "volatility"
)

// Dimensions lists every scored dimension in canonical order.
var Dimensions = []Dimension{
	DimCuriosity,
	DimSociability,
	DimAssertiveness,
	DimWarmth,
	DimRigor,
	DimVolatility,
}

// Trend is the direction of a dimension relative to prior snapshots.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// DimensionScore is a score in [0,100] for one dimension.
type DimensionScore struct {
	Dimension  Dimension `json:"dimension"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Trend      Trend     `json:"trend"`
}

// ArchetypeMatch is the archetype classification of a dimension vector.
type ArchetypeMatch struct {
	Primary    string  `json:"primary"`
	Secondary  string  `json:"secondary,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ProfileSource records what evidence a snapshot was computed from.
type ProfileSource string

const (
	SourceActions         ProfileSource = "actions"
	SourceSelfDescription ProfileSource = "self_description"
	SourcePrior           ProfileSource = "prior"
)

// ProfileSnapshot is an append-only record of an agent's dimension scores.
type ProfileSnapshot struct {
	ID         int64            `json:"id"`
	AgentID    string           `json:"agent_id"`
	Scores     []DimensionScore `json:"scores"`
	Archetype  ArchetypeMatch   `json:"archetype"`
	Source     ProfileSource    `json:"source"`
	ComputedAt time.Time        `json:"computed_at"`
}

// Score returns the score for dimension d, or false if absent.
func (p *ProfileSnapshot) Score(d Dimension) (float64, bool) {
	for _, s := range p.Scores {
		if s.Dimension == d {
			return s.Score, true
		}
	}
	return 0, false
}

// FingerprintResult is the model-fingerprint classification of a text corpus.
type FingerprintResult struct {
	Scores   map[string]float64 `json:"scores"`
	Detected string             `json:"detected,omitempty"`
	Claimed  string             `json:"claimed,omitempty"`
	Match    bool               `json:"match"`
}

// Enrichment is what the classifier and scorer add to a verdict.
type Enrichment struct {
	Fingerprint FingerprintResult
	Profile     *ProfileSnapshot
}

// SessionEvent is an audit row for one session transition.
type SessionEvent struct {
	ID        int64        `json:"id"`
	SessionID string       `json:"session_id"`
	AgentID   string       `json:"agent_id"`
	FromState SessionState `json:"from_state"`
	ToState   SessionState `json:"to_state"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// TickSummary is the externally observed result of a scheduler tick.
type TickSummary struct {
	Skipped             bool `json:"skipped"`
	ChallengesSent      int  `json:"challenges_sent"`
	SessionsProcessed   int  `json:"sessions_processed"`
	SpotChecksProcessed int  `json:"spot_checks_processed"`
	SpotChecksPassed    int  `json:"spot_checks_passed"`
	SpotChecksFailed    int  `json:"spot_checks_failed"`
	DispatchFailures    int  `json:"dispatch_failures"`
	Errors              int  `json:"errors"`
}

// AuditRecord logs an operator or API action against an agent.
type AuditRecord struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Category     string    `json:"category"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	RequestJSON  string    `json:"request_json"`
	DecisionJSON string    `json:"decision_json"`
	Severity     string    `json:"severity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Post is agent-authored content retained as classifier evidence.
type Post struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery is the result of dispatching a challenge. Transports that return
// the answer inline set Answered.
type Delivery struct {
	Answered   bool
	Answer     string
	ReceivedAt time.Time
}
