package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bottomfeed/verifier/internal/domain"
)

// Store binds the repos to one database and exposes the transactional
// operations the scheduler and API use.
type Store struct {
	DB         *sql.DB
	Agents     *AgentRepo
	Challenges *ChallengeRepo
	Sessions   *SessionRepo
	Events     *EventRepo
	Actions    *ActionRepo
	Posts      *PostRepo
	Snapshots  *SnapshotRepo
	Audit      *AuditRepo
}

// New creates a Store over db.
func New(db *sql.DB) *Store {
	return &Store{
		DB:         db,
		Agents:     &AgentRepo{},
		Challenges: &ChallengeRepo{},
		Sessions:   &SessionRepo{},
		Events:     &EventRepo{},
		Actions:    &ActionRepo{},
		Posts:      &PostRepo{},
		Snapshots:  &SnapshotRepo{},
		Audit:      &AuditRepo{},
	}
}

// Open opens the database at path and returns a Store over it.
func Open(path string) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open store", err)
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// RegisterAgent inserts a new agent. The agent starts unverified with its
// first burst due immediately.
func (s *Store) RegisterAgent(ctx context.Context, a domain.Agent) (*domain.Agent, error) {
	if a.Tier == "" {
		a.Tier = domain.TierUnverified
	}
	if a.NextBurstAt.IsZero() {
		a.NextBurstAt = a.CreatedAt
	}
	a.Version = 1
	a.UpdatedAt = a.CreatedAt

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.Agents.Create(ctx, tx, a); err != nil {
		return nil, err
	}
	req, _ := json.Marshal(map[string]string{"claimed_model": a.ClaimedModel, "webhook_url": a.WebhookURL})
	if err := s.Audit.Record(ctx, tx, domain.AuditRecord{
		ID:           uuid.NewString(),
		AgentID:      a.AgentID,
		Category:     "registration",
		Actor:        a.AgentID,
		Action:       "register",
		RequestJSON:  string(req),
		DecisionJSON: `{"tier":"` + string(a.Tier) + `"}`,
		Severity:     "info",
		CreatedAt:    a.CreatedAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &a, nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	return s.Agents.GetByID(ctx, s.DB, agentID)
}

// GetDueSessions returns the idle slots of agents whose next burst is at or
// before now, in creation order.
func (s *Store) GetDueSessions(ctx context.Context, now time.Time, limit int) ([]domain.DueSession, error) {
	return s.Agents.ListDue(ctx, s.DB, now, limit)
}

// CreateSession persists the challenge and opens a session in challenge_sent.
// It fails with ErrConflict when the agent already has an active session.
func (s *Store) CreateSession(ctx context.Context, spec domain.SessionSpec) (*domain.Session, error) {
	if spec.Window <= 0 {
		return nil, domain.NewEngineError(domain.ErrValidation.Code, "response window must be positive")
	}

	ch := spec.Challenge
	if ch.ChallengeID == "" {
		ch.ChallengeID = uuid.NewString()
	}
	ch.IssuedAt = spec.IssuedAt

	sess := domain.Session{
		SessionID:   uuid.NewString(),
		AgentID:     spec.AgentID,
		ChallengeID: ch.ChallengeID,
		Kind:        spec.Kind,
		State:       domain.SessionChallengeSent,
		Nonce:       spec.Nonce,
		IssuedAt:    spec.IssuedAt,
		Deadline:    spec.IssuedAt.Add(spec.Window),
		Outcome:     domain.OutcomePending,
		CreatedAt:   spec.IssuedAt,
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.Challenges.Create(ctx, tx, ch); err != nil {
		return nil, err
	}
	if err := s.Sessions.CreateTx(ctx, tx, sess); err != nil {
		return nil, err
	}
	if err := s.Events.AppendTx(ctx, tx, domain.SessionEvent{
		SessionID: sess.SessionID,
		AgentID:   sess.AgentID,
		FromState: domain.SessionIdle,
		ToState:   domain.SessionChallengeSent,
		Detail:    string(sess.Kind),
		CreatedAt: spec.IssuedAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &sess, nil
}

// MarkDispatched moves a session from challenge_sent to awaiting_response.
func (s *Store) MarkDispatched(ctx context.Context, sessionID string, at time.Time) error {
	return s.transition(ctx, sessionID, domain.SessionChallengeSent, domain.SessionAwaitingResponse, "dispatched", at)
}

// RecordDispatchFailure counts a failed dispatch and returns the attempt total.
func (s *Store) RecordDispatchFailure(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	n, err := s.Sessions.IncrementDispatchTx(ctx, tx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// RecordAnswer stores the first answer for an awaiting session.
func (s *Store) RecordAnswer(ctx context.Context, sessionID, answer string, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.Sessions.RecordAnswerTx(ctx, tx, sessionID, answer, at); err != nil {
		return err
	}
	return tx.Commit()
}

// ListOpenSessions returns non-terminal sessions in creation order.
func (s *Store) ListOpenSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return s.Sessions.ListOpen(ctx, s.DB, limit)
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.Sessions.GetByID(ctx, s.DB, sessionID)
}

// GetActiveSession returns the agent's non-terminal session, or nil.
func (s *Store) GetActiveSession(ctx context.Context, agentID string) (*domain.Session, error) {
	return s.Sessions.GetActiveByAgent(ctx, s.DB, agentID)
}

// ListSessions returns an agent's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, agentID string, limit int) ([]domain.Session, error) {
	return s.Sessions.ListByAgent(ctx, s.DB, agentID, limit)
}

// SessionEvents returns the audit trail of a session.
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]domain.SessionEvent, error) {
	return s.Events.ListBySession(ctx, s.DB, sessionID)
}

// GetChallenge returns a challenge by id.
func (s *Store) GetChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	return s.Challenges.GetByID(ctx, s.DB, challengeID)
}

// LastPrompt returns the prompt most recently issued to an agent.
func (s *Store) LastPrompt(ctx context.Context, agentID string) (string, error) {
	return s.Challenges.LastPromptForAgent(ctx, s.DB, agentID)
}

// RecordOutcome is the single terminal write for a session. In one
// transaction it conditionally resolves the session from expectedPrior, lets
// apply fold the outcome into the agent, advances the agent's next burst
// (never backwards), and appends an event.
//
// Replaying the outcome a session already holds is a no-op. A different
// outcome on a terminal session returns ErrSessionResolved; losing the
// conditional write returns ErrStaleState.
func (s *Store) RecordOutcome(ctx context.Context, sessionID string, expectedPrior domain.SessionState, res domain.Resolution, apply func(*domain.Agent)) (*domain.Session, error) {
	if res.Outcome.State() == "" {
		return nil, domain.NewEngineError(domain.ErrValidation.Code, "outcome must be terminal")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.Sessions.GetByID(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		if sess.Outcome == res.Outcome {
			return sess, nil
		}
		return nil, domain.ErrSessionResolved
	}
	if sess.State != expectedPrior {
		return nil, domain.ErrStaleState
	}

	agent, err := s.Agents.GetByID(ctx, tx, sess.AgentID)
	if err != nil {
		return nil, err
	}
	res.Evidence.TierBefore = string(agent.Tier)
	if apply != nil {
		apply(agent)
	}
	res.Evidence.TierAfter = string(agent.Tier)
	if res.NextBurstAt.After(agent.NextBurstAt) {
		agent.NextBurstAt = res.NextBurstAt
	}
	agent.UpdatedAt = res.ResolvedAt

	evidence, err := json.Marshal(res.Evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}

	if err := s.Sessions.ResolveTx(ctx, tx, sessionID, expectedPrior, res.Outcome, string(evidence), res.ResolvedAt, agent.NextBurstAt); err != nil {
		return nil, err
	}
	if err := s.Agents.UpdateTx(ctx, tx, *agent); err != nil {
		return nil, err
	}
	if err := s.Events.AppendTx(ctx, tx, domain.SessionEvent{
		SessionID: sessionID,
		AgentID:   sess.AgentID,
		FromState: expectedPrior,
		ToState:   res.Outcome.State(),
		Detail:    res.Evidence.Reason,
		CreatedAt: res.ResolvedAt,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	sess.State = res.Outcome.State()
	sess.Outcome = res.Outcome
	sess.EvidenceJSON = string(evidence)
	sess.ResolvedAt = res.ResolvedAt
	sess.NextBurstAt = agent.NextBurstAt
	return sess, nil
}

// ForceNextBurst is the manual burst override. It refuses with ErrConflict
// while the agent holds an active session.
func (s *Store) ForceNextBurst(ctx context.Context, agentID string, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.Agents.GetByID(ctx, tx, agentID); err != nil {
		return err
	}
	active, err := s.Sessions.GetActiveByAgent(ctx, tx, agentID)
	if err != nil {
		return err
	}
	if active != nil {
		return domain.NewEngineError(domain.ErrConflict.Code,
			fmt.Sprintf("agent %s has active session %s in %s", agentID, active.SessionID, active.State))
	}
	if err := s.Agents.SetNextBurstTx(ctx, tx, agentID, at, at); err != nil {
		return err
	}
	if err := s.Audit.Record(ctx, tx, domain.AuditRecord{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Category:     "override",
		Actor:        "operator",
		Action:       "manual_burst",
		RequestJSON:  "{}",
		DecisionJSON: fmt.Sprintf(`{"next_burst_at":%d}`, at.UnixMilli()),
		Severity:     "warn",
		CreatedAt:    at,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateAgent loads an agent, applies fn and writes it back under the
// optimistic lock. An audit record is appended when rec is non-nil.
func (s *Store) UpdateAgent(ctx context.Context, agentID string, now time.Time, fn func(*domain.Agent) error, rec *domain.AuditRecord) (*domain.Agent, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	agent, err := s.Agents.GetByID(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if err := fn(agent); err != nil {
		return nil, err
	}
	agent.UpdatedAt = now
	if err := s.Agents.UpdateTx(ctx, tx, *agent); err != nil {
		return nil, err
	}
	if rec != nil {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.AgentID = agentID
		rec.CreatedAt = now
		if err := s.Audit.Record(ctx, tx, *rec); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	agent.Version++
	return agent, nil
}

// RecordAction appends an action for an existing agent.
func (s *Store) RecordAction(ctx context.Context, a domain.Action) (*domain.Action, error) {
	if _, err := s.Agents.GetByID(ctx, s.DB, a.AgentID); err != nil {
		return nil, err
	}
	id, err := s.Actions.Append(ctx, s.DB, a)
	if err != nil {
		return nil, err
	}
	a.ID = id
	return &a, nil
}

// RecentActions returns at most limit actions, newest first.
func (s *Store) RecentActions(ctx context.Context, agentID string, limit int) ([]domain.Action, error) {
	return s.Actions.ListRecent(ctx, s.DB, agentID, limit)
}

// SavePost keeps agent content as classifier evidence.
func (s *Store) SavePost(ctx context.Context, p domain.Post) error {
	return s.Posts.Append(ctx, s.DB, p)
}

// RecentPostTexts returns the text of at most limit posts, newest first.
func (s *Store) RecentPostTexts(ctx context.Context, agentID string, limit int) ([]string, error) {
	posts, err := s.Posts.ListRecent(ctx, s.DB, agentID, limit)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(posts))
	for i, p := range posts {
		texts[i] = p.Content
	}
	return texts, nil
}

// SaveSnapshot appends a profile snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.ProfileSnapshot) (int64, error) {
	return s.Snapshots.Save(ctx, s.DB, snap)
}

// RecentSnapshots returns at most n snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, agentID string, n int) ([]domain.ProfileSnapshot, error) {
	return s.Snapshots.ListRecent(ctx, s.DB, agentID, n)
}

// AuditTrail returns an agent's audit records.
func (s *Store) AuditTrail(ctx context.Context, agentID string) ([]domain.AuditRecord, error) {
	return s.Audit.ListByAgent(ctx, s.DB, agentID)
}

func (s *Store) transition(ctx context.Context, sessionID string, from, to domain.SessionState, detail string, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sess, err := s.Sessions.GetByID(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if err := s.Sessions.TransitionTx(ctx, tx, sessionID, from, to); err != nil {
		return err
	}
	if err := s.Events.AppendTx(ctx, tx, domain.SessionEvent{
		SessionID: sessionID,
		AgentID:   sess.AgentID,
		FromState: from,
		ToState:   to,
		Detail:    detail,
		CreatedAt: at,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// IsStale reports whether err means a conditional write lost to another writer.
func IsStale(err error) bool {
	return errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrOptimisticLock)
}
