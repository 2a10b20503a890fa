package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
)

// SessionRepo handles persistence for verification sessions. Every state
// change is a conditional write keyed by session id and expected prior state.
type SessionRepo struct{}

const sessionColumns = `session_id, agent_id, challenge_id, kind, state, nonce, issued_at, deadline, answer,
answered_at, outcome, dispatch_attempts, next_burst_at, evidence_json, created_at, resolved_at`

// CreateTx inserts a session. The partial unique index on active sessions
// turns a second active session for the same agent into ErrConflict.
func (r *SessionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	const stmt = `INSERT INTO sessions (` + sessionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, stmt,
		s.SessionID,
		s.AgentID,
		s.ChallengeID,
		string(s.Kind),
		string(s.State),
		s.Nonce,
		toMillis(s.IssuedAt),
		toMillis(s.Deadline),
		s.Answer,
		toMillis(s.AnsweredAt),
		string(s.Outcome),
		s.DispatchAttempts,
		toMillis(s.NextBurstAt),
		s.EvidenceJSON,
		toMillis(s.CreatedAt),
		toMillis(s.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepo) GetByID(ctx context.Context, q querier, sessionID string) (*domain.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// GetActiveByAgent returns the agent's non-terminal session, or nil.
func (r *SessionRepo) GetActiveByAgent(ctx context.Context, q querier, agentID string) (*domain.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
WHERE agent_id = ? AND state IN ('challenge_sent', 'awaiting_response')`, agentID)
	s, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

// ListOpen returns non-terminal sessions in creation order.
func (r *SessionRepo) ListOpen(ctx context.Context, db *sql.DB, limit int) ([]domain.Session, error) {
	return r.list(ctx, db, `SELECT `+sessionColumns+` FROM sessions
WHERE state IN ('challenge_sent', 'awaiting_response')
ORDER BY created_at ASC, rowid ASC
LIMIT ?`, limit)
}

// ListByAgent returns the agent's sessions, newest first.
func (r *SessionRepo) ListByAgent(ctx context.Context, db *sql.DB, agentID string, limit int) ([]domain.Session, error) {
	return r.list(ctx, db, `SELECT `+sessionColumns+` FROM sessions
WHERE agent_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?`, agentID, limit)
}

func (r *SessionRepo) list(ctx context.Context, db *sql.DB, q string, args ...any) ([]domain.Session, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// TransitionTx moves a session from one state to another.
// Returns ErrStaleState if the session is no longer in from.
func (r *SessionRepo) TransitionTx(ctx context.Context, tx *sql.Tx, sessionID string, from, to domain.SessionState) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ? WHERE session_id = ? AND state = ?`,
		string(to), sessionID, string(from))
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	return expectOne(res)
}

// IncrementDispatchTx bumps the dispatch attempt counter of a session still
// in challenge_sent and returns the new count.
func (r *SessionRepo) IncrementDispatchTx(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET dispatch_attempts = dispatch_attempts + 1 WHERE session_id = ? AND state = ?`,
		sessionID, string(domain.SessionChallengeSent))
	if err != nil {
		return 0, fmt.Errorf("increment dispatch attempts: %w", err)
	}
	if err := expectOne(res); err != nil {
		return 0, err
	}

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT dispatch_attempts FROM sessions WHERE session_id = ?`, sessionID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read dispatch attempts: %w", err)
	}
	return attempts, nil
}

// RecordAnswerTx stores the first answer of an awaiting session. A session
// that already holds an answer, or is no longer awaiting, yields ErrStaleState.
func (r *SessionRepo) RecordAnswerTx(ctx context.Context, tx *sql.Tx, sessionID, answer string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET answer = ?, answered_at = ? WHERE session_id = ? AND state = ? AND answered_at = 0`,
		answer, toMillis(at), sessionID, string(domain.SessionAwaitingResponse))
	if err != nil {
		return fmt.Errorf("record answer: %w", err)
	}
	return expectOne(res)
}

// ResolveTx writes the terminal outcome, evidence and next burst of a session
// in a single conditional update keyed by the expected prior state.
func (r *SessionRepo) ResolveTx(ctx context.Context, tx *sql.Tx, sessionID string, prior domain.SessionState, outcome domain.Outcome, evidenceJSON string, resolvedAt, nextBurst time.Time) error {
	const stmt = `UPDATE sessions SET
		state = ?,
		outcome = ?,
		evidence_json = ?,
		resolved_at = ?,
		next_burst_at = ?
	WHERE session_id = ? AND state = ?`

	res, err := tx.ExecContext(ctx, stmt,
		string(outcome.State()),
		string(outcome),
		evidenceJSON,
		toMillis(resolvedAt),
		toMillis(nextBurst),
		sessionID,
		string(prior),
	)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrStaleState
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var s domain.Session
	var kind, state, outcome string
	var issued, deadline, answered, next, created, resolved int64
	err := row.Scan(&s.SessionID, &s.AgentID, &s.ChallengeID, &kind, &state, &s.Nonce, &issued, &deadline,
		&s.Answer, &answered, &outcome, &s.DispatchAttempts, &next, &s.EvidenceJSON, &created, &resolved)
	if err != nil {
		return nil, err
	}
	s.Kind = domain.SessionKind(kind)
	s.State = domain.SessionState(state)
	s.Outcome = domain.Outcome(outcome)
	s.IssuedAt = fromMillis(issued)
	s.Deadline = fromMillis(deadline)
	s.AnsweredAt = fromMillis(answered)
	s.NextBurstAt = fromMillis(next)
	s.CreatedAt = fromMillis(created)
	s.ResolvedAt = fromMillis(resolved)
	return &s, nil
}
