package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bottomfeed/verifier/internal/domain"
)

// AgentRepo handles persistence for Agent records.
type AgentRepo struct{}

const agentColumns = `agent_id, name, claimed_model, description, webhook_url, tier, pass_count, fail_count,
failure_streak, next_burst_at, detected_model, fingerprint_mismatch, last_outcome, version, created_at, updated_at`

// Create inserts a new agent. A duplicate id returns ErrDuplicateAgent.
func (r *AgentRepo) Create(ctx context.Context, q querier, a domain.Agent) error {
	const stmt = `INSERT INTO agents (` + agentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt,
		a.AgentID,
		a.Name,
		a.ClaimedModel,
		a.Description,
		a.WebhookURL,
		string(a.Tier),
		a.PassCount,
		a.FailCount,
		a.FailureStreak,
		toMillis(a.NextBurstAt),
		a.DetectedModel,
		boolToInt(a.FingerprintMismatch),
		string(a.LastOutcome),
		a.Version,
		toMillis(a.CreatedAt),
		toMillis(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateAgent
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its ID.
func (r *AgentRepo) GetByID(ctx context.Context, q querier, agentID string) (*domain.Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// UpdateTx writes the mutable agent fields using optimistic locking on version.
func (r *AgentRepo) UpdateTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	const stmt = `UPDATE agents SET
		tier = ?,
		pass_count = ?,
		fail_count = ?,
		failure_streak = ?,
		next_burst_at = ?,
		detected_model = ?,
		fingerprint_mismatch = ?,
		last_outcome = ?,
		version = version + 1,
		updated_at = ?
	WHERE agent_id = ? AND version = ?`

	res, err := tx.ExecContext(ctx, stmt,
		string(a.Tier),
		a.PassCount,
		a.FailCount,
		a.FailureStreak,
		toMillis(a.NextBurstAt),
		a.DetectedModel,
		boolToInt(a.FingerprintMismatch),
		string(a.LastOutcome),
		toMillis(a.UpdatedAt),
		a.AgentID,
		a.Version,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// SetNextBurstTx overwrites next_burst_at. It is the operator override and the
// only write allowed to move the timestamp backwards.
func (r *AgentRepo) SetNextBurstTx(ctx context.Context, tx *sql.Tx, agentID string, at, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET next_burst_at = ?, version = version + 1, updated_at = ? WHERE agent_id = ?`,
		toMillis(at), toMillis(now), agentID)
	if err != nil {
		return fmt.Errorf("set next burst: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// ListDue returns agents whose burst is due, that are not banned and that hold
// no active session, oldest registration first.
func (r *AgentRepo) ListDue(ctx context.Context, db *sql.DB, now time.Time, limit int) ([]domain.DueSession, error) {
	const q = `SELECT a.agent_id, a.tier, a.next_burst_at
FROM agents a
WHERE a.next_burst_at <= ?
  AND a.tier != 'banned'
  AND NOT EXISTS (
	SELECT 1 FROM sessions s
	WHERE s.agent_id = a.agent_id AND s.state IN ('challenge_sent', 'awaiting_response')
  )
ORDER BY a.created_at ASC, a.rowid ASC
LIMIT ?`

	rows, err := db.QueryContext(ctx, q, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due agents: %w", err)
	}
	defer rows.Close()

	var due []domain.DueSession
	for rows.Next() {
		var d domain.DueSession
		var tier string
		var next int64
		if err := rows.Scan(&d.AgentID, &tier, &next); err != nil {
			return nil, fmt.Errorf("scan due agent: %w", err)
		}
		d.Tier = domain.TrustTier(tier)
		d.NextBurstAt = fromMillis(next)
		due = append(due, d)
	}
	return due, rows.Err()
}

func scanAgent(row *sql.Row) (*domain.Agent, error) {
	var a domain.Agent
	var tier, lastOutcome string
	var next, created, updated int64
	var mismatch int
	err := row.Scan(&a.AgentID, &a.Name, &a.ClaimedModel, &a.Description, &a.WebhookURL, &tier,
		&a.PassCount, &a.FailCount, &a.FailureStreak, &next, &a.DetectedModel, &mismatch,
		&lastOutcome, &a.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Tier = domain.TrustTier(tier)
	a.LastOutcome = domain.Outcome(lastOutcome)
	a.NextBurstAt = fromMillis(next)
	a.FingerprintMismatch = mismatch != 0
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}
