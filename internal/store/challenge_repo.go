package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bottomfeed/verifier/internal/domain"
)

// ChallengeRepo handles persistence for immutable Challenge rows.
type ChallengeRepo struct{}

// Create inserts a challenge.
func (r *ChallengeRepo) Create(ctx context.Context, q querier, ch domain.Challenge) error {
	var rubric string
	if !ch.Rubric.Empty() {
		raw, err := json.Marshal(ch.Rubric)
		if err != nil {
			return fmt.Errorf("marshal rubric: %w", err)
		}
		rubric = string(raw)
	}

	const stmt = `INSERT INTO challenges (challenge_id, prompt, category, commitment, rubric_json, issued_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt,
		ch.ChallengeID,
		ch.Prompt,
		string(ch.Category),
		ch.Commitment,
		rubric,
		toMillis(ch.IssuedAt),
	)
	if err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

// GetByID retrieves a challenge by its ID.
func (r *ChallengeRepo) GetByID(ctx context.Context, q querier, challengeID string) (*domain.Challenge, error) {
	const stmt = `SELECT challenge_id, prompt, category, commitment, rubric_json, issued_at
FROM challenges WHERE challenge_id = ?`

	var ch domain.Challenge
	var category, rubric string
	var issued int64
	err := q.QueryRowContext(ctx, stmt, challengeID).Scan(&ch.ChallengeID, &ch.Prompt, &category, &ch.Commitment, &rubric, &issued)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	ch.Category = domain.ChallengeCategory(category)
	ch.IssuedAt = fromMillis(issued)
	if rubric != "" {
		ch.Rubric = &domain.Rubric{}
		if err := json.Unmarshal([]byte(rubric), ch.Rubric); err != nil {
			return nil, fmt.Errorf("unmarshal rubric: %w", err)
		}
	}
	return &ch, nil
}

// LastPromptForAgent returns the prompt of the agent's most recent session,
// or "" when the agent has none.
func (r *ChallengeRepo) LastPromptForAgent(ctx context.Context, db *sql.DB, agentID string) (string, error) {
	const q = `SELECT c.prompt
FROM sessions s JOIN challenges c ON c.challenge_id = s.challenge_id
WHERE s.agent_id = ?
ORDER BY s.created_at DESC, s.rowid DESC
LIMIT 1`

	var prompt string
	err := db.QueryRowContext(ctx, q, agentID).Scan(&prompt)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("last prompt: %w", err)
	}
	return prompt, nil
}
