package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bottomfeed/verifier/internal/domain"
)

// SnapshotRepo handles persistence for append-only ProfileSnapshot records.
type SnapshotRepo struct{}

// Save inserts a profile snapshot and returns its row id.
func (r *SnapshotRepo) Save(ctx context.Context, q querier, snap domain.ProfileSnapshot) (int64, error) {
	scores, err := json.Marshal(snap.Scores)
	if err != nil {
		return 0, fmt.Errorf("marshal scores: %w", err)
	}
	archetype, err := json.Marshal(snap.Archetype)
	if err != nil {
		return 0, fmt.Errorf("marshal archetype: %w", err)
	}

	const stmt = `INSERT INTO profile_snapshots (agent_id, scores_json, archetype_json, source, computed_at)
VALUES (?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, stmt,
		snap.AgentID,
		string(scores),
		string(archetype),
		string(snap.Source),
		toMillis(snap.ComputedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return res.LastInsertId()
}

// ListRecent returns at most n snapshots for an agent, newest first.
func (r *SnapshotRepo) ListRecent(ctx context.Context, db *sql.DB, agentID string, n int) ([]domain.ProfileSnapshot, error) {
	const q = `SELECT id, agent_id, scores_json, archetype_json, source, computed_at
FROM profile_snapshots
WHERE agent_id = ?
ORDER BY computed_at DESC, id DESC
LIMIT ?`

	rows, err := db.QueryContext(ctx, q, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []domain.ProfileSnapshot
	for rows.Next() {
		var s domain.ProfileSnapshot
		var scores, archetype, source string
		var computed int64
		if err := rows.Scan(&s.ID, &s.AgentID, &scores, &archetype, &source, &computed); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &s.Scores); err != nil {
			return nil, fmt.Errorf("unmarshal scores: %w", err)
		}
		if err := json.Unmarshal([]byte(archetype), &s.Archetype); err != nil {
			return nil, fmt.Errorf("unmarshal archetype: %w", err)
		}
		s.Source = domain.ProfileSource(source)
		s.ComputedAt = fromMillis(computed)
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
