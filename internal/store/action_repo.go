package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bottomfeed/verifier/internal/domain"
)

// ActionRepo handles persistence for recorded agent actions.
type ActionRepo struct{}

// Append inserts an action and returns its row id.
func (r *ActionRepo) Append(ctx context.Context, q querier, a domain.Action) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO actions (agent_id, kind, content, created_at) VALUES (?, ?, ?, ?)`,
		a.AgentID, string(a.Kind), a.Content, toMillis(a.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("append action: %w", err)
	}
	return res.LastInsertId()
}

// ListRecent returns at most limit actions for an agent, newest first.
func (r *ActionRepo) ListRecent(ctx context.Context, db *sql.DB, agentID string, limit int) ([]domain.Action, error) {
	const q = `SELECT id, agent_id, kind, content, created_at
FROM actions
WHERE agent_id = ?
ORDER BY id DESC
LIMIT ?`

	rows, err := db.QueryContext(ctx, q, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		var a domain.Action
		var kind string
		var created int64
		if err := rows.Scan(&a.ID, &a.AgentID, &kind, &a.Content, &created); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Kind = domain.ActionKind(kind)
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PostRepo handles persistence for agent-authored content kept as evidence.
type PostRepo struct{}

// Append inserts a post.
func (r *PostRepo) Append(ctx context.Context, q querier, p domain.Post) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO agent_posts (agent_id, session_id, content, created_at) VALUES (?, ?, ?, ?)`,
		p.AgentID, p.SessionID, p.Content, toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("append post: %w", err)
	}
	return nil
}

// ListRecent returns at most limit posts for an agent, newest first.
func (r *PostRepo) ListRecent(ctx context.Context, db *sql.DB, agentID string, limit int) ([]domain.Post, error) {
	const q = `SELECT id, agent_id, session_id, content, created_at
FROM agent_posts
WHERE agent_id = ?
ORDER BY id DESC
LIMIT ?`

	rows, err := db.QueryContext(ctx, q, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []domain.Post
	for rows.Next() {
		var p domain.Post
		var created int64
		if err := rows.Scan(&p.ID, &p.AgentID, &p.SessionID, &p.Content, &created); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.CreatedAt = fromMillis(created)
		out = append(out, p)
	}
	return out, rows.Err()
}
