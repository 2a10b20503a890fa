package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bottomfeed/verifier/internal/domain"
)

// EventRepo handles persistence for SessionEvent audit rows.
type EventRepo struct{}

// AppendTx inserts a session event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.SessionEvent) error {
	const q = `INSERT INTO session_events (session_id, agent_id, from_state, to_state, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		event.SessionID,
		event.AgentID,
		string(event.FromState),
		string(event.ToState),
		event.Detail,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListBySession returns the events of a session in append order.
func (r *EventRepo) ListBySession(ctx context.Context, db *sql.DB, sessionID string) ([]domain.SessionEvent, error) {
	const q = `SELECT id, session_id, agent_id, from_state, to_state, detail, created_at
FROM session_events
WHERE session_id = ?
ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.SessionEvent
	for rows.Next() {
		var e domain.SessionEvent
		var from, to string
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentID, &from, &to, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.FromState = domain.SessionState(from)
		e.ToState = domain.SessionState(to)
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}
