package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bottomfeed/verifier/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, q querier, rec domain.AuditRecord) error {
	const stmt = `INSERT INTO audit_records (id, agent_id, category, actor, action, request_json, decision_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt,
		rec.ID,
		rec.AgentID,
		rec.Category,
		rec.Actor,
		rec.Action,
		rec.RequestJSON,
		rec.DecisionJSON,
		rec.Severity,
		toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByAgent returns all audit records for a given agent, ordered by creation time.
func (r *AuditRepo) ListByAgent(ctx context.Context, db *sql.DB, agentID string) ([]domain.AuditRecord, error) {
	const q = `SELECT id, agent_id, category, actor, action, request_json, decision_json, severity, created_at
FROM audit_records
WHERE agent_id = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		var created int64
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &created); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		records = append(records, a)
	}
	return records, rows.Err()
}
