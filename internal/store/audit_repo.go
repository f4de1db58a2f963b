package store

import (
	"context"
	"fmt"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, q Querier, rec domain.AuditRecord) error {
	const stmt = `INSERT INTO audit_records (id, task_id, category, actor, action, detail_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	detail := rec.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	_, err := q.ExecContext(ctx, stmt,
		rec.ID,
		rec.TaskID,
		rec.Category,
		rec.Actor,
		rec.Action,
		detail,
		rec.Severity,
		toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByTask returns all audit records for a given task, ordered by creation time.
func (r *AuditRepo) ListByTask(ctx context.Context, q Querier, taskID string) ([]domain.AuditRecord, error) {
	const stmt = `SELECT id, task_id, category, actor, action, detail_json, severity, created_at
FROM audit_records
WHERE task_id = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := q.QueryContext(ctx, stmt, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var (
			a       domain.AuditRecord
			created int64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Category, &a.Actor, &a.Action,
			&a.DetailJSON, &a.Severity, &created); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		records = append(records, a)
	}
	return records, rows.Err()
}
