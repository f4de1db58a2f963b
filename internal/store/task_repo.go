package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

const taskColumns = `id, codebase_id, session_id, title, prompt, agent_type, priority, status, claimed_by,
retry_count, result, error_kind, error_message, metadata, resume_session_id, version,
created_at, started_at, completed_at, updated_at`

// TaskRepo handles persistence for Task records.
type TaskRepo struct{}

// TaskPage is one page of a task listing. Cursor is passed back as after to
// fetch the next page; it is the rowid of the last task and therefore follows
// insertion (creation) order.
type TaskPage struct {
	Tasks  []*domain.Task
	Cursor int64
}

// Create inserts a new task.
func (r *TaskRepo) Create(ctx context.Context, q Querier, t *domain.Task) error {
	meta, err := json.Marshal(nonNilMeta(t.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	const stmt = `INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	errKind, errMsg := splitTaskError(t.Error)
	_, err = q.ExecContext(ctx, stmt,
		t.ID,
		t.CodebaseID,
		t.SessionID,
		t.Title,
		t.Prompt,
		t.AgentType,
		t.Priority,
		string(t.Status),
		t.ClaimedBy,
		t.RetryCount,
		nullString(t.Result),
		errKind,
		errMsg,
		string(meta),
		t.ResumeSessionID,
		t.Version,
		toMillis(t.CreatedAt),
		nullMillis(t.StartedAt),
		nullMillis(t.CompletedAt),
		toMillis(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepo) GetByID(ctx context.Context, q Querier, taskID string) (*domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns up to limit tasks matching filter with rowid greater than after,
// in creation order.
func (r *TaskRepo) List(ctx context.Context, q Querier, filter domain.TaskFilter, after int64, limit int) (TaskPage, error) {
	if filter.CodebaseIDs != nil && len(filter.CodebaseIDs) == 0 {
		return TaskPage{Cursor: after}, nil
	}

	var (
		where = []string{"rowid > ?"}
		args  = []any{after}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, filter.ClaimedBy)
	}
	if len(filter.CodebaseIDs) > 0 {
		where = append(where, "codebase_id IN ("+placeholders(len(filter.CodebaseIDs))+")")
		for _, id := range filter.CodebaseIDs {
			args = append(args, id)
		}
	}
	args = append(args, limit)

	q2 := `SELECT rowid, ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY rowid ASC LIMIT ?`
	rows, err := q.QueryContext(ctx, q2, args...)
	if err != nil {
		return TaskPage{}, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	page := TaskPage{Cursor: after}
	for rows.Next() {
		var rowID int64
		t, err := scanTask(func(dest ...any) error {
			return rows.Scan(append([]any{&rowID}, dest...)...)
		})
		if err != nil {
			return TaskPage{}, fmt.Errorf("scan task: %w", err)
		}
		page.Tasks = append(page.Tasks, t)
		page.Cursor = rowID
	}
	return page, rows.Err()
}

// ClaimNext atomically moves the oldest pending task whose codebase is in
// codebaseIDs to running for workerID. The codebase must be unpinned or pinned
// to workerID at the moment of the update. Returns nil when nothing is claimable.
func (r *TaskRepo) ClaimNext(ctx context.Context, q Querier, workerID string, codebaseIDs []string, now time.Time) (*domain.Task, error) {
	if len(codebaseIDs) == 0 {
		return nil, nil
	}

	// The outer status guard is the compare-and-swap: a concurrent claimer that
	// selected the same id updates zero rows.
	stmt := `UPDATE tasks SET
		status = 'running',
		claimed_by = ?,
		started_at = ?,
		updated_at = ?,
		version = version + 1
	WHERE status = 'pending' AND id = (
		SELECT t.id FROM tasks t JOIN codebases c ON c.id = t.codebase_id
		WHERE t.status = 'pending'
		  AND t.codebase_id IN (` + placeholders(len(codebaseIDs)) + `)
		  AND (c.worker_id = '' OR c.worker_id = ?)
		ORDER BY t.rowid ASC
		LIMIT 1
	)
	RETURNING ` + taskColumns

	ms := now.UnixMilli()
	args := []any{workerID, ms, ms}
	for _, id := range codebaseIDs {
		args = append(args, id)
	}
	args = append(args, workerID)

	t, err := scanTask(q.QueryRowContext(ctx, stmt, args...).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return t, nil
}

// ClaimByID moves one specific pending task to running for workerID if its
// codebase is unpinned or pinned to workerID. Returns nil when the guard fails.
func (r *TaskRepo) ClaimByID(ctx context.Context, q Querier, taskID, workerID string, now time.Time) (*domain.Task, error) {
	const stmt = `UPDATE tasks SET
		status = 'running',
		claimed_by = ?,
		started_at = ?,
		updated_at = ?,
		version = version + 1
	WHERE id = ? AND status = 'pending' AND EXISTS (
		SELECT 1 FROM codebases c
		WHERE c.id = tasks.codebase_id AND (c.worker_id = '' OR c.worker_id = ?)
	)
	RETURNING ` + taskColumns

	ms := now.UnixMilli()
	t, err := scanTask(q.QueryRowContext(ctx, stmt, workerID, ms, ms, taskID, workerID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// UpdateState writes the mutable fields of t using optimistic locking.
// The update only succeeds if the stored version equals t.Version; on success
// t.Version is advanced to match the stored row.
func (r *TaskRepo) UpdateState(ctx context.Context, q Querier, t *domain.Task) error {
	const stmt = `UPDATE tasks SET
		status = ?,
		claimed_by = ?,
		retry_count = ?,
		result = ?,
		error_kind = ?,
		error_message = ?,
		started_at = ?,
		completed_at = ?,
		updated_at = ?,
		version = version + 1
	WHERE id = ? AND version = ?`

	errKind, errMsg := splitTaskError(t.Error)
	res, err := q.ExecContext(ctx, stmt,
		string(t.Status),
		t.ClaimedBy,
		t.RetryCount,
		nullString(t.Result),
		errKind,
		errMsg,
		nullMillis(t.StartedAt),
		nullMillis(t.CompletedAt),
		toMillis(t.UpdatedAt),
		t.ID,
		t.Version,
	)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrClaimConflict
	}
	t.Version++
	return nil
}

// ListOrphaned returns running tasks whose claimant is not a worker with a
// heartbeat at or after cutoff. That covers both expired and removed workers.
func (r *TaskRepo) ListOrphaned(ctx context.Context, q Querier, cutoff time.Time) ([]*domain.Task, error) {
	const stmt = `SELECT ` + taskColumns + ` FROM tasks
WHERE status = 'running' AND claimed_by NOT IN (
	SELECT worker_id FROM workers WHERE last_heartbeat >= ?
)
ORDER BY rowid ASC`
	return r.query(ctx, q, stmt, cutoff.UnixMilli())
}

// ListByIDs returns the tasks with the given ids that exist.
func (r *TaskRepo) ListByIDs(ctx context.Context, q Querier, ids []string) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	stmt := `SELECT ` + taskColumns + ` FROM tasks WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY rowid ASC`
	return r.query(ctx, q, stmt, args...)
}

// Delete removes a task row.
func (r *TaskRepo) Delete(ctx context.Context, q Querier, taskID string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepo) query(ctx context.Context, q Querier, stmt string, args ...any) ([]*domain.Task, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(dest ...any) error) (*domain.Task, error) {
	var (
		t                   domain.Task
		status, metaJSON    string
		errKind, errMessage string
		result              sql.NullString
		createdAt, updated  int64
		started, completed  sql.NullInt64
	)
	err := scan(&t.ID, &t.CodebaseID, &t.SessionID, &t.Title, &t.Prompt, &t.AgentType, &t.Priority,
		&status, &t.ClaimedBy, &t.RetryCount, &result, &errKind, &errMessage, &metaJSON,
		&t.ResumeSessionID, &t.Version, &createdAt, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	if result.Valid {
		s := result.String
		t.Result = &s
	}
	if errKind != "" {
		t.Error = &domain.TaskError{Kind: domain.ErrorKind(errKind), Message: errMessage}
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updated)
	t.StartedAt = fromNullMillis(started)
	t.CompletedAt = fromNullMillis(completed)
	return &t, nil
}

func splitTaskError(e *domain.TaskError) (string, string) {
	if e == nil {
		return "", ""
	}
	return string(e.Kind), e.Message
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// CountActiveByCodebase returns how many pending or running tasks target
// codebaseID.
func (r *TaskRepo) CountActiveByCodebase(ctx context.Context, q Querier, codebaseID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE codebase_id = ? AND status IN ('pending', 'running')`,
		codebaseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}
