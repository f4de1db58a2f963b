package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

const codebaseColumns = `id, name, path, worker_id, description, created_at, updated_at`

// CodebaseRepo handles persistence for Codebase records.
type CodebaseRepo struct{}

// Create inserts a new codebase.
func (r *CodebaseRepo) Create(ctx context.Context, q Querier, c domain.Codebase) error {
	const stmt = `INSERT INTO codebases (` + codebaseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt,
		c.ID,
		c.Name,
		c.Path,
		c.WorkerID,
		c.Description,
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create codebase: %w", err)
	}
	return nil
}

// Update rewrites path, owner and description of an existing codebase.
func (r *CodebaseRepo) Update(ctx context.Context, q Querier, c domain.Codebase) error {
	const stmt = `UPDATE codebases SET path = ?, worker_id = ?, description = ?, updated_at = ? WHERE id = ?`
	res, err := q.ExecContext(ctx, stmt, c.Path, c.WorkerID, c.Description, toMillis(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update codebase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrCodebaseNotFound
	}
	return nil
}

// GetByID retrieves a codebase by its ID.
func (r *CodebaseRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Codebase, error) {
	return r.get(ctx, q, `SELECT `+codebaseColumns+` FROM codebases WHERE id = ?`, id)
}

// GetByName retrieves a codebase by its unique name.
func (r *CodebaseRepo) GetByName(ctx context.Context, q Querier, name string) (*domain.Codebase, error) {
	return r.get(ctx, q, `SELECT `+codebaseColumns+` FROM codebases WHERE name = ?`, name)
}

// List returns all codebases ordered by name.
func (r *CodebaseRepo) List(ctx context.Context, q Querier) ([]*domain.Codebase, error) {
	return r.query(ctx, q, `SELECT `+codebaseColumns+` FROM codebases ORDER BY name ASC`)
}

// ListByWorker returns codebases owned by workerID. An empty workerID lists
// unpinned codebases.
func (r *CodebaseRepo) ListByWorker(ctx context.Context, q Querier, workerID string) ([]*domain.Codebase, error) {
	return r.query(ctx, q, `SELECT `+codebaseColumns+` FROM codebases WHERE worker_id = ? ORDER BY name ASC`, workerID)
}

// ClearOwner unpins every codebase owned by workerID and returns how many
// were affected.
func (r *CodebaseRepo) ClearOwner(ctx context.Context, q Querier, workerID string, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE codebases SET worker_id = '', updated_at = ? WHERE worker_id = ?`, now.UnixMilli(), workerID)
	if err != nil {
		return 0, fmt.Errorf("clear codebase owner: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes a codebase.
func (r *CodebaseRepo) Delete(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM codebases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete codebase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrCodebaseNotFound
	}
	return nil
}

func (r *CodebaseRepo) get(ctx context.Context, q Querier, stmt string, arg any) (*domain.Codebase, error) {
	c, err := scanCodebase(q.QueryRowContext(ctx, stmt, arg).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCodebaseNotFound
		}
		return nil, fmt.Errorf("get codebase: %w", err)
	}
	return c, nil
}

func (r *CodebaseRepo) query(ctx context.Context, q Querier, stmt string, args ...any) ([]*domain.Codebase, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	defer rows.Close()

	var out []*domain.Codebase
	for rows.Next() {
		c, err := scanCodebase(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan codebase: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCodebase(scan func(dest ...any) error) (*domain.Codebase, error) {
	var (
		c                  domain.Codebase
		created, updatedAt int64
	)
	if err := scan(&c.ID, &c.Name, &c.Path, &c.WorkerID, &c.Description, &created, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}
