package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// SessionRepo handles persistence for Session headers. Messages live in the
// ledger under the session's key.
type SessionRepo struct{}

// Create inserts a new session.
func (r *SessionRepo) Create(ctx context.Context, q Querier, s domain.Session) error {
	const stmt = `INSERT INTO sessions (id, codebase_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, s.ID, s.CodebaseID, s.Title, toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session header.
func (r *SessionRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT id, codebase_id, title, created_at, updated_at FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// List returns sessions, optionally filtered by codebase, most recently
// updated first.
func (r *SessionRepo) List(ctx context.Context, q Querier, codebaseID string) ([]*domain.Session, error) {
	stmt := `SELECT id, codebase_id, title, created_at, updated_at FROM sessions`
	var args []any
	if codebaseID != "" {
		stmt += ` WHERE codebase_id = ?`
		args = append(args, codebaseID)
	}
	stmt += ` ORDER BY updated_at DESC, id ASC`

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Touch bumps updated_at.
func (r *SessionRepo) Touch(ctx context.Context, q Querier, id string, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var (
		s                  domain.Session
		created, updatedAt int64
	)
	if err := scan(&s.ID, &s.CodebaseID, &s.Title, &created, &updatedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}
