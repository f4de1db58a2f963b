package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

const workerColumns = `worker_id, name, hostname, capabilities, last_heartbeat, created_at`

// WorkerRepo handles persistence for Worker records.
type WorkerRepo struct{}

// Upsert inserts a worker or refreshes an existing registration. created_at
// is preserved on re-registration.
func (r *WorkerRepo) Upsert(ctx context.Context, q Querier, w domain.Worker) error {
	caps, err := json.Marshal(nonNilStrings(w.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	const stmt = `INSERT INTO workers (` + workerColumns + `)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
	name = excluded.name,
	hostname = excluded.hostname,
	capabilities = excluded.capabilities,
	last_heartbeat = excluded.last_heartbeat`
	_, err = q.ExecContext(ctx, stmt,
		w.WorkerID,
		w.Name,
		w.Hostname,
		string(caps),
		toMillis(w.LastHeartbeat),
		toMillis(w.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// GetByID retrieves a worker by its ID. CodebaseIDs is not populated.
func (r *WorkerRepo) GetByID(ctx context.Context, q Querier, workerID string) (*domain.Worker, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID)
	w, err := scanWorker(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// List returns all workers ordered by registration time.
func (r *WorkerRepo) List(ctx context.Context, q Querier) ([]*domain.Worker, error) {
	return r.query(ctx, q, `SELECT `+workerColumns+` FROM workers ORDER BY created_at ASC, worker_id ASC`)
}

// ListExpired returns workers whose last heartbeat is before cutoff.
func (r *WorkerRepo) ListExpired(ctx context.Context, q Querier, cutoff time.Time) ([]*domain.Worker, error) {
	return r.query(ctx, q, `SELECT `+workerColumns+` FROM workers WHERE last_heartbeat < ? ORDER BY worker_id ASC`, cutoff.UnixMilli())
}

// UpdateHeartbeat updates the last_heartbeat timestamp for a worker.
func (r *WorkerRepo) UpdateHeartbeat(ctx context.Context, q Querier, workerID string, ts time.Time) error {
	const stmt = `UPDATE workers SET last_heartbeat = ? WHERE worker_id = ?`
	res, err := q.ExecContext(ctx, stmt, ts.UnixMilli(), workerID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// Delete removes a worker record.
func (r *WorkerRepo) Delete(ctx context.Context, q Querier, workerID string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = ?`, workerID)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

func (r *WorkerRepo) query(ctx context.Context, q Querier, stmt string, args ...any) ([]*domain.Worker, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(scan func(dest ...any) error) (*domain.Worker, error) {
	var (
		w                    domain.Worker
		capsJSON             string
		heartbeat, createdAt int64
	)
	if err := scan(&w.WorkerID, &w.Name, &w.Hostname, &capsJSON, &heartbeat, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	w.LastHeartbeat = fromMillis(heartbeat)
	w.CreatedAt = fromMillis(createdAt)
	return &w, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
