// Package affinity decides which worker may execute tasks for which
// codebase.
package affinity

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/store"
)

// CodebaseSpec is the input to RegisterCodebase.
type CodebaseSpec struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	WorkerID    string `json:"worker_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Router maps codebases to their owning workers. A codebase is owned by at
// most one worker; an unpinned codebase is open to every worker while
// unpinned routing is allowed.
type Router struct {
	DB        *sql.DB
	Codebases *store.CodebaseRepo
	Workers   *store.WorkerRepo
	Tasks     *store.TaskRepo
	Audit     *store.AuditRepo
	Logger    *slog.Logger

	allowUnpinned atomic.Bool
	now           func() time.Time
}

// NewRouter creates a Router that routes unpinned codebases to any worker.
func NewRouter(db *sql.DB, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		DB:        db,
		Codebases: &store.CodebaseRepo{},
		Workers:   &store.WorkerRepo{},
		Tasks:     &store.TaskRepo{},
		Audit:     &store.AuditRepo{},
		Logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	r.allowUnpinned.Store(true)
	return r
}

// SetAllowUnpinned toggles whether unpinned codebases are eligible for every
// worker.
func (r *Router) SetAllowUnpinned(allow bool) { r.allowUnpinned.Store(allow) }

// EligibleCodebases returns the ids of codebases workerID may claim tasks
// for: those it owns, plus unpinned ones when allowed. The result is never
// nil.
func (r *Router) EligibleCodebases(ctx context.Context, workerID string) ([]string, error) {
	if _, err := r.Workers.GetByID(ctx, r.DB, workerID); err != nil {
		return nil, err
	}
	owned, err := r.Codebases.ListByWorker(ctx, r.DB, workerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(owned))
	for _, c := range owned {
		ids = append(ids, c.ID)
	}
	if !r.allowUnpinned.Load() {
		return ids, nil
	}
	unpinned, err := r.Codebases.ListByWorker(ctx, r.DB, "")
	if err != nil {
		return nil, err
	}
	for _, c := range unpinned {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// RegisterCodebase creates a codebase or updates the one with the same name.
// Registering with a worker id pins the codebase to it, replacing any
// previous owner.
func (r *Router) RegisterCodebase(ctx context.Context, spec CodebaseSpec, actor string) (*domain.Codebase, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidParams, "codebase name is required")
	}

	var (
		out        *domain.Codebase
		prevOwner  string
		reassigned bool
	)
	err := store.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if spec.WorkerID != "" {
			if _, err := r.Workers.GetByID(ctx, tx, spec.WorkerID); err != nil {
				return err
			}
		}

		now := r.now()
		cur, err := r.Codebases.GetByName(ctx, tx, spec.Name)
		switch {
		case err == nil:
			prevOwner = cur.WorkerID
			reassigned = prevOwner != spec.WorkerID
			cur.Path = spec.Path
			cur.WorkerID = spec.WorkerID
			cur.Description = spec.Description
			cur.UpdatedAt = now
			if err := r.Codebases.Update(ctx, tx, *cur); err != nil {
				return err
			}
			out = cur
		case isNotFound(err):
			c := domain.Codebase{
				ID:          uuid.NewString(),
				Name:        spec.Name,
				Path:        spec.Path,
				WorkerID:    spec.WorkerID,
				Description: spec.Description,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := r.Codebases.Create(ctx, tx, c); err != nil {
				return err
			}
			out = &c
		default:
			return err
		}

		if reassigned {
			return r.audit(ctx, tx, "reassign", actor, map[string]string{
				"codebase_id": out.ID,
				"from":        prevOwner,
				"to":          out.WorkerID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reassigned {
		r.Logger.Info("codebase owner changed", "codebase_id", out.ID, "name", out.Name, "from", prevOwner, "to", out.WorkerID)
	}
	return out, nil
}

// ReleaseWorker unpins every codebase owned by workerID. It runs on q so
// callers can combine it with removing the worker.
func (r *Router) ReleaseWorker(ctx context.Context, q store.Querier, workerID string) (int64, error) {
	n, err := r.Codebases.ClearOwner(ctx, q, workerID, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := r.audit(ctx, q, "release", "system", map[string]any{"worker_id": workerID, "codebases": n}); err != nil {
			return n, err
		}
	}
	return n, nil
}

// UnregisterCodebase removes a codebase that has no pending or running
// tasks.
func (r *Router) UnregisterCodebase(ctx context.Context, codebaseID string) error {
	return store.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := r.Codebases.GetByID(ctx, tx, codebaseID); err != nil {
			return err
		}
		active, err := r.Tasks.CountActiveByCodebase(ctx, tx, codebaseID)
		if err != nil {
			return err
		}
		if active > 0 {
			return domain.Errorf(domain.ErrTaskNotTerminal, "codebase %s has %d active tasks", codebaseID, active)
		}
		return r.Codebases.Delete(ctx, tx, codebaseID)
	})
}

// Get returns a codebase by id.
func (r *Router) Get(ctx context.Context, codebaseID string) (*domain.Codebase, error) {
	return r.Codebases.GetByID(ctx, r.DB, codebaseID)
}

// List returns every codebase ordered by name.
func (r *Router) List(ctx context.Context) ([]*domain.Codebase, error) {
	out, err := r.Codebases.List(ctx, r.DB)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*domain.Codebase{}
	}
	return out, nil
}

// Owned returns the ids of codebases pinned to workerID.
func (r *Router) Owned(ctx context.Context, workerID string) ([]string, error) {
	owned, err := r.Codebases.ListByWorker(ctx, r.DB, workerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(owned))
	for _, c := range owned {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *Router) audit(ctx context.Context, q store.Querier, action, actor string, detail any) error {
	b, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	if actor == "" {
		actor = "system"
	}
	return r.Audit.Record(ctx, q, domain.AuditRecord{
		ID:         "aud-" + uuid.NewString(),
		Category:   "affinity",
		Actor:      actor,
		Action:     action,
		DetailJSON: string(b),
		Severity:   "info",
		CreatedAt:  r.now(),
	})
}

func isNotFound(err error) bool {
	return domain.KindOf(err) == domain.KindNotFound
}
