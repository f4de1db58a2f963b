package team

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/internal/affinity"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/tasks"
)

// Registration is what a worker sends when it comes online.
type Registration struct {
	WorkerID     string                  `json:"worker_id"`
	Name         string                  `json:"name"`
	Hostname     string                  `json:"hostname"`
	Capabilities []string                `json:"capabilities"`
	Codebases    []affinity.CodebaseSpec `json:"codebases,omitempty"`
}

// HeartbeatResult tells a worker which of its running tasks to abandon.
type HeartbeatResult struct {
	CancelledTaskIDs []string `json:"cancelled_task_ids"`
}

// WorkerManager handles worker registration, heartbeats and removal.
type WorkerManager struct {
	DB         *sql.DB
	WorkerRepo *store.WorkerRepo
	AuditRepo  *store.AuditRepo
	Router     *affinity.Router
	Tasks      *tasks.Service
	Directory  *Directory
	Logger     *slog.Logger

	now func() time.Time
}

// NewWorkerManager creates a WorkerManager.
func NewWorkerManager(db *sql.DB, router *affinity.Router, svc *tasks.Service, dir *Directory, logger *slog.Logger) *WorkerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerManager{
		DB:         db,
		WorkerRepo: &store.WorkerRepo{},
		AuditRepo:  &store.AuditRepo{},
		Router:     router,
		Tasks:      svc,
		Directory:  dir,
		Logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register records a worker, or refreshes it when the id is known, and pins
// the codebases it brings along. A worker without an id gets one assigned.
func (m *WorkerManager) Register(ctx context.Context, reg Registration) (*domain.Worker, error) {
	if reg.WorkerID == "" {
		reg.WorkerID = uuid.NewString()
	}
	if err := ValidateName(reg.WorkerID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reg.Name) == "" {
		reg.Name = reg.WorkerID
	}

	now := m.now()
	w := domain.Worker{
		WorkerID:      reg.WorkerID,
		Name:          reg.Name,
		Hostname:      reg.Hostname,
		Capabilities:  reg.Capabilities,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := m.WorkerRepo.Upsert(ctx, m.DB, w); err != nil {
		return nil, err
	}

	for _, spec := range reg.Codebases {
		spec.WorkerID = reg.WorkerID
		if _, err := m.Router.RegisterCodebase(ctx, spec, reg.WorkerID); err != nil {
			return nil, err
		}
	}

	if _, err := m.Directory.Register(domain.Agent{
		Name:         reg.WorkerID,
		Capabilities: reg.Capabilities,
		Address:      reg.Hostname,
	}); err != nil {
		return nil, err
	}

	m.audit(ctx, "worker_registered", reg.WorkerID, map[string]any{"name": reg.Name, "codebases": len(reg.Codebases)})
	m.Logger.Info("worker registered", "worker_id", reg.WorkerID, "name", reg.Name, "codebases", len(reg.Codebases))
	return m.Get(ctx, reg.WorkerID)
}

// Heartbeat refreshes a worker's liveness. running lists the task ids the
// worker believes it is executing; the result names those it must stop.
func (m *WorkerManager) Heartbeat(ctx context.Context, workerID string, running []string) (HeartbeatResult, error) {
	if err := m.WorkerRepo.UpdateHeartbeat(ctx, m.DB, workerID, m.now()); err != nil {
		return HeartbeatResult{}, err
	}
	if err := m.Directory.Heartbeat(workerID); errors.Is(err, domain.ErrAgentNotFound) {
		// The directory does not survive restarts; the database does.
		w, err := m.WorkerRepo.GetByID(ctx, m.DB, workerID)
		if err != nil {
			return HeartbeatResult{}, err
		}
		if _, err := m.Directory.Register(domain.Agent{Name: w.WorkerID, Capabilities: w.Capabilities, Address: w.Hostname}); err != nil {
			return HeartbeatResult{}, err
		}
	}

	stop, err := m.Tasks.StopList(ctx, workerID, running)
	if err != nil {
		return HeartbeatResult{}, err
	}
	return HeartbeatResult{CancelledTaskIDs: stop}, nil
}

// Unregister removes a worker and unpins its codebases. Tasks it was still
// running are recovered by the next sweep.
func (m *WorkerManager) Unregister(ctx context.Context, workerID, actor string) error {
	var released int64
	err := store.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		if _, err := m.WorkerRepo.GetByID(ctx, tx, workerID); err != nil {
			return err
		}
		n, err := m.Router.ReleaseWorker(ctx, tx, workerID)
		if err != nil {
			return err
		}
		released = n
		return m.WorkerRepo.Delete(ctx, tx, workerID)
	})
	if err != nil {
		return err
	}
	_ = m.Directory.Unregister(workerID)

	m.audit(ctx, "worker_removed", actor, map[string]any{"worker_id": workerID, "released": released})
	m.Logger.Info("worker removed", "worker_id", workerID, "actor", actor, "released_codebases", released)
	return nil
}

// Get returns a worker with the codebases it currently owns.
func (m *WorkerManager) Get(ctx context.Context, workerID string) (*domain.Worker, error) {
	w, err := m.WorkerRepo.GetByID(ctx, m.DB, workerID)
	if err != nil {
		return nil, err
	}
	if w.CodebaseIDs, err = m.Router.Owned(ctx, workerID); err != nil {
		return nil, err
	}
	return w, nil
}

// List returns every registered worker.
func (m *WorkerManager) List(ctx context.Context) ([]*domain.Worker, error) {
	workers, err := m.WorkerRepo.List(ctx, m.DB)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.CodebaseIDs, err = m.Router.Owned(ctx, w.WorkerID); err != nil {
			return nil, err
		}
	}
	if workers == nil {
		workers = []*domain.Worker{}
	}
	return workers, nil
}

// Reap removes every worker whose last heartbeat is before cutoff.
func (m *WorkerManager) Reap(ctx context.Context, cutoff time.Time) ([]string, error) {
	expired, err := m.WorkerRepo.ListExpired(ctx, m.DB, cutoff)
	if err != nil {
		return nil, err
	}
	reaped := []string{}
	for _, w := range expired {
		if err := m.Unregister(ctx, w.WorkerID, "supervisor"); err != nil {
			if errors.Is(err, domain.ErrWorkerNotFound) {
				continue
			}
			return reaped, err
		}
		m.Logger.Warn("worker heartbeat expired", "worker_id", w.WorkerID, "last_heartbeat", w.LastHeartbeat)
		reaped = append(reaped, w.WorkerID)
	}
	return reaped, nil
}

func (m *WorkerManager) audit(ctx context.Context, action, actor string, detail any) {
	detailJSON := "{}"
	if b, err := json.Marshal(detail); err == nil {
		detailJSON = string(b)
	} else {
		m.Logger.Warn("encode worker audit detail", "action", action, "err", err)
	}
	if actor == "" {
		actor = "system"
	}
	err := m.AuditRepo.Record(ctx, m.DB, domain.AuditRecord{
		ID:         "aud-" + uuid.NewString(),
		Category:   "worker",
		Actor:      actor,
		Action:     action,
		DetailJSON: detailJSON,
		Severity:   "info",
		CreatedAt:  m.now(),
	})
	if err != nil {
		m.Logger.Warn("record worker audit", "action", action, "actor", actor, "err", err)
	}
}
