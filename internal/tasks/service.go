// Package tasks owns task records and drives the task state machine.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/recorder"
	"github.com/taskrelay/taskrelay/internal/store"
)

const (
	listPageSize   = 100
	mutateAttempts = 3
	// DefaultMaxRetries bounds automatic requeues after worker loss.
	DefaultMaxRetries = 3
)

// Eligibility resolves the codebases a worker may claim tasks for.
type Eligibility interface {
	EligibleCodebases(ctx context.Context, workerID string) ([]string, error)
}

// Publisher is the subset of the event bus the service needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Service is the task store. Every operation returns an explicit error and
// all invariants are enforced per task id.
type Service struct {
	DB        *sql.DB
	Tasks     *store.TaskRepo
	Codebases *store.CodebaseRepo
	Sessions  *store.SessionRepo
	Audit     *store.AuditRepo
	Recorder  *recorder.Recorder
	Bus       Publisher
	Router    Eligibility
	Logger    *slog.Logger

	maxRetries atomic.Int64
	now        func() time.Time
}

// NewService creates a Service with DefaultMaxRetries.
func NewService(db *sql.DB, rec *recorder.Recorder, pub Publisher, router Eligibility, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		DB:        db,
		Tasks:     &store.TaskRepo{},
		Codebases: &store.CodebaseRepo{},
		Sessions:  &store.SessionRepo{},
		Audit:     &store.AuditRepo{},
		Recorder:  rec,
		Bus:       pub,
		Router:    router,
		Logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.maxRetries.Store(DefaultMaxRetries)
	return s
}

// SetMaxRetries changes how many worker-loss requeues a task gets before it
// fails with WorkerLost.
func (s *Service) SetMaxRetries(n int) { s.maxRetries.Store(int64(n)) }

// MaxRetries returns the current retry budget.
func (s *Service) MaxRetries() int { return int(s.maxRetries.Load()) }

// Create validates spec and stores a new pending task. Without a resume
// session a new session is opened; the prompt is appended to it as a user
// turn either way.
func (s *Service) Create(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidParams, "prompt is required")
	}
	if spec.CodebaseID == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidParams, "codebase_id is required")
	}

	cb, err := s.resolveCodebase(ctx, spec.CodebaseID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &domain.Task{
		ID:              uuid.NewString(),
		CodebaseID:      cb.ID,
		Title:           titleFor(spec),
		Prompt:          spec.Prompt,
		AgentType:       spec.AgentType,
		Priority:        spec.Priority,
		Status:          domain.TaskPending,
		Metadata:        spec.Metadata,
		ResumeSessionID: spec.ResumeSessionID,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = store.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		if spec.ResumeSessionID != "" {
			sess, err := s.Sessions.GetByID(ctx, tx, spec.ResumeSessionID)
			if err != nil {
				return err
			}
			if sess.CodebaseID != cb.ID {
				return domain.Errorf(domain.ErrInvalidParams,
					"session %s belongs to codebase %s, not %s", sess.ID, sess.CodebaseID, cb.ID)
			}
			t.SessionID = sess.ID
		} else {
			t.SessionID = uuid.NewString()
			if err := s.Sessions.Create(ctx, tx, domain.Session{
				ID:         t.SessionID,
				CodebaseID: cb.ID,
				Title:      t.Title,
				CreatedAt:  now,
				UpdatedAt:  now,
			}); err != nil {
				return err
			}
		}
		return s.Tasks.Create(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.appendTurn(ctx, t.SessionID, domain.Message{Role: domain.RoleUser, TaskID: t.ID, Content: t.Prompt}); err != nil {
		s.Logger.Warn("append prompt to session", "task_id", t.ID, "session_id", t.SessionID, "err", err)
	}
	s.emit(ctx, t)
	s.Logger.Info("task created", "task_id", t.ID, "codebase_id", t.CodebaseID, "session_id", t.SessionID)
	return t, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.Tasks.GetByID(ctx, s.DB, taskID)
}

// List returns the tasks matching filter in creation order. The sequence
// reads one page at a time, ends at the last matching task, and starts over
// when iterated again.
func (s *Service) List(ctx context.Context, filter domain.TaskFilter) iter.Seq2[*domain.Task, error] {
	return func(yield func(*domain.Task, error) bool) {
		var after int64
		for {
			page, err := s.Tasks.List(ctx, s.DB, filter, after, listPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range page.Tasks {
				if !yield(t, nil) {
					return
				}
			}
			if len(page.Tasks) < listPageSize {
				return
			}
			after = page.Cursor
		}
	}
}

// ListPage returns one page of List for callers that paginate themselves.
func (s *Service) ListPage(ctx context.Context, filter domain.TaskFilter, after int64, limit int) (store.TaskPage, error) {
	if limit <= 0 || limit > 1000 {
		limit = listPageSize
	}
	return s.Tasks.List(ctx, s.DB, filter, after, limit)
}

// PendingFilter returns the filter selecting pending tasks workerID may claim.
func (s *Service) PendingFilter(ctx context.Context, workerID string) (domain.TaskFilter, error) {
	eligible, err := s.Router.EligibleCodebases(ctx, workerID)
	if err != nil {
		return domain.TaskFilter{}, err
	}
	if eligible == nil {
		eligible = []string{}
	}
	return domain.TaskFilter{Status: domain.TaskPending, CodebaseIDs: eligible}, nil
}

// ClaimNext moves the oldest pending task workerID is eligible for to
// running. Returns nil when there is nothing to claim. Concurrent callers
// never receive the same task.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*domain.Task, error) {
	eligible, err := s.Router.EligibleCodebases(ctx, workerID)
	if err != nil {
		return nil, err
	}
	t, err := s.Tasks.ClaimNext(ctx, s.DB, workerID, eligible, s.now())
	if err != nil || t == nil {
		return nil, err
	}
	s.emit(ctx, t)
	s.Logger.Info("task claimed", "task_id", t.ID, "worker_id", workerID, "codebase_id", t.CodebaseID)
	return t, nil
}

// ClaimTask claims one specific pending task for workerID. Claiming a task
// the worker already holds returns it unchanged.
func (s *Service) ClaimTask(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	eligible, err := s.Router.EligibleCodebases(ctx, workerID)
	if err != nil {
		return nil, err
	}
	cur, err := s.Tasks.GetByID(ctx, s.DB, taskID)
	if err != nil {
		return nil, err
	}
	if err := claimable(cur, workerID); err != nil {
		return nil, err
	}
	if cur.Status == domain.TaskRunning {
		return cur, nil
	}
	if !slices.Contains(eligible, cur.CodebaseID) {
		return nil, domain.Errorf(domain.ErrNotEligible, "worker %s may not claim tasks for codebase %s", workerID, cur.CodebaseID)
	}

	t, err := s.Tasks.ClaimByID(ctx, s.DB, taskID, workerID, s.now())
	if err != nil {
		return nil, err
	}
	if t == nil {
		// Lost a race or the codebase was re-pinned since the read above.
		cur, err := s.Tasks.GetByID(ctx, s.DB, taskID)
		if err != nil {
			return nil, err
		}
		if err := claimable(cur, workerID); err != nil {
			return nil, err
		}
		if cur.Status == domain.TaskRunning {
			return cur, nil
		}
		return nil, domain.Errorf(domain.ErrNotEligible, "codebase %s is pinned to another worker", cur.CodebaseID)
	}
	s.emit(ctx, t)
	s.Logger.Info("task claimed", "task_id", t.ID, "worker_id", workerID, "codebase_id", t.CodebaseID)
	return t, nil
}

// ReportStatus finishes a running task on behalf of its claimant. Repeating
// the report that already took effect is a no-op.
func (s *Service) ReportStatus(ctx context.Context, taskID, workerID string, status domain.TaskStatus, result *string, taskErr *domain.TaskError) (*domain.Task, error) {
	if !status.Valid() {
		return nil, domain.Errorf(domain.ErrInvalidParams, "unknown status %q", status)
	}
	if !reportable[status] {
		return nil, domain.Errorf(domain.ErrInvalidTransition, "workers may not report status %s", status)
	}

	t, changed, err := s.mutate(ctx, taskID, func(t *domain.Task) (bool, error) {
		if t.ClaimedBy != workerID {
			return false, domain.Errorf(domain.ErrNotClaimant, "task %s is not claimed by %s", taskID, workerID)
		}
		if t.Status == status {
			return false, nil
		}
		if t.Status == domain.TaskCancelled {
			return false, domain.Errorf(domain.ErrTaskCancelled, "task %s was cancelled", taskID)
		}
		if err := checkTransition(t, status); err != nil {
			return false, err
		}

		now := s.now()
		t.Status = status
		t.CompletedAt = &now
		switch status {
		case domain.TaskCompleted:
			t.Result = result
			t.Error = nil
		case domain.TaskFailed:
			t.Result = result
			t.Error = taskErr
			if t.Error == nil {
				t.Error = &domain.TaskError{Kind: domain.KindInternal, Message: "task failed"}
			}
		case domain.TaskCancelled:
			t.Error = &domain.TaskError{Kind: domain.KindCancelled, Message: "cancelled by worker"}
		}
		return true, nil
	})
	if err != nil || !changed {
		return t, err
	}

	s.emit(ctx, t)
	content := ""
	switch {
	case t.Result != nil:
		content = *t.Result
	case t.Error != nil:
		content = t.Error.Message
	}
	if _, err := s.appendTurn(ctx, t.SessionID, domain.Message{
		Role: domain.RoleAssistant, From: workerID, TaskID: t.ID, Content: content,
	}); err != nil {
		s.Logger.Warn("append result to session", "task_id", t.ID, "err", err)
	}
	s.Logger.Info("task finished", "task_id", t.ID, "worker_id", workerID, "status", t.Status)
	return t, nil
}

// AppendOutput appends a worker-produced chunk to the task stream. Only the
// claimant of a running task may append.
func (s *Service) AppendOutput(ctx context.Context, taskID, workerID string, typ domain.StreamEventType, payload json.RawMessage) (domain.LedgerRecord, error) {
	if !typ.WorkerChunk() {
		return domain.LedgerRecord{}, domain.Errorf(domain.ErrInvalidParams, "unsupported output type %q", typ)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return domain.LedgerRecord{}, domain.NewEngineError(domain.ErrInvalidParams, "output payload must be JSON")
	}

	check := func(ctx context.Context) error {
		t, err := s.Tasks.GetByID(ctx, s.DB, taskID)
		if err != nil {
			return err
		}
		if t.ClaimedBy != workerID {
			return domain.Errorf(domain.ErrNotClaimant, "task %s is not claimed by %s", taskID, workerID)
		}
		if t.Status == domain.TaskCancelled {
			return domain.Errorf(domain.ErrTaskCancelled, "task %s was cancelled", taskID)
		}
		if t.Status != domain.TaskRunning {
			return domain.Errorf(domain.ErrInvalidTransition, "task %s is %s", taskID, t.Status)
		}
		return nil
	}
	return s.Recorder.RecordChecked(ctx, recorder.TaskKey(taskID), bus.TaskStream(taskID), typ, payload, check)
}

// Cancel cancels a pending or running task. Cancelling a terminal task is a
// no-op. The claimant of a running task is signalled on task.cancel and on
// its inbox; stopping is up to the worker.
func (s *Service) Cancel(ctx context.Context, taskID, actor string) (*domain.Task, error) {
	var worker string
	t, changed, err := s.mutate(ctx, taskID, func(t *domain.Task) (bool, error) {
		if t.Status.Terminal() {
			return false, nil
		}
		worker = ""
		if t.Status == domain.TaskRunning {
			worker = t.ClaimedBy
		}
		now := s.now()
		t.Status = domain.TaskCancelled
		t.CompletedAt = &now
		t.Error = &domain.TaskError{Kind: domain.KindCancelled, Message: "task cancelled"}
		return true, nil
	})
	if err != nil || !changed {
		return t, err
	}

	s.record(ctx, t.ID, "task", actor, "cancel", map[string]string{"worker_id": worker}, "info")
	s.emit(ctx, t)

	if worker != "" {
		sig := CancelSignal{Type: "cancel", TaskID: t.ID, WorkerID: worker}
		if err := s.Bus.Publish(bus.TopicTaskCancel, sig); err != nil {
			s.Logger.Warn("publish cancel signal", "task_id", t.ID, "err", err)
		}
		if err := s.Bus.Publish(bus.MessageTo(worker), sig); err != nil {
			s.Logger.Warn("publish cancel to worker", "task_id", t.ID, "worker_id", worker, "err", err)
		}
	}
	s.Logger.Info("task cancelled", "task_id", t.ID, "actor", actor, "worker_id", worker)
	return t, nil
}

// StopList returns the ids among running that workerID should stop: tasks
// that were cancelled, requeued, reassigned or deleted.
func (s *Service) StopList(ctx context.Context, workerID string, running []string) ([]string, error) {
	if len(running) == 0 {
		return []string{}, nil
	}
	found, err := s.Tasks.ListByIDs(ctx, s.DB, running)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Task, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}

	stop := []string{}
	for _, id := range running {
		t, ok := byID[id]
		if !ok || t.Status != domain.TaskRunning || t.ClaimedBy != workerID {
			stop = append(stop, id)
		}
	}
	return stop, nil
}

// Prune deletes a terminal task and its stream ledger. Audit records stay.
func (s *Service) Prune(ctx context.Context, taskID, actor string) error {
	t, err := s.Tasks.GetByID(ctx, s.DB, taskID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return domain.Errorf(domain.ErrTaskNotTerminal, "task %s is %s", taskID, t.Status)
	}
	if err := s.Tasks.Delete(ctx, s.DB, taskID); err != nil {
		return err
	}
	if err := s.Recorder.Purge(ctx, recorder.TaskKey(taskID)); err != nil {
		return err
	}
	s.record(ctx, taskID, "task", actor, "prune", nil, "info")
	return nil
}

// AuditTrail returns the audit records of a task.
func (s *Service) AuditTrail(ctx context.Context, taskID string) ([]domain.AuditRecord, error) {
	if _, err := s.Tasks.GetByID(ctx, s.DB, taskID); err != nil {
		return nil, err
	}
	return s.Audit.ListByTask(ctx, s.DB, taskID)
}

// Export renders the task stream ledger.
func (s *Service) Export(ctx context.Context, taskID string) (*recorder.Export, error) {
	if _, err := s.Tasks.GetByID(ctx, s.DB, taskID); err != nil {
		return nil, err
	}
	return s.Recorder.Export(ctx, recorder.TaskKey(taskID))
}

// mutate loads a task, lets fn change it and writes it back under the
// version check. fn returning false leaves the task untouched. A concurrent
// write makes mutate reload and run fn again.
func (s *Service) mutate(ctx context.Context, taskID string, fn func(*domain.Task) (bool, error)) (*domain.Task, bool, error) {
	for attempt := 1; ; attempt++ {
		t, err := s.Tasks.GetByID(ctx, s.DB, taskID)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(t)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return t, false, nil
		}
		t.UpdatedAt = s.now()
		err = s.Tasks.UpdateState(ctx, s.DB, t)
		if err == nil {
			return t, true, nil
		}
		if !errors.Is(err, domain.ErrClaimConflict) || attempt == mutateAttempts {
			return nil, false, err
		}
	}
}

func (s *Service) resolveCodebase(ctx context.Context, ref string) (*domain.Codebase, error) {
	cb, err := s.Codebases.GetByID(ctx, s.DB, ref)
	if errors.Is(err, domain.ErrCodebaseNotFound) {
		cb, err = s.Codebases.GetByName(ctx, s.DB, ref)
	}
	if errors.Is(err, domain.ErrCodebaseNotFound) {
		return nil, domain.Errorf(domain.ErrCodebaseNotFound, "codebase %s not found", ref)
	}
	return cb, err
}

func (s *Service) record(ctx context.Context, taskID, category, actor, action string, detail any, severity string) {
	detailJSON := "{}"
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = string(b)
		}
	}
	if actor == "" {
		actor = "system"
	}
	err := s.Audit.Record(ctx, s.DB, domain.AuditRecord{
		ID:         "aud-" + uuid.NewString(),
		TaskID:     taskID,
		Category:   category,
		Actor:      actor,
		Action:     action,
		DetailJSON: detailJSON,
		Severity:   severity,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.Logger.Warn("record audit", "task_id", taskID, "action", action, "err", err)
	}
}

// claimable reports why cur cannot be claimed by workerID. A task already
// running for workerID is claimable (idempotent claim).
func claimable(cur *domain.Task, workerID string) error {
	switch {
	case cur.Status == domain.TaskRunning && cur.ClaimedBy == workerID:
		return nil
	case cur.Status == domain.TaskRunning:
		return domain.Errorf(domain.ErrClaimConflict, "task %s is already claimed", cur.ID)
	case cur.Status != domain.TaskPending:
		return domain.Errorf(domain.ErrInvalidTransition, "task %s is %s", cur.ID, cur.Status)
	}
	return nil
}

func titleFor(spec domain.TaskSpec) string {
	if spec.Title != "" {
		return spec.Title
	}
	title, _, _ := strings.Cut(strings.TrimSpace(spec.Prompt), "\n")
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	return title
}
