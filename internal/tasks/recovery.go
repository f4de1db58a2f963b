package tasks

import (
	"context"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// Recovery reports what RecoverOrphans did.
type Recovery struct {
	Requeued []string `json:"requeued"`
	Failed   []string `json:"failed"`
}

// RecoverOrphans handles running tasks whose claimant has no heartbeat at or
// after cutoff. Each one has its retry count raised; it returns to pending
// while the count stays within the retry budget and fails with WorkerLost
// once the budget is spent.
func (s *Service) RecoverOrphans(ctx context.Context, cutoff time.Time) (Recovery, error) {
	rec := Recovery{Requeued: []string{}, Failed: []string{}}

	orphans, err := s.Tasks.ListOrphaned(ctx, s.DB, cutoff)
	if err != nil {
		return rec, err
	}

	maxRetries := s.MaxRetries()
	for _, o := range orphans {
		lost := o.ClaimedBy
		t, changed, err := s.mutate(ctx, o.ID, func(t *domain.Task) (bool, error) {
			// Someone else finished or reclaimed it in the meantime.
			if t.Status != domain.TaskRunning || t.ClaimedBy != lost {
				return false, nil
			}
			t.RetryCount++
			if t.RetryCount > maxRetries {
				now := s.now()
				t.Status = domain.TaskFailed
				t.CompletedAt = &now
				t.Error = domain.Errorf(domain.ErrWorkerLost, "worker %s lost; retry budget of %d exhausted", lost, maxRetries).TaskError()
				return true, nil
			}
			t.Status = domain.TaskPending
			t.ClaimedBy = ""
			t.StartedAt = nil
			return true, nil
		})
		if err != nil {
			s.Logger.Error("recover orphaned task", "task_id", o.ID, "worker_id", lost, "err", err)
			continue
		}
		if !changed {
			continue
		}

		detail := map[string]any{"worker_id": lost, "retry_count": t.RetryCount}
		if t.Status == domain.TaskFailed {
			rec.Failed = append(rec.Failed, t.ID)
			s.record(ctx, t.ID, "recovery", "supervisor", "fail", detail, "error")
			s.Logger.Warn("task failed after worker loss", "task_id", t.ID, "worker_id", lost, "retry_count", t.RetryCount)
		} else {
			rec.Requeued = append(rec.Requeued, t.ID)
			s.record(ctx, t.ID, "recovery", "supervisor", "requeue", detail, "warning")
			s.Logger.Warn("task requeued after worker loss", "task_id", t.ID, "worker_id", lost, "retry_count", t.RetryCount)
		}
		s.emit(ctx, t)
	}
	return rec, nil
}
