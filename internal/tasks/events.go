package tasks

import (
	"context"
	"errors"

	"github.com/taskrelay/taskrelay/internal/bus"
	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/recorder"
)

// StatusEvent is the payload of task.status bus events and of status
// records in a task stream.
type StatusEvent struct {
	TaskID     string            `json:"task_id"`
	CodebaseID string            `json:"codebase_id"`
	Status     domain.TaskStatus `json:"status"`
	ClaimedBy  string            `json:"claimed_by,omitempty"`
	RetryCount int               `json:"retry_count"`
}

// CompleteEvent is the payload of the terminal complete stream record.
type CompleteEvent struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result"`
}

// ErrorEvent is the payload of the terminal error stream record.
type ErrorEvent struct {
	TaskID  string           `json:"task_id"`
	Status  string           `json:"status"`
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// CancelSignal is sent to the claimant of a running task that was cancelled.
type CancelSignal struct {
	Type     string `json:"type"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

func statusOf(t *domain.Task) StatusEvent {
	return StatusEvent{
		TaskID:     t.ID,
		CodebaseID: t.CodebaseID,
		Status:     t.Status,
		ClaimedBy:  t.ClaimedBy,
		RetryCount: t.RetryCount,
	}
}

var errStale = errors.New("task changed before its status was recorded")

// emit records the status change in the task stream, adds the terminal
// record when t is finished, and announces it on task.status. A change that
// was already superseded by a later commit is skipped so the stream follows
// commit order. Failures are logged: the task row is already committed and
// remains authoritative.
func (s *Service) emit(ctx context.Context, t *domain.Task) {
	key, topic := recorder.TaskKey(t.ID), bus.TaskStream(t.ID)
	current := func(ctx context.Context) error {
		cur, err := s.Tasks.GetByID(ctx, s.DB, t.ID)
		if err != nil {
			return err
		}
		if cur.Version != t.Version {
			return errStale
		}
		return nil
	}

	if _, err := s.Recorder.RecordChecked(ctx, key, topic, domain.StreamStatus, statusOf(t), current); err != nil {
		if !errors.Is(err, errStale) {
			s.Logger.Warn("record task status", "task_id", t.ID, "err", err)
		}
		return
	}

	switch t.Status {
	case domain.TaskCompleted:
		result := ""
		if t.Result != nil {
			result = *t.Result
		}
		_, err := s.Recorder.RecordChecked(ctx, key, topic, domain.StreamComplete,
			CompleteEvent{TaskID: t.ID, Status: string(t.Status), Result: result}, current)
		if err != nil {
			s.Logger.Warn("record task completion", "task_id", t.ID, "err", err)
		}
	case domain.TaskFailed, domain.TaskCancelled:
		ev := ErrorEvent{TaskID: t.ID, Status: string(t.Status)}
		if t.Error != nil {
			ev.Kind, ev.Message = t.Error.Kind, t.Error.Message
		}
		if _, err := s.Recorder.RecordChecked(ctx, key, topic, domain.StreamError, ev, current); err != nil {
			s.Logger.Warn("record task error", "task_id", t.ID, "err", err)
		}
	}

	if err := s.Bus.Publish(bus.TopicTaskStatus, statusOf(t)); err != nil {
		s.Logger.Warn("publish task status", "task_id", t.ID, "err", err)
	}
}
