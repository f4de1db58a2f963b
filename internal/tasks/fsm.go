package tasks

import (
	"github.com/taskrelay/taskrelay/internal/domain"
)

// validTransitions defines the legal task status transitions.
// running -> pending is only taken by worker-loss recovery.
var validTransitions = map[domain.TaskStatus]map[domain.TaskStatus]bool{
	domain.TaskPending: {domain.TaskRunning: true, domain.TaskCancelled: true},
	domain.TaskRunning: {
		domain.TaskCompleted: true,
		domain.TaskFailed:    true,
		domain.TaskCancelled: true,
		domain.TaskPending:   true,
	},
}

// IsValidTransition checks if a status transition is legal.
func IsValidTransition(from, to domain.TaskStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// reportable lists the statuses a claimant may report.
var reportable = map[domain.TaskStatus]bool{
	domain.TaskCompleted: true,
	domain.TaskFailed:    true,
	domain.TaskCancelled: true,
}

func checkTransition(t *domain.Task, to domain.TaskStatus) error {
	if !IsValidTransition(t.Status, to) {
		return domain.Errorf(domain.ErrInvalidTransition, "illegal transition %s -> %s for task %s", t.Status, to, t.ID)
	}
	return nil
}
