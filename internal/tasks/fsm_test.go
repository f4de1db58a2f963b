package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskrelay/taskrelay/internal/domain"
)

func TestIsValidTransition(t *testing.T) {
	all := []domain.TaskStatus{
		domain.TaskPending, domain.TaskRunning, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled,
	}
	allowed := map[[2]domain.TaskStatus]bool{
		{domain.TaskPending, domain.TaskRunning}:   true,
		{domain.TaskPending, domain.TaskCancelled}: true,
		{domain.TaskRunning, domain.TaskCompleted}: true,
		{domain.TaskRunning, domain.TaskFailed}:    true,
		{domain.TaskRunning, domain.TaskCancelled}: true,
		{domain.TaskRunning, domain.TaskPending}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]domain.TaskStatus{from, to}], IsValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCheckTransition_TerminalIsFinal(t *testing.T) {
	for _, s := range []domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled} {
		err := checkTransition(&domain.Task{ID: "t1", Status: s}, domain.TaskRunning)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	}
}
