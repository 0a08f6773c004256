package liveness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_MarkAndCheck(t *testing.T) {
	tr := NewTracker()

	assert.False(t, tr.IsRunning("task-1"))

	tr.MarkRunning("task-1")
	assert.True(t, tr.IsRunning("task-1"))
	assert.False(t, tr.IsRunning("task-2"))

	tr.MarkIdle("task-1")
	assert.False(t, tr.IsRunning("task-1"))
}

func TestTracker_Idempotent(t *testing.T) {
	tr := NewTracker()

	tr.MarkRunning("task-1")
	tr.MarkRunning("task-1")
	assert.True(t, tr.IsRunning("task-1"))
	assert.Len(t, tr.Running(), 1)

	tr.MarkIdle("task-1")
	tr.MarkIdle("task-1") // second call is a no-op, not an error
	assert.False(t, tr.IsRunning("task-1"))
	assert.Empty(t, tr.Running())
}

func TestTracker_RunningSnapshot(t *testing.T) {
	tr := NewTracker()
	tr.MarkRunning("a")
	tr.MarkRunning("b")

	ids := tr.Running()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
