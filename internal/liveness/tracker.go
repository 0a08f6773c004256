// Package liveness tracks which tasks currently have a running agent session.
//
// The tracker is advisory state read by the board and the CLI to drive live
// indicators; the one-running-session-per-task invariant itself is enforced
// by the lifecycle machine, not here. Construct one tracker per process and
// inject it; membership is the single source of truth for "is this task's
// AI currently working".
package liveness

import "sync"

// Tracker is a set of task IDs with running sessions.
type Tracker struct {
	mu      sync.RWMutex
	running map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]struct{})}
}

// MarkRunning records that the task has a running session. Idempotent.
func (t *Tracker) MarkRunning(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[taskID] = struct{}{}
}

// MarkIdle records that the task no longer has a running session. Idempotent.
func (t *Tracker) MarkIdle(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, taskID)
}

// IsRunning reports whether the task currently has a running session.
func (t *Tracker) IsRunning(taskID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.running[taskID]
	return ok
}

// Running returns a snapshot of all task IDs with running sessions.
func (t *Tracker) Running() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.running))
	for id := range t.running {
		ids = append(ids, id)
	}
	return ids
}
