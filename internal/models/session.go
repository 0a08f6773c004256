package models

import "time"

// SessionPhase identifies which part of the task lifecycle a session executes.
type SessionPhase string

const (
	PhasePlanning       SessionPhase = "planning"
	PhaseImplementation SessionPhase = "implementation"
	PhaseReview         SessionPhase = "review"
)

// SessionStatus represents the state of an agent session. Sessions move
// monotonically forward: pending -> running -> {completed|failed|aborted}.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether the status is one of the three end states.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusAborted
}

// SessionOutcome is the verdict a review-phase session records on completion.
type SessionOutcome string

const (
	OutcomeNone SessionOutcome = ""
	OutcomePass SessionOutcome = "pass"
	OutcomeFail SessionOutcome = "fail"
)

// Session represents one execution run of an AI agent against a task.
// A task accumulates many sessions over time, but at most one may be
// running at any moment.
type Session struct {
	ID        string
	TaskID    string
	Phase     SessionPhase
	Status    SessionStatus
	Outcome   SessionOutcome // set by review-phase sessions
	LastError string         // error text carried by a failed finish
	CreatedAt time.Time
	EndedAt   *time.Time
}
