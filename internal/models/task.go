package models

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusTodo           TaskStatus = "todo"
	TaskStatusPlanning       TaskStatus = "planning"
	TaskStatusPlanningReview TaskStatus = "planning_review"
	TaskStatusInProgress     TaskStatus = "in_progress"
	TaskStatusAIReview       TaskStatus = "ai_review"
	TaskStatusFix            TaskStatus = "fix"
	TaskStatusReview         TaskStatus = "review"
	TaskStatusDone           TaskStatus = "done"
)

// AllTaskStatuses lists every status in lifecycle order. Useful for
// validation and board rendering.
var AllTaskStatuses = []TaskStatus{
	TaskStatusTodo,
	TaskStatusPlanning,
	TaskStatusPlanningReview,
	TaskStatusInProgress,
	TaskStatusAIReview,
	TaskStatusFix,
	TaskStatusReview,
	TaskStatusDone,
}

// Valid reports whether s is one of the enumerated task statuses.
func (s TaskStatus) Valid() bool {
	for _, v := range AllTaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Task represents a unit of AI-assisted work moving through the
// planning/implementation/review lifecycle.
type Task struct {
	ID          string
	Title       string
	Description string
	AgentPrompt string // LLM-generated guidance for the agent working this task
	Status      TaskStatus
	LastError   string // terminal error from the most recent failed session, if any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
