package store

import (
	"context"

	"github.com/taskdeck/taskdeck/internal/models"
)

// TaskListFilter specifies filters for listing tasks.
type TaskListFilter struct {
	Status models.TaskStatus
}

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	TaskID   string
	Statuses []models.SessionStatus
	Limit    int
}

// Store defines the persistence interface for taskdeck.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	// GetRunningSession returns the task's running session, or nil when idle.
	GetRunningSession(ctx context.Context, taskID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
