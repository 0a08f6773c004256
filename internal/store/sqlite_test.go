package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/models"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestTaskCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := &models.Task{Title: "add sse stream", Description: "wire the event stream"}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusTodo, task.Status, "tasks default to todo")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "add sse stream", got.Title)

	got.Status = models.TaskStatusPlanning
	require.NoError(t, s.UpdateTask(ctx, got))

	got2, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPlanning, got2.Status)

	require.NoError(t, s.DeleteTask(ctx, task.ID))
	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorContains(t, err, "not found")
}

func TestTaskInvalidStatusRejected(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.CreateTask(ctx, &models.Task{Title: "bad", Status: "limbo"})
	assert.ErrorContains(t, err, "invalid task status")

	task := &models.Task{Title: "ok"}
	require.NoError(t, s.CreateTask(ctx, task))
	task.Status = "limbo"
	assert.ErrorContains(t, s.UpdateTask(ctx, task), "invalid task status")
}

func TestListTasks_Filter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &models.Task{Title: "a"}))
	require.NoError(t, s.CreateTask(ctx, &models.Task{Title: "b", Status: models.TaskStatusReview}))

	all, err := s.ListTasks(ctx, TaskListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inReview, err := s.ListTasks(ctx, TaskListFilter{Status: models.TaskStatusReview})
	require.NoError(t, err)
	require.Len(t, inReview, 1)
	assert.Equal(t, "b", inReview[0].Title)
}

func TestSessionCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := &models.Task{Title: "task"}
	require.NoError(t, s.CreateTask(ctx, task))

	sess := &models.Session{TaskID: task.ID, Phase: models.PhasePlanning}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionStatusPending, sess.Status)

	sess.Status = models.SessionStatusRunning
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
	assert.Equal(t, models.PhasePlanning, got.Phase)
}

func TestGetRunningSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := &models.Task{Title: "task"}
	require.NoError(t, s.CreateTask(ctx, task))

	running, err := s.GetRunningSession(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, running, "no session yet")

	done := &models.Session{TaskID: task.ID, Phase: models.PhasePlanning, Status: models.SessionStatusCompleted}
	require.NoError(t, s.CreateSession(ctx, done))

	running, err = s.GetRunningSession(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, running, "completed sessions do not count")

	active := &models.Session{TaskID: task.ID, Phase: models.PhaseImplementation, Status: models.SessionStatusRunning}
	require.NoError(t, s.CreateSession(ctx, active))

	running, err = s.GetRunningSession(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, active.ID, running.ID)
}

func TestListSessions_StatusFilterAndLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := &models.Task{Title: "task"}
	require.NoError(t, s.CreateTask(ctx, task))

	for _, st := range []models.SessionStatus{
		models.SessionStatusCompleted,
		models.SessionStatusFailed,
		models.SessionStatusRunning,
	} {
		require.NoError(t, s.CreateSession(ctx, &models.Session{
			TaskID: task.ID, Phase: models.PhasePlanning, Status: st,
		}))
	}

	terminal, err := s.ListSessions(ctx, SessionListFilter{
		TaskID:   task.ID,
		Statuses: []models.SessionStatus{models.SessionStatusCompleted, models.SessionStatusFailed},
	})
	require.NoError(t, err)
	assert.Len(t, terminal, 2)

	limited, err := s.ListSessions(ctx, SessionListFilter{TaskID: task.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
