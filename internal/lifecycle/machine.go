// Package lifecycle implements the task/session phase state machine.
//
// Task statuses form a strictly ordered lifecycle with branches:
//
//	todo -> planning -> planning_review -> in_progress -> ai_review -> review -> done
//	planning_review -> planning   (re-plan requested)
//	ai_review -> fix              (AI review finds issues)
//	review -> fix                 (human requests changes)
//	fix -> in_progress            (fix session dispatched)
//
// Transitions are driven by sessions reaching a terminal status or by
// explicit human decisions. The machine is the only mutator of the liveness
// tracker, keeping the "is this task's AI working" set consistent with
// session state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskdeck/taskdeck/internal/liveness"
	"github.com/taskdeck/taskdeck/internal/models"
	"github.com/taskdeck/taskdeck/internal/store"
)

// ErrSessionRunning is returned when an operation would create a second
// concurrent session for a task.
var ErrSessionRunning = errors.New("task already has a running session")

// Store is the subset of the persistence interface the machine needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	GetRunningSession(ctx context.Context, taskID string) (*models.Session, error)
	ListSessions(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error)
}

// Machine coordinates task status, session lifecycle, and liveness.
type Machine struct {
	store   Store
	tracker *liveness.Tracker
	logger  *slog.Logger
}

// NewMachine creates a machine over the given store and tracker.
func NewMachine(s Store, tracker *liveness.Tracker, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: s, tracker: tracker, logger: logger}
}

// startPhases maps a task's current status to the phase a newly dispatched
// session executes, and the status the task moves to while it runs.
var startPhases = map[models.TaskStatus]struct {
	phase  models.SessionPhase
	status models.TaskStatus
}{
	models.TaskStatusTodo:       {models.PhasePlanning, models.TaskStatusPlanning},
	models.TaskStatusPlanning:   {models.PhasePlanning, models.TaskStatusPlanning},
	models.TaskStatusInProgress: {models.PhaseImplementation, models.TaskStatusInProgress},
	models.TaskStatusFix:        {models.PhaseImplementation, models.TaskStatusInProgress},
	models.TaskStatusAIReview:   {models.PhaseReview, models.TaskStatusAIReview},
}

// Start dispatches a session for the task's current lifecycle position.
// From todo this is the human "start" action (todo -> planning); from
// planning/in_progress/ai_review it re-dispatches after a failure; from fix
// it dispatches the fix session (fix -> in_progress). Starting a task that
// already has a running session is rejected synchronously.
func (m *Machine) Start(ctx context.Context, taskID string) (*models.Session, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	next, ok := startPhases[task.Status]
	if !ok {
		return nil, fmt.Errorf("cannot start a session for task in status %q", task.Status)
	}

	return m.dispatch(ctx, task, next.phase, next.status)
}

// Approve applies the human approval decision:
// planning_review -> in_progress (and dispatches the implementation
// session), review -> done. Any other status is rejected.
func (m *Machine) Approve(ctx context.Context, taskID string) (*models.Task, *models.Session, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	switch task.Status {
	case models.TaskStatusPlanningReview:
		session, err := m.dispatch(ctx, task, models.PhaseImplementation, models.TaskStatusInProgress)
		if err != nil {
			return nil, nil, err
		}
		return task, session, nil

	case models.TaskStatusReview:
		task.Status = models.TaskStatusDone
		if err := m.store.UpdateTask(ctx, task); err != nil {
			return nil, nil, err
		}
		m.logger.Info("task done", "task", task.ID)
		return task, nil, nil

	default:
		return nil, nil, fmt.Errorf("cannot approve task in status %q", task.Status)
	}
}

// RequestChanges applies the human request-changes decision:
// planning_review -> planning (and dispatches a re-plan session),
// review -> fix (the fix session is dispatched separately via Start).
func (m *Machine) RequestChanges(ctx context.Context, taskID string) (*models.Task, *models.Session, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	switch task.Status {
	case models.TaskStatusPlanningReview:
		session, err := m.dispatch(ctx, task, models.PhasePlanning, models.TaskStatusPlanning)
		if err != nil {
			return nil, nil, err
		}
		return task, session, nil

	case models.TaskStatusReview:
		task.Status = models.TaskStatusFix
		if err := m.store.UpdateTask(ctx, task); err != nil {
			return nil, nil, err
		}
		return task, nil, nil

	default:
		return nil, nil, fmt.Errorf("cannot request changes for task in status %q", task.Status)
	}
}

// RecordOutcome stores a review verdict on a running review-phase session.
// The verdict picks the ai_review branch when the session later finishes.
func (m *Machine) RecordOutcome(ctx context.Context, sessionID string, outcome models.SessionOutcome) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Phase != models.PhaseReview {
		return fmt.Errorf("session %s is a %s session, outcomes apply to review sessions", sessionID, session.Phase)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s is already %s", sessionID, session.Status)
	}
	session.Outcome = outcome
	return m.store.UpdateSession(ctx, session)
}

// HandleFinished processes a session's terminal activity record. Duplicate
// terminal reports for an already-terminal session are a no-op: exactly one
// transition happens per session.
func (m *Machine) HandleFinished(ctx context.Context, sessionID string, rec models.ActivityRecord) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		m.logger.Debug("ignoring duplicate terminal report", "session", sessionID, "status", session.Status)
		return nil
	}

	now := time.Now().UTC()
	session.EndedAt = &now

	if !rec.Success {
		return m.failSession(ctx, session, rec.Error)
	}

	session.Status = models.SessionStatusCompleted
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	m.tracker.MarkIdle(session.TaskID)

	task, err := m.store.GetTask(ctx, session.TaskID)
	if err != nil {
		return err
	}

	switch session.Phase {
	case models.PhasePlanning:
		if task.Status != models.TaskStatusPlanning {
			m.logger.Warn("planning session finished but task moved on", "task", task.ID, "status", task.Status)
			return nil
		}
		task.Status = models.TaskStatusPlanningReview

	case models.PhaseImplementation:
		if task.Status != models.TaskStatusInProgress {
			m.logger.Warn("implementation session finished but task moved on", "task", task.ID, "status", task.Status)
			return nil
		}
		task.Status = models.TaskStatusAIReview

	case models.PhaseReview:
		if task.Status != models.TaskStatusAIReview {
			m.logger.Warn("review session finished but task moved on", "task", task.ID, "status", task.Status)
			return nil
		}
		if session.Outcome == models.OutcomeFail {
			task.Status = models.TaskStatusFix
		} else {
			task.Status = models.TaskStatusReview
		}

	default:
		return fmt.Errorf("session %s has unknown phase %q", session.ID, session.Phase)
	}

	task.LastError = ""
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	m.logger.Info("task transitioned", "task", task.ID, "status", task.Status, "phase", session.Phase)

	// Implementation completion hands straight to the AI reviewer.
	if session.Phase == models.PhaseImplementation {
		if _, err := m.dispatch(ctx, task, models.PhaseReview, models.TaskStatusAIReview); err != nil {
			return fmt.Errorf("dispatch review session: %w", err)
		}
	}
	return nil
}

// Abort terminates a running session by explicit human action. The task
// keeps its current status; liveness is cleared.
func (m *Machine) Abort(ctx context.Context, sessionID string) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s is already %s", sessionID, session.Status)
	}

	now := time.Now().UTC()
	session.Status = models.SessionStatusAborted
	session.EndedAt = &now
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	m.tracker.MarkIdle(session.TaskID)
	m.logger.Info("session aborted", "session", sessionID, "task", session.TaskID)
	return nil
}

// SyncLiveness recomputes the tracker from stored session state. Called at
// startup so the liveness set never depends on in-memory history.
func (m *Machine) SyncLiveness(ctx context.Context) error {
	running, err := m.store.ListSessions(ctx, store.SessionListFilter{
		Statuses: []models.SessionStatus{models.SessionStatusRunning},
	})
	if err != nil {
		return fmt.Errorf("sync liveness: %w", err)
	}
	for _, session := range running {
		m.tracker.MarkRunning(session.TaskID)
	}
	return nil
}

// failSession marks the session failed, clears liveness, and surfaces the
// error on the task without changing its status. No automatic retry; a
// human re-triggers via Start.
func (m *Machine) failSession(ctx context.Context, session *models.Session, errText string) error {
	session.Status = models.SessionStatusFailed
	session.LastError = errText
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	m.tracker.MarkIdle(session.TaskID)

	task, err := m.store.GetTask(ctx, session.TaskID)
	if err != nil {
		return err
	}
	task.LastError = errText
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	m.logger.Warn("session failed", "session", session.ID, "task", session.TaskID, "error", errText)
	return nil
}

// dispatch creates a running session for the task after enforcing the
// one-running-session invariant, moves the task to workingStatus, and marks
// the task live.
func (m *Machine) dispatch(ctx context.Context, task *models.Task, phase models.SessionPhase, workingStatus models.TaskStatus) (*models.Session, error) {
	if m.tracker.IsRunning(task.ID) {
		return nil, fmt.Errorf("dispatch %s session for task %s: %w", phase, task.ID, ErrSessionRunning)
	}
	if existing, err := m.store.GetRunningSession(ctx, task.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("dispatch %s session for task %s: %w", phase, task.ID, ErrSessionRunning)
	}

	session := &models.Session{
		TaskID: task.ID,
		Phase:  phase,
		Status: models.SessionStatusRunning,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if task.Status != workingStatus {
		task.Status = workingStatus
		if err := m.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}

	m.tracker.MarkRunning(task.ID)
	m.logger.Info("session dispatched", "session", session.ID, "task", task.ID, "phase", phase)
	return session, nil
}
