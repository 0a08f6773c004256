package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/taskdeck/taskdeck/internal/event"
	"github.com/taskdeck/taskdeck/internal/kanban"
	"github.com/taskdeck/taskdeck/internal/lifecycle"
	"github.com/taskdeck/taskdeck/internal/liveness"
	"github.com/taskdeck/taskdeck/internal/llm"
	"github.com/taskdeck/taskdeck/internal/models"
	"github.com/taskdeck/taskdeck/internal/store"
)

// Server provides the REST API and the per-session activity stream.
type Server struct {
	store   store.Store
	machine *lifecycle.Machine
	tracker *liveness.Tracker
	hub     *event.Hub
	llm     *llm.Client
	logger  *slog.Logger
}

// NewServer creates a new API server.
// The llmClient may be nil if no API key is configured.
func NewServer(s store.Store, machine *lifecycle.Machine, tracker *liveness.Tracker, hub *event.Hub, llmClient *llm.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   s,
		machine: machine,
		tracker: tracker,
		hub:     hub,
		llm:     llmClient,
		logger:  logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.createTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("PUT /api/v1/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.deleteTask)

	mux.HandleFunc("POST /api/v1/tasks/{id}/start", s.startTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/approve", s.approveTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/request-changes", s.requestChanges)
	mux.HandleFunc("GET /api/v1/tasks/{id}/sessions", s.listTaskSessions)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/abort", s.abortSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/outcome", s.recordOutcome)
	mux.HandleFunc("POST /api/v1/sessions/{id}/activity", s.postActivity)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.streamEvents)

	mux.HandleFunc("GET /api/v1/board", s.board)
	mux.HandleFunc("GET /api/v1/liveness", s.livenessSnapshot)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps not-found errors to 404 and everything else to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "not found") {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskListFilter{
		Status: models.TaskStatus(r.URL.Query().Get("status")),
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if task.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	task.Status = models.TaskStatusTodo

	// Auto-enrich if LLM available and no agent prompt was supplied.
	if s.llm != nil && task.AgentPrompt == "" {
		enriched, err := s.llm.EnrichTask(r.Context(), task.Title, task.Description)
		if err == nil {
			if task.Description == "" && enriched.Description != "" {
				task.Description = enriched.Description
			}
			if enriched.AgentPrompt != "" {
				task.AgentPrompt = enriched.AgentPrompt
			}
		}
	}

	if err := s.store.CreateTask(r.Context(), &task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// patchString applies a string value from a JSON patch map to the target if
// the key is present and non-empty.
func patchString(patch map[string]any, key string, target *string) {
	if v, ok := patch[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			*target = str
		}
	}
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Status is owned by the state machine; only descriptive fields patch.
	patchString(patch, "Title", &existing.Title)
	patchString(patch, "Description", &existing.Description)
	patchString(patch, "AgentPrompt", &existing.AgentPrompt)

	if err := s.store.UpdateTask(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.tracker.IsRunning(id) {
		writeError(w, http.StatusConflict, "task has a running session")
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Task actions ---

type actionResponse struct {
	Task    *models.Task    `json:"task"`
	Session *models.Session `json:"session,omitempty"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.machine.Start(r.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrSessionRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Task: task, Session: session})
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, session, err := s.machine.Approve(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "cannot approve") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Task: task, Session: session})
}

func (s *Server) requestChanges(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, session, err := s.machine.RequestChanges(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "cannot request") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Task: task, Session: session})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionListFilter{
		TaskID: r.URL.Query().Get("task_id"),
		Limit:  50,
	}
	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		for _, st := range strings.Split(statusFilter, ",") {
			st = strings.TrimSpace(st)
			if st != "" {
				filter.Statuses = append(filter.Statuses, models.SessionStatus(st))
			}
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) listTaskSessions(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	sessions, err := s.store.ListSessions(r.Context(), store.SessionListFilter{TaskID: taskID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.machine.Abort(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "already") {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	outcome := models.SessionOutcome(req.Outcome)
	if outcome != models.OutcomePass && outcome != models.OutcomeFail {
		writeError(w, http.StatusBadRequest, "outcome must be 'pass' or 'fail'")
		return
	}

	if err := s.machine.RecordOutcome(r.Context(), id, outcome); err != nil {
		if strings.Contains(err.Error(), "outcomes apply") || strings.Contains(err.Error(), "already") {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Activity stream ---

// postActivity is the producer side: a running agent pushes activity frames
// here. Frames fan out to stream subscribers; a finished frame additionally
// drives the state machine.
func (s *Server) postActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var rec models.ActivityRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !models.KnownActivityType(rec.Type) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown activity type: %s", rec.Type))
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.hub.Publish(session.ID, rec)

	if rec.IsFinished() {
		if err := s.machine.HandleFinished(r.Context(), session.ID, rec); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// The terminal frame is already queued on every subscriber channel;
		// the session's replay buffer is no longer needed.
		s.hub.Drop(session.ID)
	}
	w.WriteHeader(http.StatusAccepted)
}

// streamEvents is the consumer side: an SSE channel emitting the session's
// activity. Event name is the record type, data the JSON-encoded record.
// Buffered history is replayed on subscribe; deduplication is the
// subscriber's merger's job.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.hub.Subscribe(id)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				s.logger.Warn("marshal activity record", "session", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Type, data)
			flusher.Flush()
			if rec.IsFinished() {
				return
			}
		}
	}
}

// --- Board ---

type boardColumn struct {
	Column kanban.Column `json:"column"`
	Tasks  []*boardTask  `json:"tasks"`
}

type boardTask struct {
	*models.Task
	Running bool `json:"running"`
}

func (s *Server) board(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), store.TaskListFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	grouped := kanban.Group(tasks)
	columns := make([]boardColumn, 0, len(kanban.AllColumns))
	for _, col := range kanban.AllColumns {
		entry := boardColumn{Column: col, Tasks: []*boardTask{}}
		for _, task := range grouped[col] {
			entry.Tasks = append(entry.Tasks, &boardTask{
				Task:    task,
				Running: s.tracker.IsRunning(task.ID),
			})
		}
		columns = append(columns, entry)
	}
	writeJSON(w, http.StatusOK, columns)
}

func (s *Server) livenessSnapshot(w http.ResponseWriter, r *http.Request) {
	running := s.tracker.Running()
	if running == nil {
		running = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"running": running})
}
