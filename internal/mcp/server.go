// Package mcp exposes the coordinator to AI agents as MCP tools.
//
// Agents running a session use these tools to fetch their task context,
// report activity frames, record review verdicts, and finish the session.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/taskdeck/taskdeck/internal/event"
	"github.com/taskdeck/taskdeck/internal/kanban"
	"github.com/taskdeck/taskdeck/internal/lifecycle"
	"github.com/taskdeck/taskdeck/internal/liveness"
	"github.com/taskdeck/taskdeck/internal/models"
	"github.com/taskdeck/taskdeck/internal/store"
)

// Server wraps the taskdeck data layer and exposes it as MCP tools.
type Server struct {
	store   store.Store
	machine *lifecycle.Machine
	tracker *liveness.Tracker
	hub     *event.Hub
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, machine *lifecycle.Machine, tracker *liveness.Tracker, hub *event.Hub) *Server {
	return &Server{
		store:   s,
		machine: machine,
		tracker: tracker,
		hub:     hub,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("taskdeck", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.getTaskTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.postActivityTool())
	srv.AddTool(s.recordOutcomeTool())
	srv.AddTool(s.finishSessionTool())
	srv.AddTool(s.boardTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// taskdeck_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskdeck_list_tasks",
		mcp.WithDescription("List tasks, optionally filtered by status. Returns a JSON array of tasks with id, title, description, status, and whether an AI session is currently running on them."),
		mcp.WithString("status", mcp.Description("Status filter: todo, planning, planning_review, in_progress, ai_review, fix, review, done")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskListFilter{
		Status: models.TaskStatus(request.GetString("status", "")),
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	type taskOut struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Status      string `json:"status"`
		Running     bool   `json:"running"`
		CreatedAt   string `json:"created_at"`
		UpdatedAt   string `json:"updated_at"`
	}

	out := make([]taskOut, len(tasks))
	for i, task := range tasks {
		out[i] = taskOut{
			ID:          task.ID,
			Title:       task.Title,
			Description: task.Description,
			Status:      string(task.Status),
			Running:     s.tracker.IsRunning(task.ID),
			CreatedAt:   task.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   task.UpdatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// taskdeck_get_task
func (s *Server) getTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskdeck_get_task",
		mcp.WithDescription("Get a single task by ID (full ULID or unique prefix), including its agent prompt and last error."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID (full ULID or unique prefix)")),
	)
	return tool, s.handleGetTask
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	task, err := s.findTask(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"id":           task.ID,
		"title":        task.Title,
		"description":  task.Description,
		"agent_prompt": task.AgentPrompt,
		"status":       string(task.Status),
		"last_error":   task.LastError,
		"running":      s.tracker.IsRunning(task.ID),
		"created_at":   task.CreatedAt.Format(time.RFC3339),
		"updated_at":   task.UpdatedAt.Format(time.RFC3339),
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal task: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// taskdeck_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskdeck_get_session",
		mcp.WithDescription("Get an agent session and its task context. Agents call this first to learn which phase they are executing (planning, implementation, review) and what the task asks for."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}
	task, err := s.store.GetTask(ctx, session.TaskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", session.TaskID)), nil
	}

	result := map[string]any{
		"session": map[string]any{
			"id":      session.ID,
			"phase":   string(session.Phase),
			"status":  string(session.Status),
			"outcome": string(session.Outcome),
		},
		"task": map[string]any{
			"id":           task.ID,
			"title":        task.Title,
			"description":  task.Description,
			"agent_prompt": task.AgentPrompt,
			"status":       string(task.Status),
		},
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// taskdeck_post_activity
func (s *Server) postActivityTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskdeck_post_activity",
		mcp.WithDescription("Post an activity frame for a running session. Frames fan out to live stream subscribers. Use the same correlation id for a tool_call and its later tool_result so viewers can replace the call in place. A 'finished' frame ends the session and advances the task lifecycle."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID the frame belongs to")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Frame type: tool_call, tool_result, agent_message, reasoning, step_start, json_patch, finished")),
		mcp.WithString("id", mcp.Description("Correlation id linking a tool_call to its tool_result")),
		mcp.WithString("content", mcp.Description("Frame payload text")),
		mcp.WithBoolean("success", mcp.Description("For finished frames: whether the session succeeded")),
		mcp.WithString("error", mcp.Description("For failed finished frames: the error message")),
	)
	return tool, s.handlePostActivity
}

func (s *Server) handlePostActivity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	frameType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: type"), nil
	}
	if !models.KnownActivityType(models.ActivityType(frameType)) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown activity type: %s", frameType)), nil
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	rec := models.ActivityRecord{
		Type:      models.ActivityType(frameType),
		ID:        request.GetString("id", ""),
		Content:   request.GetString("content", ""),
		Success:   request.GetBool("success", false),
		Error:     request.GetString("error", ""),
		Timestamp: time.Now().UTC(),
	}

	s.hub.Publish(session.ID, rec)

	if rec.IsFinished() {
		if err := s.machine.HandleFinished(ctx, session.ID, rec); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("lifecycle transition failed: %v", err)), nil
		}
		s.hub.Drop(session.ID)
	}

	return mcp.NewToolResultText(`{"accepted":true}`), nil
}

// taskdeck_record_outcome
func (s *Server) recordOutcomeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskdeck_record_outcome",
		mcp.WithDescription("Record a pass/fail verdict on a running review session. The verdict decides whether the task moves to human review (pass) or back to fix (fail) when the session finishes."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Review session ID")),
		mcp.WithString("outcome", mcp.Required(), mcp.Description("Verdict: pass or fail")),
	)
	return tool, s.handleRecordOutcome
}

func (s *Server) handleRecordOutcome(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	outcomeStr, err := request.RequireString("outcome")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: outcome"), nil
	}
	outcome := models.SessionOutcome(outcomeStr)
	if outcome != models.OutcomePass && outcome != models.OutcomeFail {
		return mcp.NewToolResultError(fmt.Sprintf("invalid outcome: %s (must be pass or fail)", outcomeStr)), nil
	}

	if err := s.machine.RecordOutcome(ctx, sessionID, outcome); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"session_id": sessionID,
		"outcome":    string(outcome),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// taskdeck_finish_session
func (s *Server) finishSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskdeck_finish_session",
		mcp.WithDescription("Finish a session. Publishes the terminal activity frame and advances the task lifecycle. On failure, the task keeps its status and a human re-triggers the phase."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID to finish")),
		mcp.WithBoolean("success", mcp.Description("Whether the session succeeded (default true)")),
		mcp.WithString("error", mcp.Description("Error message when success is false")),
	)
	return tool, s.handleFinishSession
}

func (s *Server) handleFinishSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	rec := models.ActivityRecord{
		Type:      models.ActivityFinished,
		Success:   request.GetBool("success", true),
		Error:     request.GetString("error", ""),
		Timestamp: time.Now().UTC(),
	}

	s.hub.Publish(session.ID, rec)
	if err := s.machine.HandleFinished(ctx, session.ID, rec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lifecycle transition failed: %v", err)), nil
	}
	s.hub.Drop(session.ID)

	updated, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.store.GetTask(ctx, updated.TaskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]any{
		"session_id":     updated.ID,
		"session_status": string(updated.Status),
		"task_id":        task.ID,
		"task_status":    string(task.Status),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// taskdeck_board
func (s *Server) boardTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("taskdeck_board",
		mcp.WithDescription("Get the kanban board: every task grouped into backlog, planning, in_progress, review, and done columns, with AI-working tasks ordered before awaiting-human ones inside grouped columns."),
	)
	return tool, s.handleBoard
}

func (s *Server) handleBoard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskListFilter{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	grouped := kanban.Group(tasks)
	result := make(map[string][]map[string]any, len(kanban.AllColumns))
	for _, col := range kanban.AllColumns {
		entries := []map[string]any{}
		for _, task := range grouped[col] {
			entries = append(entries, map[string]any{
				"id":      task.ID,
				"title":   task.Title,
				"status":  string(task.Status),
				"running": s.tracker.IsRunning(task.ID),
			})
		}
		result[string(col)] = entries
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal board: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// findTask finds a task by full ID or unique prefix.
func (s *Server) findTask(ctx context.Context, id string) (*models.Task, error) {
	if task, err := s.store.GetTask(ctx, id); err == nil {
		return task, nil
	}

	upper := strings.ToUpper(id)
	tasks, err := s.store.ListTasks(ctx, store.TaskListFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.Task
	for _, task := range tasks {
		if strings.HasPrefix(task.ID, upper) {
			matches = append(matches, task)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("task not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous task ID %s: matches %d tasks", id, len(matches))
	}
}
