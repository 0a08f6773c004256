package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskdeck/taskdeck/internal/lifecycle"
	"github.com/taskdeck/taskdeck/internal/liveness"
	"github.com/taskdeck/taskdeck/internal/llm"
	"github.com/taskdeck/taskdeck/internal/models"
	"github.com/taskdeck/taskdeck/internal/output"
	"github.com/taskdeck/taskdeck/internal/store"
)

var (
	taskTitle  string
	taskDesc   string
	taskPrompt string
	taskStatus string
	taskEnrich bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
	Long:  "Create, inspect, and move tasks through the AI-assisted lifecycle.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAddRun()
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details and session history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Dispatch an agent session for the task's current phase",
	Long: `Dispatch an agent session for the task.

From todo this starts planning; from fix it starts the fix
implementation; after a failed session it re-triggers the same phase.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskStartRun(args[0])
	},
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve the plan or the final work",
	Long: `Approve a task awaiting human review.

In planning_review this dispatches the implementation session; in
review this marks the task done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskApproveRun(args[0])
	},
}

var taskRequestChangesCmd = &cobra.Command{
	Use:   "request-changes <task-id>",
	Short: "Send the task back for another round",
	Long: `Reject a task awaiting human review.

In planning_review this dispatches a re-planning session; in review
the task moves to fix, waiting for 'task start' to dispatch the fix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRequestChangesRun(args[0])
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:     "delete <task-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a task and its sessions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskDeleteRun(args[0])
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskPrompt, "prompt", "", "Agent prompt (generated by the LLM if omitted)")
	taskAddCmd.Flags().BoolVar(&taskEnrich, "enrich", true, "Generate description and agent prompt with the configured LLM")
	_ = taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskApproveCmd)
	taskCmd.AddCommand(taskRequestChangesCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}

// newMachine builds a lifecycle machine over the local store with liveness
// recomputed from session state.
func newMachine(ctx context.Context, s store.Store) (*lifecycle.Machine, *liveness.Tracker, error) {
	tracker := liveness.NewTracker()
	machine := lifecycle.NewMachine(s, tracker, nil)
	if err := machine.SyncLiveness(ctx); err != nil {
		return nil, nil, err
	}
	return machine, tracker, nil
}

func taskAddRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task := &models.Task{
		Title:       taskTitle,
		Description: taskDesc,
		AgentPrompt: taskPrompt,
		Status:      models.TaskStatusTodo,
	}

	if taskEnrich && taskPrompt == "" {
		if apiKey := viper.GetString("anthropic.api_key"); apiKey != "" {
			client := llm.NewClient(apiKey, viper.GetString("anthropic.model"))
			enriched, err := client.EnrichTask(ctx, task.Title, task.Description)
			if err != nil {
				ui.Warning("LLM enrichment failed: %v", err)
			} else {
				if task.Description == "" {
					task.Description = enriched.Description
				}
				task.AgentPrompt = enriched.AgentPrompt
				ui.VerboseLog("generated agent prompt (%d chars)", len(task.AgentPrompt))
			}
		}
	}

	if err := s.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	ui.Success("Created task %s: %s", output.Cyan(shortID(task.ID)), task.Title)
	return nil
}

func taskListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	tasks, err := s.ListTasks(ctx, store.TaskListFilter{Status: models.TaskStatus(taskStatus)})
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		ui.Info("No tasks found.")
		return nil
	}

	_, tracker, err := newMachine(ctx, s)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Agent"})
	for _, task := range tasks {
		agentCol := ""
		if tracker.IsRunning(task.ID) {
			agentCol = output.Yellow("working")
		}
		_ = table.Append([]string{
			shortID(task.ID),
			task.Title,
			output.StatusColor(string(task.Status)),
			agentCol,
		})
	}
	_ = table.Render()
	return nil
}

func taskShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(task.ID)), task.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(task.Status)))
	if task.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", task.Description)
	}
	if task.AgentPrompt != "" {
		fmt.Fprintf(ui.Out, "  Prompt:     %s\n", task.AgentPrompt)
	}
	if task.LastError != "" {
		fmt.Fprintf(ui.Out, "  Last error: %s\n", output.Red(task.LastError))
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", task.ID)

	sessions, err := s.ListSessions(ctx, store.SessionListFilter{TaskID: task.ID})
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Session", "Phase", "Status", "Outcome", "Started"})
		for _, session := range sessions {
			_ = table.Append([]string{
				shortID(session.ID),
				string(session.Phase),
				output.SessionColor(string(session.Status)),
				string(session.Outcome),
				session.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		_ = table.Render()
	}
	return nil
}

func taskStartRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	machine, _, err := newMachine(ctx, s)
	if err != nil {
		return err
	}

	session, err := machine.Start(ctx, task.ID)
	if err != nil {
		return err
	}

	ui.Success("Dispatched %s session %s for %s", session.Phase, output.Cyan(shortID(session.ID)), task.Title)
	ui.Info("Follow it with: taskdeck watch %s", shortID(session.ID))
	return nil
}

func taskApproveRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	machine, _, err := newMachine(ctx, s)
	if err != nil {
		return err
	}

	updated, session, err := machine.Approve(ctx, task.ID)
	if err != nil {
		return err
	}

	if session != nil {
		ui.Success("Approved plan; dispatched %s session %s", session.Phase, output.Cyan(shortID(session.ID)))
	} else {
		ui.Success("Task %s is %s", updated.Title, output.StatusColor(string(updated.Status)))
	}
	return nil
}

func taskRequestChangesRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	machine, _, err := newMachine(ctx, s)
	if err != nil {
		return err
	}

	updated, session, err := machine.RequestChanges(ctx, task.ID)
	if err != nil {
		return err
	}

	if session != nil {
		ui.Success("Dispatched %s session %s", session.Phase, output.Cyan(shortID(session.ID)))
	} else {
		ui.Success("Task moved to %s; run 'taskdeck task start %s' to dispatch the fix", output.StatusColor(string(updated.Status)), shortID(task.ID))
	}
	return nil
}

func taskDeleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	if running, err := s.GetRunningSession(ctx, task.ID); err != nil {
		return err
	} else if running != nil {
		return fmt.Errorf("task %s has a running session; abort it first", shortID(task.ID))
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		return err
	}
	ui.Success("Deleted task %s", shortID(task.ID))
	return nil
}

// findTask finds a task by full ID or prefix match.
func findTask(ctx context.Context, s store.Store, id string) (*models.Task, error) {
	if task, err := s.GetTask(ctx, id); err == nil {
		return task, nil
	}

	upper := strings.ToUpper(id)
	tasks, err := s.ListTasks(ctx, store.TaskListFilter{})
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
