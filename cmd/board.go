package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskdeck/taskdeck/internal/kanban"
	"github.com/taskdeck/taskdeck/internal/output"
	"github.com/taskdeck/taskdeck/internal/store"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show the kanban board",
	Long: `Show every task grouped into board columns.

Grouped columns list AI-working tasks first, then tasks awaiting a
human. A yellow marker flags tasks with a running agent session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return boardRun()
	},
}

func init() {
	rootCmd.AddCommand(boardCmd)
}

func boardRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	tasks, err := s.ListTasks(ctx, store.TaskListFilter{})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		ui.Info("No tasks yet. Add one with: taskdeck task add --title \"...\"")
		return nil
	}

	_, tracker, err := newMachine(ctx, s)
	if err != nil {
		return err
	}

	grouped := kanban.Group(tasks)
	for _, col := range kanban.AllColumns {
		entries := grouped[col]
		fmt.Fprintf(ui.Out, "%s (%d)\n", output.Cyan(string(col)), len(entries))
		for _, task := range entries {
			marker := " "
			if tracker.IsRunning(task.ID) {
				marker = output.Yellow("*")
			}
			fmt.Fprintf(ui.Out, " %s %s  %s  %s\n",
				marker,
				shortID(task.ID),
				task.Title,
				output.StatusColor(string(task.Status)),
			)
		}
		fmt.Fprintln(ui.Out)
	}
	return nil
}
