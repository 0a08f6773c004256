package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskdeck/taskdeck/internal/event"
	"github.com/taskdeck/taskdeck/internal/lifecycle"
	"github.com/taskdeck/taskdeck/internal/liveness"
	mcpserver "github.com/taskdeck/taskdeck/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agent sessions use it to fetch their task context, post activity
frames, record review verdicts, and finish. Configure in the agent
runner with:

  {
    "mcpServers": {
      "taskdeck": { "command": "taskdeck", "args": ["mcp"] }
    }
  }

Available tools: taskdeck_list_tasks, taskdeck_get_task,
taskdeck_get_session, taskdeck_post_activity, taskdeck_record_outcome,
taskdeck_finish_session, taskdeck_board`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		tracker := liveness.NewTracker()
		hub := event.NewHub()
		machine := lifecycle.NewMachine(s, tracker, nil)
		if err := machine.SyncLiveness(ctx); err != nil {
			return err
		}

		srv := mcpserver.NewServer(s, machine, tracker, hub)
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
