package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskdeck/taskdeck/internal/models"
	"github.com/taskdeck/taskdeck/internal/output"
	"github.com/taskdeck/taskdeck/internal/store"
)

var (
	sessionTaskID string
	sessionLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Inspect and manage agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionAbortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Abort a running session",
	Long: `Abort a running session.

The session ends as aborted, the task keeps its current status, and
the agent marker clears from the board.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionAbortRun(args[0])
	},
}

var sessionOutcomeCmd = &cobra.Command{
	Use:   "outcome <session-id> <pass|fail>",
	Short: "Record a review verdict on a running review session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOutcomeRun(args[0], args[1])
	},
}

func init() {
	sessionListCmd.Flags().StringVar(&sessionTaskID, "task", "", "Filter by task ID")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Maximum sessions to show")

	sessionsCmd.AddCommand(sessionListCmd)
	sessionsCmd.AddCommand(sessionShowCmd)
	sessionsCmd.AddCommand(sessionAbortCmd)
	sessionsCmd.AddCommand(sessionOutcomeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.SessionListFilter{Limit: sessionLimit}
	if sessionTaskID != "" {
		task, err := findTask(ctx, s, sessionTaskID)
		if err != nil {
			return err
		}
		filter.TaskID = task.ID
	}

	sessions, err := s.ListSessions(ctx, filter)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Task", "Phase", "Status", "Outcome", "Started"})
	for _, session := range sessions {
		_ = table.Append([]string{
			shortID(session.ID),
			shortID(session.TaskID),
			string(session.Phase),
			output.SessionColor(string(session.Status)),
			string(session.Outcome),
			session.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	session, err := findSession(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s session\n", output.Cyan(shortID(session.ID)), session.Phase)
	fmt.Fprintf(ui.Out, "  Task:     %s\n", shortID(session.TaskID))
	fmt.Fprintf(ui.Out, "  Status:   %s\n", output.SessionColor(string(session.Status)))
	if session.Outcome != models.OutcomeNone {
		fmt.Fprintf(ui.Out, "  Outcome:  %s\n", session.Outcome)
	}
	if session.LastError != "" {
		fmt.Fprintf(ui.Out, "  Error:    %s\n", output.Red(session.LastError))
	}
	fmt.Fprintf(ui.Out, "  Started:  %s\n", session.CreatedAt.Format(time.RFC3339))
	if session.EndedAt != nil {
		fmt.Fprintf(ui.Out, "  Ended:    %s\n", session.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:  %s\n", session.ID)
	return nil
}

func sessionAbortRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	session, err := findSession(ctx, s, id)
	if err != nil {
		return err
	}

	machine, _, err := newMachine(ctx, s)
	if err != nil {
		return err
	}

	if err := machine.Abort(ctx, session.ID); err != nil {
		return err
	}
	ui.Success("Aborted session %s", shortID(session.ID))
	return nil
}

func sessionOutcomeRun(id, verdict string) error {
	outcome := models.SessionOutcome(verdict)
	if outcome != models.OutcomePass && outcome != models.OutcomeFail {
		return fmt.Errorf("outcome must be 'pass' or 'fail', got %q", verdict)
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	session, err := findSession(ctx, s, id)
	if err != nil {
		return err
	}

	machine, _, err := newMachine(ctx, s)
	if err != nil {
		return err
	}

	if err := machine.RecordOutcome(ctx, session.ID, outcome); err != nil {
		return err
	}
	ui.Success("Recorded %s verdict on session %s", outcome, shortID(session.ID))
	return nil
}

// findSession finds a session by full ID or prefix match against recent
// sessions.
func findSession(ctx context.Context, s store.Store, id string) (*models.Session, error) {
	if session, err := s.GetSession(ctx, id); err == nil {
		return session, nil
	}

	upper := strings.ToUpper(id)
	sessions, err := s.ListSessions(ctx, store.SessionListFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.Session
	for _, session := range sessions {
		if strings.HasPrefix(session.ID, upper) {
			matches = append(matches, session)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session ID %s: matches %d sessions", id, len(matches))
	}
}
