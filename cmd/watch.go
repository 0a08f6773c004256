package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskdeck/taskdeck/internal/activity"
	"github.com/taskdeck/taskdeck/internal/llm"
	"github.com/taskdeck/taskdeck/internal/models"
	"github.com/taskdeck/taskdeck/internal/output"
	"github.com/taskdeck/taskdeck/internal/stream"
)

var watchSummarize bool

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session's activity stream live",
	Long: `Follow a session's activity stream from the coordinator server.

Frames print as they arrive. Tool calls update in place when their
result lands (matched by correlation id); replayed duplicates after a
reconnect are collapsed. Requires a running 'taskdeck serve'.

With --summarize, the configured Anthropic model writes a short recap
of the session's merged timeline after the session finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(args[0])
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchSummarize, "summarize", false, "Summarize the finished session with the configured model")
	rootCmd.AddCommand(watchCmd)
}

// watchHandlers builds the stream callbacks. The merger is fed directly from
// the callbacks, which the stream client serializes, so it sees every frame;
// the channels only feed the display loop and never block. A stalled display
// drops frames instead of wedging the delivery goroutine against Cancel.
func watchHandlers(merger *activity.Merger, records, finished chan models.ActivityRecord, connState chan bool) stream.Handlers {
	return stream.Handlers{
		OnActivity: func(rec models.ActivityRecord) {
			merger.Ingest(rec)
			select {
			case records <- rec:
			default:
			}
		},
		OnFinished: func(rec models.ActivityRecord) {
			merger.Ingest(rec)
			select {
			case finished <- rec:
			default:
			}
		},
		OnConnectionChange: func(up bool) {
			select {
			case connState <- up:
			default:
			}
		},
	}
}

func watchRun(sessionID string) error {
	baseURL := viper.GetString("server.url")
	client := stream.NewClient(baseURL,
		stream.WithMaxAttempts(viper.GetInt("stream.max_attempts")),
		stream.WithBackoff(viper.GetDuration("stream.backoff")),
	)

	merger := activity.NewMerger()
	records := make(chan models.ActivityRecord, 64)
	finished := make(chan models.ActivityRecord, 1)
	connState := make(chan bool, 4)

	sub := client.Subscribe(sessionID, watchHandlers(merger, records, finished, connState))
	defer sub.Cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	ui.Info("Watching session %s on %s", shortID(sessionID), baseURL)

	for {
		select {
		case rec := <-records:
			printRecord(rec)
		case rec := <-finished:
			printSummary(sessionID, rec, merger)
			if watchSummarize {
				printActivitySummary(sessionID, merger)
			}
			return nil
		case up := <-connState:
			if up {
				ui.VerboseLog("connected")
			} else {
				ui.Warning("connection lost, retrying...")
			}
		case <-sub.Done():
			// Done closes right after the terminal frame; prefer the
			// buffered finished record when both are ready.
			select {
			case rec := <-finished:
				printSummary(sessionID, rec, merger)
				if watchSummarize {
					printActivitySummary(sessionID, merger)
				}
				return nil
			default:
			}
			if err := sub.Err(); err != nil {
				return fmt.Errorf("stream ended: %w", err)
			}
			return nil
		case <-interrupt:
			ui.Info("Stopped watching (session keeps running).")
			return nil
		}
	}
}

func printRecord(rec models.ActivityRecord) {
	ts := rec.Timestamp.Local().Format("15:04:05")
	label := output.ActivityColor(string(rec.Type))
	switch {
	case rec.Error != "":
		fmt.Fprintf(ui.Out, "%s  %-14s %s %s\n", ts, label, rec.Content, output.Red(rec.Error))
	case rec.ID != "":
		fmt.Fprintf(ui.Out, "%s  %-14s [%s] %s\n", ts, label, rec.ID, rec.Content)
	default:
		fmt.Fprintf(ui.Out, "%s  %-14s %s\n", ts, label, rec.Content)
	}
}

func printSummary(sessionID string, rec models.ActivityRecord, merger *activity.Merger) {
	fmt.Fprintln(ui.Out)
	if rec.Success {
		ui.Success("Session %s finished (%d records)", shortID(sessionID), merger.Len())
	} else {
		ui.Error("Session %s failed: %s", shortID(sessionID), rec.Error)
	}
}

// summarizeFunc produces the model-written recap for --summarize.
// Replaceable in tests.
var summarizeFunc = summarizeWithConfiguredModel

func summarizeWithConfiguredModel(ctx context.Context, sessionID string, recs []models.ActivityRecord) (string, error) {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		return "", fmt.Errorf("anthropic.api_key is not configured")
	}

	// Best effort: label the summary with the task title when the local
	// store knows the session, the session id otherwise.
	title := shortID(sessionID)
	if s, err := getStore(); err == nil {
		if sess, err := s.GetSession(ctx, sessionID); err == nil {
			if task, err := s.GetTask(ctx, sess.TaskID); err == nil {
				title = task.Title
			}
		}
	}

	client := llm.NewClient(apiKey, viper.GetString("anthropic.model"))
	return client.SummarizeActivity(ctx, title, recs)
}

func printActivitySummary(sessionID string, merger *activity.Merger) {
	text, err := summarizeFunc(context.Background(), sessionID, merger.Snapshot())
	if err != nil {
		ui.Warning("summary unavailable: %v", err)
		return
	}
	fmt.Fprintln(ui.Out)
	ui.Info("Summary:")
	fmt.Fprintln(ui.Out, text)
}
