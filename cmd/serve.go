package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskdeck/taskdeck/internal/api"
	"github.com/taskdeck/taskdeck/internal/daemon"
	"github.com/taskdeck/taskdeck/internal/event"
	"github.com/taskdeck/taskdeck/internal/lifecycle"
	"github.com/taskdeck/taskdeck/internal/liveness"
	"github.com/taskdeck/taskdeck/internal/llm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator API server",
	Long: `Run the coordinator HTTP API in the foreground.

The server owns the activity fan-out: agents post frames to it and
'taskdeck watch' (or a web board) subscribes to the SSE stream. Use
'serve start' to run it in the background instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config, :7333)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "taskdeck-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "taskdeck-serve.log")
}

func serveRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	tracker := liveness.NewTracker()
	hub := event.NewHub()
	machine := lifecycle.NewMachine(s, tracker, logger)

	// Crash-safe: the running set is always rebuilt from session state.
	if err := machine.SyncLiveness(ctx); err != nil {
		return err
	}

	var llmClient *llm.Client
	if apiKey := viper.GetString("anthropic.api_key"); apiKey != "" {
		llmClient = llm.NewClient(apiKey, viper.GetString("anthropic.model"))
	}

	srv := api.NewServer(s, machine, tracker, hub, llmClient, logger)
	addr := viper.GetString("server.addr")
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	pf := pidFile()
	if err := pf.Write(); err != nil {
		logger.Warn("write pid file", "path", pf.Path, "error", err)
	}
	defer func() { _ = pf.Remove() }()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, shutdownSignals()...)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sig:
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "serve")
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ui.Success("Server started (pid %d), logging to %s", child.Process.Pid, serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server not running")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	_ = pf.Remove()
	ui.Success("Stopped server (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Info("Server running (pid %d) on %s", pid, viper.GetString("server.addr"))
	} else {
		ui.Info("Server not running")
	}
	return nil
}
