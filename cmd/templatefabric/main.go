// Package main implements the templatefabric CLI: the API server, the
// worker runtime, and the zombie reaper, composed over one NATS/JetStream
// connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/templatefabric/internal/config"
	"github.com/c360studio/templatefabric/internal/task"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// CLI exit codes, per the fabric's adapter contract: 0 success, 2
// validation, 3 store unavailable, 4 log unavailable, 5 provider auth.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitValidation   = 2
	exitStoreDown    = 3
	exitLogDown      = 4
	exitProviderAuth = 5
)

// exitError carries an explicit process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) *exitError {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, task.ErrStoreUnavailable) {
		return exitStoreDown
	}
	return exitGeneric
}

func run() error {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "templatefabric",
		Short: "Distributed AI template-analysis job fabric",
		Long: `Templatefabric orchestrates long-running template parse/edit/review jobs:
an HTTP/WebSocket front end accepts work, a pool of workers drives LLM
providers, progress streams back to subscribers in real time, and every
outcome is recorded durably.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newWorkerCmd(&configPath),
		newReapCmd(&configPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// loadConfig loads+validates configuration, mapping problems onto the
// validation exit code.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(path, logger).Load()
	if err != nil {
		return nil, exitf(exitValidation, "load config: %v", err)
	}
	return cfg, nil
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
