package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/c360studio/templatefabric/internal/reaper"
)

// newReapCmd builds the zombie-reaper subcommand. With --once it runs a
// single sweep and exits; otherwise it loops until signalled.
func newReapCmd(configPath *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run the zombie reaper sweeping stuck jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap(cmd.Context(), *configPath, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single sweep and exit")
	return cmd
}

func runReap(ctx context.Context, configPath string, once bool) error {
	bootLogger := newLogger("warn")
	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger, "reaper")
	if err != nil {
		return err
	}
	defer a.close()

	r := reaper.New(a.tasks,
		reaper.WithLogger(logger),
		reaper.WithInterval(cfg.Reaper.Interval),
		reaper.WithProcessingTimeout(cfg.Reaper.ProcessingTimeout),
		reaper.WithPendingTimeout(cfg.Reaper.PendingTimeout),
	)

	if once {
		return r.SweepOnce(ctx)
	}

	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}
