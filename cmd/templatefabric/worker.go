package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/c360studio/templatefabric/internal/llmgateway"
	"github.com/c360studio/templatefabric/internal/pipeline"
	"github.com/c360studio/templatefabric/internal/progress"
	"github.com/c360studio/templatefabric/internal/telemetry"
	"github.com/c360studio/templatefabric/internal/worker"
)

// newWorkerCmd builds the worker-runtime subcommand.
func newWorkerCmd(configPath *string) *cobra.Command {
	var modelsPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker runtime consuming template jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), *configPath, modelsPath)
		},
	}
	cmd.Flags().StringVar(&modelsPath, "models", "", "Path to model registry JSON (default: built-in registry)")
	return cmd
}

func runWorker(ctx context.Context, configPath, modelsPath string) error {
	bootLogger := newLogger("warn")
	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger, "worker")
	if err != nil {
		return err
	}
	defer a.close()

	client, registry, err := a.newLLMClient(ctx, modelsPath)
	if err != nil {
		return err
	}

	emitter := telemetry.NewEmitter(a.conn.Raw(), "worker")

	// The gateway semaphore is process-wide by design: one instance here at
	// the composition root, shared by every concurrent handler.
	gateway := llmgateway.New(client, registry,
		llmgateway.WithLogger(logger),
		llmgateway.WithMaxConcurrentCalls(cfg.LLM.MaxConcurrentCalls),
		llmgateway.WithMaxCostPerTaskUSD(cfg.LLM.MaxCostPerTaskUSD),
		llmgateway.WithEmitter(emitter),
	)

	pipe := pipeline.New(gateway,
		pipeline.WithLogger(logger),
		pipeline.WithSelfHealing(cfg.LLM.EnableSelfHealing),
	)

	w := worker.New(a.tasks, a.dispatcher, progress.NewPublisher(a.conn.Raw()), pipe,
		worker.WithLogger(logger),
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithVersions(a.versions),
		worker.WithCostLedger(gateway),
		worker.WithTelemetry(emitter),
		worker.WithStorageRoot(cfg.Storage.Root),
	)

	health := telemetry.NewHealthPublisher(a.conn.Raw(), w.ID())
	_ = health.Healthy("worker starting")
	defer func() { _ = health.Healthy("worker stopped") }()

	return w.Run(ctx)
}
