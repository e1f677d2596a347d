package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/c360studio/templatefabric/internal/config"
	"github.com/c360studio/templatefabric/internal/natsconn"
	"github.com/c360studio/templatefabric/internal/task"
	"github.com/c360studio/templatefabric/internal/version"
	"github.com/c360studio/templatefabric/internal/worklog"
	"github.com/c360studio/templatefabric/llm"
	"github.com/c360studio/templatefabric/model"
)

// app bundles the shared composition every subcommand starts from: one NATS
// connection, the durable stores, and the dispatcher.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	conn       *natsconn.Conn
	tasks      *task.Store
	dispatcher *worklog.JetStreamDispatcher
	versions   *version.Store
}

// newApp connects to NATS and opens the fabric's stores. Connection and
// bucket-creation failures map onto the store-unavailable exit code;
// stream/consumer failures onto log-unavailable.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, role string) (*app, error) {
	conn, err := natsconn.Connect(cfg.NATS.URL, natsconn.WithName("templatefabric-"+role))
	if err != nil {
		return nil, exitf(exitStoreDown, "connect to nats: %v", err)
	}

	tasks, err := task.NewStore(ctx, conn.JetStream(), task.WithLogger(logger))
	if err != nil {
		conn.Close()
		return nil, exitf(exitStoreDown, "open task store: %v", err)
	}

	versions, err := version.NewStore(ctx, conn.JetStream(), version.WithLogger(logger))
	if err != nil {
		conn.Close()
		return nil, exitf(exitStoreDown, "open template store: %v", err)
	}

	dispatcher := worklog.NewDispatcher(conn.JetStream(), worklog.WithLogger(logger))
	for _, kind := range []task.Kind{task.KindTemplateParse, task.KindTemplateEdit, task.KindTemplateReview} {
		if err := dispatcher.EnsureGroup(ctx, kind, "template-workers"); err != nil {
			conn.Close()
			return nil, exitf(exitLogDown, "ensure work log for %s: %v", kind, err)
		}
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		tasks:      tasks,
		dispatcher: dispatcher,
		versions:   versions,
	}, nil
}

func (a *app) close() {
	a.conn.Close()
}

// newLLMClient builds the provider-agnostic LLM client over the model
// registry, wiring the KV-backed call store for the audit trail. A missing
// provider credential is a provider-auth failure, not a generic one.
func (a *app) newLLMClient(ctx context.Context, modelsPath string) (*llm.Client, *model.Registry, error) {
	if err := ensureProviderAuth(a.cfg); err != nil {
		return nil, nil, err
	}

	registry := model.Global()
	if modelsPath != "" {
		loaded, err := model.LoadFromFile(modelsPath)
		if err != nil {
			return nil, nil, exitf(exitValidation, "load model registry: %v", err)
		}
		registry = loaded
	}

	opts := []llm.ClientOption{llm.WithLogger(a.logger)}
	if callStore, err := llm.NewCallStore(ctx, a.conn, llm.WithStoreLogger(a.logger)); err == nil {
		opts = append(opts, llm.WithCallStore(callStore))
	} else {
		a.logger.Warn("llm call store unavailable, continuing without audit trail", "error", err)
	}
	if a.cfg.LLM.MaxRetries > 0 {
		retryCfg := llm.DefaultRetryConfig()
		retryCfg.MaxAttempts = a.cfg.LLM.MaxRetries
		opts = append(opts, llm.WithRetryConfig(retryCfg))
	}

	return llm.NewClient(registry, opts...), registry, nil
}

// ensureProviderAuth verifies some provider credential is reachable before a
// worker starts pulling jobs it can never finish. A key configured in the
// file is exported for the default provider if the environment doesn't
// already carry one.
func ensureProviderAuth(cfg *config.Config) error {
	if cfg.LLM.APIKey != "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		_ = os.Setenv("ANTHROPIC_API_KEY", cfg.LLM.APIKey)
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" && os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("OLLAMA_HOST") == "" {
		return exitf(exitProviderAuth, "no LLM provider credential configured: set llm.api_key, ANTHROPIC_API_KEY, OPENAI_API_KEY, or OLLAMA_HOST")
	}
	return nil
}
