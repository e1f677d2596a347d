package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/templatefabric/internal/httpapi"
	"github.com/c360studio/templatefabric/internal/telemetry"
	"github.com/c360studio/templatefabric/internal/version"
)

// newServeCmd builds the API-server subcommand: REST submit/inspect, the
// progress WebSocket, and the prometheus scrape endpoint.
func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func runServe(ctx context.Context, configPath, addr string) error {
	bootLogger := newLogger("warn")
	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger, "api")
	if err != nil {
		return err
	}
	defer a.close()

	templates, err := version.NewCache(a.versions, version.DefaultCacheSize)
	if err != nil {
		return exitf(exitStoreDown, "build template cache: %v", err)
	}

	server := httpapi.NewServer(a.tasks, a.dispatcher, httpapi.NewNATSBus(a.conn.Raw()),
		httpapi.WithLogger(logger),
		httpapi.WithTemplates(&cachedTemplates{cache: templates, store: a.versions}),
	)

	registry := prometheus.NewRegistry()
	telemetry.NewMetrics(registry)

	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := telemetry.NewHealthPublisher(a.conn.Raw(), "api-server")
	_ = health.Healthy("api server starting on " + addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("api server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// cachedTemplates serves template reads through the LRU cache, routes
// list/get-version straight at the store (version rows are immutable), and
// sends restore through the cache so the cached entry is invalidated.
type cachedTemplates struct {
	cache *version.Cache
	store *version.Store
}

func (c *cachedTemplates) Get(ctx context.Context, templateID string) (*version.Template, error) {
	return c.cache.Get(ctx, templateID)
}

func (c *cachedTemplates) ListVersions(ctx context.Context, templateID string) ([]*version.Version, error) {
	return c.store.ListVersions(ctx, templateID)
}

func (c *cachedTemplates) GetVersion(ctx context.Context, templateID string, versionNumber int) (*version.Version, error) {
	return c.store.GetVersion(ctx, templateID, versionNumber)
}

func (c *cachedTemplates) Restore(ctx context.Context, templateID string, targetVersion int, restorer string) (int, error) {
	return c.cache.Restore(ctx, templateID, targetVersion, restorer)
}
