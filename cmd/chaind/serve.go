package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/config"
	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/hooks"
	chainhttp "github.com/fyrsmithlabs/chaind/internal/http"
	"github.com/fyrsmithlabs/chaind/internal/injection"
	"github.com/fyrsmithlabs/chaind/internal/logging"
	"github.com/fyrsmithlabs/chaind/internal/mcp"
	"github.com/fyrsmithlabs/chaind/internal/pipeline"
	"github.com/fyrsmithlabs/chaind/internal/registry"
	"github.com/fyrsmithlabs/chaind/internal/session"
	"github.com/fyrsmithlabs/chaind/internal/telemetry"
)

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting chaind",
		zap.String("version", version),
		zap.String("state_backend", cfg.State.Backend))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return run(ctx, cfg, logger)
}

// run wires all services and blocks until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Telemetry first so otel.Meter calls in the other packages resolve
	// to the configured providers.
	tel, err := telemetry.New(ctx, telemetryConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Session store
	repo, err := buildRepository(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer repo.Close()

	sessions, err := session.NewService(repo, logger)
	if err != nil {
		return err
	}

	// Lifecycle hooks: every gate event lands in the structured log.
	emitter := hooks.NewEmitter(logger)
	registerEventLogging(emitter, logger)

	// Definition catalog with optional hot reload
	catalog, watcher, err := buildCatalog(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	defaultPolicy, err := cfg.Gates.Policy()
	if err != nil {
		return err
	}
	catalog.SetDefaultPolicy(defaultPolicy)

	// Enforcement and injection authorities, capture stage
	authority, err := gate.NewAuthority(sessions, catalog, emitter, logger)
	if err != nil {
		return err
	}
	stage, err := pipeline.NewCaptureStage(sessions, authority, logger)
	if err != nil {
		return err
	}
	injections := injection.NewAuthority(&cfg.Injection, logger)

	mcpServer, err := mcp.NewServer(&mcp.Config{
		Name:    "chaind",
		Version: version,
		Logger:  logger,
	}, sessions, catalog, stage, authority, injections)
	if err != nil {
		return err
	}

	httpServer, err := chainhttp.NewServer(sessions, catalog, logger, &chainhttp.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return err
	}

	// Background workers
	if watcher != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("definition watcher stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Reaper.Enabled {
		reaper := session.NewReaper(&session.ReaperConfig{
			TTL:      cfg.Reaper.TTL.Duration(),
			Interval: cfg.Reaper.Interval.Duration(),
		}, repo, logger)
		go reaper.Run(ctx)
	}

	httpErr := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// MCP on stdio is the primary transport; serve until the client
	// disconnects or a signal arrives.
	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- mcpServer.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		logger.Error("http server failed", zap.Error(err))
		return err
	case err := <-mcpErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mcp server failed", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	logger.Info("chaind stopped")
	return nil
}

// telemetryConfig maps the observability section onto the telemetry
// package config, carrying the build version as the service version.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	if cfg.Observability.Endpoint != "" {
		tc.Endpoint = cfg.Observability.Endpoint
	}
	if cfg.Observability.Protocol != "" {
		tc.Protocol = cfg.Observability.Protocol
	}
	tc.Insecure = cfg.Observability.Insecure
	tc.TLSSkipVerify = cfg.Observability.TLSSkipVerify
	if cfg.Observability.SamplingRate > 0 {
		tc.Sampling.Rate = cfg.Observability.SamplingRate
	}
	if cfg.Observability.MetricsInterval > 0 {
		tc.Metrics.ExportInterval = cfg.Observability.MetricsInterval
	}
	return &tc
}

func buildRepository(cfg *config.Config) (session.Repository, error) {
	switch cfg.State.Backend {
	case config.BackendMemory:
		return session.NewMemoryRepository(), nil
	case config.BackendSQLite:
		return session.NewSQLiteRepository(cfg.State.Path)
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}

// buildCatalog loads definitions from the configured directory, creating
// it on first run so a fresh install serves an empty catalog instead of
// failing.
func buildCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*registry.Catalog, *registry.Watcher, error) {
	dir := cfg.Registry.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, err
		}
		dir = filepath.Join(home, ".config", "chaind", "chains")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, err
	}

	loader, err := registry.NewDirLoader(dir, logger)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := registry.NewCatalog(ctx, loader, logger)
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Registry.HotReload {
		return catalog, nil, nil
	}
	watcher, err := registry.NewWatcher(catalog, []string{dir}, logger)
	if err != nil {
		return nil, nil, err
	}
	watcher.SetDebounce(cfg.Registry.Debounce.Duration())
	return catalog, watcher, nil
}

// registerEventLogging subscribes a log handler to every gate lifecycle
// event.
func registerEventLogging(emitter *hooks.Emitter, logger *zap.Logger) {
	log := func(_ context.Context, ev hooks.Event) error {
		logger.Info("chain event",
			zap.String("event", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
			zap.String("chain_id", ev.ChainID),
			zap.Int("step", ev.Step),
			zap.Time("at", ev.EmittedAt))
		return nil
	}
	for _, et := range []hooks.EventType{
		hooks.EventGatePassed,
		hooks.EventGateFailed,
		hooks.EventRetryExhausted,
		hooks.EventResponseBlocked,
		hooks.EventSessionAborted,
	} {
		emitter.Register(et, log)
	}
}
