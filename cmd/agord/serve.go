package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/config"
	agorcron "github.com/agor-dev/agor/internal/cron"
	"github.com/agor-dev/agor/internal/executor"
	"github.com/agor-dev/agor/internal/models"
	"github.com/agor-dev/agor/internal/normalizer"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/prompt"
	"github.com/agor-dev/agor/internal/prompt/providers"
	"github.com/agor-dev/agor/internal/realtime"
	"github.com/agor-dev/agor/internal/service"
	"github.com/agor-dev/agor/internal/state"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/telemetry"
)

// lockTimeout bounds how long a write waits on a session's lock before
// giving up, matching the guard's per-session serialization contract.
const lockTimeout = 30 * time.Second

// shutdownGrace is how long in-flight HTTP requests get to drain.
const shutdownGrace = 10 * time.Second

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics := telemetry.NewMetrics(nil)
	tracer, shutdownTracer, err := telemetry.NewTracer(ctx, telemetry.TraceConfig{
		ServiceName:    "agord",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracer(context.Background())

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	bus := realtime.NewBus()
	locks := state.NewWriteLockManager(lockTimeout)
	svc := service.New(log, st, locks, bus)
	policy := &service.Policy{Service: svc, Project: permission.NewFileProjectPersister()}
	arbiter := permission.NewArbiter(realtime.NewPermissionBus(bus), svc, policy, cfg.Permissions.DecisionTimeout.Std())

	catalog := config.NewStaticMCPCatalog(cfg.MCP.Global)
	worktrees := config.DirWorktreeResolver{Root: cfg.Worktrees.Root}

	driver := prompt.NewDriver(log)
	providers.Register(ctx, log, driver, providers.Deps{
		AnthropicAPIKey: cfg.Providers.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.Providers.OpenAIAPIKey,
		GeminiAPIKey:    cfg.Providers.GeminiAPIKey,
		History:         providers.HistoryFromService(svc),
		PriorTask:       priorTaskLookup(svc),
	})

	exec := executor.New(log, driver, svc, bus, normalizer.NewRegistry(), arbiter, worktrees, catalog, cfg.Server.PublicBaseURL)
	tokens := auth.NewTokenService(cfg.Server.AuthSecret, cfg.Server.TokenTTL.Std())
	hub := realtime.NewHub(log, bus, tokens)

	sweeper := agorcron.New(log, svc, arbiter, cfg.Permissions.RequestTTL.Std())
	if err := sweeper.Start(cfg.Sweep.StaleSessions, cfg.Sweep.PermissionRequests); err != nil {
		return fmt.Errorf("start sweeps: %w", err)
	}
	defer sweeper.Stop()

	watcher := config.NewWatcher(log, configPath, func(next *config.Config) {
		catalog.SetGlobal(next.MCP.Global)
	})
	if err := watcher.Start(ctx); err != nil {
		log.Warn("config watch unavailable, live reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	api := newAPI(log, cfg, svc, exec, arbiter, tokens, metrics, tracer, hub, bus)

	apiServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: api.routes()}
	errCh := make(chan error, 2)
	go func() {
		log.Info("daemon listening", "addr", cfg.Server.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler(nil))
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("listener failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return apiServer.Shutdown(shutdownCtx)
}

// openStore opens the configured backend and returns it with its closer.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.BackendPostgres:
		st, err := store.NewPostgresStore(cfg.Store.DSN, nil)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// priorTaskLookup adapts the service layer to normalizer.PriorTaskLookup:
// the most recent completed task in the session.
func priorTaskLookup(svc *service.Service) normalizer.PriorTaskLookup {
	return func(ctx context.Context, sessionID string) (*models.Task, error) {
		tasks, err := svc.ListTasks(ctx, store.TaskListOptions{SessionID: sessionID, Status: models.TaskCompleted})
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return nil, nil
		}
		return tasks[len(tasks)-1], nil
	}
}
