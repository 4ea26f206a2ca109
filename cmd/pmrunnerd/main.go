// PM-Runner orchestrator daemon - claims queued tasks, drives them through
// the planning/review/retry pipeline, and serves the local HTTP control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pm-runner/pmrunner/pkg/api"
	"github.com/pm-runner/pmrunner/pkg/chunker"
	"github.com/pm-runner/pmrunner/pkg/cleanup"
	"github.com/pm-runner/pmrunner/pkg/config"
	"github.com/pm-runner/pmrunner/pkg/events"
	"github.com/pm-runner/pmrunner/pkg/evidence"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/limits"
	"github.com/pm-runner/pmrunner/pkg/lockmanager"
	"github.com/pm-runner/pmrunner/pkg/namespace"
	"github.com/pm-runner/pmrunner/pkg/pipeline"
	"github.com/pm-runner/pmrunner/pkg/planner"
	"github.com/pm-runner/pmrunner/pkg/poller"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
	"github.com/pm-runner/pmrunner/pkg/queuestore/memory"
	"github.com/pm-runner/pmrunner/pkg/queuestore/postgres"
	"github.com/pm-runner/pmrunner/pkg/retry"
	"github.com/pm-runner/pmrunner/pkg/trace"
	"github.com/pm-runner/pmrunner/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	projectDir := flag.String("project-dir",
		getEnv("PROJECT_DIR", "."),
		"Project directory the namespace is derived from")
	flag.Parse()

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))

	slog.Info("Starting PM-Runner", "version", version.Full(), "config_dir", *configDir, "http_port", httpPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	ns, autoDerived, err := resolveNamespace(cfg, *projectDir)
	if err != nil {
		slog.Error("Failed to resolve namespace", "error", err)
		os.Exit(1)
	}
	tableName := namespace.TableName(ns)
	stateDir := cfg.StateDir
	slog.Info("Namespace resolved", "namespace", ns, "auto_derived", autoDerived, "table_name", tableName, "state_dir", stateDir)

	backend, closeBackend, err := openBackend(ctx)
	if err != nil {
		slog.Error("Failed to open queue backend", "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	store := queuestore.New(backend)
	evidenceStore := evidence.New(filepath.Join(stateDir, "evidence"))
	tracer := trace.New(filepath.Join(stateDir, "traces"))
	locks := lockmanager.New(cfg.Locks.GlobalExecutorCapacity)
	limiter := limits.New(cfg.Limits)
	retrier := retry.New(cfg.Retry)
	emitter := events.New()

	claimedBy := processIdentity()

	// Wrapper chain: Chunker -> per-(sub)task review.Loop -> raw Executor.
	chunked := &chunker.Chunker{
		Raw:                 executor.NewStubExecutor(),
		Planner:             planner.New(),
		Tracer:              tracer,
		Retry:               retrier,
		Limits:              limiter,
		Locks:               locks,
		ReviewMaxIterations: cfg.Review.MaxIterations,
		PlannerOptions: planner.Options{
			AutoChunk:   true,
			MinSubtasks: cfg.Limits.MinSubtasks,
			MaxSubtasks: cfg.Limits.MaxSubtasks,
		},
		OnEvent: func(kind string, data map[string]any) {
			emitter.Emit(kind, data)
		},
	}

	pl := &pipeline.Pipeline{
		Exec:     chunked,
		Evidence: evidenceStore,
		Tracer:   tracer,
		BaseDir: func(ns, sessionID string) string {
			return *projectDir
		},
	}

	p := poller.New(ns, store, pl, cfg.Queue, emitter, claimedBy)
	if err := p.Start(ctx); err != nil {
		slog.Error("Failed to start poller", "error", err)
		os.Exit(1)
	}

	cleaner := cleanup.NewService(cfg.Retention, store, evidenceStore, ns)
	cleaner.Start(ctx)

	server := api.NewServer(store, ns, autoDerived, tableName, stateDir, httpPort)
	server.Poller = p

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP control plane listening", "addr", ":"+httpPort)
		serverErr <- server.Start(":" + httpPort)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	// Teardown reverses startup order: API first (stop new enqueues reaching
	// this process), then cleanup, then the poller so the in-flight task can
	// drain before the backend closes.
	shutdownCtx := context.Background()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	cleaner.Stop()
	if err := p.Stop(shutdownCtx); err != nil {
		slog.Error("Poller shutdown failed", "error", err)
	}
	if n, err := evidenceStore.FinalizeOpenSessions(); err != nil {
		slog.Error("Finalizing evidence sessions failed", "error", err)
	} else if n > 0 {
		slog.Info("Finalized evidence sessions", "count", n)
	}
	slog.Info("PM-Runner stopped")
}

// resolveNamespace applies the override from config when present, otherwise
// derives the default namespace from the project directory.
func resolveNamespace(cfg *config.Config, projectDir string) (string, bool, error) {
	if cfg.Namespace != nil && cfg.Namespace.Override != "" {
		if err := namespace.Validate(cfg.Namespace.Override); err != nil {
			return "", false, err
		}
		return cfg.Namespace.Override, false, nil
	}
	dir := projectDir
	if cfg.Namespace != nil && cfg.Namespace.ProjectPath != "" {
		dir = cfg.Namespace.ProjectPath
	}
	ns, err := namespace.DeriveDefault(dir)
	if err != nil {
		return "", false, err
	}
	return ns, true, nil
}

// openBackend connects to Postgres when DB_HOST is configured, falling back
// to the in-memory backend for single-process development.
func openBackend(ctx context.Context) (queuestore.Backend, func(), error) {
	host := os.Getenv("DB_HOST")
	if host == "" {
		slog.Warn("DB_HOST not set, using in-memory queue backend (tasks will not survive a restart)")
		return memory.New(), func() {}, nil
	}

	port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.Host = host
	pgCfg.Port = port
	pgCfg.User = getEnv("DB_USER", "pmrunner")
	pgCfg.Password = os.Getenv("DB_PASSWORD")
	pgCfg.Database = getEnv("DB_NAME", "pmrunner")
	pgCfg.SSLMode = getEnv("DB_SSLMODE", pgCfg.SSLMode)

	backend, err := postgres.Open(ctx, pgCfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Connected to PostgreSQL", "host", host, "database", pgCfg.Database)
	return backend, func() {
		if err := backend.Close(); err != nil {
			slog.Error("Closing database failed", "error", err)
		}
	}, nil
}

// processIdentity tags RUNNING tasks with which process holds them, for
// crash forensics.
func processIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pmrunner"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
