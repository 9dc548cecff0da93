// Package main is the entry point for the approvals server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/assignment"
	"github.com/pitabwire/approvals/internal/condition"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/graph"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var _ workflow.Recorder = (*observability.Metrics)(nil)

func main() {
	os.Exit(run())
}

func run() int {
	started := time.Now()

	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger := observability.NewLogger(cfg.Observability, version)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvals", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 4: Load graph definitions and validate them as a set.
	loader := graph.NewLoader()
	defs, err := loader.LoadAll(cfg.Graphs.Directories)
	if err != nil {
		logger.Error("graph loading failed", zap.Error(err))
		return 1
	}
	if verrs := graph.NewValidator(cfg.Graphs.StrictConditions).Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("graph validation error", zap.String("error", ve.Error()))
		}
		logger.Error("graph validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	registry := graph.NewRegistry(defs)

	// Step 5: Initialize the store, the request locker, and the idempotency store.
	store, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	locker, lockerCloser, err := buildLocker(ctx, cfg.Lock, logger)
	if err != nil {
		logger.Error("locker initialization failed", zap.Error(err))
		return 1
	}
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the engine.
	approvers, err := assignment.NewStatic(registry, cfg.Assignment)
	if err != nil {
		logger.Error("approver assignment initialization failed", zap.Error(err))
		return 1
	}

	evaluator := condition.NewEvaluator(condition.WithFailureHook(func(expr string, err error) {
		logger.Warn("condition evaluation failed closed", zap.String("expression", expr), zap.Error(err))
		if metrics != nil {
			metrics.RecordConditionFailure()
		}
	}))

	opts := []workflow.Option{
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithDefaultWorkflowType(cfg.Workflow.InitialWorkflowType),
		workflow.WithLockTimeout(cfg.Lock.AcquireTimeout),
		workflow.WithStrictConditions(cfg.Graphs.StrictConditions),
	}
	if metrics != nil {
		opts = append(opts, workflow.WithRecorder(metrics))
	}
	engine := workflow.NewEngine(store, locker, approvers, evaluator, opts...)

	// Step 7: Install graphs into the store.
	if _, err := installGraphs(ctx, engine, defs, metrics, logger); err != nil {
		logger.Error("graph installation failed", zap.Error(err))
		return 1
	}

	// Step 8: Build HTTP router.
	readiness := []observability.ReadinessCheck{
		observability.GraphCheck(func() int { return len(registry.WorkflowTypes()) }),
	}
	for name, backend := range map[string]any{"store": store, "locker": locker, "idempotency_store": idemStore} {
		if c, ok := observability.BackendCheck(name, backend); ok {
			readiness = append(readiness, c)
		}
	}

	deps := transport.Dependencies{
		Engine:         engine,
		Logger:         logger,
		Idempotency:    idemStore,
		IdempotencyTTL: cfg.Idempotency.DefaultTTL,
		MetricsPath:    cfg.Observability.Metrics.Path,
		HandlerTimeout: cfg.Server.HandlerTimeout,
		Readiness:      readiness,
		Started:        started,
	}
	if metrics != nil {
		deps.Metrics = metrics
		deps.Gatherer = prometheus.DefaultGatherer
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go runReconciler(bgCtx, engine, cfg.Workflow.ReconcileInterval, metrics, logger)
	go watchReload(bgCtx, cfg, engine, registry, approvers, metrics, logger)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("graphs", len(defs)),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	for _, closer := range []func(){storeCloser, lockerCloser, idemCloser} {
		if closer != nil {
			closer()
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// installGraphs installs every definition, counting outcomes. All
// definitions are attempted; it returns those that were installed and an
// error joining the failures.
func installGraphs(ctx context.Context, engine *workflow.Engine, defs []graph.Definition, metrics *observability.Metrics, logger *zap.Logger) ([]graph.Definition, error) {
	var (
		installed []graph.Definition
		errs      []error
	)
	for _, def := range defs {
		status := "ok"
		if err := engine.InstallGraph(ctx, def); err != nil {
			status = "error"
			logger.Error("graph install failed", zap.String("workflow_type", def.WorkflowType), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", def.WorkflowType, err))
		} else {
			installed = append(installed, def)
		}
		if metrics != nil {
			metrics.RecordGraphInstall(status)
		}
	}
	if metrics != nil {
		metrics.SetGraphsLoaded(float64(len(installed)))
	}
	return installed, errors.Join(errs...)
}

// buildStore creates the workflow store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("store: migrate: %w", err)
			}
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildLocker creates the per-request locker based on config.
func buildLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (workflow.Locker, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-process request locks")
		return workflow.NewMemoryLocker(), nil, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("lock: %w", err)
		}
		return workflow.NewRedisLocker(client, cfg.Prefix, cfg.TTL, cfg.RetryInterval), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency keys are disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency: %w", err)
		}
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

func newRedisClient(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return client, nil
}

// runReconciler periodically re-drives requests whose activation was
// interrupted.
func runReconciler(ctx context.Context, engine *workflow.Engine, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger) {
	if interval == 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := "ok"
			changed, err := engine.Reconcile(ctx)
			if err != nil {
				status = "error"
				logger.Error("reconcile failed", zap.Error(err))
			}
			if changed > 0 {
				logger.Info("reconcile advanced requests", zap.Int("requests", changed))
			}
			if metrics != nil {
				metrics.RecordReconcile(status)
			}
		}
	}
}

// watchReload reloads graph files and the assignment file on SIGHUP.
func watchReload(ctx context.Context, cfg *config.Config, engine *workflow.Engine, registry *graph.Registry, approvers *assignment.Static, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reloadGraphs(ctx, cfg, engine, registry, approvers, metrics, logger); err != nil {
				logger.Error("graph reload failed", zap.Error(err))
				continue
			}
			logger.Info("graphs reloaded", zap.Strings("workflow_types", registry.WorkflowTypes()), zap.String("checksum", registry.Checksum()))
		}
	}
}

// reloadGraphs loads, validates and installs the graph files, then syncs the
// assignment file. A reload that fails to load or validate changes nothing.
// When some installs fail, only the installed graphs reach the registry, so
// it keeps describing what the store holds, and the assignment file is left
// as it was.
func reloadGraphs(ctx context.Context, cfg *config.Config, engine *workflow.Engine, registry *graph.Registry, approvers *assignment.Static, metrics *observability.Metrics, logger *zap.Logger) error {
	defs, err := graph.NewLoader().LoadAll(cfg.Graphs.Directories)
	if err != nil {
		return err
	}
	if verrs := graph.NewValidator(cfg.Graphs.StrictConditions).Validate(defs); len(verrs) > 0 {
		return fmt.Errorf("graph reload rejected with %d error(s), first: %w", len(verrs), verrs[0])
	}

	installed, err := installGraphs(ctx, engine, defs, metrics, logger)
	if err != nil {
		for _, def := range installed {
			registry.Put(def)
		}
		return fmt.Errorf("graph reload incomplete: %w", err)
	}
	registry.Replace(defs)
	if err := approvers.Sync(); err != nil {
		return fmt.Errorf("assignment reload: %w", err)
	}
	return nil
}
