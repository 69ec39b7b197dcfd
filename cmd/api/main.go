package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm_activity_backend/internal/activeusers"
	aggservice "crm_activity_backend/internal/activeusers/service"
	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/internal/entities"
	entityservice "crm_activity_backend/internal/entities/service"
	"crm_activity_backend/internal/eventbus"
	apphttp "crm_activity_backend/internal/http"
	"crm_activity_backend/internal/http/router"
	"crm_activity_backend/internal/safety"
	"crm_activity_backend/internal/scheduler"
	"crm_activity_backend/platform/config"
	"crm_activity_backend/platform/db"
	"crm_activity_backend/platform/events"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr, "store", cfg.GetStoreDriver())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	store, health, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	var redisClient *redis.Client
	if cfg.GetRedisURL() != "" {
		redisClient, err = scheduler.NewRedisClient(cfg)
		if err != nil {
			log.Error("failed to initialize redis client", "error", err)
			panic("failed to initialize redis client: " + err.Error())
		}
		defer func() { _ = redisClient.Close() }()
	} else {
		log.Warn("REDIS_URL not configured; background jobs run in-process and aggregate updates are not published")
	}

	// Handlers for durable events, filled in by the modules below
	registry := events.NewRegistry()

	// Shared validator instance for dependency injection
	val := validator.New()

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	layout, err := aggservice.DefaultLayout()
	if err != nil {
		log.Error("failed to load aggregate layout", "error", err)
		panic("failed to load aggregate layout: " + err.Error())
	}
	sampler := aggservice.NewRateSampler(cfg.GetAggregateSampleRate(), uint64(time.Now().UnixNano()))
	activeUsersModule := activeusers.NewModule(store, layout, sampler, aggregateOptions(cfg), val, log)
	activeUsersModule.RegisterHandlers(registry)

	eventBusModule := eventbus.NewModule(store, registry, val, log)

	// Recomputed aggregates are announced through the event bus
	activeUsersModule.Service().SetEmitter(eventBusModule.Service())
	if redisClient != nil {
		activeUsersModule.Service().SetPublisher(events.NewRedisPublisher(redisClient))
	}

	guard := safety.NewGuard(safetyState(cfg, redisClient), safety.LimitsFromConfig(cfg), log)
	go guard.RunSweeper(ctx, cfg.GetSafetySweepInterval())

	policy, err := entityservice.DefaultPolicy()
	if err != nil {
		log.Error("failed to load entity field policy", "error", err)
		panic("failed to load entity field policy: " + err.Error())
	}
	policy.Protect(layout.AggregateField, layout.UpdatedAtField(), layout.StaleAtField())

	// Direct updates feed the trigger gate since the store has no triggers
	entitiesModule := entities.NewModule(store, guard, policy, activeUsersModule.Service(), val, log)

	if redisClient == nil {
		jobs := scheduler.NewJobs(eventBusModule.Service(), activeUsersModule.Service(), cfg, log)
		for _, t := range scheduler.InProcess(jobs, cfg, log) {
			go t.Run(ctx)
		}
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config: cfg,
		Logger: log,
		Health: health,
		Modules: []apphttp.Module{
			activeUsersModule,
			eventBusModule,
			entitiesModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(ctx, app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (docstore.Store, apphttp.HealthChecker, func()) {
	if cfg.GetStoreDriver() == config.StoreDriverMemory {
		log.Warn("using in-memory document store; data is lost on restart")
		return docstore.NewMemoryStore(), nil, func() {}
	}

	pool, err := connectWithMigrations(ctx, cfg, log)
	if err != nil {
		log.Error("failed to prepare database", "error", err)
		panic("failed to prepare database: " + err.Error())
	}
	log.Info("database connection established")
	store := docstore.NewPostgresStore(pool, cfg.GetStoreTimeout(), log)
	return store, store, pool.Close
}

func aggregateOptions(cfg *config.Config) aggservice.Options {
	return aggservice.Options{
		PageSize:       cfg.GetAggregatePageSize(),
		PerTenantLimit: cfg.GetRebuildPerTenantLimit(),
		GlobalLimit:    cfg.GetRebuildGlobalLimit(),
		UpdatesChannel: cfg.GetAggregateUpdatesChannel(),
	}
}

func safetyState(cfg *config.Config, client *redis.Client) safety.State {
	if cfg.GetSafetyStateBackend() == config.SafetyStateRedis && client != nil {
		return safety.NewRedisState(client, "", time.Hour)
	}
	return safety.NewMemoryState(time.Hour)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}

func connectWithMigrations(ctx context.Context, cfg *config.Config, log *logger.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		return nil, err
	}

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool)
	}); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("database migrations complete")
	return pool, nil
}
