package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	aggservice "crm_activity_backend/internal/activeusers/service"
	"crm_activity_backend/internal/docstore"
	eventbus "crm_activity_backend/internal/eventbus/service"
	"crm_activity_backend/internal/scheduler"
	"crm_activity_backend/platform/config"
	"crm_activity_backend/platform/db"
	"crm_activity_backend/platform/events"
	"crm_activity_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GetStoreDriver() != config.StoreDriverPostgres {
		panic("scheduler requires STORE_DRIVER=postgres; the memory store is not shared between processes")
	}

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	store := docstore.NewPostgresStore(pool, cfg.GetStoreTimeout(), log)

	redisClient, err := scheduler.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		panic("failed to initialize redis client: " + err.Error())
	}
	defer func() { _ = redisClient.Close() }()

	layout, err := aggservice.DefaultLayout()
	if err != nil {
		log.Error("failed to load aggregate layout", "error", err)
		panic("failed to load aggregate layout: " + err.Error())
	}

	// Worker-side aggregate wiring (no HTTP handlers required).
	registry := events.NewRegistry()
	aggregates := aggservice.New(store, layout, aggservice.NewRateSampler(cfg.GetAggregateSampleRate(), uint64(time.Now().UnixNano())), aggservice.Options{
		PageSize:       cfg.GetAggregatePageSize(),
		PerTenantLimit: cfg.GetRebuildPerTenantLimit(),
		GlobalLimit:    cfg.GetRebuildGlobalLimit(),
		UpdatesChannel: cfg.GetAggregateUpdatesChannel(),
	}, log)
	aggregates.RegisterHandlers(registry)
	aggregates.SetPublisher(events.NewRedisPublisher(redisClient))

	bus := eventbus.New(store, registry, log)
	aggregates.SetEmitter(bus)

	jobs := scheduler.NewJobs(bus, aggregates, cfg, log)

	periodic, err := scheduler.NewPeriodic(cfg, log)
	if err != nil {
		log.Error("failed to initialize periodic scheduler", "error", err)
		panic("failed to initialize periodic scheduler: " + err.Error())
	}
	go periodic.Run(ctx)

	worker, err := scheduler.NewWorker(cfg, jobs, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
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
