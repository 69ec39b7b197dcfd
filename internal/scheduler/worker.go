package scheduler

import (
	"context"

	activeusers "crm_activity_backend/internal/activeusers/service"
	eventbus "crm_activity_backend/internal/eventbus/service"
	"crm_activity_backend/platform/config"
	"crm_activity_backend/platform/logger"

	"github.com/hibiken/asynq"
)

const defaultReconcileLimit = 200

// EventProcessor runs event bus passes.
type EventProcessor interface {
	ProcessEvents(ctx context.Context, batchSize int) (eventbus.ProcessResult, error)
	CleanupOldEvents(ctx context.Context, retentionDays int) (int, error)
}

// StaleReconciler rebuilds aggregates left stale by sampling.
type StaleReconciler interface {
	ReconcileStale(ctx context.Context, limit int) (activeusers.ReconcileResult, error)
}

// Jobs holds the job bodies shared by the asynq worker and the in-process
// ticker fallback.
type Jobs struct {
	events     EventProcessor
	reconciler StaleReconciler
	cfg        config.EventBusConfig
	log        *logger.Logger
}

func NewJobs(events EventProcessor, reconciler StaleReconciler, cfg config.EventBusConfig, log *logger.Logger) *Jobs {
	return &Jobs{events: events, reconciler: reconciler, cfg: cfg, log: log}
}

func (j *Jobs) ProcessEvents(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = j.cfg.GetEventBatchSize()
	}
	result, err := j.events.ProcessEvents(ctx, batchSize)
	if err != nil {
		j.log.Warn("event processing pass failed", "error", err)
		return err
	}
	if result.Selected > 0 {
		j.log.Info("event processing pass finished",
			"selected", result.Selected,
			"succeeded", result.Succeeded,
			"retried", result.Retried,
			"dead_lettered", result.DeadLettered,
			"unknown_type", result.Unknown,
		)
	}
	return nil
}

func (j *Jobs) CleanupEvents(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = j.cfg.GetEventRetentionDays()
	}
	deleted, err := j.events.CleanupOldEvents(ctx, retentionDays)
	if err != nil {
		j.log.Warn("event cleanup failed", "error", err, "deleted", deleted)
		return err
	}
	if deleted > 0 {
		j.log.Info("event cleanup deleted processed events", "deleted", deleted)
	}
	return nil
}

func (j *Jobs) ReconcileStale(ctx context.Context, limit int) error {
	if j.reconciler == nil {
		return nil
	}
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	result, err := j.reconciler.ReconcileStale(ctx, limit)
	if err != nil {
		j.log.Warn("stale reconcile failed", "error", err)
		return err
	}
	if result.Checked > 0 {
		j.log.Info("stale reconcile finished",
			"checked", result.Checked,
			"rebuilt", result.Rebuilt,
			"cleared", result.Cleared,
			"failed", result.Failed,
		)
	}
	return nil
}

// Worker consumes job tasks from the asynq queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	jobs   *Jobs
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, jobs *Jobs, log *logger.Logger) (*Worker, error) {
	opt, err := redisOptFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	w := &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		jobs:   jobs,
		log:    log,
	}
	w.register()
	return w, nil
}

func (w *Worker) register() {
	w.mux.HandleFunc(TaskEventsProcess, w.handleProcessEvents)
	w.mux.HandleFunc(TaskEventsCleanup, w.handleCleanupEvents)
	w.mux.HandleFunc(TaskAggregatesReconcileStale, w.handleReconcileStale)
}

func (w *Worker) handleProcessEvents(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseProcessEventsPayload(task)
	if err != nil {
		return err
	}
	return w.jobs.ProcessEvents(ctx, payload.BatchSize)
}

func (w *Worker) handleCleanupEvents(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseCleanupEventsPayload(task)
	if err != nil {
		return err
	}
	return w.jobs.CleanupEvents(ctx, payload.RetentionDays)
}

func (w *Worker) handleReconcileStale(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseReconcileStalePayload(task)
	if err != nil {
		return err
	}
	return w.jobs.ReconcileStale(ctx, payload.Limit)
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
