package scheduler

import (
	"context"
	"fmt"
	"time"

	"crm_activity_backend/platform/config"
	"crm_activity_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// PeriodicConfig combines the settings the periodic scheduler reads.
type PeriodicConfig interface {
	config.SchedulerConfig
	config.EventBusConfig
	config.AggregationConfig
}

// Entry is one recurring job.
type Entry struct {
	Interval time.Duration
	Task     *asynq.Task
}

// Entries builds the recurring jobs from configuration. A non-positive
// interval disables a job.
func Entries(cfg PeriodicConfig) ([]Entry, error) {
	process, err := NewProcessEventsTask(ProcessEventsPayload{BatchSize: cfg.GetEventBatchSize()})
	if err != nil {
		return nil, err
	}
	cleanup, err := NewCleanupEventsTask(CleanupEventsPayload{RetentionDays: cfg.GetEventRetentionDays()})
	if err != nil {
		return nil, err
	}
	reconcile, err := NewReconcileStaleTask(ReconcileStalePayload{Limit: defaultReconcileLimit})
	if err != nil {
		return nil, err
	}

	candidates := []Entry{
		{Interval: cfg.GetEventProcessInterval(), Task: process},
		{Interval: cfg.GetEventCleanupInterval(), Task: cleanup},
		{Interval: cfg.GetStaleReconcileInterval(), Task: reconcile},
	}
	entries := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		if e.Interval > 0 {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Periodic enqueues the recurring jobs on their intervals.
type Periodic struct {
	scheduler *asynq.Scheduler
	log       *logger.Logger
}

func NewPeriodic(cfg PeriodicConfig, log *logger.Logger) (*Periodic, error) {
	opt, err := redisOptFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	entries, err := Entries(cfg)
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	queue := queueName(cfg)
	for _, e := range entries {
		// Unique keeps a slow run from stacking duplicates behind it.
		_, err := scheduler.Register(
			fmt.Sprintf("@every %s", e.Interval),
			e.Task,
			asynq.Queue(queue),
			asynq.MaxRetry(0),
			asynq.Unique(e.Interval),
		)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", e.Task.Type(), err)
		}
		log.Info("periodic job registered", "task", e.Task.Type(), "interval", e.Interval.String())
	}

	return &Periodic{scheduler: scheduler, log: log}, nil
}

func (p *Periodic) Run(ctx context.Context) {
	if p == nil || p.scheduler == nil {
		return
	}

	if err := p.scheduler.Start(); err != nil {
		p.log.Error("periodic scheduler failed to start", "error", err)
		return
	}
	<-ctx.Done()
	p.scheduler.Shutdown()
}
