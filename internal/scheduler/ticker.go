package scheduler

import (
	"context"
	"time"

	"crm_activity_backend/platform/logger"
)

// Ticker runs a job in-process every interval. It stands in for the asynq
// worker when no Redis is configured.
type Ticker struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
	log      *logger.Logger
}

func NewTicker(name string, interval time.Duration, run func(ctx context.Context) error, log *logger.Logger) *Ticker {
	return &Ticker{name: name, interval: interval, run: run, log: log}
}

// InProcess returns tickers for every recurring job enabled in cfg.
func InProcess(jobs *Jobs, cfg PeriodicConfig, log *logger.Logger) []*Ticker {
	all := []*Ticker{
		NewTicker(TaskEventsProcess, cfg.GetEventProcessInterval(), func(ctx context.Context) error {
			return jobs.ProcessEvents(ctx, 0)
		}, log),
		NewTicker(TaskEventsCleanup, cfg.GetEventCleanupInterval(), func(ctx context.Context) error {
			return jobs.CleanupEvents(ctx, 0)
		}, log),
		NewTicker(TaskAggregatesReconcileStale, cfg.GetStaleReconcileInterval(), func(ctx context.Context) error {
			return jobs.ReconcileStale(ctx, 0)
		}, log),
	}
	enabled := make([]*Ticker, 0, len(all))
	for _, t := range all {
		if t.interval > 0 {
			enabled = append(enabled, t)
		}
	}
	return enabled
}

func (t *Ticker) Run(ctx context.Context) {
	if t == nil || t.run == nil || t.interval <= 0 {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.run(ctx); err != nil {
				t.log.Debug("in-process job failed", "job", t.name, "error", err)
			}
		}
	}
}
