package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskEventsProcess = "events.process"

const TaskEventsCleanup = "events.cleanup"

const TaskAggregatesReconcileStale = "aggregates.reconcile_stale"

type ProcessEventsPayload struct {
	BatchSize int `json:"batchSize"`
}

type CleanupEventsPayload struct {
	RetentionDays int `json:"retentionDays"`
}

type ReconcileStalePayload struct {
	Limit int `json:"limit"`
}

func NewProcessEventsTask(payload ProcessEventsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEventsProcess, data), nil
}

func ParseProcessEventsPayload(task *asynq.Task) (ProcessEventsPayload, error) {
	var payload ProcessEventsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessEventsPayload{}, err
	}
	return payload, nil
}

func NewCleanupEventsTask(payload CleanupEventsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEventsCleanup, data), nil
}

func ParseCleanupEventsPayload(task *asynq.Task) (CleanupEventsPayload, error) {
	var payload CleanupEventsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CleanupEventsPayload{}, err
	}
	return payload, nil
}

func NewReconcileStaleTask(payload ReconcileStalePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAggregatesReconcileStale, data), nil
}

func ParseReconcileStalePayload(task *asynq.Task) (ReconcileStalePayload, error) {
	var payload ReconcileStalePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ReconcileStalePayload{}, err
	}
	return payload, nil
}
