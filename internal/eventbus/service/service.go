// Package service implements the durable event bus: dedupe-keyed creation,
// batched processing with a bounded retry count and retention cleanup.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/apperr"
	"crm_activity_backend/platform/events"
	"crm_activity_backend/platform/logger"
)

const (
	// Collection holds events under docstore.GlobalTenant.
	Collection = "events"
	// MaxRetries is the number of failed attempts before an event is
	// dead-lettered.
	MaxRetries = 3

	defaultBatchSize = 50
	maxBatchSize     = 500
	cleanupBatchSize = 200
)

// Event is a stored event.
type Event struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	Type         string         `json:"type"`
	EntityType   string         `json:"entityType"`
	EntityID     string         `json:"entityId"`
	Payload      map[string]any `json:"payload,omitempty"`
	DedupeKey    string         `json:"dedupeKey"`
	Processed    bool           `json:"processed"`
	ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
	RetryCount   int            `json:"retryCount"`
	Error        string         `json:"error,omitempty"`
	DeadLettered bool           `json:"deadLettered,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// CreateInput describes an event to create. DedupeKey is derived when empty.
type CreateInput struct {
	TenantID   string
	Type       string
	EntityType string
	EntityID   string
	Payload    map[string]any
	DedupeKey  string
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Selected     int `json:"selected"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
	Unknown      int `json:"unknown"`
}

// Service is the event bus.
type Service struct {
	store    docstore.Store
	registry *events.Registry
	log      *logger.Logger
	locks    stripedLock
	now      func() time.Time
}

// New creates the event bus over store, dispatching through registry.
func New(store docstore.Store, registry *events.Registry, log *logger.Logger) *Service {
	return &Service{store: store, registry: registry, log: log, now: time.Now}
}

// SetClock overrides the clock used for the retention cutoff.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateEvent stores a new event unless one with the same (tenant, dedupe
// key) exists, in which case that event is returned unchanged and created is
// false. Uniqueness holds within one process; concurrent creates on
// different instances can still race.
func (s *Service) CreateEvent(ctx context.Context, in CreateInput) (Event, bool, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.Type = strings.TrimSpace(in.Type)
	if in.TenantID == "" || in.Type == "" || in.EntityType == "" || in.EntityID == "" {
		return Event{}, false, apperr.Validation("tenantId, type, entityType and entityId are required")
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	if in.DedupeKey == "" {
		key, err := DeriveDedupeKey(in.Type, in.EntityType, in.EntityID, in.Payload)
		if err != nil {
			return Event{}, false, apperr.Validation("payload is not serializable")
		}
		in.DedupeKey = key
	}

	unlock := s.locks.lock(in.TenantID + "|" + in.DedupeKey)
	defer unlock()

	existing, err := s.store.Query(ctx, docstore.GlobalTenant, docstore.Query{Collection: Collection, Limit: 1}.
		Where("tenantId", docstore.OpEqual, in.TenantID).
		Where("dedupeKey", docstore.OpEqual, in.DedupeKey))
	if err != nil {
		return Event{}, false, storeError("find event", err)
	}
	if len(existing) > 0 {
		return decodeEvent(existing[0]), false, nil
	}

	id, err := s.store.Create(ctx, docstore.GlobalTenant, Collection, map[string]any{
		"tenantId":   in.TenantID,
		"type":       in.Type,
		"entityType": in.EntityType,
		"entityId":   in.EntityID,
		"payload":    in.Payload,
		"dedupeKey":  in.DedupeKey,
		"processed":  false,
		"retryCount": 0,
		"createdAt":  docstore.ServerTimestamp,
	})
	if err != nil {
		return Event{}, false, storeError("create event", err)
	}

	doc, err := s.store.Get(ctx, docstore.GlobalTenant, Collection, id)
	if err != nil {
		return Event{}, false, storeError("read event", err)
	}
	return decodeEvent(*doc), true, nil
}

// Emit creates an event with a derived dedupe key.
func (s *Service) Emit(ctx context.Context, tenantID, eventType, entityType, entityID string, payload map[string]any) error {
	_, _, err := s.CreateEvent(ctx, CreateInput{
		TenantID:   tenantID,
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	})
	return err
}

// ProcessEvents dispatches up to batchSize unprocessed events, preferring
// never-retried events and then the oldest. All resulting state changes are
// committed in one batch. Events of an unknown type are dead-lettered at
// once.
func (s *Service) ProcessEvents(ctx context.Context, batchSize int) (ProcessResult, error) {
	var result ProcessResult
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	pending, err := s.store.Query(ctx, docstore.GlobalTenant, docstore.Query{
		Collection: Collection,
		OrderBy:    []docstore.Order{{Field: "retryCount"}, {Field: "createdAt"}},
		Limit:      batchSize,
	}.Where("processed", docstore.OpEqual, false))
	if err != nil {
		return result, storeError("select events", err)
	}
	if len(pending) == 0 {
		return result, nil
	}

	batch := s.store.NewBatch(docstore.GlobalTenant)
	for _, doc := range pending {
		event := decodeEvent(doc)
		result.Selected++

		err := s.dispatch(ctx, event)
		switch {
		case err == nil:
			result.Succeeded++
			batch.Merge(Collection, event.ID, map[string]any{
				"processed":   true,
				"processedAt": docstore.ServerTimestamp,
				"error":       docstore.DeleteField,
			})

		case errors.Is(err, events.ErrUnknownEventType):
			result.Unknown++
			s.log.Error("unknown event type", "event_id", event.ID, "type", event.Type, "tenant_id", event.TenantID)
			batch.Merge(Collection, event.ID, map[string]any{
				"processed":    true,
				"processedAt":  docstore.ServerTimestamp,
				"deadLettered": true,
				"error":        err.Error(),
			})

		default:
			retries := event.RetryCount + 1
			update := map[string]any{
				"retryCount":    retries,
				"error":         err.Error(),
				"lastAttemptAt": docstore.ServerTimestamp,
			}
			if retries >= MaxRetries {
				result.DeadLettered++
				update["processed"] = true
				update["processedAt"] = docstore.ServerTimestamp
				update["deadLettered"] = true
				s.log.Warn("event dead-lettered", "event_id", event.ID, "type", event.Type, "retries", retries, "error", err)
			} else {
				result.Retried++
				s.log.Info("event failed, will retry", "event_id", event.ID, "type", event.Type, "retries", retries, "error", err)
			}
			batch.Merge(Collection, event.ID, update)
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return result, storeError("commit event pass", err)
	}
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.registry.Dispatch(ctx, events.Record{
		ID:         event.ID,
		TenantID:   event.TenantID,
		Type:       event.Type,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Payload:    event.Payload,
		RetryCount: event.RetryCount,
	})
}

// CleanupOldEvents deletes processed events created before the retention
// window, in bounded batches. It returns the number deleted.
func (s *Service) CleanupOldEvents(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, apperr.Validation("retentionDays must be positive")
	}
	cutoff := docstore.FormatTime(s.now().AddDate(0, 0, -retentionDays))

	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		old, err := s.store.Query(ctx, docstore.GlobalTenant, docstore.Query{Collection: Collection, Limit: cleanupBatchSize}.
			Where("processed", docstore.OpEqual, true).
			Where("createdAt", docstore.OpLess, cutoff))
		if err != nil {
			return deleted, storeError("select old events", err)
		}
		if len(old) == 0 {
			return deleted, nil
		}

		batch := s.store.NewBatch(docstore.GlobalTenant)
		for _, doc := range old {
			batch.Delete(Collection, doc.ID)
		}
		if err := batch.Commit(ctx); err != nil {
			return deleted, storeError("delete old events", err)
		}
		deleted += len(old)
		if len(old) < cleanupBatchSize {
			return deleted, nil
		}
	}
}

func decodeEvent(doc docstore.Document) Event {
	str := func(key string) string {
		v, _ := doc.Data[key].(string)
		return v
	}
	event := Event{
		ID:         doc.ID,
		TenantID:   str("tenantId"),
		Type:       str("type"),
		EntityType: str("entityType"),
		EntityID:   str("entityId"),
		DedupeKey:  str("dedupeKey"),
		Error:      str("error"),
	}
	event.Payload, _ = doc.Data["payload"].(map[string]any)
	event.Processed, _ = doc.Data["processed"].(bool)
	event.DeadLettered, _ = doc.Data["deadLettered"].(bool)
	if n, ok := doc.Data["retryCount"].(float64); ok {
		event.RetryCount = int(n)
	}
	if ts, ok := docstore.AsTime(doc.Data["createdAt"]); ok {
		event.CreatedAt = ts
	}
	if ts, ok := docstore.AsTime(doc.Data["processedAt"]); ok {
		event.ProcessedAt = &ts
	}
	return event
}

func storeError(op string, err error) error {
	if errors.Is(err, docstore.ErrUnavailable) {
		return apperr.Unavailable("document store unavailable", err).WithOp(op)
	}
	return apperr.Wrap(apperr.KindInternal, "event store failure", err).WithOp(op)
}
