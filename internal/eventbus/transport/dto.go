package transport

import "time"

// CreateEventRequest is an event submitted by a producer. The tenant comes
// from the caller's identity.
type CreateEventRequest struct {
	Type       string         `json:"type" validate:"required,max=100"`
	EntityType string         `json:"entityType" validate:"required,collection"`
	EntityID   string         `json:"entityId" validate:"required,max=200"`
	Payload    map[string]any `json:"payload"`
	DedupeKey  string         `json:"dedupeKey,omitempty" validate:"omitempty,max=200"`
}

// EventResponse is a stored event.
type EventResponse struct {
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

// CreateEventResponse carries the stored event. Created is false when an
// event with the same dedupe key already existed.
type CreateEventResponse struct {
	Success bool           `json:"success"`
	Event   *EventResponse `json:"event,omitempty"`
	Created bool           `json:"created,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ProcessEventsRequest triggers a manual processing pass.
type ProcessEventsRequest struct {
	BatchSize int `json:"batchSize" validate:"omitempty,min=1,max=500"`
}

// ProcessEventsResponse summarizes the pass.
type ProcessEventsResponse struct {
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processedCount"`
	Succeeded      int    `json:"succeeded"`
	Retried        int    `json:"retried"`
	DeadLettered   int    `json:"deadLettered"`
	UnknownType    int    `json:"unknownType"`
	Error          string `json:"error,omitempty"`
}
