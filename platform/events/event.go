// Package events provides event dispatch infrastructure for decoupled,
// event-driven communication between modules.
// This is part of the platform layer and contains no business logic.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownEventType is returned by Dispatch when no handler is registered
// for an event's name.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is the interface all dispatchable events implement.
type Event interface {
	// EventName returns the identifier handlers are registered under.
	EventName() string
}

// Handler processes events of a specific type.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Registry maps event names to exactly one handler each.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handler to eventName. Registering a name twice replaces the
// earlier handler.
func (r *Registry) Register(eventName string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventName] = handler
}

// Dispatch runs the handler registered for the event synchronously.
func (r *Registry) Dispatch(ctx context.Context, event Event) error {
	r.mu.RLock()
	handler, ok := r.handlers[event.EventName()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, event.EventName())
	}
	return handler.Handle(ctx, event)
}

// Record is a persisted event as handed to handlers.
type Record struct {
	ID         string
	TenantID   string
	Type       string
	EntityType string
	EntityID   string
	Payload    map[string]any
	RetryCount int
}

// EventName implements Event.
func (r Record) EventName() string {
	return r.Type
}
