// Package eventbus provides the durable event bus bounded context: producers
// create dedupe-keyed events, scheduled passes dispatch them to registered
// handlers.
package eventbus

import (
	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/internal/eventbus/handler"
	"crm_activity_backend/internal/eventbus/service"
	apphttp "crm_activity_backend/internal/http"
	"crm_activity_backend/platform/events"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/validator"
)

// Module is the event bus module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates the event bus dispatching through registry.
func NewModule(store docstore.Store, registry *events.Registry, val *validator.Validator, log *logger.Logger) *Module {
	svc := service.New(store, registry, log)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "eventbus"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts event routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.POST("/events", m.handler.CreateEvent)

	ctx.Admin.POST("/events/process", m.handler.ProcessEvents)
}

var _ apphttp.Module = (*Module)(nil)
