// Package activeusers provides the active-user aggregate bounded context.
// It keeps the activeUsers map on companies and contacts current as deals,
// tasks and communication logs change.
package activeusers

import (
	"crm_activity_backend/internal/activeusers/handler"
	"crm_activity_backend/internal/activeusers/service"
	"crm_activity_backend/internal/docstore"
	apphttp "crm_activity_backend/internal/http"
	"crm_activity_backend/platform/events"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/validator"
)

// Module is the active-users bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates and initializes the module with all its dependencies.
func NewModule(store docstore.Store, layout *service.Layout, sampler service.Sampler, opts service.Options, val *validator.Validator, log *logger.Logger) *Module {
	svc := service.New(store, layout, sampler, opts, log)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "activeusers"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts aggregate routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.POST("/aggregates/rebuild", m.handler.RebuildAggregate)
	ctx.Protected.POST("/triggers/:collection", m.handler.Trigger)

	ctx.Admin.POST("/aggregates/rebuild-all", m.handler.RebuildAll)
}

// RegisterHandlers binds the aggregate event handlers.
func (m *Module) RegisterHandlers(registry *events.Registry) {
	m.service.RegisterHandlers(registry)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
