// Package entities provides guarded direct updates to CRM entities.
package entities

import (
	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/internal/entities/handler"
	"crm_activity_backend/internal/entities/service"
	apphttp "crm_activity_backend/internal/http"
	"crm_activity_backend/internal/safety"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/validator"
)

// Module is the entities module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates the module. Writes that pass the guard are reported to
// observer, which may be nil.
func NewModule(store docstore.Store, guard *safety.Guard, policy *service.Policy, observer service.ChangeObserver, val *validator.Validator, log *logger.Logger) *Module {
	svc := service.New(store, guard, policy, log)
	if observer != nil {
		svc.SetObserver(observer)
	}
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "entities"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts entity routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.PATCH("/entities/:id", m.handler.UpdateEntity)
}

var _ apphttp.Module = (*Module)(nil)
