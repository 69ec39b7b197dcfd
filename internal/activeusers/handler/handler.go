package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crm_activity_backend/internal/activeusers/service"
	"crm_activity_backend/internal/activeusers/transport"
	"crm_activity_backend/platform/httpkit"
	"crm_activity_backend/platform/validator"
)

const (
	msgInvalidRequest    = "invalid request"
	msgValidationFailed  = "validation failed"
	msgInvalidCollection = "invalid collection"
)

// Handler handles HTTP requests for active-user aggregates.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a new aggregates handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// RebuildAggregate recomputes one entity's aggregate.
// POST /api/v1/aggregates/rebuild
func (h *Handler) RebuildAggregate(c *gin.Context) {
	identity := httpkit.MustGetTenantIdentity(c)
	if identity == nil {
		return
	}

	var req transport.RebuildAggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, transport.RebuildAggregateResponse{Error: msgInvalidRequest})
		return
	}
	if err := h.val.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, transport.RebuildAggregateResponse{Error: msgValidationFailed})
		return
	}
	if req.Collection == "" {
		req.Collection = service.RebuildCollection
	}

	count, err := h.svc.RebuildAggregate(c.Request.Context(), identity.TenantID(), service.Target{Collection: req.Collection, ID: req.EntityID})
	if err != nil {
		c.JSON(httpkit.StatusFor(err), transport.RebuildAggregateResponse{Error: httpkit.ErrorMessage(err)})
		return
	}
	httpkit.OK(c, transport.RebuildAggregateResponse{OK: true, Count: &count})
}

// RebuildAll recomputes every company of the listed tenants (admin only).
// POST /api/v1/admin/aggregates/rebuild-all
func (h *Handler) RebuildAll(c *gin.Context) {
	var req transport.RebuildAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, transport.RebuildAllResponse{Error: msgInvalidRequest})
		return
	}
	if err := h.val.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, transport.RebuildAllResponse{Error: msgValidationFailed})
		return
	}

	result, err := h.svc.RebuildAll(c.Request.Context(), req.TenantIDs)
	resp := transport.RebuildAllResponse{
		OK:                 err == nil,
		Tenants:            result.Tenants,
		CompaniesProcessed: result.CompaniesProcessed,
		TotalUpdated:       result.TotalUpdated,
		Failed:             result.Failed,
		Truncated:          result.Truncated,
	}
	if err != nil {
		resp.Error = httpkit.ErrorMessage(err)
		c.JSON(httpkit.StatusFor(err), resp)
		return
	}
	httpkit.OK(c, resp)
}

// Trigger accepts a change notification for a source or member document.
// POST /api/v1/triggers/:collection
func (h *Handler) Trigger(c *gin.Context) {
	identity := httpkit.MustGetTenantIdentity(c)
	if identity == nil {
		return
	}

	collection := c.Param("collection")
	if err := h.val.Var(collection, "required,collection"); err != nil {
		c.JSON(http.StatusBadRequest, transport.TriggerResponse{Error: msgInvalidCollection})
		return
	}

	var req transport.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, transport.TriggerResponse{Error: msgInvalidRequest})
		return
	}
	if err := h.val.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, transport.TriggerResponse{Error: msgValidationFailed})
		return
	}

	result, err := h.svc.HandleChange(c.Request.Context(), identity.TenantID(), service.Change{
		Collection: collection,
		DocID:      req.DocumentID,
		Before:     req.Before,
		After:      req.After,
	})

	resp := transport.TriggerResponse{
		Accepted: result.Decision.Recompute,
		Reason:   string(result.Decision.Reason),
		Targets:  make([]transport.TargetResponse, 0, len(result.Targets)),
		Updated:  result.Updated,
	}
	for _, t := range result.Targets {
		resp.Targets = append(resp.Targets, transport.TargetResponse{Collection: t.Collection, ID: t.ID})
	}
	if err != nil {
		resp.Error = httpkit.ErrorMessage(err)
		c.JSON(httpkit.StatusFor(err), resp)
		return
	}
	httpkit.OK(c, resp)
}
