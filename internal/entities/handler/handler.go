package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crm_activity_backend/internal/entities/service"
	"crm_activity_backend/internal/entities/transport"
	"crm_activity_backend/internal/safety"
	"crm_activity_backend/platform/httpkit"
	"crm_activity_backend/platform/validator"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Handler handles HTTP requests for direct entity updates.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a new entities handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// UpdateEntity applies a guarded update. Rate limiting, loop detection and
// no-op updates are reported in the body with status 200.
// PATCH /api/v1/entities/:id
func (h *Handler) UpdateEntity(c *gin.Context) {
	identity := httpkit.MustGetTenantIdentity(c)
	if identity == nil {
		return
	}

	var req transport.UpdateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, transport.UpdateEntityResponse{Message: msgInvalidRequest})
		return
	}
	if err := h.val.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, transport.UpdateEntityResponse{Message: msgValidationFailed})
		return
	}

	result, err := h.svc.UpdateEntity(c.Request.Context(), service.UpdateInput{
		TenantID:   identity.TenantID(),
		CallerID:   identity.UserID(),
		Collection: req.Collection,
		EntityID:   c.Param("id"),
		Updates:    req.Updates,
		Force:      req.Force,
	})
	if err != nil {
		c.JSON(httpkit.StatusFor(err), transport.UpdateEntityResponse{Message: httpkit.ErrorMessage(err)})
		return
	}

	resp := toResponse(result)
	if err := result.Err(); err != nil {
		c.JSON(httpkit.StatusFor(err), resp)
		return
	}
	httpkit.OK(c, resp)
}

func toResponse(r safety.Result) transport.UpdateEntityResponse {
	resp := transport.UpdateEntityResponse{
		Success: r.OK(),
		Message: r.Message,
		Cached:  r.Cached,
	}
	switch r.Outcome {
	case safety.OutcomeRateLimited:
		resp.RateLimited = true
		resp.Scope = r.Scope
	case safety.OutcomeLoopDetected:
		resp.LoopDetected = true
		resp.Scope = r.Scope
	case safety.OutcomeNoChanges:
		resp.NoChanges = true
	}
	return resp
}
