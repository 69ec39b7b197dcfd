package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crm_activity_backend/internal/eventbus/service"
	"crm_activity_backend/internal/eventbus/transport"
	"crm_activity_backend/platform/httpkit"
	"crm_activity_backend/platform/validator"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Handler handles HTTP requests for the event bus.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

// New creates a new event bus handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// CreateEvent stores an event, or returns the existing one for its dedupe key.
// POST /api/v1/events
func (h *Handler) CreateEvent(c *gin.Context) {
	identity := httpkit.MustGetTenantIdentity(c)
	if identity == nil {
		return
	}

	var req transport.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, transport.CreateEventResponse{Error: msgInvalidRequest})
		return
	}
	if err := h.val.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, transport.CreateEventResponse{Error: msgValidationFailed})
		return
	}

	event, created, err := h.svc.CreateEvent(c.Request.Context(), service.CreateInput{
		TenantID:   identity.TenantID(),
		Type:       req.Type,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		DedupeKey:  req.DedupeKey,
	})
	if err != nil {
		c.JSON(httpkit.StatusFor(err), transport.CreateEventResponse{Error: httpkit.ErrorMessage(err)})
		return
	}

	resp := transport.CreateEventResponse{Success: true, Event: toResponse(event), Created: created}
	if created {
		c.JSON(http.StatusCreated, resp)
		return
	}
	httpkit.OK(c, resp)
}

// ProcessEvents runs one processing pass on demand (admin only).
// POST /api/v1/admin/events/process
func (h *Handler) ProcessEvents(c *gin.Context) {
	var req transport.ProcessEventsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, transport.ProcessEventsResponse{Error: msgInvalidRequest})
			return
		}
	}
	if err := h.val.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, transport.ProcessEventsResponse{Error: msgValidationFailed})
		return
	}

	result, err := h.svc.ProcessEvents(c.Request.Context(), req.BatchSize)
	resp := transport.ProcessEventsResponse{
		Success:        err == nil,
		ProcessedCount: result.Selected,
		Succeeded:      result.Succeeded,
		Retried:        result.Retried,
		DeadLettered:   result.DeadLettered,
		UnknownType:    result.Unknown,
	}
	if err != nil {
		resp.Error = httpkit.ErrorMessage(err)
		c.JSON(httpkit.StatusFor(err), resp)
		return
	}
	httpkit.OK(c, resp)
}

func toResponse(e service.Event) *transport.EventResponse {
	return &transport.EventResponse{
		ID:           e.ID,
		TenantID:     e.TenantID,
		Type:         e.Type,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		Payload:      e.Payload,
		DedupeKey:    e.DedupeKey,
		Processed:    e.Processed,
		ProcessedAt:  e.ProcessedAt,
		RetryCount:   e.RetryCount,
		Error:        e.Error,
		DeadLettered: e.DeadLettered,
		CreatedAt:    e.CreatedAt,
	}
}
