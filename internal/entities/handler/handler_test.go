package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/internal/entities/service"
	"crm_activity_backend/internal/entities/transport"
	"crm_activity_backend/internal/safety"
	"crm_activity_backend/platform/httpkit"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/validator"
)

func newTestRouter(t *testing.T, limits safety.Limits) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := docstore.NewMemoryStore()
	if err := store.Merge(context.Background(), "t1", "companies", "c1", map[string]any{"name": "Acme"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	policy, err := service.DefaultPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	guard := safety.NewGuard(safety.NewMemoryState(time.Hour), limits, logger.Discard())
	h := New(service.New(store, guard, policy, logger.Discard()), validator.New())

	r := gin.New()
	r.PATCH("/entities/:id", func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			c.Set(httpkit.ContextUserIDKey, user)
			c.Set(httpkit.ContextTenantIDKey, "t1")
		}
		c.Next()
	}, h.UpdateEntity)
	return r
}

func patch(r *gin.Engine, user, id, body string) (*httptest.ResponseRecorder, transport.UpdateEntityResponse) {
	req := httptest.NewRequest(http.MethodPatch, "/entities/"+id, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var resp transport.UpdateEntityResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestUpdateEntityResponses(t *testing.T) {
	r := newTestRouter(t, safety.Limits{CacheTTL: time.Minute})

	rec, resp := patch(r, "u1", "c1", `{"updates":{"name":"Acme BV"}}`)
	if rec.Code != http.StatusOK || !resp.Success || resp.NoChanges || resp.Cached {
		t.Fatalf("expected update, got %d %+v", rec.Code, resp)
	}

	rec, resp = patch(r, "u1", "c1", `{"updates":{"name":"Acme BV"}}`)
	if rec.Code != http.StatusOK || !resp.Success || !resp.Cached {
		t.Fatalf("expected cached result, got %d %+v", rec.Code, resp)
	}

	rec, resp = patch(r, "u2", "c1", `{"updates":{"name":"Acme BV"}}`)
	if rec.Code != http.StatusOK || !resp.Success || !resp.NoChanges {
		t.Fatalf("expected no-op, got %d %+v", rec.Code, resp)
	}

	rec, resp = patch(r, "u2", "missing", `{"updates":{"name":"x"}}`)
	if rec.Code != http.StatusNotFound || resp.Success {
		t.Fatalf("expected not found, got %d %+v", rec.Code, resp)
	}
}

func TestUpdateEntityRateLimitedIsNotAnError(t *testing.T) {
	r := newTestRouter(t, safety.Limits{EntityHourly: 1})

	patch(r, "u1", "c1", `{"updates":{"name":"One"}}`)
	rec, resp := patch(r, "u2", "c1", `{"updates":{"name":"Two"}}`)
	if rec.Code != http.StatusOK || resp.Success || !resp.RateLimited || resp.Scope != safety.ScopeEntity {
		t.Fatalf("expected rate-limited body, got %d %+v", rec.Code, resp)
	}
}

func TestUpdateEntityRejectsBadInput(t *testing.T) {
	r := newTestRouter(t, safety.Limits{})

	tests := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"unauthenticated", "", `{"updates":{"name":"x"}}`, http.StatusUnauthorized},
		{"malformed json", "u1", `{"updates":`, http.StatusBadRequest},
		{"empty updates", "u1", `{"updates":{}}`, http.StatusBadRequest},
		{"bad collection", "u1", `{"collection":"1nvalid","updates":{"name":"x"}}`, http.StatusBadRequest},
		{"unknown collection", "u1", `{"collection":"invoices","updates":{"name":"x"}}`, http.StatusBadRequest},
		{"protected field", "u1", `{"updates":{"createdAt":"x"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := patch(r, tt.user, "c1", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}
