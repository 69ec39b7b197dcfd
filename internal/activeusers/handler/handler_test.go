package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"crm_activity_backend/internal/activeusers/service"
	"crm_activity_backend/internal/activeusers/transport"
	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/httpkit"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/validator"
)

func newTestRouter(t *testing.T) (*gin.Engine, *docstore.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	layout, err := service.DefaultLayout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	store := docstore.NewMemoryStore()
	seed := func(collection, id string, data map[string]any) {
		if err := store.Merge(context.Background(), "t1", collection, id, data); err != nil {
			t.Fatalf("seed %s/%s: %v", collection, id, err)
		}
	}
	seed("companies", "c1", map[string]any{"name": "Acme"})
	seed("users", "u1", map[string]any{"displayName": "Ann"})
	seed("deals", "d1", map[string]any{"companyId": "c1", "ownerId": "u1"})

	h := New(service.New(store, layout, service.AlwaysKeep{}, service.Options{}, logger.Discard()), validator.New())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, "caller")
		c.Set(httpkit.ContextTenantIDKey, "t1")
		c.Next()
	})
	r.POST("/aggregates/rebuild", h.RebuildAggregate)
	r.POST("/admin/aggregates/rebuild-all", h.RebuildAll)
	r.POST("/triggers/:collection", h.Trigger)
	return r, store
}

func post(r *gin.Engine, path, body string, out any) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	_ = json.Unmarshal(rec.Body.Bytes(), out)
	return rec
}

func TestRebuildAggregate(t *testing.T) {
	r, _ := newTestRouter(t)

	var resp transport.RebuildAggregateResponse
	rec := post(r, "/aggregates/rebuild", `{"entityId":"c1"}`, &resp)
	if rec.Code != http.StatusOK || !resp.OK || resp.Count == nil || *resp.Count != 1 {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing entity", `{}`, http.StatusBadRequest},
		{"source collection", `{"entityId":"d1","collection":"deals"}`, http.StatusBadRequest},
		{"deleted entity", `{"entityId":"c404"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp transport.RebuildAggregateResponse
			rec := post(r, "/aggregates/rebuild", tt.body, &resp)
			if rec.Code != tt.code || resp.OK || resp.Error == "" {
				t.Fatalf("expected %d with an error, got %d %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRebuildAll(t *testing.T) {
	r, _ := newTestRouter(t)

	var resp transport.RebuildAllResponse
	rec := post(r, "/admin/aggregates/rebuild-all", `{"tenantIds":["t1"]}`, &resp)
	if rec.Code != http.StatusOK || !resp.OK || resp.Tenants != 1 || resp.CompaniesProcessed != 1 || resp.TotalUpdated != 1 {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = post(r, "/admin/aggregates/rebuild-all", `{"tenantIds":[]}`, &resp)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty tenant list, got %d", rec.Code)
	}
}

func TestTrigger(t *testing.T) {
	r, store := newTestRouter(t)

	var resp transport.TriggerResponse
	rec := post(r, "/triggers/deals", `{"documentId":"d1","before":{"companyId":"c1"},"after":{"companyId":"c1","ownerId":"u1"}}`, &resp)
	if rec.Code != http.StatusOK || !resp.Accepted || resp.Reason != string(service.ReasonAccepted) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if len(resp.Targets) != 1 || resp.Targets[0].Collection != "companies" || resp.Targets[0].ID != "c1" {
		t.Fatalf("expected fan-out to c1, got %+v", resp.Targets)
	}
	doc, err := store.Get(context.Background(), "t1", "companies", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agg, _ := doc.Data["activeUsers"].(map[string]any); agg["u1"] == nil {
		t.Fatalf("expected u1 on c1, got %v", doc.Data["activeUsers"])
	}

	resp = transport.TriggerResponse{}
	rec = post(r, "/triggers/deals", `{"documentId":"d1","before":{"companyId":"c1","title":"a"},"after":{"companyId":"c1","title":"b"}}`, &resp)
	if rec.Code != http.StatusOK || resp.Accepted || resp.Reason != string(service.ReasonIrrelevant) {
		t.Fatalf("expected irrelevant edit to be skipped, got %d %s", rec.Code, rec.Body.String())
	}

	rec = post(r, "/triggers/bad-name!", `{"documentId":"d1"}`, &resp)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid collection, got %d", rec.Code)
	}
}
