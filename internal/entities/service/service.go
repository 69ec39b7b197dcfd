// Package service implements guarded direct updates to CRM entities.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/internal/safety"
	"crm_activity_backend/platform/apperr"
	"crm_activity_backend/platform/logger"
	"crm_activity_backend/platform/phone"
	"crm_activity_backend/platform/sanitize"
)

// DefaultCollection is updated when a request names no collection.
const DefaultCollection = "companies"

// ChangeObserver is told about every write that reached storage.
type ChangeObserver interface {
	ObserveChange(ctx context.Context, tenantID, collection, docID string, before, after map[string]any)
}

// UpdateInput is a direct update request.
type UpdateInput struct {
	TenantID   string
	CallerID   string
	Collection string
	EntityID   string
	Updates    map[string]any
	Force      bool
}

// Service applies direct updates through the safety guard.
type Service struct {
	store    docstore.Store
	guard    *safety.Guard
	policy   *Policy
	observer ChangeObserver
	log      *logger.Logger
}

// New creates the entity update service.
func New(store docstore.Store, guard *safety.Guard, policy *Policy, log *logger.Logger) *Service {
	return &Service{store: store, guard: guard, policy: policy, log: log}
}

// SetObserver registers the observer for successful writes.
func (s *Service) SetObserver(observer ChangeObserver) {
	s.observer = observer
}

// UpdateEntity validates the request and runs it through the guard.
// Malformed requests fail before the guard and are not cached.
func (s *Service) UpdateEntity(ctx context.Context, in UpdateInput) (safety.Result, error) {
	if in.Collection == "" {
		in.Collection = DefaultCollection
	}
	in.EntityID = strings.TrimSpace(in.EntityID)
	if in.TenantID == "" || in.CallerID == "" || in.EntityID == "" {
		return safety.Result{}, apperr.Validation("tenant, caller and entity id are required")
	}
	if !s.policy.Updatable(in.Collection) {
		return safety.Result{}, apperr.Validation("collection does not accept direct updates")
	}
	if len(in.Updates) == 0 {
		return safety.Result{}, apperr.Validation("updates must not be empty")
	}
	if fields := s.policy.ProtectedFields(in.Updates); len(fields) > 0 {
		return safety.Result{}, apperr.Validation("fields cannot be updated: " + strings.Join(fields, ", "))
	}

	key := safety.Key{TenantID: in.TenantID, EntityID: in.Collection + "/" + in.EntityID, CallerID: in.CallerID}
	update := &entityUpdate{svc: s, in: in, updates: s.cleanUpdates(in.Updates)}
	return s.guard.Do(ctx, key, in.Force, update), nil
}

type entityUpdate struct {
	svc     *Service
	in      UpdateInput
	updates map[string]any
	before  *docstore.Document
}

func (u *entityUpdate) load(ctx context.Context) error {
	if u.before != nil {
		return nil
	}
	doc, err := u.svc.store.Get(ctx, u.in.TenantID, u.in.Collection, u.in.EntityID)
	if err != nil {
		return storeError("load entity", err)
	}
	u.before = doc
	return nil
}

// Changed compares only meaningful fields against the stored document.
func (u *entityUpdate) Changed(ctx context.Context) (bool, error) {
	if err := u.load(ctx); err != nil {
		return false, err
	}
	for field, value := range u.updates {
		if !u.svc.policy.Meaningful(u.in.Collection, field) {
			continue
		}
		current, ok := u.before.Data[field]
		if !ok || !sameValue(current, value) {
			return true, nil
		}
	}
	return false, nil
}

func (u *entityUpdate) Apply(ctx context.Context) error {
	if err := u.load(ctx); err != nil {
		return err
	}

	write := make(map[string]any, len(u.updates)+1)
	for k, v := range u.updates {
		write[k] = v
	}
	write["updatedAt"] = docstore.ServerTimestamp
	if err := u.svc.store.Merge(ctx, u.in.TenantID, u.in.Collection, u.in.EntityID, write); err != nil {
		return storeError("update entity", err)
	}

	if u.svc.observer == nil {
		return nil
	}
	after, err := u.svc.store.Get(ctx, u.in.TenantID, u.in.Collection, u.in.EntityID)
	if err != nil {
		u.svc.log.Warn("re-read after update failed", "collection", u.in.Collection, "entity_id", u.in.EntityID, "error", err)
		return nil
	}
	u.svc.observer.ObserveChange(ctx, u.in.TenantID, u.in.Collection, u.in.EntityID, u.before.Data, after.Data)
	return nil
}

// cleanUpdates sanitizes top-level string values and normalizes phone
// fields. Unparseable phone numbers are kept as sanitized text.
func (s *Service) cleanUpdates(updates map[string]any) map[string]any {
	out := make(map[string]any, len(updates))
	for k, v := range updates {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		str = sanitize.Text(str)
		if s.policy.IsPhone(k) {
			str, _ = phone.Normalize(str, s.policy.PhoneRegion)
		}
		out[k] = str
	}
	return out
}

// sameValue compares two values by their JSON encoding. Maps encode with
// sorted keys.
func sameValue(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return apperr.NotFound("entity not found").WithOp(op)
	case errors.Is(err, docstore.ErrUnavailable):
		return apperr.Unavailable("document store unavailable", err).WithOp(op)
	default:
		return apperr.Wrap(apperr.KindInternal, "entity store failure", err).WithOp(op)
	}
}
