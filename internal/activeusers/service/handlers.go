package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/apperr"
	"crm_activity_backend/platform/events"
)

// RegisterHandlers binds the aggregate event types to registry.
func (s *Service) RegisterHandlers(registry *events.Registry) {
	registry.Register(EventAggregateRecompute, events.HandlerFunc(s.handleRecompute))
	registry.Register(EventAggregateUpdated, events.HandlerFunc(s.handleUpdated))
}

func recordTarget(event events.Event) (events.Record, Target, error) {
	rec, ok := event.(events.Record)
	if !ok {
		return events.Record{}, Target{}, fmt.Errorf("unexpected event %T", event)
	}
	if rec.TenantID == "" || rec.EntityType == "" || rec.EntityID == "" {
		return events.Record{}, Target{}, errors.New("event is missing tenant or entity")
	}
	return rec, Target{Collection: rec.EntityType, ID: rec.EntityID}, nil
}

func (s *Service) handleRecompute(ctx context.Context, event events.Event) error {
	rec, target, err := recordTarget(event)
	if err != nil {
		return err
	}
	_, err = s.RebuildAggregate(ctx, rec.TenantID, target)
	if apperr.Is(err, apperr.KindNotFound) {
		s.log.Info("recompute target gone", "tenant_id", rec.TenantID, "target", target.Key())
		return nil
	}
	return err
}

// handleUpdated publishes the stored aggregate for real-time consumers. The
// current stored value is sent, not the one at emit time.
func (s *Service) handleUpdated(ctx context.Context, event events.Event) error {
	rec, target, err := recordTarget(event)
	if err != nil {
		return err
	}
	if s.opts.UpdatesChannel == "" {
		return nil
	}

	doc, err := s.store.Get(ctx, rec.TenantID, target.Collection, target.ID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	message, err := json.Marshal(map[string]any{
		"tenantId":   rec.TenantID,
		"collection": target.Collection,
		"id":         target.ID,
		"field":      s.layout.AggregateField,
		"value":      doc.Data[s.layout.AggregateField],
		"updatedAt":  doc.Data[s.layout.UpdatedAtField()],
	})
	if err != nil {
		return fmt.Errorf("marshal update message: %w", err)
	}
	return s.publisher.Publish(ctx, s.opts.UpdatesChannel, message)
}
