package service

import (
	"context"
	"fmt"

	"crm_activity_backend/internal/docstore"
)

// StaleCollection indexes stale targets across tenants, under
// docstore.GlobalTenant, so the reconcile job can find them without listing
// tenants.
const StaleCollection = "stale_targets"

// FanoutWriter persists computed aggregates onto target documents.
type FanoutWriter struct {
	store  docstore.Store
	layout *Layout
}

// NewFanoutWriter creates a writer.
func NewFanoutWriter(store docstore.Store, layout *Layout) *FanoutWriter {
	return &FanoutWriter{store: store, layout: layout}
}

// Persist replaces the aggregate field on target with m, stamps the write
// time and clears any stale marker. Writing the same map twice leaves the
// same stored state apart from the timestamp. A missing target is not
// created; the error wraps docstore.ErrNotFound.
func (w *FanoutWriter) Persist(ctx context.Context, tenantID string, target Target, m AggregateMap) error {
	update := map[string]any{
		w.layout.AggregateField:   m.Fields(),
		w.layout.UpdatedAtField(): docstore.ServerTimestamp,
		w.layout.StaleAtField():   docstore.DeleteField,
	}
	if err := w.store.Update(ctx, tenantID, target.Collection, target.ID, update); err != nil {
		return fmt.Errorf("persist %s: %w", target.Key(), err)
	}
	return nil
}

// MarkStale flags targets whose recompute was skipped and indexes them for
// the reconcile job. The index is written first: an entry without a marker
// is cleared by the next reconcile, a marker without an entry would never be
// picked up. Targets that do not exist get no marker.
func (w *FanoutWriter) MarkStale(ctx context.Context, tenantID string, targets []Target) error {
	if len(targets) == 0 {
		return nil
	}

	index := w.store.NewBatch(docstore.GlobalTenant)
	for _, t := range targets {
		index.Merge(StaleCollection, staleKey(tenantID, t), map[string]any{
			"tenantId":   tenantID,
			"collection": t.Collection,
			"targetId":   t.ID,
			"markedAt":   docstore.ServerTimestamp,
		})
	}
	if err := index.Commit(ctx); err != nil {
		return fmt.Errorf("index stale targets: %w", err)
	}

	batch := w.store.NewBatch(tenantID)
	for _, t := range targets {
		batch.Update(t.Collection, t.ID, map[string]any{w.layout.StaleAtField(): docstore.ServerTimestamp})
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}
	return nil
}

func staleKey(tenantID string, t Target) string {
	return tenantID + ":" + t.Collection + ":" + t.ID
}
