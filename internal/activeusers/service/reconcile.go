package service

import (
	"context"
	"errors"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/apperr"
)

// ReconcileResult summarizes one reconcile pass.
type ReconcileResult struct {
	Checked int `json:"checked"`
	Rebuilt int `json:"rebuilt"`
	Cleared int `json:"cleared"`
	Failed  int `json:"failed"`
}

// ReconcileStale rebuilds up to limit targets that sampling left stale,
// oldest marker first. Entries whose target has since been refreshed or
// deleted are cleared without a rebuild. Failed entries stay for the next
// pass.
func (s *Service) ReconcileStale(ctx context.Context, limit int) (ReconcileResult, error) {
	var result ReconcileResult

	q := docstore.Query{
		Collection: StaleCollection,
		OrderBy:    []docstore.Order{{Field: "markedAt"}},
		Limit:      limit,
	}
	entries, err := s.store.Query(ctx, docstore.GlobalTenant, q)
	if err != nil {
		return result, storeError("list stale targets", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		tenantID, _ := entry.Data["tenantId"].(string)
		collection, _ := entry.Data["collection"].(string)
		targetID, _ := entry.Data["targetId"].(string)
		target := Target{Collection: collection, ID: targetID}

		if tenantID == "" || !s.layout.IsTarget(collection) || targetID == "" {
			s.clearStale(ctx, entry.ID, &result)
			continue
		}

		doc, err := s.store.Get(ctx, tenantID, collection, targetID)
		if errors.Is(err, docstore.ErrNotFound) {
			s.clearStale(ctx, entry.ID, &result)
			continue
		}
		if err != nil {
			return result, storeError("load stale target", err)
		}
		if _, marked := doc.Data[s.layout.StaleAtField()]; !marked {
			s.clearStale(ctx, entry.ID, &result)
			continue
		}

		if _, err := s.Recompute(ctx, tenantID, target); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				s.clearStale(ctx, entry.ID, &result)
				continue
			}
			s.log.Warn("stale rebuild failed", "tenant_id", tenantID, "target", target.Key(), "error", err)
			result.Failed++
			continue
		}
		result.Rebuilt++
		if err := s.store.Delete(ctx, docstore.GlobalTenant, StaleCollection, entry.ID); err != nil {
			s.log.Warn("stale entry not cleared", "entry", entry.ID, "error", err)
		}
	}
	return result, nil
}

func (s *Service) clearStale(ctx context.Context, entryID string, result *ReconcileResult) {
	if err := s.store.Delete(ctx, docstore.GlobalTenant, StaleCollection, entryID); err != nil {
		s.log.Warn("stale entry not cleared", "entry", entryID, "error", err)
		return
	}
	result.Cleared++
}
