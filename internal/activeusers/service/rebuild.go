package service

import (
	"context"
	"strings"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/apperr"
)

// RebuildCollection is the target collection walked by RebuildAll.
const RebuildCollection = "companies"

// RebuildAllResult summarizes a bulk rebuild.
type RebuildAllResult struct {
	Tenants            int  `json:"tenants"`
	CompaniesProcessed int  `json:"companiesProcessed"`
	TotalUpdated       int  `json:"totalUpdated"`
	Failed             int  `json:"failed"`
	Truncated          bool `json:"truncated"`
}

// RebuildAll recomputes every company of every listed tenant. Each tenant is
// capped at PerTenantLimit companies and the whole run at GlobalLimit.
// Truncated reports that a ceiling cut the run short.
func (s *Service) RebuildAll(ctx context.Context, tenantIDs []string) (RebuildAllResult, error) {
	var result RebuildAllResult
	if !s.layout.IsTarget(RebuildCollection) {
		return result, apperr.Internal("rebuild collection is not a target")
	}

	seen := make(map[string]bool)
	for _, raw := range tenantIDs {
		tenantID := strings.TrimSpace(raw)
		if tenantID == "" || seen[tenantID] {
			continue
		}
		seen[tenantID] = true

		if s.opts.GlobalLimit > 0 && result.CompaniesProcessed >= s.opts.GlobalLimit {
			result.Truncated = true
			break
		}

		if err := s.rebuildTenant(ctx, tenantID, &result); err != nil {
			return result, err
		}
		result.Tenants++
	}

	s.log.Info("rebuild all finished",
		"tenants", result.Tenants,
		"companies_processed", result.CompaniesProcessed,
		"total_updated", result.TotalUpdated,
		"failed", result.Failed,
		"truncated", result.Truncated,
	)
	return result, nil
}

func (s *Service) rebuildTenant(ctx context.Context, tenantID string, result *RebuildAllResult) error {
	processed := 0
	q := docstore.Query{Collection: RebuildCollection, Limit: s.opts.PageSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := s.store.Query(ctx, tenantID, q)
		if err != nil {
			return storeError("list companies", err)
		}

		for _, doc := range page {
			if s.opts.PerTenantLimit > 0 && processed >= s.opts.PerTenantLimit {
				result.Truncated = true
				return nil
			}
			if s.opts.GlobalLimit > 0 && result.CompaniesProcessed >= s.opts.GlobalLimit {
				result.Truncated = true
				return nil
			}

			processed++
			result.CompaniesProcessed++
			if _, err := s.Recompute(ctx, tenantID, Target{Collection: RebuildCollection, ID: doc.ID}); err != nil {
				if apperr.Is(err, apperr.KindUnavailable) {
					return err
				}
				s.log.Warn("company rebuild failed", "tenant_id", tenantID, "company_id", doc.ID, "error", err)
				result.Failed++
				continue
			}
			result.TotalUpdated++
		}

		if len(page) < s.opts.PageSize {
			return nil
		}
		q.AfterID = page[len(page)-1].ID
	}
}
