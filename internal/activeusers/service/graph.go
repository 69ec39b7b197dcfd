package service

import (
	"context"
	"errors"
	"sort"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/logger"
)

// Graph resolves which targets a change affects. Edges are fixed by the
// layout: sources point at targets, and member documents point at their
// parent target. Nothing is derived from the aggregates themselves.
type Graph struct {
	store  docstore.Reader
	layout *Layout
	log    *logger.Logger
}

// NewGraph creates a graph over layout.
func NewGraph(store docstore.Reader, layout *Layout, log *logger.Logger) *Graph {
	return &Graph{store: store, layout: layout, log: log}
}

// Affected returns every target reachable from change, deduplicated by
// collection and id. Both the old and the new references count, so a removed
// association also refreshes the entity it was removed from.
func (g *Graph) Affected(ctx context.Context, tenantID string, change Change) []Target {
	set := make(map[string]Target)
	add := func(collection string, ids []string) {
		for _, id := range ids {
			t := Target{Collection: collection, ID: id}
			set[t.Key()] = t
		}
	}

	if src, ok := g.layout.Source(change.Collection); ok {
		for _, data := range []map[string]any{change.Before, change.After} {
			if data == nil {
				continue
			}
			for target, links := range src.Links {
				ids, errs := linkedIDs(data, links)
				g.logFieldErrors(tenantID, change, errs)
				add(target, ids)
			}
		}

		for _, t := range sortedTargets(set) {
			parent, members := g.layout.parentOf(t.Collection)
			if members == nil {
				continue
			}
			add(parent, g.parentsOf(ctx, tenantID, t, members))
		}
		return sortedTargets(set)
	}

	if parent, members := g.layout.parentOf(change.Collection); members != nil {
		for _, data := range []map[string]any{change.Before, change.After} {
			if data == nil {
				continue
			}
			ids, errs := linkedIDs(data, members.Links)
			g.logFieldErrors(tenantID, change, errs)
			add(parent, ids)
		}
	}
	return sortedTargets(set)
}

// parentsOf reads a member document and returns the parents it references.
func (g *Graph) parentsOf(ctx context.Context, tenantID string, member Target, members *Members) []string {
	doc, err := g.store.Get(ctx, tenantID, member.Collection, member.ID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			g.log.Warn("member lookup failed", "tenant_id", tenantID, "target", member.Key(), "error", err)
		}
		return nil
	}
	ids, errs := linkedIDs(doc.Data, members.Links)
	for _, err := range errs {
		g.log.Warn("member reference skipped", "tenant_id", tenantID, "target", member.Key(), "error", err)
	}
	return ids
}

func (g *Graph) logFieldErrors(tenantID string, change Change, errs []error) {
	for _, err := range errs {
		g.log.Warn("reference field skipped",
			"tenant_id", tenantID,
			"collection", change.Collection,
			"doc_id", change.DocID,
			"error", err,
		)
	}
}

func sortedTargets(set map[string]Target) []Target {
	out := make([]Target, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
