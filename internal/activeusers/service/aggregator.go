package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/apperr"
	"crm_activity_backend/platform/logger"

	"golang.org/x/sync/errgroup"
)

// Target identifies a document that carries the aggregate field.
type Target struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Key is unique per target.
func (t Target) Key() string { return t.Collection + "/" + t.ID }

// AggregateMap maps user id to snapshot.
type AggregateMap map[string]Snapshot

// Fields renders the map in its stored form.
func (m AggregateMap) Fields() map[string]any {
	out := make(map[string]any, len(m))
	for id, snap := range m {
		out[id] = snap.Fields()
	}
	return out
}

// UserIDs returns the keys in sorted order.
func (m AggregateMap) UserIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Accumulate folds records into user id -> latest activity. Records without
// a timestamp count as active at now. The fold is a set union with a max
// reduction, so record order does not matter.
func Accumulate(records []SourceRecord, now time.Time) map[string]time.Time {
	activity := make(map[string]time.Time)
	for _, rec := range records {
		ts := rec.ActivityAt
		if ts.IsZero() {
			ts = now
		}
		for _, uid := range rec.Users {
			if existing, ok := activity[uid]; !ok || ts.After(existing) {
				activity[uid] = ts
			}
		}
	}
	return activity
}

// AggregatorOptions tune query fan-out.
type AggregatorOptions struct {
	PageSize    int
	Concurrency int
}

// Aggregator computes the active-user map for one target.
type Aggregator struct {
	store    docstore.Reader
	layout   *Layout
	resolver *SnapshotResolver
	opts     AggregatorOptions
	log      *logger.Logger
	now      func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(store docstore.Reader, layout *Layout, resolver *SnapshotResolver, opts AggregatorOptions, log *logger.Logger) *Aggregator {
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Aggregator{store: store, layout: layout, resolver: resolver, opts: opts, log: log, now: time.Now}
}

type sourceQuery struct {
	def   SourceDef
	query docstore.Query
}

// Compute scans every source linked to target and resolves the users found.
// Individual query failures are logged and skipped. An error is returned only
// when every query failed.
func (a *Aggregator) Compute(ctx context.Context, tenantID string, target Target) (AggregateMap, error) {
	if !a.layout.IsTarget(target.Collection) {
		return nil, apperr.Validation("unknown target collection " + target.Collection)
	}

	queries := a.queriesFor(target.Collection, target.ID)
	queries = append(queries, a.memberQueries(ctx, tenantID, target)...)

	records, err := a.collect(ctx, tenantID, queries)
	if err != nil {
		return nil, err
	}

	activity := Accumulate(records, a.now().UTC())
	return a.resolve(ctx, tenantID, activity), nil
}

func (a *Aggregator) queriesFor(targetCollection, targetID string) []sourceQuery {
	var out []sourceQuery
	for _, src := range a.layout.Sources {
		for _, link := range src.Links[targetCollection] {
			out = append(out, sourceQuery{
				def:   src,
				query: docstore.Query{Collection: src.Collection}.Where(link.Field, link.Op, targetID),
			})
		}
	}
	return out
}

// memberQueries adds source queries for documents belonging to the target's
// members, such as a company's contacts. Members are paged through in full.
func (a *Aggregator) memberQueries(ctx context.Context, tenantID string, target Target) []sourceQuery {
	members := a.layout.Targets[target.Collection].Members
	if members == nil {
		return nil
	}

	ids := make(map[string]struct{})
	for _, link := range members.Links {
		q := docstore.Query{Collection: members.Collection}.Where(link.Field, link.Op, target.ID)
		docs, err := scan(ctx, a.store, tenantID, q, a.opts.PageSize)
		if err != nil {
			a.log.Warn("member query failed", "tenant_id", tenantID, "collection", members.Collection, "field", link.Field, "error", err)
			continue
		}
		for _, doc := range docs {
			ids[doc.ID] = struct{}{}
		}
	}

	var out []sourceQuery
	for _, id := range sortedKeys(ids) {
		out = append(out, a.queriesFor(members.Collection, id)...)
	}
	return out
}

func (a *Aggregator) collect(ctx context.Context, tenantID string, queries []sourceQuery) ([]SourceRecord, error) {
	var (
		mu       sync.Mutex
		docs     = make(map[string]map[string]docstore.Document)
		defs     = make(map[string]SourceDef)
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for _, sq := range queries {
		g.Go(func() error {
			found, err := scan(gctx, a.store, tenantID, sq.query, a.opts.PageSize)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.log.Warn("source query failed",
					"tenant_id", tenantID,
					"collection", sq.def.Collection,
					"filter", sq.query.Filters[0].Field,
					"error", err,
				)
				failures = append(failures, err)
				return nil
			}
			byID, ok := docs[sq.def.Collection]
			if !ok {
				byID = make(map[string]docstore.Document)
				docs[sq.def.Collection] = byID
				defs[sq.def.Collection] = sq.def
			}
			for _, doc := range found {
				byID[doc.ID] = doc
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(queries) > 0 && len(failures) == len(queries) {
		for _, err := range failures {
			if errors.Is(err, docstore.ErrUnavailable) {
				return nil, apperr.Unavailable("document store unavailable", err)
			}
		}
		return nil, apperr.Wrap(apperr.KindInternal, "all source queries failed", failures[0])
	}

	var records []SourceRecord
	for collection, byID := range docs {
		def := defs[collection]
		for id, doc := range byID {
			rec, fieldErrs := NormalizeRecord(def, id, doc.Data)
			for _, fe := range fieldErrs {
				a.log.Warn("reference field skipped", "tenant_id", tenantID, "error", fe.Error())
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (a *Aggregator) resolve(ctx context.Context, tenantID string, activity map[string]time.Time) AggregateMap {
	var mu sync.Mutex
	result := make(AggregateMap, len(activity))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for uid, lastActive := range activity {
		g.Go(func() error {
			snap, ok := a.resolver.Resolve(gctx, tenantID, uid)
			if !ok {
				return nil
			}
			snap.LastActiveAt = lastActive
			mu.Lock()
			result[uid] = *snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// scan pages through q by document id until a short page.
func scan(ctx context.Context, store docstore.Reader, tenantID string, q docstore.Query, pageSize int) ([]docstore.Document, error) {
	q.Limit = pageSize
	q.OrderBy = nil

	var all []docstore.Document
	for {
		page, err := store.Query(ctx, tenantID, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		q.AfterID = page[len(page)-1].ID
	}
}
