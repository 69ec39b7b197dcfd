package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/apperr"
	"crm_activity_backend/platform/events"
	"crm_activity_backend/platform/logger"
)

const tenant = "tenant-1"

type neverKeep struct{}

func (neverKeep) Keep() bool { return false }

type recordingEmitter struct {
	calls []string
}

func (e *recordingEmitter) Emit(_ context.Context, tenantID, eventType, entityType, entityID string, _ map[string]any) error {
	e.calls = append(e.calls, fmt.Sprintf("%s %s %s/%s", tenantID, eventType, entityType, entityID))
	return nil
}

type recordingPublisher struct {
	channel  string
	messages [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.channel = channel
	p.messages = append(p.messages, payload)
	return nil
}

func newTestService(t *testing.T, sampler Sampler, opts Options) (*Service, *docstore.MemoryStore) {
	t.Helper()
	layout, err := DefaultLayout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	store := docstore.NewMemoryStore()
	return New(store, layout, sampler, opts, logger.Discard()), store
}

func mustMerge(t *testing.T, store docstore.Store, tenantID, collection, id string, data map[string]any) {
	t.Helper()
	if err := store.Merge(context.Background(), tenantID, collection, id, data); err != nil {
		t.Fatalf("seed %s/%s: %v", collection, id, err)
	}
}

func storedAggregate(t *testing.T, store docstore.Reader, tenantID string, target Target) map[string]any {
	t.Helper()
	doc, err := store.Get(context.Background(), tenantID, target.Collection, target.ID)
	if err != nil {
		t.Fatalf("get %s: %v", target.Key(), err)
	}
	m, ok := doc.Data["activeUsers"].(map[string]any)
	if !ok {
		t.Fatalf("expected activeUsers map on %s, got %v", target.Key(), doc.Data["activeUsers"])
	}
	return m
}

func TestRebuildAggregateMergesLegacyAndCurrentDealShapes(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, AlwaysKeep{}, Options{})

	dealAUpdated := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	dealBUpdated := time.Date(2026, 2, 3, 15, 30, 0, 0, time.UTC)

	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"firstName": "Ann", "lastName": "Lee", "email": "ann@acme.test"})
	mustMerge(t, store, tenant, "users", "u2", map[string]any{"displayName": "Bo"})
	mustMerge(t, store, tenant, "deals", "dA", map[string]any{
		"companyId":      "c1",
		"salespersonIds": []string{"u1"},
		"updatedAt":      dealAUpdated,
	})
	mustMerge(t, store, tenant, "deals", "dB", map[string]any{
		"associations": map[string]any{
			"companies":   []any{map[string]any{"id": "c1"}},
			"salespeople": []any{map[string]any{"id": "u2"}, map[string]any{"id": "ghost"}},
		},
		"updatedAt": dealBUpdated,
	})

	count, err := svc.RebuildAggregate(ctx, tenant, Target{Collection: "companies", ID: "c1"})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 users, got %d", count)
	}

	agg := storedAggregate(t, store, tenant, Target{Collection: "companies", ID: "c1"})
	if len(agg) != 2 || agg["u1"] == nil || agg["u2"] == nil {
		t.Fatalf("expected exactly {u1,u2}, got %v", agg)
	}

	for uid, floor := range map[string]time.Time{"u1": dealAUpdated, "u2": dealBUpdated} {
		snap := agg[uid].(map[string]any)
		at, ok := docstore.AsTime(snap["lastActiveAt"])
		if !ok {
			t.Fatalf("%s: missing lastActiveAt", uid)
		}
		if at.Before(floor) {
			t.Fatalf("%s: lastActiveAt %v earlier than deal update %v", uid, at, floor)
		}
	}
	if name := agg["u1"].(map[string]any)["displayName"]; name != "Ann Lee" {
		t.Fatalf("expected derived display name, got %v", name)
	}

	doc, _ := store.Get(ctx, tenant, "companies", "c1")
	if _, ok := doc.Data["activeUsersUpdatedAt"].(string); !ok {
		t.Fatalf("expected activeUsersUpdatedAt server timestamp")
	}
	if doc.Data["name"] != "Acme" {
		t.Fatalf("expected unrelated fields to survive the merge")
	}
}

func TestRebuildAggregateRejectsUnknownCollection(t *testing.T) {
	svc, _ := newTestService(t, AlwaysKeep{}, Options{})
	_, err := svc.RebuildAggregate(context.Background(), tenant, Target{Collection: "deals", ID: "d1"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAccumulateIsOrderIndependent(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 := now.Add(-72 * time.Hour)
	t2 := now.Add(-24 * time.Hour)
	records := []SourceRecord{
		{ID: "a", Users: []string{"u1", "u2"}, ActivityAt: t1},
		{ID: "b", Users: []string{"u2"}, ActivityAt: t2},
		{ID: "c", Users: []string{"u3"}},
		{ID: "d", Users: []string{"u1"}, ActivityAt: t2.Add(-time.Hour)},
	}

	want := Accumulate(records, now)
	permutations := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, perm := range permutations {
		shuffled := make([]SourceRecord, len(records))
		for i, idx := range perm {
			shuffled[i] = records[idx]
		}
		if got := Accumulate(shuffled, now); !reflect.DeepEqual(got, want) {
			t.Fatalf("order %v: expected %v, got %v", perm, want, got)
		}
	}

	if !want["u2"].Equal(t2) {
		t.Fatalf("expected max timestamp for u2, got %v", want["u2"])
	}
	if !want["u3"].Equal(now) {
		t.Fatalf("expected now fallback for u3, got %v", want["u3"])
	}
}

func TestComputeToleratesFailingSourceCollection(t *testing.T) {
	svc, store := newTestService(t, AlwaysKeep{}, Options{})
	store.FailCollections = map[string]error{"tasks": errors.New("index missing")}

	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"email": "u1@example.com"})
	mustMerge(t, store, tenant, "deals", "d1", map[string]any{"companyId": "c1", "ownerId": "u1"})

	count, err := svc.RebuildAggregate(context.Background(), tenant, Target{Collection: "companies", ID: "c1"})
	if err != nil {
		t.Fatalf("expected partial result, got %v", err)
	}
	if count != 1 {
		t.Fatalf("expected u1 from deals, got %d users", count)
	}
}

func TestComputeFailsWhenStoreUnavailable(t *testing.T) {
	svc, store := newTestService(t, AlwaysKeep{}, Options{})
	down := fmt.Errorf("%w: connection refused", docstore.ErrUnavailable)
	store.FailCollections = map[string]error{"deals": down, "tasks": down, "communicationLogs": down}
	mustMerge(t, store, tenant, "contacts", "k1", map[string]any{"name": "Kim"})

	_, err := svc.RebuildAggregate(context.Background(), tenant, Target{Collection: "contacts", ID: "k1"})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	doc, _ := store.Get(context.Background(), tenant, "contacts", "k1")
	if _, ok := doc.Data["activeUsers"]; ok {
		t.Fatalf("expected nothing written when every query failed")
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, AlwaysKeep{}, Options{})
	target := Target{Collection: "companies", ID: "c1"}
	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	m := AggregateMap{
		"u1": {ID: "u1", DisplayName: "Ann", LastActiveAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	if err := svc.writer.Persist(ctx, tenant, target, m); err != nil {
		t.Fatalf("persist: %v", err)
	}
	first := storedAggregate(t, store, tenant, target)
	if err := svc.writer.Persist(ctx, tenant, target, m); err != nil {
		t.Fatalf("persist: %v", err)
	}
	second := storedAggregate(t, store, tenant, target)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical state, got %v then %v", first, second)
	}
}

func TestHandleChangeFansOutThroughContactToCompany(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, AlwaysKeep{}, Options{})

	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	mustMerge(t, store, tenant, "contacts", "k1", map[string]any{"companyId": "c1"})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"displayName": "Ann"})

	before := map[string]any{"contactId": "k1", "title": "Call"}
	after := map[string]any{"contactId": "k1", "title": "Call", "assignedTo": "u1"}
	mustMerge(t, store, tenant, "tasks", "t1", after)

	result, err := svc.HandleChange(ctx, tenant, Change{Collection: "tasks", DocID: "t1", Before: before, After: after})
	if err != nil {
		t.Fatalf("handle change: %v", err)
	}
	if !result.Decision.Recompute {
		t.Fatalf("expected recompute, got %+v", result.Decision)
	}
	want := []Target{{Collection: "companies", ID: "c1"}, {Collection: "contacts", ID: "k1"}}
	if !reflect.DeepEqual(result.Targets, want) {
		t.Fatalf("expected targets %v, got %v", want, result.Targets)
	}
	if result.Updated != 2 {
		t.Fatalf("expected 2 updated targets, got %d", result.Updated)
	}
	for _, target := range want {
		if agg := storedAggregate(t, store, tenant, target); agg["u1"] == nil {
			t.Fatalf("expected u1 on %s, got %v", target.Key(), agg)
		}
	}
}

func TestHandleChangeSkipsIrrelevantEdits(t *testing.T) {
	svc, store := newTestService(t, AlwaysKeep{}, Options{})
	before := map[string]any{"companyId": "c1", "ownerId": "u1", "title": "Old", "activeUsers": map[string]any{}}
	after := map[string]any{"companyId": "c1", "ownerId": "u1", "title": "New", "activeUsers": map[string]any{"u1": map[string]any{"id": "u1"}}}

	result, err := svc.HandleChange(context.Background(), tenant, Change{Collection: "deals", DocID: "d1", Before: before, After: after})
	if err != nil {
		t.Fatalf("handle change: %v", err)
	}
	if result.Decision.Reason != ReasonIrrelevant {
		t.Fatalf("expected irrelevant, got %s", result.Decision.Reason)
	}
	if store.Count(tenant, "companies") != 0 {
		t.Fatalf("expected no writes")
	}
}

func TestHandleChangeIgnoresAggregateWritesOnTargets(t *testing.T) {
	svc, _ := newTestService(t, AlwaysKeep{}, Options{})
	change := Change{
		Collection: "contacts",
		DocID:      "k1",
		Before:     map[string]any{"companyId": "c1"},
		After:      map[string]any{"companyId": "c1", "activeUsers": map[string]any{"u1": map[string]any{"id": "u1"}}, "activeUsersUpdatedAt": "x"},
	}
	if d := svc.gate.ShouldRecompute(change); d.Relevant {
		t.Fatalf("expected aggregate write on a contact to be ignored, got %+v", d)
	}
	if d := svc.gate.ShouldRecompute(Change{Collection: "companies", DocID: "c1", After: map[string]any{"x": 1}}); d.Reason != ReasonUntracked {
		t.Fatalf("expected companies to be untracked, got %s", d.Reason)
	}
}

func TestSampledOutChangeIsReconciledLater(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, neverKeep{}, Options{})

	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"displayName": "Ann"})
	after := map[string]any{"companyId": "c1", "salespersonId": "u1"}
	mustMerge(t, store, tenant, "deals", "d1", after)

	result, err := svc.HandleChange(ctx, tenant, Change{Collection: "deals", DocID: "d1", After: after})
	if err != nil {
		t.Fatalf("handle change: %v", err)
	}
	if result.Decision.Reason != ReasonSampledOut || result.Updated != 0 {
		t.Fatalf("expected sampled out without updates, got %+v", result)
	}

	doc, err := store.Get(ctx, tenant, "companies", "c1")
	if err != nil {
		t.Fatalf("expected stale marker write: %v", err)
	}
	if _, ok := doc.Data["activeUsersStaleAt"]; !ok {
		t.Fatalf("expected activeUsersStaleAt marker")
	}
	if store.Count(docstore.GlobalTenant, StaleCollection) != 1 {
		t.Fatalf("expected one stale index entry")
	}

	rec, err := svc.ReconcileStale(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Rebuilt != 1 {
		t.Fatalf("expected 1 rebuilt target, got %+v", rec)
	}
	if store.Count(docstore.GlobalTenant, StaleCollection) != 0 {
		t.Fatalf("expected stale index to be cleared")
	}
	doc, _ = store.Get(ctx, tenant, "companies", "c1")
	if _, ok := doc.Data["activeUsersStaleAt"]; ok {
		t.Fatalf("expected stale marker to be removed by the rebuild")
	}
	if agg := storedAggregate(t, store, tenant, Target{Collection: "companies", ID: "c1"}); agg["u1"] == nil {
		t.Fatalf("expected u1 after reconcile, got %v", agg)
	}
}

func TestReconcileClearsEntriesAlreadyRefreshed(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, neverKeep{}, Options{})
	target := Target{Collection: "companies", ID: "c1"}
	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})

	if err := svc.writer.MarkStale(ctx, tenant, []Target{target}); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if err := svc.writer.Persist(ctx, tenant, target, AggregateMap{}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	rec, err := svc.ReconcileStale(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Cleared != 1 || rec.Rebuilt != 0 {
		t.Fatalf("expected entry cleared without rebuild, got %+v", rec)
	}
	if store.Count(docstore.GlobalTenant, StaleCollection) != 0 {
		t.Fatalf("expected stale index to be empty")
	}
}

func TestDanglingReferenceCreatesNoTarget(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, AlwaysKeep{}, Options{})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"displayName": "Ann"})

	after := map[string]any{"companyId": "gone", "contactId": "missing", "assignedTo": "u1"}
	result, err := svc.HandleChange(ctx, tenant, Change{Collection: "tasks", DocID: "t1", After: after})
	if err != nil {
		t.Fatalf("handle change: %v", err)
	}
	if len(result.Targets) != 2 || result.Updated != 0 {
		t.Fatalf("expected two dangling targets and no updates, got %+v", result)
	}
	if store.Count(tenant, "companies") != 0 || store.Count(tenant, "contacts") != 0 {
		t.Fatalf("expected no target documents to be created")
	}

	rebuilt, err := svc.RebuildAll(ctx, []string{tenant})
	if err != nil {
		t.Fatalf("rebuild all: %v", err)
	}
	if rebuilt.CompaniesProcessed != 0 {
		t.Fatalf("expected no companies, got %+v", rebuilt)
	}

	_, err = svc.RebuildAggregate(ctx, tenant, Target{Collection: "companies", ID: "gone"})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if store.Count(tenant, "companies") != 0 {
		t.Fatalf("expected rebuild of a missing company to write nothing")
	}
}

func TestSampledOutDanglingReferenceIsClearedOnReconcile(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, neverKeep{}, Options{})

	after := map[string]any{"contactId": "missing", "assignedTo": "u1"}
	if _, err := svc.HandleChange(ctx, tenant, Change{Collection: "tasks", DocID: "t1", After: after}); err != nil {
		t.Fatalf("handle change: %v", err)
	}
	if store.Count(tenant, "contacts") != 0 {
		t.Fatalf("expected no stale marker on a missing contact")
	}

	rec, err := svc.ReconcileStale(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Cleared != 1 || rec.Rebuilt != 0 || rec.Failed != 0 {
		t.Fatalf("expected the dangling entry to be cleared, got %+v", rec)
	}
	if store.Count(tenant, "contacts") != 0 {
		t.Fatalf("expected reconcile to create nothing")
	}
}

// markerFailStore fails every batch commit outside the global tenant.
type markerFailStore struct {
	*docstore.MemoryStore
}

func (s markerFailStore) NewBatch(tenantID string) docstore.Batch {
	b := s.MemoryStore.NewBatch(tenantID)
	if tenantID == docstore.GlobalTenant {
		return b
	}
	return failingBatch{b}
}

type failingBatch struct {
	docstore.Batch
}

func (failingBatch) Commit(context.Context) error {
	return fmt.Errorf("%w: connection reset", docstore.ErrUnavailable)
}

func TestMarkStaleIndexesBeforeMarking(t *testing.T) {
	ctx := context.Background()
	layout, err := DefaultLayout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	mem := docstore.NewMemoryStore()
	mustMerge(t, mem, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	svc := New(markerFailStore{mem}, layout, neverKeep{}, Options{}, logger.Discard())

	err = svc.writer.MarkStale(ctx, tenant, []Target{{Collection: "companies", ID: "c1"}})
	if err == nil {
		t.Fatalf("expected marker commit to fail")
	}
	if mem.Count(docstore.GlobalTenant, StaleCollection) != 1 {
		t.Fatalf("expected the index entry to be written before the marker")
	}

	rec, err := svc.ReconcileStale(ctx, 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Cleared != 1 {
		t.Fatalf("expected the unmarked entry to be cleared, got %+v", rec)
	}
}

func TestCompanyAggregateCoversEveryContactPage(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, AlwaysKeep{}, Options{PageSize: 2})
	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"displayName": "Ann"})
	for i := 1; i <= 5; i++ {
		mustMerge(t, store, tenant, "contacts", fmt.Sprintf("k%d", i), map[string]any{"companyId": "c1"})
	}
	mustMerge(t, store, tenant, "tasks", "t1", map[string]any{"contactId": "k5", "assignedTo": "u1"})

	count, err := svc.RebuildAggregate(ctx, tenant, Target{Collection: "companies", ID: "c1"})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected u1 from the last contact page, got %d users", count)
	}
}

func TestRebuildAllRespectsCeilings(t *testing.T) {
	svc, store := newTestService(t, AlwaysKeep{}, Options{PageSize: 2, PerTenantLimit: 3, GlobalLimit: 5})
	for i := 0; i < 5; i++ {
		mustMerge(t, store, "t1", "companies", fmt.Sprintf("c%d", i), map[string]any{"name": "x"})
	}
	for i := 0; i < 3; i++ {
		mustMerge(t, store, "t2", "companies", fmt.Sprintf("c%d", i), map[string]any{"name": "y"})
	}
	mustMerge(t, store, "t3", "companies", "c0", map[string]any{"name": "z"})

	result, err := svc.RebuildAll(context.Background(), []string{"t1", "t2", "t2", " ", "t3"})
	if err != nil {
		t.Fatalf("rebuild all: %v", err)
	}
	if result.CompaniesProcessed != 5 || result.TotalUpdated != 5 {
		t.Fatalf("expected 5 companies processed and updated, got %+v", result)
	}
	if result.Tenants != 2 || !result.Truncated {
		t.Fatalf("expected 2 tenants and truncation, got %+v", result)
	}
}

func TestAggregateUpdatedEventsArePublished(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, AlwaysKeep{}, Options{UpdatesChannel: "aggregates:updated"})
	emitter := &recordingEmitter{}
	publisher := &recordingPublisher{}
	svc.SetEmitter(emitter)
	svc.SetPublisher(publisher)

	mustMerge(t, store, tenant, "companies", "c1", map[string]any{"name": "Acme"})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"displayName": "Ann"})
	mustMerge(t, store, tenant, "deals", "d1", map[string]any{"companyId": "c1", "ownerId": "u1"})

	if _, err := svc.RebuildAggregate(ctx, tenant, Target{Collection: "companies", ID: "c1"}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(emitter.calls) != 1 || emitter.calls[0] != "tenant-1 aggregate.updated companies/c1" {
		t.Fatalf("unexpected emits: %v", emitter.calls)
	}

	registry := events.NewRegistry()
	svc.RegisterHandlers(registry)
	err := registry.Dispatch(ctx, events.Record{TenantID: tenant, Type: EventAggregateUpdated, EntityType: "companies", EntityID: "c1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if publisher.channel != "aggregates:updated" || len(publisher.messages) != 1 {
		t.Fatalf("expected one published message, got %d on %q", len(publisher.messages), publisher.channel)
	}
}

func TestRecomputeEventRebuildsTarget(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, AlwaysKeep{}, Options{})
	mustMerge(t, store, tenant, "contacts", "k1", map[string]any{"name": "Kim"})
	mustMerge(t, store, tenant, "users", "u1", map[string]any{"displayName": "Ann"})
	mustMerge(t, store, tenant, "communicationLogs", "l1", map[string]any{"contactIds": []string{"k1"}, "userId": "u1"})

	registry := events.NewRegistry()
	svc.RegisterHandlers(registry)
	err := registry.Dispatch(ctx, events.Record{TenantID: tenant, Type: EventAggregateRecompute, EntityType: "contacts", EntityID: "k1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if agg := storedAggregate(t, store, tenant, Target{Collection: "contacts", ID: "k1"}); agg["u1"] == nil {
		t.Fatalf("expected u1 on contact, got %v", agg)
	}

	err = registry.Dispatch(ctx, events.Record{TenantID: tenant, Type: EventAggregateRecompute, EntityType: "contacts", EntityID: "gone"})
	if err != nil {
		t.Fatalf("expected a deleted target to be dropped, got %v", err)
	}
	if store.Count(tenant, "contacts") != 1 {
		t.Fatalf("expected no document for the deleted contact")
	}

	err = registry.Dispatch(ctx, events.Record{TenantID: tenant, Type: EventAggregateRecompute})
	if err == nil {
		t.Fatalf("expected error for event without entity")
	}
}
