package docstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memRecord struct {
	data       map[string]any
	createTime time.Time
	updateTime time.Time
}

// MemoryStore is an in-process Store. Values are JSON-normalized on write
// so reads behave like the Postgres backend.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]map[string]*memRecord
	now  func() time.Time

	// FailCollections makes queries against the named collections fail,
	// letting callers exercise partial-failure paths.
	FailCollections map[string]error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]map[string]*memRecord),
		now:  time.Now,
	}
}

// SetClock overrides the clock used for server timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) collection(tenantID, collection string, create bool) map[string]*memRecord {
	tenant, ok := s.docs[tenantID]
	if !ok {
		if !create {
			return nil
		}
		tenant = make(map[string]map[string]*memRecord)
		s.docs[tenantID] = tenant
	}
	coll, ok := tenant[collection]
	if !ok && create {
		coll = make(map[string]*memRecord)
		tenant[collection] = coll
	}
	return coll
}

// Get returns a copy of the document or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, tenantID, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collection(tenantID, collection, false)[id]
	if !ok {
		return nil, ErrNotFound
	}
	doc := toDocument(id, rec)
	return &doc, nil
}

// Query evaluates q against the tenant's collection.
func (s *MemoryStore) Query(ctx context.Context, tenantID string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.FailCollections[q.Collection]; err != nil {
		return nil, err
	}

	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		if !f.Op.valid() {
			return nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		value, err := normalize(f.Value)
		if err != nil {
			return nil, fmt.Errorf("normalize filter %s: %w", f.Field, err)
		}
		filters[i] = Filter{Field: f.Field, Op: f.Op, Value: value}
	}

	s.mu.RLock()
	var results []Document
	for id, rec := range s.collection(tenantID, q.Collection, false) {
		if len(q.OrderBy) == 0 && q.AfterID != "" && id <= q.AfterID {
			continue
		}
		if matchesAll(rec.data, filters) {
			results = append(results, toDocument(id, rec))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		for _, o := range q.OrderBy {
			a, _ := Lookup(results[i].Data, o.Field)
			b, _ := Lookup(results[j].Data, o.Field)
			c, err := compare(a, b)
			if err != nil || c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return results[i].ID < results[j].ID
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// Create inserts a document under a new UUID.
func (s *MemoryStore) Create(ctx context.Context, tenantID, collection string, data map[string]any) (string, error) {
	b := s.NewBatch(tenantID)
	id := b.Create(collection, data)
	if err := b.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// Merge shallow-merges data into the document.
func (s *MemoryStore) Merge(ctx context.Context, tenantID, collection, id string, data map[string]any) error {
	b := s.NewBatch(tenantID)
	b.Merge(collection, id, data)
	return b.Commit(ctx)
}

// Update merges into an existing document.
func (s *MemoryStore) Update(ctx context.Context, tenantID, collection, id string, data map[string]any) error {
	b := &memBatch{store: s, tenantID: tenantID}
	b.Update(collection, id, data)
	if err := b.Commit(ctx); err != nil {
		return err
	}
	if b.skipped > 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a document. Missing documents are not an error.
func (s *MemoryStore) Delete(ctx context.Context, tenantID, collection, id string) error {
	b := s.NewBatch(tenantID)
	b.Delete(collection, id)
	return b.Commit(ctx)
}

// NewBatch starts an atomic batch for the tenant.
func (s *MemoryStore) NewBatch(tenantID string) Batch {
	return &memBatch{store: s, tenantID: tenantID}
}

// Count returns the number of documents in a collection.
func (s *MemoryStore) Count(tenantID, collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collection(tenantID, collection, false))
}

type memBatch struct {
	store    *MemoryStore
	tenantID string
	ops      []batchOp
	skipped  int
}

func (b *memBatch) Create(collection string, data map[string]any) string {
	id := uuid.NewString()
	b.ops = append(b.ops, batchOp{kind: opCreate, collection: collection, id: id, data: data})
	return id
}

func (b *memBatch) Merge(collection, id string, data map[string]any) {
	b.ops = append(b.ops, batchOp{kind: opMerge, collection: collection, id: id, data: data})
}

func (b *memBatch) Update(collection, id string, data map[string]any) {
	b.ops = append(b.ops, batchOp{kind: opUpdate, collection: collection, id: id, data: data})
}

func (b *memBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: opDelete, collection: collection, id: id})
}

func (b *memBatch) Len() int { return len(b.ops) }

// Commit validates every op before touching state so a failing op leaves the
// store unchanged.
func (b *memBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type prepared struct {
		op         batchOp
		plain      map[string]any
		timestamps []string
		deletes    []string
	}
	staged := make([]prepared, 0, len(b.ops))
	for _, op := range b.ops {
		p := prepared{op: op}
		if op.kind != opDelete {
			plain, timestamps, deletes := splitWrite(op.data)
			normalized, err := normalize(plain)
			if err != nil {
				return fmt.Errorf("normalize %s/%s: %w", op.collection, op.id, err)
			}
			p.plain = normalized.(map[string]any)
			p.timestamps = timestamps
			p.deletes = deletes
		}
		staged = append(staged, p)
	}

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	stamp := FormatTime(now)
	b.skipped = 0
	for _, p := range staged {
		coll := s.collection(b.tenantID, p.op.collection, true)
		switch p.op.kind {
		case opDelete:
			delete(coll, p.op.id)
		case opCreate, opMerge, opUpdate:
			rec, exists := coll[p.op.id]
			if !exists && p.op.kind == opUpdate {
				b.skipped++
				continue
			}
			if !exists || p.op.kind == opCreate {
				rec = &memRecord{data: make(map[string]any), createTime: now}
				coll[p.op.id] = rec
			}
			for k, v := range p.plain {
				rec.data[k] = v
			}
			for _, k := range p.timestamps {
				rec.data[k] = stamp
			}
			for _, k := range p.deletes {
				delete(rec.data, k)
			}
			rec.updateTime = now
		}
	}
	return nil
}

func toDocument(id string, rec *memRecord) Document {
	copied, _ := normalize(rec.data)
	data, _ := copied.(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	return Document{ID: id, Data: data, CreateTime: rec.createTime, UpdateTime: rec.updateTime}
}

func matchesAll(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(data, f) {
			return false
		}
	}
	return true
}

func matches(data map[string]any, f Filter) bool {
	value, ok := Lookup(data, f.Field)
	if f.Op == OpExists {
		return ok && value != nil
	}
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return reflect.DeepEqual(value, f.Value)
	case OpArrayContains:
		arr, ok := value.([]any)
		if !ok {
			return false
		}
		for _, item := range arr {
			if reflect.DeepEqual(item, f.Value) {
				return true
			}
		}
		return false
	case OpArrayContainsID:
		arr, ok := value.([]any)
		return ok && arrayContainsID(arr, f.Value)
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		c, err := compare(value, f.Value)
		if err != nil {
			return false
		}
		switch f.Op {
		case OpGreater:
			return c > 0
		case OpGreaterEqual:
			return c >= 0
		case OpLess:
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}
