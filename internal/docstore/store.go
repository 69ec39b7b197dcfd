// Package docstore is the document-store contract the aggregation layer runs
// on: per-collection queries, shallow merge writes, atomic batches and
// server-assigned timestamps. Documents are namespaced by tenant.
package docstore

import (
	"context"
	"errors"
	"time"
)

// GlobalTenant namespaces collections that are not owned by one tenant,
// such as the event queue.
const GlobalTenant = "_global"

// TimeLayout is the stored representation of timestamps. It is fixed width
// so lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

var (
	// ErrNotFound is returned by Get when the document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrUnavailable wraps failures to reach the backing store at all.
	ErrUnavailable = errors.New("document store unavailable")
)

type sentinel string

// ServerTimestamp, used as a field value in a write, is replaced with the
// store's clock at commit time.
const ServerTimestamp sentinel = "__server_timestamp__"

// DeleteField, used as a field value in a merge, removes the field.
const DeleteField sentinel = "__delete_field__"

// Document is a stored document.
type Document struct {
	ID         string
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Op is a query predicate operator.
type Op string

const (
	OpEqual         Op = "=="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpArrayContains Op = "array-contains"
	// OpArrayContainsID matches arrays holding either the value itself or an
	// object whose "id" equals the value.
	OpArrayContainsID Op = "array-contains-id"
	// OpExists matches documents where the field is present and not null.
	OpExists Op = "exists"
)

func (o Op) valid() bool {
	switch o {
	case OpEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpArrayContains, OpArrayContainsID, OpExists:
		return true
	}
	return false
}

// Filter is one predicate on a dot-separated field path.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts query results by a field path.
type Order struct {
	Field string
	Desc  bool
}

// Query selects documents from one collection. Results are always
// tie-broken by document id. AfterID pages through id-ordered results and is
// only honoured when OrderBy is empty.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
	AfterID    string
}

// Where appends an equality-style filter and returns the query.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Reader provides read access to documents.
type Reader interface {
	Get(ctx context.Context, tenantID, collection, id string) (*Document, error)
	Query(ctx context.Context, tenantID string, q Query) ([]Document, error)
}

// Writer provides single-document writes.
type Writer interface {
	// Create inserts a document under a generated id.
	Create(ctx context.Context, tenantID, collection string, data map[string]any) (string, error)
	// Merge shallow-merges data into the document, creating it if absent.
	// Top-level fields in data replace stored fields wholesale.
	Merge(ctx context.Context, tenantID, collection, id string, data map[string]any) error
	// Update merges like Merge but never creates. It returns ErrNotFound
	// when the document does not exist.
	Update(ctx context.Context, tenantID, collection, id string, data map[string]any) error
	Delete(ctx context.Context, tenantID, collection, id string) error
}

// Batch collects writes that commit atomically.
type Batch interface {
	Create(collection string, data map[string]any) string
	Merge(collection, id string, data map[string]any)
	// Update merges into an existing document. Missing documents are
	// skipped without failing the batch.
	Update(collection, id string, data map[string]any)
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}

// Store combines all document store operations.
type Store interface {
	Reader
	Writer
	NewBatch(tenantID string) Batch
}

type opKind int

const (
	opCreate opKind = iota
	opMerge
	opUpdate
	opDelete
)

type batchOp struct {
	kind       opKind
	collection string
	id         string
	data       map[string]any
}
