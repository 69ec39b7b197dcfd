package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm_activity_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const serverTimestampSQL = `to_jsonb(to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'))`

const upsertSQL = `
INSERT INTO crm_documents (tenant_id, collection, id, data)
VALUES ($1, $2, $3, ($4::jsonb || COALESCE((SELECT jsonb_object_agg(k, ` + serverTimestampSQL + `) FROM unnest($5::text[]) AS k), '{}'::jsonb)) - $6::text[])
ON CONFLICT (tenant_id, collection, id) DO UPDATE
SET data = (crm_documents.data || EXCLUDED.data) - $6::text[], updated_at = now()`

const replaceSQL = `
INSERT INTO crm_documents (tenant_id, collection, id, data)
VALUES ($1, $2, $3, $4::jsonb || COALESCE((SELECT jsonb_object_agg(k, ` + serverTimestampSQL + `) FROM unnest($5::text[]) AS k), '{}'::jsonb))
ON CONFLICT (tenant_id, collection, id) DO UPDATE
SET data = EXCLUDED.data, created_at = now(), updated_at = now()`

const updateSQL = `
UPDATE crm_documents
SET data = (data || $4::jsonb || COALESCE((SELECT jsonb_object_agg(k, ` + serverTimestampSQL + `) FROM unnest($5::text[]) AS k), '{}'::jsonb)) - $6::text[], updated_at = now()
WHERE tenant_id = $1 AND collection = $2 AND id = $3`

const deleteSQL = `DELETE FROM crm_documents WHERE tenant_id = $1 AND collection = $2 AND id = $3`

// PostgresStore keeps documents as JSONB rows in crm_documents.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	log     *logger.Logger
}

// NewPostgresStore creates a store on pool. Every call is bounded by timeout
// when it is positive.
func NewPostgresStore(pool *pgxpool.Pool, timeout time.Duration, log *logger.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, timeout: timeout, log: log}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Ping checks that the database answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.classify("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, collection, id string) (*Document, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id, data, created_at, updated_at
		FROM crm_documents
		WHERE tenant_id = $1 AND collection = $2 AND id = $3`, tenantID, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.classify("get "+collection, err)
	}
	return &doc, nil
}

func (s *PostgresStore) Query(ctx context.Context, tenantID string, q Query) ([]Document, error) {
	sql, args, err := buildQuery(tenantID, q)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.classify("query "+q.Collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s document: %w", q.Collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("query "+q.Collection, err)
	}
	return docs, nil
}

func (s *PostgresStore) Create(ctx context.Context, tenantID, collection string, data map[string]any) (string, error) {
	b := s.NewBatch(tenantID)
	id := b.Create(collection, data)
	if err := b.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) Merge(ctx context.Context, tenantID, collection, id string, data map[string]any) error {
	b := s.NewBatch(tenantID)
	b.Merge(collection, id, data)
	return b.Commit(ctx)
}

func (s *PostgresStore) Update(ctx context.Context, tenantID, collection, id string, data map[string]any) error {
	b := &pgBatch{store: s, tenantID: tenantID}
	b.Update(collection, id, data)
	if err := b.Commit(ctx); err != nil {
		return err
	}
	if b.skipped > 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID, collection, id string) error {
	b := s.NewBatch(tenantID)
	b.Delete(collection, id)
	return b.Commit(ctx)
}

func (s *PostgresStore) NewBatch(tenantID string) Batch {
	return &pgBatch{store: s, tenantID: tenantID}
}

type pgBatch struct {
	store    *PostgresStore
	tenantID string
	ops      []batchOp
	skipped  int
}

func (b *pgBatch) Create(collection string, data map[string]any) string {
	id := uuid.NewString()
	b.ops = append(b.ops, batchOp{kind: opCreate, collection: collection, id: id, data: data})
	return id
}

func (b *pgBatch) Merge(collection, id string, data map[string]any) {
	b.ops = append(b.ops, batchOp{kind: opMerge, collection: collection, id: id, data: data})
}

func (b *pgBatch) Update(collection, id string, data map[string]any) {
	b.ops = append(b.ops, batchOp{kind: opUpdate, collection: collection, id: id, data: data})
}

func (b *pgBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: opDelete, collection: collection, id: id})
}

func (b *pgBatch) Len() int { return len(b.ops) }

// Commit runs every op inside one transaction.
func (b *pgBatch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}

	ctx, cancel := b.store.bounded(ctx)
	defer cancel()

	skipped := 0
	err := pgx.BeginFunc(ctx, b.store.pool, func(tx pgx.Tx) error {
		for _, op := range b.ops {
			if op.kind == opDelete {
				if _, err := tx.Exec(ctx, deleteSQL, b.tenantID, op.collection, op.id); err != nil {
					return fmt.Errorf("delete %s/%s: %w", op.collection, op.id, err)
				}
				continue
			}

			plain, timestamps, deletes := splitWrite(op.data)
			payload, err := json.Marshal(plain)
			if err != nil {
				return fmt.Errorf("marshal %s/%s: %w", op.collection, op.id, err)
			}
			if timestamps == nil {
				timestamps = []string{}
			}
			if deletes == nil {
				deletes = []string{}
			}

			switch op.kind {
			case opCreate:
				_, err = tx.Exec(ctx, replaceSQL, b.tenantID, op.collection, op.id, string(payload), timestamps)
			case opUpdate:
				var tag pgconn.CommandTag
				tag, err = tx.Exec(ctx, updateSQL, b.tenantID, op.collection, op.id, string(payload), timestamps, deletes)
				if err == nil && tag.RowsAffected() == 0 {
					skipped++
				}
			default:
				_, err = tx.Exec(ctx, upsertSQL, b.tenantID, op.collection, op.id, string(payload), timestamps, deletes)
			}
			if err != nil {
				return fmt.Errorf("write %s/%s: %w", op.collection, op.id, err)
			}
		}
		return nil
	})
	b.skipped = skipped
	return b.store.classify("commit batch", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc Document
		raw []byte
	)
	if err := row.Scan(&doc.ID, &raw, &doc.CreateTime, &doc.UpdateTime); err != nil {
		return Document{}, err
	}
	doc.Data = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc.Data); err != nil {
			return Document{}, fmt.Errorf("decode document %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func buildQuery(tenantID string, q Query) (string, []any, error) {
	args := []any{tenantID, q.Collection}
	where := []string{"tenant_id = $1", "collection = $2"}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, f := range q.Filters {
		path := arg(strings.Split(f.Field, "."))
		field := "data #> " + path + "::text[]"

		if f.Op == OpExists {
			where = append(where, fmt.Sprintf("(%s IS NOT NULL AND %s <> 'null'::jsonb)", field, field))
			continue
		}

		raw, err := json.Marshal(encodeValue(f.Value))
		if err != nil {
			return "", nil, fmt.Errorf("encode filter %s: %w", f.Field, err)
		}
		value := arg(string(raw)) + "::jsonb"

		switch f.Op {
		case OpEqual:
			where = append(where, fmt.Sprintf("%s = %s", field, value))
		case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
			where = append(where, fmt.Sprintf("(jsonb_typeof(%s) = jsonb_typeof(%s) AND %s %s %s)", field, value, field, f.Op, value))
		case OpArrayContains:
			where = append(where, fmt.Sprintf("%s @> jsonb_build_array(%s)", field, value))
		case OpArrayContainsID:
			where = append(where, fmt.Sprintf("(%s @> jsonb_build_array(%s) OR %s @> jsonb_build_array(jsonb_build_object('id', %s)))", field, value, field, value))
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
	}

	if len(q.OrderBy) == 0 && q.AfterID != "" {
		where = append(where, "id > "+arg(q.AfterID))
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, data, created_at, updated_at FROM crm_documents WHERE ")
	sb.WriteString(strings.Join(where, " AND "))

	orders := make([]string, 0, len(q.OrderBy)+1)
	for _, o := range q.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		orders = append(orders, fmt.Sprintf("data #> %s::text[] %s", arg(strings.Split(o.Field, ".")), dir))
	}
	orders = append(orders, "id ASC")
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(orders, ", "))

	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(q.Limit))
	}
	return sb.String(), args, nil
}

// classify marks connection-level failures with ErrUnavailable and logs
// them. Errors the server reported and caller cancellations pass through
// unchanged.
func (s *PostgresStore) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if !isUnavailable(err) {
		return err
	}
	if s.log != nil {
		s.log.DatabaseError(op, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func isUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	return !errors.As(err, &pgErr) && !errors.Is(err, context.Canceled)
}
