// Package service maintains the active-user aggregate on companies and
// contacts. It scans related deals, tasks and communication logs, resolves
// the users found into snapshots and writes the result back onto every
// affected entity.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"crm_activity_backend/internal/docstore"
	"crm_activity_backend/platform/apperr"
	"crm_activity_backend/platform/events"
	"crm_activity_backend/platform/logger"

	"golang.org/x/sync/errgroup"
)

const (
	// EventAggregateRecompute asks for one target to be rebuilt.
	EventAggregateRecompute = "aggregate.recompute"
	// EventAggregateUpdated announces a freshly written aggregate.
	EventAggregateUpdated = "aggregate.updated"
)

// Emitter records durable events for asynchronous consumers.
type Emitter interface {
	Emit(ctx context.Context, tenantID, eventType, entityType, entityID string, payload map[string]any) error
}

// Options configure the service.
type Options struct {
	PageSize       int
	Concurrency    int
	PerTenantLimit int
	GlobalLimit    int
	UpdatesChannel string
}

// Service wires the gate, graph, aggregator and writer together.
type Service struct {
	store      docstore.Store
	layout     *Layout
	aggregator *Aggregator
	writer     *FanoutWriter
	gate       *Gate
	graph      *Graph
	emitter    Emitter
	publisher  events.Publisher
	opts       Options
	log        *logger.Logger
	now        func() time.Time
}

// New creates the service.
func New(store docstore.Store, layout *Layout, sampler Sampler, opts Options, log *logger.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	resolver := NewSnapshotResolver(store, layout.Users.Collection, log)
	return &Service{
		store:      store,
		layout:     layout,
		aggregator: NewAggregator(store, layout, resolver, AggregatorOptions{PageSize: opts.PageSize, Concurrency: opts.Concurrency}, log),
		writer:     NewFanoutWriter(store, layout),
		gate:       NewGate(layout, sampler),
		graph:      NewGraph(store, layout, log),
		publisher:  events.NopPublisher{},
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// SetEmitter enables aggregate.updated events after every write.
func (s *Service) SetEmitter(emitter Emitter) {
	s.emitter = emitter
}

// SetPublisher sets where aggregate.updated events are published.
func (s *Service) SetPublisher(publisher events.Publisher) {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	s.publisher = publisher
}

// Layout exposes the active layout.
func (s *Service) Layout() *Layout {
	return s.layout
}

// Recompute computes and persists the aggregate for one target. A target
// that does not exist is a NotFound error and nothing is written.
func (s *Service) Recompute(ctx context.Context, tenantID string, target Target) (AggregateMap, error) {
	if !s.layout.IsTarget(target.Collection) {
		return nil, apperr.Validation("unknown target collection " + target.Collection)
	}
	if _, err := s.store.Get(ctx, tenantID, target.Collection, target.ID); err != nil {
		return nil, storeError("load target", err)
	}
	m, err := s.aggregator.Compute(ctx, tenantID, target)
	if err != nil {
		return nil, err
	}
	if err := s.writer.Persist(ctx, tenantID, target, m); err != nil {
		return nil, storeError("persist aggregate", err)
	}
	s.emitUpdated(ctx, tenantID, target, m)
	return m, nil
}

// RebuildAggregate recomputes target and returns the number of users in the
// new aggregate.
func (s *Service) RebuildAggregate(ctx context.Context, tenantID string, target Target) (int, error) {
	m, err := s.Recompute(ctx, tenantID, target)
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

// ChangeResult reports what a change notification led to.
type ChangeResult struct {
	Decision Decision
	Targets  []Target
	Updated  int
}

// HandleChange runs a change through the gate and fans out to every affected
// target. A relevant change dropped by the sampler marks its targets stale.
func (s *Service) HandleChange(ctx context.Context, tenantID string, change Change) (ChangeResult, error) {
	decision := s.gate.ShouldRecompute(change)
	result := ChangeResult{Decision: decision}
	if !decision.Relevant {
		s.log.TriggerSkipped(change.Collection, change.DocID, string(decision.Reason))
		return result, nil
	}

	result.Targets = s.graph.Affected(ctx, tenantID, change)
	if len(result.Targets) == 0 {
		return result, nil
	}

	if !decision.Recompute {
		s.log.TriggerSkipped(change.Collection, change.DocID, string(decision.Reason))
		if err := s.writer.MarkStale(ctx, tenantID, result.Targets); err != nil {
			return result, storeError("mark stale", err)
		}
		return result, nil
	}

	updated, err := s.recomputeAll(ctx, tenantID, result.Targets)
	result.Updated = updated
	return result, err
}

// ObserveChange feeds a write made elsewhere into HandleChange. Failures are
// logged since the write itself already succeeded.
func (s *Service) ObserveChange(ctx context.Context, tenantID, collection, docID string, before, after map[string]any) {
	_, err := s.HandleChange(ctx, tenantID, Change{Collection: collection, DocID: docID, Before: before, After: after})
	if err != nil {
		s.log.Error("change fan-out failed", "tenant_id", tenantID, "collection", collection, "doc_id", docID, "error", err)
	}
}

// recomputeAll rebuilds targets in parallel. Targets are independent, so one
// failure does not stop the others. Targets that no longer exist are skipped.
// The first failure is returned only when nothing succeeded.
func (s *Service) recomputeAll(ctx context.Context, tenantID string, targets []Target) (int, error) {
	var (
		mu       sync.Mutex
		updated  int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, target := range targets {
		g.Go(func() error {
			_, err := s.Recompute(gctx, tenantID, target)
			mu.Lock()
			defer mu.Unlock()
			if apperr.Is(err, apperr.KindNotFound) {
				s.log.Debug("dangling reference skipped", "tenant_id", tenantID, "target", target.Key())
				return nil
			}
			if err != nil {
				s.log.Warn("recompute failed", "tenant_id", tenantID, "target", target.Key(), "error", err)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			updated++
			return nil
		})
	}
	_ = g.Wait()
	if updated == 0 && firstErr != nil {
		return 0, firstErr
	}
	return updated, nil
}

func (s *Service) emitUpdated(ctx context.Context, tenantID string, target Target, m AggregateMap) {
	if s.emitter == nil {
		return
	}
	payload := map[string]any{
		"userIds": m.UserIDs(),
		"window":  docstore.FormatTime(s.now().UTC().Truncate(time.Minute)),
	}
	if err := s.emitter.Emit(ctx, tenantID, EventAggregateUpdated, target.Collection, target.ID, payload); err != nil {
		s.log.Warn("emit aggregate.updated failed", "tenant_id", tenantID, "target", target.Key(), "error", err)
	}
}

// storeError maps store failures to typed errors.
func storeError(op string, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound("target not found").WithOp(op)
	}
	if errors.Is(err, docstore.ErrUnavailable) {
		return apperr.Unavailable("document store unavailable", err).WithOp(op)
	}
	var domainErr *apperr.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, "store write failed", err).WithOp(op)
}
