package service

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"sync"

	"crm_activity_backend/internal/docstore"
)

// Change is a before/after pair for one document write. Before is nil for a
// create and After is nil for a delete.
type Change struct {
	Collection string
	DocID      string
	Before     map[string]any
	After      map[string]any
}

// Reason explains a gate decision.
type Reason string

const (
	ReasonAccepted   Reason = "accepted"
	ReasonUntracked  Reason = "untracked_collection"
	ReasonIrrelevant Reason = "no_relevant_change"
	ReasonSampledOut Reason = "sampled_out"
)

// Decision is the outcome of the gate. Relevant without Recompute means the
// sampler dropped a change that mattered.
type Decision struct {
	Recompute bool
	Relevant  bool
	Reason    Reason
}

// Sampler decides whether a relevant change is kept.
type Sampler interface {
	Keep() bool
}

// RateSampler keeps each change independently with a fixed probability.
type RateSampler struct {
	mu   sync.Mutex
	rate float64
	rnd  *rand.Rand
}

// NewRateSampler keeps changes with probability rate. A fixed seed gives a
// reproducible sequence.
func NewRateSampler(rate float64, seed uint64) *RateSampler {
	return &RateSampler{rate: rate, rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Keep implements Sampler.
func (s *RateSampler) Keep() bool {
	if s.rate >= 1 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.rate
}

// AlwaysKeep is a Sampler that keeps every change.
type AlwaysKeep struct{}

// Keep implements Sampler.
func (AlwaysKeep) Keep() bool { return true }

// Gate filters change notifications before any recompute happens.
type Gate struct {
	layout  *Layout
	sampler Sampler
	fields  map[string][]string
}

// NewGate builds the per-collection projections from layout.
func NewGate(layout *Layout, sampler Sampler) *Gate {
	fields := make(map[string][]string)
	for _, src := range layout.Sources {
		list := append([]string(nil), src.Users...)
		for _, target := range layout.TargetCollections() {
			for _, link := range src.Links[target] {
				list = append(list, link.Field)
			}
		}
		fields[src.Collection] = list
	}
	for _, target := range layout.TargetCollections() {
		if m := layout.Targets[target].Members; m != nil {
			list := fields[m.Collection]
			for _, link := range m.Links {
				list = append(list, link.Field)
			}
			fields[m.Collection] = list
		}
	}
	return &Gate{layout: layout, sampler: sampler, fields: fields}
}

// Tracks reports whether changes to collection can affect any aggregate.
func (g *Gate) Tracks(collection string) bool {
	_, ok := g.fields[collection]
	return ok
}

// Projection serializes only the fields of data that feed aggregation.
// Aggregate fields are never part of it.
func (g *Gate) Projection(collection string, data map[string]any) []byte {
	projected := make(map[string]any)
	for _, field := range g.fields[collection] {
		if v, ok := docstore.Lookup(data, field); ok && v != nil {
			projected[field] = v
		}
	}
	// Map keys marshal in sorted order, so equal projections give equal bytes.
	out, err := json.Marshal(projected)
	if err != nil {
		return nil
	}
	return out
}

// ShouldRecompute applies the relevance filter and then the sampler. Both
// must pass.
func (g *Gate) ShouldRecompute(change Change) Decision {
	if !g.Tracks(change.Collection) {
		return Decision{Reason: ReasonUntracked}
	}
	before := g.Projection(change.Collection, change.Before)
	after := g.Projection(change.Collection, change.After)
	if before != nil && bytes.Equal(before, after) {
		return Decision{Reason: ReasonIrrelevant}
	}
	if !g.sampler.Keep() {
		return Decision{Relevant: true, Reason: ReasonSampledOut}
	}
	return Decision{Recompute: true, Relevant: true, Reason: ReasonAccepted}
}
