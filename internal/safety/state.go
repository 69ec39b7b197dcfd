package safety

import (
	"context"
	"sort"
	"sync"
	"time"
)

// State holds the guard's result cache, counters and loop history. The
// memory implementation is local to one process; RedisState shares it
// across instances.
type State interface {
	// CachedResult returns a result stored under key that has not expired.
	CachedResult(ctx context.Context, key string, now time.Time) (Result, bool, error)
	// CacheResult stores r under key until now+ttl.
	CacheResult(ctx context.Context, key string, r Result, now time.Time, ttl time.Duration) error
	// Increment adds one to the counter for the fixed window containing now
	// and returns the new count.
	Increment(ctx context.Context, counter string, now time.Time, window time.Duration) (int, error)
	// RecordInvocation notes an invocation for key and returns how many fell
	// within the trailing window, this one included.
	RecordInvocation(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	// LastUpdate returns when entity was last written through the guard.
	LastUpdate(ctx context.Context, entity string) (time.Time, bool, error)
	// MarkUpdated records a write to entity.
	MarkUpdated(ctx context.Context, entity string, at time.Time) error
}

// Sweeper is implemented by states that need periodic pruning.
type Sweeper interface {
	Sweep(now time.Time) int
}

type cachedResult struct {
	result    Result
	expiresAt time.Time
}

type windowCounter struct {
	start time.Time
	count int
	until time.Time
}

type invocations struct {
	times  []time.Time
	window time.Duration
}

// MemoryState is a process-local State. Entries are pruned by Sweep.
type MemoryState struct {
	mu          sync.Mutex
	cache       map[string]cachedResult
	counters    map[string]*windowCounter
	invocations map[string]*invocations
	updates     map[string]time.Time
	retainFor   time.Duration
}

// NewMemoryState creates an empty state. Last-update marks older than
// retainFor are dropped on Sweep.
func NewMemoryState(retainFor time.Duration) *MemoryState {
	if retainFor <= 0 {
		retainFor = time.Hour
	}
	return &MemoryState{
		cache:       make(map[string]cachedResult),
		counters:    make(map[string]*windowCounter),
		invocations: make(map[string]*invocations),
		updates:     make(map[string]time.Time),
		retainFor:   retainFor,
	}
}

func (s *MemoryState) CachedResult(_ context.Context, key string, now time.Time) (Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || !now.Before(entry.expiresAt) {
		return Result{}, false, nil
	}
	return entry.result, true, nil
}

func (s *MemoryState) CacheResult(_ context.Context, key string, r Result, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Cached = false
	s.cache[key] = cachedResult{result: r, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryState) Increment(_ context.Context, counter string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := now.Truncate(window)
	c, ok := s.counters[counter]
	if !ok || !c.start.Equal(start) {
		c = &windowCounter{start: start, until: start.Add(window)}
		s.counters[counter] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemoryState) RecordInvocation(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[key]
	if !ok {
		inv = &invocations{}
		s.invocations[key] = inv
	}
	inv.window = window
	inv.times = append(prune(inv.times, now.Add(-window)), now)
	return len(inv.times), nil
}

func (s *MemoryState) LastUpdate(_ context.Context, entity string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.updates[entity]
	return at, ok, nil
}

func (s *MemoryState) MarkUpdated(_ context.Context, entity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[entity] = at
	return nil
}

// Sweep drops expired cache entries, closed counter windows, stale
// invocation history and old update marks. It returns the number of keys
// removed.
func (s *MemoryState) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.cache {
		if !now.Before(entry.expiresAt) {
			delete(s.cache, key)
			removed++
		}
	}
	for key, c := range s.counters {
		if !now.Before(c.until) {
			delete(s.counters, key)
			removed++
		}
	}
	for key, inv := range s.invocations {
		inv.times = prune(inv.times, now.Add(-inv.window))
		if len(inv.times) == 0 {
			delete(s.invocations, key)
			removed++
		}
	}
	cutoff := now.Add(-s.retainFor)
	for key, at := range s.updates {
		if at.Before(cutoff) {
			delete(s.updates, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys across all maps.
func (s *MemoryState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache) + len(s.counters) + len(s.invocations) + len(s.updates)
}

// prune drops times at or before cutoff. times is sorted ascending.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(times), func(i int) bool { return times[i].After(cutoff) })
	return append(times[:0], times[i:]...)
}

var (
	_ State   = (*MemoryState)(nil)
	_ Sweeper = (*MemoryState)(nil)
)
