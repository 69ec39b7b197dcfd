package safety

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"crm_activity_backend/platform/logger"
)

func newTestRedisState(t *testing.T) (*RedisState, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisState(client, "", time.Hour), m
}

func TestRedisStateCachedResultExpires(t *testing.T) {
	state, m := newTestRedisState(t)
	ctx := context.Background()
	now := time.Now()

	if err := state.CacheResult(ctx, "t1/c1|u1", RateLimited(ScopeCaller), now, time.Minute); err != nil {
		t.Fatalf("cache result: %v", err)
	}
	got, ok, err := state.CachedResult(ctx, "t1/c1|u1", now)
	if err != nil || !ok {
		t.Fatalf("expected cached result, got ok=%v err=%v", ok, err)
	}
	if got.Outcome != OutcomeRateLimited || got.Scope != ScopeCaller || got.Cached {
		t.Fatalf("unexpected cached result %+v", got)
	}

	m.FastForward(2 * time.Minute)
	if _, ok, _ := state.CachedResult(ctx, "t1/c1|u1", now); ok {
		t.Fatalf("expected cached result to expire")
	}
}

func TestRedisStateCountersAndInvocations(t *testing.T) {
	state, _ := newTestRedisState(t)
	ctx := context.Background()
	now := time.Now()

	for want := 1; want <= 3; want++ {
		got, err := state.Increment(ctx, "entity:t1/c1", now, time.Hour)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected count %d, got %d", want, got)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := state.RecordInvocation(ctx, "pair", now.Add(time.Duration(i)*100*time.Millisecond), time.Second); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	n, err := state.RecordInvocation(ctx, "pair", now.Add(1050*time.Millisecond), time.Second)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected the first invocation to fall out of the window, got %d", n)
	}
}

func TestRedisStateLastUpdate(t *testing.T) {
	state, _ := newTestRedisState(t)
	ctx := context.Background()

	if _, ok, err := state.LastUpdate(ctx, "t1/c1"); ok || err != nil {
		t.Fatalf("expected no mark, got ok=%v err=%v", ok, err)
	}
	at := time.Date(2026, 5, 4, 9, 30, 0, 123, time.UTC)
	if err := state.MarkUpdated(ctx, "t1/c1", at); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, ok, err := state.LastUpdate(ctx, "t1/c1")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("expected %v, got %v ok=%v err=%v", at, got, ok, err)
	}
}

func TestGuardOverRedisStateDetectsLoops(t *testing.T) {
	state, _ := newTestRedisState(t)
	g := NewGuard(state, Limits{LoopBurst: 3, LoopWindow: time.Second}, logger.Discard())
	start := time.Now()
	var calls int
	g.SetClock(func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * 30 * time.Millisecond)
	})

	u := &fakeUpdate{changed: true}
	var looped int
	for i := 0; i < 5; i++ {
		if r := g.Do(context.Background(), testKey, true, u); r.Outcome == OutcomeLoopDetected {
			looped++
		}
	}
	if looped != 2 || u.applies != 3 {
		t.Fatalf("expected 3 writes and 2 loops, got %d writes %d loops", u.applies, looped)
	}
}
