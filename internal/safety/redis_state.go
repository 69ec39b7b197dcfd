package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "safety:"

// RedisState shares guard state across instances. Keys expire on their own,
// so it needs no sweeping.
type RedisState struct {
	client    redis.UniversalClient
	prefix    string
	retainFor time.Duration
}

// NewRedisState creates a Redis-backed state. Last-update marks expire after
// retainFor.
func NewRedisState(client redis.UniversalClient, prefix string, retainFor time.Duration) *RedisState {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if retainFor <= 0 {
		retainFor = time.Hour
	}
	return &RedisState{client: client, prefix: prefix, retainFor: retainFor}
}

func (s *RedisState) key(kind, name string) string {
	return s.prefix + kind + ":" + name
}

func (s *RedisState) CachedResult(ctx context.Context, key string, _ time.Time) (Result, bool, error) {
	raw, err := s.client.Get(ctx, s.key("result", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("read cached result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return r, true, nil
}

func (s *RedisState) CacheResult(ctx context.Context, key string, r Result, _ time.Time, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.client.Set(ctx, s.key("result", key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache result: %w", err)
	}
	return nil
}

func (s *RedisState) Increment(ctx context.Context, counter string, now time.Time, window time.Duration) (int, error) {
	start := now.Truncate(window)
	key := s.key("count", counter+":"+strconv.FormatInt(start.Unix(), 10))

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpireAt(ctx, key, start.Add(window))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	return int(incr.Val()), nil
}

func (s *RedisState) RecordInvocation(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	zkey := s.key("calls", key)
	score := float64(now.UnixNano())

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, zkey, "-inf", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
		pipe.ZAdd(ctx, zkey, redis.Z{Score: score, Member: uuid.NewString()})
		card = pipe.ZCard(ctx, zkey)
		pipe.PExpire(ctx, zkey, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record invocation: %w", err)
	}
	return int(card.Val()), nil
}

func (s *RedisState) LastUpdate(ctx context.Context, entity string) (time.Time, bool, error) {
	nanos, err := s.client.Get(ctx, s.key("updated", entity)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last update: %w", err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

func (s *RedisState) MarkUpdated(ctx context.Context, entity string, at time.Time) error {
	if err := s.client.Set(ctx, s.key("updated", entity), at.UnixNano(), s.retainFor).Err(); err != nil {
		return fmt.Errorf("mark updated: %w", err)
	}
	return nil
}

var _ State = (*RedisState)(nil)
