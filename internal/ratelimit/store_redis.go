package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces the limiter's keys inside a shared Redis.
const keyPrefix = "kuha:ratelimit:"

// RedisStore is a sliding-window counter backed by a Redis sorted set
// per key, member and score both the request's unix nanosecond. Replicas
// pointed at the same Redis enforce one shared limit.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client as a limiter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	rkey := keyPrefix + key
	now := time.Now()
	cutoff := now.Add(-window)

	// Trim the expired part of the window and count what remains in one
	// round trip.
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	count := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count window: %w", err)
	}

	if int(count.Val()) >= limit {
		oldest, err := s.client.ZRangeWithScores(ctx, rkey, 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("inspect window: %w", err)
		}
		wait := window
		if len(oldest) > 0 {
			wait = retryAfter(time.Unix(0, int64(oldest[0].Score)), window, now)
		}
		return &Result{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = s.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	// The key only needs to outlive its newest entry's window.
	pipe.Expire(ctx, rkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record request: %w", err)
	}

	return &Result{
		Allowed:   true,
		Remaining: limit - int(count.Val()) - 1,
	}, nil
}
