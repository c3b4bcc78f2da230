package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const limiterPrefix = "workqueue:ratelimit:"

// RateLimiter throttles work submissions per client key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a sliding-window limiter allowing at most limit
// submissions per window for a given key. The window is a ZSET of
// nanosecond timestamps, trimmed and counted in one transaction.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindow{client: client, limit: limit, window: window}
}

func (s *slidingWindow) Limit() int { return s.limit }

func (s *slidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	nowNs := time.Now().UnixNano()
	member := strconv.FormatInt(nowNs, 10)
	cutoff := strconv.FormatInt(nowNs-s.window.Nanoseconds(), 10)
	zkey := limiterPrefix + key

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", cutoff)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(nowNs), Member: member})
	count := pipe.ZCard(ctx, zkey)
	// Expire well past the window so idle keys clean themselves up.
	pipe.Expire(ctx, zkey, s.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return count.Val() <= int64(s.limit), nil
}
