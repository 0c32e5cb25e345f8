package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a sliding-window limiter on sorted sets: one set per rate
// key, members scored by hit time in milliseconds. All replicas
// sharing the Redis share the window.
type Redis struct {
	client *redis.Client
	max    int
	window time.Duration
	seq    atomic.Int64 // disambiguates same-nanosecond members
}

func NewRedis(client *redis.Client, maxRequests int, window time.Duration) *Redis {
	return &Redis{client: client, max: maxRequests, window: window}
}

// NewRedisFromURL connects per REDIS_URL and verifies the connection.
func NewRedisFromURL(ctx context.Context, url string, maxRequests int, window time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return NewRedis(client, maxRequests, window), nil
}

func (r *Redis) Allow(ctx context.Context, key string) Decision {
	now := time.Now()
	windowStart := now.Add(-r.window)
	rkey := "ratelimit:" + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.failOpen(err)
	}

	count := int(card.Val())
	if count >= r.max {
		wait := 1
		if oldest, err := r.client.ZRangeWithScores(ctx, rkey, 0, 0).Result(); err == nil && len(oldest) > 0 {
			oldestAt := time.UnixMilli(int64(oldest[0].Score))
			wait = retryAfter(oldestAt, windowStart)
		}
		return Decision{Allowed: false, RetryAfter: wait, Remaining: 0, Limit: r.max}
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatInt(r.seq.Add(1), 10)
	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, rkey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.failOpen(err)
	}

	return Decision{Allowed: true, Remaining: r.max - count - 1, Limit: r.max}
}

func (r *Redis) failOpen(err error) Decision {
	log.Warn().Err(err).Msg("rate limit backend unavailable, admitting request")
	return Decision{Allowed: true, Remaining: r.max, Limit: r.max}
}
