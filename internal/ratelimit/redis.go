package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// RedisLimiter backs the sliding window with a Redis sorted set per
// source_id: score and member are both the Unix-nanosecond timestamp, so
// ZREMRANGEBYSCORE trims expired entries and ZCARD counts what remains.
// Grounded in the teacher's internal/fabric/redis_store.go Redis client
// construction and key-prefixing convention.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
}

func NewRedisLimiter(client *redis.Client, cfg Config, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &RedisLimiter{client: client, cfg: cfg, prefix: keyPrefix}
}

func (l *RedisLimiter) key(sourceID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, sourceID)
}

func (l *RedisLimiter) Check(ctx context.Context, sourceID string) (bool, error) {
	n, err := l.Count(ctx, sourceID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return n < l.cfg.Threshold, nil
}

func (l *RedisLimiter) Record(ctx context.Context, sourceID string, at time.Time) error {
	key := l.key(sourceID)
	score := float64(at.UnixNano())
	if err := l.client.ZAdd(ctx, key, redis.Z{Score: score, Member: score}).Err(); err != nil {
		return kernelerrors.Transient("redis rate-limit record", err)
	}
	l.client.Expire(ctx, key, l.cfg.Window+time.Minute)
	return nil
}

func (l *RedisLimiter) Count(ctx context.Context, sourceID string, now time.Time) (int, error) {
	key := l.key(sourceID)
	cutoff := now.Add(-l.cfg.Window).UnixNano()

	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		return 0, kernelerrors.Transient("redis rate-limit trim", err)
	}
	n, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, kernelerrors.Transient("redis rate-limit count", err)
	}
	return int(n), nil
}

var _ Limiter = (*RedisLimiter)(nil)
