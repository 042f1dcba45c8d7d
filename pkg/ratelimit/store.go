package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists quota state in Redis. Keys expire when the window
// resets, so stale quota never outlives its window.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a new Redis-backed quota store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Load retrieves the persisted quota. Returns nil when nothing is stored.
func (s *RedisStore) Load(ctx context.Context) (*QuotaInfo, error) {
	remaining, err := s.redis.Get(ctx, RedisKeyRemaining).Int()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	limit, err := s.redis.Get(ctx, RedisKeyLimit).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get limit: %w", err)
	}

	resetTimestamp, err := s.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	return &QuotaInfo{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Unix(resetTimestamp, 0),
	}, nil
}

// Save stores the quota atomically.
func (s *RedisStore) Save(ctx context.Context, q QuotaInfo) error {
	ttl := time.Until(q.ResetAt)
	if ttl <= 0 {
		return nil
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyLimit, q.Limit, ttl)
	pipe.Set(ctx, RedisKeyRemaining, q.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetTimestamp, q.ResetAt.Unix(), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}
	return nil
}
