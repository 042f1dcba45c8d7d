//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_RoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient)
	ctx := context.Background()

	q, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on empty store error = %v", err)
	}
	if q != nil {
		t.Fatalf("Load() on empty store = %+v, want nil", q)
	}

	want := QuotaInfo{Limit: 600, Remaining: 12, ResetAt: time.Now().Add(2 * time.Minute).Truncate(time.Second)}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil || got.Limit != want.Limit || got.Remaining != want.Remaining || !got.ResetAt.Equal(want.ResetAt) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	ttl, err := redisClient.TTL(ctx, RedisKeyRemaining).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > 2*time.Minute {
		t.Errorf("TTL = %v, want within window", ttl)
	}
}

func TestTracker_Integration_RestoreAcrossRestart(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRedisStore(redisClient)
	clock := clockwork.NewRealClock()

	first := NewTracker(DefaultPolicy(), store, clock, zerolog.Nop())
	if _, err := first.UpdateFromHeaders(ctx, quotaHeaders(600, 3, 90)); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	second := NewTracker(DefaultPolicy(), store, clock, zerolog.Nop())
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	q, ok := second.Current()
	if !ok {
		t.Fatal("expected restored quota")
	}
	if q.Remaining != 3 || q.Limit != 600 {
		t.Errorf("restored quota = %+v, want remaining 3 limit 600", q)
	}
}
