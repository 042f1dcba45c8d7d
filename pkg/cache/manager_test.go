package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis and skips the test when none is
// running. The integration suite runs against a testcontainers Redis.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func testEntry(data string, ttl time.Duration) *CacheEntry {
	return &CacheEntry{
		Data:     json.RawMessage(data),
		Status:   http.StatusOK,
		Headers:  http.Header{"Content-Type": []string{"application/json"}},
		Expires:  time.Now().Add(ttl),
		CachedAt: time.Now(),
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetAndGet(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()
	key, _ := KeyFor("/api/v1/users/00u1")

	if err := manager.Set(ctx, key, testEntry(`{"id":"00u1"}`, 5*time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(retrieved.Data) != `{"id":"00u1"}` {
		t.Errorf("Data mismatch: got %s", retrieved.Data)
	}
	if retrieved.Headers.Get("Content-Type") != "application/json" {
		t.Errorf("Headers not restored: %v", retrieved.Headers)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	key, _ := KeyFor("/api/v1/nonexistent")

	if _, err := manager.Get(context.Background(), key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Set_ExpiredAndNil(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()
	key, _ := KeyFor("/api/v1/users")

	if err := manager.Set(ctx, key, testEntry(`[]`, -time.Hour)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}
	if err := manager.Set(ctx, key, nil); err == nil {
		t.Error("Set with nil entry should return error")
	}
}

func TestManager_InvalidatePath(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	endpoints := []string{
		"/api/v1/groups/00g1",
		"/api/v1/groups/00g1?expand=stats",
		"/api/v1/groups/00g1/users",
		"/api/v1/groups/00g10",
		"/api/v1/groups",
	}
	for _, e := range endpoints {
		key, _ := KeyFor(e)
		if err := manager.Set(ctx, key, testEntry(`{}`, time.Minute)); err != nil {
			t.Fatalf("Set(%s) failed: %v", e, err)
		}
	}

	n, err := manager.InvalidatePath(ctx, "/api/v1/groups/00g1")
	if err != nil {
		t.Fatalf("InvalidatePath failed: %v", err)
	}
	if n != 3 {
		t.Errorf("InvalidatePath removed %d entries, want 3", n)
	}

	for _, e := range []string{"/api/v1/groups/00g10", "/api/v1/groups"} {
		key, _ := KeyFor(e)
		if _, err := manager.Get(ctx, key); err != nil {
			t.Errorf("%s should survive invalidation: %v", e, err)
		}
	}
}
