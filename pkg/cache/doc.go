// Package cache stores successful identity API GET results in Redis so that
// repeated reads of the same resource do not spend rate limit quota.
//
// Entries are keyed by endpoint path and sorted query parameters and expire
// after a fixed TTL, shortened by the response's own Expires header when
// that is earlier. Responses marked Cache-Control: no-store are never
// cached. Mutations invalidate every entry under the mutated path.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key, err := cache.KeyFor("/api/v1/groups?q=admins")
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch through the scheduler, then:
//		entry, err = cache.ResponseToEntry(resp, 5*time.Minute)
//		err = manager.Set(ctx, key, entry)
//	}
//
//	// After a PUT/POST/DELETE on /api/v1/groups/123:
//	err = manager.InvalidatePath(ctx, "/api/v1/groups/123")
//
// # Metrics
//
//   - idm_cache_hits_total
//   - idm_cache_misses_total
//   - idm_cache_size_bytes
//   - idm_cache_invalidations_total
//   - idm_cache_errors_total{operation}
package cache
