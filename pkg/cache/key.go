package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// keyPrefix namespaces cache entries in Redis.
const keyPrefix = "idm:cache"

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Endpoint is the API path (e.g., "/api/v1/groups/00g1/users")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"limit": "200"})
	QueryParams url.Values
}

// KeyFor builds a key from an endpoint that may carry a query string.
// Absolute URLs are reduced to their path and query.
func KeyFor(endpoint string) (CacheKey, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return CacheKey{}, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return CacheKey{Endpoint: u.Path, QueryParams: u.Query()}, nil
}

// String generates a deterministic cache key string.
// Format: idm:cache:path:query1=val1:query2=val2a,val2b
//
// Example:
//
//	idm:cache:api/v1/groups:limit=200:q=admins
func (k CacheKey) String() string {
	parts := []string{pathPrefix(k.Endpoint)}

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
		}
	}

	return strings.Join(parts, ":")
}

// pathPrefix is the key shared by every entry of one path.
func pathPrefix(endpoint string) string {
	endpoint = strings.Trim(endpoint, "/")
	if endpoint == "" {
		return keyPrefix
	}
	return keyPrefix + ":" + endpoint
}
