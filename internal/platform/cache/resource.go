package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// DefaultResourceTTL is how long a fetched resource is reused.
const DefaultResourceTTL = 2 * time.Minute

// ResourceCache holds raw resources fetched from remote servers for a short
// window so that repeated reads within a sync do not hit the network.
type ResourceCache struct {
	cache *TTLCache[string, json.RawMessage]
}

// NewResourceCache creates a resource cache. A ttl of zero uses
// DefaultResourceTTL.
func NewResourceCache(ttl time.Duration, opts ...Option) *ResourceCache {
	if ttl <= 0 {
		ttl = DefaultResourceTTL
	}
	opts = append([]Option{WithDefaultTTL(ttl)}, opts...)
	return &ResourceCache{cache: NewTTLCache[string, json.RawMessage](opts...)}
}

// ResourceKey builds the cache key for one resource on one server.
func ResourceKey(server, resourceType, id string) string {
	return strings.Join([]string{server, resourceType, id}, "|")
}

func (r *ResourceCache) Get(server, resourceType, id string) (json.RawMessage, bool) {
	return r.cache.Get(ResourceKey(server, resourceType, id))
}

func (r *ResourceCache) Set(server, resourceType, id string, raw json.RawMessage) {
	r.cache.Set(ResourceKey(server, resourceType, id), raw)
}

func (r *ResourceCache) Invalidate(server, resourceType, id string) {
	r.cache.Delete(ResourceKey(server, resourceType, id))
}

// GetOrFetch returns the cached resource or calls fetch on a miss and caches
// a successful result.
func (r *ResourceCache) GetOrFetch(ctx context.Context, server, resourceType, id string,
	fetch func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	return r.cache.GetOrSet(ResourceKey(server, resourceType, id), func() (json.RawMessage, error) {
		return fetch(ctx)
	})
}

func (r *ResourceCache) DeleteExpired() int { return r.cache.DeleteExpired() }

func (r *ResourceCache) Stats() Stats { return r.cache.Stats() }
