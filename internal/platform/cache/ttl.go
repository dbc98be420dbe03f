// Package cache provides the in-process caches used by the sync engine: a
// generic TTL cache and the token, capability-statement and resource caches
// built on top of it.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const defaultMaxEntries = 1000

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type settings struct {
	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time
}

// Option configures a cache.
type Option func(*settings)

// WithDefaultTTL sets the TTL used by Set. Zero or negative means entries
// never expire.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *settings) { s.defaultTTL = d }
}

// WithMaxEntries bounds the number of entries. When the bound is reached the
// entry with the oldest creation time is evicted.
func WithMaxEntries(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{maxEntries: defaultMaxEntries, now: time.Now}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// TTLCache is a bounded key/value cache with per-entry expiry. Expired
// entries are removed when read and by DeleteExpired. Capacity eviction drops
// the oldest-created entry, not the least recently used one.
type TTLCache[K comparable, V any] struct {
	mu    sync.Mutex
	items *ttlcache.Cache[K, entry[V]]
	cfg   settings

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewTTLCache creates a cache. The background cleanup loop of the underlying
// store is not started; callers sweep with DeleteExpired.
func NewTTLCache[K comparable, V any](opts ...Option) *TTLCache[K, V] {
	cfg := newSettings(opts)
	return &TTLCache[K, V]{
		items: ttlcache.New[K, entry[V]](
			ttlcache.WithDisableTouchOnHit[K, entry[V]](),
		),
		cfg: cfg,
	}
}

// Get returns the value for key. An expired entry is deleted and reported as
// a miss.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	item := c.items.Get(key)
	if item == nil {
		// the store hides expired items but keeps them until swept
		c.items.Delete(key)
		c.misses.Add(1)
		return zero, false
	}
	e := item.Value()
	if e.expired(c.cfg.now()) {
		c.items.Delete(key)
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Has reports whether a live entry exists for key without touching counters.
func (c *TTLCache[K, V]) Has(key K) bool {
	item := c.items.Get(key)
	if item == nil {
		return false
	}
	if item.Value().expired(c.cfg.now()) {
		c.items.Delete(key)
		return false
	}
	return true
}

// Set stores value under key with the default TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.cfg.defaultTTL)
}

// SetWithTTL stores value under key. A ttl of zero or less never expires.
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.now()
	e := entry[V]{value: value, createdAt: now}
	storeTTL := ttlcache.NoTTL
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
		storeTTL = ttl
	}

	if !c.items.Has(key) && c.items.Len() >= c.cfg.maxEntries {
		c.evictOldestLocked()
	}
	c.items.Set(key, e, storeTTL)
}

func (c *TTLCache[K, V]) evictOldestLocked() {
	var (
		oldestKey K
		oldest    time.Time
		found     bool
	)
	for k, item := range c.items.Items() {
		created := item.Value().createdAt
		if !found || created.Before(oldest) {
			oldestKey, oldest, found = k, created, true
		}
	}
	if found {
		c.items.Delete(oldestKey)
		c.evictions.Add(1)
	}
}

// GetOrSet returns the cached value for key, or calls fetch and caches its
// result on a miss. Fetch errors are returned and nothing is cached.
func (c *TTLCache[K, V]) GetOrSet(key K, fetch func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.items.Delete(key)
}

// Clear removes every entry. Counters are kept.
func (c *TTLCache[K, V]) Clear() {
	c.items.DeleteAll()
}

// DeleteExpired sweeps expired entries and returns how many were removed.
func (c *TTLCache[K, V]) DeleteExpired() int {
	before := c.items.Len()
	c.items.DeleteExpired()
	now := c.cfg.now()
	for k, item := range c.items.Items() {
		if item.Value().expired(now) {
			c.items.Delete(k)
		}
	}
	return before - c.items.Len()
}

// Keys returns the keys of the stored entries.
func (c *TTLCache[K, V]) Keys() []K {
	return c.items.Keys()
}

// Len returns the number of stored entries.
func (c *TTLCache[K, V]) Len() int {
	return c.items.Len()
}

// Stats returns the current counters.
func (c *TTLCache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.items.Len(),
	}
}
