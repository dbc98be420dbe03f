package cache

import "time"

// Expiring is implemented by credentials that carry their own expiry.
type Expiring interface {
	Expiry() time.Time
}

// TokenCache holds credentials until they enter the refresh buffer. The TTL of
// each entry is derived from the credential's expiry, so a cached token is
// reported absent early enough for the caller to refresh it.
type TokenCache[T Expiring] struct {
	cache  *TTLCache[string, T]
	buffer time.Duration
	now    func() time.Time
}

// NewTokenCache creates a token cache with the given refresh buffer.
func NewTokenCache[T Expiring](buffer time.Duration, opts ...Option) *TokenCache[T] {
	cfg := newSettings(opts)
	return &TokenCache[T]{
		cache:  NewTTLCache[string, T](opts...),
		buffer: buffer,
		now:    cfg.now,
	}
}

// Set caches tok under key. A token already inside the buffer is not cached
// and any previous entry for key is dropped.
func (c *TokenCache[T]) Set(key string, tok T) {
	ttl := tok.Expiry().Sub(c.now()) - c.buffer
	if ttl <= 0 {
		c.cache.Delete(key)
		return
	}
	c.cache.SetWithTTL(key, tok, ttl)
}

// Get returns the token for key if it is still outside the refresh buffer.
func (c *TokenCache[T]) Get(key string) (T, bool) {
	return c.cache.Get(key)
}

func (c *TokenCache[T]) Delete(key string) { c.cache.Delete(key) }

func (c *TokenCache[T]) Clear() { c.cache.Clear() }

func (c *TokenCache[T]) DeleteExpired() int { return c.cache.DeleteExpired() }

func (c *TokenCache[T]) Stats() Stats { return c.cache.Stats() }
