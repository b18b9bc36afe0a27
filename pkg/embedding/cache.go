package embedding

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a cached provider may be. Config edits
// take effect within this window without a restart.
const DefaultCacheTTL = 90 * time.Second

// Cache is a guarded, TTL-based holder for the configured provider. The
// provider is rebuilt at most once per TTL; Invalidate forces a rebuild on
// the next Get. Stale reads within the TTL are acceptable.
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	build     func() (Provider, error)
	value     Provider
	fetchedAt time.Time
	now       func() time.Time
}

// NewCache creates a provider cache. A zero ttl uses DefaultCacheTTL.
func NewCache(ttl time.Duration, build func() (Provider, error)) *Cache {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, build: build, now: time.Now}
}

// Get returns the cached provider, rebuilding it when the TTL has expired.
// A rebuild failure keeps any previous value out of circulation; callers get
// the error.
func (c *Cache) Get() (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.value, nil
	}

	p, err := c.build()
	if err != nil {
		c.value = nil
		return nil, err
	}
	c.value = p
	c.fetchedAt = c.now()
	return p, nil
}

// Invalidate drops the cached provider; the next Get rebuilds.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
}
