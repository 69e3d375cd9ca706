package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process Cache backed by go-cache. Each process that
// creates one has its own entries; construct it once and share it.
type MemoryCache struct {
	store *gocache.Cache
}

// NewMemoryCache returns an empty cache. cleanupInterval controls how often
// expired entries are purged; expired entries are never returned either way.
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryCache{store: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	c.store.Set(key, clone(value), ttl)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return clone(b), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) (int, error) {
	removed := 0
	for k := range c.store.Items() {
		if strings.HasPrefix(k, prefix) {
			c.store.Delete(k)
			removed++
		}
	}
	return removed, nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.store.Flush()
	return nil
}

func (c *MemoryCache) Ping(_ context.Context) error {
	return nil
}

// IncrWithExpiry increments a counter. The expiry is set when the counter is
// created and is not extended by later increments.
func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	for {
		if err := c.store.Add(key, int64(1), expiry); err == nil {
			return 1, nil
		}
		n, err := c.store.IncrementInt64(key, 1)
		if err == nil {
			return n, nil
		}
		// The counter expired between Add and IncrementInt64; start over.
	}
}

// Len returns the number of unexpired entries.
func (c *MemoryCache) Len() int {
	return len(c.store.Items())
}

func (c *MemoryCache) Close() error {
	c.store.Flush()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
