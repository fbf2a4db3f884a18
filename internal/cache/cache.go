// Package cache provides small typed TTL/LRU caches for proxy state:
// credential descriptors, sticky conversation pins, notification dedup.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// TTL is an in-memory W-TinyLFU cache backed by otter, with a per-entry TTL
// on top of the capacity bound. A zero TTL entry never expires by time.
type TTL[K comparable, V any] struct {
	cache      *otter.Cache[K, entry[V]]
	defaultTTL time.Duration
	sliding    bool
}

// Options configures a TTL cache.
type Options struct {
	// MaxSize bounds the entry count; older entries are evicted by the
	// admission policy once full.
	MaxSize int
	// DefaultTTL applies to Set calls; SetTTL overrides per entry.
	DefaultTTL time.Duration
	// Sliding renews an entry's expiry on every hit, so an entry dies only
	// after DefaultTTL of no access.
	Sliding bool
}

// New creates a typed cache.
func New[K comparable, V any](opts Options) (*TTL[K, V], error) {
	c, err := otter.New[K, entry[V]](&otter.Options[K, entry[V]]{
		MaximumSize: opts.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &TTL[K, V]{cache: c, defaultTTL: opts.DefaultTTL, sliding: opts.Sliding}, nil
}

// Get retrieves a value if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := c.cache.GetIfPresent(key)
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.cache.Invalidate(key)
		return zero, false
	}
	if c.sliding && c.defaultTTL > 0 {
		e.expiresAt = time.Now().Add(c.defaultTTL)
		c.cache.Set(key, e)
	}
	return e.val, true
}

// Set stores a value with the default TTL.
func (c *TTL[K, V]) Set(key K, val V) {
	c.SetTTL(key, val, c.defaultTTL)
}

// SetTTL stores a value with an explicit TTL; ttl <= 0 means no time expiry.
func (c *TTL[K, V]) SetTTL(key K, val V, ttl time.Duration) {
	e := entry[V]{val: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.cache.Set(key, e)
}

// Delete removes a value.
func (c *TTL[K, V]) Delete(key K) {
	c.cache.Invalidate(key)
}

// Purge removes all values.
func (c *TTL[K, V]) Purge() {
	c.cache.InvalidateAll()
}
