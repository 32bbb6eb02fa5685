// Package cache is a process-local TTL store for accounting-API lookups.
// Concurrent misses for one key collapse into a single upstream call; errors
// from the producer are never cached.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the map; exceeding it triggers a proactive trim of
// expired entries on the next write.
const DefaultMaxEntries = 1024

type entry struct {
	value  any
	expiry time.Time
}

// TTL maps opaque keys to values with lazy expiry on read.
type TTL struct {
	mu         sync.RWMutex
	entries    map[string]entry
	group      singleflight.Group
	maxEntries int

	now func() time.Time
}

// New creates an empty cache.
func New() *TTL {
	return &TTL{
		entries:    make(map[string]entry),
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
}

// Get returns the live value for key, if any.
func (c *TTL) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiry) {
		return nil, false
	}
	return e.value, true
}

// GetOrCompute returns the stored value when present and unexpired, otherwise
// runs producer under the key's single-flight lock and stores its result.
func (c *TTL) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// The winner of the race may have stored a value before we
		// joined the flight.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		c.set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Invalidate drops a key, used after writes that stale a lookup.
func (c *TTL) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *TTL) set(key string, v any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.trimLocked()
	}
	c.entries[key] = entry{value: v, expiry: c.now().Add(ttl)}
}

// trimLocked drops expired entries. Callers hold the write lock.
func (c *TTL) trimLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiry) {
			delete(c.entries, k)
		}
	}
}

// Len reports live plus expired-but-untrimmed entries.
func (c *TTL) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
