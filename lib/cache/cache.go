// Package cache provides a bounded set of keys that expire after a fixed
// time-to-live. It backs message deduplication, the pruned-peer cooldown
// record and the recent-dial record.
package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	// maxCleanupInterval caps how long expired entries may linger in memory.
	maxCleanupInterval = 30 * time.Second
	minCleanupInterval = 10 * time.Millisecond
)

type entry[K comparable] struct {
	key     K
	added   time.Time
	count   int
	element *list.Element
}

// Cache is a thread-safe TTL set with a capacity bound. When the capacity is
// exceeded the least recently inserted key is evicted. A zero TTL keeps
// entries until they are evicted by capacity or deleted.
type Cache[K comparable] struct {
	mu      sync.Mutex
	ttl     time.Duration
	size    int
	entries map[K]*entry[K]
	order   *list.List // front is the oldest insertion

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its cleanup goroutine when ttl is positive.
// A size of zero or less means unbounded. Call Close when done.
func New[K comparable](ttl time.Duration, size int) *Cache[K] {
	c := &Cache[K]{
		ttl:     ttl,
		size:    size,
		entries: make(map[K]*entry[K]),
		order:   list.New(),
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanupLoop()
	}
	return c
}

// Touch records an observation of key and returns how many times it had been
// observed before within the TTL. The first observation returns zero.
func (c *Cache[K]) Touch(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.live(key, now); ok {
		prior := e.count
		e.count++
		return prior
	}
	c.insert(key, now)
	return 0
}

// Seen is a test-and-set: it records key and reports whether it was already
// present.
func (c *Cache[K]) Seen(key K) bool {
	return c.Touch(key) > 0
}

// Add records key, restarting its TTL if it is already present.
func (c *Cache[K]) Add(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
	c.insert(key, now)
}

// Has reports whether key is present and unexpired.
func (c *Cache[K]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key, time.Now())
	return ok
}

// Expires returns when key will expire. The boolean is false when the key is
// absent or the cache has no TTL.
func (c *Cache[K]) Expires(key K) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key, time.Now())
	if !ok || c.ttl <= 0 {
		return time.Time{}, false
	}
	return e.added.Add(c.ttl), true
}

// Delete removes key.
func (c *Cache[K]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Clear removes every key.
func (c *Cache[K]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[K])
	c.order.Init()
}

// Size returns the number of stored keys, including expired keys not yet
// collected.
func (c *Cache[K]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache[K]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// live returns the entry for key if it has not expired, dropping it otherwise.
// Must be called with mu held.
func (c *Cache[K]) live(key K, now time.Time) (*entry[K], bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(e, now) {
		c.remove(e)
		return nil, false
	}
	return e, true
}

func (c *Cache[K]) expired(e *entry[K], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.added) >= c.ttl
}

// Must be called with mu held.
func (c *Cache[K]) insert(key K, now time.Time) {
	if c.size > 0 {
		for len(c.entries) >= c.size {
			c.remove(c.order.Front().Value.(*entry[K]))
		}
	}
	e := &entry[K]{key: key, added: now, count: 1}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

// Must be called with mu held.
func (c *Cache[K]) remove(e *entry[K]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

func (c *Cache[K]) cleanupLoop() {
	interval := c.ttl
	if interval > maxCleanupInterval {
		interval = maxCleanupInterval
	}
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.evictExpired(now)
		}
	}
}

// evictExpired walks from the oldest insertion and stops at the first live
// entry, since insertion order is also expiry order.
func (c *Cache[K]) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry[K])
		if !c.expired(e, now) {
			return
		}
		c.remove(e)
	}
}
