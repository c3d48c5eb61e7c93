// Package dedupe provides the bounded LRU set of idempotency keys that the
// transition engine consults before applying a trigger.
//
// The cache trades memory for accuracy: once more than Capacity keys have
// been inserted the least recently used key is evicted, and a retry of that
// old operation would no longer be recognised as a duplicate. The window is
// not persisted on its own; the engine rebuilds it from snapshots and replay.
package dedupe

import (
	"container/list"
	"sync"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1024

// Cache is a fixed-capacity LRU set of keys.
// Insert, Contains and promotion are all O(1).
//
// Thread-safety: Cache is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List // front = most recently used
	items     map[string]*list.Element
	evictions uint64
}

// New creates a cache holding at most capacity keys.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether key is in the window and promotes it to most
// recently used.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if ok {
		c.order.MoveToFront(el)
	}
	return ok
}

// Insert adds key as most recently used, evicting the least recently used
// key when the cache is full. Inserting an existing key only promotes it.
func (c *Cache) Insert(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(key)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(string))
		c.evictions++
	}
}

// Keys returns the keys from least to most recently used. Re-inserting them
// in this order into an empty cache reproduces the same window.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(string))
	}
	return keys
}

// Len returns the number of keys currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured maximum.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Evictions returns how many keys have been evicted since creation or the
// last Reset.
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// Reset empties the cache.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
	c.evictions = 0
}
