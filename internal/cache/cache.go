package cache

import (
	"sync"
)

// Cache is a read-mostly keyed store for values that are expensive to
// compute and never change once built.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// Put stores a value in the cache.
	Put(key K, v V)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache. Stored values are
// shared with callers and must be treated as immutable.
type MapCache[K comparable, V any] struct {
	data  map[K]V
	mu    sync.RWMutex
	limit int
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

// NewBoundedMapCache returns a MapCache holding at most limit entries.
// Storing a new key into a full cache evicts an arbitrary entry.
func NewBoundedMapCache[K comparable, V any](limit int) *MapCache[K, V] {
	c := NewMapCache[K, V]()
	c.limit = limit
	return c
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[K, V]) Put(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, v)
}

// GetOrCompute returns the cached value for key, building it with fn on a
// miss. Concurrent misses may each run fn; the first stored value wins.
func (c *MapCache[K, V]) GetOrCompute(key K, fn func() V) V {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := fn()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.data[key]; ok {
		return existing
	}
	c.storeLocked(key, v)
	return v
}

func (c *MapCache[K, V]) storeLocked(key K, v V) {
	if _, ok := c.data[key]; !ok && c.limit > 0 && len(c.data) >= c.limit {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}
	c.data[key] = v
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Reset drops every entry.
func (c *MapCache[K, V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
}
