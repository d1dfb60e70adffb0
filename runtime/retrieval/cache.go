package retrieval

import "sync"

// cache is a last-writer-wins map with no TTL and no eviction. Keys are
// deterministic normalisations, so paraphrased queries share entries and the
// map stays small over a process lifetime.
type cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
}

func newCache[V any]() *cache[V] {
	return &cache[V]{entries: make(map[string]V)}
}

func (c *cache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	return value, ok
}

func (c *cache[V]) set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

func (c *cache[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
