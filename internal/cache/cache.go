// Package cache provides the process-local response cache used by the AI
// endpoints. Entries carry a per-item TTL and the cache holds at most a fixed
// number of entries, evicting the least recently used entry under pressure.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List
	maxEntries int
	now        func() time.Time
}

type entry struct {
	key     string
	payload []byte
	expiry  time.Time
	element *list.Element
}

func New(maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache{
		entries:    make(map[string]*entry),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the stored payload for key while it is fresh. Expired entries
// are removed on access.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(item.expiry) {
		c.remove(item)
		return nil, false
	}

	c.order.MoveToFront(item.element)
	payload := make([]byte, len(item.payload))
	copy(payload, item.payload)
	return payload, true
}

// Set stores payload under key for ttl. An existing entry for the same key is
// replaced; the oldest entry is evicted when the cache is full.
func (c *Cache) Set(key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.remove(existing)
	}
	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry))
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	item := &entry{
		key:     key,
		payload: stored,
		expiry:  c.now().Add(ttl),
	}
	item.element = c.order.PushFront(item)
	c.entries[key] = item
}

// Invalidate drops the entry for key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.entries[key]; ok {
		c.remove(item)
	}
}

// Len reports the number of live entries, counting entries that have expired
// but not yet been touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) remove(item *entry) {
	c.order.Remove(item.element)
	delete(c.entries, item.key)
}
