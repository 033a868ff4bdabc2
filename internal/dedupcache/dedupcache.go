// Package dedupcache provides a bounded LRU set for suppressing duplicate
// request-event deliveries after a subscription reconnect.
package dedupcache

import (
	"container/list"
	"sync"
)

// Cache is a fixed-capacity, mutex-protected LRU set of string keys.
// It never grows past its configured capacity: once full, inserting a new
// key evicts the least recently used one. Chain reorgs or redeliveries
// older than the eviction window are not handled.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

// New creates a Cache with the given capacity. A non-positive capacity
// is treated as 1 to avoid a cache that can never remember anything.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// SeenOrAdd returns true if key was already present (and refreshes its
// recency), or false and inserts it if it was not. Use this for an atomic
// check-then-insert under a single lock.
func (c *Cache) SeenOrAdd(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return true
	}

	el := c.ll.PushFront(key)
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(string))
		}
	}

	return false
}

// Len returns the number of keys currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
