package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// LRUCache is a bounded least-recently-used cache with per-entry TTL.
// The translator keeps one entry per (source, target, text hash).
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*cacheEntry
	head     *cacheEntry // most recently used
	tail     *cacheEntry
	now      func() time.Time
}

type cacheEntry struct {
	key     string
	value   []byte
	expires time.Time // zero means no expiry
	prev    *cacheEntry
	next    *cacheEntry
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*cacheEntry, capacity),
		now:      time.Now,
	}
}

// Get returns the cached value and promotes it. Expired entries are dropped.
// Get reorders the list, so it takes the write lock.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.unlink(e)
		delete(c.items, key)
		return nil, false
	}

	c.promote(e)
	return e.value, true
}

// Set stores value for ttlSeconds. A non-positive TTL keeps the entry until evicted.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttlSeconds > 0 {
		expires = c.now().Add(time.Duration(ttlSeconds) * time.Second)
	}

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expires = expires
		c.promote(e)
		return nil
	}

	e := &cacheEntry{key: key, value: value, expires: expires}
	c.pushFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity && c.tail != nil {
		oldest := c.tail
		c.unlink(oldest)
		delete(c.items, oldest.key)
	}
	return nil
}

// Delete removes key if present.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.unlink(e)
		delete(c.items, key)
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRUCache) promote(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *LRUCache) pushFront(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LRUCache) unlink(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// Ensure LRUCache implements the Cache interface.
var _ ports.Cache = (*LRUCache)(nil)
