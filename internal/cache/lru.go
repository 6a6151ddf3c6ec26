package cache

import (
	"container/list"
	"sync"
	"time"
)

// EvictFunc observes entries dropped for capacity or expiry. It runs after
// the cache lock is released, so it may call back into the cache.
type EvictFunc[T any] func(key string, data T)

// LRU cache with sliding TTL and size-based eviction
type LRUCache[T any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	lru     *list.List
	onEvict EvictFunc[T]
	pinned  PinFunc[T]
	now     func() time.Time
}

// PinFunc reports whether an entry must stay cached. It runs under the
// cache lock and must not call back into the cache.
type PinFunc[T any] func(key string, data T) bool

type cacheItem[T any] struct {
	key       string
	data      T
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with TTL
func NewLRUCache[T any](maxSize int, ttl time.Duration) *LRUCache[T] {
	return &LRUCache[T]{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// OnEvict registers fn for entries dropped by capacity or expiry.
// Explicit deletes do not trigger it.
func (c *LRUCache[T]) OnEvict(fn EvictFunc[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Pin registers fn to protect entries from expiry and capacity eviction.
// A pinned entry that expires gets a fresh TTL instead. When every entry is
// pinned the cache grows past its size limit.
func (c *LRUCache[T]) Pin(fn PinFunc[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = fn
}

func (c *LRUCache[T]) isPinned(item *cacheItem[T]) bool {
	return c.pinned != nil && c.pinned(item.key, item.data)
}

// Get retrieves a value from the cache and extends its lifetime
func (c *LRUCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()

	var zero T
	elem, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return zero, false
	}

	item := elem.Value.(*cacheItem[T])
	now := c.now()
	if now.After(item.expiresAt) && !c.isPinned(item) {
		c.removeElement(elem)
		fn := c.onEvict
		c.mu.Unlock()
		if fn != nil {
			fn(item.key, item.data)
		}
		return zero, false
	}

	// Move to front (most recently used)
	item.expiresAt = now.Add(c.ttl)
	c.lru.MoveToFront(elem)
	c.mu.Unlock()
	return item.data, true
}

// Set stores a value in the cache
func (c *LRUCache[T]) Set(key string, data T) {
	c.mu.Lock()

	item := &cacheItem[T]{
		key:       key,
		data:      data,
		expiresAt: c.now().Add(c.ttl),
	}

	// Check if key already exists
	if elem, exists := c.items[key]; exists {
		elem.Value = item
		c.lru.MoveToFront(elem)
		c.mu.Unlock()
		return
	}

	elem := c.lru.PushFront(item)
	c.items[key] = elem

	// Evict the least recently used unpinned entry if over capacity
	var evicted *cacheItem[T]
	if c.lru.Len() > c.maxSize {
		for e := c.lru.Back(); e != nil && e != elem; e = e.Prev() {
			candidate := e.Value.(*cacheItem[T])
			if c.isPinned(candidate) {
				continue
			}
			evicted = candidate
			c.removeElement(e)
			break
		}
	}
	fn := c.onEvict
	c.mu.Unlock()

	if evicted != nil && fn != nil {
		fn(evicted.key, evicted.data)
	}
}

// Delete removes a key from the cache
func (c *LRUCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

func (c *LRUCache[T]) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem[T])
	delete(c.items, item.key)
	c.lru.Remove(elem)
}

// CleanExpired removes all expired entries and returns count of removed items
func (c *LRUCache[T]) CleanExpired() int {
	c.mu.Lock()

	now := c.now()
	var removed []*cacheItem[T]
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		item := elem.Value.(*cacheItem[T])
		if now.After(item.expiresAt) {
			if c.isPinned(item) {
				item.expiresAt = now.Add(c.ttl)
			} else {
				removed = append(removed, item)
				c.removeElement(elem)
			}
		}
		elem = next
	}
	fn := c.onEvict
	c.mu.Unlock()

	if fn != nil {
		for _, item := range removed {
			fn(item.key, item.data)
		}
	}
	return len(removed)
}

// Values returns live entries, most recently used first.
func (c *LRUCache[T]) Values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*cacheItem[T]).data)
	}
	return out
}

// Size returns the current number of items in the cache
func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
