package provider

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	key       string
	value     V
	createdAt time.Time
	element   *list.Element
}

// CacheStats represents cache performance metrics
type CacheStats struct {
	Size        int           `json:"size"`
	MaxSize     int           `json:"max_size"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Evictions   int64         `json:"evictions"`
	TTLExpiries int64         `json:"ttl_expiries"`
	HitRatio    float64       `json:"hit_ratio"`
	TTL         time.Duration `json:"ttl"`
}

// Cache is a size bounded LRU with a per-entry TTL. It is safe for
// concurrent use.
type Cache[V any] struct {
	entries     map[string]*cacheEntry[V]
	accessOrder *list.List // most recent at front
	maxSize     int
	ttl         time.Duration
	now         func() time.Time
	mu          sync.Mutex

	hits        int64
	misses      int64
	evictions   int64
	ttlExpiries int64
}

// NewCache creates a cache holding at most maxSize entries for ttl each.
// maxSize < 1 is treated as 1; ttl <= 0 disables expiry.
func NewCache[V any](maxSize int, ttl time.Duration) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache[V]{
		entries:     make(map[string]*cacheEntry[V]),
		accessOrder: list.New(),
		maxSize:     maxSize,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Get returns the live entry for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	if c.expired(entry) {
		c.deleteEntryUnsafe(entry)
		c.ttlExpiries++
		c.misses++
		return zero, false
	}

	c.accessOrder.MoveToFront(entry.element)
	c.hits++
	return entry.value, true
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.createdAt = c.now()
		c.accessOrder.MoveToFront(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLRUUnsafe()
	}

	entry := &cacheEntry[V]{key: key, value: value, createdAt: c.now()}
	entry.element = c.accessOrder.PushFront(entry)
	c.entries[key] = entry
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.deleteEntryUnsafe(entry)
	}
}

// Len returns the current number of entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRatio := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRatio = float64(c.hits) / float64(total)
	}

	return CacheStats{
		Size:        len(c.entries),
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		TTLExpiries: c.ttlExpiries,
		HitRatio:    hitRatio,
		TTL:         c.ttl,
	}
}

// Cleanup removes expired entries
func (c *Cache[V]) Cleanup() {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if c.expired(entry) {
			c.deleteEntryUnsafe(entry)
			c.ttlExpiries++
		}
	}
}

func (c *Cache[V]) expired(entry *cacheEntry[V]) bool {
	return c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl
}

// evictLRUUnsafe must be called with the lock held.
func (c *Cache[V]) evictLRUUnsafe() {
	back := c.accessOrder.Back()
	if back == nil {
		return
	}
	c.deleteEntryUnsafe(back.Value.(*cacheEntry[V]))
	c.evictions++
}

// deleteEntryUnsafe must be called with the lock held.
func (c *Cache[V]) deleteEntryUnsafe(entry *cacheEntry[V]) {
	delete(c.entries, entry.key)
	c.accessOrder.Remove(entry.element)
}
