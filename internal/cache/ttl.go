package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Size        int     `json:"size"`
	HitRate     float64 `json:"hit_rate"`
}

// TTLCache is an LRU whose entries also expire after a fixed TTL. A zero
// TTL disables expiry, leaving pure LRU behavior. Expired entries are
// removed on every Get.
type TTLCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

type ttlEntry struct {
	key       string
	value     any
	expiresAt time.Time
}

// NewTTL creates a TTLCache with the given capacity and TTL.
func NewTTL(capacity int, ttl time.Duration) *TTLCache {
	if capacity < 1 {
		capacity = 1
	}
	return &TTLCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

func (c *TTLCache) expired(e *ttlEntry, at time.Time) bool {
	return c.ttl > 0 && at.After(e.expiresAt)
}

// purgeLocked drops every expired entry. Caller holds the mutex.
func (c *TTLCache) purgeLocked(at time.Time) {
	if c.ttl <= 0 {
		return
	}
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*ttlEntry)
		if c.expired(entry, at) {
			c.order.Remove(elem)
			delete(c.items, entry.key)
			c.expirations++
		}
		elem = prev
	}
}

// Get returns the cached value if present and unexpired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now()
	c.purgeLocked(at)

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return elem.Value.(*ttlEntry).value, true
}

// Set stores value under key with a fresh TTL, evicting the least recently
// used entry when full.
func (c *TTLCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*ttlEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*ttlEntry).key)
			c.evictions++
		}
	}
	c.items[key] = c.order.PushFront(&ttlEntry{key: key, value: value, expiresAt: expiresAt})
}

// Delete removes key if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// Clear empties the cache. Counters survive so long-running stats remain
// meaningful across invalidation.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Len returns the live entry count without purging.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats snapshots the counters.
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        c.order.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
