// Package dedupe keeps the per-identity cooldown cache that short-circuits
// repeated presence writes.
package dedupe

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/presence/pkg/metrics"
)

// Cache tracks the last confirmed presence per (tenant, identity).
type Cache interface {
	// Within reports whether identity was confirmed less than window before
	// now. It never changes the stored timestamp.
	Within(tenant, identity string, now time.Time, window time.Duration) bool

	// Set stores t as the last confirmed presence.
	Set(tenant, identity string, t time.Time)

	// Get returns the stored timestamp.
	Get(tenant, identity string) (time.Time, bool)

	// Prune drops entries older than window.
	Prune(now time.Time, window time.Duration) int

	// Reset drops every entry.
	Reset()

	Size() int64
}

type key struct {
	tenant   string
	identity string
}

type entry struct {
	key key
	at  time.Time
}

// CooldownCache is a bounded Cache. When full, the least recently set
// entry is evicted; an evicted identity falls back to the event store.
type CooldownCache struct {
	mu      sync.Mutex
	entries map[key]*list.Element
	order   *list.List // front = most recently set
	maxSize int        // 0 or negative = unbounded
	size    atomic.Int64
}

// NewCooldownCache creates an empty cache.
func NewCooldownCache(opts ...Option) *CooldownCache {
	c := &CooldownCache{
		maxSize: 10_000,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = make(map[key]*list.Element)
	c.order = list.New()
	return c
}

// Within implements Cache.
func (c *CooldownCache) Within(tenant, identity string, now time.Time, window time.Duration) bool {
	at, ok := c.Get(tenant, identity)
	if !ok {
		return false
	}
	return now.Sub(at) < window
}

// Get implements Cache.
func (c *CooldownCache) Get(tenant, identity string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key{tenant, identity}]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*entry).at, true
}

// Set implements Cache.
func (c *CooldownCache) Set(tenant, identity string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{tenant, identity}
	if el, ok := c.entries[k]; ok {
		el.Value.(*entry).at = t
		c.order.MoveToFront(el)
		return
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[k] = c.order.PushFront(&entry{key: k, at: t})
	c.size.Add(1)
	metrics.UpdateCooldownEntries(int(c.size.Load()))
}

// evictOldest must be called with c.mu held.
func (c *CooldownCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
	c.size.Add(-1)
}

// Prune implements Cache.
func (c *CooldownCache) Prune(now time.Time, window time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if now.Sub(e.at) >= window {
			c.order.Remove(el)
			delete(c.entries, e.key)
			removed++
		}
		el = prev
	}
	c.size.Add(int64(-removed))
	metrics.UpdateCooldownEntries(int(c.size.Load()))
	return removed
}

// Reset implements Cache.
func (c *CooldownCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]*list.Element)
	c.order.Init()
	c.size.Store(0)
	metrics.UpdateCooldownEntries(0)
}

// Size implements Cache.
func (c *CooldownCache) Size() int64 {
	return c.size.Load()
}
