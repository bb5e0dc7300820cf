// Package redirectcache keeps recently signed redirect URLs so repeated
// delivery requests for the same object skip the storage driver.
//
// Entries live in an insertion-ordered map: a hash map for lookup and a doubly
// linked list for eviction order. Reads never reorder entries. Expired entries
// are dropped lazily on access and the oldest insertion is evicted when the
// cache is full. There are no timers or background goroutines.
package redirectcache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/fmkit/filemanager/internal/domain"
)

const (
	DefaultMaxEntries = 5000
	DefaultTTL        = 60 * time.Second
)

type entry struct {
	key       string
	url       string
	expiresAt time.Time
}

// Cache is a bounded TTL cache of redirect URLs. Safe for concurrent use.
type Cache struct {
	enabled    bool
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = oldest insertion
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries sets the capacity. Non-positive values are ignored.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTL sets the lifetime of an entry. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithEnabled toggles the cache. A disabled cache misses on every Get and
// ignores Set.
func WithEnabled(enabled bool) Option {
	return func(c *Cache) { c.enabled = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache with defaults of 5000 entries and a 60s TTL.
func New(opts ...Option) *Cache {
	c := &Cache{
		enabled:    true,
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key for a file, an optional variant and the download flag.
func Key(fileUID string, kind domain.VariantKind, download bool) string {
	if kind == "" {
		kind = domain.VariantOriginal
	}
	var b strings.Builder
	b.Grow(len(fileUID) + len(kind) + 4)
	b.WriteString(fileUID)
	b.WriteByte(':')
	b.WriteString(string(kind))
	if download {
		b.WriteString(":dl")
	}
	return b.String()
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// Get returns the cached URL for key. An expired entry is removed and
// reported as a miss.
func (c *Cache) Get(key string) (string, bool) {
	if !c.enabled {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	e := elem.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeElement(elem)
		return "", false
	}
	return e.url, true
}

// Set stores url under key. When the cache is full the oldest inserted entry
// is evicted first. Re-setting a key refreshes it and makes it the newest.
func (c *Cache) Set(key, url string) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	if c.order.Len() >= c.maxEntries {
		c.evictOldest()
	}

	e := &entry{key: key, url: url, expiresAt: c.now().Add(c.ttl)}
	c.items[key] = c.order.PushBack(e)
}

// InvalidateFile drops every entry that belongs to fileUID.
func (c *Cache) InvalidateFile(fileUID string) int {
	prefix := fileUID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if strings.HasPrefix(elem.Value.(*entry).key, prefix) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Must be called with lock held.
func (c *Cache) evictOldest() {
	if elem := c.order.Front(); elem != nil {
		c.removeElement(elem)
	}
}

// Must be called with lock held.
func (c *Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
