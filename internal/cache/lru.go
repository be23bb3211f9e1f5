package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/csv-insight/backend/internal/metrics"
)

// LRU is an in-process store bounded by total value bytes and entry age.
// Values are copied in and out, so callers never share memory with the cache
// and eviction only affects future lookups.
type LRU struct {
	maxBytes int64
	maxAge   time.Duration
	now      func() time.Time
	tier     string

	mu        sync.Mutex
	ll        *list.List
	items     map[string]*list.Element
	bytes     int64
	hits      uint64
	misses    uint64
	evictions uint64
}

type LRUOption func(*LRU)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LRUOption {
	return func(c *LRU) { c.now = now }
}

// WithTier sets the label used for prometheus counters.
func WithTier(tier string) LRUOption {
	return func(c *LRU) { c.tier = tier }
}

// NewLRU creates a store holding at most maxBytes of values. A zero maxAge
// disables age-based expiry.
func NewLRU(maxBytes int64, maxAge time.Duration, opts ...LRUOption) *LRU {
	c := &LRU{
		maxBytes: maxBytes,
		maxAge:   maxAge,
		now:      time.Now,
		tier:     "l1",
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		metrics.CacheMisses.WithLabelValues(c.tier).Inc()
		return nil, false, nil
	}
	e := el.Value.(*Entry)
	now := c.now()
	if c.expired(e, now) {
		c.removeElement(el)
		c.evictions++
		metrics.CacheEvictions.WithLabelValues(c.tier).Inc()
		c.misses++
		metrics.CacheMisses.WithLabelValues(c.tier).Inc()
		return nil, false, nil
	}

	e.LastAccessed = now
	c.ll.MoveToFront(el)
	c.hits++
	metrics.CacheHits.WithLabelValues(c.tier).Inc()
	return cloneBytes(e.Value), true, nil
}

// Put stores value under key, replacing any previous value. A value larger
// than the whole cache is not stored.
func (c *LRU) Put(_ context.Context, key string, value []byte) error {
	size := int64(len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return nil
	}

	now := c.now()
	e := &Entry{
		Key:          key,
		Value:        cloneBytes(value),
		CreatedAt:    now,
		LastAccessed: now,
		Size:         size,
	}
	c.items[key] = c.ll.PushFront(e)
	c.bytes += size

	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
		metrics.CacheEvictions.WithLabelValues(c.tier).Inc()
	}
	return nil
}

func (c *LRU) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	return nil
}

// Purge drops every expired entry and returns how many were removed.
func (c *LRU) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*Entry), now) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	c.evictions += uint64(removed)
	return removed
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.ll.Len(),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
	}.withHitRate()
}

func (c *LRU) expired(e *Entry, now time.Time) bool {
	return c.maxAge > 0 && now.Sub(e.CreatedAt) >= c.maxAge
}

func (c *LRU) removeElement(el *list.Element) {
	e := c.ll.Remove(el).(*Entry)
	delete(c.items, e.Key)
	c.bytes -= e.Size
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
