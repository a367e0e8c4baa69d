// Package cache implements the orchestrator's two-tier distributed cache:
// a bounded in-process tier and a Redis-backed shared tier. Synthesis audio,
// effective tenant configuration, MFA session verification, and breaker
// state all live behind this package.
package cache

import (
	"container/heap"
	"container/list"
	"sync"
	"time"
)

// EvictionPolicy selects the in-process victim strategy.
type EvictionPolicy string

const (
	PolicyLRU  EvictionPolicy = "lru"
	PolicyLFU  EvictionPolicy = "lfu"
	PolicyTTL  EvictionPolicy = "ttl"
	PolicyFIFO EvictionPolicy = "fifo"
)

// Entry is the stored unit. Invariant: CreatedAt ≤ AccessedAt, and an
// expired entry is never returned from a lookup.
type Entry struct {
	Key         string
	Value       []byte
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
	TTL         time.Duration
	Size        int64
	Tags        []string
}

func (e *Entry) expiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

func (e *Entry) expired(now time.Time) bool {
	exp := e.expiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Stats is a point-in-time snapshot of one tier.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Expired   int64
	Entries   int
	Bytes     int64
}

// MemoryCacheConfig bounds the in-process tier.
type MemoryCacheConfig struct {
	MaxEntries int
	MaxBytes   int64
	Policy     EvictionPolicy
	DefaultTTL time.Duration
	Clock      func() time.Time
}

// memItem is an Entry plus the bookkeeping handles that keep every policy's
// access-order maintenance O(1).
type memItem struct {
	entry    *Entry
	elem     *list.Element // position in order list (LRU/FIFO) or freq bucket (LFU)
	freq     int64         // LFU bucket index
	heapIdx  int           // TTL heap position, -1 when not tracked
}

// MemoryCache is the bounded in-process tier.
type MemoryCache struct {
	cfg MemoryCacheConfig

	mu       sync.Mutex
	items    map[string]*memItem
	order    *list.List            // LRU / FIFO order, front = most recent
	freqs    map[int64]*list.List  // LFU buckets: freq → keys
	minFreq  int64
	ttlHeap  expiryHeap
	tags     map[string]map[string]struct{} // tag → keys
	curBytes int64
	stats    Stats
}

// NewMemoryCache creates the in-process tier.
func NewMemoryCache(cfg MemoryCacheConfig) *MemoryCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 256 << 20 // 256 MiB
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyLRU
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &MemoryCache{
		cfg:   cfg,
		items: make(map[string]*memItem),
		order: list.New(),
		freqs: make(map[int64]*list.List),
		tags:  make(map[string]map[string]struct{}),
	}
}

// Get returns the value and whether it was present and unexpired.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	it, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if it.entry.expired(now) {
		c.removeLocked(it, true)
		c.stats.Misses++
		return nil, false
	}

	it.entry.AccessedAt = now
	it.entry.AccessCount++
	c.touchLocked(it)
	c.stats.Hits++
	return it.entry.Value, true
}

// GetEntry returns the full entry for metadata-aware callers.
func (c *MemoryCache) GetEntry(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	it, ok := c.items[key]
	if !ok || it.entry.expired(now) {
		if ok {
			c.removeLocked(it, true)
		}
		c.stats.Misses++
		return nil, false
	}
	it.entry.AccessedAt = now
	it.entry.AccessCount++
	c.touchLocked(it)
	c.stats.Hits++
	cp := *it.entry
	return &cp, true
}

// Set stores value under key. ttl ≤ 0 uses the tier default; tags attach the
// entry to invalidation groups.
func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.cfg.Clock()

	if existing, ok := c.items[key]; ok {
		c.removeLocked(existing, false)
	}

	entry := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		AccessedAt: now,
		TTL:        ttl,
		Size:       int64(len(value)),
		Tags:       tags,
	}
	it := &memItem{entry: entry, heapIdx: -1}

	// Make room before inserting: both bounds hold after every Set.
	for len(c.items) >= c.cfg.MaxEntries || c.curBytes+entry.Size > c.cfg.MaxBytes {
		if !c.evictLocked() {
			break
		}
	}

	c.items[key] = it
	c.curBytes += entry.Size
	c.insertOrderLocked(it)
	if entry.TTL > 0 {
		heap.Push(&c.ttlHeap, &expiryItem{item: it, at: entry.expiresAt()})
	}
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}
	c.stats.Sets++
}

// Delete removes a key. Returns whether it was present.
func (c *MemoryCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(it, false)
	return true
}

// InvalidateTags removes every entry carrying any of the given tags and
// returns the number of entries dropped.
func (c *MemoryCache) InvalidateTags(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, tag := range tags {
		for key := range c.tags[tag] {
			if it, ok := c.items[key]; ok {
				c.removeLocked(it, false)
				removed++
			}
		}
		delete(c.tags, tag)
	}
	return removed
}

// PurgeExpired drops all expired entries; the cleanup ticker calls this.
func (c *MemoryCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	purged := 0
	for c.ttlHeap.Len() > 0 {
		top := c.ttlHeap[0]
		if top.at.After(now) {
			break
		}
		heap.Pop(&c.ttlHeap)
		if top.item.heapIdx == -2 {
			continue // already removed through another path
		}
		top.item.heapIdx = -1
		if it, ok := c.items[top.item.entry.Key]; ok && it == top.item {
			c.removeLocked(it, true)
			purged++
		}
	}
	return purged
}

// Clear drops everything.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*memItem)
	c.order = list.New()
	c.freqs = make(map[int64]*list.List)
	c.ttlHeap = nil
	c.tags = make(map[string]map[string]struct{})
	c.curBytes = 0
}

// Stats returns a snapshot.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	s.Bytes = c.curBytes
	return s
}

// ──────────────────────────────────────────────────────────────────────────────
// Policy bookkeeping (caller holds the lock)
// ──────────────────────────────────────────────────────────────────────────────

func (c *MemoryCache) insertOrderLocked(it *memItem) {
	switch c.cfg.Policy {
	case PolicyLFU:
		it.freq = 1
		c.bucketLocked(1).PushFront(it)
		it.elem = c.freqs[1].Front()
		c.minFreq = 1
	default:
		it.elem = c.order.PushFront(it)
	}
}

func (c *MemoryCache) touchLocked(it *memItem) {
	switch c.cfg.Policy {
	case PolicyLRU:
		c.order.MoveToFront(it.elem)
	case PolicyLFU:
		old := it.freq
		c.freqs[old].Remove(it.elem)
		if c.freqs[old].Len() == 0 {
			delete(c.freqs, old)
			if c.minFreq == old {
				c.minFreq = old + 1
			}
		}
		it.freq = old + 1
		c.bucketLocked(it.freq).PushFront(it)
		it.elem = c.freqs[it.freq].Front()
	}
	// FIFO and TTL: access does not reorder.
}

func (c *MemoryCache) bucketLocked(freq int64) *list.List {
	l, ok := c.freqs[freq]
	if !ok {
		l = list.New()
		c.freqs[freq] = l
	}
	return l
}

// evictLocked removes one victim per the policy. Returns false when empty.
func (c *MemoryCache) evictLocked() bool {
	var victim *memItem
	switch c.cfg.Policy {
	case PolicyLFU:
		bucket := c.freqs[c.minFreq]
		for bucket == nil || bucket.Len() == 0 {
			if len(c.items) == 0 {
				return false
			}
			c.minFreq++
			bucket = c.freqs[c.minFreq]
		}
		victim = bucket.Back().Value.(*memItem)
	case PolicyTTL:
		for c.ttlHeap.Len() > 0 {
			top := c.ttlHeap[0]
			if top.item.heapIdx == -2 {
				heap.Pop(&c.ttlHeap)
				continue
			}
			victim = top.item
			break
		}
		if victim == nil {
			// No TTL-tracked entries left; fall back to insertion order.
			if back := c.order.Back(); back != nil {
				victim = back.Value.(*memItem)
			}
		}
	default: // LRU, FIFO
		if back := c.order.Back(); back != nil {
			victim = back.Value.(*memItem)
		}
	}
	if victim == nil {
		return false
	}
	c.removeLocked(victim, false)
	c.stats.Evictions++
	return true
}

func (c *MemoryCache) removeLocked(it *memItem, expired bool) {
	delete(c.items, it.entry.Key)
	c.curBytes -= it.entry.Size

	switch c.cfg.Policy {
	case PolicyLFU:
		if bucket, ok := c.freqs[it.freq]; ok {
			bucket.Remove(it.elem)
			if bucket.Len() == 0 {
				delete(c.freqs, it.freq)
			}
		}
	default:
		c.order.Remove(it.elem)
	}

	if it.heapIdx >= 0 {
		heap.Remove(&c.ttlHeap, it.heapIdx)
	}
	it.heapIdx = -2 // tombstone for lazily discovered heap items

	for _, tag := range it.entry.Tags {
		if set, ok := c.tags[tag]; ok {
			delete(set, it.entry.Key)
			if len(set) == 0 {
				delete(c.tags, tag)
			}
		}
	}
	if expired {
		c.stats.Expired++
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Expiry heap
// ──────────────────────────────────────────────────────────────────────────────

type expiryItem struct {
	item *memItem
	at   time.Time
}

type expiryHeap []*expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].item.heapIdx = i
	h[j].item.heapIdx = j
}

func (h *expiryHeap) Push(x interface{}) {
	it := x.(*expiryItem)
	it.item.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
