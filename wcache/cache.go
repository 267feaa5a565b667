// Package wcache implements a fixed-capacity cache with per-entry TTL and
// least-recently-used eviction.  It is a pure mechanism: it knows nothing
// about what it stores, and the balance query engine is simply its first
// customer.
//
// Expired entries are evicted lazily when they are next looked up, while
// capacity pressure evicts eagerly at insertion time.  Entries live in an
// index-backed arena with the recency list threaded through slice indices
// rather than node pointers, so the whole structure is a handful of
// allocations regardless of churn.
package wcache

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// none is the index used as the nil sentinel in the recency list.
const none = -1

// entry is a single cached key/value pair in the arena.
type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	expiresAt  time.Time

	// prev and next thread the recency list through the arena, from most
	// recently used at the head to least recently used at the tail.
	prev, next int
}

// Cache is a concurrency-safe TTL+LRU cache.  The zero value is not usable;
// construct instances with New.
type Cache[K comparable, V any] struct {
	mtx sync.Mutex

	clk      clock.Clock
	capacity int

	index   map[K]int
	arena   []entry[K, V]
	free    []int
	head    int
	tail    int
}

// New returns an empty cache holding at most capacity entries.  The clock is
// injected so tests can drive TTL expiry with virtual time.  A capacity
// below one panics since such a cache could never hold anything.
func New[K comparable, V any](capacity int, clk clock.Clock) *Cache[K, V] {
	if capacity < 1 {
		panic("wcache: capacity must be at least 1")
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Cache[K, V]{
		clk:      clk,
		capacity: capacity,
		index:    make(map[K]int, capacity),
		arena:    make([]entry[K, V], 0, capacity),
		head:     none,
		tail:     none,
	}
}

// Get returns the value cached under key.  A miss or an expired entry
// returns ok=false; an expired entry is removed as a side effect.  A hit
// marks the entry as most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var zero V
	i, ok := c.index[key]
	if !ok {
		return zero, false
	}
	if !c.arena[i].expiresAt.After(c.clk.Now()) {
		c.remove(i)
		return zero, false
	}

	c.moveToFront(i)
	return c.arena[i].value, true
}

// Put inserts or replaces the value cached under key with the given
// time-to-live.  When the cache is full and the key is not already present,
// the least recently used entry is evicted first.  Among entries that were
// never touched after insertion, the oldest insertion is evicted first.
func (c *Cache[K, V]) Put(key K, value V, ttl time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.clk.Now()
	if i, ok := c.index[key]; ok {
		c.arena[i].value = value
		c.arena[i].insertedAt = now
		c.arena[i].expiresAt = now.Add(ttl)
		c.moveToFront(i)
		return
	}

	if len(c.index) >= c.capacity {
		c.remove(c.tail)
	}

	i := c.alloc()
	c.arena[i] = entry[K, V]{
		key:        key,
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
		prev:       none,
		next:       c.head,
	}
	if c.head != none {
		c.arena[c.head].prev = i
	}
	c.head = i
	if c.tail == none {
		c.tail = i
	}
	c.index[key] = i
}

// Invalidate drops the entry cached under key, if any.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if i, ok := c.index[key]; ok {
		c.remove(i)
	}
}

// Clear drops every cached entry.
func (c *Cache[K, V]) Clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.index = make(map[K]int, c.capacity)
	c.arena = c.arena[:0]
	c.free = c.free[:0]
	c.head = none
	c.tail = none
}

// Len returns the number of live entries.  Entries past their TTL that have
// not been looked up yet still count, since expiry is evaluated lazily.
func (c *Cache[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return len(c.index)
}

// alloc returns a free arena slot, growing the arena if no evicted slot is
// available for reuse.
func (c *Cache[K, V]) alloc() int {
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		return i
	}
	c.arena = append(c.arena, entry[K, V]{})
	return len(c.arena) - 1
}

// unlink detaches slot i from the recency list.
func (c *Cache[K, V]) unlink(i int) {
	e := &c.arena[i]
	if e.prev != none {
		c.arena[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != none {
		c.arena[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = none, none
}

// moveToFront marks slot i as the most recently used entry.
func (c *Cache[K, V]) moveToFront(i int) {
	if c.head == i {
		return
	}
	c.unlink(i)
	c.arena[i].next = c.head
	if c.head != none {
		c.arena[c.head].prev = i
	}
	c.head = i
	if c.tail == none {
		c.tail = i
	}
}

// remove drops slot i entirely, returning it to the free list.
func (c *Cache[K, V]) remove(i int) {
	c.unlink(i)
	delete(c.index, c.arena[i].key)
	var zero entry[K, V]
	c.arena[i] = zero
	c.arena[i].prev, c.arena[i].next = none, none
	c.free = append(c.free, i)
}
