package shadercache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of modules a Cache keeps when New gets a
// non-positive capacity.
const DefaultCapacity = 64

// CompileFunc turns shader source into SPIR-V words.
type CompileFunc func(source string) ([]uint32, error)

// Cache is an LRU cache of compiled shader modules.
type Cache struct {
	mu       sync.Mutex
	entries  map[uint64]*entry
	lru      lruList
	capacity int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type entry struct {
	source string
	words  []uint32
	node   *node
}

// Stats is a snapshot of cache usage.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// New returns a cache holding at most capacity modules.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  make(map[uint64]*entry),
		capacity: capacity,
	}
}

// hash returns the FNV-1a hash of the source.
func hash(source string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source)) // fnv.Write never returns an error
	return h.Sum64()
}

// Get returns the cached words for source. The slice is shared and must
// not be modified.
func (c *Cache) Get(source string) ([]uint32, bool) {
	key := hash(source)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.source != source {
		c.misses.Add(1)
		return nil, false
	}
	c.lru.moveToFront(e.node)
	c.hits.Add(1)
	return e.words, true
}

// Put stores words for source, replacing an entry with the same hash and
// evicting the least recently used module when full.
func (c *Cache) Put(source string, words []uint32) {
	key := hash(source)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.source, e.words = source, words
		c.lru.moveToFront(e.node)
		return
	}
	for len(c.entries) >= c.capacity {
		old, ok := c.lru.removeOldest()
		if !ok {
			break
		}
		delete(c.entries, old)
		c.evictions.Add(1)
	}
	c.entries[key] = &entry{source: source, words: words, node: c.lru.pushFront(key)}
}

// Compile returns the cached module for source or compiles and caches it.
// compile runs without the lock held, so concurrent misses on the same
// source may compile twice.
func (c *Cache) Compile(source string, compile CompileFunc) ([]uint32, error) {
	if words, ok := c.Get(source); ok {
		return words, nil
	}
	words, err := compile(source)
	if err != nil {
		return nil, err
	}
	c.Put(source, words)
	return words, nil
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every module. Statistics are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*entry)
	c.lru = lruList{}
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
