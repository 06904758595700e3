package descpool

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gfx/driver"
)

const (
	// BucketCount is the number of independently locked buckets.
	// Must be a power of 2 for fast modulo via bitwise AND.
	BucketCount = 16

	bucketMask = BucketCount - 1
)

// Allocation is a descriptor set together with the pool and chain it came
// from. Pass it back to Table.Release.
type Allocation struct {
	Set  driver.DescriptorSet
	ID   PoolID
	pool *Pool
}

// Pool returns the pool the set was allocated from.
func (a Allocation) Pool() *Pool { return a.pool }

// Stats is a snapshot of table usage.
type Stats struct {
	Chains      int
	Pools       int
	LiveSets    int
	Allocations uint64
	Releases    uint64
	Growths     uint64
}

// Table maps PoolIDs to chains. Chains are spread over BucketCount buckets
// by an FNV-1a hash of the PoolID; each bucket has its own mutex held only
// for the duration of one chain operation.
type Table struct {
	dev            driver.Device
	initialMaxSets uint32
	buckets        [BucketCount]*bucket

	allocations atomic.Uint64
	releases    atomic.Uint64
	growths     atomic.Uint64
}

type bucket struct {
	mu     sync.Mutex
	chains map[PoolID]*Chain
}

// NewTable creates an empty table. initialMaxSets is passed to every chain.
func NewTable(dev driver.Device, initialMaxSets uint32) *Table {
	t := &Table{dev: dev, initialMaxSets: initialMaxSets}
	for i := range t.buckets {
		t.buckets[i] = &bucket{chains: make(map[PoolID]*Chain)}
	}
	return t
}

func (t *Table) bucketFor(id PoolID) *bucket {
	return t.buckets[id.hash()&bucketMask]
}

// Allocate allocates a set of the given layout from the chain for id,
// creating the chain on first use.
func (t *Table) Allocate(id PoolID, layout driver.DescriptorSetLayout) (Allocation, error) {
	if id.Empty() {
		return Allocation{}, errors.New("descpool: layout has no descriptors")
	}
	b := t.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chains[id]
	if !ok {
		c = NewChain(t.dev, id, t.initialMaxSets)
		b.chains[id] = c
	}
	before := len(c.pools)
	set, pool, err := c.AllocateDescriptorSet(layout)
	if len(c.pools) > before {
		t.growths.Add(uint64(len(c.pools) - before))
	}
	if err != nil {
		return Allocation{}, err
	}
	t.allocations.Add(1)
	return Allocation{Set: set, ID: id, pool: pool}, nil
}

// Release returns a set to its pool.
func (t *Table) Release(a Allocation) error {
	if a.pool == nil {
		return nil
	}
	b := t.bucketFor(a.ID)
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chains[a.ID]
	if !ok {
		return errors.New("descpool: release to unknown chain")
	}
	t.releases.Add(1)
	return c.Release(a.pool, a.Set)
}

// Cleanup runs Chain.Cleanup on every chain and drops chains left without
// pools. It returns the number of pools remaining.
func (t *Table) Cleanup() int {
	total := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		for id, c := range b.chains {
			n := c.Cleanup()
			if n == 0 {
				delete(b.chains, id)
			}
			total += n
		}
		b.mu.Unlock()
	}
	return total
}

// Destroy destroys every pool of every chain.
func (t *Table) Destroy() {
	for _, b := range t.buckets {
		b.mu.Lock()
		for id, c := range b.chains {
			c.Destroy()
			delete(b.chains, id)
		}
		b.mu.Unlock()
	}
}

// BucketLen returns the number of chains in each bucket.
func (t *Table) BucketLen() [BucketCount]int {
	var lens [BucketCount]int
	for i, b := range t.buckets {
		b.mu.Lock()
		lens[i] = len(b.chains)
		b.mu.Unlock()
	}
	return lens
}

// Stats returns current usage counters.
func (t *Table) Stats() Stats {
	s := Stats{
		Allocations: t.allocations.Load(),
		Releases:    t.releases.Load(),
		Growths:     t.growths.Load(),
	}
	for _, b := range t.buckets {
		b.mu.Lock()
		s.Chains += len(b.chains)
		for _, c := range b.chains {
			s.Pools += len(c.pools)
			for _, p := range c.pools {
				s.LiveSets += int(p.live)
			}
		}
		b.mu.Unlock()
	}
	return s
}
