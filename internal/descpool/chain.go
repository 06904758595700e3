package descpool

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gfx/driver"
)

// ErrPoolExhausted is returned when a freshly created pool still cannot
// hold the requested set.
var ErrPoolExhausted = errors.New("descpool: descriptor pool exhausted")

// Pool is one fixed-capacity native descriptor pool.
type Pool struct {
	native  driver.DescriptorPool
	maxSets uint32
	live    uint32
}

// MaxSets returns the capacity of the pool.
func (p *Pool) MaxSets() uint32 { return p.maxSets }

// Live returns the number of sets currently allocated from the pool.
func (p *Pool) Live() uint32 { return p.live }

// Native returns the driver pool.
func (p *Pool) Native() driver.DescriptorPool { return p.native }

// Chain is the growable list of pools for one PoolID, most recently
// successful first. A Chain is not safe for concurrent use; Table guards
// each chain with its bucket lock.
type Chain struct {
	dev     driver.Device
	id      PoolID
	initial uint32
	maxSets uint32
	pools   []*Pool
}

// NewChain creates an empty chain. The first pool holds initialMaxSets sets
// (1 when zero); each later pool holds twice the previous capacity plus one.
func NewChain(dev driver.Device, id PoolID, initialMaxSets uint32) *Chain {
	return &Chain{dev: dev, id: id, initial: max(initialMaxSets, 1)}
}

// ID returns the signature of the chain.
func (c *Chain) ID() PoolID { return c.id }

// Pools returns the pools in lookup order.
func (c *Chain) Pools() []*Pool { return slices.Clone(c.pools) }

// Capacity returns the total number of sets the chain can hold.
func (c *Chain) Capacity() uint32 {
	var n uint32
	for _, p := range c.pools {
		n += p.maxSets
	}
	return n
}

// AllocateDescriptorSet allocates a set with the given layout. Pools are
// tried in order and the successful one moves to the front. When every
// pool is full a new, larger pool is created at the front and the
// allocation is retried once.
func (c *Chain) AllocateDescriptorSet(layout driver.DescriptorSetLayout) (driver.DescriptorSet, *Pool, error) {
	for i, p := range c.pools {
		if p.live >= p.maxSets {
			continue
		}
		set, err := c.dev.AllocateDescriptorSet(p.native, layout)
		if err != nil {
			if errors.Is(err, driver.ErrOutOfPoolMemory) {
				continue
			}
			return nil, nil, fmt.Errorf("descpool: allocate descriptor set: %w", err)
		}
		p.live++
		if i > 0 {
			copy(c.pools[1:i+1], c.pools[:i])
			c.pools[0] = p
		}
		return set, p, nil
	}

	p, err := c.addPool()
	if err != nil {
		return nil, nil, err
	}
	set, err := c.dev.AllocateDescriptorSet(p.native, layout)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: new pool of %d sets: %w", ErrPoolExhausted, p.maxSets, err)
	}
	p.live++
	return set, p, nil
}

// addPool creates the next pool of the chain and inserts it at the front.
func (c *Chain) addPool() (*Pool, error) {
	next := c.initial
	if c.maxSets > 0 {
		next = c.maxSets*2 + 1
	}
	native, err := c.dev.CreateDescriptorPool(&driver.DescriptorPoolDescriptor{
		MaxSets: next,
		Sizes:   c.id.PoolSizes(next),
	})
	if err != nil {
		return nil, fmt.Errorf("descpool: create pool of %d sets: %w", next, err)
	}
	c.maxSets = next
	p := &Pool{native: native, maxSets: next}
	c.pools = slices.Insert(c.pools, 0, p)

	slogger().Debug("descpool: pool added",
		"mask", c.id.Mask, "maxSets", next, "pools", len(c.pools))
	return p, nil
}

// Release frees a set previously returned by AllocateDescriptorSet.
func (c *Chain) Release(p *Pool, set driver.DescriptorSet) error {
	if p.live == 0 {
		return errors.New("descpool: release on empty pool")
	}
	p.live--
	if p.live == 0 {
		return c.dev.ResetDescriptorPool(p.native)
	}
	return c.dev.FreeDescriptorSet(p.native, set)
}

// Cleanup destroys idle pools. Pools with live sets are kept. Of the empty
// pools only the largest survives, and only while the chain still has
// pools in use. It returns the number of pools left.
func (c *Chain) Cleanup() int {
	var kept, empty []*Pool
	for _, p := range c.pools {
		if p.live > 0 {
			kept = append(kept, p)
		} else {
			empty = append(empty, p)
		}
	}
	slices.SortStableFunc(empty, func(a, b *Pool) int {
		return int(b.maxSets) - int(a.maxSets)
	})
	if len(empty) > 0 && len(kept) > 0 {
		kept = append(kept, empty[0])
		empty = empty[1:]
	}
	for _, p := range empty {
		c.dev.DestroyDescriptorPool(p.native)
	}
	if len(empty) > 0 {
		slogger().Debug("descpool: pools destroyed",
			"mask", c.id.Mask, "destroyed", len(empty), "remaining", len(kept))
	}
	c.pools = kept
	return len(kept)
}

// Destroy destroys every pool regardless of live sets.
func (c *Chain) Destroy() {
	for _, p := range c.pools {
		c.dev.DestroyDescriptorPool(p.native)
	}
	c.pools = nil
}
