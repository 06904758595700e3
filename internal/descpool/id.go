// Package descpool allocates descriptor sets from growable chains of
// fixed-capacity descriptor pools.
//
// Every descriptor set layout maps to a PoolID, the multiset of descriptor
// types it consumes. Layouts with equal PoolIDs share one Chain. A Chain
// holds its pools most recently successful first and grows by creating a
// pool with twice the previous capacity plus one whenever all pools are
// exhausted. Table shards chains across independently locked buckets.
package descpool

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/gogpu/gfx/driver"
)

// typeCount is the number of descriptor kinds a PoolID distinguishes.
const typeCount = 12

// poolTypes lists the descriptor kinds in PoolID index order.
var poolTypes = [typeCount]driver.DescriptorType{
	driver.DescriptorSampler,
	driver.DescriptorCombinedImageSampler,
	driver.DescriptorSampledImage,
	driver.DescriptorStorageImage,
	driver.DescriptorUniformTexelBuffer,
	driver.DescriptorStorageTexelBuffer,
	driver.DescriptorUniformBuffer,
	driver.DescriptorStorageBuffer,
	driver.DescriptorUniformBufferDynamic,
	driver.DescriptorStorageBufferDynamic,
	driver.DescriptorInputAttachment,
	driver.DescriptorInlineUniformBlock,
}

// typeIndex returns the PoolID slot of t, or -1.
func typeIndex(t driver.DescriptorType) int {
	switch {
	case t <= driver.DescriptorInputAttachment:
		return int(t)
	case t == driver.DescriptorInlineUniformBlock:
		return typeCount - 1
	}
	return -1
}

// PoolID is the descriptor-type signature of a set layout. It is a
// comparable value and can be used as a map key.
type PoolID struct {
	// Mask has bit i set when TypeSize[i] is non-zero.
	Mask uint32
	// TypeSize holds the descriptor count per kind, in poolTypes order.
	TypeSize [typeCount]uint32
}

// NewPoolID computes the signature of a set of layout bindings. Bindings
// with a zero Count contribute one descriptor.
func NewPoolID(bindings []driver.DescriptorBinding) PoolID {
	var id PoolID
	for _, b := range bindings {
		i := typeIndex(b.Type)
		if i < 0 {
			continue
		}
		id.TypeSize[i] += max(b.Count, 1)
	}
	for i, n := range id.TypeSize {
		if n > 0 {
			id.Mask |= 1 << i
		}
	}
	return id
}

// Empty reports whether the signature holds no descriptors.
func (id PoolID) Empty() bool { return id.Mask == 0 }

// Compare orders PoolIDs by mask first, then by per-type counts. It returns
// -1, 0 or +1.
func (id PoolID) Compare(other PoolID) int {
	if id.Mask != other.Mask {
		if id.Mask < other.Mask {
			return -1
		}
		return 1
	}
	for i := range id.TypeSize {
		if id.TypeSize[i] != other.TypeSize[i] {
			if id.TypeSize[i] < other.TypeSize[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// PoolSizes returns the pool sizes for a pool holding maxSets sets of this
// signature.
func (id PoolID) PoolSizes(maxSets uint32) []driver.DescriptorPoolSize {
	sizes := make([]driver.DescriptorPoolSize, 0, typeCount)
	for i, n := range id.TypeSize {
		if n > 0 {
			sizes = append(sizes, driver.DescriptorPoolSize{Type: poolTypes[i], Count: n * maxSets})
		}
	}
	return sizes
}

// hash computes the FNV-1a hash of the signature for bucket selection.
func (id PoolID) hash() uint64 {
	var buf [4 * (typeCount + 1)]byte
	binary.LittleEndian.PutUint32(buf[:], id.Mask)
	for i, n := range id.TypeSize {
		binary.LittleEndian.PutUint32(buf[4*(i+1):], n)
	}
	h := fnv.New64a()
	_, _ = h.Write(buf[:]) // fnv.Write never returns an error
	return h.Sum64()
}
