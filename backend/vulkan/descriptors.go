//go:build cgo

package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gfx/driver"
)

type setLayout struct {
	l        vk.DescriptorSetLayout
	bindings []driver.DescriptorBinding
}

func (l *setLayout) NativeHandle() uintptr { return native(unsafe.Pointer(l.l)) }

func asSetLayout(l driver.DescriptorSetLayout) (*setLayout, error) {
	sl, ok := l.(*setLayout)
	if !ok || sl == nil {
		return nil, fmt.Errorf("%w: descriptor set layout", driver.ErrInvalidHandle)
	}
	return sl, nil
}

// layoutBindings converts descriptor bindings. A zero count means one
// descriptor.
func layoutBindings(bindings []driver.DescriptorBinding) []vk.DescriptorSetLayoutBinding {
	out := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		out[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  vk.DescriptorType(b.Type),
			DescriptorCount: max(b.Count, 1),
			StageFlags:      shaderStages(b.Stages),
		}
	}
	return out
}

// CreateDescriptorSetLayout creates a descriptor set layout.
func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.DescriptorSetLayout, error) {
	vb := layoutBindings(bindings)
	var l vk.DescriptorSetLayout
	ret := vk.CreateDescriptorSetLayout(d.dev, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vb)), //nolint:gosec // G115: slice length
		PBindings:    vb,
	}, nil, &l)
	if err := check("create descriptor set layout", ret); err != nil {
		return nil, err
	}
	return &setLayout{l: l, bindings: append([]driver.DescriptorBinding(nil), bindings...)}, nil
}

// DestroyDescriptorSetLayout destroys the layout.
func (d *Device) DestroyDescriptorSetLayout(l driver.DescriptorSetLayout) {
	if sl, err := asSetLayout(l); err == nil {
		vk.DestroyDescriptorSetLayout(d.dev, sl.l, nil)
	}
}

type descriptorPool struct{ p vk.DescriptorPool }

func (p *descriptorPool) NativeHandle() uintptr { return native(unsafe.Pointer(p.p)) }

type descriptorSet struct{ s vk.DescriptorSet }

func (s *descriptorSet) NativeHandle() uintptr { return native(unsafe.Pointer(s.s)) }

func asPool(p driver.DescriptorPool) (*descriptorPool, error) {
	dp, ok := p.(*descriptorPool)
	if !ok || dp == nil {
		return nil, fmt.Errorf("%w: descriptor pool", driver.ErrInvalidHandle)
	}
	return dp, nil
}

func asSet(s driver.DescriptorSet) (*descriptorSet, error) {
	set, ok := s.(*descriptorSet)
	if !ok || set == nil {
		return nil, fmt.Errorf("%w: descriptor set", driver.ErrInvalidHandle)
	}
	return set, nil
}

// CreateDescriptorPool creates a pool that allows freeing single sets.
func (d *Device) CreateDescriptorPool(desc *driver.DescriptorPoolDescriptor) (driver.DescriptorPool, error) {
	sizes := make([]vk.DescriptorPoolSize, 0, len(desc.Sizes))
	for _, s := range desc.Sizes {
		if s.Count == 0 {
			continue
		}
		sizes = append(sizes, vk.DescriptorPoolSize{Type: vk.DescriptorType(s.Type), DescriptorCount: s.Count})
	}
	var p vk.DescriptorPool
	ret := vk.CreateDescriptorPool(d.dev, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       desc.MaxSets,
		PoolSizeCount: uint32(len(sizes)), //nolint:gosec // G115: slice length
		PPoolSizes:    sizes,
	}, nil, &p)
	if err := check("create descriptor pool", ret); err != nil {
		return nil, err
	}
	return &descriptorPool{p: p}, nil
}

// DestroyDescriptorPool destroys the pool and every set in it.
func (d *Device) DestroyDescriptorPool(p driver.DescriptorPool) {
	if dp, err := asPool(p); err == nil {
		vk.DestroyDescriptorPool(d.dev, dp.p, nil)
	}
}

// ResetDescriptorPool returns every set to the pool.
func (d *Device) ResetDescriptorPool(p driver.DescriptorPool) error {
	dp, err := asPool(p)
	if err != nil {
		return err
	}
	return check("reset descriptor pool", vk.ResetDescriptorPool(d.dev, dp.p, 0))
}

// AllocateDescriptorSet allocates one set. Exhausted or fragmented pools
// report driver.ErrOutOfPoolMemory.
func (d *Device) AllocateDescriptorSet(p driver.DescriptorPool, l driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	dp, err := asPool(p)
	if err != nil {
		return nil, err
	}
	sl, err := asSetLayout(l)
	if err != nil {
		return nil, err
	}
	var s vk.DescriptorSet
	ret := vk.AllocateDescriptorSets(d.dev, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     dp.p,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{sl.l},
	}, &s)
	if ret == vk.ErrorOutOfDeviceMemory || ret == vk.ErrorOutOfHostMemory {
		// Vulkan 1.0 drivers report pool exhaustion as out of memory.
		return nil, fmt.Errorf("vulkan: allocate descriptor set: %w", driver.ErrOutOfPoolMemory)
	}
	if err := check("allocate descriptor set", ret); err != nil {
		return nil, err
	}
	return &descriptorSet{s: s}, nil
}

// FreeDescriptorSet returns a set to its pool.
func (d *Device) FreeDescriptorSet(p driver.DescriptorPool, s driver.DescriptorSet) error {
	dp, err := asPool(p)
	if err != nil {
		return err
	}
	set, err := asSet(s)
	if err != nil {
		return err
	}
	return check("free descriptor set", vk.FreeDescriptorSets(d.dev, dp.p, 1, &set.s))
}

// UpdateDescriptorSet writes buffer, image and sampler descriptors.
func (d *Device) UpdateDescriptorSet(s driver.DescriptorSet, writes []driver.DescriptorWrite) error {
	set, err := asSet(s)
	if err != nil {
		return err
	}
	out := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		vw := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set.s,
			DstBinding:      w.Binding,
			DstArrayElement: w.ArrayElement,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorType(w.Type),
		}
		switch {
		case w.Type == driver.DescriptorUniformTexelBuffer || w.Type == driver.DescriptorStorageTexelBuffer:
			return fmt.Errorf("%w: texel buffer descriptors", driver.ErrUnsupported)
		case w.Type.IsBuffer():
			buf, err := asBuffer(w.Buffer)
			if err != nil {
				return err
			}
			rng := vk.DeviceSize(w.Range)
			if w.Range == 0 {
				rng = vk.DeviceSize(vk.WholeSize)
			}
			vw.PBufferInfo = []vk.DescriptorBufferInfo{{Buffer: buf.buf, Offset: vk.DeviceSize(w.Offset), Range: rng}}
		default:
			ii, err := d.imageInfo(w)
			if err != nil {
				return err
			}
			vw.PImageInfo = []vk.DescriptorImageInfo{ii}
		}
		out = append(out, vw)
	}
	if len(out) > 0 {
		vk.UpdateDescriptorSets(d.dev, uint32(len(out)), out, 0, nil) //nolint:gosec // G115: slice length
	}
	return nil
}

func (d *Device) imageInfo(w driver.DescriptorWrite) (vk.DescriptorImageInfo, error) {
	var ii vk.DescriptorImageInfo
	if w.Type == driver.DescriptorSampler || w.Type == driver.DescriptorCombinedImageSampler {
		smp, ok := w.Sampler.(*sampler)
		if !ok || smp == nil {
			return ii, fmt.Errorf("%w: sampler", driver.ErrInvalidHandle)
		}
		ii.Sampler = smp.s
	}
	if w.Type.IsImage() {
		img, err := asImage(w.Image)
		if err != nil {
			return ii, err
		}
		v, err := d.wholeView(img)
		if err != nil {
			return ii, err
		}
		ii.ImageView = v
		ii.ImageLayout = imageLayout(w.ImageLayout)
	}
	return ii, nil
}
