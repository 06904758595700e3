package halgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfx/driver"
)

type setLayout struct {
	handle
	hal      hal.BindGroupLayout
	bindings []driver.DescriptorBinding
}

func asSetLayout(l driver.DescriptorSetLayout) (*setLayout, error) {
	sl, ok := l.(*setLayout)
	if !ok || sl == nil {
		return nil, fmt.Errorf("%w: descriptor set layout", driver.ErrInvalidHandle)
	}
	return sl, nil
}

// layoutEntry maps a descriptor binding onto a bind group layout entry.
func layoutEntry(b driver.DescriptorBinding) (gputypes.BindGroupLayoutEntry, error) {
	e := gputypes.BindGroupLayoutEntry{Binding: b.Binding, Visibility: b.Stages}
	if b.Count > 1 {
		return e, fmt.Errorf("%w: binding %d is an array of %d", driver.ErrUnsupported, b.Binding, b.Count)
	}
	switch b.Type {
	case driver.DescriptorUniformBuffer, driver.DescriptorUniformBufferDynamic:
		e.Buffer = &gputypes.BufferBindingLayout{
			Type:             gputypes.BufferBindingTypeUniform,
			HasDynamicOffset: b.Type == driver.DescriptorUniformBufferDynamic,
		}
	case driver.DescriptorStorageBuffer, driver.DescriptorStorageBufferDynamic:
		e.Buffer = &gputypes.BufferBindingLayout{
			Type:             gputypes.BufferBindingTypeStorage,
			HasDynamicOffset: b.Type == driver.DescriptorStorageBufferDynamic,
		}
	case driver.DescriptorSampler:
		e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	case driver.DescriptorSampledImage:
		e.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case driver.DescriptorStorageImage:
		// Storage images are declared RGBA8; the HAL needs a format up front.
		e.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        gputypes.StorageTextureAccessReadWrite,
			Format:        gputypes.TextureFormatRGBA8Unorm,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	default:
		return e, fmt.Errorf("%w: descriptor type %d", driver.ErrUnsupported, b.Type)
	}
	return e, nil
}

// CreateDescriptorSetLayout creates a bind group layout.
func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.DescriptorSetLayout, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		e, err := layoutEntry(b)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	l, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: "gfx", Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("halgpu: bind group layout: %w", err)
	}
	return &setLayout{handle: newHandle(), hal: l, bindings: append([]driver.DescriptorBinding(nil), bindings...)}, nil
}

// DestroyDescriptorSetLayout destroys the bind group layout.
func (d *Device) DestroyDescriptorSetLayout(l driver.DescriptorSetLayout) {
	if sl, ok := l.(*setLayout); ok {
		d.dev.DestroyBindGroupLayout(sl.hal)
	}
}

// descriptorPool only counts sets. Bind groups are allocated by the HAL
// when a set has been written completely.
type descriptorPool struct {
	handle
	maxSets uint32

	mu   sync.Mutex
	sets map[*descriptorSet]struct{}
}

type descriptorSet struct {
	handle
	layout *setLayout
	pool   *descriptorPool

	mu      sync.Mutex
	writes  map[uint32]driver.DescriptorWrite
	group   hal.BindGroup
	retired []hal.BindGroup
}

func asPool(p driver.DescriptorPool) (*descriptorPool, error) {
	dp, ok := p.(*descriptorPool)
	if !ok || dp == nil {
		return nil, fmt.Errorf("%w: descriptor pool", driver.ErrInvalidHandle)
	}
	return dp, nil
}

// CreateDescriptorPool creates a pool that holds up to MaxSets sets.
func (d *Device) CreateDescriptorPool(desc *driver.DescriptorPoolDescriptor) (driver.DescriptorPool, error) {
	return &descriptorPool{
		handle:  newHandle(),
		maxSets: desc.MaxSets,
		sets:    make(map[*descriptorSet]struct{}),
	}, nil
}

// DestroyDescriptorPool frees every set of the pool.
func (d *Device) DestroyDescriptorPool(p driver.DescriptorPool) {
	if err := d.ResetDescriptorPool(p); err != nil {
		slogger().Warn("halgpu: destroy descriptor pool", "err", err)
	}
}

// ResetDescriptorPool frees every set of the pool.
func (d *Device) ResetDescriptorPool(p driver.DescriptorPool) error {
	dp, err := asPool(p)
	if err != nil {
		return err
	}
	dp.mu.Lock()
	sets := dp.sets
	dp.sets = make(map[*descriptorSet]struct{})
	dp.mu.Unlock()
	for s := range sets {
		d.releaseGroups(s)
	}
	return nil
}

// AllocateDescriptorSet returns ErrOutOfPoolMemory once MaxSets sets are live.
func (d *Device) AllocateDescriptorSet(p driver.DescriptorPool, l driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	dp, err := asPool(p)
	if err != nil {
		return nil, err
	}
	sl, err := asSetLayout(l)
	if err != nil {
		return nil, err
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if uint32(len(dp.sets)) >= dp.maxSets { //nolint:gosec // G115: bounded by maxSets
		return nil, driver.ErrOutOfPoolMemory
	}
	s := &descriptorSet{
		handle: newHandle(),
		layout: sl,
		pool:   dp,
		writes: make(map[uint32]driver.DescriptorWrite),
	}
	dp.sets[s] = struct{}{}
	return s, nil
}

// FreeDescriptorSet returns a set to its pool.
func (d *Device) FreeDescriptorSet(p driver.DescriptorPool, s driver.DescriptorSet) error {
	dp, err := asPool(p)
	if err != nil {
		return err
	}
	set, ok := s.(*descriptorSet)
	if !ok || set.pool != dp {
		return fmt.Errorf("%w: descriptor set of another pool", driver.ErrInvalidHandle)
	}
	dp.mu.Lock()
	delete(dp.sets, set)
	dp.mu.Unlock()
	d.releaseGroups(set)
	return nil
}

func (d *Device) releaseGroups(s *descriptorSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.retired {
		d.dev.DestroyBindGroup(g)
	}
	s.retired = nil
	if s.group != nil {
		d.dev.DestroyBindGroup(s.group)
		s.group = nil
	}
	clear(s.writes)
}

// UpdateDescriptorSet records the writes and rebuilds the bind group once
// every binding of the layout has been written. Replaced bind groups are
// destroyed when the set is freed.
func (d *Device) UpdateDescriptorSet(s driver.DescriptorSet, writes []driver.DescriptorWrite) error {
	set, ok := s.(*descriptorSet)
	if !ok {
		return fmt.Errorf("%w: descriptor set", driver.ErrInvalidHandle)
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, w := range writes {
		if w.ArrayElement != 0 {
			return fmt.Errorf("%w: array element %d of binding %d", driver.ErrUnsupported, w.ArrayElement, w.Binding)
		}
		set.writes[w.Binding] = w
	}
	if len(set.writes) < len(set.layout.bindings) {
		return nil
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(set.layout.bindings))
	for _, b := range set.layout.bindings {
		w, ok := set.writes[b.Binding]
		if !ok {
			return nil
		}
		res, err := d.bindingResource(w)
		if err != nil {
			return err
		}
		entries = append(entries, gputypes.BindGroupEntry{Binding: b.Binding, Resource: res})
	}
	g, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "gfx",
		Layout:  set.layout.hal,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("halgpu: bind group: %w", err)
	}
	if set.group != nil {
		set.retired = append(set.retired, set.group)
	}
	set.group = g
	return nil
}

func (d *Device) bindingResource(w driver.DescriptorWrite) (gputypes.BindingResource, error) {
	switch {
	case w.Type.IsBuffer():
		buf, err := asBuffer(w.Buffer)
		if err != nil {
			return nil, err
		}
		return gputypes.BufferBinding{Buffer: buf.hal.NativeHandle(), Offset: w.Offset, Size: w.Range}, nil
	case w.Type == driver.DescriptorSampler:
		smp, ok := w.Sampler.(*sampler)
		if !ok {
			return nil, fmt.Errorf("%w: sampler", driver.ErrInvalidHandle)
		}
		return gputypes.SamplerBinding{Sampler: smp.hal.NativeHandle()}, nil
	case w.Type.IsImage():
		img, err := asImage(w.Image)
		if err != nil {
			return nil, err
		}
		v, err := d.wholeView(img)
		if err != nil {
			return nil, err
		}
		return gputypes.TextureViewBinding{TextureView: v.NativeHandle()}, nil
	}
	return nil, fmt.Errorf("%w: descriptor type %d", driver.ErrUnsupported, w.Type)
}

// bindGroup returns the bind group of a completely written set.
func (s *descriptorSet) bindGroup() hal.BindGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}
