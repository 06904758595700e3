package gfx

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gfx/internal/descpool"
)

// ShaderBindingSetLayout is a descriptor set layout and the pool key derived
// from its bindings.
type ShaderBindingSetLayout struct {
	native   driver.DescriptorSetLayout
	bindings []driver.DescriptorBinding
	id       descpool.PoolID
}

// Native returns the driver layout.
func (l *ShaderBindingSetLayout) Native() driver.DescriptorSetLayout { return l.native }

// Bindings returns a copy of the layout bindings.
func (l *ShaderBindingSetLayout) Bindings() []driver.DescriptorBinding {
	return slices.Clone(l.bindings)
}

func (l *ShaderBindingSetLayout) binding(index uint32) (driver.DescriptorBinding, bool) {
	for _, b := range l.bindings {
		if b.Binding == index {
			return b, true
		}
	}
	return driver.DescriptorBinding{}, false
}

// DescriptorSet is a reference-counted descriptor set allocated from the
// device descriptor pool table. The set returns to its pool when the last
// reference is released.
type DescriptorSet struct {
	table  *descpool.Table
	layout *ShaderBindingSetLayout
	alloc  descpool.Allocation
	refs   atomic.Int32
}

// Native returns the driver set.
func (s *DescriptorSet) Native() driver.DescriptorSet { return s.alloc.Set }

// Layout returns the layout the set was allocated with.
func (s *DescriptorSet) Layout() *ShaderBindingSetLayout { return s.layout }

func (s *DescriptorSet) retain() { s.refs.Add(1) }

// Release drops one reference.
func (s *DescriptorSet) Release() {
	switch n := s.refs.Add(-1); {
	case n == 0:
		if err := s.table.Release(s.alloc); err != nil {
			slogger().Warn("gfx: release descriptor set", "err", err)
		}
	case n < 0:
		slogger().Error("gfx: descriptor set released too often")
	}
}

// imageBinding is an image bound to a set. layout is the layout its
// descriptor type needs; written is the layout the descriptor holds.
type imageBinding struct {
	image   *ImageResource
	layout  driver.ImageLayout
	written driver.ImageLayout
	typ     driver.DescriptorType
	sampler *Sampler
}

// ShaderBindingSet binds buffers, textures and samplers to the slots of a
// layout. Encoders retain the set until the GPU is done with it, so a set
// may be released right after it was handed to an encoder.
type ShaderBindingSet struct {
	*DescriptorSet
	dev driver.Device

	mu       sync.Mutex
	buffers  map[uint32]*Buffer
	images   map[uint32]imageBinding
	samplers map[uint32]*Sampler
}

// requiredLayout returns the layout a shader expects for an image
// descriptor type.
func requiredLayout(t driver.DescriptorType) driver.ImageLayout {
	if t == driver.DescriptorStorageImage {
		return driver.LayoutGeneral
	}
	return driver.LayoutShaderReadOnly
}

// SetBuffer binds size bytes of buf at offset. A size of WholeSize binds
// the rest of the buffer.
func (s *ShaderBindingSet) SetBuffer(binding uint32, buf *Buffer, offset, size uint64) error {
	b, ok := s.layout.binding(binding)
	if !ok || !b.Type.IsBuffer() {
		return fmt.Errorf("%w: binding %d is not a buffer binding", ErrInvalidRegion, binding)
	}
	if buf == nil || offset > buf.size {
		return fmt.Errorf("%w: buffer binding %d", ErrInvalidRegion, binding)
	}
	if size == WholeSize {
		size = buf.size - offset
	}
	if size > buf.size-offset {
		return fmt.Errorf("%w: binding %d range %d+%d exceeds %d", ErrCopyRangeOutOfBounds, binding, offset, size, buf.size)
	}
	err := s.dev.UpdateDescriptorSet(s.alloc.Set, []driver.DescriptorWrite{{
		Binding: binding,
		Type:    b.Type,
		Buffer:  buf.native,
		Offset:  offset,
		Range:   size,
	}})
	if err != nil {
		return fmt.Errorf("gfx: update descriptor set: %w", err)
	}
	s.mu.Lock()
	s.buffers[binding] = buf
	s.mu.Unlock()
	return nil
}

// SetTexture binds an image. Storage images are accessed in the General
// layout, every other image kind in ShaderReadOnly. For combined
// image-samplers, the sampler set by SetSampler on the same binding is kept.
func (s *ShaderBindingSet) SetTexture(binding uint32, img *ImageResource) error {
	b, ok := s.layout.binding(binding)
	if !ok || !b.Type.IsImage() {
		return fmt.Errorf("%w: binding %d is not an image binding", ErrInvalidRegion, binding)
	}
	if img == nil {
		return fmt.Errorf("%w: nil image for binding %d", ErrInvalidRegion, binding)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	layout := requiredLayout(b.Type)
	ib := imageBinding{image: img, layout: layout, written: layout, typ: b.Type, sampler: s.samplers[binding]}
	if err := s.writeImage(binding, ib); err != nil {
		return err
	}
	s.images[binding] = ib
	return nil
}

// SetSampler binds a sampler to a sampler or combined image-sampler slot.
func (s *ShaderBindingSet) SetSampler(binding uint32, smp *Sampler) error {
	b, ok := s.layout.binding(binding)
	if !ok || (b.Type != driver.DescriptorSampler && b.Type != driver.DescriptorCombinedImageSampler) {
		return fmt.Errorf("%w: binding %d is not a sampler binding", ErrInvalidRegion, binding)
	}
	if smp == nil {
		return fmt.Errorf("%w: nil sampler for binding %d", ErrInvalidRegion, binding)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samplers[binding] = smp
	if ib, ok := s.images[binding]; ok {
		ib.sampler = smp
		s.images[binding] = ib
		return s.writeImage(binding, ib)
	}
	err := s.dev.UpdateDescriptorSet(s.alloc.Set, []driver.DescriptorWrite{{
		Binding: binding,
		Type:    b.Type,
		Sampler: smp.native,
	}})
	if err != nil {
		return fmt.Errorf("gfx: update descriptor set: %w", err)
	}
	return nil
}

// writeImage writes an image descriptor. Called with s.mu held.
func (s *ShaderBindingSet) writeImage(binding uint32, ib imageBinding) error {
	w := driver.DescriptorWrite{
		Binding:     binding,
		Type:        ib.typ,
		Image:       ib.image.native,
		ImageLayout: ib.written,
	}
	if ib.sampler != nil {
		w.Sampler = ib.sampler.native
	}
	if err := s.dev.UpdateDescriptorSet(s.alloc.Set, []driver.DescriptorWrite{w}); err != nil {
		return fmt.Errorf("gfx: update descriptor set: %w", err)
	}
	return nil
}

// boundImages returns the image bindings in binding order.
func (s *ShaderBindingSet) boundImages() []imageBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]uint32, 0, len(s.images))
	for k := range s.images {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]imageBinding, len(keys))
	for i, k := range keys {
		out[i] = s.images[k]
	}
	return out
}

// mergeLayout records that img is needed in layout. An image needed in two
// different layouts resolves to General.
func mergeLayout(layouts map[*ImageResource]driver.ImageLayout, img *ImageResource, layout driver.ImageLayout) {
	if cur, ok := layouts[img]; ok && cur != layout {
		layouts[img] = driver.LayoutGeneral
		return
	}
	layouts[img] = layout
}

// updateImageLayouts rewrites image descriptors whose layout differs from
// the resolved one.
func (s *ShaderBindingSet) updateImageLayouts(layouts map[*ImageResource]driver.ImageLayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for binding, ib := range s.images {
		want, ok := layouts[ib.image]
		if !ok || want == ib.written {
			continue
		}
		ib.written = want
		if err := s.writeImage(binding, ib); err != nil {
			return err
		}
		s.images[binding] = ib
	}
	return nil
}

// Sampler is a texture sampler.
type Sampler struct {
	dev    driver.Device
	native driver.Sampler
}

// Native returns the driver sampler.
func (s *Sampler) Native() driver.Sampler { return s.native }

// Destroy releases the sampler.
func (s *Sampler) Destroy() {
	if s.native != nil {
		s.dev.DestroySampler(s.native)
		s.native = nil
	}
}
