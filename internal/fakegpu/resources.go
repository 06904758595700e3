package fakegpu

import (
	"fmt"
	"time"

	"github.com/gogpu/gfx/driver"
)

// Memory is fake device memory backed by a byte slice.
type Memory struct {
	object
	data        []byte
	hostVisible bool
	mapped      bool
}

// Size implements driver.Memory.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// HostVisible implements driver.Memory.
func (m *Memory) HostVisible() bool { return m.hostVisible }

// Bytes returns the backing store regardless of mapping.
func (m *Memory) Bytes() []byte { return m.data }

// Buffer is a fake driver.Buffer.
type Buffer struct {
	object
	Desc      driver.BufferDescriptor
	mem       *Memory
	destroyed bool
}

// Size implements driver.Buffer.
func (b *Buffer) Size() uint64 { return b.Desc.Size }

// Memory returns the buffer's backing memory.
func (b *Buffer) Memory() *Memory { return b.mem }

// Image is a fake driver.Image.
type Image struct {
	object
	Desc      driver.ImageDescriptor
	destroyed bool
}

// Sampler is a fake driver.Sampler.
type Sampler struct {
	object
	Desc driver.SamplerDescriptor
}

// DescriptorSetLayout is a fake driver.DescriptorSetLayout.
type DescriptorSetLayout struct {
	object
	Bindings []driver.DescriptorBinding
}

// DescriptorPool is a fake driver.DescriptorPool that enforces MaxSets.
type DescriptorPool struct {
	object
	Desc driver.DescriptorPoolDescriptor
	live map[*DescriptorSet]struct{}
}

// DescriptorSet is a fake driver.DescriptorSet remembering its writes.
type DescriptorSet struct {
	object
	Pool   *DescriptorPool
	Layout *DescriptorSetLayout
	Writes map[uint32]driver.DescriptorWrite
}

// RenderTarget is a fake driver.RenderTarget.
type RenderTarget struct {
	object
	Desc driver.RenderTargetDescriptor
}

// Width implements driver.RenderTarget.
func (rt *RenderTarget) Width() uint32 { return rt.Desc.Width }

// Height implements driver.RenderTarget.
func (rt *RenderTarget) Height() uint32 { return rt.Desc.Height }

// Pipeline is a fake driver.Pipeline.
type Pipeline struct {
	object
	Point driver.BindPoint
	Label string
}

// BindPoint implements driver.Pipeline.
func (p *Pipeline) BindPoint() driver.BindPoint { return p.Point }

// Fence is a fake driver.Fence.
type Fence struct {
	object
	signaled bool
}

// Semaphore is a fake binary or timeline semaphore.
type Semaphore struct {
	object
	timeline bool
	value    uint64
}

// ============================================================================
// Resources
// ============================================================================

// CreateBuffer implements driver.Device.
func (d *Device) CreateBuffer(desc *driver.BufferDescriptor) (driver.Buffer, driver.Memory, error) {
	if desc.Size == 0 {
		return nil, nil, fmt.Errorf("fakegpu: buffer %q has zero size", desc.Label)
	}
	mem := &Memory{object: d.newObject(), data: make([]byte, desc.Size), hostVisible: desc.HostVisible}
	return &Buffer{object: d.newObject(), Desc: *desc, mem: mem}, mem, nil
}

// DestroyBuffer implements driver.Device.
func (d *Device) DestroyBuffer(b driver.Buffer) {
	d.mu.Lock()
	b.(*Buffer).destroyed = true
	d.mu.Unlock()
}

// CreateImage implements driver.Device.
func (d *Device) CreateImage(desc *driver.ImageDescriptor) (driver.Image, driver.Memory, error) {
	fi, ok := driver.LookupFormat(desc.Format)
	if !ok {
		return nil, nil, fmt.Errorf("fakegpu: unsupported format %v", desc.Format)
	}
	layers := max(desc.ArrayLayers, 1)
	size := fi.ImageBytes(desc.Width, desc.Height) * uint64(layers) * uint64(max(desc.Depth, 1))
	mem := &Memory{object: d.newObject(), data: make([]byte, size)}
	return &Image{object: d.newObject(), Desc: *desc}, mem, nil
}

// DestroyImage implements driver.Device.
func (d *Device) DestroyImage(img driver.Image) {
	d.mu.Lock()
	img.(*Image).destroyed = true
	d.mu.Unlock()
}

// CreateSampler implements driver.Device.
func (d *Device) CreateSampler(desc *driver.SamplerDescriptor) (driver.Sampler, error) {
	return &Sampler{object: d.newObject(), Desc: *desc}, nil
}

// DestroySampler implements driver.Device.
func (d *Device) DestroySampler(driver.Sampler) {}

// MapMemory implements driver.Device.
func (d *Device) MapMemory(m driver.Memory, offset, size uint64) ([]byte, error) {
	fm, ok := m.(*Memory)
	if !ok {
		return nil, driver.ErrInvalidHandle
	}
	if !fm.hostVisible {
		return nil, fmt.Errorf("fakegpu: memory %d is not host visible", fm.id)
	}
	if offset+size > uint64(len(fm.data)) {
		return nil, fmt.Errorf("fakegpu: map range %d+%d exceeds %d", offset, size, len(fm.data))
	}
	d.mu.Lock()
	fm.mapped = true
	d.mu.Unlock()
	return fm.data[offset : offset+size], nil
}

// UnmapMemory implements driver.Device.
func (d *Device) UnmapMemory(m driver.Memory) {
	d.mu.Lock()
	m.(*Memory).mapped = false
	d.mu.Unlock()
}

// Mapped reports whether m is currently mapped.
func (d *Device) Mapped(m driver.Memory) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return m.(*Memory).mapped
}

// ============================================================================
// Descriptors
// ============================================================================

// CreateDescriptorSetLayout implements driver.Device.
func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorBinding) (driver.DescriptorSetLayout, error) {
	return &DescriptorSetLayout{object: d.newObject(), Bindings: append([]driver.DescriptorBinding(nil), bindings...)}, nil
}

// DestroyDescriptorSetLayout implements driver.Device.
func (d *Device) DestroyDescriptorSetLayout(driver.DescriptorSetLayout) {}

// CreateDescriptorPool implements driver.Device.
func (d *Device) CreateDescriptorPool(desc *driver.DescriptorPoolDescriptor) (driver.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.descPoolErr != nil {
		return nil, d.descPoolErr
	}
	d.poolMaxSets = append(d.poolMaxSets, desc.MaxSets)
	d.livePools++
	return &DescriptorPool{
		object: d.newObject(),
		Desc:   *desc,
		live:   make(map[*DescriptorSet]struct{}),
	}, nil
}

// DestroyDescriptorPool implements driver.Device.
func (d *Device) DestroyDescriptorPool(driver.DescriptorPool) {
	d.mu.Lock()
	d.livePools--
	d.mu.Unlock()
}

// ResetDescriptorPool implements driver.Device.
func (d *Device) ResetDescriptorPool(p driver.DescriptorPool) error {
	d.mu.Lock()
	clear(p.(*DescriptorPool).live)
	d.mu.Unlock()
	return nil
}

// AllocateDescriptorSet implements driver.Device.
func (d *Device) AllocateDescriptorSet(p driver.DescriptorPool, l driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	fp, ok := p.(*DescriptorPool)
	if !ok {
		return nil, driver.ErrInvalidHandle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint32(len(fp.live)) >= fp.Desc.MaxSets {
		return nil, driver.ErrOutOfPoolMemory
	}
	set := &DescriptorSet{
		object: d.newObject(),
		Pool:   fp,
		Writes: make(map[uint32]driver.DescriptorWrite),
	}
	set.Layout, _ = l.(*DescriptorSetLayout)
	fp.live[set] = struct{}{}
	return set, nil
}

// FreeDescriptorSet implements driver.Device.
func (d *Device) FreeDescriptorSet(p driver.DescriptorPool, s driver.DescriptorSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(p.(*DescriptorPool).live, s.(*DescriptorSet))
	return nil
}

// UpdateDescriptorSet implements driver.Device.
func (d *Device) UpdateDescriptorSet(s driver.DescriptorSet, writes []driver.DescriptorWrite) error {
	fs, ok := s.(*DescriptorSet)
	if !ok {
		return driver.ErrInvalidHandle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range writes {
		fs.Writes[w.Binding] = w
	}
	return nil
}

// LiveSets returns the number of sets allocated from p.
func (d *Device) LiveSets(p driver.DescriptorPool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(p.(*DescriptorPool).live)
}

// ============================================================================
// Render targets and pipelines
// ============================================================================

// CreateRenderTarget implements driver.Device.
func (d *Device) CreateRenderTarget(desc *driver.RenderTargetDescriptor) (driver.RenderTarget, error) {
	d.mu.Lock()
	d.renderTargets++
	d.mu.Unlock()
	return &RenderTarget{object: d.newObject(), Desc: *desc}, nil
}

// DestroyRenderTarget implements driver.Device.
func (d *Device) DestroyRenderTarget(driver.RenderTarget) {
	d.mu.Lock()
	d.renderTargets--
	d.mu.Unlock()
}

// CreateComputePipeline implements driver.Device.
func (d *Device) CreateComputePipeline(desc *driver.ComputePipelineDescriptor) (driver.Pipeline, error) {
	if len(desc.SPIRV) == 0 {
		return nil, fmt.Errorf("fakegpu: pipeline %q has no code", desc.Label)
	}
	return &Pipeline{object: d.newObject(), Point: driver.BindPointCompute, Label: desc.Label}, nil
}

// NewRenderPipeline returns a graphics pipeline handle for tests.
func (d *Device) NewRenderPipeline(label string) *Pipeline {
	return &Pipeline{object: d.newObject(), Point: driver.BindPointGraphics, Label: label}
}

// DestroyPipeline implements driver.Device.
func (d *Device) DestroyPipeline(driver.Pipeline) {}

// ============================================================================
// Synchronization
// ============================================================================

// CreateFence implements driver.Device.
func (d *Device) CreateFence() (driver.Fence, error) {
	return &Fence{object: d.newObject()}, nil
}

// DestroyFence implements driver.Device.
func (d *Device) DestroyFence(driver.Fence) {}

// ResetFence implements driver.Device.
func (d *Device) ResetFence(f driver.Fence) error {
	d.mu.Lock()
	f.(*Fence).signaled = false
	d.mu.Unlock()
	return nil
}

// FenceStatus implements driver.Device.
func (d *Device) FenceStatus(f driver.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return f.(*Fence).signaled, nil
}

// WaitForFences implements driver.Device.
func (d *Device) WaitForFences(fences []driver.Fence, waitAll bool, timeout time.Duration) (bool, error) {
	return d.waitFor(timeout, func() bool {
		for _, f := range fences {
			s := f.(*Fence).signaled
			if waitAll && !s {
				return false
			}
			if !waitAll && s {
				return true
			}
		}
		return waitAll
	}), nil
}

// CreateSemaphore implements driver.Device.
func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	return &Semaphore{object: d.newObject()}, nil
}

// CreateTimelineSemaphore implements driver.Device.
func (d *Device) CreateTimelineSemaphore(initial uint64) (driver.Semaphore, error) {
	if !d.Features().TimelineSemaphore {
		return nil, driver.ErrUnsupported
	}
	return &Semaphore{object: d.newObject(), timeline: true, value: initial}, nil
}

// DestroySemaphore implements driver.Device.
func (d *Device) DestroySemaphore(driver.Semaphore) {}

// SemaphoreValue implements driver.Device.
func (d *Device) SemaphoreValue(s driver.Semaphore) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return s.(*Semaphore).value, nil
}

// WaitSemaphore implements driver.Device.
func (d *Device) WaitSemaphore(s driver.Semaphore, value uint64, timeout time.Duration) (bool, error) {
	fs := s.(*Semaphore)
	if !fs.timeline {
		return false, driver.ErrUnsupported
	}
	return d.waitFor(timeout, func() bool { return fs.value >= value }), nil
}

// SignalSemaphore implements driver.Device.
func (d *Device) SignalSemaphore(s driver.Semaphore, value uint64) error {
	fs := s.(*Semaphore)
	if !fs.timeline {
		return driver.ErrUnsupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if value > fs.value {
		fs.value = value
	}
	d.broadcast()
	return nil
}
