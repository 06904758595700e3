package halgpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfx/driver"
)

type buffer struct {
	handle
	hal  hal.Buffer
	size uint64
	mem  *memory
}

// Size returns the buffer size in bytes.
func (b *buffer) Size() uint64 { return b.size }

// memory stands in for the allocation behind a buffer or image. The HAL
// allocates memory together with the resource.
type memory struct {
	handle
	buf  *buffer
	size uint64
	host bool
}

func (m *memory) Size() uint64      { return m.size }
func (m *memory) HostVisible() bool { return m.host }

// viewKey selects a cached texture view.
type viewKey struct {
	layer, layers uint32
	level, levels uint32
	aspect        gputypes.TextureAspect
}

type image struct {
	handle
	hal  hal.Texture
	desc driver.ImageDescriptor

	mu    sync.Mutex
	views map[viewKey]hal.TextureView
}

func asBuffer(b driver.Buffer) (*buffer, error) {
	buf, ok := b.(*buffer)
	if !ok || buf == nil {
		return nil, fmt.Errorf("%w: buffer", driver.ErrInvalidHandle)
	}
	return buf, nil
}

func asImage(i driver.Image) (*image, error) {
	img, ok := i.(*image)
	if !ok || img == nil {
		return nil, fmt.Errorf("%w: image", driver.ErrInvalidHandle)
	}
	return img, nil
}

// CreateBuffer creates a HAL buffer. Host-visible buffers get map usage.
func (d *Device) CreateBuffer(desc *driver.BufferDescriptor) (driver.Buffer, driver.Memory, error) {
	usage := desc.Usage
	if desc.HostVisible {
		usage |= gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite
	}
	hb, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("halgpu: create buffer %q: %w", desc.Label, err)
	}
	b := &buffer{handle: newHandle(), hal: hb, size: desc.Size}
	b.mem = &memory{handle: newHandle(), buf: b, size: desc.Size, host: desc.HostVisible}
	return b, b.mem, nil
}

// DestroyBuffer destroys the HAL buffer.
func (d *Device) DestroyBuffer(b driver.Buffer) {
	buf, err := asBuffer(b)
	if err != nil {
		slogger().Warn("halgpu: destroy buffer", "err", err)
		return
	}
	d.dev.DestroyBuffer(buf.hal)
}

// MapMemory maps a range of a host-visible buffer.
func (d *Device) MapMemory(m driver.Memory, offset, size uint64) ([]byte, error) {
	mem, ok := m.(*memory)
	if !ok {
		return nil, fmt.Errorf("%w: memory", driver.ErrInvalidHandle)
	}
	if !mem.host || mem.buf == nil {
		return nil, fmt.Errorf("%w: memory is not host visible", driver.ErrUnsupported)
	}
	if offset > mem.size || size > mem.size-offset {
		return nil, fmt.Errorf("halgpu: map [%d, +%d) of %d bytes: %w", offset, size, mem.size, hal.ErrInvalidMapRange)
	}
	mapping, err := d.dev.MapBuffer(mem.buf.hal, offset, size)
	if err != nil {
		return nil, fmt.Errorf("halgpu: map buffer: %w", err)
	}
	if size == 0 {
		return []byte{}, nil
	}
	return unsafe.Slice((*byte)(mapping.Ptr), size), nil
}

// UnmapMemory unmaps a host-visible buffer.
func (d *Device) UnmapMemory(m driver.Memory) {
	mem, ok := m.(*memory)
	if !ok || mem.buf == nil {
		return
	}
	if err := d.dev.UnmapBuffer(mem.buf.hal); err != nil {
		slogger().Warn("halgpu: unmap buffer", "err", err)
	}
}

// CreateImage creates a HAL texture. 3D images use Depth; 2D arrays use
// ArrayLayers.
func (d *Device) CreateImage(desc *driver.ImageDescriptor) (driver.Image, driver.Memory, error) {
	dd := *desc
	dd.Depth = max(dd.Depth, 1)
	dd.MipLevels = max(dd.MipLevels, 1)
	dd.ArrayLayers = max(dd.ArrayLayers, 1)
	dd.Samples = max(dd.Samples, 1)

	dim := gputypes.TextureDimension2D
	depthOrLayers := dd.ArrayLayers
	if dd.Depth > 1 {
		dim = gputypes.TextureDimension3D
		depthOrLayers = dd.Depth
	}
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label:         dd.Label,
		Size:          hal.Extent3D{Width: dd.Width, Height: dd.Height, DepthOrArrayLayers: depthOrLayers},
		MipLevelCount: dd.MipLevels,
		SampleCount:   dd.Samples,
		Dimension:     dim,
		Format:        dd.Format,
		Usage:         dd.Usage,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("halgpu: create texture %q: %w", dd.Label, err)
	}

	var size uint64
	if fi, ok := driver.LookupFormat(dd.Format); ok {
		for l := range dd.MipLevels {
			size += fi.ImageBytes(max(dd.Width>>l, 1), max(dd.Height>>l, 1)) * uint64(depthOrLayers)
		}
	}
	img := &image{handle: newHandle(), hal: tex, desc: dd, views: make(map[viewKey]hal.TextureView)}
	return img, &memory{handle: newHandle(), size: size}, nil
}

// DestroyImage destroys every cached view and the texture.
func (d *Device) DestroyImage(i driver.Image) {
	img, err := asImage(i)
	if err != nil {
		slogger().Warn("halgpu: destroy image", "err", err)
		return
	}
	img.mu.Lock()
	for k, v := range img.views {
		d.dev.DestroyTextureView(v)
		delete(img.views, k)
	}
	img.mu.Unlock()
	d.dev.DestroyTexture(img.hal)
}

func textureAspect(a driver.ImageAspect) gputypes.TextureAspect {
	switch a {
	case driver.AspectDepth:
		return gputypes.TextureAspectDepthOnly
	case driver.AspectStencil:
		return gputypes.TextureAspectStencilOnly
	default:
		return gputypes.TextureAspectAll
	}
}

// view returns a cached view of the given subresource range.
func (d *Device) view(img *image, k viewKey) (hal.TextureView, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if v, ok := img.views[k]; ok {
		return v, nil
	}

	dim := gputypes.TextureViewDimension2D
	switch {
	case img.desc.Depth > 1:
		dim = gputypes.TextureViewDimension3D
	case k.layers > 1:
		dim = gputypes.TextureViewDimension2DArray
	}
	v, err := d.dev.CreateTextureView(img.hal, &hal.TextureViewDescriptor{
		Label:           img.desc.Label,
		Format:          img.desc.Format,
		Dimension:       dim,
		Aspect:          k.aspect,
		BaseMipLevel:    k.level,
		MipLevelCount:   k.levels,
		BaseArrayLayer:  k.layer,
		ArrayLayerCount: k.layers,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: view of %q: %w", img.desc.Label, err)
	}
	img.views[k] = v
	return v, nil
}

// wholeView returns a view over every layer and level.
func (d *Device) wholeView(img *image) (hal.TextureView, error) {
	layers := img.desc.ArrayLayers
	if img.desc.Depth > 1 {
		layers = 1
	}
	return d.view(img, viewKey{
		layers: layers,
		levels: img.desc.MipLevels,
		aspect: gputypes.TextureAspectAll,
	})
}

type sampler struct {
	handle
	hal hal.Sampler
}

// CreateSampler creates a HAL sampler with one address mode for all axes.
func (d *Device) CreateSampler(desc *driver.SamplerDescriptor) (driver.Sampler, error) {
	s, err := d.dev.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: desc.AddressMode,
		AddressModeV: desc.AddressMode,
		AddressModeW: desc.AddressMode,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MinFilter,
		LodMaxClamp:  32,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create sampler %q: %w", desc.Label, err)
	}
	return &sampler{handle: newHandle(), hal: s}, nil
}

// DestroySampler destroys the HAL sampler.
func (d *Device) DestroySampler(s driver.Sampler) {
	if smp, ok := s.(*sampler); ok {
		d.dev.DestroySampler(smp.hal)
	}
}

type boundAttachment struct {
	view hal.TextureView
	att  driver.Attachment
}

type renderTarget struct {
	handle
	desc  driver.RenderTargetDescriptor
	color []boundAttachment
	depth *boundAttachment
}

func (rt *renderTarget) Width() uint32  { return rt.desc.Width }
func (rt *renderTarget) Height() uint32 { return rt.desc.Height }

func (d *Device) attachmentView(a *driver.Attachment) (hal.TextureView, error) {
	img, err := asImage(a.Image)
	if err != nil {
		return nil, err
	}
	return d.view(img, viewKey{layer: a.Layer, layers: 1, level: a.MipLevel, levels: 1, aspect: gputypes.TextureAspectAll})
}

// CreateRenderTarget resolves one view per attachment. The HAL builds the
// render pass itself when the pass begins.
func (d *Device) CreateRenderTarget(desc *driver.RenderTargetDescriptor) (driver.RenderTarget, error) {
	rt := &renderTarget{handle: newHandle(), desc: *desc}
	for i := range desc.Color {
		v, err := d.attachmentView(&desc.Color[i])
		if err != nil {
			return nil, fmt.Errorf("halgpu: render target %q color %d: %w", desc.Label, i, err)
		}
		rt.color = append(rt.color, boundAttachment{view: v, att: desc.Color[i]})
	}
	if desc.DepthStencil != nil {
		v, err := d.attachmentView(desc.DepthStencil)
		if err != nil {
			return nil, fmt.Errorf("halgpu: render target %q depth: %w", desc.Label, err)
		}
		rt.depth = &boundAttachment{view: v, att: *desc.DepthStencil}
	}
	return rt, nil
}

// DestroyRenderTarget is a no-op; views belong to their images.
func (d *Device) DestroyRenderTarget(driver.RenderTarget) {}

type pipeline struct {
	handle
	point   driver.BindPoint
	compute hal.ComputePipeline
	render  hal.RenderPipeline
	layout  hal.PipelineLayout
	module  hal.ShaderModule
	owned   bool
}

// BindPoint reports whether the pipeline is graphics or compute.
func (p *pipeline) BindPoint() driver.BindPoint { return p.point }

// CreateComputePipeline builds the shader module, pipeline layout and
// pipeline. Push constant ranges are declared but cannot be written.
func (d *Device) CreateComputePipeline(desc *driver.ComputePipelineDescriptor) (driver.Pipeline, error) {
	layouts := make([]hal.BindGroupLayout, len(desc.SetLayouts))
	for i, l := range desc.SetLayouts {
		sl, err := asSetLayout(l)
		if err != nil {
			return nil, err
		}
		layouts[i] = sl.hal
	}

	module, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: shader module %q: %w", desc.Label, err)
	}

	var ranges []hal.PushConstantRange
	if desc.PushConstantSize > 0 {
		ranges = []hal.PushConstantRange{{
			Stages: gputypes.ShaderStageCompute,
			Range:  hal.Range{Start: 0, End: desc.PushConstantSize},
		}}
	}
	layout, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:              desc.Label,
		BindGroupLayouts:   layouts,
		PushConstantRanges: ranges,
	})
	if err != nil {
		d.dev.DestroyShaderModule(module)
		return nil, fmt.Errorf("halgpu: pipeline layout %q: %w", desc.Label, err)
	}

	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	cp, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Compute: hal.ComputeState{Module: module, EntryPoint: entry},
	})
	if err != nil {
		d.dev.DestroyPipelineLayout(layout)
		d.dev.DestroyShaderModule(module)
		return nil, fmt.Errorf("halgpu: compute pipeline %q: %w", desc.Label, err)
	}
	return &pipeline{
		handle:  newHandle(),
		point:   driver.BindPointCompute,
		compute: cp,
		layout:  layout,
		module:  module,
		owned:   true,
	}, nil
}

// RenderPipeline wraps a render pipeline built directly on the HAL device.
// The pipeline stays owned by the caller; DestroyPipeline leaves it alone.
func (d *Device) RenderPipeline(p hal.RenderPipeline) driver.Pipeline {
	return &pipeline{handle: newHandle(), point: driver.BindPointGraphics, render: p}
}

// DestroyPipeline destroys pipelines created by this driver.
func (d *Device) DestroyPipeline(p driver.Pipeline) {
	pl, ok := p.(*pipeline)
	if !ok || !pl.owned {
		return
	}
	d.dev.DestroyComputePipeline(pl.compute)
	d.dev.DestroyPipelineLayout(pl.layout)
	d.dev.DestroyShaderModule(pl.module)
}
