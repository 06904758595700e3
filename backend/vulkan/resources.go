//go:build cgo

package vulkan

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gfx/driver"
)

// memory is one dedicated VkDeviceMemory allocation.
type memory struct {
	mem  vk.DeviceMemory
	size uint64
	host bool

	mu     sync.Mutex
	mapped unsafe.Pointer
}

func (m *memory) NativeHandle() uintptr { return native(unsafe.Pointer(m.mem)) }
func (m *memory) Size() uint64          { return m.size }
func (m *memory) HostVisible() bool     { return m.host }

type buffer struct {
	buf  vk.Buffer
	size uint64
	mem  *memory
}

func (b *buffer) NativeHandle() uintptr { return native(unsafe.Pointer(b.buf)) }
func (b *buffer) Size() uint64          { return b.size }

type viewKey struct {
	layer, layers uint32
	level, levels uint32
	aspect        driver.ImageAspect
	array         bool
}

type image struct {
	img    vk.Image
	mem    *memory
	desc   driver.ImageDescriptor
	format vk.Format
	info   driver.FormatInfo

	mu    sync.Mutex
	views map[viewKey]vk.ImageView
}

func (i *image) NativeHandle() uintptr { return native(unsafe.Pointer(i.img)) }

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

// CreateBuffer creates a buffer bound to its own allocation.
func (d *Device) CreateBuffer(desc *driver.BufferDescriptor) (driver.Buffer, driver.Memory, error) {
	if desc.Size == 0 {
		return nil, nil, fmt.Errorf("vulkan: create buffer %q: zero size", desc.Label)
	}
	var vb vk.Buffer
	ret := vk.CreateBuffer(d.dev, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &vb)
	if err := check("create buffer "+desc.Label, ret); err != nil {
		return nil, nil, err
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.dev, vb, &reqs)
	reqs.Deref()
	mem, err := d.allocate(reqs, desc.HostVisible)
	if err != nil {
		vk.DestroyBuffer(d.dev, vb, nil)
		return nil, nil, err
	}
	if err := check("bind buffer memory", vk.BindBufferMemory(d.dev, vb, mem.mem, 0)); err != nil {
		vk.FreeMemory(d.dev, mem.mem, nil)
		vk.DestroyBuffer(d.dev, vb, nil)
		return nil, nil, err
	}
	return &buffer{buf: vb, size: desc.Size, mem: mem}, mem, nil
}

// DestroyBuffer destroys the buffer and frees its memory.
func (d *Device) DestroyBuffer(b driver.Buffer) {
	buf, err := asBuffer(b)
	if err != nil {
		return
	}
	vk.DestroyBuffer(d.dev, buf.buf, nil)
	d.free(buf.mem)
}

func (d *Device) free(m *memory) {
	m.mu.Lock()
	if m.mapped != nil {
		vk.UnmapMemory(d.dev, m.mem)
		m.mapped = nil
	}
	m.mu.Unlock()
	vk.FreeMemory(d.dev, m.mem, nil)
}

// MapMemory maps the allocation on first use and returns the range.
func (d *Device) MapMemory(m driver.Memory, offset, size uint64) ([]byte, error) {
	mem, ok := m.(*memory)
	if !ok || mem == nil {
		return nil, fmt.Errorf("%w: memory", driver.ErrInvalidHandle)
	}
	if !mem.host {
		return nil, fmt.Errorf("%w: memory is not host visible", driver.ErrUnsupported)
	}
	if offset > mem.size || size > mem.size-offset {
		return nil, fmt.Errorf("vulkan: map range %d+%d beyond %d bytes", offset, size, mem.size)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.mapped == nil {
		var p unsafe.Pointer
		ret := vk.MapMemory(d.dev, mem.mem, 0, vk.DeviceSize(vk.WholeSize), 0, &p)
		if err := check("map memory", ret); err != nil {
			return nil, err
		}
		mem.mapped = p
	}
	base := unsafe.Add(mem.mapped, offset)
	return unsafe.Slice((*byte)(base), size), nil
}

// UnmapMemory unmaps the allocation.
func (d *Device) UnmapMemory(m driver.Memory) {
	mem, ok := m.(*memory)
	if !ok || mem == nil {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.mapped != nil {
		vk.UnmapMemory(d.dev, mem.mem)
		mem.mapped = nil
	}
}

// CreateImage creates an optimally tiled 2D (array) or 3D image in device
// local memory.
func (d *Device) CreateImage(desc *driver.ImageDescriptor) (driver.Image, driver.Memory, error) {
	format, err := vkFormat(desc.Format)
	if err != nil {
		return nil, nil, err
	}
	info, _ := driver.LookupFormat(desc.Format)
	imageType := vk.ImageType2d
	if desc.Depth > 1 {
		imageType = vk.ImageType3d
	}
	var vi vk.Image
	ret := vk.CreateImage(d.dev, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: imageType,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  max(desc.Depth, 1),
		},
		MipLevels:     max(desc.MipLevels, 1),
		ArrayLayers:   max(desc.ArrayLayers, 1),
		Samples:       vk.SampleCountFlagBits(max(desc.Samples, 1)),
		Tiling:        vk.ImageTilingOptimal,
		Usage:         imageUsage(desc.Usage, info),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &vi)
	if err := check("create image "+desc.Label, ret); err != nil {
		return nil, nil, err
	}
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.dev, vi, &reqs)
	reqs.Deref()
	mem, err := d.allocate(reqs, false)
	if err != nil {
		vk.DestroyImage(d.dev, vi, nil)
		return nil, nil, err
	}
	if err := check("bind image memory", vk.BindImageMemory(d.dev, vi, mem.mem, 0)); err != nil {
		vk.FreeMemory(d.dev, mem.mem, nil)
		vk.DestroyImage(d.dev, vi, nil)
		return nil, nil, err
	}
	return &image{
		img:    vi,
		mem:    mem,
		desc:   *desc,
		format: format,
		info:   info,
		views:  make(map[viewKey]vk.ImageView),
	}, mem, nil
}

// DestroyImage destroys the image, its cached views and its memory.
func (d *Device) DestroyImage(i driver.Image) {
	img, err := asImage(i)
	if err != nil {
		return
	}
	img.mu.Lock()
	for k, v := range img.views {
		vk.DestroyImageView(d.dev, v, nil)
		delete(img.views, k)
	}
	img.mu.Unlock()
	vk.DestroyImage(d.dev, img.img, nil)
	d.free(img.mem)
}

func (img *image) viewType(k viewKey) vk.ImageViewType {
	switch {
	case img.desc.Depth > 1:
		return vk.ImageViewType3d
	case k.array:
		return vk.ImageViewType2dArray
	default:
		return vk.ImageViewType2d
	}
}

// view returns a cached image view.
func (d *Device) view(img *image, k viewKey) (vk.ImageView, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if v, ok := img.views[k]; ok {
		return v, nil
	}
	var v vk.ImageView
	ret := vk.CreateImageView(d.dev, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.img,
		ViewType: img.viewType(k),
		Format:   img.format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspectFlags(k.aspect),
			BaseMipLevel:   k.level,
			LevelCount:     k.levels,
			BaseArrayLayer: k.layer,
			LayerCount:     k.layers,
		},
	}, nil, &v)
	if err := check("create image view", ret); err != nil {
		return nil, err
	}
	img.views[k] = v
	return v, nil
}

// wholeView covers every level and layer. Depth-stencil images are viewed
// through their depth aspect.
func (d *Device) wholeView(img *image) (vk.ImageView, error) {
	aspect := img.info.Aspect()
	if aspect&driver.AspectDepth != 0 {
		aspect = driver.AspectDepth
	}
	layers := max(img.desc.ArrayLayers, 1)
	return d.view(img, viewKey{
		layers: layers,
		levels: max(img.desc.MipLevels, 1),
		aspect: aspect,
		array:  layers > 1,
	})
}

type sampler struct{ s vk.Sampler }

func (s *sampler) NativeHandle() uintptr { return native(unsafe.Pointer(s.s)) }

// CreateSampler creates a sampler that covers every mip level.
func (d *Device) CreateSampler(desc *driver.SamplerDescriptor) (driver.Sampler, error) {
	addr := addressMode(desc.AddressMode)
	var s vk.Sampler
	ret := vk.CreateSampler(d.dev, &vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    filter(desc.MagFilter),
		MinFilter:    filter(desc.MinFilter),
		MipmapMode:   mipmapMode(desc.MinFilter),
		AddressModeU: addr,
		AddressModeV: addr,
		AddressModeW: addr,
		MaxLod:       32,
	}, nil, &s)
	if err := check("create sampler "+desc.Label, ret); err != nil {
		return nil, err
	}
	return &sampler{s: s}, nil
}

// DestroySampler destroys the sampler.
func (d *Device) DestroySampler(s driver.Sampler) {
	if smp, ok := s.(*sampler); ok && smp != nil {
		vk.DestroySampler(d.dev, smp.s, nil)
	}
}

// renderTarget owns a render pass and the framebuffer built on it.
type renderTarget struct {
	pass   vk.RenderPass
	fb     vk.Framebuffer
	width  uint32
	height uint32
	clears []vk.ClearValue
}

func (rt *renderTarget) NativeHandle() uintptr { return native(unsafe.Pointer(rt.fb)) }
func (rt *renderTarget) Width() uint32         { return rt.width }
func (rt *renderTarget) Height() uint32        { return rt.height }

// RenderPass returns the render pass, for creating compatible graphics
// pipelines.
func (rt *renderTarget) RenderPass() vk.RenderPass { return rt.pass }

// attachmentDescription describes a for a subpass that uses it in layout.
// Cleared attachments start from LayoutUndefined.
func attachmentDescription(a *driver.Attachment, format vk.Format, samples uint32, layout driver.ImageLayout) vk.AttachmentDescription {
	final := a.FinalLayout
	if final == driver.LayoutUndefined {
		final = layout
	}
	initial := a.Layout
	if a.LoadOp == gputypes.LoadOpClear {
		initial = driver.LayoutUndefined
	}
	return vk.AttachmentDescription{
		Format:         format,
		Samples:        vk.SampleCountFlagBits(max(samples, 1)),
		LoadOp:         loadOp(a.LoadOp),
		StoreOp:        storeOp(a.StoreOp),
		StencilLoadOp:  loadOp(a.LoadOp),
		StencilStoreOp: storeOp(a.StoreOp),
		InitialLayout:  imageLayout(initial),
		FinalLayout:    imageLayout(final),
	}
}

func (d *Device) attachmentView(a *driver.Attachment) (*image, vk.ImageView, error) {
	img, err := asImage(a.Image)
	if err != nil {
		return nil, nil, err
	}
	aspect := img.info.Aspect()
	v, err := d.view(img, viewKey{layer: a.Layer, layers: 1, level: a.MipLevel, levels: 1, aspect: aspect})
	return img, v, err
}

// CreateRenderTarget creates a single-subpass render pass for the
// attachments and a framebuffer over views of the selected layers.
func (d *Device) CreateRenderTarget(desc *driver.RenderTargetDescriptor) (driver.RenderTarget, error) {
	var (
		atts   []vk.AttachmentDescription
		views  []vk.ImageView
		colors []vk.AttachmentReference
		depth  *vk.AttachmentReference
		clears []vk.ClearValue
	)
	for i := range desc.Color {
		a := &desc.Color[i]
		img, v, err := d.attachmentView(a)
		if err != nil {
			return nil, err
		}
		colors = append(colors, vk.AttachmentReference{
			Attachment: uint32(len(atts)), //nolint:gosec // G115: attachment count
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
		atts = append(atts, attachmentDescription(a, img.format, img.desc.Samples, driver.LayoutColorAttachment))
		views = append(views, v)
		c := a.ClearColor
		clears = append(clears, vk.NewClearValue([]float32{float32(c.R), float32(c.G), float32(c.B), float32(c.A)}))
	}
	if a := desc.DepthStencil; a != nil {
		img, v, err := d.attachmentView(a)
		if err != nil {
			return nil, err
		}
		depth = &vk.AttachmentReference{
			Attachment: uint32(len(atts)), //nolint:gosec // G115: attachment count
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		atts = append(atts, attachmentDescription(a, img.format, img.desc.Samples, driver.LayoutDepthStencilAttachment))
		views = append(views, v)
		clears = append(clears, vk.NewClearDepthStencil(a.ClearDepth, a.ClearStencil))
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:       vk.PipelineBindPointGraphics,
		ColorAttachmentCount:    uint32(len(colors)), //nolint:gosec // G115: attachment count
		PColorAttachments:       colors,
		PDepthStencilAttachment: depth,
	}
	var pass vk.RenderPass
	ret := vk.CreateRenderPass(d.dev, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(atts)), //nolint:gosec // G115: attachment count
		PAttachments:    atts,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
	}, nil, &pass)
	if err := check("create render pass "+desc.Label, ret); err != nil {
		return nil, err
	}
	var fb vk.Framebuffer
	ret = vk.CreateFramebuffer(d.dev, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass,
		AttachmentCount: uint32(len(views)), //nolint:gosec // G115: attachment count
		PAttachments:    views,
		Width:           desc.Width,
		Height:          desc.Height,
		Layers:          1,
	}, nil, &fb)
	if err := check("create framebuffer "+desc.Label, ret); err != nil {
		vk.DestroyRenderPass(d.dev, pass, nil)
		return nil, err
	}
	return &renderTarget{pass: pass, fb: fb, width: desc.Width, height: desc.Height, clears: clears}, nil
}

// DestroyRenderTarget destroys the framebuffer and its render pass. Image
// views stay cached on their images.
func (d *Device) DestroyRenderTarget(t driver.RenderTarget) {
	rt, ok := t.(*renderTarget)
	if !ok || rt == nil {
		return
	}
	vk.DestroyFramebuffer(d.dev, rt.fb, nil)
	vk.DestroyRenderPass(d.dev, rt.pass, nil)
}

type pipeline struct {
	p      vk.Pipeline
	layout vk.PipelineLayout
	point  driver.BindPoint
	stages vk.ShaderStageFlags
	owned  bool
}

func (p *pipeline) NativeHandle() uintptr       { return native(unsafe.Pointer(p.p)) }
func (p *pipeline) BindPoint() driver.BindPoint { return p.point }

func asPipeline(p driver.Pipeline) (*pipeline, error) {
	pl, ok := p.(*pipeline)
	if !ok || pl == nil {
		return nil, fmt.Errorf("%w: pipeline", driver.ErrInvalidHandle)
	}
	return pl, nil
}

// CreateComputePipeline creates the shader module, the pipeline layout
// with one push constant range and the pipeline.
func (d *Device) CreateComputePipeline(desc *driver.ComputePipelineDescriptor) (driver.Pipeline, error) {
	layouts := make([]vk.DescriptorSetLayout, len(desc.SetLayouts))
	for i, l := range desc.SetLayouts {
		sl, err := asSetLayout(l)
		if err != nil {
			return nil, err
		}
		layouts[i] = sl.l
	}
	stages := vk.ShaderStageFlags(vk.ShaderStageComputeBit)
	li := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(layouts)), //nolint:gosec // G115: slice length
		PSetLayouts:    layouts,
	}
	if desc.PushConstantSize > 0 {
		li.PushConstantRangeCount = 1
		li.PPushConstantRanges = []vk.PushConstantRange{{StageFlags: stages, Size: desc.PushConstantSize}}
	}
	var layout vk.PipelineLayout
	if err := check("create pipeline layout", vk.CreatePipelineLayout(d.dev, &li, nil, &layout)); err != nil {
		return nil, err
	}

	var module vk.ShaderModule
	ret := vk.CreateShaderModule(d.dev, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(desc.SPIRV) * 4),
		PCode:    desc.SPIRV,
	}, nil, &module)
	if err := check("create shader module "+desc.Label, ret); err != nil {
		vk.DestroyPipelineLayout(d.dev, layout, nil)
		return nil, err
	}
	defer vk.DestroyShaderModule(d.dev, module, nil)

	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	pipes := make([]vk.Pipeline, 1)
	ret = vk.CreateComputePipelines(d.dev, vk.PipelineCache(vk.NullHandle), 1, []vk.ComputePipelineCreateInfo{{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: module,
			PName:  cstr(entry),
		},
		Layout: layout,
	}}, nil, pipes)
	if err := check("create compute pipeline "+desc.Label, ret); err != nil {
		vk.DestroyPipelineLayout(d.dev, layout, nil)
		return nil, err
	}
	return &pipeline{p: pipes[0], layout: layout, point: driver.BindPointCompute, stages: stages, owned: true}, nil
}

// GraphicsPipeline wraps a graphics pipeline created by the caller against
// a render target's render pass. The caller keeps ownership of both
// objects; stages are the stages its push constant range covers.
func (d *Device) GraphicsPipeline(p vk.Pipeline, layout vk.PipelineLayout, stages vk.ShaderStageFlags) driver.Pipeline {
	return &pipeline{p: p, layout: layout, point: driver.BindPointGraphics, stages: stages}
}

// DestroyPipeline destroys pipelines created by this device.
func (d *Device) DestroyPipeline(p driver.Pipeline) {
	pl, err := asPipeline(p)
	if err != nil || !pl.owned {
		return
	}
	vk.DestroyPipeline(d.dev, pl.p, nil)
	vk.DestroyPipelineLayout(d.dev, pl.layout, nil)
}
