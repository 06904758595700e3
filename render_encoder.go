package gfx

import (
	"fmt"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gputypes"
)

// RenderPassColorAttachment is one color target of a render pass.
type RenderPassColorAttachment struct {
	Image      *ImageResource
	Layer      uint32
	MipLevel   uint32
	LoadOp     gputypes.LoadOp
	StoreOp    gputypes.StoreOp
	ClearColor gputypes.Color
}

// RenderPassDepthStencilAttachment is the depth/stencil target of a render
// pass.
type RenderPassDepthStencilAttachment struct {
	Image        *ImageResource
	Layer        uint32
	MipLevel     uint32
	LoadOp       gputypes.LoadOp
	StoreOp      gputypes.StoreOp
	ClearDepth   float32
	ClearStencil uint32
}

// RenderPassDescriptor describes the targets of a render encoder.
type RenderPassDescriptor struct {
	Label                  string
	ColorAttachments       []RenderPassColorAttachment
	DepthStencilAttachment *RenderPassDepthStencilAttachment
}

// Attachment stages.
const (
	colorStages = driver.StageColorAttachmentOutput
	depthStages = driver.StageEarlyFragmentTests | driver.StageLateFragmentTests
	shaderGfx   = driver.StageVertexShader | driver.StageFragmentShader
)

// renderOp is the kind of a render command record.
type renderOp int

const (
	renderSetPipeline renderOp = iota
	renderSetResource
	renderSetVertexBuffers
	renderSetIndexBuffer
	renderSetViewport
	renderSetScissor
	renderPushConstant
	renderDraw
	renderDrawIndexed
)

// renderCommand is one recorded render call.
type renderCommand struct {
	op           renderOp
	pipeline     *PipelineState
	index        uint32
	set          *ShaderBindingSet
	buffers      []driver.Buffer
	offsets      []uint64
	indexBuffer  driver.Buffer
	indexOffset  uint64
	indexFormat  gputypes.IndexFormat
	viewport     driver.Viewport
	scissor      driver.Rect
	data         []byte
	counts       [4]uint32
	vertexOffset int32
}

// RenderCommandEncoder records draw calls into one render pass.
//
// An encoder is used from a single goroutine. Calls with invalid input are
// logged and dropped.
type RenderCommandEncoder struct {
	encoderBase
	desc     RenderPassDescriptor
	commands []renderCommand

	// recording state for validation
	pipeline *PipelineState
	hasIndex bool
}

func newRenderCommandEncoder(owner *CommandBuffer, desc RenderPassDescriptor) (*RenderCommandEncoder, error) {
	if len(desc.ColorAttachments) == 0 && desc.DepthStencilAttachment == nil {
		return nil, fmt.Errorf("%w: render pass %q has no attachments", ErrInvalidRegion, desc.Label)
	}
	e := &RenderCommandEncoder{
		encoderBase: encoderBase{device: owner.queue.device, owner: owner, kind: "render"},
		desc:        desc,
	}
	e.desc.ColorAttachments = append([]RenderPassColorAttachment(nil), desc.ColorAttachments...)
	for _, a := range e.desc.ColorAttachments {
		if err := checkAttachment(a.Image, a.Layer, a.MipLevel); err != nil {
			return nil, err
		}
		if fi, _ := driver.LookupFormat(a.Image.format); !fi.Color {
			return nil, fmt.Errorf("%w: color attachment %q is not a color format", ErrFormatMismatch, a.Image.label)
		}
		e.retainImage(a.Image)
		e.external(a.Image, a.Layer)
	}
	if ds := desc.DepthStencilAttachment; ds != nil {
		if err := checkAttachment(ds.Image, ds.Layer, ds.MipLevel); err != nil {
			return nil, err
		}
		if fi, _ := driver.LookupFormat(ds.Image.format); !fi.Depth && !fi.Stencil {
			return nil, fmt.Errorf("%w: depth attachment %q is not a depth format", ErrFormatMismatch, ds.Image.label)
		}
		copied := *ds
		e.desc.DepthStencilAttachment = &copied
		e.retainImage(ds.Image)
	}
	return e, nil
}

func checkAttachment(img *ImageResource, layer, level uint32) error {
	if img == nil || img.native == nil {
		return fmt.Errorf("%w: nil attachment image", ErrInvalidRegion)
	}
	if layer >= img.layers || level >= img.mipLevels {
		return fmt.Errorf("%w: attachment %q layer %d level %d", ErrInvalidRegion, img.label, layer, level)
	}
	return nil
}

// external registers the presentation semaphores of a swap-chain
// attachment and the cleanup record that hands it to presentation.
func (e *RenderCommandEncoder) external(img *ImageResource, layer uint32) {
	wait, signal := img.externalSync()
	if wait == nil && signal == nil {
		return
	}
	if wait != nil {
		e.addWaitSemaphore(wait, colorStages)
	}
	if signal != nil {
		e.addSignalSemaphore(signal)
	}
	e.cleanup = append(e.cleanup, syncCommand{
		op:    syncTrack,
		image: img,
		transition: LayoutTransition{
			Layout:     driver.LayoutPresentSrc,
			StageBegin: colorStages,
			StageEnd:   colorStages,
			BaseLayer:  layer,
			LayerCount: 1,
		},
	})
}

// SetRenderPipelineState sets the graphics pipeline for following draws.
func (e *RenderCommandEncoder) SetRenderPipelineState(p *PipelineState) {
	if !e.usable("SetRenderPipelineState") {
		return
	}
	if err := checkPipeline(p, driver.BindPointGraphics); err != nil {
		e.drop("SetRenderPipelineState", err)
		return
	}
	e.retainPipeline(p)
	e.pipeline = p
	e.commands = append(e.commands, renderCommand{op: renderSetPipeline, pipeline: p})
}

// SetResource binds a binding set at set index.
func (e *RenderCommandEncoder) SetResource(index uint32, set *ShaderBindingSet) {
	if !e.usable("SetResource") {
		return
	}
	if set == nil {
		e.drop("SetResource", fmt.Errorf("%w: nil binding set", ErrInvalidRegion))
		return
	}
	e.retainSet(set)
	e.commands = append(e.commands, renderCommand{op: renderSetResource, index: index, set: set})
}

// SetVertexBuffer binds one vertex buffer at slot index.
func (e *RenderCommandEncoder) SetVertexBuffer(index uint32, buf *Buffer, offset uint64) {
	e.SetVertexBuffers(index, []*Buffer{buf}, []uint64{offset})
}

// SetVertexBuffers binds consecutive vertex buffer slots starting at first.
func (e *RenderCommandEncoder) SetVertexBuffers(first uint32, bufs []*Buffer, offsets []uint64) {
	if !e.usable("SetVertexBuffers") {
		return
	}
	if len(bufs) == 0 || len(bufs) != len(offsets) {
		e.drop("SetVertexBuffers", fmt.Errorf("%w: %d buffers, %d offsets", ErrInvalidRegion, len(bufs), len(offsets)))
		return
	}
	natives := make([]driver.Buffer, len(bufs))
	for i, b := range bufs {
		if b == nil || offsets[i] >= b.size {
			e.drop("SetVertexBuffers", fmt.Errorf("%w: vertex buffer %d", ErrCopyRangeOutOfBounds, i))
			return
		}
		natives[i] = b.native
	}
	for _, b := range bufs {
		e.retainBuffer(b)
	}
	e.commands = append(e.commands, renderCommand{
		op:      renderSetVertexBuffers,
		index:   first,
		buffers: natives,
		offsets: append([]uint64(nil), offsets...),
	})
}

// SetIndexBuffer binds the index buffer for DrawIndexed.
func (e *RenderCommandEncoder) SetIndexBuffer(buf *Buffer, offset uint64, format gputypes.IndexFormat) {
	if !e.usable("SetIndexBuffer") {
		return
	}
	if buf == nil || offset >= buf.size {
		e.drop("SetIndexBuffer", fmt.Errorf("%w: index buffer offset %d", ErrCopyRangeOutOfBounds, offset))
		return
	}
	if format != gputypes.IndexFormatUint16 && format != gputypes.IndexFormatUint32 {
		e.drop("SetIndexBuffer", fmt.Errorf("%w: index format %v", ErrFormatMismatch, format))
		return
	}
	e.retainBuffer(buf)
	e.hasIndex = true
	e.commands = append(e.commands, renderCommand{
		op:          renderSetIndexBuffer,
		indexBuffer: buf.native,
		indexOffset: offset,
		indexFormat: format,
	})
}

// SetViewport sets the viewport. With WithFlipViewportY the viewport is
// flipped vertically.
func (e *RenderCommandEncoder) SetViewport(v driver.Viewport) {
	if !e.usable("SetViewport") {
		return
	}
	if v.Width <= 0 || v.Height <= 0 {
		e.drop("SetViewport", fmt.Errorf("%w: viewport %vx%v", ErrInvalidRegion, v.Width, v.Height))
		return
	}
	e.commands = append(e.commands, renderCommand{op: renderSetViewport, viewport: v})
}

// SetScissorRect sets the scissor rectangle.
func (e *RenderCommandEncoder) SetScissorRect(r driver.Rect) {
	if !e.usable("SetScissorRect") {
		return
	}
	e.commands = append(e.commands, renderCommand{op: renderSetScissor, scissor: r})
}

// PushConstant updates push constant bytes at offset for the current
// pipeline.
func (e *RenderCommandEncoder) PushConstant(offset uint32, data []byte) {
	if !e.usable("PushConstant") {
		return
	}
	if e.pipeline == nil {
		e.drop("PushConstant", ErrNoPipelineState)
		return
	}
	if len(data) == 0 || offset%4 != 0 || len(data)%4 != 0 {
		e.drop("PushConstant", fmt.Errorf("%w: push constant %d+%d", ErrCopySizeNotAligned, offset, len(data)))
		return
	}
	e.commands = append(e.commands, renderCommand{
		op:    renderPushConstant,
		index: offset,
		data:  append([]byte(nil), data...),
	})
}

// Draw records a non-indexed draw.
func (e *RenderCommandEncoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if !e.usable("Draw") {
		return
	}
	if e.pipeline == nil {
		e.drop("Draw", ErrNoPipelineState)
		return
	}
	if vertexCount == 0 || instanceCount == 0 {
		return
	}
	e.commands = append(e.commands, renderCommand{
		op:     renderDraw,
		counts: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance},
	})
}

// DrawIndexed records an indexed draw.
func (e *RenderCommandEncoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	if !e.usable("DrawIndexed") {
		return
	}
	if e.pipeline == nil {
		e.drop("DrawIndexed", ErrNoPipelineState)
		return
	}
	if !e.hasIndex {
		e.drop("DrawIndexed", ErrNoIndexBuffer)
		return
	}
	if indexCount == 0 || instanceCount == 0 {
		return
	}
	e.commands = append(e.commands, renderCommand{
		op:           renderDrawIndexed,
		counts:       [4]uint32{indexCount, instanceCount, firstIndex, firstInstance},
		vertexOffset: vertexOffset,
	})
}

// EndEncoding finishes recording and hands the encoder to its command
// buffer. Later calls on the encoder are dropped.
func (e *RenderCommandEncoder) EndEncoding() { e.end(e) }

// encode replays the encoder into cb.
func (e *RenderCommandEncoder) encode(cb driver.CommandBuffer) error {
	rt, err := e.createRenderTarget()
	if err != nil {
		return err
	}

	layouts, setup := e.bindingSetSetup(shaderGfx)
	e.setup = append(setup[:len(setup):len(setup)], e.attachmentSetup()...)
	if err := e.runSync(e.setup, layouts, cb); err != nil {
		return err
	}

	cb.BeginRenderPass(rt)
	cb.SetViewport(e.viewport(driver.Viewport{
		Width:    float32(rt.Width()),
		Height:   float32(rt.Height()),
		MaxDepth: 1,
	}))
	cb.SetScissor(driver.Rect{Width: rt.Width(), Height: rt.Height()})

	binds := newBindState()
	for i := range e.commands {
		c := &e.commands[i]
		switch c.op {
		case renderSetPipeline:
			binds.setPipeline(cb, c.pipeline)
		case renderSetResource:
			binds.setResource(c.index, c.set)
		case renderSetVertexBuffers:
			cb.BindVertexBuffers(c.index, c.buffers, c.offsets)
		case renderSetIndexBuffer:
			cb.BindIndexBuffer(c.indexBuffer, c.indexOffset, c.indexFormat)
		case renderSetViewport:
			cb.SetViewport(e.viewport(c.viewport))
		case renderSetScissor:
			cb.SetScissor(c.scissor)
		case renderPushConstant:
			cb.PushConstants(binds.pipeline.native, c.index, c.data)
		case renderDraw:
			binds.flush(cb)
			cb.Draw(c.counts[0], c.counts[1], c.counts[2], c.counts[3])
		case renderDrawIndexed:
			binds.flush(cb)
			cb.DrawIndexed(c.counts[0], c.counts[1], c.counts[2], c.vertexOffset, c.counts[3])
		}
	}

	cb.EndRenderPass()
	return e.runSync(e.cleanup, layouts, cb)
}

// viewport applies the device Y flip.
func (e *RenderCommandEncoder) viewport(v driver.Viewport) driver.Viewport {
	if e.device.opts.flipViewportY {
		v.Y += v.Height
		v.Height = -v.Height
	}
	return v
}

// attachmentSetup transitions every attachment into its attachment layout.
func (e *RenderCommandEncoder) attachmentSetup() []syncCommand {
	var cmds []syncCommand
	for _, a := range e.desc.ColorAttachments {
		cmds = append(cmds, syncCommand{
			op:    syncLayout,
			image: a.Image,
			transition: LayoutTransition{
				Layout:     driver.LayoutColorAttachment,
				StageBegin: colorStages,
				StageEnd:   colorStages,
				BaseLayer:  a.Layer,
				LayerCount: 1,
			},
		})
	}
	if ds := e.desc.DepthStencilAttachment; ds != nil {
		cmds = append(cmds, syncCommand{
			op:    syncLayout,
			image: ds.Image,
			transition: LayoutTransition{
				Layout:     driver.LayoutDepthStencilAttachment,
				StageBegin: depthStages,
				StageEnd:   depthStages,
				BaseLayer:  ds.Layer,
				LayerCount: 1,
			},
		})
	}
	return cmds
}

// createRenderTarget creates the framebuffer for this encode, sized to the
// smallest attachment.
func (e *RenderCommandEncoder) createRenderTarget() (driver.RenderTarget, error) {
	desc := driver.RenderTargetDescriptor{Label: e.desc.Label}
	width, height := ^uint32(0), ^uint32(0)
	fit := func(img *ImageResource, level uint32) {
		ext := img.MipExtent(level)
		width, height = min(width, ext.Width), min(height, ext.Height)
	}
	for _, a := range e.desc.ColorAttachments {
		final := driver.LayoutColorAttachment
		if a.Image.IsExternal() {
			final = driver.LayoutPresentSrc
		}
		desc.Color = append(desc.Color, driver.Attachment{
			Image:       a.Image.native,
			Format:      a.Image.format,
			Layer:       a.Layer,
			MipLevel:    a.MipLevel,
			Layout:      driver.LayoutColorAttachment,
			FinalLayout: final,
			LoadOp:      a.LoadOp,
			StoreOp:     a.StoreOp,
			ClearColor:  a.ClearColor,
		})
		fit(a.Image, a.MipLevel)
	}
	if ds := e.desc.DepthStencilAttachment; ds != nil {
		desc.DepthStencil = &driver.Attachment{
			Image:        ds.Image.native,
			Format:       ds.Image.format,
			Layer:        ds.Layer,
			MipLevel:     ds.MipLevel,
			Layout:       driver.LayoutDepthStencilAttachment,
			LoadOp:       ds.LoadOp,
			StoreOp:      ds.StoreOp,
			ClearDepth:   ds.ClearDepth,
			ClearStencil: ds.ClearStencil,
		}
		fit(ds.Image, ds.MipLevel)
	}
	desc.Width, desc.Height = width, height

	rt, err := e.device.drv.CreateRenderTarget(&desc)
	if err != nil {
		return nil, fmt.Errorf("gfx: create render target %q: %w", e.desc.Label, err)
	}
	e.renderTargets = append(e.renderTargets, rt)
	return rt, nil
}
