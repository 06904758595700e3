package halgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfx/driver"
)

// Recording errors, reported by End.
var (
	errOutsidePass   = errors.New("halgpu: draw state set outside a render pass")
	errInsidePass    = errors.New("halgpu: transfer or dispatch inside a render pass")
	errIncompleteSet = errors.New("halgpu: descriptor set bound before every binding was written")
	errUnendedPass   = errors.New("halgpu: render pass not ended")
	errFillNonZero   = fmt.Errorf("%w: FillBuffer with a non-zero value", driver.ErrUnsupported)
	errPushConstants = fmt.Errorf("%w: push constants", driver.ErrUnsupported)
	errNotRecording  = errors.New("halgpu: command buffer is not recording")
)

type commandPool struct {
	d *Device
}

// AllocateCommandBuffers returns n empty command buffers. HAL encoders are
// created on Begin.
func (p *commandPool) AllocateCommandBuffers(n int) ([]driver.CommandBuffer, error) {
	cbs := make([]driver.CommandBuffer, n)
	for i := range cbs {
		cbs[i] = &commandBuffer{handle: newHandle(), d: p.d}
	}
	return cbs, nil
}

// FreeCommandBuffers releases the HAL command buffers and encoders.
func (p *commandPool) FreeCommandBuffers(cbs []driver.CommandBuffer) {
	for _, c := range cbs {
		if cb, ok := c.(*commandBuffer); ok {
			cb.release()
		}
	}
}

// Reset is a no-op; command buffers are released individually.
func (p *commandPool) Reset() error { return nil }

// Destroy is a no-op.
func (p *commandPool) Destroy() {}

// commandBuffer translates driver commands into HAL encoder calls. The
// first error is kept and returned by End. A compute pass is opened on
// the first compute command and closed by the next non-compute command;
// a reopened pass gets the last compute pipeline and bind groups again.
type commandBuffer struct {
	handle
	d *Device

	enc     hal.CommandEncoder
	buf     hal.CommandBuffer
	render  hal.RenderPassEncoder
	compute hal.ComputePassEncoder
	err     error

	computePipeline hal.ComputePipeline
	computeGroups   map[uint32]hal.BindGroup
}

var _ driver.CommandBuffer = (*commandBuffer)(nil)

func (c *commandBuffer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *commandBuffer) release() {
	if c.buf != nil {
		c.d.dev.FreeCommandBuffer(c.buf)
		c.buf = nil
	}
	if c.enc != nil {
		c.enc.Destroy()
		c.enc = nil
	}
}

// Begin starts recording into a fresh HAL encoder.
func (c *commandBuffer) Begin() error {
	c.release()
	c.render, c.compute, c.err = nil, nil, nil
	c.computePipeline, c.computeGroups = nil, make(map[uint32]hal.BindGroup)
	enc, err := c.d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "gfx"})
	if err != nil {
		return fmt.Errorf("halgpu: create encoder: %w", err)
	}
	if err := enc.BeginEncoding("gfx"); err != nil {
		enc.Destroy()
		return fmt.Errorf("halgpu: begin encoding: %w", err)
	}
	c.enc = enc
	return nil
}

// End finishes recording. Recording errors discard the encoded commands.
func (c *commandBuffer) End() error {
	if c.enc == nil {
		return errNotRecording
	}
	c.endCompute()
	if c.render != nil {
		c.render.End()
		c.render = nil
		c.fail(errUnendedPass)
	}
	if c.err != nil {
		c.enc.DiscardEncoding()
		return c.err
	}
	buf, err := c.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("halgpu: end encoding: %w", err)
	}
	c.buf = buf
	return nil
}

func (c *commandBuffer) endCompute() {
	if c.compute != nil {
		c.compute.End()
		c.compute = nil
	}
}

// computePass returns the open compute pass, opening one if needed.
func (c *commandBuffer) computePass() hal.ComputePassEncoder {
	if c.enc == nil {
		c.fail(errNotRecording)
		return nil
	}
	if c.render != nil {
		c.fail(errInsidePass)
		return nil
	}
	if c.compute == nil {
		c.compute = c.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "gfx"})
		if c.computePipeline != nil {
			c.compute.SetPipeline(c.computePipeline)
		}
		for i, g := range c.computeGroups {
			c.compute.SetBindGroup(i, g, nil)
		}
	}
	return c.compute
}

// transfer closes any compute pass and reports whether transfer commands
// may be recorded.
func (c *commandBuffer) transfer() bool {
	if c.enc == nil {
		c.fail(errNotRecording)
		return false
	}
	c.endCompute()
	if c.render != nil {
		c.fail(errInsidePass)
		return false
	}
	return true
}

// usageForLayout maps an image layout onto the HAL usage that implies it.
func usageForLayout(l driver.ImageLayout) gputypes.TextureUsage {
	switch l {
	case driver.LayoutGeneral:
		return gputypes.TextureUsageStorageBinding
	case driver.LayoutColorAttachment, driver.LayoutDepthStencilAttachment, driver.LayoutPresentSrc:
		return gputypes.TextureUsageRenderAttachment
	case driver.LayoutDepthStencilReadOnly, driver.LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case driver.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case driver.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	default:
		return gputypes.TextureUsageNone
	}
}

// PipelineBarrier turns layout transitions into HAL texture barriers. The
// stage masks are implied by the usages.
func (c *commandBuffer) PipelineBarrier(_, _ driver.PipelineStage, barriers []driver.ImageBarrier) {
	if !c.transfer() {
		return
	}
	hb := make([]hal.TextureBarrier, 0, len(barriers))
	for _, b := range barriers {
		img, err := asImage(b.Image)
		if err != nil {
			c.fail(err)
			return
		}
		hb = append(hb, hal.TextureBarrier{
			Texture: img.hal,
			Range: hal.TextureRange{
				Aspect:          textureAspect(b.Aspect),
				BaseMipLevel:    b.BaseMipLevel,
				MipLevelCount:   b.LevelCount,
				BaseArrayLayer:  b.BaseLayer,
				ArrayLayerCount: b.LayerCount,
			},
			Usage: hal.TextureUsageTransition{
				OldUsage: usageForLayout(b.OldLayout),
				NewUsage: usageForLayout(b.NewLayout),
			},
		})
	}
	c.enc.TransitionTextures(hb)
}

func loadOp(op gputypes.LoadOp) gputypes.LoadOp {
	if op == gputypes.LoadOpUndefined {
		return gputypes.LoadOpLoad
	}
	return op
}

func storeOp(op gputypes.StoreOp) gputypes.StoreOp {
	if op == gputypes.StoreOpUndefined {
		return gputypes.StoreOpStore
	}
	return op
}

// BeginRenderPass opens a HAL render pass on the target's views.
func (c *commandBuffer) BeginRenderPass(t driver.RenderTarget) {
	if !c.transfer() {
		return
	}
	rt, ok := t.(*renderTarget)
	if !ok {
		c.fail(fmt.Errorf("%w: render target", driver.ErrInvalidHandle))
		return
	}
	desc := &hal.RenderPassDescriptor{Label: rt.desc.Label}
	for _, a := range rt.color {
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:       a.view,
			LoadOp:     loadOp(a.att.LoadOp),
			StoreOp:    storeOp(a.att.StoreOp),
			ClearValue: a.att.ClearColor,
		})
	}
	if rt.depth != nil {
		a := rt.depth.att
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              rt.depth.view,
			DepthLoadOp:       loadOp(a.LoadOp),
			DepthStoreOp:      storeOp(a.StoreOp),
			DepthClearValue:   a.ClearDepth,
			StencilLoadOp:     loadOp(a.LoadOp),
			StencilStoreOp:    storeOp(a.StoreOp),
			StencilClearValue: a.ClearStencil,
		}
	}
	c.render = c.enc.BeginRenderPass(desc)
}

// EndRenderPass closes the render pass.
func (c *commandBuffer) EndRenderPass() {
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	c.render.End()
	c.render = nil
}

// SetViewport sets the viewport. A negative height is passed through.
func (c *commandBuffer) SetViewport(v driver.Viewport) {
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	c.render.SetViewport(v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth)
}

// SetScissor sets the scissor rectangle, clamping negative origins to 0.
func (c *commandBuffer) SetScissor(r driver.Rect) {
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	c.render.SetScissorRect(uint32(max(r.X, 0)), uint32(max(r.Y, 0)), r.Width, r.Height) //nolint:gosec // G115: clamped to >= 0
}

func asPipeline(p driver.Pipeline) (*pipeline, bool) {
	pl, ok := p.(*pipeline)
	return pl, ok && pl != nil
}

// BindPipeline binds a compute pipeline in a compute pass or a render
// pipeline in the open render pass.
func (c *commandBuffer) BindPipeline(p driver.Pipeline) {
	pl, ok := asPipeline(p)
	if !ok {
		c.fail(fmt.Errorf("%w: pipeline", driver.ErrInvalidHandle))
		return
	}
	if pl.point == driver.BindPointCompute {
		if cp := c.computePass(); cp != nil {
			cp.SetPipeline(pl.compute)
			c.computePipeline = pl.compute
		}
		return
	}
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	c.render.SetPipeline(pl.render)
}

// BindDescriptorSets binds the bind groups of completely written sets.
func (c *commandBuffer) BindDescriptorSets(p driver.Pipeline, first uint32, sets []driver.DescriptorSet) {
	pl, ok := asPipeline(p)
	if !ok {
		c.fail(fmt.Errorf("%w: pipeline", driver.ErrInvalidHandle))
		return
	}
	for i, s := range sets {
		set, ok := s.(*descriptorSet)
		if !ok {
			c.fail(fmt.Errorf("%w: descriptor set", driver.ErrInvalidHandle))
			return
		}
		g := set.bindGroup()
		if g == nil {
			c.fail(errIncompleteSet)
			return
		}
		index := first + uint32(i) //nolint:gosec // G115: set count is small
		switch {
		case pl.point == driver.BindPointCompute:
			if cp := c.computePass(); cp != nil {
				cp.SetBindGroup(index, g, nil)
				c.computeGroups[index] = g
			}
		case c.render != nil:
			c.render.SetBindGroup(index, g, nil)
		default:
			c.fail(errOutsidePass)
			return
		}
	}
}

// PushConstants is not available through the HAL encoders.
func (c *commandBuffer) PushConstants(driver.Pipeline, uint32, []byte) {
	c.fail(errPushConstants)
}

// BindVertexBuffers binds vertex buffers starting at slot first.
func (c *commandBuffer) BindVertexBuffers(first uint32, buffers []driver.Buffer, offsets []uint64) {
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	for i, b := range buffers {
		buf, err := asBuffer(b)
		if err != nil {
			c.fail(err)
			return
		}
		c.render.SetVertexBuffer(first+uint32(i), buf.hal, offsets[i]) //nolint:gosec // G115: slot count is small
	}
}

// BindIndexBuffer binds the index buffer.
func (c *commandBuffer) BindIndexBuffer(b driver.Buffer, offset uint64, format gputypes.IndexFormat) {
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	buf, err := asBuffer(b)
	if err != nil {
		c.fail(err)
		return
	}
	c.render.SetIndexBuffer(buf.hal, format, offset)
}

func (c *commandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	c.render.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

func (c *commandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	if c.render == nil {
		c.fail(errOutsidePass)
		return
	}
	c.render.DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

func (c *commandBuffer) Dispatch(x, y, z uint32) {
	if cp := c.computePass(); cp != nil {
		cp.Dispatch(x, y, z)
	}
}

func (c *commandBuffer) CopyBuffer(src, dst driver.Buffer, regions []driver.BufferCopy) {
	if !c.transfer() {
		return
	}
	s, err := asBuffer(src)
	if err != nil {
		c.fail(err)
		return
	}
	d, err := asBuffer(dst)
	if err != nil {
		c.fail(err)
		return
	}
	hr := make([]hal.BufferCopy, len(regions))
	for i, r := range regions {
		hr[i] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
	}
	c.enc.CopyBufferToBuffer(s.hal, d.hal, hr)
}

// imageCopy addresses a subresource. Array layers are selected through
// Origin.Z, as the HAL expects for 2D arrays.
func imageCopy(img *image, sub driver.ImageSubresource, o driver.Offset3D) hal.ImageCopyTexture {
	z := uint32(max(o.Z, 0)) //nolint:gosec // G115: clamped to >= 0
	if img.desc.Depth <= 1 {
		z = sub.BaseLayer
	}
	return hal.ImageCopyTexture{
		Texture:  img.hal,
		MipLevel: sub.MipLevel,
		Origin:   hal.Origin3D{X: uint32(max(o.X, 0)), Y: uint32(max(o.Y, 0)), Z: z}, //nolint:gosec // G115: clamped to >= 0
		Aspect:   textureAspect(sub.Aspect),
	}
}

func copySize(img *image, sub driver.ImageSubresource, e driver.Extent3D) hal.Extent3D {
	n := max(e.Depth, 1)
	if img.desc.Depth <= 1 {
		n = max(sub.LayerCount, 1)
	}
	return hal.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: n}
}

func bufferTextureCopies(img *image, regions []driver.BufferImageCopy) []hal.BufferTextureCopy {
	fi, _ := driver.LookupFormat(img.desc.Format)
	out := make([]hal.BufferTextureCopy, len(regions))
	for i, r := range regions {
		rowLength := r.RowLength
		if rowLength == 0 {
			rowLength = r.Extent.Width
		}
		rows := r.ImageHeight
		if rows == 0 {
			rows = r.Extent.Height
		}
		out[i] = hal.BufferTextureCopy{
			BufferLayout: hal.ImageDataLayout{
				Offset:       r.BufferOffset,
				BytesPerRow:  uint32(fi.RowBytes(rowLength)), //nolint:gosec // G115: row size fits in uint32
				RowsPerImage: rows,
			},
			TextureBase: imageCopy(img, r.Subresource, r.Origin),
			Size:        copySize(img, r.Subresource, r.Extent),
		}
	}
	return out
}

func (c *commandBuffer) CopyBufferToImage(src driver.Buffer, dst driver.Image, _ driver.ImageLayout, regions []driver.BufferImageCopy) {
	if !c.transfer() {
		return
	}
	s, err := asBuffer(src)
	if err != nil {
		c.fail(err)
		return
	}
	img, err := asImage(dst)
	if err != nil {
		c.fail(err)
		return
	}
	c.enc.CopyBufferToTexture(s.hal, img.hal, bufferTextureCopies(img, regions))
}

func (c *commandBuffer) CopyImageToBuffer(src driver.Image, _ driver.ImageLayout, dst driver.Buffer, regions []driver.BufferImageCopy) {
	if !c.transfer() {
		return
	}
	img, err := asImage(src)
	if err != nil {
		c.fail(err)
		return
	}
	d, err := asBuffer(dst)
	if err != nil {
		c.fail(err)
		return
	}
	c.enc.CopyTextureToBuffer(img.hal, d.hal, bufferTextureCopies(img, regions))
}

func (c *commandBuffer) CopyImage(src driver.Image, _ driver.ImageLayout, dst driver.Image, _ driver.ImageLayout, regions []driver.ImageCopy) {
	if !c.transfer() {
		return
	}
	s, err := asImage(src)
	if err != nil {
		c.fail(err)
		return
	}
	d, err := asImage(dst)
	if err != nil {
		c.fail(err)
		return
	}
	hr := make([]hal.TextureCopy, len(regions))
	for i, r := range regions {
		hr[i] = hal.TextureCopy{
			SrcBase: imageCopy(s, r.Src, r.SrcOrigin),
			DstBase: imageCopy(d, r.Dst, r.DstOrigin),
			Size:    copySize(s, r.Src, r.Extent),
		}
	}
	c.enc.CopyTextureToTexture(s.hal, d.hal, hr)
}

// FillBuffer clears a range to zero. Other values are unsupported.
func (c *commandBuffer) FillBuffer(b driver.Buffer, offset, size uint64, data uint32) {
	if !c.transfer() {
		return
	}
	if data != 0 {
		c.fail(errFillNonZero)
		return
	}
	buf, err := asBuffer(b)
	if err != nil {
		c.fail(err)
		return
	}
	c.enc.ClearBuffer(buf.hal, offset, size)
}
