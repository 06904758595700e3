//go:build cgo

package vulkan

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gfx/driver"
)

// Recording errors, reported by End.
var (
	errOutsidePass  = errors.New("vulkan: draw command outside a render pass")
	errInsidePass   = errors.New("vulkan: transfer, dispatch or barrier inside a render pass")
	errUnendedPass  = errors.New("vulkan: render pass not ended")
	errNotRecording = errors.New("vulkan: command buffer is not recording")
	errFillAlign    = errors.New("vulkan: FillBuffer offset and size must be multiples of 4")
)

type commandPool struct {
	d    *Device
	pool vk.CommandPool
}

// AllocateCommandBuffers allocates n primary command buffers.
func (p *commandPool) AllocateCommandBuffers(n int) ([]driver.CommandBuffer, error) {
	if n <= 0 {
		return nil, nil
	}
	vcbs := make([]vk.CommandBuffer, n)
	ret := vk.AllocateCommandBuffers(p.d.dev, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: uint32(n), //nolint:gosec // G115: n > 0
	}, vcbs)
	if err := check("allocate command buffers", ret); err != nil {
		return nil, err
	}
	cbs := make([]driver.CommandBuffer, n)
	for i, cb := range vcbs {
		cbs[i] = &commandBuffer{d: p.d, cb: cb}
	}
	return cbs, nil
}

// FreeCommandBuffers returns command buffers to the pool.
func (p *commandPool) FreeCommandBuffers(cbs []driver.CommandBuffer) {
	vcbs := make([]vk.CommandBuffer, 0, len(cbs))
	for _, c := range cbs {
		if cb, ok := c.(*commandBuffer); ok && cb != nil {
			vcbs = append(vcbs, cb.cb)
		}
	}
	if len(vcbs) > 0 {
		vk.FreeCommandBuffers(p.d.dev, p.pool, uint32(len(vcbs)), vcbs) //nolint:gosec // G115: slice length
	}
}

// Reset resets every command buffer of the pool.
func (p *commandPool) Reset() error {
	return check("reset command pool", vk.ResetCommandPool(p.d.dev, p.pool, 0))
}

// Destroy destroys the pool and frees its command buffers.
func (p *commandPool) Destroy() {
	vk.DestroyCommandPool(p.d.dev, p.pool, nil)
}

// commandBuffer records into a VkCommandBuffer. Misuse that Vulkan would
// only catch in validation is kept as the first error and returned by End.
type commandBuffer struct {
	d  *Device
	cb vk.CommandBuffer

	recording bool
	pass      *renderTarget
	err       error
}

var _ driver.CommandBuffer = (*commandBuffer)(nil)

func (c *commandBuffer) NativeHandle() uintptr { return native(unsafe.Pointer(c.cb)) }

func (c *commandBuffer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// outside reports whether a command that is illegal inside a render pass
// may be recorded.
func (c *commandBuffer) outside() bool {
	switch {
	case !c.recording:
		c.fail(errNotRecording)
		return false
	case c.pass != nil:
		c.fail(errInsidePass)
		return false
	}
	return true
}

// inside reports whether a draw command may be recorded.
func (c *commandBuffer) inside() bool {
	switch {
	case !c.recording:
		c.fail(errNotRecording)
		return false
	case c.pass == nil:
		c.fail(errOutsidePass)
		return false
	}
	return true
}

// Begin starts recording. The pool allows resetting single buffers, so
// beginning a recorded buffer resets it implicitly.
func (c *commandBuffer) Begin() error {
	c.pass, c.err = nil, nil
	ret := vk.BeginCommandBuffer(c.cb, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	})
	if err := check("begin command buffer", ret); err != nil {
		return err
	}
	c.recording = true
	return nil
}

// End finishes recording and returns the first recording error.
func (c *commandBuffer) End() error {
	if !c.recording {
		return errNotRecording
	}
	if c.pass != nil {
		vk.CmdEndRenderPass(c.cb)
		c.pass = nil
		c.fail(errUnendedPass)
	}
	c.recording = false
	if err := check("end command buffer", vk.EndCommandBuffer(c.cb)); err != nil {
		return err
	}
	return c.err
}

func imageBarrier(b driver.ImageBarrier) (vk.ImageMemoryBarrier, error) {
	img, err := asImage(b.Image)
	if err != nil {
		return vk.ImageMemoryBarrier{}, err
	}
	aspect := b.Aspect
	if aspect == 0 {
		aspect = img.info.Aspect()
	}
	return vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       accessFlags(b.SrcAccess),
		DstAccessMask:       accessFlags(b.DstAccess),
		OldLayout:           imageLayout(b.OldLayout),
		NewLayout:           imageLayout(b.NewLayout),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.img,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspectFlags(aspect),
			BaseMipLevel:   b.BaseMipLevel,
			LevelCount:     max(b.LevelCount, 1),
			BaseArrayLayer: b.BaseLayer,
			LayerCount:     max(b.LayerCount, 1),
		},
	}, nil
}

// PipelineBarrier records image layout transitions. Empty stage masks
// become top and bottom of pipe.
func (c *commandBuffer) PipelineBarrier(src, dst driver.PipelineStage, barriers []driver.ImageBarrier) {
	if !c.outside() || len(barriers) == 0 {
		return
	}
	vbs := make([]vk.ImageMemoryBarrier, len(barriers))
	for i, b := range barriers {
		vb, err := imageBarrier(b)
		if err != nil {
			c.fail(err)
			return
		}
		vbs[i] = vb
	}
	if src == 0 {
		src = driver.StageTopOfPipe
	}
	if dst == 0 {
		dst = driver.StageBottomOfPipe
	}
	vk.CmdPipelineBarrier(c.cb, stageFlags(src), stageFlags(dst), 0, 0, nil, 0, nil, uint32(len(vbs)), vbs) //nolint:gosec // G115: slice length
}

// BeginRenderPass begins the render target's render pass over its whole
// area with the clear values of its attachments.
func (c *commandBuffer) BeginRenderPass(t driver.RenderTarget) {
	if !c.outside() {
		return
	}
	rt, ok := t.(*renderTarget)
	if !ok || rt == nil {
		c.fail(fmt.Errorf("%w: render target", driver.ErrInvalidHandle))
		return
	}
	vk.CmdBeginRenderPass(c.cb, &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rt.pass,
		Framebuffer: rt.fb,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: rt.width, Height: rt.height},
		},
		ClearValueCount: uint32(len(rt.clears)), //nolint:gosec // G115: attachment count
		PClearValues:    rt.clears,
	}, vk.SubpassContentsInline)
	c.pass = rt
}

// EndRenderPass ends the current render pass.
func (c *commandBuffer) EndRenderPass() {
	if !c.inside() {
		return
	}
	vk.CmdEndRenderPass(c.cb)
	c.pass = nil
}

// SetViewport sets viewport 0. A negative height flips Y (core since 1.1).
func (c *commandBuffer) SetViewport(v driver.Viewport) {
	if !c.inside() {
		return
	}
	vk.CmdSetViewport(c.cb, 0, 1, []vk.Viewport{{
		X:        v.X,
		Y:        v.Y,
		Width:    v.Width,
		Height:   v.Height,
		MinDepth: v.MinDepth,
		MaxDepth: v.MaxDepth,
	}})
}

// scissorRect clamps a negative origin to zero and shrinks the extent.
func scissorRect(r driver.Rect) vk.Rect2D {
	x, y, w, h := r.X, r.Y, r.Width, r.Height
	if x < 0 {
		w -= min(w, uint32(-x))
		x = 0
	}
	if y < 0 {
		h -= min(h, uint32(-y))
		y = 0
	}
	return vk.Rect2D{
		Offset: vk.Offset2D{X: x, Y: y},
		Extent: vk.Extent2D{Width: w, Height: h},
	}
}

// SetScissor sets scissor 0.
func (c *commandBuffer) SetScissor(r driver.Rect) {
	if !c.inside() {
		return
	}
	vk.CmdSetScissor(c.cb, 0, 1, []vk.Rect2D{scissorRect(r)})
}

// pipelineAllowed checks pipeline commands against the render pass state:
// graphics state needs an open pass, compute state must not have one.
func (c *commandBuffer) pipelineAllowed(p *pipeline) bool {
	if p.point == driver.BindPointCompute {
		return c.outside()
	}
	return c.inside()
}

// BindPipeline binds a graphics or compute pipeline.
func (c *commandBuffer) BindPipeline(p driver.Pipeline) {
	pl, err := asPipeline(p)
	if err != nil {
		c.fail(err)
		return
	}
	if !c.pipelineAllowed(pl) {
		return
	}
	vk.CmdBindPipeline(c.cb, bindPoint(pl.point), pl.p)
}

// BindDescriptorSets binds sets starting at first with p's layout.
func (c *commandBuffer) BindDescriptorSets(p driver.Pipeline, first uint32, sets []driver.DescriptorSet) {
	pl, err := asPipeline(p)
	if err != nil {
		c.fail(err)
		return
	}
	if !c.pipelineAllowed(pl) || len(sets) == 0 {
		return
	}
	vsets := make([]vk.DescriptorSet, len(sets))
	for i, s := range sets {
		set, err := asSet(s)
		if err != nil {
			c.fail(err)
			return
		}
		vsets[i] = set.s
	}
	vk.CmdBindDescriptorSets(c.cb, bindPoint(pl.point), pl.layout, first, uint32(len(vsets)), vsets, 0, nil) //nolint:gosec // G115: slice length
}

// PushConstants updates push constants for every stage of p's range.
func (c *commandBuffer) PushConstants(p driver.Pipeline, offset uint32, data []byte) {
	pl, err := asPipeline(p)
	if err != nil {
		c.fail(err)
		return
	}
	if !c.pipelineAllowed(pl) || len(data) == 0 {
		return
	}
	vk.CmdPushConstants(c.cb, pl.layout, pl.stages, offset, uint32(len(data)), unsafe.Pointer(&data[0])) //nolint:gosec // G115: slice length
}

// BindVertexBuffers binds vertex buffers from slot first.
func (c *commandBuffer) BindVertexBuffers(first uint32, buffers []driver.Buffer, offsets []uint64) {
	if !c.inside() || len(buffers) == 0 {
		return
	}
	vbs := make([]vk.Buffer, len(buffers))
	offs := make([]vk.DeviceSize, len(buffers))
	for i, b := range buffers {
		buf, err := asBuffer(b)
		if err != nil {
			c.fail(err)
			return
		}
		vbs[i] = buf.buf
		if i < len(offsets) {
			offs[i] = vk.DeviceSize(offsets[i])
		}
	}
	vk.CmdBindVertexBuffers(c.cb, first, uint32(len(vbs)), vbs, offs) //nolint:gosec // G115: slice length
}

// BindIndexBuffer binds the index buffer.
func (c *commandBuffer) BindIndexBuffer(b driver.Buffer, offset uint64, format gputypes.IndexFormat) {
	if !c.inside() {
		return
	}
	buf, err := asBuffer(b)
	if err != nil {
		c.fail(err)
		return
	}
	vk.CmdBindIndexBuffer(c.cb, buf.buf, vk.DeviceSize(offset), indexType(format))
}

// Draw records a non-indexed draw.
func (c *commandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if c.inside() {
		vk.CmdDraw(c.cb, vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

// DrawIndexed records an indexed draw.
func (c *commandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	if c.inside() {
		vk.CmdDrawIndexed(c.cb, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
	}
}

// Dispatch records a compute dispatch.
func (c *commandBuffer) Dispatch(x, y, z uint32) {
	if c.outside() {
		vk.CmdDispatch(c.cb, x, y, z)
	}
}

// CopyBuffer copies buffer regions.
func (c *commandBuffer) CopyBuffer(src, dst driver.Buffer, regions []driver.BufferCopy) {
	if !c.outside() || len(regions) == 0 {
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
	vrs := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		vrs[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	vk.CmdCopyBuffer(c.cb, s.buf, d.buf, uint32(len(vrs)), vrs) //nolint:gosec // G115: slice length
}

func bufferImageCopies(regions []driver.BufferImageCopy) []vk.BufferImageCopy {
	out := make([]vk.BufferImageCopy, len(regions))
	for i, r := range regions {
		out[i] = vk.BufferImageCopy{
			BufferOffset:      vk.DeviceSize(r.BufferOffset),
			BufferRowLength:   r.RowLength,
			BufferImageHeight: r.ImageHeight,
			ImageSubresource:  subresourceLayers(r.Subresource),
			ImageOffset:       offset3D(r.Origin),
			ImageExtent:       extent3D(r.Extent),
		}
	}
	return out
}

// CopyBufferToImage copies buffer data into an image in layout.
func (c *commandBuffer) CopyBufferToImage(src driver.Buffer, dst driver.Image, layout driver.ImageLayout, regions []driver.BufferImageCopy) {
	if !c.outside() || len(regions) == 0 {
		return
	}
	buf, err := asBuffer(src)
	if err != nil {
		c.fail(err)
		return
	}
	img, err := asImage(dst)
	if err != nil {
		c.fail(err)
		return
	}
	vrs := bufferImageCopies(regions)
	vk.CmdCopyBufferToImage(c.cb, buf.buf, img.img, imageLayout(layout), uint32(len(vrs)), vrs) //nolint:gosec // G115: slice length
}

// CopyImageToBuffer copies image data in layout into a buffer.
func (c *commandBuffer) CopyImageToBuffer(src driver.Image, layout driver.ImageLayout, dst driver.Buffer, regions []driver.BufferImageCopy) {
	if !c.outside() || len(regions) == 0 {
		return
	}
	img, err := asImage(src)
	if err != nil {
		c.fail(err)
		return
	}
	buf, err := asBuffer(dst)
	if err != nil {
		c.fail(err)
		return
	}
	vrs := bufferImageCopies(regions)
	vk.CmdCopyImageToBuffer(c.cb, img.img, imageLayout(layout), buf.buf, uint32(len(vrs)), vrs) //nolint:gosec // G115: slice length
}

// CopyImage copies between images.
func (c *commandBuffer) CopyImage(src driver.Image, srcLayout driver.ImageLayout, dst driver.Image, dstLayout driver.ImageLayout, regions []driver.ImageCopy) {
	if !c.outside() || len(regions) == 0 {
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
	vrs := make([]vk.ImageCopy, len(regions))
	for i, r := range regions {
		vrs[i] = vk.ImageCopy{
			SrcSubresource: subresourceLayers(r.Src),
			SrcOffset:      offset3D(r.SrcOrigin),
			DstSubresource: subresourceLayers(r.Dst),
			DstOffset:      offset3D(r.DstOrigin),
			Extent:         extent3D(r.Extent),
		}
	}
	vk.CmdCopyImage(c.cb, s.img, imageLayout(srcLayout), d.img, imageLayout(dstLayout), uint32(len(vrs)), vrs) //nolint:gosec // G115: slice length
}

// FillBuffer fills a range with the 32-bit pattern data.
func (c *commandBuffer) FillBuffer(b driver.Buffer, offset, size uint64, data uint32) {
	if !c.outside() || size == 0 {
		return
	}
	buf, err := asBuffer(b)
	if err != nil {
		c.fail(err)
		return
	}
	if offset%4 != 0 || size%4 != 0 {
		c.fail(errFillAlign)
		return
	}
	vk.CmdFillBuffer(c.cb, buf.buf, vk.DeviceSize(offset), vk.DeviceSize(size), data)
}
