package gfx

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gfx/internal/fakegpu"
)

// waitCompleted waits for every submission of cb with a test timeout.
func waitCompleted(t *testing.T, cb *CommandBuffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cb.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
}

// submitted returns the native buffers of submission i.
func submitted(t *testing.T, fake *fakegpu.Device, i int) []*fakegpu.CommandBuffer {
	t.Helper()
	subs := fake.Submissions()
	if len(subs) <= i {
		t.Fatalf("%d submissions, want more than %d", len(subs), i)
	}
	return subs[i].CommandBuffers()
}

func newTestCommandBuffer(t *testing.T, dev *GraphicsDevice, kind driver.QueueFlags) *CommandBuffer {
	t.Helper()
	q, err := dev.Queue(kind)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := q.CreateCommandBuffer()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if ac, ok := dev.drv.(interface{ SetAutoComplete(bool) }); ok {
			ac.SetAutoComplete(true)
		}
		cb.Close()
	})
	return cb
}

func bindingLayout(t *testing.T, dev *GraphicsDevice, typ driver.DescriptorType) *ShaderBindingSetLayout {
	t.Helper()
	l, err := dev.CreateShaderBindingSetLayout([]driver.DescriptorBinding{{Binding: 0, Type: typ, Count: 1}})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func textureSet(t *testing.T, dev *GraphicsDevice, typ driver.DescriptorType, img *ImageResource) *ShaderBindingSet {
	t.Helper()
	s, err := dev.CreateShaderBindingSet(bindingLayout(t, dev, typ))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetTexture(0, img); err != nil {
		t.Fatal(err)
	}
	return s
}

func computePipeline(t *testing.T, dev *GraphicsDevice) *PipelineState {
	t.Helper()
	p, err := dev.CreateComputePipeline(ComputePipelineDescriptor{Label: "k", SPIRV: []uint32{0x07230203, 0x00010000}})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// ============================================================================
// Render encoder
// ============================================================================

func TestRenderEncoder_ReplaysInRecordOrder(t *testing.T) {
	fake, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)
	target := newTestTexture(t, dev, 16, 8, 1)
	pipeline, _ := WrapRenderPipeline(fake.NewRenderPipeline("tri"), "tri")
	vb, _ := dev.CreateBuffer(BufferDescriptor{Size: 64})
	ib, _ := dev.CreateBuffer(BufferDescriptor{Size: 64})
	set, _ := dev.CreateShaderBindingSet(bindingLayout(t, dev, driver.DescriptorUniformBuffer))
	if err := set.SetBuffer(0, vb, 0, WholeSize); err != nil {
		t.Fatal(err)
	}

	enc := cb.CreateRenderCommandEncoder(RenderPassDescriptor{
		Label:            "main",
		ColorAttachments: []RenderPassColorAttachment{{Image: target, LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore}},
	})
	if enc == nil {
		t.Fatal("CreateRenderCommandEncoder() = nil")
	}
	enc.Draw(3, 1, 0, 0) // no pipeline: dropped
	enc.SetRenderPipelineState(pipeline)
	enc.SetResource(0, set)
	enc.SetVertexBuffer(0, vb, 0)
	enc.Draw(3, 1, 0, 0)
	// Empty draws are ignored and DrawIndexed needs an index buffer.
	enc.Draw(0, 1, 0, 0)
	enc.DrawIndexed(6, 1, 0, 0, 0)
	enc.SetScissorRect(driver.Rect{X: 1, Y: 1, Width: 4, Height: 4})
	enc.SetIndexBuffer(ib, 0, gputypes.IndexFormatUint16)
	enc.DrawIndexed(6, 1, 0, 0, 0)
	enc.EndEncoding()
	enc.Draw(3, 1, 0, 0) // ended: dropped

	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}
	natives := submitted(t, fake, 0)
	if len(natives) != 1 {
		t.Fatalf("submitted %d buffers, want 1", len(natives))
	}
	want := []fakegpu.Op{
		fakegpu.OpBarrier,
		fakegpu.OpBeginRenderPass,
		fakegpu.OpSetViewport,
		fakegpu.OpSetScissor,
		fakegpu.OpBindPipeline,
		fakegpu.OpBindVertexBuffers,
		fakegpu.OpBindDescriptorSets,
		fakegpu.OpDraw,
		fakegpu.OpSetScissor,
		fakegpu.OpBindIndexBuffer,
		fakegpu.OpDrawIndexed,
		fakegpu.OpEndRenderPass,
	}
	if got := natives[0].Ops(); !slices.Equal(got, want) {
		t.Fatalf("ops = %v\nwant %v", got, want)
	}

	cmds := natives[0].Commands()
	if b := cmds[0].Barriers; len(b) != 1 || b[0].NewLayout != driver.LayoutColorAttachment {
		t.Errorf("setup barrier = %+v, want one transition to ColorAttachment", b)
	}
	if cmds[0].DstStage != driver.StageColorAttachmentOutput {
		t.Errorf("setup barrier DstStage = %#x, want ColorAttachmentOutput", cmds[0].DstStage)
	}
	rt := cmds[1].Target.(*fakegpu.RenderTarget)
	if rt.Desc.Width != 16 || rt.Desc.Height != 8 {
		t.Errorf("render target = %dx%d, want 16x8", rt.Desc.Width, rt.Desc.Height)
	}
	if v := cmds[2].Viewport; v.Width != 16 || v.Height != 8 || v.Y != 0 || v.MaxDepth != 1 {
		t.Errorf("default viewport = %+v, want 16x8 at origin", v)
	}
	if a := cmds[7].Args; a[0] != 3 || a[1] != 1 {
		t.Errorf("Draw args = %v, want 3 vertices, 1 instance", a)
	}
	if got := target.Layout(0); got != driver.LayoutColorAttachment {
		t.Errorf("attachment layout = %v, want ColorAttachment", got)
	}

	fake.CompleteAll()
	waitCompleted(t, cb)
	if n := fake.LiveRenderTargets(); n != 0 {
		t.Errorf("LiveRenderTargets() after completion = %d, want 0", n)
	}
}

func TestRenderEncoder_FlipViewportY(t *testing.T) {
	fake, dev := newTestDevice(t, WithFlipViewportY(true))
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)
	target := newTestTexture(t, dev, 16, 8, 1)

	enc := cb.CreateRenderCommandEncoder(RenderPassDescriptor{
		ColorAttachments: []RenderPassColorAttachment{{Image: target}},
	})
	enc.SetViewport(driver.Viewport{X: 0, Y: 2, Width: 4, Height: 4, MaxDepth: 1})
	enc.EndEncoding()
	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}

	var viewports []driver.Viewport
	for _, c := range submitted(t, fake, 0)[0].Commands() {
		if c.Op == fakegpu.OpSetViewport {
			viewports = append(viewports, c.Viewport)
		}
	}
	if len(viewports) != 2 {
		t.Fatalf("%d viewports, want 2", len(viewports))
	}
	if v := viewports[0]; v.Y != 8 || v.Height != -8 {
		t.Errorf("default viewport Y/Height = %v/%v, want 8/-8", v.Y, v.Height)
	}
	if v := viewports[1]; v.Y != 6 || v.Height != -4 {
		t.Errorf("flipped viewport Y/Height = %v/%v, want 6/-4", v.Y, v.Height)
	}
}

func TestRenderEncoder_InvalidDescriptor(t *testing.T) {
	_, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)
	depth, _ := dev.CreateTexture(TextureDescriptor{Format: gputypes.TextureFormatDepth32Float, Width: 4, Height: 4})
	color := newTestTexture(t, dev, 4, 4, 1)

	tests := []struct {
		name string
		desc RenderPassDescriptor
	}{
		{"no attachments", RenderPassDescriptor{}},
		{"depth as color", RenderPassDescriptor{ColorAttachments: []RenderPassColorAttachment{{Image: depth}}}},
		{"color as depth", RenderPassDescriptor{DepthStencilAttachment: &RenderPassDepthStencilAttachment{Image: color}}},
		{"bad layer", RenderPassDescriptor{ColorAttachments: []RenderPassColorAttachment{{Image: color, Layer: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if enc := cb.CreateRenderCommandEncoder(tt.desc); enc != nil {
				t.Error("CreateRenderCommandEncoder() != nil")
			}
		})
	}
	// Rejected encoders do not block Commit.
	if !cb.Commit() {
		t.Error("Commit() after rejected encoders = false")
	}
}

func TestRenderEncoder_ExternalAttachment(t *testing.T) {
	fake, dev := newTestDevice(t, WithTimelineSemaphores(false))
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)

	native, _, _ := fake.CreateImage(&driver.ImageDescriptor{
		Format: gputypes.TextureFormatBGRA8Unorm, Width: 8, Height: 8, Depth: 1, MipLevels: 1, ArrayLayers: 1,
	})
	swap := WrapImage(dev, native, TextureDescriptor{Label: "swapchain", Format: gputypes.TextureFormatBGRA8Unorm, Width: 8, Height: 8})
	acquired, _ := fake.CreateSemaphore()
	rendered, _ := fake.CreateSemaphore()
	swap.SetExternalSync(acquired, rendered)
	if !swap.IsExternal() {
		t.Fatal("IsExternal() = false after SetExternalSync")
	}

	enc := cb.CreateRenderCommandEncoder(RenderPassDescriptor{
		ColorAttachments: []RenderPassColorAttachment{{Image: swap}},
	})
	enc.EndEncoding()
	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}

	info := fake.Submissions()[0].Infos[0]
	if len(info.WaitSemaphores) != 1 || info.WaitSemaphores[0] != acquired {
		t.Errorf("WaitSemaphores = %v, want [acquired]", info.WaitSemaphores)
	}
	if len(info.WaitStages) != 1 || info.WaitStages[0] != driver.StageColorAttachmentOutput {
		t.Errorf("WaitStages = %v, want [ColorAttachmentOutput]", info.WaitStages)
	}
	if len(info.SignalSemaphores) != 1 || info.SignalSemaphores[0] != rendered {
		t.Errorf("SignalSemaphores = %v, want [rendered]", info.SignalSemaphores)
	}

	cmds := submitted(t, fake, 0)[0].Commands()
	rt := cmds[1].Target.(*fakegpu.RenderTarget)
	if got := rt.Desc.Color[0].FinalLayout; got != driver.LayoutPresentSrc {
		t.Errorf("FinalLayout = %v, want PresentSrc", got)
	}
	if got := swap.Layout(0); got != driver.LayoutPresentSrc {
		t.Errorf("tracked layout = %v, want PresentSrc", got)
	}
	if n := len(submitted(t, fake, 0)[0].Barriers()); n != 1 {
		t.Errorf("%d barriers, want 1 (the render pass performs the present transition)", n)
	}
}

func TestRenderEncoder_ConflictingLayoutsResolveToGeneral(t *testing.T) {
	fake, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)
	target := newTestTexture(t, dev, 8, 8, 1)
	img := newTestTexture(t, dev, 8, 8, 1)
	sampled := textureSet(t, dev, driver.DescriptorSampledImage, img)
	storage := textureSet(t, dev, driver.DescriptorStorageImage, img)
	pipeline, _ := WrapRenderPipeline(fake.NewRenderPipeline("draw"), "draw")

	enc := cb.CreateRenderCommandEncoder(RenderPassDescriptor{
		ColorAttachments: []RenderPassColorAttachment{{Image: target}},
	})
	enc.SetRenderPipelineState(pipeline)
	enc.SetResource(0, sampled)
	enc.Draw(3, 1, 0, 0)
	enc.SetResource(0, storage)
	enc.Draw(3, 1, 0, 0)
	enc.EndEncoding()
	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}

	native := submitted(t, fake, 0)[0]
	begin := slices.Index(native.Ops(), fakegpu.OpBeginRenderPass)
	if begin < 0 {
		t.Fatalf("ops = %v, want a render pass", native.Ops())
	}
	var barriers []driver.ImageBarrier
	for i, c := range native.Commands() {
		if i < begin {
			for _, b := range c.Barriers {
				if b.Image == img.native {
					barriers = append(barriers, b)
				}
			}
		} else if len(c.Barriers) > 0 {
			t.Errorf("barrier recorded at op %d, inside the render pass", i)
		}
	}
	if len(barriers) != 1 || barriers[0].OldLayout != driver.LayoutUndefined || barriers[0].NewLayout != driver.LayoutGeneral {
		t.Errorf("image barriers before the pass = %+v, want one Undefined -> General", barriers)
	}
	if got := img.Layout(0); got != driver.LayoutGeneral {
		t.Errorf("Layout(0) = %v, want General", got)
	}
}

// ============================================================================
// Compute encoder and binding-set layouts
// ============================================================================

func TestComputeEncoder_ConflictingLayoutsResolveToGeneral(t *testing.T) {
	fake, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueCompute)
	img := newTestTexture(t, dev, 8, 8, 1)
	sampled := textureSet(t, dev, driver.DescriptorSampledImage, img)
	storage := textureSet(t, dev, driver.DescriptorStorageImage, img)
	p := computePipeline(t, dev)

	enc := cb.CreateComputeCommandEncoder()
	enc.SetComputePipelineState(p)
	enc.SetResource(0, sampled)
	enc.SetResource(1, storage)
	enc.Dispatch(4, 4, 1)
	enc.EndEncoding()

	// A second encoder using the image in the same layout needs no barrier.
	enc2 := cb.CreateComputeCommandEncoder()
	enc2.SetComputePipelineState(p)
	enc2.SetResource(0, storage)
	enc2.Dispatch(1, 1, 1)
	enc2.EndEncoding()

	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}
	natives := submitted(t, fake, 0)
	if len(natives) != 2 {
		t.Fatalf("submitted %d buffers, want 2", len(natives))
	}
	want := []fakegpu.Op{
		fakegpu.OpBarrier,
		fakegpu.OpBindPipeline,
		fakegpu.OpBindDescriptorSets,
		fakegpu.OpBindDescriptorSets,
		fakegpu.OpDispatch,
	}
	if got := natives[0].Ops(); !slices.Equal(got, want) {
		t.Fatalf("ops = %v\nwant %v", got, want)
	}
	b := natives[0].Barriers()
	if len(b) != 1 || b[0].OldLayout != driver.LayoutUndefined || b[0].NewLayout != driver.LayoutGeneral {
		t.Errorf("barriers = %+v, want one Undefined -> General", b)
	}
	if stage := natives[0].Commands()[0].DstStage; stage != driver.StageComputeShader {
		t.Errorf("barrier DstStage = %#x, want ComputeShader", stage)
	}
	if n := len(natives[1].Barriers()); n != 0 {
		t.Errorf("second encoder recorded %d barriers, want 0", n)
	}
	if a := natives[0].Commands()[4].Args; a[0] != 4 || a[1] != 4 || a[2] != 1 {
		t.Errorf("Dispatch args = %v, want 4 4 1", a[:3])
	}

	written := func(s *ShaderBindingSet) driver.ImageLayout {
		return s.Native().(*fakegpu.DescriptorSet).Writes[0].ImageLayout
	}
	if got := written(sampled); got != driver.LayoutGeneral {
		t.Errorf("sampled descriptor layout = %v, want General", got)
	}
	if got := written(storage); got != driver.LayoutGeneral {
		t.Errorf("storage descriptor layout = %v, want General", got)
	}

	fake.CompleteAll()
	waitCompleted(t, cb)

	// Used alone, the sampled binding goes back to ShaderReadOnly.
	cb2 := newTestCommandBuffer(t, dev, driver.QueueCompute)
	enc3 := cb2.CreateComputeCommandEncoder()
	enc3.SetComputePipelineState(p)
	enc3.SetResource(0, sampled)
	enc3.Dispatch(1, 1, 1)
	enc3.EndEncoding()
	if !cb2.Commit() {
		t.Fatal("Commit() = false")
	}
	if got := written(sampled); got != driver.LayoutShaderReadOnly {
		t.Errorf("sampled descriptor layout = %v, want ShaderReadOnly", got)
	}
	b = submitted(t, fake, 1)[0].Barriers()
	if len(b) != 1 || b[0].OldLayout != driver.LayoutGeneral || b[0].NewLayout != driver.LayoutShaderReadOnly {
		t.Errorf("barriers = %+v, want one General -> ShaderReadOnly", b)
	}
}

func TestComputeEncoder_DroppedCalls(t *testing.T) {
	fake, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueCompute)
	render, _ := WrapRenderPipeline(fake.NewRenderPipeline("draw"), "draw")

	enc := cb.CreateComputeCommandEncoder()
	enc.Dispatch(1, 1, 1)
	enc.SetComputePipelineState(render)
	enc.SetComputePipelineState(computePipeline(t, dev))
	enc.PushConstant(2, []byte{1, 2, 3, 4})
	enc.PushConstant(0, []byte{1, 2, 3, 4})
	enc.Dispatch(0, 1, 1)
	enc.Dispatch(2, 1, 1)
	enc.SetResource(0, nil)
	enc.EndEncoding()

	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}
	want := []fakegpu.Op{fakegpu.OpBindPipeline, fakegpu.OpPushConstants, fakegpu.OpDispatch}
	if got := submitted(t, fake, 0)[0].Ops(); !slices.Equal(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}
}

func TestComputeEncoder_ReleasesBindingSetsOnCompletion(t *testing.T) {
	fake, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueCompute)
	buf, _ := dev.CreateBuffer(BufferDescriptor{Size: 16})
	set, _ := dev.CreateShaderBindingSet(bindingLayout(t, dev, driver.DescriptorStorageBuffer))
	_ = set.SetBuffer(0, buf, 0, WholeSize)

	enc := cb.CreateComputeCommandEncoder()
	enc.SetComputePipelineState(computePipeline(t, dev))
	enc.SetResource(0, set)
	enc.Dispatch(1, 1, 1)
	enc.EndEncoding()
	set.Release() // the encoder keeps it alive

	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}
	if n := dev.DescriptorPoolStats().LiveSets; n != 1 {
		t.Errorf("LiveSets while in flight = %d, want 1", n)
	}
	fake.CompleteAll()
	waitCompleted(t, cb)
	if n := dev.DescriptorPoolStats().LiveSets; n != 0 {
		t.Errorf("LiveSets after completion = %d, want 0", n)
	}
}
