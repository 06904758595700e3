package halgpu

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfx/backend"
	"github.com/gogpu/gfx/driver"
)

func newNoopDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New(Config{Backend: "noop", Adapter: -1})
	if err != nil {
		t.Fatalf("New(noop) error = %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func recordEmpty(t *testing.T, d *Device) driver.CommandBuffer {
	t.Helper()
	pool, err := d.CreateCommandPool(0)
	if err != nil {
		t.Fatal(err)
	}
	cbs, err := pool.AllocateCommandBuffers(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := cbs[0].Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := cbs[0].End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	return cbs[0]
}

// =============================================================================
// Device
// =============================================================================

func TestNew_Noop(t *testing.T) {
	d := newNoopDevice(t)
	if d.AdapterName() == "" {
		t.Error("AdapterName() is empty")
	}
	if !d.Features().TimelineSemaphore {
		t.Error("Features().TimelineSemaphore = false, want true")
	}
	fams := d.QueueFamilies()
	if len(fams) != 1 || fams[0].Count != 1 {
		t.Fatalf("QueueFamilies() = %+v, want one family with one queue", fams)
	}
	if want := driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer; fams[0].Flags != want {
		t.Errorf("family flags = %v, want %v", fams[0].Flags, want)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "glide"}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("New(glide) error = %v, want ErrUnknownBackend", err)
	}
}

func TestNew_AdapterOutOfRange(t *testing.T) {
	if _, err := New(Config{Backend: "noop", Adapter: 5}); !errors.Is(err, ErrNoAdapter) {
		t.Errorf("New(adapter 5) error = %v, want ErrNoAdapter", err)
	}
}

func TestDevice_QueueAndPool(t *testing.T) {
	d := newNoopDevice(t)
	if _, err := d.Queue(0, 0); err != nil {
		t.Errorf("Queue(0, 0) error = %v", err)
	}
	if _, err := d.Queue(0, 1); !errors.Is(err, driver.ErrInvalidHandle) {
		t.Errorf("Queue(0, 1) error = %v, want ErrInvalidHandle", err)
	}
	if _, err := d.CreateCommandPool(1); !errors.Is(err, driver.ErrInvalidHandle) {
		t.Errorf("CreateCommandPool(1) error = %v, want ErrInvalidHandle", err)
	}
}

func TestDevice_DestroyTwice(t *testing.T) {
	d, err := New(Config{Backend: "noop"})
	if err != nil {
		t.Fatal(err)
	}
	d.Destroy()
	d.Destroy()
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{backend.BackendHAL, backend.BackendNoop} {
		if !backend.IsRegistered(name) {
			t.Errorf("backend %q not registered", name)
		}
	}
	drv, err := backend.Open(backend.BackendNoop, backend.DefaultOptions())
	if err != nil {
		t.Fatalf("Open(noop) error = %v", err)
	}
	drv.Destroy()
}

func TestNewFromProvider_Nil(t *testing.T) {
	if _, err := NewFromProvider(nil); !errors.Is(err, ErrNoHALDevice) {
		t.Errorf("NewFromProvider(nil) error = %v, want ErrNoHALDevice", err)
	}
}

// =============================================================================
// Memory
// =============================================================================

func TestMapMemory(t *testing.T) {
	d := newNoopDevice(t)
	buf, mem, err := d.CreateBuffer(&driver.BufferDescriptor{
		Label:       "staging",
		Size:        16,
		Usage:       gputypes.BufferUsageCopySrc,
		HostVisible: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyBuffer(buf)

	if !mem.HostVisible() || mem.Size() != 16 {
		t.Fatalf("memory = host %v size %d, want host true size 16", mem.HostVisible(), mem.Size())
	}
	data, err := d.MapMemory(mem, 4, 8)
	if err != nil {
		t.Fatalf("MapMemory() error = %v", err)
	}
	if len(data) != 8 {
		t.Fatalf("len(MapMemory()) = %d, want 8", len(data))
	}
	copy(data, "halgpu!!")
	d.UnmapMemory(mem)

	again, err := d.MapMemory(mem, 4, 6)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(again); got != "halgpu" {
		t.Errorf("mapped again = %q, want %q", got, "halgpu")
	}
	d.UnmapMemory(mem)

	if _, err := d.MapMemory(mem, 12, 8); err == nil {
		t.Error("MapMemory() past the end succeeded")
	}
}

func TestMapMemory_DeviceLocal(t *testing.T) {
	d := newNoopDevice(t)
	img, mem, err := d.CreateImage(&driver.ImageDescriptor{
		Label:  "target",
		Format: gputypes.TextureFormatRGBA8Unorm,
		Width:  4,
		Height: 4,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyImage(img)

	if mem.HostVisible() {
		t.Error("image memory is host visible")
	}
	if mem.Size() != 64 {
		t.Errorf("image memory size = %d, want 64", mem.Size())
	}
	if _, err := d.MapMemory(mem, 0, 4); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("MapMemory(image) error = %v, want ErrUnsupported", err)
	}
}

// =============================================================================
// Synchronization
// =============================================================================

func TestFence_SignaledAfterSubmit(t *testing.T) {
	d := newNoopDevice(t)
	f, _ := d.CreateFence()

	if ok, _ := d.FenceStatus(f); ok {
		t.Fatal("fresh fence is signaled")
	}
	q, _ := d.Queue(0, 0)
	cb := recordEmpty(t, d)
	if err := q.Submit([]driver.SubmitInfo{{CommandBuffers: []driver.CommandBuffer{cb}}}, f); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ok, err := d.WaitForFences([]driver.Fence{f}, true, time.Second)
	if err != nil || !ok {
		t.Fatalf("WaitForFences() = %v, %v, want true", ok, err)
	}
	if err := d.ResetFence(f); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.FenceStatus(f); ok {
		t.Error("reset fence is signaled")
	}
}

func TestWaitForFences_Timeout(t *testing.T) {
	d := newNoopDevice(t)
	f, _ := d.CreateFence()
	ok, err := d.WaitForFences([]driver.Fence{f}, true, time.Millisecond)
	if err != nil || ok {
		t.Errorf("WaitForFences(unsubmitted) = %v, %v, want false", ok, err)
	}
}

func TestTimelineSemaphore(t *testing.T) {
	d := newNoopDevice(t)
	sem, err := d.CreateTimelineSemaphore(3)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := d.SemaphoreValue(sem); v != 3 {
		t.Errorf("initial value = %d, want 3", v)
	}

	q, _ := d.Queue(0, 0)
	cb := recordEmpty(t, d)
	err = q.Submit([]driver.SubmitInfo{{
		CommandBuffers:   []driver.CommandBuffer{cb},
		SignalSemaphores: []driver.Semaphore{sem},
		SignalValues:     []uint64{7},
	}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := d.WaitSemaphore(sem, 7, time.Second); err != nil || !ok {
		t.Fatalf("WaitSemaphore(7) = %v, %v, want true", ok, err)
	}
	if ok, _ := d.WaitSemaphore(sem, 8, time.Millisecond); ok {
		t.Error("WaitSemaphore(8) = true before anything signaled 8")
	}

	if err := d.SignalSemaphore(sem, 9); err != nil {
		t.Fatal(err)
	}
	if err := d.SignalSemaphore(sem, 5); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.SemaphoreValue(sem); v != 9 {
		t.Errorf("value = %d, want 9 (counters never go back)", v)
	}
}

func TestBinarySemaphore_NoHostAccess(t *testing.T) {
	d := newNoopDevice(t)
	sem, _ := d.CreateSemaphore()
	if _, err := d.SemaphoreValue(sem); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("SemaphoreValue(binary) error = %v, want ErrUnsupported", err)
	}
	if err := d.SignalSemaphore(sem, 1); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("SignalSemaphore(binary) error = %v, want ErrUnsupported", err)
	}
}

func TestSubmit_Unrecorded(t *testing.T) {
	d := newNoopDevice(t)
	pool, _ := d.CreateCommandPool(0)
	cbs, _ := pool.AllocateCommandBuffers(1)
	q, _ := d.Queue(0, 0)
	err := q.Submit([]driver.SubmitInfo{{CommandBuffers: cbs}}, nil)
	if !errors.Is(err, driver.ErrInvalidHandle) {
		t.Errorf("Submit(unrecorded) error = %v, want ErrInvalidHandle", err)
	}
}

// =============================================================================
// Descriptors
// =============================================================================

func TestDescriptorPool_Exhaustion(t *testing.T) {
	d := newNoopDevice(t)
	layout, err := d.CreateDescriptorSetLayout([]driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorStorageBuffer, Count: 1, Stages: gputypes.ShaderStageCompute},
	})
	if err != nil {
		t.Fatal(err)
	}
	pool, _ := d.CreateDescriptorPool(&driver.DescriptorPoolDescriptor{MaxSets: 2})

	a, err := d.AllocateDescriptorSet(pool, layout)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AllocateDescriptorSet(pool, layout); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AllocateDescriptorSet(pool, layout); !errors.Is(err, driver.ErrOutOfPoolMemory) {
		t.Fatalf("third AllocateDescriptorSet() error = %v, want ErrOutOfPoolMemory", err)
	}
	if err := d.FreeDescriptorSet(pool, a); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AllocateDescriptorSet(pool, layout); err != nil {
		t.Errorf("AllocateDescriptorSet() after free error = %v", err)
	}
	if err := d.ResetDescriptorPool(pool); err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if _, err := d.AllocateDescriptorSet(pool, layout); err != nil {
			t.Errorf("AllocateDescriptorSet() #%d after reset error = %v", i, err)
		}
	}
}

func TestUpdateDescriptorSet_BuildsGroupWhenComplete(t *testing.T) {
	d := newNoopDevice(t)
	layout, _ := d.CreateDescriptorSetLayout([]driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorUniformBuffer, Count: 1},
		{Binding: 1, Type: driver.DescriptorSampledImage, Count: 1},
	})
	pool, _ := d.CreateDescriptorPool(&driver.DescriptorPoolDescriptor{MaxSets: 1})
	s, _ := d.AllocateDescriptorSet(pool, layout)
	set := s.(*descriptorSet)

	buf, _, _ := d.CreateBuffer(&driver.BufferDescriptor{Size: 64, Usage: gputypes.BufferUsageUniform})
	img, _, _ := d.CreateImage(&driver.ImageDescriptor{
		Format: gputypes.TextureFormatRGBA8Unorm, Width: 2, Height: 2,
		Usage: gputypes.TextureUsageTextureBinding,
	})

	err := d.UpdateDescriptorSet(s, []driver.DescriptorWrite{
		{Binding: 0, Type: driver.DescriptorUniformBuffer, Buffer: buf, Range: 64},
	})
	if err != nil {
		t.Fatal(err)
	}
	if set.bindGroup() != nil {
		t.Fatal("bind group built before binding 1 was written")
	}
	err = d.UpdateDescriptorSet(s, []driver.DescriptorWrite{
		{Binding: 1, Type: driver.DescriptorSampledImage, Image: img, ImageLayout: driver.LayoutShaderReadOnly},
	})
	if err != nil {
		t.Fatal(err)
	}
	if set.bindGroup() == nil {
		t.Error("bind group missing after every binding was written")
	}
}

func TestCreateDescriptorSetLayout_Unsupported(t *testing.T) {
	d := newNoopDevice(t)
	tests := []driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorCombinedImageSampler, Count: 1},
		{Binding: 0, Type: driver.DescriptorInputAttachment, Count: 1},
		{Binding: 0, Type: driver.DescriptorStorageBuffer, Count: 4},
	}
	for _, b := range tests {
		if _, err := d.CreateDescriptorSetLayout([]driver.DescriptorBinding{b}); !errors.Is(err, driver.ErrUnsupported) {
			t.Errorf("CreateDescriptorSetLayout(%+v) error = %v, want ErrUnsupported", b, err)
		}
	}
}

// =============================================================================
// Command recording
// =============================================================================

func TestCommandBuffer_RecordingErrors(t *testing.T) {
	d := newNoopDevice(t)
	pool, _ := d.CreateCommandPool(0)
	buf, _, _ := d.CreateBuffer(&driver.BufferDescriptor{Size: 64, Usage: gputypes.BufferUsageCopyDst})

	tests := []struct {
		name   string
		record func(cb driver.CommandBuffer)
		want   error
	}{
		{"zero fill", func(cb driver.CommandBuffer) { cb.FillBuffer(buf, 0, 64, 0) }, nil},
		{"non-zero fill", func(cb driver.CommandBuffer) { cb.FillBuffer(buf, 0, 64, 1) }, driver.ErrUnsupported},
		{"push constants", func(cb driver.CommandBuffer) { cb.PushConstants(nil, 0, []byte{1}) }, driver.ErrUnsupported},
		{"draw outside pass", func(cb driver.CommandBuffer) { cb.Draw(3, 1, 0, 0) }, errOutsidePass},
		{"dispatch", func(cb driver.CommandBuffer) { cb.Dispatch(1, 1, 1) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cbs, _ := pool.AllocateCommandBuffers(1)
			cb := cbs[0]
			if err := cb.Begin(); err != nil {
				t.Fatal(err)
			}
			tt.record(cb)
			err := cb.End()
			if tt.want == nil && err != nil {
				t.Errorf("End() error = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("End() error = %v, want %v", err, tt.want)
			}
			pool.FreeCommandBuffers(cbs)
		})
	}
}

func TestCommandBuffer_RenderPass(t *testing.T) {
	d := newNoopDevice(t)
	img, _, _ := d.CreateImage(&driver.ImageDescriptor{
		Format: gputypes.TextureFormatRGBA8Unorm, Width: 8, Height: 8,
		Usage: gputypes.TextureUsageRenderAttachment,
	})
	rt, err := d.CreateRenderTarget(&driver.RenderTargetDescriptor{
		Label:  "pass",
		Color:  []driver.Attachment{{Image: img, Format: gputypes.TextureFormatRGBA8Unorm, LoadOp: gputypes.LoadOpClear}},
		Width:  8,
		Height: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rt.Width() != 8 || rt.Height() != 8 {
		t.Errorf("render target = %dx%d, want 8x8", rt.Width(), rt.Height())
	}

	pool, _ := d.CreateCommandPool(0)
	cbs, _ := pool.AllocateCommandBuffers(1)
	cb := cbs[0]
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	cb.PipelineBarrier(driver.StageTopOfPipe, driver.StageColorAttachmentOutput, []driver.ImageBarrier{{
		Image: img, OldLayout: driver.LayoutUndefined, NewLayout: driver.LayoutColorAttachment,
		Aspect: driver.AspectColor, LevelCount: 1, LayerCount: 1,
	}})
	cb.BeginRenderPass(rt)
	cb.SetViewport(driver.Viewport{Width: 8, Height: 8, MaxDepth: 1})
	cb.SetScissor(driver.Rect{X: -2, Width: 8, Height: 8})
	cb.Draw(3, 1, 0, 0)
	cb.EndRenderPass()
	if err := cb.End(); err != nil {
		t.Errorf("End() error = %v", err)
	}

	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	cb.BeginRenderPass(rt)
	if err := cb.End(); !errors.Is(err, errUnendedPass) {
		t.Errorf("End() with an open pass error = %v, want errUnendedPass", err)
	}
}

func TestUsageForLayout(t *testing.T) {
	tests := []struct {
		layout driver.ImageLayout
		want   gputypes.TextureUsage
	}{
		{driver.LayoutUndefined, gputypes.TextureUsageNone},
		{driver.LayoutGeneral, gputypes.TextureUsageStorageBinding},
		{driver.LayoutColorAttachment, gputypes.TextureUsageRenderAttachment},
		{driver.LayoutShaderReadOnly, gputypes.TextureUsageTextureBinding},
		{driver.LayoutTransferSrc, gputypes.TextureUsageCopySrc},
		{driver.LayoutTransferDst, gputypes.TextureUsageCopyDst},
		{driver.LayoutPresentSrc, gputypes.TextureUsageRenderAttachment},
	}
	for _, tt := range tests {
		if got := usageForLayout(tt.layout); got != tt.want {
			t.Errorf("usageForLayout(%v) = %v, want %v", tt.layout, got, tt.want)
		}
	}
}

func TestBufferTextureCopies_ArrayLayer(t *testing.T) {
	img := &image{desc: driver.ImageDescriptor{Format: gputypes.TextureFormatRGBA8Unorm, Depth: 1, ArrayLayers: 4}}
	out := bufferTextureCopies(img, []driver.BufferImageCopy{{
		BufferOffset: 256,
		Subresource:  driver.ImageSubresource{Aspect: driver.AspectColor, MipLevel: 1, BaseLayer: 2, LayerCount: 1},
		Origin:       driver.Offset3D{X: 1, Y: 2},
		Extent:       driver.Extent3D{Width: 16, Height: 4, Depth: 1},
	}})
	c := out[0]
	if c.BufferLayout.Offset != 256 || c.BufferLayout.BytesPerRow != 64 || c.BufferLayout.RowsPerImage != 4 {
		t.Errorf("buffer layout = %+v, want offset 256, 64 bytes per row, 4 rows", c.BufferLayout)
	}
	if c.TextureBase.Origin.Z != 2 || c.TextureBase.MipLevel != 1 || c.TextureBase.Origin.X != 1 {
		t.Errorf("texture base = %+v, want layer 2 in Z at level 1", c.TextureBase)
	}
	if c.Size.DepthOrArrayLayers != 1 {
		t.Errorf("copy layers = %d, want 1", c.Size.DepthOrArrayLayers)
	}
}
