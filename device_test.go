package gfx

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gfx/internal/fakegpu"
)

// newTestDevice returns a fake driver and a device on it with a short
// notifier poll interval.
func newTestDevice(t *testing.T, opts ...DeviceOption) (*fakegpu.Device, *GraphicsDevice) {
	t.Helper()
	fake := fakegpu.New()
	return fake, openDevice(t, fake, opts...)
}

func openDevice(t *testing.T, drv driver.Device, opts ...DeviceOption) *GraphicsDevice {
	t.Helper()
	opts = append([]DeviceOption{WithPollInterval(time.Millisecond), WithDrainTimeout(time.Second)}, opts...)
	dev, err := NewGraphicsDevice(drv, opts...)
	if err != nil {
		t.Fatalf("NewGraphicsDevice() = %v", err)
	}
	t.Cleanup(func() {
		if ac, ok := drv.(interface{ SetAutoComplete(bool) }); ok {
			ac.SetAutoComplete(true)
		}
		dev.Close()
	})
	return dev
}

func TestNewGraphicsDevice_NilDriver(t *testing.T) {
	if _, err := NewGraphicsDevice(nil); err == nil {
		t.Error("NewGraphicsDevice(nil) = nil error, want error")
	}
}

func TestNewGraphicsDevice_NoQueueFamilies(t *testing.T) {
	_, err := NewGraphicsDevice(fakegpu.New(fakegpu.WithQueueFamilies()))
	if !errors.Is(err, ErrNoQueueAvailable) {
		t.Errorf("NewGraphicsDevice() error = %v, want ErrNoQueueAvailable", err)
	}
}

func TestGraphicsDevice_QueueFamilies(t *testing.T) {
	_, dev := newTestDevice(t)
	families := dev.QueueFamilies()
	if len(families) != 3 {
		t.Fatalf("len(QueueFamilies()) = %d, want 3", len(families))
	}
	for i, want := range fakegpu.DefaultQueueFamilies() {
		f := families[i]
		if f.Index() != want.Index || f.Flags() != want.Flags || f.Count() != want.Count {
			t.Errorf("family %d = (%d, %#x, %d), want (%d, %#x, %d)", i,
				f.Index(), f.Flags(), f.Count(), want.Index, want.Flags, want.Count)
		}
		if f.FreeQueues() != int(want.Count) {
			t.Errorf("family %d FreeQueues() = %d, want %d", i, f.FreeQueues(), want.Count)
		}
	}
	if !dev.TimelineSemaphores() {
		t.Error("TimelineSemaphores() = false, want true")
	}
}

func TestGraphicsDevice_FenceMode(t *testing.T) {
	_, dev := newTestDevice(t, WithTimelineSemaphores(false))
	if dev.TimelineSemaphores() {
		t.Error("TimelineSemaphores() = true with WithTimelineSemaphores(false)")
	}
	fake := fakegpu.New(fakegpu.WithTimeline(false))
	if openDevice(t, fake).TimelineSemaphores() {
		t.Error("TimelineSemaphores() = true on a device without support")
	}
}

// ============================================================================
// Queues
// ============================================================================

func TestCreateCommandQueue_PrefersFewestCapabilities(t *testing.T) {
	tests := []struct {
		flags  driver.QueueFlags
		family uint32
	}{
		{driver.QueueTransfer, 2},
		{driver.QueueCompute, 1},
		{driver.QueueGraphics, 0},
		{driver.QueueGraphics | driver.QueueCompute, 0},
	}
	for _, tt := range tests {
		_, dev := newTestDevice(t)
		q, err := dev.CreateCommandQueue(tt.flags)
		if err != nil {
			t.Fatalf("CreateCommandQueue(%#x) = %v", tt.flags, err)
		}
		if q.Family().Index() != tt.family {
			t.Errorf("CreateCommandQueue(%#x) family = %d, want %d", tt.flags, q.Family().Index(), tt.family)
		}
		if !q.Flags().Has(tt.flags) {
			t.Errorf("queue flags %#x lack %#x", q.Flags(), tt.flags)
		}
	}
}

func TestCreateCommandQueue_FallsBackAndExhausts(t *testing.T) {
	_, dev := newTestDevice(t)
	want := []uint32{2, 1, 1, 0, 0}
	var queues []*CommandQueue
	for i, family := range want {
		q, err := dev.CreateCommandQueue(driver.QueueTransfer)
		if err != nil {
			t.Fatalf("queue %d: %v", i, err)
		}
		if q.Family().Index() != family {
			t.Errorf("queue %d family = %d, want %d", i, q.Family().Index(), family)
		}
		queues = append(queues, q)
	}
	if _, err := dev.CreateCommandQueue(driver.QueueTransfer); !errors.Is(err, ErrNoQueueAvailable) {
		t.Errorf("sixth queue error = %v, want ErrNoQueueAvailable", err)
	}

	queues[0].Close()
	if got := dev.QueueFamilies()[2].FreeQueues(); got != 1 {
		t.Errorf("FreeQueues() after Close = %d, want 1", got)
	}
	q, err := dev.CreateCommandQueue(driver.QueueTransfer)
	if err != nil {
		t.Fatalf("CreateCommandQueue after Close = %v", err)
	}
	if q.Family().Index() != 2 {
		t.Errorf("recycled queue family = %d, want 2", q.Family().Index())
	}
}

func TestGraphicsDevice_QueueIsCached(t *testing.T) {
	_, dev := newTestDevice(t)
	a, err := dev.Queue(driver.QueueCompute)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := dev.Queue(driver.QueueCompute)
	if a != b {
		t.Error("Queue() returned different queues for the same kind")
	}
	a.Close()
	if got := a.Family().FreeQueues(); got != 1 {
		t.Errorf("Close on a device queue returned it to the family: FreeQueues() = %d, want 1", got)
	}
}

func TestGraphicsDevice_ClosedRejectsWork(t *testing.T) {
	fake := fakegpu.New()
	dev, err := NewGraphicsDevice(fake, WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	q, _ := dev.Queue(driver.QueueGraphics)
	dev.Close()
	dev.Close()

	if _, err := dev.CreateCommandQueue(driver.QueueGraphics); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateCommandQueue after Close = %v, want ErrDeviceClosed", err)
	}
	if _, err := q.CreateCommandBuffer(); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateCommandBuffer after Close = %v, want ErrDeviceClosed", err)
	}
}

// ============================================================================
// Resources
// ============================================================================

func TestCreateTexture_Validation(t *testing.T) {
	_, dev := newTestDevice(t)
	tests := []struct {
		name string
		desc TextureDescriptor
		want error
	}{
		{"unknown format", TextureDescriptor{Width: 4, Height: 4}, ErrFormatMismatch},
		{"zero width", TextureDescriptor{Format: gputypes.TextureFormatRGBA8Unorm, Height: 4}, ErrInvalidRegion},
		{"too many mips", TextureDescriptor{Format: gputypes.TextureFormatRGBA8Unorm, Width: 4, Height: 4, MipLevels: 4}, ErrInvalidRegion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dev.CreateTexture(tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("CreateTexture() error = %v, want %v", err, tt.want)
			}
		})
	}

	img, err := dev.CreateTexture(TextureDescriptor{
		Format: gputypes.TextureFormatRGBA8Unorm, Width: 4, Height: 4, MipLevels: 3, ArrayLayers: 2,
	})
	if err != nil {
		t.Fatalf("CreateTexture() = %v", err)
	}
	if img.Depth() != 1 || img.MipLevels() != 3 || img.ArrayLayers() != 2 {
		t.Errorf("texture = depth %d, mips %d, layers %d, want 1, 3, 2", img.Depth(), img.MipLevels(), img.ArrayLayers())
	}
	for layer := range uint32(2) {
		if got := img.Layout(layer); got != driver.LayoutUndefined {
			t.Errorf("Layout(%d) = %v, want Undefined", layer, got)
		}
	}
	if ext := img.MipExtent(2); ext.Width != 1 || ext.Height != 1 {
		t.Errorf("MipExtent(2) = %dx%d, want 1x1", ext.Width, ext.Height)
	}
}

func TestMemoryBudget(t *testing.T) {
	_, dev := newTestDevice(t, WithMemoryBudgetMB(MinMemoryMB))
	const mb = 1024 * 1024

	if _, err := dev.CreateBuffer(BufferDescriptor{Size: (MinMemoryMB + 1) * mb}); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Fatalf("oversized CreateBuffer() error = %v, want ErrMemoryBudgetExceeded", err)
	}
	a, err := dev.CreateBuffer(BufferDescriptor{Size: 10 * mb})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.CreateBuffer(BufferDescriptor{Size: 10 * mb}); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Errorf("second CreateBuffer() error = %v, want ErrMemoryBudgetExceeded", err)
	}

	stats := dev.MemoryStats()
	if stats.UsedBytes != 10*mb || stats.BlockCount != 1 {
		t.Errorf("MemoryStats() = %v, want 10 MB in 1 block", stats)
	}

	a.Destroy()
	if got := dev.MemoryStats().UsedBytes; got != 0 {
		t.Errorf("UsedBytes after Destroy = %d, want 0", got)
	}
	if _, err := dev.CreateBuffer(BufferDescriptor{Size: 10 * mb}); err != nil {
		t.Errorf("CreateBuffer() after Destroy = %v", err)
	}

	dev.SetMemoryBudget(64)
	if got := dev.MemoryStats().TotalBytes; got != 64*mb {
		t.Errorf("TotalBytes after SetMemoryBudget(64) = %d, want %d", got, 64*mb)
	}
}

func TestCreateBuffer_ZeroSize(t *testing.T) {
	_, dev := newTestDevice(t)
	if _, err := dev.CreateBuffer(BufferDescriptor{Label: "empty"}); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("CreateBuffer(size 0) error = %v, want ErrInvalidRegion", err)
	}
}

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

func TestCreateComputePipeline(t *testing.T) {
	_, dev := newTestDevice(t)

	p, err := dev.CreateComputePipeline(ComputePipelineDescriptor{Label: "double", WGSL: doubleWGSL})
	if err != nil {
		t.Fatalf("CreateComputePipeline(WGSL) = %v", err)
	}
	if p.BindPoint() != driver.BindPointCompute {
		t.Errorf("BindPoint() = %v, want compute", p.BindPoint())
	}
	if p.Label() != "double" {
		t.Errorf("Label() = %q, want %q", p.Label(), "double")
	}

	if _, err := dev.CreateComputePipeline(ComputePipelineDescriptor{Label: "none"}); err == nil {
		t.Error("CreateComputePipeline without code = nil error")
	}
	if _, err := dev.CreateComputePipeline(ComputePipelineDescriptor{
		WGSL: doubleWGSL, SPIRV: []uint32{0x07230203},
	}); err == nil {
		t.Error("CreateComputePipeline with WGSL and SPIR-V = nil error")
	}
}

func TestCreateComputePipeline_ShaderCache(t *testing.T) {
	_, dev := newTestDevice(t, WithShaderCacheSize(4))

	for range 3 {
		p, err := dev.CreateComputePipeline(ComputePipelineDescriptor{Label: "double", WGSL: doubleWGSL})
		if err != nil {
			t.Fatalf("CreateComputePipeline() = %v", err)
		}
		p.Destroy()
	}
	s := dev.ShaderCacheStats()
	if s.Len != 1 || s.Misses != 1 || s.Hits != 2 {
		t.Errorf("ShaderCacheStats() = %+v, want 1 entry, 1 miss, 2 hits", s)
	}
	if s.Capacity != 4 {
		t.Errorf("ShaderCacheStats().Capacity = %d, want 4", s.Capacity)
	}
}

func TestCompileWGSL(t *testing.T) {
	words, err := CompileWGSL(doubleWGSL)
	if err != nil {
		t.Fatalf("CompileWGSL() = %v", err)
	}
	if len(words) < 5 || words[0] != 0x07230203 {
		t.Errorf("CompileWGSL() = %d words, want a SPIR-V module", len(words))
	}
	if _, err := CompileWGSL("fn broken("); err == nil {
		t.Error("CompileWGSL(invalid) = nil error")
	}
}

func TestWrapRenderPipeline(t *testing.T) {
	fake, _ := newTestDevice(t)
	if _, err := WrapRenderPipeline(fake.NewRenderPipeline("draw"), "draw"); err != nil {
		t.Errorf("WrapRenderPipeline(graphics) = %v", err)
	}
	compute, _ := fake.CreateComputePipeline(&driver.ComputePipelineDescriptor{SPIRV: []uint32{0x07230203}})
	if _, err := WrapRenderPipeline(compute, "compute"); !errors.Is(err, ErrPipelineKind) {
		t.Errorf("WrapRenderPipeline(compute) error = %v, want ErrPipelineKind", err)
	}
}

// ============================================================================
// Descriptor sets
// ============================================================================

func TestShaderBindingSet_PoolGrowth(t *testing.T) {
	fake, dev := newTestDevice(t)
	layout, err := dev.CreateShaderBindingSetLayout([]driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorUniformBuffer, Count: 1, Stages: gputypes.ShaderStageCompute},
	})
	if err != nil {
		t.Fatal(err)
	}

	var sets []*ShaderBindingSet
	for range 5 {
		s, err := dev.CreateShaderBindingSet(layout)
		if err != nil {
			t.Fatal(err)
		}
		sets = append(sets, s)
	}
	if got := fake.DescriptorPoolSizes(); len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 7 {
		t.Errorf("DescriptorPoolSizes() = %v, want [1 3 7]", got)
	}
	if s := dev.DescriptorPoolStats(); s.LiveSets != 5 || s.Growths != 3 {
		t.Errorf("DescriptorPoolStats() = %+v, want 5 live sets and 3 growths", s)
	}

	for _, s := range sets {
		s.Release()
	}
	if s := dev.DescriptorPoolStats(); s.LiveSets != 0 {
		t.Errorf("LiveSets after Release = %d, want 0", s.LiveSets)
	}
	dev.CleanupDescriptorPools()
	if got := fake.LiveDescriptorPools(); got != 0 {
		t.Errorf("LiveDescriptorPools() after cleanup = %d, want 0", got)
	}
}

func TestShaderBindingSet_Validation(t *testing.T) {
	_, dev := newTestDevice(t)
	layout, _ := dev.CreateShaderBindingSetLayout([]driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorStorageBuffer, Count: 1},
		{Binding: 1, Type: driver.DescriptorSampledImage, Count: 1},
	})
	set, err := dev.CreateShaderBindingSet(layout)
	if err != nil {
		t.Fatal(err)
	}
	defer set.Release()
	buf, _ := dev.CreateBuffer(BufferDescriptor{Size: 64})
	img := newTestTexture(t, dev, 4, 4, 1)

	if err := set.SetBuffer(0, buf, 0, WholeSize); err != nil {
		t.Errorf("SetBuffer(WholeSize) = %v", err)
	}
	if err := set.SetBuffer(0, buf, 32, 64); !errors.Is(err, ErrCopyRangeOutOfBounds) {
		t.Errorf("SetBuffer(out of range) = %v, want ErrCopyRangeOutOfBounds", err)
	}
	if err := set.SetBuffer(1, buf, 0, WholeSize); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("SetBuffer(image binding) = %v, want ErrInvalidRegion", err)
	}
	if err := set.SetTexture(0, img); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("SetTexture(buffer binding) = %v, want ErrInvalidRegion", err)
	}
	if err := set.SetTexture(1, img); err != nil {
		t.Errorf("SetTexture() = %v", err)
	}
}

func TestCreateShaderBindingSetLayout_Empty(t *testing.T) {
	_, dev := newTestDevice(t)
	if _, err := dev.CreateShaderBindingSetLayout(nil); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("CreateShaderBindingSetLayout(nil) = %v, want ErrInvalidRegion", err)
	}
}

func newTestTexture(t *testing.T, dev *GraphicsDevice, w, h, layers uint32) *ImageResource {
	t.Helper()
	img, err := dev.CreateTexture(TextureDescriptor{
		Label:       "test",
		Format:      gputypes.TextureFormatRGBA8Unorm,
		Width:       w,
		Height:      h,
		ArrayLayers: layers,
		Usage: gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst |
			gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatalf("CreateTexture() = %v", err)
	}
	return img
}
