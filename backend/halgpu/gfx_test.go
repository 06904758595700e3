package halgpu_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfx"
	"github.com/gogpu/gfx/backend/halgpu"
	"github.com/gogpu/gfx/driver"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

func openGraphicsDevice(t *testing.T) *gfx.GraphicsDevice {
	t.Helper()
	drv, err := halgpu.New(halgpu.Config{Backend: "noop", Adapter: -1})
	if err != nil {
		t.Fatal(err)
	}
	dev, err := gfx.NewGraphicsDevice(drv)
	if err != nil {
		drv.Destroy()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		dev.Close()
		drv.Destroy()
	})
	return dev
}

func wait(t *testing.T, cb *gfx.CommandBuffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cb.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestGraphicsDevice_TimelineMode(t *testing.T) {
	dev := openGraphicsDevice(t)
	if !dev.TimelineSemaphores() {
		t.Error("TimelineSemaphores() = false on halgpu")
	}
	if fams := dev.QueueFamilies(); len(fams) != 1 {
		t.Errorf("len(QueueFamilies()) = %d, want 1", len(fams))
	}
}

func TestGraphicsDevice_ComputeAndCopy(t *testing.T) {
	dev := openGraphicsDevice(t)
	queue, err := dev.CreateCommandQueue(driver.QueueCompute | driver.QueueTransfer)
	if err != nil {
		t.Fatal(err)
	}
	defer queue.Close()

	src, err := dev.CreateBuffer(gfx.BufferDescriptor{
		Label:       "src",
		Size:        256,
		Usage:       gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc,
		HostVisible: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Destroy()
	dst, err := dev.CreateBuffer(gfx.BufferDescriptor{
		Label:       "dst",
		Size:        256,
		Usage:       gputypes.BufferUsageCopyDst,
		HostVisible: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Destroy()

	payload := bytes.Repeat([]byte{1, 0, 0, 0}, 64)
	if err := src.Write(0, payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	layout, err := dev.CreateShaderBindingSetLayout([]driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorStorageBuffer, Count: 1, Stages: gputypes.ShaderStageCompute},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.DestroyShaderBindingSetLayout(layout)
	set, err := dev.CreateShaderBindingSet(layout)
	if err != nil {
		t.Fatal(err)
	}
	if err := set.SetBuffer(0, src, 0, src.Size()); err != nil {
		t.Fatal(err)
	}
	pipe, err := dev.CreateComputePipeline(gfx.ComputePipelineDescriptor{
		Label:   "double",
		WGSL:    doubleWGSL,
		Layouts: []*gfx.ShaderBindingSetLayout{layout},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline() error = %v", err)
	}
	defer pipe.Destroy()

	cb, err := queue.CreateCommandBuffer()
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	ce := cb.CreateComputeCommandEncoder()
	ce.SetComputePipelineState(pipe)
	ce.SetResource(0, set)
	ce.Dispatch(1, 1, 1)
	ce.EndEncoding()

	cp := cb.CreateCopyCommandEncoder()
	cp.FillBuffer(dst, 0, dst.Size(), 0)
	cp.CopyBufferToBuffer(src, 0, dst, 0, src.Size())
	cp.EndEncoding()

	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}
	wait(t, cb)
	if got := cb.Status(); got != gfx.StatusCompleted {
		t.Errorf("Status() = %v, want Completed", got)
	}
	got, err := src.Read(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload[:4]) {
		t.Errorf("src after submit = %v, want untouched host data %v", got, payload[:4])
	}
}

func TestGraphicsDevice_NonZeroFillFailsCommit(t *testing.T) {
	dev := openGraphicsDevice(t)
	queue, err := dev.Queue(driver.QueueTransfer)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := dev.CreateBuffer(gfx.BufferDescriptor{
		Label: "pattern",
		Size:  64,
		Usage: gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Destroy()

	cb, err := queue.CreateCommandBuffer()
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()
	enc := cb.CreateCopyCommandEncoder()
	enc.FillBuffer(buf, 0, buf.Size(), 0xAB)
	enc.EndEncoding()

	if cb.Commit() {
		t.Error("Commit() = true for a fill pattern the HAL cannot clear to")
	}
	if got := cb.Status(); got != gfx.StatusError {
		t.Errorf("Status() = %v, want Error", got)
	}
}
