// Command gfxdemo runs a small compute and copy workload on a gfx backend.
//
// Usage:
//
//	gfxdemo -backend=auto -n=1024 -output=gradient.png
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math/bits"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/gogpu/gputypes"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gfx"
	"github.com/gogpu/gfx/backend"
	_ "github.com/gogpu/gfx/backend/halgpu"
	_ "github.com/gogpu/gfx/backend/vulkan"
	"github.com/gogpu/gfx/driver"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

const textureSize = 64

func main() {
	var (
		name       = flag.String("backend", "auto", "backend: auto, "+backend.BackendVulkan+", "+backend.BackendHAL+" or "+backend.BackendNoop)
		n          = flag.Int("n", 1024, "number of uint32 values to double (multiple of 64)")
		validation = flag.Bool("validation", false, "enable API validation layers")
		timeline   = flag.Bool("timeline", true, "track completion with timeline semaphores when supported")
		budget     = flag.String("budget", "256MiB", "device memory budget, e.g. 512MiB or 1GiB")
		output     = flag.String("output", "", "write the texture read back from the GPU to this PNG file")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	budgetBytes, err := units.RAMInBytes(*budget)
	if err != nil {
		logger.Error("invalid -budget", "value", *budget, "err", err)
		os.Exit(2)
	}

	if err := run(logger, *name, *n, *validation, *timeline, int(budgetBytes>>20), *output); err != nil {
		logger.Error("gfxdemo failed", "err", err)
		os.Exit(1)
	}
}

// adapterName returns the adapter name of drivers that report one.
func adapterName(drv driver.Device) string {
	if n, ok := drv.(interface{ AdapterName() string }); ok {
		return n.AdapterName()
	}
	return "unknown"
}

func run(logger *slog.Logger,name string, n int, validation, timeline bool, budgetMB int, output string) error {
	if n <= 0 || n%64 != 0 {
		return fmt.Errorf("-n must be a positive multiple of 64, got %d", n)
	}
	opts := backend.DefaultOptions()
	opts.AppName = "gfxdemo"
	opts.Validation = validation

	var (
		drv driver.Device
		err error
	)
	if name == "auto" {
		drv, name, err = backend.OpenDefault(opts)
	} else {
		drv, err = backend.Open(name, opts)
	}
	if err != nil {
		return err
	}
	defer drv.Destroy()

	dev, err := gfx.NewGraphicsDevice(drv,
		gfx.WithLogger(logger),
		gfx.WithTimelineSemaphores(timeline),
		gfx.WithMemoryBudgetMB(budgetMB),
	)
	if err != nil {
		return err
	}
	defer dev.Close()
	logger.Info("device opened",
		"backend", name,
		"adapter", adapterName(drv),
		"families", len(dev.QueueFamilies()),
		"timeline", dev.TimelineSemaphores())

	queue, err := dev.CreateCommandQueue(driver.QueueCompute | driver.QueueTransfer)
	if err != nil {
		return err
	}
	defer queue.Close()

	if err := doubleValues(logger, dev, queue, n); err != nil {
		return err
	}
	if err := roundTripTexture(logger, dev, queue, output); err != nil {
		return err
	}

	mem := dev.MemoryStats()
	pools := dev.DescriptorPoolStats()
	shaders := dev.ShaderCacheStats()
	logger.Info("done",
		"memory_used", units.BytesSize(float64(mem.UsedBytes)),
		"memory_budget", units.BytesSize(float64(mem.TotalBytes)),
		"descriptor_pools", pools.Pools,
		"descriptor_sets", pools.LiveSets,
		"shader_cache_hits", shaders.Hits)
	return nil
}

// doubleValues doubles n values in a storage buffer and copies the result
// to a readback buffer in the same command buffer.
func doubleValues(logger *slog.Logger, dev *gfx.GraphicsDevice, queue *gfx.CommandQueue, n int) error {
	size := uint64(n) * 4 //nolint:gosec // G115: n > 0
	data, err := dev.CreateBuffer(gfx.BufferDescriptor{
		Label:       "values",
		Size:        size,
		Usage:       gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc,
		HostVisible: true,
	})
	if err != nil {
		return err
	}
	defer data.Destroy()
	readback, err := dev.CreateBuffer(gfx.BufferDescriptor{
		Label:       "readback",
		Size:        size,
		Usage:       gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
		HostVisible: true,
	})
	if err != nil {
		return err
	}
	defer readback.Destroy()

	in := make([]byte, size)
	for i := range n {
		binary.LittleEndian.PutUint32(in[i*4:], uint32(i)) //nolint:gosec // G115: i < n
	}
	if err := data.Write(0, in); err != nil {
		return err
	}

	layout, err := dev.CreateShaderBindingSetLayout([]driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorStorageBuffer, Count: 1, Stages: gputypes.ShaderStageCompute},
	})
	if err != nil {
		return err
	}
	defer dev.DestroyShaderBindingSetLayout(layout)
	set, err := dev.CreateShaderBindingSet(layout)
	if err != nil {
		return err
	}
	if err := set.SetBuffer(0, data, 0, size); err != nil {
		return err
	}
	pipe, err := dev.CreateComputePipeline(gfx.ComputePipelineDescriptor{
		Label:   "double",
		WGSL:    doubleWGSL,
		Layouts: []*gfx.ShaderBindingSetLayout{layout},
	})
	if err != nil {
		return err
	}
	defer pipe.Destroy()

	cb, err := queue.CreateCommandBuffer()
	if err != nil {
		return err
	}
	defer cb.Close()

	ce := cb.CreateComputeCommandEncoder()
	ce.SetComputePipelineState(pipe)
	ce.SetResource(0, set)
	ce.Dispatch(uint32(n/64), 1, 1) //nolint:gosec // G115: n > 0
	ce.EndEncoding()

	cp := cb.CreateCopyCommandEncoder()
	cp.CopyBufferToBuffer(data, 0, readback, 0, size)
	cp.EndEncoding()

	start := time.Now()
	if err := commitAndWait(cb); err != nil {
		return err
	}
	out, err := readback.Read(0, size)
	if err != nil {
		return err
	}
	mismatches := 0
	for i := range n {
		if binary.LittleEndian.Uint32(out[i*4:]) != uint32(2*i) { //nolint:gosec // G115: i < n
			mismatches++
		}
	}
	logger.Info("compute finished", "values", n, "mismatches", mismatches, "elapsed", time.Since(start))
	return nil
}

// roundTripTexture uploads a gradient with a full mip chain, copies level 0
// back to a buffer and optionally writes it as PNG.
func roundTripTexture(logger *slog.Logger, dev *gfx.GraphicsDevice, queue *gfx.CommandQueue, output string) error {
	tex, err := dev.CreateTexture(gfx.TextureDescriptor{
		Label:     "gradient",
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Width:     textureSize,
		Height:    textureSize,
		MipLevels: uint32(bits.Len32(textureSize)),
		Usage:     gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return err
	}
	defer tex.Destroy()
	size := uint64(textureSize * textureSize * 4)
	readback, err := dev.CreateBuffer(gfx.BufferDescriptor{
		Label:       "texture readback",
		Size:        size,
		Usage:       gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
		HostVisible: true,
	})
	if err != nil {
		return err
	}
	defer readback.Destroy()

	src := image.NewRGBA(image.Rect(0, 0, textureSize, textureSize))
	for y := range textureSize {
		for x := range textureSize {
			src.SetRGBA(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255}) //nolint:gosec // G115: x, y < 64
		}
	}

	cb, err := queue.CreateCommandBuffer()
	if err != nil {
		return err
	}
	defer cb.Close()
	cp := cb.CreateCopyCommandEncoder()
	if err := cp.UploadImage(tex, 0, src); err != nil {
		cp.EndEncoding()
		return err
	}
	cp.CopyTextureToBuffer(tex, gfx.TextureOrigin{}, readback, gfx.BufferImageOrigin{},
		driver.Extent3D{Width: textureSize, Height: textureSize, Depth: 1})
	cp.EndEncoding()
	if err := commitAndWait(cb); err != nil {
		return err
	}
	logger.Info("texture uploaded", "mip_levels", tex.MipLevels(), "layout", tex.Layout(0))

	if output == "" {
		return nil
	}
	pix, err := readback.Read(0, size)
	if err != nil {
		return err
	}
	img := &image.RGBA{Pix: pix, Stride: textureSize * 4, Rect: image.Rect(0, 0, textureSize, textureSize)}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("texture written", "path", output)
	return nil
}

func commitAndWait(cb *gfx.CommandBuffer) error {
	if !cb.Commit() {
		return errors.New("commit failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cb.Wait(ctx); err != nil {
		return err
	}
	if st := cb.Status(); st != gfx.StatusCompleted {
		return fmt.Errorf("command buffer finished with status %v", st)
	}
	return nil
}
