//go:build cgo

package vulkan

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gfx/driver"
)

// VK_ERROR_OUT_OF_POOL_MEMORY, promoted to core in Vulkan 1.1.
const errorOutOfPoolMemory vk.Result = -1000069000

// check turns a failed vk.Result into an error. Device loss and pool
// exhaustion map onto the driver sentinels.
func check(op string, r vk.Result) error {
	switch r {
	case vk.Success:
		return nil
	case vk.ErrorDeviceLost:
		return fmt.Errorf("vulkan: %s: %w", op, driver.ErrDeviceLost)
	case errorOutOfPoolMemory, vk.ErrorFragmentedPool:
		return fmt.Errorf("vulkan: %s: %w", op, driver.ErrOutOfPoolMemory)
	}
	if err := vk.Error(r); err != nil {
		return fmt.Errorf("vulkan: %s: %w", op, err)
	}
	return fmt.Errorf("vulkan: %s: result %d", op, r)
}

// native returns the numeric value of a Vulkan handle.
func native(p unsafe.Pointer) uintptr { return uintptr(p) }

// cstr returns s as a NUL-terminated string for the C side.
func cstr(s string) string { return s + "\x00" }

var formats = map[gputypes.TextureFormat]vk.Format{
	gputypes.TextureFormatR8Unorm:              vk.FormatR8Unorm,
	gputypes.TextureFormatRG8Unorm:             vk.FormatR8g8Unorm,
	gputypes.TextureFormatR16Float:             vk.FormatR16Sfloat,
	gputypes.TextureFormatRG16Float:            vk.FormatR16g16Sfloat,
	gputypes.TextureFormatR32Float:             vk.FormatR32Sfloat,
	gputypes.TextureFormatR32Uint:              vk.FormatR32Uint,
	gputypes.TextureFormatR32Sint:              vk.FormatR32Sint,
	gputypes.TextureFormatRGBA8Unorm:           vk.FormatR8g8b8a8Unorm,
	gputypes.TextureFormatRGBA8UnormSrgb:       vk.FormatR8g8b8a8Srgb,
	gputypes.TextureFormatBGRA8Unorm:           vk.FormatB8g8r8a8Unorm,
	gputypes.TextureFormatBGRA8UnormSrgb:       vk.FormatB8g8r8a8Srgb,
	gputypes.TextureFormatRGB10A2Unorm:         vk.FormatA2b10g10r10UnormPack32,
	gputypes.TextureFormatRG32Float:            vk.FormatR32g32Sfloat,
	gputypes.TextureFormatRGBA16Float:          vk.FormatR16g16b16a16Sfloat,
	gputypes.TextureFormatRGBA32Float:          vk.FormatR32g32b32a32Sfloat,
	gputypes.TextureFormatRGBA32Uint:           vk.FormatR32g32b32a32Uint,
	gputypes.TextureFormatStencil8:             vk.FormatS8Uint,
	gputypes.TextureFormatDepth16Unorm:         vk.FormatD16Unorm,
	gputypes.TextureFormatDepth24Plus:          vk.FormatD32Sfloat,
	gputypes.TextureFormatDepth24PlusStencil8:  vk.FormatD24UnormS8Uint,
	gputypes.TextureFormatDepth32Float:         vk.FormatD32Sfloat,
	gputypes.TextureFormatDepth32FloatStencil8: vk.FormatD32SfloatS8Uint,
}

func vkFormat(f gputypes.TextureFormat) (vk.Format, error) {
	vf, ok := formats[f]
	if !ok {
		return vk.FormatUndefined, fmt.Errorf("%w: texture format %v", driver.ErrUnsupported, f)
	}
	return vf, nil
}

// bufferUsage maps buffer usage onto Vulkan usage bits. Transfer usage is
// always set so any buffer can be filled and copied.
func bufferUsage(u gputypes.BufferUsage) vk.BufferUsageFlags {
	bits := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit
	if u&gputypes.BufferUsageIndex != 0 {
		bits |= vk.BufferUsageIndexBufferBit
	}
	if u&gputypes.BufferUsageVertex != 0 {
		bits |= vk.BufferUsageVertexBufferBit
	}
	if u&gputypes.BufferUsageUniform != 0 {
		bits |= vk.BufferUsageUniformBufferBit
	}
	if u&gputypes.BufferUsageStorage != 0 {
		bits |= vk.BufferUsageStorageBufferBit
	}
	if u&gputypes.BufferUsageIndirect != 0 {
		bits |= vk.BufferUsageIndirectBufferBit
	}
	return vk.BufferUsageFlags(bits)
}

func imageUsage(u gputypes.TextureUsage, info driver.FormatInfo) vk.ImageUsageFlags {
	var bits vk.ImageUsageFlagBits
	if u&gputypes.TextureUsageCopySrc != 0 {
		bits |= vk.ImageUsageTransferSrcBit
	}
	if u&gputypes.TextureUsageCopyDst != 0 {
		bits |= vk.ImageUsageTransferDstBit
	}
	if u&gputypes.TextureUsageTextureBinding != 0 {
		bits |= vk.ImageUsageSampledBit
	}
	if u&gputypes.TextureUsageStorageBinding != 0 {
		bits |= vk.ImageUsageStorageBit
	}
	if u&gputypes.TextureUsageRenderAttachment != 0 {
		if info.Color {
			bits |= vk.ImageUsageColorAttachmentBit
		} else {
			bits |= vk.ImageUsageDepthStencilAttachmentBit
		}
	}
	return vk.ImageUsageFlags(bits)
}

func shaderStages(s gputypes.ShaderStages) vk.ShaderStageFlags {
	var bits vk.ShaderStageFlagBits
	if s&gputypes.ShaderStageVertex != 0 {
		bits |= vk.ShaderStageVertexBit
	}
	if s&gputypes.ShaderStageFragment != 0 {
		bits |= vk.ShaderStageFragmentBit
	}
	if s&gputypes.ShaderStageCompute != 0 {
		bits |= vk.ShaderStageComputeBit
	}
	return vk.ShaderStageFlags(bits)
}

// queueFlags keeps the graphics, compute and transfer bits. Graphics and
// compute families always accept transfer work.
func queueFlags(f vk.QueueFlags) driver.QueueFlags {
	var out driver.QueueFlags
	if f&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
		out |= driver.QueueGraphics | driver.QueueTransfer
	}
	if f&vk.QueueFlags(vk.QueueComputeBit) != 0 {
		out |= driver.QueueCompute | driver.QueueTransfer
	}
	if f&vk.QueueFlags(vk.QueueTransferBit) != 0 {
		out |= driver.QueueTransfer
	}
	return out
}

func filter(f gputypes.FilterMode) vk.Filter {
	if f == gputypes.FilterModeLinear {
		return vk.FilterLinear
	}
	return vk.FilterNearest
}

func mipmapMode(f gputypes.FilterMode) vk.SamplerMipmapMode {
	if f == gputypes.FilterModeLinear {
		return vk.SamplerMipmapModeLinear
	}
	return vk.SamplerMipmapModeNearest
}

func addressMode(m gputypes.AddressMode) vk.SamplerAddressMode {
	switch m {
	case gputypes.AddressModeRepeat:
		return vk.SamplerAddressModeRepeat
	case gputypes.AddressModeMirrorRepeat:
		return vk.SamplerAddressModeMirroredRepeat
	default:
		return vk.SamplerAddressModeClampToEdge
	}
}

// loadOp and storeOp treat the undefined ops as load and store.
func loadOp(op gputypes.LoadOp) vk.AttachmentLoadOp {
	if op == gputypes.LoadOpClear {
		return vk.AttachmentLoadOpClear
	}
	return vk.AttachmentLoadOpLoad
}

func storeOp(op gputypes.StoreOp) vk.AttachmentStoreOp {
	if op == gputypes.StoreOpDiscard {
		return vk.AttachmentStoreOpDontCare
	}
	return vk.AttachmentStoreOpStore
}

func indexType(f gputypes.IndexFormat) vk.IndexType {
	if f == gputypes.IndexFormatUint32 {
		return vk.IndexTypeUint32
	}
	return vk.IndexTypeUint16
}

func bindPoint(p driver.BindPoint) vk.PipelineBindPoint {
	if p == driver.BindPointCompute {
		return vk.PipelineBindPointCompute
	}
	return vk.PipelineBindPointGraphics
}

// The driver enums carry Vulkan's values, so these are plain conversions.

func imageLayout(l driver.ImageLayout) vk.ImageLayout { return vk.ImageLayout(l) }

func accessFlags(a driver.AccessFlags) vk.AccessFlags { return vk.AccessFlags(a) }

func stageFlags(s driver.PipelineStage) vk.PipelineStageFlags { return vk.PipelineStageFlags(s) }

func aspectFlags(a driver.ImageAspect) vk.ImageAspectFlags { return vk.ImageAspectFlags(a) }

func subresourceLayers(s driver.ImageSubresource) vk.ImageSubresourceLayers {
	return vk.ImageSubresourceLayers{
		AspectMask:     aspectFlags(s.Aspect),
		MipLevel:       s.MipLevel,
		BaseArrayLayer: s.BaseLayer,
		LayerCount:     max(s.LayerCount, 1),
	}
}

func offset3D(o driver.Offset3D) vk.Offset3D { return vk.Offset3D{X: o.X, Y: o.Y, Z: o.Z} }

func extent3D(e driver.Extent3D) vk.Extent3D {
	return vk.Extent3D{Width: e.Width, Height: e.Height, Depth: max(e.Depth, 1)}
}
