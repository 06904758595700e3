package gfx

import (
	"fmt"
	"image"
	"sync"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
)

// StagingSize returns the bytes UploadImage stages for an RGBA8 image of
// the given size and mip count.
func StagingSize(width, height, levels uint32) uint64 {
	var n uint64
	for l := range levels {
		n += 4 * uint64(max(width>>l, 1)) * uint64(max(height>>l, 1))
	}
	return n
}

// mipChain scales src to the level-0 extent of dst and builds the
// remaining levels by successive bilinear halving.
func mipChain(src image.Image, dst *ImageResource) []*image.RGBA {
	levels := make([]*image.RGBA, dst.mipLevels)
	for l := range dst.mipLevels {
		ext := dst.MipExtent(l)
		rgba := image.NewRGBA(image.Rect(0, 0, int(ext.Width), int(ext.Height)))
		from := src
		if l > 0 {
			from = levels[l-1]
		}
		if from.Bounds().Size() == rgba.Bounds().Size() {
			draw.Draw(rgba, rgba.Bounds(), from, from.Bounds().Min, draw.Src)
		} else {
			draw.BiLinear.Scale(rgba, rgba.Bounds(), from, from.Bounds(), draw.Src, nil)
		}
		levels[l] = rgba
	}
	return levels
}

// UploadImage records the upload of src into one layer of dst, including
// a generated mip chain for every level of dst. The pixels go through a
// host-visible staging buffer that is destroyed after the command buffer
// completes. dst must be a 2D RGBA8 texture.
func (e *CopyCommandEncoder) UploadImage(dst *ImageResource, layer uint32, src image.Image) error {
	if !e.usable("UploadImage") {
		return ErrEncoderEnded
	}
	if dst == nil || src == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidRegion)
	}
	switch dst.format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
	default:
		return fmt.Errorf("%w: upload to %v, want RGBA8", ErrFormatMismatch, dst.format)
	}
	if layer >= dst.layers || dst.depth != 1 {
		return fmt.Errorf("%w: %q has no 2D layer %d", ErrInvalidRegion, dst.label, layer)
	}
	if src.Bounds().Empty() {
		return fmt.Errorf("%w: empty source image", ErrInvalidRegion)
	}

	staging, err := e.device.CreateBuffer(BufferDescriptor{
		Label:       dst.label + " staging",
		Size:        StagingSize(dst.width, dst.height, dst.mipLevels),
		Usage:       gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
		HostVisible: true,
	})
	if err != nil {
		return fmt.Errorf("gfx: upload %q: %w", dst.label, err)
	}

	var offset uint64
	for l, level := range mipChain(src, dst) {
		if err := staging.Write(offset, level.Pix); err != nil {
			staging.Destroy()
			return fmt.Errorf("gfx: upload %q level %d: %w", dst.label, l, err)
		}
		ext := dst.MipExtent(uint32(l)) //nolint:gosec // G115: l < mipLevels
		e.CopyBufferToTexture(staging, BufferImageOrigin{BufferOffset: offset},
			dst, TextureOrigin{Layer: layer, Level: uint32(l)}, //nolint:gosec // G115: l < mipLevels
			driver.Extent3D{Width: ext.Width, Height: ext.Height, Depth: 1})
		offset += uint64(len(level.Pix))
	}

	var once sync.Once
	e.owner.AddCompletedHandler(func(*CommandBuffer) {
		once.Do(staging.Destroy)
	})
	return nil
}
