package driver

import "github.com/gogpu/gputypes"

// FormatInfo describes the storage of a pixel format.
type FormatInfo struct {
	// BlockBytes is the size of one texel block in bytes. For uncompressed
	// formats a block is a single texel.
	BlockBytes uint32

	// BlockWidth and BlockHeight are the block dimensions in texels.
	BlockWidth  uint32
	BlockHeight uint32

	Color   bool
	Depth   bool
	Stencil bool
}

// Compressed reports whether the format stores texels in blocks.
func (fi FormatInfo) Compressed() bool { return fi.BlockWidth > 1 || fi.BlockHeight > 1 }

// Aspect returns the image aspects of the format.
func (fi FormatInfo) Aspect() ImageAspect {
	if fi.Color {
		return AspectColor
	}
	var a ImageAspect
	if fi.Depth {
		a |= AspectDepth
	}
	if fi.Stencil {
		a |= AspectStencil
	}
	return a
}

// RowBytes returns the size of a tightly packed row of width texels.
func (fi FormatInfo) RowBytes(width uint32) uint64 {
	blocks := (width + fi.BlockWidth - 1) / fi.BlockWidth
	return uint64(blocks) * uint64(fi.BlockBytes)
}

// ImageBytes returns the size of a tightly packed width x height image.
func (fi FormatInfo) ImageBytes(width, height uint32) uint64 {
	rows := (height + fi.BlockHeight - 1) / fi.BlockHeight
	return fi.RowBytes(width) * uint64(rows)
}

func color(n uint32) FormatInfo {
	return FormatInfo{BlockBytes: n, BlockWidth: 1, BlockHeight: 1, Color: true}
}

func block(n uint32) FormatInfo {
	return FormatInfo{BlockBytes: n, BlockWidth: 4, BlockHeight: 4, Color: true}
}

var formatTable = map[gputypes.TextureFormat]FormatInfo{
	gputypes.TextureFormatR8Unorm: color(1),
	gputypes.TextureFormatR8Snorm: color(1),
	gputypes.TextureFormatR8Uint:  color(1),
	gputypes.TextureFormatR8Sint:  color(1),

	gputypes.TextureFormatR16Unorm: color(2),
	gputypes.TextureFormatR16Snorm: color(2),
	gputypes.TextureFormatR16Uint:  color(2),
	gputypes.TextureFormatR16Sint:  color(2),
	gputypes.TextureFormatR16Float: color(2),
	gputypes.TextureFormatRG8Unorm: color(2),
	gputypes.TextureFormatRG8Snorm: color(2),
	gputypes.TextureFormatRG8Uint:  color(2),
	gputypes.TextureFormatRG8Sint:  color(2),

	gputypes.TextureFormatR32Float:       color(4),
	gputypes.TextureFormatR32Uint:        color(4),
	gputypes.TextureFormatR32Sint:        color(4),
	gputypes.TextureFormatRG16Unorm:      color(4),
	gputypes.TextureFormatRG16Snorm:      color(4),
	gputypes.TextureFormatRG16Uint:       color(4),
	gputypes.TextureFormatRG16Sint:       color(4),
	gputypes.TextureFormatRG16Float:      color(4),
	gputypes.TextureFormatRGBA8Unorm:     color(4),
	gputypes.TextureFormatRGBA8UnormSrgb: color(4),
	gputypes.TextureFormatRGBA8Snorm:     color(4),
	gputypes.TextureFormatRGBA8Uint:      color(4),
	gputypes.TextureFormatRGBA8Sint:      color(4),
	gputypes.TextureFormatBGRA8Unorm:     color(4),
	gputypes.TextureFormatBGRA8UnormSrgb: color(4),
	gputypes.TextureFormatRGB10A2Uint:    color(4),
	gputypes.TextureFormatRGB10A2Unorm:   color(4),
	gputypes.TextureFormatRG11B10Ufloat:  color(4),
	gputypes.TextureFormatRGB9E5Ufloat:   color(4),

	gputypes.TextureFormatRG32Float:   color(8),
	gputypes.TextureFormatRG32Uint:    color(8),
	gputypes.TextureFormatRG32Sint:    color(8),
	gputypes.TextureFormatRGBA16Unorm: color(8),
	gputypes.TextureFormatRGBA16Snorm: color(8),
	gputypes.TextureFormatRGBA16Uint:  color(8),
	gputypes.TextureFormatRGBA16Sint:  color(8),
	gputypes.TextureFormatRGBA16Float: color(8),
	gputypes.TextureFormatRGBA32Float: color(16),
	gputypes.TextureFormatRGBA32Uint:  color(16),
	gputypes.TextureFormatRGBA32Sint:  color(16),

	gputypes.TextureFormatStencil8:             {BlockBytes: 1, BlockWidth: 1, BlockHeight: 1, Stencil: true},
	gputypes.TextureFormatDepth16Unorm:         {BlockBytes: 2, BlockWidth: 1, BlockHeight: 1, Depth: true},
	gputypes.TextureFormatDepth24Plus:          {BlockBytes: 4, BlockWidth: 1, BlockHeight: 1, Depth: true},
	gputypes.TextureFormatDepth24PlusStencil8:  {BlockBytes: 4, BlockWidth: 1, BlockHeight: 1, Depth: true, Stencil: true},
	gputypes.TextureFormatDepth32Float:         {BlockBytes: 4, BlockWidth: 1, BlockHeight: 1, Depth: true},
	gputypes.TextureFormatDepth32FloatStencil8: {BlockBytes: 8, BlockWidth: 1, BlockHeight: 1, Depth: true, Stencil: true},

	gputypes.TextureFormatBC1RGBAUnorm:     block(8),
	gputypes.TextureFormatBC1RGBAUnormSrgb: block(8),
	gputypes.TextureFormatBC2RGBAUnorm:     block(16),
	gputypes.TextureFormatBC2RGBAUnormSrgb: block(16),
	gputypes.TextureFormatBC3RGBAUnorm:     block(16),
	gputypes.TextureFormatBC3RGBAUnormSrgb: block(16),
	gputypes.TextureFormatBC4RUnorm:        block(8),
	gputypes.TextureFormatBC4RSnorm:        block(8),
	gputypes.TextureFormatBC5RGUnorm:       block(16),
	gputypes.TextureFormatBC5RGSnorm:       block(16),
	gputypes.TextureFormatBC6HRGBUfloat:    block(16),
	gputypes.TextureFormatBC6HRGBFloat:     block(16),
	gputypes.TextureFormatBC7RGBAUnorm:     block(16),
	gputypes.TextureFormatBC7RGBAUnormSrgb: block(16),
}

// LookupFormat returns the storage description of f. The second result is
// false for formats the engine does not know.
func LookupFormat(f gputypes.TextureFormat) (FormatInfo, bool) {
	fi, ok := formatTable[f]
	return fi, ok
}

// FormatsCompatible reports whether texels can be copied between the two
// formats without conversion: equal block size and the same aspects.
func FormatsCompatible(a, b gputypes.TextureFormat) bool {
	if a == b {
		return true
	}
	fa, okA := formatTable[a]
	fb, okB := formatTable[b]
	if !okA || !okB {
		return false
	}
	return fa == fb
}
