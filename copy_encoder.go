package gfx

import (
	"fmt"

	"github.com/gogpu/gfx/driver"
)

// TextureOrigin selects the subresource and texel origin of a texture copy.
type TextureOrigin struct {
	Layer uint32
	Level uint32
	X     uint32
	Y     uint32
	Z     uint32
}

// BufferImageOrigin describes image data stored in a buffer. ImageWidth and
// ImageHeight are the row length and rows per slice in texels; zero means
// tightly packed.
type BufferImageOrigin struct {
	BufferOffset uint64
	ImageWidth   uint32
	ImageHeight  uint32
}

// copyOp is the kind of a copy command record.
type copyOp int

const (
	copyBufferToBuffer copyOp = iota
	copyBufferToTexture
	copyTextureToBuffer
	copyTextureToTexture
	copyFillBuffer
)

// copyCommand is one recorded copy.
type copyCommand struct {
	op          copyOp
	srcBuffer   *Buffer
	dstBuffer   *Buffer
	srcImage    *ImageResource
	dstImage    *ImageResource
	bufferCopy  driver.BufferCopy
	bufferImage driver.BufferImageCopy
	imageCopy   driver.ImageCopy
	fillOffset  uint64
	fillSize    uint64
	fillValue   uint32
}

// CopyCommandEncoder records buffer and texture copies. Images are moved to
// TransferSrc or TransferDst right before each copy that uses them.
//
// An encoder is used from a single goroutine. Copies with invalid ranges
// are logged and dropped.
type CopyCommandEncoder struct {
	encoderBase
	commands []copyCommand
}

func newCopyCommandEncoder(owner *CommandBuffer) *CopyCommandEncoder {
	return &CopyCommandEncoder{
		encoderBase: encoderBase{device: owner.queue.device, owner: owner, kind: "copy"},
	}
}

// fits reports whether [offset, offset+size) lies within total bytes.
func fits(offset, size, total uint64) bool {
	return size <= total && offset <= total-size
}

// CopyBufferToBuffer copies size bytes between buffers.
func (e *CopyCommandEncoder) CopyBufferToBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) {
	if !e.usable("CopyBufferToBuffer") {
		return
	}
	if err := e.checkBufferCopy(src, srcOffset, dst, dstOffset, size); err != nil {
		e.drop("CopyBufferToBuffer", err)
		return
	}
	e.retainBuffer(src)
	e.retainBuffer(dst)
	e.commands = append(e.commands, copyCommand{
		op:         copyBufferToBuffer,
		srcBuffer:  src,
		dstBuffer:  dst,
		bufferCopy: driver.BufferCopy{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size},
	})
}

func (e *CopyCommandEncoder) checkBufferCopy(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) error {
	if src == nil || dst == nil || src.native == nil || dst.native == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidRegion)
	}
	if size == 0 {
		return fmt.Errorf("%w: empty copy", ErrInvalidRegion)
	}
	if !fits(srcOffset, size, src.size) {
		return fmt.Errorf("%w: source %d+%d exceeds %d", ErrCopyRangeOutOfBounds, srcOffset, size, src.size)
	}
	if !fits(dstOffset, size, dst.size) {
		return fmt.Errorf("%w: destination %d+%d exceeds %d", ErrCopyRangeOutOfBounds, dstOffset, size, dst.size)
	}
	if src == dst && srcOffset < dstOffset+size && dstOffset < srcOffset+size {
		return fmt.Errorf("%w: overlapping copy within buffer %q", ErrInvalidRegion, src.label)
	}
	return nil
}

// CopyBufferToTexture copies image data from a buffer into a texture
// region.
func (e *CopyCommandEncoder) CopyBufferToTexture(src *Buffer, srcOrigin BufferImageOrigin, dst *ImageResource, dstOrigin TextureOrigin, size driver.Extent3D) {
	if !e.usable("CopyBufferToTexture") {
		return
	}
	region, err := bufferImageRegion(src, srcOrigin, dst, dstOrigin, size)
	if err != nil {
		e.drop("CopyBufferToTexture", err)
		return
	}
	e.retainBuffer(src)
	e.retainImage(dst)
	e.commands = append(e.commands, copyCommand{
		op:          copyBufferToTexture,
		srcBuffer:   src,
		dstImage:    dst,
		bufferImage: region,
	})
}

// CopyTextureToBuffer copies a texture region into a buffer.
func (e *CopyCommandEncoder) CopyTextureToBuffer(src *ImageResource, srcOrigin TextureOrigin, dst *Buffer, dstOrigin BufferImageOrigin, size driver.Extent3D) {
	if !e.usable("CopyTextureToBuffer") {
		return
	}
	region, err := bufferImageRegion(dst, dstOrigin, src, srcOrigin, size)
	if err != nil {
		e.drop("CopyTextureToBuffer", err)
		return
	}
	e.retainImage(src)
	e.retainBuffer(dst)
	e.commands = append(e.commands, copyCommand{
		op:          copyTextureToBuffer,
		srcImage:    src,
		dstBuffer:   dst,
		bufferImage: region,
	})
}

// CopyTextureToTexture copies a region between textures of compatible
// formats. Copies between mip levels of one layer run in the General layout.
func (e *CopyCommandEncoder) CopyTextureToTexture(src *ImageResource, srcOrigin TextureOrigin, dst *ImageResource, dstOrigin TextureOrigin, size driver.Extent3D) {
	if !e.usable("CopyTextureToTexture") {
		return
	}
	if err := checkTextureRegion(src, srcOrigin, size); err != nil {
		e.drop("CopyTextureToTexture", err)
		return
	}
	if err := checkTextureRegion(dst, dstOrigin, size); err != nil {
		e.drop("CopyTextureToTexture", err)
		return
	}
	if !driver.FormatsCompatible(src.format, dst.format) {
		e.drop("CopyTextureToTexture", fmt.Errorf("%w: %v to %v", ErrFormatMismatch, src.format, dst.format))
		return
	}
	if src == dst && srcOrigin.Layer == dstOrigin.Layer && srcOrigin.Level == dstOrigin.Level {
		e.drop("CopyTextureToTexture", fmt.Errorf("%w: source and destination are the same subresource", ErrInvalidRegion))
		return
	}
	e.retainImage(src)
	e.retainImage(dst)
	e.commands = append(e.commands, copyCommand{
		op:       copyTextureToTexture,
		srcImage: src,
		dstImage: dst,
		imageCopy: driver.ImageCopy{
			Src:       subresource(src, srcOrigin),
			SrcOrigin: offset3D(srcOrigin),
			Dst:       subresource(dst, dstOrigin),
			DstOrigin: offset3D(dstOrigin),
			Extent:    size,
		},
	})
}

// FillBuffer sets length bytes at offset to value. Offset and length must
// be multiples of 4.
func (e *CopyCommandEncoder) FillBuffer(buf *Buffer, offset, length uint64, value uint8) {
	if !e.usable("FillBuffer") {
		return
	}
	var err error
	switch {
	case buf == nil || buf.native == nil || length == 0:
		err = fmt.Errorf("%w: empty fill", ErrInvalidRegion)
	case offset%4 != 0:
		err = fmt.Errorf("%w: fill offset %d", ErrCopyOffsetNotAligned, offset)
	case length%4 != 0:
		err = fmt.Errorf("%w: fill length %d", ErrCopySizeNotAligned, length)
	case !fits(offset, length, buf.size):
		err = fmt.Errorf("%w: fill %d+%d exceeds %d", ErrCopyRangeOutOfBounds, offset, length, buf.size)
	}
	if err != nil {
		e.drop("FillBuffer", err)
		return
	}
	e.retainBuffer(buf)
	v := uint32(value)
	e.commands = append(e.commands, copyCommand{
		op:         copyFillBuffer,
		dstBuffer:  buf,
		fillOffset: offset,
		fillSize:   length,
		fillValue:  v | v<<8 | v<<16 | v<<24,
	})
}

// EndEncoding finishes recording and hands the encoder to its command
// buffer. Later calls on the encoder are dropped.
func (e *CopyCommandEncoder) EndEncoding() { e.end(e) }

// encode replays the encoder into cb.
func (e *CopyCommandEncoder) encode(cb driver.CommandBuffer) error {
	for i := range e.commands {
		c := &e.commands[i]
		switch c.op {
		case copyBufferToBuffer:
			cb.CopyBuffer(c.srcBuffer.native, c.dstBuffer.native, []driver.BufferCopy{c.bufferCopy})
		case copyBufferToTexture:
			transfer(c.dstImage, c.bufferImage.Subresource.BaseLayer, driver.LayoutTransferDst, cb)
			cb.CopyBufferToImage(c.srcBuffer.native, c.dstImage.native, driver.LayoutTransferDst,
				[]driver.BufferImageCopy{c.bufferImage})
		case copyTextureToBuffer:
			transfer(c.srcImage, c.bufferImage.Subresource.BaseLayer, driver.LayoutTransferSrc, cb)
			cb.CopyImageToBuffer(c.srcImage.native, driver.LayoutTransferSrc, c.dstBuffer.native,
				[]driver.BufferImageCopy{c.bufferImage})
		case copyTextureToTexture:
			src, dst := driver.LayoutTransferSrc, driver.LayoutTransferDst
			if c.srcImage == c.dstImage && c.imageCopy.Src.BaseLayer == c.imageCopy.Dst.BaseLayer {
				// Layouts are tracked per layer, so mips of one layer share one.
				src, dst = driver.LayoutGeneral, driver.LayoutGeneral
				transfer(c.srcImage, c.imageCopy.Src.BaseLayer, driver.LayoutGeneral, cb)
			} else {
				transfer(c.srcImage, c.imageCopy.Src.BaseLayer, src, cb)
				transfer(c.dstImage, c.imageCopy.Dst.BaseLayer, dst, cb)
			}
			cb.CopyImage(c.srcImage.native, src, c.dstImage.native, dst, []driver.ImageCopy{c.imageCopy})
		case copyFillBuffer:
			cb.FillBuffer(c.dstBuffer.native, c.fillOffset, c.fillSize, c.fillValue)
		}
	}
	return e.runSync(e.cleanup, nil, cb)
}

// transfer moves one layer of img into a transfer layout.
func transfer(img *ImageResource, layer uint32, layout driver.ImageLayout, cb driver.CommandBuffer) {
	img.SetLayout(LayoutTransition{
		Layout:     layout,
		StageBegin: driver.StageTransfer,
		StageEnd:   driver.StageTransfer,
		BaseLayer:  layer,
		LayerCount: 1,
	}, cb)
}

// checkTextureRegion validates a texture region against the mip-adjusted
// extent of the image.
func checkTextureRegion(img *ImageResource, o TextureOrigin, size driver.Extent3D) error {
	if img == nil || img.native == nil {
		return fmt.Errorf("%w: nil texture", ErrInvalidRegion)
	}
	if size.Width == 0 || size.Height == 0 || size.Depth == 0 {
		return fmt.Errorf("%w: empty region %dx%dx%d", ErrInvalidRegion, size.Width, size.Height, size.Depth)
	}
	if o.Level >= img.mipLevels || o.Layer >= img.layers {
		return fmt.Errorf("%w: %q has no layer %d level %d", ErrInvalidRegion, img.label, o.Layer, o.Level)
	}
	ext := img.MipExtent(o.Level)
	if !fits(uint64(o.X), uint64(size.Width), uint64(ext.Width)) ||
		!fits(uint64(o.Y), uint64(size.Height), uint64(ext.Height)) ||
		!fits(uint64(o.Z), uint64(size.Depth), uint64(ext.Depth)) {
		return fmt.Errorf("%w: region (%d,%d,%d)+%dx%dx%d exceeds level %d of %q (%dx%dx%d)",
			ErrCopyRangeOutOfBounds, o.X, o.Y, o.Z, size.Width, size.Height, size.Depth,
			o.Level, img.label, ext.Width, ext.Height, ext.Depth)
	}
	if info := img.info; info.Compressed() {
		if o.X%info.BlockWidth != 0 || o.Y%info.BlockHeight != 0 {
			return fmt.Errorf("%w: origin (%d,%d) not on a %dx%d block", ErrCopyOffsetNotAligned,
				o.X, o.Y, info.BlockWidth, info.BlockHeight)
		}
		if (size.Width%info.BlockWidth != 0 && o.X+size.Width != ext.Width) ||
			(size.Height%info.BlockHeight != 0 && o.Y+size.Height != ext.Height) {
			return fmt.Errorf("%w: region %dx%d does not cover whole blocks", ErrCopySizeNotAligned,
				size.Width, size.Height)
		}
	}
	return nil
}

// bufferImageRegion validates a buffer-texture copy and builds its region.
func bufferImageRegion(buf *Buffer, bo BufferImageOrigin, img *ImageResource, to TextureOrigin, size driver.Extent3D) (driver.BufferImageCopy, error) {
	if buf == nil || buf.native == nil {
		return driver.BufferImageCopy{}, fmt.Errorf("%w: nil buffer", ErrInvalidRegion)
	}
	if err := checkTextureRegion(img, to, size); err != nil {
		return driver.BufferImageCopy{}, err
	}
	info := img.info
	if info.BlockBytes == 0 {
		return driver.BufferImageCopy{}, fmt.Errorf("%w: unknown format of %q", ErrFormatMismatch, img.label)
	}
	rowLength := bo.ImageWidth
	if rowLength == 0 {
		rowLength = size.Width
	}
	imageHeight := bo.ImageHeight
	if imageHeight == 0 {
		imageHeight = size.Height
	}
	if rowLength < size.Width || imageHeight < size.Height {
		return driver.BufferImageCopy{}, fmt.Errorf("%w: buffer image %dx%d smaller than region %dx%d",
			ErrInvalidRegion, rowLength, imageHeight, size.Width, size.Height)
	}
	align := uint64(max(info.BlockBytes, 4))
	if info.Color {
		align = uint64(info.BlockBytes)
	}
	if bo.BufferOffset%align != 0 {
		return driver.BufferImageCopy{}, fmt.Errorf("%w: buffer offset %d not a multiple of %d",
			ErrCopyOffsetNotAligned, bo.BufferOffset, align)
	}

	rowBytes := info.RowBytes(rowLength)
	sliceRows := uint64((imageHeight + info.BlockHeight - 1) / info.BlockHeight)
	rows := uint64((size.Height + info.BlockHeight - 1) / info.BlockHeight)
	need := rowBytes*sliceRows*uint64(size.Depth-1) + rowBytes*(rows-1) + info.RowBytes(size.Width)
	if !fits(bo.BufferOffset, need, buf.size) {
		return driver.BufferImageCopy{}, fmt.Errorf("%w: buffer range %d+%d exceeds %d",
			ErrCopyRangeOutOfBounds, bo.BufferOffset, need, buf.size)
	}

	return driver.BufferImageCopy{
		BufferOffset: bo.BufferOffset,
		RowLength:    bo.ImageWidth,
		ImageHeight:  bo.ImageHeight,
		Subresource:  subresource(img, to),
		Origin:       offset3D(to),
		Extent:       size,
	}, nil
}

// subresource selects one layer and level of img. Depth-stencil images are
// copied through their depth aspect.
func subresource(img *ImageResource, o TextureOrigin) driver.ImageSubresource {
	aspect := img.aspect()
	if aspect&driver.AspectDepth != 0 {
		aspect = driver.AspectDepth
	}
	return driver.ImageSubresource{
		Aspect:     aspect,
		MipLevel:   o.Level,
		BaseLayer:  o.Layer,
		LayerCount: 1,
	}
}

func offset3D(o TextureOrigin) driver.Offset3D {
	//nolint:gosec // G115: origins are bounded by the image extent
	return driver.Offset3D{X: int32(o.X), Y: int32(o.Y), Z: int32(o.Z)}
}
