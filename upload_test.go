package gfx

import (
	"bytes"
	"errors"
	"image"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gfx/internal/fakegpu"
)

func solidRGBA(w, h int, px [4]byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:i+4], px[:])
	}
	return img
}

func TestStagingSize(t *testing.T) {
	tests := []struct {
		w, h, levels uint32
		want         uint64
	}{
		{4, 4, 1, 64},
		{4, 4, 3, 84},
		{8, 2, 4, 64 + 16 + 8 + 4},
		{1, 1, 1, 4},
	}
	for _, tt := range tests {
		if got := StagingSize(tt.w, tt.h, tt.levels); got != tt.want {
			t.Errorf("StagingSize(%d, %d, %d) = %d, want %d", tt.w, tt.h, tt.levels, got, tt.want)
		}
	}
}

func TestUploadImage_MipChain(t *testing.T) {
	fake, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)
	tex, err := dev.CreateTexture(TextureDescriptor{
		Label:     "albedo",
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Width:     4,
		Height:    4,
		MipLevels: 3,
		Usage:     gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		t.Fatal(err)
	}
	blocks := dev.MemoryStats().BlockCount

	src := solidRGBA(4, 4, [4]byte{10, 20, 30, 255})
	enc := cb.CreateCopyCommandEncoder()
	if err := enc.UploadImage(tex, 0, src); err != nil {
		t.Fatalf("UploadImage() = %v", err)
	}
	enc.EndEncoding()
	if got := dev.MemoryStats().BlockCount; got != blocks+1 {
		t.Errorf("BlockCount during upload = %d, want %d", got, blocks+1)
	}
	if !cb.Commit() {
		t.Fatal("Commit() = false")
	}

	native := submitted(t, fake, 0)[0]
	wantOps := []fakegpu.Op{
		fakegpu.OpBarrier,
		fakegpu.OpCopyBufferToImage, fakegpu.OpCopyBufferToImage, fakegpu.OpCopyBufferToImage,
	}
	if got := native.Ops(); !slices.Equal(got, wantOps) {
		t.Fatalf("ops = %v, want %v", got, wantOps)
	}
	cmds := native.Commands()
	for i, want := range []struct {
		offset uint64
		size   uint32
	}{{0, 4}, {64, 2}, {80, 1}} {
		r := cmds[i+1].BufferImageRegions[0]
		if r.BufferOffset != want.offset || r.Subresource.MipLevel != uint32(i) || r.Extent.Width != want.size {
			t.Errorf("level %d region = offset %d level %d width %d, want offset %d width %d",
				i, r.BufferOffset, r.Subresource.MipLevel, r.Extent.Width, want.offset, want.size)
		}
	}

	staging := cmds[1].Src.(*fakegpu.Buffer)
	if got := staging.Memory().Bytes()[:64]; !bytes.Equal(got, src.Pix) {
		t.Error("staged level 0 differs from the source pixels")
	}

	fake.CompleteAll()
	waitCompleted(t, cb)
	if got := dev.MemoryStats().BlockCount; got != blocks {
		t.Errorf("BlockCount after completion = %d, want %d", got, blocks)
	}
	if got := tex.Layout(0); got != driver.LayoutTransferDst {
		t.Errorf("Layout(0) = %v, want TransferDst", got)
	}
}

func TestUploadImage_ScalesSource(t *testing.T) {
	fake, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)
	tex := newTestTexture(t, dev, 4, 4, 1)

	enc := cb.CreateCopyCommandEncoder()
	if err := enc.UploadImage(tex, 0, solidRGBA(16, 8, [4]byte{255, 0, 0, 255})); err != nil {
		t.Fatalf("UploadImage() = %v", err)
	}
	enc.EndEncoding()
	cb.Commit()

	cmds := submitted(t, fake, 0)[0].Commands()
	r := cmds[1].BufferImageRegions[0]
	if r.Extent.Width != 4 || r.Extent.Height != 4 {
		t.Errorf("region extent = %dx%d, want 4x4", r.Extent.Width, r.Extent.Height)
	}
}

func TestUploadImage_Errors(t *testing.T) {
	_, dev := newTestDevice(t)
	cb := newTestCommandBuffer(t, dev, driver.QueueGraphics)
	tex := newTestTexture(t, dev, 4, 4, 1)
	r32, err := dev.CreateTexture(TextureDescriptor{
		Label:  "r32f",
		Format: gputypes.TextureFormatR32Float,
		Width:  4,
		Height: 4,
		Usage:  gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	src := solidRGBA(4, 4, [4]byte{1, 2, 3, 4})
	blocks := dev.MemoryStats().BlockCount

	enc := cb.CreateCopyCommandEncoder()
	tests := []struct {
		name  string
		dst   *ImageResource
		layer uint32
		src   image.Image
		want  error
	}{
		{"nil texture", nil, 0, src, ErrInvalidRegion},
		{"nil source", tex, 0, nil, ErrInvalidRegion},
		{"wrong format", r32, 0, src, ErrFormatMismatch},
		{"missing layer", tex, 1, src, ErrInvalidRegion},
		{"empty source", tex, 0, image.NewRGBA(image.Rectangle{}), ErrInvalidRegion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := enc.UploadImage(tt.dst, tt.layer, tt.src); !errors.Is(err, tt.want) {
				t.Errorf("UploadImage() = %v, want %v", err, tt.want)
			}
		})
	}
	if got := dev.MemoryStats().BlockCount; got != blocks {
		t.Errorf("BlockCount = %d, want %d (no staging buffer left behind)", got, blocks)
	}

	enc.EndEncoding()
	if err := enc.UploadImage(tex, 0, src); !errors.Is(err, ErrEncoderEnded) {
		t.Errorf("UploadImage() after EndEncoding = %v, want ErrEncoderEnded", err)
	}
}
