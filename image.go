package gfx

import (
	"slices"
	"sync"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gputypes"
)

// FormatInfo returns the texel block size and aspect flags of a pixel
// format. ok is false for formats gfx does not know.
func FormatInfo(f gputypes.TextureFormat) (info driver.FormatInfo, ok bool) {
	return driver.LookupFormat(f)
}

// LayoutTransition requests a layout change for a range of array layers.
type LayoutTransition struct {
	// Layout is the new layout.
	Layout driver.ImageLayout

	// Access is the access mask after the transition. Zero selects
	// driver.AccessForLayout(Layout).
	Access driver.AccessFlags

	// StageBegin is the first stage that uses the image in the new layout.
	// StageEnd is the last one; it becomes the source stage of the next
	// transition. Zero selects StageAllCommands.
	StageBegin driver.PipelineStage
	StageEnd   driver.PipelineStage

	// BaseLayer is the first array layer; LayerCount zero means all layers
	// from BaseLayer on.
	BaseLayer  uint32
	LayerCount uint32
}

// layerState is the tracked state of one array layer.
type layerState struct {
	layout     driver.ImageLayout
	access     driver.AccessFlags
	stageBegin driver.PipelineStage
	stageEnd   driver.PipelineStage
}

// ImageResource is a texture together with the layout each of its array
// layers is currently in.
//
// SetLayout is safe for concurrent use; the layout lock is held only while
// a transition is computed and never while other locks are taken.
type ImageResource struct {
	dev    driver.Device
	native driver.Image
	memory *DeviceMemoryBlock
	mm     *MemoryManager // nil for wrapped images

	label     string
	format    gputypes.TextureFormat
	info      driver.FormatInfo
	width     uint32
	height    uint32
	depth     uint32
	mipLevels uint32
	layers    uint32
	usage     gputypes.TextureUsage

	mu    sync.Mutex
	state []layerState

	waitSem   driver.Semaphore
	signalSem driver.Semaphore
}

// TextureDescriptor describes a texture to create.
type TextureDescriptor struct {
	Label       string
	Format      gputypes.TextureFormat
	Width       uint32
	Height      uint32
	Depth       uint32
	MipLevels   uint32
	ArrayLayers uint32
	Usage       gputypes.TextureUsage
}

// normalized fills defaulted counts.
func (d TextureDescriptor) normalized() TextureDescriptor {
	d.Depth = max(d.Depth, 1)
	d.MipLevels = max(d.MipLevels, 1)
	d.ArrayLayers = max(d.ArrayLayers, 1)
	return d
}

func newImageResource(dev driver.Device, native driver.Image, desc TextureDescriptor) *ImageResource {
	desc = desc.normalized()
	info, _ := driver.LookupFormat(desc.Format)
	img := &ImageResource{
		dev:       dev,
		native:    native,
		label:     desc.Label,
		format:    desc.Format,
		info:      info,
		width:     desc.Width,
		height:    desc.Height,
		depth:     desc.Depth,
		mipLevels: desc.MipLevels,
		layers:    desc.ArrayLayers,
		usage:     desc.Usage,
		state:     make([]layerState, desc.ArrayLayers),
	}
	for i := range img.state {
		img.state[i] = layerState{
			layout:     driver.LayoutUndefined,
			stageBegin: driver.StageAllCommands,
			stageEnd:   driver.StageAllCommands,
		}
	}
	return img
}

// WrapImage adopts a native image gfx did not create, such as a swap-chain
// image. The image is not destroyed by Destroy.
func WrapImage(dev *GraphicsDevice, native driver.Image, desc TextureDescriptor) *ImageResource {
	return newImageResource(dev.drv, native, desc)
}

// Native returns the driver image.
func (img *ImageResource) Native() driver.Image { return img.native }

// Label returns the debug label.
func (img *ImageResource) Label() string { return img.label }

// Format returns the pixel format.
func (img *ImageResource) Format() gputypes.TextureFormat { return img.format }

// Width returns the width of mip level 0.
func (img *ImageResource) Width() uint32 { return img.width }

// Height returns the height of mip level 0.
func (img *ImageResource) Height() uint32 { return img.height }

// Depth returns the depth of mip level 0.
func (img *ImageResource) Depth() uint32 { return img.depth }

// MipLevels returns the number of mip levels.
func (img *ImageResource) MipLevels() uint32 { return img.mipLevels }

// ArrayLayers returns the number of array layers.
func (img *ImageResource) ArrayLayers() uint32 { return img.layers }

// Usage returns the usage flags.
func (img *ImageResource) Usage() gputypes.TextureUsage { return img.usage }

// Memory returns the backing memory block, or nil for wrapped images.
func (img *ImageResource) Memory() *DeviceMemoryBlock { return img.memory }

// MipExtent returns the extent of the given mip level.
func (img *ImageResource) MipExtent(level uint32) driver.Extent3D {
	return driver.Extent3D{
		Width:  max(img.width>>level, 1),
		Height: max(img.height>>level, 1),
		Depth:  max(img.depth>>level, 1),
	}
}

// Layout returns the current layout of an array layer.
func (img *ImageResource) Layout(layer uint32) driver.ImageLayout {
	img.mu.Lock()
	defer img.mu.Unlock()
	if layer >= uint32(len(img.state)) {
		return driver.LayoutUndefined
	}
	return img.state[layer].layout
}

// SetExternalSync registers the semaphores of a presentable image. Render
// encoders drawing to the image wait on wait and signal signal.
func (img *ImageResource) SetExternalSync(wait, signal driver.Semaphore) {
	img.mu.Lock()
	img.waitSem, img.signalSem = wait, signal
	img.mu.Unlock()
}

// externalSync returns the semaphores set by SetExternalSync.
func (img *ImageResource) externalSync() (wait, signal driver.Semaphore) {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.waitSem, img.signalSem
}

// IsExternal reports whether the image has presentation semaphores.
func (img *ImageResource) IsExternal() bool {
	w, s := img.externalSync()
	return w != nil || s != nil
}

// SetLayout moves the selected layers into t.Layout and returns the layout
// the first selected layer was in. When cb is not nil and at least one
// layer changes layout, a single pipeline barrier is recorded into cb.
// Layers already in t.Layout only have their access and stages updated.
func (img *ImageResource) SetLayout(t LayoutTransition, cb driver.CommandBuffer) driver.ImageLayout {
	if t.Access == 0 {
		t.Access = driver.AccessForLayout(t.Layout)
	}
	if t.StageBegin == 0 {
		t.StageBegin = driver.StageAllCommands
	}
	if t.StageEnd == 0 {
		t.StageEnd = t.StageBegin
	}

	img.mu.Lock()
	defer img.mu.Unlock()

	n := uint32(len(img.state))
	if t.BaseLayer >= n {
		slogger().Error("gfx: layout transition out of range",
			"image", img.label, "layer", t.BaseLayer, "layers", n)
		return driver.LayoutUndefined
	}
	end := n
	if t.LayerCount > 0 {
		end = t.BaseLayer + min(t.LayerCount, n-t.BaseLayer)
	}
	old := img.state[t.BaseLayer].layout

	var (
		barriers []driver.ImageBarrier
		srcStage driver.PipelineStage
	)
	for i := t.BaseLayer; i < end; i++ {
		s := &img.state[i]
		if s.layout != t.Layout {
			srcStage |= s.stageEnd
			if k := len(barriers) - 1; k >= 0 &&
				barriers[k].OldLayout == s.layout &&
				barriers[k].SrcAccess == s.access &&
				barriers[k].BaseLayer+barriers[k].LayerCount == i {
				barriers[k].LayerCount++
			} else {
				barriers = append(barriers, driver.ImageBarrier{
					Image:        img.native,
					OldLayout:    s.layout,
					NewLayout:    t.Layout,
					SrcAccess:    s.access,
					DstAccess:    t.Access,
					Aspect:       img.aspect(),
					BaseMipLevel: 0,
					LevelCount:   img.mipLevels,
					BaseLayer:    i,
					LayerCount:   1,
				})
			}
		}
		*s = layerState{
			layout:     t.Layout,
			access:     t.Access,
			stageBegin: t.StageBegin,
			stageEnd:   t.StageEnd,
		}
	}

	if cb != nil && len(barriers) > 0 {
		cb.PipelineBarrier(srcStage, t.StageBegin, barriers)
		slogger().Debug("gfx: image barrier",
			"image", img.label, "old", old, "new", t.Layout, "ranges", len(barriers))
	}
	return old
}

// layoutSnapshot is the tracked state of one image at a point in time.
type layoutSnapshot struct {
	img   *ImageResource
	state []layerState
}

// snapshotLayouts captures the tracked layouts of every image the encoders
// hold or reach through binding sets, so a failed Commit can put them back.
func snapshotLayouts(encs []encoder) []layoutSnapshot {
	var snaps []layoutSnapshot
	seen := make(map[*ImageResource]bool)
	add := func(img *ImageResource) {
		if img == nil || seen[img] {
			return
		}
		seen[img] = true
		img.mu.Lock()
		snaps = append(snaps, layoutSnapshot{img: img, state: slices.Clone(img.state)})
		img.mu.Unlock()
	}
	for _, enc := range encs {
		b := enc.base()
		for _, img := range b.images {
			add(img)
		}
		for _, s := range b.sets {
			for _, ib := range s.boundImages() {
				add(ib.image)
			}
		}
	}
	return snaps
}

func restoreLayouts(snaps []layoutSnapshot) {
	for _, s := range snaps {
		s.img.mu.Lock()
		copy(s.img.state, s.state)
		s.img.mu.Unlock()
	}
}

// aspect returns the aspect mask of the image format.
func (img *ImageResource) aspect() driver.ImageAspect {
	if a := img.info.Aspect(); a != 0 {
		return a
	}
	return driver.AspectColor
}

// Destroy releases the image and its memory. Wrapped images are only
// forgotten. The caller must ensure the GPU no longer uses the image.
func (img *ImageResource) Destroy() {
	if img.mm == nil || img.native == nil {
		return
	}
	img.memory.forceUnmap()
	img.mm.release(img.memory)
	img.dev.DestroyImage(img.native)
	img.native = nil
}
