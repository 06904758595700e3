package gfx

import (
	"fmt"
	"slices"

	"github.com/gogpu/gfx/driver"
)

// encoder is implemented by the three encoder kinds. A CommandBuffer owns
// its encoders from EndEncoding on.
type encoder interface {
	// encode records the encoder into a native command buffer between
	// Begin and End.
	encode(cb driver.CommandBuffer) error

	// release drops every resource reference held by the encoder.
	release()

	// base exposes the shared ownership arrays.
	base() *encoderBase
}

// syncOp is the kind of a setup or cleanup record.
type syncOp int

const (
	// syncUpdateSet rewrites the image layouts of a binding set.
	syncUpdateSet syncOp = iota

	// syncLayout transitions an image, recording a barrier.
	syncLayout

	// syncTrack updates the tracked layout of an image without a barrier,
	// for transitions performed by a render pass.
	syncTrack
)

// syncCommand is a record of the setup or cleanup phase.
type syncCommand struct {
	op         syncOp
	set        *ShaderBindingSet
	image      *ImageResource
	transition LayoutTransition
}

// encoderBase holds what every encoder keeps alive until the GPU is done:
// binding sets, pipelines, buffers, images, semaphores and transient
// render targets.
type encoderBase struct {
	device *GraphicsDevice
	owner  *CommandBuffer
	kind   string
	ended  bool

	buffers   []*Buffer
	images    []*ImageResource
	sets      []*ShaderBindingSet
	pipelines []*PipelineState

	waitSemaphores   []driver.Semaphore
	waitStages       []driver.PipelineStage
	signalSemaphores []driver.Semaphore

	renderTargets []driver.RenderTarget

	setup   []syncCommand
	cleanup []syncCommand

	submitted bool

	// inflight and released are guarded by the owner's stateMu.
	inflight int
	released bool
}

func (e *encoderBase) base() *encoderBase { return e }

// usable reports whether a recording call may proceed, logging a dropped
// call otherwise.
func (e *encoderBase) usable(call string) bool {
	if e.ended {
		e.drop(call, ErrEncoderEnded)
		return false
	}
	return true
}

// drop logs a recording call rejected for invalid input.
func (e *encoderBase) drop(call string, err error) {
	slogger().Error("gfx: encoder call dropped", "encoder", e.kind, "call", call, "err", err)
}

func (e *encoderBase) retainBuffer(b *Buffer) {
	if !slices.Contains(e.buffers, b) {
		e.buffers = append(e.buffers, b)
	}
}

func (e *encoderBase) retainImage(img *ImageResource) {
	if !slices.Contains(e.images, img) {
		e.images = append(e.images, img)
	}
}

func (e *encoderBase) retainSet(s *ShaderBindingSet) {
	s.retain()
	e.sets = append(e.sets, s)
}

func (e *encoderBase) retainPipeline(p *PipelineState) {
	if !slices.Contains(e.pipelines, p) {
		e.pipelines = append(e.pipelines, p)
	}
}

// addWaitSemaphore makes the submission wait on sem before stage.
func (e *encoderBase) addWaitSemaphore(sem driver.Semaphore, stage driver.PipelineStage) {
	if i := slices.Index(e.waitSemaphores, sem); i >= 0 {
		e.waitStages[i] |= stage
		return
	}
	e.waitSemaphores = append(e.waitSemaphores, sem)
	e.waitStages = append(e.waitStages, stage)
}

// addSignalSemaphore makes the submission signal sem on completion.
func (e *encoderBase) addSignalSemaphore(sem driver.Semaphore) {
	if !slices.Contains(e.signalSemaphores, sem) {
		e.signalSemaphores = append(e.signalSemaphores, sem)
	}
}

// end hands the encoder to its command buffer.
func (e *encoderBase) end(enc encoder) {
	if !e.usable("EndEncoding") {
		return
	}
	e.ended = true
	e.owner.addEncoder(enc)
}

// runSync executes setup or cleanup records.
func (e *encoderBase) runSync(cmds []syncCommand, layouts map[*ImageResource]driver.ImageLayout, cb driver.CommandBuffer) error {
	for _, c := range cmds {
		switch c.op {
		case syncUpdateSet:
			if err := c.set.updateImageLayouts(layouts); err != nil {
				return err
			}
		case syncLayout:
			c.image.SetLayout(c.transition, cb)
		case syncTrack:
			c.image.SetLayout(c.transition, nil)
		}
	}
	return nil
}

// bindingSetSetup builds the setup records for images bound through binding
// sets: descriptor layout rewrites first, then one transition per image in
// order of first binding.
func (e *encoderBase) bindingSetSetup(stages driver.PipelineStage) (map[*ImageResource]driver.ImageLayout, []syncCommand) {
	layouts := make(map[*ImageResource]driver.ImageLayout)
	var (
		sets   []*ShaderBindingSet
		images []*ImageResource
	)
	for _, s := range e.sets {
		if slices.Contains(sets, s) {
			continue
		}
		sets = append(sets, s)
		for _, ib := range s.boundImages() {
			if _, seen := layouts[ib.image]; !seen {
				images = append(images, ib.image)
			}
			mergeLayout(layouts, ib.image, ib.layout)
		}
	}

	cmds := make([]syncCommand, 0, len(sets)+len(images))
	for _, s := range sets {
		cmds = append(cmds, syncCommand{op: syncUpdateSet, set: s})
	}
	for _, img := range images {
		e.retainImage(img)
		cmds = append(cmds, syncCommand{
			op:    syncLayout,
			image: img,
			transition: LayoutTransition{
				Layout:     layouts[img],
				StageBegin: stages,
				StageEnd:   stages,
			},
		})
	}
	return layouts, cmds
}

// bindState binds pipelines and descriptor sets lazily during replay.
type bindState struct {
	pipeline *PipelineState
	sets     map[uint32]*ShaderBindingSet
	dirty    map[uint32]bool
}

func newBindState() bindState {
	return bindState{
		sets:  make(map[uint32]*ShaderBindingSet),
		dirty: make(map[uint32]bool),
	}
}

func (s *bindState) setPipeline(cb driver.CommandBuffer, p *PipelineState) {
	s.pipeline = p
	cb.BindPipeline(p.native)
	for i := range s.sets {
		s.dirty[i] = true
	}
}

func (s *bindState) setResource(index uint32, set *ShaderBindingSet) {
	s.sets[index] = set
	s.dirty[index] = true
}

// flush binds every set changed since the last draw or dispatch.
func (s *bindState) flush(cb driver.CommandBuffer) {
	if s.pipeline == nil || len(s.dirty) == 0 {
		return
	}
	indices := make([]uint32, 0, len(s.dirty))
	for i := range s.dirty {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	for _, i := range indices {
		cb.BindDescriptorSets(s.pipeline.native, i, []driver.DescriptorSet{s.sets[i].alloc.Set})
	}
	clear(s.dirty)
}

// release drops references and destroys transient render targets.
func (e *encoderBase) release() {
	if e.released {
		return
	}
	e.released = true
	for _, s := range e.sets {
		s.Release()
	}
	for _, rt := range e.renderTargets {
		e.device.drv.DestroyRenderTarget(rt)
	}
	e.sets = nil
	e.renderTargets = nil
	e.buffers = nil
	e.images = nil
	e.pipelines = nil
}

// checkPipeline verifies that p can be bound at point.
func checkPipeline(p *PipelineState, point driver.BindPoint) error {
	if p == nil || p.native == nil {
		return ErrNoPipelineState
	}
	if p.BindPoint() != point {
		return fmt.Errorf("%w: %q", ErrPipelineKind, p.label)
	}
	return nil
}
