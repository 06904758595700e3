package gfx

import (
	"fmt"

	"github.com/gogpu/gfx/driver"
)

// computeOp is the kind of a compute command record.
type computeOp int

const (
	computeSetPipeline computeOp = iota
	computeSetResource
	computePushConstant
	computeDispatch
)

// computeCommand is one recorded compute call.
type computeCommand struct {
	op       computeOp
	pipeline *PipelineState
	index    uint32
	set      *ShaderBindingSet
	data     []byte
	groups   [3]uint32
}

// ComputeCommandEncoder records compute dispatches.
//
// An encoder is used from a single goroutine. Calls with invalid input are
// logged and dropped.
type ComputeCommandEncoder struct {
	encoderBase
	commands []computeCommand
	pipeline *PipelineState
}

func newComputeCommandEncoder(owner *CommandBuffer) *ComputeCommandEncoder {
	return &ComputeCommandEncoder{
		encoderBase: encoderBase{device: owner.queue.device, owner: owner, kind: "compute"},
	}
}

// SetComputePipelineState sets the pipeline for following dispatches.
func (e *ComputeCommandEncoder) SetComputePipelineState(p *PipelineState) {
	if !e.usable("SetComputePipelineState") {
		return
	}
	if err := checkPipeline(p, driver.BindPointCompute); err != nil {
		e.drop("SetComputePipelineState", err)
		return
	}
	e.retainPipeline(p)
	e.pipeline = p
	e.commands = append(e.commands, computeCommand{op: computeSetPipeline, pipeline: p})
}

// SetResource binds a binding set at set index.
func (e *ComputeCommandEncoder) SetResource(index uint32, set *ShaderBindingSet) {
	if !e.usable("SetResource") {
		return
	}
	if set == nil {
		e.drop("SetResource", fmt.Errorf("%w: nil binding set", ErrInvalidRegion))
		return
	}
	e.retainSet(set)
	e.commands = append(e.commands, computeCommand{op: computeSetResource, index: index, set: set})
}

// PushConstant updates push constant bytes at offset.
func (e *ComputeCommandEncoder) PushConstant(offset uint32, data []byte) {
	if !e.usable("PushConstant") {
		return
	}
	if e.pipeline == nil {
		e.drop("PushConstant", ErrNoPipelineState)
		return
	}
	if len(data) == 0 || offset%4 != 0 || len(data)%4 != 0 {
		e.drop("PushConstant", fmt.Errorf("%w: push constant %d+%d", ErrCopySizeNotAligned, offset, len(data)))
		return
	}
	e.commands = append(e.commands, computeCommand{
		op:    computePushConstant,
		index: offset,
		data:  append([]byte(nil), data...),
	})
}

// Dispatch records a dispatch of x*y*z workgroups.
func (e *ComputeCommandEncoder) Dispatch(x, y, z uint32) {
	if !e.usable("Dispatch") {
		return
	}
	if e.pipeline == nil {
		e.drop("Dispatch", ErrNoPipelineState)
		return
	}
	if x == 0 || y == 0 || z == 0 {
		return
	}
	e.commands = append(e.commands, computeCommand{op: computeDispatch, groups: [3]uint32{x, y, z}})
}

// EndEncoding finishes recording and hands the encoder to its command
// buffer. Later calls on the encoder are dropped.
func (e *ComputeCommandEncoder) EndEncoding() { e.end(e) }

// encode replays the encoder into cb.
func (e *ComputeCommandEncoder) encode(cb driver.CommandBuffer) error {
	layouts, setup := e.bindingSetSetup(driver.StageComputeShader)
	e.setup = setup
	if err := e.runSync(e.setup, layouts, cb); err != nil {
		return err
	}

	binds := newBindState()
	for i := range e.commands {
		c := &e.commands[i]
		switch c.op {
		case computeSetPipeline:
			binds.setPipeline(cb, c.pipeline)
		case computeSetResource:
			binds.setResource(c.index, c.set)
		case computePushConstant:
			cb.PushConstants(binds.pipeline.native, c.index, c.data)
		case computeDispatch:
			binds.flush(cb)
			cb.Dispatch(c.groups[0], c.groups[1], c.groups[2])
		}
	}
	return e.runSync(e.cleanup, layouts, cb)
}
