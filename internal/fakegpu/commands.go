package fakegpu

import (
	"encoding/binary"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfx/driver"
)

// Op identifies a recorded command.
type Op int

// Recorded operations.
const (
	OpBarrier Op = iota
	OpBeginRenderPass
	OpEndRenderPass
	OpSetViewport
	OpSetScissor
	OpBindPipeline
	OpBindDescriptorSets
	OpPushConstants
	OpBindVertexBuffers
	OpBindIndexBuffer
	OpDraw
	OpDrawIndexed
	OpDispatch
	OpCopyBuffer
	OpCopyBufferToImage
	OpCopyImageToBuffer
	OpCopyImage
	OpFillBuffer
)

var opNames = [...]string{
	"Barrier", "BeginRenderPass", "EndRenderPass", "SetViewport", "SetScissor",
	"BindPipeline", "BindDescriptorSets", "PushConstants", "BindVertexBuffers",
	"BindIndexBuffer", "Draw", "DrawIndexed", "Dispatch", "CopyBuffer",
	"CopyBufferToImage", "CopyImageToBuffer", "CopyImage", "FillBuffer",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "Unknown"
}

// Command is one recorded native command. Only the fields relevant to Op
// are set.
type Command struct {
	Op Op

	SrcStage driver.PipelineStage
	DstStage driver.PipelineStage
	Barriers []driver.ImageBarrier

	Target   driver.RenderTarget
	Viewport driver.Viewport
	Scissor  driver.Rect

	Pipeline driver.Pipeline
	First    uint32
	Sets     []driver.DescriptorSet
	Data     []byte

	Buffers     []driver.Buffer
	Offsets     []uint64
	IndexFormat gputypes.IndexFormat

	// Args holds draw or dispatch arguments in call order.
	Args         [5]uint32
	VertexOffset int32

	Src       driver.Handle
	Dst       driver.Handle
	SrcLayout driver.ImageLayout
	DstLayout driver.ImageLayout

	BufferRegions      []driver.BufferCopy
	BufferImageRegions []driver.BufferImageCopy
	ImageRegions       []driver.ImageCopy

	Offset uint64
	Size   uint64
	Value  uint32
}

type cbState int

const (
	stateInitial cbState = iota
	stateRecording
	stateExecutable
	stateFreed
)

// CommandBuffer is a fake driver.CommandBuffer recording every call.
type CommandBuffer struct {
	object
	dev  *Device
	pool *CommandPool

	state    cbState
	submits  int
	commands []Command
}

var _ driver.CommandBuffer = (*CommandBuffer)(nil)

// Commands returns the recorded commands.
func (cb *CommandBuffer) Commands() []Command {
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	out := make([]Command, len(cb.commands))
	copy(out, cb.commands)
	return out
}

// Ops returns the recorded operation sequence.
func (cb *CommandBuffer) Ops() []Op {
	cmds := cb.Commands()
	out := make([]Op, len(cmds))
	for i, c := range cmds {
		out[i] = c.Op
	}
	return out
}

// Barriers returns every image barrier recorded, flattened in order.
func (cb *CommandBuffer) Barriers() []driver.ImageBarrier {
	var out []driver.ImageBarrier
	for _, c := range cb.Commands() {
		if c.Op == OpBarrier {
			out = append(out, c.Barriers...)
		}
	}
	return out
}

// Freed reports whether the buffer was returned to its pool.
func (cb *CommandBuffer) Freed() bool {
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	return cb.state == stateFreed
}

// SubmitCount returns how often the buffer was submitted.
func (cb *CommandBuffer) SubmitCount() int {
	cb.dev.mu.Lock()
	defer cb.dev.mu.Unlock()
	return cb.submits
}

func (cb *CommandBuffer) record(c Command) {
	cb.dev.mu.Lock()
	cb.commands = append(cb.commands, c)
	cb.dev.mu.Unlock()
}

// Begin implements driver.CommandBuffer.
func (cb *CommandBuffer) Begin() error {
	if err := cb.dev.takeBeginErr(); err != nil {
		return err
	}
	cb.dev.mu.Lock()
	cb.state = stateRecording
	cb.commands = nil
	cb.dev.mu.Unlock()
	return nil
}

// End implements driver.CommandBuffer.
func (cb *CommandBuffer) End() error {
	cb.dev.mu.Lock()
	cb.state = stateExecutable
	cb.dev.mu.Unlock()
	return nil
}

// PipelineBarrier implements driver.CommandBuffer.
func (cb *CommandBuffer) PipelineBarrier(src, dst driver.PipelineStage, barriers []driver.ImageBarrier) {
	cb.record(Command{Op: OpBarrier, SrcStage: src, DstStage: dst, Barriers: append([]driver.ImageBarrier(nil), barriers...)})
}

// BeginRenderPass implements driver.CommandBuffer.
func (cb *CommandBuffer) BeginRenderPass(rt driver.RenderTarget) {
	cb.record(Command{Op: OpBeginRenderPass, Target: rt})
}

// EndRenderPass implements driver.CommandBuffer.
func (cb *CommandBuffer) EndRenderPass() { cb.record(Command{Op: OpEndRenderPass}) }

// SetViewport implements driver.CommandBuffer.
func (cb *CommandBuffer) SetViewport(v driver.Viewport) {
	cb.record(Command{Op: OpSetViewport, Viewport: v})
}

// SetScissor implements driver.CommandBuffer.
func (cb *CommandBuffer) SetScissor(r driver.Rect) {
	cb.record(Command{Op: OpSetScissor, Scissor: r})
}

// BindPipeline implements driver.CommandBuffer.
func (cb *CommandBuffer) BindPipeline(p driver.Pipeline) {
	cb.record(Command{Op: OpBindPipeline, Pipeline: p})
}

// BindDescriptorSets implements driver.CommandBuffer.
func (cb *CommandBuffer) BindDescriptorSets(p driver.Pipeline, first uint32, sets []driver.DescriptorSet) {
	cb.record(Command{Op: OpBindDescriptorSets, Pipeline: p, First: first, Sets: append([]driver.DescriptorSet(nil), sets...)})
}

// PushConstants implements driver.CommandBuffer.
func (cb *CommandBuffer) PushConstants(p driver.Pipeline, offset uint32, data []byte) {
	cb.record(Command{Op: OpPushConstants, Pipeline: p, First: offset, Data: append([]byte(nil), data...)})
}

// BindVertexBuffers implements driver.CommandBuffer.
func (cb *CommandBuffer) BindVertexBuffers(first uint32, buffers []driver.Buffer, offsets []uint64) {
	cb.record(Command{
		Op:      OpBindVertexBuffers,
		First:   first,
		Buffers: append([]driver.Buffer(nil), buffers...),
		Offsets: append([]uint64(nil), offsets...),
	})
}

// BindIndexBuffer implements driver.CommandBuffer.
func (cb *CommandBuffer) BindIndexBuffer(b driver.Buffer, offset uint64, format gputypes.IndexFormat) {
	cb.record(Command{Op: OpBindIndexBuffer, Buffers: []driver.Buffer{b}, Offset: offset, IndexFormat: format})
}

// Draw implements driver.CommandBuffer.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	cb.record(Command{Op: OpDraw, Args: [5]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

// DrawIndexed implements driver.CommandBuffer.
func (cb *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	cb.record(Command{
		Op:           OpDrawIndexed,
		Args:         [5]uint32{indexCount, instanceCount, firstIndex, firstInstance},
		VertexOffset: vertexOffset,
	})
}

// Dispatch implements driver.CommandBuffer.
func (cb *CommandBuffer) Dispatch(x, y, z uint32) {
	cb.record(Command{Op: OpDispatch, Args: [5]uint32{x, y, z}})
}

// CopyBuffer implements driver.CommandBuffer.
func (cb *CommandBuffer) CopyBuffer(src, dst driver.Buffer, regions []driver.BufferCopy) {
	cb.record(Command{Op: OpCopyBuffer, Src: src, Dst: dst, BufferRegions: append([]driver.BufferCopy(nil), regions...)})
}

// CopyBufferToImage implements driver.CommandBuffer.
func (cb *CommandBuffer) CopyBufferToImage(src driver.Buffer, dst driver.Image, layout driver.ImageLayout, regions []driver.BufferImageCopy) {
	cb.record(Command{
		Op: OpCopyBufferToImage, Src: src, Dst: dst, DstLayout: layout,
		BufferImageRegions: append([]driver.BufferImageCopy(nil), regions...),
	})
}

// CopyImageToBuffer implements driver.CommandBuffer.
func (cb *CommandBuffer) CopyImageToBuffer(src driver.Image, layout driver.ImageLayout, dst driver.Buffer, regions []driver.BufferImageCopy) {
	cb.record(Command{
		Op: OpCopyImageToBuffer, Src: src, SrcLayout: layout, Dst: dst,
		BufferImageRegions: append([]driver.BufferImageCopy(nil), regions...),
	})
}

// CopyImage implements driver.CommandBuffer.
func (cb *CommandBuffer) CopyImage(src driver.Image, srcLayout driver.ImageLayout, dst driver.Image, dstLayout driver.ImageLayout, regions []driver.ImageCopy) {
	cb.record(Command{
		Op: OpCopyImage, Src: src, SrcLayout: srcLayout, Dst: dst, DstLayout: dstLayout,
		ImageRegions: append([]driver.ImageCopy(nil), regions...),
	})
}

// FillBuffer implements driver.CommandBuffer.
func (cb *CommandBuffer) FillBuffer(b driver.Buffer, offset, size uint64, data uint32) {
	cb.record(Command{Op: OpFillBuffer, Dst: b, Offset: offset, Size: size, Value: data})
}

// execute applies buffer transfers to memory. Caller holds d.mu.
func (cb *CommandBuffer) execute() {
	for _, c := range cb.commands {
		switch c.Op {
		case OpCopyBuffer:
			src, dst := c.Src.(*Buffer), c.Dst.(*Buffer)
			for _, r := range c.BufferRegions {
				copy(dst.mem.data[r.DstOffset:r.DstOffset+r.Size], src.mem.data[r.SrcOffset:r.SrcOffset+r.Size])
			}
		case OpFillBuffer:
			dst := c.Dst.(*Buffer)
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], c.Value)
			region := dst.mem.data[c.Offset : c.Offset+c.Size]
			for i := range region {
				region[i] = word[i%4]
			}
		}
	}
}
