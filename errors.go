package gfx

import "errors"

// Caller input errors. Encoders log these and drop the offending call.
var (
	// ErrCopyRangeOutOfBounds is returned when a copy region exceeds the
	// source or destination resource.
	ErrCopyRangeOutOfBounds = errors.New("gfx: copy range out of bounds")

	// ErrCopyOffsetNotAligned is returned when a fill offset is not a
	// multiple of 4 or a buffer-image copy offset is not a multiple of the
	// texel block size.
	ErrCopyOffsetNotAligned = errors.New("gfx: copy offset not aligned")

	// ErrCopySizeNotAligned is returned when a fill size is not a multiple
	// of 4 or a compressed texture region does not cover whole blocks.
	ErrCopySizeNotAligned = errors.New("gfx: copy size not aligned")

	// ErrFormatMismatch is returned when two textures of a copy have
	// incompatible pixel formats.
	ErrFormatMismatch = errors.New("gfx: pixel format mismatch")

	// ErrInvalidRegion is returned for empty regions, bad layers or mip
	// levels, and nil resources.
	ErrInvalidRegion = errors.New("gfx: invalid region")

	// ErrNoPipelineState is returned when a draw or dispatch is recorded
	// before a pipeline state was set.
	ErrNoPipelineState = errors.New("gfx: no pipeline state")

	// ErrPipelineKind is returned when a compute pipeline is set on a render
	// encoder or the other way round.
	ErrPipelineKind = errors.New("gfx: pipeline bind point mismatch")

	// ErrNoIndexBuffer is returned when DrawIndexed is recorded before
	// SetIndexBuffer.
	ErrNoIndexBuffer = errors.New("gfx: no index buffer")

	// ErrEncoderEnded is returned for calls on an encoder after EndEncoding.
	ErrEncoderEnded = errors.New("gfx: encoder already ended")

	// ErrIncompatibleQueue is returned when an encoder kind is not
	// supported by the queue of the command buffer.
	ErrIncompatibleQueue = errors.New("gfx: queue does not support encoder")
)

// Resource errors.
var (
	// ErrNoQueueAvailable is returned when no queue family with the
	// requested capabilities has a free queue.
	ErrNoQueueAvailable = errors.New("gfx: no queue available")

	// ErrMemoryBudgetExceeded is returned when an allocation would exceed
	// the device memory budget.
	ErrMemoryBudgetExceeded = errors.New("gfx: memory budget exceeded")

	// ErrNotHostVisible is returned when locking device-local memory.
	ErrNotHostVisible = errors.New("gfx: memory is not host visible")

	// ErrEncodersNotEnded is returned when committing a command buffer with
	// an encoder still open.
	ErrEncodersNotEnded = errors.New("gfx: command buffer has open encoders")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("gfx: device closed")

	// ErrCompletionAbandoned is returned by Wait when the device closed
	// before the GPU finished a submission within the drain timeout.
	ErrCompletionAbandoned = errors.New("gfx: completion abandoned at device close")
)
