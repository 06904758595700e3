package gfx

import (
	"fmt"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gputypes"
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// HostVisible requests memory the CPU can lock.
	HostVisible bool
}

// Buffer is a GPU buffer and its memory block.
type Buffer struct {
	dev    driver.Device
	native driver.Buffer
	memory *DeviceMemoryBlock
	mm     *MemoryManager

	label string
	size  uint64
	usage gputypes.BufferUsage
}

// Native returns the driver buffer.
func (b *Buffer) Native() driver.Buffer { return b.native }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the usage flags.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

// Memory returns the backing memory block.
func (b *Buffer) Memory() *DeviceMemoryBlock { return b.memory }

// Write copies data into a host-visible buffer at offset.
func (b *Buffer) Write(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	dst, err := b.memory.Lock(offset, uint64(len(data)))
	if err != nil {
		return fmt.Errorf("gfx: write buffer %q: %w", b.label, err)
	}
	copy(dst, data)
	b.memory.Unlock()
	return nil
}

// Read copies n bytes at offset out of a host-visible buffer.
func (b *Buffer) Read(offset, n uint64) ([]byte, error) {
	src, err := b.memory.Lock(offset, n)
	if err != nil {
		return nil, fmt.Errorf("gfx: read buffer %q: %w", b.label, err)
	}
	out := make([]byte, len(src))
	copy(out, src)
	b.memory.Unlock()
	return out, nil
}

// Destroy releases the buffer and its memory. The caller must ensure the
// GPU no longer uses the buffer.
func (b *Buffer) Destroy() {
	if b.native == nil {
		return
	}
	b.memory.forceUnmap()
	b.mm.release(b.memory)
	b.dev.DestroyBuffer(b.native)
	b.native = nil
}
