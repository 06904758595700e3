package gfx

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gfx/driver"
)

// WholeSize selects the rest of a memory block from the given offset.
const WholeSize = ^uint64(0)

// Default memory limits.
const (
	// DefaultMaxMemoryMB is the default device memory budget (256 MB).
	DefaultMaxMemoryMB = 256

	// MinMemoryMB is the minimum allowed memory budget (16 MB).
	MinMemoryMB = 16
)

// ErrMemoryManagerClosed is returned when allocating through a closed manager.
var ErrMemoryManagerClosed = errors.New("gfx: memory manager closed")

// MemoryStats contains device memory usage statistics.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the memory currently held by live blocks.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// BlockCount is the number of live memory blocks.
	BlockCount int

	// MappedCount is the number of blocks currently mapped for host access.
	MappedCount int

	// Utilization is the fraction of the budget in use (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, %d blocks, %d mapped]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.BlockCount,
		s.MappedCount)
}

// MemoryManager accounts device memory blocks against a budget.
//
// MemoryManager is safe for concurrent use.
type MemoryManager struct {
	mu sync.Mutex

	budgetBytes uint64
	usedBytes   uint64
	reserved    uint64 // bytes reserved for allocations in flight

	blocks map[*DeviceMemoryBlock]struct{}
	closed bool
}

// MemoryManagerConfig holds configuration for creating a MemoryManager.
type MemoryManagerConfig struct {
	// MaxMemoryMB is the memory budget in megabytes.
	// Defaults to DefaultMaxMemoryMB if below MinMemoryMB.
	MaxMemoryMB int
}

// NewMemoryManager creates a memory manager.
func NewMemoryManager(config MemoryManagerConfig) *MemoryManager {
	maxMB := config.MaxMemoryMB
	if maxMB < MinMemoryMB {
		maxMB = DefaultMaxMemoryMB
	}
	//nolint:gosec // G115: maxMB is bounded by MinMemoryMB minimum
	return &MemoryManager{
		budgetBytes: uint64(maxMB) * 1024 * 1024,
		blocks:      make(map[*DeviceMemoryBlock]struct{}),
	}
}

// reserve books size bytes ahead of a native allocation.
func (m *MemoryManager) reserve(size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMemoryManagerClosed
	}
	if m.usedBytes+m.reserved+size > m.budgetBytes {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrMemoryBudgetExceeded, size, m.usedBytes+m.reserved, m.budgetBytes)
	}
	m.reserved += size
	return nil
}

// unreserve cancels a reservation whose allocation failed.
func (m *MemoryManager) unreserve(size uint64) {
	m.mu.Lock()
	m.reserved -= min(size, m.reserved)
	m.mu.Unlock()
}

// commit turns a reservation of reservedSize into a tracked block.
func (m *MemoryManager) commit(b *DeviceMemoryBlock, reservedSize uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved -= min(reservedSize, m.reserved)
	m.usedBytes += b.size
	m.blocks[b] = struct{}{}
}

// release forgets a block.
func (m *MemoryManager) release(b *DeviceMemoryBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[b]; !ok {
		return
	}
	delete(m.blocks, b)
	m.usedBytes -= min(b.size, m.usedBytes)
}

// SetBudget changes the memory budget. Live blocks are never evicted; a
// budget below current usage only rejects new allocations.
func (m *MemoryManager) SetBudget(megabytes int) {
	if megabytes < MinMemoryMB {
		megabytes = MinMemoryMB
	}
	m.mu.Lock()
	//nolint:gosec // G115: megabytes is bounded by MinMemoryMB minimum
	m.budgetBytes = uint64(megabytes) * 1024 * 1024
	m.mu.Unlock()
}

// Stats returns current memory statistics.
func (m *MemoryManager) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapped := 0
	for b := range m.blocks {
		if b.Mapped() {
			mapped++
		}
	}
	available := uint64(0)
	if m.budgetBytes > m.usedBytes {
		available = m.budgetBytes - m.usedBytes
	}
	utilization := 0.0
	if m.budgetBytes > 0 {
		utilization = float64(m.usedBytes) / float64(m.budgetBytes)
	}
	return MemoryStats{
		TotalBytes:     m.budgetBytes,
		UsedBytes:      m.usedBytes,
		AvailableBytes: available,
		BlockCount:     len(m.blocks),
		MappedCount:    mapped,
		Utilization:    utilization,
	}
}

// Close rejects further allocations. Blocks still tracked are reported and
// forgotten; their native memory belongs to the buffers and images that
// own it.
func (m *MemoryManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if n := len(m.blocks); n > 0 {
		slogger().Warn("gfx: memory blocks alive at close", "blocks", n, "bytes", m.usedBytes)
	}
	clear(m.blocks)
	m.usedBytes = 0
}

// DeviceMemoryBlock is the device memory backing a buffer or image.
//
// Host-visible blocks can be locked for CPU access. Lock calls nest: the
// block is mapped by the first Lock and unmapped when the last matching
// Unlock returns.
type DeviceMemoryBlock struct {
	dev         driver.Device
	native      driver.Memory
	size        uint64
	hostVisible bool

	mu        sync.Mutex
	lockCount int
	mapped    []byte
}

func newDeviceMemoryBlock(dev driver.Device, native driver.Memory) *DeviceMemoryBlock {
	return &DeviceMemoryBlock{
		dev:         dev,
		native:      native,
		size:        native.Size(),
		hostVisible: native.HostVisible(),
	}
}

// Size returns the size of the block in bytes.
func (b *DeviceMemoryBlock) Size() uint64 { return b.size }

// HostVisible reports whether the block can be locked.
func (b *DeviceMemoryBlock) HostVisible() bool { return b.hostVisible }

// Native returns the driver memory object.
func (b *DeviceMemoryBlock) Native() driver.Memory { return b.native }

// Mapped reports whether the block is currently mapped.
func (b *DeviceMemoryBlock) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockCount > 0
}

// Lock maps the block if needed and returns the bytes of [offset,
// offset+size). A size of WholeSize selects the rest of the block. Every
// successful Lock must be paired with Unlock.
func (b *DeviceMemoryBlock) Lock(offset, size uint64) ([]byte, error) {
	if !b.hostVisible {
		return nil, ErrNotHostVisible
	}
	if offset > b.size {
		return nil, fmt.Errorf("%w: offset %d beyond block of %d bytes", ErrInvalidRegion, offset, b.size)
	}
	if size == WholeSize {
		size = b.size - offset
	}
	if size > b.size-offset {
		return nil, fmt.Errorf("%w: range %d+%d beyond block of %d bytes", ErrInvalidRegion, offset, size, b.size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockCount == 0 {
		data, err := b.dev.MapMemory(b.native, 0, b.size)
		if err != nil {
			return nil, fmt.Errorf("gfx: map memory: %w", err)
		}
		b.mapped = data
	}
	b.lockCount++
	return b.mapped[offset : offset+size : offset+size], nil
}

// Unlock releases one Lock. The block is unmapped when no lock remains.
func (b *DeviceMemoryBlock) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockCount == 0 {
		slogger().Warn("gfx: unlock of memory block that is not locked")
		return
	}
	b.lockCount--
	if b.lockCount == 0 {
		b.dev.UnmapMemory(b.native)
		b.mapped = nil
	}
}

// forceUnmap drops every outstanding lock before the block is freed.
func (b *DeviceMemoryBlock) forceUnmap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockCount > 0 {
		slogger().Warn("gfx: memory block freed while locked", "locks", b.lockCount)
		b.dev.UnmapMemory(b.native)
		b.lockCount = 0
		b.mapped = nil
	}
}
