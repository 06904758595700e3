package gfx

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gfx/internal/notify"
)

// QueueFamily is a group of hardware queues with the same capabilities.
// Queues are lent to CommandQueues and recycled when they close.
type QueueFamily struct {
	index uint32
	flags driver.QueueFlags
	count uint32

	mu   sync.Mutex
	free []driver.Queue
}

// Index returns the driver family index.
func (f *QueueFamily) Index() uint32 { return f.index }

// Flags returns the capabilities of the family.
func (f *QueueFamily) Flags() driver.QueueFlags { return f.flags }

// Count returns the number of queues in the family.
func (f *QueueFamily) Count() uint32 { return f.count }

// FreeQueues returns the number of queues not lent to a CommandQueue.
func (f *QueueFamily) FreeQueues() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free)
}

func (f *QueueFamily) acquire() (driver.Queue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := len(f.free)
	if k == 0 {
		return nil, false
	}
	q := f.free[k-1]
	f.free = f.free[:k-1]
	return q, true
}

func (f *QueueFamily) recycle(q driver.Queue) {
	f.mu.Lock()
	f.free = append(f.free, q)
	f.mu.Unlock()
}

// extraBits counts the capabilities a family has beyond want.
func (f *QueueFamily) extraBits(want driver.QueueFlags) int {
	return bits.OnesCount32(uint32(f.flags &^ want))
}

// CommandQueue submits command buffers to one hardware queue.
//
// Command buffers of one queue may be committed from several goroutines;
// native submits are serialized.
type CommandQueue struct {
	device *GraphicsDevice
	family *QueueFamily
	native driver.Queue
	shared bool // owned by the device queue cache

	mu     sync.Mutex
	closed bool
}

// Flags returns the capabilities of the queue.
func (q *CommandQueue) Flags() driver.QueueFlags { return q.family.flags }

// Family returns the queue family.
func (q *CommandQueue) Family() *QueueFamily { return q.family }

// Device returns the device the queue belongs to.
func (q *CommandQueue) Device() *GraphicsDevice { return q.device }

// CreateCommandBuffer returns an empty command buffer for this queue.
func (q *CommandQueue) CreateCommandBuffer() (*CommandBuffer, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("gfx: create command buffer: %w", ErrDeviceClosed)
	}
	pool, err := q.device.acquireCommandPool(q.family.index)
	if err != nil {
		return nil, err
	}
	return newCommandBuffer(q, pool), nil
}

// submit hands a batch to the notifier. Native submits of one queue never
// overlap.
func (q *CommandQueue) submit(infos []driver.SubmitInfo, done notify.Callback) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrDeviceClosed
	}
	return q.device.notifier.Submit(q.native, infos, done)
}

// WaitIdle blocks until the hardware queue has no outstanding work.
func (q *CommandQueue) WaitIdle() error {
	if err := q.native.WaitIdle(); err != nil {
		return fmt.Errorf("gfx: queue wait idle: %w", err)
	}
	return nil
}

// Close waits for the queue to become idle and returns the hardware queue
// to its family. Queues returned by GraphicsDevice.Queue are closed with
// the device; Close on them does nothing.
func (q *CommandQueue) Close() {
	if q.shared {
		return
	}
	q.close()
}

func (q *CommandQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if err := q.native.WaitIdle(); err != nil {
		slogger().Warn("gfx: queue wait idle on close", "family", q.family.index, "err", err)
	}
	q.family.recycle(q.native)
	q.device.forgetQueue(q)
	slogger().Info("gfx: command queue closed", "family", q.family.index)
}
