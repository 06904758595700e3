package halgpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfx/driver"
)

// pollInterval is the sleep between completion checks of host waits.
const pollInterval = 50 * time.Microsecond

var nextHandle atomic.Uintptr

// handle gives every driver object a unique identity.
type handle struct{ id uintptr }

func newHandle() handle { return handle{id: nextHandle.Add(1)} }

// NativeHandle returns the object identity.
func (h handle) NativeHandle() uintptr { return h.id }

// queue serializes access to the HAL queue. The HAL submission index is
// the only completion signal the driver needs.
type queue struct {
	d   *Device
	mu  sync.Mutex
	hal hal.Queue
}

var _ driver.Queue = (*queue)(nil)

// completed returns the highest completed submission index.
func (q *queue) completed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hal.PollCompleted()
}

// Submit submits every command buffer of the batch as one HAL submission.
// Binary semaphores are ignored and timeline waits are satisfied by
// submission order.
func (q *queue) Submit(submits []driver.SubmitInfo, f driver.Fence) error {
	var (
		bufs    []hal.CommandBuffer
		signals []*semaphore
		values  []uint64
	)
	for i := range submits {
		for _, c := range submits[i].CommandBuffers {
			cb, ok := c.(*commandBuffer)
			if !ok || cb.buf == nil {
				return fmt.Errorf("%w: command buffer not recorded by halgpu", driver.ErrInvalidHandle)
			}
			bufs = append(bufs, cb.buf)
		}
		for j, s := range submits[i].SignalSemaphores {
			sem, ok := s.(*semaphore)
			if !ok {
				return fmt.Errorf("%w: semaphore", driver.ErrInvalidHandle)
			}
			if sem.timeline && j < len(submits[i].SignalValues) {
				signals = append(signals, sem)
				values = append(values, submits[i].SignalValues[j])
			}
		}
	}
	var fc *fence
	if f != nil {
		var err error
		if fc, err = asFence(f); err != nil {
			return err
		}
	}

	q.mu.Lock()
	index, err := q.hal.Submit(bufs)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("halgpu: submit: %w", err)
	}

	for i, s := range signals {
		s.addPending(index, values[i])
	}
	if fc != nil {
		fc.attach(index)
	}
	slogger().Debug("halgpu: submitted", "index", index, "buffers", len(bufs))
	return nil
}

// WaitIdle blocks until the device is idle.
func (q *queue) WaitIdle() error { return q.d.WaitIdle() }

// fence is signaled once the submission it was attached to completes.
type fence struct {
	handle
	mu       sync.Mutex
	index    uint64
	signaled bool
}

func (f *fence) attach(index uint64) {
	f.mu.Lock()
	f.index = index
	f.mu.Unlock()
}

func (f *fence) reached(completed uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signaled && f.index != 0 && completed >= f.index {
		f.signaled = true
	}
	return f.signaled
}

// pendingSignal is a timeline value that becomes visible when submission
// index completes.
type pendingSignal struct {
	index uint64
	value uint64
}

type semaphore struct {
	handle
	timeline bool

	mu      sync.Mutex
	value   uint64
	pending []pendingSignal
}

func (s *semaphore) addPending(index, value uint64) {
	s.mu.Lock()
	s.pending = append(s.pending, pendingSignal{index: index, value: value})
	s.mu.Unlock()
}

// current folds every completed signal into the counter and returns it.
func (s *semaphore) current(completed uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.pending[:0]
	for _, p := range s.pending {
		if p.index <= completed {
			s.value = max(s.value, p.value)
		} else {
			keep = append(keep, p)
		}
	}
	s.pending = keep
	return s.value
}

// pollUntil calls ready until it reports true or timeout elapses.
func pollUntil(timeout time.Duration, ready func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if ready() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func asFence(f driver.Fence) (*fence, error) {
	fc, ok := f.(*fence)
	if !ok {
		return nil, fmt.Errorf("%w: fence", driver.ErrInvalidHandle)
	}
	return fc, nil
}

func asSemaphore(s driver.Semaphore) (*semaphore, error) {
	sem, ok := s.(*semaphore)
	if !ok {
		return nil, fmt.Errorf("%w: semaphore", driver.ErrInvalidHandle)
	}
	return sem, nil
}

// CreateFence returns an unsignaled fence.
func (d *Device) CreateFence() (driver.Fence, error) {
	return &fence{handle: newHandle()}, nil
}

// DestroyFence is a no-op; fences hold no HAL objects.
func (d *Device) DestroyFence(driver.Fence) {}

// ResetFence detaches the fence from its submission.
func (d *Device) ResetFence(f driver.Fence) error {
	fc, err := asFence(f)
	if err != nil {
		return err
	}
	fc.mu.Lock()
	fc.index, fc.signaled = 0, false
	fc.mu.Unlock()
	return nil
}

// FenceStatus reports whether the fence's submission has completed.
func (d *Device) FenceStatus(f driver.Fence) (bool, error) {
	fc, err := asFence(f)
	if err != nil {
		return false, err
	}
	return fc.reached(d.queue.completed()), nil
}

// WaitForFences polls the queue until one or all fences are signaled.
func (d *Device) WaitForFences(fences []driver.Fence, waitAll bool, timeout time.Duration) (bool, error) {
	fcs := make([]*fence, len(fences))
	for i, f := range fences {
		fc, err := asFence(f)
		if err != nil {
			return false, err
		}
		fcs[i] = fc
	}
	return pollUntil(timeout, func() bool {
		completed := d.queue.completed()
		n := 0
		for _, fc := range fcs {
			if fc.reached(completed) {
				n++
			}
		}
		if waitAll {
			return n == len(fcs)
		}
		return n > 0
	}), nil
}

// CreateSemaphore returns a binary semaphore.
func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	return &semaphore{handle: newHandle()}, nil
}

// CreateTimelineSemaphore returns a timeline semaphore starting at initial.
func (d *Device) CreateTimelineSemaphore(initial uint64) (driver.Semaphore, error) {
	return &semaphore{handle: newHandle(), timeline: true, value: initial}, nil
}

// DestroySemaphore is a no-op; semaphores hold no HAL objects.
func (d *Device) DestroySemaphore(driver.Semaphore) {}

// SemaphoreValue returns the counter of a timeline semaphore.
func (d *Device) SemaphoreValue(s driver.Semaphore) (uint64, error) {
	sem, err := asSemaphore(s)
	if err != nil {
		return 0, err
	}
	if !sem.timeline {
		return 0, fmt.Errorf("%w: value of a binary semaphore", driver.ErrUnsupported)
	}
	return sem.current(d.queue.completed()), nil
}

// WaitSemaphore polls until the counter reaches value.
func (d *Device) WaitSemaphore(s driver.Semaphore, value uint64, timeout time.Duration) (bool, error) {
	sem, err := asSemaphore(s)
	if err != nil {
		return false, err
	}
	if !sem.timeline {
		return false, fmt.Errorf("%w: wait on a binary semaphore", driver.ErrUnsupported)
	}
	return pollUntil(timeout, func() bool {
		return sem.current(d.queue.completed()) >= value
	}), nil
}

// SignalSemaphore raises the counter from the host.
func (d *Device) SignalSemaphore(s driver.Semaphore, value uint64) error {
	sem, err := asSemaphore(s)
	if err != nil {
		return err
	}
	if !sem.timeline {
		return fmt.Errorf("%w: signal a binary semaphore", driver.ErrUnsupported)
	}
	sem.mu.Lock()
	sem.value = max(sem.value, value)
	sem.mu.Unlock()
	return nil
}
