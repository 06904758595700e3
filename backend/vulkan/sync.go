//go:build cgo

package vulkan

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gfx/driver"
)

// queue serializes access to a VkQueue; vkQueueSubmit requires external
// synchronization.
type queue struct {
	d  *Device
	mu sync.Mutex
	q  vk.Queue
}

type fence struct{ f vk.Fence }

func (f *fence) NativeHandle() uintptr { return native(unsafe.Pointer(f.f)) }

type semaphore struct{ s vk.Semaphore }

func (s *semaphore) NativeHandle() uintptr { return native(unsafe.Pointer(s.s)) }

func asFence(f driver.Fence) (*fence, error) {
	fc, ok := f.(*fence)
	if !ok || fc == nil {
		return nil, fmt.Errorf("%w: fence", driver.ErrInvalidHandle)
	}
	return fc, nil
}

func asSemaphore(s driver.Semaphore) (*semaphore, error) {
	sem, ok := s.(*semaphore)
	if !ok || sem == nil {
		return nil, fmt.Errorf("%w: semaphore", driver.ErrInvalidHandle)
	}
	return sem, nil
}

func semaphores(in []driver.Semaphore) ([]vk.Semaphore, error) {
	out := make([]vk.Semaphore, len(in))
	for i, s := range in {
		sem, err := asSemaphore(s)
		if err != nil {
			return nil, err
		}
		out[i] = sem.s
	}
	return out, nil
}

// waitStages pads the stage list to one entry per wait semaphore.
func waitStages(stages []driver.PipelineStage, n int) []vk.PipelineStageFlags {
	out := make([]vk.PipelineStageFlags, n)
	for i := range out {
		if i < len(stages) {
			out[i] = stageFlags(stages[i])
		} else {
			out[i] = stageFlags(driver.StageAllCommands)
		}
	}
	return out
}

// Submit submits the batch with one vkQueueSubmit call.
func (q *queue) Submit(submits []driver.SubmitInfo, f driver.Fence) error {
	infos := make([]vk.SubmitInfo, len(submits))
	for i, s := range submits {
		waits, err := semaphores(s.WaitSemaphores)
		if err != nil {
			return err
		}
		signals, err := semaphores(s.SignalSemaphores)
		if err != nil {
			return err
		}
		cbs := make([]vk.CommandBuffer, len(s.CommandBuffers))
		for j, c := range s.CommandBuffers {
			cb, ok := c.(*commandBuffer)
			if !ok || cb == nil {
				return fmt.Errorf("%w: command buffer", driver.ErrInvalidHandle)
			}
			cbs[j] = cb.cb
		}
		//nolint:gosec // G115: slice lengths
		infos[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(waits)),
			PWaitSemaphores:      waits,
			PWaitDstStageMask:    waitStages(s.WaitStages, len(waits)),
			CommandBufferCount:   uint32(len(cbs)),
			PCommandBuffers:      cbs,
			SignalSemaphoreCount: uint32(len(signals)),
			PSignalSemaphores:    signals,
		}
	}
	vf := vk.Fence(vk.NullHandle)
	if f != nil {
		fc, err := asFence(f)
		if err != nil {
			return err
		}
		vf = fc.f
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return check("queue submit", vk.QueueSubmit(q.q, uint32(len(infos)), infos, vf)) //nolint:gosec // G115: slice length
}

// WaitIdle blocks until the queue is idle.
func (q *queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return check("queue wait idle", vk.QueueWaitIdle(q.q))
}

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence() (driver.Fence, error) {
	var f vk.Fence
	ret := vk.CreateFence(d.dev, &vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}, nil, &f)
	if err := check("create fence", ret); err != nil {
		return nil, err
	}
	return &fence{f: f}, nil
}

// DestroyFence destroys the fence.
func (d *Device) DestroyFence(f driver.Fence) {
	if fc, err := asFence(f); err == nil {
		vk.DestroyFence(d.dev, fc.f, nil)
	}
}

// ResetFence returns the fence to the unsignaled state.
func (d *Device) ResetFence(f driver.Fence) error {
	fc, err := asFence(f)
	if err != nil {
		return err
	}
	return check("reset fence", vk.ResetFences(d.dev, 1, []vk.Fence{fc.f}))
}

// FenceStatus polls the fence.
func (d *Device) FenceStatus(f driver.Fence) (bool, error) {
	fc, err := asFence(f)
	if err != nil {
		return false, err
	}
	switch ret := vk.GetFenceStatus(d.dev, fc.f); ret {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, check("fence status", ret)
	}
}

// WaitForFences waits with vkWaitForFences. A negative timeout waits
// forever.
func (d *Device) WaitForFences(fences []driver.Fence, waitAll bool, timeout time.Duration) (bool, error) {
	if len(fences) == 0 {
		return true, nil
	}
	vfs := make([]vk.Fence, len(fences))
	for i, f := range fences {
		fc, err := asFence(f)
		if err != nil {
			return false, err
		}
		vfs[i] = fc.f
	}
	all := vk.Bool32(vk.False)
	if waitAll {
		all = vk.True
	}
	ns := uint64(vk.MaxUint64)
	if timeout >= 0 {
		ns = uint64(timeout.Nanoseconds())
	}
	switch ret := vk.WaitForFences(d.dev, uint32(len(vfs)), vfs, all, ns); ret { //nolint:gosec // G115: slice length
	case vk.Success:
		return true, nil
	case vk.Timeout:
		return false, nil
	default:
		return false, check("wait for fences", ret)
	}
}

// CreateSemaphore creates a binary semaphore.
func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	var s vk.Semaphore
	ret := vk.CreateSemaphore(d.dev, &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}, nil, &s)
	if err := check("create semaphore", ret); err != nil {
		return nil, err
	}
	return &semaphore{s: s}, nil
}

// CreateTimelineSemaphore is unsupported.
func (d *Device) CreateTimelineSemaphore(uint64) (driver.Semaphore, error) {
	return nil, fmt.Errorf("%w: timeline semaphores", driver.ErrUnsupported)
}

// DestroySemaphore destroys the semaphore.
func (d *Device) DestroySemaphore(s driver.Semaphore) {
	if sem, err := asSemaphore(s); err == nil {
		vk.DestroySemaphore(d.dev, sem.s, nil)
	}
}

// SemaphoreValue is unsupported for binary semaphores.
func (d *Device) SemaphoreValue(driver.Semaphore) (uint64, error) {
	return 0, fmt.Errorf("%w: semaphore value", driver.ErrUnsupported)
}

// WaitSemaphore is unsupported for binary semaphores.
func (d *Device) WaitSemaphore(driver.Semaphore, uint64, time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: host semaphore wait", driver.ErrUnsupported)
}

// SignalSemaphore is unsupported for binary semaphores.
func (d *Device) SignalSemaphore(driver.Semaphore, uint64) error {
	return fmt.Errorf("%w: host semaphore signal", driver.ErrUnsupported)
}
