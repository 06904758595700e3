package fakegpu

import (
	"errors"
	"time"

	"github.com/gogpu/gfx/driver"
)

// Queue is a fake driver.Queue.
type Queue struct {
	object
	dev    *Device
	Family uint32
	Index  uint32
}

// Submission is one recorded Queue.Submit call.
type Submission struct {
	Queue     *Queue
	Infos     []driver.SubmitInfo
	Fence     *Fence
	Seq       int
	Completed bool
}

// CommandBuffers returns the native command buffers of every batch element
// in submission order.
func (s *Submission) CommandBuffers() []*CommandBuffer {
	var out []*CommandBuffer
	for _, info := range s.Infos {
		for _, cb := range info.CommandBuffers {
			out = append(out, cb.(*CommandBuffer))
		}
	}
	return out
}

// Submit implements driver.Queue.
func (q *Queue) Submit(submits []driver.SubmitInfo, fence driver.Fence) error {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.submitErr != nil {
		return d.submitErr
	}
	for _, info := range submits {
		for _, c := range info.CommandBuffers {
			cb, ok := c.(*CommandBuffer)
			if !ok {
				return driver.ErrInvalidHandle
			}
			if cb.state != stateExecutable {
				return errors.New("fakegpu: command buffer not in executable state")
			}
		}
	}

	s := &Submission{Queue: q, Seq: len(d.submissions)}
	s.Infos = make([]driver.SubmitInfo, len(submits))
	copy(s.Infos, submits)
	if fence != nil {
		s.Fence = fence.(*Fence)
	}
	for _, info := range submits {
		for _, c := range info.CommandBuffers {
			c.(*CommandBuffer).submits++
		}
	}
	d.submissions = append(d.submissions, s)
	if d.autoComplete {
		d.complete(s)
	} else {
		d.pending = append(d.pending, s)
	}
	return nil
}

// WaitIdle implements driver.Queue.
func (q *Queue) WaitIdle() error {
	d := q.dev
	d.waitFor(time.Hour, func() bool {
		for _, s := range d.pending {
			if s.Queue == q {
				return false
			}
		}
		return true
	})
	return nil
}

// complete executes and retires s. Caller holds d.mu.
func (d *Device) complete(s *Submission) {
	for _, info := range s.Infos {
		for _, c := range info.CommandBuffers {
			c.(*CommandBuffer).execute()
		}
		for i, sem := range info.SignalSemaphores {
			fs := sem.(*Semaphore)
			if fs.timeline && i < len(info.SignalValues) && info.SignalValues[i] > fs.value {
				fs.value = info.SignalValues[i]
			}
		}
	}
	if s.Fence != nil {
		s.Fence.signaled = true
	}
	s.Completed = true
	d.broadcast()
}

// CompleteNext completes the oldest pending submission. It returns false
// when nothing is pending.
func (d *Device) CompleteNext() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false
	}
	s := d.pending[0]
	d.pending = d.pending[1:]
	d.complete(s)
	return true
}

// CompleteAll completes every pending submission and returns how many
// there were.
func (d *Device) CompleteAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.pending)
	for _, s := range d.pending {
		d.complete(s)
	}
	d.pending = nil
	return n
}

// SetAutoComplete switches automatic completion. Enabling it completes
// everything already pending.
func (d *Device) SetAutoComplete(enabled bool) {
	d.mu.Lock()
	d.autoComplete = enabled
	d.mu.Unlock()
	if enabled {
		d.CompleteAll()
	}
}

// Submissions returns every submission so far in order.
func (d *Device) Submissions() []*Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Submission, len(d.submissions))
	copy(out, d.submissions)
	return out
}

// Pending returns the number of submissions not yet completed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// WaitSubmissions blocks until at least n submissions were made or the
// timeout elapses.
func (d *Device) WaitSubmissions(n int, timeout time.Duration) bool {
	return d.waitFor(timeout, func() bool { return len(d.submissions) >= n })
}

// ============================================================================
// Command pools
// ============================================================================

// CommandPool is a fake driver.CommandPool.
type CommandPool struct {
	dev    *Device
	Family uint32
}

// AllocateCommandBuffers implements driver.CommandPool.
func (p *CommandPool) AllocateCommandBuffers(n int) ([]driver.CommandBuffer, error) {
	out := make([]driver.CommandBuffer, n)
	for i := range out {
		out[i] = &CommandBuffer{object: p.dev.newObject(), dev: p.dev, pool: p}
	}
	p.dev.mu.Lock()
	p.dev.allocatedCBs += n
	p.dev.liveCBs += n
	p.dev.mu.Unlock()
	return out, nil
}

// FreeCommandBuffers implements driver.CommandPool.
func (p *CommandPool) FreeCommandBuffers(cbs []driver.CommandBuffer) {
	freed := 0
	for _, c := range cbs {
		cb, ok := c.(*CommandBuffer)
		if !ok || cb == nil {
			continue
		}
		p.dev.mu.Lock()
		if cb.state != stateFreed {
			cb.state = stateFreed
			freed++
		}
		p.dev.mu.Unlock()
	}
	p.dev.mu.Lock()
	p.dev.liveCBs -= freed
	p.dev.mu.Unlock()
}

// Reset implements driver.CommandPool.
func (p *CommandPool) Reset() error { return nil }

// Destroy implements driver.CommandPool.
func (p *CommandPool) Destroy() {}
