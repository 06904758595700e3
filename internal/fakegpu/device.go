// Package fakegpu provides an in-memory driver.Device for tests.
//
// Command buffers record every call as a Command so tests can inspect the
// exact native stream an encoder produced. Submissions either complete
// immediately (AutoComplete) or stay pending until the test calls
// CompleteNext or CompleteAll, which signals fences and timeline semaphores
// the way a GPU would.
package fakegpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gfx/driver"
)

// object is embedded by every fake handle.
type object struct{ id uintptr }

func (o object) NativeHandle() uintptr { return o.id }

// Option configures a Device.
type Option func(*Device)

// WithTimeline enables or disables timeline semaphore support.
func WithTimeline(enabled bool) Option {
	return func(d *Device) { d.features.TimelineSemaphore = enabled }
}

// WithAutoComplete makes every submission complete as soon as it is queued.
func WithAutoComplete(enabled bool) Option {
	return func(d *Device) { d.autoComplete = enabled }
}

// WithQueueFamilies replaces the default queue families.
func WithQueueFamilies(families ...driver.QueueFamilyProperties) Option {
	return func(d *Device) { d.families = families }
}

// DefaultQueueFamilies is a typical discrete GPU layout: one universal
// family, one async compute family and one transfer-only family.
func DefaultQueueFamilies() []driver.QueueFamilyProperties {
	return []driver.QueueFamilyProperties{
		{Index: 0, Flags: driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer, Count: 2},
		{Index: 1, Flags: driver.QueueCompute | driver.QueueTransfer, Count: 2},
		{Index: 2, Flags: driver.QueueTransfer, Count: 1},
	}
}

// Device is a fake driver.Device. All methods are safe for concurrent use.
type Device struct {
	nextID atomic.Uintptr

	mu           sync.Mutex
	features     driver.Features
	families     []driver.QueueFamilyProperties
	autoComplete bool
	queues       map[[2]uint32]*Queue

	// signal is closed and replaced whenever a fence or semaphore changes.
	signal chan struct{}

	submissions []*Submission
	pending     []*Submission

	poolMaxSets   []uint32
	livePools     int
	allocatedCBs  int
	liveCBs       int
	renderTargets int
	destroyed     bool

	beginErr    error
	beginSkip   int
	submitErr   error
	descPoolErr error
}

var _ driver.Device = (*Device)(nil)

// New creates a fake device. By default timeline semaphores are supported,
// submissions stay pending and DefaultQueueFamilies is used.
func New(opts ...Option) *Device {
	d := &Device{
		features: driver.Features{TimelineSemaphore: true},
		families: DefaultQueueFamilies(),
		queues:   make(map[[2]uint32]*Queue),
		signal:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) newObject() object { return object{id: d.nextID.Add(1)} }

// broadcast wakes every waiter. Caller holds d.mu.
func (d *Device) broadcast() {
	close(d.signal)
	d.signal = make(chan struct{})
}

// waitFor blocks until cond returns true or the timeout elapses. cond is
// evaluated with d.mu held.
func (d *Device) waitFor(timeout time.Duration, cond func() bool) bool {
	var timer *time.Timer
	for {
		d.mu.Lock()
		if cond() {
			d.mu.Unlock()
			return true
		}
		ch := d.signal
		d.mu.Unlock()

		if timeout <= 0 {
			return false
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-ch:
		case <-timer.C:
			d.mu.Lock()
			ok := cond()
			d.mu.Unlock()
			return ok
		}
	}
}

// Features implements driver.Device.
func (d *Device) Features() driver.Features {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// QueueFamilies implements driver.Device.
func (d *Device) QueueFamilies() []driver.QueueFamilyProperties {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.QueueFamilyProperties, len(d.families))
	copy(out, d.families)
	return out
}

// Queue implements driver.Device.
func (d *Device) Queue(family, index uint32) (driver.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(family) >= len(d.families) || index >= d.families[family].Count {
		return nil, fmt.Errorf("fakegpu: no queue %d in family %d", index, family)
	}
	key := [2]uint32{family, index}
	q, ok := d.queues[key]
	if !ok {
		q = &Queue{object: d.newObject(), dev: d, Family: family, Index: index}
		d.queues[key] = q
	}
	return q, nil
}

// CreateCommandPool implements driver.Device.
func (d *Device) CreateCommandPool(family uint32) (driver.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(family) >= len(d.families) {
		return nil, fmt.Errorf("fakegpu: no queue family %d", family)
	}
	return &CommandPool{dev: d, Family: family}, nil
}

// WaitIdle implements driver.Device.
func (d *Device) WaitIdle() error {
	d.waitFor(time.Hour, func() bool { return len(d.pending) == 0 })
	return nil
}

// Destroy implements driver.Device.
func (d *Device) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()
}

// Destroyed reports whether Destroy was called.
func (d *Device) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// ============================================================================
// Failure injection
// ============================================================================

// FailBegin makes the command buffer Begin call after skip successful calls
// return err, once.
func (d *Device) FailBegin(err error, skip int) {
	d.mu.Lock()
	d.beginErr, d.beginSkip = err, skip
	d.mu.Unlock()
}

// FailSubmit makes every Queue.Submit return err until cleared with nil.
func (d *Device) FailSubmit(err error) {
	d.mu.Lock()
	d.submitErr = err
	d.mu.Unlock()
}

// FailDescriptorPoolCreation makes CreateDescriptorPool return err until
// cleared with nil.
func (d *Device) FailDescriptorPoolCreation(err error) {
	d.mu.Lock()
	d.descPoolErr = err
	d.mu.Unlock()
}

func (d *Device) takeBeginErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.beginErr == nil {
		return nil
	}
	if d.beginSkip > 0 {
		d.beginSkip--
		return nil
	}
	err := d.beginErr
	d.beginErr = nil
	return err
}

// ============================================================================
// Statistics
// ============================================================================

// DescriptorPoolSizes returns the MaxSets of every descriptor pool created,
// in creation order.
func (d *Device) DescriptorPoolSizes() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint32, len(d.poolMaxSets))
	copy(out, d.poolMaxSets)
	return out
}

// LiveDescriptorPools returns the number of descriptor pools not destroyed.
func (d *Device) LiveDescriptorPools() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.livePools
}

// AllocatedCommandBuffers returns the total number of native command
// buffers ever allocated.
func (d *Device) AllocatedCommandBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocatedCBs
}

// LiveCommandBuffers returns the number of native command buffers not freed.
func (d *Device) LiveCommandBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveCBs
}

// LiveRenderTargets returns the number of render targets not destroyed.
func (d *Device) LiveRenderTargets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renderTargets
}
