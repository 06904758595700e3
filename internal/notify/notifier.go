// Package notify detects GPU completion of queue submissions and runs
// completion callbacks.
//
// A Notifier attaches a completion token to every submission it forwards to
// a driver.Queue: a pooled fence, or a (timeline semaphore, value) pair when
// the device supports timeline semaphores. A single goroutine waits on the
// oldest outstanding token with a bounded timeout and then invokes, exactly
// once and in that goroutine, the callback of every token the GPU has
// reached.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gfx/driver"
)

// Default configuration values.
const (
	// DefaultPollInterval bounds a single wait on the oldest token.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultDrainTimeout bounds how long Close waits for outstanding work.
	DefaultDrainTimeout = 5 * time.Second

	// queueSize is the buffer of the token channel.
	queueSize = 256
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("notify: notifier closed")

// Callback is invoked on the notifier goroutine when a submission completes.
type Callback func()

// Config configures a Notifier.
type Config struct {
	// Device creates and waits on fences and semaphores.
	Device driver.Device

	// Timeline selects timeline semaphore tokens. Ignored when the device
	// lacks timeline semaphore support.
	Timeline bool

	// PollInterval bounds a single wait. Zero means DefaultPollInterval.
	PollInterval time.Duration

	// DrainTimeout bounds draining on Close. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration
}

// entry is one outstanding submission.
type entry struct {
	fence    driver.Fence
	timeline *timeline
	value    uint64
	callback Callback
}

// timeline is the per-queue timeline semaphore. mu orders value
// assignment with the native submit.
type timeline struct {
	mu   sync.Mutex
	sem  driver.Semaphore
	next uint64
}

// Notifier forwards submissions to queues and reports their completion.
//
// Thread safety: Submit may be called from any goroutine.
type Notifier struct {
	dev          driver.Device
	timelineMode bool
	poll         time.Duration
	drain        time.Duration

	incoming chan *entry
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// sendMu guards closed; Submit holds it shared while sending.
	sendMu sync.RWMutex
	closed bool

	mu        sync.Mutex
	fences    []driver.Fence // inactive, reset fences
	timelines map[driver.Queue]*timeline

	pending   atomic.Int64
	completed atomic.Uint64
}

// New starts a notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Device == nil {
		return nil, errors.New("notify: nil device")
	}
	n := &Notifier{
		dev:       cfg.Device,
		poll:      cfg.PollInterval,
		drain:     cfg.DrainTimeout,
		incoming:  make(chan *entry, queueSize),
		done:      make(chan struct{}),
		timelines: make(map[driver.Queue]*timeline),
	}
	if n.poll <= 0 {
		n.poll = DefaultPollInterval
	}
	if n.drain <= 0 {
		n.drain = DefaultDrainTimeout
	}
	if cfg.Timeline {
		if cfg.Device.Features().TimelineSemaphore {
			n.timelineMode = true
		} else {
			slogger().Warn("notify: timeline semaphores unsupported, using fences")
		}
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	go n.run()

	slogger().Debug("notify: started", "timeline", n.timelineMode, "poll", n.poll)
	return n, nil
}

// Done is closed when the notifier goroutine exits. Callbacks that have not
// run by then never run.
func (n *Notifier) Done() <-chan struct{} { return n.done }

// Timeline reports whether tokens are timeline semaphore values.
func (n *Notifier) Timeline() bool { return n.timelineMode }

// Pending returns the number of submissions whose callback has not run.
func (n *Notifier) Pending() int { return int(n.pending.Load()) }

// Completed returns the number of callbacks run so far.
func (n *Notifier) Completed() uint64 { return n.completed.Load() }

// Submit submits the batch to q with a completion token attached and
// registers callback for it. callback may be nil. The submits slice is not
// modified.
func (n *Notifier) Submit(q driver.Queue, submits []driver.SubmitInfo, callback Callback) error {
	n.sendMu.RLock()
	defer n.sendMu.RUnlock()
	if n.closed {
		return ErrClosed
	}

	e := &entry{callback: callback}
	var err error
	if n.timelineMode {
		err = n.submitTimeline(q, submits, e)
	} else {
		err = n.submitFence(q, submits, e)
	}
	if err != nil {
		return err
	}

	n.pending.Add(1)
	n.incoming <- e
	return nil
}

func (n *Notifier) submitFence(q driver.Queue, submits []driver.SubmitInfo, e *entry) error {
	fence, err := n.acquireFence()
	if err != nil {
		return err
	}
	if err := q.Submit(submits, fence); err != nil {
		n.releaseFence(fence)
		return fmt.Errorf("notify: submit: %w", err)
	}
	e.fence = fence
	return nil
}

func (n *Notifier) submitTimeline(q driver.Queue, submits []driver.SubmitInfo, e *entry) error {
	tl, err := n.timelineFor(q)
	if err != nil {
		return err
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	value := tl.next + 1
	batch := withSignal(submits, tl.sem, value)
	if err := q.Submit(batch, nil); err != nil {
		return fmt.Errorf("notify: submit: %w", err)
	}
	tl.next = value
	e.timeline, e.value = tl, value
	return nil
}

// withSignal returns a copy of submits whose last element additionally
// signals sem to value. Shared semaphore arrays of the caller are not
// aliased.
func withSignal(submits []driver.SubmitInfo, sem driver.Semaphore, value uint64) []driver.SubmitInfo {
	batch := slices.Clone(submits)
	if len(batch) == 0 {
		batch = append(batch, driver.SubmitInfo{})
	}
	last := &batch[len(batch)-1]

	sems := make([]driver.Semaphore, len(last.SignalSemaphores), len(last.SignalSemaphores)+1)
	copy(sems, last.SignalSemaphores)
	values := make([]uint64, len(last.SignalSemaphores), len(last.SignalSemaphores)+1)
	copy(values, last.SignalValues)

	last.SignalSemaphores = append(sems, sem)
	last.SignalValues = append(values, value)
	return batch
}

func (n *Notifier) timelineFor(q driver.Queue) (*timeline, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tl, ok := n.timelines[q]; ok {
		return tl, nil
	}
	sem, err := n.dev.CreateTimelineSemaphore(0)
	if err != nil {
		return nil, fmt.Errorf("notify: create timeline semaphore: %w", err)
	}
	tl := &timeline{sem: sem}
	n.timelines[q] = tl
	return tl, nil
}

func (n *Notifier) acquireFence() (driver.Fence, error) {
	n.mu.Lock()
	if k := len(n.fences); k > 0 {
		f := n.fences[k-1]
		n.fences = n.fences[:k-1]
		n.mu.Unlock()
		return f, nil
	}
	n.mu.Unlock()

	f, err := n.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("notify: create fence: %w", err)
	}
	return f, nil
}

func (n *Notifier) releaseFence(f driver.Fence) {
	n.mu.Lock()
	n.fences = append(n.fences, f)
	n.mu.Unlock()
}

// InactiveFences returns the number of fences waiting for reuse.
func (n *Notifier) InactiveFences() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.fences)
}

// Close stops accepting submissions, waits until outstanding callbacks ran
// (bounded by the drain timeout) and releases fences and semaphores.
// Close is idempotent.
func (n *Notifier) Close() {
	n.sendMu.Lock()
	if n.closed {
		n.sendMu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.sendMu.Unlock()

	n.cancel()
	<-n.done

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, f := range n.fences {
		n.dev.DestroyFence(f)
	}
	n.fences = nil
	for q, tl := range n.timelines {
		n.dev.DestroySemaphore(tl.sem)
		delete(n.timelines, q)
	}
	slogger().Debug("notify: stopped", "completed", n.completed.Load())
}
