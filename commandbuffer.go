package gfx

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gfx/driver"
)

// CommandBufferStatus is the lifecycle state of a CommandBuffer.
type CommandBufferStatus int

const (
	// StatusRecording means encoders were added since the last Commit.
	StatusRecording CommandBufferStatus = iota
	// StatusCommitted means a submission is in flight.
	StatusCommitted
	// StatusCompleted means every submission has completed.
	StatusCompleted
	// StatusError means the last Commit failed.
	StatusError
)

// String returns the status name.
func (s CommandBufferStatus) String() string {
	switch s {
	case StatusRecording:
		return "Recording"
	case StatusCommitted:
		return "Committed"
	case StatusCompleted:
		return "Completed"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("CommandBufferStatus(%d)", int(s))
	}
}

// nativeSet is the group of native command buffers built by one Commit.
type nativeSet struct {
	cbs      []driver.CommandBuffer
	inflight int // guarded by CommandBuffer.stateMu
}

// CommandBuffer collects encoders and submits them to its queue.
//
// Recording and Commit happen on the owner goroutine. Completion runs on
// the device notifier goroutine: it releases what the encoders held, runs
// the completed handlers and wakes waiters. Completed handlers must not
// call Commit.
type CommandBuffer struct {
	queue *CommandQueue
	pool  driver.CommandPool

	mu       sync.Mutex
	encoders []encoder
	open     int // encoders created and not yet ended
	current  *nativeSet
	stale    []*nativeSet
	closed   bool

	dirty  atomic.Bool
	failed atomic.Bool

	stateMu   sync.Mutex
	pending   []chan struct{}
	handlers  []func(*CommandBuffer)
	completed uint64
}

func newCommandBuffer(q *CommandQueue, pool driver.CommandPool) *CommandBuffer {
	return &CommandBuffer{queue: q, pool: pool}
}

// Queue returns the queue the buffer submits to.
func (c *CommandBuffer) Queue() *CommandQueue { return c.queue }

// CreateRenderCommandEncoder starts a render pass. It returns nil and logs
// when the queue has no graphics capability or the descriptor is invalid.
func (c *CommandBuffer) CreateRenderCommandEncoder(desc RenderPassDescriptor) *RenderCommandEncoder {
	if !c.beginEncoder("render", driver.QueueGraphics) {
		return nil
	}
	enc, err := newRenderCommandEncoder(c, desc)
	if err != nil {
		c.abandonEncoder()
		slogger().Error("gfx: create render encoder", "label", desc.Label, "err", err)
		return nil
	}
	return enc
}

// CreateComputeCommandEncoder starts a compute pass. It returns nil and
// logs when the queue has no compute capability.
func (c *CommandBuffer) CreateComputeCommandEncoder() *ComputeCommandEncoder {
	if !c.beginEncoder("compute", driver.QueueCompute) {
		return nil
	}
	return newComputeCommandEncoder(c)
}

// CreateCopyCommandEncoder starts a copy pass. Every queue supports copies.
func (c *CommandBuffer) CreateCopyCommandEncoder() *CopyCommandEncoder {
	if !c.beginEncoder("copy", 0) {
		return nil
	}
	return newCopyCommandEncoder(c)
}

func (c *CommandBuffer) beginEncoder(kind string, need driver.QueueFlags) bool {
	if !c.queue.Flags().Has(need) {
		slogger().Error("gfx: create encoder", "encoder", kind,
			"err", fmt.Errorf("%w: queue flags %#x", ErrIncompatibleQueue, uint32(c.queue.Flags())))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		slogger().Error("gfx: create encoder", "encoder", kind, "err", ErrDeviceClosed)
		return false
	}
	c.open++
	return true
}

func (c *CommandBuffer) abandonEncoder() {
	c.mu.Lock()
	c.open--
	c.mu.Unlock()
}

// addEncoder takes ownership of an ended encoder.
func (c *CommandBuffer) addEncoder(enc encoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open--
	c.encoders = append(c.encoders, enc)
	c.dirty.Store(true)
}

// Commit encodes every encoder into its own native command buffer and
// submits them as one batch. It reports whether the work is submitted.
// Committing again without new encoders submits nothing and returns true.
// On failure every native buffer allocated by the call is freed.
func (c *CommandBuffer) Commit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		slogger().Error("gfx: commit failed", "err", ErrDeviceClosed)
		return false
	}
	if c.open > 0 {
		slogger().Error("gfx: commit failed", "err", fmt.Errorf("%w: %d open", ErrEncodersNotEnded, c.open))
		c.failed.Store(true)
		return false
	}
	if !c.dirty.Load() {
		return true
	}

	// Each encoder is encoded once; earlier ones are in flight or done.
	c.stateMu.Lock()
	c.encoders = slices.DeleteFunc(c.encoders, func(enc encoder) bool { return enc.base().released })
	c.stateMu.Unlock()
	var live []encoder
	for _, enc := range c.encoders {
		if !enc.base().submitted {
			live = append(live, enc)
		}
	}

	if c.current != nil {
		c.stale = append(c.stale, c.current)
		c.current = nil
	}
	c.freeStale()

	if len(live) == 0 {
		c.dirty.Store(false)
		return true
	}

	// Encoding moves tracked image layouts; a failed Commit puts them back.
	snaps := snapshotLayouts(live)
	cbs, err := c.record(live)
	if err != nil {
		restoreLayouts(snaps)
		slogger().Error("gfx: commit failed", "encoders", len(live), "err", err)
		c.failed.Store(true)
		return false
	}

	set := &nativeSet{cbs: cbs}
	done := make(chan struct{})
	c.stateMu.Lock()
	for _, enc := range live {
		enc.base().inflight++
	}
	set.inflight++
	c.pending = append(c.pending, done)
	c.stateMu.Unlock()

	if err := c.queue.submit(submitInfos(live, cbs), func() { c.complete(live, set, done) }); err != nil {
		c.stateMu.Lock()
		for _, enc := range live {
			enc.base().inflight--
		}
		set.inflight--
		c.pending = slices.DeleteFunc(c.pending, func(ch chan struct{}) bool { return ch == done })
		c.stateMu.Unlock()
		c.pool.FreeCommandBuffers(cbs)
		restoreLayouts(snaps)
		slogger().Error("gfx: commit failed", "encoders", len(live), "err", fmt.Errorf("gfx: submit: %w", err))
		c.failed.Store(true)
		return false
	}

	for _, enc := range live {
		enc.base().submitted = true
	}
	c.current = set
	c.dirty.Store(false)
	c.failed.Store(false)
	slogger().Debug("gfx: committed", "family", c.queue.family.index, "buffers", len(cbs))
	return true
}

// record allocates one native buffer per encoder and encodes into it.
func (c *CommandBuffer) record(encs []encoder) ([]driver.CommandBuffer, error) {
	cbs, err := c.pool.AllocateCommandBuffers(len(encs))
	if err != nil {
		return nil, fmt.Errorf("gfx: allocate command buffers: %w", err)
	}
	for i, enc := range encs {
		if err := encodeOne(cbs[i], enc); err != nil {
			c.pool.FreeCommandBuffers(cbs)
			return nil, fmt.Errorf("gfx: encode %s encoder %d: %w", enc.base().kind, i, err)
		}
	}
	return cbs, nil
}

func encodeOne(cb driver.CommandBuffer, enc encoder) error {
	if err := cb.Begin(); err != nil {
		return err
	}
	if err := enc.encode(cb); err != nil {
		return err
	}
	return cb.End()
}

// submitInfos builds one SubmitInfo per encoder. The semaphore slices of
// all infos are windows of three shared arrays.
func submitInfos(encs []encoder, cbs []driver.CommandBuffer) []driver.SubmitInfo {
	var nWait, nSignal int
	for _, enc := range encs {
		b := enc.base()
		nWait += len(b.waitSemaphores)
		nSignal += len(b.signalSemaphores)
	}
	waits := make([]driver.Semaphore, 0, nWait)
	stages := make([]driver.PipelineStage, 0, nWait)
	signals := make([]driver.Semaphore, 0, nSignal)

	infos := make([]driver.SubmitInfo, len(encs))
	for i, enc := range encs {
		b := enc.base()
		w, s := len(waits), len(signals)
		waits = append(waits, b.waitSemaphores...)
		stages = append(stages, b.waitStages...)
		signals = append(signals, b.signalSemaphores...)
		infos[i] = driver.SubmitInfo{
			WaitSemaphores:   waits[w:len(waits):len(waits)],
			WaitStages:       stages[w:len(stages):len(stages)],
			CommandBuffers:   cbs[i : i+1 : i+1],
			SignalSemaphores: signals[s:len(signals):len(signals)],
		}
	}
	return infos
}

// complete runs on the notifier goroutine once a submission finished.
func (c *CommandBuffer) complete(encs []encoder, set *nativeSet, done chan struct{}) {
	c.stateMu.Lock()
	for _, enc := range encs {
		b := enc.base()
		b.inflight--
		if b.inflight == 0 {
			enc.release()
		}
	}
	set.inflight--
	c.completed++
	c.pending = slices.DeleteFunc(c.pending, func(ch chan struct{}) bool { return ch == done })
	handlers := slices.Clone(c.handlers)
	c.stateMu.Unlock()

	for _, h := range handlers {
		h(c)
	}
	close(done)
}

// freeStale frees native sets replaced by a newer Commit once the GPU is
// done with them.
func (c *CommandBuffer) freeStale() {
	c.stateMu.Lock()
	var idle []*nativeSet
	c.stale = slices.DeleteFunc(c.stale, func(s *nativeSet) bool {
		if s.inflight == 0 {
			idle = append(idle, s)
			return true
		}
		return false
	})
	c.stateMu.Unlock()
	for _, s := range idle {
		c.pool.FreeCommandBuffers(s.cbs)
	}
}

// AddCompletedHandler registers h to run on the notifier goroutine after
// each submission of the buffer completes.
func (c *CommandBuffer) AddCompletedHandler(h func(*CommandBuffer)) {
	if h == nil {
		return
	}
	c.stateMu.Lock()
	c.handlers = append(c.handlers, h)
	c.stateMu.Unlock()
}

// Status returns the lifecycle state of the buffer.
func (c *CommandBuffer) Status() CommandBufferStatus {
	if c.failed.Load() {
		return StatusError
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch {
	case len(c.pending) > 0:
		return StatusCommitted
	case c.dirty.Load() || c.completed == 0:
		return StatusRecording
	default:
		return StatusCompleted
	}
}

func (c *CommandBuffer) pendingDone() []chan struct{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return slices.Clone(c.pending)
}

// WaitUntilCompleted blocks until every committed submission completed, or
// until the device closed and abandoned what was still in flight.
func (c *CommandBuffer) WaitUntilCompleted() {
	_ = c.Wait(context.Background())
}

// Wait is WaitUntilCompleted bounded by ctx. It returns
// ErrCompletionAbandoned when the device closed before the work completed.
func (c *CommandBuffer) Wait(ctx context.Context) error {
	stopped := c.queue.device.notifier.Done()
	for _, ch := range c.pendingDone() {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-stopped:
			select {
			case <-ch:
			default:
				return ErrCompletionAbandoned
			}
		}
	}
	return nil
}

// Close waits for outstanding work, releases the encoders, frees the native
// buffers and returns the command pool to the device. If work does not
// finish within the device drain timeout the pool is leaked and a warning
// logged.
func (c *CommandBuffer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout())
	err := c.Wait(ctx)
	cancel()

	c.stateMu.Lock()
	for _, enc := range c.encoders {
		if enc.base().inflight == 0 {
			enc.release()
		}
	}
	c.encoders = nil
	c.stateMu.Unlock()

	if c.current != nil {
		c.stale = append(c.stale, c.current)
		c.current = nil
	}
	c.freeStale()

	if err != nil || len(c.stale) > 0 {
		slogger().Warn("gfx: command buffer closed with work in flight",
			"family", c.queue.family.index, "sets", len(c.stale))
		return
	}
	c.queue.device.recycleCommandPool(c.queue.family.index, c.pool)
}

func (c *CommandBuffer) drainTimeout() time.Duration {
	if d := c.queue.device.opts.drainTimeout; d > 0 {
		return d
	}
	return time.Second
}
