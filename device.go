package gfx

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gfx/internal/descpool"
	"github.com/gogpu/gfx/internal/notify"
	"github.com/gogpu/gfx/internal/shadercache"
)

// GraphicsDevice is the entry point of gfx. It owns the queue families,
// the descriptor pool table, the completion notifier and the memory
// budget of one driver device.
//
// GraphicsDevice is safe for concurrent use.
type GraphicsDevice struct {
	drv      driver.Device
	opts     deviceOptions
	families []*QueueFamily
	table    *descpool.Table
	notifier *notify.Notifier
	memory   *MemoryManager
	shaders  *shadercache.Cache

	mu       sync.Mutex
	pools    map[uint32][]driver.CommandPool // idle command pools per family
	lent     int                             // command pools held by command buffers
	cached   map[driver.QueueFlags]*CommandQueue
	open     map[*CommandQueue]struct{}
	pipeData []byte
	closed   bool
}

// NewGraphicsDevice wraps a driver device. The driver device stays owned
// by the caller and must outlive the GraphicsDevice.
func NewGraphicsDevice(drv driver.Device, opts ...DeviceOption) (*GraphicsDevice, error) {
	if drv == nil {
		return nil, errors.New("gfx: nil driver device")
	}
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	d := &GraphicsDevice{
		drv:      drv,
		opts:     o,
		table:    descpool.NewTable(drv, o.initialMaxSets),
		memory:   NewMemoryManager(MemoryManagerConfig{MaxMemoryMB: o.memoryBudgetMB}),
		shaders:  shadercache.New(o.shaderCacheSize),
		pools:    make(map[uint32][]driver.CommandPool),
		cached:   make(map[driver.QueueFlags]*CommandQueue),
		open:     make(map[*CommandQueue]struct{}),
		pipeData: o.pipelineCache,
	}

	for _, props := range drv.QueueFamilies() {
		f := &QueueFamily{index: props.Index, flags: props.Flags, count: props.Count}
		for i := uint32(0); i < props.Count; i++ {
			q, err := drv.Queue(props.Index, i)
			if err != nil {
				return nil, fmt.Errorf("gfx: queue %d of family %d: %w", i, props.Index, err)
			}
			f.free = append(f.free, q)
		}
		d.families = append(d.families, f)
	}
	if len(d.families) == 0 {
		return nil, fmt.Errorf("gfx: device has no queue families: %w", ErrNoQueueAvailable)
	}

	n, err := notify.New(notify.Config{
		Device:       drv,
		Timeline:     o.timeline,
		PollInterval: o.pollInterval,
		DrainTimeout: o.drainTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("gfx: start completion notifier: %w", err)
	}
	d.notifier = n

	registerDevice(d)
	slogger().Info("gfx: device created",
		"families", len(d.families),
		"timeline", n.Timeline(),
		"budgetMB", o.memoryBudgetMB)
	return d, nil
}

// Driver returns the underlying driver device.
func (d *GraphicsDevice) Driver() driver.Device { return d.drv }

// QueueFamilies returns the queue families of the device.
func (d *GraphicsDevice) QueueFamilies() []*QueueFamily {
	return append([]*QueueFamily(nil), d.families...)
}

// TimelineSemaphores reports whether completion is tracked with timeline
// semaphores rather than fences.
func (d *GraphicsDevice) TimelineSemaphores() bool { return d.notifier.Timeline() }

// CreateCommandQueue lends a queue supporting every capability in flags.
// Among matching families the one with the fewest additional capabilities
// is preferred, so a transfer request lands on a dedicated transfer family
// when there is one.
func (d *GraphicsDevice) CreateCommandQueue(flags driver.QueueFlags) (*CommandQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	return d.createQueueLocked(flags)
}

func (d *GraphicsDevice) createQueueLocked(flags driver.QueueFlags) (*CommandQueue, error) {
	var best *QueueFamily
	for _, f := range d.families {
		if !f.flags.Has(flags) || f.FreeQueues() == 0 {
			continue
		}
		if best == nil || f.extraBits(flags) < best.extraBits(flags) {
			best = f
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: flags %#x", ErrNoQueueAvailable, uint32(flags))
	}
	native, ok := best.acquire()
	if !ok {
		return nil, fmt.Errorf("%w: flags %#x", ErrNoQueueAvailable, uint32(flags))
	}
	q := &CommandQueue{device: d, family: best, native: native}
	d.open[q] = struct{}{}
	slogger().Info("gfx: command queue created", "family", best.index, "flags", uint32(best.flags))
	return q, nil
}

// Queue returns a device-owned queue of the given kind, creating it on
// first use. Repeated calls return the same queue.
func (d *GraphicsDevice) Queue(kind driver.QueueFlags) (*CommandQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	if q, ok := d.cached[kind]; ok {
		return q, nil
	}
	q, err := d.createQueueLocked(kind)
	if err != nil {
		return nil, err
	}
	q.shared = true
	d.cached[kind] = q
	return q, nil
}

func (d *GraphicsDevice) forgetQueue(q *CommandQueue) {
	d.mu.Lock()
	delete(d.open, q)
	d.mu.Unlock()
}

// acquireCommandPool lends an idle command pool of the family or creates
// one.
func (d *GraphicsDevice) acquireCommandPool(family uint32) (driver.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	d.lent++
	if idle := d.pools[family]; len(idle) > 0 {
		p := idle[len(idle)-1]
		d.pools[family] = idle[:len(idle)-1]
		return p, nil
	}
	p, err := d.drv.CreateCommandPool(family)
	if err != nil {
		d.lent--
		return nil, fmt.Errorf("gfx: create command pool: %w", err)
	}
	return p, nil
}

// recycleCommandPool takes back a pool whose command buffers were freed.
func (d *GraphicsDevice) recycleCommandPool(family uint32, p driver.CommandPool) {
	if err := p.Reset(); err != nil {
		slogger().Warn("gfx: reset command pool", "err", err)
		p.Destroy()
		p = nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lent--
	if p == nil {
		return
	}
	if d.closed {
		p.Destroy()
		return
	}
	d.pools[family] = append(d.pools[family], p)
}

// IdleCommandPools returns the number of command pools waiting for reuse.
func (d *GraphicsDevice) IdleCommandPools() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ps := range d.pools {
		n += len(ps)
	}
	return n
}

// CreateBuffer creates a buffer and accounts its memory against the budget.
func (d *GraphicsDevice) CreateBuffer(desc BufferDescriptor) (*Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidRegion, desc.Label)
	}
	if err := d.memory.reserve(desc.Size); err != nil {
		return nil, err
	}
	native, mem, err := d.drv.CreateBuffer(&driver.BufferDescriptor{
		Label:       desc.Label,
		Size:        desc.Size,
		Usage:       desc.Usage,
		HostVisible: desc.HostVisible,
	})
	if err != nil {
		d.memory.unreserve(desc.Size)
		return nil, fmt.Errorf("gfx: create buffer %q: %w", desc.Label, err)
	}
	block := newDeviceMemoryBlock(d.drv, mem)
	d.memory.commit(block, desc.Size)
	return &Buffer{
		dev:    d.drv,
		native: native,
		memory: block,
		mm:     d.memory,
		label:  desc.Label,
		size:   desc.Size,
		usage:  desc.Usage,
	}, nil
}

// CreateTexture creates an image with all layers in LayoutUndefined.
func (d *GraphicsDevice) CreateTexture(desc TextureDescriptor) (*ImageResource, error) {
	desc = desc.normalized()
	info, ok := driver.LookupFormat(desc.Format)
	if !ok {
		return nil, fmt.Errorf("%w: unknown pixel format %v", ErrFormatMismatch, desc.Format)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: texture %q has zero extent", ErrInvalidRegion, desc.Label)
	}
	if desc.MipLevels > mipCount(desc.Width, desc.Height) {
		return nil, fmt.Errorf("%w: %d mip levels for %dx%d", ErrInvalidRegion, desc.MipLevels, desc.Width, desc.Height)
	}

	estimate := uint64(0)
	for level := uint32(0); level < desc.MipLevels; level++ {
		estimate += info.ImageBytes(max(desc.Width>>level, 1), max(desc.Height>>level, 1))
	}
	estimate *= uint64(desc.ArrayLayers) * uint64(desc.Depth)
	if err := d.memory.reserve(estimate); err != nil {
		return nil, err
	}

	native, mem, err := d.drv.CreateImage(&driver.ImageDescriptor{
		Label:       desc.Label,
		Format:      desc.Format,
		Width:       desc.Width,
		Height:      desc.Height,
		Depth:       desc.Depth,
		MipLevels:   desc.MipLevels,
		ArrayLayers: desc.ArrayLayers,
		Samples:     1,
		Usage:       desc.Usage,
	})
	if err != nil {
		d.memory.unreserve(estimate)
		return nil, fmt.Errorf("gfx: create texture %q: %w", desc.Label, err)
	}
	img := newImageResource(d.drv, native, desc)
	img.memory = newDeviceMemoryBlock(d.drv, mem)
	img.mm = d.memory
	d.memory.commit(img.memory, estimate)
	return img, nil
}

// mipCount returns the length of a full mip chain.
func mipCount(width, height uint32) uint32 {
	return uint32(bits.Len32(max(width, height)))
}

// CreateSampler creates a sampler.
func (d *GraphicsDevice) CreateSampler(desc driver.SamplerDescriptor) (*Sampler, error) {
	native, err := d.drv.CreateSampler(&desc)
	if err != nil {
		return nil, fmt.Errorf("gfx: create sampler %q: %w", desc.Label, err)
	}
	return &Sampler{dev: d.drv, native: native}, nil
}

// CreateShaderBindingSetLayout creates a layout for the given bindings.
func (d *GraphicsDevice) CreateShaderBindingSetLayout(bindings []driver.DescriptorBinding) (*ShaderBindingSetLayout, error) {
	id := descpool.NewPoolID(bindings)
	if id.Empty() {
		return nil, fmt.Errorf("%w: binding set layout has no bindings", ErrInvalidRegion)
	}
	native, err := d.drv.CreateDescriptorSetLayout(bindings)
	if err != nil {
		return nil, fmt.Errorf("gfx: create descriptor set layout: %w", err)
	}
	return &ShaderBindingSetLayout{
		native:   native,
		bindings: append([]driver.DescriptorBinding(nil), bindings...),
		id:       id,
	}, nil
}

// DestroyShaderBindingSetLayout releases a layout. Sets allocated with it
// must be released first.
func (d *GraphicsDevice) DestroyShaderBindingSetLayout(l *ShaderBindingSetLayout) {
	if l.native != nil {
		d.drv.DestroyDescriptorSetLayout(l.native)
		l.native = nil
	}
}

// CreateDescriptorSet allocates a raw descriptor set from the pool chain of
// the layout. The caller holds one reference.
func (d *GraphicsDevice) CreateDescriptorSet(layout *ShaderBindingSetLayout) (*DescriptorSet, error) {
	alloc, err := d.table.Allocate(layout.id, layout.native)
	if err != nil {
		return nil, fmt.Errorf("gfx: allocate descriptor set: %w", err)
	}
	s := &DescriptorSet{table: d.table, layout: layout, alloc: alloc}
	s.refs.Store(1)
	return s, nil
}

// CreateShaderBindingSet allocates a binding set. The caller holds one
// reference and drops it with Release.
func (d *GraphicsDevice) CreateShaderBindingSet(layout *ShaderBindingSetLayout) (*ShaderBindingSet, error) {
	ds, err := d.CreateDescriptorSet(layout)
	if err != nil {
		return nil, err
	}
	return &ShaderBindingSet{
		DescriptorSet: ds,
		dev:           d.drv,
		buffers:       make(map[uint32]*Buffer),
		images:        make(map[uint32]imageBinding),
		samplers:      make(map[uint32]*Sampler),
	}, nil
}

// CreateComputePipeline compiles and creates a compute pipeline.
func (d *GraphicsDevice) CreateComputePipeline(desc ComputePipelineDescriptor) (*PipelineState, error) {
	code := desc.SPIRV
	switch {
	case desc.WGSL != "" && len(code) > 0:
		return nil, fmt.Errorf("gfx: pipeline %q sets both WGSL and SPIR-V", desc.Label)
	case desc.WGSL != "":
		var err error
		if code, err = d.shaders.Compile(desc.WGSL, CompileWGSL); err != nil {
			return nil, err
		}
	case len(code) == 0:
		return nil, fmt.Errorf("gfx: pipeline %q has no shader code", desc.Label)
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	layouts := make([]driver.DescriptorSetLayout, len(desc.Layouts))
	for i, l := range desc.Layouts {
		layouts[i] = l.native
	}
	native, err := d.drv.CreateComputePipeline(&driver.ComputePipelineDescriptor{
		Label:            desc.Label,
		SPIRV:            code,
		EntryPoint:       entry,
		SetLayouts:       layouts,
		PushConstantSize: desc.PushConstantSize,
	})
	if err != nil {
		return nil, fmt.Errorf("gfx: create compute pipeline %q: %w", desc.Label, err)
	}
	return &PipelineState{dev: d.drv, native: native, label: desc.Label, owned: true}, nil
}

// PipelineCacheData returns the pipeline cache blob, for persisting
// between runs.
func (d *GraphicsDevice) PipelineCacheData() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pc, ok := d.drv.(interface{ PipelineCacheData() []byte }); ok {
		if data := pc.PipelineCacheData(); len(data) > 0 {
			d.pipeData = data
		}
	}
	return append([]byte(nil), d.pipeData...)
}

// MemoryStats returns device memory statistics.
func (d *GraphicsDevice) MemoryStats() MemoryStats { return d.memory.Stats() }

// ShaderCacheStats is a snapshot of the compiled WGSL cache.
type ShaderCacheStats = shadercache.Stats

// ShaderCacheStats returns compiled WGSL cache usage.
func (d *GraphicsDevice) ShaderCacheStats() ShaderCacheStats { return d.shaders.Stats() }

// SetMemoryBudget changes the device memory budget.
func (d *GraphicsDevice) SetMemoryBudget(megabytes int) { d.memory.SetBudget(megabytes) }

// DescriptorPoolStats is a snapshot of descriptor pool usage.
type DescriptorPoolStats struct {
	Chains      int
	Pools       int
	LiveSets    int
	Allocations uint64
	Releases    uint64
	Growths     uint64
}

// DescriptorPoolStats returns descriptor pool usage.
func (d *GraphicsDevice) DescriptorPoolStats() DescriptorPoolStats {
	s := d.table.Stats()
	return DescriptorPoolStats{
		Chains:      s.Chains,
		Pools:       s.Pools,
		LiveSets:    s.LiveSets,
		Allocations: s.Allocations,
		Releases:    s.Releases,
		Growths:     s.Growths,
	}
}

// CleanupDescriptorPools destroys idle descriptor pools and returns the
// number of pools left.
func (d *GraphicsDevice) CleanupDescriptorPools() int {
	n := d.table.Cleanup()
	slogger().Debug("gfx: descriptor pool cleanup", "pools", n)
	return n
}

// Close waits for every queue to become idle and every completion callback
// to run (bounded by the drain timeout), then releases descriptor pools and
// command pools. The driver device is not destroyed.
func (d *GraphicsDevice) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queues := make([]*CommandQueue, 0, len(d.open))
	for q := range d.open {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	d.notifier.Close()

	d.mu.Lock()
	for family, ps := range d.pools {
		for _, p := range ps {
			p.Destroy()
		}
		delete(d.pools, family)
	}
	if d.lent > 0 {
		slogger().Warn("gfx: command buffers still open at device close", "count", d.lent)
	}
	d.mu.Unlock()

	d.table.Destroy()
	d.memory.Close()
	unregisterDevice(d)
	slogger().Info("gfx: device closed")
}
