package halgpu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gfx/backend"
	"github.com/gogpu/gfx/driver"
)

// Errors returned while opening a device.
var (
	// ErrNoAdapter is returned when the HAL backend exposes no adapter.
	ErrNoAdapter = errors.New("halgpu: no adapter available")

	// ErrUnknownBackend is returned for a Config.Backend name that is not
	// compiled in.
	ErrUnknownBackend = errors.New("halgpu: unknown HAL backend")

	// ErrNoHALDevice is returned by NewFromProvider when the provider does
	// not expose a HAL device and queue.
	ErrNoHALDevice = errors.New("halgpu: provider has no HAL device")
)

// Config selects the HAL backend and adapter.
type Config struct {
	// Backend names the HAL backend: "noop", "vulkan", "metal", "dx12",
	// "gl" or "software". Empty picks the best one compiled in.
	Backend string

	// Adapter selects an adapter by index. A negative value prefers a
	// discrete GPU, then an integrated one, then the first adapter.
	Adapter int

	// Validation enables HAL validation layers.
	Validation bool

	// Limits are requested when opening the device. The zero value means
	// gputypes.DefaultLimits.
	Limits gputypes.Limits
}

var halBackends = map[string]gputypes.Backend{
	"vulkan":   gputypes.BackendVulkan,
	"metal":    gputypes.BackendMetal,
	"dx12":     gputypes.BackendDX12,
	"gl":       gputypes.BackendGL,
	"software": gputypes.BackendEmpty,
}

func init() {
	backend.Register(backend.BackendHAL, func(opts backend.Options) (driver.Device, error) {
		return New(Config{Adapter: opts.Adapter, Validation: opts.Validation})
	})
	backend.Register(backend.BackendNoop, func(opts backend.Options) (driver.Device, error) {
		return New(Config{Backend: "noop", Adapter: opts.Adapter})
	})
}

// Device is a driver.Device backed by a HAL device and its queue.
type Device struct {
	dev      hal.Device
	queue    *queue
	instance hal.Instance
	info     string

	// external devices belong to the application and are not destroyed.
	external bool
	closed   atomic.Bool
}

var _ driver.Device = (*Device)(nil)

func selectBackend(name string) (hal.Backend, error) {
	switch name {
	case "":
		return hal.SelectBestBackend()
	case "noop":
		return noop.API{}, nil
	}
	variant, ok := halBackends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	b, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not compiled in", ErrUnknownBackend, name)
	}
	return b, nil
}

func selectAdapter(adapters []hal.ExposedAdapter, index int) (*hal.ExposedAdapter, error) {
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	if index >= 0 {
		if index >= len(adapters) {
			return nil, fmt.Errorf("%w: index %d of %d", ErrNoAdapter, index, len(adapters))
		}
		return &adapters[index], nil
	}
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		for i := range adapters {
			if adapters[i].Info.DeviceType == want {
				return &adapters[i], nil
			}
		}
	}
	return &adapters[0], nil
}

// New creates a HAL instance, picks an adapter and opens a device on it.
func New(cfg Config) (*Device, error) {
	b, err := selectBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	var flags gputypes.InstanceFlags
	if cfg.Validation {
		flags |= gputypes.InstanceFlagsValidation | gputypes.InstanceFlagsDebug
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: flags})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create instance: %w", err)
	}

	exposed, err := selectAdapter(instance.EnumerateAdapters(nil), cfg.Adapter)
	if err != nil {
		instance.Destroy()
		return nil, err
	}

	limits := cfg.Limits
	if limits == (gputypes.Limits{}) {
		limits = gputypes.DefaultLimits()
	}
	open, err := exposed.Adapter.Open(0, limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halgpu: open %s: %w", exposed.Info.Name, err)
	}

	d := newDevice(open.Device, open.Queue, exposed.Info.Name)
	d.instance = instance
	slogger().Info("halgpu: device opened",
		"adapter", exposed.Info.Name,
		"type", exposed.Info.DeviceType,
		"backend", b.Variant())
	return d, nil
}

// halProvider is implemented by providers that expose their HAL objects
// next to the gpucontext ones.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider wraps the HAL device of an existing provider, such as
// a gogpu window. The device is not destroyed by Destroy.
func NewFromProvider(p gpucontext.DeviceProvider) (*Device, error) {
	if p == nil {
		return nil, ErrNoHALDevice
	}
	var (
		dev hal.Device
		q   hal.Queue
	)
	if hp, ok := p.(halProvider); ok {
		dev, _ = hp.HalDevice().(hal.Device)
		q, _ = hp.HalQueue().(hal.Queue)
	}
	if dev == nil {
		dev, _ = p.Device().(hal.Device)
	}
	if q == nil {
		q, _ = p.Queue().(hal.Queue)
	}
	if dev == nil || q == nil {
		return nil, ErrNoHALDevice
	}

	name := p.AdapterInfo().Name
	d := newDevice(dev, q, name)
	d.external = true
	slogger().Info("halgpu: wrapped provider device", "adapter", name)
	return d, nil
}

func newDevice(dev hal.Device, q hal.Queue, info string) *Device {
	d := &Device{dev: dev, info: info}
	d.queue = &queue{d: d, hal: q}
	return d
}

// AdapterName returns the name of the adapter the device was opened on.
func (d *Device) AdapterName() string { return d.info }

// HalDevice returns the underlying HAL device.
func (d *Device) HalDevice() hal.Device { return d.dev }

// Features reports timeline semaphores, which are emulated on top of the
// HAL submission index.
func (d *Device) Features() driver.Features {
	return driver.Features{TimelineSemaphore: true}
}

// QueueFamilies reports the single HAL queue.
func (d *Device) QueueFamilies() []driver.QueueFamilyProperties {
	return []driver.QueueFamilyProperties{{
		Index: 0,
		Flags: driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer,
		Count: 1,
	}}
}

// Queue returns the HAL queue. Only family 0, index 0 exists.
func (d *Device) Queue(family, index uint32) (driver.Queue, error) {
	if family != 0 || index != 0 {
		return nil, fmt.Errorf("%w: queue %d of family %d", driver.ErrInvalidHandle, index, family)
	}
	return d.queue, nil
}

// CreateCommandPool returns a pool for family 0.
func (d *Device) CreateCommandPool(family uint32) (driver.CommandPool, error) {
	if family != 0 {
		return nil, fmt.Errorf("%w: queue family %d", driver.ErrInvalidHandle, family)
	}
	return &commandPool{d: d}, nil
}

// WaitIdle blocks until the HAL device is idle.
func (d *Device) WaitIdle() error {
	if err := d.dev.WaitIdle(); err != nil {
		return fmt.Errorf("halgpu: wait idle: %w", err)
	}
	return nil
}

// Destroy releases the device and instance unless they came from a
// provider. It is safe to call more than once.
func (d *Device) Destroy() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if d.external {
		return
	}
	if err := d.dev.WaitIdle(); err != nil {
		slogger().Warn("halgpu: wait idle on destroy", "err", err)
	}
	d.dev.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
	slogger().Info("halgpu: device destroyed", "adapter", d.info)
}
