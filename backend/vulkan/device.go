//go:build cgo

package vulkan

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gfx/backend"
	"github.com/gogpu/gfx/driver"
)

// Errors returned while opening a device.
var (
	// ErrLoader is returned when the Vulkan loader cannot be found or
	// initialized.
	ErrLoader = errors.New("vulkan: loader unavailable")

	// ErrNoPhysicalDevice is returned when no physical device matches.
	ErrNoPhysicalDevice = errors.New("vulkan: no physical device")
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// Config selects the physical device and instance options.
type Config struct {
	// AppName is reported in VkApplicationInfo.
	AppName string

	// Validation enables the Khronos validation layer.
	Validation bool

	// Adapter selects a physical device by index. A negative value prefers
	// a discrete GPU, then an integrated one, then the first device.
	Adapter int
}

func init() {
	backend.Register(backend.BackendVulkan, func(opts backend.Options) (driver.Device, error) {
		return New(Config{AppName: opts.AppName, Validation: opts.Validation, Adapter: opts.Adapter})
	})
}

var (
	loaderOnce sync.Once
	loaderErr  error
)

// loadVulkan resolves the loader once per process.
func loadVulkan() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loaderErr = fmt.Errorf("%w: %w", ErrLoader, err)
			return
		}
		if err := vk.Init(); err != nil {
			loaderErr = fmt.Errorf("%w: %w", ErrLoader, err)
		}
	})
	return loaderErr
}

// Device is a driver.Device on a Vulkan logical device.
type Device struct {
	instance vk.Instance
	physical vk.PhysicalDevice
	dev      vk.Device
	name     string

	families    []driver.QueueFamilyProperties
	queues      [][]*queue
	memoryTypes []vk.MemoryPropertyFlags

	closed atomic.Bool
}

var _ driver.Device = (*Device)(nil)

// pickPhysical returns the index of the device to open. An explicit index
// wins; otherwise discrete beats integrated beats the first device.
func pickPhysical(types []vk.PhysicalDeviceType, index int) (int, error) {
	if len(types) == 0 {
		return 0, ErrNoPhysicalDevice
	}
	if index >= 0 {
		if index >= len(types) {
			return 0, fmt.Errorf("%w: index %d of %d", ErrNoPhysicalDevice, index, len(types))
		}
		return index, nil
	}
	for _, want := range []vk.PhysicalDeviceType{vk.PhysicalDeviceTypeDiscreteGpu, vk.PhysicalDeviceTypeIntegratedGpu} {
		for i, t := range types {
			if t == want {
				return i, nil
			}
		}
	}
	return 0, nil
}

func createInstance(cfg Config) (vk.Instance, error) {
	name := cfg.AppName
	if name == "" {
		name = "gfx"
	}
	info := vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   cstr(name),
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PEngineName:        cstr("gfx"),
			EngineVersion:      vk.MakeVersion(1, 0, 0),
			ApiVersion:         vk.MakeVersion(1, 1, 0),
		},
	}
	if cfg.Validation {
		info.EnabledLayerCount = 1
		info.PpEnabledLayerNames = []string{cstr(validationLayer)}
	}
	var instance vk.Instance
	if err := check("create instance", vk.CreateInstance(&info, nil, &instance)); err != nil {
		return nil, err
	}
	vk.InitInstance(instance)
	return instance, nil
}

func enumeratePhysical(instance vk.Instance) ([]vk.PhysicalDevice, error) {
	var count uint32
	if err := check("enumerate physical devices", vk.EnumeratePhysicalDevices(instance, &count, nil)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoPhysicalDevice
	}
	gpus := make([]vk.PhysicalDevice, count)
	if err := check("enumerate physical devices", vk.EnumeratePhysicalDevices(instance, &count, gpus)); err != nil {
		return nil, err
	}
	return gpus[:count], nil
}

// New loads Vulkan, picks a physical device and creates a logical device
// with every queue of every family.
func New(cfg Config) (*Device, error) {
	if err := loadVulkan(); err != nil {
		return nil, err
	}
	instance, err := createInstance(cfg)
	if err != nil {
		return nil, err
	}
	d, err := openDevice(instance, cfg)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}
	slogger().Info("vulkan: device opened", "adapter", d.name, "families", len(d.families))
	return d, nil
}

func openDevice(instance vk.Instance, cfg Config) (*Device, error) {
	gpus, err := enumeratePhysical(instance)
	if err != nil {
		return nil, err
	}
	props := make([]vk.PhysicalDeviceProperties, len(gpus))
	types := make([]vk.PhysicalDeviceType, len(gpus))
	for i, gpu := range gpus {
		vk.GetPhysicalDeviceProperties(gpu, &props[i])
		props[i].Deref()
		types[i] = props[i].DeviceType
	}
	idx, err := pickPhysical(types, cfg.Adapter)
	if err != nil {
		return nil, err
	}

	d := &Device{
		instance: instance,
		physical: gpus[idx],
		name:     vk.ToString(props[idx].DeviceName[:]),
	}

	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(d.physical, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(d.physical, &count, families)
	infos := make([]vk.DeviceQueueCreateInfo, 0, count)
	for i := range families {
		families[i].Deref()
		fam := families[i]
		if fam.QueueCount == 0 {
			continue
		}
		d.families = append(d.families, driver.QueueFamilyProperties{
			Index: uint32(i), //nolint:gosec // G115: bounded by family count
			Flags: queueFlags(fam.QueueFlags),
			Count: fam.QueueCount,
		})
		priorities := make([]float32, fam.QueueCount)
		for j := range priorities {
			priorities[j] = 1
		}
		infos = append(infos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: uint32(i), //nolint:gosec // G115: bounded by family count
			QueueCount:       fam.QueueCount,
			PQueuePriorities: priorities,
		})
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s has no queues", ErrNoPhysicalDevice, d.name)
	}

	info := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(infos)), //nolint:gosec // G115: bounded by family count
		PQueueCreateInfos:    infos,
	}
	if cfg.Validation {
		info.EnabledLayerCount = 1
		info.PpEnabledLayerNames = []string{cstr(validationLayer)}
	}
	var dev vk.Device
	if err := check("create device", vk.CreateDevice(d.physical, &info, nil, &dev)); err != nil {
		return nil, err
	}
	d.dev = dev

	d.queues = make([][]*queue, count)
	for _, fam := range d.families {
		qs := make([]*queue, fam.Count)
		for j := range qs {
			var q vk.Queue
			vk.GetDeviceQueue(dev, fam.Index, uint32(j), &q) //nolint:gosec // G115: bounded by queue count
			qs[j] = &queue{d: d, q: q}
		}
		d.queues[fam.Index] = qs
	}

	var mem vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(d.physical, &mem)
	mem.Deref()
	d.memoryTypes = make([]vk.MemoryPropertyFlags, mem.MemoryTypeCount)
	for i := range d.memoryTypes {
		mem.MemoryTypes[i].Deref()
		d.memoryTypes[i] = mem.MemoryTypes[i].PropertyFlags
	}
	return d, nil
}

// AdapterName returns the physical device name.
func (d *Device) AdapterName() string { return d.name }

// VkDevice returns the logical device, for interop with code that creates
// graphics pipelines.
func (d *Device) VkDevice() vk.Device { return d.dev }

// Features reports no timeline semaphores; completion is fence based.
func (d *Device) Features() driver.Features { return driver.Features{} }

// QueueFamilies lists the families that expose at least one queue.
func (d *Device) QueueFamilies() []driver.QueueFamilyProperties {
	return append([]driver.QueueFamilyProperties(nil), d.families...)
}

// Queue returns queue index of family.
func (d *Device) Queue(family, index uint32) (driver.Queue, error) {
	if int(family) >= len(d.queues) || int(index) >= len(d.queues[family]) {
		return nil, fmt.Errorf("%w: queue %d of family %d", driver.ErrInvalidHandle, index, family)
	}
	return d.queues[family][index], nil
}

// CreateCommandPool creates a pool whose buffers can be reset one by one.
func (d *Device) CreateCommandPool(family uint32) (driver.CommandPool, error) {
	if int(family) >= len(d.queues) || len(d.queues[family]) == 0 {
		return nil, fmt.Errorf("%w: queue family %d", driver.ErrInvalidHandle, family)
	}
	var pool vk.CommandPool
	ret := vk.CreateCommandPool(d.dev, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}, nil, &pool)
	if err := check("create command pool", ret); err != nil {
		return nil, err
	}
	return &commandPool{d: d, pool: pool}, nil
}

// memoryType returns the first type allowed by bits that has every flag of
// want.
func memoryType(types []vk.MemoryPropertyFlags, bits uint32, want vk.MemoryPropertyFlags) (uint32, bool) {
	for i, flags := range types {
		if bits&(1<<uint(i)) != 0 && flags&want == want {
			return uint32(i), true //nolint:gosec // G115: at most 32 memory types
		}
	}
	return 0, false
}

// allocate allocates memory for reqs. Host-visible memory is also host
// coherent; device memory falls back to any allowed type.
func (d *Device) allocate(reqs vk.MemoryRequirements, host bool) (*memory, error) {
	want := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if host {
		want = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	idx, ok := memoryType(d.memoryTypes, reqs.MemoryTypeBits, want)
	if !ok && !host {
		idx, ok = memoryType(d.memoryTypes, reqs.MemoryTypeBits, 0)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no memory type for bits %#x", driver.ErrUnsupported, reqs.MemoryTypeBits)
	}
	var mem vk.DeviceMemory
	ret := vk.AllocateMemory(d.dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: idx,
	}, nil, &mem)
	if err := check("allocate memory", ret); err != nil {
		return nil, err
	}
	return &memory{mem: mem, size: uint64(reqs.Size), host: host}, nil
}

// WaitIdle blocks until every queue of the device is idle.
func (d *Device) WaitIdle() error {
	return check("device wait idle", vk.DeviceWaitIdle(d.dev))
}

// Destroy waits for the device and destroys it with its instance.
func (d *Device) Destroy() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if err := d.WaitIdle(); err != nil {
		slogger().Warn("vulkan: wait idle before destroy", "err", err)
	}
	vk.DestroyDevice(d.dev, nil)
	vk.DestroyInstance(d.instance, nil)
	slogger().Debug("vulkan: device destroyed", "adapter", d.name)
}
