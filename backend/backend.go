package backend

import (
	"errors"

	"github.com/gogpu/gfx/driver"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoBackend is returned by OpenDefault when no registered backend
	// could open a device.
	ErrNoBackend = errors.New("backend: no usable backend")
)

// Names of the backends shipped with gfx.
const (
	// BackendVulkan drives Vulkan directly through vulkan-go.
	BackendVulkan = "vulkan"

	// BackendHAL drives the best gogpu/wgpu HAL backend compiled in.
	BackendHAL = "hal"

	// BackendNoop is the gogpu/wgpu noop HAL. Work completes immediately.
	BackendNoop = "noop"
)

// Options configures a device opened through the registry.
type Options struct {
	// AppName is reported to the driver where the API has a slot for it.
	AppName string

	// Validation enables API validation layers when the backend has them.
	Validation bool

	// Adapter selects a physical device by index. A negative value lets the
	// backend prefer a discrete GPU.
	Adapter int
}

// DefaultOptions returns options that let the backend pick everything.
func DefaultOptions() Options {
	return Options{AppName: "gfx", Adapter: -1}
}

// Factory opens a driver device.
type Factory func(opts Options) (driver.Device, error)
