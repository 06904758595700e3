// Package vulkan implements the gfx driver interface directly on Vulkan
// through github.com/vulkan-go/vulkan.
//
// The driver exposes every queue family and queue of the physical device,
// allocates one memory block per buffer or image and records native
// command buffers. The loaded headers predate timeline semaphores, so the
// device reports Features.TimelineSemaphore false and gfx tracks
// completion with fences.
//
// Importing the package registers the "vulkan" backend:
//
//	drv, err := backend.Open(backend.BackendVulkan, backend.DefaultOptions())
//
// The package needs cgo; without it only this documentation is compiled
// and the backend is not registered.
package vulkan
