// Package backend is the registry of gfx driver backends.
//
// A backend turns the driver interface into calls on a real graphics API.
// Backend packages register themselves from init(), so importing one is
// enough to make it selectable:
//
//	import (
//		_ "github.com/gogpu/gfx/backend/halgpu"
//		_ "github.com/gogpu/gfx/backend/vulkan"
//	)
//
// # Backend Selection
//
// Use OpenDefault to get a device from the best backend that works on this
// machine, or Open to request one by name:
//
//	drv, name, err := backend.OpenDefault(backend.DefaultOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	log.Printf("using %s", name)
//
//	// Or request a specific backend
//	drv, err := backend.Open("noop", backend.DefaultOptions())
//
// The returned driver.Device is handed to gfx.NewGraphicsDevice.
//
// # Available Backends
//
//   - "vulkan": Vulkan through vulkan-go, fence completion mode
//   - "hal": the best gogpu/wgpu HAL backend compiled into the binary
//   - "noop": the gogpu/wgpu noop HAL, for tests and dry runs
package backend
