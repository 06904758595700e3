// Package halgpu implements the gfx driver interface on top of the
// gogpu/wgpu hardware abstraction layer.
//
// The HAL exposes one queue and tracks resource states itself, so this
// driver reports a single queue family that can do graphics, compute and
// transfer work. Fences and timeline semaphores are logical objects keyed
// on the HAL submission index; binary semaphores carry no work because
// one queue already executes submissions in order.
//
// Differences from a Vulkan driver:
//   - FillBuffer only clears to zero
//   - PushConstants and combined image samplers are unsupported
//   - image memory is never host visible
//
// Importing the package registers the "hal" and "noop" backends:
//
//	drv, err := backend.Open("noop", backend.DefaultOptions())
//
// A device already owned by the application can be wrapped with
// NewFromProvider.
package halgpu
