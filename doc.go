// Package gfx is a GPU command-submission engine for Go.
//
// # Overview
//
// gfx sits between an application and an explicit GPU driver. Work is
// recorded through Metal-style encoders and turned into native command
// buffers, pipeline barriers and queue submissions on Commit. The engine
// tracks image layouts per array layer, grows descriptor pools on demand
// and releases everything an encoder held once the GPU signals completion.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/gfx"
//		"github.com/gogpu/gfx/backend/halgpu"
//		"github.com/gogpu/gfx/driver"
//	)
//
//	drv, _ := halgpu.New(halgpu.Config{Backend: "noop"})
//	dev, _ := gfx.NewGraphicsDevice(drv)
//	defer dev.Close()
//
//	queue, _ := dev.Queue(driver.QueueGraphics)
//	cb, _ := queue.CreateCommandBuffer()
//	defer cb.Close()
//
//	enc := cb.CreateCopyCommandEncoder()
//	enc.FillBuffer(buf, 0, buf.Size(), 0)
//	enc.EndEncoding()
//
//	cb.Commit()
//	cb.WaitUntilCompleted()
//
// # Architecture
//
// The module is organized into:
//   - Public API: GraphicsDevice, CommandQueue, CommandBuffer, the render,
//     compute and copy encoders, ImageResource, Buffer, ShaderBindingSet
//   - driver: the Vulkan-shaped interface the engine records into
//   - Internal: descpool (descriptor pool chains), notify (completion
//     notifier), fakegpu (recording test driver)
//   - Backends: halgpu (gogpu/wgpu HAL), vulkan (vulkan-go bindings)
//
// # Synchronization
//
// Every encoder runs in three phases. The setup phase rewrites descriptor
// image layouts and emits barriers into the layouts the encoder needs, the
// main phase replays the recorded calls in order, and the cleanup phase
// hands external images back to presentation. An image bound with two
// different layouts in one encoder is moved to General.
//
// # Logging
//
// gfx logs through log/slog and is silent by default. Use SetLogger to
// enable output for the engine and every backend.
package gfx

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
