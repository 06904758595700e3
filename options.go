package gfx

import (
	"log/slog"
	"time"

	"github.com/gogpu/gfx/internal/notify"
	"github.com/gogpu/gfx/internal/shadercache"
)

// DeviceOption configures a GraphicsDevice during creation.
//
// Example:
//
//	dev, err := gfx.NewGraphicsDevice(drv,
//	    gfx.WithTimelineSemaphores(false),
//	    gfx.WithMemoryBudgetMB(512),
//	)
type DeviceOption func(*deviceOptions)

// deviceOptions holds optional configuration for device creation.
type deviceOptions struct {
	logger         *slog.Logger
	pollInterval   time.Duration
	drainTimeout   time.Duration
	timeline       bool
	initialMaxSets uint32
	memoryBudgetMB int
	flipViewportY  bool
	pipelineCache  []byte

	shaderCacheSize int
}

// defaultDeviceOptions returns the default device options.
func defaultDeviceOptions() deviceOptions {
	return deviceOptions{
		pollInterval:   notify.DefaultPollInterval,
		drainTimeout:   notify.DefaultDrainTimeout,
		timeline:       true,
		initialMaxSets: 1,
		memoryBudgetMB: DefaultMaxMemoryMB,

		shaderCacheSize: shadercache.DefaultCapacity,
	}
}

// WithLogger sets the package logger when the device is created.
// It is equivalent to calling SetLogger before NewGraphicsDevice.
func WithLogger(l *slog.Logger) DeviceOption {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

// WithPollInterval bounds a single wait of the completion notifier.
func WithPollInterval(d time.Duration) DeviceOption {
	return func(o *deviceOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithDrainTimeout bounds how long Close waits for outstanding GPU work.
func WithDrainTimeout(d time.Duration) DeviceOption {
	return func(o *deviceOptions) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithTimelineSemaphores selects timeline semaphores (true, the default) or
// fences for completion tracking. Devices without timeline semaphore
// support always use fences.
func WithTimelineSemaphores(enabled bool) DeviceOption {
	return func(o *deviceOptions) {
		o.timeline = enabled
	}
}

// WithInitialDescriptorPoolSize sets the MaxSets of the first descriptor pool
// of every chain. Later pools grow as 2*n+1.
func WithInitialDescriptorPoolSize(n uint32) DeviceOption {
	return func(o *deviceOptions) {
		if n > 0 {
			o.initialMaxSets = n
		}
	}
}

// WithMemoryBudgetMB sets the device memory budget in megabytes.
// Values below MinMemoryMB are raised to MinMemoryMB.
func WithMemoryBudgetMB(mb int) DeviceOption {
	return func(o *deviceOptions) {
		o.memoryBudgetMB = max(mb, MinMemoryMB)
	}
}

// WithFlipViewportY flips every render viewport vertically so that the
// origin is at the bottom-left corner.
func WithFlipViewportY(enabled bool) DeviceOption {
	return func(o *deviceOptions) {
		o.flipViewportY = enabled
	}
}

// WithPipelineCache seeds the device pipeline cache. The data is returned,
// possibly extended by the backend, by PipelineCacheData.
func WithPipelineCache(data []byte) DeviceOption {
	return func(o *deviceOptions) {
		o.pipelineCache = append([]byte(nil), data...)
	}
}

// WithShaderCacheSize sets how many compiled WGSL modules the device keeps.
// The least recently used module is dropped when the cache is full.
func WithShaderCacheSize(n int) DeviceOption {
	return func(o *deviceOptions) {
		if n > 0 {
			o.shaderCacheSize = n
		}
	}
}
