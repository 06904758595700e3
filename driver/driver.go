// Package driver defines the low-level GPU driver interface driven by gfx.
//
// The interface follows the explicit programming model of Vulkan: queue
// families, command pools, native command buffers recorded between Begin and
// End, pipeline barriers with image layouts, descriptor pools, fences and
// binary or timeline semaphores. Backends live under backend/.
//
// Objects returned by a Device are only valid with that Device. Unless noted
// otherwise, Device methods are safe for concurrent use, while a
// CommandBuffer must be recorded from a single goroutine.
package driver

import (
	"errors"
	"time"

	"github.com/gogpu/gputypes"
)

// Driver errors.
var (
	// ErrOutOfPoolMemory is returned by AllocateDescriptorSet when the pool
	// cannot hold another set.
	ErrOutOfPoolMemory = errors.New("driver: descriptor pool exhausted")

	// ErrDeviceLost is returned when the device is no longer usable.
	ErrDeviceLost = errors.New("driver: device lost")

	// ErrUnsupported is returned for operations a backend does not provide.
	ErrUnsupported = errors.New("driver: operation not supported")

	// ErrInvalidHandle is returned when an object from another device or
	// backend is passed in.
	ErrInvalidHandle = errors.New("driver: invalid handle")
)

// Handle is implemented by every native object.
type Handle interface {
	// NativeHandle returns the backend handle value (for debugging and
	// identity; zero for purely logical objects).
	NativeHandle() uintptr
}

// Buffer is a native buffer.
type Buffer interface {
	Handle
	Size() uint64
}

// Image is a native image.
type Image interface {
	Handle
}

// Memory is a native device memory allocation.
type Memory interface {
	Handle
	Size() uint64
	HostVisible() bool
}

// Sampler is a native sampler.
type Sampler interface{ Handle }

// Fence is a host-observable completion primitive.
type Fence interface{ Handle }

// Semaphore is a binary or timeline queue synchronization primitive.
type Semaphore interface{ Handle }

// DescriptorSetLayout is a native descriptor set layout.
type DescriptorSetLayout interface{ Handle }

// DescriptorPool is a native fixed-capacity descriptor pool.
type DescriptorPool interface{ Handle }

// DescriptorSet is a native descriptor set.
type DescriptorSet interface{ Handle }

// RenderTarget is a framebuffer together with the render pass it was
// created for.
type RenderTarget interface {
	Handle
	Width() uint32
	Height() uint32
}

// Pipeline is an opaque pipeline state object together with its layout.
type Pipeline interface {
	Handle
	BindPoint() BindPoint
}

// Device is a logical GPU device.
type Device interface {
	// Features reports optional capabilities.
	Features() Features

	// QueueFamilies lists the queue families of the device.
	QueueFamilies() []QueueFamilyProperties

	// Queue returns queue index of the given family.
	Queue(family, index uint32) (Queue, error)

	// CreateCommandPool creates a command pool for a queue family.
	CreateCommandPool(family uint32) (CommandPool, error)

	CreateBuffer(desc *BufferDescriptor) (Buffer, Memory, error)
	DestroyBuffer(b Buffer)
	CreateImage(desc *ImageDescriptor) (Image, Memory, error)
	DestroyImage(img Image)
	CreateSampler(desc *SamplerDescriptor) (Sampler, error)
	DestroySampler(s Sampler)

	// MapMemory maps a host-visible range. The slice stays valid until
	// UnmapMemory.
	MapMemory(m Memory, offset, size uint64) ([]byte, error)
	UnmapMemory(m Memory)

	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(l DescriptorSetLayout)
	CreateDescriptorPool(desc *DescriptorPoolDescriptor) (DescriptorPool, error)
	DestroyDescriptorPool(p DescriptorPool)
	ResetDescriptorPool(p DescriptorPool) error

	// AllocateDescriptorSet returns ErrOutOfPoolMemory when the pool is full.
	AllocateDescriptorSet(p DescriptorPool, l DescriptorSetLayout) (DescriptorSet, error)
	FreeDescriptorSet(p DescriptorPool, s DescriptorSet) error
	UpdateDescriptorSet(s DescriptorSet, writes []DescriptorWrite) error

	CreateRenderTarget(desc *RenderTargetDescriptor) (RenderTarget, error)
	DestroyRenderTarget(rt RenderTarget)

	CreateComputePipeline(desc *ComputePipelineDescriptor) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	CreateFence() (Fence, error)
	DestroyFence(f Fence)
	ResetFence(f Fence) error
	// FenceStatus reports whether the fence is signaled without blocking.
	FenceStatus(f Fence) (bool, error)
	// WaitForFences blocks until one (or all) fences are signaled or the
	// timeout elapses. It returns false on timeout.
	WaitForFences(fences []Fence, waitAll bool, timeout time.Duration) (bool, error)

	CreateSemaphore() (Semaphore, error)
	// CreateTimelineSemaphore returns ErrUnsupported unless
	// Features().TimelineSemaphore is set.
	CreateTimelineSemaphore(initial uint64) (Semaphore, error)
	DestroySemaphore(s Semaphore)
	// SemaphoreValue returns the current counter of a timeline semaphore.
	SemaphoreValue(s Semaphore) (uint64, error)
	// WaitSemaphore blocks until the counter reaches value or the timeout
	// elapses. It returns false on timeout.
	WaitSemaphore(s Semaphore, value uint64, timeout time.Duration) (bool, error)
	// SignalSemaphore sets the counter of a timeline semaphore from the host.
	SignalSemaphore(s Semaphore, value uint64) error

	// WaitIdle blocks until all queues are idle.
	WaitIdle() error

	// Destroy releases the device.
	Destroy()
}

// Queue is a hardware queue.
type Queue interface {
	// Submit submits a batch. The fence, if not nil, is signaled when every
	// element of the batch has completed.
	Submit(submits []SubmitInfo, fence Fence) error

	// WaitIdle blocks until the queue has no outstanding work.
	WaitIdle() error
}

// CommandPool allocates native command buffers for one queue family.
type CommandPool interface {
	AllocateCommandBuffers(n int) ([]CommandBuffer, error)
	FreeCommandBuffers(cbs []CommandBuffer)
	Reset() error
	Destroy()
}

// CommandBuffer records native GPU commands.
type CommandBuffer interface {
	Handle

	Begin() error
	End() error

	PipelineBarrier(src, dst PipelineStage, barriers []ImageBarrier)

	BeginRenderPass(rt RenderTarget)
	EndRenderPass()
	SetViewport(v Viewport)
	SetScissor(r Rect)

	BindPipeline(p Pipeline)
	BindDescriptorSets(p Pipeline, first uint32, sets []DescriptorSet)
	PushConstants(p Pipeline, offset uint32, data []byte)
	BindVertexBuffers(first uint32, buffers []Buffer, offsets []uint64)
	BindIndexBuffer(b Buffer, offset uint64, format gputypes.IndexFormat)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	Dispatch(x, y, z uint32)

	CopyBuffer(src, dst Buffer, regions []BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, layout ImageLayout, regions []BufferImageCopy)
	CopyImageToBuffer(src Image, layout ImageLayout, dst Buffer, regions []BufferImageCopy)
	CopyImage(src Image, srcLayout ImageLayout, dst Image, dstLayout ImageLayout, regions []ImageCopy)
	FillBuffer(b Buffer, offset, size uint64, data uint32)
}
