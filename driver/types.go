package driver

import "github.com/gogpu/gputypes"

// ImageLayout is the memory arrangement an image must be in for a given use.
// Values match VkImageLayout.
type ImageLayout uint32

// Image layouts.
const (
	LayoutUndefined              ImageLayout = 0
	LayoutGeneral                ImageLayout = 1
	LayoutColorAttachment        ImageLayout = 2
	LayoutDepthStencilAttachment ImageLayout = 3
	LayoutDepthStencilReadOnly   ImageLayout = 4
	LayoutShaderReadOnly         ImageLayout = 5
	LayoutTransferSrc            ImageLayout = 6
	LayoutTransferDst            ImageLayout = 7
	LayoutPreinitialized         ImageLayout = 8
	LayoutPresentSrc             ImageLayout = 1000001002
)

// String returns the layout name.
func (l ImageLayout) String() string {
	switch l {
	case LayoutUndefined:
		return "Undefined"
	case LayoutGeneral:
		return "General"
	case LayoutColorAttachment:
		return "ColorAttachment"
	case LayoutDepthStencilAttachment:
		return "DepthStencilAttachment"
	case LayoutDepthStencilReadOnly:
		return "DepthStencilReadOnly"
	case LayoutShaderReadOnly:
		return "ShaderReadOnly"
	case LayoutTransferSrc:
		return "TransferSrc"
	case LayoutTransferDst:
		return "TransferDst"
	case LayoutPreinitialized:
		return "Preinitialized"
	case LayoutPresentSrc:
		return "PresentSrc"
	default:
		return "Unknown"
	}
}

// AccessFlags is a set of memory access types. Values match VkAccessFlagBits.
type AccessFlags uint32

// Access flags.
const (
	AccessIndirectCommandRead         AccessFlags = 0x00000001
	AccessIndexRead                   AccessFlags = 0x00000002
	AccessVertexAttributeRead         AccessFlags = 0x00000004
	AccessUniformRead                 AccessFlags = 0x00000008
	AccessInputAttachmentRead         AccessFlags = 0x00000010
	AccessShaderRead                  AccessFlags = 0x00000020
	AccessShaderWrite                 AccessFlags = 0x00000040
	AccessColorAttachmentRead         AccessFlags = 0x00000080
	AccessColorAttachmentWrite        AccessFlags = 0x00000100
	AccessDepthStencilAttachmentRead  AccessFlags = 0x00000200
	AccessDepthStencilAttachmentWrite AccessFlags = 0x00000400
	AccessTransferRead                AccessFlags = 0x00000800
	AccessTransferWrite               AccessFlags = 0x00001000
	AccessHostRead                    AccessFlags = 0x00002000
	AccessHostWrite                   AccessFlags = 0x00004000
	AccessMemoryRead                  AccessFlags = 0x00008000
	AccessMemoryWrite                 AccessFlags = 0x00010000
)

// AccessForLayout returns the conventional access mask for an image in the
// given layout. The table is fixed: one access policy per layout.
func AccessForLayout(l ImageLayout) AccessFlags {
	switch l {
	case LayoutGeneral:
		return AccessShaderRead | AccessShaderWrite
	case LayoutColorAttachment:
		return AccessColorAttachmentRead | AccessColorAttachmentWrite
	case LayoutDepthStencilAttachment:
		return AccessDepthStencilAttachmentRead | AccessDepthStencilAttachmentWrite
	case LayoutDepthStencilReadOnly:
		return AccessDepthStencilAttachmentRead | AccessShaderRead
	case LayoutShaderReadOnly:
		return AccessShaderRead
	case LayoutTransferSrc:
		return AccessTransferRead
	case LayoutTransferDst:
		return AccessTransferWrite
	case LayoutPreinitialized:
		return AccessHostWrite
	case LayoutPresentSrc:
		return AccessMemoryRead
	default:
		return 0
	}
}

// PipelineStage is a set of pipeline stages. Values match VkPipelineStageFlagBits.
type PipelineStage uint32

// Pipeline stages.
const (
	StageTopOfPipe             PipelineStage = 0x00000001
	StageDrawIndirect          PipelineStage = 0x00000002
	StageVertexInput           PipelineStage = 0x00000004
	StageVertexShader          PipelineStage = 0x00000008
	StageFragmentShader        PipelineStage = 0x00000080
	StageEarlyFragmentTests    PipelineStage = 0x00000100
	StageLateFragmentTests     PipelineStage = 0x00000200
	StageColorAttachmentOutput PipelineStage = 0x00000400
	StageComputeShader         PipelineStage = 0x00000800
	StageTransfer              PipelineStage = 0x00001000
	StageBottomOfPipe          PipelineStage = 0x00002000
	StageHost                  PipelineStage = 0x00004000
	StageAllGraphics           PipelineStage = 0x00008000
	StageAllCommands           PipelineStage = 0x00010000
)

// QueueFlags describes the capability class of a queue family.
// Values match VkQueueFlagBits.
type QueueFlags uint32

// Queue capabilities.
const (
	QueueGraphics QueueFlags = 0x1
	QueueCompute  QueueFlags = 0x2
	QueueTransfer QueueFlags = 0x4
)

// Has reports whether all bits of want are set.
func (f QueueFlags) Has(want QueueFlags) bool { return f&want == want }

// DescriptorType is the kind of a descriptor binding. Values match VkDescriptorType.
type DescriptorType uint32

// Descriptor types.
const (
	DescriptorSampler              DescriptorType = 0
	DescriptorCombinedImageSampler DescriptorType = 1
	DescriptorSampledImage         DescriptorType = 2
	DescriptorStorageImage         DescriptorType = 3
	DescriptorUniformTexelBuffer   DescriptorType = 4
	DescriptorStorageTexelBuffer   DescriptorType = 5
	DescriptorUniformBuffer        DescriptorType = 6
	DescriptorStorageBuffer        DescriptorType = 7
	DescriptorUniformBufferDynamic DescriptorType = 8
	DescriptorStorageBufferDynamic DescriptorType = 9
	DescriptorInputAttachment      DescriptorType = 10
	DescriptorInlineUniformBlock   DescriptorType = 1000138000
)

// IsImage reports whether descriptors of this type reference an image.
func (t DescriptorType) IsImage() bool {
	switch t {
	case DescriptorCombinedImageSampler, DescriptorSampledImage,
		DescriptorStorageImage, DescriptorInputAttachment:
		return true
	}
	return false
}

// IsBuffer reports whether descriptors of this type reference a buffer.
func (t DescriptorType) IsBuffer() bool {
	switch t {
	case DescriptorUniformBuffer, DescriptorStorageBuffer,
		DescriptorUniformBufferDynamic, DescriptorStorageBufferDynamic,
		DescriptorUniformTexelBuffer, DescriptorStorageTexelBuffer:
		return true
	}
	return false
}

// ImageAspect selects color, depth or stencil data of an image.
type ImageAspect uint32

// Image aspects.
const (
	AspectColor   ImageAspect = 0x1
	AspectDepth   ImageAspect = 0x2
	AspectStencil ImageAspect = 0x4
)

// BindPoint is the pipeline kind a pipeline or descriptor set binds to.
type BindPoint uint32

// Bind points.
const (
	BindPointGraphics BindPoint = 0
	BindPointCompute  BindPoint = 1
)

// Features reports optional driver capabilities.
type Features struct {
	// TimelineSemaphore is true when CreateTimelineSemaphore is supported.
	TimelineSemaphore bool
}

// QueueFamilyProperties describes one queue family of a device.
type QueueFamilyProperties struct {
	Index uint32
	Flags QueueFlags
	Count uint32
}

// Offset3D is a texel offset.
type Offset3D struct {
	X, Y, Z int32
}

// Extent3D is a texel extent.
type Extent3D struct {
	Width, Height, Depth uint32
}

// Viewport is a render viewport. A negative Height flips the Y axis.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// Rect is a scissor rectangle.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// ImageBarrier is one image layout transition inside a pipeline barrier.
type ImageBarrier struct {
	Image        Image
	OldLayout    ImageLayout
	NewLayout    ImageLayout
	SrcAccess    AccessFlags
	DstAccess    AccessFlags
	Aspect       ImageAspect
	BaseMipLevel uint32
	LevelCount   uint32
	BaseLayer    uint32
	LayerCount   uint32
}

// BufferCopy is a buffer-to-buffer copy region.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// ImageSubresource selects mip level and layers of an image.
type ImageSubresource struct {
	Aspect     ImageAspect
	MipLevel   uint32
	BaseLayer  uint32
	LayerCount uint32
}

// BufferImageCopy is a buffer-image copy region. RowLength and ImageHeight
// are in texels; zero means tightly packed.
type BufferImageCopy struct {
	BufferOffset uint64
	RowLength    uint32
	ImageHeight  uint32
	Subresource  ImageSubresource
	Origin       Offset3D
	Extent       Extent3D
}

// ImageCopy is an image-to-image copy region.
type ImageCopy struct {
	Src       ImageSubresource
	SrcOrigin Offset3D
	Dst       ImageSubresource
	DstOrigin Offset3D
	Extent    Extent3D
}

// SubmitInfo is one batch element of a queue submission. WaitValues and
// SignalValues are only read for timeline semaphores and, when non-nil, have
// the same length as their semaphore slice.
type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitValues       []uint64
	WaitStages       []PipelineStage
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
	SignalValues     []uint64
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label       string
	Size        uint64
	Usage       gputypes.BufferUsage
	HostVisible bool
}

// ImageDescriptor describes a 2D (array) image to create.
type ImageDescriptor struct {
	Label       string
	Format      gputypes.TextureFormat
	Width       uint32
	Height      uint32
	Depth       uint32
	MipLevels   uint32
	ArrayLayers uint32
	Samples     uint32
	Usage       gputypes.TextureUsage
}

// SamplerDescriptor describes a sampler to create.
type SamplerDescriptor struct {
	Label       string
	MinFilter   gputypes.FilterMode
	MagFilter   gputypes.FilterMode
	AddressMode gputypes.AddressMode
}

// DescriptorBinding is one binding slot of a descriptor set layout.
type DescriptorBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stages  gputypes.ShaderStages
}

// DescriptorPoolSize is the number of descriptors of one type a pool holds.
type DescriptorPoolSize struct {
	Type  DescriptorType
	Count uint32
}

// DescriptorPoolDescriptor describes a descriptor pool to create.
type DescriptorPoolDescriptor struct {
	MaxSets uint32
	Sizes   []DescriptorPoolSize
}

// DescriptorWrite updates one element of a descriptor set binding.
type DescriptorWrite struct {
	Binding      uint32
	ArrayElement uint32
	Type         DescriptorType

	Buffer Buffer
	Offset uint64
	Range  uint64

	Image       Image
	ImageLayout ImageLayout

	Sampler Sampler
}

// Attachment is one render target attachment. Layout is the layout the
// image is in when the render pass begins; FinalLayout, when not
// LayoutUndefined, is the layout the render pass leaves it in.
type Attachment struct {
	Image        Image
	Format       gputypes.TextureFormat
	Layer        uint32
	MipLevel     uint32
	Layout       ImageLayout
	FinalLayout  ImageLayout
	LoadOp       gputypes.LoadOp
	StoreOp      gputypes.StoreOp
	ClearColor   gputypes.Color
	ClearDepth   float32
	ClearStencil uint32
}

// RenderTargetDescriptor describes the framebuffer and render pass container
// created for one render encoder.
type RenderTargetDescriptor struct {
	Label        string
	Color        []Attachment
	DepthStencil *Attachment
	Width        uint32
	Height       uint32
}

// ComputePipelineDescriptor describes a compute pipeline to create.
type ComputePipelineDescriptor struct {
	Label            string
	SPIRV            []uint32
	EntryPoint       string
	SetLayouts       []DescriptorSetLayout
	PushConstantSize uint32
}
