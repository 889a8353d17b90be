// Package gpu defines the slice of the Vulkan object model that the renderer
// core depends on. Backends (vkng for real hardware, gputest for tests)
// implement these interfaces; the vocabulary types are the vkngwrapper ones so
// that values pass through a backend without translation.
package gpu

import (
	"time"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
)

// NoTimeout waits forever. The core never passes it; it exists for backends
// and tools that need the driver's own semantics.
const NoTimeout = time.Duration(1<<63 - 1)

// Loader creates instances. It is the entry point into a backend.
type Loader interface {
	CreateInstance(info InstanceInfo) (Instance, error)
}

// InstanceInfo configures instance creation.
type InstanceInfo struct {
	ApplicationName string
	Validation      bool
}

// Instance is a driver instance bound to one window.
type Instance interface {
	// CreateSurface creates the presentation surface for the window the
	// instance was created for.
	CreateSurface() (Surface, error)
	PhysicalDevices() ([]PhysicalDevice, error)
	Destroy()
}

// Surface is a presentation surface.
type Surface interface {
	Destroy()
}

// QueueFamily describes one queue family of a physical device.
type QueueFamily struct {
	Flags      core1_0.QueueFlags
	QueueCount int
}

// Limits holds the physical device limits the core reads.
type Limits struct {
	// SampleCounts is the intersection of the framebuffer colour and depth
	// sample counts.
	SampleCounts         core1_0.SampleCountFlags
	MaxSamplerAnisotropy float32
	SamplerAnisotropy    bool
}

// DeviceInfo configures logical device creation.
type DeviceInfo struct {
	// QueueFamilies holds distinct family indices; one queue is created per
	// family.
	QueueFamilies     []int
	Extensions        []string
	SamplerAnisotropy bool
}

// PhysicalDevice is a GPU adapter.
type PhysicalDevice interface {
	Name() string
	QueueFamilies() []QueueFamily
	SurfaceSupport(surface Surface, family int) (bool, error)
	HasExtension(name string) (bool, error)
	MemoryTypes() []core1_0.MemoryType
	FormatFeatures(format core1_0.Format, tiling core1_0.ImageTiling) core1_0.FormatFeatureFlags
	Limits() (Limits, error)

	SurfaceCapabilities(surface Surface) (*khr_surface.SurfaceCapabilities, error)
	SurfaceFormats(surface Surface) ([]khr_surface.SurfaceFormat, error)
	PresentModes(surface Surface) ([]khr_surface.PresentMode, error)

	CreateDevice(info DeviceInfo) (Device, error)
}

// MemoryRequirements is what a buffer or image needs from an allocation.
type MemoryRequirements struct {
	Size      int
	Alignment int
	TypeBits  uint32
}

// Device is a logical device.
type Device interface {
	Queue(family int) Queue

	CreateBuffer(info BufferInfo) (Buffer, error)
	CreateImage(info ImageInfo) (Image, error)
	AllocateMemory(size int, memoryType int) (Memory, error)
	CreateImageView(info ImageViewInfo) (ImageView, error)
	CreateSampler(info SamplerInfo) (Sampler, error)
	CreateRenderPass(info RenderPassInfo) (RenderPass, error)
	CreateFramebuffer(info FramebufferInfo) (Framebuffer, error)
	CreateCommandPool(family int, flags core1_0.CommandPoolCreateFlags) (CommandPool, error)
	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateSwapchain(info SwapchainInfo) (Swapchain, error)

	WaitIdle() error
	Destroy()
}

// BufferInfo configures buffer creation.
type BufferInfo struct {
	Size          int
	Usage         core1_0.BufferUsageFlags
	SharingMode   core1_0.SharingMode
	QueueFamilies []int
}

// Buffer is a buffer object without memory semantics of its own.
type Buffer interface {
	MemoryRequirements() MemoryRequirements
	BindMemory(memory Memory, offset int) error
	Destroy()
}

// ImageInfo configures 2D image creation.
type ImageInfo struct {
	Width, Height int
	MipLevels     int
	Samples       core1_0.SampleCountFlags
	Format        core1_0.Format
	Tiling        core1_0.ImageTiling
	Usage         core1_0.ImageUsageFlags
}

// Image is an image object. Swapchain images are borrowed and must not be
// destroyed by the caller.
type Image interface {
	MemoryRequirements() MemoryRequirements
	BindMemory(memory Memory, offset int) error
	Destroy()
}

// Memory is a device memory allocation.
type Memory interface {
	// Map maps size bytes starting at offset and returns them as a slice
	// aliasing the mapping.
	Map(offset, size int) ([]byte, error)
	Unmap()
	Free()
}

// ImageViewInfo configures a 2D image view.
type ImageViewInfo struct {
	Image     Image
	Format    core1_0.Format
	Aspect    core1_0.ImageAspectFlags
	MipLevels int
}

type ImageView interface {
	Destroy()
}

// SamplerInfo configures a linear, repeating sampler.
type SamplerInfo struct {
	MaxLod        float32
	MaxAnisotropy float32
}

type Sampler interface {
	Destroy()
}

// RenderPassInfo describes the single-subpass multisampled render pass
// used by the frame loop: a multisampled colour attachment, a depth
// attachment and a single-sample resolve attachment that is presented.
type RenderPassInfo struct {
	ColorFormat core1_0.Format
	DepthFormat core1_0.Format
	Samples     core1_0.SampleCountFlags
}

type RenderPass interface {
	Destroy()
}

// FramebufferInfo configures a framebuffer.
type FramebufferInfo struct {
	RenderPass    RenderPass
	Attachments   []ImageView
	Width, Height int
}

type Framebuffer interface {
	Destroy()
}

// CommandPool allocates primary command buffers.
type CommandPool interface {
	Allocate(count int) ([]CommandBuffer, error)
	Free(buffers ...CommandBuffer)
	Destroy()
}

// ImageBarrier is an image memory barrier without queue ownership transfer.
type ImageBarrier struct {
	Image            Image
	SrcAccess        core1_0.AccessFlags
	DstAccess        core1_0.AccessFlags
	OldLayout        core1_0.ImageLayout
	NewLayout        core1_0.ImageLayout
	SubresourceRange core1_0.ImageSubresourceRange
}

// RenderPassBegin starts a render pass over a whole framebuffer.
type RenderPassBegin struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	Extent      core1_0.Extent2D
	ClearColor  [4]float32
	ClearDepth  float32
}

// CommandBuffer records commands.
type CommandBuffer interface {
	Begin(flags core1_0.CommandBufferUsageFlags) error
	End() error

	CopyBuffer(src, dst Buffer, regions ...core1_0.BufferCopy) error
	CopyBufferToImage(src Buffer, dst Image, layout core1_0.ImageLayout, regions ...core1_0.BufferImageCopy) error
	PipelineBarrier(srcStage, dstStage core1_0.PipelineStageFlags, barriers ...ImageBarrier) error
	BlitImage(src Image, srcLayout core1_0.ImageLayout, dst Image, dstLayout core1_0.ImageLayout, regions []core1_0.ImageBlit, filter core1_0.Filter) error
	BeginRenderPass(begin RenderPassBegin) error
	EndRenderPass()
}

// Submission is one batch of a queue submit.
type Submission struct {
	WaitSemaphores   []Semaphore
	WaitStages       []core1_0.PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

// Presentation presents one swapchain image.
type Presentation struct {
	WaitSemaphores []Semaphore
	Swapchain      Swapchain
	ImageIndex     int
}

// Queue is a device queue.
type Queue interface {
	Family() int
	// Submit submits batches and signals fence, which may be nil, when all of
	// them complete.
	Submit(fence Fence, submissions ...Submission) error
	Present(presentation Presentation) (Result, error)
	WaitIdle() error
}

// Fence is a GPU to CPU completion signal.
type Fence interface {
	Wait(timeout time.Duration) (Result, error)
	Reset() error
	Destroy()
}

// Semaphore is a GPU to GPU ordering signal.
type Semaphore interface {
	Destroy()
}

// SwapchainInfo configures swapchain creation.
type SwapchainInfo struct {
	Surface       Surface
	MinImageCount int
	Format        khr_surface.SurfaceFormat
	Extent        core1_0.Extent2D
	Usage         core1_0.ImageUsageFlags
	SharingMode   core1_0.SharingMode
	QueueFamilies []int
	PreTransform  khr_surface.SurfaceTransformFlags
	PresentMode   khr_surface.PresentMode
	OldSwapchain  Swapchain
}

// Swapchain is a set of presentable images.
type Swapchain interface {
	Images() ([]Image, error)
	AcquireNextImage(timeout time.Duration, signal Semaphore) (int, Result, error)
	Destroy()
}
