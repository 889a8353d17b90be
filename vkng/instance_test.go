package vkng

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

var (
	_ gpu.Loader         = (*Loader)(nil)
	_ gpu.Instance       = (*instance)(nil)
	_ gpu.Surface        = (*surface)(nil)
	_ gpu.PhysicalDevice = (*physicalDevice)(nil)
	_ gpu.Device         = (*device)(nil)
	_ gpu.Memory         = (*memory)(nil)
	_ gpu.Buffer         = (*buffer)(nil)
	_ gpu.Image          = (*image)(nil)
	_ gpu.ImageView      = (*imageView)(nil)
	_ gpu.Sampler        = (*sampler)(nil)
	_ gpu.RenderPass     = (*renderPass)(nil)
	_ gpu.Framebuffer    = (*framebuffer)(nil)
	_ gpu.CommandPool    = (*commandPool)(nil)
	_ gpu.CommandBuffer  = (*commandBuffer)(nil)
	_ gpu.Queue          = (*queue)(nil)
	_ gpu.Fence          = (*fence)(nil)
	_ gpu.Semaphore      = (*semaphore)(nil)
	_ gpu.Swapchain      = (*swapchain)(nil)
)

func TestPhysicalDevice_Name(t *testing.T) {
	p := &physicalDevice{
		props: &core1_0.PhysicalDeviceProperties{DriverName: "llvmpipe"},
	}
	require.Equal(t, "llvmpipe", p.Name())
}
