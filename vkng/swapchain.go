package vkng

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/renderkit/gpu"
)

type swapchain struct {
	device *device
	handle khr_swapchain.Swapchain
	images []gpu.Image
}

func (d *device) CreateSwapchain(info gpu.SwapchainInfo) (gpu.Swapchain, error) {
	createInfo := khr_swapchain.SwapchainCreateInfo{
		Surface: surfaceHandle(info.Surface),

		MinImageCount:    info.MinImageCount,
		ImageFormat:      info.Format.Format,
		ImageColorSpace:  info.Format.ColorSpace,
		ImageExtent:      info.Extent,
		ImageArrayLayers: 1,
		ImageUsage:       info.Usage,

		ImageSharingMode:   info.SharingMode,
		QueueFamilyIndices: info.QueueFamilies,

		PreTransform:   info.PreTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    info.PresentMode,
		Clipped:        true,
	}
	if info.OldSwapchain != nil {
		createInfo.OldSwapchain = info.OldSwapchain.(*swapchain).handle
	}

	handle, _, err := d.swapchainExt.CreateSwapchain(nil, createInfo)
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateSwapchainKHR")
	}
	return &swapchain{device: d, handle: handle}, nil
}

// Images returns the swapchain's images. They are owned by the swapchain
// and destroying them is a no-op.
func (s *swapchain) Images() ([]gpu.Image, error) {
	if s.images != nil {
		return s.images, nil
	}

	handles, _, err := s.device.swapchainExt.GetSwapchainImages(s.handle)
	if err != nil {
		return nil, errors.Wrap(err, "vkGetSwapchainImagesKHR")
	}

	s.images = make([]gpu.Image, 0, len(handles))
	for _, handle := range handles {
		s.images = append(s.images, &image{device: s.device, handle: handle, borrowed: true})
	}
	return s.images, nil
}

func (s *swapchain) AcquireNextImage(timeout time.Duration, signal gpu.Semaphore) (int, gpu.Result, error) {
	acquired := signal.(*semaphore).handle
	index, res, err := s.device.swapchainExt.AcquireNextImage(s.handle, timeout, &acquired, nil)
	result, err := toResult(res, err)
	if err != nil {
		return -1, result, errors.Wrap(err, "vkAcquireNextImageKHR")
	}
	if result != gpu.Success && result != gpu.Suboptimal {
		return -1, result, nil
	}
	return index, result, nil
}

func (s *swapchain) Destroy() {
	s.device.swapchainExt.DestroySwapchain(s.handle, nil)
}
