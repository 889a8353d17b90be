package vkng

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/renderkit/gpu"
)

type device struct {
	physical     *physicalDevice
	driver       core1_0.CoreDeviceDriver
	swapchainExt khr_swapchain.ExtensionDriver
	queues       map[int]*queue
}

func (d *device) Queue(family int) gpu.Queue {
	q, ok := d.queues[family]
	if !ok {
		q = &queue{
			device: d,
			family: family,
			handle: d.driver.GetQueue(family, 0),
		}
		d.queues[family] = q
	}
	return q
}

func (d *device) WaitIdle() error {
	_, err := d.driver.DeviceWaitIdle()
	return errors.Wrap(err, "vkDeviceWaitIdle")
}

func (d *device) Destroy() {
	d.driver.DestroyDevice(nil)
}

type memory struct {
	device *device
	handle core1_0.DeviceMemory
}

func (d *device) AllocateMemory(size int, memoryType int) (gpu.Memory, error) {
	handle, _, err := d.driver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryType,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vkAllocateMemory of %d bytes from type %d", size, memoryType)
	}
	return &memory{device: d, handle: handle}, nil
}

func (m *memory) Map(offset, size int) ([]byte, error) {
	ptr, _, err := m.device.driver.MapMemory(m.handle, offset, size, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vkMapMemory")
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func (m *memory) Unmap() {
	m.device.driver.UnmapMemory(m.handle)
}

func (m *memory) Free() {
	m.device.driver.FreeMemory(m.handle, nil)
}

func memoryHandle(m gpu.Memory) core1_0.DeviceMemory {
	return m.(*memory).handle
}

type buffer struct {
	device *device
	handle core1_0.Buffer
}

func (d *device) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	handle, _, err := d.driver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:               info.Size,
		Usage:              info.Usage,
		SharingMode:        info.SharingMode,
		QueueFamilyIndices: info.QueueFamilies,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateBuffer")
	}
	return &buffer{device: d, handle: handle}, nil
}

func (b *buffer) MemoryRequirements() gpu.MemoryRequirements {
	req := b.device.driver.GetBufferMemoryRequirements(b.handle)
	return gpu.MemoryRequirements{
		Size:      req.Size,
		Alignment: req.Alignment,
		TypeBits:  req.MemoryTypeBits,
	}
}

func (b *buffer) BindMemory(m gpu.Memory, offset int) error {
	_, err := b.device.driver.BindBufferMemory(b.handle, memoryHandle(m), offset)
	return errors.Wrap(err, "vkBindBufferMemory")
}

func (b *buffer) Destroy() {
	b.device.driver.DestroyBuffer(b.handle, nil)
}

func bufferHandle(b gpu.Buffer) core1_0.Buffer {
	return b.(*buffer).handle
}

type image struct {
	device *device
	handle core1_0.Image
	// Swapchain images belong to the swapchain.
	borrowed bool
}

func (d *device) CreateImage(info gpu.ImageInfo) (gpu.Image, error) {
	samples := info.Samples
	if samples == 0 {
		samples = core1_0.Samples1
	}

	handle, _, err := d.driver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  info.Width,
			Height: info.Height,
			Depth:  1,
		},
		MipLevels:     max(info.MipLevels, 1),
		ArrayLayers:   1,
		Format:        info.Format,
		Tiling:        info.Tiling,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       samples,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vkCreateImage %dx%d %s", info.Width, info.Height, info.Format)
	}
	return &image{device: d, handle: handle}, nil
}

func (i *image) MemoryRequirements() gpu.MemoryRequirements {
	req := i.device.driver.GetImageMemoryRequirements(i.handle)
	return gpu.MemoryRequirements{
		Size:      req.Size,
		Alignment: req.Alignment,
		TypeBits:  req.MemoryTypeBits,
	}
}

func (i *image) BindMemory(m gpu.Memory, offset int) error {
	if i.borrowed {
		return errors.New("swapchain images cannot be bound to memory")
	}
	_, err := i.device.driver.BindImageMemory(i.handle, memoryHandle(m), offset)
	return errors.Wrap(err, "vkBindImageMemory")
}

func (i *image) Destroy() {
	if i.borrowed {
		return
	}
	i.device.driver.DestroyImage(i.handle, nil)
}

func imageHandle(i gpu.Image) core1_0.Image {
	return i.(*image).handle
}

type imageView struct {
	device *device
	handle core1_0.ImageView
}

func (d *device) CreateImageView(info gpu.ImageViewInfo) (gpu.ImageView, error) {
	handle, _, err := d.driver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    imageHandle(info.Image),
		ViewType: core1_0.ImageViewType2D,
		Format:   info.Format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     info.Aspect,
			BaseMipLevel:   0,
			LevelCount:     max(info.MipLevels, 1),
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateImageView")
	}
	return &imageView{device: d, handle: handle}, nil
}

func (v *imageView) Destroy() {
	v.device.driver.DestroyImageView(v.handle, nil)
}

type sampler struct {
	device *device
	handle core1_0.Sampler
}

func (d *device) CreateSampler(info gpu.SamplerInfo) (gpu.Sampler, error) {
	handle, _, err := d.driver.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:    core1_0.FilterLinear,
		MinFilter:    core1_0.FilterLinear,
		AddressModeU: core1_0.SamplerAddressModeRepeat,
		AddressModeV: core1_0.SamplerAddressModeRepeat,
		AddressModeW: core1_0.SamplerAddressModeRepeat,

		AnisotropyEnable: info.MaxAnisotropy > 0,
		MaxAnisotropy:    info.MaxAnisotropy,

		BorderColor: core1_0.BorderColorIntOpaqueBlack,

		MipmapMode: core1_0.SamplerMipmapModeLinear,
		MinLod:     0,
		MaxLod:     info.MaxLod,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateSampler")
	}
	return &sampler{device: d, handle: handle}, nil
}

func (s *sampler) Destroy() {
	s.device.driver.DestroySampler(s.handle, nil)
}
