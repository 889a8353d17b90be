package render

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

// texelSize is the size of one texel. Images hold 32-bit texels.
const texelSize = 4

// MipLevels returns floor(log2(max(width, height))) + 1.
func MipLevels(width, height int) int {
	return bits.Len(uint(max(width, height, 1)))
}

type ImageInfo struct {
	Width, Height int
	Format        core1_0.Format
	Usage         core1_0.ImageUsageFlags
	// Aspect defaults to the colour aspect.
	Aspect core1_0.ImageAspectFlags
	// Samples defaults to one sample.
	Samples   core1_0.SampleCountFlags
	Mipmapped bool
}

// Descriptor is the view, sampler and layout a shader binding needs.
type Descriptor struct {
	View    gpu.ImageView
	Sampler gpu.Sampler
	Layout  core1_0.ImageLayout
}

// Image is a 2D optimal-tiling image in device-local memory with a view over
// all of its mip levels. Textures created with NewTexImage also carry a
// sampler.
type Image struct {
	id        uuid.UUID
	device    *Device
	info      ImageInfo
	mipLevels int
	log       logrus.FieldLogger

	handle  gpu.Image
	memory  *Allocation
	view    gpu.ImageView
	sampler gpu.Sampler
	layout  core1_0.ImageLayout

	destroyed bool
}

func NewImage(device *Device, info ImageInfo) (*Image, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.Errorf("invalid image extent %dx%d", info.Width, info.Height)
	}
	if info.Aspect == 0 {
		info.Aspect = core1_0.ImageAspectColor
	}
	if info.Samples == 0 {
		info.Samples = core1_0.Samples1
	}

	img := &Image{
		id:        uuid.New(),
		device:    device,
		info:      info,
		mipLevels: 1,
		layout:    core1_0.ImageLayoutUndefined,
	}
	if info.Mipmapped {
		img.mipLevels = MipLevels(info.Width, info.Height)
	}
	img.log = device.Logger().WithFields(logrus.Fields{
		"image":  img.id,
		"width":  info.Width,
		"height": info.Height,
		"mips":   img.mipLevels,
	})

	var err error
	img.handle, err = device.Handle().CreateImage(gpu.ImageInfo{
		Width:     info.Width,
		Height:    info.Height,
		MipLevels: img.mipLevels,
		Samples:   info.Samples,
		Format:    info.Format,
		Tiling:    core1_0.ImageTilingOptimal,
		Usage:     info.Usage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image")
	}

	img.memory, err = device.Allocator().allocateImage(img.handle, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		img.handle.Destroy()
		return nil, err
	}

	img.view, err = device.Handle().CreateImageView(gpu.ImageViewInfo{
		Image:     img.handle,
		Format:    info.Format,
		Aspect:    info.Aspect,
		MipLevels: img.mipLevels,
	})
	if err != nil {
		img.handle.Destroy()
		img.memory.Free()
		return nil, errors.Wrap(err, "failed to create image view")
	}

	return img, nil
}

// NewTexImage creates a mipmapped texture that can be filled with SetData and
// sampled through its Descriptor.
func NewTexImage(device *Device, width, height int, format core1_0.Format) (*Image, error) {
	features := device.PhysicalDevice().FormatFeatures(format, core1_0.ImageTilingOptimal)
	if features&core1_0.FormatFeatureSampledImageFilterLinear == 0 {
		return nil, errors.Wrapf(ErrFormatNotSupported, "texture image format %s does not support linear blitting", format)
	}

	img, err := NewImage(device, ImageInfo{
		Width:     width,
		Height:    height,
		Format:    format,
		Usage:     core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
		Mipmapped: true,
	})
	if err != nil {
		return nil, err
	}

	limits := device.Limits()
	info := gpu.SamplerInfo{MaxLod: float32(img.mipLevels)}
	if limits.SamplerAnisotropy {
		info.MaxAnisotropy = limits.MaxSamplerAnisotropy
	}
	img.sampler, err = device.Handle().CreateSampler(info)
	if err != nil {
		img.Destroy()
		return nil, errors.Wrap(err, "failed to create texture sampler")
	}

	return img, nil
}

func (i *Image) ID() uuid.UUID {
	return i.id
}

func (i *Image) Handle() gpu.Image {
	return i.handle
}

func (i *Image) View() gpu.ImageView {
	return i.view
}

func (i *Image) Sampler() gpu.Sampler {
	return i.sampler
}

func (i *Image) Width() int {
	return i.info.Width
}

func (i *Image) Height() int {
	return i.info.Height
}

func (i *Image) Format() core1_0.Format {
	return i.info.Format
}

func (i *Image) MipLevels() int {
	return i.mipLevels
}

// Size returns the byte size of the first mip level.
func (i *Image) Size() int {
	return i.info.Width * i.info.Height * texelSize
}

// Layout returns the layout every mip level was left in by the last upload.
func (i *Image) Layout() core1_0.ImageLayout {
	return i.layout
}

func (i *Image) Descriptor() Descriptor {
	return Descriptor{
		View:    i.view,
		Sampler: i.sampler,
		Layout:  i.layout,
	}
}

// SetData uploads the first mip level, regenerates the remaining levels and
// leaves the whole image shader readable. It returns once the GPU has
// finished the upload.
func (i *Image) SetData(pixels []byte) (err error) {
	if i.destroyed {
		return errors.Wrapf(ErrDestroyed, "image %s", i.id)
	}
	if len(pixels) != i.Size() {
		return errors.Wrapf(ErrOutOfRange, "image data of %d bytes, want %d", len(pixels), i.Size())
	}

	staging, err := NewBuffer(i.device, BufferInfo{
		Size:  len(pixels),
		Usage: core1_0.BufferUsageTransferSrc,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create staging buffer")
	}
	defer func() { discardStaging(staging, err) }()

	err = staging.Write(pixels, 0, 0)
	if err != nil {
		return err
	}

	// Blits need a graphics queue.
	transient, err := NewTransientCommandBuffer(i.device, QueueGraphics)
	if err != nil {
		return err
	}

	err = i.recordUpload(transient, staging)
	if err == nil {
		err = transient.Submit()
	}
	err = errors.CombineErrors(err, transient.Release())
	if err != nil {
		return err
	}

	i.layout = core1_0.ImageLayoutShaderReadOnlyOptimal
	i.log.Debug("image uploaded")
	return nil
}

func (i *Image) recordUpload(transient *TransientCommandBuffer, staging *Buffer) error {
	cb, err := transient.Get()
	if err != nil {
		return err
	}

	toDst, err := TransitionFor(i.layout, core1_0.ImageLayoutTransferDstOptimal)
	if err != nil {
		return err
	}
	err = RecordTransition(cb, i, toDst)
	if err != nil {
		return err
	}

	err = cb.CopyBufferToImage(staging.handle, i.handle, core1_0.ImageLayoutTransferDstOptimal, core1_0.BufferImageCopy{
		BufferOffset:      0,
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: core1_0.ImageSubresourceLayers{
			AspectMask:     i.info.Aspect,
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		ImageOffset: core1_0.Offset3D{X: 0, Y: 0, Z: 0},
		ImageExtent: core1_0.Extent3D{Width: i.info.Width, Height: i.info.Height, Depth: 1},
	})
	if err != nil {
		return errors.Wrap(err, "failed to record buffer to image copy")
	}

	if i.mipLevels > 1 {
		return recordMipmaps(cb, i)
	}

	toRead, _ := TransitionFor(core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutShaderReadOnlyOptimal)
	return RecordTransition(cb, i, toRead)
}

// Destroy releases the sampler, view, image and memory. The caller must make
// sure the GPU no longer uses them.
func (i *Image) Destroy() {
	if i.destroyed {
		return
	}
	i.destroyed = true

	if i.sampler != nil {
		i.sampler.Destroy()
	}
	i.view.Destroy()
	i.handle.Destroy()
	i.memory.Free()
}
