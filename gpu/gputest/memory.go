package gputest

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

type memory struct {
	gpu    *GPU
	flags  core1_0.MemoryPropertyFlags
	data   []byte
	mapped bool
	freed  bool
}

func (d *device) AllocateMemory(size int, memoryType int) (gpu.Memory, error) {
	if memoryType < 0 || memoryType >= len(d.cfg.MemoryTypes) {
		d.gpu.violate("allocation with invalid memory type %d", memoryType)
		return nil, errors.Errorf("gputest: invalid memory type %d", memoryType)
	}
	if d.gpu.AllocationError != nil {
		return nil, d.gpu.AllocationError
	}
	d.gpu.create(KindMemory)
	return &memory{
		gpu:   d.gpu,
		flags: d.cfg.MemoryTypes[memoryType].PropertyFlags,
		data:  make([]byte, size),
	}, nil
}

func (m *memory) Map(offset, size int) ([]byte, error) {
	if m.flags&core1_0.MemoryPropertyHostVisible == 0 {
		m.gpu.violate("map of memory that is not host visible")
		return nil, errors.New("gputest: memory is not host visible")
	}
	if m.mapped {
		m.gpu.violate("map of memory that is already mapped")
	}
	if offset < 0 || offset+size > len(m.data) {
		return nil, errors.Errorf("gputest: map range [%d, %d) outside allocation of %d bytes", offset, offset+size, len(m.data))
	}
	m.mapped = true
	return m.data[offset : offset+size : offset+size], nil
}

func (m *memory) Unmap() {
	if !m.mapped {
		m.gpu.violate("unmap of memory that is not mapped")
	}
	m.mapped = false
}

func (m *memory) Free() {
	if m.freed {
		m.gpu.violate("memory freed twice")
		return
	}
	m.freed = true
	m.gpu.destroy(KindMemory)
}

type buffer struct {
	device *device
	info   gpu.BufferInfo
	mem    *memory
	offset int
}

func (d *device) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	if info.Size <= 0 {
		return nil, errors.Errorf("gputest: buffer size %d", info.Size)
	}
	d.gpu.create(KindBuffer)
	return &buffer{device: d, info: info}, nil
}

func (b *buffer) MemoryRequirements() gpu.MemoryRequirements {
	return gpu.MemoryRequirements{Size: b.info.Size, Alignment: 16, TypeBits: b.device.typeBits()}
}

func (b *buffer) BindMemory(m gpu.Memory, offset int) error {
	mem := m.(*memory)
	if offset+b.info.Size > len(mem.data) {
		b.device.gpu.violate("buffer bound past the end of its memory")
	}
	b.mem = mem
	b.offset = offset
	return nil
}

func (b *buffer) Destroy() {
	b.device.gpu.destroy(KindBuffer)
}

func (b *buffer) bytes(offset, size int) []byte {
	if b.mem == nil {
		b.device.gpu.violate("use of buffer without bound memory")
		return nil
	}
	if offset < 0 || offset+size > b.info.Size {
		b.device.gpu.violate("buffer range [%d, %d) outside buffer of %d bytes", offset, offset+size, b.info.Size)
		return nil
	}
	start := b.offset + offset
	return b.mem.data[start : start+size]
}

type image struct {
	device    *device
	info      gpu.ImageInfo
	mem       *memory
	layouts   []core1_0.ImageLayout
	levels    [][]byte
	written   []bool
	swapchain bool
}

// ImageState is a snapshot of a fake image.
type ImageState struct {
	Layouts []core1_0.ImageLayout
	Written []bool
	// Levels holds tightly packed 4 byte texels per mip level.
	Levels [][]byte
}

// Inspect returns the state of an image created by this backend.
func Inspect(img gpu.Image) ImageState {
	i := img.(*image)
	state := ImageState{
		Layouts: append([]core1_0.ImageLayout(nil), i.layouts...),
		Written: append([]bool(nil), i.written...),
	}
	for _, level := range i.levels {
		state.Levels = append(state.Levels, append([]byte(nil), level...))
	}
	return state
}

func newImage(d *device, info gpu.ImageInfo) *image {
	if info.MipLevels < 1 {
		info.MipLevels = 1
	}
	img := &image{
		device:  d,
		info:    info,
		layouts: make([]core1_0.ImageLayout, info.MipLevels),
		written: make([]bool, info.MipLevels),
	}
	w, h := info.Width, info.Height
	for level := 0; level < info.MipLevels; level++ {
		img.layouts[level] = core1_0.ImageLayoutUndefined
		img.levels = append(img.levels, make([]byte, w*h*4))
		w, h = half(w), half(h)
	}
	return img
}

func half(v int) int {
	if v > 1 {
		return v / 2
	}
	return 1
}

func (d *device) CreateImage(info gpu.ImageInfo) (gpu.Image, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.Errorf("gputest: image extent %dx%d", info.Width, info.Height)
	}
	d.gpu.create(KindImage)
	return newImage(d, info), nil
}

func (i *image) MemoryRequirements() gpu.MemoryRequirements {
	size := 0
	for _, level := range i.levels {
		size += len(level)
	}
	return gpu.MemoryRequirements{Size: size, Alignment: 256, TypeBits: i.device.typeBits()}
}

func (i *image) BindMemory(m gpu.Memory, offset int) error {
	i.mem = m.(*memory)
	return nil
}

func (i *image) Destroy() {
	if i.swapchain {
		i.device.gpu.violate("destroy of a swapchain-owned image")
		return
	}
	i.device.gpu.destroy(KindImage)
}

func (i *image) checkRange(r core1_0.ImageSubresourceRange) bool {
	if r.BaseMipLevel < 0 || r.LevelCount < 1 || r.BaseMipLevel+r.LevelCount > len(i.layouts) {
		i.device.gpu.violate("subresource range mips [%d, %d) outside image with %d levels",
			r.BaseMipLevel, r.BaseMipLevel+r.LevelCount, len(i.layouts))
		return false
	}
	return true
}

func (i *image) transition(b gpu.ImageBarrier) {
	if !i.checkRange(b.SubresourceRange) {
		return
	}
	for level := b.SubresourceRange.BaseMipLevel; level < b.SubresourceRange.BaseMipLevel+b.SubresourceRange.LevelCount; level++ {
		if b.OldLayout != core1_0.ImageLayoutUndefined && i.layouts[level] != b.OldLayout {
			i.device.gpu.violate("barrier on mip %d expects layout %v but image is in %v", level, b.OldLayout, i.layouts[level])
		}
		i.layouts[level] = b.NewLayout
	}
}

func (i *image) expect(level int, layout core1_0.ImageLayout, use string) bool {
	if level < 0 || level >= len(i.layouts) {
		i.device.gpu.violate("%s on mip %d outside image with %d levels", use, level, len(i.layouts))
		return false
	}
	if i.layouts[level] != layout {
		i.device.gpu.violate("%s on mip %d in layout %v, want %v", use, level, i.layouts[level], layout)
	}
	return true
}

type imageView struct {
	gpu *GPU
}

func (d *device) CreateImageView(info gpu.ImageViewInfo) (gpu.ImageView, error) {
	if img, ok := info.Image.(*image); ok && info.MipLevels > img.info.MipLevels {
		d.gpu.violate("view with %d levels of image with %d", info.MipLevels, img.info.MipLevels)
	}
	d.gpu.create(KindView)
	return &imageView{gpu: d.gpu}, nil
}

func (v *imageView) Destroy() {
	v.gpu.destroy(KindView)
}

type sampler struct {
	gpu  *GPU
	info gpu.SamplerInfo
}

func (d *device) CreateSampler(info gpu.SamplerInfo) (gpu.Sampler, error) {
	d.gpu.create(KindSampler)
	return &sampler{gpu: d.gpu, info: info}, nil
}

func (s *sampler) Destroy() {
	s.gpu.destroy(KindSampler)
}

type renderPass struct {
	gpu  *GPU
	info gpu.RenderPassInfo
}

func (d *device) CreateRenderPass(info gpu.RenderPassInfo) (gpu.RenderPass, error) {
	d.gpu.create(KindRenderPass)
	return &renderPass{gpu: d.gpu, info: info}, nil
}

func (r *renderPass) Destroy() {
	r.gpu.destroy(KindRenderPass)
}

type framebuffer struct {
	gpu  *GPU
	info gpu.FramebufferInfo
}

// FramebufferAttachments returns the views a framebuffer was created with.
func FramebufferAttachments(fb gpu.Framebuffer) []gpu.ImageView {
	return fb.(*framebuffer).info.Attachments
}

func (d *device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	if info.RenderPass == nil {
		d.gpu.violate("framebuffer without a render pass")
	}
	d.gpu.create(KindFramebuffer)
	return &framebuffer{gpu: d.gpu, info: info}, nil
}

func (f *framebuffer) Destroy() {
	f.gpu.destroy(KindFramebuffer)
}
