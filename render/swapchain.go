package render

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/renderkit/gpu"
)

type SwapChainState int

const (
	Uninitialized SwapChainState = iota
	Built
	Rebuilding
	Destroyed
)

func (s SwapChainState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Built:
		return "Built"
	case Rebuilding:
		return "Rebuilding"
	case Destroyed:
		return "Destroyed"
	}
	return "Unknown"
}

type SwapChainOptions struct {
	// VSync selects FIFO presentation. Without it mailbox is used when the
	// surface supports it.
	VSync bool
}

// SwapChain owns the presentable images of the device surface, the frames
// built around them and the shared attachments they render into.
//
// A frame is driven as
//
//	imageIndex, res, err := sc.AcquireImage(frame)  // skip the tick unless res is Success or Suboptimal
//	// record sc.Frame(frame).CommandBuffer() against sc.Framebuffer(imageIndex)
//	err = sc.Submit(frame)
//	res, err = sc.PresentImage(frame)               // advance with NextFrame only on Success
type SwapChain struct {
	id     uuid.UUID
	device *Device
	log    logrus.FieldLogger
	opts   SwapChainOptions

	state  SwapChainState
	handle gpu.Swapchain
	format khr_surface.SurfaceFormat
	extent core1_0.Extent2D

	renderPass gpu.RenderPass
	pool       gpu.CommandPool
	arena      attachmentArena
	frames     []*Frame
	current    int

	// stale coalesces explicit resize requests with out-of-date and
	// suboptimal results.
	stale bool
}

// NewSwapChain builds the swapchain for the device surface together with its
// render pass and frames.
func NewSwapChain(device *Device, opts SwapChainOptions) (*SwapChain, error) {
	s := &SwapChain{
		id:     uuid.New(),
		device: device,
		opts:   opts,
		state:  Uninitialized,
	}
	s.log = device.Logger().WithField("swapchain", s.id)

	var err error
	s.format, err = device.PreferredSurfaceFormat()
	if err != nil {
		return nil, err
	}

	s.renderPass, err = device.Handle().CreateRenderPass(gpu.RenderPassInfo{
		ColorFormat: s.format.Format,
		DepthFormat: device.DepthFormat(),
		Samples:     device.SampleCount(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create render pass")
	}

	s.pool, err = device.Handle().CreateCommandPool(device.QueueFamilies().Family(QueueGraphics), core1_0.CommandPoolCreateResetBuffer)
	if err != nil {
		s.renderPass.Destroy()
		return nil, errors.Wrap(err, "failed to create frame command pool")
	}

	extent, err := device.CurrentExtent()
	if err != nil {
		s.Destroy()
		return nil, err
	}

	err = s.createHandle(extent)
	if err != nil {
		s.Destroy()
		return nil, err
	}

	return s, nil
}

func (s *SwapChain) State() SwapChainState {
	return s.state
}

func (s *SwapChain) Extent() core1_0.Extent2D {
	return s.extent
}

func (s *SwapChain) Format() khr_surface.SurfaceFormat {
	return s.format
}

// RenderPass returns the render pass the framebuffers are compatible with.
func (s *SwapChain) RenderPass() gpu.RenderPass {
	return s.renderPass
}

// ImageCount returns the number of presentable images, which is also the
// number of frame slots.
func (s *SwapChain) ImageCount() int {
	return len(s.frames)
}

// frame returns a frame slot of a built swapchain.
func (s *SwapChain) frame(index int) (*Frame, error) {
	switch {
	case s.state == Destroyed:
		return nil, errors.Wrap(ErrDestroyed, "swapchain")
	case s.state != Built:
		return nil, errors.Errorf("swapchain in state %s", s.state)
	case index < 0 || index >= len(s.frames):
		return nil, errors.Wrapf(ErrOutOfRange, "frame %d of %d", index, len(s.frames))
	}
	return s.frames[index], nil
}

// Frame returns a frame slot, or nil when the swapchain is not built or the
// index is out of range.
func (s *SwapChain) Frame(index int) *Frame {
	f, _ := s.frame(index)
	return f
}

// Framebuffer returns the framebuffer of a presentable image, or nil when
// the swapchain is not built or the index is out of range.
func (s *SwapChain) Framebuffer(imageIndex int) gpu.Framebuffer {
	f, err := s.frame(imageIndex)
	if err != nil {
		return nil
	}
	return f.framebuffer
}

// Attachments returns the attachment set a frame renders into.
func (s *SwapChain) Attachments(frame int) (*AttachmentSet, error) {
	f, err := s.frame(frame)
	if err != nil {
		return nil, err
	}
	return s.arena.get(f.attachments)
}

// CurrentFrame returns the frame slot to drive next.
func (s *SwapChain) CurrentFrame() int {
	return s.current
}

// NextFrame advances to the next frame slot.
func (s *SwapChain) NextFrame() {
	if len(s.frames) == 0 {
		return
	}
	s.current = (s.current + 1) % len(s.frames)
}

func (s *SwapChain) VSync() bool {
	return s.opts.VSync
}

// SetVSync changes the present mode. The swapchain is rebuilt by the next
// ResizeIfNeeded.
func (s *SwapChain) SetVSync(vsync bool) {
	if s.opts.VSync == vsync {
		return
	}
	s.opts.VSync = vsync
	s.stale = true
}

// RequestResize forces the next ResizeIfNeeded to rebuild, as when the
// window reports a resize.
func (s *SwapChain) RequestResize() {
	s.stale = true
}

// Abandon gives up on a frame slot whose image was acquired but whose work
// will not be submitted. Its in flight fence was already reset, so the
// swapchain is marked for a rebuild, which replaces the slot's fence and
// semaphores and returns the acquired image.
func (s *SwapChain) Abandon(frame int) {
	f, err := s.frame(frame)
	if err != nil || f.imageIndex < 0 {
		return
	}
	f.imageIndex = -1
	s.stale = true
	s.log.WithField("frame", frame).Warn("frame abandoned after acquire, swapchain will be rebuilt")
}

func (s *SwapChain) createHandle(extent core1_0.Extent2D) error {
	physical := s.device.PhysicalDevice()
	surface := s.device.Surface()

	caps, err := physical.SurfaceCapabilities(surface)
	if err != nil {
		return errors.Wrap(err, "failed to query surface capabilities")
	}

	presentModes, err := physical.PresentModes(surface)
	if err != nil {
		return errors.Wrap(err, "failed to query present modes")
	}
	presentMode := choosePresentMode(presentModes, s.opts.VSync)

	imageCount := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilies []int
	indices := s.device.QueueFamilies()
	if *indices.GraphicsFamily != *indices.PresentFamily {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilies = []int{*indices.GraphicsFamily, *indices.PresentFamily}
	}

	old := s.handle
	handle, err := s.device.Handle().CreateSwapchain(gpu.SwapchainInfo{
		Surface:       surface,
		MinImageCount: imageCount,
		Format:        s.format,
		Extent:        extent,
		Usage:         core1_0.ImageUsageColorAttachment,
		SharingMode:   sharingMode,
		QueueFamilies: queueFamilies,
		PreTransform:  caps.CurrentTransform,
		PresentMode:   presentMode,
		OldSwapchain:  old,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create swapchain of %dx%d", extent.Width, extent.Height)
	}
	if old != nil {
		old.Destroy()
	}
	s.handle = handle
	s.extent = extent

	err = s.makeFrames()
	if err != nil {
		return err
	}

	s.state = Built
	s.stale = false
	s.log.WithFields(logrus.Fields{
		"extent": extent,
		"images": len(s.frames),
		"mode":   presentMode,
	}).Debug("swapchain built")
	return nil
}

func choosePresentMode(modes []khr_surface.PresentMode, vsync bool) khr_surface.PresentMode {
	if !vsync {
		for _, mode := range modes {
			if mode == khr_surface.PresentModeMailbox {
				return mode
			}
		}
	}

	return khr_surface.PresentModeFIFO
}

func (s *SwapChain) makeFrames() error {
	samples := s.device.SampleCount()

	color, err := NewImage(s.device, ImageInfo{
		Width:   s.extent.Width,
		Height:  s.extent.Height,
		Format:  s.format.Format,
		Usage:   core1_0.ImageUsageTransientAttachment | core1_0.ImageUsageColorAttachment,
		Samples: samples,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create colour attachment")
	}
	depth, err := NewImage(s.device, ImageInfo{
		Width:   s.extent.Width,
		Height:  s.extent.Height,
		Format:  s.device.DepthFormat(),
		Usage:   core1_0.ImageUsageDepthStencilAttachment,
		Aspect:  core1_0.ImageAspectDepth,
		Samples: samples,
	})
	if err != nil {
		color.Destroy()
		return errors.Wrap(err, "failed to create depth attachment")
	}
	set := s.arena.put(&AttachmentSet{Color: color, Depth: depth})

	images, err := s.handle.Images()
	if err != nil {
		return errors.Wrap(err, "failed to get swapchain images")
	}

	buffers, err := s.pool.Allocate(len(images))
	if err != nil {
		return errors.Wrap(err, "failed to allocate frame command buffers")
	}

	handle := s.device.Handle()
	for i, image := range images {
		frame := &Frame{
			index:         i,
			image:         image,
			attachments:   set,
			commandBuffer: buffers[i],
			imageIndex:    -1,
		}
		s.frames = append(s.frames, frame)

		frame.view, err = handle.CreateImageView(gpu.ImageViewInfo{
			Image:     image,
			Format:    s.format.Format,
			Aspect:    core1_0.ImageAspectColor,
			MipLevels: 1,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to create view of swapchain image %d", i)
		}

		frame.framebuffer, err = handle.CreateFramebuffer(gpu.FramebufferInfo{
			RenderPass:  s.renderPass,
			Attachments: []gpu.ImageView{color.View(), frame.view, depth.View()},
			Width:       s.extent.Width,
			Height:      s.extent.Height,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to create framebuffer %d", i)
		}

		frame.imageAcquired, err = handle.CreateSemaphore()
		if err != nil {
			return errors.Wrap(err, "failed to create image acquired semaphore")
		}
		frame.renderFinished, err = handle.CreateSemaphore()
		if err != nil {
			return errors.Wrap(err, "failed to create render finished semaphore")
		}

		// Signaled so the first wait on the slot returns at once.
		frame.inFlight, err = handle.CreateFence(true)
		if err != nil {
			return errors.Wrap(err, "failed to create in flight fence")
		}
	}

	return nil
}

func (s *SwapChain) destroyFrames() {
	for _, frame := range s.frames {
		frame.destroy()
		s.pool.Free(frame.commandBuffer)
	}
	s.frames = nil
	s.arena.clear()
}

// AcquireImage waits until the frame slot's previous submission has
// finished and acquires the next presentable image for it.
//
// Success and Suboptimal return a valid image index. OutOfDate means the
// swapchain was rebuilt, or will be once the window has a size again, and
// Timeout means the previous submission is still running; the caller skips
// the tick in both cases. DeviceLost comes with an ErrDeviceLost error, and
// Failed with any other error.
func (s *SwapChain) AcquireImage(frame int) (int, gpu.Result, error) {
	f, err := s.frame(frame)
	if err != nil {
		if s.state == Rebuilding {
			return -1, gpu.OutOfDate, errors.Wrap(err, "acquire")
		}
		return -1, gpu.Failed, errors.Wrap(err, "acquire")
	}
	log := s.log.WithField("frame", frame)

	res, err := f.inFlight.Wait(s.device.opts.FenceTimeout)
	switch {
	case res == gpu.DeviceLost:
		return -1, res, errors.Wrap(ErrDeviceLost, "waiting for in flight fence")
	case err != nil:
		log.WithError(err).Warn("in flight fence wait failed, skipping frame")
		return -1, gpu.Failed, errors.Wrap(err, "waiting for in flight fence")
	case res == gpu.Timeout:
		log.WithField("timeout", s.device.opts.FenceTimeout).Warn("in flight fence wait timed out, skipping frame")
		return -1, res, nil
	case res != gpu.Success:
		log.WithField("result", res).Warn("in flight fence wait did not succeed, skipping frame")
		return -1, res, nil
	}

	imageIndex, res, err := s.handle.AcquireNextImage(s.device.opts.FenceTimeout, f.imageAcquired)
	switch {
	case res == gpu.OutOfDate:
		log.Debug("swapchain out of date on acquire")
		s.stale = true
		_, err = s.ResizeIfNeeded()
		return -1, res, err
	case res == gpu.Timeout:
		log.Warn("image acquire timed out, skipping frame")
		return -1, res, nil
	case res == gpu.DeviceLost:
		return -1, res, errors.Wrap(ErrDeviceLost, "acquiring swapchain image")
	case err != nil:
		return -1, res, errors.Wrap(err, "failed to acquire swapchain image")
	case res == gpu.Suboptimal:
		s.stale = true
	}

	// Only reset once work is certain to be submitted with the fence again.
	err = f.inFlight.Reset()
	if err != nil {
		return -1, res, errors.Wrap(err, "failed to reset in flight fence")
	}

	f.imageIndex = imageIndex
	return imageIndex, res, nil
}

// Submit submits the frame slot's command buffer. It waits for the acquired
// image at the colour output stage, and signals the render finished
// semaphore and the in flight fence.
func (s *SwapChain) Submit(frame int) error {
	f, err := s.frame(frame)
	if err != nil {
		return errors.Wrap(err, "submit")
	}
	if f.imageIndex < 0 {
		return errors.Errorf("submit of frame %d without an acquired image", frame)
	}

	err = s.device.Queue(QueueGraphics).Submit(f.inFlight, gpu.Submission{
		WaitSemaphores:   []gpu.Semaphore{f.imageAcquired},
		WaitStages:       []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
		CommandBuffers:   []gpu.CommandBuffer{f.commandBuffer},
		SignalSemaphores: []gpu.Semaphore{f.renderFinished},
	})
	return errors.Wrapf(err, "failed to submit frame %d", frame)
}

// PresentImage presents the image acquired for the frame slot once its
// rendering has finished. Any result other than Success means the frame
// index must not advance; OutOfDate and Suboptimal rebuild the swapchain.
func (s *SwapChain) PresentImage(frame int) (gpu.Result, error) {
	f, err := s.frame(frame)
	if err != nil {
		return gpu.Failed, errors.Wrap(err, "present")
	}
	if f.imageIndex < 0 {
		return gpu.Failed, errors.Errorf("present of frame %d without an acquired image", frame)
	}

	res, err := s.device.Queue(QueuePresent).Present(gpu.Presentation{
		WaitSemaphores: []gpu.Semaphore{f.renderFinished},
		Swapchain:      s.handle,
		ImageIndex:     f.imageIndex,
	})
	f.imageIndex = -1

	if res.Stale() {
		s.log.WithFields(logrus.Fields{"frame": frame, "result": res}).Debug("swapchain stale on present")
		s.stale = true
		_, err = s.ResizeIfNeeded()
		return res, err
	}
	if err != nil {
		return res, errors.Wrap(err, "failed to present swapchain image")
	}
	return res, nil
}

// ResizeIfNeeded rebuilds the swapchain when the surface extent changed or a
// rebuild was requested, after waiting for the device to go idle. It reports
// whether a rebuild happened. A zero extent, as for a minimized window,
// postpones the rebuild.
func (s *SwapChain) ResizeIfNeeded() (bool, error) {
	if s.state == Destroyed {
		return false, errors.Wrap(ErrDestroyed, "swapchain")
	}

	extent, err := s.device.CurrentExtent()
	if err != nil {
		return false, err
	}
	if extent == s.extent && !s.stale && s.state == Built {
		return false, nil
	}
	if extent.Width == 0 || extent.Height == 0 {
		s.stale = true
		return false, nil
	}

	err = s.device.WaitIdle()
	if err != nil {
		return false, err
	}

	// Stays set until createHandle succeeds, so a failed rebuild is retried.
	s.stale = true
	s.state = Rebuilding
	s.destroyFrames()
	err = s.createHandle(extent)
	if err != nil {
		return false, err
	}
	s.current = 0
	return true, nil
}

// Destroy waits for the device to go idle and releases the frames, the
// attachments, the swapchain, the command pool and the render pass.
func (s *SwapChain) Destroy() {
	if s.state == Destroyed {
		return
	}
	if err := s.device.WaitIdle(); err != nil {
		s.log.WithError(err).Warn("device wait idle before swapchain destroy failed")
	}

	s.destroyFrames()
	if s.handle != nil {
		s.handle.Destroy()
		s.handle = nil
	}
	if s.pool != nil {
		s.pool.Destroy()
	}
	if s.renderPass != nil {
		s.renderPass.Destroy()
	}
	s.state = Destroyed
}
