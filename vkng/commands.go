package vkng

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/renderkit/gpu"
)

// Attachment indices of the frame render pass. They follow the order in
// which the swapchain lists framebuffer attachments.
const (
	attachmentColor = iota
	attachmentResolve
	attachmentDepth
)

type renderPass struct {
	device *device
	handle core1_0.RenderPass
}

// CreateRenderPass builds the single subpass frame pass. With more than one
// sample the multisampled colour attachment resolves into the presented
// image; with one sample the colour attachment stays unused and the subpass
// renders into the presented image directly.
func (d *device) CreateRenderPass(info gpu.RenderPassInfo) (gpu.RenderPass, error) {
	samples := info.Samples
	if samples == 0 {
		samples = core1_0.Samples1
	}
	multisampled := samples != core1_0.Samples1

	color := core1_0.AttachmentDescription{
		Format:         info.ColorFormat,
		Samples:        samples,
		LoadOp:         core1_0.AttachmentLoadOpClear,
		StoreOp:        core1_0.AttachmentStoreOpStore,
		StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
		StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
		InitialLayout:  core1_0.ImageLayoutUndefined,
		FinalLayout:    core1_0.ImageLayoutColorAttachmentOptimal,
	}
	resolve := core1_0.AttachmentDescription{
		Format:         info.ColorFormat,
		Samples:        core1_0.Samples1,
		LoadOp:         core1_0.AttachmentLoadOpDontCare,
		StoreOp:        core1_0.AttachmentStoreOpStore,
		StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
		StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
		InitialLayout:  core1_0.ImageLayoutUndefined,
		FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
	}
	depth := core1_0.AttachmentDescription{
		Format:         info.DepthFormat,
		Samples:        samples,
		LoadOp:         core1_0.AttachmentLoadOpClear,
		StoreOp:        core1_0.AttachmentStoreOpDontCare,
		StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
		StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
		InitialLayout:  core1_0.ImageLayoutUndefined,
		FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
	}

	subpass := core1_0.SubpassDescription{
		PipelineBindPoint: core1_0.PipelineBindPointGraphics,
		DepthStencilAttachment: &core1_0.AttachmentReference{
			Attachment: attachmentDepth,
			Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		},
	}
	if multisampled {
		subpass.ColorAttachments = []core1_0.AttachmentReference{
			{Attachment: attachmentColor, Layout: core1_0.ImageLayoutColorAttachmentOptimal},
		}
		subpass.ResolveAttachments = []core1_0.AttachmentReference{
			{Attachment: attachmentResolve, Layout: core1_0.ImageLayoutColorAttachmentOptimal},
		}
	} else {
		color.LoadOp = core1_0.AttachmentLoadOpDontCare
		color.StoreOp = core1_0.AttachmentStoreOpDontCare
		resolve.LoadOp = core1_0.AttachmentLoadOpClear
		subpass.ColorAttachments = []core1_0.AttachmentReference{
			{Attachment: attachmentResolve, Layout: core1_0.ImageLayoutColorAttachmentOptimal},
		}
	}

	handle, _, err := d.driver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{color, resolve, depth},
		Subpasses:   []core1_0.SubpassDescription{subpass},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				DstAccessMask: core1_0.AccessColorAttachmentWrite | core1_0.AccessDepthStencilAttachmentWrite,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateRenderPass")
	}
	return &renderPass{device: d, handle: handle}, nil
}

func (r *renderPass) Destroy() {
	r.device.driver.DestroyRenderPass(r.handle, nil)
}

type framebuffer struct {
	device *device
	handle core1_0.Framebuffer
}

func (d *device) CreateFramebuffer(info gpu.FramebufferInfo) (gpu.Framebuffer, error) {
	views := make([]core1_0.ImageView, 0, len(info.Attachments))
	for _, view := range info.Attachments {
		views = append(views, view.(*imageView).handle)
	}

	handle, _, err := d.driver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  info.RenderPass.(*renderPass).handle,
		Layers:      1,
		Attachments: views,
		Width:       info.Width,
		Height:      info.Height,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateFramebuffer")
	}
	return &framebuffer{device: d, handle: handle}, nil
}

func (f *framebuffer) Destroy() {
	f.device.driver.DestroyFramebuffer(f.handle, nil)
}

type commandPool struct {
	device *device
	handle core1_0.CommandPool
}

func (d *device) CreateCommandPool(family int, flags core1_0.CommandPoolCreateFlags) (gpu.CommandPool, error) {
	handle, _, err := d.driver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            flags,
		QueueFamilyIndex: family,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateCommandPool")
	}
	return &commandPool{device: d, handle: handle}, nil
}

func (p *commandPool) Allocate(count int) ([]gpu.CommandBuffer, error) {
	handles, _, err := p.device.driver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        p.handle,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkAllocateCommandBuffers")
	}

	buffers := make([]gpu.CommandBuffer, 0, len(handles))
	for _, handle := range handles {
		buffers = append(buffers, &commandBuffer{device: p.device, handle: handle})
	}
	return buffers, nil
}

func (p *commandPool) Free(buffers ...gpu.CommandBuffer) {
	if len(buffers) == 0 {
		return
	}
	p.device.driver.FreeCommandBuffers(commandBufferHandles(buffers)...)
}

func (p *commandPool) Destroy() {
	p.device.driver.DestroyCommandPool(p.handle, nil)
}

type commandBuffer struct {
	device *device
	handle core1_0.CommandBuffer
}

func commandBufferHandles(buffers []gpu.CommandBuffer) []core1_0.CommandBuffer {
	handles := make([]core1_0.CommandBuffer, 0, len(buffers))
	for _, cb := range buffers {
		handles = append(handles, cb.(*commandBuffer).handle)
	}
	return handles
}

func (c *commandBuffer) Begin(flags core1_0.CommandBufferUsageFlags) error {
	_, err := c.device.driver.BeginCommandBuffer(c.handle, core1_0.CommandBufferBeginInfo{
		Flags: flags,
	})
	return errors.Wrap(err, "vkBeginCommandBuffer")
}

func (c *commandBuffer) End() error {
	_, err := c.device.driver.EndCommandBuffer(c.handle)
	return errors.Wrap(err, "vkEndCommandBuffer")
}

func (c *commandBuffer) CopyBuffer(src, dst gpu.Buffer, regions ...core1_0.BufferCopy) error {
	return c.device.driver.CmdCopyBuffer(c.handle, bufferHandle(src), bufferHandle(dst), regions...)
}

func (c *commandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, layout core1_0.ImageLayout, regions ...core1_0.BufferImageCopy) error {
	return c.device.driver.CmdCopyBufferToImage(c.handle, bufferHandle(src), imageHandle(dst), layout, regions...)
}

func (c *commandBuffer) PipelineBarrier(srcStage, dstStage core1_0.PipelineStageFlags, barriers ...gpu.ImageBarrier) error {
	imageBarriers := make([]core1_0.ImageMemoryBarrier, 0, len(barriers))
	for _, b := range barriers {
		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			Image:               imageHandle(b.Image),
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			SrcAccessMask:       b.SrcAccess,
			DstAccessMask:       b.DstAccess,
			OldLayout:           b.OldLayout,
			NewLayout:           b.NewLayout,
			SubresourceRange:    b.SubresourceRange,
		})
	}
	return c.device.driver.CmdPipelineBarrier(c.handle, srcStage, dstStage, 0, nil, nil, imageBarriers)
}

func (c *commandBuffer) BlitImage(src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Image, dstLayout core1_0.ImageLayout, regions []core1_0.ImageBlit, filter core1_0.Filter) error {
	return c.device.driver.CmdBlitImage(c.handle, imageHandle(src), srcLayout, imageHandle(dst), dstLayout, regions, filter)
}

func (c *commandBuffer) BeginRenderPass(begin gpu.RenderPassBegin) error {
	clearColor := core1_0.ClearValueFloat(begin.ClearColor)
	return c.device.driver.CmdBeginRenderPass(c.handle, core1_0.SubpassContentsInline, core1_0.RenderPassBeginInfo{
		RenderPass:  begin.RenderPass.(*renderPass).handle,
		Framebuffer: begin.Framebuffer.(*framebuffer).handle,
		RenderArea: core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: begin.Extent,
		},
		// One value per attachment, in attachment order.
		ClearValues: []core1_0.ClearValue{
			clearColor,
			clearColor,
			core1_0.ClearValueDepthStencil{Depth: begin.ClearDepth, Stencil: 0},
		},
	})
}

func (c *commandBuffer) EndRenderPass() {
	c.device.driver.CmdEndRenderPass(c.handle)
}

type queue struct {
	device *device
	family int
	handle core1_0.Queue
}

func (q *queue) Family() int {
	return q.family
}

func (q *queue) Submit(f gpu.Fence, submissions ...gpu.Submission) error {
	infos := make([]core1_0.SubmitInfo, 0, len(submissions))
	for _, s := range submissions {
		infos = append(infos, core1_0.SubmitInfo{
			WaitSemaphores:   semaphoreHandles(s.WaitSemaphores),
			WaitDstStageMask: s.WaitStages,
			CommandBuffers:   commandBufferHandles(s.CommandBuffers),
			SignalSemaphores: semaphoreHandles(s.SignalSemaphores),
		})
	}

	var signal *core1_0.Fence
	if f != nil {
		signal = &f.(*fence).handle
	}

	_, err := q.device.driver.QueueSubmit(q.handle, signal, infos...)
	return errors.Wrap(err, "vkQueueSubmit")
}

func (q *queue) Present(p gpu.Presentation) (gpu.Result, error) {
	res, err := q.device.swapchainExt.QueuePresent(q.handle, khr_swapchain.PresentInfo{
		WaitSemaphores: semaphoreHandles(p.WaitSemaphores),
		Swapchains:     []khr_swapchain.Swapchain{p.Swapchain.(*swapchain).handle},
		ImageIndices:   []int{p.ImageIndex},
	})
	result, err := toResult(res, err)
	return result, errors.Wrap(err, "vkQueuePresentKHR")
}

func (q *queue) WaitIdle() error {
	_, err := q.device.driver.QueueWaitIdle(q.handle)
	return errors.Wrap(err, "vkQueueWaitIdle")
}

type fence struct {
	device *device
	handle core1_0.Fence
}

func (d *device) CreateFence(signaled bool) (gpu.Fence, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}
	handle, _, err := d.driver.CreateFence(nil, core1_0.FenceCreateInfo{Flags: flags})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateFence")
	}
	return &fence{device: d, handle: handle}, nil
}

func (f *fence) Wait(timeout time.Duration) (gpu.Result, error) {
	res, err := f.device.driver.WaitForFences(true, timeout, f.handle)
	result, err := toResult(res, err)
	return result, errors.Wrap(err, "vkWaitForFences")
}

func (f *fence) Reset() error {
	_, err := f.device.driver.ResetFences(f.handle)
	return errors.Wrap(err, "vkResetFences")
}

func (f *fence) Destroy() {
	f.device.driver.DestroyFence(f.handle, nil)
}

type semaphore struct {
	device *device
	handle core1_0.Semaphore
}

func (d *device) CreateSemaphore() (gpu.Semaphore, error) {
	handle, _, err := d.driver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateSemaphore")
	}
	return &semaphore{device: d, handle: handle}, nil
}

func (s *semaphore) Destroy() {
	s.device.driver.DestroySemaphore(s.handle, nil)
}

func semaphoreHandles(semaphores []gpu.Semaphore) []core1_0.Semaphore {
	if len(semaphores) == 0 {
		return nil
	}
	handles := make([]core1_0.Semaphore, 0, len(semaphores))
	for _, s := range semaphores {
		handles = append(handles, s.(*semaphore).handle)
	}
	return handles
}
