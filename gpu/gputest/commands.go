package gputest

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

type commandState int

const (
	cbInitial commandState = iota
	cbRecording
	cbExecutable
	cbPending
	cbInvalid
)

type commandPool struct {
	device    *device
	family    int
	flags     core1_0.CommandPoolCreateFlags
	buffers   []*commandBuffer
	destroyed bool
}

func (d *device) CreateCommandPool(family int, flags core1_0.CommandPoolCreateFlags) (gpu.CommandPool, error) {
	d.gpu.create(KindPool)
	return &commandPool{device: d, family: family, flags: flags}, nil
}

func (p *commandPool) Allocate(count int) ([]gpu.CommandBuffer, error) {
	var out []gpu.CommandBuffer
	for i := 0; i < count; i++ {
		cb := &commandBuffer{pool: p}
		p.buffers = append(p.buffers, cb)
		out = append(out, cb)
	}
	return out, nil
}

func (p *commandPool) Free(buffers ...gpu.CommandBuffer) {
	for _, b := range buffers {
		cb := b.(*commandBuffer)
		if cb.state == cbPending {
			p.device.gpu.violate("free of a pending command buffer")
		}
		cb.freed = true
	}
}

func (p *commandPool) Destroy() {
	for _, cb := range p.buffers {
		if cb.state == cbPending && !cb.freed {
			p.device.gpu.violate("command pool destroyed while a command buffer is pending")
		}
	}
	p.destroyed = true
	p.device.gpu.destroy(KindPool)
}

type commandBuffer struct {
	pool  *commandPool
	state commandState
	flags core1_0.CommandBufferUsageFlags
	ops   []func()
	freed bool
	// submissions counts how many times the buffer was submitted.
	submissions int
}

func (c *commandBuffer) gpu() *GPU {
	return c.pool.device.gpu
}

func (c *commandBuffer) Begin(flags core1_0.CommandBufferUsageFlags) error {
	switch c.state {
	case cbPending:
		c.gpu().violate("begin on a pending command buffer")
		return errors.New("gputest: command buffer is pending")
	case cbRecording:
		c.gpu().violate("begin on a command buffer that is already recording")
	case cbExecutable, cbInvalid:
		if c.pool.flags&core1_0.CommandPoolCreateResetBuffer == 0 {
			c.gpu().violate("implicit reset of a command buffer from a pool without the reset flag")
		}
	}
	c.state = cbRecording
	c.flags = flags
	c.ops = nil
	return nil
}

func (c *commandBuffer) End() error {
	if c.state != cbRecording {
		c.gpu().violate("end on a command buffer that is not recording")
		return errors.New("gputest: command buffer is not recording")
	}
	c.state = cbExecutable
	return nil
}

func (c *commandBuffer) record(op func()) error {
	if c.state != cbRecording {
		c.gpu().violate("command recorded outside Begin/End")
		return errors.New("gputest: command buffer is not recording")
	}
	c.ops = append(c.ops, op)
	return nil
}

func (c *commandBuffer) CopyBuffer(src, dst gpu.Buffer, regions ...core1_0.BufferCopy) error {
	s, d := src.(*buffer), dst.(*buffer)
	if s.info.Usage&core1_0.BufferUsageTransferSrc == 0 {
		c.gpu().violate("copy source buffer lacks transfer-src usage")
	}
	if d.info.Usage&core1_0.BufferUsageTransferDst == 0 {
		c.gpu().violate("copy destination buffer lacks transfer-dst usage")
	}
	return c.record(func() {
		for _, r := range regions {
			from := s.bytes(r.SrcOffset, r.Size)
			to := d.bytes(r.DstOffset, r.Size)
			if from != nil && to != nil {
				copy(to, from)
			}
		}
	})
}

func (c *commandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, layout core1_0.ImageLayout, regions ...core1_0.BufferImageCopy) error {
	s, img := src.(*buffer), dst.(*image)
	if layout != core1_0.ImageLayoutTransferDstOptimal && layout != core1_0.ImageLayoutGeneral {
		c.gpu().violate("copy to image in layout %v", layout)
	}
	return c.record(func() {
		for _, r := range regions {
			level := r.ImageSubresource.MipLevel
			if !img.expect(level, layout, "buffer to image copy") {
				continue
			}
			size := r.ImageExtent.Width * r.ImageExtent.Height * 4
			if size > len(img.levels[level]) {
				c.gpu().violate("buffer to image copy of %d bytes into mip %d of %d bytes", size, level, len(img.levels[level]))
				continue
			}
			from := s.bytes(r.BufferOffset, size)
			if from == nil {
				continue
			}
			copy(img.levels[level], from)
			img.written[level] = true
		}
	})
}

func (c *commandBuffer) PipelineBarrier(srcStage, dstStage core1_0.PipelineStageFlags, barriers ...gpu.ImageBarrier) error {
	return c.record(func() {
		for _, b := range barriers {
			b.Image.(*image).transition(b)
		}
	})
}

func (c *commandBuffer) BlitImage(src gpu.Image, srcLayout core1_0.ImageLayout, dst gpu.Image, dstLayout core1_0.ImageLayout, regions []core1_0.ImageBlit, filter core1_0.Filter) error {
	s, d := src.(*image), dst.(*image)
	return c.record(func() {
		for _, r := range regions {
			sl, dl := r.SrcSubresource.MipLevel, r.DstSubresource.MipLevel
			if !s.expect(sl, srcLayout, "blit source") || !d.expect(dl, dstLayout, "blit destination") {
				continue
			}
			if srcLayout != core1_0.ImageLayoutTransferSrcOptimal || dstLayout != core1_0.ImageLayoutTransferDstOptimal {
				c.gpu().violate("blit with layouts %v -> %v", srcLayout, dstLayout)
			}
			sw, sh := r.SrcOffsets[1].X, r.SrcOffsets[1].Y
			dw, dh := r.DstOffsets[1].X, r.DstOffsets[1].Y
			if dw < 1 || dh < 1 || sw < 1 || sh < 1 {
				c.gpu().violate("blit with empty region")
				continue
			}
			for y := 0; y < dh; y++ {
				for x := 0; x < dw; x++ {
					sx, sy := x*sw/dw, y*sh/dh
					from := (sy*sw + sx) * 4
					to := (y*dw + x) * 4
					if from+4 > len(s.levels[sl]) || to+4 > len(d.levels[dl]) {
						continue
					}
					copy(d.levels[dl][to:to+4], s.levels[sl][from:from+4])
				}
			}
			d.written[dl] = true
		}
	})
}

func (c *commandBuffer) BeginRenderPass(begin gpu.RenderPassBegin) error {
	if begin.Framebuffer == nil || begin.RenderPass == nil {
		c.gpu().violate("render pass begun without framebuffer or render pass")
	}
	return c.record(func() {})
}

func (c *commandBuffer) EndRenderPass() {
	_ = c.record(func() {})
}

type submission struct {
	fence   *fence
	buffers []*commandBuffer
	signals []*semaphore
}

type queue struct {
	device *device
	family int
}

func (q *queue) Family() int {
	return q.family
}

func (q *queue) Submit(f gpu.Fence, submissions ...gpu.Submission) error {
	g := q.device.gpu
	if g.SubmitError != nil {
		return g.SubmitError
	}
	sub := &submission{}
	if f != nil {
		sub.fence = f.(*fence)
		switch {
		case sub.fence.pending != nil:
			g.violate("submit with a fence that is already in flight")
		case sub.fence.signaled:
			g.violate("submit with a signaled fence")
		}
		sub.fence.pending = sub
	}
	for _, s := range submissions {
		if len(s.WaitStages) != len(s.WaitSemaphores) {
			g.violate("submit with %d wait semaphores but %d wait stages", len(s.WaitSemaphores), len(s.WaitStages))
		}
		for _, w := range s.WaitSemaphores {
			sem := w.(*semaphore)
			if !sem.signaled {
				g.violate("submit waits on a semaphore with no signal operation")
			}
			sem.signaled = false
		}
		for _, b := range s.CommandBuffers {
			cb := b.(*commandBuffer)
			switch cb.state {
			case cbPending:
				g.violate("submit of a command buffer that is still pending")
			case cbExecutable:
			default:
				g.violate("submit of a command buffer that is not executable")
			}
			if cb.freed {
				g.violate("submit of a freed command buffer")
			}
			cb.state = cbPending
			cb.submissions++
			sub.buffers = append(sub.buffers, cb)
		}
		for _, sig := range s.SignalSemaphores {
			sem := sig.(*semaphore)
			if sem.signaled {
				g.violate("submit signals a semaphore that is already signaled")
			}
			// Later waits are ordered after this batch on the queue, so the
			// signal counts as available immediately.
			sem.signaled = true
			sub.signals = append(sub.signals, sem)
		}
	}
	g.pending = append(g.pending, sub)
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	return nil
}

func (q *queue) Present(p gpu.Presentation) (gpu.Result, error) {
	g := q.device.gpu
	for _, w := range p.WaitSemaphores {
		sem := w.(*semaphore)
		if !sem.signaled {
			g.violate("present waits on a semaphore with no signal operation")
		}
		sem.signaled = false
	}
	sc := p.Swapchain.(*swapchain)
	if p.ImageIndex < 0 || p.ImageIndex >= len(sc.images) || !sc.acquired[p.ImageIndex] {
		g.violate("present of image %d that was not acquired", p.ImageIndex)
	} else {
		sc.acquired[p.ImageIndex] = false
	}
	if sc.retired {
		return gpu.OutOfDate, errors.New("gputest: swapchain retired")
	}
	if sc.outOfDate() {
		return gpu.OutOfDate, errors.New("gputest: swapchain out of date")
	}
	return gpu.Success, nil
}

func (q *queue) WaitIdle() error {
	q.device.gpu.completeAll()
	return nil
}

// complete runs pending submissions in order up to and including target.
func (g *GPU) complete(target *submission) {
	for len(g.pending) > 0 {
		sub := g.pending[0]
		g.pending = g.pending[1:]
		g.inFlight--
		for _, cb := range sub.buffers {
			for _, op := range cb.ops {
				op()
			}
			if cb.flags&core1_0.CommandBufferUsageOneTimeSubmit != 0 {
				cb.state = cbInvalid
			} else {
				cb.state = cbExecutable
			}
		}
		if sub.fence != nil {
			sub.fence.pending = nil
			sub.fence.signaled = true
		}
		if sub == target {
			return
		}
	}
}

func (g *GPU) completeAll() {
	g.complete(nil)
}

type fence struct {
	gpu      *GPU
	signaled bool
	pending  *submission
	waits    int
}

func (d *device) CreateFence(signaled bool) (gpu.Fence, error) {
	d.gpu.create(KindFence)
	return &fence{gpu: d.gpu, signaled: signaled}, nil
}

// FenceSignaled reports whether a fence created by this backend is signaled.
func FenceSignaled(f gpu.Fence) bool {
	return f.(*fence).signaled
}

func (f *fence) Wait(timeout time.Duration) (gpu.Result, error) {
	f.waits++
	if f.gpu.Lost {
		return gpu.DeviceLost, errors.New("gputest: device lost")
	}
	if f.signaled {
		return gpu.Success, nil
	}
	if f.pending == nil || f.gpu.Hang {
		return gpu.Timeout, nil
	}
	f.gpu.complete(f.pending)
	return gpu.Success, nil
}

func (f *fence) Reset() error {
	if f.pending != nil {
		f.gpu.violate("reset of a fence that is in flight")
	}
	f.signaled = false
	return nil
}

func (f *fence) Destroy() {
	if f.pending != nil {
		f.gpu.violate("destroy of a fence that is in flight")
	}
	f.gpu.destroy(KindFence)
}

type semaphore struct {
	gpu      *GPU
	signaled bool
}

func (d *device) CreateSemaphore() (gpu.Semaphore, error) {
	d.gpu.create(KindSemaphore)
	return &semaphore{gpu: d.gpu}, nil
}

func (s *semaphore) Destroy() {
	s.gpu.destroy(KindSemaphore)
}

type swapchain struct {
	device   *device
	info     gpu.SwapchainInfo
	images   []*image
	acquired []bool
	next     int
	retired  bool
}

func (d *device) CreateSwapchain(info gpu.SwapchainInfo) (gpu.Swapchain, error) {
	if info.OldSwapchain != nil {
		old := info.OldSwapchain.(*swapchain)
		old.retired = true
	}
	if info.Extent.Width <= 0 || info.Extent.Height <= 0 {
		return nil, errors.Errorf("gputest: swapchain extent %dx%d", info.Extent.Width, info.Extent.Height)
	}
	d.gpu.create(KindSwapchain)
	d.gpu.lastSwapchain = info
	sc := &swapchain{device: d, info: info, acquired: make([]bool, info.MinImageCount)}
	for i := 0; i < info.MinImageCount; i++ {
		img := newImage(d, gpu.ImageInfo{Width: info.Extent.Width, Height: info.Extent.Height, Format: info.Format.Format, MipLevels: 1})
		img.swapchain = true
		sc.images = append(sc.images, img)
	}
	return sc, nil
}

func (s *swapchain) outOfDate() bool {
	w, h := s.device.gpu.Window.DrawableSize()
	return w != s.info.Extent.Width || h != s.info.Extent.Height
}

func (s *swapchain) Images() ([]gpu.Image, error) {
	var out []gpu.Image
	for _, img := range s.images {
		out = append(out, img)
	}
	return out, nil
}

func (s *swapchain) AcquireNextImage(timeout time.Duration, signal gpu.Semaphore) (int, gpu.Result, error) {
	g := s.device.gpu
	if s.retired || s.outOfDate() {
		return -1, gpu.OutOfDate, errors.New("gputest: swapchain out of date")
	}
	if g.AcquireTimeout {
		return -1, gpu.Timeout, nil
	}
	sem := signal.(*semaphore)
	if sem.signaled {
		g.violate("acquire signals a semaphore that is already signaled")
	}
	for i := 0; i < len(s.images); i++ {
		idx := (s.next + i) % len(s.images)
		if !s.acquired[idx] {
			s.acquired[idx] = true
			s.next = idx + 1
			sem.signaled = true
			return idx, gpu.Success, nil
		}
	}
	g.violate("acquire with every swapchain image already acquired")
	return -1, gpu.Timeout, nil
}

func (s *swapchain) Destroy() {
	s.device.gpu.destroy(KindSwapchain)
}
