package render

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/renderkit/gpu"
)

// Frame is one frame slot of a SwapChain: the presentable image, view and
// framebuffer at the slot's index, a command buffer, and the semaphores and
// fence that order the slot's work. Frames are created and destroyed together
// with their SwapChain.
type Frame struct {
	index int

	image       gpu.Image
	view        gpu.ImageView
	framebuffer gpu.Framebuffer
	attachments int

	commandBuffer  gpu.CommandBuffer
	imageAcquired  gpu.Semaphore
	renderFinished gpu.Semaphore
	inFlight       gpu.Fence

	// imageIndex is the image acquired for this slot, or -1.
	imageIndex int
}

func (f *Frame) Index() int {
	return f.index
}

// CommandBuffer returns the slot's command buffer. It may be re-recorded
// once AcquireImage has returned an image for the slot.
func (f *Frame) CommandBuffer() gpu.CommandBuffer {
	return f.commandBuffer
}

// ImageIndex returns the image acquired for the slot, or -1.
func (f *Frame) ImageIndex() int {
	return f.imageIndex
}

// AttachmentSet returns the arena index of the shared colour and depth
// attachments.
func (f *Frame) AttachmentSet() int {
	return f.attachments
}

func (f *Frame) ImageAcquired() gpu.Semaphore {
	return f.imageAcquired
}

func (f *Frame) RenderFinished() gpu.Semaphore {
	return f.renderFinished
}

func (f *Frame) InFlight() gpu.Fence {
	return f.inFlight
}

func (f *Frame) destroy() {
	if f.framebuffer != nil {
		f.framebuffer.Destroy()
	}
	if f.view != nil {
		f.view.Destroy()
	}
	if f.imageAcquired != nil {
		f.imageAcquired.Destroy()
	}
	if f.renderFinished != nil {
		f.renderFinished.Destroy()
	}
	if f.inFlight != nil {
		f.inFlight.Destroy()
	}
}

// AttachmentSet is the multisampled colour target and the depth target that
// every frame of a SwapChain renders into.
type AttachmentSet struct {
	Color *Image
	Depth *Image
}

func (a *AttachmentSet) destroy() {
	if a.Color != nil {
		a.Color.Destroy()
	}
	if a.Depth != nil {
		a.Depth.Destroy()
	}
}

// attachmentArena owns attachment sets. Frames refer to a set by index and
// never own it.
type attachmentArena struct {
	sets []*AttachmentSet
}

func (a *attachmentArena) put(set *AttachmentSet) int {
	for i, s := range a.sets {
		if s == nil {
			a.sets[i] = set
			return i
		}
	}
	a.sets = append(a.sets, set)
	return len(a.sets) - 1
}

func (a *attachmentArena) get(index int) (*AttachmentSet, error) {
	if index < 0 || index >= len(a.sets) || a.sets[index] == nil {
		return nil, errors.Wrapf(ErrOutOfRange, "attachment set %d", index)
	}
	return a.sets[index], nil
}

func (a *attachmentArena) release(index int) {
	if index < 0 || index >= len(a.sets) || a.sets[index] == nil {
		return
	}
	a.sets[index].destroy()
	a.sets[index] = nil
}

func (a *attachmentArena) clear() {
	for i := range a.sets {
		a.release(i)
	}
}

func (a *attachmentArena) live() int {
	n := 0
	for _, s := range a.sets {
		if s != nil {
			n++
		}
	}
	return n
}
