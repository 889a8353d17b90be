package render

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

// TransientCommandBuffer records and submits one batch of one-shot work, such
// as an upload or a layout transition, outside the frame loop. It owns a
// dedicated command pool, one command buffer and one fence, all of which are
// released by Release once the GPU is done with them.
//
//	tcb, err := NewTransientCommandBuffer(dev, QueueTransfer)
//	cb, err := tcb.Get()
//	// record into cb
//	err = tcb.Submit()
//	err = tcb.Release()
type TransientCommandBuffer struct {
	device *Device
	queue  gpu.Queue
	pool   gpu.CommandPool
	buffer gpu.CommandBuffer
	fence  gpu.Fence

	recording bool
	submitted bool
	released  bool
}

// NewTransientCommandBuffer creates the pool on the family of the given
// queue. Use QueueGraphics for work that needs graphics capabilities such as
// blits, and QueueTransfer for plain copies.
func NewTransientCommandBuffer(device *Device, kind QueueKind) (*TransientCommandBuffer, error) {
	queue := device.Queue(kind)

	pool, err := device.Handle().CreateCommandPool(queue.Family(), core1_0.CommandPoolCreateTransient)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create transient command pool on %s queue", kind)
	}

	buffers, err := pool.Allocate(1)
	if err != nil {
		pool.Destroy()
		return nil, errors.Wrap(err, "failed to allocate transient command buffer")
	}

	fence, err := device.Handle().CreateFence(false)
	if err != nil {
		pool.Destroy()
		return nil, errors.Wrap(err, "failed to create transient fence")
	}

	return &TransientCommandBuffer{
		device: device,
		queue:  queue,
		pool:   pool,
		buffer: buffers[0],
		fence:  fence,
	}, nil
}

// Get begins one-time-submit recording and returns the buffer to record
// into. Calling it again before Submit returns the same buffer.
func (t *TransientCommandBuffer) Get() (gpu.CommandBuffer, error) {
	if t.released {
		return nil, errors.Wrap(ErrDestroyed, "transient command buffer")
	}
	if t.submitted {
		return nil, errors.New("transient command buffer was already submitted")
	}
	if t.recording {
		return t.buffer, nil
	}

	err := t.buffer.Begin(core1_0.CommandBufferUsageOneTimeSubmit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transient command buffer")
	}
	t.recording = true
	return t.buffer, nil
}

// Submit ends recording and submits the buffer. The fence is reset before
// submission so that a later wait cannot observe an old signal.
func (t *TransientCommandBuffer) Submit() error {
	if !t.recording {
		return errors.New("transient command buffer submitted without recording")
	}

	err := t.buffer.End()
	if err != nil {
		return errors.Wrap(err, "failed to end transient command buffer")
	}
	t.recording = false

	err = t.fence.Reset()
	if err != nil {
		return errors.Wrap(err, "failed to reset transient fence")
	}

	err = t.queue.Submit(t.fence, gpu.Submission{
		CommandBuffers: []gpu.CommandBuffer{t.buffer},
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit transient command buffer")
	}
	t.submitted = true
	return nil
}

// Release waits for the submitted work, if any, and destroys the pool and
// fence. If the wait fails the pool is kept alive, since the GPU may still
// reference it, and the error is returned.
func (t *TransientCommandBuffer) Release() error {
	if t.released {
		return nil
	}

	if t.submitted {
		err := t.device.waitFence(t.fence, "transient", t.device.opts.FenceRetries)
		if err != nil {
			return err
		}
	}

	t.released = true
	t.fence.Destroy()
	t.pool.Destroy()
	return nil
}
