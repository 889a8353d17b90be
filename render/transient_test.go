package render

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
	"github.com/vkngwrapper/renderkit/gpu/gputest"
)

func TestTransientCommandBuffer_ReleaseWaits(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	src, err := NewBuffer(f.device, BufferInfo{Size: 64, Usage: core1_0.BufferUsageTransferSrc})
	require.NoError(t, err)
	defer src.Destroy()
	dst, err := NewBuffer(f.device, BufferInfo{Size: 64, Usage: core1_0.BufferUsageTransferDst})
	require.NoError(t, err)
	defer dst.Destroy()

	data := pattern(64, 11)
	require.NoError(t, src.Write(data, 0, 0))

	transient, err := NewTransientCommandBuffer(f.device, QueueTransfer)
	require.NoError(t, err)

	cb, err := transient.Get()
	require.NoError(t, err)
	again, err := transient.Get()
	require.NoError(t, err)
	require.Same(t, cb, again)

	require.NoError(t, cb.CopyBuffer(src.Handle(), dst.Handle(), core1_0.BufferCopy{Size: 64}))
	require.NoError(t, transient.Submit())

	// Nothing has run until the release waits for it.
	require.Equal(t, 1, f.gpu.InFlight())
	_, err = transient.Get()
	require.Error(t, err)

	require.NoError(t, transient.Release())
	require.Zero(t, f.gpu.InFlight())
	require.Zero(t, f.gpu.Live(gputest.KindPool))
	require.Zero(t, f.gpu.Live(gputest.KindFence))

	read := make([]byte, 64)
	require.NoError(t, dst.Read(read, 0))
	require.Equal(t, data, read)

	require.NoError(t, transient.Release())
	f.requireClean(t)
}

func TestTransientCommandBuffer_ReleaseWithoutSubmit(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	transient, err := NewTransientCommandBuffer(f.device, QueueGraphics)
	require.NoError(t, err)
	_, err = transient.Get()
	require.NoError(t, err)

	require.NoError(t, transient.Release())
	require.Zero(t, f.gpu.Live(gputest.KindPool))
	require.Zero(t, f.warnings())

	_, err = transient.Get()
	require.True(t, errors.Is(err, ErrDestroyed))
	f.requireClean(t)
}

func TestTransientCommandBuffer_SubmitWithoutRecording(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	transient, err := NewTransientCommandBuffer(f.device, QueueGraphics)
	require.NoError(t, err)
	require.Error(t, transient.Submit())
	require.NoError(t, transient.Release())
}

func TestTransientCommandBuffer_DeviceLost(t *testing.T) {
	f := newDefaultFixture(t)

	transient, err := NewTransientCommandBuffer(f.device, QueueGraphics)
	require.NoError(t, err)
	_, err = transient.Get()
	require.NoError(t, err)
	require.NoError(t, transient.Submit())

	f.gpu.Lost = true
	err = transient.Release()
	require.True(t, errors.Is(err, ErrDeviceLost))
	require.Equal(t, 1, f.gpu.Live(gputest.KindPool))
}

func TestTransientCommandBuffer_BoundedRetries(t *testing.T) {
	f := newFixture(t, gputest.New(800, 600), DeviceOptions{FenceRetries: 4})

	transient, err := NewTransientCommandBuffer(f.device, QueueTransfer)
	require.NoError(t, err)
	_, err = transient.Get()
	require.NoError(t, err)
	require.NoError(t, transient.Submit())

	f.gpu.Hang = true
	err = transient.Release()
	require.True(t, errors.Is(err, ErrDeviceLost))
	require.Equal(t, 4, f.warnings())
	require.Equal(t, 1, f.gpu.Live(gputest.KindPool))

	// Once the device recovers the release goes through.
	f.gpu.Hang = false
	require.NoError(t, transient.Release())
	require.Zero(t, f.gpu.Live(gputest.KindPool))
	f.requireClean(t)
}

func TestTransientCommandBuffer_ReleaseWaitError(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	transient, err := NewTransientCommandBuffer(f.device, QueueGraphics)
	require.NoError(t, err)
	_, err = transient.Get()
	require.NoError(t, err)
	require.NoError(t, transient.Submit())

	failure := errors.New("out of device memory")
	fence := transient.fence
	transient.fence = &erroringFence{Fence: fence, res: gpu.Success, err: failure}
	err = transient.Release()
	require.True(t, errors.Is(err, failure))
	// The pool may still be in use, so it is kept.
	require.Equal(t, 1, f.gpu.Live(gputest.KindPool))

	transient.fence = fence
	require.NoError(t, transient.Release())
	require.Zero(t, f.gpu.Live(gputest.KindPool))
	f.requireClean(t)
}
