package render

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/renderkit/gpu"
	"github.com/vkngwrapper/renderkit/gpu/gputest"
)

func newSwapChain(t *testing.T, f *fixture, opts SwapChainOptions) *SwapChain {
	t.Helper()
	sc, err := NewSwapChain(f.device, opts)
	require.NoError(t, err)
	return sc
}

// drawFrame drives one tick the way the engine loop does and reports the
// acquire and present results.
func drawFrame(t *testing.T, sc *SwapChain) (gpu.Result, gpu.Result) {
	t.Helper()
	frame := sc.CurrentFrame()

	imageIndex, res, err := sc.AcquireImage(frame)
	require.NoError(t, err)
	if res != gpu.Success && res != gpu.Suboptimal {
		return res, gpu.Success
	}

	cb := sc.Frame(frame).CommandBuffer()
	require.NoError(t, cb.Begin(0))
	require.NoError(t, cb.BeginRenderPass(gpu.RenderPassBegin{
		RenderPass:  sc.RenderPass(),
		Framebuffer: sc.Framebuffer(imageIndex),
		Extent:      sc.Extent(),
		ClearColor:  [4]float32{0, 0, 0, 1},
		ClearDepth:  1,
	}))
	cb.EndRenderPass()
	require.NoError(t, cb.End())
	require.NoError(t, sc.Submit(frame))

	presented, err := sc.PresentImage(frame)
	require.NoError(t, err)
	if presented == gpu.Success {
		sc.NextFrame()
	}
	return res, presented
}

func TestSwapChain_Frames(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	require.Equal(t, Built, sc.State())
	require.Equal(t, 3, sc.ImageCount())
	require.Equal(t, core1_0.Extent2D{Width: 800, Height: 600}, sc.Extent())
	require.Equal(t, core1_0.FormatB8G8R8A8SRGB, sc.Format().Format)

	set, err := sc.Attachments(0)
	require.NoError(t, err)
	require.Equal(t, 1, sc.arena.live())
	require.Equal(t, core1_0.Samples8, f.device.SampleCount())

	for i := 0; i < sc.ImageCount(); i++ {
		frame := sc.Frame(i)
		require.Equal(t, i, frame.Index())
		require.Equal(t, -1, frame.ImageIndex())
		require.True(t, gputest.FenceSignaled(frame.InFlight()), "frame %d", i)
		require.Equal(t, sc.Frame(0).AttachmentSet(), frame.AttachmentSet())

		attachments := gputest.FramebufferAttachments(sc.Framebuffer(i))
		require.Equal(t, []gpu.ImageView{set.Color.View(), frame.view, set.Depth.View()}, attachments)
	}

	// Two attachment images, no per-frame copies.
	require.Equal(t, 2, f.gpu.Live(gputest.KindImage))
	require.Equal(t, 3, f.gpu.Live(gputest.KindFramebuffer))
	require.Equal(t, 6, f.gpu.Live(gputest.KindSemaphore))
	require.Equal(t, 3, f.gpu.Live(gputest.KindFence))

	info := f.gpu.LastSwapchain()
	require.Equal(t, 3, info.MinImageCount)
	require.Equal(t, core1_0.SharingModeExclusive, info.SharingMode)
	require.Empty(t, info.QueueFamilies)
	require.Equal(t, khr_surface.PresentModeMailbox, info.PresentMode)
	require.Nil(t, info.OldSwapchain)
	f.requireClean(t)
}

func TestSwapChain_ImageCountClamped(t *testing.T) {
	g := gputest.New(800, 600)
	g.Adapters[0].MinImages = 3
	g.Adapters[0].MaxImages = 3
	f := newFixture(t, g, DeviceOptions{})
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	require.Equal(t, 3, sc.ImageCount())
}

func TestSwapChain_ConcurrentSharing(t *testing.T) {
	g := gputest.New(800, 600)
	g.Adapters[0].PresentFamilies = []int{1}
	f := newFixture(t, g, DeviceOptions{})
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	info := f.gpu.LastSwapchain()
	require.Equal(t, core1_0.SharingModeConcurrent, info.SharingMode)
	require.Equal(t, []int{0, 1}, info.QueueFamilies)

	for i := 0; i < 10; i++ {
		drawFrame(t, sc)
	}
	f.requireClean(t)
}

func TestSwapChain_PresentModes(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{VSync: true})
	defer sc.Destroy()
	require.Equal(t, khr_surface.PresentModeFIFO, f.gpu.LastSwapchain().PresentMode)

	sc.SetVSync(false)
	rebuilt, err := sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.True(t, rebuilt)
	require.Equal(t, khr_surface.PresentModeMailbox, f.gpu.LastSwapchain().PresentMode)

	require.Equal(t, khr_surface.PresentModeFIFO, choosePresentMode([]khr_surface.PresentMode{khr_surface.PresentModeFIFO}, false))
	require.Equal(t, khr_surface.PresentModeFIFO, choosePresentMode([]khr_surface.PresentMode{khr_surface.PresentModeMailbox, khr_surface.PresentModeFIFO}, true))
}

func TestSwapChain_ResizeIfNeededIsIdempotent(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	for i := 0; i < 2; i++ {
		rebuilt, err := sc.ResizeIfNeeded()
		require.NoError(t, err)
		require.False(t, rebuilt)
	}
	require.Equal(t, 1, f.gpu.Created(gputest.KindSwapchain))
	require.Equal(t, 3, f.gpu.Created(gputest.KindFence))
}

func TestSwapChain_Resize(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	drawFrame(t, sc)
	drawFrame(t, sc)
	require.Equal(t, 2, sc.CurrentFrame())
	oldFence := sc.Frame(0).InFlight()

	f.gpu.Window.Resize(1024, 768)
	rebuilt, err := sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.True(t, rebuilt)

	require.Equal(t, Built, sc.State())
	require.Equal(t, core1_0.Extent2D{Width: 1024, Height: 768}, sc.Extent())
	require.Equal(t, 0, sc.CurrentFrame())
	require.NotSame(t, oldFence, sc.Frame(0).InFlight())
	require.True(t, gputest.FenceSignaled(sc.Frame(0).InFlight()))
	require.NotNil(t, f.gpu.LastSwapchain().OldSwapchain)
	require.Equal(t, 1, f.gpu.Live(gputest.KindSwapchain))
	require.Equal(t, 1, sc.arena.live())
	require.Equal(t, 2, f.gpu.Live(gputest.KindImage))

	rebuilt, err = sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.False(t, rebuilt)
	f.requireClean(t)
}

func TestSwapChain_RequestResize(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	sc.RequestResize()
	sc.RequestResize()
	rebuilt, err := sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.True(t, rebuilt)

	rebuilt, err = sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.False(t, rebuilt)
	require.Equal(t, 2, f.gpu.Created(gputest.KindSwapchain))
}

func TestSwapChain_FramesInFlightBounded(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	for i := 0; i < 50; i++ {
		acquired, presented := drawFrame(t, sc)
		require.Equal(t, gpu.Success, acquired)
		require.Equal(t, gpu.Success, presented)
		require.LessOrEqual(t, f.gpu.InFlight(), sc.ImageCount())
	}

	require.Equal(t, sc.ImageCount(), f.gpu.MaxInFlight())
	require.Equal(t, 50%sc.ImageCount(), sc.CurrentFrame())
	f.requireClean(t)
}

func TestSwapChain_OutOfDateOnAcquire(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	drawFrame(t, sc)
	f.gpu.Window.Resize(640, 480)

	acquired, _ := drawFrame(t, sc)
	require.Equal(t, gpu.OutOfDate, acquired)
	require.Equal(t, core1_0.Extent2D{Width: 640, Height: 480}, sc.Extent())
	require.Equal(t, 0, sc.CurrentFrame())

	acquired, presented := drawFrame(t, sc)
	require.Equal(t, gpu.Success, acquired)
	require.Equal(t, gpu.Success, presented)
	f.requireClean(t)
}

func TestSwapChain_OutOfDateOnPresent(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	drawFrame(t, sc)
	frame := sc.CurrentFrame()
	imageIndex, res, err := sc.AcquireImage(frame)
	require.NoError(t, err)
	require.Equal(t, gpu.Success, res)

	cb := sc.Frame(frame).CommandBuffer()
	require.NoError(t, cb.Begin(0))
	require.NoError(t, cb.BeginRenderPass(gpu.RenderPassBegin{RenderPass: sc.RenderPass(), Framebuffer: sc.Framebuffer(imageIndex), Extent: sc.Extent()}))
	cb.EndRenderPass()
	require.NoError(t, cb.End())
	require.NoError(t, sc.Submit(frame))

	f.gpu.Window.Resize(1280, 720)
	res, err = sc.PresentImage(frame)
	require.NoError(t, err)
	require.Equal(t, gpu.OutOfDate, res)
	require.Equal(t, core1_0.Extent2D{Width: 1280, Height: 720}, sc.Extent())
	require.Equal(t, 0, sc.CurrentFrame())

	for i := 0; i < 5; i++ {
		drawFrame(t, sc)
	}
	f.requireClean(t)
}

func TestSwapChain_Minimized(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	drawFrame(t, sc)
	f.gpu.Window.Resize(0, 0)

	for i := 0; i < 3; i++ {
		acquired, _ := drawFrame(t, sc)
		require.Equal(t, gpu.OutOfDate, acquired)
	}
	require.Equal(t, 1, f.gpu.Created(gputest.KindSwapchain))
	require.Equal(t, core1_0.Extent2D{Width: 800, Height: 600}, sc.Extent())

	f.gpu.Window.Resize(800, 600)
	rebuilt, err := sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.True(t, rebuilt)

	acquired, presented := drawFrame(t, sc)
	require.Equal(t, gpu.Success, acquired)
	require.Equal(t, gpu.Success, presented)
	f.requireClean(t)
}

func TestSwapChain_FenceTimeout(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	for i := 0; i < sc.ImageCount(); i++ {
		drawFrame(t, sc)
	}

	f.gpu.Hang = true
	acquired, _ := drawFrame(t, sc)
	require.Equal(t, gpu.Timeout, acquired)
	require.Equal(t, 1, f.warnings())
	require.Equal(t, 0, sc.CurrentFrame())

	f.gpu.Hang = false
	acquired, _ = drawFrame(t, sc)
	require.Equal(t, gpu.Success, acquired)
	f.requireClean(t)
}

func TestSwapChain_DeviceLost(t *testing.T) {
	f := newDefaultFixture(t)
	sc := newSwapChain(t, f, SwapChainOptions{})

	f.gpu.Lost = true
	_, res, err := sc.AcquireImage(0)
	require.Equal(t, gpu.DeviceLost, res)
	require.True(t, errors.Is(err, ErrDeviceLost))
}

func TestSwapChain_SubmitRequiresAcquire(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	require.Error(t, sc.Submit(0))
	_, err := sc.PresentImage(0)
	require.Error(t, err)
}

func TestSwapChain_Destroy(t *testing.T) {
	f := newDefaultFixture(t)
	sc := newSwapChain(t, f, SwapChainOptions{})

	for i := 0; i < 4; i++ {
		drawFrame(t, sc)
	}

	sc.Destroy()
	require.Equal(t, Destroyed, sc.State())
	_, err := sc.ResizeIfNeeded()
	require.True(t, errors.Is(err, ErrDestroyed))

	_, res, err := sc.AcquireImage(0)
	require.True(t, errors.Is(err, ErrDestroyed))
	require.Equal(t, gpu.Failed, res)
	require.True(t, errors.Is(sc.Submit(0), ErrDestroyed))
	_, err = sc.PresentImage(0)
	require.True(t, errors.Is(err, ErrDestroyed))
	require.Nil(t, sc.Frame(0))
	require.Nil(t, sc.Framebuffer(0))
	sc.NextFrame()

	f.device.Destroy()
	for _, kind := range []string{gputest.KindSwapchain, gputest.KindImage, gputest.KindMemory, gputest.KindView,
		gputest.KindFramebuffer, gputest.KindRenderPass, gputest.KindPool, gputest.KindFence, gputest.KindSemaphore,
		gputest.KindDevice, gputest.KindSurface, gputest.KindInstance} {
		require.Zero(t, f.gpu.Live(kind), kind)
	}
	require.Equal(t, []string{gputest.KindDevice, gputest.KindSurface, gputest.KindInstance}, f.gpu.Events())
	f.requireClean(t)
}

func TestSwapChain_FenceWaitError(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	frame := sc.Frame(0)
	fence := frame.inFlight
	failure := errors.New("out of device memory")
	frame.inFlight = &erroringFence{Fence: fence, res: gpu.Success, err: failure}

	imageIndex, res, err := sc.AcquireImage(0)
	require.True(t, errors.Is(err, failure))
	require.Equal(t, gpu.Failed, res)
	require.Equal(t, -1, imageIndex)
	require.Equal(t, 1, f.warnings())
	// Nothing was acquired and the fence was not reset.
	require.True(t, gputest.FenceSignaled(fence))
	require.Error(t, sc.Submit(0))

	frame.inFlight = fence
	acquired, presented := drawFrame(t, sc)
	require.Equal(t, gpu.Success, acquired)
	require.Equal(t, gpu.Success, presented)
	f.requireClean(t)
}

func TestSwapChain_AcquireTimeoutKeepsFenceSignaled(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	f.gpu.AcquireTimeout = true
	imageIndex, res, err := sc.AcquireImage(0)
	require.NoError(t, err)
	require.Equal(t, gpu.Timeout, res)
	require.Equal(t, -1, imageIndex)
	require.Equal(t, 1, f.warnings())
	require.True(t, gputest.FenceSignaled(sc.Frame(0).InFlight()))

	f.gpu.AcquireTimeout = false
	acquired, presented := drawFrame(t, sc)
	require.Equal(t, gpu.Success, acquired)
	require.Equal(t, gpu.Success, presented)
	require.Equal(t, 1, f.warnings())
	f.requireClean(t)
}

func TestSwapChain_Abandon(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	_, res, err := sc.AcquireImage(0)
	require.NoError(t, err)
	require.Equal(t, gpu.Success, res)
	require.False(t, gputest.FenceSignaled(sc.Frame(0).InFlight()))

	sc.Abandon(0)
	require.Equal(t, 1, f.warnings())
	require.Error(t, sc.Submit(0))
	// A second call, or one for a slot without an image, does nothing.
	sc.Abandon(0)
	sc.Abandon(1)
	require.Equal(t, 1, f.warnings())

	rebuilt, err := sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.True(t, rebuilt)
	require.True(t, gputest.FenceSignaled(sc.Frame(0).InFlight()))

	for i := 0; i < 2*sc.ImageCount(); i++ {
		acquired, presented := drawFrame(t, sc)
		require.Equal(t, gpu.Success, acquired)
		require.Equal(t, gpu.Success, presented)
	}
	f.requireClean(t)
}

func TestSwapChain_FailedRebuildIsRetried(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()
	sc := newSwapChain(t, f, SwapChainOptions{})
	defer sc.Destroy()

	drawFrame(t, sc)

	failure := errors.New("out of device memory")
	f.gpu.AllocationError = failure
	f.gpu.Window.Resize(1024, 768)
	rebuilt, err := sc.ResizeIfNeeded()
	require.True(t, errors.Is(err, failure))
	require.False(t, rebuilt)
	require.Equal(t, Rebuilding, sc.State())

	_, res, err := sc.AcquireImage(0)
	require.Error(t, err)
	require.Equal(t, gpu.OutOfDate, res)
	require.Nil(t, sc.Frame(0))
	require.Nil(t, sc.Framebuffer(0))
	require.Error(t, sc.Submit(0))
	_, err = sc.Attachments(0)
	require.Error(t, err)
	sc.NextFrame()

	f.gpu.AllocationError = nil
	rebuilt, err = sc.ResizeIfNeeded()
	require.NoError(t, err)
	require.True(t, rebuilt)
	require.Equal(t, Built, sc.State())
	require.Equal(t, core1_0.Extent2D{Width: 1024, Height: 768}, sc.Extent())
	require.Equal(t, 1, f.gpu.Live(gputest.KindSwapchain))
	require.Equal(t, 1, sc.arena.live())

	acquired, presented := drawFrame(t, sc)
	require.Equal(t, gpu.Success, acquired)
	require.Equal(t, gpu.Success, presented)
	f.requireClean(t)
}
