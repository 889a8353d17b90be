package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobuffalo/envy"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/renderkit/gpu"
	"github.com/vkngwrapper/renderkit/gpu/gputest"
	"github.com/vkngwrapper/renderkit/render"
)

func newEngine(t *testing.T, settings Settings, record RecordFunc) (*Engine, *gputest.GPU, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	g := gputest.New(settings.Width, settings.Height)
	device, err := render.NewDevice(g, g.Window, settings.DeviceOptions("engine test", logger))
	require.NoError(t, err)
	t.Cleanup(device.Destroy)

	e, err := New(device, settings, record)
	require.NoError(t, err)
	t.Cleanup(e.Destroy)

	return e, g, hook
}

func TestSetting_String(t *testing.T) {
	assert.Equal(t, "vsync", SettingVSync.String())
	assert.Equal(t, "frames_per_second", SettingFramesPerSecond.String())
	assert.Equal(t, "unknown", Setting(99).String())
}

func TestSettings_Diff(t *testing.T) {
	a := DefaultSettings()
	require.Empty(t, a.Diff(a))

	b := a
	b.VSync = false
	b.Height = 1080
	b.FenceTimeout = time.Second
	require.Equal(t, []Setting{SettingVSync, SettingFenceTimeout, SettingHeight}, a.Diff(b))
}

func TestLoadSettings(t *testing.T) {
	envy.Temp(func() {
		envy.Set(EnvVSync, "false")
		envy.Set(EnvMaxSamples, "4")
		envy.Set(EnvFenceTimeout, "500ms")
		envy.Set(EnvFramesPerSecond, "144")
		envy.Set(EnvWidth, "1280")

		s, err := LoadSettings()
		require.NoError(t, err)
		require.False(t, s.VSync)
		require.Equal(t, core1_0.Samples4, s.MaxSamples)
		require.Equal(t, 500*time.Millisecond, s.FenceTimeout)
		require.Equal(t, 144, s.FramesPerSecond)
		require.Equal(t, 1280, s.Width)
		require.Equal(t, 600, s.Height)
		require.False(t, s.Validation)
	})
}

func TestLoadSettings_Invalid(t *testing.T) {
	for key, value := range map[string]string{
		EnvVSync:           "sometimes",
		EnvMaxSamples:      "3",
		EnvFenceTimeout:    "soon",
		EnvFramesPerSecond: "-1",
		EnvHeight:          "tall",
	} {
		envy.Temp(func() {
			envy.Set(key, value)
			_, err := LoadSettings()
			require.Error(t, err, key)
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestEngine_DrawFrame(t *testing.T) {
	var targets []Target
	e, g, _ := newEngine(t, DefaultSettings(), func(cb gpu.CommandBuffer, target Target) error {
		targets = append(targets, target)
		return nil
	})

	for i := 0; i < 12; i++ {
		res, err := e.DrawFrame()
		require.NoError(t, err)
		require.Equal(t, gpu.Success, res)
	}

	sc := e.SwapChain()
	require.Len(t, targets, 12)
	for i, target := range targets {
		require.Equal(t, i%sc.ImageCount(), target.Frame)
		require.Equal(t, sc.RenderPass(), target.RenderPass)
		require.Equal(t, sc.Extent(), target.Extent)
	}

	stats := e.Stats()
	require.Equal(t, 12, stats.Frames)
	require.Zero(t, stats.Skipped)
	require.LessOrEqual(t, g.MaxInFlight(), sc.ImageCount())
	require.Empty(t, g.Violations())
}

func TestEngine_DrawFrameAfterResize(t *testing.T) {
	e, g, _ := newEngine(t, DefaultSettings(), nil)

	_, err := e.DrawFrame()
	require.NoError(t, err)

	g.Window.Resize(1024, 768)
	res, err := e.DrawFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.Success, res)
	require.Equal(t, core1_0.Extent2D{Width: 1024, Height: 768}, e.SwapChain().Extent())

	stats := e.Stats()
	require.Equal(t, 2, stats.Frames)
	require.Equal(t, 1, stats.Rebuilds)
	require.Zero(t, stats.Skipped)
	require.Empty(t, g.Violations())
}

func TestEngine_Minimized(t *testing.T) {
	e, g, _ := newEngine(t, DefaultSettings(), nil)

	_, err := e.DrawFrame()
	require.NoError(t, err)

	g.Window.Resize(0, 0)
	for i := 0; i < 3; i++ {
		res, err := e.DrawFrame()
		require.NoError(t, err)
		require.Equal(t, gpu.OutOfDate, res)
	}
	require.Equal(t, 1, g.Created(gputest.KindSwapchain))

	g.Window.Resize(640, 480)
	res, err := e.DrawFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.Success, res)

	stats := e.Stats()
	require.Equal(t, 2, stats.Frames)
	require.Equal(t, 3, stats.Skipped)
	require.Equal(t, 3, stats.Stale)
	require.Equal(t, 1, stats.Rebuilds)
	require.Empty(t, g.Violations())
}

func TestEngine_Resized(t *testing.T) {
	e, g, _ := newEngine(t, DefaultSettings(), nil)

	e.Resized()
	res, err := e.DrawFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.Success, res)
	require.Equal(t, 2, g.Created(gputest.KindSwapchain))
	require.Equal(t, 1, e.Stats().Rebuilds)
}

func TestEngine_RecordError(t *testing.T) {
	failure := errors.New("pipeline not ready")
	calls := 0
	e, g, hook := newEngine(t, DefaultSettings(), func(cb gpu.CommandBuffer, target Target) error {
		calls++
		if calls == 1 {
			return failure
		}
		return nil
	})

	res, err := e.DrawFrame()
	require.True(t, errors.Is(err, failure))
	require.Equal(t, gpu.Success, res)
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	// The frame was still submitted and presented.
	require.Equal(t, 1, e.SwapChain().CurrentFrame())
	for i := 0; i < 5; i++ {
		_, err = e.DrawFrame()
		require.NoError(t, err)
	}
	require.Empty(t, g.Violations())
}

func TestEngine_SubmitFailureRebuilds(t *testing.T) {
	e, g, _ := newEngine(t, DefaultSettings(), nil)

	_, err := e.DrawFrame()
	require.NoError(t, err)
	frame := e.SwapChain().CurrentFrame()

	failure := errors.New("queue submit failed")
	g.SubmitError = failure
	res, err := e.DrawFrame()
	require.True(t, errors.Is(err, failure))
	require.Equal(t, gpu.Failed, res)
	require.Equal(t, frame, e.SwapChain().CurrentFrame())
	g.SubmitError = nil

	// The acquired slot is not left waiting on a fence nothing will signal.
	for i := 0; i < 2*e.SwapChain().ImageCount(); i++ {
		res, err = e.DrawFrame()
		require.NoError(t, err)
		require.Equal(t, gpu.Success, res)
	}

	stats := e.Stats()
	require.Equal(t, 1, stats.Rebuilds)
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, 1+2*e.SwapChain().ImageCount(), stats.Frames)
	require.Empty(t, g.Violations())
}

func TestEngine_UnrecordedFrameRebuilds(t *testing.T) {
	calls := 0
	e, _, _ := newEngine(t, DefaultSettings(), func(cb gpu.CommandBuffer, target Target) error {
		calls++
		if calls == 1 {
			// Leaves the command buffer unusable for the engine's own End.
			return cb.End()
		}
		return nil
	})

	res, err := e.DrawFrame()
	require.Error(t, err)
	require.Equal(t, gpu.Failed, res)
	require.Equal(t, 0, e.SwapChain().CurrentFrame())

	for i := 0; i < 5; i++ {
		res, err = e.DrawFrame()
		require.NoError(t, err)
		require.Equal(t, gpu.Success, res)
	}
	require.Equal(t, 1, e.Stats().Rebuilds)
	require.Equal(t, 5%e.SwapChain().ImageCount(), e.SwapChain().CurrentFrame())
}

func TestEngine_ApplySettings(t *testing.T) {
	e, g, _ := newEngine(t, DefaultSettings(), nil)
	require.Equal(t, khr_surface.PresentModeFIFO, g.LastSwapchain().PresentMode)

	changed, err := e.ApplySettings(e.Settings())
	require.NoError(t, err)
	require.Empty(t, changed)

	s := e.Settings()
	s.VSync = false
	s.FenceTimeout = 250 * time.Millisecond
	s.Validation = true
	changed, err = e.ApplySettings(s)
	require.NoError(t, err)
	require.Equal(t, []Setting{SettingVSync, SettingFenceTimeout, SettingValidation}, changed)

	require.Equal(t, 2, g.Created(gputest.KindSwapchain))
	require.Equal(t, khr_surface.PresentModeMailbox, g.LastSwapchain().PresentMode)
	require.False(t, e.SwapChain().VSync())
	require.Equal(t, 250*time.Millisecond, e.device.FenceTimeout())
	require.Equal(t, s, e.Settings())

	res, err := e.DrawFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.Success, res)
	require.Empty(t, g.Violations())
}

func TestEngine_Pace(t *testing.T) {
	e, _, _ := newEngine(t, DefaultSettings(), nil)

	require.NoError(t, e.Pace(context.Background()))

	s := e.Settings()
	s.FramesPerSecond = 1000
	_, err := e.ApplySettings(s)
	require.NoError(t, err)
	require.NoError(t, e.Pace(context.Background()))

	s.FramesPerSecond = 1
	_, err = e.ApplySettings(s)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, e.Pace(ctx), context.Canceled)
}

func TestEngine_ClearColor(t *testing.T) {
	e, g, _ := newEngine(t, DefaultSettings(), nil)

	asked := 0
	e.SetClearColor(func() [4]float32 {
		asked++
		return [4]float32{0.1, 0.2, 0.3, 1}
	})
	for i := 0; i < 3; i++ {
		_, err := e.DrawFrame()
		require.NoError(t, err)
	}
	require.Equal(t, 3, asked)
	require.Empty(t, g.Violations())
}

func TestStats_FPS(t *testing.T) {
	var s Stats
	require.Zero(t, s.FPS())
	require.Zero(t, s.SinceLastFrame())

	s.Average = 10 * time.Millisecond
	require.InDelta(t, 100, s.FPS(), 0.001)
}
