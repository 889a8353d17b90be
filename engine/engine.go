// Package engine drives the frame loop on top of a render.Device: it owns the
// swapchain, records each frame through a caller supplied function, applies
// settings changes and keeps frame statistics.
package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
	"github.com/vkngwrapper/renderkit/render"
)

// Target is what a frame renders into. The render pass is already begun on
// the command buffer handed to a RecordFunc.
type Target struct {
	Frame       int
	ImageIndex  int
	RenderPass  gpu.RenderPass
	Framebuffer gpu.Framebuffer
	Extent      core1_0.Extent2D
}

// RecordFunc records the draw commands of one frame.
type RecordFunc func(cb gpu.CommandBuffer, target Target) error

// ClearFunc returns the clear colour of the next frame.
type ClearFunc func() [4]float32

type Engine struct {
	device    *render.Device
	swapchain *render.SwapChain
	log       logrus.FieldLogger

	settings Settings
	record   RecordFunc
	clear    ClearFunc

	stats  Stats
	ticker *time.Ticker
}

// New builds the swapchain for device and returns an engine ready to draw.
// record may be nil, in which case frames are only cleared.
func New(device *render.Device, settings Settings, record RecordFunc) (*Engine, error) {
	e := &Engine{
		device:   device,
		log:      device.Logger().WithField("component", "engine"),
		settings: settings,
		record:   record,
		clear: func() [4]float32 {
			return [4]float32{0, 0, 0, 1}
		},
	}

	var err error
	e.swapchain, err = render.NewSwapChain(device, render.SwapChainOptions{VSync: settings.VSync})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create swapchain")
	}
	e.resetTicker()

	return e, nil
}

func (e *Engine) SwapChain() *render.SwapChain {
	return e.swapchain
}

func (e *Engine) Settings() Settings {
	return e.settings
}

func (e *Engine) Stats() Stats {
	return e.stats
}

// SetClearColor sets the function asked for each frame's clear colour.
func (e *Engine) SetClearColor(clear ClearFunc) {
	e.clear = clear
}

// Resized tells the engine the window reported a resize. The swapchain is
// rebuilt before the next frame is drawn.
func (e *Engine) Resized() {
	e.swapchain.RequestResize()
}

// ApplySettings switches to s and performs the rebuilds the change needs.
// It returns the settings that changed. MaxSamples, Validation and the
// window size are fixed once the device and window exist; changes to them
// are recorded and take effect on the next start.
func (e *Engine) ApplySettings(s Settings) ([]Setting, error) {
	changed := e.settings.Diff(s)
	if len(changed) == 0 {
		return nil, nil
	}
	e.settings = s

	for _, setting := range changed {
		log := e.log.WithField("setting", setting)
		switch setting {
		case SettingVSync:
			e.swapchain.SetVSync(s.VSync)
			rebuilt, err := e.swapchain.ResizeIfNeeded()
			if err != nil {
				return changed, errors.Wrap(err, "failed to rebuild swapchain for vsync change")
			}
			log.WithField("rebuilt", rebuilt).Debug("vsync changed")
		case SettingFenceTimeout:
			e.device.SetFenceTimeout(s.FenceTimeout)
		case SettingFramesPerSecond:
			e.resetTicker()
		default:
			log.Info("setting takes effect on next start")
		}
	}

	return changed, nil
}

func (e *Engine) resetTicker() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if e.settings.FramesPerSecond > 0 {
		e.ticker = time.NewTicker(time.Second / time.Duration(e.settings.FramesPerSecond))
	}
}

// Pace blocks until the next frame is due under the FramesPerSecond cap. It
// returns at once when the rate is uncapped.
func (e *Engine) Pace(ctx context.Context) error {
	if e.ticker == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ticker.C:
		return nil
	}
}

// DrawFrame rebuilds the swapchain if a resize is pending, acquires an image
// for the current frame slot, records and submits the frame, and presents
// it. The frame slot advances only when the present succeeds.
//
// Timeout and OutOfDate mean the tick was skipped, the latter after a
// swapchain rebuild or while the window has no size. An error from the
// RecordFunc is returned after the frame was still submitted and presented,
// so the slot stays usable. When the command buffer could not be recorded or
// submitted the slot is abandoned and the next call rebuilds the swapchain.
func (e *Engine) DrawFrame() (gpu.Result, error) {
	sc := e.swapchain
	e.stats.begin()

	rebuilt, err := sc.ResizeIfNeeded()
	if err != nil {
		return gpu.Failed, err
	}
	if rebuilt {
		e.stats.Rebuilds++
	}

	frame := sc.CurrentFrame()
	imageIndex, res, err := sc.AcquireImage(frame)
	if err != nil {
		return res, err
	}
	switch res {
	case gpu.Success:
	case gpu.Suboptimal:
		e.stats.Stale++
	case gpu.OutOfDate:
		e.stats.Stale++
		e.stats.Skipped++
		return res, nil
	default:
		e.stats.Skipped++
		return res, nil
	}

	recordErr := e.recordFrame(frame, imageIndex)
	if recordErr != nil && errors.Is(recordErr, errNotRecorded) {
		sc.Abandon(frame)
		e.stats.Skipped++
		return gpu.Failed, recordErr
	}

	err = sc.Submit(frame)
	if err != nil {
		sc.Abandon(frame)
		e.stats.Skipped++
		return gpu.Failed, errors.CombineErrors(err, recordErr)
	}

	res, err = sc.PresentImage(frame)
	if res.Stale() {
		e.stats.Stale++
	}
	if err != nil {
		return res, errors.CombineErrors(err, recordErr)
	}
	if res == gpu.Success {
		sc.NextFrame()
		e.stats.presented()
	}

	return res, recordErr
}

// errNotRecorded marks failures that leave the command buffer unusable for
// submission.
var errNotRecorded = errors.New("frame command buffer not recorded")

func (e *Engine) recordFrame(frame, imageIndex int) error {
	sc := e.swapchain
	cb := sc.Frame(frame).CommandBuffer()

	err := cb.Begin(0)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to begin frame command buffer"), errNotRecorded)
	}

	target := Target{
		Frame:       frame,
		ImageIndex:  imageIndex,
		RenderPass:  sc.RenderPass(),
		Framebuffer: sc.Framebuffer(imageIndex),
		Extent:      sc.Extent(),
	}
	err = cb.BeginRenderPass(gpu.RenderPassBegin{
		RenderPass:  target.RenderPass,
		Framebuffer: target.Framebuffer,
		Extent:      target.Extent,
		ClearColor:  e.clear(),
		ClearDepth:  1,
	})
	if err != nil {
		_ = cb.End()
		return errors.Mark(errors.Wrap(err, "failed to begin render pass"), errNotRecorded)
	}

	var recordErr error
	if e.record != nil {
		recordErr = e.record(cb, target)
		if recordErr != nil {
			e.log.WithError(recordErr).WithField("frame", frame).Warn("frame recording failed")
		}
	}

	cb.EndRenderPass()
	err = cb.End()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to end frame command buffer"), errNotRecorded)
	}
	return recordErr
}

// Destroy releases the swapchain. The device stays with its owner.
func (e *Engine) Destroy() {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	e.swapchain.Destroy()
}
