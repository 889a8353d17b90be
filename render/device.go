// Package render manages the GPU resource lifecycle for a single window: the
// device and its queues, buffers and images with staged uploads, one-shot
// command buffers, and the swapchain with its per-frame synchronization.
//
// All calls are expected from one goroutine. Concurrency exists only between
// that goroutine and the GPU timeline, and is mediated by semaphores and
// fences owned by this package.
package render

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/renderkit/gpu"
)

const (
	DefaultFenceTimeout = 2 * time.Second
	DefaultFenceRetries = 3
)

// Window is the windowing collaborator.
type Window interface {
	// DrawableSize returns the framebuffer size in pixels.
	DrawableSize() (int, int)
}

type DeviceOptions struct {
	ApplicationName string
	Validation      bool
	// MaxSamples caps the multisample count of the swapchain attachments.
	// Zero leaves it uncapped.
	MaxSamples core1_0.SampleCountFlags
	// FenceTimeout bounds every fence wait. Zero means DefaultFenceTimeout.
	FenceTimeout time.Duration
	// FenceRetries is how many timed-out waits a blocking release tolerates
	// before it reports the device as lost. Zero means DefaultFenceRetries.
	FenceRetries int
	Logger       logrus.FieldLogger
}

// Device owns the instance, surface, adapter, logical device, queues and
// allocator. Construct it once with NewDevice and pass it to every other
// constructor; nothing in this package may outlive it.
type Device struct {
	log    logrus.FieldLogger
	opts   DeviceOptions
	window Window

	instance  gpu.Instance
	surface   gpu.Surface
	physical  gpu.PhysicalDevice
	handle    gpu.Device
	indices   QueueFamilyIndices
	queues    map[QueueKind]gpu.Queue
	allocator *Allocator

	limits      gpu.Limits
	depthFormat core1_0.Format
	samples     core1_0.SampleCountFlags

	destroyed bool
}

// NewDevice creates the instance, the window surface, selects the first
// adapter able to present to it, creates the logical device with one queue
// per distinct family and binds an allocator to it. Any failure is fatal to
// rendering; everything created up to that point is released again.
func NewDevice(loader gpu.Loader, window Window, opts DeviceOptions) (*Device, error) {
	if opts.FenceTimeout <= 0 {
		opts.FenceTimeout = DefaultFenceTimeout
	}
	if opts.FenceRetries <= 0 {
		opts.FenceRetries = DefaultFenceRetries
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	d := &Device{
		log:    opts.Logger,
		opts:   opts,
		window: window,
		queues: make(map[QueueKind]gpu.Queue),
	}

	err := d.init(loader)
	if err != nil {
		d.log.WithError(err).Error("failed to initialize device")
		d.teardown()
		return nil, err
	}

	return d, nil
}

func (d *Device) init(loader gpu.Loader) error {
	var err error
	d.instance, err = loader.CreateInstance(gpu.InstanceInfo{
		ApplicationName: d.opts.ApplicationName,
		Validation:      d.opts.Validation,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create instance")
	}

	d.surface, err = d.instance.CreateSurface()
	if err != nil {
		return errors.Wrap(err, "failed to create window surface")
	}

	err = d.pickPhysicalDevice()
	if err != nil {
		return err
	}

	err = d.createLogicalDevice()
	if err != nil {
		return err
	}

	d.allocator = newAllocator(d.handle, d.physical, d.log)
	return nil
}

func (d *Device) pickPhysicalDevice() error {
	physicalDevices, err := d.instance.PhysicalDevices()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate physical devices")
	}

	for _, device := range physicalDevices {
		suitable, err := d.isDeviceSuitable(device)
		if err != nil {
			return err
		}
		if suitable {
			d.physical = device
			break
		}
		d.log.WithField("adapter", device.Name()).Debug("skipping unsuitable adapter")
	}

	if d.physical == nil {
		return ErrNoSuitableAdapter
	}

	d.indices, err = FindQueueFamilies(d.physical, d.surface)
	if err != nil {
		return err
	}

	d.limits, err = d.physical.Limits()
	if err != nil {
		return errors.Wrap(err, "failed to read adapter limits")
	}
	d.samples = maxUsableSampleCount(d.limits.SampleCounts, d.opts.MaxSamples)

	d.depthFormat, err = d.findSupportedFormat(
		[]core1_0.Format{core1_0.FormatD32SignedFloat, core1_0.FormatD32SignedFloatS8UnsignedInt, core1_0.FormatD24UnsignedNormalizedS8UnsignedInt},
		core1_0.ImageTilingOptimal,
		core1_0.FormatFeatureDepthStencilAttachment)
	if err != nil {
		return errors.Wrap(err, "no depth format")
	}

	d.log.WithFields(logrus.Fields{
		"adapter":  d.physical.Name(),
		"graphics": *d.indices.GraphicsFamily,
		"present":  *d.indices.PresentFamily,
		"transfer": *d.indices.TransferFamily,
		"samples":  int(d.samples),
	}).Info("selected adapter")
	return nil
}

func (d *Device) isDeviceSuitable(device gpu.PhysicalDevice) (bool, error) {
	indices, err := FindQueueFamilies(device, d.surface)
	if err != nil {
		return false, err
	}

	hasSwapchain, err := device.HasExtension(khr_swapchain.ExtensionName)
	if err != nil {
		return false, errors.Wrap(err, "failed to enumerate device extensions")
	}

	if !indices.IsComplete() || !hasSwapchain {
		return false, nil
	}

	formats, err := device.SurfaceFormats(d.surface)
	if err != nil {
		return false, errors.Wrap(err, "failed to query surface formats")
	}
	presentModes, err := device.PresentModes(d.surface)
	if err != nil {
		return false, errors.Wrap(err, "failed to query present modes")
	}

	return len(formats) > 0 && len(presentModes) > 0, nil
}

func (d *Device) createLogicalDevice() error {
	var err error
	d.handle, err = d.physical.CreateDevice(gpu.DeviceInfo{
		QueueFamilies:     d.indices.Unique(),
		Extensions:        []string{khr_swapchain.ExtensionName},
		SamplerAnisotropy: d.limits.SamplerAnisotropy,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create logical device on %s", d.physical.Name())
	}

	for _, kind := range []QueueKind{QueueGraphics, QueuePresent, QueueTransfer} {
		d.queues[kind] = d.handle.Queue(d.indices.Family(kind))
	}
	return nil
}

func maxUsableSampleCount(counts, limit core1_0.SampleCountFlags) core1_0.SampleCountFlags {
	for _, samples := range []core1_0.SampleCountFlags{
		core1_0.Samples64, core1_0.Samples32, core1_0.Samples16,
		core1_0.Samples8, core1_0.Samples4, core1_0.Samples2,
	} {
		if counts&samples != 0 && (limit == 0 || samples <= limit) {
			return samples
		}
	}
	return core1_0.Samples1
}

func (d *Device) findSupportedFormat(formats []core1_0.Format, tiling core1_0.ImageTiling, features core1_0.FormatFeatureFlags) (core1_0.Format, error) {
	for _, format := range formats {
		if d.physical.FormatFeatures(format, tiling)&features == features {
			return format, nil
		}
	}
	return 0, ErrFormatNotSupported
}

func (d *Device) check() {
	if d.destroyed {
		panic(errors.Wrap(ErrDestroyed, "use of render.Device after Destroy"))
	}
}

func (d *Device) PhysicalDevice() gpu.PhysicalDevice {
	d.check()
	return d.physical
}

// Handle returns the logical device.
func (d *Device) Handle() gpu.Device {
	d.check()
	return d.handle
}

func (d *Device) Surface() gpu.Surface {
	d.check()
	return d.surface
}

func (d *Device) Allocator() *Allocator {
	d.check()
	return d.allocator
}

func (d *Device) Queue(kind QueueKind) gpu.Queue {
	d.check()
	return d.queues[kind]
}

func (d *Device) QueueFamilies() QueueFamilyIndices {
	d.check()
	return d.indices
}

func (d *Device) Logger() logrus.FieldLogger {
	return d.log
}

// DepthFormat returns the depth attachment format chosen for the adapter.
func (d *Device) DepthFormat() core1_0.Format {
	d.check()
	return d.depthFormat
}

// SampleCount returns the multisample count used for swapchain attachments.
func (d *Device) SampleCount() core1_0.SampleCountFlags {
	d.check()
	return d.samples
}

func (d *Device) Limits() gpu.Limits {
	d.check()
	return d.limits
}

func (d *Device) FenceTimeout() time.Duration {
	return d.opts.FenceTimeout
}

// SetFenceTimeout changes the bound on fence waits issued from now on. Zero
// restores DefaultFenceTimeout.
func (d *Device) SetFenceTimeout(timeout time.Duration) {
	d.check()
	if timeout <= 0 {
		timeout = DefaultFenceTimeout
	}
	d.opts.FenceTimeout = timeout
}

// CurrentExtent negotiates the surface capabilities against the window's
// drawable size. A surface with a fixed current extent wins; otherwise the
// drawable size is clamped to the supported range.
func (d *Device) CurrentExtent() (core1_0.Extent2D, error) {
	d.check()
	caps, err := d.physical.SurfaceCapabilities(d.surface)
	if err != nil {
		return core1_0.Extent2D{}, errors.Wrap(err, "failed to query surface capabilities")
	}
	return chooseExtent(caps, d.window), nil
}

func chooseExtent(caps *khr_surface.SurfaceCapabilities, window Window) core1_0.Extent2D {
	if caps.CurrentExtent.Width != -1 {
		return caps.CurrentExtent
	}

	width, height := window.DrawableSize()
	return core1_0.Extent2D{
		Width:  clamp(width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clamp(height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// PreferredSurfaceFormat returns B8G8R8A8 sRGB with the sRGB non-linear
// colour space if the surface offers it, and the first offered format
// otherwise.
func (d *Device) PreferredSurfaceFormat() (khr_surface.SurfaceFormat, error) {
	d.check()
	formats, err := d.physical.SurfaceFormats(d.surface)
	if err != nil {
		return khr_surface.SurfaceFormat{}, errors.Wrap(err, "failed to query surface formats")
	}
	if len(formats) == 0 {
		return khr_surface.SurfaceFormat{}, errors.Wrap(ErrFormatNotSupported, "surface offers no formats")
	}

	for _, format := range formats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format, nil
		}
	}
	return formats[0], nil
}

// WaitIdle blocks until the device has finished all submitted work.
func (d *Device) WaitIdle() error {
	d.check()
	return errors.Wrap(d.handle.WaitIdle(), "device wait idle")
}

// waitFence waits for a fence for at most attempts times the configured
// timeout. A lost device, or a fence that never signals, is reported as
// ErrDeviceLost.
func (d *Device) waitFence(fence gpu.Fence, what string, attempts int) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := fence.Wait(d.opts.FenceTimeout)
		switch {
		case res == gpu.DeviceLost:
			return errors.Wrapf(ErrDeviceLost, "waiting for %s fence", what)
		case err != nil:
			// The fence state is unknown, so it must not read as signaled.
			return errors.Wrapf(err, "waiting for %s fence", what)
		case res == gpu.Success:
			return nil
		}
		d.log.WithFields(logrus.Fields{
			"fence":   what,
			"attempt": attempt,
			"timeout": d.opts.FenceTimeout,
			"result":  res,
		}).Warn("fence wait timed out")
	}
	return errors.Wrapf(ErrDeviceLost, "%s fence did not signal after %d waits", what, attempts)
}

// Destroy releases the allocator, the logical device, the surface and the
// instance, in that order. Every other object created from the device must
// already be destroyed. Any later use of the device panics.
func (d *Device) Destroy() {
	if d.destroyed {
		return
	}
	if d.handle != nil {
		if err := d.handle.WaitIdle(); err != nil {
			d.log.WithError(err).Warn("device wait idle before destroy failed")
		}
	}
	d.teardown()
	d.destroyed = true
	d.log.Debug("device destroyed")
}

func (d *Device) teardown() {
	if d.allocator != nil {
		d.allocator.destroy()
		d.allocator = nil
	}
	if d.handle != nil {
		d.handle.Destroy()
		d.handle = nil
	}
	if d.surface != nil {
		d.surface.Destroy()
		d.surface = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}
