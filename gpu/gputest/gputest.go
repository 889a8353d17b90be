// Package gputest provides an in-memory implementation of the gpu interfaces
// for tests.
//
// Submitted work does not run when it is submitted. It stays pending until
// something on the CPU side waits for it (a fence wait, a queue or device
// idle wait), and it then runs in submission order. Code that forgets to wait
// therefore observes stale memory, the same way it would on hardware.
//
// Misuse that a validation layer would report (resetting a fence that is in
// flight, re-submitting a pending command buffer, transitioning an image from
// the wrong layout, mapping device-local memory, destroying the device with
// live allocations) is recorded and exposed through GPU.Violations.
package gputest

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/renderkit/gpu"
)

// Object kinds counted by GPU.Created and GPU.Live.
const (
	KindInstance    = "instance"
	KindSurface     = "surface"
	KindDevice      = "device"
	KindBuffer      = "buffer"
	KindImage       = "image"
	KindMemory      = "memory"
	KindView        = "view"
	KindSampler     = "sampler"
	KindRenderPass  = "renderpass"
	KindFramebuffer = "framebuffer"
	KindPool        = "pool"
	KindFence       = "fence"
	KindSemaphore   = "semaphore"
	KindSwapchain   = "swapchain"
)

// Memory type indices of the default configuration.
const (
	DeviceLocalType = 0
	HostVisibleType = 1
)

// AdapterConfig describes one fake physical device.
type AdapterConfig struct {
	Name            string
	QueueFamilies   []gpu.QueueFamily
	PresentFamilies []int
	Extensions      []string
	MemoryTypes     []core1_0.MemoryType
	// TypeBits restricts the memory types buffers and images accept. Zero
	// accepts every type.
	TypeBits     uint32
	Limits       gpu.Limits
	MinImages    int
	MaxImages    int
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode
	// LinearBlit reports linear-filter blit support for every format.
	LinearBlit bool
	// DepthFormats lists formats usable as optimal-tiling depth attachments.
	DepthFormats []core1_0.Format
	// FailDevice makes CreateDevice fail.
	FailDevice bool
}

// DefaultAdapter returns a discrete-GPU-like adapter: graphics+present on
// family 0, a transfer-only family 1, split device-local and host-visible
// memory, swapchain support and a 2 image minimum.
func DefaultAdapter() AdapterConfig {
	return AdapterConfig{
		Name: "gputest adapter",
		QueueFamilies: []gpu.QueueFamily{
			{Flags: core1_0.QueueGraphics | core1_0.QueueCompute | core1_0.QueueTransfer, QueueCount: 16},
			{Flags: core1_0.QueueTransfer, QueueCount: 2},
		},
		PresentFamilies: []int{0},
		Extensions:      []string{khr_swapchain.ExtensionName},
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent},
		},
		Limits: gpu.Limits{
			SampleCounts:         core1_0.Samples1 | core1_0.Samples2 | core1_0.Samples4 | core1_0.Samples8,
			MaxSamplerAnisotropy: 16,
			SamplerAnisotropy:    true,
		},
		MinImages: 2,
		MaxImages: 8,
		Formats: []khr_surface.SurfaceFormat{
			{Format: core1_0.FormatR8G8B8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
			{Format: core1_0.FormatB8G8R8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
		},
		PresentModes: []khr_surface.PresentMode{khr_surface.PresentModeFIFO, khr_surface.PresentModeMailbox},
		LinearBlit:   true,
		DepthFormats: []core1_0.Format{core1_0.FormatD32SignedFloat},
	}
}

// GPU is the fake driver. It implements gpu.Loader.
type GPU struct {
	Adapters []AdapterConfig
	Window   *Window
	// UndefinedExtent makes surfaces report no current extent, leaving the
	// choice to the application (as Wayland does).
	UndefinedExtent bool
	// Hang makes fence waits on in-flight work time out instead of
	// completing it.
	Hang bool
	// Lost makes every fence wait report a lost device.
	Lost bool
	// AllocationError, when set, fails every memory allocation.
	AllocationError error
	// SubmitError, when set, fails every queue submission.
	SubmitError error
	// AcquireTimeout makes swapchain image acquisition time out.
	AcquireTimeout bool

	violations []string
	created    map[string]int
	live       map[string]int
	events     []string

	pending     []*submission
	inFlight    int
	maxInFlight int

	lastSwapchain gpu.SwapchainInfo
	device        *device
}

// New returns a fake GPU with the default adapter and a window of the given
// drawable size.
func New(width, height int) *GPU {
	return &GPU{
		Adapters: []AdapterConfig{DefaultAdapter()},
		Window:   &Window{Width: width, Height: height},
		created:  make(map[string]int),
		live:     make(map[string]int),
	}
}

// Window is a fake window collaborator.
type Window struct {
	Width, Height int
}

// DrawableSize returns the framebuffer size in pixels.
func (w *Window) DrawableSize() (int, int) {
	return w.Width, w.Height
}

// Resize changes the drawable size.
func (w *Window) Resize(width, height int) {
	w.Width, w.Height = width, height
}

// Violations returns every recorded misuse.
func (g *GPU) Violations() []string {
	return append([]string(nil), g.violations...)
}

// Created returns the number of objects of kind created so far.
func (g *GPU) Created(kind string) int {
	return g.created[kind]
}

// Live returns the number of objects of kind not yet destroyed.
func (g *GPU) Live(kind string) int {
	return g.live[kind]
}

// Events returns the destruction order of instance-level objects.
func (g *GPU) Events() []string {
	return append([]string(nil), g.events...)
}

// MaxInFlight returns the largest number of submissions that were pending at
// the same time.
func (g *GPU) MaxInFlight() int {
	return g.maxInFlight
}

// InFlight returns the number of pending submissions.
func (g *GPU) InFlight() int {
	return g.inFlight
}

// LastSwapchain returns the parameters of the most recent swapchain creation.
func (g *GPU) LastSwapchain() gpu.SwapchainInfo {
	return g.lastSwapchain
}

func (g *GPU) violate(format string, args ...any) {
	g.violations = append(g.violations, fmt.Sprintf(format, args...))
}

func (g *GPU) create(kind string) {
	g.created[kind]++
	g.live[kind]++
}

func (g *GPU) destroy(kind string) {
	if g.live[kind] == 0 {
		g.violate("%s destroyed twice", kind)
		return
	}
	g.live[kind]--
}

// CreateInstance implements gpu.Loader.
func (g *GPU) CreateInstance(info gpu.InstanceInfo) (gpu.Instance, error) {
	g.create(KindInstance)
	return &instance{gpu: g}, nil
}

type instance struct {
	gpu       *GPU
	destroyed bool
}

func (i *instance) CreateSurface() (gpu.Surface, error) {
	i.gpu.create(KindSurface)
	return &surface{gpu: i.gpu}, nil
}

func (i *instance) PhysicalDevices() ([]gpu.PhysicalDevice, error) {
	var devices []gpu.PhysicalDevice
	for idx := range i.gpu.Adapters {
		devices = append(devices, &physicalDevice{gpu: i.gpu, cfg: &i.gpu.Adapters[idx]})
	}
	return devices, nil
}

func (i *instance) Destroy() {
	if i.gpu.live[KindSurface] > 0 {
		i.gpu.violate("instance destroyed before its surface")
	}
	i.gpu.destroy(KindInstance)
	i.gpu.events = append(i.gpu.events, KindInstance)
}

type surface struct {
	gpu *GPU
}

func (s *surface) Destroy() {
	if s.gpu.live[KindDevice] > 0 {
		s.gpu.violate("surface destroyed before the device")
	}
	s.gpu.destroy(KindSurface)
	s.gpu.events = append(s.gpu.events, KindSurface)
}

type physicalDevice struct {
	gpu *GPU
	cfg *AdapterConfig
}

func (p *physicalDevice) Name() string {
	return p.cfg.Name
}

func (p *physicalDevice) QueueFamilies() []gpu.QueueFamily {
	return p.cfg.QueueFamilies
}

func (p *physicalDevice) SurfaceSupport(s gpu.Surface, family int) (bool, error) {
	for _, f := range p.cfg.PresentFamilies {
		if f == family {
			return true, nil
		}
	}
	return false, nil
}

func (p *physicalDevice) HasExtension(name string) (bool, error) {
	for _, ext := range p.cfg.Extensions {
		if ext == name {
			return true, nil
		}
	}
	return false, nil
}

func (p *physicalDevice) MemoryTypes() []core1_0.MemoryType {
	return p.cfg.MemoryTypes
}

func (p *physicalDevice) FormatFeatures(format core1_0.Format, tiling core1_0.ImageTiling) core1_0.FormatFeatureFlags {
	var features core1_0.FormatFeatureFlags
	if p.cfg.LinearBlit {
		features |= core1_0.FormatFeatureSampledImageFilterLinear
	}
	if tiling == core1_0.ImageTilingOptimal {
		for _, f := range p.cfg.DepthFormats {
			if f == format {
				features |= core1_0.FormatFeatureDepthStencilAttachment
			}
		}
	}
	return features
}

func (p *physicalDevice) Limits() (gpu.Limits, error) {
	return p.cfg.Limits, nil
}

func (p *physicalDevice) SurfaceCapabilities(s gpu.Surface) (*khr_surface.SurfaceCapabilities, error) {
	w, h := p.gpu.Window.DrawableSize()
	current := core1_0.Extent2D{Width: w, Height: h}
	if p.gpu.UndefinedExtent {
		current = core1_0.Extent2D{Width: -1, Height: -1}
	}
	return &khr_surface.SurfaceCapabilities{
		MinImageCount:  p.cfg.MinImages,
		MaxImageCount:  p.cfg.MaxImages,
		CurrentExtent:  current,
		MinImageExtent: core1_0.Extent2D{Width: 1, Height: 1},
		MaxImageExtent: core1_0.Extent2D{Width: 4096, Height: 4096},
	}, nil
}

func (p *physicalDevice) SurfaceFormats(s gpu.Surface) ([]khr_surface.SurfaceFormat, error) {
	return p.cfg.Formats, nil
}

func (p *physicalDevice) PresentModes(s gpu.Surface) ([]khr_surface.PresentMode, error) {
	return p.cfg.PresentModes, nil
}

func (p *physicalDevice) CreateDevice(info gpu.DeviceInfo) (gpu.Device, error) {
	if p.cfg.FailDevice {
		return nil, errors.New("gputest: device creation failed")
	}
	seen := make(map[int]bool)
	for _, f := range info.QueueFamilies {
		if seen[f] {
			p.gpu.violate("queue family %d requested twice", f)
		}
		seen[f] = true
		if f < 0 || f >= len(p.cfg.QueueFamilies) {
			p.gpu.violate("queue family %d does not exist", f)
		}
	}
	p.gpu.create(KindDevice)
	d := &device{gpu: p.gpu, cfg: p.cfg, queues: make(map[int]*queue), families: info.QueueFamilies}
	for _, f := range info.QueueFamilies {
		d.queues[f] = &queue{device: d, family: f}
	}
	p.gpu.device = d
	return d, nil
}

type device struct {
	gpu      *GPU
	cfg      *AdapterConfig
	queues   map[int]*queue
	families []int
}

func (d *device) Queue(family int) gpu.Queue {
	q, ok := d.queues[family]
	if !ok {
		d.gpu.violate("queue family %d was not requested at device creation", family)
		q = &queue{device: d, family: family}
		d.queues[family] = q
	}
	return q
}

func (d *device) typeBits() uint32 {
	if d.cfg.TypeBits != 0 {
		return d.cfg.TypeBits
	}
	return 1<<len(d.cfg.MemoryTypes) - 1
}

func (d *device) WaitIdle() error {
	d.gpu.completeAll()
	return nil
}

func (d *device) Destroy() {
	d.gpu.completeAll()
	for _, kind := range []string{KindBuffer, KindImage, KindMemory, KindView, KindSampler,
		KindRenderPass, KindFramebuffer, KindPool, KindFence, KindSemaphore, KindSwapchain} {
		if n := d.gpu.live[kind]; n > 0 {
			d.gpu.violate("device destroyed with %d live %s object(s)", n, kind)
		}
	}
	d.gpu.destroy(KindDevice)
	d.gpu.events = append(d.gpu.events, KindDevice)
}
