package vkng

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"

	"github.com/vkngwrapper/renderkit/gpu"
)

type instance struct {
	window     *sdl.Window
	driver     core1_0.CoreInstanceDriver
	surfaceExt khr_surface.ExtensionDriver
	debug      ext_debug_utils.ExtensionDriver
	messenger  ext_debug_utils.DebugUtilsMessenger
	log        logrus.FieldLogger
}

func (i *instance) CreateSurface() (gpu.Surface, error) {
	handle, err := vkng_sdl2.CreateSurface(i.driver.Instance(), i.surfaceExt, i.window)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sdl surface")
	}
	return &surface{ext: i.surfaceExt, handle: handle}, nil
}

func (i *instance) PhysicalDevices() ([]gpu.PhysicalDevice, error) {
	handles, _, err := i.driver.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "vkEnumeratePhysicalDevices")
	}

	devices := make([]gpu.PhysicalDevice, 0, len(handles))
	for _, handle := range handles {
		props, err := i.driver.GetPhysicalDeviceProperties(handle)
		if err != nil {
			return nil, errors.Wrap(err, "vkGetPhysicalDeviceProperties")
		}
		devices = append(devices, &physicalDevice{
			instance: i,
			handle:   handle,
			props:    props,
		})
	}
	return devices, nil
}

func (i *instance) Destroy() {
	if i.messenger.Initialized() {
		i.debug.DestroyDebugUtilsMessenger(i.messenger, nil)
	}
	i.driver.DestroyInstance(nil)
}

type surface struct {
	ext    khr_surface.ExtensionDriver
	handle khr_surface.Surface
}

func (s *surface) Destroy() {
	s.ext.DestroySurface(s.handle, nil)
}

func surfaceHandle(s gpu.Surface) khr_surface.Surface {
	return s.(*surface).handle
}

type physicalDevice struct {
	instance *instance
	handle   core1_0.PhysicalDevice
	props    *core1_0.PhysicalDeviceProperties
}

func (p *physicalDevice) driver() core1_0.CoreInstanceDriver {
	return p.instance.driver
}

func (p *physicalDevice) Name() string {
	return p.props.DriverName
}

func (p *physicalDevice) QueueFamilies() []gpu.QueueFamily {
	props := p.driver().GetPhysicalDeviceQueueFamilyProperties(p.handle)
	families := make([]gpu.QueueFamily, 0, len(props))
	for _, family := range props {
		families = append(families, gpu.QueueFamily{
			Flags:      family.QueueFlags,
			QueueCount: family.QueueCount,
		})
	}
	return families
}

func (p *physicalDevice) SurfaceSupport(s gpu.Surface, family int) (bool, error) {
	supported, _, err := p.instance.surfaceExt.GetPhysicalDeviceSurfaceSupport(surfaceHandle(s), p.handle, family)
	return supported, errors.Wrap(err, "vkGetPhysicalDeviceSurfaceSupportKHR")
}

func (p *physicalDevice) HasExtension(name string) (bool, error) {
	extensions, _, err := p.driver().EnumerateDeviceExtensionProperties(p.handle)
	if err != nil {
		return false, errors.Wrap(err, "vkEnumerateDeviceExtensionProperties")
	}
	_, ok := extensions[name]
	return ok, nil
}

func (p *physicalDevice) MemoryTypes() []core1_0.MemoryType {
	return p.driver().GetPhysicalDeviceMemoryProperties(p.handle).MemoryTypes
}

func (p *physicalDevice) FormatFeatures(format core1_0.Format, tiling core1_0.ImageTiling) core1_0.FormatFeatureFlags {
	props := p.driver().GetPhysicalDeviceFormatProperties(p.handle, format)
	if tiling == core1_0.ImageTilingLinear {
		return props.LinearTilingFeatures
	}
	return props.OptimalTilingFeatures
}

func (p *physicalDevice) Limits() (gpu.Limits, error) {
	features := p.driver().GetPhysicalDeviceFeatures(p.handle)
	return gpu.Limits{
		SampleCounts:         p.props.Limits.FramebufferColorSampleCounts & p.props.Limits.FramebufferDepthSampleCounts,
		MaxSamplerAnisotropy: p.props.Limits.MaxSamplerAnisotropy,
		SamplerAnisotropy:    features.SamplerAnisotropy,
	}, nil
}

func (p *physicalDevice) SurfaceCapabilities(s gpu.Surface) (*khr_surface.SurfaceCapabilities, error) {
	caps, _, err := p.instance.surfaceExt.GetPhysicalDeviceSurfaceCapabilities(surfaceHandle(s), p.handle)
	return caps, errors.Wrap(err, "vkGetPhysicalDeviceSurfaceCapabilitiesKHR")
}

func (p *physicalDevice) SurfaceFormats(s gpu.Surface) ([]khr_surface.SurfaceFormat, error) {
	formats, _, err := p.instance.surfaceExt.GetPhysicalDeviceSurfaceFormats(surfaceHandle(s), p.handle)
	return formats, errors.Wrap(err, "vkGetPhysicalDeviceSurfaceFormatsKHR")
}

func (p *physicalDevice) PresentModes(s gpu.Surface) ([]khr_surface.PresentMode, error) {
	modes, _, err := p.instance.surfaceExt.GetPhysicalDeviceSurfacePresentModes(surfaceHandle(s), p.handle)
	return modes, errors.Wrap(err, "vkGetPhysicalDeviceSurfacePresentModesKHR")
}

// CreateDevice creates the logical device with one queue per family. The
// portability subset extension is enabled whenever the adapter offers it,
// which is required on MoltenVK.
func (p *physicalDevice) CreateDevice(info gpu.DeviceInfo) (gpu.Device, error) {
	queueInfos := make([]core1_0.DeviceQueueCreateInfo, 0, len(info.QueueFamilies))
	for _, family := range info.QueueFamilies {
		queueInfos = append(queueInfos, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  []float32{1.0},
		})
	}

	extensionNames := append([]string(nil), info.Extensions...)
	portable, err := p.HasExtension(khr_portability_subset.ExtensionName)
	if err != nil {
		return nil, err
	}
	if portable {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	handle, _, err := p.driver().CreateDevice(p.handle, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos: queueInfos,
		EnabledFeatures: &core1_0.PhysicalDeviceFeatures{
			SamplerAnisotropy: info.SamplerAnisotropy,
		},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateDevice")
	}

	driver, err := p.driver().BuildDeviceDriver(handle)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load device driver")
	}

	p.instance.log.WithFields(logrus.Fields{
		"adapter":    p.Name(),
		"families":   info.QueueFamilies,
		"extensions": extensionNames,
	}).Debug("logical device created")

	return &device{
		physical:     p,
		driver:       driver,
		swapchainExt: khr_swapchain.CreateExtensionDriverFromCoreDriver(driver),
		queues:       make(map[int]*queue),
	}, nil
}
