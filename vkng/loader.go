// Package vkng implements the gpu interfaces on vkngwrapper and SDL2.
//
// Handles are wrapped one to one; every call goes through the instance or
// device driver the handle was created from. Calls must be made from the
// thread that owns the SDL window.
package vkng

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/renderkit/gpu"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// Loader creates instances able to present to one SDL window.
type Loader struct {
	window *sdl.Window
	global core1_0.GlobalDriver
	log    logrus.FieldLogger
}

// NewLoader loads the Vulkan driver through SDL. The window must have been
// created with sdl.WINDOW_VULKAN.
func NewLoader(window *sdl.Window, logger logrus.FieldLogger) (*Loader, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	global, err := core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "failed to load vulkan driver")
	}

	return &Loader{
		window: window,
		global: global,
		log:    logger.WithField("backend", "vkng"),
	}, nil
}

// CreateInstance creates an instance with the extensions SDL needs for the
// window. Portability enumeration is enabled when the loader offers it.
// Validation adds the Khronos validation layer and a debug messenger whose
// messages go to the loader's logger.
func (l *Loader) CreateInstance(info gpu.InstanceInfo) (gpu.Instance, error) {
	createInfo := core1_0.InstanceCreateInfo{
		ApplicationName:    info.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "renderkit",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	available, _, err := l.global.AvailableExtensions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate instance extensions")
	}

	for _, ext := range l.window.VulkanGetInstanceExtensions() {
		if _, ok := available[ext]; !ok {
			return nil, errors.Errorf("missing instance extension %s required by sdl", ext)
		}
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, ext)
	}

	if _, ok := available[khr_portability_enumeration.ExtensionName]; ok {
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		createInfo.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	messengerInfo := ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    debugCallback(l.log.WithField("source", "validation")),
	}

	if info.Validation {
		layers, _, err := l.global.AvailableLayers()
		if err != nil {
			return nil, errors.Wrap(err, "failed to enumerate instance layers")
		}
		if _, ok := layers[validationLayer]; !ok {
			return nil, errors.Errorf("validation layer %s not available, install the LunarG Vulkan SDK", validationLayer)
		}
		createInfo.EnabledLayerNames = append(createInfo.EnabledLayerNames, validationLayer)
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, ext_debug_utils.ExtensionName)
		// Covers messages from instance creation and destruction.
		createInfo.Next = messengerInfo
	}

	handle, _, err := l.global.CreateInstance(nil, createInfo)
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateInstance")
	}

	driver, err := l.global.BuildInstanceDriver(handle)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load instance driver")
	}

	inst := &instance{
		window:     l.window,
		driver:     driver,
		surfaceExt: khr_surface.CreateExtensionDriverFromCoreDriver(driver),
		log:        l.log,
	}

	if info.Validation {
		inst.debug = ext_debug_utils.CreateExtensionDriverFromCoreDriver(driver)
		inst.messenger, _, err = inst.debug.CreateDebugUtilsMessenger(nil, messengerInfo)
		if err != nil {
			driver.DestroyInstance(nil)
			return nil, errors.Wrap(err, "failed to create debug messenger")
		}
	}

	l.log.WithFields(logrus.Fields{
		"extensions": createInfo.EnabledExtensionNames,
		"layers":     createInfo.EnabledLayerNames,
	}).Debug("instance created")
	return inst, nil
}
