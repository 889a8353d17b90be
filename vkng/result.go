package vkng

import (
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/renderkit/gpu"
)

// toResult folds a driver status into a gpu.Result. Statuses that are part of
// normal operation come back with a nil error; anything else keeps the
// driver's error and is never reported as Success.
func toResult(res common.VkResult, err error) (gpu.Result, error) {
	switch res {
	case core1_0.VKSuccess:
		return gpu.Success, nil
	case khr_swapchain.VKSuboptimal:
		return gpu.Suboptimal, nil
	case core1_0.VKTimeout:
		return gpu.Timeout, nil
	case khr_swapchain.VKErrorOutOfDate:
		return gpu.OutOfDate, err
	case core1_0.VKErrorDeviceLost:
		return gpu.DeviceLost, err
	}
	if err != nil {
		return gpu.Failed, err
	}
	return gpu.Success, nil
}

func severityLevel(severity ext_debug_utils.DebugUtilsMessageSeverityFlags) logrus.Level {
	switch {
	case severity&ext_debug_utils.SeverityError != 0:
		return logrus.ErrorLevel
	case severity&ext_debug_utils.SeverityWarning != 0:
		return logrus.WarnLevel
	}
	return logrus.DebugLevel
}

// debugCallback routes validation layer messages to log at the level of
// their severity.
func debugCallback(log logrus.FieldLogger) func(ext_debug_utils.DebugUtilsMessageTypeFlags, ext_debug_utils.DebugUtilsMessageSeverityFlags, *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	return func(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
		entry := log.WithField("type", msgType.String())
		switch severityLevel(severity) {
		case logrus.ErrorLevel:
			entry.Error(data.Message)
		case logrus.WarnLevel:
			entry.Warn(data.Message)
		default:
			entry.Debug(data.Message)
		}
		return false
	}
}
