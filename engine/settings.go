package engine

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobuffalo/envy"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/render"
)

// Setting names one field of Settings.
type Setting int

const (
	SettingVSync Setting = iota
	SettingMaxSamples
	SettingFenceTimeout
	SettingFramesPerSecond
	SettingValidation
	SettingWidth
	SettingHeight
)

var settingNames = map[Setting]string{
	SettingVSync:           "vsync",
	SettingMaxSamples:      "max_samples",
	SettingFenceTimeout:    "fence_timeout",
	SettingFramesPerSecond: "frames_per_second",
	SettingValidation:      "validation",
	SettingWidth:           "width",
	SettingHeight:          "height",
}

func (s Setting) String() string {
	name, ok := settingNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// Settings is the engine configuration.
type Settings struct {
	VSync bool
	// MaxSamples caps the multisample count. Zero leaves it to the adapter.
	MaxSamples   core1_0.SampleCountFlags
	FenceTimeout time.Duration
	// FramesPerSecond caps the frame rate. Zero leaves it uncapped.
	FramesPerSecond int
	Validation      bool
	Width           int
	Height          int
}

func DefaultSettings() Settings {
	return Settings{
		VSync:        true,
		FenceTimeout: render.DefaultFenceTimeout,
		Width:        800,
		Height:       600,
	}
}

// Environment variables read by LoadSettings. A .env file in the working
// directory is honoured as well.
const (
	EnvVSync           = "RENDERKIT_VSYNC"
	EnvMaxSamples      = "RENDERKIT_MAX_SAMPLES"
	EnvFenceTimeout    = "RENDERKIT_FENCE_TIMEOUT"
	EnvFramesPerSecond = "RENDERKIT_FPS"
	EnvValidation      = "RENDERKIT_VALIDATION"
	EnvWidth           = "RENDERKIT_WIDTH"
	EnvHeight          = "RENDERKIT_HEIGHT"
)

// LoadSettings returns DefaultSettings overridden by the RENDERKIT_*
// environment.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()

	var err error
	if s.VSync, err = envBool(EnvVSync, s.VSync); err != nil {
		return s, err
	}
	if s.Validation, err = envBool(EnvValidation, s.Validation); err != nil {
		return s, err
	}
	if s.FramesPerSecond, err = envInt(EnvFramesPerSecond, s.FramesPerSecond); err != nil {
		return s, err
	}
	if s.Width, err = envInt(EnvWidth, s.Width); err != nil {
		return s, err
	}
	if s.Height, err = envInt(EnvHeight, s.Height); err != nil {
		return s, err
	}

	samples, err := envInt(EnvMaxSamples, int(s.MaxSamples))
	if err != nil {
		return s, err
	}
	if samples&(samples-1) != 0 || samples > 64 {
		return s, errors.Errorf("%s: %d is not a sample count", EnvMaxSamples, samples)
	}
	s.MaxSamples = core1_0.SampleCountFlags(samples)

	raw := envy.Get(EnvFenceTimeout, "")
	if raw != "" {
		s.FenceTimeout, err = time.ParseDuration(raw)
		if err != nil {
			return s, errors.Wrapf(err, "%s", EnvFenceTimeout)
		}
	}

	return s, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := envy.Get(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	return v, errors.Wrapf(err, "%s", key)
}

func envInt(key string, def int) (int, error) {
	raw := envy.Get(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err == nil && v < 0 {
		err = errors.Errorf("negative value %d", v)
	}
	return v, errors.Wrapf(err, "%s", key)
}

// Diff returns the settings whose values differ between s and other, in
// Setting order.
func (s Settings) Diff(other Settings) []Setting {
	var changed []Setting
	if s.VSync != other.VSync {
		changed = append(changed, SettingVSync)
	}
	if s.MaxSamples != other.MaxSamples {
		changed = append(changed, SettingMaxSamples)
	}
	if s.FenceTimeout != other.FenceTimeout {
		changed = append(changed, SettingFenceTimeout)
	}
	if s.FramesPerSecond != other.FramesPerSecond {
		changed = append(changed, SettingFramesPerSecond)
	}
	if s.Validation != other.Validation {
		changed = append(changed, SettingValidation)
	}
	if s.Width != other.Width {
		changed = append(changed, SettingWidth)
	}
	if s.Height != other.Height {
		changed = append(changed, SettingHeight)
	}
	return changed
}

// DeviceOptions returns the options to create the device with.
func (s Settings) DeviceOptions(name string, logger logrus.FieldLogger) render.DeviceOptions {
	return render.DeviceOptions{
		ApplicationName: name,
		Validation:      s.Validation,
		MaxSamples:      s.MaxSamples,
		FenceTimeout:    s.FenceTimeout,
		Logger:          logger,
	}
}
