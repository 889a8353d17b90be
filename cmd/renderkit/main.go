package main

import (
	"bytes"
	"context"
	"embed"
	"encoding/binary"
	"io/fs"
	"math"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/gobuffalo/envy"
	"github.com/loov/hrtime"
	"github.com/sirupsen/logrus"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/assets"
	"github.com/vkngwrapper/renderkit/engine"
	"github.com/vkngwrapper/renderkit/gpu"
	"github.com/vkngwrapper/renderkit/render"
	"github.com/vkngwrapper/renderkit/vkng"
)

//go:embed assets
var fileSystem embed.FS

const statsInterval = 5 * time.Second

type UniformBufferObject struct {
	Model mgl32.Mat4
	View  mgl32.Mat4
	Proj  mgl32.Mat4
}

var uniformSize = binary.Size(UniformBufferObject{})

type app struct {
	log    *logrus.Logger
	window *sdl.Window
	device *render.Device
	engine *engine.Engine

	mesh     *assets.GPUMesh
	textures []*render.Image
	uniforms *render.Buffer

	started time.Duration
}

func (a *app) loadAssets(ctx context.Context) error {
	files, err := fs.Sub(fileSystem, "assets")
	if err != nil {
		return err
	}

	a.textures, err = assets.LoadTextures(ctx, a.device, files, "checker.png")
	if err != nil {
		return err
	}

	mesh, err := assets.LoadMesh(files, "cube.obj", "")
	if err != nil {
		return err
	}
	a.mesh, err = assets.UploadMesh(a.device, mesh)
	return err
}

func (a *app) createUniformBuffer() error {
	var err error
	a.uniforms, err = render.NewBuffer(a.device, render.BufferInfo{
		Size:       uniformSize * a.engine.SwapChain().ImageCount(),
		Usage:      core1_0.BufferUsageUniformBuffer,
		Persistent: true,
	})
	return err
}

func (a *app) destroyResources() {
	if a.uniforms != nil {
		a.uniforms.Destroy()
	}
	if a.mesh != nil {
		a.mesh.Destroy()
	}
	for _, tex := range a.textures {
		tex.Destroy()
	}
}

// record fills the frame slot's uniforms. Draw calls need a pipeline, which
// this demo does not build, so the frame is only cleared.
func (a *app) record(cb gpu.CommandBuffer, target engine.Target) error {
	offset := target.Frame * uniformSize
	if offset+uniformSize > a.uniforms.Size() {
		return errors.Errorf("no uniform slot for frame %d", target.Frame)
	}
	return a.uniforms.Write(a.frameUniforms(target.Extent), uniformSize, offset)
}

func (a *app) frameUniforms(extent core1_0.Extent2D) []byte {
	timePeriod := math.Mod((hrtime.Now() - a.started).Seconds(), 4.0)

	ubo := UniformBufferObject{
		Model: mgl32.HomogRotate3DZ(float32(timePeriod * math.Pi / 2.0)),
		View: mgl32.LookAtV(
			mgl32.Vec3{2, 2, 2},
			mgl32.Vec3{0, 0, 0},
			mgl32.Vec3{0, 0, 1},
		),
		Proj: mgl32.Perspective(math.Pi/4.0, float32(extent.Width)/float32(extent.Height), 0.1, 10.0),
	}
	// Vulkan clip space y points down.
	ubo.Proj[5] *= -1

	buf := &bytes.Buffer{}
	_ = binary.Write(buf, common.ByteOrder, &ubo)
	return buf.Bytes()
}

func (a *app) clearColor() [4]float32 {
	t := float32(0.5 + 0.5*math.Sin((hrtime.Now()-a.started).Seconds()))
	night := mgl32.Vec3{0.02, 0.02, 0.08}
	dusk := mgl32.Vec3{0.3, 0.15, 0.1}
	c := night.Mul(1 - t).Add(dusk.Mul(t))
	return [4]float32{c.X(), c.Y(), c.Z(), 1}
}

func (a *app) toggleVSync() error {
	settings := a.engine.Settings()
	settings.VSync = !settings.VSync
	_, err := a.engine.ApplySettings(settings)
	if err != nil {
		return err
	}
	a.log.WithField("vsync", settings.VSync).Info("vsync toggled")
	return nil
}

func (a *app) reportStats() {
	stats := a.engine.Stats()
	a.log.WithFields(logrus.Fields{
		"fps":      math.Round(stats.FPS()),
		"frames":   stats.Frames,
		"skipped":  stats.Skipped,
		"stale":    stats.Stale,
		"rebuilds": stats.Rebuilds,
	}).Info("frame stats")
}

func (a *app) mainLoop(ctx context.Context) error {
	rendering := true
	lastReport := hrtime.Now()

appLoop:
	for {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				break appLoop
			case *sdl.WindowEvent:
				switch e.Event {
				case sdl.WINDOWEVENT_MINIMIZED:
					rendering = false
				case sdl.WINDOWEVENT_RESTORED:
					rendering = true
				case sdl.WINDOWEVENT_RESIZED, sdl.WINDOWEVENT_SIZE_CHANGED:
					rendering = true
					a.engine.Resized()
				}
			case *sdl.KeyboardEvent:
				if e.Type != sdl.KEYDOWN || e.Repeat != 0 {
					continue
				}
				switch e.Keysym.Sym {
				case sdl.K_ESCAPE:
					break appLoop
				case sdl.K_v:
					if err := a.toggleVSync(); err != nil {
						return err
					}
				}
			}
		}

		if err := a.engine.Pace(ctx); err != nil {
			break appLoop
		}
		if !rendering {
			sdl.Delay(10)
			continue
		}

		_, err := a.engine.DrawFrame()
		if err != nil {
			return err
		}

		if hrtime.Since(lastReport) >= statsInterval {
			a.reportStats()
			lastReport = hrtime.Now()
		}
	}

	return a.device.WaitIdle()
}

func run(log *logrus.Logger) error {
	settings, err := engine.LoadSettings()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return errors.Wrap(err, "failed to initialize sdl")
	}
	defer sdl.Quit()

	window, err := sdl.CreateWindow("renderkit", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(settings.Width), int32(settings.Height), sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return errors.Wrap(err, "failed to create window")
	}
	defer window.Destroy()

	loader, err := vkng.NewLoader(window, log)
	if err != nil {
		return err
	}

	device, err := render.NewDevice(loader, vkng.Window{Window: window}, settings.DeviceOptions("renderkit", log))
	if err != nil {
		return err
	}
	defer device.Destroy()

	a := &app{
		log:     log,
		window:  window,
		device:  device,
		started: hrtime.Now(),
	}
	defer a.destroyResources()

	err = a.loadAssets(ctx)
	if err != nil {
		return err
	}

	a.engine, err = engine.New(device, settings, a.record)
	if err != nil {
		return err
	}
	defer a.engine.Destroy()
	a.engine.SetClearColor(a.clearColor)

	err = a.createUniformBuffer()
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"adapter": device.PhysicalDevice().Name(),
		"samples": device.SampleCount(),
		"extent":  a.engine.SwapChain().Extent(),
		"vsync":   settings.VSync,
	}).Info("rendering")

	return a.mainLoop(ctx)
}

func main() {
	runtime.LockOSThread()

	log := logrus.New()
	level, err := logrus.ParseLevel(envy.Get("RENDERKIT_LOG_LEVEL", "info"))
	if err != nil {
		log.WithError(err).Fatal("invalid RENDERKIT_LOG_LEVEL")
	}
	log.SetLevel(level)

	err = run(log)
	if err != nil {
		log.Fatalf("%+v\n", err)
	}
}
