package render

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu/gputest"
)

func TestMipLevels(t *testing.T) {
	require.Equal(t, 10, MipLevels(512, 256))
	require.Equal(t, 10, MipLevels(256, 512))
	require.Equal(t, 1, MipLevels(1, 1))
	require.Equal(t, 2, MipLevels(2, 1))
	require.Equal(t, 9, MipLevels(300, 17))
	require.Equal(t, 12, MipLevels(2048, 2048))
	require.Equal(t, 1, MipLevels(0, 0))
}

// quadrants fills an image with a different colour per quadrant.
func quadrants(width, height int) []byte {
	colors := [4][4]byte{
		{255, 0, 0, 255},
		{0, 255, 0, 255},
		{0, 0, 255, 255},
		{255, 255, 255, 255},
	}
	pixels := make([]byte, width*height*texelSize)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			q := 0
			if x >= width/2 {
				q++
			}
			if y >= height/2 {
				q += 2
			}
			copy(pixels[(y*width+x)*texelSize:], colors[q][:])
		}
	}
	return pixels
}

func texel(level []byte, width, x, y int) []byte {
	offset := (y*width + x) * texelSize
	return level[offset : offset+texelSize]
}

func TestTexImage_SetData(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	img, err := NewTexImage(f.device, 512, 256, core1_0.FormatR8G8B8A8SRGB)
	require.NoError(t, err)
	defer img.Destroy()

	require.Equal(t, 10, img.MipLevels())
	require.Equal(t, 512*256*4, img.Size())
	require.Equal(t, core1_0.ImageLayoutUndefined, img.Layout())

	pixels := quadrants(512, 256)
	require.NoError(t, img.SetData(pixels))
	require.Zero(t, f.gpu.InFlight())

	state := gputest.Inspect(img.Handle())
	require.Len(t, state.Layouts, 10)
	for level, layout := range state.Layouts {
		require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, layout, "mip %d", level)
		require.True(t, state.Written[level], "mip %d", level)
	}
	require.Equal(t, pixels, state.Levels[0])

	// Each level keeps the quadrants of the level above it.
	require.Equal(t, []byte{255, 0, 0, 255}, texel(state.Levels[1], 256, 0, 0))
	require.Equal(t, []byte{0, 255, 0, 255}, texel(state.Levels[1], 256, 255, 0))
	require.Equal(t, []byte{0, 0, 255, 255}, texel(state.Levels[2], 128, 0, 63))
	require.Equal(t, []byte{255, 255, 255, 255}, texel(state.Levels[2], 128, 127, 63))
	// The last level is 1x1.
	require.Len(t, state.Levels[9], texelSize)

	descriptor := img.Descriptor()
	require.Equal(t, img.View(), descriptor.View)
	require.NotNil(t, descriptor.Sampler)
	require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, descriptor.Layout)

	f.requireClean(t)
}

func TestTexImage_Reupload(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	img, err := NewTexImage(f.device, 64, 64, core1_0.FormatR8G8B8A8SRGB)
	require.NoError(t, err)
	defer img.Destroy()

	require.NoError(t, img.SetData(quadrants(64, 64)))
	second := pattern(64*64*4, 9)
	require.NoError(t, img.SetData(second))

	state := gputest.Inspect(img.Handle())
	require.Equal(t, second, state.Levels[0])
	for _, layout := range state.Layouts {
		require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, layout)
	}
	f.requireClean(t)
}

func TestImage_SingleLevelUpload(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	img, err := NewImage(f.device, ImageInfo{
		Width:  16,
		Height: 8,
		Format: core1_0.FormatR8G8B8A8SRGB,
		Usage:  core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
	})
	require.NoError(t, err)
	defer img.Destroy()

	require.Equal(t, 1, img.MipLevels())
	require.Nil(t, img.Sampler())

	pixels := pattern(16*8*4, 5)
	require.NoError(t, img.SetData(pixels))

	state := gputest.Inspect(img.Handle())
	require.Equal(t, []core1_0.ImageLayout{core1_0.ImageLayoutShaderReadOnlyOptimal}, state.Layouts)
	require.Equal(t, pixels, state.Levels[0])
	f.requireClean(t)
}

func TestImage_SetDataErrors(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	img, err := NewTexImage(f.device, 8, 8, core1_0.FormatR8G8B8A8SRGB)
	require.NoError(t, err)

	require.True(t, errors.Is(img.SetData(make([]byte, 10)), ErrOutOfRange))

	img.Destroy()
	require.True(t, errors.Is(img.SetData(make([]byte, 8*8*4)), ErrDestroyed))
	require.Zero(t, f.gpu.Live(gputest.KindImage))
	require.Zero(t, f.gpu.Live(gputest.KindSampler))
	require.Zero(t, f.gpu.Live(gputest.KindView))
	f.requireClean(t)
}

func TestTexImage_RequiresLinearBlit(t *testing.T) {
	g := gputest.New(800, 600)
	g.Adapters[0].LinearBlit = false
	f := newFixture(t, g, DeviceOptions{})
	defer f.device.Destroy()

	_, err := NewTexImage(f.device, 64, 64, core1_0.FormatR8G8B8A8SRGB)
	require.True(t, errors.Is(err, ErrFormatNotSupported))
	require.Zero(t, f.gpu.Created(gputest.KindImage))
}

func TestTransitionFor(t *testing.T) {
	transition, err := TransitionFor(core1_0.ImageLayoutUndefined, core1_0.ImageLayoutTransferDstOptimal)
	require.NoError(t, err)
	require.Equal(t, core1_0.PipelineStageTopOfPipe, transition.SrcStage)
	require.Equal(t, core1_0.PipelineStageTransfer, transition.DstStage)
	require.Equal(t, core1_0.AccessTransferWrite, transition.DstAccess)

	transition, err = TransitionFor(core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutShaderReadOnlyOptimal)
	require.NoError(t, err)
	require.Equal(t, core1_0.PipelineStageFragmentShader, transition.DstStage)
	require.Equal(t, core1_0.AccessShaderRead, transition.DstAccess)

	_, err = TransitionFor(core1_0.ImageLayoutShaderReadOnlyOptimal, core1_0.ImageLayoutUndefined)
	require.Error(t, err)
}

func TestRecordTransition(t *testing.T) {
	f := newDefaultFixture(t)
	defer f.device.Destroy()

	img, err := NewTexImage(f.device, 32, 32, core1_0.FormatR8G8B8A8SRGB)
	require.NoError(t, err)
	defer img.Destroy()

	transient, err := NewTransientCommandBuffer(f.device, QueueGraphics)
	require.NoError(t, err)
	cb, err := transient.Get()
	require.NoError(t, err)

	toDst, err := TransitionFor(core1_0.ImageLayoutUndefined, core1_0.ImageLayoutTransferDstOptimal)
	require.NoError(t, err)
	require.NoError(t, RecordTransition(cb, img, toDst))

	toSrc, err := TransitionFor(core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutTransferSrcOptimal)
	require.NoError(t, err)
	require.NoError(t, RecordMipTransition(cb, img, 2, toSrc))
	require.True(t, errors.Is(RecordMipTransition(cb, img, img.MipLevels(), toSrc), ErrOutOfRange))

	require.NoError(t, transient.Submit())
	require.NoError(t, transient.Release())

	state := gputest.Inspect(img.Handle())
	for level, layout := range state.Layouts {
		want := core1_0.ImageLayoutTransferDstOptimal
		if level == 2 {
			want = core1_0.ImageLayoutTransferSrcOptimal
		}
		require.Equal(t, want, layout, "mip %d", level)
	}
	f.requireClean(t)
}
