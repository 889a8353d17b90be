package render

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu"
)

// Transition is an image layout change together with the execution and
// memory dependency that orders it.
type Transition struct {
	OldLayout core1_0.ImageLayout
	NewLayout core1_0.ImageLayout
	SrcStage  core1_0.PipelineStageFlags
	DstStage  core1_0.PipelineStageFlags
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
}

// TransitionFor returns the stages and access masks for the layout changes
// used by uploads, mip generation and attachments.
func TransitionFor(oldLayout, newLayout core1_0.ImageLayout) (Transition, error) {
	t := Transition{OldLayout: oldLayout, NewLayout: newLayout}

	switch {
	case oldLayout == core1_0.ImageLayoutUndefined && newLayout == core1_0.ImageLayoutTransferDstOptimal:
		t.SrcStage, t.SrcAccess = core1_0.PipelineStageTopOfPipe, 0
		t.DstStage, t.DstAccess = core1_0.PipelineStageTransfer, core1_0.AccessTransferWrite
	case oldLayout == core1_0.ImageLayoutShaderReadOnlyOptimal && newLayout == core1_0.ImageLayoutTransferDstOptimal:
		t.SrcStage, t.SrcAccess = core1_0.PipelineStageFragmentShader, core1_0.AccessShaderRead
		t.DstStage, t.DstAccess = core1_0.PipelineStageTransfer, core1_0.AccessTransferWrite
	case oldLayout == core1_0.ImageLayoutTransferDstOptimal && newLayout == core1_0.ImageLayoutTransferSrcOptimal:
		t.SrcStage, t.SrcAccess = core1_0.PipelineStageTransfer, core1_0.AccessTransferWrite
		t.DstStage, t.DstAccess = core1_0.PipelineStageTransfer, core1_0.AccessTransferRead
	case oldLayout == core1_0.ImageLayoutTransferDstOptimal && newLayout == core1_0.ImageLayoutShaderReadOnlyOptimal:
		t.SrcStage, t.SrcAccess = core1_0.PipelineStageTransfer, core1_0.AccessTransferWrite
		t.DstStage, t.DstAccess = core1_0.PipelineStageFragmentShader, core1_0.AccessShaderRead
	case oldLayout == core1_0.ImageLayoutTransferSrcOptimal && newLayout == core1_0.ImageLayoutShaderReadOnlyOptimal:
		t.SrcStage, t.SrcAccess = core1_0.PipelineStageTransfer, core1_0.AccessTransferRead
		t.DstStage, t.DstAccess = core1_0.PipelineStageFragmentShader, core1_0.AccessShaderRead
	case oldLayout == core1_0.ImageLayoutUndefined && newLayout == core1_0.ImageLayoutColorAttachmentOptimal:
		t.SrcStage, t.SrcAccess = core1_0.PipelineStageTopOfPipe, 0
		t.DstStage = core1_0.PipelineStageColorAttachmentOutput
		t.DstAccess = core1_0.AccessColorAttachmentRead | core1_0.AccessColorAttachmentWrite
	case oldLayout == core1_0.ImageLayoutUndefined && newLayout == core1_0.ImageLayoutDepthStencilAttachmentOptimal:
		t.SrcStage, t.SrcAccess = core1_0.PipelineStageTopOfPipe, 0
		t.DstStage = core1_0.PipelineStageEarlyFragmentTests
		t.DstAccess = core1_0.AccessDepthStencilAttachmentRead | core1_0.AccessDepthStencilAttachmentWrite
	default:
		return t, errors.Errorf("unsupported layout transition %s -> %s", oldLayout, newLayout)
	}

	return t, nil
}

// RecordTransition records one pipeline barrier moving every mip level of
// img through t.
func RecordTransition(cb gpu.CommandBuffer, img *Image, t Transition) error {
	return recordBarrier(cb, img, t, 0, img.mipLevels)
}

// RecordMipTransition records one pipeline barrier moving a single mip level
// of img through t.
func RecordMipTransition(cb gpu.CommandBuffer, img *Image, mip int, t Transition) error {
	if mip < 0 || mip >= img.mipLevels {
		return errors.Wrapf(ErrOutOfRange, "mip %d of image with %d levels", mip, img.mipLevels)
	}
	return recordBarrier(cb, img, t, mip, 1)
}

func recordBarrier(cb gpu.CommandBuffer, img *Image, t Transition, baseMip, levels int) error {
	err := cb.PipelineBarrier(t.SrcStage, t.DstStage, gpu.ImageBarrier{
		Image:     img.handle,
		SrcAccess: t.SrcAccess,
		DstAccess: t.DstAccess,
		OldLayout: t.OldLayout,
		NewLayout: t.NewLayout,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     img.info.Aspect,
			BaseMipLevel:   baseMip,
			LevelCount:     levels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	return errors.Wrapf(err, "failed to record %s -> %s barrier", t.OldLayout, t.NewLayout)
}

// recordMipmaps fills every mip level after the first by blitting each level
// into the next at half resolution. Every level must be in the transfer
// destination layout on entry; all of them are shader readable on exit.
func recordMipmaps(cb gpu.CommandBuffer, img *Image) error {
	toSrc, _ := TransitionFor(core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutTransferSrcOptimal)
	srcToRead, _ := TransitionFor(core1_0.ImageLayoutTransferSrcOptimal, core1_0.ImageLayoutShaderReadOnlyOptimal)
	dstToRead, _ := TransitionFor(core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutShaderReadOnlyOptimal)

	mipWidth := img.info.Width
	mipHeight := img.info.Height
	for i := 1; i < img.mipLevels; i++ {
		err := RecordMipTransition(cb, img, i-1, toSrc)
		if err != nil {
			return err
		}

		nextMipWidth := max(mipWidth/2, 1)
		nextMipHeight := max(mipHeight/2, 1)

		err = cb.BlitImage(img.handle, core1_0.ImageLayoutTransferSrcOptimal, img.handle, core1_0.ImageLayoutTransferDstOptimal, []core1_0.ImageBlit{
			{
				SrcSubresource: core1_0.ImageSubresourceLayers{
					AspectMask:     img.info.Aspect,
					MipLevel:       i - 1,
					BaseArrayLayer: 0,
					LayerCount:     1,
				},
				SrcOffsets: [2]core1_0.Offset3D{
					{X: 0, Y: 0, Z: 0},
					{X: mipWidth, Y: mipHeight, Z: 1},
				},
				DstSubresource: core1_0.ImageSubresourceLayers{
					AspectMask:     img.info.Aspect,
					MipLevel:       i,
					BaseArrayLayer: 0,
					LayerCount:     1,
				},
				DstOffsets: [2]core1_0.Offset3D{
					{X: 0, Y: 0, Z: 0},
					{X: nextMipWidth, Y: nextMipHeight, Z: 1},
				},
			},
		}, core1_0.FilterLinear)
		if err != nil {
			return errors.Wrapf(err, "failed to record blit into mip %d", i)
		}

		err = RecordMipTransition(cb, img, i-1, srcToRead)
		if err != nil {
			return err
		}

		mipWidth = nextMipWidth
		mipHeight = nextMipHeight
	}

	// The last level is only ever written to.
	return RecordMipTransition(cb, img, img.mipLevels-1, dstToRead)
}
