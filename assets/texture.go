// Package assets decodes textures and meshes and uploads them through a
// render.Device.
//
// Decoding is CPU work and runs in parallel. Uploads touch the device and
// always run on the calling goroutine.
package assets

import (
	"context"
	"image"
	"image/draw"
	"image/png"
	"io"
	"io/fs"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/core1_0"
	"golang.org/x/sync/errgroup"

	"github.com/vkngwrapper/renderkit/render"
)

// TextureFormat is the format textures are uploaded in. Decoded images are
// converted to tightly packed 8 bit RGBA.
const TextureFormat = core1_0.FormatR8G8B8A8SRGB

// DecodePNG decodes a PNG into 8 bit RGBA texels with the origin at the top
// left.
func DecodePNG(r io.Reader) (*image.RGBA, error) {
	decoded, err := png.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode png")
	}

	bounds := decoded.Bounds()
	if rgba, ok := decoded.(*image.RGBA); ok && bounds.Min == (image.Point{}) && rgba.Stride == 4*bounds.Dx() {
		return rgba, nil
	}

	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), decoded, bounds.Min, draw.Src)
	return rgba, nil
}

// UploadTexture creates a mipmapped texture sized to pixels and uploads
// them. The texture is shader readable on return.
func UploadTexture(device *render.Device, pixels *image.RGBA) (*render.Image, error) {
	size := pixels.Bounds().Size()
	if size.X == 0 || size.Y == 0 {
		return nil, errors.Errorf("empty texture %dx%d", size.X, size.Y)
	}

	tex, err := render.NewTexImage(device, size.X, size.Y, TextureFormat)
	if err != nil {
		return nil, err
	}

	err = tex.SetData(pixels.Pix)
	if err != nil {
		tex.Destroy()
		return nil, err
	}
	return tex, nil
}

// LoadTextures decodes the PNG files at paths in parallel and uploads them
// in order. The returned textures line up with paths. When any texture fails
// the ones already uploaded are destroyed again.
func LoadTextures(ctx context.Context, device *render.Device, fsys fs.FS, paths ...string) ([]*render.Image, error) {
	decoded := make([]*image.RGBA, len(paths))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			file, err := fsys.Open(path)
			if err != nil {
				return errors.Wrapf(err, "texture %s", path)
			}
			defer file.Close()

			decoded[i], err = DecodePNG(file)
			return errors.Wrapf(err, "texture %s", path)
		})
	}
	err := group.Wait()
	if err != nil {
		return nil, err
	}

	log := device.Logger().WithField("component", "assets")
	textures := make([]*render.Image, 0, len(paths))
	for i, pixels := range decoded {
		tex, err := UploadTexture(device, pixels)
		if err != nil {
			for _, uploaded := range textures {
				uploaded.Destroy()
			}
			return nil, errors.Wrapf(err, "texture %s", paths[i])
		}
		textures = append(textures, tex)

		log.WithFields(logrus.Fields{
			"texture": paths[i],
			"image":   tex.ID(),
			"width":   tex.Width(),
			"height":  tex.Height(),
			"mips":    tex.MipLevels(),
		}).Debug("texture loaded")
	}

	return textures, nil
}
