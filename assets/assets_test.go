package assets

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/gpu/gputest"
	"github.com/vkngwrapper/renderkit/render"
)

func newDevice(t *testing.T) (*render.Device, *gputest.GPU) {
	t.Helper()

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	g := gputest.New(800, 600)
	device, err := render.NewDevice(g, g.Window, render.DeviceOptions{
		ApplicationName: "assets test",
		Logger:          logger,
	})
	require.NoError(t, err)
	t.Cleanup(device.Destroy)
	return device, g
}

// encodePNG returns a PNG of the given size whose red channel holds x and
// green channel holds y.
func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}

	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestDecodePNG(t *testing.T) {
	rgba, err := DecodePNG(bytes.NewReader(encodePNG(t, 5, 3)))
	require.NoError(t, err)

	require.Equal(t, image.Rect(0, 0, 5, 3), rgba.Bounds())
	require.Len(t, rgba.Pix, 5*3*4)
	require.Equal(t, []byte{4, 2, 7, 255}, rgba.Pix[(2*5+4)*4:(2*5+5)*4])

	_, err = DecodePNG(strings.NewReader("not a png"))
	require.Error(t, err)
}

func TestLoadTextures(t *testing.T) {
	device, g := newDevice(t)

	fsys := fstest.MapFS{
		"images/a.png": {Data: encodePNG(t, 64, 32)},
		"images/b.png": {Data: encodePNG(t, 16, 16)},
		"images/c.png": {Data: encodePNG(t, 3, 9)},
	}

	textures, err := LoadTextures(context.Background(), device, fsys, "images/a.png", "images/b.png", "images/c.png")
	require.NoError(t, err)
	require.Len(t, textures, 3)

	want := []struct{ width, height, mips int }{{64, 32, 7}, {16, 16, 5}, {3, 9, 4}}
	for i, tex := range textures {
		require.Equal(t, want[i].width, tex.Width(), "texture %d", i)
		require.Equal(t, want[i].height, tex.Height(), "texture %d", i)
		require.Equal(t, want[i].mips, tex.MipLevels(), "texture %d", i)
		require.Equal(t, TextureFormat, tex.Format())
		require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, tex.Descriptor().Layout)
	}

	state := gputest.Inspect(textures[1].Handle())
	require.Equal(t, []byte{15, 15, 7, 255}, state.Levels[0][len(state.Levels[0])-4:])

	for _, tex := range textures {
		tex.Destroy()
	}
	require.Zero(t, g.Live(gputest.KindImage))
	require.Empty(t, g.Violations())
}

func TestLoadTextures_DecodeError(t *testing.T) {
	device, g := newDevice(t)

	fsys := fstest.MapFS{
		"good.png": {Data: encodePNG(t, 8, 8)},
		"bad.png":  {Data: []byte("garbage")},
	}

	_, err := LoadTextures(context.Background(), device, fsys, "good.png", "bad.png")
	require.ErrorContains(t, err, "bad.png")

	_, err = LoadTextures(context.Background(), device, fsys, "missing.png")
	require.ErrorContains(t, err, "missing.png")

	require.Zero(t, g.Created(gputest.KindImage))
}

func TestLoadTextures_Canceled(t *testing.T) {
	device, g := newDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LoadTextures(ctx, device, fstest.MapFS{"a.png": {Data: encodePNG(t, 4, 4)}}, "a.png")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, g.Created(gputest.KindImage))
}

const quadOBJ = `
o quad
v -1 -1 0
v 1 -1 0
v 1 1 0
v -1 1 0
vt 0 0
vt 1 0
vt 1 1
vt 0 1
f 1/1 2/2 3/3 4/4
`

// Two triangles sharing an edge whose corners carry different texture
// coordinates on one of the shared positions.
const seamOBJ = `
o seam
v 0 0 0
v 1 0 0
v 0 1 0
v 1 1 0
vt 0 0
vt 1 0
vt 0 1
vt 0.5 0.5
f 1/1 2/2 3/3
f 2/4 4/2 3/3
`

func TestDecodeMesh(t *testing.T) {
	mesh, err := DecodeMesh(strings.NewReader(quadOBJ), nil)
	require.NoError(t, err)

	require.Len(t, mesh.Vertices, 4)
	require.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, mesh.Indices)
	require.Equal(t, mgl32.Vec3{1, -1, 0}, mesh.Vertices[1].Position)
	require.Equal(t, mgl32.Vec3{1, 1, 1}, mesh.Vertices[1].Color)
	// Flipped to a top left origin.
	require.Equal(t, mgl32.Vec2{1, 1}, mesh.Vertices[1].TexCoord)
	require.Equal(t, mgl32.Vec2{0, 0}, mesh.Vertices[3].TexCoord)
}

func TestDecodeMesh_SplitsSeams(t *testing.T) {
	mesh, err := DecodeMesh(strings.NewReader(seamOBJ), nil)
	require.NoError(t, err)

	// Position 2 appears with two texture coordinates.
	require.Len(t, mesh.Vertices, 5)
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 2}, mesh.Indices)
	require.Equal(t, mesh.Vertices[1].Position, mesh.Vertices[3].Position)
	require.NotEqual(t, mesh.Vertices[1].TexCoord, mesh.Vertices[3].TexCoord)
}

func TestDecodeMesh_NoFaces(t *testing.T) {
	_, err := DecodeMesh(strings.NewReader("o empty\nv 0 0 0\n"), nil)
	require.Error(t, err)
}

func TestMesh_Data(t *testing.T) {
	require.Equal(t, 32, VertexSize)

	mesh, err := DecodeMesh(strings.NewReader(quadOBJ), nil)
	require.NoError(t, err)
	require.Len(t, mesh.VertexData(), 4*VertexSize)
	require.Len(t, mesh.IndexData(), 6*4)
}

func TestUploadMesh(t *testing.T) {
	device, g := newDevice(t)

	fsys := fstest.MapFS{"meshes/quad.obj": {Data: []byte(quadOBJ)}}
	mesh, err := LoadMesh(fsys, "meshes/quad.obj", "")
	require.NoError(t, err)

	uploaded, err := UploadMesh(device, mesh)
	require.NoError(t, err)
	require.Equal(t, 6, uploaded.IndexCount)
	require.True(t, uploaded.Vertices.DeviceLocal())
	require.NotZero(t, uploaded.Indices.Usage()&core1_0.BufferUsageIndexBuffer)

	vertices := make([]byte, uploaded.Vertices.Size())
	require.NoError(t, uploaded.Vertices.Read(vertices, 0))
	require.Equal(t, mesh.VertexData(), vertices)

	indices := make([]byte, uploaded.Indices.Size())
	require.NoError(t, uploaded.Indices.Read(indices, 0))
	require.Equal(t, mesh.IndexData(), indices)

	uploaded.Destroy()
	require.Zero(t, g.Live(gputest.KindBuffer))
	require.Empty(t, g.Violations())

	_, err = LoadMesh(fsys, "meshes/missing.obj", "")
	require.ErrorContains(t, err, "missing.obj")
}
