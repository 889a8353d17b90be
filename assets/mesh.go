package assets

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/renderkit/render"
)

type Vertex struct {
	Position mgl32.Vec3
	Color    mgl32.Vec3
	TexCoord mgl32.Vec2
}

// VertexSize is the size of one Vertex in a vertex buffer.
var VertexSize = binary.Size(Vertex{})

// Mesh is an indexed triangle list.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
}

type vertexKey struct {
	position int
	uv       int
}

// DecodeMesh decodes a Wavefront OBJ. Polygons are fanned into triangles and
// corners sharing a position and a texture coordinate share a vertex.
// Texture coordinates are flipped to put the origin at the top left. mtl may
// be nil.
func DecodeMesh(objReader, mtlReader io.Reader) (*Mesh, error) {
	if mtlReader == nil {
		mtlReader = strings.NewReader("")
	}

	decoder, err := obj.DecodeReader(objReader, mtlReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode obj")
	}

	mesh := &Mesh{}
	unique := make(map[vertexKey]uint32)

	addVertex := func(face obj.Face, corner int) error {
		key := vertexKey{position: face.Vertices[corner], uv: -1}
		if corner < len(face.Uvs) {
			key.uv = face.Uvs[corner]
		}

		index, ok := unique[key]
		if !ok {
			if key.position < 0 || key.position*3+2 >= len(decoder.Vertices) {
				return errors.Errorf("vertex index %d out of range", key.position)
			}
			vert := Vertex{
				Position: mgl32.Vec3{
					decoder.Vertices[key.position*3],
					decoder.Vertices[key.position*3+1],
					decoder.Vertices[key.position*3+2],
				},
				Color: mgl32.Vec3{1, 1, 1},
			}
			if key.uv >= 0 && key.uv*2+1 < len(decoder.Uvs) {
				vert.TexCoord = mgl32.Vec2{
					decoder.Uvs[key.uv*2],
					1.0 - decoder.Uvs[key.uv*2+1],
				}
			}

			index = uint32(len(mesh.Vertices))
			mesh.Vertices = append(mesh.Vertices, vert)
			unique[key] = index
		}

		mesh.Indices = append(mesh.Indices, index)
		return nil
	}

	for _, object := range decoder.Objects {
		for _, face := range object.Faces {
			for i := 2; i < len(face.Vertices); i++ {
				for _, corner := range [3]int{0, i - 1, i} {
					if err := addVertex(face, corner); err != nil {
						return nil, errors.Wrapf(err, "object %s", object.Name)
					}
				}
			}
		}
	}

	if len(mesh.Indices) == 0 {
		return nil, errors.New("obj contains no faces")
	}
	return mesh, nil
}

// LoadMesh decodes the OBJ file at objPath, with its material library at
// mtlPath unless that is empty.
func LoadMesh(fsys fs.FS, objPath, mtlPath string) (*Mesh, error) {
	objFile, err := fsys.Open(objPath)
	if err != nil {
		return nil, errors.Wrapf(err, "mesh %s", objPath)
	}
	defer objFile.Close()

	var mtlReader io.Reader
	if mtlPath != "" {
		mtlFile, err := fsys.Open(mtlPath)
		if err != nil {
			return nil, errors.Wrapf(err, "mesh material %s", mtlPath)
		}
		defer mtlFile.Close()
		mtlReader = mtlFile
	}

	mesh, err := DecodeMesh(objFile, mtlReader)
	return mesh, errors.Wrapf(err, "mesh %s", objPath)
}

func encode(data any) []byte {
	buf := &bytes.Buffer{}
	// Only fixed size data is encoded, which cannot fail.
	_ = binary.Write(buf, common.ByteOrder, data)
	return buf.Bytes()
}

// VertexData returns the vertices laid out for a vertex buffer.
func (m *Mesh) VertexData() []byte {
	return encode(m.Vertices)
}

// IndexData returns the indices laid out for a 32 bit index buffer.
func (m *Mesh) IndexData() []byte {
	return encode(m.Indices)
}

// GPUMesh is a mesh held in device-local vertex and index buffers.
type GPUMesh struct {
	Vertices   *render.Buffer
	Indices    *render.Buffer
	IndexCount int
}

// UploadMesh copies m into device-local buffers.
func UploadMesh(device *render.Device, m *Mesh) (*GPUMesh, error) {
	vertexData := m.VertexData()
	vertices, err := render.NewBuffer(device, render.BufferInfo{
		Size:        len(vertexData),
		Usage:       core1_0.BufferUsageVertexBuffer,
		DeviceLocal: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create vertex buffer")
	}
	err = vertices.Write(vertexData, 0, 0)
	if err != nil {
		vertices.Destroy()
		return nil, errors.Wrap(err, "failed to upload vertices")
	}

	indexData := m.IndexData()
	indices, err := render.NewBuffer(device, render.BufferInfo{
		Size:        len(indexData),
		Usage:       core1_0.BufferUsageIndexBuffer,
		DeviceLocal: true,
	})
	if err != nil {
		vertices.Destroy()
		return nil, errors.Wrap(err, "failed to create index buffer")
	}
	err = indices.Write(indexData, 0, 0)
	if err != nil {
		vertices.Destroy()
		indices.Destroy()
		return nil, errors.Wrap(err, "failed to upload indices")
	}

	device.Logger().WithFields(logrus.Fields{
		"component": "assets",
		"vertices":  len(m.Vertices),
		"indices":   len(m.Indices),
	}).Debug("mesh uploaded")

	return &GPUMesh{
		Vertices:   vertices,
		Indices:    indices,
		IndexCount: len(m.Indices),
	}, nil
}

func (g *GPUMesh) Destroy() {
	g.Vertices.Destroy()
	g.Indices.Destroy()
}
