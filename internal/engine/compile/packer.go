package compile

import (
	"errors"
	"fmt"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

// ErrEmptyGeometry is returned when a geometry has nothing to upload.
var ErrEmptyGeometry = errors.New("compile: geometry has no vertices")

// Layout gives float offsets of each attribute inside one interleaved
// vertex. A negative offset means the attribute is absent.
type Layout struct {
	Stride   int
	Position int
	Normal   int
	Color    int
	TexCoord int
}

// DrawRange is one draw call over a slice of the index buffer.
type DrawRange struct {
	Mode  scene.PrimitiveMode
	First int
	Count int
}

// PackedBuffers holds a geometry flattened into interleaved vertex data
// and a single index buffer.
type PackedBuffers struct {
	Vertices []float32
	Indices  []uint32
	Layout   Layout
	Ranges   []DrawRange
}

// Release is a no-op; packed buffers live in ordinary memory.
func (*PackedBuffers) Release() {}

// VertexCount returns the number of interleaved vertices.
func (p *PackedBuffers) VertexCount() int {
	if p.Layout.Stride == 0 {
		return 0
	}
	return len(p.Vertices) / p.Layout.Stride
}

// Pack interleaves position, normal, color and the first texture unit of g
// and concatenates its primitive sets into one index buffer. Quads become
// triangles; indices that point past the vertex arrays are an error.
func Pack(g *scene.Geometry) (*PackedBuffers, error) {
	n := len(g.Vertices)
	if n == 0 {
		return nil, ErrEmptyGeometry
	}

	l := Layout{Position: 0, Normal: -1, Color: -1, TexCoord: -1}
	stride := 3
	if len(g.Normals) == n {
		l.Normal = stride
		stride += 3
	}
	if len(g.Colors) == n {
		l.Color = stride
		stride += 4
	}
	if len(g.TexCoords) > 0 && len(g.TexCoords[0]) == n {
		l.TexCoord = stride
		stride += 2
	}
	l.Stride = stride

	vertices := make([]float32, 0, n*stride)
	for i, v := range g.Vertices {
		vertices = append(vertices, v.X, v.Y, v.Z)
		if l.Normal >= 0 {
			nm := g.Normals[i]
			vertices = append(vertices, nm.X, nm.Y, nm.Z)
		}
		if l.Color >= 0 {
			c := g.Colors[i]
			vertices = append(vertices, c.X, c.Y, c.Z, c.W)
		}
		if l.TexCoord >= 0 {
			t := g.TexCoords[0][i]
			vertices = append(vertices, t.X, t.Y)
		}
	}

	p := &PackedBuffers{Vertices: vertices, Layout: l}
	for si, ps := range g.Primitives {
		for _, idx := range ps.Indices {
			if int(idx) >= n {
				return nil, fmt.Errorf("compile: primitive set %d: index %d out of range (%d vertices)", si, idx, n)
			}
		}
		mode, indices := ps.Mode, ps.Indices
		if mode == scene.Quads {
			mode, indices = scene.Triangles, quadsToTriangles(indices)
		}
		if len(indices) == 0 {
			continue
		}
		p.Ranges = append(p.Ranges, DrawRange{Mode: mode, First: len(p.Indices), Count: len(indices)})
		p.Indices = append(p.Indices, indices...)
	}
	return p, nil
}

func quadsToTriangles(idx []uint32) []uint32 {
	out := make([]uint32, 0, len(idx)/4*6)
	for i := 0; i+3 < len(idx); i += 4 {
		out = append(out, idx[i], idx[i+1], idx[i+2], idx[i], idx[i+2], idx[i+3])
	}
	return out
}

// BufferPacker is an Uploader that only packs geometry into client memory.
// It serves headless runs and tests where no GPU context exists.
type BufferPacker struct{}

// Upload packs g.
func (BufferPacker) Upload(g *scene.Geometry) (scene.GPUResource, error) {
	return Pack(g)
}
