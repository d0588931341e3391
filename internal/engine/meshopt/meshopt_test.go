package meshopt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

// grid returns an n x n quad grid in the XY plane as a triangle list.
func grid(n int) *scene.Geometry {
	g := &scene.Geometry{}
	side := n + 1
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			g.Vertices = append(g.Vertices, math.Vec3{X: float32(x), Y: float32(y)})
		}
	}
	var idx []uint32
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			a := uint32(y*side + x)
			b, c, d := a+1, a+uint32(side), a+uint32(side)+1
			idx = append(idx, a, b, d, a, d, c)
		}
	}
	g.Primitives = []scene.PrimitiveSet{{Mode: scene.Triangles, Indices: idx}}
	return g
}

// canonical rotates a triangle so its smallest index comes first.
func canonical(t [3]uint32) [3]uint32 {
	switch {
	case t[1] < t[0] && t[1] < t[2]:
		return [3]uint32{t[1], t[2], t[0]}
	case t[2] < t[0] && t[2] < t[1]:
		return [3]uint32{t[2], t[0], t[1]}
	}
	return t
}

func triangleSet(g *scene.Geometry) map[[3]uint32]int {
	set := map[[3]uint32]int{}
	for _, t := range Triangles(g) {
		set[canonical(t)]++
	}
	return set
}

func TestTrianglesModes(t *testing.T) {
	g := &scene.Geometry{Primitives: []scene.PrimitiveSet{
		{Mode: scene.TriangleStrip, Indices: []uint32{0, 1, 2, 3}},
		{Mode: scene.TriangleFan, Indices: []uint32{0, 1, 2, 3}},
		{Mode: scene.Quads, Indices: []uint32{0, 1, 2, 3}},
		{Mode: scene.Lines, Indices: []uint32{0, 1}},
	}}
	assert.Equal(t, [][3]uint32{
		{0, 1, 2}, {1, 3, 2},
		{0, 1, 2}, {0, 2, 3},
		{0, 1, 2}, {0, 2, 3},
	}, Triangles(g))
}

func TestSmoothNormals(t *testing.T) {
	g := grid(2)
	SmoothNormals(g)
	require.Len(t, g.Normals, len(g.Vertices))
	for i, n := range g.Normals {
		assert.InDelta(t, 1, n.Z, 1e-5, "vertex %d", i)
	}
}

func TestSmoothNormalsSharesSeams(t *testing.T) {
	// Two triangles folded along the X axis with the seam vertices duplicated.
	g := &scene.Geometry{
		Vertices: []math.Vec3{
			{X: 0}, {X: 1}, {Y: 1},
			{X: 0}, {X: 1}, {Z: 1},
		},
		Primitives: []scene.PrimitiveSet{{Mode: scene.Triangles, Indices: []uint32{0, 1, 2, 4, 3, 5}}},
	}
	SmoothNormals(g)
	assert.Equal(t, g.Normals[0], g.Normals[3])
	assert.Equal(t, g.Normals[1], g.Normals[4])
	assert.InDelta(t, 1, g.Normals[0].Length(), 1e-5)
	assert.NotEqual(t, g.Normals[2], g.Normals[5])
}

func TestStripifyPreservesTriangles(t *testing.T) {
	g := grid(4)
	before := triangleSet(g)

	Stripify(g)

	assert.Equal(t, before, triangleSet(g))
	strips := 0
	for _, ps := range g.Primitives {
		if ps.Mode == scene.TriangleStrip {
			strips++
		}
	}
	assert.Greater(t, strips, 0)
	assert.Less(t, strips, 32, "a grid should form strips longer than one triangle")
}

func TestStripifyKeepsOtherPrimitives(t *testing.T) {
	g := grid(1)
	g.Primitives = append(g.Primitives, scene.PrimitiveSet{Mode: scene.Lines, Indices: []uint32{0, 3}})
	Stripify(g)

	var lines int
	for _, ps := range g.Primitives {
		if ps.Mode == scene.Lines {
			lines++
		}
	}
	assert.Equal(t, 1, lines)
	assert.Equal(t, 2, g.NumTriangles())
}

func TestStripifyDropsDegenerate(t *testing.T) {
	g := &scene.Geometry{
		Vertices:   make([]math.Vec3, 3),
		Primitives: []scene.PrimitiveSet{{Mode: scene.Triangles, Indices: []uint32{0, 0, 1}}},
	}
	Stripify(g)
	assert.Empty(t, g.Primitives)
}
