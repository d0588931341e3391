package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/model3d/model3d"

	"github.com/Faultbox/midgard-lod/internal/simplify"
)

func TestGeometryRoundTrip(t *testing.T) {
	mesh := model3d.NewMeshIcosphere(model3d.Origin, 1, 2)
	tris := mesh.TriangleSlice()

	g := toGeometry(tris)
	assert.Len(t, g.Vertices, len(mesh.VertexSlice()))
	assert.Equal(t, len(tris), g.NumTriangles())

	back := fromGeometry(g)
	require.Len(t, back, len(tris))
	for i, tri := range back {
		for j := range tri {
			assert.InDelta(t, 0, tri[j].Dist(tris[i][j]), 1e-6)
		}
	}
}

func TestSimplifyIcosphere(t *testing.T) {
	tris := model3d.NewMeshIcosphere(model3d.Origin, 1, 3).TriangleSlice()
	g := toGeometry(tris)

	cfg := simplify.DefaultConfig()
	cfg.Smoothing = false
	res := simplify.New(cfg).Simplify(g, nil)

	assert.Equal(t, len(tris), res.Before)
	assert.Less(t, res.After, res.Before)

	out := model3d.NewMeshTriangles(fromGeometry(g))
	assert.Equal(t, res.After, len(out.TriangleSlice()))
	for _, v := range out.VertexSlice() {
		assert.LessOrEqual(t, v.Norm(), 1.0+1e-4)
	}
}
