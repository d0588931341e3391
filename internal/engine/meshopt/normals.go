// Package meshopt provides mesh post-processing passes: triangle
// expansion, normal smoothing and triangle stripping.
package meshopt

import (
	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

// Triangles expands every triangle-family primitive set of g into index
// triples, keeping each triangle's winding.
func Triangles(g *scene.Geometry) [][3]uint32 {
	var out [][3]uint32
	for _, ps := range g.Primitives {
		idx := ps.Indices
		switch ps.Mode {
		case scene.Triangles:
			for i := 0; i+2 < len(idx); i += 3 {
				out = append(out, [3]uint32{idx[i], idx[i+1], idx[i+2]})
			}
		case scene.TriangleStrip:
			for i := 0; i+2 < len(idx); i++ {
				if i%2 == 1 {
					out = append(out, [3]uint32{idx[i], idx[i+2], idx[i+1]})
				} else {
					out = append(out, [3]uint32{idx[i], idx[i+1], idx[i+2]})
				}
			}
		case scene.TriangleFan:
			for i := 1; i+1 < len(idx); i++ {
				out = append(out, [3]uint32{idx[0], idx[i], idx[i+1]})
			}
		case scene.Quads:
			for i := 0; i+3 < len(idx); i += 4 {
				out = append(out,
					[3]uint32{idx[i], idx[i+1], idx[i+2]},
					[3]uint32{idx[i], idx[i+2], idx[i+3]})
			}
		}
	}
	return out
}

// SmoothNormals recomputes per-vertex normals from the triangles of g.
// Face normals are area weighted, and vertices sharing a position share the
// averaged normal so seams between duplicated vertices disappear.
func SmoothNormals(g *scene.Geometry) {
	const epsilon float32 = 0.001

	n := len(g.Vertices)
	if n == 0 {
		return
	}
	sums := make([]math.Vec3, n)
	for _, t := range Triangles(g) {
		if int(t[0]) >= n || int(t[1]) >= n || int(t[2]) >= n {
			continue
		}
		a, b, c := g.Vertices[t[0]], g.Vertices[t[1]], g.Vertices[t[2]]
		face := b.Sub(a).Cross(c.Sub(a))
		for _, i := range t {
			sums[i] = sums[i].Add(face)
		}
	}

	// Group vertices by quantized position
	posMap := make(map[[3]int32][]int)
	for i, v := range g.Vertices {
		key := [3]int32{
			int32(v.X / epsilon),
			int32(v.Y / epsilon),
			int32(v.Z / epsilon),
		}
		posMap[key] = append(posMap[key], i)
	}

	normals := make([]math.Vec3, n)
	for _, idxs := range posMap {
		var sum math.Vec3
		for _, i := range idxs {
			sum = sum.Add(sums[i])
		}
		avg := sum.Normalize()
		for _, i := range idxs {
			normals[i] = avg
		}
	}
	g.Normals = normals
}
