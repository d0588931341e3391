package simplify

import (
	"slices"

	"github.com/Faultbox/midgard-lod/internal/engine/meshopt"
	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

// attributeLayout records which per-vertex arrays travel with the points.
type attributeLayout struct {
	normals   bool
	colors    bool
	texUnits  []int
	texLength int
}

func layoutOf(g *scene.Geometry) attributeLayout {
	n := len(g.Vertices)
	l := attributeLayout{
		normals:   len(g.Normals) == n,
		colors:    len(g.Colors) == n,
		texLength: len(g.TexCoords),
	}
	for unit, tc := range g.TexCoords {
		if len(tc) == n {
			l.texUnits = append(l.texUnits, unit)
		}
	}
	return l
}

func (l attributeLayout) size() int {
	s := len(l.texUnits) * 2
	if l.normals {
		s += 3
	}
	if l.colors {
		s += 4
	}
	return s
}

func (l attributeLayout) gather(g *scene.Geometry, i int) []float32 {
	if l.size() == 0 {
		return nil
	}
	a := make([]float32, 0, l.size())
	if l.normals {
		n := g.Normals[i]
		a = append(a, n.X, n.Y, n.Z)
	}
	if l.colors {
		c := g.Colors[i]
		a = append(a, c.X, c.Y, c.Z, c.W)
	}
	for _, unit := range l.texUnits {
		uv := g.TexCoords[unit][i]
		a = append(a, uv.X, uv.Y)
	}
	return a
}

func (ec *EdgeCollapse) build(g *scene.Geometry, protected []uint32) {
	ec.layout = layoutOf(g)

	original := make([]pointID, len(g.Vertices))
	for i, v := range g.Vertices {
		original[i] = ec.ensurePoint(vertexData{vertex: v, attrs: ec.layout.gather(g, i)})
	}
	for _, i := range protected {
		if int(i) < len(original) {
			ec.points[original[i]].protected = true
		}
	}
	for _, t := range meshopt.Triangles(g) {
		if int(t[0]) >= len(original) || int(t[1]) >= len(original) || int(t[2]) >= len(original) {
			continue
		}
		ec.addTriangle(original[t[0]], original[t[1]], original[t[2]])
	}
	for i := range ec.points {
		if ec.points[i].alive && len(ec.points[i].tris) == 0 {
			ec.removePoint(pointID(i))
		}
	}
}

// Flatten writes the surviving topology back into the geometry as a single
// indexed triangle list. Points are numbered in sorted order and triangles
// sorted by their indices, so equal meshes flatten identically. No further
// edits are possible afterwards.
func (ec *EdgeCollapse) Flatten(g *scene.Geometry) {
	ids := make([]pointID, 0, ec.numPoints)
	for i := range ec.points {
		if ec.points[i].alive {
			ids = append(ids, pointID(i))
		}
	}
	slices.SortFunc(ids, func(a, b pointID) int {
		switch {
		case ec.pointLess(a, b):
			return -1
		case ec.pointLess(b, a):
			return 1
		}
		return 0
	})
	index := make(map[pointID]uint32, len(ids))
	for i, id := range ids {
		index[id] = uint32(i)
	}

	l := ec.layout
	g.Vertices = make([]math.Vec3, len(ids))
	g.Normals = g.Normals[:0]
	g.Colors = g.Colors[:0]
	if l.texLength > 0 {
		g.TexCoords = make([][]math.Vec2, l.texLength)
	}
	for i, id := range ids {
		p := &ec.points[id]
		g.Vertices[i] = p.vertex
		a := p.attrs
		if len(a) < l.size() {
			continue
		}
		if l.normals {
			g.Normals = append(g.Normals, math.Vec3{X: a[0], Y: a[1], Z: a[2]}.Normalize())
			a = a[3:]
		}
		if l.colors {
			g.Colors = append(g.Colors, math.Vec4{X: a[0], Y: a[1], Z: a[2], W: a[3]})
			a = a[4:]
		}
		for _, unit := range l.texUnits {
			g.TexCoords[unit] = append(g.TexCoords[unit], math.Vec2{X: a[0], Y: a[1]})
			a = a[2:]
		}
	}

	tris := make([][3]uint32, 0, ec.numTris)
	for i := range ec.tris {
		t := &ec.tris[i]
		if t.alive {
			tris = append(tris, [3]uint32{index[t.p[0]], index[t.p[1]], index[t.p[2]]})
		}
	}
	slices.SortFunc(tris, func(a, b [3]uint32) int { return slices.Compare(a[:], b[:]) })
	indices := make([]uint32, 0, len(tris)*3)
	for _, t := range tris {
		indices = append(indices, t[0], t[1], t[2])
	}

	g.Primitives = []scene.PrimitiveSet{{Mode: scene.Triangles, Indices: indices}}
	g.Dirty()
	ec.state = Flattened
}
