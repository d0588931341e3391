package scene

import "github.com/Faultbox/midgard-lod/pkg/math"

// Geode is a leaf node holding drawable geometry.
type Geode struct {
	base
	State     *StateSet
	drawables []*Geometry
}

// NewGeode creates an empty geode.
func NewGeode() *Geode {
	return &Geode{base: newBase()}
}

// AsGeode returns the geode itself.
func (g *Geode) AsGeode() *Geode { return g }

// AddDrawable appends a geometry.
func (g *Geode) AddDrawable(geom *Geometry) {
	if geom != nil {
		g.drawables = append(g.drawables, geom)
	}
}

// Drawables returns the geometry list. Callers must not modify it.
func (g *Geode) Drawables() []*Geometry { return g.drawables }

// Bound returns the union of the drawables' bounds.
func (g *Geode) Bound() Sphere {
	s := EmptySphere()
	for _, d := range g.drawables {
		s = s.ExpandBy(d.Bound())
	}
	return s
}

// PrimitiveMode selects how a primitive set's indices form primitives.
type PrimitiveMode int

const (
	Points PrimitiveMode = iota
	Lines
	Triangles
	TriangleStrip
	TriangleFan
	Quads
)

var primitiveModeNames = [...]string{"points", "lines", "triangles", "triangle_strip", "triangle_fan", "quads"}

func (m PrimitiveMode) String() string {
	if m < 0 || int(m) >= len(primitiveModeNames) {
		return "unknown"
	}
	return primitiveModeNames[m]
}

// ParsePrimitiveMode is the inverse of PrimitiveMode.String.
func ParsePrimitiveMode(s string) (PrimitiveMode, bool) {
	for i, n := range primitiveModeNames {
		if n == s {
			return PrimitiveMode(i), true
		}
	}
	return 0, false
}

// PrimitiveSet is an indexed list of primitives of one mode.
type PrimitiveSet struct {
	Mode    PrimitiveMode
	Indices []uint32
}

// GPUResource is a handle to uploaded buffers for a geometry.
type GPUResource interface {
	Release()
}

// Geometry holds per-vertex arrays and the primitive sets indexing them.
// Normals, Colors and each TexCoords unit are either empty or the same length
// as Vertices.
type Geometry struct {
	Vertices   []math.Vec3
	Normals    []math.Vec3
	Colors     []math.Vec4
	TexCoords  [][]math.Vec2
	Primitives []PrimitiveSet

	State            *StateSet
	UseBufferObjects bool

	gpu   GPUResource
	bound *Sphere
}

// Bound returns the bounding sphere of the vertices, cached until Dirty.
func (g *Geometry) Bound() Sphere {
	if g.bound == nil {
		s := sphereFromPoints(g.Vertices)
		g.bound = &s
	}
	return *g.bound
}

// Dirty drops cached derived data after the arrays change.
func (g *Geometry) Dirty() {
	g.bound = nil
}

// GPU returns the uploaded buffer handle, if any.
func (g *Geometry) GPU() GPUResource { return g.gpu }

// SetGPU attaches an uploaded buffer handle, releasing any previous one.
func (g *Geometry) SetGPU(r GPUResource) {
	if g.gpu != nil && g.gpu != r {
		g.gpu.Release()
	}
	g.gpu = r
}

// NumTriangles counts the triangles described by the triangle-family
// primitive sets.
func (g *Geometry) NumTriangles() int {
	n := 0
	for _, ps := range g.Primitives {
		c := len(ps.Indices)
		switch ps.Mode {
		case Triangles:
			n += c / 3
		case TriangleStrip, TriangleFan:
			if c >= 3 {
				n += c - 2
			}
		case Quads:
			n += c / 4 * 2
		}
	}
	return n
}

// StateSet is the subset of render state the toolkit tracks. It is a value
// type so equal states can be recognised and shared.
type StateSet struct {
	Texture  string
	Color    math.Vec4
	Lighting bool
	Blend    bool
	CullFace bool
}
