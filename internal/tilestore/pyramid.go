package tilestore

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

// RootTile is the name of the top-level tile of a generated pyramid.
const RootTile = "root.json"

// PyramidConfig describes a generated quadtree terrain pyramid.
type PyramidConfig struct {
	Levels     int     // number of detail levels, at least 1
	Extent     float32 // world size of the root tile
	Resolution int     // grid cells per tile side
	Amplitude  float32 // terrain height scale
	// RangeFactor multiplies a tile's radius to get the distance at which
	// its children are paged in.
	RangeFactor float32
}

// DefaultPyramidConfig returns a small four-level pyramid.
func DefaultPyramidConfig() PyramidConfig {
	return PyramidConfig{
		Levels:      4,
		Extent:      1024,
		Resolution:  16,
		Amplitude:   40,
		RangeFactor: 3,
	}
}

// ChildrenTile names the file holding the four children of a tile.
func ChildrenTile(level, x, y int) string {
	return fmt.Sprintf("tile_%d_%d_%d_sub.json", level, x, y)
}

// GeneratePyramid builds every document of the pyramid and hands each to
// emit, root first.
func GeneratePyramid(cfg PyramidConfig, emit func(name string, doc *Document) error) error {
	if cfg.Levels < 1 || cfg.Resolution < 1 || cfg.Extent <= 0 {
		return fmt.Errorf("invalid pyramid config: %+v", cfg)
	}
	if cfg.RangeFactor <= 0 {
		cfg.RangeFactor = 3
	}

	root, err := FromScene(buildTile(cfg, 0, 0, 0))
	if err != nil {
		return err
	}
	if err := emit(RootTile, root); err != nil {
		return err
	}

	for level := 0; level < cfg.Levels-1; level++ {
		n := 1 << level
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				g := scene.NewGroup()
				g.SetName(fmt.Sprintf("children %d/%d/%d", level, x, y))
				for _, c := range [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
					g.AddChild(buildTile(cfg, level+1, x*2+c[0], y*2+c[1]))
				}
				doc, err := FromScene(g)
				if err != nil {
					return err
				}
				if err := emit(ChildrenTile(level, x, y), doc); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func buildTile(cfg PyramidConfig, level, x, y int) *scene.PagedLOD {
	size := cfg.Extent / float32(int(1)<<level)
	x0, y0 := float32(x)*size, float32(y)*size

	geode := scene.NewGeode()
	geode.SetName(fmt.Sprintf("terrain %d/%d/%d", level, x, y))
	geode.AddDrawable(terrainGrid(cfg, x0, y0, size))

	p := scene.NewPagedLOD()
	p.SetName(fmt.Sprintf("tile %d/%d/%d", level, x, y))
	p.Center = math.Vec3{X: x0 + size/2, Y: y0 + size/2, Z: cfg.height(x0+size/2, y0+size/2)}
	p.Radius = size * math32.Sqrt2 / 2
	p.NumChildrenThatCannotBeExpired = 1
	p.AddChild(geode)

	cutoff := p.Radius * cfg.RangeFactor
	if level == cfg.Levels-1 {
		p.AddRange("", 0, math32.MaxFloat32)
		return p
	}
	p.AddRange("", cutoff, math32.MaxFloat32)
	p.AddRange(ChildrenTile(level, x, y), 0, cutoff)
	return p
}

func (cfg PyramidConfig) height(x, y float32) float32 {
	k := 2 * math32.Pi / cfg.Extent
	return cfg.Amplitude * (math32.Sin(x*k*2)*math32.Cos(y*k*3) + 0.25*math32.Sin(x*k*11+y*k*7))
}

func terrainGrid(cfg PyramidConfig, x0, y0, size float32) *scene.Geometry {
	res := cfg.Resolution
	step := size / float32(res)
	side := res + 1

	geom := &scene.Geometry{
		Vertices:         make([]math.Vec3, 0, side*side),
		Normals:          make([]math.Vec3, 0, side*side),
		UseBufferObjects: true,
		State:            &scene.StateSet{Color: math.Vec4{X: 0.4, Y: 0.6, Z: 0.3, W: 1}, Lighting: true, CullFace: true},
	}
	for j := 0; j < side; j++ {
		for i := 0; i < side; i++ {
			px, py := x0+float32(i)*step, y0+float32(j)*step
			geom.Vertices = append(geom.Vertices, math.Vec3{X: px, Y: py, Z: cfg.height(px, py)})
			dx := cfg.height(px+step, py) - cfg.height(px-step, py)
			dy := cfg.height(px, py+step) - cfg.height(px, py-step)
			geom.Normals = append(geom.Normals, math.Vec3{X: -dx, Y: -dy, Z: 2 * step}.Normalize())
		}
	}

	indices := make([]uint32, 0, res*res*6)
	for j := 0; j < res; j++ {
		for i := 0; i < res; i++ {
			a := uint32(j*side + i)
			b, c, d := a+1, a+uint32(side), a+uint32(side)+1
			indices = append(indices, a, b, d, a, d, c)
		}
	}
	geom.Primitives = []scene.PrimitiveSet{{Mode: scene.Triangles, Indices: indices}}
	return geom
}
