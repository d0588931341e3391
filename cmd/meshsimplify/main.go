// meshsimplify reduces or refines the triangle count of an STL mesh with
// the edge-collapse simplifier.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/model3d/model3d"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/engine/meshopt"
	"github.com/Faultbox/midgard-lod/internal/logger"
	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/internal/simplify"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

func main() {
	def := simplify.DefaultConfig()
	var cfg simplify.Config
	var verbose bool
	flag.Func("ratio", fmt.Sprintf("target triangle ratio, above 1 refines (default %g)", def.SampleRatio), float32Flag(&cfg.SampleRatio, def.SampleRatio))
	flag.Func("max-error", "stop once the next collapse error exceeds this", float32Flag(&cfg.MaximumError, def.MaximumError))
	flag.Func("max-length", "stop refining once edges are shorter than this", float32Flag(&cfg.MaximumLength, def.MaximumLength))
	flag.BoolVar(&cfg.Smoothing, "smooth", false, "recompute smooth normals")
	flag.BoolVar(&verbose, "verbose", false, "log collapse progress")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: meshsimplify [flags] <input.stl> <output.stl>")
		fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
		os.Exit(1)
	}
	inputPath, outputPath := args[0], args[1]

	level := "info"
	if verbose {
		level = "debug"
	}
	essentials.Must(logger.Init(level, ""))
	defer logger.Sync()
	log := logger.Named("meshsimplify")

	f, err := os.Open(inputPath)
	essentials.Must(err)
	tris, err := model3d.ReadSTL(f)
	f.Close()
	essentials.Must(err)

	geom := toGeometry(tris)
	log.Info("loaded mesh",
		zap.String("path", inputPath),
		zap.Int("vertices", len(geom.Vertices)),
		zap.Int("triangles", geom.NumTriangles()))

	s := simplify.New(cfg)
	res := s.Simplify(geom, nil)
	log.Info("simplified",
		zap.Int("before", res.Before),
		zap.Int("after", res.After),
		zap.Float32("last_error", res.LastError))

	mesh := model3d.NewMeshTriangles(fromGeometry(geom))
	essentials.Must(mesh.SaveGroupedSTL(outputPath))
}

func float32Flag(dst *float32, def float32) func(string) error {
	*dst = def
	return func(s string) error {
		var v float64
		if _, err := fmt.Sscan(s, &v); err != nil {
			return err
		}
		*dst = float32(v)
		return nil
	}
}

// toGeometry indexes a triangle soup, merging equal corners.
func toGeometry(tris []*model3d.Triangle) *scene.Geometry {
	g := &scene.Geometry{}
	index := map[model3d.Coord3D]uint32{}
	indices := make([]uint32, 0, len(tris)*3)
	for _, t := range tris {
		for _, c := range t {
			i, ok := index[c]
			if !ok {
				i = uint32(len(g.Vertices))
				index[c] = i
				g.Vertices = append(g.Vertices, math.Vec3{X: float32(c.X), Y: float32(c.Y), Z: float32(c.Z)})
			}
			indices = append(indices, i)
		}
	}
	g.Primitives = []scene.PrimitiveSet{{Mode: scene.Triangles, Indices: indices}}
	return g
}

func fromGeometry(g *scene.Geometry) []*model3d.Triangle {
	coord := func(i uint32) model3d.Coord3D {
		v := g.Vertices[i]
		return model3d.Coord3D{X: float64(v.X), Y: float64(v.Y), Z: float64(v.Z)}
	}
	var out []*model3d.Triangle
	for _, t := range meshopt.Triangles(g) {
		out = append(out, &model3d.Triangle{coord(t[0]), coord(t[1]), coord(t[2])})
	}
	return out
}
