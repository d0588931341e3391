// Package simplify reduces or refines triangle meshes by edge collapse and
// edge division.
package simplify

import (
	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/engine/meshopt"
	"github.com/Faultbox/midgard-lod/internal/logger"
	"github.com/Faultbox/midgard-lod/internal/scene"
)

// Config controls a Simplifier.
type Config struct {
	// SampleRatio is the target triangle count relative to the input.
	// Below 1 the mesh is decimated, at or above 1 it is refined.
	SampleRatio float32 `yaml:"sample_ratio"`
	// MaximumError stops decimation once the cheapest collapse costs more.
	MaximumError float32 `yaml:"maximum_error"`
	// MaximumLength stops refinement once the longest edge is shorter.
	MaximumLength float32 `yaml:"maximum_length"`
	Smoothing     bool    `yaml:"smoothing"`
	TriStrip      bool    `yaml:"tri_strip"`
}

// DefaultConfig halves the triangle count with no error bound.
func DefaultConfig() Config {
	return Config{
		SampleRatio:  0.5,
		MaximumError: math32.MaxFloat32,
		Smoothing:    true,
	}
}

// ContinueFunc decides whether to perform another operation given the
// error of the next candidate edge and the original and current triangle
// counts.
type ContinueFunc func(nextError float32, numOriginal, numRemaining int) bool

// Result summarises one Simplify call.
type Result struct {
	Before, After int
	// LastError is the error metric of the next candidate when the loop
	// stopped.
	LastError float32
}

// Simplifier drives an EdgeCollapse towards the configured sample ratio.
type Simplifier struct {
	cfg        Config
	continueFn ContinueFunc
	log        *zap.Logger
}

// New creates a simplifier.
func New(cfg Config) *Simplifier {
	return &Simplifier{cfg: cfg, log: logger.Named("simplify")}
}

// Config returns the current configuration.
func (s *Simplifier) Config() Config { return s.cfg }

func (s *Simplifier) SetSampleRatio(r float32)   { s.cfg.SampleRatio = r }
func (s *Simplifier) SetMaximumError(e float32)  { s.cfg.MaximumError = e }
func (s *Simplifier) SetMaximumLength(l float32) { s.cfg.MaximumLength = l }
func (s *Simplifier) SetSmoothing(on bool)       { s.cfg.Smoothing = on }
func (s *Simplifier) SetTriStrip(on bool)        { s.cfg.TriStrip = on }

// SetContinueFunc replaces the continuation policy. Nil restores the
// default.
func (s *Simplifier) SetContinueFunc(fn ContinueFunc) { s.continueFn = fn }

// ContinueSimplification applies the continuation policy.
func (s *Simplifier) ContinueSimplification(nextError float32, numOriginal, numRemaining int) bool {
	if s.continueFn != nil {
		return s.continueFn(nextError, numOriginal, numRemaining)
	}
	target := float32(numOriginal) * s.cfg.SampleRatio
	if s.cfg.SampleRatio < 1 {
		return float32(numRemaining) > target && nextError <= s.cfg.MaximumError
	}
	return float32(numRemaining) < target && nextError > s.cfg.MaximumLength
}

// Simplify rewrites geom's triangles towards the sample ratio. Vertices in
// protected keep their position. Geometry without triangles is left as is.
func (s *Simplifier) Simplify(geom *scene.Geometry, protected []uint32) Result {
	refine := s.cfg.SampleRatio >= 1
	ec := NewEdgeCollapse(geom, protected, refine)
	res := Result{Before: ec.NumTriangles()}
	if res.Before == 0 {
		return res
	}

	for {
		next, ok := ec.NextError()
		if !ok {
			break
		}
		res.LastError = next
		if !s.ContinueSimplification(next, res.Before, ec.NumTriangles()) {
			break
		}
		var done bool
		if refine {
			done = ec.DivideLongestEdge()
		} else {
			done = ec.CollapseMinimumErrorEdge()
		}
		if !done {
			break
		}
	}

	if err := ec.Validate(); err != nil {
		s.log.Warn("topology check failed", zap.Error(err))
	}
	ec.Flatten(geom)
	res.After = ec.NumTriangles()

	if s.cfg.Smoothing {
		meshopt.SmoothNormals(geom)
	}
	if s.cfg.TriStrip {
		meshopt.Stripify(geom)
	}

	s.log.Debug("simplified geometry",
		zap.Int("before", res.Before),
		zap.Int("after", res.After),
		zap.Float32("ratio", s.cfg.SampleRatio),
		zap.Float32("last_error", res.LastError))
	return res
}

// Apply simplifies every geometry in a subgraph and returns the summed
// triangle counts.
func (s *Simplifier) Apply(n scene.Node) Result {
	var total Result
	for _, g := range scene.Geometries(n) {
		r := s.Simplify(g, nil)
		total.Before += r.Before
		total.After += r.After
		total.LastError = max(total.LastError, r.LastError)
	}
	return total
}
