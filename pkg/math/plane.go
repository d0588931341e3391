package math

import "github.com/chewxy/math32"

// Plane is the set of points p with Normal.Dot(p) + D == 0.
// Normal is unit length for planes built with PlaneFromPoints.
type Plane struct {
	Normal Vec3
	D      float32
}

// PlaneFromPoints builds the plane through three points with the normal
// following counter-clockwise winding. Collinear points yield a zero normal.
func PlaneFromPoints(a, b, c Vec3) Plane {
	n := b.Sub(a).Cross(c.Sub(a)).Normalize()
	return Plane{Normal: n, D: -n.Dot(a)}
}

// Distance returns the signed distance from p to the plane.
func (pl Plane) Distance(p Vec3) float32 {
	return pl.Normal.Dot(p) + pl.D
}

// AbsDistance returns the unsigned distance from p to the plane.
func (pl Plane) AbsDistance(p Vec3) float32 {
	return math32.Abs(pl.Distance(p))
}

// Valid reports whether the plane has a non-zero normal.
func (pl Plane) Valid() bool {
	return pl.Normal.LengthSq() > 0
}
