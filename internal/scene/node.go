// Package scene is the scene graph consumed by the database pager and the
// simplifier: groups, paged LOD proxies, geodes with geometry, and the
// traversal helpers that walk them.
//
// A node has at most one parent. The live graph is mutated only on the
// thread that owns it; subgraphs built by loader goroutines are private to
// that goroutine until merged.
package scene

import (
	"sync/atomic"

	"github.com/Faultbox/midgard-lod/pkg/math"
)

// NodeID identifies a node for the lifetime of the process.
type NodeID uint64

var lastNodeID atomic.Uint64

func nextNodeID() NodeID {
	return NodeID(lastNodeID.Add(1))
}

// Node is implemented by every scene graph node. The As* accessors resolve a
// node's capabilities once instead of repeated type switches.
type Node interface {
	ID() NodeID
	Name() string
	SetName(name string)
	Parent() Node
	Bound() Sphere

	AsGroup() *Group
	AsPagedLOD() *PagedLOD
	AsGeode() *Geode

	setParent(p Node)
}

// base carries identity and the parent link shared by all node kinds.
type base struct {
	id     NodeID
	name   string
	parent Node
}

func newBase() base {
	return base{id: nextNodeID()}
}

func (b *base) ID() NodeID            { return b.id }
func (b *base) Name() string          { return b.name }
func (b *base) SetName(name string)   { b.name = name }
func (b *base) Parent() Node          { return b.parent }
func (b *base) setParent(p Node)      { b.parent = p }
func (b *base) AsGroup() *Group       { return nil }
func (b *base) AsPagedLOD() *PagedLOD { return nil }
func (b *base) AsGeode() *Geode       { return nil }

// Root returns the top-most ancestor of n.
func Root(n Node) Node {
	for n != nil && n.Parent() != nil {
		n = n.Parent()
	}
	return n
}

// Sphere is a bounding sphere. A negative radius marks it empty.
type Sphere struct {
	Center math.Vec3
	Radius float32
}

// EmptySphere returns an invalid sphere that any expansion replaces.
func EmptySphere() Sphere {
	return Sphere{Radius: -1}
}

// Valid reports whether the sphere encloses anything.
func (s Sphere) Valid() bool {
	return s.Radius >= 0
}

// ExpandBy grows s to contain o.
func (s Sphere) ExpandBy(o Sphere) Sphere {
	if !o.Valid() {
		return s
	}
	if !s.Valid() {
		return o
	}
	d := o.Center.Sub(s.Center)
	dist := d.Length()
	if dist+o.Radius <= s.Radius {
		return s
	}
	if dist+s.Radius <= o.Radius {
		return o
	}
	r := (dist + s.Radius + o.Radius) * 0.5
	c := s.Center
	if dist > 0 {
		c = s.Center.Add(d.Scale((r - s.Radius) / dist))
	}
	return Sphere{Center: c, Radius: r}
}

// sphereFromPoints returns a sphere around the bounding box of pts.
func sphereFromPoints(pts []math.Vec3) Sphere {
	if len(pts) == 0 {
		return EmptySphere()
	}
	lo, hi := pts[0], pts[0]
	for _, p := range pts[1:] {
		lo = lo.Min(p)
		hi = hi.Max(p)
	}
	c := lo.Add(hi).Scale(0.5)
	var r float32
	for _, p := range pts {
		if d := p.Distance(c); d > r {
			r = d
		}
	}
	return Sphere{Center: c, Radius: r}
}
