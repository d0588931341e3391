package simplify

import (
	"encoding/binary"
	"errors"
	"fmt"
	gomath "math"
	"slices"

	"github.com/Faultbox/midgard-lod/pkg/math"
)

// ErrTopology reports an inconsistent point/edge/triangle structure.
var ErrTopology = errors.New("inconsistent mesh topology")

type (
	pointID int32
	edgeID  int32
	triID   int32
)

const noTri triID = -1

// vertexData is a position plus the interleaved per-vertex attributes.
type vertexData struct {
	vertex math.Vec3
	attrs  []float32
}

func (d vertexData) key() string {
	b := make([]byte, 0, 4*(3+len(d.attrs)))
	put := func(f float32) {
		if f == 0 {
			f = 0 // fold -0
		}
		b = binary.LittleEndian.AppendUint32(b, gomath.Float32bits(f))
	}
	put(d.vertex.X)
	put(d.vertex.Y)
	put(d.vertex.Z)
	for _, a := range d.attrs {
		put(a)
	}
	return string(b)
}

func (d vertexData) less(o vertexData) bool {
	if d.vertex.Less(o.vertex) {
		return true
	}
	if o.vertex.Less(d.vertex) {
		return false
	}
	return slices.Compare(d.attrs, o.attrs) < 0
}

type point struct {
	vertexData
	key       string
	protected bool
	tris      []triID
	alive     bool
}

type edge struct {
	p1, p2 pointID // p1 sorts before p2
	tris   []triID

	errorMetric  float32
	maxDeviation float32
	proposed     vertexData

	heapIndex int
	alive     bool
}

type triangle struct {
	p     [3]pointID // lowest point first, winding preserved
	e     [3]edgeID
	plane math.Plane
	alive bool
}

type topology struct {
	points []point
	edges  []edge
	tris   []triangle

	pointByKey map[string]pointID
	edgeByPts  map[[2]pointID]edgeID
	triByPts   map[[3]pointID]triID

	numPoints, numEdges, numTris int

	// onEdgeRemoved lets the owner drop the edge from its ordering.
	onEdgeRemoved func(edgeID)
}

func newTopology() *topology {
	return &topology{
		pointByKey: make(map[string]pointID),
		edgeByPts:  make(map[[2]pointID]edgeID),
		triByPts:   make(map[[3]pointID]triID),
	}
}

func (t *topology) pointLess(a, b pointID) bool {
	return t.points[a].less(t.points[b].vertexData)
}

// ensurePoint returns the live point with the same position and attributes,
// creating it without triangles if needed.
func (t *topology) ensurePoint(d vertexData) pointID {
	k := d.key()
	if id, ok := t.pointByKey[k]; ok {
		return id
	}
	id := pointID(len(t.points))
	t.points = append(t.points, point{vertexData: d, key: k, alive: true})
	t.pointByKey[k] = id
	t.numPoints++
	return id
}

// revive returns a live point equal to id, recreating it with the same
// protection when removing its last triangle dropped it.
func (t *topology) revive(id pointID) pointID {
	if t.points[id].alive {
		return id
	}
	old := t.points[id]
	nid := t.ensurePoint(old.vertexData)
	t.points[nid].protected = t.points[nid].protected || old.protected
	return nid
}

func (t *topology) removePoint(id pointID) {
	p := &t.points[id]
	if !p.alive {
		return
	}
	p.alive = false
	p.tris = nil
	delete(t.pointByKey, p.key)
	t.numPoints--
}

// addTriangle registers a triangle over three existing points. It returns
// noTri, registering nothing, when two corners coincide or the same
// triangle already exists.
func (t *topology) addTriangle(a, b, c pointID) triID {
	if a == b || b == c || a == c {
		return noTri
	}
	pts := [3]pointID{a, b, c}
	lowest := 0
	if t.pointLess(pts[1], pts[lowest]) {
		lowest = 1
	}
	if t.pointLess(pts[2], pts[lowest]) {
		lowest = 2
	}
	pts = [3]pointID{pts[lowest], pts[(lowest+1)%3], pts[(lowest+2)%3]}
	if _, dup := t.triByPts[pts]; dup {
		return noTri
	}

	id := triID(len(t.tris))
	tr := triangle{p: pts, alive: true}
	for i, p := range pts {
		t.points[p].tris = append(t.points[p].tris, id)
		tr.e[i] = t.addEdge(id, p, pts[(i+1)%3])
	}
	v := [3]math.Vec3{t.points[pts[0]].vertex, t.points[pts[1]].vertex, t.points[pts[2]].vertex}
	tr.plane = math.PlaneFromPoints(v[0], v[1], v[2])
	t.tris = append(t.tris, tr)
	t.triByPts[pts] = id
	t.numTris++
	return id
}

func (t *topology) addEdge(tri triID, a, b pointID) edgeID {
	if t.pointLess(b, a) {
		a, b = b, a
	}
	k := [2]pointID{a, b}
	id, ok := t.edgeByPts[k]
	if !ok {
		id = edgeID(len(t.edges))
		t.edges = append(t.edges, edge{p1: a, p2: b, heapIndex: -1, alive: true})
		t.edgeByPts[k] = id
		t.numEdges++
	}
	t.edges[id].tris = append(t.edges[id].tris, tri)
	return id
}

func (t *topology) removeEdge(id edgeID) {
	e := &t.edges[id]
	if !e.alive {
		return
	}
	if t.onEdgeRemoved != nil {
		t.onEdgeRemoved(id)
	}
	e.alive = false
	e.tris = nil
	delete(t.edgeByPts, [2]pointID{e.p1, e.p2})
	t.numEdges--
}

// removeTriangle unregisters a triangle, removing edges and points left
// without triangles.
func (t *topology) removeTriangle(id triID) {
	tr := &t.tris[id]
	if !tr.alive {
		return
	}
	tr.alive = false
	delete(t.triByPts, tr.p)
	t.numTris--

	for _, p := range tr.p {
		pt := &t.points[p]
		pt.tris = removeID(pt.tris, id)
		if len(pt.tris) == 0 {
			t.removePoint(p)
		}
	}
	for _, e := range tr.e {
		ed := &t.edges[e]
		ed.tris = removeID(ed.tris, id)
		if len(ed.tris) == 0 {
			t.removeEdge(e)
		}
	}
}

func removeID[T comparable](s []T, v T) []T {
	if i := slices.Index(s, v); i >= 0 {
		s[i] = s[len(s)-1]
		return s[:len(s)-1]
	}
	return s
}

func (t *topology) isBoundaryEdge(id edgeID) bool {
	return len(t.edges[id].tris) <= 1
}

// isBoundaryPoint reports whether a point is protected or lies on an edge
// used by only one triangle.
func (t *topology) isBoundaryPoint(id pointID) bool {
	p := &t.points[id]
	if p.protected {
		return true
	}
	for _, tri := range p.tris {
		for _, e := range t.tris[tri].e {
			ed := &t.edges[e]
			if (ed.p1 == id || ed.p2 == id) && len(ed.tris) <= 1 {
				return true
			}
		}
	}
	return false
}

func (t *topology) isAdjacentToBoundary(id edgeID) bool {
	e := &t.edges[id]
	return t.isBoundaryEdge(id) || t.isBoundaryPoint(e.p1) || t.isBoundaryPoint(e.p2)
}

// validate checks every back-reference between live elements.
func (t *topology) validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrTopology}, args...)...))
	}

	for i := range t.tris {
		tr := &t.tris[i]
		if !tr.alive {
			continue
		}
		id := triID(i)
		for _, p := range tr.p {
			if !t.points[p].alive || !slices.Contains(t.points[p].tris, id) {
				bad("triangle %d not referenced by point %d", id, p)
			}
		}
		for j, e := range tr.e {
			ed := &t.edges[e]
			if !ed.alive || !slices.Contains(ed.tris, id) {
				bad("triangle %d not referenced by edge %d", id, e)
				continue
			}
			a, b := tr.p[j], tr.p[(j+1)%3]
			if !(ed.p1 == a && ed.p2 == b) && !(ed.p1 == b && ed.p2 == a) {
				bad("triangle %d edge %d has points %d,%d, want %d,%d", id, e, ed.p1, ed.p2, a, b)
			}
		}
	}
	for i := range t.edges {
		ed := &t.edges[i]
		if !ed.alive {
			continue
		}
		if len(ed.tris) == 0 {
			bad("edge %d has no triangles", i)
		}
		for _, tri := range ed.tris {
			if !t.tris[tri].alive || !slices.Contains(t.tris[tri].e[:], edgeID(i)) {
				bad("edge %d references triangle %d which does not use it", i, tri)
			}
		}
	}
	for i := range t.points {
		p := &t.points[i]
		if !p.alive {
			continue
		}
		if len(p.tris) == 0 {
			bad("point %d has no triangles", i)
		}
		for _, tri := range p.tris {
			if !t.tris[tri].alive || !slices.Contains(t.tris[tri].p[:], pointID(i)) {
				bad("point %d references triangle %d which does not use it", i, tri)
			}
		}
	}
	return errors.Join(errs...)
}
