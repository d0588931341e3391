package simplify

import (
	"container/heap"
	"slices"

	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/logger"
	"github.com/Faultbox/midgard-lod/internal/scene"
)

// maxNormalDeviation is the largest 1-dot(old, new) normal change a
// collapse may cause before the edge is excluded.
const maxNormalDeviation = 1.0

// State is the lifecycle stage of an EdgeCollapse.
type State int

const (
	Built State = iota
	Reduced
	Refined
	Flattened
)

func (s State) String() string {
	switch s {
	case Built:
		return "built"
	case Reduced:
		return "reduced"
	case Refined:
		return "refined"
	case Flattened:
		return "flattened"
	}
	return "unknown"
}

// EdgeCollapse is the editable triangle topology of one geometry. It is
// not safe for concurrent use.
type EdgeCollapse struct {
	*topology

	layout    attributeLayout
	useLength bool
	state     State
	heap      edgeHeap
	log       *zap.Logger
}

// NewEdgeCollapse builds the topology of a geometry's triangles and
// computes every edge's error metric. Vertices listed in protected are
// never moved. With useLength set, edges are ranked by length for
// refinement; otherwise by the geometric error of collapsing them.
func NewEdgeCollapse(geom *scene.Geometry, protected []uint32, useLength bool) *EdgeCollapse {
	ec := &EdgeCollapse{
		topology:  newTopology(),
		useLength: useLength,
		log:       logger.Named("simplify"),
	}
	ec.heap = edgeHeap{ec: ec, max: useLength}
	ec.onEdgeRemoved = ec.unqueue
	ec.build(geom, protected)

	for i := range ec.edges {
		if ec.edges[i].alive {
			ec.updateErrorMetricForEdge(edgeID(i))
		}
	}
	return ec
}

// State returns the lifecycle stage.
func (ec *EdgeCollapse) State() State { return ec.state }

// NumTriangles returns the live triangle count.
func (ec *EdgeCollapse) NumTriangles() int { return ec.numTris }

// NumEdges returns the live edge count.
func (ec *EdgeCollapse) NumEdges() int { return ec.numEdges }

// NumPoints returns the live point count.
func (ec *EdgeCollapse) NumPoints() int { return ec.numPoints }

// Validate checks the topology's internal references.
func (ec *EdgeCollapse) Validate() error { return ec.validate() }

// NextError returns the error metric of the edge the next operation would
// use: the smallest when decimating, the largest when refining.
func (ec *EdgeCollapse) NextError() (float32, bool) {
	if ec.heap.Len() == 0 {
		return 0, false
	}
	return ec.edges[ec.heap.ids[0]].errorMetric, true
}

func (ec *EdgeCollapse) unqueue(id edgeID) {
	if i := ec.edges[id].heapIndex; i >= 0 {
		heap.Remove(&ec.heap, i)
	}
}

// interpolate returns the point at parameter r along the edge.
func (ec *EdgeCollapse) interpolate(id edgeID, r float32) vertexData {
	e := &ec.edges[id]
	p1, p2 := &ec.points[e.p1], &ec.points[e.p2]
	d := vertexData{vertex: p1.vertex.Lerp(p2.vertex, r)}
	n := min(len(p1.attrs), len(p2.attrs))
	if n > 0 {
		d.attrs = make([]float32, n)
		for i := range d.attrs {
			d.attrs[i] = p1.attrs[i]*(1-r) + p2.attrs[i]*r
		}
	}
	return d
}

// computeErrorMetric returns the edge length in length mode, else the mean
// distance from v to the planes of every triangle around either endpoint.
func (ec *EdgeCollapse) computeErrorMetric(id edgeID, v vertexData) float32 {
	e := &ec.edges[id]
	p1, p2 := &ec.points[e.p1], &ec.points[e.p2]
	if ec.useLength {
		return p1.vertex.Distance(p2.vertex)
	}

	tris := make([]triID, 0, len(p1.tris)+len(p2.tris))
	tris = append(tris, p1.tris...)
	for _, t := range p2.tris {
		if !slices.Contains(p1.tris, t) {
			tris = append(tris, t)
		}
	}
	if len(tris) == 0 {
		return 0
	}
	var sum float32
	for _, t := range tris {
		sum += ec.tris[t].plane.AbsDistance(v.vertex)
	}
	return sum / float32(len(tris))
}

// normalDeviation returns the largest change in normal, as 1-dot, that
// collapsing the edge to v causes in triangles the collapse keeps.
func (ec *EdgeCollapse) normalDeviation(id edgeID, v vertexData) float32 {
	e := &ec.edges[id]
	var worst float32
	for _, end := range [2]pointID{e.p1, e.p2} {
		for _, t := range ec.points[end].tris {
			if slices.Contains(e.tris, t) {
				continue
			}
			tr := &ec.tris[t]
			var c [3]vertexData
			for i, p := range tr.p {
				if p == e.p1 || p == e.p2 {
					c[i] = v
				} else {
					c[i] = ec.points[p].vertexData
				}
			}
			n := c[1].vertex.Sub(c[0].vertex).Cross(c[2].vertex.Sub(c[1].vertex)).Normalize()
			worst = max(worst, 1-n.Dot(tr.plane.Normal))
		}
	}
	return worst
}

// updateErrorMetricForEdge recomputes the proposed point and error metric
// and repositions the edge in the ordering.
func (ec *EdgeCollapse) updateErrorMetricForEdge(id edgeID) {
	e := &ec.edges[id]
	if !e.alive {
		return
	}
	ec.unqueue(id)

	e.proposed = ec.interpolate(id, 0.5)
	if ec.useLength {
		e.errorMetric = ec.computeErrorMetric(id, e.proposed)
	} else {
		e.maxDeviation = ec.normalDeviation(id, e.proposed)
		if e.maxDeviation <= maxNormalDeviation && !ec.isAdjacentToBoundary(id) {
			e.errorMetric = ec.computeErrorMetric(id, e.proposed)
		} else {
			e.errorMetric = math32.MaxFloat32
		}
	}

	heap.Push(&ec.heap, id)
}

func (ec *EdgeCollapse) updateErrorMetrics(ids map[edgeID]struct{}) {
	sorted := make([]edgeID, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)
	for _, id := range sorted {
		ec.updateErrorMetricForEdge(id)
	}
}

// CollapseMinimumErrorEdge collapses the cheapest edge. It fails when no
// edge is left or the cheapest one is excluded.
func (ec *EdgeCollapse) CollapseMinimumErrorEdge() bool {
	if ec.useLength || ec.heap.Len() == 0 {
		return false
	}
	id := ec.heap.ids[0]
	e := &ec.edges[id]
	if e.errorMetric == math32.MaxFloat32 {
		return false
	}
	return ec.collapseEdge(id, e.proposed)
}

// DivideLongestEdge splits the longest edge at its midpoint.
func (ec *EdgeCollapse) DivideLongestEdge() bool {
	if !ec.useLength || ec.heap.Len() == 0 {
		return false
	}
	id := ec.heap.ids[0]
	return ec.divideEdge(id, ec.interpolate(id, 0.5))
}

// collapseEdge merges the edge's endpoints into np, removing the edge's
// triangles and re-attaching the others to the new point.
func (ec *EdgeCollapse) collapseEdge(id edgeID, np vertexData) bool {
	if ec.state == Flattened {
		return false
	}
	e := &ec.edges[id]
	if !e.alive || len(e.tris) == 0 {
		return false
	}
	p1, p2 := e.p1, e.p2
	pr1, pr2 := ec.points[p1].protected, ec.points[p2].protected
	switch {
	case pr1 && pr2:
		return false
	case pr1:
		np = ec.points[p1].vertexData
	case pr2:
		np = ec.points[p2].vertexData
	}
	newKey := np.key()

	edgeTris := slices.Clone(e.tris)
	var moved [][3]pointID
	for _, end := range [2]pointID{p1, p2} {
		if ec.points[end].key == newKey {
			continue
		}
		for _, t := range ec.points[end].tris {
			if !slices.Contains(edgeTris, t) && !slices.Contains(moved, ec.tris[t].p) {
				moved = append(moved, ec.tris[t].p)
			}
		}
	}

	for _, t := range edgeTris {
		ec.removeTriangle(t)
	}
	for _, corners := range moved {
		if t, ok := ec.triByPts[corners]; ok {
			ec.removeTriangle(t)
		}
	}

	pNew := ec.ensurePoint(np)
	if pr1 || pr2 {
		ec.points[pNew].protected = true
	}

	newEdges := make(map[edgeID]struct{})
	touched := []pointID{pNew}
	for _, corners := range moved {
		for i, p := range corners {
			if p == p1 || p == p2 {
				corners[i] = pNew
			} else {
				corners[i] = ec.revive(p)
				touched = append(touched, corners[i])
			}
		}
		t := ec.addTriangle(corners[0], corners[1], corners[2])
		if t == noTri {
			continue
		}
		for _, ne := range ec.tris[t].e {
			newEdges[ne] = struct{}{}
		}
	}
	for _, p := range touched {
		if len(ec.points[p].tris) == 0 {
			ec.removePoint(p)
		}
	}

	// Moving a point changes the plane of every triangle around it, so
	// refresh one hop beyond the new edges.
	update := make(map[edgeID]struct{}, len(newEdges)*4)
	for ne := range newEdges {
		update[ne] = struct{}{}
		ed := &ec.edges[ne]
		for _, end := range [2]pointID{ed.p1, ed.p2} {
			for _, t := range ec.points[end].tris {
				for _, te := range ec.tris[t].e {
					update[te] = struct{}{}
				}
			}
		}
	}
	ec.updateErrorMetrics(update)

	ec.state = Reduced
	return true
}

// divideEdge splits every triangle on the edge in two at np.
func (ec *EdgeCollapse) divideEdge(id edgeID, np vertexData) bool {
	if ec.state == Flattened {
		return false
	}
	e := &ec.edges[id]
	if !e.alive || len(e.tris) == 0 {
		return false
	}

	type split struct {
		tri    triID
		corner [3]pointID
		which  int
	}
	splits := make([]split, 0, len(e.tris))
	for _, t := range e.tris {
		p := ec.tris[t].p
		which := 0
		switch {
		case e.p1 == p[0] && e.p2 == p[1], e.p1 == p[1] && e.p2 == p[0]:
			which = 1
		case e.p1 == p[1] && e.p2 == p[2], e.p1 == p[2] && e.p2 == p[1]:
			which = 2
		case e.p1 == p[2] && e.p2 == p[0], e.p1 == p[0] && e.p2 == p[2]:
			which = 3
		}
		if which == 0 {
			ec.log.Error("divide edge: triangle does not contain edge",
				zap.Int32("edge", int32(id)), zap.Int32("triangle", int32(t)))
			return false
		}
		splits = append(splits, split{tri: t, corner: p, which: which})
	}

	for _, s := range splits {
		ec.removeTriangle(s.tri)
	}
	pNew := ec.ensurePoint(np)
	touched := []pointID{pNew}
	for i := range splits {
		for j, p := range splits[i].corner {
			splits[i].corner[j] = ec.revive(p)
			touched = append(touched, splits[i].corner[j])
		}
	}

	update := make(map[edgeID]struct{})
	add := func(a, b, c pointID) {
		if t := ec.addTriangle(a, b, c); t != noTri {
			for _, te := range ec.tris[t].e {
				update[te] = struct{}{}
			}
		}
	}
	for _, s := range splits {
		p := s.corner
		switch s.which {
		case 1:
			add(p[0], pNew, p[2])
			add(pNew, p[1], p[2])
		case 2:
			add(p[0], p[1], pNew)
			add(p[0], pNew, p[2])
		case 3:
			add(p[0], p[1], pNew)
			add(pNew, p[1], p[2])
		}
	}
	for _, p := range touched {
		if len(ec.points[p].tris) == 0 {
			ec.removePoint(p)
		}
	}
	ec.updateErrorMetrics(update)

	ec.state = Refined
	return true
}

// edgeHeap orders edges by error metric, smallest first, or largest first
// when max is set. Ties fall back to point order.
type edgeHeap struct {
	ec  *EdgeCollapse
	ids []edgeID
	max bool
}

func (h *edgeHeap) Len() int { return len(h.ids) }

func (h *edgeHeap) Less(i, j int) bool {
	a, b := &h.ec.edges[h.ids[i]], &h.ec.edges[h.ids[j]]
	if a.errorMetric != b.errorMetric {
		if h.max {
			return a.errorMetric > b.errorMetric
		}
		return a.errorMetric < b.errorMetric
	}
	if a.p1 != b.p1 {
		return h.ec.pointLess(a.p1, b.p1)
	}
	return h.ec.pointLess(a.p2, b.p2)
}

func (h *edgeHeap) Swap(i, j int) {
	h.ids[i], h.ids[j] = h.ids[j], h.ids[i]
	h.ec.edges[h.ids[i]].heapIndex = i
	h.ec.edges[h.ids[j]].heapIndex = j
}

func (h *edgeHeap) Push(x any) {
	id := x.(edgeID)
	h.ec.edges[id].heapIndex = len(h.ids)
	h.ids = append(h.ids, id)
}

func (h *edgeHeap) Pop() any {
	n := len(h.ids) - 1
	id := h.ids[n]
	h.ids = h.ids[:n]
	h.ec.edges[id].heapIndex = -1
	return id
}
