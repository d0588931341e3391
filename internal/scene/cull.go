package scene

import "github.com/Faultbox/midgard-lod/pkg/math"

// LoadRequester receives requests for PagedLOD children that are in range
// but not yet resident.
type LoadRequester interface {
	RequestLoad(fileName string, attach Node, priority float32, fs FrameStamp, opts *LoadOptions) error
}

// CullVisitor performs the per-frame LOD selection traversal. It stamps
// every PagedLOD it reaches with the frame number, selects children by eye
// distance and asks the requester for missing ones.
type CullVisitor struct {
	Eye       math.Vec3
	Frame     FrameStamp
	Requester LoadRequester

	// LODScale multiplies eye distances; values above 1 favour coarser levels.
	LODScale float32

	// DrawList collects the geodes selected for drawing.
	DrawList []*Geode
	// Requests counts RequestLoad calls made during the traversal.
	Requests int
}

// NewCullVisitor creates a visitor for one frame.
func NewCullVisitor(eye math.Vec3, fs FrameStamp, req LoadRequester) *CullVisitor {
	return &CullVisitor{Eye: eye, Frame: fs, Requester: req, LODScale: 1}
}

// Traverse culls the subgraph rooted at n.
func (cv *CullVisitor) Traverse(n Node) {
	switch {
	case n == nil:
	case n.AsPagedLOD() != nil:
		cv.traversePagedLOD(n.AsPagedLOD())
	case n.AsGeode() != nil:
		cv.DrawList = append(cv.DrawList, n.AsGeode())
	case n.AsGroup() != nil:
		for _, c := range n.AsGroup().children {
			cv.Traverse(c)
		}
	}
}

func (cv *CullVisitor) traversePagedLOD(p *PagedLOD) {
	p.SetFrameNumberOfLastTraversal(cv.Frame.FrameNumber)

	center := p.Center
	if p.Radius <= 0 {
		center = p.Bound().Center
	}
	scale := cv.LODScale
	if scale <= 0 {
		scale = 1
	}
	dist := cv.Eye.Distance(center) * scale

	lastTraversed := -1
	needLoad := false
	for i := range p.ranges {
		r := &p.ranges[i]
		if dist < r.Min || dist >= r.Max {
			continue
		}
		if i < len(p.children) {
			r.TimeStamp = cv.Frame.ReferenceTime
			r.FrameNumber = cv.Frame.FrameNumber
			cv.Traverse(p.children[i])
			lastTraversed = i
		} else {
			needLoad = true
		}
	}
	if !needLoad {
		return
	}

	n := len(p.children)
	if n > 0 && n-1 != lastTraversed {
		if r := p.RangeRef(n - 1); r != nil {
			r.TimeStamp = cv.Frame.ReferenceTime
			r.FrameNumber = cv.Frame.FrameNumber
		}
		cv.Traverse(p.children[n-1])
	}

	if cv.Requester == nil || n >= len(p.ranges) {
		return
	}
	r := p.ranges[n]
	priority := float32(0)
	if span := r.Max - r.Min; span > 0 {
		priority = (r.Max - dist) / span
	}
	priority = r.PriorityOffset + priority*r.PriorityScale

	opts := p.Options
	if p.DatabasePath != "" {
		o := LoadOptions{}
		if opts != nil {
			o = *opts
		}
		o.DatabasePath = p.DatabasePath
		opts = &o
	}
	if err := cv.Requester.RequestLoad(r.FileName, p, priority, cv.Frame, opts); err == nil {
		cv.Requests++
	}
}
