package scene

import (
	"sync/atomic"

	"github.com/Faultbox/midgard-lod/pkg/math"
)

// RangeData describes one child slot of a PagedLOD: the file that provides
// it, the eye distance range in which it is shown, and when it was last used.
type RangeData struct {
	FileName string
	Min, Max float32

	PriorityOffset float32
	PriorityScale  float32

	TimeStamp   float64
	FrameNumber int64

	MinExpiryTime   float64
	MinExpiryFrames int64
}

// PagedLOD is a level-of-detail switch whose children are loaded on demand.
// Child i is shown while the eye distance lies in Range(i).
type PagedLOD struct {
	Group

	Center math.Vec3
	Radius float32

	DatabasePath string
	Options      *LoadOptions

	NumChildrenThatCannotBeExpired int

	ranges        []RangeData
	lastTraversal atomic.Int64
}

// NewPagedLOD creates an empty PagedLOD.
func NewPagedLOD() *PagedLOD {
	p := &PagedLOD{Group: Group{base: newBase()}}
	p.self = p
	return p
}

// AsPagedLOD returns the node itself.
func (p *PagedLOD) AsPagedLOD() *PagedLOD { return p }

// Bound returns the user-defined bound when a radius is set, else the
// children's bound.
func (p *PagedLOD) Bound() Sphere {
	if p.Radius > 0 {
		return Sphere{Center: p.Center, Radius: p.Radius}
	}
	return p.Group.Bound()
}

// AddRange appends a range slot and returns its index.
func (p *PagedLOD) AddRange(fileName string, minDist, maxDist float32) int {
	p.ranges = append(p.ranges, RangeData{
		FileName:      fileName,
		Min:           minDist,
		Max:           maxDist,
		PriorityScale: 1,
	})
	return len(p.ranges) - 1
}

// NumRanges returns the number of range slots.
func (p *PagedLOD) NumRanges() int { return len(p.ranges) }

// Range returns a copy of range slot i.
func (p *PagedLOD) Range(i int) RangeData { return p.ranges[i] }

// RangeRef returns a pointer to range slot i, or nil when out of range.
func (p *PagedLOD) RangeRef(i int) *RangeData {
	if i < 0 || i >= len(p.ranges) {
		return nil
	}
	return &p.ranges[i]
}

// SetTimeStamp records when child slot i was last needed.
func (p *PagedLOD) SetTimeStamp(i int, t float64) {
	if r := p.RangeRef(i); r != nil {
		r.TimeStamp = t
	}
}

// SetFrameNumber records the frame in which child slot i was last needed.
func (p *PagedLOD) SetFrameNumber(i int, frame int64) {
	if r := p.RangeRef(i); r != nil {
		r.FrameNumber = frame
	}
}

// FrameNumberOfLastTraversal returns the last frame a cull traversal reached p.
func (p *PagedLOD) FrameNumberOfLastTraversal() int64 {
	return p.lastTraversal.Load()
}

// SetFrameNumberOfLastTraversal stamps the traversal frame.
func (p *PagedLOD) SetFrameNumberOfLastTraversal(frame int64) {
	p.lastTraversal.Store(frame)
}

// RemoveExpiredChildren removes the highest-detail child when it came from a
// file and has been unused since before both expiryTime and expiryFrame.
// Children below NumChildrenThatCannotBeExpired are never removed.
func (p *PagedLOD) RemoveExpiredChildren(expiryTime float64, expiryFrame int64) []Node {
	n := len(p.children)
	if n <= p.NumChildrenThatCannotBeExpired {
		return nil
	}
	last := n - 1
	if last >= len(p.ranges) {
		return nil
	}
	r := &p.ranges[last]
	if r.FileName == "" ||
		r.TimeStamp+r.MinExpiryTime >= expiryTime ||
		r.FrameNumber+r.MinExpiryFrames >= expiryFrame {
		return nil
	}
	return p.RemoveChildren(last, 1)
}
