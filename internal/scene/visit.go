package scene

// Visitor is applied to each node of a traversal. Returning false skips the
// node's children.
type Visitor interface {
	Apply(n Node) bool
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(n Node) bool

// Apply calls f(n).
func (f VisitorFunc) Apply(n Node) bool { return f(n) }

// Accept runs v over the subgraph rooted at n, depth first, parents first.
func Accept(n Node, v Visitor) {
	if n == nil || !v.Apply(n) {
		return
	}
	if g := n.AsGroup(); g != nil {
		for _, c := range g.children {
			Accept(c, v)
		}
	}
}

// Walk runs fn over the subgraph rooted at n.
func Walk(n Node, fn func(n Node) bool) {
	Accept(n, VisitorFunc(fn))
}

// FindPagedLODs returns every PagedLOD in the subgraph, n included.
func FindPagedLODs(n Node) []*PagedLOD {
	var out []*PagedLOD
	Walk(n, func(n Node) bool {
		if p := n.AsPagedLOD(); p != nil {
			out = append(out, p)
		}
		return true
	})
	return out
}

// Geometries returns every geometry held by geodes in the subgraph.
func Geometries(n Node) []*Geometry {
	var out []*Geometry
	Walk(n, func(n Node) bool {
		if g := n.AsGeode(); g != nil {
			out = append(out, g.drawables...)
		}
		return true
	})
	return out
}

// CountNodes returns the number of nodes in the subgraph.
func CountNodes(n Node) int {
	count := 0
	Walk(n, func(Node) bool {
		count++
		return true
	})
	return count
}

// ReleaseSubgraph releases the GPU resources of every geometry in the
// subgraph and returns how many were released.
func ReleaseSubgraph(n Node) int {
	released := 0
	for _, g := range Geometries(n) {
		if g.gpu != nil {
			g.gpu.Release()
			g.gpu = nil
			released++
		}
	}
	return released
}
