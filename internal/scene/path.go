package scene

import "slices"

// ObserverPath is a weak reference to a node: the ids from the top-most
// ancestor down to the node. It never keeps nodes alive, and resolving it
// fails once any node on the path has left the tree.
type ObserverPath []NodeID

// PathTo captures the path from n's top-most ancestor to n.
func PathTo(n Node) ObserverPath {
	var p ObserverPath
	for ; n != nil; n = n.Parent() {
		p = append(p, n.ID())
	}
	slices.Reverse(p)
	return p
}

// Target returns the id of the referenced node, or 0 for an empty path.
func (p ObserverPath) Target() NodeID {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1]
}

// Resolve walks the path from root. It returns false if root is not the
// first element or any later element is no longer a child of its predecessor.
func (p ObserverPath) Resolve(root Node) (Node, bool) {
	if len(p) == 0 || root == nil || root.ID() != p[0] {
		return nil, false
	}
	n := root
	for _, id := range p[1:] {
		g := n.AsGroup()
		if g == nil {
			return nil, false
		}
		n = g.ChildByID(id)
		if n == nil {
			return nil, false
		}
	}
	return n, true
}
