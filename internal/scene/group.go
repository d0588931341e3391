package scene

// Group is a node with an ordered list of children.
type Group struct {
	base
	self     Node
	children []Node
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	g := &Group{base: newBase()}
	g.self = g
	return g
}

// AsGroup returns the group itself.
func (g *Group) AsGroup() *Group { return g }

// AddChild appends child. It refuses nil and nodes that already have a parent.
func (g *Group) AddChild(child Node) bool {
	if child == nil || child.Parent() != nil {
		return false
	}
	child.setParent(g.self)
	g.children = append(g.children, child)
	return true
}

// RemoveChild detaches child if it is a direct child of g.
func (g *Group) RemoveChild(child Node) bool {
	for i, c := range g.children {
		if c == child {
			g.RemoveChildren(i, 1)
			return true
		}
	}
	return false
}

// RemoveChildren detaches count children starting at pos and returns them.
func (g *Group) RemoveChildren(pos, count int) []Node {
	if pos < 0 || pos >= len(g.children) || count <= 0 {
		return nil
	}
	end := min(pos+count, len(g.children))
	removed := make([]Node, end-pos)
	copy(removed, g.children[pos:end])
	for _, c := range removed {
		c.setParent(nil)
	}
	g.children = append(g.children[:pos], g.children[end:]...)
	return removed
}

// NumChildren returns the number of children.
func (g *Group) NumChildren() int { return len(g.children) }

// Child returns the i'th child or nil when out of range.
func (g *Group) Child(i int) Node {
	if i < 0 || i >= len(g.children) {
		return nil
	}
	return g.children[i]
}

// Children returns the child list. Callers must not modify it.
func (g *Group) Children() []Node { return g.children }

// ChildByID returns the direct child with the given id.
func (g *Group) ChildByID(id NodeID) Node {
	for _, c := range g.children {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Bound returns the union of the children's bounds.
func (g *Group) Bound() Sphere {
	s := EmptySphere()
	for _, c := range g.children {
		s = s.ExpandBy(c.Bound())
	}
	return s
}
