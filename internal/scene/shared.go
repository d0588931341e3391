package scene

import (
	"sync"
	"weak"
)

// SharedStateManager replaces equal StateSets across merged subgraphs with
// one shared instance. It holds only weak references, so a state no longer
// used by any node can be collected and later pruned.
type SharedStateManager struct {
	mu     sync.Mutex
	shared map[StateSet]weak.Pointer[StateSet]
}

// NewSharedStateManager creates an empty manager.
func NewSharedStateManager() *SharedStateManager {
	return &SharedStateManager{shared: make(map[StateSet]weak.Pointer[StateSet])}
}

// Share rewrites the state pointers in the subgraph to their shared
// instances and returns how many pointers were replaced.
func (m *SharedStateManager) Share(n Node) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := 0
	swap := func(s **StateSet) {
		if *s == nil {
			return
		}
		if c := m.canonical(*s); c != *s {
			*s = c
			replaced++
		}
	}
	Walk(n, func(n Node) bool {
		if g := n.AsGeode(); g != nil {
			swap(&g.State)
			for _, d := range g.drawables {
				swap(&d.State)
			}
		}
		return true
	})
	return replaced
}

func (m *SharedStateManager) canonical(s *StateSet) *StateSet {
	if wp, ok := m.shared[*s]; ok {
		if c := wp.Value(); c != nil {
			return c
		}
	}
	m.shared[*s] = weak.Make(s)
	return s
}

// Prune drops entries whose shared instance has been collected and returns
// how many were dropped.
func (m *SharedStateManager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for k, wp := range m.shared {
		if wp.Value() == nil {
			delete(m.shared, k)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked states.
func (m *SharedStateManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shared)
}
