package pager

import (
	"cmp"
	"slices"
	"sync"
	"weak"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

// Registry tracks resident PagedLODs by weak reference, split into an active
// set (traversed in the current or previous frame) and an inactive set. A
// node is in at most one set. Entries whose node was collected are dropped
// during Update.
type Registry struct {
	mu       sync.Mutex
	active   map[scene.NodeID]weak.Pointer[scene.PagedLOD]
	inactive map[scene.NodeID]weak.Pointer[scene.PagedLOD]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:   make(map[scene.NodeID]weak.Pointer[scene.PagedLOD]),
		inactive: make(map[scene.NodeID]weak.Pointer[scene.PagedLOD]),
	}
}

// Insert adds p to the active set unless it is already tracked.
func (r *Registry) Insert(p *scene.PagedLOD) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, ok := r.inactive[id]; ok {
		return
	}
	if _, ok := r.active[id]; ok {
		return
	}
	r.active[id] = weak.Make(p)
}

// Remove forgets p.
func (r *Registry) Remove(p *scene.PagedLOD) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, p.ID())
	delete(r.inactive, p.ID())
}

// Contains reports whether p is tracked and whether it is active.
func (r *Registry) Contains(p *scene.PagedLOD) (tracked, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[p.ID()]; ok {
		return true, true
	}
	_, ok := r.inactive[p.ID()]
	return ok, false
}

// Update moves nodes whose last traversal is more than one frame behind frame
// to the inactive set and the rest back to the active set. It returns how
// many nodes changed set and how many expired references were dropped.
func (r *Registry) Update(frame int64) (moved, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, wp := range r.active {
		p := wp.Value()
		if p == nil {
			delete(r.active, id)
			dropped++
			continue
		}
		if frame-p.FrameNumberOfLastTraversal() > 1 {
			delete(r.active, id)
			r.inactive[id] = wp
			moved++
		}
	}
	for id, wp := range r.inactive {
		p := wp.Value()
		if p == nil {
			delete(r.inactive, id)
			dropped++
			continue
		}
		if frame-p.FrameNumberOfLastTraversal() <= 1 {
			delete(r.inactive, id)
			r.active[id] = wp
			moved++
		}
	}
	return moved, dropped
}

// InactiveCandidates returns the live inactive nodes, least recently
// traversed first.
func (r *Registry) InactiveCandidates() []*scene.PagedLOD {
	r.mu.Lock()
	out := make([]*scene.PagedLOD, 0, len(r.inactive))
	for _, wp := range r.inactive {
		if p := wp.Value(); p != nil {
			out = append(out, p)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *scene.PagedLOD) int {
		if c := cmp.Compare(a.FrameNumberOfLastTraversal(), b.FrameNumberOfLastTraversal()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID(), b.ID())
	})
	return out
}

// Len returns the sizes of the active and inactive sets.
func (r *Registry) Len() (active, inactive int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), len(r.inactive)
}

// Clear forgets every node.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.active)
	clear(r.inactive)
}
