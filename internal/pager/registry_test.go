package pager

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

func TestRegistryMovesBetweenSets(t *testing.T) {
	r := NewRegistry()
	a := scene.NewPagedLOD()
	b := scene.NewPagedLOD()
	a.SetFrameNumberOfLastTraversal(10)
	b.SetFrameNumberOfLastTraversal(7)
	r.Insert(a)
	r.Insert(b)
	r.Insert(a)

	active, inactive := r.Len()
	assert.Equal(t, 2, active)
	assert.Equal(t, 0, inactive)

	moved, _ := r.Update(10)
	assert.Equal(t, 1, moved)
	tracked, isActive := r.Contains(b)
	assert.True(t, tracked)
	assert.False(t, isActive)
	_, isActive = r.Contains(a)
	assert.True(t, isActive)

	// Traversed in the previous frame still counts as active.
	b.SetFrameNumberOfLastTraversal(10)
	moved, _ = r.Update(11)
	assert.Equal(t, 1, moved)
	_, isActive = r.Contains(b)
	assert.True(t, isActive)

	r.Update(13)
	active, inactive = r.Len()
	assert.Equal(t, 0, active)
	assert.Equal(t, 2, inactive)

	// Re-inserting an inactive node does not duplicate it.
	r.Insert(a)
	active, inactive = r.Len()
	assert.Equal(t, 0, active)
	assert.Equal(t, 2, inactive)
}

func TestRegistryInactiveCandidatesOldestFirst(t *testing.T) {
	r := NewRegistry()
	var plods []*scene.PagedLOD
	for _, f := range []int64{5, 1, 3} {
		p := scene.NewPagedLOD()
		p.SetFrameNumberOfLastTraversal(f)
		r.Insert(p)
		plods = append(plods, p)
	}
	r.Update(20)

	got := r.InactiveCandidates()
	require.Len(t, got, 3)
	assert.Same(t, plods[1], got[0])
	assert.Same(t, plods[2], got[1])
	assert.Same(t, plods[0], got[2])
	runtime.KeepAlive(plods)
}

func TestRegistryDropsCollectedNodes(t *testing.T) {
	r := NewRegistry()
	func() {
		r.Insert(scene.NewPagedLOD())
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		r.Update(1)
		active, inactive := r.Len()
		return active+inactive == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryRemoveAndClear(t *testing.T) {
	r := NewRegistry()
	a := scene.NewPagedLOD()
	b := scene.NewPagedLOD()
	r.Insert(a)
	r.Insert(b)

	r.Remove(a)
	tracked, _ := r.Contains(a)
	assert.False(t, tracked)

	r.Clear()
	active, inactive := r.Len()
	assert.Zero(t, active+inactive)
	runtime.KeepAlive(b)
}
