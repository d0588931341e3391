package pager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

func testRequest(name string, frame int64, t float64, priority float32) *DatabaseRequest {
	return newRequest(
		requestKey{attach: 1, fileName: name},
		nil,
		priority,
		scene.FrameStamp{FrameNumber: frame, ReferenceTime: t},
		nil,
	)
}

func TestTakeHighestPriorityOrdering(t *testing.T) {
	q := NewRequestQueue("read")
	reqs := []*DatabaseRequest{
		testRequest("a", 10, 1.0, 5),
		testRequest("b", 10, 3.0, 1),
		testRequest("c", 10, 3.0, 2),
		testRequest("d", 10, 2.0, 9),
		testRequest("e", 10, 0.5, 100),
	}
	for _, r := range reqs {
		q.Add(r)
		assert.Same(t, q, r.Queue())
	}

	var order []string
	for {
		r := q.TakeHighestPriority(10)
		if r == nil {
			break
		}
		assert.Nil(t, r.Queue(), "taken request must not reference the queue")
		order = append(order, r.FileName())
	}
	assert.Equal(t, []string{"c", "b", "d", "a", "e"}, order)
	assert.True(t, q.Empty())
}

func TestTakeHighestPriorityDropsStale(t *testing.T) {
	q := NewRequestQueue("read")
	var dropped []string
	q.onStale = func(r *DatabaseRequest) { dropped = append(dropped, r.FileName()) }

	old := testRequest("old", 5, 9.0, 100)
	prev := testRequest("prev", 9, 1.0, 1)
	cur := testRequest("cur", 10, 0.5, 1)
	q.Add(old)
	q.Add(prev)
	q.Add(cur)

	got := q.TakeHighestPriority(10)
	require.NotNil(t, got)
	assert.Equal(t, "prev", got.FileName(), "stale entry must never win despite newest timestamp")

	assert.False(t, old.Valid())
	assert.Nil(t, old.Queue())
	assert.Equal(t, []string{"old"}, dropped)
	assert.Equal(t, 1, q.Len())

	got = q.TakeHighestPriority(10)
	require.NotNil(t, got)
	assert.Equal(t, "cur", got.FileName())
	assert.Nil(t, q.TakeHighestPriority(10))
}

func TestPruneStaleAndCheckEmpty(t *testing.T) {
	q := NewRequestQueue("read")
	r := testRequest("a", 3, 0, 1)
	q.Add(r)

	assert.False(t, q.PruneStaleAndCheckEmpty(4))
	assert.True(t, r.Valid())

	assert.True(t, q.PruneStaleAndCheckEmpty(5))
	assert.False(t, r.Valid())

	// A second scan for the same frame is skipped.
	late := testRequest("late", 1, 0, 1)
	q.Add(late)
	assert.False(t, q.PruneStaleAndCheckEmpty(5))
	assert.True(t, late.Valid())
	assert.True(t, q.PruneStaleAndCheckEmpty(6))
}

func TestRemoveAndClear(t *testing.T) {
	q := NewRequestQueue("merge")
	changes := 0
	q.onChange = func() { changes++ }

	a := testRequest("a", 1, 0, 1)
	b := testRequest("b", 1, 0, 1)
	q.Add(a)
	q.Add(b)

	assert.True(t, q.Remove(a))
	assert.False(t, q.Remove(a), "removing an absent request is not an error")
	assert.Nil(t, a.Queue())
	assert.True(t, a.Valid())

	assert.Equal(t, 1, q.Clear())
	assert.False(t, b.Valid())
	assert.True(t, q.Empty())
	assert.Equal(t, 4, changes)
}

func TestTransferTo(t *testing.T) {
	src := NewRequestQueue("compile")
	dst := NewRequestQueue("merge")
	r := testRequest("a", 1, 0, 1)
	src.Add(r)

	require.True(t, src.TransferTo(r, dst))
	assert.Same(t, dst, r.Queue())
	assert.Equal(t, 0, src.Len())
	assert.Equal(t, 1, dst.Len())

	assert.False(t, src.TransferTo(r, dst))
}

func TestTakeAll(t *testing.T) {
	q := NewRequestQueue("merge")
	q.Add(testRequest("a", 1, 0, 1))
	q.Add(testRequest("b", 1, 0, 1))

	all := q.TakeAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].FileName())
	for _, r := range all {
		assert.Nil(t, r.Queue())
		assert.True(t, r.inFlight)
	}
	assert.Empty(t, q.TakeAll())
}
