package pager

import (
	"math"
	"sync"
)

// RequestQueue is a thread-safe collection of requests. The read queue is
// drained in (last timestamp, last priority) descending order; stale entries
// are dropped lazily while scanning.
type RequestQueue struct {
	name string

	mu         sync.Mutex
	requests   []*DatabaseRequest
	lastPruned int64

	// onChange runs after an operation that may have changed emptiness,
	// without the queue lock held.
	onChange func()
	// onStale runs for each request dropped as stale, without the queue lock held.
	onStale func(r *DatabaseRequest)
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue(name string) *RequestQueue {
	return &RequestQueue{name: name, lastPruned: math.MinInt64}
}

// Name returns the queue's name.
func (q *RequestQueue) Name() string { return q.name }

// Add appends r and makes q its owner. A request in flight is handed over.
func (q *RequestQueue) Add(r *DatabaseRequest) {
	q.mu.Lock()
	r.mu.Lock()
	r.owner.Store(q)
	r.inFlight = false
	r.mu.Unlock()
	q.requests = append(q.requests, r)
	q.mu.Unlock()
	q.changed()
}

// Remove takes r out of the queue. It reports whether r was present.
func (q *RequestQueue) Remove(r *DatabaseRequest) bool {
	q.mu.Lock()
	ok := q.removeLocked(r, false)
	q.mu.Unlock()
	if ok {
		q.changed()
	}
	return ok
}

// TransferTo moves r from q to dst. The request is never observable as
// unowned during the move.
func (q *RequestQueue) TransferTo(r *DatabaseRequest, dst *RequestQueue) bool {
	q.mu.Lock()
	ok := q.removeLocked(r, true)
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.changed()
	dst.Add(r)
	return true
}

func (q *RequestQueue) removeLocked(r *DatabaseRequest, inFlight bool) bool {
	for i, e := range q.requests {
		if e != r {
			continue
		}
		q.requests = append(q.requests[:i], q.requests[i+1:]...)
		r.mu.Lock()
		r.owner.Store(nil)
		r.inFlight = inFlight
		r.mu.Unlock()
		return true
	}
	return false
}

// TakeHighestPriority removes and returns the most recently requested entry,
// highest priority first among equal timestamps. Entries last requested
// before frame-1 are invalidated and dropped during the scan. The returned
// request is marked in flight.
func (q *RequestQueue) TakeHighestPriority(frame int64) *DatabaseRequest {
	q.mu.Lock()
	stale := q.pruneLocked(frame)

	var best *DatabaseRequest
	bestIdx := -1
	var bestTime float64
	var bestPriority float32
	for i, r := range q.requests {
		r.mu.Lock()
		t, p := r.timeLast, r.priorityLast
		r.mu.Unlock()
		if best == nil || t > bestTime || (t == bestTime && p > bestPriority) {
			best, bestIdx, bestTime, bestPriority = r, i, t, p
		}
	}
	if best != nil {
		q.requests = append(q.requests[:bestIdx], q.requests[bestIdx+1:]...)
		best.mu.Lock()
		best.owner.Store(nil)
		best.inFlight = true
		best.mu.Unlock()
	}
	q.mu.Unlock()

	q.reportStale(stale)
	if best != nil || len(stale) > 0 {
		q.changed()
	}
	return best
}

// PruneStaleAndCheckEmpty drops stale entries and reports whether the queue
// is empty. The scan runs at most once per frame number.
func (q *RequestQueue) PruneStaleAndCheckEmpty(frame int64) bool {
	q.mu.Lock()
	var stale []*DatabaseRequest
	if frame != q.lastPruned {
		stale = q.pruneLocked(frame)
	}
	empty := len(q.requests) == 0
	q.mu.Unlock()

	q.reportStale(stale)
	if len(stale) > 0 {
		q.changed()
	}
	return empty
}

func (q *RequestQueue) pruneLocked(frame int64) []*DatabaseRequest {
	q.lastPruned = frame
	var stale []*DatabaseRequest
	kept := q.requests[:0]
	for _, r := range q.requests {
		r.mu.Lock()
		if r.staleLocked(frame) {
			r.valid = false
			r.owner.Store(nil)
			stale = append(stale, r)
		} else {
			kept = append(kept, r)
		}
		r.mu.Unlock()
	}
	clear(q.requests[len(kept):])
	q.requests = kept
	return stale
}

func (q *RequestQueue) reportStale(stale []*DatabaseRequest) {
	if q.onStale == nil {
		return
	}
	for _, r := range stale {
		q.onStale(r)
	}
}

// TakeAll empties the queue and returns its contents in insertion order.
// The returned requests are marked in flight.
func (q *RequestQueue) TakeAll() []*DatabaseRequest {
	q.mu.Lock()
	out := q.requests
	q.requests = nil
	for _, r := range out {
		r.mu.Lock()
		r.owner.Store(nil)
		r.inFlight = true
		r.mu.Unlock()
	}
	q.mu.Unlock()
	if len(out) > 0 {
		q.changed()
	}
	return out
}

// Clear invalidates and removes every entry. It returns how many were removed.
func (q *RequestQueue) Clear() int {
	q.mu.Lock()
	out := q.requests
	q.requests = nil
	for _, r := range out {
		r.mu.Lock()
		r.valid = false
		r.owner.Store(nil)
		r.mu.Unlock()
	}
	q.mu.Unlock()
	if len(out) > 0 {
		q.changed()
	}
	return len(out)
}

// Len returns the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Empty reports whether the queue is empty.
func (q *RequestQueue) Empty() bool {
	return q.Len() == 0
}

func (q *RequestQueue) changed() {
	if q.onChange != nil {
		q.onChange()
	}
}
