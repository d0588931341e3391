package pager

import (
	"sync"
	"sync/atomic"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

type requestKey struct {
	attach   scene.NodeID
	fileName string
}

// DatabaseRequest is one pending or in-flight load. The attach point is held
// as an ObserverPath, so a request never keeps scene nodes alive.
//
// Mutable fields are guarded by mu. While a queue owns the request, writers
// also hold that queue's lock; the lock order is queue, then request.
type DatabaseRequest struct {
	key      requestKey
	fileName string
	attach   scene.ObserverPath
	opts     *scene.LoadOptions

	owner atomic.Pointer[RequestQueue]

	mu            sync.Mutex
	valid         bool
	inFlight      bool // held by a goroutine between queues
	frameFirst    int64
	frameLast     int64
	timeFirst     float64
	timeLast      float64
	priorityFirst float32
	priorityLast  float32
	numRequests   int
	loaded        scene.Node
	err           error
}

func newRequest(key requestKey, attach scene.ObserverPath, priority float32, fs scene.FrameStamp, opts *scene.LoadOptions) *DatabaseRequest {
	r := &DatabaseRequest{
		key:      key,
		fileName: key.fileName,
		attach:   attach,
		opts:     opts,
	}
	r.reset(priority, fs)
	return r
}

// reset prepares the request for (re)submission. Caller must own it exclusively.
func (r *DatabaseRequest) reset(priority float32, fs scene.FrameStamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid = true
	r.inFlight = false
	r.frameFirst, r.frameLast = fs.FrameNumber, fs.FrameNumber
	r.timeFirst, r.timeLast = fs.ReferenceTime, fs.ReferenceTime
	r.priorityFirst, r.priorityLast = priority, priority
	r.numRequests = 1
	r.loaded = nil
	r.err = nil
}

// touch records a repeated request. Caller holds r.mu.
func (r *DatabaseRequest) touch(priority float32, fs scene.FrameStamp) {
	r.frameLast = fs.FrameNumber
	r.timeLast = fs.ReferenceTime
	r.priorityLast = priority
	r.numRequests++
}

// staleLocked reports whether the request was last made before frame-1.
func (r *DatabaseRequest) staleLocked(frame int64) bool {
	return r.frameLast < frame-1
}

// withLock runs fn holding r.mu and, when a queue owns r, that queue's lock.
func (r *DatabaseRequest) withLock(fn func()) {
	for {
		q := r.owner.Load()
		if q == nil {
			r.mu.Lock()
			if r.owner.Load() == nil {
				fn()
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			continue
		}
		q.mu.Lock()
		if r.owner.Load() == q {
			r.mu.Lock()
			fn()
			r.mu.Unlock()
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// FileName returns the requested file name.
func (r *DatabaseRequest) FileName() string { return r.fileName }

// AttachPath returns the weak path to the attach node.
func (r *DatabaseRequest) AttachPath() scene.ObserverPath { return r.attach }

// Queue returns the queue currently holding the request, or nil.
func (r *DatabaseRequest) Queue() *RequestQueue { return r.owner.Load() }

// Valid reports whether the request is still wanted.
func (r *DatabaseRequest) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid
}

// Priority returns the priority of the most recent request.
func (r *DatabaseRequest) Priority() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priorityLast
}

// LastRequest returns the frame and time of the most recent request.
func (r *DatabaseRequest) LastRequest() (frame int64, t float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameLast, r.timeLast
}

// FirstRequest returns the frame and time of the first request.
func (r *DatabaseRequest) FirstRequest() (frame int64, t float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameFirst, r.timeFirst
}

// NumRequests returns how many times the load was requested.
func (r *DatabaseRequest) NumRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numRequests
}

// Loaded returns the loaded subgraph, or nil.
func (r *DatabaseRequest) Loaded() scene.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Err returns the load error, if any.
func (r *DatabaseRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
