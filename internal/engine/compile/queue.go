// Package compile uploads loaded geometry to the GPU incrementally, a
// bounded amount of work per frame.
package compile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/logger"
	"github.com/Faultbox/midgard-lod/internal/scene"
)

// Uploader creates GPU resources for a geometry. It is only called from
// Queue.Compile, so implementations may require the render thread.
type Uploader interface {
	Upload(g *scene.Geometry) (scene.GPUResource, error)
}

// Stats summarises queue activity.
type Stats struct {
	Pending    int
	Submitted  int
	Completed  int
	Geometries int
	Failures   int
	Estimate   time.Duration
}

type item struct {
	geoms      []*scene.Geometry
	next       int
	onComplete func()
}

// Queue collects subgraphs awaiting upload and compiles them within a
// per-call time budget.
type Queue struct {
	uploader Uploader
	log      *zap.Logger
	clock    func() time.Time

	mu       sync.Mutex
	pending  []*item
	estimate time.Duration
	stats    Stats
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.clock = now }
}

// WithInitialEstimate sets the assumed cost of one upload before any has
// been measured.
func WithInitialEstimate(d time.Duration) Option {
	return func(q *Queue) { q.estimate = d }
}

// NewQueue creates a queue that uploads with u.
func NewQueue(u Uploader, opts ...Option) *Queue {
	q := &Queue{
		uploader: u,
		log:      logger.Named("compile"),
		clock:    time.Now,
		estimate: 100 * time.Microsecond,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Submit queues the geometries of a subgraph that want buffer objects and
// have none yet. onComplete runs once they are all uploaded, immediately
// when there is nothing to upload. Submit is safe to call from any
// goroutine.
func (q *Queue) Submit(subgraph scene.Node, onComplete func()) {
	var geoms []*scene.Geometry
	for _, g := range scene.Geometries(subgraph) {
		if g.UseBufferObjects && g.GPU() == nil {
			geoms = append(geoms, g)
		}
	}

	q.mu.Lock()
	q.stats.Submitted++
	if len(geoms) == 0 {
		q.stats.Completed++
		q.mu.Unlock()
		if onComplete != nil {
			onComplete()
		}
		return
	}
	q.pending = append(q.pending, &item{geoms: geoms, onComplete: onComplete})
	q.mu.Unlock()
}

// Compile uploads queued geometry until the next upload is expected to
// overrun budget, and returns how many geometries it uploaded. At least one
// geometry is uploaded per call when any is pending, so large backlogs
// always make progress. Compile must run on the thread that owns the GPU
// context.
func (q *Queue) Compile(budget time.Duration) int {
	deadline := q.clock().Add(budget)
	compiled := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || (compiled > 0 && q.clock().Add(q.estimate).After(deadline)) {
			q.mu.Unlock()
			return compiled
		}
		it := q.pending[0]
		g := it.geoms[it.next]
		it.next++
		done := it.next == len(it.geoms)
		if done {
			q.pending[0] = nil
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()

		start := q.clock()
		res, err := q.uploader.Upload(g)
		took := q.clock().Sub(start)

		q.mu.Lock()
		// Running average, weighted towards recent uploads.
		q.estimate = (q.estimate*3 + took) / 4
		q.stats.Geometries++
		if err != nil {
			q.stats.Failures++
		}
		if done {
			q.stats.Completed++
		}
		q.mu.Unlock()

		if err != nil {
			q.log.Warn("upload failed", zap.Int("vertices", len(g.Vertices)), zap.Error(err))
		} else {
			g.SetGPU(res)
		}
		compiled++
		if done && it.onComplete != nil {
			it.onComplete()
		}
	}
}

// Len returns the number of subgraphs awaiting upload.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Estimate returns the current expected cost of one upload.
func (q *Queue) Estimate() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimate
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.pending)
	s.Estimate = q.estimate
	return s
}

// Clear drops every pending subgraph without completing it and returns how
// many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	return n
}
