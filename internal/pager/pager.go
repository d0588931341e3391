// Package pager streams scene subgraphs on loader goroutines and merges them
// into the live scene graph once per frame, evicting expired PagedLOD
// children under a resident-node budget.
//
// RequestLoad may be called from any goroutine. UpdateSceneGraph must be
// called from the goroutine that owns the live scene graph.
package pager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/midgard-lod/internal/logger"
	"github.com/Faultbox/midgard-lod/internal/scene"
)

var (
	// ErrPagerStopped is returned by RequestLoad after Cancel.
	ErrPagerStopped = errors.New("pager: stopped")
	// ErrNotAccepting is returned by RequestLoad while new requests are refused.
	ErrNotAccepting = errors.New("pager: not accepting new requests")
	// ErrInvalidAttach is returned when the attach node cannot hold children.
	ErrInvalidAttach = errors.New("pager: attach node is not a group")
	// ErrNothingLoaded is recorded when a loader returns neither node nor error.
	ErrNothingLoaded = errors.New("pager: loader returned no subgraph")
)

// Loader loads a subgraph. It is called concurrently from loader goroutines.
type Loader interface {
	Load(ctx context.Context, fileName string, opts *scene.LoadOptions) (scene.Node, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, fileName string, opts *scene.LoadOptions) (scene.Node, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, fileName string, opts *scene.LoadOptions) (scene.Node, error) {
	return f(ctx, fileName, opts)
}

// CompileQueue uploads GPU resources for loaded subgraphs ahead of merging.
// onComplete is called once the subgraph is ready to merge.
type CompileQueue interface {
	Submit(subgraph scene.Node, onComplete func())
}

// StateSharer de-duplicates state across merged subgraphs.
type StateSharer interface {
	Share(subgraph scene.Node) int
	Prune() int
}

// Option configures a DatabasePager.
type Option func(*DatabasePager)

// WithLogger sets the pager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *DatabasePager) { p.log = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(p *DatabasePager) { p.metrics = m }
}

// WithTracer sets the tracer used for load spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *DatabasePager) { p.tracer = t }
}

// WithCompileQueue routes loaded subgraphs through q when PreCompile is set.
func WithCompileQueue(q CompileQueue) Option {
	return func(p *DatabasePager) { p.compiler = q }
}

// WithStateSharer shares state of merged subgraphs through s.
func WithStateSharer(s StateSharer) Option {
	return func(p *DatabasePager) { p.sharer = s }
}

// Stats is a snapshot of the pager's state.
type Stats struct {
	ReadQueue         int
	CompileQueue      int
	MergeQueue        int
	PendingDeletes    int
	TrackedRequests   int
	ActivePagedLODs   int
	InactivePagedLODs int
	Merged            int64
	Orphaned          int64
	Evicted           int64
	Stale             int64
	LoadFailures      int64
	Running           bool
}

// DatabasePager coordinates loader goroutines, request queues and the
// PagedLOD registry.
type DatabasePager struct {
	cfg      Config
	opts     []Option
	loader   Loader
	log      *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	compiler CompileQueue
	sharer   StateSharer

	readQueue    *RequestQueue
	compileQueue *RequestQueue
	mergeQueue   *RequestQueue
	registry     *Registry

	gateMu     sync.Mutex
	gate       *Block
	frameBlock *Block

	frame   atomic.Int64
	done    atomic.Bool
	paused  atomic.Bool
	accept  atomic.Bool
	running atomic.Bool

	mu       sync.Mutex
	requests map[requestKey]*DatabaseRequest
	root     scene.Node
	threads  []*DatabaseThread
	group    *errgroup.Group
	stop     context.CancelFunc

	startOnce sync.Once

	deleteMu sync.Mutex
	toDelete []scene.Node

	merged       atomic.Int64
	orphaned     atomic.Int64
	evicted      atomic.Int64
	stale        atomic.Int64
	loadFailures atomic.Int64
}

// New creates a pager. Loader goroutines start on the first RequestLoad.
func New(cfg Config, loader Loader, opts ...Option) *DatabasePager {
	p := &DatabasePager{
		cfg:          cfg,
		opts:         opts,
		loader:       loader,
		readQueue:    NewRequestQueue("read"),
		compileQueue: NewRequestQueue("compile"),
		mergeQueue:   NewRequestQueue("merge"),
		registry:     NewRegistry(),
		gate:         NewBlock(),
		frameBlock:   NewBlock(),
		requests:     make(map[requestKey]*DatabaseRequest),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logger.Named("pager")
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("github.com/Faultbox/midgard-lod/internal/pager")
	}
	p.accept.Store(cfg.AcceptNewRequests)
	p.frameBlock.Release()
	p.readQueue.onChange = p.updateBlock
	p.readQueue.onStale = p.staleDropped
	p.compileQueue.onStale = p.staleDropped
	return p
}

// NewFromPrototype creates a pager with the configuration, loader and
// options of proto.
func NewFromPrototype(proto *DatabasePager) *DatabasePager {
	return New(proto.cfg, proto.loader, proto.opts...)
}

// Clone is NewFromPrototype(p).
func (p *DatabasePager) Clone() *DatabasePager {
	return NewFromPrototype(p)
}

// Config returns the pager's configuration.
func (p *DatabasePager) Config() Config { return p.cfg }

// RegisterScene sets the live scene root used to resolve attach points and
// registers the PagedLODs already in it.
func (p *DatabasePager) RegisterScene(root scene.Node) {
	p.mu.Lock()
	p.root = root
	p.mu.Unlock()

	for _, plod := range scene.FindPagedLODs(root) {
		p.registry.Insert(plod)
	}
}

// RequestLoad asks for fileName to be loaded and attached under attach. A
// repeated request for the same attach node and file refreshes the pending
// request instead of queueing another; a request that was dropped is
// resubmitted.
func (p *DatabasePager) RequestLoad(fileName string, attach scene.Node, priority float32, fs scene.FrameStamp, opts *scene.LoadOptions) error {
	if p.done.Load() {
		return ErrPagerStopped
	}
	if !p.accept.Load() {
		return ErrNotAccepting
	}
	if attach == nil || attach.AsGroup() == nil {
		return ErrInvalidAttach
	}

	key := requestKey{attach: attach.ID(), fileName: fileName}

	p.mu.Lock()
	// Cancel takes p.mu after setting done and before clearing the queues.
	if p.done.Load() {
		p.mu.Unlock()
		return ErrPagerStopped
	}
	req := p.requests[key]
	if req != nil {
		refreshed := false
		req.withLock(func() {
			if req.owner.Load() != nil || req.inFlight {
				req.touch(priority, fs)
				refreshed = true
			}
		})
		if refreshed {
			p.mu.Unlock()
			p.metrics.Refreshes.Inc()
			return nil
		}
		req.attach = scene.PathTo(attach)
		req.opts = opts
		req.reset(priority, fs)
		p.metrics.Resubmits.Inc()
		p.log.Debug("resubmitting orphaned request", zap.String("file", fileName))
	} else {
		req = newRequest(key, scene.PathTo(attach), priority, fs, opts)
		p.requests[key] = req
		p.metrics.Requests.Inc()
	}
	p.readQueue.Add(req)
	p.mu.Unlock()

	p.start()
	return nil
}

func (p *DatabasePager) start() {
	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.done.Load() {
			return
		}

		ctx, stop := context.WithCancel(context.Background())
		g, ctx := errgroup.WithContext(ctx)
		p.group = g
		p.stop = stop

		n := p.cfg.threads()
		p.threads = make([]*DatabaseThread, n)
		for i := range n {
			t := newDatabaseThread(p, i)
			p.threads[i] = t
			g.Go(func() error { return t.run(ctx) })
		}
		p.running.Store(true)
		p.log.Info("started loader threads",
			zap.Int("threads", n),
			zap.String("priority", p.cfg.ThreadPriority),
		)
	})
}

// updateBlock opens the loader gate when there is work and the pager is not
// paused, or when the pager is shutting down.
func (p *DatabasePager) updateBlock() {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	open := p.done.Load() ||
		(!p.paused.Load() && (!p.readQueue.Empty() || p.pendingDeletes() > 0))
	p.gate.Set(open)
}

func (p *DatabasePager) staleDropped(r *DatabaseRequest) {
	p.stale.Add(1)
	p.metrics.Stale.Inc()
	p.log.Debug("dropped stale request", zap.String("file", r.fileName))
}

// compiled is the compile queue's completion callback.
func (p *DatabasePager) compiled(req *DatabaseRequest, node scene.Node) {
	if !p.compileQueue.TransferTo(req, p.mergeQueue) {
		scene.ReleaseSubgraph(node)
	}
}

// UpdateSceneGraph evicts expired subgraphs, merges loaded ones and drops
// queued requests nobody has repeated since the previous frame. It must run
// on the goroutine that owns the scene graph.
func (p *DatabasePager) UpdateSceneGraph(fs scene.FrameStamp) {
	p.setFrame(fs.FrameNumber)
	p.removeExpiredSubgraphs(fs)
	p.addLoadedDataToSceneGraph(fs)
	p.readQueue.PruneStaleAndCheckEmpty(fs.FrameNumber)
	p.compileQueue.PruneStaleAndCheckEmpty(fs.FrameNumber)
	p.forgetOrphans()
	p.updateGauges()
}

func (p *DatabasePager) setFrame(frame int64) {
	for {
		cur := p.frame.Load()
		if frame <= cur || p.frame.CompareAndSwap(cur, frame) {
			return
		}
	}
}

func (p *DatabasePager) removeExpiredSubgraphs(fs scene.FrameStamp) {
	p.registry.Update(fs.FrameNumber)
	active, inactive := p.registry.Len()
	numToPrune := active + inactive - p.cfg.TargetMaxPagedLODs
	if numToPrune <= 0 {
		return
	}

	expiryTime := fs.ReferenceTime - p.cfg.ExpiryDelay
	expiryFrame := fs.FrameNumber - p.cfg.ExpiryFrames

	var removed []scene.Node
	for _, plod := range p.registry.InactiveCandidates() {
		if numToPrune <= 0 {
			break
		}
		if plod.FrameNumberOfLastTraversal() > expiryFrame {
			continue
		}
		for _, child := range plod.RemoveExpiredChildren(expiryTime, expiryFrame) {
			nested := scene.FindPagedLODs(child)
			for _, n := range nested {
				p.registry.Remove(n)
			}
			numToPrune -= len(nested)
			removed = append(removed, child)
		}
	}
	if len(removed) == 0 {
		return
	}

	p.evicted.Add(int64(len(removed)))
	p.metrics.Evicted.Add(float64(len(removed)))
	p.log.Debug("evicted expired subgraphs",
		zap.Int("count", len(removed)),
		zap.Int64("frame", fs.FrameNumber),
	)

	if p.cfg.DeleteRemovedSubgraphsInDatabaseThread && p.running.Load() && !p.done.Load() {
		p.deleteMu.Lock()
		p.toDelete = append(p.toDelete, removed...)
		p.deleteMu.Unlock()
		p.updateBlock()
	} else {
		for _, n := range removed {
			scene.ReleaseSubgraph(n)
		}
	}

	if p.sharer != nil {
		p.sharer.Prune()
	}
}

func (p *DatabasePager) addLoadedDataToSceneGraph(fs scene.FrameStamp) {
	loaded := p.mergeQueue.TakeAll()
	if len(loaded) == 0 {
		return
	}

	p.mu.Lock()
	root := p.root
	p.mu.Unlock()

	for _, req := range loaded {
		// The request stays in flight: once forgotten, a new RequestLoad
		// for the same pair creates a fresh request.
		p.forget(req)
		req.mu.Lock()
		node, err, valid, numRequests := req.loaded, req.err, req.valid, req.numRequests
		attach := req.attach
		req.loaded = nil
		req.mu.Unlock()

		if err != nil || node == nil {
			continue
		}
		if !valid {
			scene.ReleaseSubgraph(node)
			continue
		}

		attachNode, ok := attach.Resolve(root)
		var group *scene.Group
		if ok {
			group = attachNode.AsGroup()
		}
		if group == nil {
			p.orphaned.Add(1)
			p.metrics.Orphaned.Inc()
			p.log.Debug("discarding subgraph for detached attach point", zap.String("file", req.fileName))
			scene.ReleaseSubgraph(node)
			continue
		}

		if plod := attachNode.AsPagedLOD(); plod != nil {
			idx := plod.NumChildren()
			plod.SetTimeStamp(idx, fs.ReferenceTime)
			plod.SetFrameNumber(idx, fs.FrameNumber)
		}
		if p.sharer != nil {
			p.sharer.Share(node)
		}
		for _, plod := range scene.FindPagedLODs(node) {
			plod.SetFrameNumberOfLastTraversal(fs.FrameNumber)
			p.registry.Insert(plod)
		}
		group.AddChild(node)

		p.merged.Add(1)
		p.metrics.Merged.Inc()
		p.log.Debug("merged subgraph",
			zap.String("file", req.fileName),
			zap.Int("requests", numRequests),
		)
	}
}

// forget drops the bookkeeping entry for req if it is still the current one.
func (p *DatabasePager) forget(req *DatabaseRequest) {
	p.mu.Lock()
	if p.requests[req.key] == req {
		delete(p.requests, req.key)
	}
	p.mu.Unlock()
}

// forgetOrphans drops entries for requests no queue or goroutine holds.
func (p *DatabasePager) forgetOrphans() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, req := range p.requests {
		orphan := false
		req.withLock(func() {
			orphan = req.owner.Load() == nil && !req.inFlight
		})
		if orphan {
			delete(p.requests, k)
		}
	}
}

func (p *DatabasePager) pendingDeletes() int {
	p.deleteMu.Lock()
	defer p.deleteMu.Unlock()
	return len(p.toDelete)
}

// drainDeletes releases queued subgraphs on the calling goroutine.
func (p *DatabasePager) drainDeletes() int {
	p.deleteMu.Lock()
	nodes := p.toDelete
	p.toDelete = nil
	p.deleteMu.Unlock()
	if len(nodes) == 0 {
		return 0
	}
	p.updateBlock()

	for _, n := range nodes {
		scene.ReleaseSubgraph(n)
	}
	p.metrics.Deleted.Add(float64(len(nodes)))
	return len(nodes)
}

func (p *DatabasePager) updateGauges() {
	p.metrics.QueueLength.WithLabelValues("read").Set(float64(p.readQueue.Len()))
	p.metrics.QueueLength.WithLabelValues("compile").Set(float64(p.compileQueue.Len()))
	p.metrics.QueueLength.WithLabelValues("merge").Set(float64(p.mergeQueue.Len()))
	active, inactive := p.registry.Len()
	p.metrics.PagedLODs.WithLabelValues("active").Set(float64(active))
	p.metrics.PagedLODs.WithLabelValues("inactive").Set(float64(inactive))
}

// SignalBeginFrame records the frame number and holds loader goroutines
// when the frame block is in use.
func (p *DatabasePager) SignalBeginFrame(fs scene.FrameStamp) {
	p.setFrame(fs.FrameNumber)
	if p.cfg.UseFrameBlock {
		p.frameBlock.Reset()
	}
}

// SignalEndFrame releases loader goroutines held by the frame block.
func (p *DatabasePager) SignalEndFrame() {
	p.frameBlock.Release()
}

// FrameNumber returns the most recent frame number seen.
func (p *DatabasePager) FrameNumber() int64 { return p.frame.Load() }

// SetPaused holds or releases the loader goroutines.
func (p *DatabasePager) SetPaused(paused bool) {
	p.paused.Store(paused)
	p.updateBlock()
}

// SetAcceptNewRequests enables or disables RequestLoad.
func (p *DatabasePager) SetAcceptNewRequests(accept bool) {
	p.accept.Store(accept)
}

// Clear invalidates every queued request, drops pending deletions and
// forgets all registered PagedLODs.
func (p *DatabasePager) Clear() {
	p.readQueue.Clear()
	p.compileQueue.Clear()
	p.mergeQueue.Clear()

	p.deleteMu.Lock()
	nodes := p.toDelete
	p.toDelete = nil
	p.deleteMu.Unlock()
	for _, n := range nodes {
		scene.ReleaseSubgraph(n)
	}

	p.registry.Clear()
	p.forgetOrphans()
	p.updateBlock()
}

// Cancel stops the loader goroutines. Loads already in progress run to
// completion; their results and all queued requests are invalidated.
func (p *DatabasePager) Cancel() error {
	if !p.done.CompareAndSwap(false, true) {
		return nil
	}
	p.frameBlock.Release()
	p.updateBlock()

	p.mu.Lock()
	g, stop := p.group, p.stop
	p.mu.Unlock()

	var err error
	if g != nil {
		err = g.Wait()
		stop()
	}
	p.running.Store(false)
	p.Clear()
	p.log.Info("loader threads stopped")
	return err
}

// IsRunning reports whether loader goroutines are running.
func (p *DatabasePager) IsRunning() bool { return p.running.Load() }

// Threads returns the loader goroutines, empty before the first request.
func (p *DatabasePager) Threads() []*DatabaseThread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*DatabaseThread, len(p.threads))
	copy(out, p.threads)
	return out
}

// ReadQueue returns the queue of requests waiting for a loader.
func (p *DatabasePager) ReadQueue() *RequestQueue { return p.readQueue }

// MergeQueue returns the queue of loaded requests waiting to be merged.
func (p *DatabasePager) MergeQueue() *RequestQueue { return p.mergeQueue }

// CompileQueueRequests returns the queue of requests waiting on the compile queue.
func (p *DatabasePager) CompileQueueRequests() *RequestQueue { return p.compileQueue }

// Registry returns the PagedLOD registry.
func (p *DatabasePager) Registry() *Registry { return p.registry }

// Stats returns a snapshot of queue sizes and counters.
func (p *DatabasePager) Stats() Stats {
	active, inactive := p.registry.Len()
	p.mu.Lock()
	tracked := len(p.requests)
	p.mu.Unlock()
	return Stats{
		ReadQueue:         p.readQueue.Len(),
		CompileQueue:      p.compileQueue.Len(),
		MergeQueue:        p.mergeQueue.Len(),
		PendingDeletes:    p.pendingDeletes(),
		TrackedRequests:   tracked,
		ActivePagedLODs:   active,
		InactivePagedLODs: inactive,
		Merged:            p.merged.Load(),
		Orphaned:          p.orphaned.Load(),
		Evicted:           p.evicted.Load(),
		Stale:             p.stale.Load(),
		LoadFailures:      p.loadFailures.Load(),
		Running:           p.running.Load(),
	}
}
