package pager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

const waitFor = 2 * time.Second

// stubLoader returns a new geode per load. When gate is non-nil every load
// waits for a value on it.
type stubLoader struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
	geom  func() *scene.Geometry
}

func (l *stubLoader) Load(ctx context.Context, fileName string, opts *scene.LoadOptions) (scene.Node, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	g := scene.NewGeode()
	g.SetName(fileName)
	if l.geom != nil {
		g.AddDrawable(l.geom())
	}
	return g, nil
}

func frame(n int64) scene.FrameStamp {
	return scene.FrameStamp{FrameNumber: n, ReferenceTime: float64(n)}
}

func newTestPager(t *testing.T, cfg Config, loader Loader, opts ...Option) *DatabasePager {
	t.Helper()
	p := New(cfg, loader, opts...)
	t.Cleanup(func() { _ = p.Cancel() })
	return p
}

func TestRequestLoadRefreshesPendingRequest(t *testing.T) {
	p := newTestPager(t, DefaultConfig(), &stubLoader{})
	p.SetPaused(true)

	a := scene.NewGroup()
	fs := scene.FrameStamp{FrameNumber: 10, ReferenceTime: 1.0}
	require.NoError(t, p.RequestLoad("tile_0_0.ext", a, 1.0, fs, nil))
	require.NoError(t, p.RequestLoad("tile_0_0.ext", a, 2.0, fs, nil))

	assert.Equal(t, 1, p.ReadQueue().Len())
	req := p.ReadQueue().TakeHighestPriority(10)
	require.NotNil(t, req)
	assert.Equal(t, float32(2.0), req.Priority())
	assert.Equal(t, 2, req.NumRequests())
	firstFrame, _ := req.FirstRequest()
	assert.Equal(t, int64(10), firstFrame)
}

func TestRequestLoadDistinctAttachPoints(t *testing.T) {
	p := newTestPager(t, DefaultConfig(), &stubLoader{})
	p.SetPaused(true)

	a, b := scene.NewGroup(), scene.NewGroup()
	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(1), nil))
	require.NoError(t, p.RequestLoad("tile.json", b, 1, frame(1), nil))
	assert.Equal(t, 2, p.ReadQueue().Len())
}

func TestRequestLoadSingleRequestWhileInFlight(t *testing.T) {
	loader := &stubLoader{gate: make(chan struct{})}
	p := newTestPager(t, DefaultConfig(), loader)

	root := scene.NewGroup()
	a := scene.NewGroup()
	root.AddChild(a)
	p.RegisterScene(root)

	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(1), nil))
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, waitFor, time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.RequestLoad("tile.json", a, float32(i), frame(1), nil))
	}
	assert.Equal(t, 0, p.ReadQueue().Len(), "in-flight request must not be queued again")

	close(loader.gate)
	require.Eventually(t, func() bool { return p.MergeQueue().Len() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, int32(1), loader.calls.Load())

	p.UpdateSceneGraph(frame(1))
	assert.Equal(t, 1, a.NumChildren())
	assert.Equal(t, int64(1), p.Stats().Merged)
	assert.Equal(t, 0, p.Stats().TrackedRequests)
}

func TestOrphanedRequestDiscardedAtMerge(t *testing.T) {
	loader := &stubLoader{gate: make(chan struct{})}
	p := newTestPager(t, DefaultConfig(), loader)

	root := scene.NewGroup()
	parent := scene.NewGroup()
	a := scene.NewGroup()
	root.AddChild(parent)
	parent.AddChild(a)
	p.RegisterScene(root)

	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(3), nil))
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, waitFor, time.Millisecond)

	root.RemoveChild(parent)
	close(loader.gate)
	require.Eventually(t, func() bool { return p.MergeQueue().Len() == 1 }, waitFor, time.Millisecond)

	assert.NotPanics(t, func() { p.UpdateSceneGraph(frame(3)) })
	assert.Equal(t, 0, a.NumChildren())
	assert.Equal(t, int64(1), p.Stats().Orphaned)
	assert.Equal(t, int64(0), p.Stats().Merged)
}

func TestMergedSubgraphNotEvictedUntilTwoFramesLater(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetMaxPagedLODs = 0
	cfg.DeleteRemovedSubgraphsInDatabaseThread = false
	p := newTestPager(t, cfg, &stubLoader{})

	root := scene.NewGroup()
	plod := scene.NewPagedLOD()
	plod.AddRange("", 100, 1e9)
	plod.AddRange("fine.json", 0, 100)
	plod.AddChild(scene.NewGeode())
	root.AddChild(plod)
	p.RegisterScene(root)

	const f = 10
	require.NoError(t, p.RequestLoad("fine.json", plod, 1, frame(f), nil))
	require.Eventually(t, func() bool { return p.MergeQueue().Len() == 1 }, waitFor, time.Millisecond)

	p.UpdateSceneGraph(frame(f))
	require.Equal(t, 2, plod.NumChildren(), "loaded child merged")
	assert.Equal(t, int64(f), plod.Range(1).FrameNumber)

	p.UpdateSceneGraph(frame(f))
	assert.Equal(t, 2, plod.NumChildren(), "same frame must not evict")

	p.UpdateSceneGraph(frame(f + 1))
	assert.Equal(t, 2, plod.NumChildren(), "next frame must not evict")

	p.UpdateSceneGraph(frame(f + 2))
	assert.Equal(t, 1, plod.NumChildren(), "evicted from F+2")
	assert.Equal(t, int64(1), p.Stats().Evicted)
}

func TestEvictionSparesActivePagedLODs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetMaxPagedLODs = 0
	cfg.DeleteRemovedSubgraphsInDatabaseThread = false
	p := newTestPager(t, cfg, &stubLoader{})

	root := scene.NewGroup()
	plod := scene.NewPagedLOD()
	plod.AddRange("", 100, 1e9)
	plod.AddRange("fine.json", 0, 100)
	plod.AddChild(scene.NewGeode())
	plod.AddChild(scene.NewGeode())
	plod.SetTimeStamp(1, 0)
	plod.SetFrameNumber(1, 0)
	root.AddChild(plod)
	p.RegisterScene(root)

	plod.SetFrameNumberOfLastTraversal(20)
	p.UpdateSceneGraph(frame(20))
	assert.Equal(t, 2, plod.NumChildren(), "traversed PagedLOD is active")

	p.UpdateSceneGraph(frame(30))
	assert.Equal(t, 1, plod.NumChildren())
}

func TestEvictionRemovesNestedPagedLODsFromRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetMaxPagedLODs = 0
	p := newTestPager(t, cfg, LoaderFunc(func(ctx context.Context, fileName string, opts *scene.LoadOptions) (scene.Node, error) {
		nested := scene.NewPagedLOD()
		nested.AddRange("deeper.json", 0, 10)
		return nested, nil
	}))

	root := scene.NewGroup()
	plod := scene.NewPagedLOD()
	plod.AddRange("", 100, 1e9)
	plod.AddRange("fine.json", 0, 100)
	plod.AddChild(scene.NewGeode())
	root.AddChild(plod)
	p.RegisterScene(root)

	require.NoError(t, p.RequestLoad("fine.json", plod, 1, frame(1), nil))
	require.Eventually(t, func() bool { return p.MergeQueue().Len() == 1 }, waitFor, time.Millisecond)
	p.UpdateSceneGraph(frame(1))
	assert.Equal(t, 2, p.Stats().ActivePagedLODs+p.Stats().InactivePagedLODs)

	p.UpdateSceneGraph(frame(10))
	assert.Equal(t, 1, plod.NumChildren())
	assert.Equal(t, 1, p.Stats().ActivePagedLODs+p.Stats().InactivePagedLODs)
	require.Eventually(t, func() bool { return p.Stats().PendingDeletes == 0 }, waitFor, time.Millisecond)
}

func TestLoadFailureStillReachesMerge(t *testing.T) {
	loadErr := errors.New("disk on fire")
	p := newTestPager(t, DefaultConfig(), &stubLoader{err: loadErr})

	root := scene.NewGroup()
	a := scene.NewGroup()
	root.AddChild(a)
	p.RegisterScene(root)

	require.NoError(t, p.RequestLoad("broken.json", a, 1, frame(1), nil))
	require.Eventually(t, func() bool { return p.MergeQueue().Len() == 1 }, waitFor, time.Millisecond)

	p.UpdateSceneGraph(frame(1))
	assert.Equal(t, 0, a.NumChildren())
	assert.Equal(t, int64(1), p.Stats().LoadFailures)
	assert.Equal(t, 0, p.Stats().TrackedRequests, "bookkeeping cleared so the load can be retried")
}

func TestStaleRequestResubmitted(t *testing.T) {
	p := newTestPager(t, DefaultConfig(), &stubLoader{})
	p.SetPaused(true)

	a := scene.NewGroup()
	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(1), nil))
	assert.True(t, p.ReadQueue().PruneStaleAndCheckEmpty(5))
	assert.Equal(t, int64(1), p.Stats().Stale)

	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(5), nil))
	assert.Equal(t, 1, p.ReadQueue().Len())
	req := p.ReadQueue().TakeHighestPriority(5)
	require.NotNil(t, req)
	assert.True(t, req.Valid())
	assert.Equal(t, 1, req.NumRequests())
}

func TestUpdateSceneGraphPrunesStaleReads(t *testing.T) {
	p := newTestPager(t, DefaultConfig(), &stubLoader{})
	p.SetPaused(true)

	a := scene.NewGroup()
	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(1), nil))

	p.UpdateSceneGraph(frame(2))
	assert.Equal(t, 1, p.ReadQueue().Len(), "requested last frame")

	p.UpdateSceneGraph(frame(3))
	assert.Equal(t, 0, p.ReadQueue().Len())
	assert.Equal(t, int64(1), p.Stats().Stale)
	assert.Equal(t, 0, p.Stats().TrackedRequests)
}

func TestRequestLoadRacingCancel(t *testing.T) {
	for range 50 {
		p := New(DefaultConfig(), &stubLoader{})
		p.SetPaused(true)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := p.RequestLoad("tile.json", scene.NewGroup(), 1, frame(1), nil)
				if errors.Is(err, ErrPagerStopped) {
					return
				}
			}
		}()

		require.NoError(t, p.Cancel())
		wg.Wait()
		assert.Equal(t, 0, p.ReadQueue().Len(), "no request may be queued after cancel")
		for _, req := range p.requests {
			assert.False(t, req.Valid())
		}
	}
}

func TestCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumThreads = 3
	p := New(cfg, &stubLoader{})
	p.SetPaused(true)

	a := scene.NewGroup()
	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(1), nil))
	require.True(t, p.IsRunning())
	require.Len(t, p.Threads(), 3)
	req := p.requests[requestKey{attach: a.ID(), fileName: "tile.json"}]
	require.NotNil(t, req)

	require.NoError(t, p.Cancel())
	assert.False(t, p.IsRunning())
	for _, th := range p.Threads() {
		assert.Equal(t, ThreadDone, th.State())
	}
	assert.False(t, req.Valid(), "queued requests are invalidated on cancel")
	assert.ErrorIs(t, p.RequestLoad("tile.json", a, 1, frame(2), nil), ErrPagerStopped)
	assert.NoError(t, p.Cancel())
}

func TestRequestLoadRejections(t *testing.T) {
	p := newTestPager(t, DefaultConfig(), &stubLoader{})
	assert.ErrorIs(t, p.RequestLoad("x", nil, 1, frame(1), nil), ErrInvalidAttach)
	assert.ErrorIs(t, p.RequestLoad("x", scene.NewGeode(), 1, frame(1), nil), ErrInvalidAttach)

	p.SetAcceptNewRequests(false)
	assert.ErrorIs(t, p.RequestLoad("x", scene.NewGroup(), 1, frame(1), nil), ErrNotAccepting)
	assert.False(t, p.IsRunning())
}

type fakeCompiler struct {
	mu      sync.Mutex
	pending []func()
}

func (c *fakeCompiler) Submit(subgraph scene.Node, onComplete func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, onComplete)
}

func (c *fakeCompiler) runAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

func (c *fakeCompiler) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func TestPreCompileRoutesThroughCompileQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreCompile = true
	compiler := &fakeCompiler{}
	loader := &stubLoader{geom: func() *scene.Geometry {
		return &scene.Geometry{
			Vertices:         []math.Vec3{{}, {X: 1}, {Y: 1}},
			Primitives:       []scene.PrimitiveSet{{Mode: scene.Triangles, Indices: []uint32{0, 1, 2}}},
			UseBufferObjects: true,
		}
	}}
	p := newTestPager(t, cfg, loader, WithCompileQueue(compiler))

	root := scene.NewGroup()
	a := scene.NewGroup()
	root.AddChild(a)
	p.RegisterScene(root)

	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(1), nil))
	require.Eventually(t, func() bool { return compiler.len() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, p.CompileQueueRequests().Len())
	assert.Equal(t, 0, p.MergeQueue().Len())

	// Still deduplicated while compiling.
	require.NoError(t, p.RequestLoad("tile.json", a, 1, frame(1), nil))
	assert.Equal(t, 0, p.ReadQueue().Len())

	compiler.runAll()
	assert.Equal(t, 0, p.CompileQueueRequests().Len())
	assert.Equal(t, 1, p.MergeQueue().Len())

	p.UpdateSceneGraph(frame(1))
	assert.Equal(t, 1, a.NumChildren())
}

func TestMergeSharesStateAndCountsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sharer := scene.NewSharedStateManager()
	existing := &scene.StateSet{Texture: "rock.png"}
	g := scene.NewGeode()
	g.State = existing
	sharer.Share(g)

	loader := LoaderFunc(func(ctx context.Context, fileName string, opts *scene.LoadOptions) (scene.Node, error) {
		n := scene.NewGeode()
		n.State = &scene.StateSet{Texture: "rock.png"}
		return n, nil
	})
	p := newTestPager(t, DefaultConfig(), loader, WithMetrics(m), WithStateSharer(sharer))

	root := scene.NewGroup()
	root.AddChild(g)
	p.RegisterScene(root)

	require.NoError(t, p.RequestLoad("tile.json", root, 1, frame(1), nil))
	require.Eventually(t, func() bool { return p.MergeQueue().Len() == 1 }, waitFor, time.Millisecond)
	p.UpdateSceneGraph(frame(1))

	require.Equal(t, 2, root.NumChildren())
	assert.Same(t, existing, root.Child(1).AsGeode().State)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Merged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Loads.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueLength.WithLabelValues("merge")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LoadDuration))
}

func TestNewFromPrototype(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumThreads = 5
	cfg.TargetMaxPagedLODs = 12
	proto := newTestPager(t, cfg, &stubLoader{}, WithMetrics(NewMetrics(nil)))

	clone := NewFromPrototype(proto)
	t.Cleanup(func() { _ = clone.Cancel() })
	assert.Equal(t, proto.Config(), clone.Config())
	assert.NotSame(t, proto.ReadQueue(), clone.ReadQueue())
	assert.Same(t, proto.metrics, clone.metrics)
}

func TestThreadsIdleWhenNoWork(t *testing.T) {
	p := newTestPager(t, DefaultConfig(), &stubLoader{})
	root := scene.NewGroup()
	p.RegisterScene(root)
	require.NoError(t, p.RequestLoad("tile.json", root, 1, frame(1), nil))

	require.Eventually(t, func() bool {
		for _, th := range p.Threads() {
			if th.State() != ThreadIdle {
				return false
			}
		}
		return p.MergeQueue().Len() == 1
	}, waitFor, time.Millisecond)

	var loads int64
	for _, th := range p.Threads() {
		loads += th.Loads()
	}
	assert.Equal(t, int64(1), loads)
}
