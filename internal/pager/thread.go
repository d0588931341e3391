package pager

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

// ThreadState is the lifecycle state of a DatabaseThread.
type ThreadState int32

const (
	ThreadIdle ThreadState = iota
	ThreadActive
	ThreadDone
)

func (s ThreadState) String() string {
	switch s {
	case ThreadIdle:
		return "idle"
	case ThreadActive:
		return "active"
	case ThreadDone:
		return "done"
	default:
		return "unknown"
	}
}

// DatabaseThread is one loader goroutine. It takes requests from the read
// queue, loads them and posts the results to the compile or merge queue.
type DatabaseThread struct {
	id    int
	p     *DatabasePager
	log   *zap.Logger
	state atomic.Int32
	loads atomic.Int64
}

func newDatabaseThread(p *DatabasePager, id int) *DatabaseThread {
	return &DatabaseThread{
		id:  id,
		p:   p,
		log: p.log.With(zap.Int("thread", id)),
	}
}

// ID returns the thread's index.
func (t *DatabaseThread) ID() int { return t.id }

// State returns the current lifecycle state.
func (t *DatabaseThread) State() ThreadState { return ThreadState(t.state.Load()) }

// Loads returns how many loads the thread has performed.
func (t *DatabaseThread) Loads() int64 { return t.loads.Load() }

func (t *DatabaseThread) setState(s ThreadState) { t.state.Store(int32(s)) }

func (t *DatabaseThread) run(ctx context.Context) error {
	p := t.p
	defer t.setState(ThreadDone)

	for {
		t.setState(ThreadIdle)
		p.gate.Block()
		if p.done.Load() {
			return nil
		}
		if p.cfg.UseFrameBlock {
			p.frameBlock.Block()
			if p.done.Load() {
				return nil
			}
		}
		t.setState(ThreadActive)

		if p.cfg.DeleteRemovedSubgraphsInDatabaseThread {
			if n := p.drainDeletes(); n > 0 {
				t.log.Debug("released removed subgraphs", zap.Int("count", n))
			}
		}

		frame := p.frame.Load()
		req := p.readQueue.TakeHighestPriority(frame)
		if req == nil {
			runtime.Gosched()
			continue
		}

		req.mu.Lock()
		stale := req.staleLocked(p.frame.Load())
		if stale {
			req.valid = false
			req.inFlight = false
		}
		req.mu.Unlock()
		if stale {
			p.staleDropped(req)
			continue
		}

		t.load(ctx, req)
	}
}

func (t *DatabaseThread) load(ctx context.Context, req *DatabaseRequest) {
	p := t.p
	ctx, span := p.tracer.Start(ctx, "pager.load",
		trace.WithAttributes(
			attribute.String("file", req.fileName),
			attribute.Int("thread", t.id),
		),
	)
	defer span.End()

	start := time.Now()
	node, err := p.loader.Load(ctx, req.fileName, req.opts)
	elapsed := time.Since(start)
	t.loads.Add(1)
	p.metrics.LoadDuration.Observe(elapsed.Seconds())

	if err == nil && node == nil {
		err = ErrNothingLoaded
	}
	if err != nil {
		p.metrics.Loads.WithLabelValues("error").Inc()
		p.loadFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.log.Warn("load failed", zap.String("file", req.fileName), zap.Error(err))
		req.mu.Lock()
		req.err = err
		req.mu.Unlock()
		p.mergeQueue.Add(req)
		return
	}
	p.metrics.Loads.WithLabelValues("ok").Inc()

	compilable := prepareSubgraph(node)
	span.SetAttributes(
		attribute.Int("nodes", scene.CountNodes(node)),
		attribute.Int("compilable", compilable),
	)

	req.mu.Lock()
	req.loaded = node
	req.mu.Unlock()

	t.log.Debug("loaded",
		zap.String("file", req.fileName),
		zap.Duration("elapsed", elapsed),
		zap.Int("compilable", compilable),
	)

	if p.cfg.PreCompile && p.compiler != nil && compilable > 0 {
		p.compileQueue.Add(req)
		p.compiler.Submit(node, func() { p.compiled(req, node) })
		return
	}
	p.mergeQueue.Add(req)
}

// prepareSubgraph computes bounds of the loaded subgraph so the scene thread
// does not pay for it, and counts geometries awaiting buffer upload.
func prepareSubgraph(root scene.Node) int {
	compilable := 0
	scene.Walk(root, func(n scene.Node) bool {
		if g := n.AsGeode(); g != nil {
			for _, d := range g.Drawables() {
				d.Bound()
				if d.UseBufferObjects && d.GPU() == nil {
					compilable++
				}
			}
		}
		return true
	})
	root.Bound()
	return compilable
}
