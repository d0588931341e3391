// pagerdemo flies a camera over a paged tile database, driving the
// database pager frame by frame and reporting what it loads. With -gl it
// uploads loaded tiles into a hidden OpenGL window and draws each frame.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/config"
	"github.com/Faultbox/midgard-lod/internal/engine/camera"
	"github.com/Faultbox/midgard-lod/internal/engine/compile"
	"github.com/Faultbox/midgard-lod/internal/logger"
	"github.com/Faultbox/midgard-lod/internal/pager"
	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/internal/tilestore"
)

var (
	flagFrames   = flag.Int("frames", 600, "Number of frames to simulate (0 runs until interrupted)")
	flagFPS      = flag.Float64("fps", 60, "Simulated frame rate")
	flagRoot     = flag.String("root", tilestore.RootTile, "Root tile name")
	flagAltitude = flag.Float64("altitude", 60, "Height of the orbit center above the scene center")
	flagReport   = flag.Int("report", 60, "Log pager statistics every N frames")
	flagGL       = flag.Bool("gl", false, "Upload and draw tiles in a hidden OpenGL window")
	flagWidth    = flag.Int("width", 1280, "Window width in -gl mode")
	flagHeight   = flag.Int("height", 720, "Window height in -gl mode")
)

func main() {
	config.ParseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("pagerdemo failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("pagerdemo")

	tiles := tilestore.NewManager(
		tilestore.WithCacheEntries(cfg.Data.CacheEntries),
		tilestore.WithValidation(cfg.Data.Validate),
	)
	defer tiles.Close()

	for _, a := range cfg.Data.Archives {
		if err := tiles.AddArchive(a); err != nil {
			return err
		}
	}
	for _, d := range cfg.Data.TileDirs {
		if err := tiles.AddDir(d); err != nil {
			return err
		}
	}
	log.Info("tile sources", zap.Strings("sources", tiles.Sources()))

	if cfg.Data.Watch {
		go func() {
			if err := tiles.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("tile watch stopped", zap.Error(err))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg, log)
		defer srv.Close()
	}

	var dev *gpu
	if *flagGL {
		var err error
		if dev, err = newGPU(*flagWidth, *flagHeight, log); err != nil {
			return err
		}
		defer dev.close()
	}

	shared := scene.NewSharedStateManager()
	opts := []pager.Option{
		pager.WithMetrics(pager.NewMetrics(reg)),
		pager.WithStateSharer(shared),
	}
	var uploads *compile.Queue
	switch {
	case dev != nil:
		cfg.Pager.PreCompile = true
		uploads = compile.NewQueue(dev.uploader)
	case cfg.Pager.PreCompile:
		uploads = compile.NewQueue(compile.BufferPacker{})
	}
	if uploads != nil {
		opts = append(opts, pager.WithCompileQueue(uploads))
	}
	dp := pager.New(cfg.Pager, tiles, opts...)
	defer func() {
		if err := dp.Cancel(); err != nil {
			log.Warn("pager cancel", zap.Error(err))
		}
	}()

	root, err := tiles.Load(ctx, *flagRoot, nil)
	if err != nil {
		return fmt.Errorf("loading root tile: %w", err)
	}
	shared.Share(root)
	dp.RegisterScene(root)
	if uploads != nil {
		uploads.Submit(root, func() {})
	}

	bound := root.Bound()
	log.Info("scene ready",
		zap.String("root", *flagRoot),
		zap.Int("nodes", scene.CountNodes(root)),
		zap.Float32("radius", bound.Radius))

	frameTime := time.Duration(float64(time.Second) / *flagFPS)
	ticker := time.NewTicker(frameTime)
	defer ticker.Stop()

	flight := camera.NewFlight(bound, bound.Radius*0.05, bound.Radius*2)
	flight.Camera.Center.Z += float32(*flagAltitude)

	start := time.Now()
	last := start
	for frame := int64(1); *flagFrames == 0 || frame <= int64(*flagFrames); frame++ {
		select {
		case <-ctx.Done():
			log.Info("interrupted", zap.Int64("frame", frame))
			return nil
		case <-ticker.C:
		}

		now := time.Now()
		fs := scene.FrameStamp{FrameNumber: frame, ReferenceTime: now.Sub(start).Seconds()}
		eye := flight.Advance(float32(now.Sub(last).Seconds()))
		last = now

		dp.SignalBeginFrame(fs)
		cv := scene.NewCullVisitor(eye, fs, dp)
		cv.Traverse(root)
		if uploads != nil {
			uploads.Compile(cfg.Pager.CompileBudget)
		}
		if dev != nil {
			if !dev.win.PollEvents() {
				log.Info("window closed", zap.Int64("frame", frame))
				return nil
			}
			dev.draw(cv.DrawList, eye, flight.Camera.Center, bound.Radius*8)
		}
		dp.UpdateSceneGraph(fs)
		if dev != nil {
			dev.flush()
		}
		dp.SignalEndFrame()

		if *flagReport > 0 && frame%int64(*flagReport) == 0 {
			report(log, dp, cv, frame)
			log.Debug("shared states", zap.Int("count", shared.Len()))
		}
	}

	hits, misses := tiles.CacheStats()
	log.Info("done", zap.Int("cache_hits", hits), zap.Int("cache_misses", misses))
	return nil
}

func report(log *zap.Logger, dp *pager.DatabasePager, cv *scene.CullVisitor, frame int64) {
	s := dp.Stats()
	triangles := 0
	for _, g := range cv.DrawList {
		for _, d := range g.Drawables() {
			triangles += d.NumTriangles()
		}
	}
	log.Info("frame",
		zap.Int64("frame", frame),
		zap.Int("drawn_geodes", len(cv.DrawList)),
		zap.Int("triangles", triangles),
		zap.Int("requests", cv.Requests),
		zap.Int("read_queue", s.ReadQueue),
		zap.Int("compile_queue", s.CompileQueue),
		zap.Int("merge_queue", s.MergeQueue),
		zap.Int("active_plods", s.ActivePagedLODs),
		zap.Int("inactive_plods", s.InactivePagedLODs),
		zap.Int64("merged", s.Merged),
		zap.Int64("evicted", s.Evicted),
		zap.Int64("load_failures", s.LoadFailures))
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
