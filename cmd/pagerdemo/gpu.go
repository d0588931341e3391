package main

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/gl/v4.1-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/engine/compile"
	"github.com/Faultbox/midgard-lod/internal/engine/window"
	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

// gpu owns the hidden window, its GL context, the uploader feeding the
// compile queue and the program drawing the cull result.
type gpu struct {
	win      *window.Window
	uploader *compile.GLUploader
	program  *compile.FlatProgram
	log      *zap.Logger
}

func newGPU(width, height int, log *zap.Logger) (*gpu, error) {
	win, err := window.New(window.Config{
		Title:  "pagerdemo",
		Width:  width,
		Height: height,
		Hidden: true,
	})
	if err != nil {
		return nil, err
	}
	if err := gl.Init(); err != nil {
		win.Close()
		return nil, fmt.Errorf("gl init: %w", err)
	}
	log.Info("OpenGL ready",
		zap.String("version", gl.GoStr(gl.GetString(gl.VERSION))),
		zap.String("renderer", gl.GoStr(gl.GetString(gl.RENDERER))))

	program, err := compile.NewFlatProgram()
	if err != nil {
		win.Close()
		return nil, err
	}
	gl.Enable(gl.DEPTH_TEST)
	gl.ClearColor(0.55, 0.7, 0.85, 1)

	return &gpu{
		win:      win,
		uploader: compile.NewGLUploader(),
		program:  program,
		log:      log,
	}, nil
}

// draw renders the geodes selected this frame as seen from eye.
func (g *gpu) draw(geodes []*scene.Geode, eye, center math.Vec3, far float32) int {
	w, h := g.win.Size()
	gl.Viewport(0, 0, int32(w), int32(h))
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)

	aspect := float32(w) / float32(max(h, 1))
	proj := math.Perspective(math32.Pi/3, aspect, max(far*1e-4, 0.1), far)
	view := math.LookAt(eye, center, math.Vec3{Z: 1})
	calls := g.program.Draw(geodes, proj.Mul(view), math.Vec3{X: 0.3, Y: 0.2, Z: 1})

	g.win.SwapBuffers()
	return calls
}

// flush frees GL objects of subgraphs released since the previous frame.
func (g *gpu) flush() {
	if n := g.uploader.FlushDeletes(); n > 0 {
		g.log.Debug("freed GL buffers", zap.Int("count", n))
	}
}

func (g *gpu) close() {
	g.flush()
	g.program.Delete()
	g.win.Close()
}
