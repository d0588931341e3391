package compile

import (
	"sync"
	"unsafe"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

// Vertex attribute locations used by GLBuffers.
const (
	AttribPosition = 0
	AttribNormal   = 1
	AttribColor    = 2
	AttribTexCoord = 3
)

// GLUploader uploads geometry into vertex array objects. Upload and
// FlushDeletes must run on the thread owning the GL context; Release on the
// returned buffers may run anywhere and only queues the deletion.
type GLUploader struct {
	mu      sync.Mutex
	deletes []*GLBuffers
}

// NewGLUploader creates an uploader. gl.Init must already have succeeded.
func NewGLUploader() *GLUploader {
	return &GLUploader{}
}

// GLBuffers is the GPU side of one geometry.
type GLBuffers struct {
	owner      *GLUploader
	vao        uint32
	vbo        uint32
	ebo        uint32
	ranges     []DrawRange
	released   bool
	releasedMu sync.Mutex
}

// Upload packs g and creates its VAO, vertex buffer and index buffer.
func (u *GLUploader) Upload(g *scene.Geometry) (scene.GPUResource, error) {
	p, err := Pack(g)
	if err != nil {
		return nil, err
	}
	b := &GLBuffers{owner: u, ranges: p.Ranges}

	gl.GenVertexArrays(1, &b.vao)
	gl.BindVertexArray(b.vao)

	gl.GenBuffers(1, &b.vbo)
	gl.BindBuffer(gl.ARRAY_BUFFER, b.vbo)
	gl.BufferData(gl.ARRAY_BUFFER, len(p.Vertices)*4, unsafe.Pointer(&p.Vertices[0]), gl.STATIC_DRAW)

	stride := int32(p.Layout.Stride * 4)
	attrib := func(loc uint32, size int32, offset int) {
		if offset < 0 {
			return
		}
		gl.VertexAttribPointerWithOffset(loc, size, gl.FLOAT, false, stride, uintptr(offset*4))
		gl.EnableVertexAttribArray(loc)
	}
	attrib(AttribPosition, 3, p.Layout.Position)
	attrib(AttribNormal, 3, p.Layout.Normal)
	attrib(AttribColor, 4, p.Layout.Color)
	attrib(AttribTexCoord, 2, p.Layout.TexCoord)

	if len(p.Indices) > 0 {
		gl.GenBuffers(1, &b.ebo)
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, b.ebo)
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(p.Indices)*4, unsafe.Pointer(&p.Indices[0]), gl.STATIC_DRAW)
	}

	gl.BindVertexArray(0)
	return b, nil
}

// FlushDeletes frees the GL objects of every released buffer and returns
// how many were freed.
func (u *GLUploader) FlushDeletes() int {
	u.mu.Lock()
	pending := u.deletes
	u.deletes = nil
	u.mu.Unlock()

	for _, b := range pending {
		if b.vao != 0 {
			gl.DeleteVertexArrays(1, &b.vao)
		}
		if b.vbo != 0 {
			gl.DeleteBuffers(1, &b.vbo)
		}
		if b.ebo != 0 {
			gl.DeleteBuffers(1, &b.ebo)
		}
	}
	return len(pending)
}

// Release queues the buffers for deletion on the next FlushDeletes.
func (b *GLBuffers) Release() {
	b.releasedMu.Lock()
	if b.released {
		b.releasedMu.Unlock()
		return
	}
	b.released = true
	b.releasedMu.Unlock()

	b.owner.mu.Lock()
	b.owner.deletes = append(b.owner.deletes, b)
	b.owner.mu.Unlock()
}

// Released reports whether Release has been called.
func (b *GLBuffers) Released() bool {
	b.releasedMu.Lock()
	defer b.releasedMu.Unlock()
	return b.released
}

// Draw issues one draw call per range. Released buffers draw nothing.
func (b *GLBuffers) Draw() {
	if b.Released() {
		return
	}
	gl.BindVertexArray(b.vao)
	for _, r := range b.ranges {
		gl.DrawElementsWithOffset(glMode(r.Mode), int32(r.Count), gl.UNSIGNED_INT, uintptr(r.First*4))
	}
	gl.BindVertexArray(0)
}

func glMode(m scene.PrimitiveMode) uint32 {
	switch m {
	case scene.Points:
		return gl.POINTS
	case scene.Lines:
		return gl.LINES
	case scene.TriangleStrip:
		return gl.TRIANGLE_STRIP
	case scene.TriangleFan:
		return gl.TRIANGLE_FAN
	default:
		return gl.TRIANGLES
	}
}
