package tilestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/midgard-lod/internal/scene"
)

const quadTile = `{
  "version": 1,
  "root": {
    "type": "pagedlod",
    "name": "tile",
    "center": [0.5, 0.5, 0],
    "radius": 1,
    "cannot_expire": 1,
    "ranges": [
      {"min": 10, "max": 1000},
      {"file": "detail.json", "min": 0, "max": 10, "priority_offset": 1}
    ],
    "children": [{
      "type": "geode",
      "name": "quad",
      "geometries": [{
        "vertices": [0,0,0, 1,0,0, 1,1,0, 0,1,0],
        "colors": [1,0,0,1, 0,1,0,1, 0,0,1,1, 1,1,1,1],
        "texcoords": [[0,0, 1,0, 1,1, 0,1]],
        "primitives": [{"mode": "triangles", "indices": [0,1,2, 0,2,3]}],
        "state": {"texture": "grass.png", "lighting": true},
        "buffer_objects": true
      }]
    }]
  }
}`

func TestDecodeAndBuild(t *testing.T) {
	doc, err := Decode([]byte(quadTile), true)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	n, err := doc.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	p := n.AsPagedLOD()
	if p == nil {
		t.Fatalf("root is %T, want PagedLOD", n)
	}
	if p.NumRanges() != 2 || p.NumChildren() != 1 {
		t.Fatalf("ranges=%d children=%d, want 2 and 1", p.NumRanges(), p.NumChildren())
	}
	if r := p.Range(1); r.FileName != "detail.json" || r.PriorityOffset != 1 || r.PriorityScale != 1 {
		t.Errorf("range 1 = %+v", r)
	}
	if p.NumChildrenThatCannotBeExpired != 1 {
		t.Errorf("NumChildrenThatCannotBeExpired = %d, want 1", p.NumChildrenThatCannotBeExpired)
	}

	geode := p.Child(0).AsGeode()
	if geode == nil || len(geode.Drawables()) != 1 {
		t.Fatalf("child 0 is not a geode with one drawable")
	}
	g := geode.Drawables()[0]
	if len(g.Vertices) != 4 || len(g.Colors) != 4 || len(g.TexCoords) != 1 {
		t.Errorf("arrays: %d vertices, %d colors, %d texcoord units", len(g.Vertices), len(g.Colors), len(g.TexCoords))
	}
	if g.NumTriangles() != 2 {
		t.Errorf("NumTriangles = %d, want 2", g.NumTriangles())
	}
	if g.State == nil || g.State.Texture != "grass.png" || !g.State.Lighting {
		t.Errorf("state = %+v", g.State)
	}
	if !g.UseBufferObjects {
		t.Error("buffer_objects not applied")
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		validate bool
	}{
		{"not json", `{`, true},
		{"missing root", `{"version": 1}`, true},
		{"wrong version", `{"version": 2, "root": {"type": "group"}}`, true},
		{"unknown type", `{"version": 1, "root": {"type": "light"}}`, true},
		{"unknown field", `{"version": 1, "root": {"type": "group", "colour": 1}}`, true},
		{"bad mode", `{"version": 1, "root": {"type": "geode", "geometries": [{"vertices": [], "primitives": [{"mode": "polygon", "indices": []}]}]}}`, true},
		{"missing root unvalidated", `{"version": 1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc), tt.validate)
			if !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("Decode error = %v, want ErrInvalidDocument", err)
			}
		})
	}
}

func TestBuildRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name string
		geom string
	}{
		{"ragged vertices", `{"vertices": [0,0], "primitives": []}`},
		{"index out of range", `{"vertices": [0,0,0], "primitives": [{"mode": "points", "indices": [1]}]}`},
		{"normal count", `{"vertices": [0,0,0], "normals": [0,0,1,0,0,1], "primitives": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `{"version": 1, "root": {"type": "geode", "geometries": [` + tt.geom + `]}}`
			doc, err := Decode([]byte(src), false)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if _, err := doc.Build(); !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("Build error = %v, want ErrInvalidDocument", err)
			}
		})
	}
}

func TestFromSceneRoundTrip(t *testing.T) {
	doc, err := Decode([]byte(quadTile), true)
	if err != nil {
		t.Fatal(err)
	}
	n, err := doc.Build()
	if err != nil {
		t.Fatal(err)
	}

	back, err := FromScene(n)
	if err != nil {
		t.Fatalf("FromScene failed: %v", err)
	}
	data, err := Encode(back)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	again, err := Decode(data, true)
	if err != nil {
		t.Fatalf("re-encoded document does not validate: %v", err)
	}
	n2, err := again.Build()
	if err != nil {
		t.Fatal(err)
	}
	if scene.CountNodes(n2) != scene.CountNodes(n) {
		t.Errorf("node count %d, want %d", scene.CountNodes(n2), scene.CountNodes(n))
	}
	if n2.AsPagedLOD().Range(1).FileName != "detail.json" {
		t.Error("range file lost")
	}
}

func TestCompress(t *testing.T) {
	data := []byte(strings.Repeat("tile data ", 100))
	c, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if !IsCompressed(c) {
		t.Fatal("compressed output lacks zstd magic")
	}
	if len(c) >= len(data) {
		t.Errorf("compressed %d bytes to %d", len(data), len(c))
	}
	out, err := Decompress(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(data) {
		t.Error("round trip mismatch")
	}

	plain, err := Decompress(data)
	if err != nil || string(plain) != string(data) {
		t.Error("uncompressed data must pass through")
	}
}

func writeTile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "a.json", []byte(quadTile))
	c, err := Compress([]byte(quadTile))
	if err != nil {
		t.Fatal(err)
	}
	writeTile(t, dir, "sub/b.json"+CompressedExt, c)

	d, err := NewDirSource(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.Read("a.json"); err != nil {
		t.Errorf("Read a.json: %v", err)
	}
	raw, err := d.Read("sub/b.json")
	if err != nil {
		t.Fatalf("Read sub/b.json: %v", err)
	}
	if !IsCompressed(raw) {
		t.Error("expected the compressed file")
	}
	if _, err := d.Read("missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing tile error = %v, want ErrNotFound", err)
	}
	if _, err := d.Read("../escape.json"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("escaping name error = %v", err)
	}

	names, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a.json" || names[1] != "sub/b.json" {
		t.Errorf("List = %v", names)
	}

	if _, err := NewDirSource(filepath.Join(dir, "a.json")); err == nil {
		t.Error("NewDirSource accepted a file")
	}
}

func TestArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.db")
	a, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}

	if err := a.Put("b.json", []byte(quadTile), true); err != nil {
		t.Fatal(err)
	}
	if err := a.Put("a.json", []byte(quadTile), false); err != nil {
		t.Fatal(err)
	}

	raw, err := a.Read("b.json")
	if err != nil {
		t.Fatal(err)
	}
	if !IsCompressed(raw) {
		t.Error("b.json should be stored compressed")
	}
	if _, err := a.Read("c.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing tile error = %v, want ErrNotFound", err)
	}

	entries, err := a.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "a.json" {
		t.Fatalf("Entries = %+v", entries)
	}
	if entries[1].Size != int64(len(quadTile)) || !entries[1].Compressed || entries[1].Stored >= entries[1].Size {
		t.Errorf("b.json entry = %+v", entries[1])
	}

	if err := a.Delete("a.json"); err != nil {
		t.Fatal(err)
	}
	if n, _ := a.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Read("b.json"); !errors.Is(err, ErrArchiveClosed) {
		t.Errorf("Read after Close = %v, want ErrArchiveClosed", err)
	}

	// Reopen keeps data.
	a, err = OpenArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if names, _ := a.List(); len(names) != 1 || names[0] != "b.json" {
		t.Errorf("after reopen List = %v", names)
	}
}

func TestCache(t *testing.T) {
	c := NewCache(2)
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Get("a")
	c.Set("c", []byte("3"))

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry should be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("Stats = %d/%d, want 2/1", hits, misses)
	}
	if !c.Remove("a") || c.Remove("a") {
		t.Error("Remove reported wrong presence")
	}

	off := NewCache(0)
	off.Set("a", nil)
	if off.Len() != 0 {
		t.Error("zero-size cache stored an entry")
	}
}

func TestManagerSearchOrder(t *testing.T) {
	low, high := t.TempDir(), t.TempDir()
	writeTile(t, low, "t.json", []byte(`{"version": 1, "root": {"type": "group", "name": "low"}}`))
	writeTile(t, low, "only-low.json", []byte(`{"version": 1, "root": {"type": "group"}}`))
	writeTile(t, high, "t.json", []byte(`{"version": 1, "root": {"type": "group", "name": "high"}}`))

	m := NewManager(WithLogger(zap.NewNop()))
	defer m.Close()
	if err := m.AddDir(low); err != nil {
		t.Fatal(err)
	}
	if err := m.AddDir(high); err != nil {
		t.Fatal(err)
	}

	n, err := m.Load(context.Background(), "t.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n.Name() != "high" {
		t.Errorf("loaded %q, want the last added source", n.Name())
	}

	names, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "only-low.json" || names[1] != "t.json" {
		t.Errorf("List = %v", names)
	}
	if got := m.Sources(); len(got) != 2 || got[0] != high {
		t.Errorf("Sources = %v", got)
	}
}

func TestManagerLoad(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "db/tile.json", []byte(quadTile))
	writeTile(t, dir, "broken.json", []byte(`{"version": 1, "root": {"type": "nope"}}`))

	m := NewManager(WithCacheEntries(8))
	defer m.Close()
	if err := m.AddDir(dir); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	opts := &scene.LoadOptions{DatabasePath: "db"}
	n1, err := m.Load(ctx, "tile.json", opts)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	n2, err := m.Load(ctx, "tile.json", opts)
	if err != nil {
		t.Fatal(err)
	}
	if n1 == n2 {
		t.Error("each Load must build fresh nodes")
	}
	if hits, _ := m.CacheStats(); hits != 1 {
		t.Errorf("cache hits = %d, want 1", hits)
	}

	if _, err := m.Load(ctx, "missing.json", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing tile error = %v, want ErrNotFound", err)
	}
	if _, err := m.Load(ctx, "broken.json", nil); !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("broken tile error = %v, want ErrInvalidDocument", err)
	}
	if _, err := m.Load(ctx, "broken.json", &scene.LoadOptions{SkipValidation: true}); !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("unvalidated broken tile error = %v, want ErrInvalidDocument", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.Load(cancelled, "db/tile.json", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Load error = %v", err)
	}
}

func TestManagerArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.db")
	a, err := OpenArchive(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put("tile.json", []byte(quadTile), true); err != nil {
		t.Fatal(err)
	}
	a.Close()

	m := NewManager()
	defer m.Close()
	if err := m.AddArchive(path); err != nil {
		t.Fatal(err)
	}
	n, err := m.Load(context.Background(), "tile.json", nil)
	if err != nil {
		t.Fatalf("Load from archive failed: %v", err)
	}
	if n.AsPagedLOD() == nil {
		t.Errorf("loaded %T", n)
	}
}

func TestManagerWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "t.json", []byte(`{"version": 1, "root": {"type": "group", "name": "v1"}}`))

	m := NewManager()
	defer m.Close()
	if err := m.AddDir(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read("t.json"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writeTile(t, dir, "t.json", []byte(`{"version": 1, "root": {"type": "group", "name": "v2"}}`))
		time.Sleep(50 * time.Millisecond)
		n, err := m.Load(context.Background(), "t.json", nil)
		if err != nil {
			t.Fatal(err)
		}
		if n.Name() == "v2" {
			return
		}
	}
	t.Fatal("cached tile was never invalidated")
}

func TestGeneratePyramid(t *testing.T) {
	cfg := DefaultPyramidConfig()
	cfg.Levels = 3
	cfg.Resolution = 4

	docs := map[string]*Document{}
	err := GeneratePyramid(cfg, func(name string, doc *Document) error {
		docs[name] = doc
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// root + 1 children file at level 0 + 4 at level 1
	if len(docs) != 6 {
		t.Fatalf("generated %d documents, want 6", len(docs))
	}

	root, err := docs[RootTile].Build()
	if err != nil {
		t.Fatal(err)
	}
	p := root.AsPagedLOD()
	if p == nil || p.NumRanges() != 2 || p.Range(1).FileName != ChildrenTile(0, 0, 0) {
		t.Fatalf("root tile malformed: %+v", p)
	}
	for name, doc := range docs {
		data, err := Encode(doc)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Decode(data, true); err != nil {
			t.Errorf("%s does not validate: %v", name, err)
		}
	}

	leafParent, err := docs[ChildrenTile(1, 1, 1)].Build()
	if err != nil {
		t.Fatal(err)
	}
	leaf := leafParent.AsGroup().Child(0).AsPagedLOD()
	if leaf.NumRanges() != 1 {
		t.Errorf("deepest tile has %d ranges, want 1", leaf.NumRanges())
	}
	if tris := scene.Geometries(leaf)[0].NumTriangles(); tris != 4*4*2 {
		t.Errorf("tile has %d triangles, want 32", tris)
	}

	if err := GeneratePyramid(PyramidConfig{}, func(string, *Document) error { return nil }); err == nil {
		t.Error("empty config accepted")
	}
}
