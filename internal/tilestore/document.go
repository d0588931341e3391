// Package tilestore loads scene subgraphs from tile documents kept in
// directories or SQLite archives.
package tilestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Faultbox/midgard-lod/internal/scene"
	"github.com/Faultbox/midgard-lod/pkg/math"
)

var (
	// ErrNotFound is returned when no source holds a tile.
	ErrNotFound = errors.New("tile not found")
	// ErrInvalidDocument is returned for documents that fail to parse or validate.
	ErrInvalidDocument = errors.New("invalid tile document")
	// ErrArchiveClosed is returned by archive operations after Close.
	ErrArchiveClosed = errors.New("archive closed")
)

// DocumentVersion is the tile format version written by Encode.
const DocumentVersion = 1

// Node types in a tile document.
const (
	TypeGroup    = "group"
	TypePagedLOD = "pagedlod"
	TypeGeode    = "geode"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "root"],
  "properties": {
    "version": {"type": "integer", "minimum": 1, "maximum": 1},
    "root": {"$ref": "#/definitions/node"}
  },
  "definitions": {
    "vec3": {"type": "array", "items": {"type": "number"}, "minItems": 3, "maxItems": 3},
    "floats": {"type": "array", "items": {"type": "number"}},
    "state": {
      "type": "object",
      "properties": {
        "texture": {"type": "string"},
        "color": {"type": "array", "items": {"type": "number"}, "minItems": 4, "maxItems": 4},
        "lighting": {"type": "boolean"},
        "blend": {"type": "boolean"},
        "cull_face": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "range": {
      "type": "object",
      "required": ["min", "max"],
      "properties": {
        "file": {"type": "string"},
        "min": {"type": "number", "minimum": 0},
        "max": {"type": "number", "minimum": 0},
        "priority_offset": {"type": "number"},
        "priority_scale": {"type": "number"},
        "min_expiry_time": {"type": "number", "minimum": 0},
        "min_expiry_frames": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "primitive": {
      "type": "object",
      "required": ["mode", "indices"],
      "properties": {
        "mode": {"enum": ["points", "lines", "triangles", "triangle_strip", "triangle_fan", "quads"]},
        "indices": {"type": "array", "items": {"type": "integer", "minimum": 0}}
      },
      "additionalProperties": false
    },
    "geometry": {
      "type": "object",
      "required": ["vertices", "primitives"],
      "properties": {
        "vertices": {"$ref": "#/definitions/floats"},
        "normals": {"$ref": "#/definitions/floats"},
        "colors": {"$ref": "#/definitions/floats"},
        "texcoords": {"type": "array", "items": {"$ref": "#/definitions/floats"}},
        "primitives": {"type": "array", "items": {"$ref": "#/definitions/primitive"}},
        "state": {"$ref": "#/definitions/state"},
        "buffer_objects": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["group", "pagedlod", "geode"]},
        "name": {"type": "string"},
        "children": {"type": "array", "items": {"$ref": "#/definitions/node"}},
        "center": {"$ref": "#/definitions/vec3"},
        "radius": {"type": "number"},
        "database_path": {"type": "string"},
        "cannot_expire": {"type": "integer", "minimum": 0},
        "ranges": {"type": "array", "items": {"$ref": "#/definitions/range"}},
        "state": {"$ref": "#/definitions/state"},
        "geometries": {"type": "array", "items": {"$ref": "#/definitions/geometry"}}
      },
      "additionalProperties": false
    }
  }
}`

var schema = jsonschema.MustCompileString("tile.schema.json", schemaJSON)

// Document is the on-disk form of a tile.
type Document struct {
	Version int      `json:"version"`
	Root    *NodeDoc `json:"root"`
}

// NodeDoc is one node of a tile document. Fields not meaningful for Type
// are ignored.
type NodeDoc struct {
	Type     string     `json:"type"`
	Name     string     `json:"name,omitempty"`
	Children []*NodeDoc `json:"children,omitempty"`

	Center       []float32  `json:"center,omitempty"`
	Radius       float32    `json:"radius,omitempty"`
	DatabasePath string     `json:"database_path,omitempty"`
	CannotExpire int        `json:"cannot_expire,omitempty"`
	Ranges       []RangeDoc `json:"ranges,omitempty"`

	State      *StateDoc     `json:"state,omitempty"`
	Geometries []GeometryDoc `json:"geometries,omitempty"`
}

// RangeDoc describes one PagedLOD range.
type RangeDoc struct {
	File            string  `json:"file,omitempty"`
	Min             float32 `json:"min"`
	Max             float32 `json:"max"`
	PriorityOffset  float32 `json:"priority_offset,omitempty"`
	PriorityScale   float32 `json:"priority_scale,omitempty"`
	MinExpiryTime   float64 `json:"min_expiry_time,omitempty"`
	MinExpiryFrames int64   `json:"min_expiry_frames,omitempty"`
}

// StateDoc mirrors scene.StateSet.
type StateDoc struct {
	Texture  string    `json:"texture,omitempty"`
	Color    []float32 `json:"color,omitempty"`
	Lighting bool      `json:"lighting,omitempty"`
	Blend    bool      `json:"blend,omitempty"`
	CullFace bool      `json:"cull_face,omitempty"`
}

// GeometryDoc holds flat per-vertex arrays.
type GeometryDoc struct {
	Vertices      []float32      `json:"vertices"`
	Normals       []float32      `json:"normals,omitempty"`
	Colors        []float32      `json:"colors,omitempty"`
	TexCoords     [][]float32    `json:"texcoords,omitempty"`
	Primitives    []PrimitiveDoc `json:"primitives"`
	State         *StateDoc      `json:"state,omitempty"`
	BufferObjects bool           `json:"buffer_objects,omitempty"`
}

// PrimitiveDoc is an indexed primitive set.
type PrimitiveDoc struct {
	Mode    string   `json:"mode"`
	Indices []uint32 `json:"indices"`
}

// Decode parses a tile document, validating it against the tile schema
// when validate is set.
func Decode(data []byte, validate bool) (*Document, error) {
	if validate {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		if err := schema.Validate(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Root == nil {
		return nil, fmt.Errorf("%w: missing root", ErrInvalidDocument)
	}
	return &doc, nil
}

// Encode serialises a document.
func Encode(doc *Document) ([]byte, error) {
	if doc.Version == 0 {
		doc.Version = DocumentVersion
	}
	return json.Marshal(doc)
}

// Build converts the document into a scene subgraph.
func (d *Document) Build() (scene.Node, error) {
	if d.Root == nil {
		return nil, fmt.Errorf("%w: missing root", ErrInvalidDocument)
	}
	return buildNode(d.Root)
}

func buildNode(nd *NodeDoc) (scene.Node, error) {
	var (
		n     scene.Node
		group *scene.Group
	)
	switch nd.Type {
	case TypeGroup:
		g := scene.NewGroup()
		n, group = g, g
	case TypePagedLOD:
		p := scene.NewPagedLOD()
		if len(nd.Center) == 3 {
			p.Center = math.Vec3FromArray([3]float32(nd.Center))
		}
		p.Radius = nd.Radius
		p.DatabasePath = nd.DatabasePath
		p.NumChildrenThatCannotBeExpired = nd.CannotExpire
		for _, r := range nd.Ranges {
			i := p.AddRange(r.File, r.Min, r.Max)
			rr := p.RangeRef(i)
			rr.PriorityOffset = r.PriorityOffset
			if r.PriorityScale != 0 {
				rr.PriorityScale = r.PriorityScale
			}
			rr.MinExpiryTime = r.MinExpiryTime
			rr.MinExpiryFrames = r.MinExpiryFrames
		}
		n, group = p, &p.Group
	case TypeGeode:
		g := scene.NewGeode()
		g.State = nd.State.build()
		for i := range nd.Geometries {
			geom, err := nd.Geometries[i].build()
			if err != nil {
				return nil, fmt.Errorf("geode %q geometry %d: %w", nd.Name, i, err)
			}
			g.AddDrawable(geom)
		}
		n = g
	default:
		return nil, fmt.Errorf("%w: unknown node type %q", ErrInvalidDocument, nd.Type)
	}
	n.SetName(nd.Name)

	if group == nil {
		if len(nd.Children) > 0 {
			return nil, fmt.Errorf("%w: %s %q cannot have children", ErrInvalidDocument, nd.Type, nd.Name)
		}
		return n, nil
	}
	for _, c := range nd.Children {
		child, err := buildNode(c)
		if err != nil {
			return nil, err
		}
		group.AddChild(child)
	}
	return n, nil
}

func (s *StateDoc) build() *scene.StateSet {
	if s == nil {
		return nil
	}
	st := &scene.StateSet{
		Texture:  s.Texture,
		Color:    math.Vec4{X: 1, Y: 1, Z: 1, W: 1},
		Lighting: s.Lighting,
		Blend:    s.Blend,
		CullFace: s.CullFace,
	}
	if len(s.Color) == 4 {
		st.Color = math.Vec4{X: s.Color[0], Y: s.Color[1], Z: s.Color[2], W: s.Color[3]}
	}
	return st
}

func (g *GeometryDoc) build() (*scene.Geometry, error) {
	if len(g.Vertices)%3 != 0 {
		return nil, fmt.Errorf("%w: vertex array length %d not a multiple of 3", ErrInvalidDocument, len(g.Vertices))
	}
	nv := len(g.Vertices) / 3
	geom := &scene.Geometry{
		Vertices:         unpack3(g.Vertices),
		State:            g.State.build(),
		UseBufferObjects: g.BufferObjects,
	}
	if len(g.Normals) > 0 {
		if len(g.Normals) != len(g.Vertices) {
			return nil, fmt.Errorf("%w: %d normals for %d vertices", ErrInvalidDocument, len(g.Normals)/3, nv)
		}
		geom.Normals = unpack3(g.Normals)
	}
	if len(g.Colors) > 0 {
		if len(g.Colors) != nv*4 {
			return nil, fmt.Errorf("%w: %d color values for %d vertices", ErrInvalidDocument, len(g.Colors), nv)
		}
		geom.Colors = make([]math.Vec4, nv)
		for i := range geom.Colors {
			c := g.Colors[i*4:]
			geom.Colors[i] = math.Vec4{X: c[0], Y: c[1], Z: c[2], W: c[3]}
		}
	}
	for unit, tc := range g.TexCoords {
		if len(tc) != nv*2 {
			return nil, fmt.Errorf("%w: texcoord unit %d has %d values for %d vertices", ErrInvalidDocument, unit, len(tc), nv)
		}
		uv := make([]math.Vec2, nv)
		for i := range uv {
			uv[i] = math.Vec2{X: tc[i*2], Y: tc[i*2+1]}
		}
		geom.TexCoords = append(geom.TexCoords, uv)
	}
	for _, p := range g.Primitives {
		mode, ok := scene.ParsePrimitiveMode(p.Mode)
		if !ok {
			return nil, fmt.Errorf("%w: unknown primitive mode %q", ErrInvalidDocument, p.Mode)
		}
		for _, idx := range p.Indices {
			if int(idx) >= nv {
				return nil, fmt.Errorf("%w: index %d out of range (%d vertices)", ErrInvalidDocument, idx, nv)
			}
		}
		geom.Primitives = append(geom.Primitives, scene.PrimitiveSet{Mode: mode, Indices: p.Indices})
	}
	return geom, nil
}

func unpack3(f []float32) []math.Vec3 {
	out := make([]math.Vec3, len(f)/3)
	for i := range out {
		out[i] = math.Vec3{X: f[i*3], Y: f[i*3+1], Z: f[i*3+2]}
	}
	return out
}

// FromScene converts a subgraph into a document. Only the node types the
// format knows are written; anything else is an error.
func FromScene(n scene.Node) (*Document, error) {
	root, err := docNode(n)
	if err != nil {
		return nil, err
	}
	return &Document{Version: DocumentVersion, Root: root}, nil
}

func docNode(n scene.Node) (*NodeDoc, error) {
	nd := &NodeDoc{Name: n.Name()}
	var group *scene.Group
	switch {
	case n.AsPagedLOD() != nil:
		p := n.AsPagedLOD()
		nd.Type = TypePagedLOD
		c := p.Center.Array()
		nd.Center = c[:]
		nd.Radius = p.Radius
		nd.DatabasePath = p.DatabasePath
		nd.CannotExpire = p.NumChildrenThatCannotBeExpired
		for i := 0; i < p.NumRanges(); i++ {
			r := p.Range(i)
			nd.Ranges = append(nd.Ranges, RangeDoc{
				File:            r.FileName,
				Min:             r.Min,
				Max:             r.Max,
				PriorityOffset:  r.PriorityOffset,
				PriorityScale:   r.PriorityScale,
				MinExpiryTime:   r.MinExpiryTime,
				MinExpiryFrames: r.MinExpiryFrames,
			})
		}
		group = &p.Group
	case n.AsGeode() != nil:
		g := n.AsGeode()
		nd.Type = TypeGeode
		nd.State = stateDoc(g.State)
		for _, geom := range g.Drawables() {
			nd.Geometries = append(nd.Geometries, geometryDoc(geom))
		}
		return nd, nil
	case n.AsGroup() != nil:
		nd.Type = TypeGroup
		group = n.AsGroup()
	default:
		return nil, fmt.Errorf("%w: unsupported node %T", ErrInvalidDocument, n)
	}
	for _, c := range group.Children() {
		cd, err := docNode(c)
		if err != nil {
			return nil, err
		}
		nd.Children = append(nd.Children, cd)
	}
	return nd, nil
}

func stateDoc(s *scene.StateSet) *StateDoc {
	if s == nil {
		return nil
	}
	return &StateDoc{
		Texture:  s.Texture,
		Color:    []float32{s.Color.X, s.Color.Y, s.Color.Z, s.Color.W},
		Lighting: s.Lighting,
		Blend:    s.Blend,
		CullFace: s.CullFace,
	}
}

func geometryDoc(g *scene.Geometry) GeometryDoc {
	gd := GeometryDoc{
		Vertices:      pack3(g.Vertices),
		Normals:       pack3(g.Normals),
		State:         stateDoc(g.State),
		BufferObjects: g.UseBufferObjects,
	}
	for _, c := range g.Colors {
		gd.Colors = append(gd.Colors, c.X, c.Y, c.Z, c.W)
	}
	for _, unit := range g.TexCoords {
		tc := make([]float32, 0, len(unit)*2)
		for _, uv := range unit {
			tc = append(tc, uv.X, uv.Y)
		}
		gd.TexCoords = append(gd.TexCoords, tc)
	}
	for _, p := range g.Primitives {
		gd.Primitives = append(gd.Primitives, PrimitiveDoc{Mode: p.Mode.String(), Indices: p.Indices})
	}
	return gd
}

func pack3(v []math.Vec3) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, 0, len(v)*3)
	for _, p := range v {
		out = append(out, p.X, p.Y, p.Z)
	}
	return out
}
