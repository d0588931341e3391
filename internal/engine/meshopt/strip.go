package meshopt

import "github.com/Faultbox/midgard-lod/internal/scene"

// Stripify rewrites the triangle-family primitive sets of g as triangle
// strips. Triangles that join no strip are kept in one Triangles set.
// Other primitive sets are left untouched.
func Stripify(g *scene.Geometry) {
	var tris [][3]uint32
	for _, t := range Triangles(g) {
		if t[0] != t[1] && t[1] != t[2] && t[0] != t[2] {
			tris = append(tris, t)
		}
	}

	edges := make(map[[2]uint32][]int, len(tris)*3)
	for i, t := range tris {
		for j := 0; j < 3; j++ {
			k := [2]uint32{t[j], t[(j+1)%3]}
			edges[k] = append(edges[k], i)
		}
	}

	used := make([]bool, len(tris))
	var strips [][]uint32
	var loose []uint32
	for seed := range tris {
		if used[seed] {
			continue
		}
		var best []int
		var bestStrip []uint32
		for r := 0; r < 3; r++ {
			strip, members := grow(tris, edges, used, seed, r)
			if len(members) > len(best) {
				best, bestStrip = members, strip
			}
		}
		for _, m := range best {
			used[m] = true
		}
		if len(best) == 1 {
			t := tris[seed]
			loose = append(loose, t[0], t[1], t[2])
			continue
		}
		strips = append(strips, bestStrip)
	}

	var prims []scene.PrimitiveSet
	for _, ps := range g.Primitives {
		switch ps.Mode {
		case scene.Triangles, scene.TriangleStrip, scene.TriangleFan, scene.Quads:
		default:
			prims = append(prims, ps)
		}
	}
	for _, s := range strips {
		prims = append(prims, scene.PrimitiveSet{Mode: scene.TriangleStrip, Indices: s})
	}
	if len(loose) > 0 {
		prims = append(prims, scene.PrimitiveSet{Mode: scene.Triangles, Indices: loose})
	}
	g.Primitives = prims
}

// grow builds a strip starting with triangle seed rotated by r and extends
// it while an unused triangle continues it with the right winding.
func grow(tris [][3]uint32, edges map[[2]uint32][]int, used []bool, seed, r int) ([]uint32, []int) {
	t := tris[seed]
	strip := []uint32{t[r], t[(r+1)%3], t[(r+2)%3]}
	members := []int{seed}
	claimed := map[int]bool{seed: true}

	for {
		k := len(strip) - 3 + 1
		a, b := strip[k], strip[k+1]
		if k%2 == 1 {
			a, b = b, a
		}
		next := -1
		for _, cand := range edges[[2]uint32{a, b}] {
			if !used[cand] && !claimed[cand] {
				next = cand
				break
			}
		}
		if next < 0 {
			return strip, members
		}
		claimed[next] = true
		members = append(members, next)
		strip = append(strip, third(tris[next], a, b))
	}
}

func third(t [3]uint32, a, b uint32) uint32 {
	for _, v := range t {
		if v != a && v != b {
			return v
		}
	}
	return t[0]
}
