// Package mesh holds the triangle surfaces produced by isosurface
// extraction and the cleanup that turns a raw vertex soup into a single
// connected mesh.
package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Soup is raw marching-cubes output: positions, triangles indexing into
// them and one normal per vertex. Coincident vertices are not merged.
type Soup struct {
	Vertices  []r3.Vec
	Triangles [][3]int
	Normals   []r3.Vec
}

// VertexCount returns the number of vertices
func (s *Soup) VertexCount() int { return len(s.Vertices) }

// TriangleCount returns the number of triangles
func (s *Soup) TriangleCount() int { return len(s.Triangles) }

// Empty reports whether the soup has no triangles
func (s *Soup) Empty() bool { return s == nil || len(s.Triangles) == 0 }

// Validate checks that every triangle index is in range and that normals,
// when present, match the vertices one to one.
func (s *Soup) Validate() error {
	return validate(s.Vertices, s.Triangles, s.Normals)
}

// Mesh is a cleaned triangle surface. Cleaning guarantees merged vertices,
// no degenerate triangles and a single edge-connected component; smoothing
// keeps the vertex count and triangles of a Mesh and only moves vertices.
type Mesh struct {
	Vertices  []r3.Vec
	Triangles [][3]int
	Normals   []r3.Vec
}

// VertexCount returns the number of vertices
func (m *Mesh) VertexCount() int { return len(m.Vertices) }

// TriangleCount returns the number of triangles
func (m *Mesh) TriangleCount() int { return len(m.Triangles) }

// Empty reports whether the mesh has no triangles
func (m *Mesh) Empty() bool { return m == nil || len(m.Triangles) == 0 }

// Validate checks index bounds and normal count.
func (m *Mesh) Validate() error {
	return validate(m.Vertices, m.Triangles, m.Normals)
}

// Clone returns a deep copy of the mesh
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices:  make([]r3.Vec, len(m.Vertices)),
		Triangles: make([][3]int, len(m.Triangles)),
	}
	copy(out.Vertices, m.Vertices)
	copy(out.Triangles, m.Triangles)
	if m.Normals != nil {
		out.Normals = make([]r3.Vec, len(m.Normals))
		copy(out.Normals, m.Normals)
	}
	return out
}

func validate(vertices []r3.Vec, triangles [][3]int, normals []r3.Vec) error {
	if len(normals) != 0 && len(normals) != len(vertices) {
		return fmt.Errorf("%d normals for %d vertices", len(normals), len(vertices))
	}
	for i, t := range triangles {
		for _, v := range t {
			if v < 0 || v >= len(vertices) {
				return fmt.Errorf("triangle %d references vertex %d of %d", i, v, len(vertices))
			}
		}
	}
	return nil
}

// FaceNormal returns the unnormalized normal of triangle t (twice its area
// in length), following the right-hand rule.
func FaceNormal(vertices []r3.Vec, t [3]int) r3.Vec {
	a, b, c := vertices[t[0]], vertices[t[1]], vertices[t[2]]
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// ComputeNormals replaces the vertex normals with the area-weighted
// average of the incident face normals.
func (m *Mesh) ComputeNormals() {
	m.Normals = vertexNormals(m.Vertices, m.Triangles)
}

func vertexNormals(vertices []r3.Vec, triangles [][3]int) []r3.Vec {
	normals := make([]r3.Vec, len(vertices))
	for _, t := range triangles {
		n := FaceNormal(vertices, t)
		for _, v := range t {
			normals[v] = r3.Add(normals[v], n)
		}
	}
	for i, n := range normals {
		normals[i] = unitOrZero(n)
	}
	return normals
}

func unitOrZero(v r3.Vec) r3.Vec {
	n := r3.Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return r3.Vec{}
	}
	return r3.Scale(1/n, v)
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *Mesh) Bounds() r3.Box {
	return bounds(m.Vertices)
}

func bounds(vertices []r3.Vec) r3.Box {
	if len(vertices) == 0 {
		return r3.Box{}
	}
	b := r3.Box{Min: vertices[0], Max: vertices[0]}
	for _, v := range vertices[1:] {
		b.Min.X = math.Min(b.Min.X, v.X)
		b.Min.Y = math.Min(b.Min.Y, v.Y)
		b.Min.Z = math.Min(b.Min.Z, v.Z)
		b.Max.X = math.Max(b.Max.X, v.X)
		b.Max.Y = math.Max(b.Max.Y, v.Y)
		b.Max.Z = math.Max(b.Max.Z, v.Z)
	}
	return b
}

// Edge is an undirected edge with A < B.
type Edge struct {
	A, B int
}

// MakeEdge returns the undirected edge between a and b.
func MakeEdge(a, b int) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// EdgeUses counts how many triangles use each undirected edge.
func (m *Mesh) EdgeUses() map[Edge]int {
	return edgeUses(m.Triangles)
}

func edgeUses(triangles [][3]int) map[Edge]int {
	uses := make(map[Edge]int, len(triangles)*3/2)
	for _, t := range triangles {
		for k := 0; k < 3; k++ {
			uses[MakeEdge(t[k], t[(k+1)%3])]++
		}
	}
	return uses
}

// IsClosed reports whether every edge belongs to exactly two triangles.
func (m *Mesh) IsClosed() bool {
	if len(m.Triangles) == 0 {
		return false
	}
	for _, n := range m.EdgeUses() {
		if n != 2 {
			return false
		}
	}
	return true
}

// Area returns the total surface area.
func (m *Mesh) Area() float64 {
	var area float64
	for _, t := range m.Triangles {
		area += r3.Norm(FaceNormal(m.Vertices, t)) / 2
	}
	return area
}

// Volume returns the signed volume enclosed by the surface. It is positive
// for a closed mesh whose triangles wind counter-clockwise seen from outside.
func (m *Mesh) Volume() float64 {
	var vol float64
	for _, t := range m.Triangles {
		a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
		vol += r3.Dot(a, r3.Cross(b, c)) / 6
	}
	return vol
}

// Transform applies a 4x4 homogeneous transform to the vertices in place.
// Normals are transformed by the inverse transpose of the linear part and
// renormalized.
func (m *Mesh) Transform(t *mat.Dense) error {
	r, c := t.Dims()
	if r != 4 || c != 4 {
		return fmt.Errorf("transform must be 4x4, got %dx%d", r, c)
	}
	var linear mat.Dense
	linear.CloneFrom(t.Slice(0, 3, 0, 3))
	var inv mat.Dense
	if err := inv.Inverse(&linear); err != nil {
		return fmt.Errorf("transform is not invertible: %w", err)
	}

	apply := func(v r3.Vec, w float64) r3.Vec {
		in := [4]float64{v.X, v.Y, v.Z, w}
		var out [3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				out[i] += t.At(i, j) * in[j]
			}
		}
		return r3.Vec{X: out[0], Y: out[1], Z: out[2]}
	}
	for i, v := range m.Vertices {
		m.Vertices[i] = apply(v, 1)
	}
	for i, n := range m.Normals {
		// inverse transpose: out_i = sum_j inv(j,i) * n_j
		out := r3.Vec{
			X: inv.At(0, 0)*n.X + inv.At(1, 0)*n.Y + inv.At(2, 0)*n.Z,
			Y: inv.At(0, 1)*n.X + inv.At(1, 1)*n.Y + inv.At(2, 1)*n.Z,
			Z: inv.At(0, 2)*n.X + inv.At(1, 2)*n.Y + inv.At(2, 2)*n.Z,
		}
		m.Normals[i] = unitOrZero(out)
	}
	if mat.Det(&linear) < 0 {
		// a reflection flips the winding
		for i, tri := range m.Triangles {
			m.Triangles[i] = [3]int{tri[0], tri[2], tri[1]}
		}
	}
	return nil
}
