package mesh

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/internal/logging"
	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
)

// DefaultToleranceFactor scales the smallest voxel spacing into the vertex
// merge tolerance.
const DefaultToleranceFactor = 1e-5

// minTolerance keeps the radius search meaningful for exact duplicates.
const minTolerance = 1e-12

// CleanParams controls the surface cleaner.
type CleanParams struct {
	// Tolerance is the distance below which two vertices are merged
	Tolerance float64
}

// DefaultCleanParams derives the merge tolerance from the voxel spacing.
func DefaultCleanParams(spacing models.Spacing) CleanParams {
	return CleanParams{Tolerance: DefaultToleranceFactor * spacing.Min()}
}

// CleanReport describes what the cleaner removed.
type CleanReport struct {
	// InputVertices and InputTriangles are the soup sizes
	InputVertices  int
	InputTriangles int

	// MergedVertices is the number of vertices folded into another one
	MergedVertices int

	// DegenerateTriangles were dropped for repeated vertices or zero area
	DegenerateTriangles int

	// Components is the number of edge-connected components found
	Components int

	// DiscardedTriangles belong to the components that were not kept
	DiscardedTriangles int

	// KeptComponent is the index of the retained component
	KeptComponent int
}

// Clean turns a soup into a single connected mesh:
//  1. merge vertices closer than the tolerance, remapping triangle indices
//  2. drop triangles with fewer than three distinct vertices or zero area
//  3. partition the triangles into components connected through shared edges
//  4. keep the component with the most vertices
//
// Ties in step 4 go to the component with more triangles, then to the one
// whose first triangle comes first. Non-manifold edges are passed through.
//
// A soup without triangles, or one whose triangles are all degenerate,
// yields an empty mesh together with an ErrEmptyMesh error.
func Clean(s *Soup, p CleanParams) (*Mesh, error) {
	m, _, err := CleanWithReport(s, p)
	return m, err
}

// CleanWithReport is Clean that also reports what was removed.
func CleanWithReport(s *Soup, p CleanParams) (*Mesh, CleanReport, error) {
	var report CleanReport
	if s == nil || len(s.Triangles) == 0 {
		return &Mesh{}, report, stageerr.EmptyMesh(stageerr.StageCleaner, "triangles", "soup has no triangles")
	}
	if err := s.Validate(); err != nil {
		return nil, report, stageerr.InvalidParameter(stageerr.StageCleaner, "soup", nil, "%v", err)
	}
	if p.Tolerance < 0 {
		return nil, report, stageerr.InvalidParameter(stageerr.StageCleaner, "tolerance", p.Tolerance,
			"must not be negative")
	}
	report.InputVertices = len(s.Vertices)
	report.InputTriangles = len(s.Triangles)

	tol := p.Tolerance
	if tol < minTolerance {
		tol = minTolerance
	}

	// 1. merge
	remap, vertices, normals := mergeVertices(s, tol)
	report.MergedVertices = len(s.Vertices) - len(vertices)

	// 2. degenerate triangles
	areaEps := tol * tol
	triangles := make([][3]int, 0, len(s.Triangles))
	for _, t := range s.Triangles {
		nt := [3]int{remap[t[0]], remap[t[1]], remap[t[2]]}
		if nt[0] == nt[1] || nt[1] == nt[2] || nt[0] == nt[2] {
			continue
		}
		if r3.Norm(FaceNormal(vertices, nt)) <= areaEps {
			continue
		}
		triangles = append(triangles, nt)
	}
	report.DegenerateTriangles = len(s.Triangles) - len(triangles)
	if len(triangles) == 0 {
		return &Mesh{}, report, stageerr.EmptyMesh(stageerr.StageCleaner, "triangles",
			"all %d triangles are degenerate", len(s.Triangles))
	}

	// 3. components
	components := faceComponents(triangles)
	report.Components = len(components)

	// 4. largest component
	keep := largestComponent(components, triangles, len(vertices))
	report.KeptComponent = keep
	report.DiscardedTriangles = len(triangles) - len(components[keep])

	out := compact(components[keep], triangles, vertices, normals)
	logging.Diagf("cleaned soup: %d -> %d vertices, %d -> %d triangles, %d components, %d merged, %d degenerate",
		report.InputVertices, len(out.Vertices), report.InputTriangles, len(out.Triangles),
		report.Components, report.MergedVertices, report.DegenerateTriangles)
	return out, report, nil
}

// vertexPoint is a soup vertex stored in the merge kd-tree
type vertexPoint struct {
	pos r3.Vec
	idx int
}

// Compare implements the kdtree.Comparable interface
func (p vertexPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vertexPoint)
	switch d {
	case 0:
		return p.pos.X - q.pos.X
	case 1:
		return p.pos.Y - q.pos.Y
	case 2:
		return p.pos.Z - q.pos.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p vertexPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p vertexPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.pos, c.(vertexPoint).pos))
}

// vertexPoints is a collection of vertexPoint that satisfies kdtree.Interface
type vertexPoints []vertexPoint

func (p vertexPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p vertexPoints) Len() int                              { return len(p) }
func (p vertexPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p vertexPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(vertexPlane{vertexPoints: p, Dim: d}, kdtree.MedianOfMedians(vertexPlane{vertexPoints: p, Dim: d}))
}

// vertexPlane implements sort.Interface and kdtree.SortSlicer for vertexPoints
type vertexPlane struct {
	vertexPoints
	kdtree.Dim
}

func (p vertexPlane) Less(i, j int) bool {
	return p.vertexPoints[i].Compare(p.vertexPoints[j], p.Dim) < 0
}

func (p vertexPlane) Slice(start, end int) kdtree.SortSlicer {
	return vertexPlane{vertexPoints: p.vertexPoints[start:end], Dim: p.Dim}
}

func (p vertexPlane) Swap(i, j int) {
	p.vertexPoints[i], p.vertexPoints[j] = p.vertexPoints[j], p.vertexPoints[i]
}

// mergeVertices folds every vertex within tol of an earlier unmerged vertex
// into it. It returns the old-to-new index map and the merged positions and
// normals; merged normals are the normalized sum of their sources.
func mergeVertices(s *Soup, tol float64) ([]int, []r3.Vec, []r3.Vec) {
	n := len(s.Vertices)
	remap := make([]int, n)
	for i := range remap {
		remap[i] = -1
	}

	points := make(vertexPoints, n)
	for i, v := range s.Vertices {
		points[i] = vertexPoint{pos: v, idx: i}
	}
	tree := kdtree.New(points, false)

	hasNormals := len(s.Normals) == n
	vertices := make([]r3.Vec, 0, n)
	var normals []r3.Vec
	if hasNormals {
		normals = make([]r3.Vec, 0, n)
	}

	tol2 := tol * tol
	var found []int
	for i := 0; i < n; i++ {
		if remap[i] >= 0 {
			continue
		}
		id := len(vertices)
		remap[i] = id
		vertices = append(vertices, s.Vertices[i])
		var normal r3.Vec
		if hasNormals {
			normal = s.Normals[i]
		}

		keeper := kdtree.NewDistKeeper(tol2)
		tree.NearestSet(keeper, vertexPoint{pos: s.Vertices[i], idx: i})
		found = found[:0]
		for _, item := range keeper.Heap {
			// Skip the sentinel value
			if item.Comparable == nil {
				continue
			}
			j := item.Comparable.(vertexPoint).idx
			if remap[j] < 0 {
				found = append(found, j)
			}
		}
		sort.Ints(found)
		for _, j := range found {
			remap[j] = id
			if hasNormals {
				normal = r3.Add(normal, s.Normals[j])
			}
		}
		if hasNormals {
			normals = append(normals, unitOrZero(normal))
		}
	}
	return remap, vertices, normals
}

// faceComponents groups triangle indices into components connected through
// shared edges. Components are ordered by their first triangle and list
// triangles in ascending order.
func faceComponents(triangles [][3]int) [][]int {
	parent := make([]int, len(triangles))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	owner := make(map[Edge]int, len(triangles)*3/2)
	for f, t := range triangles {
		for k := 0; k < 3; k++ {
			e := MakeEdge(t[k], t[(k+1)%3])
			if o, ok := owner[e]; ok {
				union(f, o)
			} else {
				owner[e] = f
			}
		}
	}

	index := make(map[int]int)
	var components [][]int
	for f := range triangles {
		r := find(f)
		c, ok := index[r]
		if !ok {
			c = len(components)
			index[r] = c
			components = append(components, nil)
		}
		components[c] = append(components[c], f)
	}
	return components
}

// largestComponent returns the index of the component with the most
// distinct vertices, then the most triangles, then the lowest index.
func largestComponent(components [][]int, triangles [][3]int, numVertices int) int {
	stamp := make([]int, numVertices)
	best, bestVerts, bestFaces := -1, -1, -1
	for c, faces := range components {
		verts := 0
		for _, f := range faces {
			for _, v := range triangles[f] {
				if stamp[v] != c+1 {
					stamp[v] = c + 1
					verts++
				}
			}
		}
		if verts > bestVerts || (verts == bestVerts && len(faces) > bestFaces) {
			best, bestVerts, bestFaces = c, verts, len(faces)
		}
	}
	return best
}

// Components returns the edge-connected components of the mesh as lists of
// triangle indices.
func Components(m *Mesh) [][]int {
	return faceComponents(m.Triangles)
}

// compact builds a mesh from the selected faces, dropping unreferenced
// vertices while keeping the surviving vertices in their original order.
func compact(faces []int, triangles [][3]int, vertices, normals []r3.Vec) *Mesh {
	used := make([]bool, len(vertices))
	for _, f := range faces {
		for _, v := range triangles[f] {
			used[v] = true
		}
	}
	newIndex := make([]int, len(vertices))
	out := &Mesh{}
	for i, u := range used {
		if !u {
			continue
		}
		newIndex[i] = len(out.Vertices)
		out.Vertices = append(out.Vertices, vertices[i])
		if normals != nil {
			out.Normals = append(out.Normals, normals[i])
		}
	}
	out.Triangles = make([][3]int, len(faces))
	for i, f := range faces {
		t := triangles[f]
		out.Triangles[i] = [3]int{newIndex[t[0]], newIndex[t[1]], newIndex[t[2]]}
	}
	if normals == nil {
		out.ComputeNormals()
	} else {
		// merged normals of opposite sign cancel; fall back to face normals
		face := vertexNormals(out.Vertices, out.Triangles)
		for i, n := range out.Normals {
			if n == (r3.Vec{}) {
				out.Normals[i] = face[i]
			}
		}
	}
	return out
}
