package smoothing

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/internal/stageerr"
	"labelmesh/pkg/mesh"
)

// featureTolerance keeps dihedral angles equal to the feature angle from
// being classified as features.
const featureTolerance = 1e-9

// EdgeClass classifies a mesh edge for smoothing.
type EdgeClass int

const (
	// Interior edges are shared by two faces meeting at a shallow angle
	Interior EdgeClass = iota
	// Boundary edges belong to a single face
	Boundary
	// NonManifold edges are shared by more than two faces
	NonManifold
	// Feature edges join two faces whose normals differ by more than the
	// feature angle
	Feature
)

func (c EdgeClass) String() string {
	switch c {
	case Interior:
		return "interior"
	case Boundary:
		return "boundary"
	case NonManifold:
		return "non-manifold"
	case Feature:
		return "feature"
	}
	return "unknown"
}

// topology is the smoothing stencil of every vertex. A nil stencil marks a
// fixed vertex.
type topology struct {
	stencils [][]int
	counts   map[EdgeClass]int
	fixed    int
}

// ClassifyEdges returns the class of every undirected edge of m.
func ClassifyEdges(m *mesh.Mesh, featureAngle float64) map[mesh.Edge]EdgeClass {
	faces := edgeFaces(m.Triangles)
	normals := make([]r3.Vec, len(m.Triangles))
	for i, t := range m.Triangles {
		n := mesh.FaceNormal(m.Vertices, t)
		if l := r3.Norm(n); l > 0 {
			normals[i] = r3.Scale(1/l, n)
		}
	}
	cosAngle := math.Cos(featureAngle * math.Pi / 180)

	classes := make(map[mesh.Edge]EdgeClass, len(faces))
	for e, fs := range faces {
		switch {
		case len(fs) == 1:
			classes[e] = Boundary
		case len(fs) > 2:
			classes[e] = NonManifold
		case r3.Dot(normals[fs[0]], normals[fs[1]]) < cosAngle-featureTolerance:
			classes[e] = Feature
		default:
			classes[e] = Interior
		}
	}
	return classes
}

func edgeFaces(triangles [][3]int) map[mesh.Edge][]int {
	faces := make(map[mesh.Edge][]int, len(triangles)*3/2)
	for f, t := range triangles {
		for k := 0; k < 3; k++ {
			e := mesh.MakeEdge(t[k], t[(k+1)%3])
			faces[e] = append(faces[e], f)
		}
	}
	return faces
}

// buildTopology derives the smoothing stencils. A vertex touching no
// special edge moves towards all its neighbours. A vertex on special edges
// is fixed if any of those edge classes is disabled, moves along the edge
// line when it has exactly two special edges, and is a fixed corner
// otherwise.
func buildTopology(m *mesh.Mesh, p Params) (*topology, error) {
	if err := m.Validate(); err != nil {
		return nil, stageerr.TopologyFailure(stageerr.StageSmoother, "triangles", nil, "%v", err)
	}

	enabled := map[EdgeClass]bool{
		Boundary:    p.SmoothBoundaryEdges,
		NonManifold: p.SmoothNonManifoldEdges,
		Feature:     p.SmoothFeatureEdges,
	}

	n := len(m.Vertices)
	neighbours := make([][]int, n)
	special := make([][]int, n)
	locked := make([]bool, n)
	topo := &topology{stencils: make([][]int, n), counts: map[EdgeClass]int{}}

	for e, class := range ClassifyEdges(m, p.FeatureAngle) {
		topo.counts[class]++
		neighbours[e.A] = append(neighbours[e.A], e.B)
		neighbours[e.B] = append(neighbours[e.B], e.A)
		if class == Interior {
			continue
		}
		special[e.A] = append(special[e.A], e.B)
		special[e.B] = append(special[e.B], e.A)
		if !enabled[class] {
			locked[e.A] = true
			locked[e.B] = true
		}
	}

	for v := 0; v < n; v++ {
		if len(neighbours[v]) == 0 {
			return nil, stageerr.TopologyFailure(stageerr.StageSmoother, "vertex", v, "vertex has no neighbours")
		}
		switch {
		case locked[v]:
		case len(special[v]) == 0:
			topo.stencils[v] = neighbours[v]
		case len(special[v]) == 2:
			topo.stencils[v] = special[v]
		}
		if topo.stencils[v] == nil {
			topo.fixed++
			continue
		}
		// map iteration order is random; a fixed order keeps sums reproducible
		sort.Ints(topo.stencils[v])
	}
	return topo, nil
}
