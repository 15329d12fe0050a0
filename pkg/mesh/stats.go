package mesh

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Summary holds the quality figures reported for a mesh.
type Summary struct {
	Vertices       int
	Triangles      int
	Edges          int
	BoundaryEdges  int
	NonManifold    int
	Components     int
	Closed         bool
	Area           float64
	Volume         float64
	EdgeLengthMean float64
	EdgeLengthStd  float64
	Bounds         r3.Box
}

// Summarize computes the quality figures of m.
func Summarize(m *Mesh) Summary {
	s := Summary{
		Vertices:  len(m.Vertices),
		Triangles: len(m.Triangles),
	}
	if len(m.Triangles) == 0 {
		return s
	}

	uses := m.EdgeUses()
	edges := make([]Edge, 0, len(uses))
	for e, n := range uses {
		edges = append(edges, e)
		switch {
		case n == 1:
			s.BoundaryEdges++
		case n > 2:
			s.NonManifold++
		}
	}
	// map order is random; sort so the floating point sums are reproducible
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	lengths := make([]float64, len(edges))
	for i, e := range edges {
		lengths[i] = r3.Norm(r3.Sub(m.Vertices[e.A], m.Vertices[e.B]))
	}

	s.Edges = len(edges)
	s.Closed = s.BoundaryEdges == 0 && s.NonManifold == 0
	s.Components = len(Components(m))
	s.Area = m.Area()
	s.Volume = m.Volume()
	s.EdgeLengthMean, s.EdgeLengthStd = stat.MeanStdDev(lengths, nil)
	s.Bounds = m.Bounds()
	return s
}
