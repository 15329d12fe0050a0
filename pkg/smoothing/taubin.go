// Package smoothing implements Taubin's lambda/mu surface smoothing.
//
// Plain Laplacian smoothing moves every vertex towards the centroid of its
// neighbours and shrinks the surface. Taubin's filter alternates a
// shrinking step with factor lambda and an inflating step with factor mu,
// where mu < -lambda, which acts as a low-pass filter on the surface: high
// frequency noise (the staircase left by marching cubes on a binary label)
// is removed while the overall size is kept.
//
// The two factors follow from the pass-band frequency kPB:
//
//	1/lambda + 1/mu = kPB
//
// with lambda fixed at 0.5.
package smoothing

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/internal/logging"
	"labelmesh/internal/stageerr"
	"labelmesh/pkg/mesh"
)

// Lambda is the shrinking factor of every iteration.
const Lambda = 0.5

// Params controls the smoother.
type Params struct {
	// Iterations is the number of lambda/mu pairs; 0 returns the input
	Iterations int

	// PassBand is the pass-band frequency kPB in (0, 2); smaller values
	// smooth more
	PassBand float64

	// SmoothNonManifoldEdges lets vertices on edges shared by more than
	// two faces move
	SmoothNonManifoldEdges bool

	// SmoothFeatureEdges lets vertices on sharp edges move
	SmoothFeatureEdges bool

	// SmoothBoundaryEdges lets vertices on open borders move
	SmoothBoundaryEdges bool

	// FeatureAngle in degrees; adjacent faces whose normals differ by more
	// form a feature edge
	FeatureAngle float64

	// Normalize scales coordinates into a unit box while smoothing
	Normalize bool
}

// DefaultParams returns the smoothing settings used for label surfaces.
func DefaultParams() Params {
	return Params{
		Iterations:             30,
		PassBand:               0.1,
		SmoothNonManifoldEdges: true,
		SmoothFeatureEdges:     true,
		SmoothBoundaryEdges:    true,
		FeatureAngle:           45,
		Normalize:              true,
	}
}

// Mu returns the inflating factor for the pass band.
func (p Params) Mu() float64 {
	return 1 / (p.PassBand - 1/Lambda)
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.Iterations < 0 {
		return stageerr.InvalidParameter(stageerr.StageSmoother, "iterations", p.Iterations,
			"must not be negative")
	}
	if !(p.PassBand > 0 && p.PassBand < 2) {
		return stageerr.InvalidParameter(stageerr.StageSmoother, "passBand", p.PassBand,
			"must be in (0, 2)")
	}
	if !(p.FeatureAngle >= 0 && p.FeatureAngle <= 180) {
		return stageerr.InvalidParameter(stageerr.StageSmoother, "featureAngle", p.FeatureAngle,
			"must be in [0, 180] degrees")
	}
	return nil
}

// Result is the outcome of Smooth.
type Result struct {
	// Mesh is the smoothed mesh, or a copy of the input when Warning is set
	Mesh *mesh.Mesh

	// Warning reports why smoothing was skipped
	Warning error

	// Iterations is the number of completed iterations
	Iterations int

	// MaxDisplacement is the largest vertex movement of each iteration
	MaxDisplacement []float64
}

// Smooth applies Taubin smoothing to m. The input is never modified and
// the result has the same vertex count and triangles; only positions and
// normals change.
//
// Smooth does not fail. Invalid parameters or a mesh that cannot be
// smoothed (a vertex without neighbours, an out of range index, a
// non-finite position) produce a copy of the input with Warning set.
func Smooth(m *mesh.Mesh, p Params) Result {
	if m == nil {
		return warn(&mesh.Mesh{}, stageerr.TopologyFailure(stageerr.StageSmoother, "mesh", nil, "no mesh"))
	}
	if err := p.Validate(); err != nil {
		return warn(m.Clone(), err)
	}
	if m.Empty() {
		return warn(m.Clone(), stageerr.TopologyFailure(stageerr.StageSmoother, "triangles", 0,
			"mesh has no triangles"))
	}
	if p.Iterations == 0 {
		return Result{Mesh: m.Clone()}
	}

	topo, err := buildTopology(m, p)
	if err != nil {
		return warn(m.Clone(), err)
	}
	logging.Diagf("smoothing %d vertices: %d boundary, %d non-manifold, %d feature edges, %d fixed vertices",
		len(m.Vertices), topo.counts[Boundary], topo.counts[NonManifold], topo.counts[Feature], topo.fixed)

	centre, scale := r3.Vec{}, 1.0
	if p.Normalize {
		centre, scale = normalization(m)
	}
	pos := make([]r3.Vec, len(m.Vertices))
	for i, v := range m.Vertices {
		pos[i] = r3.Scale(1/scale, r3.Sub(v, centre))
	}

	mu := p.Mu()
	tmp := make([]r3.Vec, len(pos))
	start := make([]r3.Vec, len(pos))
	res := Result{MaxDisplacement: make([]float64, 0, p.Iterations)}
	for iter := 0; iter < p.Iterations; iter++ {
		copy(start, pos)
		topo.step(pos, tmp, Lambda)
		topo.step(tmp, pos, mu)

		var maxMove float64
		for i := range pos {
			if !finite(pos[i]) {
				return warn(m.Clone(), stageerr.TopologyFailure(stageerr.StageSmoother, "vertex", i,
					"non-finite position after iteration %d", iter+1))
			}
			maxMove = math.Max(maxMove, r3.Norm(r3.Sub(pos[i], start[i]))*scale)
		}
		res.MaxDisplacement = append(res.MaxDisplacement, maxMove)
		res.Iterations++
		logging.Tracef("taubin iteration %d/%d: max displacement %.6g", iter+1, p.Iterations, maxMove)
	}

	out := &mesh.Mesh{
		Vertices:  make([]r3.Vec, len(pos)),
		Triangles: make([][3]int, len(m.Triangles)),
	}
	for i, v := range pos {
		out.Vertices[i] = r3.Add(r3.Scale(scale, v), centre)
	}
	copy(out.Triangles, m.Triangles)
	out.ComputeNormals()
	res.Mesh = out
	return res
}

// step writes one Jacobi Laplacian update with factor f from src to dst
func (t *topology) step(src, dst []r3.Vec, f float64) {
	for i, p := range src {
		s := t.stencils[i]
		if s == nil {
			dst[i] = p
			continue
		}
		var c r3.Vec
		for _, j := range s {
			c = r3.Add(c, src[j])
		}
		c = r3.Scale(1/float64(len(s)), c)
		dst[i] = r3.Add(p, r3.Scale(f, r3.Sub(c, p)))
	}
}

// normalization returns the bounding box centre and largest extent of m
func normalization(m *mesh.Mesh) (r3.Vec, float64) {
	b := m.Bounds()
	centre := r3.Scale(0.5, r3.Add(b.Min, b.Max))
	size := r3.Sub(b.Max, b.Min)
	scale := math.Max(size.X, math.Max(size.Y, size.Z))
	if !(scale > 0) || math.IsInf(scale, 0) {
		scale = 1
	}
	return centre, scale
}

func finite(v r3.Vec) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func warn(m *mesh.Mesh, err error) Result {
	logging.Opsf("smoothing skipped: %v", err)
	return Result{Mesh: m, Warning: err}
}
