// Package isosurface extracts triangle surfaces from scalar volumes with the
// marching cubes algorithm.
//
// The volume is sampled on a lattice of cubes. Each cube's eight corner
// values are compared with the isolevel to form an 8-bit configuration,
// which indexes two static tables: edgeTable lists the cube edges the
// surface crosses and triTable lists the triangles connecting those
// crossings. Crossing positions are interpolated linearly along the edges.
//
// The output is a vertex soup: every cube emits its own vertices, so a
// vertex on an edge shared by four cubes appears four times. The mesh
// package merges them.
package isosurface

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/internal/logging"
	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
	"labelmesh/pkg/mesh"
	"labelmesh/pkg/volume"
)

// nudge is the relative offset applied to corner values equal to the
// isolevel.
const nudge = 1e-9

// Params controls the extraction.
type Params struct {
	// IsoLevel is the threshold separating inside (>=) from outside (<)
	IsoLevel float64

	// Stride is the cube edge length in voxels; 1 samples every voxel
	Stride int

	// Pad surrounds the field with one voxel below the isolevel so that
	// regions touching the volume border produce closed surfaces. The
	// isolevel range is checked on the padded grid, so a field that lies
	// entirely inside yields its bounding surface.
	Pad bool
}

// DefaultParams returns the extraction settings for a filtered label field.
func DefaultParams() Params {
	return Params{
		IsoLevel: 0.5,
		Stride:   1,
	}
}

// Validate checks the parameters that do not depend on the field.
func (p Params) Validate() error {
	if math.IsNaN(p.IsoLevel) || math.IsInf(p.IsoLevel, 0) {
		return stageerr.InvalidParameter(stageerr.StageExtractor, "isoLevel", p.IsoLevel, "must be finite")
	}
	if p.Stride < 1 {
		return stageerr.InvalidParameter(stageerr.StageExtractor, "stride", p.Stride, "must be at least 1")
	}
	return nil
}

// Extract runs marching cubes over field and returns the vertex soup.
//
// Vertex positions are voxel indices scaled by the field spacing. Normals
// are the negated, interpolated field gradient, so for a blob of high
// values they point outward; triangles wind counter-clockwise seen from
// the side the normals point to.
//
// An isolevel below the field minimum is rejected unless Pad is set. An
// isolevel above the field maximum yields an empty soup and no error.
func Extract(field *models.ScalarVolume, p Params) (*mesh.Soup, error) {
	if field == nil {
		return nil, stageerr.MissingInput(stageerr.StageExtractor, "field", nil, nil)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if field.Width < 2 || field.Height < 2 || field.Depth < 2 {
		return nil, stageerr.InvalidParameter(stageerr.StageExtractor, "dimensions",
			[3]int{field.Width, field.Height, field.Depth}, "every dimension must be at least 2")
	}
	if err := volume.Validate(field); err != nil {
		return nil, err
	}

	lo, hi := volume.Range(field)
	if p.IsoLevel > hi {
		logging.Diagf("isolevel %g above field maximum %g, no surface", p.IsoLevel, hi)
		return &mesh.Soup{}, nil
	}

	grid := field
	offset := 0
	if p.Pad {
		fill := lo
		if fill >= p.IsoLevel {
			fill = p.IsoLevel - 1
		}
		grid = volume.Pad(field, 1, fill)
		offset = 1
		lo = fill
	}
	if p.IsoLevel < lo {
		return nil, stageerr.InvalidParameter(stageerr.StageExtractor, "isoLevel", p.IsoLevel,
			"below the field minimum %g", lo)
	}

	e := newExtractor(grid, p.IsoLevel, offset)
	soup := e.run(p.Stride)
	logging.Diagf("marching cubes: %d vertices, %d triangles (iso %g, stride %d, %d cubes)",
		soup.VertexCount(), soup.TriangleCount(), p.IsoLevel, p.Stride, e.cubes)
	return soup, nil
}

// extractor holds the per-run state of Extract
type extractor struct {
	v       *models.ScalarVolume
	iso     float64
	eps     float64
	offset  int
	spacing [3]float64
	cubes   int
	soup    *mesh.Soup
}

func newExtractor(v *models.ScalarVolume, iso float64, offset int) *extractor {
	return &extractor{
		v:       v,
		iso:     iso,
		eps:     nudge * math.Max(1, math.Abs(iso)),
		offset:  offset,
		spacing: v.Spacing.Array(),
		soup:    &mesh.Soup{},
	}
}

// samples returns the lattice coordinates 0, s, 2s, ... along an axis of n
// voxels, ending with n-1.
func samples(n, stride int) []int {
	var out []int
	for i := 0; i < n-1; i += stride {
		out = append(out, i)
	}
	return append(out, n-1)
}

func (e *extractor) run(stride int) *mesh.Soup {
	xs := samples(e.v.Width, stride)
	ys := samples(e.v.Height, stride)
	zs := samples(e.v.Depth, stride)

	var corners [8][3]int
	var values [8]float64
	for k := 0; k+1 < len(zs); k++ {
		for j := 0; j+1 < len(ys); j++ {
			for i := 0; i+1 < len(xs); i++ {
				cx := [2]int{xs[i], xs[i+1]}
				cy := [2]int{ys[j], ys[j+1]}
				cz := [2]int{zs[k], zs[k+1]}
				config := 0
				for c, o := range cornerOffsets {
					corners[c] = [3]int{cx[o[0]], cy[o[1]], cz[o[2]]}
					values[c] = e.value(corners[c])
					if values[c] < e.iso {
						config |= 1 << uint(c)
					}
				}
				e.cubes++
				e.polygonise(config, &corners, &values)
			}
		}
	}
	e.fixNormals()
	return e.soup
}

// value returns the field value at a lattice point, nudged off the isolevel
func (e *extractor) value(p [3]int) float64 {
	v := e.v.At(p[0], p[1], p[2])
	if v == e.iso {
		v += e.eps
	}
	return v
}

func (e *extractor) polygonise(config int, corners *[8][3]int, values *[8]float64) {
	edges := edgeTable[config]
	if edges == 0 {
		return
	}

	var local [12]int
	for edge := 0; edge < 12; edge++ {
		if edges&(1<<uint(edge)) == 0 {
			continue
		}
		a, b := edgeCorners[edge][0], edgeCorners[edge][1]
		// interpolate from the lower lattice point so that neighbouring
		// cubes compute identical positions
		if less(corners[b], corners[a]) {
			a, b = b, a
		}
		local[edge] = e.crossing(corners[a], corners[b], values[a], values[b])
	}

	row := triTable[config]
	for t := 0; t+2 < len(row) && row[t] >= 0; t += 3 {
		e.soup.Triangles = append(e.soup.Triangles,
			[3]int{local[row[t]], local[row[t+1]], local[row[t+2]]})
	}
}

func less(a, b [3]int) bool {
	return a[0]+a[1]+a[2] < b[0]+b[1]+b[2]
}

// crossing appends the vertex where the surface crosses the lattice edge
// from a to b and returns its index.
func (e *extractor) crossing(a, b [3]int, va, vb float64) int {
	mu := (e.iso - va) / (vb - va)
	if mu < 0 || math.IsNaN(mu) {
		mu = 0
	} else if mu > 1 {
		mu = 1
	}

	pa, pb := e.position(a), e.position(b)
	pos := r3.Add(pa, r3.Scale(mu, r3.Sub(pb, pa)))

	ga, gb := e.gradient(a), e.gradient(b)
	g := r3.Add(ga, r3.Scale(mu, r3.Sub(gb, ga)))
	normal := r3.Vec{}
	if n := r3.Norm(g); n > 0 {
		normal = r3.Scale(-1/n, g)
	}

	e.soup.Vertices = append(e.soup.Vertices, pos)
	e.soup.Normals = append(e.soup.Normals, normal)
	return len(e.soup.Vertices) - 1
}

// position maps a lattice point to physical coordinates, undoing padding
func (e *extractor) position(p [3]int) r3.Vec {
	return r3.Vec{
		X: float64(p[0]-e.offset) * e.spacing[0],
		Y: float64(p[1]-e.offset) * e.spacing[1],
		Z: float64(p[2]-e.offset) * e.spacing[2],
	}
}

// gradient returns the central-difference gradient at a lattice point in
// physical units, one-sided on the border.
func (e *extractor) gradient(p [3]int) r3.Vec {
	dims := [3]int{e.v.Width, e.v.Height, e.v.Depth}
	var g [3]float64
	for axis := 0; axis < 3; axis++ {
		lo, hi := p, p
		if p[axis] > 0 {
			lo[axis]--
		}
		if p[axis] < dims[axis]-1 {
			hi[axis]++
		}
		steps := hi[axis] - lo[axis]
		if steps == 0 {
			continue
		}
		d := e.v.At(hi[0], hi[1], hi[2]) - e.v.At(lo[0], lo[1], lo[2])
		g[axis] = d / (float64(steps) * e.spacing[axis])
	}
	return r3.Vec{X: g[0], Y: g[1], Z: g[2]}
}

// fixNormals replaces zero gradient normals with the average of the
// incident face normals.
func (e *extractor) fixNormals() {
	var missing bool
	for _, n := range e.soup.Normals {
		if n == (r3.Vec{}) {
			missing = true
			break
		}
	}
	if !missing {
		return
	}
	sum := make([]r3.Vec, len(e.soup.Vertices))
	for _, t := range e.soup.Triangles {
		fn := mesh.FaceNormal(e.soup.Vertices, t)
		for _, v := range t {
			sum[v] = r3.Add(sum[v], fn)
		}
	}
	for i, n := range e.soup.Normals {
		if n != (r3.Vec{}) {
			continue
		}
		if l := r3.Norm(sum[i]); l > 0 {
			e.soup.Normals[i] = r3.Scale(1/l, sum[i])
		}
	}
}
