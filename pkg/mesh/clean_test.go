package mesh

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/internal/models"
	"labelmesh/internal/stageerr"
)

// explode turns a mesh into a soup with three private vertices per triangle
func explode(m *Mesh, offset r3.Vec) *Soup {
	s := &Soup{}
	for _, t := range m.Triangles {
		base := len(s.Vertices)
		for _, v := range t {
			s.Vertices = append(s.Vertices, r3.Add(m.Vertices[v], offset))
			s.Normals = append(s.Normals, m.Normals[v])
		}
		s.Triangles = append(s.Triangles, [3]int{base, base + 1, base + 2})
	}
	return s
}

// appendSoup adds the vertices and triangles of b to a
func appendSoup(a, b *Soup) *Soup {
	base := len(a.Vertices)
	out := &Soup{
		Vertices: append(append([]r3.Vec{}, a.Vertices...), b.Vertices...),
		Normals:  append(append([]r3.Vec{}, a.Normals...), b.Normals...),
	}
	out.Triangles = append(out.Triangles, a.Triangles...)
	for _, t := range b.Triangles {
		out.Triangles = append(out.Triangles, [3]int{t[0] + base, t[1] + base, t[2] + base})
	}
	return out
}

func TestCleanMergesCoincidentVertices(t *testing.T) {
	soup := explode(unitCube(), r3.Vec{})
	require.Equal(t, 36, soup.VertexCount())

	m, report, err := CleanWithReport(soup, DefaultCleanParams(models.Spacing{X: 1, Y: 1, Z: 1}))
	require.NoError(t, err)
	assert.Equal(t, 8, m.VertexCount())
	assert.Equal(t, 12, m.TriangleCount())
	assert.True(t, m.IsClosed())
	assert.InDelta(t, 1.0, m.Volume(), 1e-12)
	assert.Equal(t, 28, report.MergedVertices)
	assert.Equal(t, 0, report.DegenerateTriangles)
	assert.Equal(t, 1, report.Components)

	// first occurrence order is kept: soup vertex 0 is cube vertex 0
	assert.Equal(t, r3.Vec{}, m.Vertices[0])
	for _, n := range m.Normals {
		assert.InDelta(t, 1.0, r3.Norm(n), 1e-12)
	}
}

func TestCleanMergesWithinTolerance(t *testing.T) {
	soup := explode(unitCube(), r3.Vec{})
	// jitter below the tolerance
	soup.Vertices[5] = r3.Add(soup.Vertices[5], r3.Vec{X: 1e-7})

	m, err := Clean(soup, CleanParams{Tolerance: 1e-5})
	require.NoError(t, err)
	assert.Equal(t, 8, m.VertexCount())

	// and above it
	soup.Vertices[5] = r3.Add(soup.Vertices[5], r3.Vec{X: 1e-3})
	m, err = Clean(soup, CleanParams{Tolerance: 1e-5})
	require.NoError(t, err)
	assert.Equal(t, 9, m.VertexCount())
	assert.False(t, m.IsClosed())
}

func TestCleanDropsDegenerateTriangles(t *testing.T) {
	cube := unitCube().Clone()
	soup := &Soup{Vertices: cube.Vertices, Triangles: cube.Triangles, Normals: cube.Normals}
	soup.Triangles = append(soup.Triangles,
		[3]int{0, 0, 1}, // repeated index
		[3]int{0, 1, 1},
	)
	// three collinear points
	soup.Vertices = append(soup.Vertices, r3.Vec{X: 2}, r3.Vec{X: 3})
	soup.Normals = append(soup.Normals, r3.Vec{Z: 1}, r3.Vec{Z: 1})
	soup.Triangles = append(soup.Triangles, [3]int{1, 8, 9})

	m, report, err := CleanWithReport(soup, CleanParams{Tolerance: 1e-6})
	require.NoError(t, err)
	assert.Equal(t, 3, report.DegenerateTriangles)
	assert.Equal(t, 12, m.TriangleCount())
	// the collinear vertices are no longer referenced
	assert.Equal(t, 8, m.VertexCount())
	assert.True(t, m.IsClosed())
}

func TestCleanKeepsLargestComponent(t *testing.T) {
	small := &Soup{
		Vertices:  []r3.Vec{{X: 10}, {X: 11}, {X: 10, Y: 1}},
		Normals:   []r3.Vec{{Z: 1}, {Z: 1}, {Z: 1}},
		Triangles: [][3]int{{0, 1, 2}},
	}
	big := explode(unitCube(), r3.Vec{X: -5})

	// the small piece comes first so the choice is by size, not order
	soup := appendSoup(small, big)
	m, report, err := CleanWithReport(soup, CleanParams{Tolerance: 1e-6})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Components)
	assert.Equal(t, 1, report.KeptComponent)
	assert.Equal(t, 1, report.DiscardedTriangles)
	assert.Equal(t, 8, m.VertexCount())
	assert.Equal(t, 12, m.TriangleCount())
	assert.True(t, m.IsClosed())
	assert.InDelta(t, -5.0, m.Bounds().Min.X, 1e-12)
}

func TestCleanTieKeepsFirstComponent(t *testing.T) {
	a := explode(unitCube(), r3.Vec{})
	b := explode(unitCube(), r3.Vec{Y: 3})
	m, report, err := CleanWithReport(appendSoup(a, b), CleanParams{Tolerance: 1e-6})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Components)
	assert.Equal(t, 0, report.KeptComponent)
	assert.Equal(t, 1.0, m.Bounds().Max.Y)
}

func TestCleanEmptyInput(t *testing.T) {
	m, err := Clean(&Soup{}, CleanParams{Tolerance: 1e-6})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stageerr.ErrEmptyMesh))
	assert.Equal(t, stageerr.StageCleaner, stageerr.StageOf(err))
	require.NotNil(t, m)
	assert.True(t, m.Empty())

	// every triangle degenerate
	soup := &Soup{
		Vertices:  []r3.Vec{{}, {X: 1}},
		Triangles: [][3]int{{0, 0, 1}},
	}
	m, err = Clean(soup, CleanParams{Tolerance: 1e-6})
	assert.True(t, errors.Is(err, stageerr.ErrEmptyMesh))
	assert.True(t, m.Empty())
}

func TestCleanRejectsInvalidInput(t *testing.T) {
	soup := &Soup{
		Vertices:  []r3.Vec{{}, {X: 1}, {Y: 1}},
		Triangles: [][3]int{{0, 1, 3}},
	}
	_, err := Clean(soup, CleanParams{Tolerance: 1e-6})
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))

	soup.Triangles[0][2] = 2
	_, err = Clean(soup, CleanParams{Tolerance: -1})
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))
}

func TestCleanWithoutNormalsComputesThem(t *testing.T) {
	soup := explode(unitCube(), r3.Vec{})
	soup.Normals = nil
	m, err := Clean(soup, CleanParams{Tolerance: 1e-6})
	require.NoError(t, err)
	require.Len(t, m.Normals, 8)
	centre := r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}
	for i, v := range m.Vertices {
		assert.Greater(t, r3.Dot(m.Normals[i], r3.Sub(v, centre)), 0.0)
	}
}

func TestCleanIsDeterministic(t *testing.T) {
	soup := appendSoup(explode(unitCube(), r3.Vec{}), explode(unitCube(), r3.Vec{Z: 0.5}))
	a, err := Clean(soup, CleanParams{Tolerance: 1e-6})
	require.NoError(t, err)
	b, err := Clean(soup, CleanParams{Tolerance: 1e-6})
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(a, b))
}

func TestComponents(t *testing.T) {
	cube := unitCube()
	assert.Len(t, Components(cube), 1)

	two := &Mesh{
		Vertices:  []r3.Vec{{}, {X: 1}, {Y: 1}, {X: 5}, {X: 6}, {X: 5, Y: 1}},
		Triangles: [][3]int{{3, 4, 5}, {0, 1, 2}},
	}
	assert.Equal(t, [][]int{{0}, {1}}, Components(two))

	// triangles meeting at a single vertex are separate components
	fan := &Mesh{
		Vertices:  []r3.Vec{{}, {X: 1}, {Y: 1}, {X: -1}, {Y: -1}},
		Triangles: [][3]int{{0, 1, 2}, {0, 3, 4}},
	}
	assert.Len(t, Components(fan), 2)
}
