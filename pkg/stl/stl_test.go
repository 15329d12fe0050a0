package stl

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/unixpickle/model3d/model3d"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/internal/models"
	"labelmesh/pkg/isosurface"
	"labelmesh/pkg/mesh"
)

func xyz(x, y, z float64) model3d.Coord3D {
	return model3d.Coord3D{X: x, Y: y, Z: z}
}

// sphereMesh extracts and cleans a sphere from a 20x20x20 binary volume
func sphereMesh(t testing.TB) *mesh.Mesh {
	size := 20
	spacing := models.Spacing{X: 1, Y: 1, Z: 1}
	field := &models.ScalarVolume{
		Data:    make([]float64, size*size*size),
		Width:   size,
		Height:  size,
		Depth:   size,
		Spacing: spacing,
		Affine:  models.ScaleAffine(spacing),
	}
	radius := float64(size) / 4.0
	center := float64(size) / 2.0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - center
				dy := float64(y) - center
				dz := float64(z) - center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					field.Set(x, y, z, 1)
				}
			}
		}
	}
	soup, err := isosurface.Extract(field, isosurface.DefaultParams())
	require.NoError(t, err)
	m, err := mesh.Clean(soup, mesh.DefaultCleanParams(spacing))
	require.NoError(t, err)
	return m
}

// TestFromMeshNormalsPointOutward checks facet normals of a sphere
func TestFromMeshNormalsPointOutward(t *testing.T) {
	triangles := FromMesh(sphereMesh(t))

	if len(triangles) < 100 {
		t.Errorf("Expected at least 100 triangles for sphere, got %d", len(triangles))
	}

	center := xyz(10, 10, 10)
	for i, triangle := range triangles {
		c := triangle[0].Add(triangle[1]).Add(triangle[2]).Scale(1.0 / 3).Sub(center)
		n := normal(triangle)
		if dot := c.Dot(n); dot <= 0 {
			t.Errorf("Triangle %d normal points inward, dot product: %f", i, dot)
		}
		assert.InDelta(t, 1.0, n.Norm(), 1e-9)
	}
}

// TestSaveToSTL verifies that the STL file can be written
func TestSaveToSTL(t *testing.T) {
	triangles := []*model3d.Triangle{
		{xyz(0, 0, 0), xyz(1, 0, 0), xyz(0, 1, 0)},
	}

	path := filepath.Join(t.TempDir(), "test.stl")
	if err := SaveToSTL(path, triangles, "single"); err != nil {
		t.Fatalf("Failed to save STL: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat output file: %v", err)
	}

	// STL header: 80 bytes
	// Number of triangles: 4 bytes
	// Triangle: 50 bytes (12 bytes per vertex, 12 bytes per normal, 2 bytes attribute)
	if want := int64(80 + 4 + 50); info.Size() != want {
		t.Errorf("STL file size: expected %d bytes, got %d", want, info.Size())
	}

	back, header, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "single", header)
	assert.Equal(t, 3, back.VertexCount())
	assert.Equal(t, [][3]int{{0, 1, 2}}, back.Triangles)
}

func TestFromSoupKeepsEveryFacet(t *testing.T) {
	m := sphereMesh(t)
	soup := &mesh.Soup{Vertices: m.Vertices, Triangles: m.Triangles}
	assert.Equal(t, FromMesh(m), FromSoup(soup))
	assert.Len(t, FromSoup(soup), m.TriangleCount())
}

func TestRoundTripKeepsTopology(t *testing.T) {
	m := sphereMesh(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FromMesh(m), "run 1234"))
	assert.Equal(t, 84+50*m.TriangleCount(), buf.Len())

	back, header, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, "run 1234", header)
	assert.Equal(t, m.VertexCount(), back.VertexCount())
	assert.Equal(t, m.TriangleCount(), back.TriangleCount())
	assert.True(t, back.IsClosed())
	assert.InEpsilon(t, m.Volume(), back.Volume(), 1e-5)

	want, got := m.Bounds(), back.Bounds()
	assert.InDelta(t, 0, r3.Norm(r3.Sub(want.Min, got.Min)), 1e-5)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(want.Max, got.Max)), 1e-5)
}

func TestSaveAndLoad(t *testing.T) {
	m := sphereMesh(t)
	path := filepath.Join(t.TempDir(), "sphere.stl")
	require.NoError(t, SaveToSTL(path, FromMesh(m), "sphere"))

	back, header, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sphere", header)
	assert.Equal(t, m.TriangleCount(), back.TriangleCount())

	_, _, err = Load(filepath.Join(t.TempDir(), "absent.stl"))
	assert.Error(t, err)
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FromMesh(sphereMesh(t)), ""))
	truncated := buf.Bytes()[:buf.Len()-10]
	_, _, err := Read(bytes.NewReader(truncated))
	assert.Error(t, err)

	_, _, err = Read(strings.NewReader("solid"))
	assert.Error(t, err)
}

func TestWriteASCII(t *testing.T) {
	triangles := []*model3d.Triangle{
		{xyz(0, 0, 0), xyz(1, 0, 0), xyz(0, 1, 0)},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteASCII(&buf, triangles, "left ventricle"))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "solid left_ventricle\n"))
	assert.True(t, strings.HasSuffix(out, "endsolid left_ventricle\n"))
	assert.Equal(t, 3, strings.Count(out, "vertex "))
	assert.Contains(t, out, "facet normal 0.000000e+00 0.000000e+00 1.000000e+00")
}

func BenchmarkWrite(b *testing.B) {
	triangles := FromMesh(sphereMesh(b))
	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := Write(&buf, triangles, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}
