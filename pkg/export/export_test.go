package export

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/internal/stageerr"
	"labelmesh/pkg/mesh"
	"labelmesh/pkg/stl"
)

func tetrahedron() *mesh.Mesh {
	m := &mesh.Mesh{
		Vertices:  []r3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}},
		Triangles: [][3]int{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}},
	}
	m.ComputeNormals()
	return m
}

func TestSaveDispatchesOnExtension(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	m := tetrahedron()

	for _, name := range []string{"mesh.stl", "mesh.OBJ", "mesh.ply"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, m, Options{Header: "tetra"}), name)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	back, header, err := stl.Load(filepath.Join(dir, "mesh.stl"))
	require.NoError(t, err)
	assert.Equal(t, "tetra", header)
	assert.Equal(t, 4, back.VertexCount())
	assert.True(t, back.IsClosed())
}

func TestSaveASCIISTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.stl")
	require.NoError(t, Save(path, tetrahedron(), Options{ASCII: true, Header: "tetra"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "solid tetra"))
	assert.Equal(t, 4, strings.Count(string(data), "endfacet"))
}

func TestSaveErrors(t *testing.T) {
	dir := t.TempDir()
	err := Save(filepath.Join(dir, "mesh.vtk"), tetrahedron(), Options{})
	assert.True(t, errors.Is(err, stageerr.ErrInvalidParameter))
	assert.Equal(t, stageerr.StageExporter, stageerr.StageOf(err))

	err = Save(filepath.Join(dir, "mesh.stl"), &mesh.Mesh{}, Options{})
	assert.True(t, errors.Is(err, stageerr.ErrEmptyMesh))
}

func TestWriteOBJ(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOBJ(&buf, tetrahedron(), Options{Header: "tetra"}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	assert.Equal(t, "# tetra", lines[0])
	assert.Equal(t, "v 0.000000 0.000000 0.000000", lines[1])
	assert.Equal(t, 4, strings.Count(buf.String(), "\nvn "))
	assert.Equal(t, "f 1//1 3//3 2//2", lines[9])
	assert.Len(t, lines, 13)

	plain := tetrahedron()
	plain.Normals = nil
	buf.Reset()
	require.NoError(t, WriteOBJ(&buf, plain, Options{}))
	assert.NotContains(t, buf.String(), "vn")
	assert.Contains(t, buf.String(), "f 1 3 2\n")
}

func TestWritePLY(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePLY(&buf, tetrahedron(), Options{}))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "ply\nformat ascii 1.0\n"))
	assert.Contains(t, out, "element vertex 4\n")
	assert.Contains(t, out, "property float nx\n")
	assert.Contains(t, out, "element face 4\n")
	assert.Contains(t, out, "3 0 2 1\n")

	body := strings.SplitN(out, "end_header\n", 2)[1]
	assert.Len(t, strings.Split(strings.TrimSpace(body), "\n"), 8)
}
