// Package export writes meshes to disk in the format chosen by the file
// extension: STL, Wavefront OBJ or ASCII PLY.
package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"labelmesh/internal/logging"
	"labelmesh/internal/stageerr"
	"labelmesh/pkg/mesh"
	"labelmesh/pkg/stl"
)

// Options controls the exporter.
type Options struct {
	// ASCII selects ASCII STL instead of binary
	ASCII bool

	// Header is the STL header or solid name and the OBJ/PLY comment
	Header string
}

// Formats lists the supported file extensions.
var Formats = []string{".stl", ".obj", ".ply"}

// Save writes m to path, creating the parent directory if needed.
func Save(path string, m *mesh.Mesh, opts Options) error {
	if m == nil || m.Empty() {
		return stageerr.EmptyMesh(stageerr.StageExporter, "mesh", "nothing to write to %s", path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	var write func(io.Writer, *mesh.Mesh, Options) error
	switch ext {
	case ".stl":
		write = writeSTL
	case ".obj":
		write = WriteOBJ
	case ".ply":
		write = WritePLY
	default:
		return stageerr.InvalidParameter(stageerr.StageExporter, "format", ext,
			"expected one of %s", strings.Join(Formats, ", "))
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f, m, opts); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logging.Diagf("wrote %s: %d vertices, %d triangles", path, m.VertexCount(), m.TriangleCount())
	return nil
}

func writeSTL(w io.Writer, m *mesh.Mesh, opts Options) error {
	if opts.ASCII {
		return stl.WriteASCII(w, stl.FromMesh(m), opts.Header)
	}
	return stl.Write(w, stl.FromMesh(m), opts.Header)
}

// WriteOBJ writes m as a Wavefront OBJ with per-vertex normals.
func WriteOBJ(w io.Writer, m *mesh.Mesh, opts Options) error {
	bw := bufio.NewWriter(w)
	if opts.Header != "" {
		fmt.Fprintf(bw, "# %s\n", opts.Header)
	}
	for _, v := range m.Vertices {
		fmt.Fprintf(bw, "v %.6f %.6f %.6f\n", v.X, v.Y, v.Z)
	}
	hasNormals := len(m.Normals) == len(m.Vertices)
	if hasNormals {
		for _, n := range m.Normals {
			fmt.Fprintf(bw, "vn %.6f %.6f %.6f\n", n.X, n.Y, n.Z)
		}
	}
	// OBJ indices start at 1
	for _, t := range m.Triangles {
		if hasNormals {
			fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", t[0]+1, t[0]+1, t[1]+1, t[1]+1, t[2]+1, t[2]+1)
		} else {
			fmt.Fprintf(bw, "f %d %d %d\n", t[0]+1, t[1]+1, t[2]+1)
		}
	}
	return bw.Flush()
}

// WritePLY writes m as an ASCII PLY with per-vertex normals.
func WritePLY(w io.Writer, m *mesh.Mesh, opts Options) error {
	bw := bufio.NewWriter(w)
	hasNormals := len(m.Normals) == len(m.Vertices)

	fmt.Fprintln(bw, "ply")
	fmt.Fprintln(bw, "format ascii 1.0")
	if opts.Header != "" {
		fmt.Fprintf(bw, "comment %s\n", opts.Header)
	}
	fmt.Fprintf(bw, "element vertex %d\n", len(m.Vertices))
	fmt.Fprintln(bw, "property float x")
	fmt.Fprintln(bw, "property float y")
	fmt.Fprintln(bw, "property float z")
	if hasNormals {
		fmt.Fprintln(bw, "property float nx")
		fmt.Fprintln(bw, "property float ny")
		fmt.Fprintln(bw, "property float nz")
	}
	fmt.Fprintf(bw, "element face %d\n", len(m.Triangles))
	fmt.Fprintln(bw, "property list uchar int vertex_indices")
	fmt.Fprintln(bw, "end_header")

	for i, v := range m.Vertices {
		if hasNormals {
			n := m.Normals[i]
			fmt.Fprintf(bw, "%.6f %.6f %.6f %.6f %.6f %.6f\n", v.X, v.Y, v.Z, n.X, n.Y, n.Z)
		} else {
			fmt.Fprintf(bw, "%.6f %.6f %.6f\n", v.X, v.Y, v.Z)
		}
	}
	for _, t := range m.Triangles {
		fmt.Fprintf(bw, "3 %d %d %d\n", t[0], t[1], t[2])
	}
	return bw.Flush()
}
