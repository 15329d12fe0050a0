// Package stl reads and writes STL triangle files.
//
// Binary STL layout (little endian):
//
//	UINT8[80]    header
//	UINT32       triangle count
//	per triangle:
//	  REAL32[3]  normal
//	  REAL32[3]  vertex 1
//	  REAL32[3]  vertex 2
//	  REAL32[3]  vertex 3
//	  UINT16     attribute byte count
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"

	"labelmesh/pkg/mesh"
)

const (
	headerSize   = 80
	triangleSize = 50
)

// FromMesh converts a mesh into STL facets. Facet normals follow the
// right-hand rule over the vertex order.
func FromMesh(m *mesh.Mesh) []*model3d.Triangle {
	return facets(m.Vertices, m.Triangles)
}

// FromSoup converts raw marching cubes output into STL facets.
func FromSoup(s *mesh.Soup) []*model3d.Triangle {
	return facets(s.Vertices, s.Triangles)
}

func facets(vertices []r3.Vec, triangles [][3]int) []*model3d.Triangle {
	tris := make([]*model3d.Triangle, len(triangles))
	for i, t := range triangles {
		tris[i] = &model3d.Triangle{
			coord(vertices[t[0]]),
			coord(vertices[t[1]]),
			coord(vertices[t[2]]),
		}
	}
	return tris
}

func coord(v r3.Vec) model3d.Coord3D {
	return model3d.Coord3D{X: v.X, Y: v.Y, Z: v.Z}
}

// normal returns the unit facet normal, or zero for a degenerate facet.
func normal(t *model3d.Triangle) model3d.Coord3D {
	n := t[1].Sub(t[0]).Cross(t[2].Sub(t[0]))
	if l := n.Norm(); l > 0 {
		return n.Scale(1 / l)
	}
	return model3d.Coord3D{}
}

// Write encodes triangles as binary STL. The header is truncated or padded
// with spaces to 80 bytes.
func Write(w io.Writer, triangles []*model3d.Triangle, header string) error {
	data := model3d.EncodeSTL(triangles)
	if len(data) < headerSize {
		return fmt.Errorf("encoded STL is %d bytes", len(data))
	}
	h := data[:headerSize]
	for i := range h {
		h[i] = ' '
	}
	copy(h, header)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write STL: %w", err)
	}
	return nil
}

// WriteASCII encodes triangles as an ASCII STL solid.
func WriteASCII(w io.Writer, triangles []*model3d.Triangle, name string) error {
	bw := bufio.NewWriter(w)
	name = strings.Join(strings.Fields(name), "_")
	fmt.Fprintf(bw, "solid %s\n", name)
	for _, t := range triangles {
		n := normal(t)
		fmt.Fprintf(bw, "  facet normal %e %e %e\n", float32(n.X), float32(n.Y), float32(n.Z))
		fmt.Fprintf(bw, "    outer loop\n")
		for _, v := range t {
			fmt.Fprintf(bw, "      vertex %e %e %e\n", float32(v.X), float32(v.Y), float32(v.Z))
		}
		fmt.Fprintf(bw, "    endloop\n")
		fmt.Fprintf(bw, "  endfacet\n")
	}
	fmt.Fprintf(bw, "endsolid %s\n", name)
	return bw.Flush()
}

// SaveToSTL writes triangles to a binary STL file with the given header.
func SaveToSTL(filename string, triangles []*model3d.Triangle, header string) error {
	return saveFile(filename, func(w io.Writer) error {
		return Write(w, triangles, header)
	})
}

func saveFile(filename string, write func(io.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read decodes a binary STL together with its header, which
// model3d.ReadSTL discards. Vertices with identical positions are shared,
// so a closed surface reads back as a closed mesh. Vertex normals are
// recomputed from the faces.
func Read(r io.Reader) (*mesh.Mesh, string, error) {
	var header struct {
		H    [headerSize]byte
		NTri uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, "", fmt.Errorf("failed to read STL header: %w", err)
	}
	name := strings.TrimRight(string(header.H[:]), " \x00")

	m := &mesh.Mesh{}
	index := make(map[[3]float32]int)
	buf := make([]byte, triangleSize)
	for i := 0; i < int(header.NTri); i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, "", fmt.Errorf("failed to read triangle %d of %d: %w", i, header.NTri, err)
		}
		var tri [3]int
		for v := range tri {
			var p [3]float32
			for c := range p {
				const start = 12 // skip normal
				p[c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[start+12*v+4*c:]))
			}
			id, ok := index[p]
			if !ok {
				id = len(m.Vertices)
				m.Vertices = append(m.Vertices, r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])})
				index[p] = id
			}
			tri[v] = id
		}
		m.Triangles = append(m.Triangles, tri)
	}
	m.ComputeNormals()
	return m, name, nil
}

// Load reads a binary STL file.
func Load(filename string) (*mesh.Mesh, string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open STL file: %w", err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}
