package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// WritePLY serializes the mesh as ASCII PLY with per-vertex normals.
func (m *Mesh) WritePLY(w io.Writer) error {
	if err := m.Validate(); err != nil {
		return errors.Wrap(err, "refusing to serialize malformed mesh")
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\n")
	fmt.Fprintf(bw, "element vertex %d\n", len(m.Vertices))
	fmt.Fprintf(bw, "property float x\nproperty float y\nproperty float z\n")
	fmt.Fprintf(bw, "property float nx\nproperty float ny\nproperty float nz\n")
	fmt.Fprintf(bw, "element face %d\n", m.TriangleCount())
	fmt.Fprintf(bw, "property list uchar int vertex_indices\n")
	fmt.Fprintf(bw, "end_header\n")
	for i, v := range m.Vertices {
		var n r3.Vector
		if len(m.Normals) == len(m.Vertices) {
			n = m.Normals[i]
		}
		fmt.Fprintf(bw, "%g %g %g %g %g %g\n", v.X, v.Y, v.Z, n.X, n.Y, n.Z)
	}
	for t := 0; t < len(m.Indices); t += 3 {
		fmt.Fprintf(bw, "3 %d %d %d\n", m.Indices[t], m.Indices[t+1], m.Indices[t+2])
	}
	return bw.Flush()
}

// SavePLY writes the mesh to a PLY file at the given path.
func (m *Mesh) SavePLY(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating mesh file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return m.WritePLY(f)
}
