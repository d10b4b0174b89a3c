// Package mesh defines the triangle mesh produced by surface extraction and
// the quality metrics computed over it.
package mesh

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Mesh is an indexed triangle mesh. Indices reference Vertices in groups of
// three; Normals, when present, parallel Vertices. Ownership passes to the
// caller once a reconstruction pass completes.
type Mesh struct {
	Vertices []r3.Vector
	Normals  []r3.Vector
	Indices  []uint32
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// Validate checks the structural invariants: index count a multiple of three,
// every index within vertex bounds, and normals either absent or one per
// vertex. Stages receiving a mesh that fails validation must not process it.
func (m *Mesh) Validate() error {
	if len(m.Indices)%3 != 0 {
		return errors.Errorf("index count %d is not a multiple of 3", len(m.Indices))
	}
	for i, idx := range m.Indices {
		if int(idx) >= len(m.Vertices) {
			return errors.Errorf("index %d references vertex %d, have %d vertices", i, idx, len(m.Vertices))
		}
	}
	if len(m.Normals) != 0 && len(m.Normals) != len(m.Vertices) {
		return errors.Errorf("have %d normals for %d vertices", len(m.Normals), len(m.Vertices))
	}
	return nil
}

// Triangle returns the three vertices of triangle t.
func (m *Mesh) Triangle(t int) (r3.Vector, r3.Vector, r3.Vector) {
	return m.Vertices[m.Indices[3*t]], m.Vertices[m.Indices[3*t+1]], m.Vertices[m.Indices[3*t+2]]
}
