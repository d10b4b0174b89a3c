package mesh

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

// fan appends a triangle fan of count triangles around a shared apex at
// offset, so every fan is one connected component.
func fan(m *Mesh, offset r3.Vector, count int) {
	apex := uint32(len(m.Vertices))
	m.Vertices = append(m.Vertices, offset)
	m.Normals = append(m.Normals, r3.Vector{X: 0, Y: 0, Z: 1})
	for i := 0; i <= count; i++ {
		m.Vertices = append(m.Vertices, offset.Add(r3.Vector{X: float64(i), Y: 1}))
		m.Normals = append(m.Normals, r3.Vector{X: 0, Y: 0, Z: 1})
	}
	for i := 0; i < count; i++ {
		m.Indices = append(m.Indices, apex, apex+uint32(i)+1, apex+uint32(i)+2)
	}
}

func TestLargestComponentSingle(t *testing.T) {
	m := &Mesh{}
	fan(m, r3.Vector{}, 4)
	test.That(t, m.LargestComponent(), test.ShouldEqual, m)
}

func TestLargestComponentEmpty(t *testing.T) {
	m := &Mesh{}
	test.That(t, m.LargestComponent(), test.ShouldEqual, m)
}

func TestLargestComponentDropsFragments(t *testing.T) {
	m := &Mesh{}
	fan(m, r3.Vector{X: 100}, 2)
	fan(m, r3.Vector{}, 6)
	fan(m, r3.Vector{Z: -50}, 1)
	test.That(t, m.Validate(), test.ShouldBeNil)
	test.That(t, m.TriangleCount(), test.ShouldEqual, 9)

	kept := m.LargestComponent()
	test.That(t, kept.Validate(), test.ShouldBeNil)
	test.That(t, kept.TriangleCount(), test.ShouldEqual, 6)
	test.That(t, len(kept.Vertices), test.ShouldEqual, 8)
	test.That(t, len(kept.Normals), test.ShouldEqual, 8)
	for _, v := range kept.Vertices {
		test.That(t, v.X, test.ShouldBeLessThan, 50)
		test.That(t, v.Z, test.ShouldEqual, 0)
	}

	// triangle geometry survives the index remap
	a, b, c := kept.Triangle(0)
	test.That(t, a, test.ShouldResemble, r3.Vector{})
	test.That(t, b, test.ShouldResemble, r3.Vector{Y: 1})
	test.That(t, c, test.ShouldResemble, r3.Vector{X: 1, Y: 1})

	// the input mesh is untouched
	test.That(t, m.TriangleCount(), test.ShouldEqual, 9)
	test.That(t, len(m.Vertices), test.ShouldEqual, 15)
}

func TestLargestComponentWithoutNormals(t *testing.T) {
	m := &Mesh{}
	fan(m, r3.Vector{}, 3)
	fan(m, r3.Vector{X: 10}, 1)
	m.Normals = nil

	kept := m.LargestComponent()
	test.That(t, kept.TriangleCount(), test.ShouldEqual, 3)
	test.That(t, len(kept.Normals), test.ShouldEqual, 0)
	test.That(t, kept.Validate(), test.ShouldBeNil)
}
