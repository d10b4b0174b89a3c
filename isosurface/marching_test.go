package isosurface

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

// sphereField samples the signed distance to a radius-1 sphere on a gridSize
// lattice spanning [-1.5, 1.5] per axis.
func sphereField(gridSize int) ([]float64, r3.Vector, float64) {
	origin := r3.Vector{X: -1.5, Y: -1.5, Z: -1.5}
	cell := 3.0 / float64(gridSize-1)
	field := make([]float64, gridSize*gridSize*gridSize)
	for k := 0; k < gridSize; k++ {
		for j := 0; j < gridSize; j++ {
			for i := 0; i < gridSize; i++ {
				pos := origin.Add(r3.Vector{X: float64(i) * cell, Y: float64(j) * cell, Z: float64(k) * cell})
				field[i+j*gridSize+k*gridSize*gridSize] = pos.Norm() - 1.0
			}
		}
	}
	return field, origin, cell
}

func TestExtractSphere(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e := NewExtractor(logger)

	const gridSize = 16
	field, origin, cell := sphereField(gridSize)
	m, err := e.Extract(context.Background(), field, gridSize, 0, origin, cell)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Validate(), test.ShouldBeNil)
	test.That(t, m.TriangleCount(), test.ShouldBeGreaterThan, 100)
	test.That(t, len(m.Normals), test.ShouldEqual, len(m.Vertices))

	for i, v := range m.Vertices {
		// vertices sit on the unit sphere up to linear interpolation error
		test.That(t, v.Norm(), test.ShouldAlmostEqual, 1.0, 0.05)
		// normals follow the field gradient, outward for a signed distance
		n := m.Normals[i]
		test.That(t, n.Norm(), test.ShouldAlmostEqual, 1.0, 1e-9)
		test.That(t, n.Dot(v), test.ShouldBeGreaterThan, 0.9)
	}

	// closed surface: every undirected edge is shared by exactly two triangles
	type edge struct{ a, b uint32 }
	edgeUse := map[edge]int{}
	for ti := 0; ti < m.TriangleCount(); ti++ {
		idx := []uint32{m.Indices[3*ti], m.Indices[3*ti+1], m.Indices[3*ti+2]}
		for k := 0; k < 3; k++ {
			a, b := idx[k], idx[(k+1)%3]
			if a > b {
				a, b = b, a
			}
			edgeUse[edge{a, b}]++
		}
	}
	for _, uses := range edgeUse {
		test.That(t, uses, test.ShouldEqual, 2)
	}
}

func TestExtractSharesEdgeVertices(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e := NewExtractor(logger)

	const gridSize = 12
	field, origin, cell := sphereField(gridSize)
	m, err := e.Extract(context.Background(), field, gridSize, 0, origin, cell)
	test.That(t, err, test.ShouldBeNil)

	// deduplication means no two vertices coincide
	seen := map[[3]float64]bool{}
	for _, v := range m.Vertices {
		key := [3]float64{v.X, v.Y, v.Z}
		test.That(t, seen[key], test.ShouldBeFalse)
		seen[key] = true
	}
	// and far fewer vertices than raw triangle corners
	test.That(t, len(m.Vertices), test.ShouldBeLessThan, 3*m.TriangleCount())
}

func TestExtractOffsetIsoLevel(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e := NewExtractor(logger)

	const gridSize = 16
	field, origin, cell := sphereField(gridSize)
	// iso level 0.2 of the SDF is the radius-1.2 sphere
	m, err := e.Extract(context.Background(), field, gridSize, 0.2, origin, cell)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range m.Vertices {
		test.That(t, v.Norm(), test.ShouldAlmostEqual, 1.2, 0.05)
	}
}

func TestExtractDegenerateFields(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e := NewExtractor(logger)
	ctx := context.Background()
	origin := r3.Vector{}

	flat := make([]float64, 4*4*4)
	_, err := e.Extract(ctx, flat, 4, 0, origin, 0.1)
	test.That(t, errors.Is(err, ErrExtractionFailed), test.ShouldBeTrue)

	// all positive: no crossing
	above := make([]float64, 4*4*4)
	for i := range above {
		above[i] = 1 + float64(i)*1e-3
	}
	_, err = e.Extract(ctx, above, 4, 0, origin, 0.1)
	test.That(t, errors.Is(err, ErrExtractionFailed), test.ShouldBeTrue)

	nan := make([]float64, 4*4*4)
	nan[7] = math.NaN()
	_, err = e.Extract(ctx, nan, 4, 0, origin, 0.1)
	test.That(t, errors.Is(err, ErrExtractionFailed), test.ShouldBeTrue)

	field, o, cell := sphereField(8)
	_, err = e.Extract(ctx, field, 9, 0, o, cell)
	test.That(t, errors.Is(err, ErrExtractionFailed), test.ShouldBeTrue)
	_, err = e.Extract(ctx, field, 8, 0, o, 0)
	test.That(t, errors.Is(err, ErrExtractionFailed), test.ShouldBeTrue)
	_, err = e.Extract(ctx, field, 1, 0, o, cell)
	test.That(t, errors.Is(err, ErrExtractionFailed), test.ShouldBeTrue)
}

func TestExtractNoiseGuard(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e := NewExtractor(logger)

	// one strong crossing plus a far region of sub-margin oscillation that
	// would naively produce a spurious shell
	const gridSize = 8
	field := make([]float64, gridSize*gridSize*gridSize)
	for k := 0; k < gridSize; k++ {
		for j := 0; j < gridSize; j++ {
			for i := 0; i < gridSize; i++ {
				v := -1.0
				if i >= 4 {
					v = 1.0
				}
				if i >= 6 {
					// alternating noise nine orders below the amplitude
					v = float64((i+j+k)%2)*2e-12 - 1e-12
				}
				field[i+j*gridSize+k*gridSize*gridSize] = v
			}
		}
	}
	m, err := e.Extract(context.Background(), field, gridSize, 0, r3.Vector{}, 0.1)
	test.That(t, err, test.ShouldBeNil)
	// all emitted geometry sits at the genuine crossing between x index 3
	// and 4, never inside the noise region
	for _, v := range m.Vertices {
		test.That(t, v.X, test.ShouldBeBetween, 0.29, 0.41)
	}
}
