// Package isosurface extracts triangle meshes from dense scalar fields with
// marching cubes.
package isosurface

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/scalpscan/recon/mesh"
	"github.com/scalpscan/recon/utils"
)

// ErrExtractionFailed means the scalar field was degenerate: not finite,
// constant, or without any iso-level crossing.
var ErrExtractionFailed = errors.New("surface extraction failed")

// cube corners: 0..3 wind around the lower z face, 4..7 around the upper
var cornerOffsets = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

// each cube edge is an axis-aligned lattice segment: origin corner plus axis
var edgeOrigins = [12][3]int{
	{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 0},
	{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {0, 0, 1},
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
}

var edgeAxes = [12]int{0, 1, 0, 1, 0, 1, 0, 1, 2, 2, 2, 2}

// edgeKey identifies a lattice edge by its low corner and axis, so vertices on
// shared edges are emitted once and adjacent cells stitch without seams.
type edgeKey struct {
	x, y, z int32
	axis    int8
}

// Extractor runs marching cubes over a dense field.
type Extractor struct {
	logger golog.Logger
}

// NewExtractor returns an Extractor logging through the given logger.
func NewExtractor(logger golog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract triangulates the isoLevel level set of field, a gridSize^3 lattice
// (x fastest) anchored at origin with the given sample spacing. Cell
// classification runs in parallel; triangle emission is a serial stitch over
// the classified cells. Cells whose corner values do not straddle isoLevel by
// a small margin relative to the field's amplitude emit nothing, which keeps
// far-field asymptotic noise from producing spurious shells. Vertex normals
// come from central-difference field gradients, pointing toward increasing
// field values.
func (e *Extractor) Extract(
	ctx context.Context,
	field []float64,
	gridSize int,
	isoLevel float64,
	origin r3.Vector,
	cellSize float64,
) (*mesh.Mesh, error) {
	if gridSize < 2 {
		return nil, errors.Wrapf(ErrExtractionFailed, "grid size %d too small", gridSize)
	}
	if len(field) != gridSize*gridSize*gridSize {
		return nil, errors.Wrapf(ErrExtractionFailed, "expected %d samples, got %d", gridSize*gridSize*gridSize, len(field))
	}
	if cellSize <= 0 || math.IsNaN(cellSize) {
		return nil, errors.Wrapf(ErrExtractionFailed, "cell size %v not positive", cellSize)
	}

	maxDev, finite := fieldAmplitude(field, isoLevel)
	if !finite {
		return nil, errors.Wrap(ErrExtractionFailed, "field contains non-finite samples")
	}
	if maxDev == 0 {
		return nil, errors.Wrap(ErrExtractionFailed, "field is constant at the iso level")
	}
	margin := maxDev * 1e-9

	val := func(x, y, z int) float64 {
		return field[x+y*gridSize+z*gridSize*gridSize]
	}

	cells := gridSize - 1
	classes := make([]int16, cells*cells*cells)
	//nolint:errcheck
	utils.GroupWorkParallel(ctx, len(classes),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				cx := workNum % cells
				cy := (workNum / cells) % cells
				cz := workNum / (cells * cells)
				idx := 0
				minV, maxV := math.Inf(1), math.Inf(-1)
				for c, off := range cornerOffsets {
					v := val(cx+off[0], cy+off[1], cz+off[2])
					if v < isoLevel {
						idx |= 1 << c
					}
					minV = math.Min(minV, v)
					maxV = math.Max(maxV, v)
				}
				if minV >= isoLevel-margin || maxV <= isoLevel+margin {
					idx = 0 // no confident crossing
				}
				classes[workNum] = int16(idx)
			}, nil
		})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &mesh.Mesh{}
	vertexAt := make(map[edgeKey]uint32)
	for cz := 0; cz < cells; cz++ {
		for cy := 0; cy < cells; cy++ {
			for cx := 0; cx < cells; cx++ {
				cubeIndex := classes[cx+cy*cells+cz*cells*cells]
				crossed := edgeTable[cubeIndex]
				if crossed == 0 {
					continue
				}
				var edgeVerts [12]uint32
				for edge := 0; edge < 12; edge++ {
					if crossed&(uint16(1)<<edge) == 0 {
						continue
					}
					o := edgeOrigins[edge]
					ax, ay, az := cx+o[0], cy+o[1], cz+o[2]
					key := edgeKey{int32(ax), int32(ay), int32(az), int8(edgeAxes[edge])}
					if vi, ok := vertexAt[key]; ok {
						edgeVerts[edge] = vi
						continue
					}
					bx, by, bz := ax, ay, az
					switch edgeAxes[edge] {
					case 0:
						bx++
					case 1:
						by++
					default:
						bz++
					}
					v1, v2 := val(ax, ay, az), val(bx, by, bz)
					t := 0.5
					if math.Abs(v2-v1) > 1e-30 {
						t = (isoLevel - v1) / (v2 - v1)
					}
					t = math.Max(0, math.Min(1, t))
					a := origin.Add(r3.Vector{X: float64(ax) * cellSize, Y: float64(ay) * cellSize, Z: float64(az) * cellSize})
					b := origin.Add(r3.Vector{X: float64(bx) * cellSize, Y: float64(by) * cellSize, Z: float64(bz) * cellSize})
					g1 := gradientAt(val, gridSize, cellSize, ax, ay, az)
					g2 := gradientAt(val, gridSize, cellSize, bx, by, bz)
					n := g1.Mul(1 - t).Add(g2.Mul(t))
					if n.Norm() > 0 {
						n = n.Normalize()
					}
					vi := uint32(len(out.Vertices))
					out.Vertices = append(out.Vertices, a.Add(b.Sub(a).Mul(t)))
					out.Normals = append(out.Normals, n)
					vertexAt[key] = vi
					edgeVerts[edge] = vi
				}
				for i := 0; triTable[cubeIndex][i] != -1; i += 3 {
					out.Indices = append(out.Indices,
						edgeVerts[triTable[cubeIndex][i]],
						edgeVerts[triTable[cubeIndex][i+1]],
						edgeVerts[triTable[cubeIndex][i+2]],
					)
				}
			}
		}
	}
	if len(out.Indices) == 0 {
		return nil, errors.Wrap(ErrExtractionFailed, "field has no iso-surface crossing")
	}
	e.logger.Debugw("extracted iso-surface",
		"vertices", len(out.Vertices), "triangles", out.TriangleCount(), "isoLevel", isoLevel)
	return out, nil
}

// fieldAmplitude returns the largest |sample - isoLevel| and whether every
// sample is finite.
func fieldAmplitude(field []float64, isoLevel float64) (float64, bool) {
	maxDev := 0.0
	for _, v := range field {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		if d := math.Abs(v - isoLevel); d > maxDev {
			maxDev = d
		}
	}
	return maxDev, true
}

// gradientAt estimates the field gradient at a lattice point with central
// differences, one-sided at the boundary.
func gradientAt(val func(x, y, z int) float64, gridSize int, cellSize float64, x, y, z int) r3.Vector {
	diff := func(lo, hi, span float64) float64 {
		return (hi - lo) / (span * cellSize)
	}
	axis := func(c int, get func(int) float64) float64 {
		switch {
		case c == 0:
			return diff(get(c), get(c+1), 1)
		case c == gridSize-1:
			return diff(get(c-1), get(c), 1)
		default:
			return diff(get(c-1), get(c+1), 2)
		}
	}
	return r3.Vector{
		X: axis(x, func(c int) float64 { return val(c, y, z) }),
		Y: axis(y, func(c int) float64 { return val(x, c, z) }),
		Z: axis(z, func(c int) float64 { return val(x, y, c) }),
	}
}
