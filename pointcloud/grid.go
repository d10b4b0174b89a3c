package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// VoxelCoords stores voxel coordinates in neighbor-grid axes.
type VoxelCoords struct {
	I, J, K int64
}

// IsEqual tests if two VoxelCoords are the same.
func (c VoxelCoords) IsEqual(c2 VoxelCoords) bool {
	return c.I == c2.I && c.J == c2.J && c.K == c2.K
}

// GetVoxelCoordinates computes the voxel coordinates of a point in the grid
// anchored at ptMin with the given voxel size.
func GetVoxelCoordinates(pt, ptMin r3.Vector, voxelSize float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor((pt.X - ptMin.X) / voxelSize)),
		J: int64(math.Floor((pt.Y - ptMin.Y) / voxelSize)),
		K: int64(math.Floor((pt.Z - ptMin.Z) / voxelSize)),
	}
}

// NeighborGrid hashes point indices into uniform voxels so radius queries only
// visit points in the covering cells instead of the whole cloud.
type NeighborGrid struct {
	cloud     *Cloud
	voxelSize float64
	ptMin     r3.Vector
	voxels    map[VoxelCoords][]int
}

// NewNeighborGrid buckets every point of the cloud. voxelSize should be on the
// order of the query radius; degenerate sizes are clamped.
func NewNeighborGrid(cloud *Cloud, voxelSize float64) *NeighborGrid {
	if voxelSize <= 0 || math.IsNaN(voxelSize) {
		voxelSize = 1e-9
	}
	meta := cloud.MetaData()
	grid := &NeighborGrid{
		cloud:     cloud,
		voxelSize: voxelSize,
		ptMin:     r3.Vector{X: meta.MinX, Y: meta.MinY, Z: meta.MinZ},
		voxels:    make(map[VoxelCoords][]int, cloud.Size()),
	}
	cloud.Iterate(0, 0, func(i int, p Point) bool {
		k := GetVoxelCoordinates(p.Position, grid.ptMin, voxelSize)
		grid.voxels[k] = append(grid.voxels[k], i)
		return true
	})
	return grid
}

// ForEachNeighbor calls fn for every point within radius of q, q itself
// included when it is a cloud point.
func (grid *NeighborGrid) ForEachNeighbor(q r3.Vector, radius float64, fn func(i int, p Point)) {
	lo := GetVoxelCoordinates(q.Sub(r3.Vector{X: radius, Y: radius, Z: radius}), grid.ptMin, grid.voxelSize)
	hi := GetVoxelCoordinates(q.Add(r3.Vector{X: radius, Y: radius, Z: radius}), grid.ptMin, grid.voxelSize)
	rsq := radius * radius
	for i := lo.I; i <= hi.I; i++ {
		for j := lo.J; j <= hi.J; j++ {
			for k := lo.K; k <= hi.K; k++ {
				for _, idx := range grid.voxels[VoxelCoords{i, j, k}] {
					p := grid.cloud.At(idx)
					if p.Position.Sub(q).Norm2() <= rsq {
						fn(idx, p)
					}
				}
			}
		}
	}
}
