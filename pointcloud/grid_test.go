package pointcloud

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestVoxelCoords(t *testing.T) {
	min := r3.Vector{X: -1, Y: -1, Z: -1}
	c := GetVoxelCoordinates(r3.Vector{X: 0, Y: 0, Z: 0}, min, 0.5)
	test.That(t, c, test.ShouldResemble, VoxelCoords{2, 2, 2})
	test.That(t, c.IsEqual(VoxelCoords{2, 2, 2}), test.ShouldBeTrue)
	test.That(t, c.IsEqual(VoxelCoords{2, 2, 3}), test.ShouldBeFalse)
}

func TestNeighborGridMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cloud := New()
	for i := 0; i < 300; i++ {
		cloud.Append(NewUnorientedPoint(r3.Vector{
			X: rng.Float64()*2 - 1,
			Y: rng.Float64()*2 - 1,
			Z: rng.Float64()*2 - 1,
		}, 1))
	}
	const radius = 0.3
	grid := NewNeighborGrid(cloud, radius)

	for trial := 0; trial < 20; trial++ {
		q := cloud.At(rng.Intn(cloud.Size())).Position
		var got []int
		grid.ForEachNeighbor(q, radius, func(i int, p Point) {
			got = append(got, i)
		})
		var want []int
		cloud.Iterate(0, 0, func(i int, p Point) bool {
			if p.Position.Sub(q).Norm2() <= radius*radius {
				want = append(want, i)
			}
			return true
		})
		sort.Ints(got)
		test.That(t, got, test.ShouldResemble, want)
	}
}

func TestNeighborGridIncludesQueryPoint(t *testing.T) {
	cloud := New()
	cloud.Append(NewUnorientedPoint(r3.Vector{X: 1, Y: 1, Z: 1}, 1))
	grid := NewNeighborGrid(cloud, 0.1)
	found := 0
	grid.ForEachNeighbor(r3.Vector{X: 1, Y: 1, Z: 1}, 0.1, func(i int, p Point) {
		found++
	})
	test.That(t, found, test.ShouldEqual, 1)
}
