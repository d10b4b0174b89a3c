// Package pointcloud defines oriented point clouds and the preprocessing steps
// applied to them before surface reconstruction.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// Point is a single oriented surface sample. Points are immutable once merged
// into a cloud; preprocessing steps produce new clouds rather than mutating.
type Point struct {
	Position   r3.Vector
	Normal     r3.Vector
	HasNormal  bool
	Confidence float64
}

// NewPoint returns an oriented point with the given outward normal.
func NewPoint(pos, normal r3.Vector, confidence float64) Point {
	return Point{Position: pos, Normal: normal, HasNormal: true, Confidence: confidence}
}

// NewUnorientedPoint returns a point carrying no normal.
func NewUnorientedPoint(pos r3.Vector, confidence float64) Point {
	return Point{Position: pos, Confidence: confidence}
}

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasNormals bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64

	totalX, totalY, totalZ float64
}

// Cloud is a slice-backed container of oriented points.
type Cloud struct {
	points []Point
	meta   MetaData
}

// NewMetaData creates a new MetaData.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64, MinY: math.MaxFloat64, MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64, MaxY: -math.MaxFloat64, MaxZ: -math.MaxFloat64,
	}
}

// Merge merges in the given point's info.
func (meta *MetaData) Merge(p Point) {
	if p.HasNormal {
		meta.HasNormals = true
	}
	v := p.Position
	if v.X > meta.MaxX {
		meta.MaxX = v.X
	}
	if v.Y > meta.MaxY {
		meta.MaxY = v.Y
	}
	if v.Z > meta.MaxZ {
		meta.MaxZ = v.Z
	}
	if v.X < meta.MinX {
		meta.MinX = v.X
	}
	if v.Y < meta.MinY {
		meta.MinY = v.Y
	}
	if v.Z < meta.MinZ {
		meta.MinZ = v.Z
	}
	meta.totalX += v.X
	meta.totalY += v.Y
	meta.totalZ += v.Z
}

// Center returns the mean position of all merged points.
func (meta *MetaData) Center(size int) r3.Vector {
	if size == 0 {
		return r3.Vector{}
	}
	n := float64(size)
	return r3.Vector{X: meta.totalX / n, Y: meta.totalY / n, Z: meta.totalZ / n}
}

// New returns an empty Cloud.
func New() *Cloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated Cloud.
func NewWithPrealloc(size int) *Cloud {
	return &Cloud{
		points: make([]Point, 0, size),
		meta:   NewMetaData(),
	}
}

// Size returns the number of points in the cloud.
func (cloud *Cloud) Size() int {
	return len(cloud.points)
}

// MetaData returns the cloud's accumulated meta data.
func (cloud *Cloud) MetaData() MetaData {
	return cloud.meta
}

// Append adds a point to the cloud and merges its meta data.
func (cloud *Cloud) Append(p Point) {
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p)
}

// At returns the point at the given index.
func (cloud *Cloud) At(i int) Point {
	return cloud.points[i]
}

// Iterate iterates over all points in the cloud and calls the given function for
// each point. If the supplied function returns false, iteration stops after the
// function returns. numBatches lets you divide up the work. 0 means don't divide.
// myBatch is used iff numBatches > 0 and is which batch you want.
func (cloud *Cloud) Iterate(numBatches, myBatch int, fn func(i int, p Point) bool) {
	lower, upper := 0, len(cloud.points)
	if numBatches > 0 {
		batchSize := (len(cloud.points) + numBatches - 1) / numBatches
		lower = myBatch * batchSize
		upper = lower + batchSize
		if upper > len(cloud.points) {
			upper = len(cloud.points)
		}
	}
	for i := lower; i < upper; i++ {
		if !fn(i, cloud.points[i]) {
			return
		}
	}
}

// BoundingCube returns the center of the cloud's axis-aligned bounding box and
// half the side length of the smallest cube containing it, inflated by pad
// (pad of 0.1 grows the cube 10% per side). Degenerate clouds report a minimal
// positive extent so downstream grid math stays finite.
func (cloud *Cloud) BoundingCube(pad float64) (r3.Vector, float64) {
	if cloud.Size() == 0 {
		return r3.Vector{}, 1.0
	}
	m := cloud.meta
	center := r3.Vector{X: (m.MinX + m.MaxX) / 2, Y: (m.MinY + m.MaxY) / 2, Z: (m.MinZ + m.MaxZ) / 2}
	half := math.Max(m.MaxX-m.MinX, math.Max(m.MaxY-m.MinY, m.MaxZ-m.MinZ)) / 2
	if half < 1e-9 {
		half = 1e-9
	}
	return center, half * (1 + pad)
}
