// Package camera holds the calibrated-camera types the multi-view stereo
// fuser consumes: metric depth maps, pinhole intrinsics, and posed views.
package camera

import (
	"math"

	"github.com/pkg/errors"
)

// DepthMap is a dense per-pixel metric depth image. Zero depth means no
// measurement at that pixel.
type DepthMap struct {
	width  int
	height int
	data   []float64
}

// NewEmptyDepthMap returns a zeroed depth map of the given dimensions.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{width: width, height: height, data: make([]float64, width*height)}
}

// Width returns the horizontal dimension.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical dimension.
func (dm *DepthMap) Height() int {
	return dm.height
}

// HasData reports whether the map has a usable extent.
func (dm *DepthMap) HasData() bool {
	return dm.width > 0 && dm.height > 0
}

// GetDepth returns the depth at (x, y).
func (dm *DepthMap) GetDepth(x, y int) float64 {
	return dm.data[x+y*dm.width]
}

// Set writes the depth at (x, y).
func (dm *DepthMap) Set(x, y int, depth float64) {
	dm.data[x+y*dm.width] = depth
}

// Clone returns an independent copy.
func (dm *DepthMap) Clone() *DepthMap {
	out := NewEmptyDepthMap(dm.width, dm.height)
	copy(out.data, dm.data)
	return out
}

// MinMax returns the smallest and largest positive depths, or zeros when the
// map holds no measurements.
func (dm *DepthMap) MinMax() (float64, float64) {
	minD, maxD := math.Inf(1), 0.0
	for _, d := range dm.data {
		if d <= 0 {
			continue
		}
		minD = math.Min(minD, d)
		maxD = math.Max(maxD, d)
	}
	if maxD == 0 {
		return 0, 0
	}
	return minD, maxD
}

// MeanAbsDiff returns the mean absolute per-pixel difference to other. The
// fuser uses it as its convergence measure between iterations.
func (dm *DepthMap) MeanAbsDiff(other *DepthMap) (float64, error) {
	if other.width != dm.width || other.height != dm.height {
		return 0, errors.Errorf("depth map sizes differ: %dx%d vs %dx%d", dm.width, dm.height, other.width, other.height)
	}
	if len(dm.data) == 0 {
		return 0, nil
	}
	sum := 0.0
	for i, d := range dm.data {
		sum += math.Abs(d - other.data[i])
	}
	return sum / float64(len(dm.data)), nil
}
