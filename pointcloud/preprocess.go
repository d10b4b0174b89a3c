package pointcloud

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/scalpscan/recon/utils"
)

// ErrInvalidInput means a cloud failed eager validation (NaN positions,
// confidences outside [0,1]) before any processing ran.
var ErrInvalidInput = errors.New("invalid point cloud input")

// ProcessingParameters tune the preprocessing and quality stages.
type ProcessingParameters struct {
	SpatialSigma        float64
	RangeSigma          float64
	ConfidenceThreshold float64
	FeatureWeight       float64
}

// DefaultProcessingParameters returns the parameters used when the caller does
// not supply any.
func DefaultProcessingParameters() ProcessingParameters {
	return ProcessingParameters{
		SpatialSigma:        0.01,
		RangeSigma:          0.1,
		ConfidenceThreshold: 0.3,
		FeatureWeight:       1.0,
	}
}

// Preprocessor denoises clouds, fuses multi-modal captures, and estimates
// local sampling density. Its operations never fail; empty input yields empty
// output.
type Preprocessor struct {
	logger golog.Logger
}

// NewPreprocessor returns a Preprocessor logging through the given logger.
func NewPreprocessor(logger golog.Logger) *Preprocessor {
	return &Preprocessor{logger: logger}
}

func gaussian(x, sigma float64) float64 {
	if sigma <= 0 {
		if x == 0 {
			return 1
		}
		return 0
	}
	return math.Exp(-(x * x) / (2 * sigma * sigma))
}

// Validate eagerly rejects malformed clouds: non-finite positions or normals
// and confidences outside [0,1]. All offending indices are reported together.
func Validate(cloud *Cloud) error {
	var errs error
	cloud.Iterate(0, 0, func(i int, p Point) bool {
		if !vecFinite(p.Position) {
			errs = multierr.Combine(errs, errors.Errorf("point %d: non-finite position", i))
		}
		if p.HasNormal && !vecFinite(p.Normal) {
			errs = multierr.Combine(errs, errors.Errorf("point %d: non-finite normal", i))
		}
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			errs = multierr.Combine(errs, errors.Errorf("point %d: confidence %v outside [0,1]", i, p.Confidence))
		}
		return true
	})
	if errs != nil {
		return errors.Wrap(ErrInvalidInput, errs.Error())
	}
	return nil
}

func vecFinite(v r3.Vector) bool {
	finite := func(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// Denoise applies a bilateral filter: each point moves to the weighted mean of
// its neighbors within radius, weighting by spatial distance (spatialSigma) and
// confidence difference (rangeSigma) jointly. Points with no neighbors in range
// pass through unchanged. On an already-uniform neighborhood the filter is
// near-idempotent.
func (pp *Preprocessor) Denoise(ctx context.Context, cloud *Cloud, radius, spatialSigma, rangeSigma float64) *Cloud {
	if cloud.Size() == 0 || radius <= 0 {
		return cloud
	}
	grid := NewNeighborGrid(cloud, radius)
	out := make([]Point, cloud.Size())
	err := utils.GroupWorkParallel(ctx, cloud.Size(),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				p := cloud.At(workNum)
				var posSum, normSum r3.Vector
				var weightSum float64
				neighbors := 0
				grid.ForEachNeighbor(p.Position, radius, func(j int, q Point) {
					w := gaussian(q.Position.Sub(p.Position).Norm(), spatialSigma) *
						gaussian(q.Confidence-p.Confidence, rangeSigma)
					posSum = posSum.Add(q.Position.Mul(w))
					if q.HasNormal {
						normSum = normSum.Add(q.Normal.Mul(w))
					}
					weightSum += w
					neighbors++
				})
				if neighbors <= 1 || weightSum <= 0 {
					out[workNum] = p
					return
				}
				filtered := p
				filtered.Position = posSum.Mul(1 / weightSum)
				if p.HasNormal && normSum.Norm() > 0 {
					filtered.Normal = normSum.Normalize()
				}
				out[workNum] = filtered
			}, nil
		})
	if err != nil {
		// cancelled before dispatch; discard the partial buffer
		return cloud
	}
	denoised := NewWithPrealloc(len(out))
	for _, p := range out {
		denoised.Append(p)
	}
	pp.logger.Debugw("denoised cloud", "points", denoised.Size(), "radius", radius)
	return denoised
}

// MergeMultiModal fuses a secondary capture modality into the primary cloud.
// Each primary point accumulates gaussian-falloff weighted contributions from
// secondary points within mergeThreshold; the merged confidence is the max of
// all contributors. Unmatched primary points pass through unchanged.
func (pp *Preprocessor) MergeMultiModal(ctx context.Context, primary, secondary *Cloud, mergeThreshold float64) *Cloud {
	if primary.Size() == 0 || secondary.Size() == 0 || mergeThreshold <= 0 {
		return primary
	}
	grid := NewNeighborGrid(secondary, mergeThreshold)
	sigma := mergeThreshold / 2
	out := make([]Point, primary.Size())
	err := utils.GroupWorkParallel(ctx, primary.Size(),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				p := primary.At(workNum)
				posSum := p.Position
				normSum := p.Normal
				weightSum := 1.0
				maxConf := p.Confidence
				matched := false
				grid.ForEachNeighbor(p.Position, mergeThreshold, func(j int, q Point) {
					w := gaussian(q.Position.Sub(p.Position).Norm(), sigma)
					posSum = posSum.Add(q.Position.Mul(w))
					if q.HasNormal {
						normSum = normSum.Add(q.Normal.Mul(w))
					}
					weightSum += w
					if q.Confidence > maxConf {
						maxConf = q.Confidence
					}
					matched = true
				})
				if !matched {
					out[workNum] = p
					return
				}
				merged := p
				merged.Position = posSum.Mul(1 / weightSum)
				merged.Confidence = maxConf
				if normSum.Norm() > 0 {
					merged.Normal = normSum.Normalize()
					merged.HasNormal = true
				}
				out[workNum] = merged
			}, nil
		})
	if err != nil {
		return primary
	}
	fused := NewWithPrealloc(len(out))
	for _, p := range out {
		fused.Append(p)
	}
	pp.logger.Debugw("merged multi-modal clouds",
		"primary", primary.Size(), "secondary", secondary.Size(), "threshold", mergeThreshold)
	return fused
}

// EstimateDensity returns, per point, the neighbor count within radius divided
// by the query sphere volume. Values are always finite, duplicate points
// included; degenerate radii are clamped rather than dividing by zero.
func (pp *Preprocessor) EstimateDensity(ctx context.Context, cloud *Cloud, radius float64) []float64 {
	density := make([]float64, cloud.Size())
	if cloud.Size() == 0 {
		return density
	}
	if radius <= 0 || math.IsNaN(radius) {
		radius = 1e-6
	}
	volume := 4.0 / 3.0 * math.Pi * radius * radius * radius
	if volume < 1e-30 {
		volume = 1e-30
	}
	grid := NewNeighborGrid(cloud, radius)
	//nolint:errcheck
	utils.GroupWorkParallel(ctx, cloud.Size(),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				count := 0
				grid.ForEachNeighbor(cloud.At(workNum).Position, radius, func(int, Point) {
					count++
				})
				density[workNum] = float64(count) / volume
			}, nil
		})
	return density
}
