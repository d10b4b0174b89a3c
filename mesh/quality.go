package mesh

import (
	"context"
	"math"
	"sort"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/stat"

	"github.com/scalpscan/recon/pointcloud"
	"github.com/scalpscan/recon/utils"
)

// significantFeatureStrength is the per-vertex feature strength above which a
// vertex participates in the feature-preservation average.
const significantFeatureStrength = 0.5

// VertexQuality holds the per-vertex quality measures aggregated over a
// spatial neighborhood.
type VertexQuality struct {
	Density           float64
	NormalConsistency float64
	SurfaceContinuity float64
	FeatureStrength   float64
}

// Metrics summarizes mesh quality. PointDensity is absolute; the rest are
// normalized to [0,1].
type Metrics struct {
	PointDensity        float64
	SurfaceCompleteness float64
	NoiseLevel          float64
	FeaturePreservation float64
}

// Analyzer computes local and global quality metrics over a mesh.
type Analyzer struct {
	logger golog.Logger
}

// NewAnalyzer returns an Analyzer logging through the given logger.
func NewAnalyzer(logger golog.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// ComputeLocal aggregates per-vertex quality over neighborhoods of radius
// SpatialSigma x 3. Vertices with no neighbors in range score full normal
// consistency and zero continuity.
func (a *Analyzer) ComputeLocal(ctx context.Context, m *Mesh, params pointcloud.ProcessingParameters) []VertexQuality {
	local := make([]VertexQuality, len(m.Vertices))
	if len(m.Vertices) == 0 {
		return local
	}
	radius := params.SpatialSigma * 3
	if radius <= 0 {
		radius = 1e-6
	}
	volume := 4.0 / 3.0 * math.Pi * radius * radius * radius

	cloud := pointcloud.NewWithPrealloc(len(m.Vertices))
	for i, v := range m.Vertices {
		if len(m.Normals) == len(m.Vertices) {
			cloud.Append(pointcloud.NewPoint(v, m.Normals[i], 1))
		} else {
			cloud.Append(pointcloud.NewUnorientedPoint(v, 1))
		}
	}
	grid := pointcloud.NewNeighborGrid(cloud, radius)

	//nolint:errcheck
	utils.GroupWorkParallel(ctx, len(m.Vertices),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				self := cloud.At(workNum)
				neighbors := 0
				distSum := 0.0
				consistencySum := 0.0
				grid.ForEachNeighbor(self.Position, radius, func(j int, q pointcloud.Point) {
					if j == workNum {
						return
					}
					neighbors++
					distSum += q.Position.Sub(self.Position).Norm()
					if self.HasNormal && q.HasNormal {
						consistencySum += math.Max(0, self.Normal.Dot(q.Normal))
					}
				})
				vq := VertexQuality{Density: float64(neighbors) / volume}
				if neighbors == 0 {
					vq.NormalConsistency = 1
					local[workNum] = vq
					return
				}
				if self.HasNormal {
					vq.NormalConsistency = consistencySum / float64(neighbors)
				} else {
					vq.NormalConsistency = 1
				}
				vq.SurfaceContinuity = clamp01(1 - distSum/float64(neighbors)/radius)
				vq.FeatureStrength = clamp01((1 - vq.NormalConsistency) * params.FeatureWeight)
				local[workNum] = vq
			}, nil
		})
	return local
}

// ComputeGlobal reduces per-vertex quality to global Metrics. The four
// reductions are independent; they run as concurrent tasks and only the join
// is synchronized. FeaturePreservation averages feature strength over
// significant vertices only and defaults to 1.0 when none exist: a uniformly
// smooth surface scores perfectly.
func (a *Analyzer) ComputeGlobal(ctx context.Context, local []VertexQuality) Metrics {
	if len(local) == 0 {
		return Metrics{FeaturePreservation: 1}
	}
	_, results, err := utils.GetInParallel(ctx, []utils.FloatFunc{
		func(context.Context) (float64, error) {
			densities := make([]float64, len(local))
			for i, vq := range local {
				densities[i] = vq.Density
			}
			return stat.Mean(densities, nil), nil
		},
		func(context.Context) (float64, error) {
			covered := 0
			for _, vq := range local {
				if vq.Density > 0 {
					covered++
				}
			}
			return float64(covered) / float64(len(local)), nil
		},
		func(context.Context) (float64, error) {
			consistency := make([]float64, len(local))
			for i, vq := range local {
				consistency[i] = vq.NormalConsistency
			}
			return clamp01(1 - stat.Mean(consistency, nil)), nil
		},
		func(context.Context) (float64, error) {
			sum, count := 0.0, 0
			for _, vq := range local {
				if vq.FeatureStrength > significantFeatureStrength {
					sum += vq.FeatureStrength
					count++
				}
			}
			if count == 0 {
				return 1, nil
			}
			return sum / float64(count), nil
		},
	})
	if err != nil {
		a.logger.Warnw("global metric computation incomplete", "error", err)
	}
	metrics := Metrics{
		PointDensity:        results[0],
		SurfaceCompleteness: results[1],
		NoiseLevel:          results[2],
		FeaturePreservation: results[3],
	}
	a.logger.Debugw("computed quality metrics",
		"pointDensity", metrics.PointDensity,
		"surfaceCompleteness", metrics.SurfaceCompleteness,
		"noiseLevel", metrics.NoiseLevel,
		"featurePreservation", metrics.FeaturePreservation,
		"featureHistogram", a.featureHistogram(local))
	return metrics
}

// featureHistogram bins feature strength into ten uniform bins for the debug
// log; it makes adaptive-parameter investigations cheaper than re-running.
func (a *Analyzer) featureHistogram(local []VertexQuality) []float64 {
	dividers := make([]float64, 11)
	for i := range dividers {
		dividers[i] = float64(i) / 10
	}
	dividers[10] = math.Nextafter(1, 2)
	strengths := make([]float64, len(local))
	for i, vq := range local {
		strengths[i] = vq.FeatureStrength
	}
	// stat.Histogram requires sorted samples
	sort.Float64s(strengths)
	return stat.Histogram(nil, dividers, strengths, nil)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
