package pipeline

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/scalpscan/recon/mesh"
	"github.com/scalpscan/recon/pointcloud"
	"github.com/scalpscan/recon/poisson"
)

func sphereCloud(n int, radius float64) *pointcloud.Cloud {
	cloud := pointcloud.NewWithPrealloc(n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		y := 1 - 2*float64(i)/float64(n-1)
		r := math.Sqrt(1 - y*y)
		theta := golden * float64(i)
		dir := r3.Vector{X: math.Cos(theta) * r, Y: y, Z: math.Sin(theta) * r}
		cloud.Append(pointcloud.NewPoint(dir.Mul(radius), dir, 1.0))
	}
	return cloud
}

func meshMetrics(completeness, noise, features float64) mesh.Metrics {
	return mesh.Metrics{
		SurfaceCompleteness: completeness,
		NoiseLevel:          noise,
		FeaturePreservation: features,
	}
}

func TestReconstructSphere(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := New(logger,
		// disable the adaptive retry to keep the run bounded
		WithThresholds(Thresholds{MinCompleteness: 0, MaxNoise: 1, MinFeaturePreservation: 0}),
	)
	defer p.Close()

	cloud := sphereCloud(1000, 1.0)
	result, err := p.Reconstruct(context.Background(), "sphere", cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Mesh, test.ShouldNotBeNil)
	test.That(t, result.Mesh.Validate(), test.ShouldBeNil)
	test.That(t, result.Mesh.TriangleCount(), test.ShouldBeGreaterThan, 0)
	test.That(t, result.Retried, test.ShouldBeFalse)

	// every extracted vertex tracks the unit sphere
	meanRadius := 0.0
	for _, v := range result.Mesh.Vertices {
		r := v.Norm()
		test.That(t, r, test.ShouldBeBetween, 0.95, 1.05)
		meanRadius += r
	}
	meanRadius /= float64(len(result.Mesh.Vertices))
	test.That(t, meanRadius, test.ShouldAlmostEqual, 1.0, 0.05)

	// a smooth sphere keeps its (absent) features intact
	test.That(t, result.Metrics.FeaturePreservation, test.ShouldBeGreaterThan, 0.9)

	// metrics were cached for the artifact
	entry, ok := p.Metrics().Get("sphere")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, entry.Metrics, test.ShouldResemble, result.Metrics)
}

func TestReconstructRejectsInvalidInput(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := New(logger)
	defer p.Close()

	bad := pointcloud.New()
	bad.Append(pointcloud.NewPoint(r3.Vector{X: math.NaN()}, r3.Vector{X: 0, Y: 0, Z: 1}, 1))
	_, err := p.Reconstruct(context.Background(), "bad", bad)
	test.That(t, errors.Is(err, pointcloud.ErrInvalidInput), test.ShouldBeTrue)
	test.That(t, p.Metrics().Len(), test.ShouldEqual, 0)
}

func TestReconstructRejectsSparseInput(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := New(logger)
	defer p.Close()

	tiny := pointcloud.New()
	for i := 0; i < 3; i++ {
		tiny.Append(pointcloud.NewPoint(r3.Vector{X: float64(i)}, r3.Vector{X: 0, Y: 0, Z: 1}, 1))
	}
	_, err := p.Reconstruct(context.Background(), "tiny", tiny)
	test.That(t, errors.Is(err, poisson.ErrInsufficientData), test.ShouldBeTrue)
}

func TestReconstructCancelled(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := New(logger)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Reconstruct(ctx, "cancelled", sphereCloud(100, 1.0))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestAdaptParameters(t *testing.T) {
	recon := poisson.DefaultReconstructionParameters()
	proc := pointcloud.DefaultProcessingParameters()

	adaptedRecon, adaptedProc := adaptParameters(recon, proc)
	test.That(t, adaptedRecon.Depth, test.ShouldEqual, recon.Depth+1)
	test.That(t, adaptedRecon.PointWeight, test.ShouldEqual, recon.PointWeight*2)
	test.That(t, adaptedProc.ConfidenceThreshold, test.ShouldEqual, proc.ConfidenceThreshold/2)

	// depth saturates at the cap
	recon.Depth = maxAdaptiveDepth
	capped, _ := adaptParameters(recon, proc)
	test.That(t, capped.Depth, test.ShouldEqual, maxAdaptiveDepth)
}

func TestBelowThresholds(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := New(logger)
	defer p.Close()

	good := meshMetrics(0.9, 0.2, 0.8)
	test.That(t, p.belowThresholds(good), test.ShouldBeFalse)
	test.That(t, p.belowThresholds(meshMetrics(0.5, 0.2, 0.8)), test.ShouldBeTrue)
	test.That(t, p.belowThresholds(meshMetrics(0.9, 0.9, 0.8)), test.ShouldBeTrue)
	test.That(t, p.belowThresholds(meshMetrics(0.9, 0.2, 0.2)), test.ShouldBeTrue)
}
