// Package pipeline orchestrates the reconstruction stages: preprocessing,
// spatial indexing, system assembly, solving, iso-surface extraction, and
// quality analysis, with one bounded adaptive retry when quality falls short.
package pipeline

import (
	"context"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/scalpscan/recon/camera"
	"github.com/scalpscan/recon/isosurface"
	"github.com/scalpscan/recon/mesh"
	"github.com/scalpscan/recon/mvs"
	"github.com/scalpscan/recon/octree"
	"github.com/scalpscan/recon/pointcloud"
	"github.com/scalpscan/recon/poisson"
	"github.com/scalpscan/recon/solver"
)

// maxAdaptiveRetries bounds the quality feedback loop; the pipeline never
// re-runs more than this many times per invocation.
const maxAdaptiveRetries = 1

// maxAdaptiveDepth caps how deep the retry may push the octree.
const maxAdaptiveDepth = 8

// Thresholds are the quality floors below which the pipeline adapts its
// parameters and re-runs once.
type Thresholds struct {
	MinCompleteness        float64
	MaxNoise               float64
	MinFeaturePreservation float64
}

// DefaultThresholds returns the quality floors used when the caller does not
// supply any.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCompleteness:        0.8,
		MaxNoise:               0.6,
		MinFeaturePreservation: 0.5,
	}
}

// Result is the output of one reconstruction invocation. Ownership of the
// mesh passes to the caller.
type Result struct {
	Mesh    *mesh.Mesh
	Metrics mesh.Metrics
	// Degraded is set when the solver did not converge and the mesh is a
	// best-effort extraction from the last stable iterate.
	Degraded bool
	// Retried is set when quality thresholds triggered the adaptive re-run.
	Retried          bool
	SolverIterations int
}

// Pipeline wires the reconstruction stages together. Each stage is a barrier:
// it fully completes before the next consumes its output.
type Pipeline struct {
	logger golog.Logger
	clock  clock.Clock
	cache  *MetricsCache

	recon      poisson.ReconstructionParameters
	proc       pointcloud.ProcessingParameters
	mvsOpts    mvs.Options
	thresholds Thresholds

	solverIterations int
	solverTolerance  float64

	pre       *pointcloud.Preprocessor
	builder   *poisson.Builder
	cg        *solver.CG
	extractor *isosurface.Extractor
	analyzer  *mesh.Analyzer
	fuser     *mvs.Fuser
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock injects the clock stamping metrics-cache writes.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithReconstructionParameters overrides the octree and system parameters.
func WithReconstructionParameters(rp poisson.ReconstructionParameters) Option {
	return func(p *Pipeline) { p.recon = rp }
}

// WithProcessingParameters overrides the preprocessing and quality parameters.
func WithProcessingParameters(pp pointcloud.ProcessingParameters) Option {
	return func(p *Pipeline) { p.proc = pp }
}

// WithMVSOptions overrides the depth-fusion options.
func WithMVSOptions(o mvs.Options) Option {
	return func(p *Pipeline) { p.mvsOpts = o }
}

// WithThresholds overrides the adaptive-retry quality floors.
func WithThresholds(t Thresholds) Option {
	return func(p *Pipeline) { p.thresholds = t }
}

// WithSolverLimits overrides the solver's iteration cap and tolerance. The
// iteration cap is the internal bound against unbounded runtime; wall-clock
// timeouts are the caller's responsibility via context.
func WithSolverLimits(maxIterations int, tolerance float64) Option {
	return func(p *Pipeline) {
		p.solverIterations = maxIterations
		p.solverTolerance = tolerance
	}
}

// New returns a Pipeline with default parameters. The metrics cache is
// created here and torn down by Close.
func New(logger golog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:           logger,
		clock:            clock.New(),
		recon:            poisson.DefaultReconstructionParameters(),
		proc:             pointcloud.DefaultProcessingParameters(),
		mvsOpts:          mvs.DefaultOptions(),
		thresholds:       DefaultThresholds(),
		solverIterations: 300,
		solverTolerance:  1e-6,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache = NewMetricsCache(p.clock)
	p.pre = pointcloud.NewPreprocessor(logger)
	p.builder = poisson.NewBuilder(logger)
	p.cg = solver.NewCG(logger)
	p.extractor = isosurface.NewExtractor(logger)
	p.analyzer = mesh.NewAnalyzer(logger)
	p.fuser = mvs.NewFuser(logger)
	return p
}

// Close tears down the pipeline's cache.
func (p *Pipeline) Close() {
	p.cache.Close()
}

// Metrics exposes the pipeline's metrics cache.
func (p *Pipeline) Metrics() *MetricsCache {
	return p.cache
}

// Reconstruct runs the full pipeline over an oriented cloud and caches the
// resulting quality metrics under id.
func (p *Pipeline) Reconstruct(ctx context.Context, id string, cloud *pointcloud.Cloud) (Result, error) {
	return p.reconstruct(ctx, id, cloud, nil, nil)
}

// ReconstructWithViews additionally refines and fuses the given posed views'
// depth maps, merging the fused dense points into the input cloud before
// reconstruction.
func (p *Pipeline) ReconstructWithViews(
	ctx context.Context,
	id string,
	cloud *pointcloud.Cloud,
	views []camera.View,
	depthMaps []*camera.DepthMap,
) (Result, error) {
	return p.reconstruct(ctx, id, cloud, views, depthMaps)
}

func (p *Pipeline) reconstruct(
	ctx context.Context,
	id string,
	cloud *pointcloud.Cloud,
	views []camera.View,
	depthMaps []*camera.DepthMap,
) (Result, error) {
	// input validation happens before any expensive stage
	if err := pointcloud.Validate(cloud); err != nil {
		return Result{}, err
	}

	if len(views) > 0 {
		fused, stats, err := p.fuser.Process(ctx, cloud, views, depthMaps, p.mvsOpts)
		if err != nil {
			return Result{}, err
		}
		if stats.FusedPoints > 0 {
			cloud = p.pre.MergeMultiModal(ctx, cloud, fused, p.proc.SpatialSigma*3)
		}
	}

	recon, proc := p.recon, p.proc
	result, err := p.runOnce(ctx, cloud, recon, proc)
	if err != nil {
		return Result{}, err
	}

	for retry := 0; retry < maxAdaptiveRetries && p.belowThresholds(result.Metrics); retry++ {
		recon, proc = adaptParameters(recon, proc)
		p.logger.Infow("quality below thresholds, re-running with adapted parameters",
			"depth", recon.Depth, "pointWeight", recon.PointWeight,
			"confidenceThreshold", proc.ConfidenceThreshold)
		retried, err := p.runOnce(ctx, cloud, recon, proc)
		if err != nil {
			p.logger.Warnw("adaptive re-run failed, keeping first result", "error", err)
			break
		}
		retried.Retried = true
		result = retried
	}

	p.cache.Store(id, result.Metrics)
	return result, nil
}

func (p *Pipeline) belowThresholds(m mesh.Metrics) bool {
	return m.SurfaceCompleteness < p.thresholds.MinCompleteness ||
		m.NoiseLevel > p.thresholds.MaxNoise ||
		m.FeaturePreservation < p.thresholds.MinFeaturePreservation
}

// adaptParameters nudges the configuration toward a denser, more tolerant
// reconstruction for the bounded re-run.
func adaptParameters(
	recon poisson.ReconstructionParameters,
	proc pointcloud.ProcessingParameters,
) (poisson.ReconstructionParameters, pointcloud.ProcessingParameters) {
	if recon.Depth < maxAdaptiveDepth {
		recon.Depth++
	}
	recon.PointWeight *= 2
	proc.ConfidenceThreshold /= 2
	return recon, proc
}

// runOnce executes one linear pass: preprocess, index, assemble, solve,
// evaluate, extract, analyze. Cancellation between stages discards all
// partial buffers.
func (p *Pipeline) runOnce(
	ctx context.Context,
	cloud *pointcloud.Cloud,
	recon poisson.ReconstructionParameters,
	proc pointcloud.ProcessingParameters,
) (Result, error) {
	filtered := pointcloud.New()
	cloud.Iterate(0, 0, func(i int, pt pointcloud.Point) bool {
		if pt.Confidence >= proc.ConfidenceThreshold {
			filtered.Append(pt)
		}
		return true
	})

	radius := proc.SpatialSigma * 3
	denoised := p.pre.Denoise(ctx, filtered, radius, proc.SpatialSigma, proc.RangeSigma)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	density := p.pre.EstimateDensity(ctx, denoised, radius)
	meanDensity := 0.0
	for _, d := range density {
		meanDensity += d
	}
	if len(density) > 0 {
		meanDensity /= float64(len(density))
	}
	p.logger.Debugw("preprocessed cloud",
		"input", cloud.Size(), "kept", denoised.Size(), "meanDensity", meanDensity)

	tree, err := octree.Build(denoised, recon.Depth, recon.SamplesPerNode, recon.Scale)
	if err != nil {
		return Result{}, errors.Wrap(err, "building octree")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	system, rhs, err := p.builder.Build(ctx, denoised, tree, recon)
	if err != nil {
		return Result{}, err
	}

	solved, err := p.cg.Solve(ctx, system, rhs, p.solverIterations, p.solverTolerance)
	degraded := false
	switch {
	case err == nil:
	case errors.Is(err, solver.ErrNonConvergence):
		// non-fatal: keep the best-effort iterate and reflect it in quality
		degraded = true
		p.logger.Warnw("solver did not converge, continuing with best iterate",
			"residual", solved.Residual, "iterations", solved.Iterations)
	default:
		return Result{}, err
	}

	gridSize := 1 << recon.Depth
	grid := make([]float64, gridSize*gridSize*gridSize)
	if err := tree.EvaluateField(ctx, solved.X, grid, gridSize); err != nil {
		return Result{}, errors.Wrap(err, "evaluating scalar field")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	surface, err := p.extractor.Extract(ctx, grid, gridSize, 0, tree.Origin(), tree.CellSize(gridSize))
	if err != nil {
		return Result{}, err
	}
	if err := surface.Validate(); err != nil {
		return Result{}, errors.Wrap(err, "extractor produced malformed mesh")
	}

	// the basis field decays through zero far from the data, which can emit
	// small detached shells; only the dominant component is the surface
	cleaned := surface.LargestComponent()
	if removed := surface.TriangleCount() - cleaned.TriangleCount(); removed > 0 {
		p.logger.Debugw("dropped detached surface fragments",
			"triangles", removed, "kept", cleaned.TriangleCount())
	}
	surface = cleaned

	local := p.analyzer.ComputeLocal(ctx, surface, proc)
	metrics := p.analyzer.ComputeGlobal(ctx, local)
	if degraded {
		metrics.NoiseLevel = math.Min(1, metrics.NoiseLevel+math.Min(1, solved.Residual))
	}

	return Result{
		Mesh:             surface,
		Metrics:          metrics,
		Degraded:         degraded,
		SolverIterations: solved.Iterations,
	}, nil
}
