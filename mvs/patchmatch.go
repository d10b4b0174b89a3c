// Package mvs refines per-pixel depth across calibrated views with a
// PatchMatch scheme and fuses the refined maps into a dense oriented point
// cloud for reconstruction.
package mvs

import (
	"context"
	"image"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/scalpscan/recon/camera"
	"github.com/scalpscan/recon/pointcloud"
	"github.com/scalpscan/recon/utils"
)

// ErrInitializationFailed means the fuser's inputs could not be set up:
// mismatched views and depth maps, invalid calibration, or no depth prior.
// It is fatal and reported before any iteration runs.
var ErrInitializationFailed = errors.New("multi-view stereo initialization failed")

// Options tune the PatchMatch iteration and fusion cut.
type Options struct {
	NumPhotometricConsistencySteps int
	MinPhotometricConsistency      float64
}

// DefaultOptions returns the options used when the caller does not supply any.
func DefaultOptions() Options {
	return Options{
		NumPhotometricConsistencySteps: 4,
		MinPhotometricConsistency:      0.6,
	}
}

const (
	// convergenceEpsilon bounds the mean absolute depth delta between
	// consecutive iterations below which iteration stops early.
	convergenceEpsilon = 1e-4
	// patchRadius gives 5x5 photometric patches.
	patchRadius = 2
	// randomCandidates per pixel per iteration, searched around the current
	// depth with a radius halving every iteration.
	randomCandidates = 2
)

// Stats reports what a fusion run did.
type Stats struct {
	Iterations  int
	Converged   bool
	FusedPoints int
}

// Fuser runs PatchMatch depth refinement and depth-map fusion.
type Fuser struct {
	logger golog.Logger
}

// NewFuser returns a Fuser logging through the given logger.
func NewFuser(logger golog.Logger) *Fuser {
	return &Fuser{logger: logger}
}

// Process refines the initial depth maps for up to
// opts.NumPhotometricConsistencySteps iterations of neighbor propagation plus
// random search, scored by patch photometric consistency across the other
// views, stopping early once consecutive maps differ below an epsilon. The
// final maps are fused into an oriented cloud keeping only samples whose
// consistency score reaches opts.MinPhotometricConsistency. The sparse cloud
// seeds the depth search range. Input depth maps are not mutated.
func (f *Fuser) Process(
	ctx context.Context,
	sparse *pointcloud.Cloud,
	views []camera.View,
	depthMaps []*camera.DepthMap,
	opts Options,
) (*pointcloud.Cloud, Stats, error) {
	if err := f.validate(views, depthMaps); err != nil {
		return nil, Stats{}, err
	}
	minDepth, maxDepth, err := f.depthRange(sparse, views, depthMaps)
	if err != nil {
		return nil, Stats{}, err
	}
	if opts.NumPhotometricConsistencySteps < 0 {
		opts.NumPhotometricConsistencySteps = 0
	}

	current := make([]*camera.DepthMap, len(depthMaps))
	for i, dm := range depthMaps {
		current[i] = dm.Clone()
	}

	stats := Stats{}
	for iter := 0; iter < opts.NumPhotometricConsistencySteps; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, Stats{}, err
		}
		searchRadius := (maxDepth - minDepth) / 2 * math.Pow(0.5, float64(iter))

		// each view refines against the previous iteration's maps only, so
		// the per-view passes fan out and join before the convergence check
		next := make([]*camera.DepthMap, len(views))
		viewDeltas := make([]float64, len(views))
		fns := make([]utils.SimpleFunc, len(views))
		for ref := range views {
			ref := ref
			fns[ref] = func(context.Context) error {
				next[ref], viewDeltas[ref] = f.refineView(ref, views, current, iter, minDepth, maxDepth, searchRadius)
				return nil
			}
		}
		if _, err := utils.RunInParallel(ctx, fns); err != nil {
			return nil, Stats{}, err
		}

		totalDelta := 0.0
		totalPixels := 0
		for ref := range views {
			current[ref] = next[ref]
			totalDelta += viewDeltas[ref]
			totalPixels += next[ref].Width() * next[ref].Height()
		}
		stats.Iterations = iter + 1
		meanDelta := 0.0
		if totalPixels > 0 {
			meanDelta = totalDelta / float64(totalPixels)
		}
		f.logger.Debugw("patch-match iteration", "iteration", iter, "meanDepthDelta", meanDelta)
		if meanDelta < convergenceEpsilon {
			stats.Converged = true
			break
		}
	}

	fused := f.fuse(ctx, views, current, opts.MinPhotometricConsistency)
	stats.FusedPoints = fused.Size()
	f.logger.Infow("fused depth maps",
		"views", len(views), "iterations", stats.Iterations,
		"converged", stats.Converged, "points", stats.FusedPoints)
	return fused, stats, nil
}

func (f *Fuser) validate(views []camera.View, depthMaps []*camera.DepthMap) error {
	if len(views) < 2 {
		return errors.Wrapf(ErrInitializationFailed, "need at least 2 views, got %d", len(views))
	}
	if len(depthMaps) != len(views) {
		return errors.Wrapf(ErrInitializationFailed, "%d depth maps for %d views", len(depthMaps), len(views))
	}
	for i := range views {
		if err := views[i].CheckValid(); err != nil {
			return errors.Wrapf(ErrInitializationFailed, "view %d: %s", i, err)
		}
		if depthMaps[i] == nil || !depthMaps[i].HasData() {
			return errors.Wrapf(ErrInitializationFailed, "depth map %d is empty", i)
		}
		if depthMaps[i].Width() != views[i].Intrinsics.Width || depthMaps[i].Height() != views[i].Intrinsics.Height {
			return errors.Wrapf(ErrInitializationFailed, "depth map %d size %dx%d does not match view %dx%d",
				i, depthMaps[i].Width(), depthMaps[i].Height(), views[i].Intrinsics.Width, views[i].Intrinsics.Height)
		}
	}
	return nil
}

// depthRange derives the search interval from the sparse cloud projected into
// the views, falling back to the initial maps' measurements.
func (f *Fuser) depthRange(sparse *pointcloud.Cloud, views []camera.View, depthMaps []*camera.DepthMap) (float64, float64, error) {
	minD, maxD := math.Inf(1), 0.0
	if sparse != nil {
		sparse.Iterate(0, 0, func(i int, p pointcloud.Point) bool {
			for v := range views {
				z := views[v].WorldToCamera(p.Position).Z
				if z > 0 {
					minD = math.Min(minD, z)
					maxD = math.Max(maxD, z)
				}
			}
			return true
		})
	}
	for _, dm := range depthMaps {
		lo, hi := dm.MinMax()
		if hi > 0 {
			minD = math.Min(minD, lo)
			maxD = math.Max(maxD, hi)
		}
	}
	if maxD <= 0 || math.IsInf(minD, 1) {
		return 0, 0, errors.Wrap(ErrInitializationFailed, "no depth prior in sparse cloud or initial maps")
	}
	return minD, maxD, nil
}

// refineView runs one propagation plus random-search pass over a reference
// view, parallel per pixel, reading the previous iteration's maps and writing
// a fresh one. Returns the new map and the summed absolute depth change.
func (f *Fuser) refineView(
	ref int,
	views []camera.View,
	maps []*camera.DepthMap,
	iter int,
	minDepth, maxDepth, searchRadius float64,
) (*camera.DepthMap, float64) {
	prev := maps[ref]
	width, height := prev.Width(), prev.Height()
	next := camera.NewEmptyDepthMap(width, height)
	deltas := make([]float64, width*height)

	utils.ParallelForEachPixel(image.Point{width, height}, func(x, y int) {
		currentDepth := prev.GetDepth(x, y)
		candidates := make([]float64, 0, 5+randomCandidates)
		candidates = append(candidates, currentDepth)
		for _, n := range [][2]int{{x - 1, y}, {x, y - 1}, {x + 1, y}, {x, y + 1}} {
			if n[0] >= 0 && n[0] < width && n[1] >= 0 && n[1] < height {
				if d := prev.GetDepth(n[0], n[1]); d > 0 {
					candidates = append(candidates, d)
				}
			}
		}
		for c := 0; c < randomCandidates; c++ {
			u := 2*hashRand(uint32(x), uint32(y), uint32(iter), uint32(c)) - 1
			d := currentDepth
			if d <= 0 {
				d = minDepth + hashRand(uint32(x), uint32(y), uint32(iter), uint32(c)+17)*(maxDepth-minDepth)
			} else {
				d += u * searchRadius
			}
			if d >= minDepth && d <= maxDepth {
				candidates = append(candidates, d)
			}
		}

		bestDepth := currentDepth
		bestScore := math.Inf(-1)
		if currentDepth > 0 {
			bestScore = f.consistency(ref, views, x, y, currentDepth)
		}
		for _, d := range candidates[1:] {
			if d <= 0 {
				continue
			}
			if s := f.consistency(ref, views, x, y, d); s > bestScore {
				bestScore = s
				bestDepth = d
			}
		}
		next.Set(x, y, bestDepth)
		deltas[x+y*width] = math.Abs(bestDepth - currentDepth)
	})

	total := 0.0
	for _, d := range deltas {
		total += d
	}
	return next, total
}

// consistency scores the depth hypothesis for pixel (x, y) of the reference
// view by normalized cross-correlation of its patch against every other view,
// mapped to [0,1] and averaged. Hypotheses no other view can see score zero.
func (f *Fuser) consistency(ref int, views []camera.View, x, y int, depth float64) float64 {
	refView := &views[ref]
	world := refView.CameraToWorld(refView.Intrinsics.PixelToPoint(float64(x), float64(y), depth))
	total := 0.0
	seen := 0
	for v := range views {
		if v == ref {
			continue
		}
		other := &views[v]
		cam := other.WorldToCamera(world)
		if cam.Z <= 0 {
			continue
		}
		px, py := other.Intrinsics.PointToPixel(cam)
		ncc, ok := patchNCC(refView, other, x, y, px, py)
		if !ok {
			continue
		}
		total += (ncc + 1) / 2
		seen++
	}
	if seen == 0 {
		return 0
	}
	return total / float64(seen)
}

// patchNCC computes normalized cross-correlation between the reference patch
// at integer (x, y) and the other view's patch at fractional (px, py). Flat
// patches in both views correlate perfectly; a flat patch against a textured
// one does not.
func patchNCC(ref, other *camera.View, x, y int, px, py float64) (float64, bool) {
	var a, b [((2*patchRadius + 1) * (2*patchRadius + 1))]float64
	n := 0
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			va, okA := ref.SampleIntensity(float64(x+dx), float64(y+dy))
			vb, okB := other.SampleIntensity(px+float64(dx), py+float64(dy))
			if !okA || !okB {
				return 0, false
			}
			a[n], b[n] = va, vb
			n++
		}
	}
	meanA, meanB := 0.0, 0.0
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)
	varA, varB, cov := 0.0, 0.0, 0.0
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		varA += da * da
		varB += db * db
		cov += da * db
	}
	const flat = 1e-12
	if varA < flat && varB < flat {
		return 1, true
	}
	if varA < flat || varB < flat {
		return 0, true
	}
	return cov / math.Sqrt(varA*varB), true
}

// fuse unprojects every confident pixel into a world-space oriented point.
// Normals come from the cross product of neighboring unprojections and are
// flipped to face the camera.
func (f *Fuser) fuse(ctx context.Context, views []camera.View, maps []*camera.DepthMap, minConsistency float64) *pointcloud.Cloud {
	out := pointcloud.New()
	for ref := range views {
		refView := &views[ref]
		dm := maps[ref]
		width, height := dm.Width(), dm.Height()
		points := make([]pointcloud.Point, width*height)
		keep := make([]bool, width*height)
		utils.ParallelForEachPixel(image.Point{width, height}, func(x, y int) {
			depth := dm.GetDepth(x, y)
			if depth <= 0 {
				return
			}
			score := f.consistency(ref, views, x, y, depth)
			if score < minConsistency {
				return
			}
			world := refView.CameraToWorld(refView.Intrinsics.PixelToPoint(float64(x), float64(y), depth))
			normal := f.surfaceNormal(refView, dm, x, y, world)
			points[x+y*width] = pointcloud.NewPoint(world, normal, score)
			keep[x+y*width] = true
		})
		if ctx.Err() != nil {
			return pointcloud.New()
		}
		for i, ok := range keep {
			if ok {
				out.Append(points[i])
			}
		}
	}
	return out
}

// surfaceNormal estimates the local surface normal at a depth pixel from
// adjacent unprojections, falling back to facing the camera when the
// neighborhood is unusable.
func (f *Fuser) surfaceNormal(view *camera.View, dm *camera.DepthMap, x, y int, world r3.Vector) r3.Vector {
	camPos := view.CameraToWorld(r3.Vector{})
	toCam := camPos.Sub(world)
	unproject := func(px, py int) (r3.Vector, bool) {
		if px < 0 || px >= dm.Width() || py < 0 || py >= dm.Height() {
			return r3.Vector{}, false
		}
		d := dm.GetDepth(px, py)
		if d <= 0 {
			return r3.Vector{}, false
		}
		return view.CameraToWorld(view.Intrinsics.PixelToPoint(float64(px), float64(py), d)), true
	}
	right, okR := unproject(x+1, y)
	down, okD := unproject(x, y+1)
	if okR && okD {
		n := right.Sub(world).Cross(down.Sub(world))
		if n.Norm() > 0 {
			n = n.Normalize()
			if n.Dot(toCam) < 0 {
				n = n.Mul(-1)
			}
			return n
		}
	}
	if toCam.Norm() > 0 {
		return toCam.Normalize()
	}
	return r3.Vector{Z: -1}
}

// hashRand returns a deterministic pseudo-random value in [0,1) derived from
// the pixel, iteration, and salt, so the random search needs no shared rng
// state across parallel kernels.
func hashRand(x, y, iter, salt uint32) float64 {
	h := x*73856093 ^ y*19349663 ^ iter*83492791 ^ salt*2654435761
	h ^= h << 13
	h ^= h >> 17
	h ^= h << 5
	return float64(h) / float64(math.MaxUint32+1.0)
}
