// Package solver implements a data-parallel conjugate-gradient solver for the
// symmetric positive-definite systems produced by system assembly.
package solver

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/scalpscan/recon/utils"
)

// ErrNonConvergence is a non-fatal signal that the solver stopped before
// reaching tolerance. The returned iterate is the best one observed and may
// still be usable; callers decide whether to degrade or abort.
var ErrNonConvergence = errors.New("conjugate gradient did not converge")

// divergenceStreak is how many consecutive residual increases are tolerated
// before the solve aborts with the last stable iterate.
const divergenceStreak = 3

// System is anything the solver can iterate against.
type System interface {
	Dim() int
	MulVec(x, y []float64)
	Validate() error
}

// Result carries the solved coefficients and convergence diagnostics.
// Residual is relative to the right-hand side norm. Parallel floating-point
// reduction order is not bit-exact across runs; judge results by tolerance.
type Result struct {
	X          []float64
	Iterations int
	Residual   float64
	Converged  bool
}

// CG is a conjugate-gradient solver with parallel vector kernels.
type CG struct {
	logger golog.Logger
}

// NewCG returns a solver logging through the given logger.
func NewCG(logger golog.Logger) *CG {
	return &CG{logger: logger}
}

// Solve iterates until the relative residual norm drops below tolerance or
// maxIterations is reached. If the residual grows over several consecutive
// iterations the solve aborts early and returns the last stable iterate
// alongside ErrNonConvergence. Cancellation between iterations returns
// ctx.Err() and no iterate.
func (cg *CG) Solve(ctx context.Context, m System, b []float64, maxIterations int, tolerance float64) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, errors.Wrap(err, "refusing to solve malformed system")
	}
	n := m.Dim()
	if len(b) != n {
		return Result{}, errors.Errorf("rhs length %d does not match system dimension %d", len(b), n)
	}
	if maxIterations < 1 {
		maxIterations = 1
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	x := make([]float64, n)
	r := make([]float64, n)
	copy(r, b)
	p := make([]float64, n)
	copy(p, b)
	ap := make([]float64, n)

	rsOld := cg.dot(ctx, r, r)
	bNorm := math.Sqrt(rsOld)
	if bNorm == 0 {
		return Result{X: x, Residual: 0, Converged: true}, nil
	}

	best := make([]float64, n)
	copy(best, x)
	bestResidual := 1.0
	prevResidual := 1.0
	increases := 0

	for iter := 1; iter <= maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		m.MulVec(p, ap)
		pap := cg.dot(ctx, p, ap)
		if pap <= 0 || math.IsNaN(pap) {
			cg.logger.Warnw("search direction lost positive definiteness", "iteration", iter, "pAp", pap)
			return Result{X: best, Iterations: iter, Residual: bestResidual}, ErrNonConvergence
		}
		alpha := rsOld / pap
		cg.axpy(ctx, alpha, p, x)
		cg.axpy(ctx, -alpha, ap, r)

		rsNew := cg.dot(ctx, r, r)
		residual := math.Sqrt(rsNew) / bNorm
		if residual < bestResidual {
			bestResidual = residual
			copy(best, x)
		}
		if residual < tolerance {
			cg.logger.Debugw("cg converged", "iterations", iter, "residual", residual)
			return Result{X: x, Iterations: iter, Residual: residual, Converged: true}, nil
		}
		if residual > prevResidual {
			increases++
			if increases >= divergenceStreak {
				cg.logger.Warnw("residual increased repeatedly, aborting solve",
					"iteration", iter, "residual", residual, "best", bestResidual)
				return Result{X: best, Iterations: iter, Residual: bestResidual}, ErrNonConvergence
			}
		} else {
			increases = 0
		}
		prevResidual = residual

		beta := rsNew / rsOld
		for i := range p {
			p[i] = r[i] + beta*p[i]
		}
		rsOld = rsNew
	}
	cg.logger.Warnw("cg hit iteration cap", "iterations", maxIterations, "residual", bestResidual)
	return Result{X: best, Iterations: maxIterations, Residual: bestResidual}, ErrNonConvergence
}

// dot computes a·b with per-group partial sums merged at the join, so the
// reduction is tree-structured rather than a single serial accumulation.
func (cg *CG) dot(ctx context.Context, a, b []float64) float64 {
	var partials []float64
	//nolint:errcheck
	utils.GroupWorkParallel(ctx, len(a),
		func(numGroups int) {
			partials = make([]float64, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			sum := 0.0
			return func(memberNum, workNum int) {
					sum += a[workNum] * b[workNum]
				}, func() {
					partials[groupNum] = sum
				}
		})
	total := 0.0
	for _, s := range partials {
		total += s
	}
	return total
}

// axpy computes y += alpha * x elementwise in parallel.
func (cg *CG) axpy(ctx context.Context, alpha float64, x, y []float64) {
	//nolint:errcheck
	utils.GroupWorkParallel(ctx, len(y),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				y[workNum] += alpha * x[workNum]
			}, nil
		})
}
