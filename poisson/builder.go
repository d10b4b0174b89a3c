package poisson

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/scalpscan/recon/octree"
	"github.com/scalpscan/recon/pointcloud"
	"github.com/scalpscan/recon/utils"
)

// ErrInsufficientData means too few usable oriented points remain to assemble
// a solvable system.
var ErrInsufficientData = errors.New("insufficient oriented points for reconstruction")

// MinUsablePoints is the smallest number of points with normals the builder
// will assemble a system from.
const MinUsablePoints = 4

// diagonalJitter, relative to the largest diagonal entry, keeps the assembled
// Gram matrix positive definite when some basis functions are barely
// constrained.
const diagonalJitter = 1e-8

// ReconstructionParameters tune the octree and the assembled system.
type ReconstructionParameters struct {
	Depth          int
	SamplesPerNode int
	PointWeight    float64
	Scale          float64
}

// DefaultReconstructionParameters returns the parameters used when the caller
// does not supply any.
func DefaultReconstructionParameters() ReconstructionParameters {
	return ReconstructionParameters{
		Depth:          6,
		SamplesPerNode: 8,
		PointWeight:    4.0,
		Scale:          1.5,
	}
}

// Builder assembles the screened least-squares system A x = b over the
// octree's basis functions from oriented points.
type Builder struct {
	logger golog.Logger
}

// NewBuilder returns a Builder logging through the given logger.
func NewBuilder(logger golog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build assembles A and b. For every point carrying a normal, the leaves whose
// basis support (params.Scale times the cell size) covers the point contribute
// pairwise gradient products to A, a screening term pinning the field to zero
// at the sample, and gradient-dot-normal entries to b, all weighted by the
// point's confidence times params.PointWeight. Points lacking a normal are
// skipped. Assembly is parallel per point with per-group partial systems
// merged at the join.
func (bd *Builder) Build(
	ctx context.Context,
	cloud *pointcloud.Cloud,
	tree *octree.Octree,
	params ReconstructionParameters,
) (*SparseMatrix, []float64, error) {
	usable := 0
	cloud.Iterate(0, 0, func(i int, p pointcloud.Point) bool {
		if p.HasNormal {
			usable++
		}
		return true
	})
	if usable < MinUsablePoints {
		return nil, nil, errors.Wrapf(ErrInsufficientData, "%d points with normals, need %d", usable, MinUsablePoints)
	}
	dim := len(tree.BasisNodes())
	if dim == 0 {
		return nil, nil, errors.Wrap(ErrInsufficientData, "octree has no occupied leaves")
	}

	mat := NewSparseMatrix(dim)
	rhs := make([]float64, dim)
	var mergeMu sync.Mutex

	err := utils.GroupWorkParallel(ctx, cloud.Size(),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			local := NewSparseMatrix(dim)
			localRHS := make([]float64, dim)
			return func(memberNum, workNum int) {
					p := cloud.At(workNum)
					if !p.HasNormal {
						return
					}
					w := p.Confidence * params.PointWeight
					if w <= 0 {
						return
					}
					nodes := tree.FindNodesNear(p.Position, 0)
					weights := make([]float64, len(nodes))
					grads := make([][3]float64, len(nodes))
					for i, n := range nodes {
						weights[i] = n.BasisWeight(p.Position)
						g := n.BasisGradient(p.Position)
						grads[i] = [3]float64{g.X, g.Y, g.Z}
					}
					for i, ni := range nodes {
						gi := grads[i]
						localRHS[ni.BasisIndex()] += w * (gi[0]*p.Normal.X + gi[1]*p.Normal.Y + gi[2]*p.Normal.Z)
						for j, nj := range nodes {
							gj := grads[j]
							gg := gi[0]*gj[0] + gi[1]*gj[1] + gi[2]*gj[2]
							local.Add(ni.BasisIndex(), nj.BasisIndex(), w*(gg+weights[i]*weights[j]))
						}
					}
				}, func() {
					mergeMu.Lock()
					defer mergeMu.Unlock()
					mat.Merge(local)
					for i, v := range localRHS {
						rhs[i] += v
					}
				}
		})
	if err != nil {
		return nil, nil, err
	}

	if jitter := diagonalJitter * mat.MaxDiagonal(); jitter > 0 {
		for i := 0; i < dim; i++ {
			mat.Add(i, i, jitter)
		}
	}
	bd.logger.Debugw("assembled poisson system",
		"dim", dim, "nnz", mat.NNZ(), "usablePoints", usable)
	return mat, rhs, nil
}
