// Package octree implements an adaptive octree over oriented point clouds. It
// localizes the Gaussian basis functions used by the implicit-surface solver
// and answers the neighbor queries system assembly and field evaluation need.
package octree

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/scalpscan/recon/pointcloud"
	"github.com/scalpscan/recon/utils"
)

const sqrt3 = 1.7320508075688772

// Node is a single octree cell. Internal nodes own exactly 8 children; leaves
// own none. Occupied leaves carry the indices of the points that fell into
// them and host one basis function centered on the cell.
type Node struct {
	center   r3.Vector
	halfSize float64
	depth    int
	children []*Node
	points   []int

	basisIndex int
	sigma      float64
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.children) == 0
}

// Center returns the cell center, which is also the basis-function center.
func (n *Node) Center() r3.Vector {
	return n.center
}

// HalfSize returns half the cell's side length.
func (n *Node) HalfSize() float64 {
	return n.halfSize
}

// Depth returns the node's depth, 0 at the root.
func (n *Node) Depth() int {
	return n.depth
}

// Points returns the indices of cloud points inside this leaf.
func (n *Node) Points() []int {
	return n.points
}

// BasisIndex returns the node's row in the linear system, or -1 when the node
// hosts no basis function.
func (n *Node) BasisIndex() int {
	return n.basisIndex
}

// Sigma returns the width of the node's Gaussian basis function.
func (n *Node) Sigma() float64 {
	return n.sigma
}

// SupportRadius returns the distance beyond which the basis function is
// treated as zero.
func (n *Node) SupportRadius() float64 {
	return 3 * n.sigma
}

// BasisWeight evaluates the node's Gaussian basis at p.
func (n *Node) BasisWeight(p r3.Vector) float64 {
	d2 := p.Sub(n.center).Norm2()
	r := n.SupportRadius()
	if d2 > r*r {
		return 0
	}
	return math.Exp(-d2 / (2 * n.sigma * n.sigma))
}

// BasisGradient evaluates the spatial gradient of the node's basis at p.
func (n *Node) BasisGradient(p r3.Vector) r3.Vector {
	w := n.BasisWeight(p)
	if w == 0 {
		return r3.Vector{}
	}
	return p.Sub(n.center).Mul(-w / (n.sigma * n.sigma))
}

// Octree is an adaptive spatial partition of a point cloud. Subdivision stops
// at maxDepth or when a cell holds no more than leafCapacity points, so every
// input point falls in exactly one leaf.
type Octree struct {
	cloud        *pointcloud.Cloud
	root         *Node
	maxDepth     int
	leafCapacity int
	scale        float64

	basisNodes []*Node
	nodeCount  int
}

// Build constructs an octree over the cloud's padded bounding cube. scale
// multiplies each node's half-size to produce its basis width; it must be
// positive.
func Build(cloud *pointcloud.Cloud, maxDepth, leafCapacity int, scale float64) (*Octree, error) {
	if scale <= 0 || math.IsNaN(scale) {
		return nil, errors.Errorf("basis scale must be positive, got %v", scale)
	}
	if maxDepth < 0 {
		maxDepth = 0
	}
	if leafCapacity < 1 {
		leafCapacity = 1
	}
	center, half := cloud.BoundingCube(0.1)
	tree := &Octree{
		cloud:        cloud,
		maxDepth:     maxDepth,
		leafCapacity: leafCapacity,
		scale:        scale,
	}
	all := make([]int, cloud.Size())
	for i := range all {
		all[i] = i
	}
	tree.root = tree.subdivide(center, half, 0, all)
	return tree, nil
}

func (t *Octree) subdivide(center r3.Vector, halfSize float64, depth int, idx []int) *Node {
	t.nodeCount++
	node := &Node{
		center:     center,
		halfSize:   halfSize,
		depth:      depth,
		basisIndex: -1,
		sigma:      t.scale * halfSize,
	}
	if len(idx) <= t.leafCapacity || depth >= t.maxDepth {
		node.points = idx
		if len(idx) > 0 {
			node.basisIndex = len(t.basisNodes)
			t.basisNodes = append(t.basisNodes, node)
		}
		return node
	}
	buckets := make([][]int, 8)
	for _, i := range idx {
		p := t.cloud.At(i).Position
		oct := 0
		if p.X >= center.X {
			oct |= 1
		}
		if p.Y >= center.Y {
			oct |= 2
		}
		if p.Z >= center.Z {
			oct |= 4
		}
		buckets[oct] = append(buckets[oct], i)
	}
	quarter := halfSize / 2
	node.children = make([]*Node, 8)
	for oct := 0; oct < 8; oct++ {
		offset := r3.Vector{X: -quarter, Y: -quarter, Z: -quarter}
		if oct&1 != 0 {
			offset.X = quarter
		}
		if oct&2 != 0 {
			offset.Y = quarter
		}
		if oct&4 != 0 {
			offset.Z = quarter
		}
		node.children[oct] = t.subdivide(center.Add(offset), quarter, depth+1, buckets[oct])
	}
	return node
}

// Root returns the root node.
func (t *Octree) Root() *Node {
	return t.root
}

// NodeCount returns the total number of nodes in the tree.
func (t *Octree) NodeCount() int {
	return t.nodeCount
}

// BasisNodes returns the occupied leaves, ordered by basis index.
func (t *Octree) BasisNodes() []*Node {
	return t.basisNodes
}

// LeafCount returns the number of occupied leaves.
func (t *Octree) LeafCount() int {
	return len(t.basisNodes)
}

// FindNodesNear returns the occupied leaves whose basis support intersects the
// sphere (q, radius).
func (t *Octree) FindNodesNear(q r3.Vector, radius float64) []*Node {
	var found []*Node
	t.findNear(t.root, q, radius, &found)
	return found
}

func (t *Octree) findNear(n *Node, q r3.Vector, radius float64, found *[]*Node) {
	// conservative prune: no descendant's support can reach past the cell's
	// circumscribed sphere plus the widest support at this level
	reach := radius + n.halfSize*sqrt3 + 3*t.scale*n.halfSize
	if q.Sub(n.center).Norm2() > reach*reach {
		return
	}
	if n.IsLeaf() {
		if n.basisIndex < 0 {
			return
		}
		limit := radius + n.SupportRadius()
		if q.Sub(n.center).Norm2() <= limit*limit {
			*found = append(*found, n)
		}
		return
	}
	for _, child := range n.children {
		t.findNear(child, q, radius, found)
	}
}

// CellSize returns the spacing of a gridSize lattice spanning the tree bounds.
func (t *Octree) CellSize(gridSize int) float64 {
	if gridSize < 2 {
		return 2 * t.root.halfSize
	}
	return 2 * t.root.halfSize / float64(gridSize-1)
}

// Origin returns the minimum corner of the tree bounds.
func (t *Octree) Origin() r3.Vector {
	h := t.root.halfSize
	return t.root.center.Sub(r3.Vector{X: h, Y: h, Z: h})
}

// EvaluateField fills grid, a dense gridSize^3 lattice over the tree bounds
// (x fastest), with the sum of coefficient-weighted basis contributions at
// each sample. Evaluation is parallel over samples.
func (t *Octree) EvaluateField(ctx context.Context, coeffs, grid []float64, gridSize int) error {
	if len(coeffs) != len(t.basisNodes) {
		return errors.Errorf("expected %d coefficients, got %d", len(t.basisNodes), len(coeffs))
	}
	if gridSize < 2 {
		return errors.Errorf("grid size must be at least 2, got %d", gridSize)
	}
	if len(grid) != gridSize*gridSize*gridSize {
		return errors.Errorf("expected grid of %d samples, got %d", gridSize*gridSize*gridSize, len(grid))
	}
	origin := t.Origin()
	cell := t.CellSize(gridSize)
	return utils.GroupWorkParallel(ctx, len(grid),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				i := workNum % gridSize
				j := (workNum / gridSize) % gridSize
				k := workNum / (gridSize * gridSize)
				pos := origin.Add(r3.Vector{X: float64(i) * cell, Y: float64(j) * cell, Z: float64(k) * cell})
				var sum float64
				for _, n := range t.FindNodesNear(pos, 0) {
					sum += coeffs[n.basisIndex] * n.BasisWeight(pos)
				}
				grid[workNum] = sum
			}, nil
		})
}
