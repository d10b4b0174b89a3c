// Package poisson assembles the sparse linear system whose solution is the
// implicit surface field: the field's gradient is fit to the input normals in
// the least-squares sense, screened so the field vanishes at the samples.
package poisson

import (
	"math"

	"github.com/pkg/errors"
)

// SparseMatrix is a triplet-list sparse matrix. Duplicate (row, col) entries
// are valid and are summed when the matrix is applied. Instances are built
// fresh per reconstruction pass and discarded after solving.
type SparseMatrix struct {
	dim  int
	rows []int
	cols []int
	vals []float64
}

// NewSparseMatrix returns an empty dim x dim matrix.
func NewSparseMatrix(dim int) *SparseMatrix {
	return &SparseMatrix{dim: dim}
}

// Dim returns the matrix dimension.
func (m *SparseMatrix) Dim() int {
	return m.dim
}

// NNZ returns the number of stored triplets, duplicates included.
func (m *SparseMatrix) NNZ() int {
	return len(m.vals)
}

// Add accumulates v at (row, col).
func (m *SparseMatrix) Add(row, col int, v float64) {
	m.rows = append(m.rows, row)
	m.cols = append(m.cols, col)
	m.vals = append(m.vals, v)
}

// Merge appends all triplets of other into m.
func (m *SparseMatrix) Merge(other *SparseMatrix) {
	m.rows = append(m.rows, other.rows...)
	m.cols = append(m.cols, other.cols...)
	m.vals = append(m.vals, other.vals...)
}

// Validate checks every triplet is in range and finite. Solvers call this
// before iterating so malformed systems fail instead of producing undefined
// geometry downstream.
func (m *SparseMatrix) Validate() error {
	for i, v := range m.vals {
		if m.rows[i] < 0 || m.rows[i] >= m.dim || m.cols[i] < 0 || m.cols[i] >= m.dim {
			return errors.Errorf("triplet %d out of range: (%d,%d) in %dx%d matrix", i, m.rows[i], m.cols[i], m.dim, m.dim)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("triplet %d at (%d,%d) is not finite", i, m.rows[i], m.cols[i])
		}
	}
	return nil
}

// MulVec computes y = M x, summing duplicate triplets as it goes. x and y must
// both have length Dim; y is overwritten.
func (m *SparseMatrix) MulVec(x, y []float64) {
	for i := range y {
		y[i] = 0
	}
	for i, v := range m.vals {
		y[m.rows[i]] += v * x[m.cols[i]]
	}
}

// MaxDiagonal returns the largest accumulated diagonal value.
func (m *SparseMatrix) MaxDiagonal() float64 {
	diag := make([]float64, m.dim)
	for i, v := range m.vals {
		if m.rows[i] == m.cols[i] {
			diag[m.rows[i]] += v
		}
	}
	maxV := 0.0
	for _, v := range diag {
		if v > maxV {
			maxV = v
		}
	}
	return maxV
}
