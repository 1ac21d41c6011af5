// Package linalg provides the mask bookkeeping and low-rank matrix helpers
// used by the iterative ensemble smoother: gathering active submatrices out of
// full-size matrices, scattering results back, and the truncated SVD based
// inversions of the observation error covariance.
package linalg

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// CountActive returns the number of true entries in mask.
func CountActive(mask []bool) int {
	n := 0
	for _, active := range mask {
		if active {
			n++
		}
	}
	return n
}

// ActiveIndices returns the original slot index for every active position, in
// ascending order. The result maps compact (active) indices back to slots in
// the full-size matrices and must be recomputed whenever the mask changes.
func ActiveIndices(mask []bool) []int {
	idx := make([]int, 0, CountActive(mask))
	for i, active := range mask {
		if active {
			idx = append(idx, i)
		}
	}
	return idx
}

// AllTrue returns a mask of length n with every entry active.
func AllTrue(n int) []bool {
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = true
	}
	return mask
}

// Extract copies the entries of full selected by both masks into a new dense
// matrix of shape (CountActive(rowMask), CountActive(colMask)), preserving
// relative order. full must have exactly len(rowMask) rows and len(colMask)
// columns.
func Extract(full mat.Matrix, rowMask, colMask []bool) (*mat.Dense, error) {
	rows, cols := full.Dims()
	if rows != len(rowMask) || cols != len(colMask) {
		return nil, fmt.Errorf("%w: matrix is %dx%d, masks are %dx%d",
			ErrDimension, rows, cols, len(rowMask), len(colMask))
	}

	rowIdx := ActiveIndices(rowMask)
	colIdx := ActiveIndices(colMask)
	if len(rowIdx) == 0 || len(colIdx) == 0 {
		return &mat.Dense{}, nil
	}

	active := mat.NewDense(len(rowIdx), len(colIdx), nil)
	for i, r := range rowIdx {
		for j, c := range colIdx {
			active.Set(i, j, full.At(r, c))
		}
	}
	return active, nil
}

// Scatter writes the compact matrix back into full at the positions selected
// by the masks and zeroes every inactive row and column of full. It is the
// inverse of Extract for the active block.
func Scatter(full *mat.Dense, compact mat.Matrix, rowMask, colMask []bool) error {
	rows, cols := full.Dims()
	if rows != len(rowMask) || cols != len(colMask) {
		return fmt.Errorf("%w: matrix is %dx%d, masks are %dx%d",
			ErrDimension, rows, cols, len(rowMask), len(colMask))
	}
	cr, cc := compact.Dims()
	rowIdx := ActiveIndices(rowMask)
	colIdx := ActiveIndices(colMask)
	if cr != len(rowIdx) || cc != len(colIdx) {
		return fmt.Errorf("%w: compact matrix is %dx%d, masks select %dx%d",
			ErrDimension, cr, cc, len(rowIdx), len(colIdx))
	}

	full.Zero()
	for i, r := range rowIdx {
		for j, c := range colIdx {
			full.Set(r, c, compact.At(i, j))
		}
	}
	return nil
}
