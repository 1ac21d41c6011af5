package linalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SVDTruncated computes the thin SVD of S and applies the truncation policy.
// It returns the left singular vectors U0 (nrobs x nrmin), the inverted
// significant singular values with the discarded tail zeroed (length nrmin),
// and the retained rank. Inverting only the significant values means noise
// directions beyond the truncation never get amplified.
func SVDTruncated(S mat.Matrix, trunc Truncation) (*mat.Dense, []float64, int, error) {
	if err := trunc.Validate(); err != nil {
		return nil, nil, 0, err
	}

	var svd mat.SVD
	if !svd.Factorize(S, mat.SVDThinU) {
		return nil, nil, 0, fmt.Errorf("%w: SVD of %s matrix did not converge",
			ErrNumerical, dims(S))
	}

	var u0 mat.Dense
	svd.UTo(&u0)
	sig := svd.Values(nil)

	rank := trunc.significantComponents(sig)
	invSig := make([]float64, len(sig))
	for i := 0; i < rank; i++ {
		if sig[i] <= 0 {
			rank = i
			break
		}
		invSig[i] = 1.0 / sig[i]
	}
	return &u0, invSig, rank, nil
}

// LowRankCinv builds the truncated eigen-representation of (S*Sᵗ + Cee)⁻¹
// for a full noise covariance Cee. It returns X1 (nrobs x nrmin) and the
// inverted eigenvalues 1/(1+λ) so that the inverse is reconstructed as
// X1 * diag(eig) * X1ᵗ.
func LowRankCinv(S, Cee mat.Matrix, trunc Truncation) (*mat.Dense, []float64, error) {
	_, nrens := S.Dims()
	u0, invSig, _, err := SVDTruncated(S, trunc)
	if err != nil {
		return nil, nil, err
	}
	nrmin := len(invSig)

	// B = (N-1) * Sigma0⁺ * U0ᵗ * Cee * U0 * Sigma0⁺
	var u0tC, b mat.Dense
	u0tC.Mul(u0.T(), Cee)
	b.Mul(&u0tC, u0)
	for i := 0; i < nrmin; i++ {
		for j := 0; j < nrmin; j++ {
			b.Set(i, j, b.At(i, j)*invSig[i]*invSig[j]*float64(nrens-1))
		}
	}

	sym := mat.NewSymDense(nrmin, nil)
	for i := 0; i < nrmin; i++ {
		for j := i; j < nrmin; j++ {
			sym.SetSym(i, j, 0.5*(b.At(i, j)+b.At(j, i)))
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, nil, fmt.Errorf("%w: eigendecomposition of %dx%d noise projection did not converge",
			ErrNumerical, nrmin, nrmin)
	}
	var z mat.Dense
	es.VectorsTo(&z)
	lambda := es.Values(nil)

	eig := make([]float64, nrmin)
	for i, l := range lambda {
		eig[i] = 1.0 / (1.0 + l)
	}

	// Z2 = Sigma0⁺ * Z, then X1 = U0 * Z2.
	for i := 0; i < nrmin; i++ {
		for j := 0; j < nrmin; j++ {
			z.Set(i, j, z.At(i, j)*invSig[i])
		}
	}
	var x1 mat.Dense
	x1.Mul(u0, &z)
	return &x1, eig, nil
}

// LowRankE builds the same representation as LowRankCinv but with the noise
// covariance represented directly by the scaled perturbation ensemble E,
// avoiding the explicit E*Eᵗ product. Linear rather than quadratic in the
// ensemble size.
func LowRankE(S, E mat.Matrix, trunc Truncation) (*mat.Dense, []float64, error) {
	u0, invSig, _, err := SVDTruncated(S, trunc)
	if err != nil {
		return nil, nil, err
	}
	nrmin := len(invSig)

	// X0 = Sigma0⁺ * U0ᵗ * E
	var x0 mat.Dense
	x0.Mul(u0.T(), E)
	rows, cols := x0.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			x0.Set(i, j, x0.At(i, j)*invSig[i])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(&x0, mat.SVDThinU) {
		return nil, nil, fmt.Errorf("%w: SVD of projected perturbations did not converge",
			ErrNumerical)
	}
	var u1 mat.Dense
	svd.UTo(&u1)
	sig1 := svd.Values(nil)

	eig := make([]float64, nrmin)
	for i := range eig {
		s := 0.0
		if i < len(sig1) {
			s = sig1[i]
		}
		eig[i] = 1.0 / (1.0 + s*s)
	}

	// X1 = U0 * Sigma0⁺ * U1
	u1r, u1c := u1.Dims()
	for i := 0; i < u1r; i++ {
		for j := 0; j < u1c; j++ {
			u1.Set(i, j, u1.At(i, j)*invSig[i])
		}
	}
	var x1 mat.Dense
	x1.Mul(u0, &u1)
	return &x1, eig, nil
}

// GenX3 reconstructs X3 = X1 * diag(eig) * X1ᵗ * H, the action of the
// low-rank inverse on the innovation residual.
func GenX3(X1, H mat.Matrix, eig []float64) *mat.Dense {
	nrobs, nrmin := X1.Dims()

	// diag(eig) * X1ᵗ
	x1t := mat.NewDense(nrmin, nrobs, nil)
	for i := 0; i < nrmin; i++ {
		for j := 0; j < nrobs; j++ {
			x1t.Set(i, j, eig[i]*X1.At(j, i))
		}
	}

	var x2, x3 mat.Dense
	x2.Mul(x1t, H)
	x3.Mul(X1, &x2)
	return &x3
}

// AllFinite reports whether every entry of m is finite.
func AllFinite(m mat.Matrix) bool {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func dims(m mat.Matrix) string {
	r, c := m.Dims()
	return fmt.Sprintf("%dx%d", r, c)
}
