package ies

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ensembletools/go-iterative-smoother/linalg"
)

// inverter solves the regularized least-squares system of one iteration and
// applies the update in place as the convex combination
// W0 <- steplength*update + (1-steplength)*W0. The four implementations
// differ only in how the observation error covariance is represented.
type inverter interface {
	solve(w0, s, h *mat.Dense, in inversionInputs) error
}

// inversionInputs carries the optional operands of the subspace strategies.
type inversionInputs struct {
	e          *mat.Dense // active observation perturbations
	r          *mat.Dense // analytic error covariance
	truncation linalg.Truncation
	steplength float64
}

func newInverter(kind Inversion) (inverter, error) {
	switch kind {
	case InversionExact:
		return exactInverter{}, nil
	case InversionSubspaceExactR, InversionSubspaceEER, InversionSubspaceRE:
		return subspaceInverter{kind: kind}, nil
	}
	return nil, fmt.Errorf("%w: unknown inversion %d", ErrConfig, int(kind))
}

// exactInverter solves (SᵗS + I)⁻¹ SᵗH through a symmetric
// eigendecomposition, exact when the error covariance is the identity.
type exactInverter struct{}

func (exactInverter) solve(w0, s, h *mat.Dense, in inversionInputs) error {
	_, ens := s.Dims()

	var sts mat.Dense
	sts.Mul(s.T(), s)
	sym := mat.NewSymDense(ens, nil)
	for i := 0; i < ens; i++ {
		for j := i; j < ens; j++ {
			v := 0.5 * (sts.At(i, j) + sts.At(j, i))
			if i == j {
				v += 1.0
			}
			sym.SetSym(i, j, v)
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return fmt.Errorf("%w: eigendecomposition of SᵗS+I did not converge", ErrNumerical)
	}
	var z mat.Dense
	es.VectorsTo(&z)
	lambda := es.Values(nil)

	var sth, ztsth mat.Dense
	sth.Mul(s.T(), h)
	ztsth.Mul(z.T(), &sth)

	// All eigenvalues are >= 1 since SᵗS is positive semi-definite.
	_, cols := ztsth.Dims()
	for i, l := range lambda {
		inv := 1.0 / l
		for j := 0; j < cols; j++ {
			ztsth.Set(i, j, ztsth.At(i, j)*inv)
		}
	}

	var update mat.Dense
	update.Mul(&z, &ztsth)
	blend(w0, &update, in.steplength)
	return nil
}

// subspaceInverter solves Sᵗ(SSᵗ + Cee)⁻¹H with a truncated low-rank
// representation of the error covariance: the analytic R, the empirical
// E*Eᵗ, or the perturbation ensemble E directly.
type subspaceInverter struct {
	kind Inversion
}

func (si subspaceInverter) solve(w0, s, h *mat.Dense, in inversionInputs) error {
	_, ens := s.Dims()
	nsc := 1.0 / math.Sqrt(float64(ens)-1.0)

	var (
		x1  *mat.Dense
		eig []float64
		err error
	)
	switch si.kind {
	case InversionSubspaceRE:
		var scaledE mat.Dense
		scaledE.Scale(nsc, in.e)
		x1, eig, err = linalg.LowRankE(s, &scaledE, in.truncation)
	case InversionSubspaceEER:
		var cee mat.Dense
		cee.Mul(in.e, in.e.T())
		cee.Scale(1.0/(float64(ens-1)*float64(ens-1)), &cee)
		x1, eig, err = linalg.LowRankCinv(s, &cee, in.truncation)
	case InversionSubspaceExactR:
		var scaledR mat.Dense
		scaledR.Scale(nsc*nsc, in.r)
		x1, eig, err = linalg.LowRankCinv(s, &scaledR, in.truncation)
	default:
		return fmt.Errorf("%w: unknown subspace inversion %d", ErrConfig, int(si.kind))
	}
	if err != nil {
		return err
	}

	x3 := linalg.GenX3(x1, h, eig)
	var update mat.Dense
	update.Mul(s.T(), x3)
	blend(w0, &update, in.steplength)
	return nil
}

// blend applies the damped update W0 <- steplength*update + (1-steplength)*W0.
func blend(w0 *mat.Dense, update mat.Matrix, steplength float64) {
	var scaled mat.Dense
	scaled.Scale(steplength, update)
	w0.Scale(1.0-steplength, w0)
	w0.Add(w0, &scaled)
}
