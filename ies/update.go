// Package ies implements the per-iteration update of an iterative ensemble
// smoother: given an ensemble of predicted measurements, observation
// perturbations and the state accumulated over earlier iterations, it solves
// a regularized least-squares system and returns a transform matrix that maps
// the initial parameter ensemble to an improved one. Realizations may drop
// out between iterations and observations may appear or disappear; the
// bookkeeping for both lives in Data.
package ies

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/ensembletools/go-iterative-smoother/linalg"
)

// RunIteration performs one smoother update. A is the current parameter
// ensemble (state size x active realizations), Y the predicted measurements,
// R the observation error covariance, E the observation perturbations and D
// the innovations (dObs + E - Y), all restricted to the active observations
// and realizations recorded by the preceding InitUpdate call. It returns the
// transform matrix X (active ensemble square) and the cost diagnostic, and
// advances the iteration state.
func RunIteration(data *Data, cfg *Config, A, Y, R, E, D *mat.Dense) (*mat.Dense, float64, error) {
	if data == nil || data.w == nil {
		return nil, 0, fmt.Errorf("%w: InitUpdate must be called before RunIteration", ErrState)
	}
	activeEns := linalg.CountActive(data.ensMask)
	activeObs := linalg.CountActive(data.obsMask)
	if err := checkShapes(A, Y, R, E, D, activeObs, activeEns); err != nil {
		return nil, 0, err
	}

	iteration := data.advanceIteration()
	steplength := cfg.Steplength(iteration)

	stateSize, _ := A.Dims()
	if err := data.updateStateSize(stateSize); err != nil {
		return nil, 0, err
	}

	// Perturbation bookkeeping for observations entering or leaving: rows
	// already recorded keep their original draws, freshly activated rows are
	// absorbed into E0.
	data.storeInitialE(E)
	data.augmentInitialE(E)
	data.storeInitialA(A)

	eActive, err := data.ActiveE()
	if err != nil {
		return nil, 0, err
	}

	// D = Din - Ein + E0_active keeps perturbations consistent for
	// observations active in earlier iterations.
	dRec := mat.DenseCopyOf(D)
	dRec.Sub(dRec, E)
	dRec.Add(dRec, eActive)

	var projA *mat.Dense
	if cfg.aaProjection {
		projA = A
	}

	x, cost, err := computeX(projA, Y, R, eActive, dRec, cfg, data, steplength, iteration)
	if err != nil {
		return nil, 0, err
	}

	cfg.log().WithFields(logrus.Fields{
		"iteration":  iteration,
		"strategy":   cfg.inversion.String(),
		"steplength": steplength,
		"cost":       cost,
	}).Info("ensemble smoother update")

	return x, cost, nil
}

// InitX computes a single-shot transform without iteration state: all
// realizations and observations active, steplength one. This is the plain
// (non-iterative) ensemble smoother update.
func InitX(cfg *Config, Y, R, E, D *mat.Dense) (*mat.Dense, error) {
	nrobs, ens := Y.Dims()
	data := NewData()
	if err := data.InitUpdate(linalg.AllTrue(ens), linalg.AllTrue(nrobs)); err != nil {
		return nil, err
	}
	x, _, err := computeX(nil, Y, R, E, D, cfg, data, 1.0, 1)
	return x, err
}

// UpdateEnsemble overwrites A with ActiveA0 * X, the new parameter ensemble
// for the current iteration.
func UpdateEnsemble(data *Data, A, X *mat.Dense) error {
	a0, err := data.ActiveA0()
	if err != nil {
		return err
	}
	rows, ens := a0.Dims()
	xr, xc := X.Dims()
	if xr != ens {
		return fmt.Errorf("%w: X is %dx%d, initial ensemble has %d active realizations",
			ErrDimension, xr, xc, ens)
	}
	// A zero-value receiver is resized by Mul; a preallocated one must match.
	if ar, ac := A.Dims(); (ar != 0 || ac != 0) && (ar != rows || ac != xc) {
		return fmt.Errorf("%w: A is %dx%d, product is %dx%d",
			ErrDimension, ar, ac, rows, xc)
	}
	A.Mul(a0, X)
	return nil
}

func checkShapes(A, Y, R, E, D *mat.Dense, activeObs, activeEns int) error {
	if activeEns < 2 {
		return fmt.Errorf("%w: need at least 2 active realizations, have %d",
			ErrDimension, activeEns)
	}
	yr, yc := Y.Dims()
	if yr != activeObs || yc != activeEns {
		return fmt.Errorf("%w: Y is %dx%d, active masks select %dx%d",
			ErrDimension, yr, yc, activeObs, activeEns)
	}
	rr, rc := R.Dims()
	if rr != activeObs || rc != activeObs {
		return fmt.Errorf("%w: R is %dx%d, expected %dx%d",
			ErrDimension, rr, rc, activeObs, activeObs)
	}
	for _, m := range []struct {
		name string
		m    *mat.Dense
	}{{"E", E}, {"D", D}} {
		r, c := m.m.Dims()
		if r != activeObs || c != activeEns {
			return fmt.Errorf("%w: %s is %dx%d, expected %dx%d",
				ErrDimension, m.name, r, c, activeObs, activeEns)
		}
	}
	ar, ac := A.Dims()
	if ar < 1 || ac != activeEns {
		return fmt.Errorf("%w: A is %dx%d, expected state size x %d",
			ErrDimension, ar, ac, activeEns)
	}
	return nil
}

// computeX runs the core of one iteration: anomaly construction, the Omega
// solve for S, the innovation residual, the configured inversion and the
// write-back of the active transform. A non-nil projA enables the
// rank-reduction projection.
func computeX(projA, Y0, R, E, D *mat.Dense, cfg *Config, data *Data, steplength float64, iteration int) (*mat.Dense, float64, error) {
	_, ens := Y0.Dims()
	nsc := 1.0 / math.Sqrt(float64(ens)-1.0)

	// Scaled anomalies of the predicted measurements.
	y := mat.DenseCopyOf(Y0)
	subtractRowMean(y)
	y.Scale(nsc, y)

	if projA != nil {
		stateSize, _ := projA.Dims()
		if stateSize <= ens-1 {
			if err := projectOntoEnsemble(projA, y); err != nil {
				return nil, 0, numericalContext(err, cfg, iteration)
			}
		}
	}

	w0, err := data.ActiveW()
	if err != nil {
		return nil, 0, err
	}

	s, err := solveS(w0, y)
	if err != nil {
		return nil, 0, numericalContext(err, cfg, iteration)
	}

	// Innovation residual H = D + S*W0.
	h := mat.DenseCopyOf(D)
	var sw mat.Dense
	sw.Mul(s, w0)
	h.Add(h, &sw)

	// The cost diagnostic uses the weights as they were before this
	// iteration's solve.
	wPrev := mat.DenseCopyOf(w0)

	inv, err := newInverter(cfg.inversion)
	if err != nil {
		return nil, 0, err
	}
	err = inv.solve(w0, s, h, inversionInputs{
		e:          E,
		r:          R,
		truncation: cfg.truncation,
		steplength: steplength,
	})
	if err != nil {
		return nil, 0, numericalContext(err, cfg, iteration)
	}
	if !linalg.AllFinite(w0) {
		return nil, 0, numericalContext(
			fmt.Errorf("%w: non-finite transform coefficients", ErrNumerical),
			cfg, iteration)
	}

	if err := data.storeActiveW(w0); err != nil {
		return nil, 0, err
	}

	// X = I + W0 / sqrt(N-1)
	x := mat.NewDense(ens, ens, nil)
	x.Scale(nsc, w0)
	for i := 0; i < ens; i++ {
		x.Set(i, i, x.At(i, i)+1.0)
	}

	cost := costFunction(wPrev, D)
	return x, cost, nil
}

// solveS solves Omegaᵗ Sᵗ = Yᵗ with Omega = I + centered, scaled W0. The
// dense LU solve tolerates a poorly conditioned Omega; only an outright
// singular system is an error.
func solveS(w0, y *mat.Dense) (*mat.Dense, error) {
	ens, _ := w0.Dims()
	nrobs, _ := y.Dims()
	nsc := 1.0 / math.Sqrt(float64(ens)-1.0)

	omega := mat.DenseCopyOf(w0)
	subtractRowMean(omega)
	omega.Scale(nsc, omega)

	m := mat.NewDense(ens, ens, nil)
	m.Copy(omega.T())
	for i := 0; i < ens; i++ {
		m.Set(i, i, m.At(i, i)+1.0)
	}

	var st mat.Dense
	if err := st.Solve(m, y.T()); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: solving for scaled anomalies: %v", ErrNumerical, err)
		}
		// Near-singular but solved; keep the solution.
	}

	s := mat.NewDense(nrobs, ens, nil)
	s.Copy(st.T())
	return s, nil
}

// projectOntoEnsemble right-multiplies y by V*Vᵗ where V spans the row space
// of the mean-centered parameter ensemble, stabilizing the update when the
// parameter space has lower dimension than the ensemble.
func projectOntoEnsemble(a, y *mat.Dense) error {
	ai := mat.DenseCopyOf(a)
	subtractRowMean(ai)

	var svd mat.SVD
	if !svd.Factorize(ai, mat.SVDThin) {
		return fmt.Errorf("%w: SVD of parameter anomalies did not converge", ErrNumerical)
	}
	var v mat.Dense
	svd.VTo(&v)

	var proj, yp mat.Dense
	proj.Mul(&v, v.T())
	yp.Mul(y, &proj)
	y.Copy(&yp)
	return nil
}

// costFunction approximates the penalized least-squares objective as the
// ensemble mean of ||W_col||² + ||D_col||², evaluated with the pre-update
// weights.
func costFunction(wPrev, d *mat.Dense) float64 {
	_, ens := wPrev.Dims()
	total := 0.0
	for j := 0; j < ens; j++ {
		wCol := wPrev.ColView(j)
		dCol := d.ColView(j)
		total += mat.Dot(wCol, wCol) + mat.Dot(dCol, dCol)
	}
	return total / float64(ens)
}

// subtractRowMean removes the ensemble mean from every row of m.
func subtractRowMean(m *mat.Dense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		mean := 0.0
		for j := 0; j < cols; j++ {
			mean += m.At(i, j)
		}
		mean /= float64(cols)
		for j := 0; j < cols; j++ {
			m.Set(i, j, m.At(i, j)-mean)
		}
	}
}

func numericalContext(err error, cfg *Config, iteration int) error {
	if errors.Is(err, ErrNumerical) || errors.Is(err, linalg.ErrNumerical) {
		return fmt.Errorf("%w: iteration %d, strategy %s, truncation %s: %v",
			ErrNumerical, iteration, cfg.inversion, cfg.truncation, err)
	}
	if errors.Is(err, linalg.ErrTruncation) {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return err
}
