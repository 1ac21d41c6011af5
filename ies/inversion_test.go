package ies

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/ensembletools/go-iterative-smoother/linalg"
)

// Two realizations, one observation: SᵗS+I has eigenvalues {3,1} with
// eigenvectors [1,1]/√2 and [1,-1]/√2, so the solved weights are exactly 1/3
// in every entry.
func TestExactInversionWorkedScenario(t *testing.T) {
	s := mat.NewDense(1, 2, []float64{1, 1})
	h := mat.NewDense(1, 2, []float64{1, 1})
	w0 := mat.NewDense(2, 2, nil)

	err := exactInverter{}.solve(w0, s, h, inversionInputs{steplength: 1.0})
	if err != nil {
		t.Fatalf("solve() error = %v", err)
	}

	want := mat.NewDense(2, 2, []float64{
		1.0 / 3.0, 1.0 / 3.0,
		1.0 / 3.0, 1.0 / 3.0,
	})
	if !mat.EqualApprox(w0, want, 1e-8) {
		t.Errorf("W0 = %v, want %v", mat.Formatted(w0), mat.Formatted(want))
	}
}

// With truncation 1.0 and identity-equivalent noise the subspace strategies
// must reproduce the exact inversion: R = I for SUBSPACE_EXACT_R, and a
// perturbation ensemble with E*Eᵗ/(N-1) = I for the E-based variants.
func TestSubspaceStrategiesMatchExact(t *testing.T) {
	s := mat.NewDense(2, 3, []float64{
		1.0, 0.5, -0.2,
		0.3, 1.2, 0.4,
	})
	h := mat.NewDense(2, 3, []float64{
		0.7, -0.3, 0.9,
		0.1, 0.8, -0.5,
	})
	// E*Eᵗ = 2I, so E*Eᵗ/(N-1) = I for N = 3.
	e := mat.NewDense(2, 3, []float64{
		1, 1, 0,
		1, -1, 0,
	})
	r := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})

	wantW0 := mat.NewDense(3, 3, nil)
	err := exactInverter{}.solve(wantW0, s, h, inversionInputs{steplength: 1.0})
	if err != nil {
		t.Fatalf("exact solve() error = %v", err)
	}

	tests := []struct {
		name string
		kind Inversion
	}{
		{"subspace exact R", InversionSubspaceExactR},
		{"subspace EEᵗ", InversionSubspaceEER},
		{"subspace E", InversionSubspaceRE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w0 := mat.NewDense(3, 3, nil)
			err := subspaceInverter{kind: tt.kind}.solve(w0, s, h, inversionInputs{
				e:          e,
				r:          r,
				truncation: linalg.EnergyTruncation(1.0),
				steplength: 1.0,
			})
			if err != nil {
				t.Fatalf("solve() error = %v", err)
			}
			if !mat.EqualApprox(w0, wantW0, 1e-8) {
				t.Errorf("W0 = %v, want %v", mat.Formatted(w0), mat.Formatted(wantW0))
			}
		})
	}
}

func TestBlendDampsUpdate(t *testing.T) {
	w0 := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	update := mat.NewDense(2, 2, []float64{
		2, 2,
		2, 2,
	})

	blend(w0, update, 0.5)

	want := mat.NewDense(2, 2, []float64{
		1.5, 1.0,
		1.0, 1.5,
	})
	if !mat.EqualApprox(w0, want, 1e-12) {
		t.Errorf("blend() = %v, want %v", mat.Formatted(w0), mat.Formatted(want))
	}
}

func TestNewInverterUnknown(t *testing.T) {
	if _, err := newInverter(Inversion(42)); !errors.Is(err, ErrConfig) {
		t.Errorf("newInverter() error = %v, want ErrConfig", err)
	}
}

// A tiny steplength leaves most of the previous weights in place.
func TestSteplengthConvexCombination(t *testing.T) {
	s := mat.NewDense(1, 2, []float64{1, 1})
	h := mat.NewDense(1, 2, []float64{1, 1})
	prev := mat.NewDense(2, 2, []float64{
		0.9, 0.1,
		0.1, 0.9,
	})
	w0 := mat.DenseCopyOf(prev)

	err := exactInverter{}.solve(w0, s, h, inversionInputs{steplength: 0.0})
	if err != nil {
		t.Fatalf("solve() error = %v", err)
	}
	if !mat.EqualApprox(w0, prev, 1e-12) {
		t.Errorf("steplength 0 must keep W0 unchanged, got %v", mat.Formatted(w0))
	}
}
