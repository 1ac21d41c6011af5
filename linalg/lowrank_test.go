package linalg

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSVDTruncated(t *testing.T) {
	s := mat.NewDense(2, 2, []float64{
		3, 0,
		0, 1,
	})

	tests := []struct {
		name     string
		trunc    Truncation
		wantRank int
	}{
		{"energy keeps all", EnergyTruncation(1.0), 2},
		{"energy drops tail", EnergyTruncation(0.9), 1},
		{"explicit rank", RankTruncation(1), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u0, invSig, rank, err := SVDTruncated(s, tt.trunc)
			if err != nil {
				t.Fatalf("SVDTruncated() error = %v", err)
			}
			if rank != tt.wantRank {
				t.Errorf("rank = %d, want %d", rank, tt.wantRank)
			}
			r, c := u0.Dims()
			if r != 2 || c != 2 {
				t.Errorf("U0 dims = (%d,%d), want (2,2)", r, c)
			}
			if math.Abs(invSig[0]-1.0/3.0) > 1e-12 {
				t.Errorf("invSig[0] = %v, want 1/3", invSig[0])
			}
			for i := rank; i < len(invSig); i++ {
				if invSig[i] != 0 {
					t.Errorf("invSig[%d] = %v, want 0 beyond rank", i, invSig[i])
				}
			}
		})
	}
}

func TestSVDTruncatedInvalidTruncation(t *testing.T) {
	s := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	if _, _, _, err := SVDTruncated(s, Truncation{}); err == nil {
		t.Fatal("SVDTruncated() expected error for zero-value truncation")
	}
}

// With no truncation and at least as many realizations as observations, the
// low-rank representation reconstructs the exact inverse
// (S*Sᵗ + (N-1)*Cee)⁻¹.
func TestLowRankCinvReconstruction(t *testing.T) {
	s := mat.NewDense(2, 3, []float64{
		1.0, 0.5, 0.0,
		0.2, 1.0, 0.3,
	})
	cee := mat.NewDense(2, 2, []float64{
		0.5, 0.1,
		0.1, 0.4,
	})

	x1, eig, err := LowRankCinv(s, cee, EnergyTruncation(1.0))
	if err != nil {
		t.Fatalf("LowRankCinv() error = %v", err)
	}

	got := reconstructInverse(x1, eig)

	// (S*Sᵗ + (N-1)*Cee)⁻¹ computed directly.
	var sst, m, want mat.Dense
	sst.Mul(s, s.T())
	m.Scale(2.0, cee)
	m.Add(&m, &sst)
	if err := want.Inverse(&m); err != nil {
		t.Fatalf("Inverse() error = %v", err)
	}

	if !mat.EqualApprox(got, &want, 1e-10) {
		t.Errorf("reconstruction = %v, want %v", mat.Formatted(got), mat.Formatted(&want))
	}
}

// Representing the covariance by E directly must agree with the explicit
// E*Eᵗ representation for well-conditioned inputs.
func TestLowRankEMatchesCinv(t *testing.T) {
	s := mat.NewDense(2, 3, []float64{
		1.0, 0.5, 0.0,
		0.2, 1.0, 0.3,
	})
	e := mat.NewDense(2, 3, []float64{
		0.9, -0.4, 0.1,
		0.3, 0.8, -0.6,
	})

	x1E, eigE, err := LowRankE(s, e, EnergyTruncation(1.0))
	if err != nil {
		t.Fatalf("LowRankE() error = %v", err)
	}

	_, nrens := s.Dims()
	var cee mat.Dense
	cee.Mul(e, e.T())
	cee.Scale(1.0/float64(nrens-1), &cee)
	x1C, eigC, err := LowRankCinv(s, &cee, EnergyTruncation(1.0))
	if err != nil {
		t.Fatalf("LowRankCinv() error = %v", err)
	}

	gotE := reconstructInverse(x1E, eigE)
	gotC := reconstructInverse(x1C, eigC)
	if !mat.EqualApprox(gotE, gotC, 1e-10) {
		t.Errorf("E representation = %v, EEᵗ representation = %v",
			mat.Formatted(gotE), mat.Formatted(gotC))
	}
}

func TestGenX3(t *testing.T) {
	x1 := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	h := mat.NewDense(2, 1, []float64{1, 2})
	eig := []float64{2, 3}

	x3 := GenX3(x1, h, eig)
	want := mat.NewDense(2, 1, []float64{2, 6})
	if !mat.EqualApprox(x3, want, 1e-12) {
		t.Errorf("GenX3() = %v, want %v", mat.Formatted(x3), mat.Formatted(want))
	}
}

func TestAllFinite(t *testing.T) {
	ok := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	if !AllFinite(ok) {
		t.Error("AllFinite() = false for finite matrix")
	}
	bad := mat.NewDense(2, 2, []float64{1, math.NaN(), 3, 4})
	if AllFinite(bad) {
		t.Error("AllFinite() = true for NaN entry")
	}
	inf := mat.NewDense(1, 2, []float64{math.Inf(1), 0})
	if AllFinite(inf) {
		t.Error("AllFinite() = true for Inf entry")
	}
}

// reconstructInverse assembles X1 * diag(eig) * X1ᵗ.
func reconstructInverse(x1 *mat.Dense, eig []float64) *mat.Dense {
	nrobs, nrmin := x1.Dims()
	d := mat.NewDense(nrmin, nrmin, nil)
	for i := 0; i < nrmin; i++ {
		d.Set(i, i, eig[i])
	}
	var tmp mat.Dense
	tmp.Mul(x1, d)
	out := mat.NewDense(nrobs, nrobs, nil)
	out.Mul(&tmp, x1.T())
	return out
}
