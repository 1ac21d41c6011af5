package linalg

import (
	"errors"
	"testing"
)

func TestTruncationValidate(t *testing.T) {
	tests := []struct {
		name    string
		trunc   Truncation
		wantErr bool
	}{
		{"energy in range", EnergyTruncation(0.98), false},
		{"energy one", EnergyTruncation(1.0), false},
		{"energy zero", EnergyTruncation(0), true},
		{"energy above one", EnergyTruncation(1.5), true},
		{"positive rank", RankTruncation(3), false},
		{"zero rank", RankTruncation(0), true},
		{"negative rank", RankTruncation(-1), true},
		{"zero value", Truncation{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trunc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrTruncation) {
				t.Errorf("Validate() error = %v, want ErrTruncation", err)
			}
		})
	}
}

func TestSignificantComponents(t *testing.T) {
	sig := []float64{3, 2, 1} // energies 9, 4, 1; total 14

	tests := []struct {
		name  string
		trunc Truncation
		want  int
	}{
		{"full energy keeps all", EnergyTruncation(1.0), 3},
		{"low threshold keeps leading", EnergyTruncation(0.5), 1},
		{"mid threshold", EnergyTruncation(0.9), 2},
		{"explicit rank", RankTruncation(2), 2},
		{"rank capped at available", RankTruncation(10), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.trunc.significantComponents(sig); got != tt.want {
				t.Errorf("significantComponents() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSignificantComponentsZeroSpectrum(t *testing.T) {
	if got := EnergyTruncation(0.98).significantComponents([]float64{0, 0}); got != 0 {
		t.Errorf("significantComponents() = %d, want 0", got)
	}
}
