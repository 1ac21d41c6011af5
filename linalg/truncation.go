package linalg

import "fmt"

// Truncation selects how many leading singular components survive a low-rank
// decomposition. It is a two-case variant: either a fractional energy
// threshold in (0, 1] or an explicit positive rank. The zero value is invalid
// so that an unset truncation is caught instead of silently keeping nothing.
type Truncation struct {
	energy float64
	rank   int
	byRank bool
}

// EnergyTruncation keeps the smallest number of leading components whose
// cumulative squared singular values reach the fraction frac of the total.
func EnergyTruncation(frac float64) Truncation {
	return Truncation{energy: frac}
}

// RankTruncation keeps exactly rank leading components, capped at the number
// of singular values available.
func RankTruncation(rank int) Truncation {
	return Truncation{rank: rank, byRank: true}
}

// ByRank reports whether the truncation holds an explicit rank, returning the
// rank when it does.
func (t Truncation) ByRank() (int, bool) {
	return t.rank, t.byRank
}

// Energy returns the fractional threshold when the truncation holds one.
func (t Truncation) Energy() (float64, bool) {
	if t.byRank {
		return 0, false
	}
	return t.energy, t.energy > 0
}

// Validate reports whether the truncation holds a usable variant.
func (t Truncation) Validate() error {
	if t.byRank {
		if t.rank <= 0 {
			return fmt.Errorf("%w: rank %d must be positive", ErrTruncation, t.rank)
		}
		return nil
	}
	if t.energy <= 0 || t.energy > 1 {
		return fmt.Errorf("%w: energy fraction %v outside (0, 1]", ErrTruncation, t.energy)
	}
	return nil
}

func (t Truncation) String() string {
	if t.byRank {
		return fmt.Sprintf("rank(%d)", t.rank)
	}
	return fmt.Sprintf("energy(%g)", t.energy)
}

// significantComponents returns how many leading singular values to retain.
// For energy truncation a component is included while the energy accounted for
// so far is still below the threshold, so a threshold of 1.0 retains every
// component.
func (t Truncation) significantComponents(sig []float64) int {
	if t.byRank {
		if t.rank < len(sig) {
			return t.rank
		}
		return len(sig)
	}

	total := 0.0
	for _, s := range sig {
		total += s * s
	}
	if total == 0 {
		return 0
	}

	num := 0
	running := 0.0
	for _, s := range sig {
		if running/total >= t.energy {
			break
		}
		num++
		running += s * s
	}
	return num
}
