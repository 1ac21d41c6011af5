package linalg

import "errors"

var (
	// ErrDimension reports matrix shapes inconsistent with the supplied masks
	// or with each other.
	ErrDimension = errors.New("linalg: dimension mismatch")

	// ErrNumerical reports a factorization that failed to converge or
	// produced non-finite values.
	ErrNumerical = errors.New("linalg: factorization failed")

	// ErrTruncation reports a truncation variant holding neither a fractional
	// energy threshold nor an explicit rank.
	ErrTruncation = errors.New("linalg: invalid truncation")
)
