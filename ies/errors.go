package ies

import "errors"

// The error taxonomy of the update core. Config and state errors indicate a
// misuse that would corrupt the iteration history and are surfaced
// immediately; numerical errors carry iteration, strategy and truncation
// context so the caller can retry with a different inversion. All are
// matchable with errors.Is.
var (
	// ErrConfig reports an unrecognized configuration key, a value of the
	// wrong type, or parameters outside their valid range.
	ErrConfig = errors.New("ies: invalid configuration")

	// ErrDimension reports matrix shapes inconsistent with the active masks
	// or with each other. Inputs are never silently truncated or padded.
	ErrDimension = errors.New("ies: dimension mismatch")

	// ErrNumerical reports a linear solve or eigendecomposition that failed
	// to converge or produced non-finite values.
	ErrNumerical = errors.New("ies: numerical failure")

	// ErrState reports a violated iteration-state invariant, such as an
	// inactive ensemble member becoming active again.
	ErrState = errors.New("ies: iteration state violation")
)
