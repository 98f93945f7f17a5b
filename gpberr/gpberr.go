// Package gpberr defines the error kinds used throughout the engine.
// They are plain sentinel errors, checked with errors.Is, not a typed
// exception hierarchy.
package gpberr

import "errors"

// Fatal kinds: construction- or input-time errors with no recovery.
var (
	// ErrInvalidOption is returned for an unrecognized value of an
	// enumerated option (optimizer name, preconditioner, ordering, ...).
	ErrInvalidOption = errors.New("gpboostcore: invalid option")

	// ErrIncompatibleStructure is returned when the component composition
	// violates a structure-planner compatibility rule (§4.1), e.g. Vecchia
	// requested together with grouped random effects.
	ErrIncompatibleStructure = errors.New("gpboostcore: incompatible component structure")

	// ErrBadInput is returned for responses outside a likelihood's support,
	// or NaN/Inf anywhere in caller-supplied data.
	ErrBadInput = errors.New("gpboostcore: bad input")

	// ErrUnsupportedPrediction is returned for a predict-flag combination
	// the engine refuses, e.g. a full predictive covariance together with
	// response-scale prediction for a non-Gaussian likelihood.
	ErrUnsupportedPrediction = errors.New("gpboostcore: unsupported prediction request")
)

// Recoverable kinds: each outer-iteration step is a transaction; these are
// reported back to the caller of an inner routine so the outer optimizer
// can decide whether to halve the step, switch method, or stop.
var (
	// ErrCovNotPSD signals a factorization that detected a non-positive-
	// definite covariance. Recovered locally by halving the step.
	ErrCovNotPSD = errors.New("gpboostcore: covariance matrix is not positive definite")

	// ErrInnerDiverged signals that Newton backtracking in the Laplace
	// inner solver exhausted its shrinkage budget without reducing the
	// objective.
	ErrInnerDiverged = errors.New("gpboostcore: inner Newton solve diverged")
)

// ErrOptimStall marks that the outer optimizer could not make progress: no
// step was accepted within the step-halving budget, the starting point
// evaluated to a non-finite loss, or the delegated gonum method failed.
// Reaching the iteration budget is not reported through it: the optimizer
// then returns a nil error with Converged set to false.
var ErrOptimStall = errors.New("gpboostcore: optimizer stalled without an accepted step")

// Snapshot-rollback kinds compose: a caller can test
//
//	errors.Is(err, gpberr.ErrCovNotPSD) || errors.Is(err, gpberr.ErrInnerDiverged)
//
// to decide whether the failure is one that a step-halving retry can clear.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrCovNotPSD) || errors.Is(err, ErrInnerDiverged)
}
