package laplace

import (
	"math"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/gpberr"
	"github.com/cran/gpboostcore/likelihood"
)

// fitcStep implements the step interface for the inducing-point path.
// Two factorizations are kept: `prior` (W-free, so
// its Solve gives Sigma^-1 and its ApplySigma gives Sigma) and `curr`
// (with W^-1 folded into the residual diagonal, so its Solve gives
// (Sigma + W^-1)^-1). The Newton proposal uses the identity
//
//	(Sigma^-1 + W)^-1 (W m + grad) = Sigma (Sigma + W^-1)^-1 (m + W^-1 grad)
//
// so every solve stays O(n*m^2) through the inducing Woodbury.
type fitcStep struct {
	c        *component.Component
	inducing [][]float64
	nugget   float64
	prior    *covariance.FITCFactor
	curr     *covariance.FITCFactor
}

func newFITCStep(c *component.Component, inducing [][]float64, nugget float64) (*fitcStep, error) {
	prior, err := covariance.BuildFITC(c, inducing, nugget, nil)
	if err != nil {
		return nil, err
	}
	return &fitcStep{c: c, inducing: inducing, nugget: nugget, prior: prior}, nil
}

func (s *fitcStep) refresh(fisherDiag []float64) error {
	f, err := covariance.BuildFITC(s.c, s.inducing, s.nugget, fisherDiag)
	if err != nil {
		return err
	}
	s.curr = f
	return nil
}

func (s *fitcStep) newtonUpdate(mode, firstDeriv, fisherDiag []float64) ([]float64, error) {
	if err := s.refresh(fisherDiag); err != nil {
		return nil, err
	}
	n := len(mode)
	rhs := make([]float64, n)
	for i := 0; i < n; i++ {
		if fisherDiag[i] <= 0 {
			return nil, gpberr.ErrCovNotPSD
		}
		rhs[i] = mode[i] + firstDeriv[i]/fisherDiag[i]
	}
	t, err := s.curr.Solve(rhs)
	if err != nil {
		return nil, err
	}
	return s.prior.ApplySigma(t)
}

func (s *fitcStep) quadPenalty(mode []float64) (float64, error) {
	solved, err := s.prior.Solve(mode)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := range mode {
		total += mode[i] * solved[i]
	}
	return total, nil
}

func (s *fitcStep) logDetTerm(fisherDiag []float64) (float64, error) {
	if err := s.refresh(fisherDiag); err != nil {
		return 0, err
	}
	// logdet(I + W^1/2 Sigma W^1/2) = logdet(Sigma + W^-1) + logdet(W).
	logDetW := 0.0
	for _, w := range fisherDiag {
		if w <= 0 {
			return 0, gpberr.ErrCovNotPSD
		}
		logDetW += math.Log(w)
	}
	return s.curr.LogDet() + logDetW, nil
}

// SolveFITC runs the Newton inner loop against the FITC inducing-point path
// for a single GP component cluster.
func SolveFITC(c *component.Component, inducing [][]float64, nugget float64, lik likelihood.Likelihood, y, fixedEffects, aux, warmStart []float64, opts Options) (Result, error) {
	if len(inducing) == 0 {
		return Result{}, gpberr.ErrInvalidOption
	}
	s, err := newFITCStep(c, inducing, nugget)
	if err != nil {
		return Result{}, err
	}
	init := warmStart
	if init == nil {
		init = make([]float64, len(y))
	}
	res, err := backtrackNewton(s, lik, y, fixedEffects, aux, init, opts)
	if err != nil && lik.WCanBeIndefinite() && opts.Approx == likelihood.Laplace {
		opts.Approx = likelihood.FisherLaplace
		res, err = backtrackNewton(s, lik, y, fixedEffects, aux, init, opts)
		res.SwitchedFisherLaplace = err == nil
	}
	return res, err
}
