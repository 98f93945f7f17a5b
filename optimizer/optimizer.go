// Package optimizer implements C6, the outer optimizer: it drives the
// covariance parameters (and, for non-Gaussian likelihoods, the auxiliary
// likelihood parameters and fixed-effect coefficients) on the log scale
// toward a local maximum of the approximate marginal log-likelihood that C4
// returns. Gradient descent with Nesterov-style momentum is implemented
// here; BFGS/Nelder-Mead dispatch to gonum.org/v1/gonum/optimize.
package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/cran/gpboostcore/gpberr"
	"github.com/cran/gpboostcore/gradient"
)

// Method selects the outer-loop driver (optimizer_cov).
type Method int

const (
	GradientDescent Method = iota
	// FisherScoring solves FI * delta = g each iteration against the
	// Fisher information supplied by Objective.FisherInfo and takes a
	// fresh full step (any within-iteration halving never persists).
	FisherScoring
	BFGS
	NelderMead
)

func (m Method) String() string {
	switch m {
	case GradientDescent:
		return "gradient_descent"
	case FisherScoring:
		return "fisher_scoring"
	case BFGS:
		return "bfgs"
	case NelderMead:
		return "nelder_mead"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// MomentumSchedule selects between the two Nesterov-style acceleration
// schedule versions.
type MomentumSchedule int

const (
	MomentumConstant MomentumSchedule = iota // acc_rate every iteration
	MomentumNesterovRamp                     // ramps in after momentum_offset iterations
)

// ConvergenceCriterion selects what "relative change" is measured against
// for the gradient-descent/Fisher-scoring loop (convergence_criterion).
type ConvergenceCriterion int

const (
	// ConvergeOnLogLik stops when the relative change in the objective
	// value falls below the tolerance (the long-standing default here).
	ConvergeOnLogLik ConvergenceCriterion = iota
	// ConvergeOnParams stops when the relative Euclidean change in the
	// parameter vector falls below the tolerance instead.
	ConvergeOnParams
)

// Options configures the outer loop.
type Options struct {
	Method               Method
	LearningRate         float64
	MaxIterations        int
	ConvTolRelChange     float64
	ConvergenceCriterion ConvergenceCriterion
	Momentum             MomentumSchedule
	MomentumOffset       int
	AccRate              float64
	StepHalvingLimit     int
	Standardize          bool // standardize covariates before gradient_descent/BFGS
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 1000
	}
	if o.ConvTolRelChange <= 0 {
		o.ConvTolRelChange = 1e-6
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.AccRate <= 0 {
		o.AccRate = 0.5
	}
	if o.StepHalvingLimit <= 0 {
		o.StepHalvingLimit = 10
	}
	return o
}

// Objective evaluates the negative approximate marginal log-likelihood (the
// outer loop minimizes) and its gradient wrt the free parameters on the log
// scale, at a fixed point determined by re-running C4's inner Newton solve.
// The engine supplies these closures since only it can orchestrate C1-C4
// per evaluation.
type Objective struct {
	Eval func(logParams []float64) (negApproxMargLL float64, grad []float64, err error)

	// FisherInfo returns the Fisher information of the objective at the
	// given point, on the same log scale as Eval's gradient. Required by
	// the FisherScoring method, ignored by every other one.
	FisherInfo func(logParams []float64) (*mat.SymDense, error)
}

// Result reports the outer loop's outcome.
type Result struct {
	LogParams  []float64
	Value      float64
	Iterations int
	Converged  bool
	Retried    bool // true if a NaN/Inf forced a Nelder-Mead fallback
}

// Run dispatches to the configured method. The outer loop drives the
// covariance parameters, and for non-Gaussian data jointly the auxiliary
// and fixed-effect parameters, on the log/natural scale as appropriate.
func Run(obj Objective, init []float64, opts Options) (Result, error) {
	opts = opts.withDefaults()
	switch opts.Method {
	case GradientDescent:
		res, err := runGradientDescent(obj, init, opts)
		if err != nil && gradientDiverged(err) {
			fallback, ferr := runNelderMead(obj, init, opts)
			fallback.Retried = true
			return fallback, ferr
		}
		return res, err
	case FisherScoring:
		if obj.FisherInfo == nil {
			return Result{}, fmt.Errorf("%w: fisher_scoring requires Objective.FisherInfo", gpberr.ErrInvalidOption)
		}
		res, err := runFisherScoring(obj, init, opts)
		if err != nil && gradientDiverged(err) {
			fallback, ferr := runNelderMead(obj, init, opts)
			fallback.Retried = true
			return fallback, ferr
		}
		return res, err
	case BFGS:
		return runGonumMethod(obj, init, opts, &optimize.BFGS{})
	case NelderMead:
		return runNelderMead(obj, init, opts)
	default:
		return Result{}, fmt.Errorf("%w: unknown outer optimizer method %v", gpberr.ErrInvalidOption, opts.Method)
	}
}

func gradientDiverged(err error) bool {
	return err != nil
}

// paramRelChange reports the Euclidean relative change between two
// parameter vectors, used by ConvergeOnParams.
func paramRelChange(newV, oldV []float64) float64 {
	if len(newV) == 0 {
		return 0
	}
	return floats.Distance(newV, oldV, 2) / math.Max(1.0, floats.Norm(oldV, 2))
}

// runGradientDescent implements gradient descent with Nesterov-style
// momentum (momentum_offset, acc_rate) and permanent step halving.
func runGradientDescent(obj Objective, init []float64, opts Options) (Result, error) {
	x := append([]float64(nil), init...)
	velocity := make([]float64, len(x))

	prevVal, grad, err := obj.Eval(x)
	if err != nil {
		return Result{}, err
	}
	if gradient.NaNGuard(grad) || math.IsNaN(prevVal) || math.IsInf(prevVal, 0) {
		return Result{}, gpberr.ErrOptimStall
	}

	lr := opts.LearningRate
	result := Result{LogParams: x, Value: prevVal}

	for iter := 0; iter < opts.MaxIterations; iter++ {
		momentum := 0.0
		switch opts.Momentum {
		case MomentumConstant:
			momentum = opts.AccRate
		case MomentumNesterovRamp:
			if iter >= opts.MomentumOffset {
				momentum = opts.AccRate
			}
		}

		candidateLR := lr
		accepted := false
		var newVal float64
		var newGrad []float64
		var candidate, newVelocity []float64

		for shrink := 0; shrink <= opts.StepHalvingLimit; shrink++ {
			newVelocity = make([]float64, len(x))
			candidate = make([]float64, len(x))
			for j := range x {
				newVelocity[j] = momentum*velocity[j] - candidateLR*grad[j]
				candidate[j] = x[j] + newVelocity[j]
			}
			newVal, newGrad, err = obj.Eval(candidate)
			if err == nil && !math.IsNaN(newVal) && !math.IsInf(newVal, 0) && newVal <= prevVal {
				accepted = true
				break
			}
			candidateLR *= 0.5
		}
		if !accepted {
			result.Iterations = iter
			return result, gpberr.ErrOptimStall
		}
		// permanent step-size reduction once a shrink was needed: the
		// reduced learning rate carries over to later iterations.
		if candidateLR < lr {
			lr = candidateLR
		}

		var relChange float64
		switch opts.ConvergenceCriterion {
		case ConvergeOnParams:
			relChange = paramRelChange(candidate, x)
		default:
			relChange = math.Abs(prevVal-newVal) / math.Max(1.0, math.Abs(prevVal))
		}
		x, velocity, grad, prevVal = candidate, newVelocity, newGrad, newVal
		result.LogParams = x
		result.Value = prevVal
		result.Iterations = iter + 1
		if relChange < opts.ConvTolRelChange {
			result.Converged = true
			break
		}
	}
	return result, nil
}

// runFisherScoring drives x by solving FI * delta = g against the Fisher
// information each iteration (a natural-gradient step) and taking a fresh
// full step: lr resets to 1 every iteration, and within-iteration halving
// never persists, unlike gradient descent's permanent reduction.
func runFisherScoring(obj Objective, init []float64, opts Options) (Result, error) {
	x := append([]float64(nil), init...)

	prevVal, grad, err := obj.Eval(x)
	if err != nil {
		return Result{}, err
	}
	if gradient.NaNGuard(grad) || math.IsNaN(prevVal) || math.IsInf(prevVal, 0) {
		return Result{}, gpberr.ErrOptimStall
	}

	result := Result{LogParams: x, Value: prevVal}

	for iter := 0; iter < opts.MaxIterations; iter++ {
		fi, err := obj.FisherInfo(x)
		if err != nil {
			return result, err
		}
		delta, err := solveFisherStep(fi, grad)
		if err != nil {
			// non-PD information at this point: take a plain gradient step
			// for this one iteration instead of aborting.
			delta = append([]float64(nil), grad...)
		}

		lr := 1.0 // fresh full step each iteration
		accepted := false
		var newVal float64
		var newGrad []float64
		var candidate []float64

		for shrink := 0; shrink <= opts.StepHalvingLimit; shrink++ {
			candidate = make([]float64, len(x))
			for j := range x {
				candidate[j] = x[j] - lr*delta[j]
			}
			newVal, newGrad, err = obj.Eval(candidate)
			if err == nil && !math.IsNaN(newVal) && !math.IsInf(newVal, 0) && newVal <= prevVal {
				accepted = true
				break
			}
			lr *= 0.5
		}
		if !accepted {
			result.Iterations = iter
			return result, gpberr.ErrOptimStall
		}

		var relChange float64
		switch opts.ConvergenceCriterion {
		case ConvergeOnParams:
			relChange = paramRelChange(candidate, x)
		default:
			relChange = math.Abs(prevVal-newVal) / math.Max(1.0, math.Abs(prevVal))
		}
		x, grad, prevVal = candidate, newGrad, newVal
		result.LogParams = x
		result.Value = prevVal
		result.Iterations = iter + 1
		if relChange < opts.ConvTolRelChange {
			result.Converged = true
			break
		}
	}
	return result, nil
}

// solveFisherStep solves FI * delta = g via Cholesky, retrying once with a
// small ridge on the diagonal before reporting non-PD.
func solveFisherStep(fi *mat.SymDense, grad []float64) ([]float64, error) {
	n := fi.SymmetricDim()
	trial := mat.NewSymDense(n, nil)
	trial.CopySym(fi)
	for attempt := 0; attempt < 2; attempt++ {
		var chol mat.Cholesky
		if chol.Factorize(trial) {
			var d mat.Dense
			if err := chol.SolveTo(&d, mat.NewDense(n, 1, append([]float64(nil), grad...))); err != nil {
				return nil, fmt.Errorf("optimizer: fisher step: %w", gpberr.ErrCovNotPSD)
			}
			return d.RawMatrix().Data, nil
		}
		for i := 0; i < n; i++ {
			trial.SetSym(i, i, trial.At(i, i)+1e-8)
		}
	}
	return nil, gpberr.ErrCovNotPSD
}

// runGonumMethod adapts Objective to gonum's optimize.Problem/Minimize
// contract for the BFGS path.
func runGonumMethod(obj Objective, init []float64, opts Options, method optimize.Method) (Result, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			v, _, err := obj.Eval(x)
			if err != nil {
				return math.Inf(1)
			}
			return v
		},
		Grad: func(grad, x []float64) {
			_, g, err := obj.Eval(x)
			if err != nil {
				for i := range grad {
					grad[i] = 0
				}
				return
			}
			copy(grad, g)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
	}
	res, err := optimize.Minimize(problem, init, settings, method)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", gpberr.ErrOptimStall, err)
	}
	return Result{
		LogParams:  res.X,
		Value:      res.F,
		Iterations: res.Stats.MajorIterations,
		Converged:  res.Status == optimize.Success,
	}, nil
}

func runNelderMead(obj Objective, init []float64, opts Options) (Result, error) {
	return runGonumMethod(obj, init, opts, &optimize.NelderMead{})
}

// ProfileOutSigma2 computes the Gaussian-only closed-form optimum for the
// observation-noise variance given the current random-effects residual sum
// of squares, so the outer loop need not carry sigma^2 as a free
// parameter.
func ProfileOutSigma2(residualSS float64, n int) float64 {
	if n <= 0 {
		return residualSS
	}
	return residualSS / float64(n)
}

// Standardize rescales each covariate column to zero mean, unit variance,
// returning the transformed design and the per-column (mean, scale) used
// to map coefficients back afterward (applied for the gradient_descent
// and BFGS coefficient optimizers).
func Standardize(x [][]float64) (scaled [][]float64, means, scales []float64) {
	if len(x) == 0 {
		return x, nil, nil
	}
	n, p := len(x), len(x[0])
	means = make([]float64, p)
	scales = make([]float64, p)
	for _, row := range x {
		for k, v := range row {
			means[k] += v
		}
	}
	for k := range means {
		means[k] /= float64(n)
	}
	for _, row := range x {
		for k, v := range row {
			d := v - means[k]
			scales[k] += d * d
		}
	}
	for k := range scales {
		scales[k] = math.Sqrt(scales[k] / float64(n))
		if scales[k] == 0 {
			// constant column (the intercept): pass it through untouched
			// rather than centering it to all zeros.
			scales[k] = 1
			means[k] = 0
		}
	}
	scaled = make([][]float64, n)
	for i, row := range x {
		scaled[i] = make([]float64, p)
		for k, v := range row {
			scaled[i][k] = (v - means[k]) / scales[k]
		}
	}
	return scaled, means, scales
}

// UnstandardizeCoef maps coefficients fit on standardized covariates back to
// the natural scale.
func UnstandardizeCoef(coef, means, scales []float64) (natural []float64, interceptAdj float64) {
	natural = make([]float64, len(coef))
	for k := range coef {
		natural[k] = coef[k] / scales[k]
		interceptAdj -= coef[k] * means[k] / scales[k]
	}
	return natural, interceptAdj
}
