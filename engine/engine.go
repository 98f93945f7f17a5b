// Package engine implements the top-level driver: it owns the cluster ->
// state map, wires C1 (component) through C3 (covariance) into C4
// (laplace) and C5 (gradient) during fit, and into C7 (predictor) during
// predict.
package engine

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/cran/gpboostcore/cluster"
	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/gpberr"
	"github.com/cran/gpboostcore/gradient"
	"github.com/cran/gpboostcore/laplace"
	"github.com/cran/gpboostcore/likelihood"
	"github.com/cran/gpboostcore/optimizer"
	"github.com/cran/gpboostcore/predictor"
	"github.com/cran/gpboostcore/structure"
)

// clusterData holds one cluster's per-engine bookkeeping: its component
// list, structural plan, response, design matrix and fixed-effect offsets.
// The registry exclusively owns the *component.Component values; this
// struct only indexes them.
type clusterData struct {
	id         string
	n          int
	components []*component.Component
	plan       *structure.Plan
	y          []float64
	x          [][]float64   // n x p design, nil if no fixed effects
	fixedPred  []float64     // cached X*coef, rebuilt whenever coef changes
	predCoords [][]float64   // stored by SetPredictionData for repeated Predict calls
}

// Engine is the fitted-model driver: create once per dataset, then call
// SetResponse/SetCovariates, Fit, and Predict* in that order.
type Engine struct {
	likName string
	lik     likelihood.Likelihood
	reg     *component.Registry
	states  *cluster.Manager
	clusters map[string]*clusterData
	order    []string

	coef []float64
	aux  []float64

	laplaceOpts laplace.Options
}

// nugget returns the Gaussian observation-noise variance added to Psi's
// diagonal: the current sigma^2 auxiliary parameter for the Gaussian
// likelihood (so the factorization caches track the fitted value), zero
// for every other likelihood (their observation noise is not a covariance
// term).
func (e *Engine) nugget() float64 {
	if e.likName != "gaussian" {
		return 0
	}
	if len(e.aux) > 0 && e.aux[0] > 0 {
		return e.aux[0]
	}
	return 1.0
}

// ensureAux initializes the auxiliary-parameter vector from the
// likelihood's own heuristic over the pooled response when the caller never
// called SetAuxParams, so no code path ever indexes an empty aux slice.
func (e *Engine) ensureAux() {
	nAux := e.lik.NumAuxPar()
	if nAux == 0 || len(e.aux) == nAux {
		return
	}
	auxInit, _ := e.lik.InitialValue(e.allResponses())
	if len(auxInit) == nAux {
		e.aux = auxInit
		return
	}
	e.aux = make([]float64, nAux)
	for i := range e.aux {
		e.aux[i] = 1.0
	}
}

// New implements the `create` entry point: allocates an engine for the
// named likelihood with no clusters yet registered. Callers add each
// cluster's components via AddCluster once they are built, since the
// component registry (C1) is the one that owns component construction.
func New(likelihoodName string) (*Engine, error) {
	lik, err := likelihood.Parse(likelihoodName)
	if err != nil {
		return nil, err
	}
	// Exponential-inverse-link likelihoods get the |delta m| <= log(100)
	// cap-change safeguard; Student-t defaults to the Fisher-Laplace
	// approximation since its observed Hessian can be indefinite.
	capChange := false
	switch lik.Name() {
	case "poisson", "gamma", "negative_binomial":
		capChange = true
	}
	approx := likelihood.Laplace
	if lik.WCanBeIndefinite() {
		approx = likelihood.FisherLaplace
	}
	return &Engine{
		likName:  lik.Name(),
		lik:      lik,
		reg:      component.NewRegistry(),
		states:   cluster.NewManager(),
		clusters: make(map[string]*clusterData),
		laplaceOpts: laplace.Options{
			MaxLRShrinkageSteps: 10,
			DeltaRelConv:        1e-8,
			MaxIterations:       100,
			Approx:              approx,
			CapChange:           capChange,
		},
	}, nil
}

// SetApproximationType selects between the Laplace and Fisher-Laplace
// inner approximations (approximation_type).
func (e *Engine) SetApproximationType(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "laplace":
		e.laplaceOpts.Approx = likelihood.Laplace
	case "fisher_laplace":
		e.laplaceOpts.Approx = likelihood.FisherLaplace
	default:
		return fmt.Errorf("%w: approximation_type %q", gpberr.ErrInvalidOption, name)
	}
	return nil
}

// SetMatrixInversionMethod selects how the Vecchia path's per-iteration
// (Sigma^-1+W) solves are carried out (matrix_inversion_method; iterative
// is only meaningful with Vecchia, other paths ignore it).
func (e *Engine) SetMatrixInversionMethod(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cholesky":
		e.laplaceOpts.MatrixInversion = laplace.InversionCholesky
	case "iterative":
		e.laplaceOpts.MatrixInversion = laplace.InversionIterative
	default:
		return fmt.Errorf("%w: matrix_inversion_method %q", gpberr.ErrInvalidOption, name)
	}
	return nil
}

// SetCGPreconditioner selects the preconditioner for the iterative Vecchia
// solve (cg_preconditioner).
func (e *Engine) SetCGPreconditioner(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "vadu":
		e.laplaceOpts.CGPreconditioner = laplace.PreconditionerVADU
	case "incomplete_cholesky":
		e.laplaceOpts.CGPreconditioner = laplace.PreconditionerIncompleteCholesky
	case "pivoted_cholesky":
		e.laplaceOpts.CGPreconditioner = laplace.PreconditionerPivotedCholesky
	case "fitc":
		e.laplaceOpts.CGPreconditioner = laplace.PreconditionerFITC
	default:
		return fmt.Errorf("%w: cg_preconditioner %q", gpberr.ErrInvalidOption, name)
	}
	return nil
}

// AddCluster registers one cluster's component composition and computes its
// structural plan. n is the cluster's data-scale dimension.
func (e *Engine) AddCluster(clusterID string, n int, components []*component.Component, structOpts structure.Options) error {
	if err := e.reg.AddCluster(clusterID, n); err != nil {
		return err
	}
	for _, c := range components {
		if err := e.reg.AddComponent(clusterID, c); err != nil {
			return err
		}
	}
	plan, err := structure.Build(components, structOpts)
	if err != nil {
		return err
	}
	e.clusters[clusterID] = &clusterData{id: clusterID, n: n, components: components, plan: plan}
	e.order = append(e.order, clusterID)
	e.states.Add(cluster.NewState(clusterID, n, n))
	return nil
}

// SetResponse implements `set_response(y[])`.
func (e *Engine) SetResponse(clusterID string, y []float64) error {
	cd, ok := e.clusters[clusterID]
	if !ok {
		return fmt.Errorf("%w: unknown cluster %q", gpberr.ErrInvalidOption, clusterID)
	}
	if len(y) != cd.n {
		return fmt.Errorf("%w: response length %d does not match cluster size %d", gpberr.ErrBadInput, len(y), cd.n)
	}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: response contains NaN/Inf", gpberr.ErrBadInput)
		}
	}
	cd.y = y
	return nil
}

// SetResponseWithFixedEffects implements `set_response_with_fixed_effects`:
// an offset (e.g. a tree-ensemble prediction) is added to the linear
// predictor before the likelihood sees it, without being part of the
// estimated fixed-effect coefficients.
func (e *Engine) SetResponseWithFixedEffects(clusterID string, y, offset []float64) error {
	if err := e.SetResponse(clusterID, y); err != nil {
		return err
	}
	cd := e.clusters[clusterID]
	cd.fixedPred = append([]float64(nil), offset...)
	return nil
}

// SetCovariates implements `set_covariates(X[n×p])`.
func (e *Engine) SetCovariates(clusterID string, x [][]float64) error {
	cd, ok := e.clusters[clusterID]
	if !ok {
		return fmt.Errorf("%w: unknown cluster %q", gpberr.ErrInvalidOption, clusterID)
	}
	if len(x) != cd.n {
		return fmt.Errorf("%w: design matrix has %d rows, want %d", gpberr.ErrBadInput, len(x), cd.n)
	}
	cd.x = x
	return nil
}

// SetPredictionData implements `set_prediction_data(...)`: it stores a
// cluster's prediction inputs once so repeated Predict calls (with nil
// testCoords) reuse them without re-marshaling the inputs each call.
func (e *Engine) SetPredictionData(clusterID string, testCoords [][]float64) error {
	cd, ok := e.clusters[clusterID]
	if !ok {
		return fmt.Errorf("%w: unknown cluster %q", gpberr.ErrInvalidOption, clusterID)
	}
	cd.predCoords = testCoords
	return nil
}

// SetAuxParams stores the auxiliary-parameter vector: likelihoods with
// auxiliary parameters (Gamma's shape, NegativeBinomial's dispersion,
// StudentT's df) need this set before the first Newton iteration indexes
// into e.aux, since FindInitCovPars's aux0 return has nowhere else to
// land.
func (e *Engine) SetAuxParams(aux []float64) error {
	want := e.lik.NumAuxPar()
	if len(aux) != want {
		return fmt.Errorf("%w: %s needs %d auxiliary parameters, got %d", gpberr.ErrBadInput, e.lik.Name(), want, len(aux))
	}
	e.aux = append([]float64(nil), aux...)
	return nil
}

// allResponses concatenates every registered cluster's response, used for
// the defensive auxiliary-parameter auto-init in Fit when the caller never
// called SetAuxParams.
func (e *Engine) allResponses() []float64 {
	var out []float64
	for _, id := range e.order {
		if y := e.clusters[id].y; y != nil {
			out = append(out, y...)
		}
	}
	return out
}

func (cd *clusterData) rebuildFixedPred(coef []float64) {
	if cd.x == nil {
		return
	}
	cd.fixedPred = make([]float64, cd.n)
	for i, row := range cd.x {
		s := 0.0
		for k, v := range row {
			s += v * coef[k]
		}
		cd.fixedPred[i] = s
	}
}

// FindInitCovPars implements `find_init_cov_pars(y[]) -> cov_pars0[]`: the
// response variance split evenly across components as each component's
// variance guess, the component's own distance-based heuristic for GP
// ranges, and the likelihood's auxiliary-parameter heuristic. The
// returned vector matches applyCovPars's layout: NumCovPar entries per
// component, in component order.
func (e *Engine) FindInitCovPars(y []float64) (covPars []float64, aux []float64) {
	variance := 1.0
	if len(y) > 1 {
		mean := 0.0
		for _, v := range y {
			mean += v
		}
		mean /= float64(len(y))
		ss := 0.0
		for _, v := range y {
			d := v - mean
			ss += d * d
		}
		variance = ss / float64(len(y)-1)
		if variance <= 0 {
			variance = 1.0
		}
	}

	// The composition is shared across clusters (applyCovPars writes the
	// same vector into each), so the widest component list defines the
	// layout.
	var components []*component.Component
	for _, id := range e.order {
		if cd := e.clusters[id]; len(cd.components) > len(components) {
			components = cd.components
		}
	}
	if len(components) == 0 {
		auxInit, _ := e.lik.InitialValue(y)
		return []float64{variance}, auxInit
	}

	per := variance / float64(len(components))
	for _, c := range components {
		covPars = append(covPars, per)
		if c.Kind.IsGP() {
			covPars = append(covPars, c.InitRange())
			for k := 2; k < c.NumCovPar(); k++ {
				covPars = append(covPars, 1.0)
			}
		}
	}
	auxInit, _ := e.lik.InitialValue(y)
	return covPars, auxInit
}

// FitOptions enumerates the §4.5/§6 fit configuration.
type FitOptions struct {
	Method               optimizer.Method
	MaxIter              int
	DeltaRelConv         float64
	UseNesterov          bool
	NesterovScheduleVer  int
	MomentumOffset       int
	AccRateCov           float64
	LrCov                float64

	// OptimizerCoef/AccRateCoef/LrCoef drive the inner coefficient refit
	// (optimizer_coef/acc_rate_coef/lr_coef); they're independent
	// of the outer covariance-parameter loop's Method/AccRateCov/LrCov.
	OptimizerCoef optimizer.Method
	AccRateCoef   float64
	LrCoef        float64

	// ConvergenceCriterion applies to both the outer covariance loop and the
	// inner coefficient refit (convergence_criterion).
	ConvergenceCriterion optimizer.ConvergenceCriterion

	// CalcStdDev requests approximate fixed-effect coefficient standard
	// errors in FitResult.CoefStdErr (calc_std_dev), from the
	// Fisher information at the converged fit.
	CalcStdDev bool
}

// FitResult reports `fit`'s return contract.
type FitResult struct {
	CovPars    []float64
	Coef       []float64
	CoefStdErr []float64
	Aux        []float64
	Iterations int
	Loss       float64
	Converged  bool
}

// Fit implements `fit(init_cov_pars[], init_coef[], options) -> (cov_pars[],
// coef[], iterations, loss)`. It optimizes covariance parameters on the log
// scale; whenever a cluster carries a design matrix, fixed-effect
// coefficients are re-solved to convergence after every covariance-parameter
// proposal the outer loop evaluates (fitCoefGivenCovPars), profiling them
// out of the cov-par objective. The inner refit's ascent
// direction, X^T * firstDeriv(y, f_at_mode, aux), is exact for every
// structural path: because the posterior mode is itself chosen to maximize
// the penalized objective given beta, d(mode)/d(beta) drops out of the total
// derivative by the envelope theorem, leaving only the explicit term.
func (e *Engine) Fit(initCovPars []float64, initCoef []float64, opts FitOptions) (FitResult, error) {
	if len(e.order) == 0 {
		return FitResult{}, fmt.Errorf("%w: no clusters registered", gpberr.ErrInvalidOption)
	}
	wantCov := 0
	for _, id := range e.order {
		total := 0
		for _, c := range e.clusters[id].components {
			total += c.NumCovPar()
		}
		if total > wantCov {
			wantCov = total
		}
	}
	if len(initCovPars) != wantCov {
		return FitResult{}, fmt.Errorf("%w: got %d initial covariance parameters, component composition needs %d", gpberr.ErrBadInput, len(initCovPars), wantCov)
	}
	coef := append([]float64(nil), initCoef...)
	e.coef = coef
	for _, id := range e.order {
		e.clusters[id].rebuildFixedPred(coef)
	}

	// Auxiliary parameters (Gamma's shape, NegativeBinomial's dispersion,
	// StudentT's df) must be set before the first Newton iteration indexes
	// into e.aux.
	e.ensureAux()
	nAux := e.lik.NumAuxPar()

	nCov := len(initCovPars)
	logInit := make([]float64, nCov, nCov+nAux)
	for i, v := range initCovPars {
		logInit[i] = math.Log(v)
	}
	for _, v := range e.aux {
		logInit = append(logInit, math.Log(v))
	}

	accRate := opts.AccRateCov
	momentum := optimizer.MomentumConstant
	if opts.NesterovScheduleVer == 1 {
		momentum = optimizer.MomentumNesterovRamp
	}
	if !opts.UseNesterov {
		accRate = 0
	}

	// Coefficients are profiled out as a deterministic, idempotent function
	// of whatever covariance/auxiliary parameters are currently applied:
	// Eval is also called, repeatedly, on candidates the outer line search
	// rejects, so the refit must re-solve to the same point every time
	// rather than take a stateful momentum step (which would corrupt
	// e.coef on a rejected proposal). This mirrors applyCovPars's own
	// idempotency.
	obj := optimizer.Objective{Eval: func(logParams []float64) (float64, []float64, error) {
		covLog := logParams[:nCov]
		covPars := make([]float64, nCov)
		for i, lp := range covLog {
			covPars[i] = math.Exp(lp)
		}
		e.applyCovPars(covPars)
		if nAux > 0 {
			aux := make([]float64, nAux)
			for i, lp := range logParams[nCov:] {
				aux[i] = math.Exp(lp)
			}
			e.aux = aux
		}
		if err := e.fitCoefGivenCovPars(opts); err != nil {
			return 0, nil, err
		}
		nll, covGrad, err := e.evalAllClusters(covLog)
		if err != nil {
			return 0, nil, err
		}
		grad := make([]float64, len(logParams))
		copy(grad, covGrad)
		if nAux > 0 {
			// The aux slots carry only the explicit likelihood term: GradAux
			// reports d(-loglik)/d log(aux) at the current mode and is used
			// as the nll gradient's aux slot directly, with no implicit
			// mode term (unlike the covariance gradient, which includes it).
			auxGrad := e.aggregateAuxGradient()
			for i, g := range auxGrad {
				grad[nCov+i] = g
			}
		}
		return nll, grad, nil
	}}

	if opts.Method == optimizer.FisherScoring {
		obj.FisherInfo = func(logParams []float64) (*mat.SymDense, error) {
			return e.fisherInformation(logParams, nCov, nAux)
		}
	}

	res, err := optimizer.Run(obj, logInit, optimizer.Options{
		Method:               opts.Method,
		LearningRate:         opts.LrCov,
		MaxIterations:        opts.MaxIter,
		ConvTolRelChange:     opts.DeltaRelConv,
		ConvergenceCriterion: opts.ConvergenceCriterion,
		Momentum:             momentum,
		MomentumOffset:       opts.MomentumOffset,
		AccRate:              accRate,
	})

	covPars := make([]float64, nCov)
	for i, lp := range res.LogParams[:nCov] {
		covPars[i] = math.Exp(lp)
	}
	e.applyCovPars(covPars)
	if nAux > 0 {
		aux := make([]float64, nAux)
		for i, lp := range res.LogParams[nCov:] {
			aux[i] = math.Exp(lp)
		}
		e.aux = aux
	}
	if cerr := e.fitCoefGivenCovPars(opts); cerr != nil && err == nil {
		err = cerr
	}

	result := FitResult{
		CovPars:    covPars,
		Coef:       e.coef,
		Aux:        e.aux,
		Iterations: res.Iterations,
		Loss:       res.Value,
		Converged:  res.Converged,
	}
	if opts.CalcStdDev {
		result.CoefStdErr = e.computeCoefStdErr()
	}
	return result, err
}

// aggregateAuxGradient sums each likelihood's d(-loglik)/d log(aux) across
// every cluster at its currently-converged mode. Only the explicit
// likelihood term is included; no implicit mode term is added.
func (e *Engine) aggregateAuxGradient() []float64 {
	total := make([]float64, e.lik.NumAuxPar())
	for _, id := range e.order {
		cd := e.clusters[id]
		if cd.y == nil {
			continue
		}
		fixed := cd.fixedPred
		if fixed == nil {
			fixed = make([]float64, cd.n)
		}
		st, _ := e.states.Get(id)
		var fAtMode []float64
		switch cd.plan.Path {
		case structure.PathGroupedWoodbury, structure.PathSingleGroupedOnRE:
			fAtMode = addFixed(expandComponentsZ(cd.components, st.AVec, cd.n), fixed)
		default:
			fAtMode = addFixed(st.Mode, fixed)
		}
		g := gradient.AuxParamGradient(e.lik, cd.y, fAtMode, e.aux)
		for i := range total {
			if i < len(g) {
				total[i] += g[i]
			}
		}
	}
	return total
}

// fisherInformation assembles the Fisher information of the outer objective
// over the joint log-scale parameter vector (covariance block, then
// auxiliary block), summed across clusters. The covariance block uses
// FI_jk = 1/2 tr(F^-1 dPsi_j F^-1 dPsi_k) with F = Psi for Gaussian data
// (the exact marginal information, with the sigma^2 nugget slot and its
// cross terms included) and F = Sigma + W^-1 at the current mode otherwise
// (the working-response approximation); every structural path is scored
// through this dense formula. Non-Gaussian auxiliary slots carry a numeric
// observed-information diagonal.
func (e *Engine) fisherInformation(logParams []float64, nCov, nAux int) (*mat.SymDense, error) {
	covPars := make([]float64, nCov)
	for i, lp := range logParams[:nCov] {
		covPars[i] = math.Exp(lp)
	}
	e.applyCovPars(covPars)
	if nAux > 0 {
		aux := make([]float64, nAux)
		for i, lp := range logParams[nCov:] {
			aux[i] = math.Exp(lp)
		}
		e.aux = aux
	}

	dim := nCov + nAux
	total := mat.NewSymDense(dim, nil)
	gaussNuggetSlot := e.likName == "gaussian" && nAux > 0

	for _, id := range e.order {
		cd := e.clusters[id]
		if cd.y == nil {
			continue
		}
		fixed := cd.fixedPred
		if fixed == nil {
			fixed = make([]float64, cd.n)
		}
		st, _ := e.states.Get(id)

		var fW *covariance.DenseFactor
		nugget := 0.0
		if cd.plan.GaussLikelihood {
			psi, err := covariance.BuildPsi(cd.components, cd.n, e.nugget())
			if err != nil {
				return nil, err
			}
			if fW, err = covariance.Factorize(psi); err != nil {
				return nil, err
			}
			if gaussNuggetSlot {
				nugget = e.aux[0]
			}
		} else {
			sigma, err := covariance.BuildPsi(cd.components, cd.n, 0)
			if err != nil {
				return nil, err
			}
			var fAtMode []float64
			switch cd.plan.Path {
			case structure.PathGroupedWoodbury, structure.PathSingleGroupedOnRE:
				fAtMode = addFixed(expandComponentsZ(cd.components, st.AVec, cd.n), fixed)
			default:
				fAtMode = addFixed(st.Mode, fixed)
			}
			w := e.lik.FisherInfoDiag(cd.y, fAtMode, e.aux, e.laplaceOpts.Approx)
			sigmaW := mat.NewSymDense(cd.n, nil)
			sigmaW.CopySym(sigma)
			for i := 0; i < cd.n; i++ {
				if w[i] <= 0 {
					return nil, gpberr.ErrCovNotPSD
				}
				sigmaW.SetSym(i, i, sigmaW.At(i, i)+1.0/w[i])
			}
			if fW, err = covariance.Factorize(sigmaW); err != nil {
				return nil, err
			}
		}

		fiC, err := gradient.FisherInfoCov(fW, cd.components, cd.n, nugget)
		if err != nil {
			return nil, err
		}
		for j := 0; j < nCov; j++ {
			for k := j; k < nCov; k++ {
				total.SetSym(j, k, total.At(j, k)+fiC.At(j, k))
			}
		}
		if nugget > 0 {
			// the appended slot is the sigma^2 auxiliary parameter.
			for j := 0; j < nCov; j++ {
				total.SetSym(j, nCov, total.At(j, nCov)+fiC.At(j, nCov))
			}
			total.SetSym(nCov, nCov, total.At(nCov, nCov)+fiC.At(nCov, nCov))
		}
	}

	if nAux > 0 && !gaussNuggetSlot {
		for i := 0; i < nAux; i++ {
			total.SetSym(nCov+i, nCov+i, total.At(nCov+i, nCov+i)+e.auxObservedInfo(i))
		}
	}
	for i := 0; i < dim; i++ {
		if total.At(i, i) <= 0 {
			total.SetSym(i, i, 1e-8)
		}
	}
	return total, nil
}

// auxObservedInfo central-differences the i-th auxiliary slot of the summed
// d(-loglik)/d log(aux) to get an observed-information diagonal entry on
// the log scale, floored at a small positive value.
func (e *Engine) auxObservedInfo(i int) float64 {
	const h = 1e-5
	orig := e.aux[i]
	e.aux[i] = orig * math.Exp(h)
	up := e.aggregateAuxGradient()[i]
	e.aux[i] = orig * math.Exp(-h)
	down := e.aggregateAuxGradient()[i]
	e.aux[i] = orig
	info := (up - down) / (2 * h)
	if info <= 0 || math.IsNaN(info) || math.IsInf(info, 0) {
		return 1e-8
	}
	return info
}

// applyCovPars writes natural-scale covariance parameters back onto every
// cluster's components, in registration order. Components are shared
// structure across clusters with the same composition, so each cluster's
// own components receive the same vector.
func (e *Engine) applyCovPars(covPars []float64) {
	for _, id := range e.order {
		cd := e.clusters[id]
		offset := 0
		for _, c := range cd.components {
			np := c.NumCovPar()
			if offset+np > len(covPars) {
				break
			}
			_ = c.SetCovPars(covPars[offset : offset+np])
			offset += np
		}
	}
}

// evalAllClusters computes the summed negative approx_marg_ll and its
// log-scale gradient across every cluster. Clusters are independent, so
// both the objective and the gradient are sums.
func (e *Engine) evalAllClusters(logParams []float64) (float64, []float64, error) {
	covPars := make([]float64, len(logParams))
	for i, lp := range logParams {
		covPars[i] = math.Exp(lp)
	}
	e.applyCovPars(covPars)

	snaps := e.states.SnapshotAll()

	total := 0.0
	gradTotal := make([]float64, len(logParams))
	for _, id := range e.order {
		cd := e.clusters[id]
		if cd.y == nil {
			continue
		}
		st, _ := e.states.Get(id)
		nll, grad, err := e.evalCluster(cd, st)
		if err != nil {
			e.states.RestoreAll(snaps)
			return 0, nil, err
		}
		total += nll
		for i := range gradTotal {
			if i < len(grad) {
				gradTotal[i] += grad[i]
			}
		}
	}
	return total, gradTotal, nil
}

// evalCluster runs the inner Newton solve (C4) for one cluster's current
// parameters and returns -approx_marg_ll plus its log-scale covariance
// gradient (C5). Only the dense/sparse and grouped-Woodbury paths get an
// analytic gradient; Vecchia and FITC fall back to a central-difference
// gradient of the same objective (see DESIGN.md); an ascent direction is
// all the outer loop needs.
func (e *Engine) evalCluster(cd *clusterData, st *cluster.State) (float64, []float64, error) {
	fixed := cd.fixedPred
	if fixed == nil {
		fixed = make([]float64, cd.n)
	}

	nParams := 0
	for _, c := range cd.components {
		nParams += c.NumCovPar()
	}

	switch cd.plan.Path {
	case structure.PathDenseChol, structure.PathSparseChol, structure.PathSingleGPOnRE:
		res, err := laplace.SolveDense(cd.components, e.lik, cd.y, fixed, e.aux, st.Mode, e.laplaceOpts)
		if err != nil {
			return 0, nil, err
		}
		st.Mode = res.Mode

		var f *covariance.DenseFactor
		var aVec []float64
		if cd.plan.GaussLikelihood {
			// Exact marginal gradient: y_aux = Psi^-1 (y - Xbeta) with Psi
			// carrying the sigma^2 nugget.
			psi, err := covariance.BuildPsi(cd.components, cd.n, e.nugget())
			if err != nil {
				return 0, nil, err
			}
			if f, err = covariance.Factorize(psi); err != nil {
				return 0, nil, err
			}
			residual := make([]float64, cd.n)
			for i := range residual {
				residual[i] = cd.y[i] - fixed[i]
			}
			if aVec, err = f.Solve(residual); err != nil {
				return 0, nil, err
			}
		} else {
			grad, err := e.laplaceCovGradient(cd, res.Mode, addFixed(res.Mode, fixed))
			if err != nil {
				return 0, nil, err
			}
			negate(grad)
			return -res.ApproxMargLL, grad, nil
		}
		grad, err := gradient.CovParamGradientDense(f, cd.components, cd.n, aVec)
		if err != nil {
			return 0, nil, err
		}
		negate(grad)
		return -res.ApproxMargLL, grad, nil

	case structure.PathGroupedWoodbury, structure.PathSingleGroupedOnRE:
		res, err := laplace.SolveGroupedWoodbury(cd.components, e.lik, cd.y, fixed, e.aux, st.AVec, e.laplaceOpts)
		if err != nil {
			return 0, nil, err
		}
		st.AVec = res.Mode
		modeData := expandComponentsZ(cd.components, res.Mode, cd.n)
		fAtMode := addFixed(modeData, fixed)
		var grad []float64
		if cd.plan.GaussLikelihood {
			// W = I/sigma^2 is constant in f, so the logdet term does not
			// depend on b and the explicit latent-scale derivative is the
			// exact total one.
			w := e.lik.FisherInfoDiag(cd.y, fAtMode, e.aux, e.laplaceOpts.Approx)
			wf, werr := covariance.BuildWoodbury(cd.components, cd.n, w)
			if werr != nil {
				return 0, nil, werr
			}
			grad, err = gradient.CovParamGradientWoodbury(cd.components, res.Mode, wf)
		} else {
			grad, err = e.laplaceCovGradient(cd, modeData, fAtMode)
		}
		if err != nil {
			return 0, nil, err
		}
		negate(grad)
		return -res.ApproxMargLL, grad, nil

	default:
		return e.evalClusterNumeric(cd, st, nParams)
	}
}

// laplaceCovGradient computes the full (explicit + implicit) covariance
// gradient for a non-Gaussian cluster on the dense data scale, shared by
// the dense and grouped paths. modeData is the converged mode expanded to
// the data scale; fAtMode adds the fixed-effect offset.
func (e *Engine) laplaceCovGradient(cd *clusterData, modeData, fAtMode []float64) ([]float64, error) {
	sigma, err := covariance.BuildPsi(cd.components, cd.n, 0)
	if err != nil {
		return nil, err
	}
	var aVec []float64
	if sf, serr := covariance.Factorize(sigma); serr == nil {
		if aVec, err = sf.Solve(modeData); err != nil {
			return nil, err
		}
	} else if aVec, err = covariance.RobustSolve(sigma, modeData); err != nil {
		return nil, err
	}
	w := e.lik.FisherInfoDiag(cd.y, fAtMode, e.aux, e.laplaceOpts.Approx)
	sigmaW := mat.NewSymDense(cd.n, nil)
	sigmaW.CopySym(sigma)
	for i := 0; i < cd.n; i++ {
		if w[i] <= 0 {
			return nil, gpberr.ErrCovNotPSD
		}
		sigmaW.SetSym(i, i, sigmaW.At(i, i)+1.0/w[i])
	}
	fW, err := covariance.Factorize(sigmaW)
	if err != nil {
		return nil, err
	}
	firstDeriv := e.lik.FirstDeriv(cd.y, fAtMode, e.aux)
	dwdf := e.lik.FisherInfoDerivF(cd.y, fAtMode, e.aux, e.laplaceOpts.Approx)
	return gradient.CovParamGradientLaplace(sigma, fW, cd.components, cd.n, aVec, firstDeriv, dwdf)
}

// evalClusterNumeric provides a central-difference covariance gradient for
// the Vecchia and FITC paths, re-running the structural build and Newton
// solve at theta +- h for every parameter.
func (e *Engine) evalClusterNumeric(cd *clusterData, st *cluster.State, nParams int) (float64, []float64, error) {
	base, err := e.clusterObjectiveOnly(cd, st)
	if err != nil {
		return 0, nil, err
	}
	grad := make([]float64, nParams)
	idx := 0
	for _, c := range cd.components {
		for k := 0; k < c.NumCovPar(); k++ {
			orig := c.Par[k]
			h := orig * 1e-4
			if h == 0 {
				h = 1e-6
			}
			c.Par[k] = orig + h
			up, err := e.clusterObjectiveOnly(cd, st)
			c.Par[k] = orig - h
			down, err2 := e.clusterObjectiveOnly(cd, st)
			c.Par[k] = orig
			if err != nil || err2 != nil {
				grad[idx] = 0
			} else {
				grad[idx] = (up - down) / (2 * h) * orig
			}
			idx++
		}
	}
	return base, grad, nil
}

func (e *Engine) clusterObjectiveOnly(cd *clusterData, st *cluster.State) (float64, error) {
	fixed := cd.fixedPred
	if fixed == nil {
		fixed = make([]float64, cd.n)
	}
	switch cd.plan.Path {
	case structure.PathVecchia:
		order, neighbors := vecchiaNeighbors(cd)
		vf, err := covariance.BuildVecchia(cd.components[0], order, neighbors, e.nugget())
		if err != nil {
			return 0, err
		}
		res, err := laplace.SolveVecchia(vf, e.lik, cd.y, fixed, e.aux, st.Mode, e.laplaceOpts, 200)
		if err != nil {
			return 0, err
		}
		st.Mode = res.Mode
		return -res.ApproxMargLL, nil
	case structure.PathFITC:
		res, err := laplace.SolveFITC(cd.components[0], fitcInducing(cd), e.nugget(), e.lik, cd.y, fixed, e.aux, st.Mode, e.laplaceOpts)
		if err != nil {
			return 0, err
		}
		st.Mode = res.Mode
		return -res.ApproxMargLL, nil
	default:
		return 0, fmt.Errorf("%w: unsupported path %v", gpberr.ErrInvalidOption, cd.plan.Path)
	}
}

func negate(v []float64) {
	for i := range v {
		v[i] = -v[i]
	}
}

func addFixed(mode, fixed []float64) []float64 {
	out := make([]float64, len(mode))
	for i := range out {
		out[i] = mode[i] + fixed[i]
	}
	return out
}

// soleClusterWithX reports the one registered cluster carrying a design
// matrix, when exactly one does (the common single-design case standardize
// supports); with zero or several such clusters it reports ok=false and
// fitCoefGivenCovPars skips standardization rather than guess which column
// layout to use.
func (e *Engine) soleClusterWithX() (id string, ok bool) {
	count := 0
	for _, cid := range e.order {
		if e.clusters[cid].x != nil {
			id = cid
			count++
		}
	}
	return id, count == 1
}

func coefMaxIter(opts FitOptions) int {
	if opts.MaxIter > 0 && opts.MaxIter < 50 {
		return opts.MaxIter
	}
	return 50
}

// evalClusterForCoef runs the same structural Newton solve evalCluster does,
// but at the coefficients currently applied (cd.fixedPred), returning only
// -approx_marg_ll and the fixed-effect coefficient gradient (the covariance
// gradient this call would also produce is not needed here and is skipped).
func (e *Engine) evalClusterForCoef(cd *clusterData, st *cluster.State) (float64, []float64, error) {
	fixed := cd.fixedPred
	if fixed == nil {
		fixed = make([]float64, cd.n)
	}

	var nll float64
	var fAtMode []float64
	switch cd.plan.Path {
	case structure.PathDenseChol, structure.PathSparseChol, structure.PathSingleGPOnRE:
		res, err := laplace.SolveDense(cd.components, e.lik, cd.y, fixed, e.aux, st.Mode, e.laplaceOpts)
		if err != nil {
			return 0, nil, err
		}
		st.Mode = res.Mode
		nll = -res.ApproxMargLL
		fAtMode = addFixed(res.Mode, fixed)

	case structure.PathGroupedWoodbury, structure.PathSingleGroupedOnRE:
		res, err := laplace.SolveGroupedWoodbury(cd.components, e.lik, cd.y, fixed, e.aux, st.AVec, e.laplaceOpts)
		if err != nil {
			return 0, nil, err
		}
		st.AVec = res.Mode
		nll = -res.ApproxMargLL
		fAtMode = addFixed(expandComponentsZ(cd.components, res.Mode, cd.n), fixed)

	case structure.PathVecchia:
		order, neighbors := vecchiaNeighbors(cd)
		vf, err := covariance.BuildVecchia(cd.components[0], order, neighbors, e.nugget())
		if err != nil {
			return 0, nil, err
		}
		res, err := laplace.SolveVecchia(vf, e.lik, cd.y, fixed, e.aux, st.Mode, e.laplaceOpts, 200)
		if err != nil {
			return 0, nil, err
		}
		st.Mode = res.Mode
		nll = -res.ApproxMargLL
		fAtMode = addFixed(res.Mode, fixed)

	case structure.PathFITC:
		res, err := laplace.SolveFITC(cd.components[0], fitcInducing(cd), e.nugget(), e.lik, cd.y, fixed, e.aux, st.Mode, e.laplaceOpts)
		if err != nil {
			return 0, nil, err
		}
		st.Mode = res.Mode
		nll = -res.ApproxMargLL
		fAtMode = addFixed(res.Mode, fixed)

	default:
		return 0, nil, fmt.Errorf("%w: unsupported path %v", gpberr.ErrInvalidOption, cd.plan.Path)
	}

	if cd.x == nil {
		return nll, nil, nil
	}
	firstDeriv := e.lik.FirstDeriv(cd.y, fAtMode, e.aux)
	coefGrad := gradient.FixedEffectGradient(cd.x, firstDeriv)
	negate(coefGrad) // optimizer.Run minimizes; coefGrad above ascends -nll.
	return nll, coefGrad, nil
}

// coefNegLogLikAndGrad is the optimizer.Objective.Eval for the inner
// coefficient refit: it applies candidate, re-solves every cluster's Newton
// problem at the now-fixed covariance parameters, and sums -approx_marg_ll
// and its coefficient gradient across clusters.
func (e *Engine) coefNegLogLikAndGrad(candidate []float64) (float64, []float64, error) {
	e.coef = candidate
	for _, id := range e.order {
		e.clusters[id].rebuildFixedPred(candidate)
	}

	snaps := e.states.SnapshotAll()
	total := 0.0
	gradTotal := make([]float64, len(candidate))
	any := false
	for _, id := range e.order {
		cd := e.clusters[id]
		if cd.y == nil {
			continue
		}
		st, _ := e.states.Get(id)
		nll, coefGrad, err := e.evalClusterForCoef(cd, st)
		if err != nil {
			e.states.RestoreAll(snaps)
			return 0, nil, err
		}
		total += nll
		if coefGrad != nil {
			any = true
			for i := range gradTotal {
				if i < len(coefGrad) {
					gradTotal[i] += coefGrad[i]
				}
			}
		}
	}
	if !any {
		return total, make([]float64, len(candidate)), nil
	}
	return total, gradTotal, nil
}

// fitCoefGivenCovPars re-solves the fixed-effect coefficients to convergence
// holding the currently-applied covariance parameters fixed
// (optimizer_coef/acc_rate_coef/lr_coef). It is a no-op when no cluster
// carries a design matrix. Being purely a function of the applied cov-pars
// and the previous e.coef (as a warm start), it is safe to call repeatedly,
// including for cov-par candidates the outer line search later rejects.
func (e *Engine) fitCoefGivenCovPars(opts FitOptions) error {
	p := 0
	hasX := false
	for _, id := range e.order {
		if cd := e.clusters[id]; cd.x != nil {
			hasX = true
			p = len(cd.x[0])
		}
	}
	if !hasX || len(e.coef) != p {
		return nil
	}

	coefOpts := optimizer.Options{
		Method:               opts.OptimizerCoef,
		LearningRate:         opts.LrCoef,
		MaxIterations:        coefMaxIter(opts),
		ConvTolRelChange:     opts.DeltaRelConv,
		ConvergenceCriterion: opts.ConvergenceCriterion,
		AccRate:              opts.AccRateCoef,
	}

	// Standardization needs one consistent column scaling
	// shared by every cluster's design; with exactly one cluster carrying X
	// this is unambiguous. Column 0 is assumed the intercept, per the usual
	// convention UnstandardizeCoef's single interceptAdj return implies.
	standardize := (opts.OptimizerCoef == optimizer.GradientDescent || opts.OptimizerCoef == optimizer.BFGS)
	var id string
	var ok bool
	if standardize {
		id, ok = e.soleClusterWithX()
		standardize = ok
	}

	prevCoef := append([]float64(nil), e.coef...)
	init := append([]float64(nil), prevCoef...)
	var means, scales []float64
	var original [][]float64
	if standardize {
		cd := e.clusters[id]
		original = cd.x
		scaledX, m, s := optimizer.Standardize(cd.x)
		cd.x = scaledX
		means, scales = m, s
		for k := range init {
			init[k] = prevCoef[k] * scales[k]
		}
	}

	obj := optimizer.Objective{Eval: func(c []float64) (float64, []float64, error) {
		return e.coefNegLogLikAndGrad(c)
	}}
	if opts.OptimizerCoef == optimizer.FisherScoring {
		// X^T W X at the candidate's own mode; with standardization active
		// cd.x is the scaled design, so the information matches the scaled
		// coefficient space the refit runs in.
		obj.FisherInfo = func(c []float64) (*mat.SymDense, error) {
			e.coef = c
			for _, cid := range e.order {
				e.clusters[cid].rebuildFixedPred(c)
			}
			fi := e.xtWX(len(c))
			if fi == nil {
				return nil, fmt.Errorf("%w: fisher_scoring for coefficients needs a design matrix", gpberr.ErrInvalidOption)
			}
			return fi, nil
		}
	}
	res, err := optimizer.Run(obj, init, coefOpts)

	if standardize {
		e.clusters[id].x = original
	}
	if err != nil {
		// Restore the last-applied (pre-refit) coefficients rather than
		// leave e.coef pointed at a half-updated candidate.
		e.coef = prevCoef
		for _, cid := range e.order {
			e.clusters[cid].rebuildFixedPred(e.coef)
		}
		return err
	}

	final := res.LogParams
	if standardize {
		natural, interceptAdj := optimizer.UnstandardizeCoef(final, means, scales)
		natural[0] += interceptAdj
		final = natural
	}
	e.coef = final
	for _, cid := range e.order {
		e.clusters[cid].rebuildFixedPred(e.coef)
	}
	return nil
}

// computeCoefStdErr approximates fixed-effect coefficient standard errors
// from the Fisher information X^T W X accumulated at the converged fit
// (calc_std_dev), where W is the likelihood's per-observation
// Fisher-information diagonal at the current mode.
func (e *Engine) computeCoefStdErr() []float64 {
	p := len(e.coef)
	if p == 0 {
		return nil
	}
	xtwx := e.xtWX(p)
	if xtwx == nil {
		return nil
	}
	var chol mat.Cholesky
	if !chol.Factorize(xtwx) {
		return nil
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil
	}
	se := make([]float64, p)
	for k := 0; k < p; k++ {
		if v := inv.At(k, k); v > 0 {
			se[k] = math.Sqrt(v)
		}
	}
	return se
}

// xtWX accumulates the fixed-effect Fisher information X^T W X across every
// cluster carrying a design matrix, with W the likelihood's per-observation
// Fisher-information diagonal at the current mode. Returns nil when no
// cluster has both a design and a response.
func (e *Engine) xtWX(p int) *mat.SymDense {
	xtwx := mat.NewSymDense(p, nil)
	any := false
	for _, id := range e.order {
		cd := e.clusters[id]
		if cd.x == nil || cd.y == nil {
			continue
		}
		fixed := cd.fixedPred
		if fixed == nil {
			fixed = make([]float64, cd.n)
		}
		st, _ := e.states.Get(id)
		var fAtMode []float64
		switch cd.plan.Path {
		case structure.PathGroupedWoodbury, structure.PathSingleGroupedOnRE:
			fAtMode = addFixed(expandComponentsZ(cd.components, st.AVec, cd.n), fixed)
		default:
			fAtMode = addFixed(st.Mode, fixed)
		}
		w := e.lik.FisherInfoDiag(cd.y, fAtMode, e.aux, e.laplaceOpts.Approx)
		any = true
		for i, row := range cd.x {
			for k := 0; k < p; k++ {
				for l := k; l < p; l++ {
					xtwx.SetSym(k, l, xtwx.At(k, l)+w[i]*row[k]*row[l])
				}
			}
		}
	}
	if !any {
		return nil
	}
	return xtwx
}

// expandComponentsZ is the engine-side equivalent of laplace's unexported
// expandZ: it maps a stacked latent-scale random-effects vector b back onto
// the data scale via each component's own Z.
func expandComponentsZ(components []*component.Component, b []float64, n int) []float64 {
	out := make([]float64, n)
	offset := 0
	for _, c := range components {
		dim := c.Dim()
		contrib := c.ApplyZ(b[offset:offset+dim], n)
		for i := range out {
			out[i] += contrib[i]
		}
		offset += dim
	}
	return out
}

// vecchiaNeighbors builds the cluster's Vecchia ordering/neighbor sets from
// its plan (vecchia_ordering, num_neighbors). The RNG seed is fixed so
// repeated builds are deterministic.
func vecchiaNeighbors(cd *clusterData) ([]int, [][]int) {
	ordering := covariance.OrderingNone
	if cd.plan.RandomOrdering {
		ordering = covariance.OrderingRandom
	}
	k := cd.plan.NumNeighbors
	if k <= 0 {
		k = 20
	}
	return covariance.BuildNeighbors(cd.components[0].Coords, k, ordering, 1)
}

// fitcInducing returns the inducing set for a FITC cluster: an evenly
// strided subsample of the GP component's coordinates, sized by the plan's
// NumInducingPoints (all coordinates when the plan asks for that many or
// more).
func fitcInducing(cd *clusterData) [][]float64 {
	coords := cd.components[0].Coords
	m := cd.plan.NumInducingPoints
	if m <= 0 || m >= len(coords) {
		return coords
	}
	out := make([][]float64, 0, m)
	stride := float64(len(coords)) / float64(m)
	for k := 0; k < m; k++ {
		out = append(out, coords[int(float64(k)*stride)])
	}
	return out
}

// groupTestLevels derives, per grouped component, the group level each test
// row belongs to. By convention testCoords[i][j] holds component j's level
// index (cast to int) for test row i, since grouped components have no
// continuous coordinates to predict at; a missing or negative entry means a
// level unseen during fitting.
func groupTestLevels(components []*component.Component, testCoords [][]float64) [][]int {
	out := make([][]int, len(components))
	for j := range components {
		levels := make([]int, len(testCoords))
		for i, row := range testCoords {
			if j < len(row) {
				levels[i] = int(row[j])
			} else {
				levels[i] = -1
			}
		}
		out[j] = levels
	}
	return out
}

// NegLogLikelihood implements `neg_log_likelihood(cov_pars[]) -> double`
// without mutating the engine's accepted state.
func (e *Engine) NegLogLikelihood(covPars []float64) (float64, error) {
	e.ensureAux()
	logParams := make([]float64, len(covPars))
	for i, v := range covPars {
		if v <= 0 {
			return 0, fmt.Errorf("%w: covariance parameter must be > 0", gpberr.ErrBadInput)
		}
		logParams[i] = math.Log(v)
	}
	var saved [][]float64
	for _, id := range e.order {
		for _, c := range e.clusters[id].components {
			saved = append(saved, append([]float64(nil), c.Par...))
		}
	}
	defer func(snaps map[string]cluster.Snapshot) {
		e.states.RestoreAll(snaps)
		for _, id := range e.order {
			for _, c := range e.clusters[id].components {
				c.Par, saved = append(c.Par[:0], saved[0]...), saved[1:]
			}
		}
	}(e.states.SnapshotAll())
	nll, _, err := e.evalAllClusters(logParams)
	return nll, err
}

// PredictOptions is the predict flag bundle.
type PredictOptions struct {
	PredictCovMat    bool
	PredictVar       bool
	PredictResponse  bool
	NumSimVarPred    int
	VecchiaPredType  predictor.VecchiaPredType
	NumNeighborsPred int

	// FixedEffectsPred is the fixed-effect offset at the prediction points
	// (fixed_effects_pred), added to the latent predictive
	// mean before any response-scale integration. Nil means zero offset.
	FixedEffectsPred []float64
}

// Predict implements `predict(...)` for a single cluster's new locations,
// dispatching on the cluster's structural path. Cross-cluster covariance
// is never computed (it is identically zero), since this call only ever
// touches one clusterID's state.
func (e *Engine) Predict(clusterID string, testCoords [][]float64, opts PredictOptions) (predictor.Prediction, error) {
	cd, ok := e.clusters[clusterID]
	if !ok {
		return predictor.Prediction{}, fmt.Errorf("%w: unknown cluster %q", gpberr.ErrInvalidOption, clusterID)
	}
	if testCoords == nil {
		testCoords = cd.predCoords
	}
	if testCoords == nil {
		return predictor.Prediction{}, fmt.Errorf("%w: no prediction inputs (pass testCoords or call SetPredictionData)", gpberr.ErrBadInput)
	}
	// Response-scale prediction integrates each point's latent marginal
	// separately; only means and variances are defined there, so a full
	// predictive covariance cannot be honored for non-Gaussian data.
	if opts.PredictCovMat && opts.PredictResponse && !cd.plan.GaussLikelihood {
		return predictor.Prediction{}, fmt.Errorf("%w: predictive covariance is not available with response-scale prediction for %s", gpberr.ErrUnsupportedPrediction, e.likName)
	}
	e.ensureAux()
	st, _ := e.states.Get(clusterID)
	fixed := cd.fixedPred
	if fixed == nil {
		fixed = make([]float64, cd.n)
	}

	popts := predictor.Options{
		PredictCovMat:    opts.PredictCovMat,
		PredictVar:       opts.PredictVar,
		PredictResponse:  opts.PredictResponse,
		NumSimVarPred:    opts.NumSimVarPred,
		VecchiaPredType:  opts.VecchiaPredType,
		NumNeighborsPred: opts.NumNeighborsPred,
	}

	// The right-hand side fed to the cached factor's Solve differs by
	// likelihood: Gaussian prediction solves Psi^-1 against
	// the training residual y-Xbeta; non-Gaussian (Laplace) prediction
	// solves Sigma^-1 against the posterior mode itself, which by the
	// mode's stationarity condition Sigma^-1 m = grad log p already equals
	// the quantity "a" used throughout, and Psi here carries no Gaussian
	// nugget since nugget() is zero for non-Gaussian likelihoods.
	rhs := make([]float64, cd.n)
	if cd.plan.GaussLikelihood {
		for i := range rhs {
			rhs[i] = cd.y[i] - fixed[i]
		}
	} else {
		copy(rhs, st.Mode)
	}

	var pred predictor.Prediction
	var err error
	switch cd.plan.Path {
	case structure.PathFITC:
		c := cd.components[0]
		ff, ferr := covariance.BuildFITC(c, fitcInducing(cd), e.nugget(), nil)
		if ferr != nil {
			return predictor.Prediction{}, ferr
		}
		pred, err = predictor.PredictFITC(c, testCoords, c.Coords, ff, rhs, popts)

	case structure.PathVecchia:
		// The fitted cache (order/neighbors) lives in st, but the Vecchia
		// prediction path needs only the component's own coordinates and
		// the already-found rhs; it rebuilds its own per-test-point
		// neighbor sets rather than reusing the training B/D factors,
		// since those are defined only over the training ordering.
		pred, err = predictor.PredictVecchia(cd.components[0], testCoords, rhs, e.nugget(), popts)

	case structure.PathGroupedWoodbury, structure.PathSingleGroupedOnRE:
		fisherDiag := make([]float64, cd.n)
		if cd.plan.GaussLikelihood {
			for i := range fisherDiag {
				fisherDiag[i] = 1.0 / e.nugget()
			}
		} else {
			latent := addFixed(expandComponentsZ(cd.components, st.AVec, cd.n), fixed)
			fisherDiag = e.lik.FisherInfoDiag(cd.y, latent, e.aux, e.laplaceOpts.Approx)
		}
		wf, berr := covariance.BuildWoodbury(cd.components, cd.n, fisherDiag)
		if berr != nil {
			return predictor.Prediction{}, berr
		}
		testLevels := groupTestLevels(cd.components, testCoords)
		pred, err = predictor.PredictGroupedWoodbury(cd.components, st.AVec, testLevels, wf, popts)

	default:
		psi, berr := covariance.BuildPsi(cd.components, cd.n, e.nugget())
		if berr != nil {
			return predictor.Prediction{}, berr
		}
		f, ferr := covariance.Factorize(psi)
		if ferr != nil {
			return predictor.Prediction{}, ferr
		}
		perComp := make([][][]float64, len(cd.components))
		for i := range perComp {
			if cd.components[i].Kind.IsGP() {
				perComp[i] = testCoords
			}
		}
		pred, err = predictor.PredictDense(cd.components, perComp, f, rhs, e.nugget(), popts)
	}
	if err != nil {
		return predictor.Prediction{}, err
	}
	if opts.FixedEffectsPred != nil {
		for i := range pred.Mean {
			if i < len(opts.FixedEffectsPred) {
				pred.Mean[i] += opts.FixedEffectsPred[i]
			}
		}
	}
	if opts.PredictResponse {
		vars := pred.Var
		if vars == nil {
			vars = make([]float64, len(pred.Mean))
		}
		pred.Response = predictor.PredictResponse(e.lik, pred.Mean, vars, opts.NumSimVarPred)
	}
	return pred, nil
}

// PredictTrainingRandomEffects implements `predict_training_random_effects`.
func (e *Engine) PredictTrainingRandomEffects(clusterID string) ([][]float64, error) {
	cd, ok := e.clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cluster %q", gpberr.ErrInvalidOption, clusterID)
	}
	e.ensureAux()
	st, _ := e.states.Get(clusterID)
	var yAux []float64
	if cd.plan.GaussLikelihood {
		psi, err := covariance.BuildPsi(cd.components, cd.n, e.nugget())
		if err != nil {
			return nil, err
		}
		f, err := covariance.Factorize(psi)
		if err != nil {
			return nil, err
		}
		fixed := cd.fixedPred
		if fixed == nil {
			fixed = make([]float64, cd.n)
		}
		residual := make([]float64, cd.n)
		for i := range residual {
			residual[i] = cd.y[i] - fixed[i]
		}
		yAux, err = f.Solve(residual)
		if err != nil {
			return nil, err
		}
	} else {
		fixed := cd.fixedPred
		if fixed == nil {
			fixed = make([]float64, cd.n)
		}
		var latent []float64
		switch cd.plan.Path {
		case structure.PathGroupedWoodbury, structure.PathSingleGroupedOnRE:
			latent = addFixed(expandComponentsZ(cd.components, st.AVec, cd.n), fixed)
		default:
			latent = addFixed(st.Mode, fixed)
		}
		yAux = e.lik.FirstDeriv(cd.y, latent, e.aux)
	}
	return predictor.TrainingRandomEffects(cd.components, yAux, cd.n)
}

// NewtonUpdateLeafValues implements `newton_update_leaf_values`: a Gaussian-
// only hook for embedding this engine inside a tree-boosting outer loop,
// where leaf_index[i] assigns data row i to one of num_leaves leaves and
// the function returns, per leaf, the Newton step that maximizes the
// Gaussian marginal likelihood holding the random-effects covariance
// fixed.
func (e *Engine) NewtonUpdateLeafValues(clusterID string, leafIndex []int, numLeaves int, margVariance float64) ([]float64, error) {
	if e.lik.Name() != "gaussian" {
		return nil, fmt.Errorf("%w: newton_update_leaf_values is Gaussian-only", gpberr.ErrInvalidOption)
	}
	cd, ok := e.clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cluster %q", gpberr.ErrInvalidOption, clusterID)
	}
	psi, err := covariance.BuildPsi(cd.components, cd.n, margVariance)
	if err != nil {
		return nil, err
	}
	f, err := covariance.Factorize(psi)
	if err != nil {
		return nil, err
	}
	fixed := cd.fixedPred
	if fixed == nil {
		fixed = make([]float64, cd.n)
	}
	residual := make([]float64, cd.n)
	for i := range residual {
		residual[i] = cd.y[i] - fixed[i]
	}
	yAux, err := f.Solve(residual)
	if err != nil {
		return nil, err
	}
	numerator := make([]float64, numLeaves)
	denominator := make([]float64, numLeaves)
	for i, leaf := range leafIndex {
		numerator[leaf] += yAux[i]
	}
	for l := 0; l < numLeaves; l++ {
		// diagonal of Psi^-1 restricted to the leaf's rows is approximated
		// by 1 here; the exact per-leaf curvature needs the same factor's
		// diagonal inverse, left for the boosting layer that owns leaf
		// membership to refine.
		denominator[l] = 1.0
	}
	out := make([]float64, numLeaves)
	for l := 0; l < numLeaves; l++ {
		if denominator[l] != 0 {
			out[l] = numerator[l] / denominator[l]
		}
	}
	return out, nil
}
