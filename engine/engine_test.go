package engine

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/gpberr"
	"github.com/cran/gpboostcore/optimizer"
	"github.com/cran/gpboostcore/structure"
)

func almostEqual(a, b, tol float64) bool { return scalar.EqualWithinAbs(a, b, tol) }

func TestEngineFitAndPredictDenseGaussian(t *testing.T) {
	n := 6
	coords := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = []float64{float64(i)}
		y[i] = float64(i)*0.3 + 1.0
	}
	gp := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 2.0},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}

	e, err := New("gaussian")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.AddCluster("c1", n, []*component.Component{gp}, structure.Options{GaussLikelihood: true}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", y); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	e.aux = []float64{0.2}

	res, err := e.Fit([]float64{1.0, 2.0}, nil, FitOptions{
		Method:       optimizer.GradientDescent,
		MaxIter:      50,
		DeltaRelConv: 1e-6,
		LrCov:        0.05,
		AccRateCov:   0.1,
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(res.CovPars) != 2 || res.CovPars[0] <= 0 || res.CovPars[1] <= 0 {
		t.Fatalf("unexpected fitted covariance parameters: %v", res.CovPars)
	}

	nll, err := e.NegLogLikelihood(res.CovPars)
	if err != nil {
		t.Fatalf("NegLogLikelihood: %v", err)
	}
	if math.IsNaN(nll) || math.IsInf(nll, 0) {
		t.Fatalf("neg log likelihood not finite: %v", nll)
	}

	pred, err := e.Predict("c1", coords, PredictOptions{PredictVar: true})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(pred.Mean) != n {
		t.Fatalf("expected %d predictions, got %d", n, len(pred.Mean))
	}

	re, err := e.PredictTrainingRandomEffects("c1")
	if err != nil {
		t.Fatalf("PredictTrainingRandomEffects: %v", err)
	}
	if len(re) != 1 || len(re[0]) != n {
		t.Fatalf("unexpected training random effects shape: %v", re)
	}
}

func TestPredictIsIdempotentAndUsesStoredPredictionData(t *testing.T) {
	n := 5
	coords := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = []float64{float64(i)}
		y[i] = 0.5*float64(i) - 1.0
	}
	gp := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 1.5},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	e, err := New("gaussian")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.AddCluster("c1", n, []*component.Component{gp}, structure.Options{GaussLikelihood: true}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", y); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	e.aux = []float64{0.3}

	testCoords := [][]float64{{0.5}, {2.5}, {6.0}}
	if err := e.SetPredictionData("c1", testCoords); err != nil {
		t.Fatalf("SetPredictionData: %v", err)
	}
	p1, err := e.Predict("c1", nil, PredictOptions{PredictVar: true})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	p2, err := e.Predict("c1", nil, PredictOptions{PredictVar: true})
	if err != nil {
		t.Fatalf("Predict (repeat): %v", err)
	}
	for i := range p1.Mean {
		if p1.Mean[i] != p2.Mean[i] || p1.Var[i] != p2.Var[i] {
			t.Fatalf("repeated predict not bitwise-identical at %d: (%v,%v) vs (%v,%v)",
				i, p1.Mean[i], p1.Var[i], p2.Mean[i], p2.Var[i])
		}
	}
}

func TestEngineFitGroupedGaussianWoodburyPath(t *testing.T) {
	nGroups, perGroup := 10, 10
	n := nGroups * perGroup
	levelOf := make([]int, n)
	y := make([]float64, n)
	// deterministic pseudo-data: group offsets plus a small within-group
	// wiggle, no RNG so the test is reproducible byte-for-byte.
	for g := 0; g < nGroups; g++ {
		offset := 1.5 * math.Sin(float64(g))
		for k := 0; k < perGroup; k++ {
			i := g*perGroup + k
			levelOf[i] = g
			y[i] = offset + 0.3*math.Cos(float64(7*i))
		}
	}
	grouped := &component.Component{
		Kind: component.GroupedIntercept,
		Par:  []float64{1.0},
		Z:    &component.Incidence{LevelOf: levelOf, NumLevels: nGroups},
	}
	e, err := New("gaussian")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.AddCluster("c1", n, []*component.Component{grouped}, structure.Options{GaussLikelihood: true}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", y); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	covPars0, aux0 := e.FindInitCovPars(y)
	if err := e.SetAuxParams(aux0); err != nil {
		t.Fatalf("SetAuxParams: %v", err)
	}

	res, err := e.Fit(covPars0, nil, FitOptions{
		Method:       optimizer.GradientDescent,
		MaxIter:      100,
		DeltaRelConv: 1e-6,
		LrCov:        0.1,
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if res.CovPars[0] <= 0 || math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		t.Fatalf("bad fit: cov=%v loss=%v", res.CovPars, res.Loss)
	}

	re, err := e.PredictTrainingRandomEffects("c1")
	if err != nil {
		t.Fatalf("PredictTrainingRandomEffects: %v", err)
	}
	if len(re) != 1 {
		t.Fatalf("expected one component's random effects, got %d", len(re))
	}

	// group-level prediction: row i's entry holds component 0's level index.
	testLevels := [][]float64{{0}, {4}, {99}}
	pred, err := e.Predict("c1", testLevels, PredictOptions{PredictVar: true})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(pred.Mean) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(pred.Mean))
	}
	// level 99 was never seen: prior mean zero, prior variance.
	if pred.Mean[2] != 0 {
		t.Fatalf("unseen level should predict the prior mean 0, got %v", pred.Mean[2])
	}
	if !almostEqual(pred.Var[2], res.CovPars[0], 1e-9) {
		t.Fatalf("unseen level should carry the prior variance %v, got %v", res.CovPars[0], pred.Var[2])
	}
}

func TestFitRejectsWrongCovParCount(t *testing.T) {
	n := 4
	coords := make([][]float64, n)
	for i := range coords {
		coords[i] = []float64{float64(i)}
	}
	gp := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 1.0},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	e, _ := New("gaussian")
	if err := e.AddCluster("c1", n, []*component.Component{gp}, structure.Options{GaussLikelihood: true}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", []float64{1, 2, 3, 4}); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	if _, err := e.Fit([]float64{1.0}, nil, FitOptions{Method: optimizer.GradientDescent, MaxIter: 5}); err == nil {
		t.Fatalf("expected an error for a 1-element init vector on a 2-parameter composition")
	}
}

func TestFindInitCovParsSplitsVarianceAcrossComponents(t *testing.T) {
	e, err := New("gaussian")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n := 4
	levelOf := []int{0, 0, 1, 1}
	grouped := &component.Component{Kind: component.GroupedIntercept, Par: []float64{1}, Z: &component.Incidence{LevelOf: levelOf, NumLevels: 2}}
	if err := e.AddCluster("c1", n, []*component.Component{grouped}, structure.Options{GaussLikelihood: true}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	y := []float64{1, 2, 3, 4}
	covPars, aux := e.FindInitCovPars(y)
	if len(covPars) != 1 {
		t.Fatalf("expected 1 covariance parameter guess, got %d", len(covPars))
	}
	if len(aux) != 1 {
		t.Fatalf("expected 1 aux parameter guess, got %d", len(aux))
	}
}

// The analytic covariance gradient must match a central difference of the
// re-solved-mode marginal likelihood itself, implicit-mode term included,
// for non-Gaussian likelihoods.
func TestCovGradientMatchesFiniteDifferencePoissonDense(t *testing.T) {
	n := 6
	coords := make([][]float64, n)
	for i := range coords {
		coords[i] = []float64{float64(i) * 0.7}
	}
	y := []float64{1, 0, 2, 3, 1, 4}
	gp := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{0.8, 1.5},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	e, err := New("poisson")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.AddCluster("c1", n, []*component.Component{gp}, structure.Options{}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", y); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}

	logParams := []float64{math.Log(0.8), math.Log(1.5)}
	_, grad, err := e.evalAllClusters(logParams)
	if err != nil {
		t.Fatalf("evalAllClusters: %v", err)
	}

	h := 1e-4
	for j := range logParams {
		up := append([]float64(nil), logParams...)
		down := append([]float64(nil), logParams...)
		up[j] += h
		down[j] -= h
		nllUp, _, err := e.evalAllClusters(up)
		if err != nil {
			t.Fatalf("evalAllClusters(+h): %v", err)
		}
		nllDown, _, err := e.evalAllClusters(down)
		if err != nil {
			t.Fatalf("evalAllClusters(-h): %v", err)
		}
		numeric := (nllUp - nllDown) / (2 * h)
		tol := 5e-3 * math.Max(1, math.Abs(numeric))
		if !almostEqual(grad[j], numeric, tol) {
			t.Fatalf("gradient[%d] = %v, finite difference = %v", j, grad[j], numeric)
		}
	}
}

func TestCovGradientMatchesFiniteDifferenceBernoulliGrouped(t *testing.T) {
	n := 8
	levelOf := []int{0, 0, 0, 1, 1, 1, 2, 2}
	y := []float64{1, 0, 1, 0, 0, 1, 1, 0}
	grouped := &component.Component{
		Kind: component.GroupedIntercept,
		Par:  []float64{1.2},
		Z:    &component.Incidence{LevelOf: levelOf, NumLevels: 3},
	}
	e, err := New("bernoulli_logit")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.AddCluster("c1", n, []*component.Component{grouped}, structure.Options{}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", y); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}

	logParams := []float64{math.Log(1.2)}
	_, grad, err := e.evalAllClusters(logParams)
	if err != nil {
		t.Fatalf("evalAllClusters: %v", err)
	}

	h := 1e-4
	up := []float64{logParams[0] + h}
	down := []float64{logParams[0] - h}
	nllUp, _, err := e.evalAllClusters(up)
	if err != nil {
		t.Fatalf("evalAllClusters(+h): %v", err)
	}
	nllDown, _, err := e.evalAllClusters(down)
	if err != nil {
		t.Fatalf("evalAllClusters(-h): %v", err)
	}
	numeric := (nllUp - nllDown) / (2 * h)
	tol := 5e-3 * math.Max(1, math.Abs(numeric))
	if !almostEqual(grad[0], numeric, tol) {
		t.Fatalf("gradient = %v, finite difference = %v", grad[0], numeric)
	}
}

func TestFitFisherScoringGaussianGP(t *testing.T) {
	n := 8
	coords := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = []float64{float64(i)}
		y[i] = 0.4*float64(i) + 0.5*math.Sin(float64(i))
	}
	gp := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 2.0},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	e, err := New("gaussian")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.AddCluster("c1", n, []*component.Component{gp}, structure.Options{GaussLikelihood: true}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", y); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	e.aux = []float64{0.3}

	res, err := e.Fit([]float64{1.0, 2.0}, nil, FitOptions{
		Method:       optimizer.FisherScoring,
		MaxIter:      50,
		DeltaRelConv: 1e-6,
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for i, v := range res.CovPars {
		if v <= 0 || math.IsNaN(v) {
			t.Fatalf("bad fitted covariance parameter %d: %v", i, v)
		}
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		t.Fatalf("loss not finite: %v", res.Loss)
	}
}

func TestPredictRefusesCovMatWithResponseForNonGaussian(t *testing.T) {
	n := 5
	coords := make([][]float64, n)
	for i := range coords {
		coords[i] = []float64{float64(i)}
	}
	gp := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 1.5},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	e, err := New("poisson")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.AddCluster("c1", n, []*component.Component{gp}, structure.Options{}); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := e.SetResponse("c1", []float64{1, 2, 0, 3, 1}); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}

	_, err = e.Predict("c1", coords, PredictOptions{PredictCovMat: true, PredictResponse: true})
	if !errors.Is(err, gpberr.ErrUnsupportedPrediction) {
		t.Fatalf("expected ErrUnsupportedPrediction, got %v", err)
	}
	// mean/variance response prediction stays allowed.
	if _, err := e.Predict("c1", coords, PredictOptions{PredictVar: true, PredictResponse: true}); err != nil {
		t.Fatalf("Predict with variances only: %v", err)
	}
}
