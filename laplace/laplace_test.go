package laplace

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/likelihood"
)

func almostEqual(a, b, tol float64) bool {
	return scalar.EqualWithinAbs(a, b, tol)
}

func defaultOptions() Options {
	return Options{
		MaxLRShrinkageSteps: 10,
		DeltaRelConv:        1e-8,
		Approx:              likelihood.Laplace,
		MaxIterations:       50,
	}
}

// gpComponent builds a single-GP-per-location component (identity Z) on a
// small 1-D grid.
func gpComponent(variance, rangePar float64, n int) *component.Component {
	coords := make([][]float64, n)
	for i := 0; i < n; i++ {
		coords[i] = []float64{float64(i)}
	}
	return &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{variance, rangePar},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
}

func groupedComponent(variance float64, levelOf []int, numLevels int) *component.Component {
	return &component.Component{
		Kind: component.GroupedIntercept,
		Par:  []float64{variance},
		Z:    &component.Incidence{LevelOf: levelOf, NumLevels: numLevels},
	}
}

// For a Gaussian likelihood the Newton loop solves a linear system exactly
// in one iteration; the mode should equal the GLS posterior mean.
func TestSolveDenseGaussianConvergesInOneIteration(t *testing.T) {
	n := 5
	c := gpComponent(1.0, 2.0, n)
	y := []float64{1, 2, 1.5, 3, 2.5}
	fixed := make([]float64, n)
	lik := &likelihood.Gaussian{}
	aux := []float64{0.5}

	res, err := SolveDense([]*component.Component{c}, lik, y, fixed, aux, nil, defaultOptions())
	if err != nil {
		t.Fatalf("SolveDense: %v", err)
	}
	if res.Iterations > 2 {
		t.Fatalf("Gaussian Newton should converge in ~1 iteration, got %d", res.Iterations)
	}
	for i := range res.Mode {
		if math.IsNaN(res.Mode[i]) {
			t.Fatalf("mode[%d] is NaN", i)
		}
	}
}

func TestSolveGroupedWoodburyMatchesDensePath(t *testing.T) {
	levelOf := []int{0, 0, 1, 1, 1}
	c := groupedComponent(2.0, levelOf, 2)
	y := []float64{1, 1.5, 2, 2.2, 1.8}
	fixed := make([]float64, 5)
	lik := &likelihood.Gaussian{}
	aux := []float64{0.3}

	resW, err := SolveGroupedWoodbury([]*component.Component{c}, lik, y, fixed, aux, nil, defaultOptions())
	if err != nil {
		t.Fatalf("SolveGroupedWoodbury: %v", err)
	}
	resD, err := SolveDense([]*component.Component{c}, lik, y, fixed, aux, nil, defaultOptions())
	if err != nil {
		t.Fatalf("SolveDense: %v", err)
	}

	predW := expandZ([]*component.Component{c}, resW.Mode, 5)
	for i := range predW {
		if !almostEqual(predW[i], resD.Mode[i], 1e-4) {
			t.Fatalf("woodbury/dense mismatch at %d: %v vs %v", i, predW[i], resD.Mode[i])
		}
	}
	// Both paths report the same approx_marg_ll: the Woodbury logdet pieces
	// logdet(Sigma^-1 + Z^T W Z) + logdet(Sigma) recombine into the dense
	// path's logdet(I + W^1/2 Z Sigma Z^T W^1/2).
	if !almostEqual(resW.ApproxMargLL, resD.ApproxMargLL, 1e-6*math.Max(1, math.Abs(resD.ApproxMargLL))) {
		t.Fatalf("woodbury/dense approx_marg_ll mismatch: %v vs %v", resW.ApproxMargLL, resD.ApproxMargLL)
	}
}

func TestSolveVecchiaApproximatesDenseForDenseNeighborhood(t *testing.T) {
	n := 6
	c := gpComponent(1.0, 3.0, n)
	y := []float64{1, 1.2, 0.9, 1.5, 1.8, 2.0}
	fixed := make([]float64, n)
	lik := &likelihood.Gaussian{}
	aux := []float64{0.4}

	order, neighbors := covariance.BuildNeighbors(c.Coords, n-1, covariance.OrderingNone, 1)
	vf, err := covariance.BuildVecchia(c, order, neighbors, 0)
	if err != nil {
		t.Fatalf("BuildVecchia: %v", err)
	}

	resV, err := SolveVecchia(vf, lik, y, fixed, aux, nil, defaultOptions(), 200)
	if err != nil {
		t.Fatalf("SolveVecchia: %v", err)
	}
	resD, err := SolveDense([]*component.Component{c}, lik, y, fixed, aux, nil, defaultOptions())
	if err != nil {
		t.Fatalf("SolveDense: %v", err)
	}
	for i := range resV.Mode {
		if !almostEqual(resV.Mode[i], resD.Mode[i], 1e-2) {
			t.Fatalf("vecchia/dense mismatch at %d: %v vs %v", i, resV.Mode[i], resD.Mode[i])
		}
	}
	// With num_neighbors = n-1 the Vecchia factorization is exact, so its
	// approx_marg_ll must agree with the dense path's.
	if !almostEqual(resV.ApproxMargLL, resD.ApproxMargLL, 1e-4*math.Max(1, math.Abs(resD.ApproxMargLL))) {
		t.Fatalf("vecchia/dense approx_marg_ll mismatch: %v vs %v", resV.ApproxMargLL, resD.ApproxMargLL)
	}
}

func TestSolveFITCApproximatesDenseWithAllPointsInducing(t *testing.T) {
	n := 5
	c := gpComponent(1.0, 2.0, n)
	y := []float64{1, 2, 1.5, 3, 2.5}
	fixed := make([]float64, n)
	lik := &likelihood.Gaussian{}
	aux := []float64{0.5}

	res, err := SolveFITC(c, c.Coords, 0, lik, y, fixed, aux, nil, defaultOptions())
	if err != nil {
		t.Fatalf("SolveFITC: %v", err)
	}
	resD, err := SolveDense([]*component.Component{c}, lik, y, fixed, aux, nil, defaultOptions())
	if err != nil {
		t.Fatalf("SolveDense: %v", err)
	}
	for i := range res.Mode {
		if !almostEqual(res.Mode[i], resD.Mode[i], 1e-2) {
			t.Fatalf("fitc/dense mismatch at %d: %v vs %v", i, res.Mode[i], resD.Mode[i])
		}
	}
	// With inducing points equal to the data locations FITC is exact (up to
	// the stabilizing jitter), so its approx_marg_ll matches the dense one.
	if !almostEqual(res.ApproxMargLL, resD.ApproxMargLL, 1e-3*math.Max(1, math.Abs(resD.ApproxMargLL))) {
		t.Fatalf("fitc/dense approx_marg_ll mismatch: %v vs %v", res.ApproxMargLL, resD.ApproxMargLL)
	}
}
