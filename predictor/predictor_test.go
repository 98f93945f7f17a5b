package predictor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/likelihood"
)

func almostEqual(a, b, tol float64) bool { return scalar.EqualWithinAbs(a, b, tol) }

func TestPredictDenseMeanAtTrainingLocationRecoversResidual(t *testing.T) {
	n := 5
	coords := make([][]float64, n)
	for i := range coords {
		coords[i] = []float64{float64(i)}
	}
	c := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 2.0},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	psi, err := covariance.BuildPsi([]*component.Component{c}, n, 0.1)
	if err != nil {
		t.Fatalf("BuildPsi: %v", err)
	}
	f, err := covariance.Factorize(psi)
	if err != nil {
		t.Fatalf("Factorize: %v", err)
	}
	r := []float64{1, 2, 1.5, 3, 2.5}

	pred, err := PredictDense([]*component.Component{c}, [][][]float64{coords}, f, r, 0.1, Options{PredictVar: true})
	if err != nil {
		t.Fatalf("PredictDense: %v", err)
	}
	if len(pred.Mean) != n {
		t.Fatalf("expected %d predictions, got %d", n, len(pred.Mean))
	}
	for i, v := range pred.Var {
		if v < 0 {
			t.Fatalf("variance[%d] negative: %v", i, v)
		}
	}
}

func TestPredictFITCApproximatesDenseWithAllPointsInducing(t *testing.T) {
	n := 5
	coords := make([][]float64, n)
	for i := range coords {
		coords[i] = []float64{float64(i)}
	}
	c := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 2.0},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	weff := make([]float64, n)
	for i := range weff {
		weff[i] = 1.0 / 0.3
	}
	ff, err := covariance.BuildFITC(c, coords, 0, weff)
	if err != nil {
		t.Fatalf("BuildFITC: %v", err)
	}
	r := []float64{0.5, -0.3, 0.2, 0.1, -0.1}
	pred, err := PredictFITC(c, coords, coords, ff, r, Options{PredictVar: true})
	if err != nil {
		t.Fatalf("PredictFITC: %v", err)
	}
	if len(pred.Mean) != n {
		t.Fatalf("expected %d means, got %d", n, len(pred.Mean))
	}
}

func TestGaussHermiteWeightsSumToSqrtPi(t *testing.T) {
	nodes, weights := gaussHermite(20)
	if len(nodes) != 20 || len(weights) != 20 {
		t.Fatalf("expected 20 nodes/weights, got %d/%d", len(nodes), len(weights))
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if !almostEqual(sum, math.Sqrt(math.Pi), 1e-6) {
		t.Fatalf("weights summed to %v, want sqrt(pi)", sum)
	}
}

func TestPredictResponseGaussianIdentityLink(t *testing.T) {
	lik := &likelihood.Gaussian{}
	mean := []float64{0, 1, 2}
	variance := []float64{0.1, 0.2, 0.3}
	resp := PredictResponse(lik, mean, variance, 30)
	for i := range mean {
		if !almostEqual(resp[i], mean[i], 1e-6) {
			t.Fatalf("Gaussian predict_response should equal mean at %d: got %v want %v", i, resp[i], mean[i])
		}
	}
}
