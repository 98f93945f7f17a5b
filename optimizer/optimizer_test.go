package optimizer

import (
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

func almostEqual(a, b, tol float64) bool { return scalar.EqualWithinAbs(a, b, tol) }

// quadraticObjective is a simple convex bowl minimized at (1, -2), used to
// exercise the outer loop without any C1-C4 machinery.
func quadraticObjective() Objective {
	target := []float64{1, -2}
	return Objective{
		Eval: func(x []float64) (float64, []float64, error) {
			v := 0.0
			grad := make([]float64, len(x))
			for i := range x {
				d := x[i] - target[i]
				v += d * d
				grad[i] = 2 * d
			}
			return v, grad, nil
		},
	}
}

func TestRunGradientDescentConvergesToMinimum(t *testing.T) {
	res, err := Run(quadraticObjective(), []float64{0, 0}, Options{
		Method:           GradientDescent,
		LearningRate:     0.1,
		MaxIterations:    500,
		ConvTolRelChange: 1e-10,
		AccRate:          0.2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !almostEqual(res.LogParams[0], 1, 1e-2) || !almostEqual(res.LogParams[1], -2, 1e-2) {
		t.Fatalf("did not converge: got %v", res.LogParams)
	}
}

func TestRunBFGSConvergesToMinimum(t *testing.T) {
	res, err := Run(quadraticObjective(), []float64{5, 5}, Options{
		Method:        BFGS,
		MaxIterations: 100,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !almostEqual(res.LogParams[0], 1, 1e-3) || !almostEqual(res.LogParams[1], -2, 1e-3) {
		t.Fatalf("did not converge: got %v", res.LogParams)
	}
}

func TestStandardizeRoundTripsCoefficients(t *testing.T) {
	x := [][]float64{{1, 10}, {2, 20}, {3, 30}, {4, 40}}
	scaled, means, scales := Standardize(x)
	for k := range means {
		sum := 0.0
		for _, row := range scaled {
			sum += row[k]
		}
		if !almostEqual(sum, 0, 1e-9) {
			t.Fatalf("standardized column %d does not have zero mean: sum=%v", k, sum)
		}
	}
	coefStd := []float64{2, 3}
	natural, adj := UnstandardizeCoef(coefStd, means, scales)
	// Predict the same fitted value from both representations for the first row.
	predStd := coefStd[0]*scaled[0][0] + coefStd[1]*scaled[0][1]
	predNatural := natural[0]*x[0][0] + natural[1]*x[0][1] + adj
	if !almostEqual(predStd, predNatural, 1e-8) {
		t.Fatalf("unstandardized prediction mismatch: %v vs %v", predStd, predNatural)
	}
}

func TestProfileOutSigma2(t *testing.T) {
	got := ProfileOutSigma2(20.0, 4)
	if !almostEqual(got, 5.0, 1e-12) {
		t.Fatalf("ProfileOutSigma2 = %v, want 5", got)
	}
}

func TestStandardizePreservesInterceptColumn(t *testing.T) {
	x := [][]float64{{1, 5}, {1, 7}, {1, 9}}
	scaled, means, scales := Standardize(x)
	for i := range scaled {
		if !almostEqual(scaled[i][0], 1, 1e-12) {
			t.Fatalf("intercept column was rescaled at row %d: %v", i, scaled[i][0])
		}
	}
	if means[0] != 0 || scales[0] != 1 {
		t.Fatalf("intercept column should carry identity scaling, got mean=%v scale=%v", means[0], scales[0])
	}
}

func TestRunFisherScoringConvergesOnQuadratic(t *testing.T) {
	obj := quadraticObjective()
	// The bowl's Hessian is 2I, which for a quadratic is also its Fisher
	// information; scoring should land on the minimum in one full step.
	obj.FisherInfo = func(x []float64) (*mat.SymDense, error) {
		fi := mat.NewSymDense(len(x), nil)
		for i := range x {
			fi.SetSym(i, i, 2)
		}
		return fi, nil
	}
	res, err := Run(obj, []float64{5, -7}, Options{
		Method:           FisherScoring,
		MaxIterations:    50,
		ConvTolRelChange: 1e-12,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !almostEqual(res.LogParams[0], 1, 1e-8) || !almostEqual(res.LogParams[1], -2, 1e-8) {
		t.Fatalf("did not converge: got %v", res.LogParams)
	}
	if res.Iterations > 3 {
		t.Fatalf("scoring with the exact information should converge in ~1 iteration, took %d", res.Iterations)
	}
}

func TestRunFisherScoringRequiresInformationHook(t *testing.T) {
	_, err := Run(quadraticObjective(), []float64{0, 0}, Options{Method: FisherScoring, MaxIterations: 5})
	if err == nil {
		t.Fatalf("expected an error without Objective.FisherInfo")
	}
}
