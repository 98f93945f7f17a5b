// Command gpboostfit fits a GP/mixed-effects model from a CSV dataset and
// prints the fitted covariance parameters and in-sample predictions.
package main

import (
	"fmt"
	"os"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/engine"
	"github.com/cran/gpboostcore/optimizer"
	"github.com/cran/gpboostcore/structure"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gpboostfit <dataset.csv> [likelihood]")
		fmt.Println("CSV columns: x, y (1-D coordinate and response)")
		return
	}
	path := os.Args[1]
	likName := "gaussian"
	if len(os.Args) >= 3 {
		likName = os.Args[2]
	}

	coords, y, err := loadXYCSV(path)
	if err != nil {
		panic(err)
	}
	fmt.Println("Loaded", len(y), "observations from", path)

	n := len(y)
	gp := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.0, 1.0},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}

	e, err := engine.New(likName)
	if err != nil {
		panic(err)
	}
	if err := e.AddCluster("default", n, []*component.Component{gp}, structure.Options{GaussLikelihood: likName == "gaussian"}); err != nil {
		panic(err)
	}
	if err := e.SetResponse("default", y); err != nil {
		panic(err)
	}

	covPars0, aux0 := e.FindInitCovPars(y)
	fmt.Println("Initial covariance parameter guess:", covPars0)
	fmt.Println("Initial auxiliary parameter guess:", aux0)
	if len(aux0) > 0 {
		if err := e.SetAuxParams(aux0); err != nil {
			panic(err)
		}
	}

	res, err := e.Fit(covPars0, nil, engine.FitOptions{
		Method:               optimizer.GradientDescent,
		MaxIter:              200,
		DeltaRelConv:         1e-8,
		LrCov:                0.05,
		UseNesterov:          true,
		AccRateCov:           0.3,
		OptimizerCoef:        optimizer.GradientDescent,
		LrCoef:               0.05,
		AccRateCoef:          0.3,
		ConvergenceCriterion: optimizer.ConvergeOnLogLik,
		CalcStdDev:           true,
	})
	if err != nil {
		fmt.Println("fit warning:", err)
	}

	fmt.Println("\n=== Fitted covariance parameters ===")
	fmt.Printf("%v\n", res.CovPars)
	fmt.Println("iterations:", res.Iterations, "loss:", res.Loss, "converged:", res.Converged)

	pred, err := e.Predict("default", coords, engine.PredictOptions{PredictVar: true})
	if err != nil {
		panic(err)
	}
	fmt.Println("\n=== In-sample predictions ===")
	for i := range pred.Mean {
		fmt.Printf("x=%.3f  y=%.3f  mean=%.3f  var=%.4f\n", coords[i][0], y[i], pred.Mean[i], safeVar(pred.Var, i))
	}
}

func safeVar(v []float64, i int) float64 {
	if v == nil {
		return 0
	}
	return v[i]
}
