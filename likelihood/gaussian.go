package likelihood

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Gaussian is the identity-link likelihood with auxiliary parameter sigma2
// (the observation nugget variance).
type Gaussian struct{}

func (g *Gaussian) Name() string     { return "gaussian" }
func (g *Gaussian) NumAuxPar() int   { return 1 }
func (g *Gaussian) WCanBeIndefinite() bool { return false }

func (g *Gaussian) LogLik(y, f []float64, aux []float64) (float64, error) {
	sigma2 := aux[0]
	if sigma2 <= 0 {
		return math.NaN(), nil
	}
	n := len(y)
	sse := 0.0
	for i := range y {
		r := y[i] - f[i]
		sse += r * r
	}
	return -0.5*float64(n)*math.Log(2*math.Pi*sigma2) - 0.5*sse/sigma2, nil
}

func (g *Gaussian) FirstDeriv(y, f []float64, aux []float64) []float64 {
	sigma2 := aux[0]
	out := make([]float64, len(y))
	for i := range y {
		out[i] = (y[i] - f[i]) / sigma2
	}
	return out
}

func (g *Gaussian) FisherInfoDiag(y, f []float64, aux []float64, _ ApproximationType) []float64 {
	sigma2 := aux[0]
	out := make([]float64, len(y))
	for i := range out {
		out[i] = 1.0 / sigma2
	}
	return out
}

func (g *Gaussian) FisherInfoDerivF(y, f []float64, aux []float64, _ ApproximationType) []float64 {
	return make([]float64, len(y)) // constant in f
}

func (g *Gaussian) GradAux(y, f []float64, aux []float64) []float64 {
	sigma2 := aux[0]
	n := float64(len(y))
	sse := 0.0
	for i := range y {
		r := y[i] - f[i]
		sse += r * r
	}
	// d(-loglik)/d sigma2 = n/(2 sigma2) - sse/(2 sigma2^2); chain rule to
	// log(sigma2): multiply by sigma2.
	dNegLLdSigma2 := n/(2*sigma2) - sse/(2*sigma2*sigma2)
	return []float64{dNegLLdSigma2 * sigma2}
}

func (g *Gaussian) InitialValue(y []float64) ([]float64, float64) {
	mean := stat.Mean(y, nil)
	variance := stat.Variance(y, nil)
	if variance <= 0 {
		variance = 1e-4
	}
	return []float64{variance}, mean
}

func (g *Gaussian) InverseLink(f float64) float64 { return f }
