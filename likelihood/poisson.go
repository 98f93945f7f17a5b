package likelihood

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Poisson is the exponential-inverse-link count likelihood.
type Poisson struct{}

func (p *Poisson) Name() string       { return "poisson" }
func (p *Poisson) NumAuxPar() int     { return 0 }
func (p *Poisson) WCanBeIndefinite() bool { return false }

func logFactorial(k float64) float64 {
	// lgamma(k+1) generalizes to non-integer-safe log(k!).
	lg, _ := math.Lgamma(k + 1)
	return lg
}

func (p *Poisson) LogLik(y, f []float64, _ []float64) (float64, error) {
	total := 0.0
	for i := range y {
		if y[i] < 0 {
			return math.NaN(), nil
		}
		mu := math.Exp(f[i])
		total += y[i]*f[i] - mu - logFactorial(y[i])
	}
	return total, nil
}

func (p *Poisson) FirstDeriv(y, f []float64, _ []float64) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i] - math.Exp(f[i])
	}
	return out
}

func (p *Poisson) FisherInfoDiag(y, f []float64, _ []float64, _ ApproximationType) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		out[i] = math.Exp(f[i])
	}
	return out
}

func (p *Poisson) FisherInfoDerivF(y, f []float64, _ []float64, _ ApproximationType) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		out[i] = math.Exp(f[i])
	}
	return out
}

func (p *Poisson) GradAux(y, f []float64, aux []float64) []float64 { return nil }

func (p *Poisson) InitialValue(y []float64) ([]float64, float64) {
	mean := stat.Mean(y, nil)
	if mean <= 0 {
		mean = 1e-3
	}
	variance := stat.Variance(y, nil)
	// log-link intercept heuristic log(mean y) - (1/2) var(b), with var(b)
	// approximated by the excess dispersion over the Poisson mean.
	excess := variance - mean
	if excess < 0 {
		excess = 0
	}
	return nil, math.Log(mean) - 0.5*excess
}

func (p *Poisson) InverseLink(f float64) float64 { return math.Exp(f) }
