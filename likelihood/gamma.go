package likelihood

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Gamma is the exponential-inverse-link (log-link on the mean) likelihood
// with auxiliary shape parameter.
type Gamma struct{}

func (g *Gamma) Name() string       { return "gamma" }
func (g *Gamma) NumAuxPar() int     { return 1 }
func (g *Gamma) WCanBeIndefinite() bool { return false }

func (g *Gamma) LogLik(y, f []float64, aux []float64) (float64, error) {
	shape := aux[0]
	if shape <= 0 {
		return math.NaN(), nil
	}
	lgShape, _ := math.Lgamma(shape)
	total := 0.0
	for i := range y {
		if y[i] <= 0 {
			return math.NaN(), nil
		}
		mu := math.Exp(f[i])
		rate := shape / mu
		total += shape*math.Log(rate) - lgShape + (shape-1)*math.Log(y[i]) - rate*y[i]
	}
	return total, nil
}

func (g *Gamma) FirstDeriv(y, f []float64, aux []float64) []float64 {
	shape := aux[0]
	out := make([]float64, len(y))
	for i := range y {
		mu := math.Exp(f[i])
		// d logp/d f = shape*(y/mu - 1) via chain rule on mu=exp(f)
		out[i] = shape * (y[i]/mu - 1)
	}
	return out
}

func (g *Gamma) FisherInfoDiag(y, f []float64, aux []float64, _ ApproximationType) []float64 {
	shape := aux[0]
	out := make([]float64, len(y))
	for i := range out {
		out[i] = shape // expected FI of log-link gamma is constant = shape
	}
	return out
}

func (g *Gamma) FisherInfoDerivF(y, f []float64, aux []float64, _ ApproximationType) []float64 {
	return make([]float64, len(y))
}

func (g *Gamma) GradAux(y, f []float64, aux []float64) []float64 {
	shape := aux[0]
	digShape := digamma(shape)
	n := float64(len(y))
	sum := 0.0
	for i := range y {
		mu := math.Exp(f[i])
		sum += math.Log(y[i]/mu) - y[i]/mu + 1
	}
	// d(-loglik)/d shape = n*(digamma(shape) - log(shape)) - sum(...); chain
	// rule to log(shape) multiplies by shape.
	dNegLLdShape := n*(digShape-math.Log(shape)) - sum
	return []float64{dNegLLdShape * shape}
}

func (g *Gamma) InitialValue(y []float64) ([]float64, float64) {
	mean := stat.Mean(y, nil)
	variance := stat.Variance(y, nil)
	if mean <= 0 {
		mean = 1e-3
	}
	shape := mean * mean / math.Max(variance, 1e-6)
	if shape <= 0 {
		shape = 1
	}
	return []float64{shape}, math.Log(mean)
}

func (g *Gamma) InverseLink(f float64) float64 { return math.Exp(f) }

// digamma approximates the digamma function via the standard asymptotic
// expansion with small-argument recurrence, used by GradAux for the shape
// derivative (InitialValue uses a mean^2/variance moment estimate instead).
func digamma(x float64) float64 {
	result := 0.0
	for x < 6 {
		result -= 1 / x
		x++
	}
	f := 1 / (x * x)
	result += math.Log(x) - 0.5/x -
		f*(1.0/12-f*(1.0/120-f*(1.0/252-f*(1.0/240-f*(1.0/132)))))
	return result
}
