package likelihood

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// NegativeBinomial is the exponential-inverse-link overdispersed count
// likelihood with auxiliary shape (inverse dispersion) parameter.
type NegativeBinomial struct{}

func (nb *NegativeBinomial) Name() string       { return "negative_binomial" }
func (nb *NegativeBinomial) NumAuxPar() int     { return 1 }
func (nb *NegativeBinomial) WCanBeIndefinite() bool { return false }

func (nb *NegativeBinomial) LogLik(y, f []float64, aux []float64) (float64, error) {
	shape := aux[0]
	if shape <= 0 {
		return math.NaN(), nil
	}
	lgShape, _ := math.Lgamma(shape)
	total := 0.0
	for i := range y {
		if y[i] < 0 {
			return math.NaN(), nil
		}
		mu := math.Exp(f[i])
		lgYShape, _ := math.Lgamma(y[i] + shape)
		lgY1, _ := math.Lgamma(y[i] + 1)
		total += lgYShape - lgY1 - lgShape +
			shape*math.Log(shape/(shape+mu)) + y[i]*math.Log(mu/(shape+mu))
	}
	return total, nil
}

func (nb *NegativeBinomial) FirstDeriv(y, f []float64, aux []float64) []float64 {
	shape := aux[0]
	out := make([]float64, len(y))
	for i := range y {
		mu := math.Exp(f[i])
		out[i] = shape * (y[i] - mu) / (shape + mu)
	}
	return out
}

func (nb *NegativeBinomial) FisherInfoDiag(y, f []float64, aux []float64, _ ApproximationType) []float64 {
	shape := aux[0]
	out := make([]float64, len(y))
	for i := range y {
		mu := math.Exp(f[i])
		out[i] = shape * mu / (shape + mu)
	}
	return out
}

func (nb *NegativeBinomial) FisherInfoDerivF(y, f []float64, aux []float64, _ ApproximationType) []float64 {
	shape := aux[0]
	out := make([]float64, len(y))
	for i := range y {
		mu := math.Exp(f[i])
		// d/df [shape*mu/(shape+mu)] with dmu/df = mu
		out[i] = shape * shape * mu / ((shape + mu) * (shape + mu))
	}
	return out
}

func (nb *NegativeBinomial) GradAux(y, f []float64, aux []float64) []float64 {
	shape := aux[0]
	h := 1e-5
	base, _ := nb.LogLik(y, f, []float64{shape})
	plus, _ := nb.LogLik(y, f, []float64{shape + h})
	// numerically differentiate the negated log-lik wrt shape, chain-ruled
	// to log(shape); a closed-form digamma expression exists but the
	// forward-difference form stays in lockstep with LogLik by
	// construction.
	dNegLLdShape := -(plus - base) / h
	return []float64{dNegLLdShape * shape}
}

func (nb *NegativeBinomial) InitialValue(y []float64) ([]float64, float64) {
	mean := stat.Mean(y, nil)
	variance := stat.Variance(y, nil)
	if mean <= 0 {
		mean = 1e-3
	}
	excess := variance - mean
	shape := 1.0
	if excess > 0 {
		shape = mean * mean / excess
	}
	return []float64{shape}, math.Log(mean)
}

func (nb *NegativeBinomial) InverseLink(f float64) float64 { return math.Exp(f) }
