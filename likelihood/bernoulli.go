package likelihood

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// BernoulliProbit is the Bernoulli likelihood with the standard normal CDF
// inverse link.
type BernoulliProbit struct{}

func (b *BernoulliProbit) Name() string       { return "bernoulli_probit" }
func (b *BernoulliProbit) NumAuxPar() int     { return 0 }
func (b *BernoulliProbit) WCanBeIndefinite() bool { return false }

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

func (b *BernoulliProbit) LogLik(y, f []float64, _ []float64) (float64, error) {
	total := 0.0
	for i := range y {
		p := clip(stdNormal.CDF(f[i]), 1e-12, 1-1e-12)
		if y[i] > 0.5 {
			total += math.Log(p)
		} else {
			total += math.Log(1 - p)
		}
	}
	return total, nil
}

func (b *BernoulliProbit) FirstDeriv(y, f []float64, _ []float64) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		phi := stdNormal.Prob(f[i])
		p := clip(stdNormal.CDF(f[i]), 1e-12, 1-1e-12)
		if y[i] > 0.5 {
			out[i] = phi / p
		} else {
			out[i] = -phi / (1 - p)
		}
	}
	return out
}

func (b *BernoulliProbit) FisherInfoDiag(y, f []float64, _ []float64, _ ApproximationType) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		phi := stdNormal.Prob(f[i])
		p := clip(stdNormal.CDF(f[i]), 1e-12, 1-1e-12)
		// Expected FI for probit: phi^2 / (p(1-p)).
		out[i] = phi * phi / (p * (1 - p))
	}
	return out
}

func (b *BernoulliProbit) FisherInfoDerivF(y, f []float64, aux []float64, approx ApproximationType) []float64 {
	h := 1e-5
	base := b.FisherInfoDiag(y, f, aux, approx)
	fPlus := make([]float64, len(f))
	copy(fPlus, f)
	out := make([]float64, len(f))
	for i := range f {
		fPlus[i] = f[i] + h
		plus := b.FisherInfoDiag(y, fPlus, aux, approx)[i]
		fPlus[i] = f[i]
		out[i] = (plus - base[i]) / h
	}
	return out
}

func (b *BernoulliProbit) GradAux(y, f []float64, aux []float64) []float64 { return nil }

func (b *BernoulliProbit) InitialValue(y []float64) ([]float64, float64) {
	pbar := clip(stat.Mean(y, nil), 1e-3, 1-1e-3)
	return nil, stdNormal.Quantile(pbar)
}

func (b *BernoulliProbit) InverseLink(f float64) float64 { return stdNormal.CDF(f) }

// BernoulliLogit is the Bernoulli likelihood with the logistic inverse
// link.
type BernoulliLogit struct{}

func (b *BernoulliLogit) Name() string       { return "bernoulli_logit" }
func (b *BernoulliLogit) NumAuxPar() int     { return 0 }
func (b *BernoulliLogit) WCanBeIndefinite() bool { return false }

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func (b *BernoulliLogit) LogLik(y, f []float64, _ []float64) (float64, error) {
	total := 0.0
	for i := range y {
		// log-sum-exp stable binary cross entropy: -log(1+exp(-y'f))
		yy := 2*y[i] - 1 // y in {0,1} -> {-1,1}
		z := yy * f[i]
		if z >= 0 {
			total += -math.Log1p(math.Exp(-z))
		} else {
			total += z - math.Log1p(math.Exp(z))
		}
	}
	return total, nil
}

func (b *BernoulliLogit) FirstDeriv(y, f []float64, _ []float64) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i] - sigmoid(f[i])
	}
	return out
}

func (b *BernoulliLogit) FisherInfoDiag(y, f []float64, _ []float64, _ ApproximationType) []float64 {
	out := make([]float64, len(f))
	for i := range f {
		p := sigmoid(f[i])
		out[i] = p * (1 - p)
	}
	return out
}

func (b *BernoulliLogit) FisherInfoDerivF(y, f []float64, _ []float64, _ ApproximationType) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		p := sigmoid(f[i])
		out[i] = p * (1 - p) * (1 - 2*p)
	}
	return out
}

func (b *BernoulliLogit) GradAux(y, f []float64, aux []float64) []float64 { return nil }

func (b *BernoulliLogit) InitialValue(y []float64) ([]float64, float64) {
	pbar := clip(stat.Mean(y, nil), 1e-3, 1-1e-3)
	return nil, math.Log(pbar / (1 - pbar))
}

func (b *BernoulliLogit) InverseLink(f float64) float64 { return sigmoid(f) }

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
