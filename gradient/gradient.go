// Package gradient implements C5: the gradients of the approximate marginal
// log-likelihood needed by the outer optimizer (C6), with respect to
// covariance parameters (log scale), auxiliary likelihood parameters (log
// scale) and fixed-effect coefficients. The covariance gradient follows the
// standard Laplace-approximate-marginal-likelihood derivative (Rasmussen &
// Williams 5.5.1, generalized to non-Gaussian W), including the implicit
// term that accounts for the mode itself moving with the covariance
// parameters.
package gradient

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/likelihood"
)

// CovParamGradientDense returns d(marg_ll)/d log(theta_jk) for every
// covariance parameter of every component, in component order, on the
// Gaussian dense/sparse-Cholesky path: 1/2 a^T dPsi a - 1/2 tr(Psi^-1
// dPsi) with f = chol(Psi) and aVec = Psi^-1 (y - Xbeta), the exact
// marginal gradient. Non-Gaussian data goes through CovParamGradientLaplace
// instead, which adds the implicit-mode term.
func CovParamGradientDense(f *covariance.DenseFactor, components []*component.Component, n int, aVec []float64) ([]float64, error) {
	var invPsi mat.SymDense
	if err := f.Chol.InverseTo(&invPsi); err != nil {
		return nil, err
	}
	var out []float64
	for j, c := range components {
		for k := 0; k < c.NumCovPar(); k++ {
			deriv, err := covariance.BuildPsiDeriv(components, n, j, k)
			if err != nil {
				return nil, err
			}
			quad := quadraticForm(aVec, deriv, n)
			trace := traceProduct(&invPsi, deriv, n)
			// chain rule to the log scale: d/d log(theta) = theta * d/d theta.
			grad := 0.5*quad - 0.5*trace
			out = append(out, grad*c.Par[k])
		}
	}
	return out, nil
}

// CovParamGradientWoodbury returns the same quantity on the Gaussian
// grouped-Woodbury path, where everything reduces to the latent (RE) scale
// since Sigma is block-diagonal there with Sigma_j = theta_j * I.
// Differentiating
//
//	marg_ll = ll - 1/2 b^T Sigma^-1 b
//	          - 1/2 [logdet(Sigma) + logdet(M)],  M = Sigma^-1 + Z^T W Z
//
// at the mode gives, per component variance theta_j,
//
//	1/2 b_j^T b_j / theta_j^2 - 1/2 dim_j/theta_j + 1/2 tr(M^-1_jj)/theta_j^2
//
// since dSigma^-1/dtheta_j = -I/theta_j^2 on block j. This is the exact
// total derivative for Gaussian data: W = I/sigma^2 is constant in f, so
// the logdet term does not move with b and the mode's own stationarity
// kills the d(mode)/d theta contribution. Non-Gaussian grouped clusters go
// through CovParamGradientLaplace on the data scale instead. wf must be
// the Woodbury factor of M at the converged mode's W.
func CovParamGradientWoodbury(components []*component.Component, b []float64, wf *covariance.WoodburyFactor) ([]float64, error) {
	var invM mat.SymDense
	if err := wf.Chol.InverseTo(&invM); err != nil {
		return nil, err
	}
	var out []float64
	offset := 0
	for _, c := range components {
		dim := c.Dim()
		variance := c.Par[0]
		quad := 0.0
		traceM := 0.0
		for i := 0; i < dim; i++ {
			quad += b[offset+i] * b[offset+i]
			traceM += invM.At(offset+i, offset+i)
		}
		g := 0.5*quad/(variance*variance) - 0.5*float64(dim)/variance + 0.5*traceM/(variance*variance)
		// chain rule to the log scale: d/d log(theta) = theta * d/d theta.
		out = append(out, g*variance)
		offset += dim
	}
	return out, nil
}

// CovParamGradientLaplace returns the full d(approx_marg_ll)/d log(theta_jk)
// on the dense data scale for non-Gaussian likelihoods, explicit and
// implicit terms together. With K the prior covariance, F = K + W^-1 at the
// mode, a = K^+ m, grad = d log p/d f and dwdf = dW/df, each parameter's
// derivative is
//
//	1/2 a^T dK a - 1/2 tr(F^-1 dK)                       (explicit)
//	+ sum_i s2_i [(I - K F^-1) dK grad]_i                (implicit)
//
// where s2_i = 1/2 [K - K F^-1 K]_ii dwdf_i carries the mode's own movement
// d(mode)/d theta = (I + K W)^-1 dK grad through the logdet term. For a
// constant-W approximation (Fisher-Laplace) dwdf is zero and the implicit
// term vanishes on its own.
func CovParamGradientLaplace(sigma *mat.SymDense, fW *covariance.DenseFactor, components []*component.Component, n int, aVec, firstDeriv, dwdf []float64) ([]float64, error) {
	var invF mat.SymDense
	if err := fW.Chol.InverseTo(&invF); err != nil {
		return nil, err
	}

	// s2_i = 1/2 [K - K F^-1 K]_ii * dwdf_i, the diagonal of the posterior
	// covariance (K^-1+W)^-1 expressed through F.
	var kInvF mat.Dense
	kInvF.Mul(sigma, &invF)
	s2 := make([]float64, n)
	anyCurvature := false
	for i := 0; i < n; i++ {
		quad := 0.0
		for p := 0; p < n; p++ {
			quad += kInvF.At(i, p) * sigma.At(p, i)
		}
		s2[i] = 0.5 * (sigma.At(i, i) - quad) * dwdf[i]
		if s2[i] != 0 {
			anyCurvature = true
		}
	}

	var out []float64
	for j, c := range components {
		for k := 0; k < c.NumCovPar(); k++ {
			deriv, err := covariance.BuildPsiDeriv(components, n, j, k)
			if err != nil {
				return nil, err
			}
			explicit := 0.5*quadraticForm(aVec, deriv, n) - 0.5*traceProduct(&invF, deriv, n)

			implicit := 0.0
			if anyCurvature {
				v := make([]float64, n)
				for i := 0; i < n; i++ {
					s := 0.0
					for p := 0; p < n; p++ {
						s += deriv.At(i, p) * firstDeriv[p]
					}
					v[i] = s
				}
				fv, err := fW.Solve(v)
				if err != nil {
					return nil, err
				}
				for i := 0; i < n; i++ {
					kfv := 0.0
					for p := 0; p < n; p++ {
						kfv += sigma.At(i, p) * fv[p]
					}
					implicit += s2[i] * (v[i] - kfv)
				}
			}

			out = append(out, (explicit+implicit)*c.Par[k])
		}
	}
	return out, nil
}

// FisherInfoCov returns the Fisher information of the marginal likelihood
// with respect to the log-scale covariance parameters:
// FI_jk = 1/2 tr(F^-1 dPsi_j F^-1 dPsi_k) theta_j theta_k, with F the
// factor the caller supplies (Psi for Gaussian data, Sigma + W^-1 at the
// mode otherwise). When nugget > 0 one extra trailing slot is appended for
// the Gaussian observation-noise variance (dPsi/dsigma2 = I), including its
// cross terms with the covariance parameters.
func FisherInfoCov(fW *covariance.DenseFactor, components []*component.Component, n int, nugget float64) (*mat.SymDense, error) {
	type scaledDeriv struct {
		s     *mat.Dense // F^-1 dPsi
		deriv *mat.SymDense
		theta float64
	}
	var derivs []scaledDeriv
	for j, c := range components {
		for k := 0; k < c.NumCovPar(); k++ {
			deriv, err := covariance.BuildPsiDeriv(components, n, j, k)
			if err != nil {
				return nil, err
			}
			var s mat.Dense
			if err := fW.Chol.SolveTo(&s, deriv); err != nil {
				return nil, err
			}
			derivs = append(derivs, scaledDeriv{s: &s, deriv: deriv, theta: c.Par[k]})
		}
	}
	if nugget > 0 {
		eye := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			eye.SetSym(i, i, 1)
		}
		var s mat.Dense
		if err := fW.Chol.SolveTo(&s, eye); err != nil {
			return nil, err
		}
		derivs = append(derivs, scaledDeriv{s: &s, deriv: eye, theta: nugget})
	}

	dim := len(derivs)
	fi := mat.NewSymDense(dim, nil)
	for j := 0; j < dim; j++ {
		for k := j; k < dim; k++ {
			trace := 0.0
			for a := 0; a < n; a++ {
				for b := 0; b < n; b++ {
					trace += derivs[j].s.At(a, b) * derivs[k].s.At(b, a)
				}
			}
			fi.SetSym(j, k, 0.5*trace*derivs[j].theta*derivs[k].theta)
		}
	}
	return fi, nil
}

func quadraticForm(a []float64, m *mat.SymDense, n int) float64 {
	total := 0.0
	for i := 0; i < n; i++ {
		row := 0.0
		for j := 0; j < n; j++ {
			row += m.At(i, j) * a[j]
		}
		total += a[i] * row
	}
	return total
}

func traceProduct(inv, deriv *mat.SymDense, n int) float64 {
	total := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			total += inv.At(i, j) * deriv.At(j, i)
		}
	}
	return total
}

// StochasticTrace estimates tr(Ainv * B) with Hutchinson's estimator using
// Rademacher probe vectors and a caller-supplied solve for Ainv, for the
// large-n regimes where forming Ainv explicitly is not affordable.
// solve(v) must return Ainv v; applyB(v) must return B v.
func StochasticTrace(n, numProbes int, seed int64, solve func([]float64) []float64, applyB func([]float64) []float64) float64 {
	rng := newRademacherSource(seed)
	total := 0.0
	for p := 0; p < numProbes; p++ {
		z := rng.vector(n)
		bz := applyB(z)
		x := solve(bz)
		total += dotGrad(z, x)
	}
	return total / float64(numProbes)
}

func dotGrad(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// rademacherSource generates deterministic +-1 probe vectors from a fixed
// seed (splitmix64), avoiding math/rand's global state inside the gradient
// hot loop.
type rademacherSource struct{ state uint64 }

func newRademacherSource(seed int64) *rademacherSource {
	return &rademacherSource{state: uint64(seed) + 0x9E3779B97F4A7C15}
}

func (r *rademacherSource) next() uint64 {
	r.state += 0x9E3779B97F4A7C15
	z := r.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (r *rademacherSource) vector(n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if r.next()&1 == 0 {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out
}

// FixedEffectGradient returns d(approx_marg_ll)/d beta = X^T d log p / d f
// for a linear fixed-effects design X (n x p, row-major), using the
// likelihood's first derivative at the current linear predictor.
func FixedEffectGradient(x [][]float64, firstDeriv []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	p := len(x[0])
	out := make([]float64, p)
	for i, row := range x {
		for k, v := range row {
			out[k] += v * firstDeriv[i]
		}
	}
	return out
}

// AuxParamGradient delegates to the likelihood's own log-scale gradient;
// kept here so the outer optimizer has a single gradient package to
// depend on.
func AuxParamGradient(lik likelihood.Likelihood, y, f, aux []float64) []float64 {
	return lik.GradAux(y, f, aux)
}

// NaNGuard reports whether any gradient component is non-finite, matching
// the outer optimizer's "detect NaN/Inf -> fall back" contract.
func NaNGuard(grad []float64) bool {
	for _, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return true
		}
	}
	return false
}
