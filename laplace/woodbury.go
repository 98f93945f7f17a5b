package laplace

import (
	"math"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/gpberr"
	"github.com/cran/gpboostcore/likelihood"
)

// SolveGroupedWoodbury runs the Newton inner loop on the RE (latent)
// scale, directly factoring Sigma^-1 + Z^T W Z. b is
// the stacked random-effects vector over all of the cluster's grouped
// components; the data-scale linear predictor is f = Zb + fixedEffects.
func SolveGroupedWoodbury(components []*component.Component, lik likelihood.Likelihood, y, fixedEffects, aux, warmStart []float64, opts Options) (Result, error) {
	n := len(y)
	dim := 0
	for _, c := range components {
		dim += c.Dim()
	}

	b := warmStart
	if len(b) != dim {
		b = make([]float64, dim)
	} else {
		b = append([]float64(nil), b...)
	}

	expand := func(b []float64) []float64 { return expandZ(components, b, n) }
	collapse := func(v []float64) []float64 { return collapseZT(components, v, n) }

	f := addVec(expand(b), fixedEffects)
	objPrev, err := groupedObjective(components, lik, y, f, aux, b, n, opts.Approx)
	if err != nil {
		return Result{}, err
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}

	result := Result{Mode: b}
	for iter := 0; iter < maxIter; iter++ {
		f = addVec(expand(b), fixedEffects)
		firstDeriv := lik.FirstDeriv(y, f, aux)
		fisherDiag := lik.FisherInfoDiag(y, f, aux, opts.Approx)
		for _, w := range fisherDiag {
			if w < 0 {
				return result, gpberr.ErrCovNotPSD
			}
		}

		m, err := covariance.BuildWoodbury(components, n, fisherDiag)
		if err != nil {
			return result, err
		}
		// The Newton right-hand side is Z^T (W Zb + grad): the fixed-effect
		// offset enters the likelihood derivatives through f but not the
		// W-weighted latent term itself.
		rhs := collapse(addVecElemMul(fisherDiag, expand(b), firstDeriv))
		proposal, err := m.Solve(rhs)
		if err != nil {
			return result, err
		}

		lr := 1.0
		accepted := false
		var objNew float64
		for shrink := 0; shrink <= opts.MaxLRShrinkageSteps; shrink++ {
			candidate := lerp(b, proposal, lr)
			if opts.CapChange {
				capMode(candidate, b, opts.capLimit())
			}
			candF := addVec(expand(candidate), fixedEffects)
			objNew, err = groupedObjective(components, lik, y, candF, aux, candidate, n, opts.Approx)
			if err == nil && (math.IsNaN(objNew) || math.IsInf(objNew, 0)) {
				err = gpberr.ErrInnerDiverged
			}
			allowDecrease := iter == 0
			if err == nil && (objNew >= objPrev || allowDecrease) {
				b = candidate
				accepted = true
				break
			}
			lr *= 0.5
		}
		if !accepted {
			result.Diverged = true
			result.Mode = b
			return result, gpberr.ErrInnerDiverged
		}

		relChange := math.Abs(objNew-objPrev) / math.Max(1.0, math.Abs(objPrev))
		objPrev = objNew
		result.Iterations = iter + 1
		if relChange < opts.DeltaRelConv {
			break
		}
	}

	result.Mode = b
	result.ApproxMargLL = objPrev
	// A negative Fisher diagonal mid-loop surfaces as ErrCovNotPSD above;
	// the caller (engine) decides whether to retry with Fisher-Laplace.
	return result, nil
}

func groupedObjective(components []*component.Component, lik likelihood.Likelihood, y, f, aux, b []float64, n int, approx likelihood.ApproximationType) (float64, error) {
	ll, err := lik.LogLik(y, f, aux)
	if err != nil {
		return 0, err
	}
	quad, err := groupedQuadPenalty(components, b)
	if err != nil {
		return 0, err
	}
	fisherDiag := lik.FisherInfoDiag(y, f, aux, approx)
	m, err := covariance.BuildWoodbury(components, n, fisherDiag)
	if err != nil {
		return 0, err
	}
	// logdet(I + W^1/2 Z Sigma Z^T W^1/2) = logdet(Sigma^-1 + Z^T W Z)
	// + logdet(Sigma): both pieces are needed for this to equal the
	// dense path's approx_marg_ll.
	return ll - 0.5*quad - 0.5*(m.LogDet()+groupedLogDetSigma(components)), nil
}

// groupedLogDetSigma returns logdet(Sigma) = sum_j dim_j * log(variance_j)
// for the block-diagonal grouped prior.
func groupedLogDetSigma(components []*component.Component) float64 {
	total := 0.0
	for _, c := range components {
		total += float64(c.Dim()) * math.Log(c.Par[0])
	}
	return total
}

func groupedQuadPenalty(components []*component.Component, b []float64) (float64, error) {
	offset := 0
	total := 0.0
	for _, c := range components {
		variance := c.Par[0]
		if variance <= 0 {
			return 0, gpberr.ErrCovNotPSD
		}
		for l := 0; l < c.Dim(); l++ {
			v := b[offset+l]
			total += v * v / variance
		}
		offset += c.Dim()
	}
	return total, nil
}

func expandZ(components []*component.Component, b []float64, n int) []float64 {
	out := make([]float64, n)
	offset := 0
	for _, c := range components {
		dim := c.Dim()
		contrib := c.ApplyZ(b[offset:offset+dim], n)
		for i := range out {
			out[i] += contrib[i]
		}
		offset += dim
	}
	return out
}

func collapseZT(components []*component.Component, v []float64, n int) []float64 {
	var out []float64
	for _, c := range components {
		out = append(out, c.ApplyZT(v, n)...)
	}
	return out
}

func addVecElemMul(w, f, grad []float64) []float64 {
	out := make([]float64, len(w))
	for i := range w {
		out[i] = w[i]*f[i] + grad[i]
	}
	return out
}
