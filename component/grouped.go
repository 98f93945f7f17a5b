package component

import "gonum.org/v1/gonum/mat"

// buildGroupedSigma returns variance * I on the latent (level) scale. The
// grouped-coef covariate enters only through ApplyZ, not through Sigma
// itself: both random intercepts and random slopes are i.i.d. N(0,
// variance) on the level scale.
func buildGroupedSigma(c *Component) *mat.SymDense {
	dim := c.Dim()
	variance := c.Par[0]
	sigma := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		sigma.SetSym(i, i, variance)
	}
	return sigma
}

// groupedSigmaGrad returns d(variance*I)/d(variance) = I. Grouped
// components own exactly one covariance parameter, so k is always 0 by the
// time this is called (Component.SigmaGrad validates the range).
func groupedSigmaGrad(c *Component, _ int) *mat.SymDense {
	dim := c.Dim()
	grad := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		grad.SetSym(i, i, 1.0)
	}
	return grad
}
