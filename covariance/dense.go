// Package covariance implements C3, the covariance assembler & factorizer:
// it builds Psi (or its Woodbury/Vecchia/FITC surrogate) from a cluster's
// components and produces a Factorization that the Laplace solver (C4) and
// the gradient engine (C5) can reuse without recomputation.
package covariance

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/gpberr"
)

// DenseFactor is the dense/sparse Cholesky factorization of Psi = sum_j
// Z_j Sigma_j Z_j^T (+ sigma^2 I for Gaussian data). A fill-reducing
// permutation is not computed here (gonum's dense Cholesky does not expose
// symbolic pattern reuse); the struct still carries the field so a future
// sparse backend has somewhere to put it.
type DenseFactor struct {
	N     int
	Psi   *mat.SymDense
	Chol  mat.Cholesky
	Perm  []int // identity when no fill-reducing permutation is used
	valid bool
}

// BuildPsi assembles Psi on the data scale: sum_j Z_j Sigma_j Z_j^T, plus
// sigma2*I when gaussNugget > 0 (Gaussian data; 0 disables the nugget for
// non-Gaussian likelihoods, whose observation noise is not a covariance
// term).
func BuildPsi(components []*component.Component, n int, gaussNugget float64) (*mat.SymDense, error) {
	psi := mat.NewSymDense(n, nil)
	for _, c := range components {
		sigma, err := c.BuildSigma()
		if err != nil {
			return nil, fmt.Errorf("covariance: building Sigma: %w", err)
		}
		// Psi += Z_j Sigma_j Z_j^T, applied via the component's own
		// incidence so grouped-coef covariate scaling is honored.
		for a := 0; a < n; a++ {
			za := zRow(c, a)
			for b := a; b < n; b++ {
				zb := zRow(c, b)
				contrib := 0.0
				for i, vi := range za {
					for j, vj := range zb {
						contrib += vi * sigma.At(i, j) * vj
					}
				}
				psi.SetSym(a, b, psi.At(a, b)+contrib)
			}
		}
	}
	if gaussNugget > 0 {
		for i := 0; i < n; i++ {
			psi.SetSym(i, i, psi.At(i, i)+gaussNugget)
		}
	}
	return psi, nil
}

// zRow returns the sparse row of Z_j for data index a as a dense vector
// over the component's latent dimension (non-zero only at the level a
// belongs to, scaled by the grouped-coef covariate when present).
func zRow(c *component.Component, a int) []float64 {
	dim := c.Dim()
	row := make([]float64, dim)
	if c.Z == nil {
		row[a] = 1.0
		return row
	}
	lvl := c.Z.LevelOf[a]
	v := 1.0
	if c.Kind == component.GroupedCoef && c.Covariate != nil {
		v = c.Covariate[a]
	}
	row[lvl] = v
	return row
}

// BuildPsiDeriv assembles d Psi / d theta_{compIdx,parIdx} = Z_j dSigma_j Z_j^T
// for a single component's single covariance parameter, on the data scale;
// every other component contributes zero since Psi is additive across
// components.
func BuildPsiDeriv(components []*component.Component, n, compIdx, parIdx int) (*mat.SymDense, error) {
	c := components[compIdx]
	grad, err := c.SigmaGrad(parIdx)
	if err != nil {
		return nil, fmt.Errorf("covariance: building Sigma gradient: %w", err)
	}
	out := mat.NewSymDense(n, nil)
	for a := 0; a < n; a++ {
		za := zRow(c, a)
		for b := a; b < n; b++ {
			zb := zRow(c, b)
			contrib := 0.0
			for i, vi := range za {
				for j, vj := range zb {
					contrib += vi * grad.At(i, j) * vj
				}
			}
			out.SetSym(a, b, contrib)
		}
	}
	return out, nil
}

// Factorize computes the Cholesky factorization of Psi. It reports
// gpberr.ErrCovNotPSD rather than failing hard, so the outer optimizer can
// recover by halving its step.
func Factorize(psi *mat.SymDense) (*DenseFactor, error) {
	n := psi.SymmetricDim()
	f := &DenseFactor{N: n, Psi: psi, Perm: identityPerm(n)}
	if ok := f.Chol.Factorize(psi); !ok {
		return nil, gpberr.ErrCovNotPSD
	}
	f.valid = true
	return f, nil
}

func identityPerm(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

// ApplyPermIfAny applies f's fill-reducing permutation to v, if f has one.
// With the identity permutation used by the dense backend it returns v
// unchanged. No code in this module calls it; the other DenseFactor
// methods work in the unpermuted order directly.
func ApplyPermIfAny(f *DenseFactor, v []float64) []float64 {
	if f.Perm == nil {
		return v
	}
	out := make([]float64, len(v))
	for i, p := range f.Perm {
		out[i] = v[p]
	}
	return out
}

// Solve solves Psi x = rhs using the cached Cholesky factor.
func (f *DenseFactor) Solve(rhs []float64) ([]float64, error) {
	if !f.valid {
		return nil, gpberr.ErrCovNotPSD
	}
	rhsDense := mat.NewDense(f.N, 1, append([]float64(nil), rhs...))
	var x mat.Dense
	if err := f.Chol.SolveTo(&x, rhsDense); err != nil {
		return nil, fmt.Errorf("covariance: %w: %v", gpberr.ErrCovNotPSD, err)
	}
	return x.RawMatrix().Data, nil
}

// LogDet returns log det(Psi) from the cached Cholesky factor.
func (f *DenseFactor) LogDet() float64 {
	return f.Chol.LogDet()
}

// QuadForm returns y^T Psi^-1 y, reusing the cached factor (the Gaussian
// path's y_aux = Psi^-1 y dotted with y).
func (f *DenseFactor) QuadForm(y []float64) (float64, error) {
	aux, err := f.Solve(y)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i, v := range y {
		total += v * aux[i]
	}
	return total, nil
}

// RobustSolve solves Psi x = rhs through an SVD pseudo-inverse, for the
// rank-deficient case Cholesky refuses (e.g. Z Sigma Z^T with fewer
// random-effect levels than data rows). Singular values below a relative
// cutoff are dropped, so the result is the minimum-norm solution over
// range(Psi).
func RobustSolve(psi *mat.SymDense, rhs []float64) ([]float64, error) {
	n := psi.SymmetricDim()
	var svd mat.SVD
	if !svd.Factorize(psi, mat.SVDFullU|mat.SVDFullV) {
		return nil, fmt.Errorf("covariance: %w: SVD did not converge", gpberr.ErrCovNotPSD)
	}
	rank := svd.Rank(1e-12)
	if rank == 0 {
		return make([]float64, n), nil
	}
	var x mat.Dense
	svd.SolveTo(&x, mat.NewDense(n, 1, append([]float64(nil), rhs...)), rank)
	return x.RawMatrix().Data, nil
}
