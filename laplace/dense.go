package laplace

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/covariance"
	"github.com/cran/gpboostcore/gpberr"
	"github.com/cran/gpboostcore/likelihood"
)

// denseStep implements the stable dense/sparse Newton update:
// B = I + W^1/2 Psi W^1/2, solved once per iteration via its
// Cholesky factor, combined with Sherman-Morrison-style algebra so the
// O(n^3) factorization of Psi itself is never required inside the loop.
type denseStep struct {
	psi      *mat.SymDense
	n        int
	solvePsi func([]float64) ([]float64, error)
}

func newDenseStep(components []*component.Component, n int) (*denseStep, error) {
	psi, err := covariance.BuildPsi(components, n, 0)
	if err != nil {
		return nil, err
	}
	s := &denseStep{psi: psi, n: n}
	// Psi = Z Sigma Z^T is rank-deficient whenever a grouped component has
	// fewer levels than data rows; the quadratic penalty m^T Psi^+ m is
	// still well defined because every Newton iterate lies in range(Psi),
	// so fall back to the SVD pseudo-inverse when Cholesky refuses.
	if f, ferr := covariance.Factorize(psi); ferr == nil {
		s.solvePsi = f.Solve
	} else {
		s.solvePsi = func(rhs []float64) ([]float64, error) {
			return covariance.RobustSolve(psi, rhs)
		}
	}
	return s, nil
}

func (d *denseStep) newtonUpdate(mode, firstDeriv, fisherDiag []float64) ([]float64, error) {
	n := d.n
	rhs := make([]float64, n)
	for i := 0; i < n; i++ {
		rhs[i] = fisherDiag[i]*mode[i] + firstDeriv[i]
	}
	bVec := matVecSym(d.psi, rhs)

	wHalf := make([]float64, n)
	for i := range wHalf {
		if fisherDiag[i] < 0 {
			return nil, gpberr.ErrCovNotPSD
		}
		wHalf[i] = math.Sqrt(fisherDiag[i])
	}

	bMat := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := wHalf[i] * d.psi.At(i, j) * wHalf[j]
			if i == j {
				v += 1
			}
			bMat.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(bMat) {
		return nil, gpberr.ErrCovNotPSD
	}

	rhsB := make([]float64, n)
	for i := range rhsB {
		rhsB[i] = wHalf[i] * bVec[i]
	}
	var z mat.Dense
	if err := chol.SolveTo(&z, mat.NewDense(n, 1, rhsB)); err != nil {
		return nil, fmt.Errorf("laplace: dense Newton solve: %w", gpberr.ErrCovNotPSD)
	}

	tmp := make([]float64, n)
	for i := range tmp {
		tmp[i] = wHalf[i] * z.At(i, 0)
	}
	psiTmp := matVecSym(d.psi, tmp)

	mNew := make([]float64, n)
	for i := range mNew {
		mNew[i] = bVec[i] - psiTmp[i]
	}
	return mNew, nil
}

func (d *denseStep) quadPenalty(mode []float64) (float64, error) {
	aux, err := d.solvePsi(mode)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i, v := range mode {
		total += v * aux[i]
	}
	return total, nil
}

func (d *denseStep) logDetTerm(fisherDiag []float64) (float64, error) {
	n := d.n
	wHalf := make([]float64, n)
	for i := range wHalf {
		if fisherDiag[i] < 0 {
			return 0, gpberr.ErrCovNotPSD
		}
		wHalf[i] = math.Sqrt(fisherDiag[i])
	}
	bMat := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := wHalf[i] * d.psi.At(i, j) * wHalf[j]
			if i == j {
				v += 1
			}
			bMat.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(bMat) {
		return 0, gpberr.ErrCovNotPSD
	}
	return chol.LogDet(), nil
}

func matVecSym(m *mat.SymDense, v []float64) []float64 {
	n, _ := m.Dims()
	out := make([]float64, n)
	vd := mat.NewVecDense(n, v)
	var r mat.VecDense
	r.MulVec(m, vd)
	for i := 0; i < n; i++ {
		out[i] = r.AtVec(i)
	}
	return out
}

// SolveDense runs the common Newton loop against the dense/sparse path for
// a single cluster.
func SolveDense(components []*component.Component, lik likelihood.Likelihood, y, fixedEffects, aux, warmStart []float64, opts Options) (Result, error) {
	n := len(y)
	s, err := newDenseStep(components, n)
	if err != nil {
		return Result{}, err
	}
	init := warmStart
	if init == nil {
		init = make([]float64, n)
	}
	res, err := backtrackNewton(s, lik, y, fixedEffects, aux, init, opts)
	if err != nil && lik.WCanBeIndefinite() && opts.Approx == likelihood.Laplace {
		opts.Approx = likelihood.FisherLaplace
		res, err = backtrackNewton(s, lik, y, fixedEffects, aux, init, opts)
		res.SwitchedFisherLaplace = err == nil
	}
	return res, err
}
