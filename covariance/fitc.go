package covariance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/gpberr"
)

// FITCFactor holds the inducing-point low-rank-plus-diagonal approximation:
// Sigma_m = K(u,u), Sigma_nm = K(x,u), a diagonal
// residual correction d, and the Woodbury inner Cholesky.
type FITCFactor struct {
	N, M     int
	SigmaM   mat.Cholesky
	SigmaNM  *mat.Dense // n x m
	D        []float64  // diag(K(x,x)) - rowSumSq(chol_ip \ cross_cov) [+ W^-1 added by caller]
	D0       []float64  // the same residual diagonal before any W^-1 correction
	Woodbury mat.Cholesky
}

// BuildFITC assembles the FITC factorization for a single GP component
// given a set of inducing coordinates. weffDiag supplies W_eff (diag
// information for non-Gaussian data, or 1/sigma^2 for Gaussian) to be
// folded into d before the inner Woodbury Cholesky
// chol(Sigma_m + Sigma_mn W_eff^-1-corrected Sigma_nm).
func BuildFITC(c *component.Component, inducing [][]float64, gaussNugget float64, weffDiag []float64) (*FITCFactor, error) {
	if !c.Kind.IsGP() {
		return nil, fmt.Errorf("covariance: fitc requires a GP component")
	}
	m := len(inducing)
	n := len(c.Coords)

	sigmaM := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			d := euclidTrue(inducing[i], inducing[j])
			v := c.Kernel.Value(d, c.Par)
			if i == j {
				v += 1e-8 // jitter for numerical stability
			}
			sigmaM.SetSym(i, j, v)
		}
	}
	var cholM mat.Cholesky
	if !cholM.Factorize(sigmaM) {
		return nil, gpberr.ErrCovNotPSD
	}

	sigmaNM := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			d := euclidTrue(c.Coords[i], inducing[j])
			sigmaNM.Set(i, j, c.Kernel.Value(d, c.Par))
		}
	}

	// d_i = K(x_i,x_i) - Sigma_nm[i,:] Sigma_m^-1 Sigma_nm[i,:]^T
	var solved mat.Dense
	if err := cholM.SolveTo(&solved, sigmaNM.T()); err != nil {
		return nil, fmt.Errorf("covariance: fitc cross-solve: %w", err)
	}
	// solved is m x n = Sigma_m^-1 Sigma_mn
	dvec := make([]float64, n)
	d0vec := make([]float64, n)
	for i := 0; i < n; i++ {
		kxx := c.Kernel.Value(0, c.Par) + gaussNugget
		quad := 0.0
		for j := 0; j < m; j++ {
			quad += sigmaNM.At(i, j) * solved.At(j, i)
		}
		dvec[i] = kxx - quad
		if dvec[i] <= 0 {
			dvec[i] = 1e-8
		}
		d0vec[i] = dvec[i]
		if weffDiag != nil {
			if weffDiag[i] <= 0 {
				return nil, gpberr.ErrCovNotPSD
			}
			dvec[i] += 1.0 / weffDiag[i]
		}
	}

	// Woodbury inner matrix: Sigma_m + Sigma_mn diag(1/d) Sigma_nm
	inner := mat.NewSymDense(m, nil)
	inner.CopySym(sigmaM)
	for i := 0; i < n; i++ {
		invD := 1.0 / dvec[i]
		for a := 0; a < m; a++ {
			va := sigmaNM.At(i, a) * invD
			for b := a; b < m; b++ {
				inner.SetSym(a, b, inner.At(a, b)+va*sigmaNM.At(i, b))
			}
		}
	}
	var cholInner mat.Cholesky
	if !cholInner.Factorize(inner) {
		return nil, gpberr.ErrCovNotPSD
	}

	return &FITCFactor{N: n, M: m, SigmaM: cholM, SigmaNM: sigmaNM, D: dvec, D0: d0vec, Woodbury: cholInner}, nil
}

// ApplySigma computes Sigma_fitc v = Sigma_nm Sigma_m^-1 Sigma_mn v + D0 v,
// the low-rank-plus-diagonal covariance applied to a data-scale vector.
func (f *FITCFactor) ApplySigma(v []float64) ([]float64, error) {
	n, m := f.N, f.M
	u := make([]float64, m)
	for a := 0; a < m; a++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += f.SigmaNM.At(i, a) * v[i]
		}
		u[a] = s
	}
	var z mat.Dense
	if err := f.SigmaM.SolveTo(&z, mat.NewDense(m, 1, u)); err != nil {
		return nil, fmt.Errorf("covariance: fitc sigma apply: %w", gpberr.ErrCovNotPSD)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := 0.0
		for a := 0; a < m; a++ {
			s += f.SigmaNM.At(i, a) * z.At(a, 0)
		}
		out[i] = s + f.D0[i]*v[i]
	}
	return out, nil
}

// Solve applies the Woodbury identity for (D + Sigma_nm Sigma_m^-1 Sigma_mn)^-1 rhs:
//
//	x = D^-1 rhs - D^-1 Sigma_nm (Sigma_m + Sigma_mn D^-1 Sigma_nm)^-1 Sigma_mn^T D^-1 rhs
func (f *FITCFactor) Solve(rhs []float64) ([]float64, error) {
	n, m := f.N, f.M
	dInvRhs := make([]float64, n)
	for i := 0; i < n; i++ {
		dInvRhs[i] = rhs[i] / f.D[i]
	}
	// Sigma_mn D^-1 rhs, an m-vector.
	u := make([]float64, m)
	for a := 0; a < m; a++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += f.SigmaNM.At(i, a) * dInvRhs[i]
		}
		u[a] = s
	}
	var z mat.Dense
	if err := f.Woodbury.SolveTo(&z, mat.NewDense(m, 1, u)); err != nil {
		return nil, fmt.Errorf("covariance: fitc woodbury solve: %w", gpberr.ErrCovNotPSD)
	}
	// Sigma_nm z, an n-vector.
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := 0.0
		for a := 0; a < m; a++ {
			s += f.SigmaNM.At(i, a) * z.At(a, 0)
		}
		out[i] = dInvRhs[i] - s/f.D[i]
	}
	return out, nil
}

// LogDet returns log det(D + Sigma_nm Sigma_m^-1 Sigma_mn) via the matrix
// determinant lemma: log det(D) + log det(Sigma_m + Sigma_mn D^-1 Sigma_nm)
// - log det(Sigma_m).
func (f *FITCFactor) LogDet() float64 {
	logDetD := 0.0
	for _, d := range f.D {
		logDetD += math.Log(d)
	}
	return logDetD + f.Woodbury.LogDet() - f.SigmaM.LogDet()
}
