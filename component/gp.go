package component

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// buildGPSigma assembles the dense GP covariance on the latent (unique-
// location) scale from the component's coordinates and kernel.
func buildGPSigma(c *Component) (*mat.SymDense, error) {
	n := len(c.Coords)
	if n == 0 {
		return nil, fmt.Errorf("component: GP component has no coordinates")
	}
	if len(c.Par) < c.Kernel.NumPar() {
		return nil, fmt.Errorf("component: GP component missing covariance parameters")
	}
	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := euclid(c.Coords[i], c.Coords[j])
			sigma.SetSym(i, j, c.Kernel.Value(d, c.Par))
		}
	}
	return sigma, nil
}

// gpSigmaGrad returns d Sigma / d theta_k for k in {variance index 0,
// range index 1}.
func gpSigmaGrad(c *Component, k int) (*mat.SymDense, error) {
	n := len(c.Coords)
	grad := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := euclid(c.Coords[i], c.Coords[j])
			var v float64
			switch k {
			case 0:
				v = c.Kernel.GradVariance(d, c.Par)
			case 1:
				v = c.Kernel.GradRange(d, c.Par)
			default:
				return nil, fmt.Errorf("component: GP component has no parameter index %d", k)
			}
			grad.SetSym(i, j, v)
		}
	}
	return grad, nil
}

// InitRange returns an initial guess for the GP range parameter from the
// component's own distance matrix: the median pairwise distance, damped so
// the kernel sees meaningful decay across the data. Every pair is visited
// (O(n^2) distance evaluations); past a cap only every stride-th distance
// is kept for the median.
func (c *Component) InitRange() float64 {
	n := len(c.Coords)
	if n < 2 {
		return 1.0
	}
	const maxPairs = 2000
	var dists []float64
	stride := 1
	if n*(n-1)/2 > maxPairs {
		stride = n * (n - 1) / 2 / maxPairs
	}
	count := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if count%stride == 0 {
				dists = append(dists, euclid(c.Coords[i], c.Coords[j]))
			}
			count++
		}
	}
	sort.Float64s(dists)
	median := dists[len(dists)/2]
	if median <= 0 {
		return 1.0
	}
	return median / 3
}

// TestTestCov builds the n_test x n_test prior covariance among test
// coordinates for this GP component, the test-side analogue of
// buildGPSigma, needed by the predictor (C7) to assemble a full predictive
// covariance Gram matrix rather than just its diagonal.
func (c *Component) TestTestCov(testCoords [][]float64) (*mat.SymDense, error) {
	if !c.Kind.IsGP() {
		return nil, fmt.Errorf("component: TestTestCov only valid for GP components")
	}
	n := len(testCoords)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := euclid(testCoords[i], testCoords[j])
			out.SetSym(i, j, c.Kernel.Value(d, c.Par))
		}
	}
	return out, nil
}

// CrossCov builds the n_test x n_train cross-covariance K(x_test, x_train)
// for the GP component, used by the predictor (C7) and by Vecchia/FITC
// assembly (C3).
func (c *Component) CrossCov(testCoords [][]float64) (*mat.Dense, error) {
	if !c.Kind.IsGP() {
		return nil, fmt.Errorf("component: CrossCov only valid for GP components")
	}
	ntest := len(testCoords)
	ntrain := len(c.Coords)
	out := mat.NewDense(ntest, ntrain, nil)
	for i := 0; i < ntest; i++ {
		for j := 0; j < ntrain; j++ {
			d := euclid(testCoords[i], c.Coords[j])
			out.Set(i, j, c.Kernel.Value(d, c.Par))
		}
	}
	return out, nil
}
