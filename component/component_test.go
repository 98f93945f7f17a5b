package component

import (
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
)

func almostEqual(a, b, tol float64) bool {
	return scalar.EqualWithinAbs(a, b, tol)
}

func TestGroupedSigmaIsScaledIdentity(t *testing.T) {
	c := &Component{
		Kind: GroupedIntercept,
		Par:  []float64{2.5},
		Z:    &Incidence{LevelOf: []int{0, 0, 1, 1}, NumLevels: 2},
	}
	sigma, err := c.BuildSigma()
	if err != nil {
		t.Fatalf("BuildSigma returned error: %v", err)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 2.5
			}
			if !almostEqual(sigma.At(i, j), want, 1e-12) {
				t.Errorf("sigma[%d][%d] = %v, want %v", i, j, sigma.At(i, j), want)
			}
		}
	}
}

func TestApplyZExpandsGroupedIntercept(t *testing.T) {
	c := &Component{
		Kind: GroupedIntercept,
		Par:  []float64{1.0},
		Z:    &Incidence{LevelOf: []int{0, 0, 1, 1}, NumLevels: 2},
	}
	b := []float64{3.0, -2.0}
	got := c.ApplyZ(b, 4)
	want := []float64{3.0, 3.0, -2.0, -2.0}
	for i := range want {
		if !almostEqual(got[i], want[i], 1e-12) {
			t.Errorf("ApplyZ()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestApplyZTAdjointOfApplyZ(t *testing.T) {
	// <Z b, v> should equal <b, Z^T v> for any b, v (adjoint property).
	c := &Component{
		Kind: GroupedIntercept,
		Par:  []float64{1.0},
		Z:    &Incidence{LevelOf: []int{0, 1, 0, 1, 1}, NumLevels: 2},
	}
	b := []float64{1.5, -0.5}
	v := []float64{1, 2, 3, 4, 5}
	zb := c.ApplyZ(b, 5)
	ztv := c.ApplyZT(v, 5)

	lhs := 0.0
	for i := range zb {
		lhs += zb[i] * v[i]
	}
	rhs := 0.0
	for i := range b {
		rhs += b[i] * ztv[i]
	}
	if !almostEqual(lhs, rhs, 1e-10) {
		t.Errorf("adjoint mismatch: <Zb,v>=%v, <b,Z^Tv>=%v", lhs, rhs)
	}
}

func TestExponentialKernelGradMatchesFiniteDifference(t *testing.T) {
	par := []float64{1.3, 0.7}
	d := 0.42
	h := 1e-6

	gotVar := KernelExponential.GradVariance(d, par)
	fdVar := (KernelExponential.Value(d, []float64{par[0] + h, par[1]}) -
		KernelExponential.Value(d, []float64{par[0] - h, par[1]})) / (2 * h)
	if !almostEqual(gotVar, fdVar, 1e-4) {
		t.Errorf("GradVariance = %v, finite-diff = %v", gotVar, fdVar)
	}

	gotRange := KernelExponential.GradRange(d, par)
	fdRange := (KernelExponential.Value(d, []float64{par[0], par[1] + h}) -
		KernelExponential.Value(d, []float64{par[0], par[1] - h})) / (2 * h)
	if !almostEqual(gotRange, fdRange, 1e-3) {
		t.Errorf("GradRange = %v, finite-diff = %v", gotRange, fdRange)
	}
}

func TestRegistryCompatibility(t *testing.T) {
	r := NewRegistry()
	if err := r.AddCluster("c1", 10); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := r.AddCluster("c1", 10); err == nil {
		t.Error("expected error re-registering cluster c1")
	}
	c := &Component{Kind: GroupedIntercept, Par: []float64{1}, Z: NewIdentityIncidence(10)}
	if err := r.AddComponent("c1", c); err != nil {
		t.Fatalf("AddComponent: %v", err)
	}
	if err := r.AddComponent("unknown", c); err == nil {
		t.Error("expected error adding to unregistered cluster")
	}
	if got := r.TotalCovPar("c1"); got != 1 {
		t.Errorf("TotalCovPar = %d, want 1", got)
	}
}
