package covariance

import (
	"testing"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/cran/gpboostcore/component"
)

func almostEqual(a, b, tol float64) bool { return scalar.EqualWithinAbs(a, b, tol) }

func TestBuildPsiAddsGaussianNugget(t *testing.T) {
	comps := []*component.Component{
		{Kind: component.GroupedIntercept, Par: []float64{2.0}, Z: &component.Incidence{LevelOf: []int{0, 0, 1}, NumLevels: 2}},
	}
	psi, err := BuildPsi(comps, 3, 0.5)
	if err != nil {
		t.Fatalf("BuildPsi: %v", err)
	}
	// Rows 0,1 share group 0: Psi[0][1] should equal the group variance.
	if !almostEqual(psi.At(0, 1), 2.0, 1e-12) {
		t.Errorf("Psi[0][1] = %v, want 2.0", psi.At(0, 1))
	}
	// Diagonal includes the nugget.
	if !almostEqual(psi.At(0, 0), 2.5, 1e-12) {
		t.Errorf("Psi[0][0] = %v, want 2.5", psi.At(0, 0))
	}
	if !almostEqual(psi.At(2, 2), 2.5, 1e-12) {
		t.Errorf("Psi[2][2] = %v, want 2.5", psi.At(2, 2))
	}
	// Rows from different groups have zero covariance apart from the nugget.
	if !almostEqual(psi.At(0, 2), 0.0, 1e-12) {
		t.Errorf("Psi[0][2] = %v, want 0.0", psi.At(0, 2))
	}
}

func TestFactorizeAndSolveRoundTrip(t *testing.T) {
	comps := []*component.Component{
		{Kind: component.GroupedIntercept, Par: []float64{1.0}, Z: component.NewIdentityIncidence(3)},
	}
	psi, err := BuildPsi(comps, 3, 1.0)
	if err != nil {
		t.Fatalf("BuildPsi: %v", err)
	}
	f, err := Factorize(psi)
	if err != nil {
		t.Fatalf("Factorize: %v", err)
	}
	y := []float64{1, 2, 3}
	x, err := f.Solve(y)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	// Psi = 2*I here, so x should be y/2.
	for i, v := range x {
		if !almostEqual(v, y[i]/2, 1e-9) {
			t.Errorf("x[%d] = %v, want %v", i, v, y[i]/2)
		}
	}
}

func TestBuildWoodburySingleComponentIsDiagonal(t *testing.T) {
	comps := []*component.Component{
		{Kind: component.GroupedIntercept, Par: []float64{1.0}, Z: &component.Incidence{LevelOf: []int{0, 0, 1}, NumLevels: 2}},
	}
	f, err := BuildWoodbury(comps, 3, nil)
	if err != nil {
		t.Fatalf("BuildWoodbury: %v", err)
	}
	if !f.DiagOnly {
		t.Error("expected DiagOnly for single grouped component")
	}
	// level 0 has 2 observations, so M[0][0] = 1/variance + 2 = 3
	if !almostEqual(f.M.At(0, 0), 3.0, 1e-9) {
		t.Errorf("M[0][0] = %v, want 3.0", f.M.At(0, 0))
	}
	// level 1 has 1 observation, so M[1][1] = 1/variance + 1 = 2
	if !almostEqual(f.M.At(1, 1), 2.0, 1e-9) {
		t.Errorf("M[1][1] = %v, want 2.0", f.M.At(1, 1))
	}
}

func TestRobustSolveHandlesRankDeficientPsi(t *testing.T) {
	// Two levels over four rows: Psi = Z Sigma Z^T has rank 2, so Cholesky
	// refuses but the pseudo-inverse solve still works on range(Psi).
	comps := []*component.Component{
		{Kind: component.GroupedIntercept, Par: []float64{1.5}, Z: &component.Incidence{LevelOf: []int{0, 0, 1, 1}, NumLevels: 2}},
	}
	psi, err := BuildPsi(comps, 4, 0)
	if err != nil {
		t.Fatalf("BuildPsi: %v", err)
	}
	if _, err := Factorize(psi); err == nil {
		t.Fatalf("expected Cholesky to reject the rank-deficient Psi")
	}
	// rhs in range(Psi): Psi x for a known x.
	x := []float64{1, 1, -2, -2}
	rhs := make([]float64, 4)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			rhs[i] += psi.At(i, j) * x[j]
		}
	}
	sol, err := RobustSolve(psi, rhs)
	if err != nil {
		t.Fatalf("RobustSolve: %v", err)
	}
	// The pseudo-inverse recovers the minimum-norm preimage; check the
	// quadratic form it exists for: rhs^T Psi^+ rhs = x^T Psi x.
	got := 0.0
	for i := range rhs {
		got += rhs[i] * sol[i]
	}
	want := 0.0
	for i := range x {
		want += x[i] * rhs[i]
	}
	if !almostEqual(got, want, 1e-8) {
		t.Fatalf("pseudo-inverse quadratic form = %v, want %v", got, want)
	}
}

func TestFITCApplySigmaInvertsSolve(t *testing.T) {
	n := 5
	coords := make([][]float64, n)
	for i := range coords {
		coords[i] = []float64{float64(i)}
	}
	c := &component.Component{
		Kind:   component.GPIntercept,
		Par:    []float64{1.2, 1.8},
		Z:      component.NewIdentityIncidence(n),
		Coords: coords,
		Kernel: component.KernelExponential,
	}
	ff, err := BuildFITC(c, coords[:3], 0.1, nil)
	if err != nil {
		t.Fatalf("BuildFITC: %v", err)
	}
	v := []float64{0.4, -0.2, 0.7, 0.1, -0.5}
	sv, err := ff.ApplySigma(v)
	if err != nil {
		t.Fatalf("ApplySigma: %v", err)
	}
	back, err := ff.Solve(sv)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	for i := range v {
		if !almostEqual(back[i], v[i], 1e-8) {
			t.Fatalf("Solve(ApplySigma(v))[%d] = %v, want %v", i, back[i], v[i])
		}
	}
}
