package likelihood

import (
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
)

func almostEqual(a, b, tol float64) bool { return scalar.EqualWithinAbs(a, b, tol) }

func TestParseAliases(t *testing.T) {
	cases := map[string]string{
		"gaussian":         "gaussian",
		"normal":           "gaussian",
		"binary":           "bernoulli_probit",
		"logit":            "bernoulli_logit",
		"negbinom":         "negative_binomial",
		"t":                "student_t",
		"student_t_fix_df": "student_t_fix_df",
	}
	for in, want := range cases {
		lik, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if lik.Name() != want {
			t.Errorf("Parse(%q).Name() = %q, want %q", in, lik.Name(), want)
		}
	}
	if _, err := Parse("not-a-likelihood"); err == nil {
		t.Error("expected error for unrecognized likelihood name")
	}
}

func TestStudentTDefaultEstimatesDF(t *testing.T) {
	lik, err := Parse("student_t")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if lik.NumAuxPar() != 2 {
		t.Errorf("student_t NumAuxPar() = %d, want 2 (scale, df estimated by default)", lik.NumAuxPar())
	}
	fixed, _ := Parse("student_t_fix_df")
	if fixed.NumAuxPar() != 1 {
		t.Errorf("student_t_fix_df NumAuxPar() = %d, want 1 (scale only)", fixed.NumAuxPar())
	}
}

func TestPoissonFirstDerivMatchesFiniteDifference(t *testing.T) {
	p := &Poisson{}
	y := []float64{3, 0, 5}
	f := []float64{0.5, -0.2, 1.1}
	grad := p.FirstDeriv(y, f, nil)

	h := 1e-6
	for i := range f {
		fPlus := append([]float64(nil), f...)
		fMinus := append([]float64(nil), f...)
		fPlus[i] += h
		fMinus[i] -= h
		llPlus, _ := p.LogLik(y, fPlus, nil)
		llMinus, _ := p.LogLik(y, fMinus, nil)
		fd := (llPlus - llMinus) / (2 * h)
		if !almostEqual(grad[i], fd, 1e-3) {
			t.Errorf("FirstDeriv[%d] = %v, finite-diff = %v", i, grad[i], fd)
		}
	}
}

func TestBernoulliLogitFisherInfoMatchesSigmoidVariance(t *testing.T) {
	b := &BernoulliLogit{}
	fi := b.FisherInfoDiag(nil, []float64{0}, nil, Laplace)
	if !almostEqual(fi[0], 0.25, 1e-9) {
		t.Errorf("FisherInfoDiag(f=0) = %v, want 0.25", fi[0])
	}
}
