package likelihood

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// StudentT is the identity-link likelihood with auxiliary scale and
// degrees-of-freedom parameters. Its observed Hessian can be negative, so
// the Laplace solvers detect that case and switch to Fisher-Laplace
// automatically. The degrees of freedom are estimated by default, fixed
// only when EstimateDF is explicitly false (see DESIGN.md).
type StudentT struct {
	EstimateDF bool
	FixedDF    float64 // used only when EstimateDF is false; defaults to 8 if unset and zero
}

func (s *StudentT) Name() string {
	if s.EstimateDF {
		return "student_t"
	}
	return "student_t_fix_df"
}

// NumAuxPar returns 2 (scale, df) when df is estimated, 1 (scale only)
// when df is fixed.
func (s *StudentT) NumAuxPar() int {
	if s.EstimateDF {
		return 2
	}
	return 1
}

func (s *StudentT) WCanBeIndefinite() bool { return true }

func (s *StudentT) df(aux []float64) float64 {
	if s.EstimateDF {
		return aux[1]
	}
	if s.FixedDF > 0 {
		return s.FixedDF
	}
	return 8
}

func (s *StudentT) LogLik(y, f []float64, aux []float64) (float64, error) {
	scale := aux[0]
	if scale <= 0 {
		return math.NaN(), nil
	}
	df := s.df(aux)
	total := 0.0
	for i := range y {
		d := distuv.StudentsT{Mu: f[i], Sigma: scale, Nu: df}
		total += d.LogProb(y[i])
	}
	return total, nil
}

func (s *StudentT) FirstDeriv(y, f []float64, aux []float64) []float64 {
	scale := aux[0]
	df := s.df(aux)
	out := make([]float64, len(y))
	for i := range y {
		r := y[i] - f[i]
		z := r / scale
		out[i] = (df + 1) * z / (df*scale + r*z) // simplifies (df+1)r/(df*scale^2+r^2)
	}
	return out
}

func (s *StudentT) FisherInfoDiag(y, f []float64, aux []float64, approx ApproximationType) []float64 {
	scale := aux[0]
	df := s.df(aux)
	out := make([]float64, len(y))
	if approx == FisherLaplace {
		// Expected FI for Student-t, always positive:
		// (df+1) / ((df+3) scale^2).
		v := (df + 1) / ((df + 3) * scale * scale)
		for i := range out {
			out[i] = v
		}
		return out
	}
	// Observed Hessian (can be negative for |r| large relative to scale).
	for i := range y {
		r := y[i] - f[i]
		z2 := (r / scale) * (r / scale)
		num := (df + 1) * (df - z2)
		den := scale * scale * (df + z2) * (df + z2)
		out[i] = num / den // -d^2 logp/df^2; negative when |r| is large relative to scale
	}
	return out
}

func (s *StudentT) FisherInfoDerivF(y, f []float64, aux []float64, approx ApproximationType) []float64 {
	if approx == FisherLaplace {
		return make([]float64, len(y))
	}
	h := 1e-5
	base := s.FisherInfoDiag(y, f, aux, approx)
	fPlus := append([]float64(nil), f...)
	out := make([]float64, len(f))
	for i := range f {
		fPlus[i] = f[i] + h
		plus := s.FisherInfoDiag(y, fPlus, aux, approx)[i]
		fPlus[i] = f[i]
		out[i] = (plus - base[i]) / h
	}
	return out
}

func (s *StudentT) GradAux(y, f []float64, aux []float64) []float64 {
	h := 1e-5
	base, _ := s.LogLik(y, f, aux)
	grads := make([]float64, len(aux))
	for k := range aux {
		perturbed := append([]float64(nil), aux...)
		perturbed[k] += h
		plus, _ := s.LogLik(y, f, perturbed)
		dNegLLd := -(plus - base) / h
		grads[k] = dNegLLd * aux[k] // chain rule to log scale
	}
	return grads
}

func (s *StudentT) InitialValue(y []float64) ([]float64, float64) {
	sorted := append([]float64(nil), y...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	iqr := stat.Quantile(0.75, stat.Empirical, sorted, nil) - stat.Quantile(0.25, stat.Empirical, sorted, nil)
	scale := iqr / 1.349 // normal-consistent IQR-based scale estimate
	if scale <= 0 {
		scale = 1.0
	}
	if s.EstimateDF {
		return []float64{scale, 8.0}, median
	}
	return []float64{scale}, median
}

func (s *StudentT) InverseLink(f float64) float64 { return f }
