// Package likelihood implements C8, the likelihood catalog. Each kind
// provides log-density, first derivative, diagonal Fisher information (and
// its derivatives), auxiliary-parameter gradients, and initial-value
// heuristics, behind one interface so the Newton solver, gradient engine
// and predictor stay likelihood-agnostic.
package likelihood

import (
	"fmt"
	"strings"

	"github.com/cran/gpboostcore/gpberr"
)

// ApproximationType selects between the observed-Hessian Laplace
// approximation and the expected-Fisher-information Fisher-Laplace
// variant.
type ApproximationType int

const (
	Laplace ApproximationType = iota
	FisherLaplace
)

// Likelihood is the C8 contract. Location f is the latent linear predictor
// (Zb + fixed effects) at each observation; aux holds auxiliary parameters
// on the natural scale (e.g. gamma shape, Student-t scale/df).
type Likelihood interface {
	// Name returns the canonical (post-alias) likelihood name.
	Name() string

	// NumAuxPar returns how many auxiliary parameters this likelihood owns.
	NumAuxPar() int

	// LogLik returns sum_i log p(y_i | f_i, aux), including the separable
	// normalizing constant so neg_log_likelihood is comparable across
	// likelihoods.
	LogLik(y, f []float64, aux []float64) (float64, error)

	// FirstDeriv returns d log p(y_i|f_i,aux) / d f_i for every i.
	FirstDeriv(y, f []float64, aux []float64) []float64

	// FisherInfoDiag returns the diagonal of the (observed or expected,
	// per approx) Fisher information -d^2 log p / d f_i^2.
	FisherInfoDiag(y, f []float64, aux []float64, approx ApproximationType) []float64

	// FisherInfoDerivF returns d FisherInfoDiag_i / d f_i (needed by the
	// Newton loop when grad(W) wrt m != 0).
	FisherInfoDerivF(y, f []float64, aux []float64, approx ApproximationType) []float64

	// GradAux returns d(-LogLik)/d log(aux_k) for every auxiliary
	// parameter, on the log scale.
	GradAux(y, f []float64, aux []float64) []float64

	// InitialValue returns a method-of-moments/MLE-by-approximation
	// initial guess for the auxiliary parameters, and an initial guess
	// for the intercept coefficient.
	InitialValue(y []float64) (aux []float64, interceptCoef float64)

	// InverseLink maps the latent linear predictor to the response's
	// conditional mean, used by response-scale prediction (C7).
	InverseLink(f float64) float64

	// WCanBeIndefinite reports whether the observed Hessian can be
	// negative for this likelihood under plain Laplace (only Student-t).
	WCanBeIndefinite() bool
}

// aliases normalizes user-facing likelihood name strings before dispatch.
var aliases = map[string]string{
	"gaussian":           "gaussian",
	"normal":             "gaussian",
	"bernoulli_probit":   "bernoulli_probit",
	"binary":             "bernoulli_probit",
	"probit":             "bernoulli_probit",
	"bernoulli_logit":    "bernoulli_logit",
	"logit":              "bernoulli_logit",
	"logistic":           "bernoulli_logit",
	"poisson":            "poisson",
	"gamma":              "gamma",
	"negative_binomial":  "negative_binomial",
	"negbinom":           "negative_binomial",
	"nbinom":             "negative_binomial",
	"student_t":          "student_t",
	"t":                  "student_t",
	"student_t_fix_df":   "student_t_fix_df",
}

// Parse resolves a user string to a Likelihood, applying the alias table.
// Student-t estimates its degrees of freedom unless the name explicitly
// requests the fixed-df alias (see DESIGN.md for the rationale).
func Parse(name string) (Likelihood, error) {
	canon, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized likelihood %q", gpberr.ErrInvalidOption, name)
	}
	switch canon {
	case "gaussian":
		return &Gaussian{}, nil
	case "bernoulli_probit":
		return &BernoulliProbit{}, nil
	case "bernoulli_logit":
		return &BernoulliLogit{}, nil
	case "poisson":
		return &Poisson{}, nil
	case "gamma":
		return &Gamma{}, nil
	case "negative_binomial":
		return &NegativeBinomial{}, nil
	case "student_t":
		return &StudentT{EstimateDF: true}, nil
	case "student_t_fix_df":
		return &StudentT{EstimateDF: false}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized likelihood %q", gpberr.ErrInvalidOption, name)
	}
}
