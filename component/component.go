// Package component implements C1, the per-cluster random-effect component
// registry read by the structure planner. Each Component is a tagged
// variant exposing a small fixed surface: BuildSigma, SigmaGrad, ApplyZ,
// CoordsOrDist.
package component

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Kind tags the four supported additive latent terms.
type Kind int

const (
	GroupedIntercept Kind = iota
	GroupedCoef
	GPIntercept
	GPCoef
)

func (k Kind) String() string {
	switch k {
	case GroupedIntercept:
		return "grouped-intercept"
	case GroupedCoef:
		return "grouped-coef"
	case GPIntercept:
		return "GP-intercept"
	case GPCoef:
		return "GP-coef"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) IsGrouped() bool { return k == GroupedIntercept || k == GroupedCoef }
func (k Kind) IsGP() bool      { return k == GPIntercept || k == GPCoef }

// Incidence describes the Z mapping from a random-effect vector b (latent
// scale) to the data scale Zb. LevelOf[i] is the latent index that data row
// i belongs to (group membership for grouped kinds, unique-location index
// for GP kinds with repeated coordinates). NumLevels is the latent
// dimension (distinct groups, or distinct locations).
type Incidence struct {
	LevelOf   []int
	NumLevels int
}

// NewIdentityIncidence builds the trivial one-to-one incidence used when a
// GP component has no repeated coordinates (data scale == latent scale).
func NewIdentityIncidence(n int) *Incidence {
	levelOf := make([]int, n)
	for i := range levelOf {
		levelOf[i] = i
	}
	return &Incidence{LevelOf: levelOf, NumLevels: n}
}

// Component is one additive term of the latent covariance structure.
type Component struct {
	Kind Kind

	// Par holds the component's covariance parameters on the natural
	// scale: [variance] for grouped kinds, [variance, range] for GP kinds
	// (every Kernel takes these two).
	Par []float64

	// Z is the incidence mapping; nil means the identity map (dimension
	// n, e.g. a GP component with no duplicated coordinates).
	Z *Incidence

	// Covariate scales the intercept sibling for grouped-coef components;
	// nil for the other kinds. Length n (data scale).
	Covariate []float64

	// Coords holds GP coordinates in unique-location order (length
	// Z.NumLevels); nil for grouped kinds.
	Coords [][]float64
	Kernel Kernel
}

// NumCovPar returns the number of covariance parameters this component
// owns (1 for grouped kinds, 2 for GP kinds).
func (c *Component) NumCovPar() int {
	if c.Kind.IsGrouped() {
		return 1
	}
	return c.Kernel.NumPar()
}

// SetCovPars updates the component's parameter vector in place. Callers
// must supply values on the natural scale (variance > 0); the log-scale /
// natural-scale boundary is the optimizer's responsibility.
func (c *Component) SetCovPars(par []float64) error {
	if len(par) != c.NumCovPar() {
		return fmt.Errorf("component: SetCovPars expected %d parameters, got %d", c.NumCovPar(), len(par))
	}
	for _, p := range par {
		if p <= 0 {
			return fmt.Errorf("component: covariance parameter must be > 0, got %v", p)
		}
	}
	c.Par = append(c.Par[:0], par...)
	return nil
}

// Dim returns the latent dimension of this component: the number of
// distinct random-effect levels (grouped) or unique GP locations.
func (c *Component) Dim() int {
	if c.Z != nil {
		return c.Z.NumLevels
	}
	if c.Kind.IsGP() {
		return len(c.Coords)
	}
	return 0
}

// BuildSigma returns Sigma_j, the component's contribution to the latent
// covariance, on the latent (reduced) scale.
func (c *Component) BuildSigma() (*mat.SymDense, error) {
	switch {
	case c.Kind.IsGrouped():
		return buildGroupedSigma(c), nil
	case c.Kind.IsGP():
		return buildGPSigma(c)
	default:
		return nil, fmt.Errorf("component: unknown kind %v", c.Kind)
	}
}

// SigmaGrad returns d Sigma_j / d theta_jk for the k-th covariance
// parameter of this component (0-indexed), on the same latent scale as
// BuildSigma.
func (c *Component) SigmaGrad(k int) (*mat.SymDense, error) {
	if k < 0 || k >= c.NumCovPar() {
		return nil, fmt.Errorf("component: parameter index %d out of range [0,%d)", k, c.NumCovPar())
	}
	switch {
	case c.Kind.IsGrouped():
		return groupedSigmaGrad(c, k), nil
	case c.Kind.IsGP():
		return gpSigmaGrad(c, k)
	default:
		return nil, fmt.Errorf("component: unknown kind %v", c.Kind)
	}
}

// ApplyZ expands a latent-scale vector b to the data scale Zb, applying the
// grouped-coef covariate scaling when present.
func (c *Component) ApplyZ(b []float64, n int) []float64 {
	out := make([]float64, n)
	if c.Z == nil {
		copy(out, b)
		return out
	}
	for i := 0; i < n; i++ {
		lvl := c.Z.LevelOf[i]
		v := b[lvl]
		if c.Kind == GroupedCoef && c.Covariate != nil {
			v *= c.Covariate[i]
		}
		out[i] = v
	}
	return out
}

// ApplyZT computes Z_j^T v, the adjoint of ApplyZ, accumulating data-scale
// contributions back onto the latent scale (used for Z_j^T y_aux style
// gradient/prediction terms in C5/C7).
func (c *Component) ApplyZT(v []float64, n int) []float64 {
	dim := c.Dim()
	out := make([]float64, dim)
	if c.Z == nil {
		copy(out, v[:dim])
		return out
	}
	for i := 0; i < n; i++ {
		lvl := c.Z.LevelOf[i]
		contrib := v[i]
		if c.Kind == GroupedCoef && c.Covariate != nil {
			contrib *= c.Covariate[i]
		}
		out[lvl] += contrib
	}
	return out
}

// CoordsOrDist returns the coordinate matrix (GP kinds) or nil (grouped
// kinds, which carry no spatial structure).
func (c *Component) CoordsOrDist() [][]float64 {
	return c.Coords
}
