package covariance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/gpberr"
)

// WoodburyFactor holds the block-diagonal Sigma^-1 + Z^T Z reduction for
// the grouped-only path. Offsets[j] is the column
// offset of component j's block inside the stacked latent vector b.
type WoodburyFactor struct {
	Dim       int
	Offsets   []int
	M         *mat.SymDense // Sigma^-1 + Z^T Z, dense over the (small) latent dimension
	Chol      mat.Cholesky
	DiagOnly  bool    // true iff a single component is present, so M is diagonal
	DiagVals  []float64 // sqrt-diagonal cache for the single-component special case
	valid     bool
	nGauss    float64 // unused: BuildWoodbury takes any 1/sigma^2 or W weighting through ztzWeights
}

// BuildWoodbury assembles offsets and the SigmaInv block-diagonal for a
// cluster's components. ztzWeights, when non-nil, supplies the per-data
// weight (diag(W) for non-Gaussian Laplace, or 1/sigma^2 for Gaussian) used
// to build Z^T W Z instead of a plain Z^T Z.
func BuildWoodbury(components []*component.Component, n int, ztzWeights []float64) (*WoodburyFactor, error) {
	offsets := make([]int, len(components))
	total := 0
	for i, c := range components {
		offsets[i] = total
		total += c.Dim()
	}

	m := mat.NewSymDense(total, nil)
	for i, c := range components {
		variance := c.Par[0]
		if variance <= 0 {
			return nil, fmt.Errorf("covariance: %w: non-positive grouped variance", gpberr.ErrCovNotPSD)
		}
		inv := 1.0 / variance
		for l := 0; l < c.Dim(); l++ {
			idx := offsets[i] + l
			m.SetSym(idx, idx, m.At(idx, idx)+inv)
		}
	}

	weights := ztzWeights
	if weights == nil {
		weights = onesVec(n)
	}

	for a := 0; a < n; a++ {
		w := weights[a]
		if w == 0 {
			continue
		}
		// accumulate contributions of row a across every pair of
		// components (including a component with itself), since a
		// single data point touches exactly one level per component.
		for i, ci := range components {
			li := levelAndScale(ci, a)
			if li.level < 0 {
				continue
			}
			for j := i; j < len(components); j++ {
				cj := components[j]
				lj := levelAndScale(cj, a)
				if lj.level < 0 {
					continue
				}
				r := offsets[i] + li.level
				cIdx := offsets[j] + lj.level
				if r > cIdx {
					r, cIdx = cIdx, r
				}
				m.SetSym(r, cIdx, m.At(r, cIdx)+w*li.scale*lj.scale)
			}
		}
	}

	f := &WoodburyFactor{Dim: total, Offsets: offsets, M: m, DiagOnly: len(components) == 1}
	if ok := f.Chol.Factorize(m); !ok {
		return nil, gpberr.ErrCovNotPSD
	}
	f.valid = true
	if f.DiagOnly {
		f.DiagVals = make([]float64, total)
		for i := 0; i < total; i++ {
			f.DiagVals[i] = math.Sqrt(m.At(i, i))
		}
	}
	return f, nil
}

type levelScale struct {
	level int
	scale float64
}

func levelAndScale(c *component.Component, a int) levelScale {
	if c.Z == nil {
		return levelScale{level: a, scale: 1}
	}
	scale := 1.0
	if c.Kind == component.GroupedCoef && c.Covariate != nil {
		scale = c.Covariate[a]
	}
	return levelScale{level: c.Z.LevelOf[a], scale: scale}
}

func onesVec(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// Solve solves M x = rhs on the latent (stacked) scale.
func (f *WoodburyFactor) Solve(rhs []float64) ([]float64, error) {
	if !f.valid {
		return nil, gpberr.ErrCovNotPSD
	}
	rhsDense := mat.NewDense(f.Dim, 1, append([]float64(nil), rhs...))
	var x mat.Dense
	if err := f.Chol.SolveTo(&x, rhsDense); err != nil {
		return nil, fmt.Errorf("covariance: %w: %v", gpberr.ErrCovNotPSD, err)
	}
	return x.RawMatrix().Data, nil
}

func (f *WoodburyFactor) LogDet() float64 {
	return f.Chol.LogDet()
}
