// Package structure implements C2, the structure planner: given a
// cluster's component composition and the active likelihood, it decides
// which algebraic path the rest of the engine takes, and
// validates the compatibility rules up front so later stages never have to
// re-check them.
package structure

import (
	"fmt"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/gpberr"
)

// Path names one of the seven supported algebraic structures.
type Path int

const (
	PathDenseChol Path = iota
	PathSparseChol
	PathGroupedWoodbury
	PathSingleGroupedOnRE
	PathSingleGPOnRE
	PathVecchia
	PathFITC
)

func (p Path) String() string {
	switch p {
	case PathDenseChol:
		return "dense-chol"
	case PathSparseChol:
		return "sparse-chol"
	case PathGroupedWoodbury:
		return "grouped-woodbury"
	case PathSingleGroupedOnRE:
		return "single-grouped-on-RE-scale"
	case PathSingleGPOnRE:
		return "single-GP-on-RE-scale"
	case PathVecchia:
		return "vecchia"
	case PathFITC:
		return "fitc"
	default:
		return fmt.Sprintf("Path(%d)", int(p))
	}
}

// Options carries the caller's structural preferences relevant to path
// selection.
type Options struct {
	GaussLikelihood    bool
	PreferVecchia      bool // GP components should use Vecchia sparsification
	PreferFITC         bool // GP components should use an inducing-point (FITC) approximation
	PreferSparseCholes bool // grouped/dense components should use sparse rather than dense Cholesky
	NumInducingPoints   int // required when PreferFITC
	NumNeighbors        int  // Vecchia neighbor count; defaults to 20
	RandomOrdering      bool // shuffle before neighbor selection (vecchia_ordering=random)
}

// Plan is the frozen set of capability flags later stages consult; it is
// computed once per structural epoch and never mutated afterwards.
type Plan struct {
	Path Path

	GaussLikelihood bool

	OnlyGroupedREsUseWoodbury                bool
	OnlyOneGroupedREOnREScale                bool
	OnlyOneGroupedREOnREScaleForPrediction   bool
	OnlyOneGPOnREScale                       bool
	Vecchia                                  bool
	FITC                                     bool

	NumInducingPoints int
	NumNeighbors      int
	RandomOrdering    bool
}

// Build validates the path compatibility rules and returns the frozen Plan
// for a cluster's component list. Violations are fatal
// (gpberr.ErrIncompatibleStructure).
func Build(components []*component.Component, opts Options) (*Plan, error) {
	var nGrouped, nGP int
	for _, c := range components {
		if c.Kind.IsGrouped() {
			nGrouped++
		}
		if c.Kind.IsGP() {
			nGP++
		}
	}

	plan := &Plan{GaussLikelihood: opts.GaussLikelihood}

	if opts.PreferVecchia && nGrouped > 0 {
		return nil, fmt.Errorf("%w: vecchia requires no grouped components, found %d", gpberr.ErrIncompatibleStructure, nGrouped)
	}
	if opts.PreferFITC && nGrouped > 0 {
		return nil, fmt.Errorf("%w: fitc requires no grouped components, found %d", gpberr.ErrIncompatibleStructure, nGrouped)
	}

	switch {
	case nGP > 0 && opts.PreferVecchia:
		plan.Path = PathVecchia
		plan.Vecchia = true
		plan.NumNeighbors = opts.NumNeighbors
		if plan.NumNeighbors <= 0 {
			plan.NumNeighbors = 20
		}
		plan.RandomOrdering = opts.RandomOrdering
	case nGP > 0 && opts.PreferFITC:
		if opts.NumInducingPoints <= 0 {
			return nil, fmt.Errorf("%w: fitc requires NumInducingPoints > 0", gpberr.ErrInvalidOption)
		}
		plan.Path = PathFITC
		plan.FITC = true
		plan.NumInducingPoints = opts.NumInducingPoints
	case nGP == 1 && nGrouped == 0 && hasDuplicateCoords(components):
		plan.Path = PathSingleGPOnRE
		plan.OnlyOneGPOnREScale = true
	case nGrouped > 0 && nGP == 0:
		plan.Path = PathGroupedWoodbury
		plan.OnlyGroupedREsUseWoodbury = true
		if nGrouped == 1 && !opts.GaussLikelihood {
			plan.OnlyOneGroupedREOnREScale = true
		}
		if nGrouped == 1 && opts.GaussLikelihood {
			plan.OnlyOneGroupedREOnREScaleForPrediction = true
		}
	case opts.PreferSparseCholes:
		plan.Path = PathSparseChol
	default:
		plan.Path = PathDenseChol
	}

	if err := validate(components, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func hasDuplicateCoords(components []*component.Component) bool {
	for _, c := range components {
		if !c.Kind.IsGP() {
			continue
		}
		if c.Z != nil && c.Z.NumLevels < len(c.Coords) {
			return true
		}
	}
	return false
}

// validate re-checks the "exactly one component of the stated kind and no
// other" rule for the *_on_RE_scale special cases, after Build has chosen
// a path, as a defensive double-check.
func validate(components []*component.Component, plan *Plan) error {
	if plan.OnlyOneGroupedREOnREScale || plan.OnlyOneGroupedREOnREScaleForPrediction {
		if len(components) != 1 || !components[0].Kind.IsGrouped() {
			return fmt.Errorf("%w: only_one_grouped_RE_on_RE_scale requires exactly one grouped component", gpberr.ErrIncompatibleStructure)
		}
	}
	if plan.OnlyOneGPOnREScale {
		if len(components) != 1 || !components[0].Kind.IsGP() {
			return fmt.Errorf("%w: only_one_GP_on_RE_scale requires exactly one GP component", gpberr.ErrIncompatibleStructure)
		}
	}
	if plan.OnlyGroupedREsUseWoodbury {
		for _, c := range components {
			if c.Kind.IsGP() {
				return fmt.Errorf("%w: only_grouped_REs_use_woodbury requires no GP components", gpberr.ErrIncompatibleStructure)
			}
		}
	}
	if plan.Vecchia {
		for _, c := range components {
			if c.Kind.IsGrouped() {
				return fmt.Errorf("%w: vecchia is incompatible with grouped components", gpberr.ErrIncompatibleStructure)
			}
		}
	}
	return nil
}
