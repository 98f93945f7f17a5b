package structure

import (
	"errors"
	"testing"

	"github.com/cran/gpboostcore/component"
	"github.com/cran/gpboostcore/gpberr"
)

func TestBuildRejectsVecchiaWithGrouped(t *testing.T) {
	comps := []*component.Component{
		{Kind: component.GroupedIntercept, Par: []float64{1}, Z: component.NewIdentityIncidence(5)},
	}
	_, err := Build(comps, Options{PreferVecchia: true})
	if !errors.Is(err, gpberr.ErrIncompatibleStructure) {
		t.Fatalf("expected ErrIncompatibleStructure, got %v", err)
	}
}

func TestBuildChoosesGroupedWoodburyForGroupedOnly(t *testing.T) {
	comps := []*component.Component{
		{Kind: component.GroupedIntercept, Par: []float64{1}, Z: component.NewIdentityIncidence(5)},
	}
	plan, err := Build(comps, Options{GaussLikelihood: false})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !plan.OnlyGroupedREsUseWoodbury {
		t.Error("expected OnlyGroupedREsUseWoodbury to be set")
	}
	if !plan.OnlyOneGroupedREOnREScale {
		t.Error("expected OnlyOneGroupedREOnREScale for single-component non-Gaussian case")
	}
}

func TestBuildChoosesWoodburyForMultipleGroupedGaussian(t *testing.T) {
	comps := []*component.Component{
		{Kind: component.GroupedIntercept, Par: []float64{1}, Z: component.NewIdentityIncidence(5)},
		{Kind: component.GroupedIntercept, Par: []float64{1}, Z: component.NewIdentityIncidence(5)},
	}
	plan, err := Build(comps, Options{GaussLikelihood: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if plan.OnlyOneGroupedREOnREScale {
		t.Error("two grouped components should not trigger the single-component special case")
	}
	if plan.Path != PathGroupedWoodbury {
		t.Errorf("expected grouped-woodbury path, got %v", plan.Path)
	}
}
