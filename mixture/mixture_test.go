package mixture

import (
	"math"
	"testing"

	"github.com/evolbio/phylomix/ctmc"
)

const smallDiff = 1e-9

func TestWeightedPriors(tst *testing.T) {
	jc, err := ctmc.NewJukesCantor(4)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}
	fast, err := jc.Scaled(2)
	if err != nil {
		tst.Fatal("Error scaling matrix:", err)
	}
	m, err := NewWeighted([]*ctmc.CTMC{jc, fast}, []float64{1, 3})
	if err != nil {
		tst.Fatal("Error creating mixture:", err)
	}
	lp := m.LogPriors()
	if math.Abs(math.Exp(lp[0])-0.25) > smallDiff ||
		math.Abs(math.Exp(lp[1])-0.75) > smallDiff {
		tst.Error("Expected priors 0.25/0.75, got", lp)
	}
}

func TestWeightedErrors(tst *testing.T) {
	jc, err := ctmc.NewJukesCantor(4)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}
	if _, err := NewWeighted(nil, nil); err == nil {
		tst.Error("Expected error for empty mixture")
	}
	if _, err := NewWeighted([]*ctmc.CTMC{jc}, []float64{0}); err == nil {
		tst.Error("Expected error for zero weight")
	}
	jc2, err := ctmc.NewJukesCantor(2)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}
	if _, err := NewWeighted([]*ctmc.CTMC{jc, jc2}, []float64{1, 1}); err == nil {
		tst.Error("Expected error for mismatched state spaces")
	}
}

func TestDiscreteGammaMeanRate(tst *testing.T) {
	jc, err := ctmc.NewJukesCantor(4)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}
	m, err := NewDiscreteGamma(jc, 0.5, 4, false)
	if err != nil {
		tst.Fatal("Error creating gamma mixture:", err)
	}
	if m.NCategories() != 4 {
		tst.Fatal("Expected 4 categories, got", m.NCategories())
	}

	// Expected substitution rate averaged over categories is one,
	// since the base chain has unit rate and the category rates have
	// mean one.
	mean := 0.0
	for c := 0; c < m.NCategories(); c++ {
		chain := m.RateMatrix(c)
		pi := chain.StationaryDistribution()
		rate := 0.0
		for i := 0; i < chain.NStates(); i++ {
			rate += -pi[i] * chain.Rate(i, i)
		}
		mean += rate * math.Exp(m.LogPriors()[c])
	}
	if math.Abs(mean-1) > 1e-6 {
		tst.Error("Expected unit mean rate, got", mean)
	}
}

func TestEmitting(tst *testing.T) {
	jc, err := ctmc.NewJukesCantor(2)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}
	base := NewSingle(jc)
	if base.Emission(0) != nil {
		tst.Error("Expected nil emission for a plain mixture")
	}
	em := [][]float64{
		{0.9, 0.1},
		{0.2, 0.8},
	}
	m, err := NewEmitting(base, em)
	if err != nil {
		tst.Fatal("Error wrapping mixture:", err)
	}
	if m.Emission(0) == nil {
		tst.Error("Expected emission matrix")
	}
	if _, err := NewEmitting(base, em[:1]); err == nil {
		tst.Error("Expected error for mismatched emission matrix")
	}
}
