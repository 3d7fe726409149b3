package mcem

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/evolbio/phylomix/ctmc"
	"github.com/evolbio/phylomix/mixture"
	"github.com/evolbio/phylomix/smodel"
	"github.com/evolbio/phylomix/tree"
)

func simulate(tst *testing.T, nSites int) (smodel.Observations, *tree.Tree) {
	t, err := tree.ParseNewick(bytes.NewBufferString("((a:0.3,b:0.4):0.2,c:0.5):0;"))
	if err != nil {
		tst.Fatal("Error parsing tree:", err)
	}
	hky, err := ctmc.NewHKY(3, []float64{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		tst.Fatal("Error creating HKY matrix:", err)
	}
	m, err := smodel.New(mixture.NewSingle(hky), nSites)
	if err != nil {
		tst.Fatal("Error creating model:", err)
	}
	rnd := rand.New(rand.NewSource(11))
	obs, _, err := m.GenerateObservations(rnd, t, t.Node)
	if err != nil {
		tst.Fatal("Error generating observations:", err)
	}
	return obs, t
}

func logLikelihood(tst *testing.T, q [][]float64, obs smodel.Observations, t *tree.Tree, nSites int) float64 {
	chain, err := ctmc.NewCTMC(q)
	if err != nil {
		tst.Fatal("Error creating CTMC:", err)
	}
	m, err := smodel.New(mixture.NewSingle(chain), nSites)
	if err != nil {
		tst.Fatal("Error creating model:", err)
	}
	l, err := m.LogLikelihood(obs, t, t.Node)
	if err != nil {
		tst.Fatal("Error computing likelihood:", err)
	}
	return l
}

func TestExactEMImprovesLikelihood(tst *testing.T) {
	const nSites = 40
	obs, t := simulate(tst, nSites)

	// A deliberately poor starting matrix.
	q0 := [][]float64{
		{0, 0.05, 2, 0.05},
		{0.05, 0, 0.05, 2},
		{2, 0.05, 0, 0.05},
		{0.05, 2, 0.05, 0},
	}
	before := logLikelihood(tst, q0, obs, t, nSites)

	em, err := New(obs, t, t.Node, q0, 0, 1, rand.New(rand.NewSource(12)))
	if err != nil {
		tst.Fatal("Error creating EM:", err)
	}
	if err := em.Run(3); err != nil {
		tst.Fatal("Error running EM:", err)
	}

	after := logLikelihood(tst, em.RateMatrix(), obs, t, nSites)
	if after <= before {
		tst.Error("EM did not improve the likelihood:", before, "->", after)
	}
	if em.Iter() != 3 {
		tst.Error("Expected 3 sweeps, got", em.Iter())
	}
	for i, row := range em.RateMatrix() {
		for j, v := range row {
			if i != j && (v < 0 || math.IsNaN(v) || math.IsInf(v, 0)) {
				tst.Error("Invalid rate estimate", v)
			}
		}
	}
}

func TestSampledEM(tst *testing.T) {
	if testing.Short() {
		tst.Skip("skipping test in short mode.")
	}
	const nSites = 20
	obs, t := simulate(tst, nSites)

	q0 := [][]float64{
		{0, 1, 1, 1},
		{1, 0, 1, 1},
		{1, 1, 0, 1},
		{1, 1, 1, 0},
	}
	em, err := New(obs, t, t.Node, q0, 0, 1, rand.New(rand.NewSource(13)))
	if err != nil {
		tst.Fatal("Error creating EM:", err)
	}
	em.NSamples = 50
	if err := em.Run(2); err != nil {
		tst.Fatal("Error running EM:", err)
	}
	if math.IsNaN(em.Likelihood()) || math.IsInf(em.Likelihood(), 0) {
		tst.Error("Degenerate likelihood", em.Likelihood())
	}
	for i, row := range em.RateMatrix() {
		for j, v := range row {
			if i != j && (v < 0 || math.IsNaN(v) || math.IsInf(v, 0)) {
				tst.Error("Invalid rate estimate", v)
			}
		}
	}
}

func TestShapeObjective(tst *testing.T) {
	em := &EM{nCat: 4}
	obj := &shapeObjective{
		em:     em,
		nTrans: []float64{1, 2, 3, 4},
		depart: []float64{1, 1, 1, 1},
		dH:     1e-6,
	}
	f := obj.EvaluateFunction([]float64{0.5})
	if math.IsNaN(f) || math.IsInf(f, 0) {
		tst.Error("Objective not finite at shape 0.5:", f)
	}
	if !math.IsInf(obj.EvaluateFunction([]float64{0}), 1) {
		tst.Error("Expected +Inf outside the shape bounds")
	}
	g := obj.EvaluateGradient([]float64{0.5})
	if len(g) != 1 || math.IsNaN(g[0]) {
		tst.Error("Invalid gradient", g)
	}
}

func TestEMErrors(tst *testing.T) {
	obs, t := simulate(tst, 2)
	q := [][]float64{{0, 1}, {1, 0}}
	if _, err := New(obs, t, t.Node, q, 0, 0, nil); err == nil {
		tst.Error("Expected error for zero categories")
	}
	if _, err := New(obs, t, t.Node, q, 0, 4, nil); err == nil {
		tst.Error("Expected error for non-positive shape")
	}
}
