package smodel

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/evolbio/phylomix/marginal"
	"github.com/evolbio/phylomix/tree"
)

// InternalSample is one joint draw from the model: a rate category per
// site and a one-hot state vector per node and site.
type InternalSample struct {
	nStates    int
	categories []int
	// states is indexed by node id, site, state.
	states [][][]float64
}

// NSites returns the number of sites.
func (is *InternalSample) NSites() int {
	return len(is.categories)
}

// Category returns the sampled rate category of a site.
func (is *InternalSample) Category(site int) int {
	return is.categories[site]
}

// StateVector returns the one-hot state vector of a node at a site.
func (is *InternalSample) StateVector(node *tree.Node, site int) []float64 {
	return is.states[node.Id][site]
}

// State decodes the one-hot vector of a node at a site into a state
// index, validating that the vector is in fact one-hot.
func (is *InternalSample) State(node *tree.Node, site int) (int, error) {
	v := is.states[node.Id][site]
	res := -1
	for x, val := range v {
		switch val {
		case 0:
		case 1:
			if res >= 0 {
				return 0, fmt.Errorf("node %d site %d: more than one active state", node.Id, site)
			}
			res = x
		default:
			return 0, fmt.Errorf("node %d site %d: fractional state indicator %v", node.Id, site, val)
		}
	}
	if res < 0 {
		return 0, fmt.Errorf("node %d site %d: no active state", node.Id, site)
	}
	return res, nil
}

// sampleInternal draws states and categories in two phases: first an
// independent full-tree draw for every category, then a category per
// site; each site keeps the states of its category's draw. The
// category draw is taken from the prior weights unconditionally, or
// from the per-site posterior weights when observations are given.
func (m *Model) sampleInternal(rnd *rand.Rand, obs Observations, t *tree.Tree, root *tree.Node) (*InternalSample, error) {
	nCat := m.mix.NCategories()
	tc := newTransitionCache(m.mix)

	draws := make([][][][]float64, nCat)
	weights := make([][]float64, m.nSites)

	if obs == nil {
		logPriors := m.mix.LogPriors()
		priors := make([]float64, nCat)
		for c, lp := range logPriors {
			priors[c] = math.Exp(lp)
		}
		for s := range weights {
			weights[s] = priors
		}
		for c := 0; c < nCat; c++ {
			fg, err := m.buildFactorGraph(tc, c, nil, t, root)
			if err != nil {
				return nil, err
			}
			draw, err := marginal.PriorSampler(fg).Sample(rnd)
			if err != nil {
				return nil, err
			}
			draws[c] = draw
		}
	} else {
		cg, err := m.posteriorGraphs(tc, obs, t, root)
		if err != nil {
			return nil, err
		}
		for s := range weights {
			weights[s] = make([]float64, nCat)
			for c := 0; c < nCat; c++ {
				weights[s][c] = cg.categoryWeight(c, s)
			}
		}
		for c := 0; c < nCat; c++ {
			draw, err := marginal.PosteriorSampler(cg.sps[c]).Sample(rnd)
			if err != nil {
				return nil, err
			}
			draws[c] = draw
		}
	}

	is := &InternalSample{
		nStates:    m.mix.NStates(),
		categories: make([]int, m.nSites),
		states:     make([][][]float64, len(draws[0])),
	}
	for id := range is.states {
		if draws[0][id] == nil {
			continue
		}
		is.states[id] = make([][]float64, m.nSites)
	}
	for s := 0; s < m.nSites; s++ {
		c, err := sampleIndex(rnd, weights[s])
		if err != nil {
			return nil, err
		}
		is.categories[s] = c
		for id := range is.states {
			if is.states[id] == nil {
				continue
			}
			is.states[id][s] = draws[c][id][s]
		}
	}
	return is, nil
}

// SamplePriorInternalNodes draws categories and all node states from
// the unconditional model.
func (m *Model) SamplePriorInternalNodes(rnd *rand.Rand, t *tree.Tree, root *tree.Node) (*InternalSample, error) {
	return m.sampleInternal(rnd, nil, t, root)
}

// SamplePosteriorInternalNodes draws categories and all node states
// conditioned on the observations.
func (m *Model) SamplePosteriorInternalNodes(rnd *rand.Rand, obs Observations, t *tree.Tree, root *tree.Node) (*InternalSample, error) {
	if obs == nil {
		return nil, errors.New("posterior sampling requires observations")
	}
	return m.sampleInternal(rnd, obs, t, root)
}

// GenerateObservations draws a full prior sample and emits leaf
// observations from it. Without an emission matrix the latent leaf
// states are observed directly.
func (m *Model) GenerateObservations(rnd *rand.Rand, t *tree.Tree, root *tree.Node) (Observations, *InternalSample, error) {
	is, err := m.SamplePriorInternalNodes(rnd, t, root)
	if err != nil {
		return nil, nil, err
	}
	obs := make(Observations, t.MaxNodeId()+1)
	for node := range t.Terminals() {
		factor := make([][]float64, m.nSites)
		for s := 0; s < m.nSites; s++ {
			x, err := is.State(node, s)
			if err != nil {
				return nil, nil, err
			}
			emission := m.mix.Emission(is.Category(s))
			if emission == nil {
				row := make([]float64, m.mix.NStates())
				row[x] = 1
				factor[s] = row
				continue
			}
			y, err := sampleIndex(rnd, emission[x])
			if err != nil {
				return nil, nil, err
			}
			row := make([]float64, len(emission[x]))
			row[y] = 1
			factor[s] = row
		}
		obs[node.Id] = factor
	}
	return obs, is, nil
}

// sampleIndex draws an index proportionally to the weights.
func sampleIndex(rnd *rand.Rand, weights []float64) (int, error) {
	total := 0.0
	for _, w := range weights {
		if w < 0 {
			return 0, errors.New("negative sampling weight")
		}
		total += w
	}
	if total <= 0 {
		return 0, errors.New("all sampling weights are zero")
	}
	u := rnd.Float64() * total
	cum := 0.0
	for i, w := range weights {
		cum += w
		if u < cum {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}
