package marginal

import (
	"errors"
	"math/rand"

	"github.com/evolbio/phylomix/tree"
)

// ExactSampler draws exact joint samples of all node states from a
// tree-shaped factor graph, either unconditionally (prior) or
// conditioned on the unary evidence (posterior, driven by sum-product
// messages).
type ExactSampler struct {
	fg *FactorGraph
	sp *SumProduct
}

// PriorSampler creates a sampler for the unconditional distribution
// of the factor graph.
func PriorSampler(fg *FactorGraph) *ExactSampler {
	return &ExactSampler{fg: fg}
}

// PosteriorSampler creates a sampler for the posterior distribution
// using precomputed sum-product messages.
func PosteriorSampler(sp *SumProduct) *ExactSampler {
	return &ExactSampler{fg: sp.fg, sp: sp}
}

// Sample draws one state per node and site. The result is indexed by
// node id, then site; every entry is a one-hot vector over states.
func (es *ExactSampler) Sample(rnd *rand.Rand) ([][][]float64, error) {
	fg := es.fg
	states := make([][]int, len(fg.unary))

	rootBelief := es.belief(fg.root)
	rootStates := make([]int, fg.nSites)
	for s := 0; s < fg.nSites; s++ {
		x, err := sampleIndex(rnd, rootBelief[s])
		if err != nil {
			return nil, err
		}
		rootStates[s] = x
	}
	states[fg.root.Id] = rootStates

	// Parents before children, so the top states are always fixed.
	weights := make([]float64, fg.nStates)
	for _, e := range fg.Edges() {
		p := fg.Binary(e)
		if p == nil {
			return nil, errors.New("edge without binary factor")
		}
		below := es.belief(e.Bot)
		topStates := states[e.Top.Id]
		botStates := make([]int, fg.nSites)
		for s := 0; s < fg.nSites; s++ {
			j := topStates[s]
			for k := 0; k < fg.nStates; k++ {
				weights[k] = p[j][k] * below[s][k]
			}
			x, err := sampleIndex(rnd, weights)
			if err != nil {
				return nil, err
			}
			botStates[s] = x
		}
		states[e.Bot.Id] = botStates
	}

	// Convert to one-hot vectors, the boundary representation
	// shared with marginals and unary factors.
	res := make([][][]float64, len(states))
	for id, nodeStates := range states {
		if nodeStates == nil {
			continue
		}
		res[id] = make([][]float64, fg.nSites)
		for s, x := range nodeStates {
			oneHot := make([]float64, fg.nStates)
			oneHot[x] = 1
			res[id][s] = oneHot
		}
	}
	return res, nil
}

// belief returns the sampling weights of a node before conditioning
// on its top state: the full below-belief for posterior sampling, the
// bare unary factor (or ones) for prior sampling.
func (es *ExactSampler) belief(node *tree.Node) [][]float64 {
	if es.sp != nil {
		return es.sp.beliefBelow(node)
	}
	fg := es.fg
	belief := make([][]float64, fg.nSites)
	unary := fg.unary[node.Id]
	for s := 0; s < fg.nSites; s++ {
		belief[s] = make([]float64, fg.nStates)
		for x := 0; x < fg.nStates; x++ {
			if unary != nil {
				belief[s][x] = unary[s][x]
			} else {
				belief[s][x] = 1
			}
		}
	}
	return belief
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
