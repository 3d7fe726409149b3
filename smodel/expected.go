package smodel

import (
	"github.com/evolbio/phylomix/marginal"
	"github.com/evolbio/phylomix/tree"
)

// ExpectedStatistics holds exact expected sufficient statistics per
// category: initial-state counts at the rooting node, per-state
// sojourn times and per-pair transition counts, accumulated over all
// branches and sites.
type ExpectedStatistics struct {
	NInit        [][]float64
	SojournTimes [][]float64
	TransCounts  [][][]float64
}

// NewExpectedStatistics creates a zeroed container.
func NewExpectedStatistics(nCat, nStates int) *ExpectedStatistics {
	es := &ExpectedStatistics{
		NInit:        make([][]float64, nCat),
		SojournTimes: make([][]float64, nCat),
		TransCounts:  make([][][]float64, nCat),
	}
	for c := 0; c < nCat; c++ {
		es.NInit[c] = make([]float64, nStates)
		es.SojournTimes[c] = make([]float64, nStates)
		es.TransCounts[c] = make([][]float64, nStates)
		for i := range es.TransCounts[c] {
			es.TransCounts[c][i] = make([]float64, nStates)
		}
	}
	return es
}

// Reset zeroes the container.
func (es *ExpectedStatistics) Reset() {
	for c := range es.NInit {
		for i := range es.NInit[c] {
			es.NInit[c][i] = 0
			es.SojournTimes[c][i] = 0
			for j := range es.TransCounts[c][i] {
				es.TransCounts[c][i][j] = 0
			}
		}
	}
}

// edgeJoint computes the per-site normalized joint distribution of the
// endpoint states of one rooted edge from the node marginals, the
// transition matrix and the two messages crossing the edge:
//
//	joint[j][k] ~ mTop[j] * mBot[k] * p[j][k] / (up[j] * down[k])
//
// Entries with a zero message denominator carry no posterior mass and
// are skipped.
func edgeJoint(sp *marginal.SumProduct, e tree.Edge, p [][]float64, mTop, mBot [][]float64, site int, joint [][]float64) error {
	up, err := sp.Message(e.Bot, e.Top)
	if err != nil {
		return err
	}
	down, err := sp.Message(e.Top, e.Bot)
	if err != nil {
		return err
	}
	total := 0.0
	for j := range joint {
		for k := range joint[j] {
			joint[j][k] = 0
			if up[site][j] <= 0 || down[site][k] <= 0 {
				continue
			}
			v := mTop[site][j] * mBot[site][k] * p[j][k] /
				(up[site][j] * down[site][k])
			joint[j][k] = v
			total += v
		}
	}
	if total <= 0 {
		return nil
	}
	for j := range joint {
		for k := range joint[j] {
			joint[j][k] /= total
		}
	}
	return nil
}

// MarginalCounts returns the expected number of sites with each
// (top, bottom) endpoint state pair, for every category and rooted
// edge, weighted by the per-site posterior category probabilities. The
// result is indexed by category, edge (in t.RootedEdges(root) order),
// top state, bottom state.
func (m *Model) MarginalCounts(obs Observations, t *tree.Tree, root *tree.Node) ([][][][]float64, error) {
	tc := newTransitionCache(m.mix)
	cg, err := m.posteriorGraphs(tc, obs, t, root)
	if err != nil {
		return nil, err
	}
	return m.marginalCounts(tc, cg, t, root)
}

func (m *Model) marginalCounts(tc *transitionCache, cg *categoryGraphs, t *tree.Tree, root *tree.Node) ([][][][]float64, error) {
	nCat := m.mix.NCategories()
	nStates := m.mix.NStates()
	edges := t.RootedEdges(root)

	counts := make([][][][]float64, nCat)
	joint := make([][]float64, nStates)
	for j := range joint {
		joint[j] = make([]float64, nStates)
	}

	for c := 0; c < nCat; c++ {
		sp := cg.sps[c]
		marginals := make(map[int][][]float64, len(edges)+1)
		nodeMarginal := func(node *tree.Node) [][]float64 {
			if mm, ok := marginals[node.Id]; ok {
				return mm
			}
			mm := sp.NodeMarginal(node)
			marginals[node.Id] = mm
			return mm
		}

		counts[c] = make([][][]float64, len(edges))
		for ei, e := range edges {
			cnt := make([][]float64, nStates)
			for j := range cnt {
				cnt[j] = make([]float64, nStates)
			}
			p, err := tc.transition(c, e.Length())
			if err != nil {
				return nil, err
			}
			mTop := nodeMarginal(e.Top)
			mBot := nodeMarginal(e.Bot)
			for s := 0; s < m.nSites; s++ {
				if err := edgeJoint(sp, e, p, mTop, mBot, s, joint); err != nil {
					return nil, err
				}
				w := cg.categoryWeight(c, s)
				for j := 0; j < nStates; j++ {
					for k := 0; k < nStates; k++ {
						cnt[j][k] += w * joint[j][k]
					}
				}
			}
			counts[c][ei] = cnt
		}
	}
	return counts, nil
}

// TotalExpectedStatistics computes the exact expected sufficient
// statistics of the posterior: expected root state counts from the
// root marginals, and expected sojourn times and transition counts
// from the per-edge endpoint-pair counts pushed through the
// closed-form branch integrals.
func (m *Model) TotalExpectedStatistics(obs Observations, t *tree.Tree, root *tree.Node) (*ExpectedStatistics, error) {
	tc := newTransitionCache(m.mix)
	cg, err := m.posteriorGraphs(tc, obs, t, root)
	if err != nil {
		return nil, err
	}
	counts, err := m.marginalCounts(tc, cg, t, root)
	if err != nil {
		return nil, err
	}

	nCat := m.mix.NCategories()
	nStates := m.mix.NStates()
	edges := t.RootedEdges(root)
	es := NewExpectedStatistics(nCat, nStates)

	for c := 0; c < nCat; c++ {
		rootMarginal := cg.sps[c].NodeMarginal(root)
		for s := 0; s < m.nSites; s++ {
			w := cg.categoryWeight(c, s)
			for x := 0; x < nStates; x++ {
				es.NInit[c][x] += w * rootMarginal[s][x]
			}
		}

		chain := m.mix.RateMatrix(c)
		for ei, e := range edges {
			bs, err := chain.ExpectedBranchStatistics(counts[c][ei], e.Length())
			if err != nil {
				return nil, err
			}
			for i := 0; i < nStates; i++ {
				es.SojournTimes[c][i] += bs.SojournTimes[i]
				for j := 0; j < nStates; j++ {
					es.TransCounts[c][i][j] += bs.TransitionCounts[i][j]
				}
			}
		}
	}
	return es, nil
}
