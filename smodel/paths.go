package smodel

import (
	"fmt"
	"math/rand"

	"github.com/evolbio/phylomix/ctmc"
	"github.com/evolbio/phylomix/tree"
)

// TreePath stores the explicit per-branch, per-site trajectories of
// one posterior path sample.
type TreePath struct {
	edges []tree.Edge
	// paths is indexed by edge, then site.
	paths [][]ctmc.Path
}

// Edges returns the rooted edges the paths belong to.
func (tp *TreePath) Edges() []tree.Edge {
	return tp.edges
}

// Path returns the trajectory of one branch and site.
func (tp *TreePath) Path(edge, site int) *ctmc.Path {
	return &tp.paths[edge][site]
}

func (tp *TreePath) reset(edges []tree.Edge, nSites int) {
	tp.edges = edges
	tp.paths = make([][]ctmc.Path, len(edges))
	for i := range tp.paths {
		tp.paths[i] = make([]ctmc.Path, nSites)
	}
}

// checkStatistics validates the per-category accumulators passed to
// path sampling.
func (m *Model) checkStatistics(stats []*ctmc.PathStatistics) error {
	if len(stats) != m.mix.NCategories() {
		return fmt.Errorf("%d statistics accumulators for %d categories",
			len(stats), m.mix.NCategories())
	}
	for c, s := range stats {
		if s.NStates() != m.mix.NStates() {
			return fmt.Errorf("accumulator %d has %d states, expected %d",
				c, s.NStates(), m.mix.NStates())
		}
	}
	return nil
}

// SamplePosteriorPaths draws internal states and categories from the
// posterior, then an endpoint-conditioned trajectory for every branch
// and site. Sufficient statistics are folded into the per-category
// accumulators: the root state into the initial counts of the site's
// category, sojourn times and transitions into its branch statistics.
// If tp is not nil it is reset and filled with the explicit
// trajectories.
func (m *Model) SamplePosteriorPaths(rnd *rand.Rand, obs Observations, t *tree.Tree, root *tree.Node, stats []*ctmc.PathStatistics, tp *TreePath) (*InternalSample, error) {
	if err := m.checkStatistics(stats); err != nil {
		return nil, err
	}
	is, err := m.SamplePosteriorInternalNodes(rnd, obs, t, root)
	if err != nil {
		return nil, err
	}

	tc := newTransitionCache(m.mix)
	edges := t.RootedEdges(root)
	if tp != nil {
		tp.reset(edges, m.nSites)
	}

	for s := 0; s < m.nSites; s++ {
		c := is.Category(s)
		rootState, err := is.State(root, s)
		if err != nil {
			return nil, err
		}
		stats[c].AddInitial(rootState)
	}

	for ei, e := range edges {
		for s := 0; s < m.nSites; s++ {
			c := is.Category(s)
			start, err := is.State(e.Top, s)
			if err != nil {
				return nil, err
			}
			end, err := is.State(e.Bot, s)
			if err != nil {
				return nil, err
			}
			var path *ctmc.Path
			if tp != nil {
				path = tp.Path(ei, s)
			}
			err = tc.sampler(c).Sample(rnd, start, end, e.Length(), stats[c], path)
			if err != nil {
				return nil, err
			}
		}
	}
	return is, nil
}

// PoissonAuxiliarySample counts uniformized auxiliary jumps of one
// rate category per unordered node pair of the tree, together with the
// number of sites of that category folded into each pair. The
// uniformization rate of the category's dominating Poisson process is
// fixed at construction.
type PoissonAuxiliarySample struct {
	rate         float64
	transCounts  map[[2]int]float64
	sampleCounts map[[2]int]float64
}

func newPoissonAuxiliarySample(rate float64) *PoissonAuxiliarySample {
	return &PoissonAuxiliarySample{
		rate:         rate,
		transCounts:  make(map[[2]int]float64),
		sampleCounts: make(map[[2]int]float64),
	}
}

func pairKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// incrementCount folds one site's jump count on a branch into the
// sample: n jumps plus one sampled site.
func (ps *PoissonAuxiliarySample) incrementCount(a, b, n int) {
	key := pairKey(a, b)
	ps.transCounts[key] += float64(n)
	ps.sampleCounts[key]++
}

// Rate returns the uniformization rate of the category's dominating
// Poisson process.
func (ps *PoissonAuxiliarySample) Rate() float64 {
	return ps.rate
}

// TransitionCount returns the validated integral jump count of the
// branch between two adjacent nodes.
func (ps *PoissonAuxiliarySample) TransitionCount(a, b *tree.Node) int {
	return ctmc.CheckInt(ps.transCounts[pairKey(a.Id, b.Id)])
}

// SampleCount returns the validated integral number of sites of this
// category folded into the branch between two adjacent nodes.
func (ps *PoissonAuxiliarySample) SampleCount(a, b *tree.Node) int {
	return ctmc.CheckInt(ps.sampleCounts[pairKey(a.Id, b.Id)])
}

// SamplePoissonAuxiliaryVariables draws internal states from the
// posterior and, for every branch and site, the number of jumps of the
// uniformized process conditioned on the branch endpoints. The jump
// counts include virtual self-transitions of the dominating Poisson
// process and are kept per category, each sample carrying its
// category's uniformization rate.
func (m *Model) SamplePoissonAuxiliaryVariables(rnd *rand.Rand, obs Observations, t *tree.Tree, root *tree.Node) ([]*PoissonAuxiliarySample, *InternalSample, error) {
	is, err := m.SamplePosteriorInternalNodes(rnd, obs, t, root)
	if err != nil {
		return nil, nil, err
	}

	tc := newTransitionCache(m.mix)
	res := make([]*PoissonAuxiliarySample, m.mix.NCategories())
	for c := range res {
		res[c] = newPoissonAuxiliarySample(tc.sampler(c).MaxDepartureRate)
	}
	for _, e := range t.RootedEdges(root) {
		for s := 0; s < m.nSites; s++ {
			c := is.Category(s)
			start, err := is.State(e.Top, s)
			if err != nil {
				return nil, nil, err
			}
			end, err := is.State(e.Bot, s)
			if err != nil {
				return nil, nil, err
			}
			n, err := tc.sampler(c).SampleNTransitions(rnd, start, end, e.Length())
			if err != nil {
				return nil, nil, err
			}
			res[c].incrementCount(e.Top.Id, e.Bot.Id, n)
		}
	}
	return res, is, nil
}
