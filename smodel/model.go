// Package smodel implements a multi-category substitution model on a
// phylogenetic tree: mixture log-likelihood, exact prior and posterior
// sampling of internal states and categories, observation generation,
// endpoint-conditioned path sampling, uniformized auxiliary-variable
// sampling and exact expected sufficient statistics.
package smodel

import (
	"errors"
	"fmt"
	"math"

	"github.com/gonum/floats"
	"github.com/op/go-logging"

	"github.com/evolbio/phylomix/bio"
	"github.com/evolbio/phylomix/ctmc"
	"github.com/evolbio/phylomix/marginal"
	"github.com/evolbio/phylomix/mixture"
	"github.com/evolbio/phylomix/tree"
)

var log = logging.MustGetLogger("smodel")

// Model is a multi-category substitution model: a rate-matrix mixture
// applied to an alignment of a fixed number of sites. The model holds
// no per-tree state; every operation receives the tree and the rooting
// node and keeps its working caches on the call stack, so concurrent
// calls on one model are safe.
type Model struct {
	mix    mixture.RateMatrixMixture
	nSites int
}

// New creates a model for the given mixture and alignment length.
func New(mix mixture.RateMatrixMixture, nSites int) (*Model, error) {
	if mix.NCategories() < 1 {
		return nil, errors.New("mixture has no categories")
	}
	if nSites < 1 {
		return nil, errors.New("model needs at least one site")
	}
	return &Model{mix: mix, nSites: nSites}, nil
}

// NSites returns the alignment length.
func (m *Model) NSites() int {
	return m.nSites
}

// NCategories returns the number of mixture categories.
func (m *Model) NCategories() int {
	return m.mix.NCategories()
}

// Mixture returns the rate-matrix mixture.
func (m *Model) Mixture() mixture.RateMatrixMixture {
	return m.mix
}

// Observations holds per-node site-by-state observation factors,
// indexed by node id. A nil entry means the node is unobserved; a row
// of ones means missing data at that site.
type Observations [][][]float64

// ObservationsFromSequences builds leaf observation factors from an
// alignment, matching sequences to terminal node names. Ambiguous
// letters become all-ones rows.
func ObservationsFromSequences(t *tree.Tree, seqs bio.Sequences) (Observations, error) {
	nSites, err := seqs.Length()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(seqs))
	for _, seq := range seqs {
		byName[seq.Name] = seq.Sequence
	}

	obs := make(Observations, t.MaxNodeId()+1)
	for node := range t.Terminals() {
		seq, ok := byName[node.Name]
		if !ok {
			return nil, fmt.Errorf("no sequence for leaf %s", node.Name)
		}
		factor := make([][]float64, nSites)
		for s := 0; s < nSites; s++ {
			row := make([]float64, bio.NStates)
			if st := bio.StateNum(seq[s]); st != bio.NoState {
				row[st] = 1
			} else {
				for x := range row {
					row[x] = 1
				}
			}
			factor[s] = row
		}
		obs[node.Id] = factor
	}
	return obs, nil
}

// validateObservations checks that every terminal node carries a
// factor of the model's dimensions.
func (m *Model) validateObservations(obs Observations, t *tree.Tree) error {
	for node := range t.Terminals() {
		if node.Id >= len(obs) || obs[node.Id] == nil {
			return fmt.Errorf("leaf %s has no observations", node.Name)
		}
		if len(obs[node.Id]) != m.nSites {
			return fmt.Errorf("leaf %s has %d sites, expected %d",
				node.Name, len(obs[node.Id]), m.nSites)
		}
	}
	return nil
}

// transitionCache caches transition matrices and endpoint samplers per
// category for the duration of one engine call. It is never stored on
// the model, so concurrent calls stay independent.
type transitionCache struct {
	mix      mixture.RateMatrixMixture
	probs    []map[float64][][]float64
	samplers []*ctmc.EndPointSampler
}

func newTransitionCache(mix mixture.RateMatrixMixture) *transitionCache {
	return &transitionCache{
		mix:      mix,
		probs:    make([]map[float64][][]float64, mix.NCategories()),
		samplers: make([]*ctmc.EndPointSampler, mix.NCategories()),
	}
}

func (tc *transitionCache) transition(category int, t float64) ([][]float64, error) {
	if tc.probs[category] == nil {
		tc.probs[category] = make(map[float64][][]float64)
	}
	if p, ok := tc.probs[category][t]; ok {
		return p, nil
	}
	p, err := tc.mix.RateMatrix(category).TransitionMatrix(t)
	if err != nil {
		return nil, err
	}
	tc.probs[category][t] = p
	return p, nil
}

func (tc *transitionCache) sampler(category int) *ctmc.EndPointSampler {
	if tc.samplers[category] == nil {
		tc.samplers[category] = ctmc.NewEndPointSampler(tc.mix.RateMatrix(category))
	}
	return tc.samplers[category]
}

// buildFactorGraph assembles the factor graph of one category: the
// stationary distribution as a unary factor at the rooting node,
// transition matrices on every rooted edge, and the observation
// factors (pushed through the category's emission matrix if one is
// set). Observations may be nil for the unconditional graph.
func (m *Model) buildFactorGraph(tc *transitionCache, category int, obs Observations, t *tree.Tree, root *tree.Node) (*marginal.FactorGraph, error) {
	nStates := m.mix.NStates()
	fg := marginal.NewFactorGraph(t, root, m.nSites, nStates)

	chain := m.mix.RateMatrix(category)
	pi := chain.StationaryDistribution()
	rootFactor := make([][]float64, m.nSites)
	for s := range rootFactor {
		rootFactor[s] = pi
	}
	if err := fg.UnaryTimesEqual(root, rootFactor); err != nil {
		return nil, err
	}

	for _, e := range fg.Edges() {
		p, err := tc.transition(category, e.Length())
		if err != nil {
			return nil, err
		}
		if err := fg.SetBinary(e, p); err != nil {
			return nil, err
		}
	}

	if obs == nil {
		return fg, nil
	}
	emission := m.mix.Emission(category)
	for _, node := range t.Nodes() {
		if node.Id >= len(obs) || obs[node.Id] == nil {
			continue
		}
		factor := obs[node.Id]
		if emission != nil {
			factor = marginal.MarginalizeUnary(emission, factor)
		}
		if err := fg.UnaryTimesEqual(node, factor); err != nil {
			return nil, err
		}
	}
	return fg, nil
}

// categoryGraphs bundles the per-category sum-products of one
// conditioned call together with the per-site log-likelihoods and the
// posterior category weights.
type categoryGraphs struct {
	sps []*marginal.SumProduct
	// logJoint[category][site] is logPrior + per-site log
	// normalization.
	logJoint [][]float64
	// siteLogLike[site] is the log-sum-exp of logJoint over
	// categories.
	siteLogLike []float64
}

// posteriorGraphs runs sum-product for every category conditioned on
// the observations.
func (m *Model) posteriorGraphs(tc *transitionCache, obs Observations, t *tree.Tree, root *tree.Node) (*categoryGraphs, error) {
	if err := m.validateObservations(obs, t); err != nil {
		return nil, err
	}
	nCat := m.mix.NCategories()
	logPriors := m.mix.LogPriors()
	cg := &categoryGraphs{
		sps:         make([]*marginal.SumProduct, nCat),
		logJoint:    make([][]float64, nCat),
		siteLogLike: make([]float64, m.nSites),
	}
	for c := 0; c < nCat; c++ {
		fg, err := m.buildFactorGraph(tc, c, obs, t, root)
		if err != nil {
			return nil, err
		}
		sp, err := marginal.NewSumProduct(fg)
		if err != nil {
			return nil, err
		}
		cg.sps[c] = sp
		cg.logJoint[c] = sp.SiteLogNormalizations()
		for s := range cg.logJoint[c] {
			cg.logJoint[c][s] += logPriors[c]
		}
	}

	tmp := make([]float64, nCat)
	for s := 0; s < m.nSites; s++ {
		for c := 0; c < nCat; c++ {
			tmp[c] = cg.logJoint[c][s]
		}
		cg.siteLogLike[s] = floats.LogSumExp(tmp)
	}
	return cg, nil
}

// categoryWeight returns the posterior probability of a category at a
// site.
func (cg *categoryGraphs) categoryWeight(category, site int) float64 {
	return math.Exp(cg.logJoint[category][site] - cg.siteLogLike[site])
}

// PosteriorCategoryWeights returns the per-site posterior probability
// of every rate category, indexed by site then category.
func (m *Model) PosteriorCategoryWeights(obs Observations, t *tree.Tree, root *tree.Node) ([][]float64, error) {
	tc := newTransitionCache(m.mix)
	cg, err := m.posteriorGraphs(tc, obs, t, root)
	if err != nil {
		return nil, err
	}
	res := make([][]float64, m.nSites)
	for s := range res {
		res[s] = make([]float64, m.mix.NCategories())
		for c := range res[s] {
			res[s][c] = cg.categoryWeight(c, s)
		}
	}
	return res, nil
}

// LogLikelihood computes the mixture log-likelihood of the
// observations: per site, the categories are summed in log space, and
// the per-site logs are added up.
func (m *Model) LogLikelihood(obs Observations, t *tree.Tree, root *tree.Node) (float64, error) {
	tc := newTransitionCache(m.mix)
	cg, err := m.posteriorGraphs(tc, obs, t, root)
	if err != nil {
		return 0, err
	}
	res := floats.Sum(cg.siteLogLike)
	log.Debugf("lnL=%v", res)
	return res, nil
}
