// Package mcem estimates substitution rate matrices by
// expectation-maximization on a fixed tree. The E-step computes
// expected sufficient statistics of the substitution process, either
// exactly or by Monte-Carlo path sampling; the M-step updates the rate
// matrix in closed form and optionally refits the discrete-gamma
// shape.
package mcem

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	lbfgsb "github.com/idavydov/go-lbfgsb"
	"github.com/op/go-logging"

	"github.com/evolbio/phylomix/checkpoint"
	"github.com/evolbio/phylomix/ctmc"
	"github.com/evolbio/phylomix/dist"
	"github.com/evolbio/phylomix/mixture"
	"github.com/evolbio/phylomix/smodel"
	"github.com/evolbio/phylomix/tree"
)

var log = logging.MustGetLogger("mcem")

// Shape bounds for the discrete-gamma refit.
const (
	minShape = 0.01
	maxShape = 100
)

// EM estimates a rate matrix (and optionally a discrete-gamma shape)
// from leaf observations on a fixed tree.
type EM struct {
	obs  smodel.Observations
	t    *tree.Tree
	root *tree.Node

	q     [][]float64
	shape float64
	nCat  int

	// NSamples is the number of Monte-Carlo path samples per sweep;
	// zero selects the exact E-step.
	NSamples int
	// FitShape enables refitting the discrete-gamma shape after
	// every rate matrix update.
	FitShape bool
	// UseMedian switches the gamma discretization to interval
	// medians.
	UseMedian bool

	rnd *rand.Rand
	chk *checkpoint.CheckpointIO

	l    float64
	iter int
}

// New creates an EM run starting from the given rate matrix and gamma
// shape. nCat is the number of discrete-gamma rate categories; one
// category means a homogeneous model and the shape is ignored.
func New(obs smodel.Observations, t *tree.Tree, root *tree.Node, q [][]float64, shape float64, nCat int, rnd *rand.Rand) (*EM, error) {
	if nCat < 1 {
		return nil, errors.New("at least one category required")
	}
	if nCat > 1 && shape <= 0 {
		return nil, errors.New("gamma shape must be positive")
	}
	em := &EM{
		obs:   obs,
		t:     t,
		root:  root,
		q:     copyMatrix(q),
		shape: shape,
		nCat:  nCat,
		rnd:   rnd,
	}
	return em, nil
}

// SetCheckpointIO enables saving and restoring EM state.
func (em *EM) SetCheckpointIO(chk *checkpoint.CheckpointIO) {
	em.chk = chk
}

// RateMatrix returns the current rate matrix estimate.
func (em *EM) RateMatrix() [][]float64 {
	return em.q
}

// Shape returns the current gamma shape estimate.
func (em *EM) Shape() float64 {
	return em.shape
}

// Likelihood returns the log-likelihood of the last sweep.
func (em *EM) Likelihood() float64 {
	return em.l
}

// Iter returns the number of completed sweeps.
func (em *EM) Iter() int {
	return em.iter
}

// categoryRates returns the discrete-gamma rate multipliers for a
// shape, a single unit rate for a one-category model.
func (em *EM) categoryRates(shape float64) []float64 {
	if em.nCat == 1 {
		return []float64{1}
	}
	return dist.DiscreteGamma(shape, shape, em.nCat, em.UseMedian, nil, nil)
}

// buildModel assembles the substitution model for the current
// parameter values.
func (em *EM) buildModel(nSites int) (*smodel.Model, []float64, error) {
	base, err := ctmc.NewCTMC(em.q)
	if err != nil {
		return nil, nil, err
	}
	rates := em.categoryRates(em.shape)
	chains := make([]*ctmc.CTMC, em.nCat)
	for c, r := range rates {
		chains[c], err = base.Scaled(r)
		if err != nil {
			return nil, nil, err
		}
	}
	mix, err := mixture.NewUniform(chains)
	if err != nil {
		return nil, nil, err
	}
	m, err := smodel.New(mix, nSites)
	if err != nil {
		return nil, nil, err
	}
	return m, rates, nil
}

// Run performs EM sweeps. A stored checkpoint is restored first; the
// state is saved periodically and after the final sweep.
func (em *EM) Run(nSweeps int) error {
	if em.chk != nil {
		data, err := em.chk.Load()
		if err != nil {
			return err
		}
		if data != nil {
			em.q = checkpoint.DataRateMatrix(data.RateMatrix, data.NStates)
			em.shape = data.Shape
			em.l = data.Likelihood
			em.iter = data.Iter
			if data.Final {
				return nil
			}
		}
	}

	nSites := 0
	for node := range em.t.Terminals() {
		if node.Id < len(em.obs) && em.obs[node.Id] != nil {
			nSites = len(em.obs[node.Id])
			break
		}
	}
	if nSites == 0 {
		return errors.New("no observations")
	}

	for ; em.iter < nSweeps; em.iter++ {
		m, rates, err := em.buildModel(nSites)
		if err != nil {
			return err
		}
		em.l, err = m.LogLikelihood(em.obs, em.t, em.root)
		if err != nil {
			return err
		}
		log.Infof("sweep %d: lnL=%v", em.iter, em.l)

		sojourn, trans, err := em.expectations(m)
		if err != nil {
			return err
		}
		if err := em.updateRates(rates, sojourn, trans); err != nil {
			return err
		}
		if em.FitShape && em.nCat > 1 {
			em.refitShape(sojourn, trans)
		}

		if em.chk != nil && em.chk.Old() {
			if err := em.save(false); err != nil {
				return err
			}
		}
	}

	if em.chk != nil {
		return em.save(true)
	}
	return nil
}

// expectations runs the E-step: per-category expected sojourn times
// and transition counts, exact or averaged over Monte-Carlo path
// samples.
func (em *EM) expectations(m *smodel.Model) ([][]float64, [][][]float64, error) {
	n := len(em.q)
	if em.NSamples == 0 {
		es, err := m.TotalExpectedStatistics(em.obs, em.t, em.root)
		if err != nil {
			return nil, nil, err
		}
		return es.SojournTimes, es.TransCounts, nil
	}

	stats := make([]*ctmc.PathStatistics, em.nCat)
	for c := range stats {
		stats[c] = ctmc.NewPathStatistics(n)
	}
	for i := 0; i < em.NSamples; i++ {
		if _, err := m.SamplePosteriorPaths(em.rnd, em.obs, em.t, em.root, stats, nil); err != nil {
			return nil, nil, err
		}
	}

	sojourn := make([][]float64, em.nCat)
	trans := make([][][]float64, em.nCat)
	for c := range stats {
		sojourn[c] = make([]float64, n)
		trans[c] = make([][]float64, n)
		for i := 0; i < n; i++ {
			sojourn[c][i] = stats[c].SojournTime(i) / float64(em.NSamples)
			trans[c][i] = make([]float64, n)
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				trans[c][i][j] = float64(stats[c].TransitionCount(i, j)) / float64(em.NSamples)
			}
		}
	}
	return sojourn, trans, nil
}

// updateRates is the closed-form M-step: each off-diagonal rate is the
// expected transition count divided by the effective waiting time. The
// per-category sojourn times are scaled back to the base chain by the
// category rate multipliers. States with no expected waiting time keep
// their rates.
func (em *EM) updateRates(rates []float64, sojourn [][]float64, trans [][][]float64) error {
	n := len(em.q)
	for i := 0; i < n; i++ {
		ti := 0.0
		for c := range sojourn {
			ti += rates[c] * sojourn[c][i]
		}
		if ti <= 0 {
			log.Warningf("state %d has no expected waiting time, keeping rates", i)
			continue
		}
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			nij := 0.0
			for c := range trans {
				nij += trans[c][i][j]
			}
			em.q[i][j] = nij / ti
			if math.IsNaN(em.q[i][j]) || math.IsInf(em.q[i][j], 0) {
				return fmt.Errorf("degenerate rate update q[%d][%d]=%v", i, j, em.q[i][j])
			}
		}
	}
	return nil
}

// shapeObjective is the negated expected complete-data log-likelihood
// as a function of the gamma shape: the category rate multipliers
// enter through the total transition counts and the departure-rate
// weighted sojourn times.
type shapeObjective struct {
	em *EM
	// nTrans[c] is the total expected transition count of the
	// category, depart[c] the sojourn time weighted by the departure
	// rates of the updated base chain.
	nTrans []float64
	depart []float64
	dH     float64
}

func (o *shapeObjective) EvaluateFunction(x []float64) float64 {
	shape := x[0]
	if shape < minShape || shape > maxShape {
		return math.Inf(1)
	}
	rates := o.em.categoryRates(shape)
	f := 0.0
	for c, r := range rates {
		if r <= 0 {
			return math.Inf(1)
		}
		f += o.nTrans[c]*math.Log(r) - r*o.depart[c]
	}
	return -f
}

func (o *shapeObjective) EvaluateGradient(x []float64) []float64 {
	l1 := o.EvaluateFunction([]float64{x[0] - o.dH})
	l2 := o.EvaluateFunction([]float64{x[0] + o.dH})
	return []float64{(l2 - l1) / 2 / o.dH}
}

// refitShape maximizes the expected complete-data log-likelihood over
// the gamma shape with bounded L-BFGS.
func (em *EM) refitShape(sojourn [][]float64, trans [][][]float64) {
	n := len(em.q)
	obj := &shapeObjective{
		em:     em,
		nTrans: make([]float64, em.nCat),
		depart: make([]float64, em.nCat),
		dH:     1e-6,
	}
	for c := 0; c < em.nCat; c++ {
		for i := 0; i < n; i++ {
			departure := 0.0
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				obj.nTrans[c] += trans[c][i][j]
				departure += em.q[i][j]
			}
			obj.depart[c] += sojourn[c][i] * departure
		}
	}

	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(1e-9)
	opt.SetGTolerance(1e-9)
	opt.SetBounds([][2]float64{{minShape, maxShape}})

	min, exitStatus := opt.Minimize(obj, []float64{em.shape})
	log.Debugf("shape refit exit status: %v", exitStatus)
	if len(min.X) != 1 || math.IsNaN(min.X[0]) ||
		min.X[0] < minShape || min.X[0] > maxShape {
		log.Warningf("shape refit returned %v, keeping shape %v", min.X, em.shape)
		return
	}
	log.Debugf("shape refit: %v -> %v", em.shape, min.X[0])
	em.shape = min.X[0]
}

// save writes the current EM state to the checkpoint database.
func (em *EM) save(final bool) error {
	return em.chk.Save(&checkpoint.CheckpointData{
		RateMatrix: checkpoint.RateMatrixData(em.q),
		NStates:    len(em.q),
		Shape:      em.shape,
		Likelihood: em.l,
		Iter:       em.iter,
		Final:      final,
	})
}

func copyMatrix(q [][]float64) [][]float64 {
	res := make([][]float64, len(q))
	for i := range q {
		res[i] = make([]float64, len(q[i]))
		copy(res[i], q[i])
	}
	return res
}
