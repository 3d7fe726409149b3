// Package mixture provides finite rate-matrix mixtures for
// multi-category substitution models: a set of CTMCs over a shared
// state space with prior category weights and an optional emission
// matrix from latent to observed states.
package mixture

import (
	"errors"
	"fmt"
	"math"

	"github.com/evolbio/phylomix/ctmc"
	"github.com/evolbio/phylomix/dist"
)

// RateMatrixMixture is a finite mixture of rate matrices. All
// categories share the same state space. Emission returns the
// category's latent-to-observed emission matrix, nil when states are
// observed directly.
type RateMatrixMixture interface {
	NCategories() int
	NStates() int
	RateMatrix(category int) *ctmc.CTMC
	LogPriors() []float64
	Emission(category int) [][]float64
}

// Weighted is a mixture of explicit CTMCs with explicit prior
// weights.
type Weighted struct {
	chains    []*ctmc.CTMC
	logPriors []float64
}

// NewWeighted creates a mixture from chains and prior weights. The
// weights must be positive and are normalized to sum one.
func NewWeighted(chains []*ctmc.CTMC, weights []float64) (*Weighted, error) {
	if len(chains) == 0 {
		return nil, errors.New("mixture needs at least one category")
	}
	if len(weights) != len(chains) {
		return nil, fmt.Errorf("%d weights for %d categories", len(weights), len(chains))
	}
	n := chains[0].NStates()
	total := 0.0
	for i, c := range chains {
		if c.NStates() != n {
			return nil, errors.New("mixture categories have different state spaces")
		}
		if weights[i] <= 0 {
			return nil, fmt.Errorf("non-positive category weight %v", weights[i])
		}
		total += weights[i]
	}
	logPriors := make([]float64, len(weights))
	for i, w := range weights {
		logPriors[i] = math.Log(w / total)
	}
	return &Weighted{chains: chains, logPriors: logPriors}, nil
}

// NewSingle creates a one-category mixture.
func NewSingle(chain *ctmc.CTMC) *Weighted {
	return &Weighted{chains: []*ctmc.CTMC{chain}, logPriors: []float64{0}}
}

// NewUniform creates a mixture with equal prior weights.
func NewUniform(chains []*ctmc.CTMC) (*Weighted, error) {
	weights := make([]float64, len(chains))
	for i := range weights {
		weights[i] = 1
	}
	return NewWeighted(chains, weights)
}

// NewDiscreteGamma creates a discrete-gamma rate mixture: the base
// chain is rescaled by K equiprobable gamma rate categories with shape
// alpha and mean one.
func NewDiscreteGamma(base *ctmc.CTMC, alpha float64, K int, useMedian bool) (*Weighted, error) {
	if K < 1 {
		return nil, errors.New("mixture needs at least one category")
	}
	if alpha <= 0 {
		return nil, errors.New("gamma shape must be positive")
	}
	rates := dist.DiscreteGamma(alpha, alpha, K, useMedian, nil, nil)
	chains := make([]*ctmc.CTMC, K)
	for i, r := range rates {
		c, err := base.Scaled(r)
		if err != nil {
			return nil, err
		}
		chains[i] = c
	}
	return NewUniform(chains)
}

// NCategories returns the number of mixture categories.
func (m *Weighted) NCategories() int {
	return len(m.chains)
}

// NStates returns the shared alphabet size.
func (m *Weighted) NStates() int {
	return m.chains[0].NStates()
}

// RateMatrix returns the CTMC of a category.
func (m *Weighted) RateMatrix(category int) *ctmc.CTMC {
	return m.chains[category]
}

// LogPriors returns the log prior weights, summing to one in
// probability space.
func (m *Weighted) LogPriors() []float64 {
	return m.logPriors
}

// Emission returns nil; states of a Weighted mixture are observed
// directly.
func (m *Weighted) Emission(category int) [][]float64 {
	return nil
}

// Emitting wraps a mixture with a shared latent-to-observed emission
// matrix.
type Emitting struct {
	RateMatrixMixture
	emission [][]float64
}

// NewEmitting attaches an emission matrix (latent state by observed
// state) to an existing mixture.
func NewEmitting(m RateMatrixMixture, emission [][]float64) (*Emitting, error) {
	if len(emission) != m.NStates() {
		return nil, errors.New("emission matrix does not match the latent alphabet")
	}
	return &Emitting{RateMatrixMixture: m, emission: emission}, nil
}

// Emission returns the shared emission matrix.
func (m *Emitting) Emission(category int) [][]float64 {
	return m.emission
}
