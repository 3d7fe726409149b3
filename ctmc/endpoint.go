package ctmc

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/gonum/matrix/mat64"
)

// maxJumps caps the number of uniformized jumps considered on one
// branch. Reaching it means the Poisson tail mass is numerically
// degenerate.
const maxJumps = 100000

// EndPointSampler draws continuous-time trajectories between two
// fixed endpoint states over a fixed duration, using uniformization:
// the process is dominated by a Poisson process of candidate jumps
// (including self-jumps) at MaxDepartureRate.
type EndPointSampler struct {
	ctmc *CTMC
	// MaxDepartureRate is the dominating (uniformization) rate.
	MaxDepartureRate float64
	b                *mat64.Dense
	bPowers          []*mat64.Dense
	pCache           map[float64][][]float64
}

// NewEndPointSampler creates a sampler for one CTMC.
func NewEndPointSampler(c *CTMC) *EndPointSampler {
	s := &EndPointSampler{
		ctmc:             c,
		MaxDepartureRate: c.MaxDepartureRate(),
		pCache:           make(map[float64][][]float64),
	}
	n := c.NStates()
	if s.MaxDepartureRate > 0 {
		// B = I + Q/rate, the jump chain of the uniformized
		// process.
		s.b = mat64.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v := c.Rate(i, j) / s.MaxDepartureRate
				if i == j {
					v++
				}
				s.b.Set(i, j, v)
			}
		}
	}
	s.bPowers = []*mat64.Dense{identityMatrix(n)}
	return s
}

// bPower returns B^k, extending the power cache as needed.
func (s *EndPointSampler) bPower(k int) *mat64.Dense {
	for len(s.bPowers) <= k {
		n := s.ctmc.NStates()
		next := mat64.NewDense(n, n, nil)
		next.Mul(s.bPowers[len(s.bPowers)-1], s.b)
		s.bPowers = append(s.bPowers, next)
	}
	return s.bPowers[k]
}

// transitionProbabilities returns P(t), cached per branch length.
func (s *EndPointSampler) transitionProbabilities(t float64) ([][]float64, error) {
	if p, ok := s.pCache[t]; ok {
		return p, nil
	}
	p, err := s.ctmc.TransitionMatrix(t)
	if err != nil {
		return nil, err
	}
	s.pCache[t] = p
	return p, nil
}

// SampleNTransitions draws the number of uniformized jumps needed to
// connect startState to endState over time t. Zero elapsed time with
// equal endpoints yields zero jumps; with differing endpoints the
// path is impossible and an error is returned.
func (s *EndPointSampler) SampleNTransitions(rnd *rand.Rand, startState, endState int, t float64) (int, error) {
	if t == 0 || s.MaxDepartureRate == 0 {
		if startState == endState {
			return 0, nil
		}
		return 0, fmt.Errorf("impossible endpoint-conditioned path: states %d and %d with elapsed time %v",
			startState, endState, t)
	}

	p, err := s.transitionProbabilities(t)
	if err != nil {
		return 0, err
	}
	pab := p[startState][endState]
	if pab <= 0 {
		return 0, fmt.Errorf("endpoint pair (%d,%d) has zero probability over time %v",
			startState, endState, t)
	}

	// n ~ Poisson(rate*t) weighted by (B^n)[start][end], by
	// inversion against the marginal pab.
	u := rnd.Float64() * pab
	mu := s.MaxDepartureRate * t
	pois := math.Exp(-mu)
	cum := 0.0
	for n := 0; n < maxJumps; n++ {
		cum += pois * s.bPower(n).At(startState, endState)
		if cum >= u {
			return n, nil
		}
		pois *= mu / float64(n+1)
	}
	return 0, errors.New("uniformization did not converge")
}

// Sample draws one endpoint-conditioned trajectory and folds its
// sojourn times and transitions into stats. If path is not nil, the
// full segment sequence is recorded there as well.
func (s *EndPointSampler) Sample(rnd *rand.Rand, startState, endState int, t float64, stats *PathStatistics, path *Path) error {
	n, err := s.SampleNTransitions(rnd, startState, endState, t)
	if err != nil {
		return err
	}

	// Jump chain states: uniform order statistics give the jump
	// times, backward products of B give the states.
	states := make([]int, n+1)
	states[0] = startState
	states[n] = endState
	weights := make([]float64, s.ctmc.NStates())
	for k := 1; k < n; k++ {
		back := s.bPower(n - k)
		for j := range weights {
			weights[j] = s.b.At(states[k-1], j) * back.At(j, endState)
		}
		states[k], err = sampleIndex(rnd, weights)
		if err != nil {
			return err
		}
	}

	times := make([]float64, n)
	for i := range times {
		times[i] = rnd.Float64() * t
	}
	sort.Float64s(times)

	cur := states[0]
	prev := 0.0
	for k := 0; k < n; k++ {
		dt := times[k] - prev
		stats.AddSojourn(cur, dt)
		if path != nil {
			path.AddSegment(cur, dt)
		}
		next := states[k+1]
		if next != cur {
			// Real transition; self-jumps are virtual.
			stats.AddTransition(cur, next)
		}
		cur = next
		prev = times[k]
	}
	stats.AddSojourn(cur, t-prev)
	if path != nil {
		path.AddSegment(cur, t-prev)
	}
	return nil
}

// sampleIndex draws an index proportionally to the weights.
func sampleIndex(rnd *rand.Rand, weights []float64) (int, error) {
	total := 0.0
	for _, w := range weights {
		if w < 0 {
			return 0, fmt.Errorf("negative sampling weight %v", w)
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
