package ctmc

import (
	"errors"
	"math"

	"github.com/gonum/matrix/mat64"
)

// BranchStatistics holds closed-form expected sufficient statistics
// for one branch: expected time spent in each state and expected
// number of each state-pair transition, marginalized over unobserved
// paths.
type BranchStatistics struct {
	SojournTimes     []float64
	TransitionCounts [][]float64
}

// ExpectedBranchStatistics integrates expected sojourn times and
// transition counts over a branch of the given length, weighted by
// the joint endpoint count matrix (counts[a][b] is the expected
// number of sites whose endpoint states are a and b). The
// computation uses the eigendecomposition integral
//
//	J[p][q] = int_0^t exp(d_p s) exp(d_q (t-s)) ds,
//
// so no simulation is involved. Endpoint pairs with zero transition
// probability contribute nothing.
func (c *CTMC) ExpectedBranchStatistics(counts [][]float64, t float64) (*BranchStatistics, error) {
	n := c.n
	if len(counts) != n {
		return nil, errors.New("count matrix does not match the alphabet")
	}
	if t < 0 {
		return nil, errors.New("negative branch length")
	}

	em := c.em
	if em.v == nil {
		if err := em.Eigen(); err != nil {
			return nil, err
		}
	}

	p, err := c.TransitionMatrix(t)
	if err != nil {
		return nil, err
	}

	// Endpoint counts normalized by the endpoint probability.
	cn := mat64.NewDense(n, n, nil)
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			if counts[a][b] == 0 || p[a][b] <= 0 {
				continue
			}
			cn.Set(a, b, counts[a][b]/p[a][b])
		}
	}

	// A = V^T * Cn * (V^-1)^T, so that
	// A[p][q] = sum_ab Cn[a][b] V[a][p] iv[q][b].
	a := mat64.NewDense(n, n, nil)
	a.Mul(em.v.T(), cn)
	a.Mul(a, em.iv.T())

	// H = A (elementwise*) J.
	h := mat64.NewDense(n, n, nil)
	for pi := 0; pi < n; pi++ {
		dp := em.d.At(pi, pi)
		for qi := 0; qi < n; qi++ {
			dq := em.d.At(qi, qi)
			var j float64
			if math.Abs(dp-dq) < 1e-12 {
				j = t * math.Exp(dp*t)
			} else {
				j = (math.Exp(dp*t) - math.Exp(dq*t)) / (dp - dq)
			}
			h.Set(pi, qi, a.At(pi, qi)*j)
		}
	}

	// M = (V^-1)^T * H * V^T:
	// M[i][j] = sum_pq iv[p][i] H[p][q] V[j][q].
	m := mat64.NewDense(n, n, nil)
	m.Mul(em.iv.T(), h)
	m.Mul(m, em.v.T())

	res := &BranchStatistics{
		SojournTimes:     make([]float64, n),
		TransitionCounts: make([][]float64, n),
	}
	for i := 0; i < n; i++ {
		res.SojournTimes[i] = math.Max(0, m.At(i, i))
		res.TransitionCounts[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			res.TransitionCounts[i][j] = math.Max(0, c.Rate(i, j)*m.At(i, j))
		}
	}
	return res, nil
}
