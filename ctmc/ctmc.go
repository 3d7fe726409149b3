package ctmc

import (
	"errors"
	"fmt"
	"math"

	"github.com/gonum/matrix/mat64"
)

// CTMC is a continuous-time Markov chain: a rate matrix with its
// stationary distribution and eigendecomposition.
type CTMC struct {
	n  int
	em *EMatrix
	pi []float64
	cD *mat64.Dense
}

// NewCTMC creates a CTMC from a rate matrix. Off-diagonal entries
// must be non-negative; the diagonal is overwritten with negated row
// sums. The stationary distribution is computed from the rate matrix.
func NewCTMC(q [][]float64) (*CTMC, error) {
	n := len(q)
	if n < 2 {
		return nil, errors.New("rate matrix needs at least two states")
	}
	m := mat64.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		if len(q[i]) != n {
			return nil, errors.New("rate matrix isn't square")
		}
		rowSum := 0.0
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if q[i][j] < 0 {
				return nil, fmt.Errorf("negative rate q[%d][%d]=%v", i, j, q[i][j])
			}
			m.Set(i, j, q[i][j])
			rowSum += q[i][j]
		}
		m.Set(i, i, -rowSum)
	}

	pi, err := stationary(m)
	if err != nil {
		return nil, err
	}

	scale := 0.0
	for i := 0; i < n; i++ {
		scale += -pi[i] * m.At(i, i)
	}

	c := &CTMC{
		n:  n,
		em: NewEMatrix(m, scale),
		pi: pi,
		cD: mat64.NewDense(n, n, nil),
	}
	if err = c.em.Eigen(); err != nil {
		return nil, err
	}
	return c, nil
}

// stationary solves pi*Q = 0, sum(pi) = 1 for the stationary
// distribution.
func stationary(q *mat64.Dense) ([]float64, error) {
	n, _ := q.Dims()
	// Transpose Q and replace the last equation with the
	// normalization constraint.
	a := mat64.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, q.At(j, i))
		}
	}
	for j := 0; j < n; j++ {
		a.Set(n-1, j, 1)
	}
	ia := mat64.NewDense(n, n, nil)
	if err := ia.Inverse(a); err != nil {
		return nil, errors.New("rate matrix has no unique stationary distribution")
	}
	pi := make([]float64, n)
	for i := 0; i < n; i++ {
		v := ia.At(i, n-1)
		if v < 0 && v > -1e-12 {
			v = 0
		}
		if v < 0 {
			return nil, errors.New("negative stationary probability")
		}
		pi[i] = v
	}
	return pi, nil
}

// NStates returns the alphabet size.
func (c *CTMC) NStates() int {
	return c.n
}

// StationaryDistribution returns the stationary distribution.
func (c *CTMC) StationaryDistribution() []float64 {
	return c.pi
}

// Rate returns the rate q[i][j].
func (c *CTMC) Rate(i, j int) float64 {
	return c.em.Q.At(i, j)
}

// RateMatrix returns a copy of the rate matrix.
func (c *CTMC) RateMatrix() [][]float64 {
	q := make([][]float64, c.n)
	for i := 0; i < c.n; i++ {
		q[i] = make([]float64, c.n)
		for j := 0; j < c.n; j++ {
			q[i][j] = c.em.Q.At(i, j)
		}
	}
	return q
}

// MaxDepartureRate returns the largest total departure rate over
// states. It dominates the uniformized jump process.
func (c *CTMC) MaxDepartureRate() (rate float64) {
	for i := 0; i < c.n; i++ {
		if r := -c.em.Q.At(i, i); r > rate {
			rate = r
		}
	}
	return
}

// TransitionMatrix returns P=e^Qt as a state-by-state matrix.
func (c *CTMC) TransitionMatrix(t float64) ([][]float64, error) {
	if t < 0 {
		return nil, errors.New("negative branch length")
	}
	pm, err := c.em.Exp(c.cD, t)
	if err != nil {
		return nil, err
	}
	p := make([][]float64, c.n)
	for i := 0; i < c.n; i++ {
		p[i] = make([]float64, c.n)
		for j := 0; j < c.n; j++ {
			p[i][j] = pm.At(i, j)
		}
	}
	return p, nil
}

// Scaled returns a new CTMC with all rates multiplied by the given
// factor. The stationary distribution is unchanged.
func (c *CTMC) Scaled(rate float64) (*CTMC, error) {
	if rate < 0 {
		return nil, errors.New("negative rate multiplier")
	}
	q := c.RateMatrix()
	for i := range q {
		for j := range q[i] {
			q[i][j] *= rate
		}
	}
	return NewCTMC(q)
}

// NewJukesCantor creates an n-state symmetric rate matrix normalized
// to one expected substitution per unit time.
func NewJukesCantor(n int) (*CTMC, error) {
	q := make([][]float64, n)
	r := 1 / float64(n-1)
	for i := 0; i < n; i++ {
		q[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i != j {
				q[i][j] = r
			}
		}
	}
	return NewCTMC(q)
}

// NewHKY creates a 4-state HKY85 rate matrix with the given
// transition/transversion ratio and equilibrium frequencies (ACGT
// order), normalized to one expected substitution per unit time.
func NewHKY(kappa float64, freq []float64) (*CTMC, error) {
	if len(freq) != 4 {
		return nil, errors.New("HKY requires 4 frequencies")
	}
	q := make([][]float64, 4)
	for i := 0; i < 4; i++ {
		q[i] = make([]float64, 4)
		for j := 0; j < 4; j++ {
			if i == j {
				continue
			}
			q[i][j] = freq[j]
			if isTransition(i, j) {
				q[i][j] *= kappa
			}
		}
	}
	return newNormalized(q, freq)
}

// NewGTR creates a general time-reversible rate matrix from the
// upper-triangle exchangeabilities (AC, AG, AT, CG, CT, GT) and
// equilibrium frequencies, normalized to one expected substitution
// per unit time.
func NewGTR(exch []float64, freq []float64) (*CTMC, error) {
	if len(freq) != 4 || len(exch) != 6 {
		return nil, errors.New("GTR requires 4 frequencies and 6 exchangeabilities")
	}
	q := make([][]float64, 4)
	for i := range q {
		q[i] = make([]float64, 4)
	}
	k := 0
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			q[i][j] = exch[k] * freq[j]
			q[j][i] = exch[k] * freq[i]
			k++
		}
	}
	return newNormalized(q, freq)
}

// newNormalized rescales the off-diagonal rates so the expected rate
// under freq is one and builds the CTMC.
func newNormalized(q [][]float64, freq []float64) (*CTMC, error) {
	n := len(q)
	scale := 0.0
	for i := 0; i < n; i++ {
		rowSum := 0.0
		for j := 0; j < n; j++ {
			if i != j {
				rowSum += q[i][j]
			}
		}
		scale += freq[i] * rowSum
	}
	if scale < smallScale {
		return nil, errors.New("zero-scale rate matrix")
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				q[i][j] /= scale
			}
		}
	}
	return NewCTMC(q)
}

// isTransition returns true for A<->G and C<->T state pairs (ACGT
// order).
func isTransition(i, j int) bool {
	return (i == 0 && j == 2) || (i == 2 && j == 0) ||
		(i == 1 && j == 3) || (i == 3 && j == 1)
}

// CheckInt validates that an accumulated count is integral within
// tolerance and returns it as an int. Non-integral totals indicate a
// defect in accumulation and cause a panic.
func CheckInt(v float64) int {
	r := math.Round(v)
	if math.Abs(v-r) > 1e-6 {
		panic(fmt.Sprintf("count %v is not integral", v))
	}
	return int(r)
}
