// Package ctmc implements continuous-time Markov chains over a finite
// alphabet: rate matrices, transition probabilities via
// eigendecomposition, endpoint-conditioned path sampling by
// uniformization and closed-form expected sufficient statistics.
package ctmc

import (
	"errors"
	"math"

	"github.com/gonum/matrix/mat64"
)

// smallScale is a small value such that if Q-scale multiplied by time
// is less than it, the transition matrix is replaced by identity.
const smallScale = 1e-30

// EMatrix stores a Q-matrix and its eigendecomposition to quickly
// compute e^Qt.
type EMatrix struct {
	// Q is the rate matrix.
	Q *mat64.Dense
	// Scale is the matrix scale.
	Scale float64
	v     *mat64.Dense
	d     *mat64.Dense
	iv    *mat64.Dense
}

// NewEMatrix creates a new EMatrix.
func NewEMatrix(Q *mat64.Dense, scale float64) *EMatrix {
	return &EMatrix{Q: Q, Scale: scale}
}

// Copy creates a copy of EMatrix while saving eigendecomposition.
func (m *EMatrix) Copy() (newM *EMatrix) {
	newM = &EMatrix{Scale: m.Scale}
	if m.Q != nil {
		newM.Q = m.Q
	}
	if m.v != nil {
		newM.v = m.v
	}
	if m.d != nil {
		newM.d = m.d
	}
	if m.iv != nil {
		newM.iv = m.iv
	}
	return
}

// Set sets Q-matrix and its scale.
func (m *EMatrix) Set(Q *mat64.Dense, scale float64) {
	m.Q = Q
	m.Scale = scale
	m.v = nil
}

// Eigen performs eigendecomposition.
func (m *EMatrix) Eigen() (err error) {
	if m.v != nil {
		return nil
	}
	rows, cols := m.Q.Dims()
	if m.iv == nil {
		m.iv = mat64.NewDense(cols, rows, nil)
	}

	var decomp mat64.Eigen
	if ok := decomp.Factorize(m.Q, false, true); !ok {
		return errors.New("eigendecomposition failed")
	}
	m.v = decomp.Vectors()
	m.d = mat64.NewDense(rows, cols, nil)
	for i, ev := range decomp.Values(nil) {
		if math.Abs(imag(ev)) > 1e-8 {
			return errors.New("got complex eigenvalues")
		}
		m.d.Set(i, i, real(ev))
	}
	err = m.iv.Inverse(m.v)
	if err != nil {
		return err
	}
	return nil
}

// Exp computes P=e^Qt, using cD as a scratch diagonal matrix.
func (m *EMatrix) Exp(cD *mat64.Dense, t float64) (*mat64.Dense, error) {
	rows, cols := m.Q.Dims()
	if cols != rows {
		return nil, errors.New("Q isn't a square matrix")
	}
	if m.v == nil {
		if err := m.Eigen(); err != nil {
			return nil, err
		}
	}
	if m.Scale*t < smallScale {
		return identityMatrix(rows), nil
	}
	// This is a dirty hack to allow 0-scale matricies
	if math.IsInf(t, 1) {
		t = math.MaxFloat64
	}

	for i := 0; i < rows; i++ {
		cD.Set(i, i, math.Exp(m.d.At(i, i)*t))
	}
	res := mat64.NewDense(cols, rows, nil)
	res.Mul(m.v, cD)
	res.Mul(res, m.iv)
	// Remove slightly negative values
	res.Apply(func(r, c int, v float64) float64 {
		return math.Max(0, v)
	}, res)
	return res, nil
}

// identityMatrix creates an identity matrix of the given size.
func identityMatrix(size int) (m *mat64.Dense) {
	m = mat64.NewDense(size, size, nil)
	for i := 0; i < size; i++ {
		m.Set(i, i, 1)
	}
	return
}
