package dist

import (
	"math"
	"testing"
)

const smallDiff = 1e-8

func TestQuantileGammaExponential(tst *testing.T) {
	// For alpha=beta=1 the gamma distribution is exponential and
	// the quantile has a closed form.
	for _, prob := range []float64{0.01, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99} {
		q := QuantileGamma(prob, 1, 1)
		ref := -math.Log(1 - prob)
		if math.Abs(q-ref) > smallDiff {
			tst.Error("Expected ", ref, ", got", q, "for prob", prob)
		}
	}
}

func TestQuantileGammaInverts(tst *testing.T) {
	for _, alpha := range []float64{0.2, 0.5, 1, 2, 10} {
		beta := alpha
		for _, prob := range []float64{0.05, 0.3, 0.5, 0.8, 0.95} {
			q := QuantileGamma(prob, alpha, beta)
			p := IncompleteGamma(q*beta, alpha)
			if math.Abs(p-prob) > smallDiff {
				tst.Error("Quantile does not invert CDF: alpha=", alpha,
					"prob=", prob, "got", p)
			}
		}
	}
}

func TestDiscreteGammaMean(tst *testing.T) {
	for _, alpha := range []float64{0.3, 0.7, 1, 2.5} {
		for _, useMedian := range []bool{false, true} {
			r := DiscreteGamma(alpha, alpha, 4, useMedian, nil, nil)
			mean := 0.0
			for _, v := range r {
				mean += v
			}
			mean /= float64(len(r))
			if math.Abs(mean-1) > 1e-6 {
				tst.Error("Expected mean rate 1, got", mean,
					"for alpha", alpha, "median", useMedian)
			}
			for i := 1; i < len(r); i++ {
				if r[i] <= r[i-1] {
					tst.Error("Rates are not increasing:", r)
				}
			}
		}
	}
}

func TestDiscreteBetaMean(tst *testing.T) {
	p, q := 2.0, 3.0
	for _, useMedian := range []bool{false, true} {
		r := DiscreteBeta(p, q, 5, useMedian, nil, nil)
		mean := 0.0
		for _, v := range r {
			if v < 0 || v > 1 {
				tst.Error("Beta category out of [0,1]:", v)
			}
			mean += v
		}
		mean /= float64(len(r))
		if math.Abs(mean-p/(p+q)) > 1e-6 {
			tst.Error("Expected mean", p/(p+q), ", got", mean)
		}
	}
}
