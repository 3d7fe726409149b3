// Package dist implements discretizations of the gamma and beta
// distributions used for rate mixtures.
package dist

import (
	"math"

	"github.com/gonum/mathext"
)

// IncompleteGamma returns the incomplete gamma ratio I(x,alpha) where
// x is the upper limit of the integration and alpha is the shape
// parameter.
func IncompleteGamma(x, alpha float64) float64 {
	return mathext.GammaInc(alpha, x)
}

// QuantileNormal returns quantile for normal distribution.
func QuantileNormal(prob float64) float64 {
	return mathext.NormalQuantile(prob)
}

// QuantileGamma returns z so that Prob{x<z}=prob where x is gamma
// distributed with the given shape and rate. A Wilson-Hilferty
// starting point is refined with safeguarded Newton iterations on the
// incomplete gamma ratio.
func QuantileGamma(prob, alpha, beta float64) float64 {
	const (
		tol     = 1e-12
		maxIter = 100
	)
	if prob <= 0 {
		return 0
	}
	if prob >= 1 {
		return math.Inf(1)
	}

	// Wilson-Hilferty approximation for the chi2 quantile with
	// df=2*alpha, converted to the gamma scale.
	v := 2 * alpha
	p1 := 2. / (9 * v)
	x := QuantileNormal(prob)
	ch := v * math.Pow(x*math.Sqrt(p1)+1-p1, 3)
	if ch <= 0 || math.IsNaN(ch) {
		ch = v
	}
	q := ch / (2 * beta)

	lg, _ := math.Lgamma(alpha)
	lo, hi := 0.0, math.Inf(1)
	for i := 0; i < maxIter; i++ {
		f := IncompleteGamma(q*beta, alpha) - prob
		if f > 0 {
			hi = q
		} else {
			lo = q
		}
		// Gamma density at q.
		pdf := math.Exp((alpha-1)*math.Log(q*beta)-q*beta-lg) * beta
		var nq float64
		if pdf > 0 {
			nq = q - f/pdf
		}
		if pdf <= 0 || nq <= lo || (nq >= hi && !math.IsInf(hi, 1)) {
			// Newton step left the bracket; bisect instead.
			if math.IsInf(hi, 1) {
				nq = q * 2
			} else {
				nq = (lo + hi) / 2
			}
		}
		if math.Abs(nq-q) <= tol*(1+q) {
			return nq
		}
		q = nq
	}
	return q
}

// CDFBeta returns the incomplete beta function ratio I_x(p, q).
func CDFBeta(x, pin, qin float64) float64 {
	return mathext.RegIncBeta(pin, qin, x)
}

// QuantileBeta calculates the quantile of the beta distribution.
func QuantileBeta(prob, p, q float64) float64 {
	return mathext.InvRegIncBeta(p, q, prob)
}

// DiscreteGamma discretizes G(alpha, beta) into K categories with
// equal proportions. If useMedian is false, each category value is
// the conditional mean on its quantile interval (Yang 1994, eqs. 9
// and 10); otherwise the interval median is used. The result is
// rescaled so the mean equals alpha/beta. tmp and res may be nil or
// reusable buffers of length K.
func DiscreteGamma(alpha, beta float64, K int, useMedian bool, tmp, res []float64) []float64 {
	mean := alpha / beta
	if res == nil {
		res = make([]float64, K)
	}
	if tmp == nil {
		tmp = make([]float64, K)
	}

	if useMedian {
		t := 0.0
		for i := 0; i < K; i++ {
			res[i] = QuantileGamma((float64(i)*2+1)/(2*float64(K)), alpha, beta)
			t += res[i]
		}
		// Rescale so that the mean is alpha/beta.
		for i := 0; i < K; i++ {
			res[i] *= mean * float64(K) / t
		}
		return res
	}

	// Cutting points between categories.
	for i := 0; i < K-1; i++ {
		tmp[i] = QuantileGamma((float64(i)+1)/float64(K), alpha, beta)
	}
	for i := 0; i < K-1; i++ {
		tmp[i] = IncompleteGamma(tmp[i]*beta, alpha+1)
	}
	res[0] = tmp[0] * mean * float64(K)
	for i := 1; i < K-1; i++ {
		res[i] = (tmp[i] - tmp[i-1]) * mean * float64(K)
	}
	res[K-1] = (1 - tmp[K-2]) * mean * float64(K)

	return res
}

// DiscreteBeta discretizes beta(p, q) into K categories with equal
// proportions, rescaled to keep the mean p/(p+q).
func DiscreteBeta(p, q float64, K int, useMedian bool, tmp, res []float64) []float64 {
	mean := p / (p + q)
	if res == nil {
		res = make([]float64, K)
	}
	if tmp == nil {
		tmp = make([]float64, K)
	}

	if useMedian {
		t := 0.0
		for i := 0; i < K; i++ {
			res[i] = QuantileBeta((float64(i)+0.5)/float64(K), p, q)
			t += res[i]
		}
		for i := 0; i < K; i++ {
			res[i] *= mean * float64(K) / t
		}
		return res
	}

	for i := 0; i < K-1; i++ {
		tmp[i] = QuantileBeta((float64(i)+1)/float64(K), p, q)
	}
	tmp[K-1] = 1

	prevCdf := CDFBeta(tmp[0], p+1, q)
	res[0] = prevCdf * mean * float64(K)
	for i := 1; i < K; i++ {
		currCdf := CDFBeta(tmp[i], p+1, q)
		res[i] = (currCdf - prevCdf) * mean * float64(K)
		prevCdf = currCdf
	}

	// Keep category values inside their quantile intervals; fall
	// back to the median and then to the interval midpoint.
	for i := 0; i < K; i++ {
		lower := 0.0
		upper := tmp[i]
		if i > 0 {
			lower = tmp[i-1]
		}
		if res[i] < lower || res[i] > upper {
			res[i] = QuantileBeta((float64(i)+0.5)/float64(K), p, q)
			if res[i] < lower || res[i] > upper {
				res[i] = (upper + lower) / 2
			}
		}
	}

	return res
}
