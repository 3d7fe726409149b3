package ctmc

import (
	"math"
	"math/rand"
	"testing"
)

const smallDiff = 1e-9

func TestJukesCantorTransition(tst *testing.T) {
	c, err := NewJukesCantor(4)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}

	pi := c.StationaryDistribution()
	for _, v := range pi {
		if math.Abs(v-0.25) > smallDiff {
			tst.Error("Expected uniform stationary distribution, got", pi)
		}
	}

	// Closed form for a unit-mean JC chain:
	// P[i][i] = 1/4 + 3/4 exp(-4t/3).
	for _, t := range []float64{0, 0.1, 1, 5} {
		p, err := c.TransitionMatrix(t)
		if err != nil {
			tst.Fatal("Error exponentiating:", err)
		}
		same := 0.25 + 0.75*math.Exp(-4*t/3)
		diff := 0.25 - 0.25*math.Exp(-4*t/3)
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				ref := diff
				if i == j {
					ref = same
				}
				if math.Abs(p[i][j]-ref) > 1e-8 {
					tst.Error("Expected ", ref, ", got", p[i][j], "for t=", t)
				}
			}
		}
	}
}

func TestHKYStationary(tst *testing.T) {
	freq := []float64{0.1, 0.2, 0.3, 0.4}
	c, err := NewHKY(2, freq)
	if err != nil {
		tst.Fatal("Error creating HKY matrix:", err)
	}
	pi := c.StationaryDistribution()
	for i, v := range pi {
		if math.Abs(v-freq[i]) > 1e-8 {
			tst.Error("Expected stationary", freq, ", got", pi)
		}
	}
	// Unit expected rate after normalization.
	rate := 0.0
	for i := 0; i < 4; i++ {
		rate += -pi[i] * c.Rate(i, i)
	}
	if math.Abs(rate-1) > 1e-8 {
		tst.Error("Expected unit rate, got", rate)
	}
}

func TestTransitionRowSums(tst *testing.T) {
	c, err := NewGTR([]float64{1, 2, 1, 1, 3, 1}, []float64{0.3, 0.2, 0.2, 0.3})
	if err != nil {
		tst.Fatal("Error creating GTR matrix:", err)
	}
	p, err := c.TransitionMatrix(0.42)
	if err != nil {
		tst.Fatal("Error exponentiating:", err)
	}
	for i := range p {
		sum := 0.0
		for _, v := range p[i] {
			if v < 0 {
				tst.Error("Negative transition probability", v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-8 {
			tst.Error("Transition row does not sum to one:", sum)
		}
	}
}

func TestTransitionSemigroup(tst *testing.T) {
	c, err := NewGTR([]float64{1, 2, 1, 1, 3, 1}, []float64{0.3, 0.2, 0.2, 0.3})
	if err != nil {
		tst.Fatal("Error creating GTR matrix:", err)
	}
	p1, err := c.TransitionMatrix(0.3)
	if err != nil {
		tst.Fatal("Error exponentiating:", err)
	}
	p2, err := c.TransitionMatrix(0.5)
	if err != nil {
		tst.Fatal("Error exponentiating:", err)
	}
	p3, err := c.TransitionMatrix(0.8)
	if err != nil {
		tst.Fatal("Error exponentiating:", err)
	}
	// P(s) P(t) = P(s+t); a wrong eigendecomposition breaks this.
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := 0.0
			for k := 0; k < 4; k++ {
				v += p1[i][k] * p2[k][j]
			}
			if math.Abs(v-p3[i][j]) > 1e-8 {
				tst.Error("Expected", p3[i][j], ", got", v, "for", i, j)
			}
		}
	}
}

func TestEndPointZeroBranch(tst *testing.T) {
	c, err := NewJukesCantor(4)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}
	s := NewEndPointSampler(c)
	rnd := rand.New(rand.NewSource(1))

	n, err := s.SampleNTransitions(rnd, 2, 2, 0)
	if err != nil {
		tst.Error("Unexpected error for equal endpoints:", err)
	}
	if n != 0 {
		tst.Error("Expected 0 transitions on a zero branch, got", n)
	}

	_, err = s.SampleNTransitions(rnd, 0, 3, 0)
	if err == nil {
		tst.Error("Expected error for differing endpoints on a zero branch")
	}
}

func TestEndPointSampleConsistency(tst *testing.T) {
	c, err := NewHKY(2, []float64{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		tst.Fatal("Error creating HKY matrix:", err)
	}
	s := NewEndPointSampler(c)
	rnd := rand.New(rand.NewSource(42))

	const t = 0.7
	for i := 0; i < 200; i++ {
		start := rnd.Intn(4)
		end := rnd.Intn(4)
		stats := NewPathStatistics(4)
		var path Path
		err = s.Sample(rnd, start, end, t, stats, &path)
		if err != nil {
			tst.Fatal("Error sampling path:", err)
		}
		if path.FirstState() != start || path.LastState() != end {
			tst.Error("Path endpoints mismatch:", path.FirstState(), path.LastState())
		}
		if math.Abs(path.TotalTime()-t) > smallDiff {
			tst.Error("Path duration mismatch:", path.TotalTime())
		}
		total := 0.0
		for st := 0; st < 4; st++ {
			total += stats.SojournTime(st)
		}
		if math.Abs(total-t) > smallDiff {
			tst.Error("Sojourn times don't sum to branch length:", total)
		}
		// Real transitions in the path match the statistics.
		nTrans := 0
		for st := 0; st < 4; st++ {
			for st2 := 0; st2 < 4; st2++ {
				if st != st2 {
					nTrans += stats.TransitionCount(st, st2)
				}
			}
		}
		if nTrans != path.NSegments()-1 {
			tst.Error("Expected ", path.NSegments()-1, "transitions, got", nTrans)
		}
	}
}

func TestExpectedBranchStatistics(tst *testing.T) {
	c, err := NewHKY(2, []float64{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		tst.Fatal("Error creating HKY matrix:", err)
	}

	const t = 0.9
	p, err := c.TransitionMatrix(t)
	if err != nil {
		tst.Fatal("Error exponentiating:", err)
	}

	// One site starting from every state, endpoints distributed
	// according to the transition probabilities.
	counts := make([][]float64, 4)
	nSites := 0.0
	for a := 0; a < 4; a++ {
		counts[a] = make([]float64, 4)
		for b := 0; b < 4; b++ {
			counts[a][b] = p[a][b]
			nSites += p[a][b]
		}
	}

	bs, err := c.ExpectedBranchStatistics(counts, t)
	if err != nil {
		tst.Fatal("Error computing expected statistics:", err)
	}

	// Total expected sojourn time equals branch length times the
	// number of sites.
	total := 0.0
	for _, v := range bs.SojournTimes {
		if v < 0 {
			tst.Error("Negative expected sojourn time", v)
		}
		total += v
	}
	if math.Abs(total-t*nSites) > 1e-6 {
		tst.Error("Expected total sojourn", t*nSites, ", got", total)
	}

	for i := 0; i < 4; i++ {
		if bs.TransitionCounts[i][i] != 0 {
			tst.Error("Diagonal transition count must be zero")
		}
	}
}

func TestExpectedMatchesSampling(tst *testing.T) {
	if testing.Short() {
		tst.Skip("skipping test in short mode.")
	}
	c, err := NewJukesCantor(4)
	if err != nil {
		tst.Fatal("Error creating JC matrix:", err)
	}
	const (
		t       = 0.8
		nSample = 20000
		start   = 0
		end     = 1
	)

	counts := make([][]float64, 4)
	for i := range counts {
		counts[i] = make([]float64, 4)
	}
	counts[start][end] = 1

	bs, err := c.ExpectedBranchStatistics(counts, t)
	if err != nil {
		tst.Fatal("Error computing expected statistics:", err)
	}

	s := NewEndPointSampler(c)
	rnd := rand.New(rand.NewSource(7))
	stats := NewPathStatistics(4)
	for i := 0; i < nSample; i++ {
		err = s.Sample(rnd, start, end, t, stats, nil)
		if err != nil {
			tst.Fatal("Error sampling path:", err)
		}
	}

	for st := 0; st < 4; st++ {
		mc := stats.SojournTime(st) / nSample
		if math.Abs(mc-bs.SojournTimes[st]) > 0.02 {
			tst.Error("Sojourn time mismatch for state", st,
				": sampled", mc, ", expected", bs.SojournTimes[st])
		}
	}
}
