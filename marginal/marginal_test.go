package marginal

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/evolbio/phylomix/tree"
)

const (
	testTree  = "((a:1,b:2):0.5,c:1):0;"
	smallDiff = 1e-9
)

// buildTestGraph creates a 2-state factor graph over the test tree
// with fixed leaf observations and a stationary unary at the root.
func buildTestGraph(tst *testing.T, nSites int) (*FactorGraph, *tree.Tree) {
	t, err := tree.ParseNewick(bytes.NewBufferString(testTree))
	if err != nil {
		tst.Fatal("Error parsing tree:", err)
	}
	fg := NewFactorGraph(t, t.Node, nSites, 2)

	p := [][]float64{
		{0.8, 0.2},
		{0.3, 0.7},
	}
	for _, e := range fg.Edges() {
		if err := fg.SetBinary(e, p); err != nil {
			tst.Fatal("Error setting binary factor:", err)
		}
	}

	root := make([][]float64, nSites)
	for s := range root {
		root[s] = []float64{0.6, 0.4}
	}
	if err := fg.UnaryTimesEqual(t.Node, root); err != nil {
		tst.Fatal("Error setting root unary:", err)
	}

	leafState := map[string]int{"a": 0, "b": 1, "c": 0}
	for node := range t.Terminals() {
		obs := make([][]float64, nSites)
		for s := range obs {
			obs[s] = []float64{0, 0}
			obs[s][leafState[node.Name]] = 1
		}
		if err := fg.UnaryTimesEqual(node, obs); err != nil {
			tst.Fatal("Error setting leaf unary:", err)
		}
	}
	return fg, t
}

// bruteForce sums the unnormalized joint over all state assignments;
// if fix is not nil, the given node is fixed to the given state.
func bruteForce(fg *FactorGraph, fix *tree.Node, fixState int) float64 {
	nodes := fg.Tree().Nodes()
	n := len(nodes)
	assign := make([]int, n)
	var total float64
	var rec func(i int)
	rec = func(i int) {
		if i == n {
			v := 1.0
			for _, node := range nodes {
				if u := fg.Unary(node); u != nil {
					v *= u[0][assign[node.Id]]
				}
			}
			for _, e := range fg.Edges() {
				v *= fg.Binary(e)[assign[e.Top.Id]][assign[e.Bot.Id]]
			}
			total += v
			return
		}
		if fix != nil && nodes[i] == fix {
			assign[nodes[i].Id] = fixState
			rec(i + 1)
			return
		}
		for x := 0; x < fg.NStates(); x++ {
			assign[nodes[i].Id] = x
			rec(i + 1)
		}
	}
	rec(0)
	return total
}

func TestSiteLogNormalizations(tst *testing.T) {
	fg, _ := buildTestGraph(tst, 1)
	sp, err := NewSumProduct(fg)
	if err != nil {
		tst.Fatal("Error running sum-product:", err)
	}
	logZ := sp.SiteLogNormalizations()
	ref := math.Log(bruteForce(fg, nil, 0))
	if math.Abs(logZ[0]-ref) > smallDiff {
		tst.Error("Expected ", ref, ", got", logZ[0])
	}
}

func TestNodeMarginals(tst *testing.T) {
	fg, t := buildTestGraph(tst, 1)
	sp, err := NewSumProduct(fg)
	if err != nil {
		tst.Fatal("Error running sum-product:", err)
	}
	z := bruteForce(fg, nil, 0)
	for _, node := range t.Nodes() {
		m := sp.NodeMarginal(node)
		sum := 0.0
		for x := 0; x < fg.NStates(); x++ {
			ref := bruteForce(fg, node, x) / z
			if math.Abs(m[0][x]-ref) > smallDiff {
				tst.Error("Marginal mismatch at node", node.Id,
					"state", x, ": expected", ref, ", got", m[0][x])
			}
			sum += m[0][x]
		}
		if math.Abs(sum-1) > smallDiff {
			tst.Error("Marginal does not sum to one at node", node.Id)
		}
	}
}

func TestMessagesMatchMarginals(tst *testing.T) {
	fg, _ := buildTestGraph(tst, 1)
	sp, err := NewSumProduct(fg)
	if err != nil {
		tst.Fatal("Error running sum-product:", err)
	}
	// The product rule: the top marginal restricted through the
	// edge equals sum_k of the joint; check messages are proper
	// distributions.
	for _, e := range fg.Edges() {
		up, err := sp.Message(e.Bot, e.Top)
		if err != nil {
			tst.Fatal("Error getting message:", err)
		}
		down, err := sp.Message(e.Top, e.Bot)
		if err != nil {
			tst.Fatal("Error getting message:", err)
		}
		for _, msg := range [][][]float64{up, down} {
			sum := 0.0
			for x := 0; x < fg.NStates(); x++ {
				sum += msg[0][x]
			}
			if math.Abs(sum-1) > smallDiff {
				tst.Error("Message not normalized:", msg[0])
			}
		}
	}
}

func TestPosteriorSampler(tst *testing.T) {
	fg, t := buildTestGraph(tst, 1)
	sp, err := NewSumProduct(fg)
	if err != nil {
		tst.Fatal("Error running sum-product:", err)
	}
	es := PosteriorSampler(sp)
	rnd := rand.New(rand.NewSource(3))

	const nSample = 20000
	counts := make(map[int][]float64)
	for _, node := range t.Nodes() {
		counts[node.Id] = make([]float64, fg.NStates())
	}
	for i := 0; i < nSample; i++ {
		sample, err := es.Sample(rnd)
		if err != nil {
			tst.Fatal("Error sampling:", err)
		}
		for _, node := range t.Nodes() {
			oneHot := sample[node.Id][0]
			n := 0
			for x, v := range oneHot {
				if v == 1 {
					n++
					counts[node.Id][x]++
				} else if v != 0 {
					tst.Fatal("Not a one-hot vector:", oneHot)
				}
			}
			if n != 1 {
				tst.Fatal("Not a one-hot vector:", oneHot)
			}
		}
	}

	for _, node := range t.Nodes() {
		m := sp.NodeMarginal(node)
		for x := 0; x < fg.NStates(); x++ {
			emp := counts[node.Id][x] / nSample
			if math.Abs(emp-m[0][x]) > 0.02 {
				tst.Error("Empirical marginal", emp, "far from exact",
					m[0][x], "at node", node.Id)
			}
		}
	}
}

func TestPriorSampler(tst *testing.T) {
	t, err := tree.ParseNewick(bytes.NewBufferString(testTree))
	if err != nil {
		tst.Fatal("Error parsing tree:", err)
	}
	fg := NewFactorGraph(t, t.Node, 1, 2)
	p := [][]float64{
		{0.9, 0.1},
		{0.4, 0.6},
	}
	for _, e := range fg.Edges() {
		if err := fg.SetBinary(e, p); err != nil {
			tst.Fatal("Error setting binary factor:", err)
		}
	}
	if err := fg.UnaryTimesEqual(t.Node, [][]float64{{0.3, 0.7}}); err != nil {
		tst.Fatal("Error setting root unary:", err)
	}

	es := PriorSampler(fg)
	rnd := rand.New(rand.NewSource(5))
	const nSample = 20000
	rootCount := 0.0
	for i := 0; i < nSample; i++ {
		sample, err := es.Sample(rnd)
		if err != nil {
			tst.Fatal("Error sampling:", err)
		}
		rootCount += sample[t.Node.Id][0][0]
	}
	if math.Abs(rootCount/nSample-0.3) > 0.02 {
		tst.Error("Prior root distribution off:", rootCount/nSample)
	}
}
