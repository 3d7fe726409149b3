package marginal

import (
	"fmt"
	"math"

	"github.com/gonum/floats"

	"github.com/evolbio/phylomix/tree"
)

// SumProduct runs exact message passing on a tree-shaped factor
// graph. Messages are normalized per site with accumulated log scales
// so long trees and many sites do not underflow.
type SumProduct struct {
	fg *FactorGraph
	// upMsg[botId][site] is the message sent from the bottom node
	// of a rooted edge towards the root, defined over the top
	// node's states.
	upMsg [][][]float64
	// upLogScale[botId][site] accumulates the log normalization of
	// the subtree below the edge.
	upLogScale [][]float64
	// downMsg[botId][site] is the message sent from the top node of
	// a rooted edge away from the root, defined over the bottom
	// node's states, normalized per site.
	downMsg  [][][]float64
	downDone bool
}

// NewSumProduct computes the upward message pass for a factor graph.
func NewSumProduct(fg *FactorGraph) (*SumProduct, error) {
	maxId := len(fg.unary)
	sp := &SumProduct{
		fg:         fg,
		upMsg:      make([][][]float64, maxId),
		upLogScale: make([][]float64, maxId),
		downMsg:    make([][][]float64, maxId),
	}

	edges := fg.Edges()
	// Children before parents.
	for i := len(edges) - 1; i >= 0; i-- {
		e := edges[i]
		p := fg.Binary(e)
		if p == nil {
			return nil, fmt.Errorf("edge %v-%v has no binary factor", e.Top.Id, e.Bot.Id)
		}
		belief := sp.beliefBelow(e.Bot)
		msg := make([][]float64, fg.nSites)
		scale := make([]float64, fg.nSites)
		for s := 0; s < fg.nSites; s++ {
			msg[s] = make([]float64, fg.nStates)
			for j := 0; j < fg.nStates; j++ {
				v := 0.0
				for k := 0; k < fg.nStates; k++ {
					v += p[j][k] * belief[s][k]
				}
				msg[s][j] = v
			}
			var logNorm float64
			logNorm, msg[s] = normalize(msg[s])
			scale[s] = logNorm
			for _, child := range fg.Children(e.Bot) {
				scale[s] += sp.upLogScale[child.Id][s]
			}
		}
		sp.upMsg[e.Bot.Id] = msg
		sp.upLogScale[e.Bot.Id] = scale
	}
	return sp, nil
}

// beliefBelow multiplies the node's unary factor with the upward
// messages of its children. Missing factors act as all-ones.
func (sp *SumProduct) beliefBelow(node *tree.Node) [][]float64 {
	fg := sp.fg
	belief := make([][]float64, fg.nSites)
	unary := fg.unary[node.Id]
	for s := 0; s < fg.nSites; s++ {
		belief[s] = make([]float64, fg.nStates)
		for x := 0; x < fg.nStates; x++ {
			v := 1.0
			if unary != nil {
				v = unary[s][x]
			}
			for _, child := range fg.Children(node) {
				v *= sp.upMsg[child.Id][s][x]
			}
			belief[s][x] = v
		}
	}
	return belief
}

// SiteLogNormalizations returns the per-site log normalization of the
// root marginal, i.e. the per-site log-likelihood of the factor
// graph.
func (sp *SumProduct) SiteLogNormalizations() []float64 {
	fg := sp.fg
	belief := sp.beliefBelow(fg.root)
	res := make([]float64, fg.nSites)
	for s := 0; s < fg.nSites; s++ {
		res[s] = math.Log(floats.Sum(belief[s]))
		for _, child := range fg.Children(fg.root) {
			res[s] += sp.upLogScale[child.Id][s]
		}
	}
	return res
}

// RootMarginal returns the per-site normalized marginal distribution
// at the root.
func (sp *SumProduct) RootMarginal() [][]float64 {
	return sp.NodeMarginal(sp.fg.root)
}

// NodeMarginal returns the per-site normalized marginal distribution
// of any node.
func (sp *SumProduct) NodeMarginal(node *tree.Node) [][]float64 {
	sp.computeDown()
	fg := sp.fg
	belief := sp.beliefBelow(node)
	down := sp.downMsg[node.Id]
	for s := 0; s < fg.nSites; s++ {
		if down != nil {
			for x := 0; x < fg.nStates; x++ {
				belief[s][x] *= down[s][x]
			}
		}
		_, belief[s] = normalize(belief[s])
	}
	return belief
}

// Message returns the per-site normalized message sent from one
// endpoint of an edge to the other. The message is defined over the
// destination node's states.
func (sp *SumProduct) Message(from, to *tree.Node) ([][]float64, error) {
	if sp.fg.Top(from) == to {
		return sp.upMsg[from.Id], nil
	}
	if sp.fg.Top(to) == from {
		sp.computeDown()
		return sp.downMsg[to.Id], nil
	}
	return nil, fmt.Errorf("nodes %d and %d do not share an edge", from.Id, to.Id)
}

// computeDown runs the downward pass once.
func (sp *SumProduct) computeDown() {
	if sp.downDone {
		return
	}
	sp.downDone = true
	fg := sp.fg
	for _, e := range fg.Edges() {
		p := fg.Binary(e)
		top := e.Top
		// Belief at the top node excluding the contribution
		// coming through this edge.
		partial := make([][]float64, fg.nSites)
		unary := fg.unary[top.Id]
		down := sp.downMsg[top.Id]
		for s := 0; s < fg.nSites; s++ {
			partial[s] = make([]float64, fg.nStates)
			for x := 0; x < fg.nStates; x++ {
				v := 1.0
				if unary != nil {
					v = unary[s][x]
				}
				if down != nil {
					v *= down[s][x]
				}
				for _, sib := range fg.Children(top) {
					if sib == e.Bot {
						continue
					}
					v *= sp.upMsg[sib.Id][s][x]
				}
				partial[s][x] = v
			}
		}
		msg := make([][]float64, fg.nSites)
		for s := 0; s < fg.nSites; s++ {
			msg[s] = make([]float64, fg.nStates)
			for k := 0; k < fg.nStates; k++ {
				v := 0.0
				for j := 0; j < fg.nStates; j++ {
					v += p[j][k] * partial[s][j]
				}
				msg[s][k] = v
			}
			_, msg[s] = normalize(msg[s])
		}
		sp.downMsg[e.Bot.Id] = msg
	}
}

// normalize scales a vector to sum one and returns the log of the
// normalization constant. A zero vector is returned unchanged with a
// -Inf log norm.
func normalize(v []float64) (float64, []float64) {
	sum := floats.Sum(v)
	if sum <= 0 {
		return math.Inf(-1), v
	}
	for i := range v {
		v[i] /= sum
	}
	return math.Log(sum), v
}
