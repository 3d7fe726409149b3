// Package marginal implements exact inference on tree-shaped discrete
// factor graphs: sum-product message passing with per-site scaling
// and exact prior/posterior sampling.
package marginal

import (
	"errors"
	"fmt"

	"github.com/evolbio/phylomix/tree"
)

// FactorGraph is a discrete factor graph over a tree rooted at an
// arbitrary node. Every node may carry a unary factor (site by state)
// and every rooted edge carries a binary factor (top state by bottom
// state). All factors share the same number of sites and states.
type FactorGraph struct {
	t       *tree.Tree
	root    *tree.Node
	nSites  int
	nStates int
	edges   []tree.Edge
	// unary and binary are indexed by node id; binary factors are
	// keyed by the bottom node of the rooted edge.
	unary  [][][]float64
	binary [][][]float64
	// children and tops of each node relative to the rooting.
	children [][]*tree.Node
	tops     []*tree.Node
}

// NewFactorGraph creates an empty factor graph for a tree rooted at
// the given node.
func NewFactorGraph(t *tree.Tree, root *tree.Node, nSites, nStates int) *FactorGraph {
	maxId := t.MaxNodeId() + 1
	fg := &FactorGraph{
		t:        t,
		root:     root,
		nSites:   nSites,
		nStates:  nStates,
		edges:    t.RootedEdges(root),
		unary:    make([][][]float64, maxId),
		binary:   make([][][]float64, maxId),
		children: make([][]*tree.Node, maxId),
		tops:     make([]*tree.Node, maxId),
	}
	for _, e := range fg.edges {
		fg.children[e.Top.Id] = append(fg.children[e.Top.Id], e.Bot)
		fg.tops[e.Bot.Id] = e.Top
	}
	return fg
}

// Top returns the neighbour of a node on the root side, nil for the
// root itself.
func (fg *FactorGraph) Top(node *tree.Node) *tree.Node {
	return fg.tops[node.Id]
}

// Tree returns the underlying tree.
func (fg *FactorGraph) Tree() *tree.Tree {
	return fg.t
}

// Root returns the rooting node.
func (fg *FactorGraph) Root() *tree.Node {
	return fg.root
}

// NSites returns the number of sites.
func (fg *FactorGraph) NSites() int {
	return fg.nSites
}

// NStates returns the alphabet size.
func (fg *FactorGraph) NStates() int {
	return fg.nStates
}

// Edges returns the rooted edges, parents before children.
func (fg *FactorGraph) Edges() []tree.Edge {
	return fg.edges
}

// Children returns the children of a node relative to the rooting.
func (fg *FactorGraph) Children(node *tree.Node) []*tree.Node {
	return fg.children[node.Id]
}

// UnaryTimesEqual multiplies a site-by-state factor into the node's
// unary factor.
func (fg *FactorGraph) UnaryTimesEqual(node *tree.Node, factor [][]float64) error {
	if len(factor) != fg.nSites {
		return fmt.Errorf("unary factor has %d sites, expected %d", len(factor), fg.nSites)
	}
	cur := fg.unary[node.Id]
	if cur == nil {
		cur = make([][]float64, fg.nSites)
		for s := range cur {
			cur[s] = make([]float64, fg.nStates)
			copy(cur[s], factor[s])
		}
		fg.unary[node.Id] = cur
		return nil
	}
	for s := range cur {
		for x := range cur[s] {
			cur[s][x] *= factor[s][x]
		}
	}
	return nil
}

// SetBinary sets the transition factor of a rooted edge. The factor
// is indexed by top state then bottom state.
func (fg *FactorGraph) SetBinary(e tree.Edge, factor [][]float64) error {
	if len(factor) != fg.nStates {
		return errors.New("binary factor does not match the alphabet")
	}
	fg.binary[e.Bot.Id] = factor
	return nil
}

// Unary returns the unary factor of a node, nil if unset.
func (fg *FactorGraph) Unary(node *tree.Node) [][]float64 {
	return fg.unary[node.Id]
}

// Binary returns the binary factor of a rooted edge.
func (fg *FactorGraph) Binary(e tree.Edge) [][]float64 {
	return fg.binary[e.Bot.Id]
}

// MarginalizeUnary pushes a unary factor defined over observation
// states through an emission matrix (latent state by observation
// state), producing a unary factor over latent states.
func MarginalizeUnary(emission [][]float64, factor [][]float64) [][]float64 {
	nLatent := len(emission)
	res := make([][]float64, len(factor))
	for s := range factor {
		res[s] = make([]float64, nLatent)
		for x := 0; x < nLatent; x++ {
			v := 0.0
			for y, f := range factor[s] {
				v += emission[x][y] * f
			}
			res[s][x] = v
		}
	}
	return res
}
