package tree

import (
	"bytes"
	"testing"
)

const (
	tree1 = "((a:1,b:2):3,c:1):0;"
	tree2 = "(((s1:0.3,s2:0.1):0.2,s3:0.5):0.1,s4:0.7):0;"
)

func TestParse(tst *testing.T) {
	t, err := ParseNewick(bytes.NewBufferString(tree1))
	if err != nil {
		tst.Error("Error parsing tree", err)
	}
	if t.NLeaves() != 3 {
		tst.Error("Expected 3 leaves, got", t.NLeaves())
	}
	if t.NNodes() != 5 {
		tst.Error("Expected 5 nodes, got", t.NNodes())
	}
	if t.String() != "((a:1.000000,b:2.000000):3.000000,c:1.000000):0.000000;" {
		tst.Error("Error parsing tree, got:", t)
	}
}

func TestCopy(tst *testing.T) {
	t, err := ParseNewick(bytes.NewBufferString(tree2))
	if err != nil {
		tst.Error("Error parsing tree", err)
	}
	nt := t.Copy()
	if nt.String() != t.String() {
		tst.Error("Copy differs from the original tree")
	}
	// Copy must be independent.
	for node := range nt.Walker(nil) {
		node.BranchLength *= 2
	}
	if nt.String() == t.String() {
		tst.Error("Copy shares nodes with the original tree")
	}
}

func TestNodeOrder(tst *testing.T) {
	t, err := ParseNewick(bytes.NewBufferString(tree2))
	if err != nil {
		tst.Error("Error parsing tree", err)
	}
	seen := make(map[*Node]bool)
	for node := range t.Terminals() {
		seen[node] = true
	}
	for _, node := range t.NodeOrder() {
		for _, child := range node.ChildNodes() {
			if !seen[child] {
				tst.Error("Child visited after parent in node order")
			}
		}
		seen[node] = true
	}
	if !seen[t.Node] {
		tst.Error("Root missing from node order")
	}
}

func TestRootedEdges(tst *testing.T) {
	t, err := ParseNewick(bytes.NewBufferString(tree2))
	if err != nil {
		tst.Error("Error parsing tree", err)
	}

	edges := t.RootedEdges(t.Node)
	if len(edges) != t.NNodes()-1 {
		tst.Error("Expected", t.NNodes()-1, "edges, got", len(edges))
	}
	for _, e := range edges {
		if e.Bot.Parent != e.Top {
			tst.Error("Edge direction mismatch for root rooting")
		}
		if e.Length() != e.Bot.BranchLength {
			tst.Error("Wrong branch length for edge")
		}
	}

	// Re-root at a leaf: edge count is invariant, every node is
	// reached, and the first edge points away from the new root.
	var leaf *Node
	for node := range t.Terminals() {
		leaf = node
		break
	}
	edges = t.RootedEdges(leaf)
	if len(edges) != t.NNodes()-1 {
		tst.Error("Expected", t.NNodes()-1, "edges, got", len(edges))
	}
	if edges[0].Top != leaf {
		tst.Error("First edge should start at the new root")
	}
	reached := make(map[*Node]bool)
	reached[leaf] = true
	for _, e := range edges {
		if !reached[e.Top] {
			tst.Error("Edge top not visited before bottom")
		}
		reached[e.Bot] = true
	}
	if len(reached) != t.NNodes() {
		tst.Error("Not all nodes reached by rooted edges")
	}
}
