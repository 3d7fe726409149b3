// Package tree provides phylogenetic trees with branch lengths,
// newick parsing and traversal helpers.
package tree

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode is a newick parser state.
type Mode int

// Parser states.
const (
	NORMAL Mode = iota
	LENGTH
	CLASS
)

// Tree is a rooted tree with a root node and node caches.
type Tree struct {
	*Node
	nNodes    int
	nodes     []*Node
	nodeOrder []*Node
}

// ClearCache clears node caches. Call after modifying the topology.
func (tree *Tree) ClearCache() {
	tree.nNodes = 0
	tree.nodes = nil
	tree.nodeOrder = nil
}

// NNodes returns the total number of nodes.
func (tree *Tree) NNodes() int {
	if tree.nNodes == 0 {
		tree.nNodes = tree.NSubNodes()
	}
	return tree.nNodes
}

// Nodes returns all the nodes indexed by node id.
func (tree *Tree) Nodes() []*Node {
	if tree.nodes == nil {
		tree.nodes = make([]*Node, tree.NNodes())
		for node := range tree.Walker(nil) {
			tree.nodes[node.Id] = node
		}
	}
	return tree.nodes
}

// MaxNodeId returns the largest node id.
func (tree *Tree) MaxNodeId() (maxId int) {
	for node := range tree.Walker(nil) {
		if node.Id > maxId {
			maxId = node.Id
		}
	}
	return
}

// Terminals returns a channel with all the terminal nodes.
func (tree *Tree) Terminals() <-chan *Node {
	return tree.Walker(func(n *Node) bool {
		return n.IsTerminal()
	})
}

// NonTerminals returns a channel with all the internal nodes.
func (tree *Tree) NonTerminals() <-chan *Node {
	return tree.Walker(func(node *Node) bool {
		return !node.IsTerminal()
	})
}

// Leaves returns a slice with all the terminal nodes.
func (tree *Tree) Leaves() (leaves []*Node) {
	for node := range tree.Terminals() {
		leaves = append(leaves, node)
	}
	return
}

// NLeaves returns the number of terminal nodes.
func (tree *Tree) NLeaves() (i int) {
	for range tree.Terminals() {
		i++
	}
	return
}

// Walker returns a channel iterating over nodes matching the filter.
func (tree *Tree) Walker(filter func(*Node) bool) <-chan *Node {
	ch := make(chan *Node, tree.NNodes())
	tree.Walk(ch, filter)
	close(ch)
	return ch
}

// Copy creates independent copy of the tree.
func (tree *Tree) Copy() (newTree *Tree) {
	nNodes := tree.NNodes()
	newTree = &Tree{
		nNodes:    nNodes,
		nodes:     make([]*Node, nNodes),
		nodeOrder: make([]*Node, len(tree.NodeOrder())),
	}

	for i, node := range tree.Nodes() {
		if i != node.Id {
			panic("node id mismatch")
		}
		newTree.nodes[i] = node.Copy()
	}

	for i, node := range tree.Nodes() {
		newNode := newTree.nodes[i]
		for _, child := range node.childNodes {
			newNode.AddChild(newTree.nodes[child.Id])
		}
	}

	for i, node := range tree.NodeOrder() {
		newTree.nodeOrder[i] = newTree.nodes[node.Id]
	}

	newTree.Node = newTree.nodes[0]

	return
}

// NodeOrder returns internal nodes in post-order, i.e. every node
// comes after all of its children.
func (tree *Tree) NodeOrder() []*Node {
	if tree.nodeOrder == nil {
		tree.nodeOrder = make([]*Node, 0, tree.NNodes())
		computed := make(map[*Node]bool, tree.NNodes())
		awaiting := make(chan *Node, tree.NNodes()*2)
		for node := range tree.Terminals() {
			computed[node] = true
			awaiting <- node.Parent
		}

		for node := range awaiting {
			if node == nil {
				break
			}
			if computed[node] {
				continue
			}
			allComputed := true
			for _, childNode := range node.ChildNodes() {
				if !computed[childNode] {
					allComputed = false
					break
				}
			}
			if !allComputed {
				awaiting <- node
			} else {
				tree.nodeOrder = append(tree.nodeOrder, node)
				computed[node] = true
				awaiting <- node.Parent
			}
		}
	}
	return tree.nodeOrder
}

// Edge is a directed edge of a tree rooted at an arbitrary node. Top
// is the endpoint closer to the chosen root.
type Edge struct {
	Top *Node
	Bot *Node
}

// Length returns the branch length of the edge. The length is stored
// on the child side of the original rooting, which is independent of
// the rooting choice.
func (e Edge) Length() float64 {
	if e.Bot.Parent == e.Top {
		return e.Bot.BranchLength
	}
	if e.Top.Parent == e.Bot {
		return e.Top.BranchLength
	}
	panic("nodes are not adjacent")
}

// RootedEdges enumerates directed edges of the tree rooted at the
// given node. Every edge points away from root; parent edges appear
// before child edges.
func (tree *Tree) RootedEdges(root *Node) (edges []Edge) {
	edges = make([]Edge, 0, tree.NNodes()-1)
	stack := []*Node{root}
	visited := make(map[*Node]bool, tree.NNodes())
	visited[root] = true
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, adj := range node.Neighbors() {
			if visited[adj] {
				continue
			}
			visited[adj] = true
			edges = append(edges, Edge{Top: node, Bot: adj})
			stack = append(stack, adj)
		}
	}
	return
}

// Node is a node of a tree.
type Node struct {
	Name         string
	BranchLength float64
	Parent       *Node
	childNodes   []*Node
	Id           int
	LeafId       int
	Class        int
}

// NewNode creates a new node.
func NewNode(parent *Node, nodeId int) (node *Node) {
	node = &Node{Parent: parent, Id: nodeId}
	return
}

// Copy creates copy of node with empty parent and children.
func (node *Node) Copy() *Node {
	return &Node{
		Name:         node.Name,
		BranchLength: node.BranchLength,
		childNodes:   make([]*Node, 0, len(node.childNodes)),
		Id:           node.Id,
		LeafId:       node.LeafId,
		Class:        node.Class,
	}
}

// AddChild adds a child node.
func (node *Node) AddChild(subNode *Node) {
	subNode.Parent = node
	node.childNodes = append(node.childNodes, subNode)
}

// ChildNodes returns the children of the node.
func (node *Node) ChildNodes() []*Node {
	return node.childNodes
}

// Neighbors returns all adjacent nodes (parent and children).
func (node *Node) Neighbors() (nbrs []*Node) {
	nbrs = make([]*Node, 0, len(node.childNodes)+1)
	if node.Parent != nil {
		nbrs = append(nbrs, node.Parent)
	}
	nbrs = append(nbrs, node.childNodes...)
	return
}

// String returns the node subtree in newick format.
func (node *Node) String() (s string) {
	if node.IsTerminal() {
		return fmt.Sprintf("%s:%0.6f", node.Name, node.BranchLength)
	}
	s += "("
	for i, child := range node.childNodes {
		s += child.String()
		if i != len(node.childNodes)-1 {
			s += ","
		}
	}
	s += fmt.Sprintf("):%0.6f", node.BranchLength)
	if node.IsRoot() {
		s += ";"
	}
	return s
}

// LongString returns a verbose representation of a node.
func (node *Node) LongString() (s string) {
	s = "<"
	if node.Parent == nil {
		s += "root, "
	}
	if node.Name != "" {
		s += "name=" + node.Name + ", "
	}
	s += fmt.Sprintf("Id=%v, BranchLength=%v", node.Id, node.BranchLength)
	if node.IsTerminal() {
		s += fmt.Sprintf(", TipId=%v", node.LeafId)
	}
	if node.Class != 0 {
		s += fmt.Sprintf(", Class=%v", node.Class)
	}
	s += ">"
	return
}

// FullString returns a verbose multiline representation of a subtree.
func (node *Node) FullString() string {
	return strings.TrimSpace(node.prefixString(""))
}

func (node *Node) prefixString(prefix string) (s string) {
	s = prefix + node.LongString() + "\n"
	for _, node := range node.childNodes {
		s += node.prefixString(prefix + "    ")
	}
	return
}

// Walk sends nodes of a subtree matching the filter to the channel.
func (node *Node) Walk(ch chan *Node, filter func(*Node) bool) {
	if filter == nil || filter(node) {
		ch <- node
	}
	for _, node := range node.childNodes {
		node.Walk(ch, filter)
	}
}

// NSubNodes returns the number of nodes in a subtree.
func (node *Node) NSubNodes() (size int) {
	for _, node := range node.childNodes {
		size += node.NSubNodes()
	}
	return size + 1
}

// IsRoot returns true if the node has no parent.
func (node *Node) IsRoot() bool {
	return node.Parent == nil
}

// IsTerminal returns true if the node has no children.
func (node *Node) IsTerminal() bool {
	return len(node.childNodes) == 0
}

// IsSpecial returns true for newick special characters.
func IsSpecial(c rune) bool {
	switch c {
	case '(', ')', ':', '#', ';', ',':
		return true
	}
	return false
}

// NewickSplit is a bufio.SplitFunc for newick tokens.
func NewickSplit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	// Skip leading spaces; and return 1-char tokens.
	for width := 0; start < len(data); start += width {
		var r rune
		r, width = utf8.DecodeRune(data[start:])
		if IsSpecial(r) {
			return start + width, data[start : start+width], nil
		}
		if !unicode.IsSpace(r) {
			break
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// Scan until space or special character.
	for width, i := 0, start; i < len(data); i += width {
		var r rune
		r, width = utf8.DecodeRune(data[i:])
		if unicode.IsSpace(r) || IsSpecial(r) {
			return i, data[start:i], nil
		}
	}
	// If we're at EOF, we have a final, non-empty, non-terminated word. Return it.
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	// Request more data.
	return 0, nil, nil
}

// ParseNewick parses a newick tree from a reader.
func ParseNewick(rd io.Reader) (tree *Tree, err error) {
	scanner := bufio.NewScanner(rd)

	scanner.Split(NewickSplit)

	nodeId := 0
	leafId := 0

	node := NewNode(nil, nodeId)
	tree = &Tree{Node: node}
	nodeId++

	mode := NORMAL

	for scanner.Scan() {
		text := scanner.Text()
		switch text {
		case "(":
			subNode := NewNode(nil, nodeId)
			nodeId++
			if node != nil {
				node.AddChild(subNode)
			}
			node = subNode

		case ",":
			if node.Parent == nil {
				return nil, errors.New("top level comma mismatch")
			}
			subNode := NewNode(nil, nodeId)
			nodeId++

			node.Parent.AddChild(subNode)
			node = subNode

		case ")":
			if node.Parent == nil {
				return nil, errors.New("brackets mismatch")
			}
			node = node.Parent
		case "#":
			mode = CLASS
		case ":":
			mode = LENGTH
		case ";":
			return
		default:
			switch mode {
			case LENGTH:
				l, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, err
				}
				node.BranchLength = l
				mode = NORMAL
			case CLASS:
				cl, err := strconv.ParseInt(text, 0, 0)
				if err != nil {
					return nil, err
				}
				node.Class = int(cl)
				mode = NORMAL
			default:
				node.LeafId = leafId
				leafId++
				node.Name = text
			}
		}
	}

	return
}
