// Package usage implements the per-call-frame gas usage accounting tree.
//
// A Tree is created for one transaction execution. Each call frame of the
// execution owns a Node holding one coefficient cell per cost Category.
// Nodes live in an arena owned by the tree: the root is index 0, children are
// stored as indices and a node's id equals its creation order (root id 1).
//
// Trees produced by the same transaction under two cost schedules can be
// flattened into report records and compared structurally.
package usage

import (
	"fmt"
	"iter"
)

// State is the completion state of a frame.
type State uint8

const (
	NotStarted State = iota
	CompletedSuccess
	CompletedFailed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case CompletedSuccess:
		return "COMPLETED_SUCCESS"
	case CompletedFailed:
		return "COMPLETED_FAILED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Outcome is the verdict of comparing a live tree with a simulated one.
type Outcome uint8

const (
	// Invalid is the initial outcome of every node and the verdict for
	// frames that never completed.
	Invalid Outcome = iota
	Good
	Bad
	Unknown
	UnknownChildrenMismatch
)

func (o Outcome) String() string {
	switch o {
	case Good:
		return "GOOD"
	case Bad:
		return "BAD"
	case Unknown:
		return "UNKNOWN"
	case UnknownChildrenMismatch:
		return "UNKNOWN_CHILDREN_MISMATCH"
	case Invalid:
		return "INVALID"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

type frame struct {
	coefficients Coefficients
	parent       int32
	children     []int32
	state        State
	outcome      Outcome
}

// Tree is the arena holding every frame of one execution.
// A Tree is not safe for concurrent use.
type Tree struct {
	blockNumber     uint64
	transactionHash string
	nodes           []frame
}

// NewTree creates a tree with a fresh root frame.
func NewTree(blockNumber uint64, transactionHash string) *Tree {
	t := &Tree{
		blockNumber:     blockNumber,
		transactionHash: transactionHash,
		nodes:           make([]frame, 1, 8),
	}
	t.nodes[0].parent = -1
	return t
}

// BlockNumber returns the block the execution belongs to.
func (t *Tree) BlockNumber() uint64 { return t.blockNumber }

// TransactionHash returns the transaction hash as printed in reports.
func (t *Tree) TransactionHash() string { return t.transactionHash }

// Len returns the number of frames in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Root returns the root frame.
func (t *Tree) Root() Node { return Node{tree: t, idx: 0} }

// NodeByID returns the frame with the given id.
func (t *Tree) NodeByID(id int) (Node, bool) {
	if id < 1 || id > len(t.nodes) {
		return Node{}, false
	}
	return Node{tree: t, idx: int32(id - 1)}, true
}

// Node is a handle to one frame of a Tree.
type Node struct {
	tree *Tree
	idx  int32
}

func (n Node) frame() *frame { return &n.tree.nodes[n.idx] }

// Tree returns the tree owning the node.
func (n Node) Tree() *Tree { return n.tree }

// ID returns the node id. Ids are unique within a tree and increase with
// creation order.
func (n Node) ID() int { return int(n.idx) + 1 }

// IsRoot reports whether n is the root frame.
func (n Node) IsRoot() bool { return n.idx == 0 }

// SpawnChild creates a frame for a nested call and links it as the last
// child of n.
func (n Node) SpawnChild() Node {
	t := n.tree
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, frame{parent: n.idx})
	t.nodes[n.idx].children = append(t.nodes[n.idx].children, idx)
	return Node{tree: t, idx: idx}
}

// AddGasUsage accumulates entries into the frame's own cells. Ancestors and
// descendants are untouched.
func (n Node) AddGasUsage(entries ...Entry) {
	f := n.frame()
	for _, e := range entries {
		f.coefficients[e.Category] += e.Delta
	}
}

// Coefficient returns a single cell of the frame.
func (n Node) Coefficient(c Category) int64 {
	return n.frame().coefficients[c]
}

// Coefficients returns a copy of the frame's cells.
func (n Node) Coefficients() Coefficients {
	return n.frame().coefficients
}

// Parent returns the parent frame. The root has none.
func (n Node) Parent() (Node, bool) {
	p := n.frame().parent
	if p < 0 {
		return Node{}, false
	}
	return Node{tree: n.tree, idx: p}, true
}

// Children returns the child frames in creation order.
func (n Node) Children() []Node {
	f := n.frame()
	out := make([]Node, len(f.children))
	for i, c := range f.children {
		out[i] = Node{tree: n.tree, idx: c}
	}
	return out
}

// NumChildren returns the number of child frames.
func (n Node) NumChildren() int { return len(n.frame().children) }

// State returns the frame's completion state.
func (n Node) State() State { return n.frame().state }

// SetState records the frame's completion state.
func (n Node) SetState(s State) { n.frame().state = s }

// ComparisonOutcome returns the recorded comparison verdict.
func (n Node) ComparisonOutcome() Outcome { return n.frame().outcome }

// SetComparisonOutcome records a comparison verdict on the frame.
func (n Node) SetComparisonOutcome(o Outcome) { n.frame().outcome = o }

// Subtree yields n and all its descendants in pre-order.
func (n Node) Subtree() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		n.walk(yield)
	}
}

func (n Node) walk(yield func(Node) bool) bool {
	if !yield(n) {
		return false
	}
	for _, c := range n.frame().children {
		if !(Node{tree: n.tree, idx: c}).walk(yield) {
			return false
		}
	}
	return true
}
