package operation

import (
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// Recorder feeds operation results into the usage tree of one execution. It
// keeps the stack of open frames: the first Enter opens the root, later
// Enters open a child of the innermost open frame.
type Recorder struct {
	tree    *usage.Tree
	stack   []usage.Node
	entered bool
}

// NewRecorder records into tree.
func NewRecorder(tree *usage.Tree) *Recorder {
	return &Recorder{tree: tree}
}

// Tree returns the tree being recorded.
func (r *Recorder) Tree() *usage.Tree { return r.tree }

// Depth returns the number of open frames.
func (r *Recorder) Depth() int { return len(r.stack) }

// Current returns the innermost open frame, or the root when no frame is
// open.
func (r *Recorder) Current() usage.Node {
	if len(r.stack) == 0 {
		return r.tree.Root()
	}
	return r.stack[len(r.stack)-1]
}

// Enter opens a frame and returns it.
func (r *Recorder) Enter() usage.Node {
	var n usage.Node
	switch {
	case len(r.stack) > 0:
		n = r.stack[len(r.stack)-1].SpawnChild()
	case !r.entered:
		n = r.tree.Root()
	default:
		// A second top-level frame nests under the root.
		n = r.tree.Root().SpawnChild()
	}
	r.entered = true
	r.stack = append(r.stack, n)
	return n
}

// Record adds the result's entries to the innermost open frame. Results
// reported outside any frame, such as transaction-level charges, go to the
// root.
func (r *Recorder) Record(res Result) {
	r.Current().AddGasUsage(res.Report()...)
}

// Exit closes the innermost frame with its completion state. Exiting with no
// open frame is a no-op.
func (r *Recorder) Exit(success bool) {
	if len(r.stack) == 0 {
		return
	}
	n := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	if success {
		n.SetState(usage.CompletedSuccess)
	} else {
		n.SetState(usage.CompletedFailed)
	}
}
