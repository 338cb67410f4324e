package usage

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Print renders the frame hierarchy with each frame's nonzero cells.
func (t *Tree) Print() string {
	root := treeprint.NewWithRoot(fmt.Sprintf("block %d tx %s", t.blockNumber, t.transactionHash))
	t.Root().print(root)
	return root.String()
}

func (n Node) print(parent treeprint.Tree) {
	f := n.frame()
	branch := parent.AddMetaBranch(n.ID(), fmt.Sprintf("%s %s", f.state, f.outcome))
	for c, v := range f.coefficients {
		if v != 0 {
			branch.AddMetaNode(fmt.Sprintf("%#x", Category(c).ID()), fmt.Sprintf("%s=%d", Category(c), v))
		}
	}
	for _, c := range f.children {
		Node{tree: n.tree, idx: c}.print(branch)
	}
}
