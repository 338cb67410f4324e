package usage

import (
	"errors"
	"fmt"
)

// ErrInvalidSnapshot is returned when a snapshot does not describe a tree.
var ErrInvalidSnapshot = errors.New("invalid usage snapshot")

// Snapshot is the sparse, serializable form of a Tree.
type Snapshot struct {
	BlockNumber     uint64
	TransactionHash string
	Frames          []FrameSnapshot
}

// FrameSnapshot holds one frame. Frames appear in id order and Parent is the
// parent's id, zero for the root.
type FrameSnapshot struct {
	Parent  int
	State   State
	Outcome Outcome
	Cells   []Cell
}

// Cell is one nonzero coefficient.
type Cell struct {
	Category Category
	Value    int64
}

// Snapshot captures the tree in sparse form.
func (t *Tree) Snapshot() Snapshot {
	s := Snapshot{
		BlockNumber:     t.blockNumber,
		TransactionHash: t.transactionHash,
		Frames:          make([]FrameSnapshot, len(t.nodes)),
	}
	for i := range t.nodes {
		f := &t.nodes[i]
		fs := FrameSnapshot{
			Parent:  int(f.parent) + 1,
			State:   f.state,
			Outcome: f.outcome,
		}
		for c, v := range f.coefficients {
			if v != 0 {
				fs.Cells = append(fs.Cells, Cell{Category: Category(c), Value: v})
			}
		}
		s.Frames[i] = fs
	}
	return s
}

// FromSnapshot rebuilds a tree. Ids are reassigned in frame order, so a
// snapshot taken from a tree yields identical ids.
func FromSnapshot(s Snapshot) (*Tree, error) {
	if len(s.Frames) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrInvalidSnapshot)
	}
	if s.Frames[0].Parent != 0 {
		return nil, fmt.Errorf("%w: root has a parent", ErrInvalidSnapshot)
	}
	t := NewTree(s.BlockNumber, s.TransactionHash)
	for i, fs := range s.Frames {
		var n Node
		if i == 0 {
			n = t.Root()
		} else {
			parent, ok := t.NodeByID(fs.Parent)
			if !ok || fs.Parent > i {
				return nil, fmt.Errorf("%w: frame %d has parent %d", ErrInvalidSnapshot, i+1, fs.Parent)
			}
			n = parent.SpawnChild()
		}
		for _, c := range fs.Cells {
			if !c.Category.Valid() {
				return nil, fmt.Errorf("%w: frame %d has category %d", ErrInvalidSnapshot, i+1, c.Category)
			}
			n.AddGasUsage(Entry{Category: c.Category, Delta: c.Value})
		}
		n.SetState(fs.State)
		n.SetComparisonOutcome(fs.Outcome)
	}
	return t, nil
}
