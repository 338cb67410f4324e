package usagedb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/fortiblox/gasreplay/pkg/usage"
)

// storedTree is the RLP form of a usage snapshot. RLP has no signed
// integers, so values carry their sign separately. Cells are keyed by the
// external category id, which stays stable when categories are added.
type storedTree struct {
	BlockNumber     uint64
	TransactionHash string
	Frames          []storedFrame
}

type storedFrame struct {
	Parent  uint64
	State   uint8
	Outcome uint8
	Cells   []storedCell
}

type storedCell struct {
	ID       uint16
	Negative bool
	Value    uint64
}

func encodeTree(t *usage.Tree) ([]byte, error) {
	s := t.Snapshot()
	st := storedTree{
		BlockNumber:     s.BlockNumber,
		TransactionHash: s.TransactionHash,
		Frames:          make([]storedFrame, len(s.Frames)),
	}
	for i, f := range s.Frames {
		sf := storedFrame{
			Parent:  uint64(f.Parent),
			State:   uint8(f.State),
			Outcome: uint8(f.Outcome),
			Cells:   make([]storedCell, len(f.Cells)),
		}
		for j, c := range f.Cells {
			cell := storedCell{ID: uint16(c.Category.ID()), Value: uint64(c.Value)}
			if c.Value < 0 {
				cell.Negative = true
				cell.Value = uint64(-c.Value)
			}
			sf.Cells[j] = cell
		}
		st.Frames[i] = sf
	}
	return rlp.EncodeToBytes(&st)
}

func decodeTree(data []byte) (*usage.Tree, error) {
	var st storedTree
	if err := rlp.DecodeBytes(data, &st); err != nil {
		return nil, fmt.Errorf("decode usage tree: %w", err)
	}
	s := usage.Snapshot{
		BlockNumber:     st.BlockNumber,
		TransactionHash: st.TransactionHash,
		Frames:          make([]usage.FrameSnapshot, len(st.Frames)),
	}
	for i, sf := range st.Frames {
		f := usage.FrameSnapshot{
			Parent:  int(sf.Parent),
			State:   usage.State(sf.State),
			Outcome: usage.Outcome(sf.Outcome),
			Cells:   make([]usage.Cell, len(sf.Cells)),
		}
		for j, c := range sf.Cells {
			v := int64(c.Value)
			if c.Negative {
				v = -v
			}
			category, ok := usage.CategoryFromID(int(c.ID))
			if !ok {
				return nil, fmt.Errorf("%w: %#x", ErrUnknownCategory, c.ID)
			}
			f.Cells[j] = usage.Cell{Category: category, Value: v}
		}
		s.Frames[i] = f
	}
	return usage.FromSnapshot(s)
}
