package usage

import (
	"fmt"
	"iter"
)

// Record is one nonzero cell of a report.
type Record struct {
	BlockNumber     uint64
	TransactionHash string
	// NodeID is zero for flat records.
	NodeID   int
	Category Category
	Value    int64
}

// String formats the record as a report line. Detailed records carry the
// node id, flat records do not.
func (r Record) String() string {
	if r.NodeID == 0 {
		return fmt.Sprintf("%d,'%s',%d,%d", r.BlockNumber, r.TransactionHash, r.Category.ID(), r.Value)
	}
	return fmt.Sprintf("%d,'%s',%d,%d,%d", r.BlockNumber, r.TransactionHash, r.NodeID, r.Category.ID(), r.Value)
}

// RecordsAll yields every nonzero cell of n and its descendants. Frames are
// visited in pre-order and cells in ascending category order.
func (n Node) RecordsAll() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for node := range n.Subtree() {
			f := node.frame()
			for c, v := range f.coefficients {
				if v == 0 {
					continue
				}
				if !yield(n.record(node.ID(), Category(c), v)) {
					return
				}
			}
		}
	}
}

// RecordsFlat yields the flattened view of n. The group of n is n plus all
// its descendants. The group's summed cells come first in ascending category
// order, excluding MemoryWordGasCost; then each group member with a nonzero
// MemoryWordGasCost cell contributes one record, in pre-order.
func (n Node) RecordsFlat() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		var sum Coefficients
		var memory []int64
		for node := range n.Subtree() {
			f := node.frame()
			sum.Add(&f.coefficients)
			if v := f.coefficients[MemoryWordGasCost]; v != 0 {
				memory = append(memory, v)
			}
		}
		for c, v := range sum {
			if v == 0 || Category(c) == MemoryWordGasCost {
				continue
			}
			if !yield(n.record(0, Category(c), v)) {
				return
			}
		}
		for _, v := range memory {
			if !yield(n.record(0, MemoryWordGasCost, v)) {
				return
			}
		}
	}
}

func (n Node) record(id int, c Category, v int64) Record {
	return Record{
		BlockNumber:     n.tree.blockNumber,
		TransactionHash: n.tree.transactionHash,
		NodeID:          id,
		Category:        c,
		Value:           v,
	}
}

// ToStringsAll renders RecordsAll as report lines. The sequence is lazy and
// can be iterated any number of times.
func (n Node) ToStringsAll() iter.Seq[string] {
	return stringify(n.RecordsAll())
}

// ToStringsFlat renders RecordsFlat as report lines.
func (n Node) ToStringsFlat() iter.Seq[string] {
	return stringify(n.RecordsFlat())
}

func stringify(records iter.Seq[Record]) iter.Seq[string] {
	return func(yield func(string) bool) {
		for r := range records {
			if !yield(r.String()) {
				return
			}
		}
	}
}
