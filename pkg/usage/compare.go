package usage

// CompareState compares the frame shapes and completion states of two trees
// recorded for the same execution, typically live against simulated.
//
// Children are compared pairwise in order up to the shorter list and the
// first non-Good verdict is returned. Unequal child counts then yield
// UnknownChildrenMismatch. Otherwise the verdict follows the two states:
// matching completions are Good, a live failure that succeeds in simulation
// is Unknown, a live success that fails in simulation is Bad, and any frame
// that never completed is Invalid.
func (n Node) CompareState(other Node) Outcome {
	a, b := n.frame().children, other.frame().children
	for i := 0; i < len(a) && i < len(b); i++ {
		o := Node{tree: n.tree, idx: a[i]}.CompareState(Node{tree: other.tree, idx: b[i]})
		if o != Good {
			return o
		}
	}
	if len(a) != len(b) {
		return UnknownChildrenMismatch
	}
	return compareStates(n.State(), other.State())
}

func compareStates(live, simulated State) Outcome {
	switch {
	case live == NotStarted || simulated == NotStarted:
		return Invalid
	case live == simulated:
		return Good
	case live == CompletedFailed && simulated == CompletedSuccess:
		return Unknown
	case live == CompletedSuccess && simulated == CompletedFailed:
		return Bad
	default:
		return Invalid
	}
}

// Compare compares the roots of a live and a simulated tree and records the
// verdict on the live root.
func Compare(live, simulated *Tree) Outcome {
	o := live.Root().CompareState(simulated.Root())
	live.Root().SetComparisonOutcome(o)
	return o
}

// AggregateGasUsageCoefficients sums the own cells of each root. The
// MemoryWordGasCost cell is left at zero in the aggregate; each root's memory
// value is returned separately in input order.
func AggregateGasUsageCoefficients(roots []Node) (Coefficients, []int64) {
	var agg Coefficients
	memory := make([]int64, 0, len(roots))
	for _, r := range roots {
		f := r.frame()
		agg.Add(&f.coefficients)
		memory = append(memory, f.coefficients[MemoryWordGasCost])
	}
	agg[MemoryWordGasCost] = 0
	return agg, memory
}
