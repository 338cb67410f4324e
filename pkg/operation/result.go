// Package operation defines how executed EVM operations report their cost.
//
// Every operation returns a Result carrying the gas charged, an optional
// simulated cost, a halt reason and a non-empty list of usage entries. A
// Recorder routes those entries into the usage tree frame of the executing
// call, and Tracer adapts go-ethereum's tracing hooks onto a Recorder.
package operation

import (
	"fmt"

	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// HaltReason tells why an operation stopped the frame. HaltNone means
// execution continues.
type HaltReason uint8

const (
	HaltNone HaltReason = iota
	HaltInsufficientGas
	HaltInsufficientStackItems
	HaltTooManyStackItems
	HaltInvalidJumpDestination
	HaltInvalidOperation
	HaltIllegalStateChange
	HaltOutOfBounds
	HaltInvalidReturnDataBufferAccess
	HaltCodeTooLarge
	HaltMaxCallDepth
	HaltRevert
)

var haltNames = [...]string{
	HaltNone:                          "NONE",
	HaltInsufficientGas:               "INSUFFICIENT_GAS",
	HaltInsufficientStackItems:        "INSUFFICIENT_STACK_ITEMS",
	HaltTooManyStackItems:             "TOO_MANY_STACK_ITEMS",
	HaltInvalidJumpDestination:        "INVALID_JUMP_DESTINATION",
	HaltInvalidOperation:              "INVALID_OPERATION",
	HaltIllegalStateChange:            "ILLEGAL_STATE_CHANGE",
	HaltOutOfBounds:                   "OUT_OF_BOUNDS",
	HaltInvalidReturnDataBufferAccess: "INVALID_RETURN_DATA_BUFFER_ACCESS",
	HaltCodeTooLarge:                  "CODE_TOO_LARGE",
	HaltMaxCallDepth:                  "MAX_CALL_DEPTH",
	HaltRevert:                        "REVERT",
}

func (h HaltReason) String() string {
	if int(h) < len(haltNames) {
		return haltNames[h]
	}
	return fmt.Sprintf("HaltReason(%d)", uint8(h))
}

// Halted reports whether h stops the frame.
func (h HaltReason) Halted() bool { return h != HaltNone }

// Result is what an executed operation reports.
type Result struct {
	gasCost       uint64
	simulatedCost uint64
	hasSimulated  bool
	halt          HaltReason
	pcIncrement   int
	entries       []usage.Entry
}

// FixedCost reports an operation counted once in category.
func FixedCost(gasCost uint64, halt HaltReason, category usage.Category) Result {
	return Result{
		gasCost:     gasCost,
		halt:        halt,
		pcIncrement: 1,
		entries:     []usage.Entry{usage.Count(category)},
	}
}

// FixedCostWithSimulation is FixedCost carrying the cost the operation has
// under the simulated schedule.
func FixedCostWithSimulation(gasCost, simulatedCost uint64, halt HaltReason, category usage.Category) Result {
	r := FixedCost(gasCost, halt, category)
	r.simulatedCost = simulatedCost
	r.hasSimulated = true
	return r
}

// WithCost reports an operation whose cost splits over several categories.
// It panics when entries is empty.
func WithCost(gasCost uint64, halt HaltReason, entries ...usage.Entry) Result {
	if len(entries) == 0 {
		panic("operation: result without usage entries")
	}
	return Result{
		gasCost:     gasCost,
		halt:        halt,
		pcIncrement: 1,
		entries:     entries,
	}
}

// RawCost reports the raw gas of an operation priced outside the schedule
// in a single category.
func RawCost(gasCost uint64, halt HaltReason, category usage.Category) Result {
	return Result{
		gasCost:     gasCost,
		halt:        halt,
		pcIncrement: 1,
		entries:     []usage.Entry{usage.Raw(category, int64(gasCost))},
	}
}

// WithSimulatedCost attaches the simulated cost to any result shape.
func (r Result) WithSimulatedCost(cost uint64) Result {
	r.simulatedCost = cost
	r.hasSimulated = true
	return r
}

// WithPCIncrement overrides the program counter advance, which is 1 by
// default.
func (r Result) WithPCIncrement(n int) Result {
	r.pcIncrement = n
	return r
}

// GasCost returns the live gas cost.
func (r Result) GasCost() uint64 { return r.gasCost }

// SimulatedCost returns the simulated cost when one is attached.
func (r Result) SimulatedCost() (uint64, bool) { return r.simulatedCost, r.hasSimulated }

// Cost returns the cost charged in mode m. A result without a simulated cost
// charges its live cost in both modes.
func (r Result) Cost(m gascost.Mode) uint64 {
	if m == gascost.ModeSimulation && r.hasSimulated {
		return r.simulatedCost
	}
	return r.gasCost
}

// HaltReason returns why the operation halted, HaltNone if it did not.
func (r Result) HaltReason() HaltReason { return r.halt }

// PCIncrement returns the program counter advance.
func (r Result) PCIncrement() int { return r.pcIncrement }

// Report returns the usage entries. The slice must not be modified.
func (r Result) Report() []usage.Entry { return r.entries }
