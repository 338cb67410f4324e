package operation

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"

	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// TracerConfig configures a Tracer.
type TracerConfig struct {
	// OnTree is called with each finished transaction tree.
	OnTree func(tree *usage.Tree)

	// Dispatcher prices opcodes under the simulated schedule. Without it
	// frames keep the state the interpreter gave them.
	Dispatcher *gascost.Dispatcher

	// Mode selects the schedule the trees are recorded under. In
	// ModeSimulation a frame whose repriced gas use exceeds its gas fails,
	// and a frame that ran out of gas but whose repriced use fits succeeds.
	Mode gascost.Mode

	// Logger receives per-transaction trace lines.
	Logger log.Logger
}

// DefaultTracerConfig returns a config logging to the root logger.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Logger: log.Root()}
}

// frameMeter tracks an open call frame.
type frameMeter struct {
	gas    uint64 // gas available at entry
	delta  int64  // simulated minus live gas use, children included
	memory uint64 // memory words seen
}

// Tracer builds one usage tree per transaction from the interpreter's
// tracing hooks. Call frames map to tree frames; opcodes, intrinsic gas,
// precompile gas, refunds and the receipt total become usage entries.
type Tracer struct {
	config TracerConfig
	log    log.Logger
	live   gascost.Calculator
	sim    gascost.Calculator

	rec            *Recorder
	tx             *types.Transaction
	intrinsicDelta int64
	frames         []frameMeter
	trees          []*usage.Tree
}

// NewTracer creates a tracer.
func NewTracer(config TracerConfig) *Tracer {
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	t := &Tracer{config: config, log: logger}
	if d := config.Dispatcher; d != nil {
		t.live = d.Policy(gascost.ModeLive)
		t.sim = d.Policy(gascost.ModeSimulation)
	}
	return t
}

// Hooks returns the hooks to install on the interpreter.
func (t *Tracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnTxStart:   t.onTxStart,
		OnTxEnd:     t.onTxEnd,
		OnEnter:     t.onEnter,
		OnExit:      t.onExit,
		OnOpcode:    t.onOpcode,
		OnFault:     t.onFault,
		OnGasChange: t.onGasChange,
	}
}

// Trees returns the trees finished so far, in transaction order.
func (t *Tracer) Trees() []*usage.Tree { return t.trees }

// Reset drops the finished trees.
func (t *Tracer) Reset() {
	t.trees = nil
	t.rec = nil
	t.tx = nil
	t.frames = nil
}

func (t *Tracer) simulating() bool {
	return t.sim != nil && t.config.Mode == gascost.ModeSimulation
}

func (t *Tracer) onTxStart(env *tracing.VMContext, tx *types.Transaction, from common.Address) {
	var number uint64
	if env != nil && env.BlockNumber != nil {
		number = env.BlockNumber.Uint64()
	}
	t.rec = NewRecorder(usage.NewTree(number, tx.Hash().Hex()))
	t.tx = tx
	t.intrinsicDelta = 0
	t.frames = t.frames[:0]
	if entries := TxDataUsage(tx); len(entries) > 0 {
		t.rec.Record(WithCost(0, HaltNone, entries...))
	}
}

func (t *Tracer) onEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	if t.rec == nil {
		return
	}
	t.rec.Enter()
	m := frameMeter{gas: gas}
	if len(t.frames) == 0 {
		m.delta = t.intrinsicDelta
	}
	t.frames = append(t.frames, m)
	if depth > 0 && value != nil && value.Sign() > 0 {
		switch vm.OpCode(typ) {
		case vm.CALL, vm.CALLCODE:
			t.rec.Current().AddGasUsage(usage.Count(usage.CallValueTransferGasCost))
		}
	}
}

func (t *Tracer) onExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	if t.rec == nil {
		return
	}
	success := err == nil && !reverted
	if n := len(t.frames); n > 0 {
		m := t.frames[n-1]
		t.frames = t.frames[:n-1]
		if t.simulating() {
			success = simulatedSuccess(m, gasUsed, success, err)
		}
		if n > 1 {
			t.frames[n-2].delta += m.delta
		}
	}
	t.rec.Exit(success)
}

// simulatedSuccess decides a frame's state under the simulated schedule.
func simulatedSuccess(m frameMeter, gasUsed uint64, success bool, err error) bool {
	switch {
	case m.delta > 0 && gasUsed+uint64(m.delta) > m.gas:
		return false
	case !success && m.delta < 0 && errors.Is(err, vm.ErrOutOfGas):
		return true
	}
	return success
}

func (t *Tracer) onOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	if t.rec == nil {
		return
	}
	halt := HaltReasonOf(err)
	entries := []usage.Entry{usage.Count(usage.OpcodeCategory(op))}
	if c, ok := haltCategory(halt); ok {
		entries = append(entries, usage.Count(c))
	}
	var top *frameMeter
	if len(t.frames) > 0 {
		top = &t.frames[len(t.frames)-1]
	}
	if scope != nil && top != nil {
		if w := uint64(len(scope.MemoryData())) / 32; w > top.memory {
			entries = append(entries, usage.Raw(usage.MemoryWordGasCost, int64(w-top.memory)))
			top.memory = w
		}
	}
	res := WithCost(cost, halt, entries...)
	if t.sim != nil && err == nil {
		simCost := Reprice(vm.OpCode(op), cost, scope, t.live, t.sim)
		res = res.WithSimulatedCost(simCost)
		if top != nil {
			top.delta += int64(simCost) - int64(cost)
		}
	}
	t.rec.Record(res)
}

// onFault records errors raised while an opcode executed. The opcode itself
// was already counted by onOpcode.
func (t *Tracer) onFault(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, depth int, err error) {
	if t.rec == nil {
		return
	}
	halt := HaltReasonOf(err)
	if c, ok := haltCategory(halt); ok {
		t.rec.Record(FixedCost(0, halt, c))
	}
}

func (t *Tracer) onGasChange(old, new uint64, reason tracing.GasChangeReason) {
	if t.rec == nil {
		return
	}
	switch reason {
	case tracing.GasChangeTxIntrinsicGas:
		if old <= new {
			return
		}
		liveCost := old - new
		res := RawCost(liveCost, HaltNone, usage.TxInitialGas)
		if t.sim != nil && t.tx != nil {
			simCost := IntrinsicGas(t.sim, t.tx)
			t.intrinsicDelta = int64(simCost) - int64(IntrinsicGas(t.live, t.tx))
			if t.simulating() {
				res = RawCost(simCost, HaltNone, usage.TxInitialGas)
			}
			res = res.WithSimulatedCost(simCost)
		}
		t.rec.Record(res)
	case tracing.GasChangeCallPrecompiledContract:
		if old > new {
			t.rec.Record(RawCost(old-new, HaltNone, usage.PrecompiledOther))
		}
	case tracing.GasChangeTxRefunds:
		if new > old {
			t.rec.Record(RawCost(new-old, HaltNone, usage.TxRefundGas))
		}
	}
}

func (t *Tracer) onTxEnd(receipt *types.Receipt, err error) {
	if t.rec == nil {
		return
	}
	tree := t.rec.Tree()
	if receipt != nil {
		tree.Root().AddGasUsage(usage.Raw(usage.TxTotalGas, int64(receipt.GasUsed)))
	}
	if err != nil {
		t.log.Debug("Transaction rejected", "block", tree.BlockNumber(), "tx", tree.TransactionHash(), "err", err)
	} else {
		t.log.Trace("Transaction traced", "block", tree.BlockNumber(), "tx", tree.TransactionHash(), "frames", tree.Len())
	}
	t.trees = append(t.trees, tree)
	if t.config.OnTree != nil {
		t.config.OnTree(tree)
	}
	t.rec = nil
	t.tx = nil
}

// HaltReasonOf classifies an interpreter error.
func HaltReasonOf(err error) HaltReason {
	if err == nil {
		return HaltNone
	}
	var (
		underflow *vm.ErrStackUnderflow
		overflow  *vm.ErrStackOverflow
		invalid   *vm.ErrInvalidOpCode
	)
	switch {
	case errors.As(err, &underflow):
		return HaltInsufficientStackItems
	case errors.As(err, &overflow):
		return HaltTooManyStackItems
	case errors.As(err, &invalid):
		return HaltInvalidOperation
	case errors.Is(err, vm.ErrOutOfGas), errors.Is(err, vm.ErrCodeStoreOutOfGas):
		return HaltInsufficientGas
	case errors.Is(err, vm.ErrInvalidJump):
		return HaltInvalidJumpDestination
	case errors.Is(err, vm.ErrWriteProtection):
		return HaltIllegalStateChange
	case errors.Is(err, vm.ErrReturnDataOutOfBounds):
		return HaltInvalidReturnDataBufferAccess
	case errors.Is(err, vm.ErrGasUintOverflow):
		return HaltOutOfBounds
	case errors.Is(err, vm.ErrMaxCodeSizeExceeded), errors.Is(err, vm.ErrMaxInitCodeSizeExceeded):
		return HaltCodeTooLarge
	case errors.Is(err, vm.ErrDepth):
		return HaltMaxCallDepth
	case errors.Is(err, vm.ErrExecutionReverted):
		return HaltRevert
	default:
		return HaltInvalidOperation
	}
}

func haltCategory(h HaltReason) (usage.Category, bool) {
	switch h {
	case HaltTooManyStackItems:
		return usage.TooManyStackItems, true
	case HaltInsufficientStackItems:
		return usage.InsufficientStackItems, true
	case HaltInvalidReturnDataBufferAccess:
		return usage.InvalidReturnDataBufferAccess, true
	case HaltOutOfBounds:
		return usage.OutOfBounds, true
	case HaltInvalidOperation:
		return usage.InvalidOperation, true
	default:
		return 0, false
	}
}
