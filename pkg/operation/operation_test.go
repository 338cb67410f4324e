package operation

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

func TestResultShapes(t *testing.T) {
	add := usage.OpcodeCategory(byte(vm.ADD))

	t.Run("FixedCost", func(t *testing.T) {
		r := FixedCost(3, HaltNone, add)
		assert.EqualValues(t, 3, r.GasCost())
		assert.Equal(t, []usage.Entry{{Category: add, Delta: 1}}, r.Report())
		assert.Equal(t, 1, r.PCIncrement())
		assert.False(t, r.HaltReason().Halted())
		_, ok := r.SimulatedCost()
		assert.False(t, ok)
		assert.EqualValues(t, 3, r.Cost(gascost.ModeSimulation))
	})

	t.Run("FixedCostWithSimulation", func(t *testing.T) {
		r := FixedCostWithSimulation(100, 5, HaltNone, usage.OpcodeCategory(byte(vm.SLOAD)))
		assert.EqualValues(t, 100, r.Cost(gascost.ModeLive))
		assert.EqualValues(t, 5, r.Cost(gascost.ModeSimulation))
		sim, ok := r.SimulatedCost()
		require.True(t, ok)
		assert.EqualValues(t, 5, sim)
		assert.Equal(t, []usage.Entry{usage.Count(usage.OpcodeCategory(byte(vm.SLOAD)))}, r.Report())
	})

	t.Run("WithCost", func(t *testing.T) {
		r := WithCost(42, HaltInsufficientGas,
			usage.Count(usage.OpcodeCategory(byte(vm.KECCAK256))),
			usage.Raw(usage.Keccak256OperationWordGasCost, 2),
		)
		assert.Len(t, r.Report(), 2)
		assert.Equal(t, HaltInsufficientGas, r.HaltReason())
		assert.True(t, r.HaltReason().Halted())
		assert.Panics(t, func() { WithCost(1, HaltNone) })
	})

	t.Run("RawCost", func(t *testing.T) {
		r := RawCost(3000, HaltNone, usage.PrecompiledEcrec)
		assert.Equal(t, []usage.Entry{{Category: usage.PrecompiledEcrec, Delta: 3000}}, r.Report())
		assert.EqualValues(t, 700, r.WithSimulatedCost(700).Cost(gascost.ModeSimulation))
		assert.Equal(t, 33, r.WithPCIncrement(33).PCIncrement())
	})

	t.Run("HaltNames", func(t *testing.T) {
		assert.Equal(t, "INSUFFICIENT_GAS", HaltInsufficientGas.String())
		assert.Equal(t, "HaltReason(200)", HaltReason(200).String())
	})
}

func TestRecorder(t *testing.T) {
	tree := usage.NewTree(9, "0x01")
	rec := NewRecorder(tree)

	// Charges before the first frame land on the root.
	rec.Record(RawCost(21000, HaltNone, usage.TxInitialGas))

	root := rec.Enter()
	assert.True(t, root.IsRoot())
	rec.Record(FixedCost(3, HaltNone, usage.OpcodeCategory(byte(vm.PUSH1))))

	child := rec.Enter()
	assert.Equal(t, 2, child.ID())
	assert.Equal(t, 2, rec.Depth())
	rec.Record(FixedCost(3, HaltNone, usage.OpcodeCategory(byte(vm.PUSH1))))
	rec.Exit(false)

	second := rec.Enter()
	assert.Equal(t, 3, second.ID())
	rec.Exit(true)
	rec.Exit(true)
	assert.Zero(t, rec.Depth())
	rec.Exit(true)

	assert.EqualValues(t, 21000, root.Coefficient(usage.TxInitialGas))
	assert.EqualValues(t, 1, root.Coefficient(usage.OpcodeCategory(byte(vm.PUSH1))))
	assert.EqualValues(t, 1, child.Coefficient(usage.OpcodeCategory(byte(vm.PUSH1))))
	assert.Equal(t, usage.CompletedSuccess, root.State())
	assert.Equal(t, usage.CompletedFailed, child.State())
	assert.Equal(t, usage.CompletedSuccess, second.State())
	assert.Equal(t, 3, tree.Len())
}

type fakeScope struct {
	memory []byte
	stack  []uint256.Int // top last
}

func (s *fakeScope) MemoryData() []byte         { return s.memory }
func (s *fakeScope) StackData() []uint256.Int   { return s.stack }
func (s *fakeScope) Caller() common.Address     { return common.Address{} }
func (s *fakeScope) Address() common.Address    { return common.Address{} }
func (s *fakeScope) CallValue() *uint256.Int    { return uint256.NewInt(0) }
func (s *fakeScope) CallInput() []byte          { return nil }
func (s *fakeScope) ContractCode() []byte       { return nil }

func stackOf(top ...uint64) []uint256.Int {
	out := make([]uint256.Int, len(top))
	for i, v := range top {
		out[len(top)-1-i].SetUint64(v)
	}
	return out
}

// step reports an opcode the way the interpreter does: the gas change first,
// then the opcode itself.
func step(hooks *tracing.Hooks, pc uint64, op vm.OpCode, gas, cost uint64, scope tracing.OpContext, depth int) {
	hooks.OnGasChange(gas, gas-cost, tracing.GasChangeCallOpCode)
	hooks.OnOpcode(pc, byte(op), gas, cost, scope, nil, depth, nil)
}

// runTx drives the hooks the way the interpreter does for a transaction
// making one nested call. failInner makes the nested call revert.
func runTx(hooks *tracing.Hooks, tx *types.Transaction, failInner bool) {
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	scope := &fakeScope{}

	hooks.OnTxStart(&tracing.VMContext{BlockNumber: big.NewInt(100)}, tx, from)
	hooks.OnGasChange(100000, 79000, tracing.GasChangeTxIntrinsicGas)
	hooks.OnEnter(0, byte(vm.CALL), from, to, nil, 79000, big.NewInt(0))
	step(hooks, 0, vm.PUSH1, 79000, 3, scope, 1)
	scope.memory = make([]byte, 64)
	step(hooks, 2, vm.MSTORE, 78997, 9, scope, 1)
	step(hooks, 3, vm.CALL, 78988, 5100, scope, 1)

	inner := &fakeScope{}
	hooks.OnEnter(1, byte(vm.CALL), to, from, nil, 5000, big.NewInt(1))
	step(hooks, 0, vm.PUSH1, 5000, 3, inner, 2)
	if failInner {
		step(hooks, 2, vm.REVERT, 4997, 0, inner, 2)
		hooks.OnFault(2, byte(vm.REVERT), 4997, 0, inner, 2, vm.VMErrorFromErr(vm.ErrExecutionReverted))
		hooks.OnExit(1, nil, 3, vm.ErrExecutionReverted, true)
	} else {
		step(hooks, 2, vm.STOP, 4997, 0, inner, 2)
		hooks.OnExit(1, nil, 3, nil, false)
	}

	step(hooks, 4, vm.STOP, 70000, 0, scope, 1)
	hooks.OnExit(0, nil, 9000, nil, false)
	hooks.OnGasChange(70000, 70100, tracing.GasChangeTxRefunds)
	hooks.OnTxEnd(&types.Receipt{GasUsed: 30000}, nil)
}

func TestTracer(t *testing.T) {
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 100000, GasPrice: big.NewInt(1)})

	var delivered []*usage.Tree
	cfg := DefaultTracerConfig()
	cfg.OnTree = func(tree *usage.Tree) { delivered = append(delivered, tree) }
	tracer := NewTracer(cfg)
	runTx(tracer.Hooks(), tx, false)

	trees := tracer.Trees()
	require.Len(t, trees, 1)
	assert.Equal(t, trees, delivered)

	tree := trees[0]
	assert.EqualValues(t, 100, tree.BlockNumber())
	assert.Equal(t, tx.Hash().Hex(), tree.TransactionHash())
	require.Equal(t, 2, tree.Len())

	root := tree.Root()
	assert.EqualValues(t, 21000, root.Coefficient(usage.TxInitialGas))
	assert.EqualValues(t, 100, root.Coefficient(usage.TxRefundGas))
	assert.EqualValues(t, 30000, root.Coefficient(usage.TxTotalGas))
	assert.EqualValues(t, 2, root.Coefficient(usage.MemoryWordGasCost))
	assert.EqualValues(t, 1, root.Coefficient(usage.OpcodeCategory(byte(vm.MSTORE))))
	assert.Equal(t, usage.CompletedSuccess, root.State())

	child := root.Children()[0]
	assert.EqualValues(t, 1, child.Coefficient(usage.CallValueTransferGasCost))
	assert.EqualValues(t, 1, child.Coefficient(usage.OpcodeCategory(byte(vm.PUSH1))))
	assert.Equal(t, usage.CompletedSuccess, child.State())

	t.Run("CompareRuns", func(t *testing.T) {
		simulated := NewTracer(DefaultTracerConfig())
		runTx(simulated.Hooks(), tx, true)
		assert.Equal(t, usage.Bad, usage.Compare(tree, simulated.Trees()[0]))

		again := NewTracer(DefaultTracerConfig())
		runTx(again.Hooks(), tx, false)
		assert.Equal(t, usage.Good, usage.Compare(again.Trees()[0], tree))
	})

	t.Run("Reset", func(t *testing.T) {
		tracer.Reset()
		assert.Empty(t, tracer.Trees())
	})

	t.Run("HooksOutsideTransaction", func(t *testing.T) {
		idle := NewTracer(DefaultTracerConfig())
		hooks := idle.Hooks()
		hooks.OnEnter(0, byte(vm.CALL), common.Address{}, common.Address{}, nil, 0, nil)
		hooks.OnOpcode(0, byte(vm.STOP), 0, 0, nil, nil, 1, nil)
		hooks.OnExit(0, nil, 0, nil, false)
		hooks.OnTxEnd(nil, nil)
		assert.Empty(t, idle.Trees())
	})
}

func TestTracerFault(t *testing.T) {
	tx := types.NewTx(&types.LegacyTx{Gas: 50000, GasPrice: big.NewInt(1)})
	tracer := NewTracer(DefaultTracerConfig())
	hooks := tracer.Hooks()
	scope := &fakeScope{stack: stackOf(0, 0, 32)}

	hooks.OnTxStart(&tracing.VMContext{BlockNumber: big.NewInt(1)}, tx, common.Address{})
	hooks.OnGasChange(50000, 29000, tracing.GasChangeTxIntrinsicGas)
	hooks.OnEnter(0, byte(vm.CALL), common.Address{}, common.Address{}, nil, 29000, nil)
	step(hooks, 0, vm.RETURNDATACOPY, 29000, 6, scope, 1)
	fault := vm.VMErrorFromErr(vm.ErrReturnDataOutOfBounds)
	hooks.OnFault(0, byte(vm.RETURNDATACOPY), 29000, 6, scope, 1, fault)
	hooks.OnExit(0, nil, 29000, fault, false)
	hooks.OnTxEnd(&types.Receipt{GasUsed: 50000}, nil)

	require.Len(t, tracer.Trees(), 1)
	root := tracer.Trees()[0].Root()
	assert.EqualValues(t, 1, root.Coefficient(usage.OpcodeCategory(byte(vm.RETURNDATACOPY))))
	assert.EqualValues(t, 1, root.Coefficient(usage.InvalidReturnDataBufferAccess))
	assert.Equal(t, usage.CompletedFailed, root.State())

	t.Run("LoggedBeforeExecution", func(t *testing.T) {
		early := NewTracer(DefaultTracerConfig())
		hooks := early.Hooks()
		hooks.OnTxStart(&tracing.VMContext{BlockNumber: big.NewInt(1)}, tx, common.Address{})
		hooks.OnEnter(0, byte(vm.CALL), common.Address{}, common.Address{}, nil, 29000, nil)
		underflow := vm.VMErrorFromErr(&vm.ErrStackUnderflow{})
		hooks.OnOpcode(0, byte(vm.ADD), 29000, 3, &fakeScope{}, nil, 1, underflow)
		hooks.OnExit(0, nil, 29000, underflow, false)
		hooks.OnTxEnd(&types.Receipt{GasUsed: 50000}, nil)

		root := early.Trees()[0].Root()
		assert.EqualValues(t, 1, root.Coefficient(usage.OpcodeCategory(byte(vm.ADD))))
		assert.EqualValues(t, 1, root.Coefficient(usage.InsufficientStackItems))
	})
}

func slowDispatcher(veryLow uint64) *gascost.Dispatcher {
	table := gascost.LiveTable()
	table.VeryLowTier = veryLow
	return gascost.NewDispatcher(gascost.Live(), gascost.NewSchedule("slow", table))
}

func TestTracerSimulation(t *testing.T) {
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 100000, GasPrice: big.NewInt(1)})

	live := NewTracer(TracerConfig{Dispatcher: slowDispatcher(6000), Mode: gascost.ModeLive})
	runTx(live.Hooks(), tx, false)
	liveTree := live.Trees()[0]
	require.Equal(t, 2, liveTree.Len())
	assert.Equal(t, usage.CompletedSuccess, liveTree.Root().Children()[0].State())
	assert.EqualValues(t, 21000, liveTree.Root().Coefficient(usage.TxInitialGas))

	sim := NewTracer(TracerConfig{Dispatcher: slowDispatcher(6000), Mode: gascost.ModeSimulation})
	runTx(sim.Hooks(), tx, false)
	simTree := sim.Trees()[0]
	assert.Equal(t, usage.CompletedSuccess, simTree.Root().State())
	assert.Equal(t, usage.CompletedFailed, simTree.Root().Children()[0].State())
	assert.Equal(t, usage.Bad, usage.Compare(liveTree, simTree))

	cheap := NewTracer(TracerConfig{Dispatcher: gascost.DefaultDispatcher(), Mode: gascost.ModeSimulation})
	runTx(cheap.Hooks(), tx, false)
	assert.Equal(t, usage.Good, usage.Compare(liveTree, cheap.Trees()[0]))
}

func TestSimulatedSuccess(t *testing.T) {
	cases := []struct {
		name    string
		meter   frameMeter
		gasUsed uint64
		success bool
		err     error
		want    bool
	}{
		{"Unchanged", frameMeter{gas: 100}, 50, true, nil, true},
		{"FitsWithSurcharge", frameMeter{gas: 100, delta: 50}, 50, true, nil, true},
		{"ExhaustedBySurcharge", frameMeter{gas: 100, delta: 51}, 50, true, nil, false},
		{"RescuedByDiscount", frameMeter{gas: 100, delta: -10}, 100, false, vm.VMErrorFromErr(vm.ErrOutOfGas), true},
		{"RevertStaysFailed", frameMeter{gas: 100, delta: -10}, 40, false, vm.ErrExecutionReverted, false},
		{"OutOfGasWithoutDiscount", frameMeter{gas: 100}, 100, false, vm.ErrOutOfGas, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, simulatedSuccess(tc.meter, tc.gasUsed, tc.success, tc.err))
		})
	}
}

func TestReprice(t *testing.T) {
	live, sim := gascost.Live(), gascost.EIP7904()

	cases := []struct {
		name  string
		op    vm.OpCode
		cost  uint64
		scope tracing.OpContext
		want  uint64
	}{
		{"MSTOREExpandsMemory", vm.MSTORE, 6, &fakeScope{stack: stackOf(0, 1)}, 1},
		{"MSTOREWithinMemory", vm.MSTORE, 3, &fakeScope{memory: make([]byte, 32), stack: stackOf(0, 1)}, 1},
		{"EXPTwoBytes", vm.EXP, 110, &fakeScope{stack: stackOf(2, 0x0100)}, 10},
		{"WarmSLOAD", vm.SLOAD, 100, &fakeScope{}, 5},
		{"ColdSLOAD", vm.SLOAD, 2100, &fakeScope{}, 2100},
		{"TLOAD", vm.TLOAD, 100, nil, 5},
		{"ADDUnchanged", vm.ADD, 3, nil, 3},
		{"CALLCarriesOver", vm.CALL, 5100, &fakeScope{}, 5100},
		{"CALLDATACOPY", vm.CALLDATACOPY, 3 + 3 + 3, &fakeScope{stack: stackOf(0, 0, 32)}, 1 + 1},
		{"MissingOperands", vm.MSTORE, 6, &fakeScope{}, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Reprice(tc.op, tc.cost, tc.scope, live, sim))
		})
	}

	t.Run("Tier", func(t *testing.T) {
		slow := slowDispatcher(7).Policy(gascost.ModeSimulation)
		assert.EqualValues(t, 7, Reprice(vm.ADD, 3, nil, live, slow))
		assert.EqualValues(t, 7, Reprice(vm.PUSH32, 3, nil, live, slow))
		assert.EqualValues(t, 5, Reprice(vm.MUL, 5, nil, live, slow))
	})
}

func TestIntrinsicGas(t *testing.T) {
	to := common.HexToAddress("0x02")
	tx := types.NewTx(&types.LegacyTx{To: &to, Gas: 50000, GasPrice: big.NewInt(1), Data: []byte{0, 1}})
	assert.EqualValues(t, 21000+4+16, IntrinsicGas(gascost.Live(), tx))
}

func TestHaltReasonOf(t *testing.T) {
	cases := []struct {
		err  error
		want HaltReason
	}{
		{nil, HaltNone},
		{vm.ErrOutOfGas, HaltInsufficientGas},
		{fmt.Errorf("wrapped: %w", vm.ErrInvalidJump), HaltInvalidJumpDestination},
		{vm.ErrWriteProtection, HaltIllegalStateChange},
		{vm.ErrReturnDataOutOfBounds, HaltInvalidReturnDataBufferAccess},
		{vm.ErrDepth, HaltMaxCallDepth},
		{vm.ErrExecutionReverted, HaltRevert},
		{errors.New("something else"), HaltInvalidOperation},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HaltReasonOf(tc.err), "%v", tc.err)
	}
}
