package operation

import (
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

type tierFunc func(gascost.Calculator) uint64

// tierCosts maps opcodes with a constant cost to their tier.
var tierCosts = func() map[vm.OpCode]tierFunc {
	m := make(map[vm.OpCode]tierFunc)
	set := func(f tierFunc, ops ...vm.OpCode) {
		for _, op := range ops {
			m[op] = f
		}
	}
	set(gascost.Calculator.ZeroTierGasCost, vm.STOP)
	set(gascost.Calculator.BaseTierGasCost,
		vm.ADDRESS, vm.ORIGIN, vm.CALLER, vm.CALLVALUE, vm.CALLDATASIZE, vm.CODESIZE,
		vm.GASPRICE, vm.RETURNDATASIZE, vm.COINBASE, vm.TIMESTAMP, vm.NUMBER, vm.DIFFICULTY,
		vm.GASLIMIT, vm.CHAINID, vm.BASEFEE, vm.BLOBBASEFEE, vm.POP, vm.PC, vm.MSIZE, vm.GAS,
		vm.PUSH0)
	set(gascost.Calculator.VeryLowTierGasCost,
		vm.ADD, vm.SUB, vm.NOT, vm.LT, vm.GT, vm.SLT, vm.SGT, vm.EQ, vm.ISZERO, vm.AND,
		vm.OR, vm.XOR, vm.BYTE, vm.SHL, vm.SHR, vm.SAR, vm.CALLDATALOAD, vm.BLOBHASH)
	set(gascost.Calculator.LowTierGasCost,
		vm.MUL, vm.DIV, vm.SDIV, vm.MOD, vm.SMOD, vm.SIGNEXTEND, vm.SELFBALANCE)
	set(gascost.Calculator.MidTierGasCost, vm.ADDMOD, vm.MULMOD, vm.JUMP)
	set(gascost.Calculator.HighTierGasCost, vm.JUMPI)
	for op := vm.PUSH1; op <= vm.PUSH32; op++ {
		m[op] = gascost.Calculator.VeryLowTierGasCost
	}
	for op := vm.DUP1; op <= vm.DUP16; op++ {
		m[op] = gascost.Calculator.VeryLowTierGasCost
	}
	for op := vm.SWAP1; op <= vm.SWAP16; op++ {
		m[op] = gascost.Calculator.VeryLowTierGasCost
	}
	return m
}()

// Reprice converts the cost the interpreter charged for op into the cost
// under sim. The schedule-dependent part is priced under both policies and
// swapped; what remains, such as cold access surcharges or gas forwarded to
// a call, carries over unchanged. Opcodes without a schedule-dependent part
// keep their cost.
func Reprice(op vm.OpCode, cost uint64, scope tracing.OpContext, live, sim gascost.Calculator) uint64 {
	price, ok := pricer(op, cost, scope, live)
	if !ok {
		return cost
	}
	livePrice := price(live)
	if livePrice > cost {
		return cost
	}
	rest := cost - livePrice
	simPrice := price(sim)
	if simPrice > ^uint64(0)-rest {
		return ^uint64(0)
	}
	return rest + simPrice
}

// pricer returns the schedule-dependent part of op as a function of the
// policy. The operands are read from scope before the opcode executes.
func pricer(op vm.OpCode, cost uint64, scope tracing.OpContext, live gascost.Calculator) (tierFunc, bool) {
	if f, ok := tierCosts[op]; ok {
		return f, true
	}
	switch op {
	case vm.SLOAD:
		switch cost {
		case live.SloadOperationGasCost():
			return gascost.Calculator.SloadOperationGasCost, true
		case live.ColdSloadCost():
			return gascost.Calculator.ColdSloadCost, true
		}
		return nil, false
	case vm.TLOAD:
		return gascost.Calculator.TransientLoadOperationGasCost, true
	case vm.TSTORE:
		return gascost.Calculator.TransientStoreOperationGasCost, true
	}
	if scope == nil {
		return nil, false
	}

	stack := scope.StackData()
	words := uint64(len(scope.MemoryData())) / 32
	arg := func(i int) (uint64, bool) {
		if i >= len(stack) {
			return 0, false
		}
		v := &stack[len(stack)-1-i]
		if !v.IsUint64() {
			return 0, false
		}
		return v.Uint64(), true
	}
	args := func(idx ...int) ([]uint64, bool) {
		out := make([]uint64, len(idx))
		for i, n := range idx {
			v, ok := arg(n)
			if !ok {
				return nil, false
			}
			out[i] = v
		}
		return out, true
	}

	switch op {
	case vm.EXP:
		if len(stack) < 2 {
			return nil, false
		}
		n := (stack[len(stack)-2].BitLen() + 7) / 8
		return func(c gascost.Calculator) uint64 { return c.ExpOperationGasCost(n) }, true
	case vm.MLOAD, vm.MSTORE, vm.MSTORE8:
		a, ok := args(0)
		if !ok {
			return nil, false
		}
		return func(c gascost.Calculator) uint64 {
			switch op {
			case vm.MLOAD:
				return c.MLoadOperationGasCost(words, a[0])
			case vm.MSTORE:
				return c.MStoreOperationGasCost(words, a[0])
			default:
				return c.MStore8OperationGasCost(words, a[0])
			}
		}, true
	case vm.KECCAK256:
		a, ok := args(0, 1)
		if !ok {
			return nil, false
		}
		return func(c gascost.Calculator) uint64 { return c.Keccak256OperationGasCost(words, a[0], a[1]) }, true
	case vm.CALLDATACOPY, vm.CODECOPY, vm.RETURNDATACOPY:
		a, ok := args(0, 2)
		if !ok {
			return nil, false
		}
		return func(c gascost.Calculator) uint64 { return c.DataCopyOperationGasCost(words, a[0], a[1]) }, true
	case vm.MCOPY:
		a, ok := args(0, 1, 2)
		if !ok {
			return nil, false
		}
		return func(c gascost.Calculator) uint64 { return c.DataCopyOperationGasCost(words, max(a[0], a[1]), a[2]) }, true
	case vm.EXTCODECOPY:
		a, ok := args(1, 3)
		if !ok {
			return nil, false
		}
		return func(c gascost.Calculator) uint64 { return c.ExtCodeCopyOperationGasCost(words, a[0], a[1]) }, true
	case vm.LOG0, vm.LOG1, vm.LOG2, vm.LOG3, vm.LOG4:
		a, ok := args(0, 1)
		if !ok {
			return nil, false
		}
		topics := int(op - vm.LOG0)
		return func(c gascost.Calculator) uint64 { return c.LogOperationGasCost(words, a[0], a[1], topics) }, true
	case vm.RETURN, vm.REVERT:
		a, ok := args(0, 1)
		if !ok {
			return nil, false
		}
		return func(c gascost.Calculator) uint64 {
			return c.ZeroTierGasCost() + c.MemoryExpansionGasCost(words, a[0], a[1])
		}, true
	}
	return nil, false
}

// IntrinsicGas prices a transaction's intrinsic charges under c.
func IntrinsicGas(c gascost.Calculator, tx *types.Transaction) uint64 {
	al := tx.AccessList()
	baseline := c.AccessListGasCost(uint64(len(al)), uint64(al.StorageKeys()))
	baseline += c.DelegateCodeGasCost(uint64(len(tx.SetCodeAuthorizations())))
	return c.TransactionIntrinsicGasCost(tx.Data(), tx.To() == nil, baseline)
}

// TxDataUsage counts the calldata bytes and access list entries of tx. It
// returns nil for a transaction with neither.
func TxDataUsage(tx *types.Transaction) []usage.Entry {
	var entries []usage.Entry
	if data := tx.Data(); len(data) > 0 {
		var zeros int64
		for _, b := range data {
			if b == 0 {
				zeros++
			}
		}
		entries = append(entries,
			usage.Raw(usage.ZeroCalldataByte, zeros),
			usage.Raw(usage.NonZeroCalldataByte, int64(len(data))-zeros))
	}
	if al := tx.AccessList(); len(al) > 0 {
		entries = append(entries,
			usage.Raw(usage.AccessListAddressCost, int64(len(al))),
			usage.Raw(usage.AccessListStorageCost, int64(al.StorageKeys())))
	}
	return entries
}
