package usage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core/vm"
)

// Category names one cost cell of a frame. Categories are dense indices: the
// first 256 are EVM opcodes, the rest are cross-cutting cost components.
type Category uint16

// NumOpcodes is the number of opcode categories.
const NumOpcodes = 256

// Cross-cutting categories. The order here fixes both the dense index and the
// ordering of report output.
const (
	TooManyStackItems Category = NumOpcodes + iota
	InsufficientStackItems
	ExpOperationByteGasCost
	MemoryWordGasCost
	Keccak256OperationWordGasCost
	LogOperationDataByteGasCost
	ColdAccountAccessCost
	WarmAccountAccessCost
	CopyWordGasCost
	ColdStorageAccessCost
	WarmStorageAccessCost
	InvalidReturnDataBufferAccess
	OutOfBounds
	InvalidOperation
	CallValueTransferGasCost
	NonZeroToEmptyAccountGasCost
	NonZeroToNonExistentAccountGasCost
	NonZeroToExistentAccountGasCost
	ZeroToEmptyAccountGasCost
	ZeroToNonExistentAccountGasCost
	ZeroToExistentAccountGasCost
	TxTotalGas
	TxRefundGas
	TxInitialGas
	NonZeroCalldataByte
	ZeroCalldataByte
	AccessListAddressCost
	AccessListStorageCost
	PrecompiledOther
	PrecompiledEcrec
	PrecompiledSha256Base
	PrecompiledSha256Word
	PrecompiledRipemd160Base
	PrecompiledRipemd160Word
	PrecompiledIDBase
	PrecompiledIDWord
	PrecompiledBlake2bfRounds
	PrecompiledModExp
	PrecompiledEcAdd
	PrecompiledEcMul
	PrecompiledEcPairingBase
	PrecompiledEcPairingParameters
	PrecompiledKZGPointEval

	numCategories
)

// NumCategories is the number of cells in a coefficient array.
const NumCategories = int(numCategories)

type categoryInfo struct {
	id   int
	name string
}

// External identifiers of the cross-cutting categories, indexed by
// c - NumOpcodes. Identifiers are strictly increasing.
var namedCategories = [NumCategories - NumOpcodes]categoryInfo{
	{0x0101, "TOO_MANY_STACK_ITEMS"},
	{0x0102, "INSUFFICIENT_STACK_ITEMS"},
	{0x0103, "EXP_OPERATION_BYTE_GAS_COST"},
	{0x0104, "MEMORY_WORD_GAS_COST"},
	{0x0105, "KECCAK256_OPERATION_WORD_GAS_COST"},
	{0x0106, "LOG_OPERATION_DATA_BYTE_GAS_COST"},
	{0x0107, "COLD_ACCOUNT_ACCESS_COST"},
	{0x0108, "WARM_ACCOUNT_ACCESS_COST"},
	{0x0109, "COPY_WORD_GAS_COST"},
	{0x010a, "COLD_STORAGE_ACCESS_COST"},
	{0x010b, "WARM_STORAGE_ACCESS_COST"},
	{0x0110, "INVALID_RETURN_DATA_BUFFER_ACCESS"},
	{0x0111, "OUT_OF_BOUNDS"},
	{0x0112, "INVALID_OPERATION"},
	{0x0113, "CALL_VALUE_TRANSFER_GAS_COST"},
	{0x0114, "NON_ZERO_TO_EMPTY_ACCOUNT_GAS_COST"},
	{0x0115, "NON_ZERO_TO_NON_EXISTENT_ACCOUNT_GAS_COST"},
	{0x0116, "NON_ZERO_TO_EXISTENT_ACCOUNT_GAS_COST"},
	{0x0117, "ZERO_TO_EMPTY_ACCOUNT_GAS_COST"},
	{0x0118, "ZERO_TO_NON_EXISTENT_ACCOUNT_GAS_COST"},
	{0x0119, "ZERO_TO_EXISTENT_ACCOUNT_GAS_COST"},
	{0x011a, "TX_TOTAL_GAS"},
	{0x011b, "TX_REFUND_GAS"},
	{0x011c, "TX_INITIAL_GAS"},
	{0x011d, "NON_ZERO_CALLDATA_BYTE"},
	{0x011e, "ZERO_CALLDATA_BYTE"},
	{0x011f, "ACCESS_LIST_ADDRESS_COST"},
	{0x0120, "ACCESS_LIST_STORAGE_COST"},
	{0x0130, "PRECOMPILED_OTHER"},
	{0x0131, "PRECOMPILED_ECREC"},
	{0x0132, "PRECOMPILED_SHA256_BASE_GAS_COST"},
	{0x0133, "PRECOMPILED_SHA256_WORD_GAS_COST"},
	{0x0134, "PRECOMPILED_RIPEMD160_BASE_GAS_COST"},
	{0x0135, "PRECOMPILED_RIPEMD160_WORD_GAS_COST"},
	{0x0136, "PRECOMPILED_ID_BASE_GAS_COST"},
	{0x0137, "PRECOMPILED_ID_WORD_GAS_COST"},
	{0x0138, "PRECOMPILED_BLAKE2BF_ROUNDS"},
	{0x0139, "PRECOMPILED_MOD_EXP"},
	{0x013a, "PRECOMPILED_EC_ADD"},
	{0x013b, "PRECOMPILED_EC_MUL"},
	{0x013c, "PRECOMPILED_EC_PAIRING_BASE"},
	{0x013d, "PRECOMPILED_EC_PAIRING_PARAMETERS"},
	{0x013e, "PRECOMPILED_KZG_POINT_EVAL"},
}

var categoryByID = func() map[int]Category {
	m := make(map[int]Category, NumCategories)
	for i := 0; i < NumOpcodes; i++ {
		m[i] = Category(i)
	}
	for i, info := range namedCategories {
		m[info.id] = Category(NumOpcodes + i)
	}
	return m
}()

// OpcodeCategory returns the category counting executions of op.
func OpcodeCategory(op byte) Category {
	return Category(op)
}

// CategoryFromID resolves an external identifier as printed in reports.
func CategoryFromID(id int) (Category, bool) {
	c, ok := categoryByID[id]
	return c, ok
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return int(c) < NumCategories
}

// IsOpcode reports whether c counts executions of a single opcode.
func (c Category) IsOpcode() bool {
	return c < NumOpcodes
}

// ID returns the external identifier used in reports.
func (c Category) ID() int {
	if c.IsOpcode() {
		return int(c)
	}
	if !c.Valid() {
		return -1
	}
	return namedCategories[c-NumOpcodes].id
}

func (c Category) String() string {
	switch {
	case c.IsOpcode():
		return vm.OpCode(c).String()
	case c.Valid():
		return namedCategories[c-NumOpcodes].name
	default:
		return fmt.Sprintf("CATEGORY(%d)", uint16(c))
	}
}

// Entry is a single (category, delta) cost report entry.
type Entry struct {
	Category Category
	Delta    int64
}

// Count returns an entry counting one occurrence of c.
func Count(c Category) Entry {
	return Entry{Category: c, Delta: 1}
}

// Raw returns an entry carrying a raw gas amount for c.
func Raw(c Category, gas int64) Entry {
	return Entry{Category: c, Delta: gas}
}

// Coefficients is the per-frame array of accumulated cost cells.
type Coefficients [NumCategories]int64

// Add accumulates o into c.
func (c *Coefficients) Add(o *Coefficients) {
	for i := range c {
		c[i] += o[i]
	}
}

// NonZero returns the number of nonzero cells.
func (c Coefficients) NonZero() int {
	n := 0
	for _, v := range c {
		if v != 0 {
			n++
		}
	}
	return n
}
