// Package gascost provides the EVM gas cost policies used during replay.
//
// A Calculator answers every named cost query the interpreter needs. Two
// independent policies exist: the live schedule and a simulated repricing.
// A Dispatcher holds both and hands out per-execution Sessions that route each
// query to the policy selected by the session's Mode.
package gascost

import "github.com/holiman/uint256"

// Calculator is the full surface of gas cost queries. Memory-related queries
// take the frame's current memory size in 32-byte words.
type Calculator interface {
	// Opcode tiers.
	ZeroTierGasCost() uint64
	BaseTierGasCost() uint64
	VeryLowTierGasCost() uint64
	LowTierGasCost() uint64
	MidTierGasCost() uint64
	HighTierGasCost() uint64

	// Memory.
	MemoryExpansionGasCost(currentWords, offset, length uint64) uint64
	MLoadOperationGasCost(currentWords, offset uint64) uint64
	MStoreOperationGasCost(currentWords, offset uint64) uint64
	MStore8OperationGasCost(currentWords, offset uint64) uint64
	DataCopyOperationGasCost(currentWords, offset, length uint64) uint64
	ExtCodeCopyOperationGasCost(currentWords, offset, length uint64) uint64
	Keccak256OperationGasCost(currentWords, offset, length uint64) uint64
	LogOperationGasCost(currentWords, offset, length uint64, topics int) uint64
	ExpOperationGasCost(exponentBytes int) uint64

	// Account and storage access.
	ColdAccountAccessCost() uint64
	ColdSloadCost() uint64
	WarmStorageReadCost() uint64
	SloadOperationGasCost() uint64
	CalculateStorageCost(newValue, currentValue, originalValue *uint256.Int) uint64
	CalculateStorageRefundAmount(newValue, currentValue, originalValue *uint256.Int) int64
	TransientLoadOperationGasCost() uint64
	TransientStoreOperationGasCost() uint64

	// Calls and contract creation.
	CallOperationBaseGasCost() uint64
	CallValueTransferGasCost() uint64
	NewAccountGasCost() uint64
	AdditionalCallStipend() uint64
	CreateOperationGasCost() uint64
	Create2OperationGasCost(initCodeLength uint64) uint64
	InitcodeCost(initCodeLength uint64) uint64
	CodeDepositGasCost(codeSize uint64) uint64
	SelfDestructOperationGasCost(recipientEmpty, transfersValue bool) uint64

	// Precompiled contracts.
	EcrecPrecompiledContractGasCost() uint64
	Sha256PrecompiledContractGasCost(inputLength uint64) uint64
	Ripemd160PrecompiledContractGasCost(inputLength uint64) uint64
	IDPrecompiledContractGasCost(inputLength uint64) uint64
	ModExpMinimumGasCost() uint64
	Blake2bfPrecompiledContractGasCost(rounds uint32) uint64
	EcAddPrecompiledContractGasCost() uint64
	EcMulPrecompiledContractGasCost() uint64
	EcPairingPrecompiledContractGasCost(pairs uint64) uint64
	KZGPointEvaluationGasCost() uint64

	// Transactions.
	TransactionIntrinsicGasCost(payload []byte, isContractCreation bool, baselineGas uint64) uint64
	TransactionFloorCost(payload []byte) uint64
	AccessListGasCost(addresses, storageKeys uint64) uint64
	DelegateCodeGasCost(authorizations uint64) uint64
	MaxRefundQuotient() uint64
	MinimumTransactionCost() uint64
	BlobGasCost(blobCount uint64) uint64
}

// words returns the number of 32-byte words covering n bytes.
func words(n uint64) uint64 {
	return (n + 31) / 32
}

// countZeroBytes returns the number of zero bytes in b.
func countZeroBytes(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		if c == 0 {
			n++
		}
	}
	return n
}
