package gascost

import (
	"math/bits"

	"github.com/holiman/uint256"
)

// Schedule prices every query from a Table.
type Schedule struct {
	name  string
	table Table
}

var _ Calculator = (*Schedule)(nil)

// NewSchedule creates a schedule over a copy of t.
func NewSchedule(name string, t Table) *Schedule {
	return &Schedule{name: name, table: t}
}

// Live returns the live Prague schedule.
func Live() *Schedule {
	return NewSchedule("live", LiveTable())
}

// EIP7904 returns the simulated repricing schedule.
func EIP7904() *Schedule {
	return NewSchedule("eip7904", EIP7904Table())
}

// Name identifies the schedule in logs and reports.
func (s *Schedule) Name() string { return s.name }

// Table returns a copy of the schedule's constants.
func (s *Schedule) Table() Table { return s.table }

func (s *Schedule) String() string { return s.name }

func clampedAdd(a uint64, b ...uint64) uint64 {
	for _, v := range b {
		sum, carry := bits.Add64(a, v, 0)
		if carry != 0 {
			return maxGas
		}
		a = sum
	}
	return a
}

func clampedMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return maxGas
	}
	return lo
}

// memoryCost is the total cost of holding w words of memory.
func (s *Schedule) memoryCost(w uint64) uint64 {
	return clampedAdd(clampedMul(w, s.table.MemoryWord), clampedMul(w, w)/s.table.QuadCoeffDiv)
}

func (s *Schedule) ZeroTierGasCost() uint64    { return s.table.ZeroTier }
func (s *Schedule) BaseTierGasCost() uint64    { return s.table.BaseTier }
func (s *Schedule) VeryLowTierGasCost() uint64 { return s.table.VeryLowTier }
func (s *Schedule) LowTierGasCost() uint64     { return s.table.LowTier }
func (s *Schedule) MidTierGasCost() uint64     { return s.table.MidTier }
func (s *Schedule) HighTierGasCost() uint64    { return s.table.HighTier }

// MemoryExpansionGasCost returns the cost of growing memory from currentWords
// to cover [offset, offset+length). Touching no new memory is free.
func (s *Schedule) MemoryExpansionGasCost(currentWords, offset, length uint64) uint64 {
	if length == 0 {
		return 0
	}
	end, carry := bits.Add64(offset, length, 0)
	if carry != 0 {
		return maxGas
	}
	newWords := words(end)
	if newWords > memoryMaxWords {
		return maxGas
	}
	if newWords <= currentWords {
		return 0
	}
	return s.memoryCost(newWords) - s.memoryCost(currentWords)
}

func (s *Schedule) MLoadOperationGasCost(currentWords, offset uint64) uint64 {
	return clampedAdd(s.table.MLoadBase, s.MemoryExpansionGasCost(currentWords, offset, 32))
}

func (s *Schedule) MStoreOperationGasCost(currentWords, offset uint64) uint64 {
	return clampedAdd(s.table.MStoreBase, s.MemoryExpansionGasCost(currentWords, offset, 32))
}

func (s *Schedule) MStore8OperationGasCost(currentWords, offset uint64) uint64 {
	return clampedAdd(s.table.MStore8Base, s.MemoryExpansionGasCost(currentWords, offset, 1))
}

// DataCopyOperationGasCost prices CALLDATACOPY, CODECOPY and RETURNDATACOPY.
func (s *Schedule) DataCopyOperationGasCost(currentWords, offset, length uint64) uint64 {
	return clampedAdd(s.table.DataCopyBase,
		clampedMul(s.table.CopyWord, words(length)),
		s.MemoryExpansionGasCost(currentWords, offset, length))
}

// ExtCodeCopyOperationGasCost excludes the account access charge.
func (s *Schedule) ExtCodeCopyOperationGasCost(currentWords, offset, length uint64) uint64 {
	return clampedAdd(s.table.ExtCodeCopyBase,
		clampedMul(s.table.ExtCodeCopyWord, words(length)),
		s.MemoryExpansionGasCost(currentWords, offset, length))
}

func (s *Schedule) Keccak256OperationGasCost(currentWords, offset, length uint64) uint64 {
	return clampedAdd(s.table.Keccak256Base,
		clampedMul(s.table.Keccak256Word, words(length)),
		s.MemoryExpansionGasCost(currentWords, offset, length))
}

func (s *Schedule) LogOperationGasCost(currentWords, offset, length uint64, topics int) uint64 {
	return clampedAdd(s.table.LogBase,
		clampedMul(s.table.LogTopic, uint64(topics)),
		clampedMul(s.table.LogDataByte, length),
		s.MemoryExpansionGasCost(currentWords, offset, length))
}

func (s *Schedule) ExpOperationGasCost(exponentBytes int) uint64 {
	return clampedAdd(s.table.ExpBase, clampedMul(s.table.ExpByte, uint64(exponentBytes)))
}

func (s *Schedule) ColdAccountAccessCost() uint64 { return s.table.ColdAccountAccess }
func (s *Schedule) ColdSloadCost() uint64         { return s.table.ColdSload }
func (s *Schedule) WarmStorageReadCost() uint64   { return s.table.WarmStorageRead }

// SloadOperationGasCost excludes the cold access surcharge.
func (s *Schedule) SloadOperationGasCost() uint64 { return s.table.WarmStorageRead }

// CalculateStorageCost prices SSTORE per EIP-2200 with EIP-2929 access
// costs. The cold surcharge is charged separately.
func (s *Schedule) CalculateStorageCost(newValue, currentValue, originalValue *uint256.Int) uint64 {
	if currentValue.Eq(newValue) {
		return s.table.WarmStorageRead
	}
	if originalValue.Eq(currentValue) {
		if originalValue.IsZero() {
			return s.table.SstoreSet
		}
		return s.table.SstoreReset - s.table.ColdSload
	}
	return s.table.WarmStorageRead
}

// CalculateStorageRefundAmount returns the SSTORE refund delta per EIP-3529.
// The result is negative when a previously granted refund is revoked.
func (s *Schedule) CalculateStorageRefundAmount(newValue, currentValue, originalValue *uint256.Int) int64 {
	if currentValue.Eq(newValue) {
		return 0
	}
	clears := int64(s.table.SstoreClearsRefund)
	if originalValue.Eq(currentValue) {
		if !originalValue.IsZero() && newValue.IsZero() {
			return clears
		}
		return 0
	}
	var refund int64
	if !originalValue.IsZero() {
		if currentValue.IsZero() {
			refund -= clears
		} else if newValue.IsZero() {
			refund += clears
		}
	}
	if originalValue.Eq(newValue) {
		if originalValue.IsZero() {
			refund += int64(s.table.SstoreSet - s.table.WarmStorageRead)
		} else {
			refund += int64(s.table.SstoreReset - s.table.ColdSload - s.table.WarmStorageRead)
		}
	}
	return refund
}

func (s *Schedule) TransientLoadOperationGasCost() uint64  { return s.table.TransientLoad }
func (s *Schedule) TransientStoreOperationGasCost() uint64 { return s.table.TransientStore }

// CallOperationBaseGasCost is the warm access cost of the callee.
func (s *Schedule) CallOperationBaseGasCost() uint64 { return s.table.WarmStorageRead }
func (s *Schedule) CallValueTransferGasCost() uint64 { return s.table.CallValueTransfer }
func (s *Schedule) NewAccountGasCost() uint64        { return s.table.NewAccount }
func (s *Schedule) AdditionalCallStipend() uint64    { return s.table.CallStipend }
func (s *Schedule) CreateOperationGasCost() uint64   { return s.table.Create }

// Create2OperationGasCost includes hashing the init code but not the
// initcode word charge.
func (s *Schedule) Create2OperationGasCost(initCodeLength uint64) uint64 {
	return clampedAdd(s.table.Create, clampedMul(s.table.Keccak256Word, words(initCodeLength)))
}

func (s *Schedule) InitcodeCost(initCodeLength uint64) uint64 {
	return clampedMul(s.table.InitCodeWord, words(initCodeLength))
}

func (s *Schedule) CodeDepositGasCost(codeSize uint64) uint64 {
	return clampedMul(s.table.CodeDepositByte, codeSize)
}

func (s *Schedule) SelfDestructOperationGasCost(recipientEmpty, transfersValue bool) uint64 {
	if recipientEmpty && transfersValue {
		return clampedAdd(s.table.SelfDestruct, s.table.NewAccount)
	}
	return s.table.SelfDestruct
}

func (s *Schedule) EcrecPrecompiledContractGasCost() uint64 { return s.table.Ecrecover }

func (s *Schedule) Sha256PrecompiledContractGasCost(inputLength uint64) uint64 {
	return clampedAdd(s.table.Sha256Base, clampedMul(s.table.Sha256Word, words(inputLength)))
}

func (s *Schedule) Ripemd160PrecompiledContractGasCost(inputLength uint64) uint64 {
	return clampedAdd(s.table.Ripemd160Base, clampedMul(s.table.Ripemd160Word, words(inputLength)))
}

func (s *Schedule) IDPrecompiledContractGasCost(inputLength uint64) uint64 {
	return clampedAdd(s.table.IdentityBase, clampedMul(s.table.IdentityWord, words(inputLength)))
}

func (s *Schedule) ModExpMinimumGasCost() uint64 { return s.table.ModExpMin }

func (s *Schedule) Blake2bfPrecompiledContractGasCost(rounds uint32) uint64 {
	return clampedMul(s.table.Blake2fRound, uint64(rounds))
}

func (s *Schedule) EcAddPrecompiledContractGasCost() uint64 { return s.table.EcAdd }
func (s *Schedule) EcMulPrecompiledContractGasCost() uint64 { return s.table.EcMul }

func (s *Schedule) EcPairingPrecompiledContractGasCost(pairs uint64) uint64 {
	return clampedAdd(s.table.EcPairingBase, clampedMul(s.table.EcPairingPoint, pairs))
}

func (s *Schedule) KZGPointEvaluationGasCost() uint64 { return s.table.PointEvaluation }

// TransactionIntrinsicGasCost returns the base, calldata and creation charges
// plus baselineGas, which carries access list and authorization costs.
func (s *Schedule) TransactionIntrinsicGasCost(payload []byte, isContractCreation bool, baselineGas uint64) uint64 {
	zeros := countZeroBytes(payload)
	nonZeros := uint64(len(payload)) - zeros
	cost := clampedAdd(s.table.TxBase,
		clampedMul(zeros, s.table.TxDataZero),
		clampedMul(nonZeros, s.table.TxDataNonZero),
		baselineGas)
	if isContractCreation {
		cost = clampedAdd(cost, s.table.TxCreate-s.table.TxBase, s.InitcodeCost(uint64(len(payload))))
	}
	return cost
}

// TransactionFloorCost returns the EIP-7623 calldata floor.
func (s *Schedule) TransactionFloorCost(payload []byte) uint64 {
	zeros := countZeroBytes(payload)
	tokens := clampedAdd(zeros, clampedMul(uint64(len(payload))-zeros, s.table.TxTokensPerNonZero))
	return clampedAdd(s.table.TxBase, clampedMul(tokens, s.table.TxFloorPerToken))
}

func (s *Schedule) AccessListGasCost(addresses, storageKeys uint64) uint64 {
	return clampedAdd(clampedMul(addresses, s.table.TxAccessListAddress), clampedMul(storageKeys, s.table.TxAccessListKey))
}

func (s *Schedule) DelegateCodeGasCost(authorizations uint64) uint64 {
	return clampedMul(authorizations, s.table.TxAuthorization)
}

func (s *Schedule) MaxRefundQuotient() uint64      { return s.table.RefundQuotient }
func (s *Schedule) MinimumTransactionCost() uint64 { return s.table.TxBase }

func (s *Schedule) BlobGasCost(blobCount uint64) uint64 {
	return clampedMul(blobCount, s.table.BlobGasPerBlob)
}
