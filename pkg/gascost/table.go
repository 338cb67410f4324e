package gascost

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/params"
)

var (
	// ErrUnknownCost is returned when an override names no table entry.
	ErrUnknownCost = errors.New("unknown gas cost")

	// ErrZeroQuadDivisor is returned when QUAD_COEFF_DIV is set to zero.
	ErrZeroQuadDivisor = errors.New("memory quadratic divisor must be nonzero")

	// ErrCostOrder is returned when an override makes a cost smaller than
	// the cost it is priced relative to.
	ErrCostOrder = errors.New("inconsistent gas costs")
)

// Opcode tier costs.
const (
	tierZero    = uint64(0)
	tierBase    = uint64(2)
	tierVeryLow = uint64(3)
	tierLow     = uint64(5)
	tierMid     = uint64(8)
	tierHigh    = uint64(10)
)

// Precompile costs with no exported protocol constant.
const (
	modExpMinGas    = uint64(200) // EIP-2565
	blake2fRoundGas = uint64(1)   // EIP-152
	memoryMaxWords  = uint64(0x1FFFFFFFE0 / 32)
	maxGas          = ^uint64(0)
)

// Table holds every constant a Schedule prices with.
type Table struct {
	ZeroTier    uint64
	BaseTier    uint64
	VeryLowTier uint64
	LowTier     uint64
	MidTier     uint64
	HighTier    uint64

	// Memory cost of w words is w*MemoryWord + w*w/QuadCoeffDiv.
	MemoryWord   uint64
	QuadCoeffDiv uint64
	MLoadBase    uint64
	MStoreBase   uint64
	MStore8Base  uint64

	DataCopyBase       uint64
	CopyWord           uint64
	ExtCodeCopyBase    uint64
	ExtCodeCopyWord    uint64
	Keccak256Base      uint64
	Keccak256Word      uint64
	LogBase            uint64
	LogTopic           uint64
	LogDataByte        uint64
	ExpBase            uint64
	ExpByte            uint64
	ColdAccountAccess  uint64
	ColdSload          uint64
	WarmStorageRead    uint64
	SstoreSet          uint64
	SstoreReset        uint64
	SstoreClearsRefund uint64
	TransientLoad      uint64
	TransientStore     uint64

	CallValueTransfer uint64
	NewAccount        uint64
	CallStipend       uint64
	Create            uint64
	InitCodeWord      uint64
	CodeDepositByte   uint64
	SelfDestruct      uint64

	Ecrecover       uint64
	Sha256Base      uint64
	Sha256Word      uint64
	Ripemd160Base   uint64
	Ripemd160Word   uint64
	IdentityBase    uint64
	IdentityWord    uint64
	ModExpMin       uint64
	Blake2fRound    uint64
	EcAdd           uint64
	EcMul           uint64
	EcPairingBase   uint64
	EcPairingPoint  uint64
	PointEvaluation uint64

	TxBase              uint64
	TxCreate            uint64
	TxDataZero          uint64
	TxDataNonZero       uint64
	TxAccessListAddress uint64
	TxAccessListKey     uint64
	TxAuthorization     uint64
	TxFloorPerToken     uint64
	TxTokensPerNonZero  uint64
	RefundQuotient      uint64
	BlobGasPerBlob      uint64
}

// LiveTable returns the Prague mainnet schedule.
func LiveTable() Table {
	return Table{
		ZeroTier:    tierZero,
		BaseTier:    tierBase,
		VeryLowTier: tierVeryLow,
		LowTier:     tierLow,
		MidTier:     tierMid,
		HighTier:    tierHigh,

		MemoryWord:   params.MemoryGas,
		QuadCoeffDiv: params.QuadCoeffDiv,
		MLoadBase:    tierVeryLow,
		MStoreBase:   tierVeryLow,
		MStore8Base:  tierVeryLow,

		DataCopyBase:       tierVeryLow,
		CopyWord:           params.CopyGas,
		ExtCodeCopyBase:    0,
		ExtCodeCopyWord:    params.CopyGas,
		Keccak256Base:      params.Keccak256Gas,
		Keccak256Word:      params.Keccak256WordGas,
		LogBase:            params.LogGas,
		LogTopic:           params.LogTopicGas,
		LogDataByte:        params.LogDataGas,
		ExpBase:            params.ExpGas,
		ExpByte:            params.ExpByteEIP158,
		ColdAccountAccess:  params.ColdAccountAccessCostEIP2929,
		ColdSload:          params.ColdSloadCostEIP2929,
		WarmStorageRead:    params.WarmStorageReadCostEIP2929,
		SstoreSet:          params.SstoreSetGasEIP2200,
		SstoreReset:        params.SstoreResetGasEIP2200,
		SstoreClearsRefund: params.SstoreClearsScheduleRefundEIP3529,
		TransientLoad:      params.WarmStorageReadCostEIP2929,
		TransientStore:     params.WarmStorageReadCostEIP2929,

		CallValueTransfer: params.CallValueTransferGas,
		NewAccount:        params.CallNewAccountGas,
		CallStipend:       params.CallStipend,
		Create:            params.CreateGas,
		InitCodeWord:      params.InitCodeWordGas,
		CodeDepositByte:   params.CreateDataGas,
		SelfDestruct:      params.SelfdestructGasEIP150,

		Ecrecover:       params.EcrecoverGas,
		Sha256Base:      params.Sha256BaseGas,
		Sha256Word:      params.Sha256PerWordGas,
		Ripemd160Base:   params.Ripemd160BaseGas,
		Ripemd160Word:   params.Ripemd160PerWordGas,
		IdentityBase:    params.IdentityBaseGas,
		IdentityWord:    params.IdentityPerWordGas,
		ModExpMin:       modExpMinGas,
		Blake2fRound:    blake2fRoundGas,
		EcAdd:           params.Bn256AddGasIstanbul,
		EcMul:           params.Bn256ScalarMulGasIstanbul,
		EcPairingBase:   params.Bn256PairingBaseGasIstanbul,
		EcPairingPoint:  params.Bn256PairingPerPointGasIstanbul,
		PointEvaluation: params.BlobTxPointEvaluationPrecompileGas,

		TxBase:              params.TxGas,
		TxCreate:            params.TxGasContractCreation,
		TxDataZero:          params.TxDataZeroGas,
		TxDataNonZero:       params.TxDataNonZeroGasEIP2028,
		TxAccessListAddress: params.TxAccessListAddressGas,
		TxAccessListKey:     params.TxAccessListStorageKeyGas,
		TxAuthorization:     params.CallNewAccountGas,
		TxFloorPerToken:     params.TxCostFloorPerToken,
		TxTokensPerNonZero:  params.TxTokenPerNonZeroByte,
		RefundQuotient:      params.RefundQuotientEIP3529,
		BlobGasPerBlob:      params.BlobTxBlobGasPerBlob,
	}
}

// EIP7904Table returns the simulated repricing: memory expansion is purely
// quadratic, memory and copy opcodes drop to a base of 1, EXP costs 2 plus 4
// per exponent byte, warm storage and transient storage reads cost 5.
func EIP7904Table() Table {
	t := LiveTable()
	t.MemoryWord = 0
	t.MLoadBase = 1
	t.MStoreBase = 1
	t.MStore8Base = 1
	t.DataCopyBase = 1
	t.CopyWord = 1
	t.ExtCodeCopyBase = 0
	t.ExtCodeCopyWord = 1
	t.ExpBase = 2
	t.ExpByte = 4
	t.WarmStorageRead = 5
	t.TransientLoad = 5
	t.TransientStore = 5
	return t
}

// fields maps override keys to table entries.
func (t *Table) fields() map[string]*uint64 {
	return map[string]*uint64{
		"ZERO_TIER":              &t.ZeroTier,
		"BASE_TIER":              &t.BaseTier,
		"VERY_LOW_TIER":          &t.VeryLowTier,
		"LOW_TIER":               &t.LowTier,
		"MID_TIER":               &t.MidTier,
		"HIGH_TIER":              &t.HighTier,
		"MEMORY_WORD":            &t.MemoryWord,
		"QUAD_COEFF_DIV":         &t.QuadCoeffDiv,
		"MLOAD_BASE":             &t.MLoadBase,
		"MSTORE_BASE":            &t.MStoreBase,
		"MSTORE8_BASE":           &t.MStore8Base,
		"DATA_COPY_BASE":         &t.DataCopyBase,
		"COPY_WORD":              &t.CopyWord,
		"EXTCODECOPY_BASE":       &t.ExtCodeCopyBase,
		"EXTCODECOPY_WORD":       &t.ExtCodeCopyWord,
		"KECCAK256_BASE":         &t.Keccak256Base,
		"KECCAK256_WORD":         &t.Keccak256Word,
		"LOG_BASE":               &t.LogBase,
		"LOG_TOPIC":              &t.LogTopic,
		"LOG_DATA_BYTE":          &t.LogDataByte,
		"EXP_BASE":               &t.ExpBase,
		"EXP_BYTE":               &t.ExpByte,
		"COLD_ACCOUNT_ACCESS":    &t.ColdAccountAccess,
		"COLD_SLOAD":             &t.ColdSload,
		"WARM_STORAGE_READ":      &t.WarmStorageRead,
		"SSTORE_SET":             &t.SstoreSet,
		"SSTORE_RESET":           &t.SstoreReset,
		"SSTORE_CLEARS_REFUND":   &t.SstoreClearsRefund,
		"TLOAD":                  &t.TransientLoad,
		"TSTORE":                 &t.TransientStore,
		"CALL_VALUE_TRANSFER":    &t.CallValueTransfer,
		"NEW_ACCOUNT":            &t.NewAccount,
		"CALL_STIPEND":           &t.CallStipend,
		"CREATE":                 &t.Create,
		"INITCODE_WORD":          &t.InitCodeWord,
		"CODE_DEPOSIT_BYTE":      &t.CodeDepositByte,
		"SELFDESTRUCT":           &t.SelfDestruct,
		"ECRECOVER":              &t.Ecrecover,
		"SHA256_BASE":            &t.Sha256Base,
		"SHA256_WORD":            &t.Sha256Word,
		"RIPEMD160_BASE":         &t.Ripemd160Base,
		"RIPEMD160_WORD":         &t.Ripemd160Word,
		"IDENTITY_BASE":          &t.IdentityBase,
		"IDENTITY_WORD":          &t.IdentityWord,
		"MODEXP_MIN":             &t.ModExpMin,
		"BLAKE2F_ROUND":          &t.Blake2fRound,
		"EC_ADD":                 &t.EcAdd,
		"EC_MUL":                 &t.EcMul,
		"EC_PAIRING_BASE":        &t.EcPairingBase,
		"EC_PAIRING_POINT":       &t.EcPairingPoint,
		"POINT_EVALUATION":       &t.PointEvaluation,
		"TX_BASE":                &t.TxBase,
		"TX_CREATE":              &t.TxCreate,
		"TX_DATA_ZERO":           &t.TxDataZero,
		"TX_DATA_NON_ZERO":       &t.TxDataNonZero,
		"TX_ACCESS_LIST_ADDRESS": &t.TxAccessListAddress,
		"TX_ACCESS_LIST_KEY":     &t.TxAccessListKey,
		"TX_AUTHORIZATION":       &t.TxAuthorization,
		"TX_FLOOR_PER_TOKEN":     &t.TxFloorPerToken,
		"TX_TOKENS_PER_NON_ZERO": &t.TxTokensPerNonZero,
		"REFUND_QUOTIENT":        &t.RefundQuotient,
		"BLOB_GAS_PER_BLOB":      &t.BlobGasPerBlob,
	}
}

// Apply sets the named entries. Keys are the upper snake case names listed
// by Keys. Nothing is modified when any key is unknown or the result is
// inconsistent.
func (t *Table) Apply(overrides map[string]uint64) error {
	next := *t
	fields := next.fields()
	for k, v := range overrides {
		p, ok := fields[k]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCost, k)
		}
		*p = v
	}
	if err := next.check(); err != nil {
		return err
	}
	*t = next
	return nil
}

// check rejects tables whose derived costs would underflow.
func (t *Table) check() error {
	if t.QuadCoeffDiv == 0 {
		return ErrZeroQuadDivisor
	}
	if t.SstoreReset < t.ColdSload+t.WarmStorageRead {
		return fmt.Errorf("%w: SSTORE_RESET %d below COLD_SLOAD + WARM_STORAGE_READ %d",
			ErrCostOrder, t.SstoreReset, t.ColdSload+t.WarmStorageRead)
	}
	if t.SstoreSet < t.WarmStorageRead {
		return fmt.Errorf("%w: SSTORE_SET %d below WARM_STORAGE_READ %d", ErrCostOrder, t.SstoreSet, t.WarmStorageRead)
	}
	if t.TxCreate < t.TxBase {
		return fmt.Errorf("%w: TX_CREATE %d below TX_BASE %d", ErrCostOrder, t.TxCreate, t.TxBase)
	}
	return nil
}

// Keys returns the override keys in sorted order.
func (t *Table) Keys() []string {
	fields := t.fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the named entry.
func (t *Table) Get(key string) (uint64, bool) {
	p, ok := t.fields()[key]
	if !ok {
		return 0, false
	}
	return *p, true
}
