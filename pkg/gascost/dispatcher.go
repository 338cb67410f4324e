package gascost

import (
	"context"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Mode selects which policy a Session routes to.
type Mode uint8

const (
	ModeLive Mode = iota
	ModeSimulation
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSimulation:
		return "simulation"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses the String form of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "live":
		return ModeLive, nil
	case "simulation", "simulated", "sim":
		return ModeSimulation, nil
	default:
		return 0, fmt.Errorf("unknown gas cost mode %q", s)
	}
}

// Dispatcher holds the live and simulated policies. It is immutable and safe
// to share; routing state lives in Sessions.
type Dispatcher struct {
	live      Calculator
	simulated Calculator
}

// NewDispatcher creates a dispatcher over two independent policies.
func NewDispatcher(live, simulated Calculator) *Dispatcher {
	return &Dispatcher{live: live, simulated: simulated}
}

// DefaultDispatcher routes between the live schedule and EIP-7904.
func DefaultDispatcher() *Dispatcher {
	return NewDispatcher(Live(), EIP7904())
}

// Policy returns the policy selected by m.
func (d *Dispatcher) Policy(m Mode) Calculator {
	if m == ModeSimulation {
		return d.simulated
	}
	return d.live
}

// Session starts a routing session in mode m.
func (d *Dispatcher) Session(m Mode) *Session {
	return &Session{d: d, mode: m}
}

// Session routes every cost query to the policy of its current mode. A
// session belongs to one execution and is not safe for concurrent use.
type Session struct {
	d    *Dispatcher
	mode Mode
}

var _ Calculator = (*Session)(nil)

// Mode returns the current mode.
func (s *Session) Mode() Mode { return s.mode }

// SetMode switches the mode for subsequent queries.
func (s *Session) SetMode(m Mode) { s.mode = m }

// IsSimulation reports whether queries go to the simulated policy.
func (s *Session) IsSimulation() bool { return s.mode == ModeSimulation }

// SetSimulation switches between the simulated and the live policy.
func (s *Session) SetSimulation(on bool) {
	if on {
		s.mode = ModeSimulation
	} else {
		s.mode = ModeLive
	}
}

func (s *Session) active() Calculator { return s.d.Policy(s.mode) }

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session carried by ctx.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

func (s *Session) ZeroTierGasCost() uint64    { return s.active().ZeroTierGasCost() }
func (s *Session) BaseTierGasCost() uint64    { return s.active().BaseTierGasCost() }
func (s *Session) VeryLowTierGasCost() uint64 { return s.active().VeryLowTierGasCost() }
func (s *Session) LowTierGasCost() uint64     { return s.active().LowTierGasCost() }
func (s *Session) MidTierGasCost() uint64     { return s.active().MidTierGasCost() }
func (s *Session) HighTierGasCost() uint64    { return s.active().HighTierGasCost() }

func (s *Session) MemoryExpansionGasCost(currentWords, offset, length uint64) uint64 {
	return s.active().MemoryExpansionGasCost(currentWords, offset, length)
}

func (s *Session) MLoadOperationGasCost(currentWords, offset uint64) uint64 {
	return s.active().MLoadOperationGasCost(currentWords, offset)
}

func (s *Session) MStoreOperationGasCost(currentWords, offset uint64) uint64 {
	return s.active().MStoreOperationGasCost(currentWords, offset)
}

func (s *Session) MStore8OperationGasCost(currentWords, offset uint64) uint64 {
	return s.active().MStore8OperationGasCost(currentWords, offset)
}

func (s *Session) DataCopyOperationGasCost(currentWords, offset, length uint64) uint64 {
	return s.active().DataCopyOperationGasCost(currentWords, offset, length)
}

func (s *Session) ExtCodeCopyOperationGasCost(currentWords, offset, length uint64) uint64 {
	return s.active().ExtCodeCopyOperationGasCost(currentWords, offset, length)
}

func (s *Session) Keccak256OperationGasCost(currentWords, offset, length uint64) uint64 {
	return s.active().Keccak256OperationGasCost(currentWords, offset, length)
}

func (s *Session) LogOperationGasCost(currentWords, offset, length uint64, topics int) uint64 {
	return s.active().LogOperationGasCost(currentWords, offset, length, topics)
}

func (s *Session) ExpOperationGasCost(exponentBytes int) uint64 {
	return s.active().ExpOperationGasCost(exponentBytes)
}

func (s *Session) ColdAccountAccessCost() uint64 { return s.active().ColdAccountAccessCost() }
func (s *Session) ColdSloadCost() uint64         { return s.active().ColdSloadCost() }
func (s *Session) WarmStorageReadCost() uint64   { return s.active().WarmStorageReadCost() }
func (s *Session) SloadOperationGasCost() uint64 { return s.active().SloadOperationGasCost() }

func (s *Session) CalculateStorageCost(newValue, currentValue, originalValue *uint256.Int) uint64 {
	return s.active().CalculateStorageCost(newValue, currentValue, originalValue)
}

func (s *Session) CalculateStorageRefundAmount(newValue, currentValue, originalValue *uint256.Int) int64 {
	return s.active().CalculateStorageRefundAmount(newValue, currentValue, originalValue)
}

func (s *Session) TransientLoadOperationGasCost() uint64 {
	return s.active().TransientLoadOperationGasCost()
}

func (s *Session) TransientStoreOperationGasCost() uint64 {
	return s.active().TransientStoreOperationGasCost()
}

func (s *Session) CallOperationBaseGasCost() uint64 { return s.active().CallOperationBaseGasCost() }
func (s *Session) CallValueTransferGasCost() uint64 { return s.active().CallValueTransferGasCost() }
func (s *Session) NewAccountGasCost() uint64        { return s.active().NewAccountGasCost() }
func (s *Session) AdditionalCallStipend() uint64    { return s.active().AdditionalCallStipend() }
func (s *Session) CreateOperationGasCost() uint64   { return s.active().CreateOperationGasCost() }

func (s *Session) Create2OperationGasCost(initCodeLength uint64) uint64 {
	return s.active().Create2OperationGasCost(initCodeLength)
}

func (s *Session) InitcodeCost(initCodeLength uint64) uint64 {
	return s.active().InitcodeCost(initCodeLength)
}

func (s *Session) CodeDepositGasCost(codeSize uint64) uint64 {
	return s.active().CodeDepositGasCost(codeSize)
}

func (s *Session) SelfDestructOperationGasCost(recipientEmpty, transfersValue bool) uint64 {
	return s.active().SelfDestructOperationGasCost(recipientEmpty, transfersValue)
}

func (s *Session) EcrecPrecompiledContractGasCost() uint64 {
	return s.active().EcrecPrecompiledContractGasCost()
}

func (s *Session) Sha256PrecompiledContractGasCost(inputLength uint64) uint64 {
	return s.active().Sha256PrecompiledContractGasCost(inputLength)
}

func (s *Session) Ripemd160PrecompiledContractGasCost(inputLength uint64) uint64 {
	return s.active().Ripemd160PrecompiledContractGasCost(inputLength)
}

func (s *Session) IDPrecompiledContractGasCost(inputLength uint64) uint64 {
	return s.active().IDPrecompiledContractGasCost(inputLength)
}

func (s *Session) ModExpMinimumGasCost() uint64 { return s.active().ModExpMinimumGasCost() }

func (s *Session) Blake2bfPrecompiledContractGasCost(rounds uint32) uint64 {
	return s.active().Blake2bfPrecompiledContractGasCost(rounds)
}

func (s *Session) EcAddPrecompiledContractGasCost() uint64 {
	return s.active().EcAddPrecompiledContractGasCost()
}

func (s *Session) EcMulPrecompiledContractGasCost() uint64 {
	return s.active().EcMulPrecompiledContractGasCost()
}

func (s *Session) EcPairingPrecompiledContractGasCost(pairs uint64) uint64 {
	return s.active().EcPairingPrecompiledContractGasCost(pairs)
}

func (s *Session) KZGPointEvaluationGasCost() uint64 { return s.active().KZGPointEvaluationGasCost() }

func (s *Session) TransactionIntrinsicGasCost(payload []byte, isContractCreation bool, baselineGas uint64) uint64 {
	return s.active().TransactionIntrinsicGasCost(payload, isContractCreation, baselineGas)
}

func (s *Session) TransactionFloorCost(payload []byte) uint64 {
	return s.active().TransactionFloorCost(payload)
}

func (s *Session) AccessListGasCost(addresses, storageKeys uint64) uint64 {
	return s.active().AccessListGasCost(addresses, storageKeys)
}

func (s *Session) DelegateCodeGasCost(authorizations uint64) uint64 {
	return s.active().DelegateCodeGasCost(authorizations)
}

func (s *Session) MaxRefundQuotient() uint64      { return s.active().MaxRefundQuotient() }
func (s *Session) MinimumTransactionCost() uint64 { return s.active().MinimumTransactionCost() }

func (s *Session) BlobGasCost(blobCount uint64) uint64 {
	return s.active().BlobGasCost(blobCount)
}
