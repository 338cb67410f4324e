// Package validator implements the block validator for replay.
//
// Every block gets the structural checks: header linkage and limits, the
// roots committed to by the header, and ommers. Receipts then come from one
// of two places. Without an Executor they are taken from a ReceiptSource,
// usually the chain the block was read from, and accounting yields one
// single-frame usage tree per transaction with its transaction-level
// charges. With an Executor the block is re-executed with an operation
// tracer installed, the receipts are the executed ones, and every
// transaction gets a full call tree whose states follow the selected
// schedule.
package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/operation"
	"github.com/fortiblox/gasreplay/pkg/replayer"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// Errors.
var (
	ErrUnknownParent       = errors.New("unknown parent")
	ErrInvalidNumber       = errors.New("invalid block number")
	ErrInvalidTimestamp    = errors.New("invalid timestamp")
	ErrGasUsedExceedsLimit = errors.New("gas used exceeds gas limit")
	ErrInvalidGasLimit     = errors.New("invalid gas limit")
	ErrExtraDataTooLong    = errors.New("extra data too long")
	ErrTxRootMismatch      = errors.New("transaction root mismatch")
	ErrUncleHashMismatch   = errors.New("uncle hash mismatch")
	ErrWithdrawalsMismatch = errors.New("withdrawals root mismatch")
	ErrTooManyOmmers       = errors.New("too many ommers")
	ErrInvalidOmmer        = errors.New("invalid ommer")
	ErrMissingReceipts     = errors.New("missing receipts")
	ErrReceiptCount        = errors.New("receipt count mismatch")
	ErrReceiptRootMismatch = errors.New("receipt root mismatch")
	ErrReceiptGasMismatch  = errors.New("receipt gas mismatch")
)

// ReceiptSource supplies the receipts recorded for a block.
type ReceiptSource interface {
	ReceiptsFor(hash common.Hash) (types.Receipts, error)
}

// BlockExecutor re-executes a block on its parent's state with hooks
// installed and returns the executed receipts.
type BlockExecutor interface {
	Execute(ctx context.Context, chain chainstore.Reader, block *types.Block, hooks *tracing.Hooks) (types.Receipts, error)
}

// Config holds validator configuration.
type Config struct {
	// Receipts supplies block receipts. Without it blocks are appended
	// without receipts. Ignored when Executor is set.
	Receipts ReceiptSource

	// Executor re-executes blocks. Receipts and usage trees then come from
	// execution.
	Executor BlockExecutor

	// RequireReceipts fails blocks whose receipts are not available.
	RequireReceipts bool

	// Accounting builds a usage tree per transaction.
	Accounting bool

	// Dispatcher prices transaction-level charges. Defaults to the live
	// schedule against EIP-7904.
	Dispatcher *gascost.Dispatcher

	// Mode selects the schedule used for the recorded charges.
	Mode gascost.Mode

	// Logger receives validation events. Defaults to the root logger.
	Logger log.Logger
}

// DefaultConfig returns the default validator configuration.
func DefaultConfig() Config {
	return Config{
		Accounting: true,
		Dispatcher: gascost.DefaultDispatcher(),
		Mode:       gascost.ModeLive,
		Logger:     log.Root(),
	}
}

// Validator is a structural replayer.BlockValidator.
type Validator struct {
	config Config
	log    log.Logger
}

var _ replayer.BlockValidator = (*Validator)(nil)

// New creates a validator.
func New(config Config) *Validator {
	if config.Dispatcher == nil {
		config.Dispatcher = gascost.DefaultDispatcher()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Validator{config: config, log: logger}
}

// ValidateAndProcessBlock validates block against chain, the chain it is
// about to extend. Header failures are reported as complete failures; body,
// ommer and receipt failures are partial since the header was accepted.
func (v *Validator) ValidateAndProcessBlock(ctx context.Context, chain chainstore.Reader, block *types.Block, headerMode, ommerMode replayer.ValidationMode) *replayer.ValidationResult {
	if err := ctx.Err(); err != nil {
		return replayer.Failed(err, false, "validation canceled")
	}

	header := block.Header()
	parent, err := v.verifyHeader(chain, header, headerMode)
	if err != nil {
		return replayer.Failed(err, false, "invalid header")
	}
	if err := verifyBody(block); err != nil {
		return replayer.Failed(err, true, "invalid body")
	}
	if err := verifyOmmers(block, parent, ommerMode); err != nil {
		return replayer.Failed(err, true, "invalid ommers")
	}

	if v.config.Executor != nil {
		return v.execute(ctx, chain, block)
	}

	receipts, err := v.receipts(block)
	if err != nil {
		return replayer.Failed(err, true, "invalid receipts")
	}

	result := replayer.Succeeded(receipts, nil)
	if v.config.Accounting {
		result.Usage = v.account(block, receipts)
	}
	v.log.Trace("Validated block", "number", block.NumberU64(), "hash", block.Hash(),
		"txs", len(block.Transactions()), "receipts", receipts != nil)
	return result
}

// receipts loads and checks the receipts of block. A nil slice means none
// were available.
func (v *Validator) receipts(block *types.Block) (types.Receipts, error) {
	if v.config.Receipts == nil {
		if v.config.RequireReceipts {
			return nil, fmt.Errorf("%w: no receipt source", ErrMissingReceipts)
		}
		return nil, nil
	}
	receipts, err := v.config.Receipts.ReceiptsFor(block.Hash())
	if errors.Is(err, chainstore.ErrNotFound) {
		if v.config.RequireReceipts {
			return nil, fmt.Errorf("%w: block %d", ErrMissingReceipts, block.NumberU64())
		}
		v.log.Debug("Block has no receipts", "number", block.NumberU64(), "hash", block.Hash())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if receipts == nil {
		receipts = types.Receipts{}
	}
	if err := verifyReceipts(block, receipts); err != nil {
		return nil, err
	}
	return receipts, nil
}

// execute re-executes block, tracing every transaction when accounting is
// enabled.
func (v *Validator) execute(ctx context.Context, chain chainstore.Reader, block *types.Block) *replayer.ValidationResult {
	var (
		tracer *operation.Tracer
		hooks  *tracing.Hooks
	)
	if v.config.Accounting {
		tracer = operation.NewTracer(operation.TracerConfig{
			Dispatcher: v.config.Dispatcher,
			Mode:       v.config.Mode,
			Logger:     v.log,
		})
		hooks = tracer.Hooks()
	}
	receipts, err := v.config.Executor.Execute(ctx, chain, block, hooks)
	if err != nil {
		return replayer.Failed(err, true, "execution failed")
	}
	if err := verifyReceipts(block, receipts); err != nil {
		return replayer.Failed(err, true, "invalid receipts")
	}

	var trees []*usage.Tree
	if tracer != nil {
		trees = tracer.Trees()
	}
	v.log.Trace("Executed block", "number", block.NumberU64(), "hash", block.Hash(),
		"txs", len(block.Transactions()), "trees", len(trees))
	return replayer.Succeeded(receipts, trees)
}
