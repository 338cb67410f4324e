// Package replayer re-validates blocks from a source chain and appends them
// to a destination chain.
//
// Each height goes through fetch, validate, then append and reconcile:
// - the block is read from the source store by height
// - the validator checks it against the destination chain and yields receipts
// - the block is appended to the destination; when the destination does not
//   adopt it as head, the head is forced onto it with a rewind
//
// Replay is linear and fail-fast. The first validation failure stops the
// run, leaving the destination head on the last replayed block.
package replayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// Errors.
var (
	ErrMissingBlock     = errors.New("missing block")
	ErrValidationFailed = errors.New("block validation failed")
	ErrNoValidator      = errors.New("no block validator")
)

var (
	blocksReplayedCounter = metrics.NewRegisteredCounter("replay/blocks", nil)
	txsReplayedCounter    = metrics.NewRegisteredCounter("replay/txs", nil)
	rewindCounter         = metrics.NewRegisteredCounter("replay/rewinds", nil)
	validateTimer         = metrics.NewRegisteredTimer("replay/validate", nil)
	appendTimer           = metrics.NewRegisteredTimer("replay/append", nil)
)

// Chain is the destination of a replay.
type Chain interface {
	chainstore.Reader
	chainstore.Writer
}

// Config holds replayer configuration.
type Config struct {
	// ProgressInterval is the number of heights between progress lines.
	ProgressInterval uint64

	// HeaderMode is passed to the validator for header checks.
	HeaderMode ValidationMode

	// OmmerMode is passed to the validator for ommer checks.
	OmmerMode ValidationMode

	// OnBlockReplayed is called after each block is appended. An error
	// stops the replay.
	OnBlockReplayed func(result *BlockResult) error

	// Logger receives progress lines. Defaults to the root logger.
	Logger log.Logger
}

// DefaultConfig returns the default replayer configuration.
func DefaultConfig() Config {
	return Config{
		ProgressInterval: 10_000,
		HeaderMode:       ValidationFull,
		OmmerMode:        ValidationNone,
		Logger:           log.Root(),
	}
}

// Replayer moves blocks from a source chain into a destination chain.
type Replayer struct {
	source    chainstore.Reader
	dest      Chain
	validator BlockValidator
	config    Config
	log       log.Logger
}

// New creates a replayer.
func New(source chainstore.Reader, dest Chain, validator BlockValidator, config Config) *Replayer {
	if config.ProgressInterval == 0 {
		config.ProgressInterval = DefaultConfig().ProgressInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Replayer{
		source:    source,
		dest:      dest,
		validator: validator,
		config:    config,
		log:       logger,
	}
}

// BlockResult describes one replayed block.
type BlockResult struct {
	Number   uint64
	Hash     common.Hash
	Receipts types.Receipts
	Usage    []*usage.Tree

	// Rewound is set when the destination head had to be forced onto the
	// block after appending it.
	Rewound bool
}

// Summary describes a replay run.
type Summary struct {
	// From is the first height attempted; To is the exclusive bound.
	From, To uint64

	Blocks       uint64
	Transactions uint64
	GasUsed      uint64
	Rewinds      uint64

	// Last is the last height replayed; meaningful when Blocks > 0.
	Last    uint64
	Elapsed time.Duration
}

// FetchBlock reads the canonical block at a height from the source chain.
func (r *Replayer) FetchBlock(number uint64) (*types.Block, error) {
	block, err := chainstore.ReadBlock(r.source, number)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", ErrMissingBlock, number, err)
	}
	return block, nil
}

// ReplayBlock validates a block against the destination chain, appends it,
// and makes it the destination head.
func (r *Replayer) ReplayBlock(ctx context.Context, block *types.Block) (*BlockResult, error) {
	if r.validator == nil {
		return nil, ErrNoValidator
	}

	start := time.Now()
	res := r.validator.ValidateAndProcessBlock(ctx, r.dest, block, r.config.HeaderMode, r.config.OmmerMode)
	validateTimer.UpdateSince(start)
	if res == nil || !res.Success {
		return nil, &ValidationError{Number: block.NumberU64(), Hash: block.Hash(), Result: res}
	}

	start = time.Now()
	if err := r.dest.Append(block, res.Receipts); err != nil {
		return nil, fmt.Errorf("append block %d: %w", block.NumberU64(), err)
	}
	result := &BlockResult{
		Number:   block.NumberU64(),
		Hash:     block.Hash(),
		Receipts: res.Receipts,
		Usage:    res.Usage,
	}
	if _, head := r.dest.CurrentHead(); head != block.Hash() {
		r.log.Debug("Forcing head onto replayed block", "number", block.NumberU64(), "hash", block.Hash(), "head", head)
		if err := r.dest.RewindTo(block.Hash()); err != nil {
			return nil, fmt.Errorf("rewind to block %d: %w", block.NumberU64(), err)
		}
		rewindCounter.Inc(1)
		result.Rewound = true
	}
	appendTimer.UpdateSince(start)
	blocksReplayedCounter.Inc(1)
	txsReplayedCounter.Inc(int64(len(block.Transactions())))

	if r.config.OnBlockReplayed != nil {
		if err := r.config.OnBlockReplayed(result); err != nil {
			return result, fmt.Errorf("block %d callback: %w", block.NumberU64(), err)
		}
	}
	return result, nil
}

// NextHeight returns the first height the destination chain is missing.
func (r *Replayer) NextHeight() uint64 {
	number, hash := r.dest.CurrentHead()
	if hash == (common.Hash{}) {
		return 0
	}
	return number + 1
}

// Run replays every height from the destination head + 1 up to end,
// exclusive. It stops at the first error; the summary covers the blocks
// replayed before it.
func (r *Replayer) Run(ctx context.Context, end uint64) (*Summary, error) {
	summary := &Summary{From: r.NextHeight(), To: end}
	if summary.From >= end {
		r.log.Info("Nothing to replay", "head", summary.From, "end", end)
		return summary, nil
	}

	r.log.Info("Starting replay", "from", summary.From, "to", end)
	started := time.Now()
	defer func() { summary.Elapsed = time.Since(started) }()

	for number := summary.From; number < end; number++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		block, err := r.FetchBlock(number)
		if err != nil {
			return summary, err
		}
		result, err := r.ReplayBlock(ctx, block)
		if result != nil {
			summary.Blocks++
			summary.Transactions += uint64(len(block.Transactions()))
			summary.GasUsed += block.GasUsed()
			summary.Last = number
			if result.Rewound {
				summary.Rewinds++
			}
		}
		if err != nil {
			return summary, err
		}

		if number%r.config.ProgressInterval == 0 {
			r.log.Info("Replaying blocks", "number", number, "hash", block.Hash(),
				"blocks", summary.Blocks, "txs", summary.Transactions,
				"elapsed", common.PrettyDuration(time.Since(started)))
		}
	}

	r.log.Info("Replay finished", "blocks", summary.Blocks, "txs", summary.Transactions,
		"gas", summary.GasUsed, "rewinds", summary.Rewinds,
		"elapsed", common.PrettyDuration(time.Since(started)))
	return summary, nil
}
