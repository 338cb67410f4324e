package rpcfetch

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
)

// Default configuration values.
const (
	// DefaultRequestTimeout is the default timeout for RPC requests.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retries for failed requests.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the initial delay between retries.
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay between retries.
	DefaultMaxRetryDelay = 5 * time.Second

	// DefaultWorkers is the default number of blocks fetched concurrently.
	DefaultWorkers = 8
)

var (
	fetchedBlocksCounter = metrics.NewRegisteredCounter("fetch/blocks", nil)
	retryCounter         = metrics.NewRegisteredCounter("fetch/retries", nil)
	requestTimer         = metrics.NewRegisteredTimer("fetch/request", nil)
)

// Config holds configuration for the Fetcher.
type Config struct {
	// RequestTimeout is the timeout for one block and its receipts.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries for failed block fetches.
	MaxRetries int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// MaxRetryDelay is the maximum delay between retries.
	MaxRetryDelay time.Duration

	// Workers is the number of blocks fetched concurrently by Run. Blocks
	// are still appended in order.
	Workers int

	// ProgressInterval is the number of blocks between progress lines.
	ProgressInterval uint64

	// Logger receives progress lines. Defaults to the root logger.
	Logger log.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   DefaultRequestTimeout,
		MaxRetries:       DefaultMaxRetries,
		RetryDelay:       DefaultRetryDelay,
		MaxRetryDelay:    DefaultMaxRetryDelay,
		Workers:          DefaultWorkers,
		ProgressInterval: 10_000,
		Logger:           log.Root(),
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = defaults.ProgressInterval
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
	return c
}

// Fetcher downloads blocks with their receipts.
type Fetcher struct {
	config Config
	pool   *Pool
	log    log.Logger
}

// NewFetcher creates a fetcher over a pool.
func NewFetcher(pool *Pool, config Config) (*Fetcher, error) {
	if pool == nil || len(pool.snapshot()) == 0 {
		return nil, ErrNoEndpoints
	}
	config = config.WithDefaults()
	return &Fetcher{config: config, pool: pool, log: config.Logger}, nil
}

// Head returns the best head among the endpoints and updates their health.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
	defer cancel()
	return f.pool.Check(ctx)
}

// FetchBlock fetches a block and its receipts, retrying on other endpoints
// with exponential backoff.
func (f *Fetcher) FetchBlock(ctx context.Context, number uint64) (*types.Block, types.Receipts, error) {
	var lastErr error
	delay := f.config.RetryDelay

	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		ep, err := f.pool.Get()
		if err != nil {
			return nil, nil, err
		}

		start := time.Now()
		block, receipts, err := f.fetch(ctx, ep.Client, number)
		if err == nil {
			requestTimer.UpdateSince(start)
			f.pool.MarkHealthy(ep, time.Since(start))
			return block, receipts, nil
		}
		if !IsRetryable(err) {
			return nil, nil, err
		}
		f.pool.MarkFailed(ep)
		lastErr = fmt.Errorf("%s: %w", ep.URL, err)

		if attempt < f.config.MaxRetries {
			retryCounter.Inc(1)
			f.log.Debug("Retrying block fetch", "number", number, "attempt", attempt+1, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, f.config.MaxRetryDelay)
		}
	}
	return nil, nil, fmt.Errorf("block %d failed after %d attempts: %w", number, f.config.MaxRetries+1, lastErr)
}

func (f *Fetcher) fetch(ctx context.Context, c Client, number uint64) (*types.Block, types.Receipts, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
	defer cancel()

	block, err := c.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
		}
		return nil, nil, err
	}
	if block.NumberU64() != number {
		return nil, nil, fmt.Errorf("asked for block %d, got %d", number, block.NumberU64())
	}

	// Empty blocks skip the receipts round trip.
	if block.ReceiptHash() == types.EmptyReceiptsHash && len(block.Transactions()) == 0 {
		return block, types.Receipts{}, nil
	}
	receipts, err := c.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(block.Hash(), true))
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: receipts of %d", ErrBlockNotFound, number)
		}
		return nil, nil, err
	}
	if err := verifyReceipts(block, receipts); err != nil {
		return nil, nil, err
	}
	return block, receipts, nil
}

func verifyReceipts(block *types.Block, receipts types.Receipts) error {
	if have, want := len(receipts), len(block.Transactions()); have != want {
		return fmt.Errorf("%w: block %d has %d transactions, %d receipts", ErrReceiptMismatch, block.NumberU64(), want, have)
	}
	if hash := types.DeriveSha(receipts, trie.NewStackTrie(nil)); hash != block.ReceiptHash() {
		return fmt.Errorf("%w: block %d receipt root %s, header %s", ErrReceiptMismatch, block.NumberU64(), hash, block.ReceiptHash())
	}
	return nil
}

type fetched struct {
	block    *types.Block
	receipts types.Receipts
	err      error
}

// Run fetches blocks [from, to) and appends them to w in order. Up to
// Workers blocks are in flight at a time. It returns the number of blocks
// appended.
func (f *Fetcher) Run(ctx context.Context, w chainstore.Writer, from, to uint64) (uint64, error) {
	if from >= to {
		return 0, nil
	}
	f.log.Info("Fetching blocks", "from", from, "to", to, "workers", f.config.Workers)
	started := time.Now()

	var n uint64
	window := uint64(f.config.Workers)
	for batch := from; batch < to; batch += window {
		size := min(window, to-batch)
		results := make([]fetched, size)

		var wg sync.WaitGroup
		for i := uint64(0); i < size; i++ {
			wg.Add(1)
			go func(i uint64) {
				defer wg.Done()
				b, r, err := f.FetchBlock(ctx, batch+i)
				results[i] = fetched{block: b, receipts: r, err: err}
			}(i)
		}
		wg.Wait()

		for i, res := range results {
			if res.err != nil {
				return n, fmt.Errorf("fetch block %d: %w", batch+uint64(i), res.err)
			}
			if err := w.Append(res.block, res.receipts); err != nil {
				return n, fmt.Errorf("append block %d: %w", res.block.NumberU64(), err)
			}
			n++
			fetchedBlocksCounter.Inc(1)
			if number := res.block.NumberU64(); number%f.config.ProgressInterval == 0 {
				f.log.Info("Fetching blocks", "number", number, "hash", res.block.Hash(),
					"fetched", n, "healthy", f.pool.HealthyCount(),
					"elapsed", common.PrettyDuration(time.Since(started)))
			}
		}
	}
	f.log.Info("Fetch finished", "blocks", n, "elapsed", common.PrettyDuration(time.Since(started)))
	return n, nil
}
