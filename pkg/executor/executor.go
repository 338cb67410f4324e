// Package executor re-executes blocks on top of a geth state database.
//
// The processing loop follows the one geth runs on import: pre-execution
// system calls, every transaction applied with the block's gas pool, the
// Prague request queues, then the consensus engine's finalization. Tracing
// hooks passed to Execute are installed on the interpreter and the state, so
// an operation tracer sees every call frame and opcode. The resulting state
// root must match the header before it is committed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/consensus/beacon"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/consensus/misc"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
)

// Errors.
var (
	ErrClosed            = errors.New("executor closed")
	ErrNoGenesis         = errors.New("no genesis to execute from")
	ErrGenesisMismatch   = errors.New("genesis mismatch")
	ErrMissingState      = errors.New("missing parent state")
	ErrUnknownParent     = errors.New("unknown parent")
	ErrGasUsedMismatch   = errors.New("gas used mismatch")
	ErrBloomMismatch     = errors.New("bloom mismatch")
	ErrReceiptMismatch   = errors.New("receipt root mismatch")
	ErrRequestsMismatch  = errors.New("requests hash mismatch")
	ErrStateRootMismatch = errors.New("state root mismatch")
)

var (
	executeTimer = metrics.NewRegisteredTimer("executor/execute", nil)
	commitTimer  = metrics.NewRegisteredTimer("executor/commit", nil)
	txsCounter   = metrics.NewRegisteredCounter("executor/txs", nil)
)

// Config holds executor configuration.
type Config struct {
	// Path is the leveldb directory holding state. Empty keeps state in
	// memory.
	Path string

	// Genesis seeds the state when the genesis block is executed. Its chain
	// config is used when ChainConfig is nil.
	Genesis *core.Genesis

	// ChainConfig selects the fork rules. Defaults to the genesis config,
	// then to mainnet.
	ChainConfig *params.ChainConfig

	// Cache is the leveldb cache in megabytes; Handles the open file limit.
	Cache   int
	Handles int

	// Logger receives execution events. Defaults to the root logger.
	Logger log.Logger
}

// DefaultConfig returns an in-memory executor configuration.
func DefaultConfig() Config {
	return Config{
		Cache:   64,
		Handles: 64,
		Logger:  log.Root(),
	}
}

// Executor runs blocks against persisted state. Blocks must be executed in
// chain order; each one commits the state its successor starts from.
type Executor struct {
	config Config
	chain  *params.ChainConfig
	engine consensus.Engine
	log    log.Logger

	mu     sync.Mutex
	diskdb ethdb.Database
	triedb *triedb.Database
	state  state.Database
	closed bool
}

// Open creates or opens the state database.
func Open(config Config) (*Executor, error) {
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	chainConfig := config.ChainConfig
	if chainConfig == nil && config.Genesis != nil {
		chainConfig = config.Genesis.Config
	}
	if chainConfig == nil {
		chainConfig = params.MainnetChainConfig
	}

	var diskdb ethdb.Database
	if config.Path == "" {
		diskdb = rawdb.NewMemoryDatabase()
	} else {
		defaults := DefaultConfig()
		if config.Cache <= 0 {
			config.Cache = defaults.Cache
		}
		if config.Handles <= 0 {
			config.Handles = defaults.Handles
		}
		kv, err := leveldb.New(config.Path, config.Cache, config.Handles, "gasreplay/state/", false)
		if err != nil {
			return nil, fmt.Errorf("open state %s: %w", config.Path, err)
		}
		diskdb = rawdb.NewDatabase(kv)
	}
	tdb := triedb.NewDatabase(diskdb, triedb.HashDefaults)

	e := &Executor{
		config: config,
		chain:  chainConfig,
		engine: beacon.New(ethash.NewFaker()),
		log:    logger,
		diskdb: diskdb,
		triedb: tdb,
		state:  state.NewDatabase(tdb, nil),
	}
	e.log.Debug("Opened state database", "path", config.Path, "chain", chainConfig.ChainID)
	return e, nil
}

// ChainConfig returns the fork rules blocks are executed under.
func (e *Executor) ChainConfig() *params.ChainConfig { return e.chain }

// Close flushes and closes the state database.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(e.triedb.Close(), e.diskdb.Close())
}

// Execute runs block on the state of its parent, which must be the last
// block executed or committed, and commits the result. chain supplies the
// parent and ancestor headers. hooks may be nil.
func (e *Executor) Execute(ctx context.Context, chain chainstore.Reader, block *types.Block, hooks *tracing.Hooks) (types.Receipts, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if block.NumberU64() == 0 {
		if err := e.commitGenesis(block); err != nil {
			return nil, err
		}
		return types.Receipts{}, nil
	}

	start := time.Now()
	parent, err := chain.HeaderFor(block.ParentHash())
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrUnknownParent, block.ParentHash(), err)
	}
	statedb, err := state.New(parent.Root, e.state)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d root %s: %w", ErrMissingState, parent.Number.Uint64(), parent.Root, err)
	}

	receipts, requests, err := e.process(ctx, &chainContext{reader: chain, config: e.chain, engine: e.engine}, block, statedb, hooks)
	if err != nil {
		return nil, err
	}
	if err := e.validate(block, statedb, receipts, requests); err != nil {
		return nil, err
	}
	executeTimer.UpdateSince(start)

	start = time.Now()
	if err := e.commit(block, statedb); err != nil {
		return nil, err
	}
	commitTimer.UpdateSince(start)
	txsCounter.Inc(int64(len(block.Transactions())))
	e.log.Trace("Executed block", "number", block.NumberU64(), "hash", block.Hash(),
		"txs", len(block.Transactions()), "gas", block.GasUsed(), "root", block.Root())
	return receipts, nil
}

// commitGenesis writes the configured genesis state when it is missing.
func (e *Executor) commitGenesis(block *types.Block) error {
	g := e.config.Genesis
	if g == nil {
		return ErrNoGenesis
	}
	if want := g.ToBlock().Hash(); want != block.Hash() {
		return fmt.Errorf("%w: have %s, configured %s", ErrGenesisMismatch, block.Hash(), want)
	}
	if _, err := state.New(block.Root(), e.state); err == nil {
		return nil
	}
	committed, err := g.Commit(e.diskdb, e.triedb)
	if err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	e.log.Info("Committed genesis state", "hash", committed.Hash(), "root", committed.Root())
	return nil
}

// process applies the block's system calls and transactions to statedb.
func (e *Executor) process(ctx context.Context, chain *chainContext, block *types.Block, statedb *state.StateDB, hooks *tracing.Hooks) (types.Receipts, [][]byte, error) {
	var (
		header      = block.Header()
		blockHash   = block.Hash()
		blockNumber = block.Number()
		gp          = new(core.GasPool).AddGas(block.GasLimit())
		signer      = types.MakeSigner(e.chain, header.Number, header.Time)
		usedGas     uint64
		receipts    = make(types.Receipts, 0, len(block.Transactions()))
		allLogs     []*types.Log
	)
	if e.chain.DAOForkSupport && e.chain.DAOForkBlock != nil && e.chain.DAOForkBlock.Cmp(blockNumber) == 0 {
		misc.ApplyDAOHardFork(statedb)
	}

	tracingState := vm.StateDB(statedb)
	if hooks != nil {
		tracingState = state.NewHookedState(statedb, hooks)
	}
	blockCtx := core.NewEVMBlockContext(header, chain, nil)
	evm := vm.NewEVM(blockCtx, tracingState, e.chain, vm.Config{Tracer: hooks})

	if root := block.BeaconRoot(); root != nil {
		core.ProcessBeaconBlockRoot(*root, evm)
	}
	prague := e.chain.IsPrague(blockNumber, block.Time())
	if prague {
		core.ProcessParentBlockHash(block.ParentHash(), evm)
	}

	for i, tx := range block.Transactions() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		msg, err := core.TransactionToMessage(tx, signer, header.BaseFee)
		if err != nil {
			return nil, nil, fmt.Errorf("tx %d %s: %w", i, tx.Hash(), err)
		}
		statedb.SetTxContext(tx.Hash(), i)
		receipt, err := core.ApplyTransactionWithEVM(msg, gp, statedb, blockNumber, blockHash, blockCtx.Time, tx, &usedGas, evm)
		if err != nil {
			return nil, nil, fmt.Errorf("tx %d %s: %w", i, tx.Hash(), err)
		}
		receipts = append(receipts, receipt)
		allLogs = append(allLogs, receipt.Logs...)
	}

	var requests [][]byte
	if prague {
		requests = [][]byte{}
		if err := core.ParseDepositLogs(&requests, allLogs, e.chain); err != nil {
			return nil, nil, fmt.Errorf("deposit requests: %w", err)
		}
		if err := core.ProcessWithdrawalQueue(&requests, evm); err != nil {
			return nil, nil, fmt.Errorf("withdrawal requests: %w", err)
		}
		if err := core.ProcessConsolidationQueue(&requests, evm); err != nil {
			return nil, nil, fmt.Errorf("consolidation requests: %w", err)
		}
	}
	e.engine.Finalize(chain, header, tracingState, block.Body())

	if usedGas != header.GasUsed {
		return nil, nil, fmt.Errorf("%w: executed %d, header %d", ErrGasUsedMismatch, usedGas, header.GasUsed)
	}
	return receipts, requests, nil
}

// validate checks the execution results against the commitments in the
// header.
func (e *Executor) validate(block *types.Block, statedb *state.StateDB, receipts types.Receipts, requests [][]byte) error {
	header := block.Header()
	if bloom := types.MergeBloom(receipts); bloom != header.Bloom {
		return fmt.Errorf("%w: block %d", ErrBloomMismatch, header.Number.Uint64())
	}
	if hash := types.DeriveSha(receipts, trie.NewStackTrie(nil)); hash != header.ReceiptHash {
		return fmt.Errorf("%w: executed %s, header %s", ErrReceiptMismatch, hash, header.ReceiptHash)
	}
	if header.RequestsHash != nil {
		if hash := types.CalcRequestsHash(requests); hash != *header.RequestsHash {
			return fmt.Errorf("%w: executed %s, header %s", ErrRequestsMismatch, hash, *header.RequestsHash)
		}
	}
	if root := statedb.IntermediateRoot(e.chain.IsEIP158(header.Number)); root != header.Root {
		err := fmt.Errorf("%w: executed %s, header %s", ErrStateRootMismatch, root, header.Root)
		return errors.Join(err, statedb.Error())
	}
	return nil
}

func (e *Executor) commit(block *types.Block, statedb *state.StateDB) error {
	number := block.Number()
	root, err := statedb.Commit(number.Uint64(), e.chain.IsEIP158(number), e.chain.IsCancun(number, block.Time()))
	if err != nil {
		return fmt.Errorf("commit state %d: %w", number.Uint64(), err)
	}
	if err := e.triedb.Commit(root, false); err != nil {
		return fmt.Errorf("flush state %d: %w", number.Uint64(), err)
	}
	return nil
}

// HasState reports whether the state with the given root is available.
func (e *Executor) HasState(root common.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	_, err := state.New(root, e.state)
	return err == nil
}
