package executor

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/gasreplay/internal/testchain"
	"github.com/fortiblox/gasreplay/pkg/chainstore"
)

// replay executes blocks in order, appending each to store once executed.
func replay(t *testing.T, e *Executor, store *chainstore.Store, blocks []*types.Block, hooks *tracing.Hooks) []types.Receipts {
	t.Helper()
	out := make([]types.Receipts, 0, len(blocks))
	for _, block := range blocks {
		receipts, err := e.Execute(context.Background(), store, block, hooks)
		require.NoError(t, err, "block %d", block.NumberU64())
		require.NoError(t, store.Append(block, receipts))
		out = append(out, receipts)
	}
	return out
}

func openMemory(t *testing.T, genesis *core.Genesis) (*Executor, *chainstore.Store) {
	t.Helper()
	config := DefaultConfig()
	config.Genesis = genesis
	e, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	store, err := chainstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return e, store
}

func TestExecute(t *testing.T) {
	chain := testchain.GenerateExecutable(3)
	e, store := openMemory(t, chain.Genesis)
	assert.Equal(t, params.TestChainConfig, e.ChainConfig())

	receipts := replay(t, e, store, chain.Blocks, nil)
	require.Len(t, receipts, 4)
	assert.Empty(t, receipts[0])
	for i := 1; i < len(receipts); i++ {
		want := chain.Receipts[i]
		require.Len(t, receipts[i], len(want), "block %d", i)
		for j, r := range receipts[i] {
			assert.Equal(t, want[j].Status, r.Status, "block %d tx %d", i, j)
			assert.Equal(t, want[j].CumulativeGasUsed, r.CumulativeGasUsed, "block %d tx %d", i, j)
			assert.Equal(t, want[j].ContractAddress, r.ContractAddress, "block %d tx %d", i, j)
		}
	}
	assert.Equal(t, chain.Power, receipts[1][0].ContractAddress)
	assert.True(t, e.HasState(chain.Blocks[3].Root()))

	t.Run("GenesisTwice", func(t *testing.T) {
		_, err := e.Execute(context.Background(), store, chain.Blocks[0], nil)
		assert.NoError(t, err)
	})

	t.Run("Closed", func(t *testing.T) {
		closed, _ := openMemory(t, chain.Genesis)
		require.NoError(t, closed.Close())
		require.NoError(t, closed.Close())
		_, err := closed.Execute(context.Background(), store, chain.Blocks[1], nil)
		assert.ErrorIs(t, err, ErrClosed)
		assert.False(t, closed.HasState(chain.Blocks[0].Root()))
	})
}

func TestExecuteHooks(t *testing.T) {
	chain := testchain.GenerateExecutable(2)
	e, store := openMemory(t, chain.Genesis)
	replay(t, e, store, chain.Blocks[:2], nil)

	var (
		txs    int
		enters []int
		exps   int
	)
	hooks := &tracing.Hooks{
		OnTxStart: func(*tracing.VMContext, *types.Transaction, common.Address) { txs++ },
		OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
			enters = append(enters, depth)
		},
		OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
			if vm.OpCode(op) == vm.EXP {
				exps++
			}
		},
	}
	replay(t, e, store, chain.Blocks[2:], hooks)
	assert.Equal(t, 2, txs)
	assert.Equal(t, []int{0, 1, 0}, enters)
	assert.Equal(t, 2, exps)
}

func TestExecuteErrors(t *testing.T) {
	chain := testchain.GenerateExecutable(1)
	ctx := context.Background()

	t.Run("NoGenesis", func(t *testing.T) {
		e, store := openMemory(t, nil)
		_, err := e.Execute(ctx, store, chain.Blocks[0], nil)
		assert.ErrorIs(t, err, ErrNoGenesis)
	})

	t.Run("GenesisMismatch", func(t *testing.T) {
		other := *chain.Genesis
		other.ExtraData = []byte("other")
		e, store := openMemory(t, &other)
		_, err := e.Execute(ctx, store, chain.Blocks[0], nil)
		assert.ErrorIs(t, err, ErrGenesisMismatch)
	})

	t.Run("UnknownParent", func(t *testing.T) {
		e, store := openMemory(t, chain.Genesis)
		_, err := e.Execute(ctx, store, chain.Blocks[1], nil)
		assert.ErrorIs(t, err, ErrUnknownParent)
	})

	t.Run("MissingState", func(t *testing.T) {
		e, store := openMemory(t, chain.Genesis)
		require.NoError(t, store.Append(chain.Blocks[0], nil))
		_, err := e.Execute(ctx, store, chain.Blocks[1], nil)
		assert.ErrorIs(t, err, ErrMissingState)
	})

	tampered := func(edit func(h *types.Header)) *types.Block {
		header := chain.Blocks[1].Header()
		edit(header)
		return types.NewBlockWithHeader(header).WithBody(*chain.Blocks[1].Body())
	}
	cases := []struct {
		name  string
		block *types.Block
		want  error
	}{
		{"StateRoot", tampered(func(h *types.Header) { h.Root = common.HexToHash("0x01") }), ErrStateRootMismatch},
		{"ReceiptRoot", tampered(func(h *types.Header) { h.ReceiptHash = common.HexToHash("0x01") }), ErrReceiptMismatch},
		{"GasUsed", tampered(func(h *types.Header) { h.GasUsed++ }), ErrGasUsedMismatch},
		{"Bloom", tampered(func(h *types.Header) { h.Bloom[0] ^= 0xff }), ErrBloomMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, store := openMemory(t, chain.Genesis)
			replay(t, e, store, chain.Blocks[:1], nil)
			_, err := e.Execute(ctx, store, tc.block, nil)
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, e.HasState(chain.Blocks[1].Root()))
		})
	}

	t.Run("Canceled", func(t *testing.T) {
		e, store := openMemory(t, chain.Genesis)
		replay(t, e, store, chain.Blocks[:1], nil)
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.Execute(canceled, store, chain.Blocks[1], nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPersistentState(t *testing.T) {
	chain := testchain.GenerateExecutable(2)
	dir := filepath.Join(t.TempDir(), "state")
	store, err := chainstore.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	config := DefaultConfig()
	config.Path = dir
	config.Genesis = chain.Genesis
	e, err := Open(config)
	require.NoError(t, err)
	replay(t, e, store, chain.Blocks[:2], nil)
	require.NoError(t, e.Close())

	reopened, err := Open(config)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.HasState(chain.Blocks[1].Root()))
	replay(t, reopened, store, chain.Blocks[2:], nil)
}
