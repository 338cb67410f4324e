package validator

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/gasreplay/internal/testchain"
	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/replayer"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// fixedReceipts returns the same receipts for every block.
type fixedReceipts types.Receipts

func (f fixedReceipts) ReceiptsFor(common.Hash) (types.Receipts, error) {
	return types.Receipts(f), nil
}

type env struct {
	chain  *testchain.Chain
	source *chainstore.Store
	dest   *chainstore.Store
}

// newEnv stores the whole chain in source and heights 0..seeded in dest.
func newEnv(t *testing.T, blocks, seeded int) *env {
	t.Helper()
	e := &env{chain: testchain.Generate(blocks, 2)}
	var err error
	e.source, err = chainstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { e.source.Close() })
	e.dest, err = chainstore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { e.dest.Close() })

	for i, b := range e.chain.Blocks {
		require.NoError(t, e.source.Append(b, e.chain.Receipts[i]))
		if i <= seeded {
			require.NoError(t, e.dest.Append(b, e.chain.Receipts[i]))
		}
	}
	return e
}

func (e *env) validator(config Config) *Validator {
	if config.Receipts == nil {
		config.Receipts = e.source
	}
	return New(config)
}

// rebuild returns block with its header modified by fn.
func rebuild(block *types.Block, fn func(h *types.Header)) *types.Block {
	h := types.CopyHeader(block.Header())
	fn(h)
	return types.NewBlockWithHeader(h).WithBody(*block.Body())
}

func validate(v *Validator, chain chainstore.Reader, block *types.Block, header, ommer replayer.ValidationMode) *replayer.ValidationResult {
	return v.ValidateAndProcessBlock(context.Background(), chain, block, header, ommer)
}

func TestValidBlock(t *testing.T) {
	e := newEnv(t, 4, 2)
	v := e.validator(DefaultConfig())
	block := e.chain.Blocks[3]

	res := validate(v, e.dest, block, replayer.ValidationFull, replayer.ValidationFull)
	require.True(t, res.Success, "%v: %v", res.Message, res.Cause)
	require.Len(t, res.Receipts, 2)
	assert.Equal(t, e.chain.Receipts[3][1].CumulativeGasUsed, res.Receipts[1].CumulativeGasUsed)

	require.Len(t, res.Usage, 2)
	for i, tree := range res.Usage {
		root := tree.Root()
		assert.Equal(t, uint64(3), tree.BlockNumber())
		assert.Equal(t, block.Transactions()[i].Hash().Hex(), tree.TransactionHash())
		assert.Equal(t, usage.CompletedSuccess, root.State())
		assert.Equal(t, int64(params.TxGas), root.Coefficient(usage.TxInitialGas))
		assert.Equal(t, int64(params.TxGas), root.Coefficient(usage.TxTotalGas))
		assert.Zero(t, root.NumChildren())
	}
}

func TestGenesis(t *testing.T) {
	e := newEnv(t, 1, -1)
	res := validate(e.validator(DefaultConfig()), e.dest, e.chain.Blocks[0], replayer.ValidationFull, replayer.ValidationNone)
	require.True(t, res.Success)
	assert.Empty(t, res.Receipts)
	assert.NotNil(t, res.Receipts)
	assert.Empty(t, res.Usage)
}

func TestHeaderChecks(t *testing.T) {
	e := newEnv(t, 4, 2)
	v := e.validator(DefaultConfig())
	block := e.chain.Blocks[3]
	parent := e.chain.Blocks[2].Header()

	tests := []struct {
		name  string
		block *types.Block
		light error
		full  error
	}{
		{
			name:  "UnknownParent",
			block: rebuild(block, func(h *types.Header) { h.ParentHash = common.HexToHash("0x01") }),
			light: ErrUnknownParent,
			full:  ErrUnknownParent,
		},
		{
			name:  "Number",
			block: rebuild(block, func(h *types.Header) { h.Number.SetUint64(9) }),
			light: ErrInvalidNumber,
			full:  ErrInvalidNumber,
		},
		{
			name:  "Timestamp",
			block: rebuild(block, func(h *types.Header) { h.Time = parent.Time }),
			full:  ErrInvalidTimestamp,
		},
		{
			name:  "GasUsed",
			block: rebuild(block, func(h *types.Header) { h.GasUsed = h.GasLimit + 1 }),
			full:  ErrGasUsedExceedsLimit,
		},
		{
			name:  "GasLimitJump",
			block: rebuild(block, func(h *types.Header) { h.GasLimit = parent.GasLimit + parent.GasLimit/params.GasLimitBoundDivisor }),
			full:  ErrInvalidGasLimit,
		},
		{
			name:  "GasLimitMinimum",
			block: rebuild(block, func(h *types.Header) { h.GasLimit = params.MinGasLimit - 1; h.GasUsed = 0 }),
			full:  ErrInvalidGasLimit,
		},
		{
			name:  "ExtraData",
			block: rebuild(block, func(h *types.Header) { h.Extra = make([]byte, params.MaximumExtraDataSize+1) }),
			full:  ErrExtraDataTooLong,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Receipts are keyed by hash; the modified blocks have none.
			res := validate(v, e.dest, tt.block, replayer.ValidationLight, replayer.ValidationNone)
			if tt.light == nil {
				assert.True(t, res.Success, "light: %v", res.Cause)
			} else {
				assert.False(t, res.Success)
				assert.ErrorIs(t, res.Cause, tt.light)
				assert.False(t, res.Partial)
			}

			res = validate(v, e.dest, tt.block, replayer.ValidationFull, replayer.ValidationNone)
			assert.False(t, res.Success)
			assert.ErrorIs(t, res.Cause, tt.full)
			assert.False(t, res.Partial)
			assert.Equal(t, "invalid header", res.Message)
		})
	}

	t.Run("NoneSkipsParent", func(t *testing.T) {
		orphan := rebuild(block, func(h *types.Header) { h.ParentHash = common.HexToHash("0x01") })
		res := validate(v, e.dest, orphan, replayer.ValidationNone, replayer.ValidationNone)
		assert.True(t, res.Success)
	})

	t.Run("GasLimitDoubledAtLondon", func(t *testing.T) {
		e := newEnv(t, 1, -1)
		pre := types.CopyHeader(e.chain.Blocks[0].Header())
		pre.BaseFee = nil
		genesis := types.NewBlockWithHeader(pre)
		require.NoError(t, e.dest.Append(genesis, nil))

		child, _ := testchain.MakeBlock(genesis.Header(), 0, 0)
		child = rebuild(child, func(h *types.Header) { h.GasLimit = pre.GasLimit * 2 })
		res := validate(New(DefaultConfig()), e.dest, child, replayer.ValidationFull, replayer.ValidationNone)
		assert.True(t, res.Success, "%v", res.Cause)
	})
}

func TestBodyChecks(t *testing.T) {
	e := newEnv(t, 4, 2)
	v := e.validator(DefaultConfig())
	block := e.chain.Blocks[3]

	t.Run("Transactions", func(t *testing.T) {
		tampered := types.NewBlockWithHeader(block.Header()).WithBody(types.Body{
			Transactions: e.chain.Blocks[2].Transactions(),
		})
		res := validate(v, e.dest, tampered, replayer.ValidationFull, replayer.ValidationNone)
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Cause, ErrTxRootMismatch)
		assert.True(t, res.Partial)
	})

	t.Run("Uncles", func(t *testing.T) {
		tampered := types.NewBlockWithHeader(block.Header()).WithBody(types.Body{
			Transactions: block.Transactions(),
			Uncles:       []*types.Header{e.chain.Blocks[1].Header()},
		})
		res := validate(v, e.dest, tampered, replayer.ValidationFull, replayer.ValidationNone)
		assert.ErrorIs(t, res.Cause, ErrUncleHashMismatch)
	})

	t.Run("Withdrawals", func(t *testing.T) {
		tampered := types.NewBlockWithHeader(block.Header()).WithBody(types.Body{
			Transactions: block.Transactions(),
			Withdrawals:  []*types.Withdrawal{{Index: 1, Amount: 5}},
		})
		res := validate(v, e.dest, tampered, replayer.ValidationFull, replayer.ValidationNone)
		assert.ErrorIs(t, res.Cause, ErrWithdrawalsMismatch)
	})
}

// withUncles rebuilds block with the given ommers and a matching uncle hash.
func withUncles(block *types.Block, receipts types.Receipts, uncles ...*types.Header) *types.Block {
	return types.NewBlock(block.Header(), &types.Body{
		Transactions: block.Transactions(),
		Uncles:       uncles,
	}, receipts, trie.NewStackTrie(nil))
}

func TestOmmerChecks(t *testing.T) {
	e := newEnv(t, 4, 2)
	v := e.validator(Config{Receipts: fixedReceipts(e.chain.Receipts[3])})
	block := e.chain.Blocks[3]
	receipts := e.chain.Receipts[3]

	sibling, _ := testchain.MakeBlock(e.chain.Blocks[1].Header(), 0, 3)
	cousin, _ := testchain.MakeBlock(e.chain.Blocks[1].Header(), 0, 4)
	cousin2, _ := testchain.MakeBlock(e.chain.Blocks[1].Header(), 0, 5)

	t.Run("Valid", func(t *testing.T) {
		b := withUncles(block, receipts, sibling.Header())
		res := validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationFull)
		assert.True(t, res.Success, "%v", res.Cause)
	})

	t.Run("TooMany", func(t *testing.T) {
		b := withUncles(block, receipts, sibling.Header(), cousin.Header(), cousin2.Header())
		res := validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationLight)
		assert.ErrorIs(t, res.Cause, ErrTooManyOmmers)
		assert.True(t, res.Partial)

		res = validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationNone)
		assert.True(t, res.Success)
	})

	t.Run("Duplicate", func(t *testing.T) {
		b := withUncles(block, receipts, sibling.Header(), sibling.Header())
		res := validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationLight)
		assert.ErrorIs(t, res.Cause, ErrInvalidOmmer)
	})

	t.Run("NotOlder", func(t *testing.T) {
		b := withUncles(block, receipts, block.Header())
		res := validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationLight)
		assert.ErrorIs(t, res.Cause, ErrInvalidOmmer)
	})

	t.Run("Parent", func(t *testing.T) {
		b := withUncles(block, receipts, e.chain.Blocks[2].Header())
		res := validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationLight)
		assert.True(t, res.Success)
		res = validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationFull)
		assert.ErrorIs(t, res.Cause, ErrInvalidOmmer)
	})
}

func TestReceiptChecks(t *testing.T) {
	e := newEnv(t, 4, 2)
	block := e.chain.Blocks[3]

	t.Run("Missing", func(t *testing.T) {
		empty, err := chainstore.OpenMemory()
		require.NoError(t, err)
		defer empty.Close()

		v := New(Config{Receipts: empty})
		res := validate(v, e.dest, block, replayer.ValidationFull, replayer.ValidationNone)
		require.True(t, res.Success)
		assert.Nil(t, res.Receipts)

		v = New(Config{Receipts: empty, RequireReceipts: true})
		res = validate(v, e.dest, block, replayer.ValidationFull, replayer.ValidationNone)
		assert.ErrorIs(t, res.Cause, ErrMissingReceipts)
		assert.True(t, res.Partial)

		v = New(Config{RequireReceipts: true})
		res = validate(v, e.dest, block, replayer.ValidationFull, replayer.ValidationNone)
		assert.ErrorIs(t, res.Cause, ErrMissingReceipts)
	})

	t.Run("Count", func(t *testing.T) {
		v := New(Config{Receipts: fixedReceipts(e.chain.Receipts[3][:1])})
		res := validate(v, e.dest, block, replayer.ValidationFull, replayer.ValidationNone)
		assert.ErrorIs(t, res.Cause, ErrReceiptCount)
	})

	t.Run("Root", func(t *testing.T) {
		v := New(Config{Receipts: fixedReceipts(e.chain.Receipts[2])})
		res := validate(v, e.dest, e.chain.Blocks[2], replayer.ValidationLight, replayer.ValidationNone)
		require.True(t, res.Success)

		failed := &types.Receipt{
			Type:              types.LegacyTxType,
			Status:            types.ReceiptStatusFailed,
			CumulativeGasUsed: e.chain.Receipts[3][0].CumulativeGasUsed,
			Logs:              []*types.Log{},
		}
		v = New(Config{Receipts: fixedReceipts{failed, e.chain.Receipts[3][1]}})
		res = validate(v, e.dest, block, replayer.ValidationFull, replayer.ValidationNone)
		assert.ErrorIs(t, res.Cause, ErrReceiptRootMismatch)
	})

	t.Run("GasUsed", func(t *testing.T) {
		b := rebuild(block, func(h *types.Header) { h.GasUsed++ })
		v := New(Config{Receipts: fixedReceipts(e.chain.Receipts[3])})
		res := validate(v, e.dest, b, replayer.ValidationFull, replayer.ValidationNone)
		assert.ErrorIs(t, res.Cause, ErrReceiptGasMismatch)
	})
}

func TestAccounting(t *testing.T) {
	e := newEnv(t, 3, 1)
	block := e.chain.Blocks[2]

	t.Run("Disabled", func(t *testing.T) {
		res := validate(e.validator(Config{}), e.dest, block, replayer.ValidationFull, replayer.ValidationNone)
		require.True(t, res.Success)
		assert.Nil(t, res.Usage)
	})

	t.Run("SimulationMode", func(t *testing.T) {
		config := DefaultConfig()
		config.Mode = gascost.ModeSimulation
		res := validate(e.validator(config), e.dest, block, replayer.ValidationFull, replayer.ValidationNone)
		require.True(t, res.Success)

		sim := gascost.DefaultDispatcher().Policy(gascost.ModeSimulation)
		want := sim.TransactionIntrinsicGasCost(nil, false, 0)
		for _, tree := range res.Usage {
			assert.Equal(t, int64(want), tree.Root().Coefficient(usage.TxInitialGas))
		}
	})

	t.Run("NoReceipts", func(t *testing.T) {
		config := DefaultConfig()
		config.Receipts = fixedReceipts(nil)
		v := New(config)
		empty := types.NewBlockWithHeader(block.Header()).WithBody(*block.Body())
		trees := v.account(empty, nil)
		require.Len(t, trees, 2)
		assert.Equal(t, usage.NotStarted, trees[0].Root().State())
		assert.Zero(t, trees[0].Root().Coefficient(usage.TxTotalGas))
	})

	t.Run("Calldata", func(t *testing.T) {
		to := common.HexToAddress("0x01")
		tx := types.NewTx(&types.AccessListTx{
			ChainID:  common.Big1,
			Nonce:    1,
			GasPrice: common.Big1,
			Gas:      100_000,
			To:       &to,
			Data:     []byte{0, 0, 1, 2, 3},
			AccessList: types.AccessList{
				{Address: to, StorageKeys: []common.Hash{{1}, {2}}},
			},
		})
		header := &types.Header{Number: common.Big2, Difficulty: common.Big0}
		b := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: types.Transactions{tx}})
		receipts := types.Receipts{{Status: types.ReceiptStatusFailed, CumulativeGasUsed: 30_000}}

		v := New(DefaultConfig())
		trees := v.account(b, receipts)
		require.Len(t, trees, 1)
		root := trees[0].Root()
		assert.Equal(t, int64(2), root.Coefficient(usage.ZeroCalldataByte))
		assert.Equal(t, int64(3), root.Coefficient(usage.NonZeroCalldataByte))
		assert.Equal(t, int64(1), root.Coefficient(usage.AccessListAddressCost))
		assert.Equal(t, int64(2), root.Coefficient(usage.AccessListStorageCost))
		assert.Equal(t, int64(30_000), root.Coefficient(usage.TxTotalGas))
		assert.Equal(t, usage.CompletedFailed, root.State())

		want := params.TxGas + 2*params.TxDataZeroGas + 3*params.TxDataNonZeroGasEIP2028 +
			params.TxAccessListAddressGas + 2*params.TxAccessListStorageKeyGas
		assert.Equal(t, int64(want), root.Coefficient(usage.TxInitialGas))
	})
}

func TestCanceled(t *testing.T) {
	e := newEnv(t, 2, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.validator(DefaultConfig()).ValidateAndProcessBlock(ctx, e.dest, e.chain.Blocks[1], replayer.ValidationFull, replayer.ValidationNone)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Cause, context.Canceled)
}

func TestReplayWithValidator(t *testing.T) {
	e := newEnv(t, 12, -1)
	var trees int
	config := replayer.DefaultConfig()
	config.ProgressInterval = 5
	config.OnBlockReplayed = func(res *replayer.BlockResult) error {
		trees += len(res.Usage)
		return nil
	}
	r := replayer.New(e.source, e.dest, e.validator(DefaultConfig()), config)
	summary, err := r.Run(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), summary.Blocks)
	assert.Equal(t, 22, trees)

	number, hash := e.dest.CurrentHead()
	assert.Equal(t, uint64(11), number)
	assert.Equal(t, e.chain.Head().Hash(), hash)

	receipts, err := e.dest.ReceiptsFor(hash)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
}
