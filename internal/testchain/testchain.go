// Package testchain generates small, internally consistent EVM chains for
// tests: linked headers, transfer transactions and matching receipts.
package testchain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
)

const (
	// GasLimit is the gas limit of every generated block.
	GasLimit = 30_000_000

	// GenesisTime is the timestamp of block 0.
	GenesisTime = 1_700_000_000

	// BlockTime is the timestamp step between blocks.
	BlockTime = 12
)

// Chain is a generated canonical chain starting at genesis.
type Chain struct {
	Blocks   []*types.Block
	Receipts []types.Receipts
}

// Generate creates a chain of n blocks, genesis included. Every non-genesis
// block carries txs value transfers.
func Generate(n, txs int) *Chain {
	c := &Chain{}
	if n == 0 {
		return c
	}
	genesis, receipts := MakeBlock(nil, 0, 0)
	c.Blocks = append(c.Blocks, genesis)
	c.Receipts = append(c.Receipts, receipts)
	blocks, rs := Extend(genesis, n-1, txs, 0)
	c.Blocks = append(c.Blocks, blocks...)
	c.Receipts = append(c.Receipts, rs...)
	return c
}

// Head returns the last block.
func (c *Chain) Head() *types.Block {
	return c.Blocks[len(c.Blocks)-1]
}

// Extend creates n blocks on top of parent. A nonzero salt is written to the
// extra data so the blocks differ from an unsalted extension of the same
// parent.
func Extend(parent *types.Block, n, txs int, salt byte) ([]*types.Block, []types.Receipts) {
	blocks := make([]*types.Block, 0, n)
	receipts := make([]types.Receipts, 0, n)
	for i := 0; i < n; i++ {
		b, r := MakeBlock(parent.Header(), txs, salt)
		blocks = append(blocks, b)
		receipts = append(receipts, r)
		parent = b
	}
	return blocks, receipts
}

// MakeBlock creates the child of parent, or a genesis block when parent is
// nil, with txs value transfers and their receipts.
func MakeBlock(parent *types.Header, txs int, salt byte) (*types.Block, types.Receipts) {
	header := &types.Header{
		Number:     new(big.Int),
		GasLimit:   GasLimit,
		Time:       GenesisTime,
		Difficulty: new(big.Int),
		BaseFee:    big.NewInt(params.InitialBaseFee),
		Coinbase:   common.HexToAddress("0xc0ffee"),
	}
	if salt != 0 {
		header.Extra = []byte{salt}
	}
	if parent != nil {
		header.ParentHash = parent.Hash()
		header.Number.Add(parent.Number, common.Big1)
		header.Time = parent.Time + BlockTime
	}
	number := header.Number.Uint64()

	var (
		transactions = make(types.Transactions, 0, txs)
		receipts     = make(types.Receipts, 0, txs)
		cumulative   uint64
	)
	for i := 0; i < txs; i++ {
		to := common.BigToAddress(big.NewInt(int64(i + 1)))
		transactions = append(transactions, types.NewTx(&types.LegacyTx{
			Nonce:    number*1000 + uint64(i),
			GasPrice: big.NewInt(params.InitialBaseFee),
			Gas:      params.TxGas,
			To:       &to,
			Value:    big.NewInt(int64(salt) + 1),
		}))
		cumulative += params.TxGas
		receipts = append(receipts, &types.Receipt{
			Type:              types.LegacyTxType,
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: cumulative,
			Logs:              []*types.Log{},
		})
	}
	header.GasUsed = cumulative

	block := types.NewBlock(header, &types.Body{Transactions: transactions}, receipts, trie.NewStackTrie(nil))
	return block, receipts
}
