package validator

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/operation"
	"github.com/fortiblox/gasreplay/pkg/usage"
)

// account builds one single-frame usage tree per transaction holding its
// transaction-level charges. The gas used and completion state come from
// receipts; without receipts the frames stay NotStarted.
func (v *Validator) account(block *types.Block, receipts types.Receipts) []*usage.Tree {
	txs := block.Transactions()
	trees := make([]*usage.Tree, 0, len(txs))
	live := v.config.Dispatcher.Session(gascost.ModeLive)
	sim := v.config.Dispatcher.Session(gascost.ModeSimulation)

	var prevCumulative uint64
	for i, tx := range txs {
		rec := operation.NewRecorder(usage.NewTree(block.NumberU64(), tx.Hash().Hex()))
		rec.Enter()

		liveCost := operation.IntrinsicGas(live, tx)
		simCost := operation.IntrinsicGas(sim, tx)
		res := operation.RawCost(liveCost, operation.HaltNone, usage.TxInitialGas)
		if v.config.Mode == gascost.ModeSimulation {
			res = operation.RawCost(simCost, operation.HaltNone, usage.TxInitialGas)
		}
		rec.Record(res.WithSimulatedCost(simCost))

		if entries := operation.TxDataUsage(tx); len(entries) > 0 {
			rec.Record(operation.WithCost(0, operation.HaltNone, entries...))
		}

		if i < len(receipts) {
			receipt := receipts[i]
			used := receipt.CumulativeGasUsed - prevCumulative
			prevCumulative = receipt.CumulativeGasUsed
			rec.Record(operation.RawCost(used, operation.HaltNone, usage.TxTotalGas))
			rec.Exit(receipt.Status == types.ReceiptStatusSuccessful)
		}
		trees = append(trees, rec.Tree())
	}
	return trees
}
