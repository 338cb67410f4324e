package validator

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/replayer"
)

// maxUncles is the most ommers a block may include.
const maxUncles = 2

// maxUncleDepth is how many generations back an ommer may branch off.
const maxUncleDepth = 7

// verifyHeader checks header against its parent in chain and returns the
// parent. Genesis has no parent; it is returned as nil.
func (v *Validator) verifyHeader(chain chainstore.Reader, header *types.Header, mode replayer.ValidationMode) (*types.Header, error) {
	number := header.Number.Uint64()
	if number == 0 {
		if header.ParentHash != (common.Hash{}) {
			return nil, fmt.Errorf("%w: genesis with parent %s", ErrInvalidNumber, header.ParentHash)
		}
		return nil, nil
	}
	if mode == replayer.ValidationNone {
		return nil, nil
	}

	parent, err := chain.HeaderFor(header.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrUnknownParent, header.ParentHash, err)
	}
	if parent.Number.Uint64()+1 != number {
		return nil, fmt.Errorf("%w: have %d, parent %d", ErrInvalidNumber, number, parent.Number.Uint64())
	}
	if mode == replayer.ValidationLight {
		return parent, nil
	}

	if header.Time <= parent.Time {
		return nil, fmt.Errorf("%w: %d not after parent %d", ErrInvalidTimestamp, header.Time, parent.Time)
	}
	if header.GasUsed > header.GasLimit {
		return nil, fmt.Errorf("%w: have %d, limit %d", ErrGasUsedExceedsLimit, header.GasUsed, header.GasLimit)
	}
	if err := verifyGasLimit(parent, header); err != nil {
		return nil, err
	}
	if len(header.Extra) > int(params.MaximumExtraDataSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrExtraDataTooLong, len(header.Extra), params.MaximumExtraDataSize)
	}
	return parent, nil
}

// verifyGasLimit bounds the gas limit change between parent and header. The
// parent limit is doubled at the London transition.
func verifyGasLimit(parent, header *types.Header) error {
	parentLimit := parent.GasLimit
	if parent.BaseFee == nil && header.BaseFee != nil {
		parentLimit *= params.DefaultElasticityMultiplier
	}
	if header.GasLimit < params.MinGasLimit {
		return fmt.Errorf("%w: %d below minimum %d", ErrInvalidGasLimit, header.GasLimit, params.MinGasLimit)
	}
	diff := int64(parentLimit) - int64(header.GasLimit)
	if diff < 0 {
		diff = -diff
	}
	if limit := parentLimit / params.GasLimitBoundDivisor; uint64(diff) >= limit {
		return fmt.Errorf("%w: have %d, want %d +-%d", ErrInvalidGasLimit, header.GasLimit, parentLimit, limit-1)
	}
	return nil
}

// verifyBody checks the roots the header commits to.
func verifyBody(block *types.Block) error {
	header := block.Header()
	if hash := types.DeriveSha(block.Transactions(), trie.NewStackTrie(nil)); hash != header.TxHash {
		return fmt.Errorf("%w: have %s, header %s", ErrTxRootMismatch, hash, header.TxHash)
	}
	if hash := types.CalcUncleHash(block.Uncles()); hash != header.UncleHash {
		return fmt.Errorf("%w: have %s, header %s", ErrUncleHashMismatch, hash, header.UncleHash)
	}
	withdrawals := block.Withdrawals()
	switch {
	case header.WithdrawalsHash == nil && withdrawals != nil:
		return fmt.Errorf("%w: unexpected withdrawals", ErrWithdrawalsMismatch)
	case header.WithdrawalsHash != nil && withdrawals == nil:
		return fmt.Errorf("%w: missing withdrawals", ErrWithdrawalsMismatch)
	case header.WithdrawalsHash != nil:
		if hash := types.DeriveSha(withdrawals, trie.NewStackTrie(nil)); hash != *header.WithdrawalsHash {
			return fmt.Errorf("%w: have %s, header %s", ErrWithdrawalsMismatch, hash, *header.WithdrawalsHash)
		}
	}
	return nil
}

// verifyOmmers checks the included ommers. Light checks count and height;
// full also checks depth and that no ommer is the parent itself.
func verifyOmmers(block *types.Block, parent *types.Header, mode replayer.ValidationMode) error {
	if mode == replayer.ValidationNone {
		return nil
	}
	uncles := block.Uncles()
	if len(uncles) > maxUncles {
		return fmt.Errorf("%w: %d > %d", ErrTooManyOmmers, len(uncles), maxUncles)
	}
	number := block.NumberU64()
	seen := make(map[common.Hash]struct{}, len(uncles))
	for _, uncle := range uncles {
		hash := uncle.Hash()
		if _, dup := seen[hash]; dup {
			return fmt.Errorf("%w: duplicate %s", ErrInvalidOmmer, hash)
		}
		seen[hash] = struct{}{}

		n := uncle.Number.Uint64()
		if n >= number {
			return fmt.Errorf("%w: height %d not below block %d", ErrInvalidOmmer, n, number)
		}
		if mode != replayer.ValidationFull {
			continue
		}
		if number-n >= maxUncleDepth {
			return fmt.Errorf("%w: height %d too old for block %d", ErrInvalidOmmer, n, number)
		}
		if parent != nil && hash == parent.Hash() {
			return fmt.Errorf("%w: ommer is the parent", ErrInvalidOmmer)
		}
	}
	return nil
}

// verifyReceipts checks receipts against the block's transactions and
// header.
func verifyReceipts(block *types.Block, receipts types.Receipts) error {
	if have, want := len(receipts), len(block.Transactions()); have != want {
		return fmt.Errorf("%w: have %d, want %d", ErrReceiptCount, have, want)
	}
	header := block.Header()
	if hash := types.DeriveSha(receipts, trie.NewStackTrie(nil)); hash != header.ReceiptHash {
		return fmt.Errorf("%w: have %s, header %s", ErrReceiptRootMismatch, hash, header.ReceiptHash)
	}
	var used uint64
	if len(receipts) > 0 {
		used = receipts[len(receipts)-1].CumulativeGasUsed
	}
	if used != header.GasUsed {
		return fmt.Errorf("%w: receipts %d, header %d", ErrReceiptGasMismatch, used, header.GasUsed)
	}
	return nil
}
