package chainstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/fortiblox/gasreplay/internal/fileio"
)

// importLogInterval is how many blocks pass between import progress lines.
const importLogInterval = 10_000

// ImportRLP appends every block of a concatenated RLP block stream, the
// format written by geth export and ExportRLP. Blocks are not validated.
func ImportRLP(ctx context.Context, w Writer, r io.Reader, logger log.Logger) (uint64, error) {
	if logger == nil {
		logger = log.Root()
	}
	stream := rlp.NewStream(r, 0)
	var n uint64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		block := new(types.Block)
		if err := stream.Decode(block); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("decode block at index %d: %w", n, err)
		}
		if err := w.Append(block, nil); err != nil {
			return n, fmt.Errorf("import block %d: %w", block.NumberU64(), err)
		}
		n++
		if n%importLogInterval == 0 {
			logger.Info("Importing blocks", "count", n, "number", block.NumberU64())
		}
	}
}

// ExportRLP writes the canonical blocks [from, to) as a concatenated RLP
// stream.
func ExportRLP(ctx context.Context, r Reader, w io.Writer, from, to uint64) (uint64, error) {
	var n uint64
	for number := from; number < to; number++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		block, err := ReadBlock(r, number)
		if err != nil {
			return n, err
		}
		if err := rlp.Encode(w, block); err != nil {
			return n, fmt.Errorf("encode block %d: %w", number, err)
		}
		n++
	}
	return n, nil
}

// OpenBlockFile opens an RLP block file for reading. Files ending in .gz or
// .zst are decompressed.
func OpenBlockFile(path string) (io.ReadCloser, error) {
	return fileio.Open(path)
}

// CreateBlockFile creates an RLP block file for writing, compressed when the
// name ends in .gz or .zst.
func CreateBlockFile(path string) (io.WriteCloser, error) {
	return fileio.Create(path)
}
