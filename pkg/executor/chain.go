package executor

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/fortiblox/gasreplay/pkg/chainstore"
)

// chainContext serves the interpreter's and the consensus engine's header
// lookups from a chain store.
type chainContext struct {
	reader chainstore.Reader
	config *params.ChainConfig
	engine consensus.Engine
}

var (
	_ core.ChainContext           = (*chainContext)(nil)
	_ consensus.ChainHeaderReader = (*chainContext)(nil)
)

func (c *chainContext) Engine() consensus.Engine    { return c.engine }
func (c *chainContext) Config() *params.ChainConfig { return c.config }

func (c *chainContext) CurrentHeader() *types.Header {
	_, hash := c.reader.CurrentHead()
	if hash == (common.Hash{}) {
		return nil
	}
	return c.GetHeaderByHash(hash)
}

func (c *chainContext) GetHeader(hash common.Hash, number uint64) *types.Header {
	header := c.GetHeaderByHash(hash)
	if header == nil || header.Number.Uint64() != number {
		return nil
	}
	return header
}

func (c *chainContext) GetHeaderByNumber(number uint64) *types.Header {
	hash, err := c.reader.HashAt(number)
	if err != nil {
		return nil
	}
	return c.GetHeaderByHash(hash)
}

func (c *chainContext) GetHeaderByHash(hash common.Hash) *types.Header {
	header, err := c.reader.HeaderFor(hash)
	if err != nil {
		return nil
	}
	return header
}
