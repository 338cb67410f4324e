// Package chainstore provides persistent storage for replayed EVM chains.
//
// A store maps block numbers to canonical hashes and hashes to headers,
// bodies and receipts. It tracks the chain head and supports appending blocks
// and forcibly rewinding the head onto a known block. Values are RLP encoded;
// numbers are stored as big-endian keys so canonical entries sort by height.
package chainstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrNotFound is wrapped by every lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrHashNotFound is returned when no canonical block exists at a height.
	ErrHashNotFound = fmt.Errorf("canonical hash %w", ErrNotFound)

	// ErrHeaderNotFound is returned when a header is unknown.
	ErrHeaderNotFound = fmt.Errorf("header %w", ErrNotFound)

	// ErrBodyNotFound is returned when a body is unknown.
	ErrBodyNotFound = fmt.Errorf("body %w", ErrNotFound)

	// ErrReceiptsNotFound is returned when no receipts were stored for a block.
	ErrReceiptsNotFound = fmt.Errorf("receipts %w", ErrNotFound)

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("chainstore closed")

	// ErrReadOnly is returned when writing to a read-only store.
	ErrReadOnly = errors.New("chainstore is read-only")

	// ErrUnknownBackend is returned for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown chainstore backend")
)

// Reader is the read side of a chain.
type Reader interface {
	// HashAt returns the canonical hash at a height.
	HashAt(number uint64) (common.Hash, error)

	// HeaderFor returns the header of a known block.
	HeaderFor(hash common.Hash) (*types.Header, error)

	// BodyFor returns the body of a known block.
	BodyFor(hash common.Hash) (*types.Body, error)

	// ReceiptsFor returns the receipts stored with a block.
	ReceiptsFor(hash common.Hash) (types.Receipts, error)

	// CurrentHead returns the head height and hash. The zero hash means the
	// chain is empty.
	CurrentHead() (uint64, common.Hash)
}

// Writer is the write side of a chain.
type Writer interface {
	// Append stores a block with its receipts. The block becomes the head
	// only when it extends the current head or the chain is empty.
	Append(block *types.Block, receipts types.Receipts) error

	// RewindTo makes a known block the head, rewriting canonical entries
	// back to the common ancestor.
	RewindTo(hash common.Hash) error
}

// ChainStore is a readable, writable, closable chain.
type ChainStore interface {
	Reader
	Writer
	Close() error
}

// Backend names.
const (
	BackendBolt    = "bolt"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Config holds chain store configuration options.
type Config struct {
	// Path is the database file (bolt) or directory (leveldb).
	Path string

	// Backend selects the storage engine: bolt, leveldb or memory.
	Backend string

	// ReadOnly opens the database without write access.
	ReadOnly bool

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// OpenTimeout bounds waiting for the bolt file lock.
	OpenTimeout time.Duration

	// HeaderCacheSize is the number of decoded headers kept in memory.
	HeaderCacheSize int

	// Logger receives store events. Defaults to the root logger.
	Logger log.Logger
}

// DefaultConfig returns the default chain store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		Backend:         BackendBolt,
		NoSync:          false,
		OpenTimeout:     5 * time.Second,
		HeaderCacheSize: 4096,
		Logger:          log.Root(),
	}
}

// ReadBlock assembles the canonical block at a height: hash, then header,
// then body. Any miss is returned as is.
func ReadBlock(r Reader, number uint64) (*types.Block, error) {
	hash, err := r.HashAt(number)
	if err != nil {
		return nil, err
	}
	header, err := r.HeaderFor(hash)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	body, err := r.BodyFor(hash)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	return types.NewBlockWithHeader(header).WithBody(*body), nil
}

// EncodeNumberKey encodes a block number as a big-endian 8-byte key.
func EncodeNumberKey(number uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, number)
	return key
}

// DecodeNumberKey decodes a block number from a big-endian 8-byte key.
func DecodeNumberKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}
