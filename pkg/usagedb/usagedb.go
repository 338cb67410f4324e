// Package usagedb archives per-transaction gas usage trees in BadgerDB.
//
// Trees are stored under their block number and transaction hash, so a range
// of blocks can be scanned in height order and aggregated without replaying
// it again.
package usagedb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/fortiblox/gasreplay/pkg/usage"
)

// Errors.
var (
	// ErrNotFound is returned when no tree is archived for a transaction.
	ErrNotFound = errors.New("usage tree not found")

	// ErrClosed is returned when operating on a closed archive.
	ErrClosed = errors.New("usage archive closed")

	// ErrUnknownCategory is returned when an archived cell names a category
	// id this build does not know.
	ErrUnknownCategory = errors.New("unknown usage category")
)

// Key prefixes.
var (
	// prefixTree is the prefix for trees.
	// Key format: prefixTree + block number (8 bytes, big-endian) + tx hash
	prefixTree = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	// metaCount stores the number of archived trees.
	metaCount = append(prefixMeta, []byte("count")...)
)

// Config contains configuration for the archive.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger receives BadgerDB's own log lines at debug level and above.
	// Nil disables them.
	Logger log.Logger
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20,
	}
}

// DB is a BadgerDB-backed usage tree archive.
type DB struct {
	db *badger.DB

	// count is cached in memory
	count atomic.Uint64

	// mu serializes writes so the count stays exact
	mu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates an archive.
func Open(cfg Config) (*DB, error) {
	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}
	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.NumMemtables > 0 {
		opts = opts.WithNumMemtables(cfg.NumMemtables)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger.With("db", "usage")})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	d := &DB{db: db}
	if err := d.loadCount(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return d, nil
}

// OpenMemory opens an empty in-memory archive.
func OpenMemory() (*DB, error) {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	return Open(cfg)
}

func (d *DB) loadCount() error {
	return d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaCount)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				d.count.Store(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

// treeKey returns the key of a transaction's tree.
func treeKey(block uint64, txHash string) []byte {
	key := make([]byte, 0, 1+8+len(txHash))
	key = append(key, prefixTree...)
	key = binary.BigEndian.AppendUint64(key, block)
	return append(key, txHash...)
}

// blockKey returns the first key at or after block.
func blockKey(block uint64) []byte {
	return treeKey(block, "")
}

// Put archives trees, replacing any stored for the same transactions. All
// trees are written in one transaction.
func (d *DB) Put(trees ...*usage.Tree) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var added uint64
	err := d.db.Update(func(txn *badger.Txn) error {
		for _, t := range trees {
			data, err := encodeTree(t)
			if err != nil {
				return fmt.Errorf("encode tree %s: %w", t.TransactionHash(), err)
			}
			key := treeKey(t.BlockNumber(), t.TransactionHash())
			if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
				added++
			} else if err != nil {
				return err
			}
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		if added == 0 {
			return nil
		}
		return txn.Set(metaCount, binary.BigEndian.AppendUint64(nil, d.count.Load()+added))
	})
	if err != nil {
		return err
	}
	d.count.Add(added)
	return nil
}

// Get returns the tree archived for a transaction.
func (d *DB) Get(block uint64, txHash string) (*usage.Tree, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	var tree *usage.Tree
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(treeKey(block, txHash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: block %d tx %s", ErrNotFound, block, txHash)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			tree, err = decodeTree(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Iterate calls fn for every tree in blocks [from, to), in block order and
// by transaction hash within a block. An error from fn stops the iteration
// and is returned.
func (d *DB) Iterate(from, to uint64, fn func(tree *usage.Tree) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixTree
		it := txn.NewIterator(opts)
		defer it.Close()

		end := blockKey(to)
		for it.Seek(blockKey(from)); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), end) >= 0 {
				break
			}
			var tree *usage.Tree
			err := item.Value(func(val []byte) error {
				var err error
				tree, err = decodeTree(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(tree); err != nil {
				return err
			}
		}
		return nil
	})
}

// Aggregate is the combined usage of a range of archived trees.
type Aggregate struct {
	// Coefficients sums every root except the memory category.
	Coefficients usage.Coefficients

	// Memory holds each root's memory cost in iteration order.
	Memory []int64

	// Trees is the number of trees aggregated.
	Trees int
}

// Aggregate sums the roots of all trees in blocks [from, to).
func (d *DB) Aggregate(from, to uint64) (*Aggregate, error) {
	var roots []usage.Node
	err := d.Iterate(from, to, func(tree *usage.Tree) error {
		roots = append(roots, tree.Root())
		return nil
	})
	if err != nil {
		return nil, err
	}
	coefficients, memory := usage.AggregateGasUsageCoefficients(roots)
	return &Aggregate{Coefficients: coefficients, Memory: memory, Trees: len(roots)}, nil
}

// Count returns the number of archived trees.
func (d *DB) Count() uint64 {
	return d.count.Load()
}

// Close closes the archive.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	return d.db.Close()
}

// badgerLogger forwards BadgerDB log lines to a geth logger.
type badgerLogger struct {
	log log.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(trimf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(trimf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(trimf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace(trimf(format, args...))
}

func trimf(format string, args ...interface{}) string {
	return string(bytes.TrimSpace([]byte(fmt.Sprintf(format, args...))))
}
