package chainstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	bolt "go.etcd.io/bbolt"
)

// Buckets. The leveldb backend uses the bucket name plus a separator as a
// key prefix.
var (
	// bucketCanonical maps number -> canonical hash.
	bucketCanonical = []byte("canonical")

	// bucketHeaders maps hash -> RLP header.
	bucketHeaders = []byte("headers")

	// bucketBodies maps hash -> RLP body.
	bucketBodies = []byte("bodies")

	// bucketReceipts maps hash -> RLP receipts.
	bucketReceipts = []byte("receipts")

	// bucketMetadata stores head and counters.
	bucketMetadata = []byte("metadata")

	allBuckets = [][]byte{bucketCanonical, bucketHeaders, bucketBodies, bucketReceipts, bucketMetadata}
)

// Metadata keys.
var (
	keyHeadHash   = []byte("head_hash")
	keyHeadNumber = []byte("head_number")
	keyBlockCount = []byte("block_count")
)

// kv is the minimal bucketed key-value engine a Store runs on.
type kv interface {
	// get returns a copy of the value, or nil when the key is absent.
	get(bucket, key []byte) ([]byte, error)

	// update applies all writes made by fn atomically.
	update(fn func(w kvWriter) error) error

	close() error
}

type kvWriter interface {
	put(bucket, key, value []byte) error
	delete(bucket, key []byte) error
}

func openKV(config Config) (kv, error) {
	switch config.Backend {
	case BackendBolt, "":
		return openBolt(config)
	case BackendLevelDB:
		return openLevel(config)
	case BackendMemory:
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, fmt.Errorf("open memory database: %w", err)
		}
		return &levelKV{db: db}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
}

// boltKV stores each bucket as a BoltDB bucket.
type boltKV struct {
	db *bolt.DB
}

func openBolt(config Config) (*boltKV, error) {
	// Ensure directory exists.
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.OpenTimeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return &boltKV{db: db}, nil
}

func (b *boltKV) get(bucket, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk == nil {
			return nil // Empty read-only database.
		}
		if v := bk.Get(key); v != nil {
			// Bolt values are only valid for the life of the transaction.
			out = append([]byte{}, v...)
		}
		return nil
	})
	return out, err
}

func (b *boltKV) update(fn func(w kvWriter) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(boltWriter{tx: tx})
	})
}

func (b *boltKV) close() error { return b.db.Close() }

type boltWriter struct {
	tx *bolt.Tx
}

func (w boltWriter) put(bucket, key, value []byte) error {
	return w.tx.Bucket(bucket).Put(key, value)
}

func (w boltWriter) delete(bucket, key []byte) error {
	return w.tx.Bucket(bucket).Delete(key)
}

// levelKV flattens buckets into prefixed LevelDB keys.
type levelKV struct {
	db   *leveldb.DB
	sync bool
}

func openLevel(config Config) (*levelKV, error) {
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := leveldb.OpenFile(config.Path, &opt.Options{
		ReadOnly:               config.ReadOnly,
		OpenFilesCacheCapacity: 256,
		BlockCacheCapacity:     16 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &levelKV{db: db, sync: !config.NoSync}, nil
}

func levelKey(bucket, key []byte) []byte {
	out := make([]byte, 0, len(bucket)+1+len(key))
	out = append(out, bucket...)
	out = append(out, '/')
	return append(out, key...)
}

func (l *levelKV) get(bucket, key []byte) ([]byte, error) {
	v, err := l.db.Get(levelKey(bucket, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (l *levelKV) update(fn func(w kvWriter) error) error {
	batch := new(leveldb.Batch)
	if err := fn(levelWriter{batch: batch}); err != nil {
		return err
	}
	return l.db.Write(batch, &opt.WriteOptions{Sync: l.sync})
}

func (l *levelKV) close() error { return l.db.Close() }

type levelWriter struct {
	batch *leveldb.Batch
}

func (w levelWriter) put(bucket, key, value []byte) error {
	w.batch.Put(levelKey(bucket, key), value)
	return nil
}

func (w levelWriter) delete(bucket, key []byte) error {
	w.batch.Delete(levelKey(bucket, key))
	return nil
}
