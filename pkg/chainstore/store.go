package chainstore

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"
)

// Store implements ChainStore over a bolt or leveldb engine.
type Store struct {
	kv      kv
	config  Config
	log     log.Logger
	headers *lru.Cache

	// Cached head values for fast reads.
	mu         sync.RWMutex
	headNumber uint64
	headHash   common.Hash
	blockCount uint64

	closed bool
}

var _ ChainStore = (*Store)(nil)

// Open creates or opens a chain store.
func Open(config Config) (*Store, error) {
	if config.HeaderCacheSize <= 0 {
		config.HeaderCacheSize = DefaultConfig(config.Path).HeaderCacheSize
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}

	db, err := openKV(config)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(config.HeaderCacheSize)
	if err != nil {
		db.close()
		return nil, fmt.Errorf("header cache: %w", err)
	}

	store := &Store{
		kv:      db,
		config:  config,
		log:     logger.With("store", config.Path),
		headers: cache,
	}

	// Load cached values.
	if err := store.loadHead(); err != nil {
		db.close()
		return nil, fmt.Errorf("load head: %w", err)
	}
	store.log.Debug("Opened chain store", "backend", config.Backend, "head", store.headNumber, "hash", store.headHash)
	return store, nil
}

// OpenMemory opens an empty in-memory store.
func OpenMemory() (*Store, error) {
	config := DefaultConfig("memory")
	config.Backend = BackendMemory
	return Open(config)
}

// loadHead loads the persisted head into memory.
func (s *Store) loadHead() error {
	hash, err := s.kv.get(bucketMetadata, keyHeadHash)
	if err != nil {
		return err
	}
	if hash != nil {
		s.headHash = common.BytesToHash(hash)
	}
	number, err := s.kv.get(bucketMetadata, keyHeadNumber)
	if err != nil {
		return err
	}
	s.headNumber = DecodeNumberKey(number)
	count, err := s.kv.get(bucketMetadata, keyBlockCount)
	if err != nil {
		return err
	}
	s.blockCount = DecodeNumberKey(count)
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// HashAt returns the canonical hash at a height.
func (s *Store) HashAt(number uint64) (common.Hash, error) {
	if err := s.checkOpen(); err != nil {
		return common.Hash{}, err
	}
	v, err := s.kv.get(bucketCanonical, EncodeNumberKey(number))
	if err != nil {
		return common.Hash{}, err
	}
	if v == nil {
		return common.Hash{}, fmt.Errorf("%w: number %d", ErrHashNotFound, number)
	}
	return common.BytesToHash(v), nil
}

// HeaderFor returns the header of a known block.
func (s *Store) HeaderFor(hash common.Hash) (*types.Header, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.header(hash)
}

// header reads a header without checking the store state.
func (s *Store) header(hash common.Hash) (*types.Header, error) {
	if h, ok := s.headers.Get(hash); ok {
		return types.CopyHeader(h.(*types.Header)), nil
	}
	data, err := s.kv.get(bucketHeaders, hash.Bytes())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrHeaderNotFound, hash)
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("decode header %s: %w", hash, err)
	}
	s.headers.Add(hash, header)
	return types.CopyHeader(header), nil
}

// BodyFor returns the body of a known block.
func (s *Store) BodyFor(hash common.Hash) (*types.Body, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.kv.get(bucketBodies, hash.Bytes())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrBodyNotFound, hash)
	}
	body := new(types.Body)
	if err := rlp.DecodeBytes(data, body); err != nil {
		return nil, fmt.Errorf("decode body %s: %w", hash, err)
	}
	return body, nil
}

// ReceiptsFor returns the receipts stored with a block. Only consensus
// fields are populated.
func (s *Store) ReceiptsFor(hash common.Hash) (types.Receipts, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.kv.get(bucketReceipts, hash.Bytes())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptsNotFound, hash)
	}
	var receipts types.Receipts
	if err := rlp.DecodeBytes(data, &receipts); err != nil {
		return nil, fmt.Errorf("decode receipts %s: %w", hash, err)
	}
	return receipts, nil
}

// HasBlock reports whether the header and body of a block are stored.
func (s *Store) HasBlock(hash common.Hash) bool {
	if _, err := s.HeaderFor(hash); err != nil {
		return false
	}
	v, err := s.kv.get(bucketBodies, hash.Bytes())
	return err == nil && v != nil
}

// CurrentHead returns the head height and hash.
func (s *Store) CurrentHead() (uint64, common.Hash) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headNumber, s.headHash
}

// BlockCount returns the number of distinct blocks stored, canonical or not.
func (s *Store) BlockCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockCount
}

// Append stores a block. A nil receipts list stores no receipts; an empty one
// is stored as such.
func (s *Store) Append(block *types.Block, receipts types.Receipts) error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	hash := block.Hash()
	headerData, err := rlp.EncodeToBytes(block.Header())
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	bodyData, err := rlp.EncodeToBytes(block.Body())
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	var receiptData []byte
	if receipts != nil {
		if receiptData, err = rlp.EncodeToBytes(receipts); err != nil {
			return fmt.Errorf("encode receipts: %w", err)
		}
	}
	known, err := s.kv.get(bucketHeaders, hash.Bytes())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	adopt := s.headHash == (common.Hash{}) || block.ParentHash() == s.headHash
	count := s.blockCount
	if known == nil {
		count++
	}

	err = s.kv.update(func(w kvWriter) error {
		if err := w.put(bucketHeaders, hash.Bytes(), headerData); err != nil {
			return err
		}
		if err := w.put(bucketBodies, hash.Bytes(), bodyData); err != nil {
			return err
		}
		if receiptData != nil {
			if err := w.put(bucketReceipts, hash.Bytes(), receiptData); err != nil {
				return err
			}
		}
		if err := w.put(bucketMetadata, keyBlockCount, EncodeNumberKey(count)); err != nil {
			return err
		}
		if !adopt {
			return nil
		}
		if err := w.put(bucketCanonical, EncodeNumberKey(block.NumberU64()), hash.Bytes()); err != nil {
			return err
		}
		return writeHead(w, block.NumberU64(), hash)
	})
	if err != nil {
		return fmt.Errorf("append block %d: %w", block.NumberU64(), err)
	}

	s.blockCount = count
	if adopt {
		s.headNumber = block.NumberU64()
		s.headHash = hash
	} else {
		s.log.Debug("Stored side block", "number", block.NumberU64(), "hash", hash, "head", s.headHash)
	}
	return nil
}

func writeHead(w kvWriter, number uint64, hash common.Hash) error {
	if err := w.put(bucketMetadata, keyHeadHash, hash.Bytes()); err != nil {
		return err
	}
	return w.put(bucketMetadata, keyHeadNumber, EncodeNumberKey(number))
}

// RewindTo makes a stored block the head. Canonical entries are rewritten
// along the block's ancestry until they agree with the existing mapping, and
// entries above the new head are removed.
func (s *Store) RewindTo(hash common.Hash) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	target, err := s.HeaderFor(hash)
	if err != nil {
		return fmt.Errorf("rewind: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect the ancestry that is not yet canonical.
	rewrites := make(map[uint64]common.Hash)
	for h := target; ; {
		number := h.Number.Uint64()
		current, err := s.kv.get(bucketCanonical, EncodeNumberKey(number))
		if err != nil {
			return err
		}
		if current != nil && common.BytesToHash(current) == h.Hash() {
			break
		}
		rewrites[number] = h.Hash()
		if number == 0 {
			break
		}
		if h, err = s.header(h.ParentHash); err != nil {
			return fmt.Errorf("rewind ancestor of %d: %w", number, err)
		}
	}

	newNumber := target.Number.Uint64()
	err = s.kv.update(func(w kvWriter) error {
		for number, h := range rewrites {
			if err := w.put(bucketCanonical, EncodeNumberKey(number), h.Bytes()); err != nil {
				return err
			}
		}
		for number := newNumber + 1; number <= s.headNumber; number++ {
			if err := w.delete(bucketCanonical, EncodeNumberKey(number)); err != nil {
				return err
			}
		}
		return writeHead(w, newNumber, hash)
	})
	if err != nil {
		return fmt.Errorf("rewind to %d: %w", newNumber, err)
	}

	s.log.Debug("Rewound chain head", "from", s.headNumber, "to", newNumber, "hash", hash, "rewritten", len(rewrites))
	s.headNumber = newNumber
	s.headHash = hash
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.kv.close()
}
