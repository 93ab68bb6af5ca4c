package core

// KVStore and the on-disk LevelDB-backed implementation. Column families from
// spec.md §4.1 (block_index, block_hash, tx_hash, address, data_hash, meta)
// are emulated as key prefixes over a single LevelDB database, the same
// column-family-via-prefix technique the teacher uses in cross_chain.go's
// KVStore/InMemoryStore pair.

import (
	"bytes"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Iterator walks a key range in ascending order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// KVStore is the persistence contract used by the ledger and by WASM
// contract storage. Staking, governance, the marketplace and the device
// registry keep their state in memory and do not use it.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Iterator(prefix []byte) Iterator
	// WriteBatch applies all puts atomically; used by block application so a
	// partial failure leaves the store at the previous height.
	WriteBatch(fn func(b Batch) error) error
	Close() error
}

// Batch accumulates writes for atomic commit.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// ----------------------------------------------------------------------
// LevelDB-backed store (./data/rocksdb/ per spec.md §6; LevelDB is the
// embedded engine actually wired, grounded on syndtr/goleveldb used by
// tos-network-gtos, prysmaticlabs-prysm and certenIO-certen-validator).
// ----------------------------------------------------------------------

type levelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens (creating if absent) a LevelDB database at dir.
func OpenLevelStore(dir string) (KVStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fatal(err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fatal(err)
	}
	return v, nil
}

func (s *levelStore) Set(key, value []byte) error {
	if err := s.db.Put(key, value, nil); err != nil {
		return fatal(err)
	}
	return nil
}

func (s *levelStore) Delete(key []byte) error {
	if err := s.db.Delete(key, nil); err != nil {
		return fatal(err)
	}
	return nil
}

type levelIterator struct{ it iteratorLike }

// iteratorLike matches *leveldb/iterator.Iterator's used surface.
type iteratorLike interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

func (s *levelStore) Iterator(prefix []byte) Iterator {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	return &levelIterator{it: it}
}

func (it *levelIterator) Next() bool      { return it.it.Next() }
func (it *levelIterator) Key() []byte     { return append([]byte(nil), it.it.Key()...) }
func (it *levelIterator) Value() []byte   { return append([]byte(nil), it.it.Value()...) }
func (it *levelIterator) Error() error    { return it.it.Error() }
func (it *levelIterator) Close() error    { it.it.Release(); return nil }

type levelBatch struct{ b *leveldb.Batch }

func (b *levelBatch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *levelBatch) Delete(key []byte)      { b.b.Delete(key) }

func (s *levelStore) WriteBatch(fn func(b Batch) error) error {
	batch := &leveldb.Batch{}
	if err := fn(&levelBatch{b: batch}); err != nil {
		return err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fatal(err)
	}
	return nil
}

func (s *levelStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fatal(err)
	}
	return nil
}

// ----------------------------------------------------------------------
// In-memory store, used by tests.
// ----------------------------------------------------------------------

type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore constructs an in-memory KVStore.
func NewMemStore() KVStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

type memBatchOp struct {
	key    []byte
	value  []byte
	delete bool
}

type memBatch struct{ ops []memBatchOp }

func (b *memBatch) Put(key, value []byte) {
	b.ops = append(b.ops, memBatchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}
func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memBatchOp{key: append([]byte(nil), key...), delete: true})
}

func (m *memStore) WriteBatch(fn func(b Batch) error) error {
	batch := &memBatch{}
	if err := fn(batch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range batch.ops {
		if op.delete {
			delete(m.data, string(op.key))
		} else {
			m.data[string(op.key)] = op.value
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }

type memIterator struct {
	keys   [][]byte
	values [][]byte
	index  int
}

func (m *memStore) Iterator(prefix []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys, values [][]byte
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, []byte(k))
			values = append(values, v)
		}
	}
	return &memIterator{keys: keys, values: values, index: -1}
}

func (it *memIterator) Next() bool {
	it.index++
	return it.index < len(it.keys)
}
func (it *memIterator) Key() []byte   { return it.keys[it.index] }
func (it *memIterator) Value() []byte { return it.values[it.index] }
func (it *memIterator) Error() error  { return nil }
func (it *memIterator) Close() error  { return nil }

// Key-prefix helpers for the emulated column families.
func keyBlockIndex(i uint64) []byte { return []byte("block:idx:" + uintToStr(i)) }
func keyBlockHash(h string) []byte  { return []byte("block:hash:" + h) }
func keyTxLocation(h string) []byte { return []byte("tx:loc:" + h) }
func keyAccount(a Address) []byte   { return []byte("account:" + a.String()) }
func keyDataEntry(h string) []byte  { return []byte("data:" + h) }

const (
	metaKeyTotalBlocks = "meta:total_blocks"
	metaKeyDifficulty  = "meta:difficulty"
	metaKeyLastTime    = "meta:last_block_time"
	metaKeyTotalSupply = "meta:total_supply"
	metaKeyTotalStaked = "meta:total_staked"
)
