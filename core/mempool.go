package core

import "sync"

// Mempool is a thread-safe FIFO queue of admitted, not-yet-included
// transactions, deduplicated by hash. Grounded on the teacher's habit of
// guarding shared in-memory queues with a single RWMutex (core/network.go,
// core/peer_management.go) rather than channel-based pipelines.
type Mempool struct {
	mu      sync.RWMutex
	order   []string
	byHash  map[string]*Transaction
	maxSize int
}

// NewMempool constructs an empty mempool bounded at maxSize entries.
func NewMempool(maxSize int) *Mempool {
	return &Mempool{
		byHash:  make(map[string]*Transaction),
		maxSize: maxSize,
	}
}

// Add admits tx if it is not already present and the pool has room.
// Returns ErrDuplicateTx if the hash is already queued, ErrMempoolFull if
// the pool is saturated.
func (m *Mempool) Add(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[tx.Hash]; ok {
		return ErrDuplicateTx
	}
	if m.maxSize > 0 && len(m.order) >= m.maxSize {
		return ErrMempoolFull
	}
	m.order = append(m.order, tx.Hash)
	m.byHash[tx.Hash] = tx
	return nil
}

// Has reports whether hash is currently queued.
func (m *Mempool) Has(hash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byHash[hash]
	return ok
}

// Len returns the number of queued transactions.
func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Take removes and returns up to n transactions in FIFO order, for block
// assembly.
func (m *Mempool) Take(n int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.order) {
		n = len(m.order)
	}
	out := make([]Transaction, 0, n)
	for i := 0; i < n; i++ {
		h := m.order[i]
		out = append(out, *m.byHash[h])
		delete(m.byHash, h)
	}
	m.order = m.order[n:]
	return out
}

// Requeue puts previously-taken transactions back at the front, used when
// block sealing aborts and the drained batch must not be lost.
func (m *Mempool) Requeue(txs []Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := make([]string, 0, len(txs))
	for i := range txs {
		tx := txs[i]
		if _, ok := m.byHash[tx.Hash]; ok {
			continue
		}
		m.byHash[tx.Hash] = &tx
		hashes = append(hashes, tx.Hash)
	}
	m.order = append(hashes, m.order...)
}

// Remove drops a single hash, used when a transaction is found already
// included by a block received over gossip before local sealing.
func (m *Mempool) Remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[hash]; !ok {
		return
	}
	delete(m.byHash, hash)
	for i, h := range m.order {
		if h == hash {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
