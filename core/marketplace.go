package core

import (
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

// ContentID wraps a DataEntry's hash as a CIDv1/sha2-256 content identifier,
// the same addressing scheme other nodes in the pack (CDN/IPFS-gateway
// style code in data.go) use for content-addressed payloads, giving the
// marketplace registry an interoperable handle beyond the raw hex hash.
func ContentID(dataHash []byte) (cid.Cid, error) {
	hash, err := mh.Sum(dataHash, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fatal(err)
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// MarketplaceRegistry indexes DataEntry records by category in addition to
// the ledger's primary by-hash map, supporting discovery queries that the
// base ChainState.DataRegistry alone cannot serve efficiently
// (SPEC_FULL.md Section C.2).
type MarketplaceRegistry struct {
	mu         sync.RWMutex
	byCategory map[string][]string // category -> data hashes
	log        *zap.SugaredLogger
}

// NewMarketplaceRegistry constructs an empty category index.
func NewMarketplaceRegistry(log *zap.Logger) *MarketplaceRegistry {
	return &MarketplaceRegistry{
		byCategory: make(map[string][]string),
		log:        log.Sugar().Named("marketplace"),
	}
}

// IndexListing records hash under category; an empty category is ignored.
// Applying a DataContribution transaction does not call it.
func (m *MarketplaceRegistry) IndexListing(category, hash string) {
	if category == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byCategory[category] = append(m.byCategory[category], hash)
	m.log.Debugw("indexed listing", "category", category, "hash", hash)
}

// ListByCategory returns all data hashes indexed under category.
func (m *MarketplaceRegistry) ListByCategory(category string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.byCategory[category]))
	copy(out, m.byCategory[category])
	return out
}

// Categories lists every known category name.
func (m *MarketplaceRegistry) Categories() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byCategory))
	for c := range m.byCategory {
		out = append(out, c)
	}
	return out
}

// PurchaseReceipt records a completed DataPurchase. No code in this
// repository constructs one.
type PurchaseReceipt struct {
	DataHash  string    `json:"data_hash"`
	Buyer     Address   `json:"buyer"`
	Seller    Address   `json:"seller"`
	Price     uint64    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
