package core

// Proof-of-Information-Entropy consensus. Unlike the stake-weighted-only
// validator selection common to PoS chains, PoIE additionally weighs each
// candidate validator's recent data-contribution quality: a validator that
// forwards rich, high-entropy, non-duplicate sensor data earns a larger
// share of block-sealing opportunities than one that only stakes capital.
//
// Sealing itself still proceeds by difficulty-search (see producer.go):
// PoIE selection below is advisory input to who SHOULD seal next, used by
// honest nodes to decide whether to spend cycles mining a given slot; it is
// not enforced as a hard consensus rule, since nothing here constitutes a
// BFT-safety or finality claim.

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ValidatorWeightInput is the subset of validator/account state PoIE needs
// to compute a selection weight.
type ValidatorWeightInput struct {
	Address         Address
	SelfStake       uint64
	DelegatedStake  uint64
	ReputationScore float64  // 0..100, from AccountState
	EntropyContrib  float64 // average Shannon entropy (bits/byte) of recent contributions
}

// SelectionWeight computes sqrt(self+delegated)*(1+reputation/100)*(1+entropy/8).
// The entropy factor is PoIE's addition over plain delegated-PoS weighting.
func SelectionWeight(in ValidatorWeightInput) float64 {
	stake := float64(in.SelfStake + in.DelegatedStake)
	if stake <= 0 {
		return 0
	}
	base := math.Sqrt(stake) * (1 + in.ReputationScore/100)
	entropyFactor := 1 + clamp01(in.EntropyContrib/8)
	return base * entropyFactor
}

// SelectValidator performs a deterministic weighted draw over candidates
// using seed as the source of randomness, matching the teacher's habit
// (core/consensus_weights.go-style selection) of hashing a seed into a
// cumulative-weight walk rather than pulling from math/rand.
func SelectValidator(candidates []ValidatorWeightInput, seed []byte) (Address, bool) {
	type weighted struct {
		addr   Address
		weight float64
	}
	var pool []weighted
	var total float64
	for _, c := range candidates {
		w := SelectionWeight(c)
		if w <= 0 {
			continue
		}
		pool = append(pool, weighted{addr: c.Address, weight: w})
		total += w
	}
	if len(pool) == 0 {
		return Address{}, false
	}
	sort.Slice(pool, func(i, j int) bool {
		return pool[i].addr.String() < pool[j].addr.String()
	})

	target := seededFraction(seed) * total
	var cum float64
	for _, p := range pool {
		cum += p.weight
		if target <= cum {
			return p.addr, true
		}
	}
	return pool[len(pool)-1].addr, true
}

// seededFraction maps a seed deterministically to [0,1].
func seededFraction(seed []byte) float64 {
	sum := sha256.Sum256(seed)
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v) / float64(^uint64(0))
}

// DuplicateTracker detects DataContribution payloads whose content hash has
// already been seen, per spec.md's duplicate-data handling: a repeat
// contribution earns a halved reward multiplier and a reputation penalty
// instead of being rejected outright, since honest devices legitimately
// re-observe stable readings.
type DuplicateTracker struct {
	mu   sync.Mutex
	seen map[string]uint64 // data hash -> block height first seen
	log  *logrus.Entry
}

// NewDuplicateTracker constructs an empty tracker.
func NewDuplicateTracker() *DuplicateTracker {
	return &DuplicateTracker{
		seen: make(map[string]uint64),
		log:  logrus.WithField("component", "poie-consensus"),
	}
}

// Reward multiplier and reputation delta applied to a repeat contribution.
const (
	DuplicateRewardMultiplier = 0.5
	DuplicateReputationDelta  = -10
)

// Seed marks hashes as already seen as of height without treating them as
// duplicates, so a producer restarting against an already-persisted chain
// does not re-award full reward/reputation to a DataContribution whose hash
// was first seen in a block sealed before the restart.
func (t *DuplicateTracker) Seed(hashes []string, height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range hashes {
		if _, ok := t.seen[h]; !ok {
			t.seen[h] = height
		}
	}
}

// Observe records dataHash at height and reports whether it is a duplicate
// of a previously observed hash, along with the reward multiplier and
// reputation delta that should be applied to the contributing account.
func (t *DuplicateTracker) Observe(dataHash string, height uint64) (isDuplicate bool, rewardMultiplier, reputationDelta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if first, ok := t.seen[dataHash]; ok {
		t.log.WithFields(logrus.Fields{"hash": dataHash, "first_seen": first, "height": height}).
			Debug("duplicate data contribution detected")
		return true, DuplicateRewardMultiplier, DuplicateReputationDelta
	}
	t.seen[dataHash] = height
	return false, 1.0, 0
}

// BlockReward returns the base block reward plus the contribution-quality
// bonus, scaled by dataEntropy (bits/byte, 0..8): richer blocks mint
// marginally more, matching PoIE's incentive to gossip high-information
// payloads rather than padding/noise.
func BlockReward(dataEntropy float64) uint64 {
	bonus := dataEntropy / 8 * float64(baseBlockReward) * 0.2
	return baseBlockReward + uint64(bonus)
}
