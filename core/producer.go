package core

import (
	"context"
	"crypto/ed25519"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// BlockProducer attempts to seal one block every tick (a tick with an empty
// mempool seals nothing), mirroring the teacher's
// single-goroutine ticker loop (core/network.go's background workers) rather
// than a channel-fan-in scheduler.
type BlockProducer struct {
	ledger  *Ledger
	mempool *Mempool
	quality *DuplicateTracker
	signer  ed25519.PrivateKey
	self    Address
	log     *logrus.Entry

	tick time.Duration
}

// NewBlockProducer constructs a producer that seals as signer/self.
func NewBlockProducer(ledger *Ledger, mempool *Mempool, quality *DuplicateTracker, signer ed25519.PrivateKey, self Address) *BlockProducer {
	return &BlockProducer{
		ledger:  ledger,
		mempool: mempool,
		quality: quality,
		signer:  signer,
		self:    self,
		log:     logrus.WithField("component", "producer"),
		tick:    10 * time.Second,
	}
}

// Run blocks, attempting a seal every tick until ctx is cancelled. A
// FatalError from sealing halts the process; other errors skip the slot.
func (p *BlockProducer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sealOnce(); err != nil {
				if _, isFatal := err.(*FatalError); isFatal {
					p.log.WithError(err).Fatal("persistence failure, halting node")
				}
				p.log.WithError(err).Warn("block sealing failed, skipping slot")
			}
		}
	}
}

// sealOnce drains up to maxTxsPerBlock mempool transactions, prepends the
// block reward, mines a nonce satisfying the current difficulty, and
// commits the result. On any failure the drained batch is requeued so no
// transaction is lost.
func (p *BlockProducer) sealOnce() error {
	drained := p.mempool.Take(maxTxsPerBlock)
	if len(drained) == 0 {
		return nil
	}

	ok := true
	defer func() {
		if !ok {
			p.mempool.Requeue(drained)
		}
	}()

	tip := p.ledger.Tip()
	prevHash := ""
	nextIndex := uint64(0)
	if tip != nil {
		prevHash = tip.Hash
		nextIndex = tip.Index + 1
	}

	var totalEntropy float64
	var contributions int
	for i := range drained {
		tx := &drained[i]
		if tx.Kind != KindDataContribution || tx.DataQuality == nil {
			continue
		}
		contributions++
		totalEntropy += tx.DataQuality.Entropy

		if len(tx.Outputs) == 0 {
			continue
		}
		dup, _, _ := p.quality.Observe(tx.Outputs[0].DataHash, nextIndex)
		// Stamped here, before the block is assembled and hashed: Duplicate
		// is not part of canonicalTxBody, so this neither invalidates
		// tx.Hash nor the sender's signature. ApplyTransaction reads the
		// stamped flag (persisted inside the sealed block) to apply the
		// reward/reputation penalty, rather than recomputing duplicate
		// status from the producer's transient DuplicateTracker, which
		// would not exist identically across a restart-triggered replay.
		tx.Duplicate = dup
	}
	avgEntropy := 0.0
	if contributions > 0 {
		avgEntropy = totalEntropy / float64(contributions)
	}

	rewardTx, err := p.buildRewardTx(nextIndex, avgEntropy)
	if err != nil {
		ok = false
		return err
	}
	txs := append([]Transaction{*rewardTx}, drained...)

	leaves := make([]string, len(txs))
	for i := range txs {
		leaves[i] = txs[i].Hash
	}

	header := BlockHeader{
		Version:      1,
		PreviousHash: prevHash,
		MerkleRoot:   MerkleRoot(leaves),
		Timestamp:    time.Now(),
		Difficulty:   p.ledger.Difficulty(),
		DataEntropy:  avgEntropy,
	}

	block := &Block{
		Index:        nextIndex,
		Header:       header,
		Transactions: txs,
		Validator:    p.self.String(),
	}
	if err := mineNonce(block); err != nil {
		ok = false
		return err
	}

	if err := p.ledger.AppendBlock(block); err != nil {
		ok = false
		return err
	}
	p.log.WithFields(logrus.Fields{
		"height": block.Index,
		"txs":    len(block.Transactions),
		"nonce":  block.Header.Nonce,
	}).Info("sealed block")
	return nil
}

func (p *BlockProducer) buildRewardTx(height uint64, entropy float64) (*Transaction, error) {
	reward := BlockReward(entropy)
	tx := &Transaction{
		ID:        "reward-" + uintToStr(height),
		Kind:      KindReward,
		Timestamp: time.Now(),
		Sender:    ReservedSystem,
		Outputs:   []Output{{Amount: reward, Recipient: p.self}},
	}
	h, err := ComputeTxHash(tx)
	if err != nil {
		return nil, fatal(err)
	}
	tx.Hash = h
	return tx, nil
}


// mineNonce searches nonces until ComputeBlockHash(block) has
// block.Header.Difficulty leading hex-zero characters, then stamps the
// winning nonce and hash onto block.
func mineNonce(block *Block) error {
	want := strings.Repeat("0", block.Header.Difficulty)
	for nonce := uint64(0); ; nonce++ {
		block.Header.Nonce = nonce
		h, err := ComputeBlockHash(block)
		if err != nil {
			return fatal(err)
		}
		if strings.HasPrefix(h, want) {
			block.Hash = h
			return nil
		}
		if nonce > 50_000_000 {
			return coded("MINING_EXHAUSTED", "nonce search exceeded bound without satisfying difficulty")
		}
	}
}
