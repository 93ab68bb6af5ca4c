package core

import (
	"crypto/ed25519"
	"testing"
)

func newTestProducer(t *testing.T, l *Ledger, mp *Mempool) (*BlockProducer, Address) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	self := DeriveAddress(pub)
	return NewBlockProducer(l, mp, NewDuplicateTracker(), priv, self), self
}

func TestSealOnceEmptyMempoolIsNoop(t *testing.T) {
	mp := NewMempool(10)
	l := newTestLedger(t, NewMemStore(), nil)
	p, _ := newTestProducer(t, l, mp)

	if err := p.sealOnce(); err != nil {
		t.Fatalf("sealOnce on empty mempool should be a no-op, got %v", err)
	}
	if l.Height() != 0 {
		t.Fatalf("height should not advance without transactions, got %d", l.Height())
	}
}

func TestSealOnceMinesAndAppendsRewardBlock(t *testing.T) {
	mp := NewMempool(10)
	senderPub, senderPriv, _ := ed25519.GenerateKey(nil)
	sender := DeriveAddress(senderPub)
	recipientPub, _, _ := ed25519.GenerateKey(nil)
	recipient := DeriveAddress(recipientPub)

	l := newTestLedger(t, NewMemStore(), []GenesisAllocation{{Address: sender, Balance: 500}})
	p, self := newTestProducer(t, l, mp)

	tx := signedTransfer(t, senderPub, senderPriv, "tx-h1", 1, recipient)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("add to mempool: %v", err)
	}

	// Drop difficulty to 1 so the search terminates quickly in a test.
	l.mu.Lock()
	l.difficulty = 1
	l.mu.Unlock()

	if err := p.sealOnce(); err != nil {
		t.Fatalf("sealOnce: %v", err)
	}
	if l.Height() != 1 {
		t.Fatalf("expected height 1 after sealing, got %d", l.Height())
	}
	tip := l.Tip()
	if len(tip.Transactions) != 2 {
		t.Fatalf("expected reward tx + drained tx, got %d transactions", len(tip.Transactions))
	}
	if tip.Transactions[0].Kind != KindReward {
		t.Fatalf("expected reward transaction first, got %v", tip.Transactions[0].Kind)
	}
	if tip.Validator != self.String() {
		t.Fatalf("expected validator %q, got %q", self.String(), tip.Validator)
	}
	if mp.Has(tx.Hash) {
		t.Fatalf("sealed transaction should be removed from the mempool")
	}
}

func TestMineNonceSatisfiesDifficulty(t *testing.T) {
	block := &Block{
		Index:  1,
		Header: BlockHeader{Version: 1, Difficulty: 1},
	}
	if err := mineNonce(block); err != nil {
		t.Fatalf("mineNonce: %v", err)
	}
	if block.Hash[0] != '0' {
		t.Fatalf("expected mined hash to have a leading zero nibble, got %q", block.Hash)
	}
}
