package core

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestDeriveAddressDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a1 := DeriveAddress(pub)
	a2 := DeriveAddress(pub)
	if a1 != a2 {
		t.Fatalf("DeriveAddress must be deterministic for the same public key")
	}
	if a1.String()[:4] != "edge" {
		t.Fatalf("account address must carry the edge prefix, got %q", a1.String())
	}
}

func TestParseAddressRoundTrip(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	addr := DeriveAddress(pub)
	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if parsed != addr {
		t.Fatalf("round-tripped address mismatch: got %v want %v", parsed, addr)
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	if _, err := ParseAddress("notanaddress"); err == nil {
		t.Fatalf("expected error for malformed address")
	}
	if _, err := ParseAddress("0xdeadbeef"); err == nil {
		t.Fatalf("expected error for contract-style address passed as account address")
	}
}

func TestVerifyTxSignatureTransfer(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sender := DeriveAddress(pub)
	recipient := DeriveAddress(mustPub(t))

	tx := &Transaction{
		ID:              "tx-1",
		Kind:            KindTransfer,
		Timestamp:       time.Now(),
		Sender:          sender.String(),
		SenderPublicKey: pub,
		Outputs:         []Output{{Amount: 100, Recipient: recipient}},
	}
	tx.Signature = ed25519.Sign(priv, SigningMessage(tx))

	if err := VerifyTxSignature(tx); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}

	tx.Outputs[0].Amount = 200
	if err := VerifyTxSignature(tx); err == nil {
		t.Fatalf("expected tampered amount to invalidate signature")
	}
}

func TestVerifyTxSignatureSenderMismatch(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	other, _, _ := ed25519.GenerateKey(nil)

	tx := &Transaction{
		ID:              "tx-2",
		Kind:            KindTransfer,
		Timestamp:       time.Now(),
		Sender:          DeriveAddress(other).String(),
		SenderPublicKey: pub,
		Outputs:         []Output{{Amount: 1, Recipient: DeriveAddress(other)}},
	}
	tx.Signature = ed25519.Sign(priv, SigningMessage(tx))

	if err := VerifyTxSignature(tx); err != ErrSenderMismatch {
		t.Fatalf("expected ErrSenderMismatch, got %v", err)
	}
}

func mustPub(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub
}
