package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
)

// DeriveAddress derives the 20-byte Address from a 32-byte ed25519 public
// key: the first 20 bytes of SHA-256(pub).
func DeriveAddress(pub ed25519.PublicKey) Address {
	sum := sha256.Sum256(pub)
	var a Address
	copy(a[:], sum[:20])
	return a
}

// canonicalTxBody is the subset of a Transaction hashed for its content hash.
type canonicalTxBody struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Sender    string    `json:"sender"`
	Outputs   []Output  `json:"outputs"`
	Data      []byte    `json:"data,omitempty"`
	GasPrice  uint64    `json:"gas_price"`
}

// ComputeTxHash hashes the canonical serialization of
// {id, timestamp, sender, outputs, data, gas_price}.
func ComputeTxHash(tx *Transaction) (string, error) {
	body := canonicalTxBody{
		ID:        tx.ID,
		Timestamp: tx.Timestamp.UnixNano(),
		Sender:    tx.Sender,
		Outputs:   tx.Outputs,
		Data:      tx.Data,
		GasPrice:  tx.GasPrice,
	}
	raw, err := json.Marshal(&body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hexEncode(sum[:]), nil
}

// TransferSignMessage builds the deterministic message signed for Transfer
// transactions: SHA256("TRANSFER:"+from+":"+to+":"+amount).
func TransferSignMessage(from, to string, amount uint64) []byte {
	s := "TRANSFER:" + from + ":" + to + ":" + uintToStr(amount)
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// ContributionSignMessage builds the deterministic message signed for
// DataContribution transactions: SHA256("DATA_CONTRIBUTION:"+sender+":"+SHA256(data)).
func ContributionSignMessage(sender string, data []byte) []byte {
	dataSum := sha256.Sum256(data)
	s := "DATA_CONTRIBUTION:" + sender + ":" + hexEncode(dataSum[:])
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// SigningMessage returns the message that must be ed25519-signed for tx,
// per the kind-specific rules in spec.md §3.
func SigningMessage(tx *Transaction) []byte {
	switch tx.Kind {
	case KindTransfer:
		if len(tx.Outputs) > 0 {
			o := tx.Outputs[0]
			return TransferSignMessage(tx.Sender, o.Recipient.String(), o.Amount)
		}
		return []byte(tx.Hash)
	case KindDataContribution:
		return ContributionSignMessage(tx.Sender, tx.Data)
	default:
		return []byte(tx.Hash)
	}
}

// VerifyTxSignature checks tx.Signature against tx.SenderPublicKey for the
// kind-specific message, and that the sender address is derived from that
// public key.
func VerifyTxSignature(tx *Transaction) error {
	if len(tx.SenderPublicKey) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	addr := DeriveAddress(tx.SenderPublicKey)
	if addr.String() != tx.Sender {
		return ErrSenderMismatch
	}
	msg := SigningMessage(tx)
	if !ed25519.Verify(tx.SenderPublicKey, msg, tx.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ComputeBlockHash hashes {index, header, transactions} canonically.
func ComputeBlockHash(b *Block) (string, error) {
	type canonical struct {
		Index        uint64        `json:"index"`
		Header       BlockHeader   `json:"header"`
		Transactions []Transaction `json:"transactions"`
	}
	raw, err := json.Marshal(&canonical{Index: b.Index, Header: b.Header, Transactions: b.Transactions})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hexEncode(sum[:]), nil
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

func uintToStr(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
