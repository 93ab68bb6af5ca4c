// Package core implements the EdgeAI node: ledger, PoIE consensus, staking,
// governance, the WASM execution environment, and the P2P overlay. Build
// graph: crypto/types -> ledger -> (consensus, staking, governance,
// marketplace, device registry, wasm) -> network/sync -> producer.
package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Address is a 20-byte account identifier, presented as "edge" + 40 hex
// chars. Derived as the first 20 bytes of SHA-256 over a 32-byte ed25519
// public key.
type Address [20]byte

// ReservedSystem and ReservedGenesis are non-signing addresses used for
// protocol-originated transactions.
const (
	ReservedSystem  = "system"
	ReservedGenesis = "genesis"
)

func (a Address) String() string {
	return "edge" + hex.EncodeToString(a[:])
}

// Bytes returns the raw 20-byte form.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a == Address{} }

// ParseAddress decodes the "edge"+hex text form back into an Address.
func ParseAddress(s string) (Address, error) {
	const prefix = "edge"
	if len(s) != len(prefix)+40 || s[:len(prefix)] != prefix {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	b, err := hex.DecodeString(s[len(prefix):])
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// TxKind is the closed tagged union of transaction kinds.
type TxKind string

const (
	KindTransfer         TxKind = "Transfer"
	KindDataContribution TxKind = "DataContribution"
	KindDataPurchase     TxKind = "DataPurchase"
	KindContractDeploy   TxKind = "ContractDeploy"
	KindContractCall     TxKind = "ContractCall"
	KindStake            TxKind = "Stake"
	KindUnstake          TxKind = "Unstake"
	KindReward           TxKind = "Reward"
	KindGenesis          TxKind = "Genesis"
)

// Output is a single payment leg of a transaction.
type Output struct {
	Amount    uint64  `json:"amount"`
	Recipient Address `json:"recipient"`
	DataHash  string  `json:"data_hash,omitempty"`
}

// DataQuality is the quality record computed at DataContribution creation
// time (spec.md §3).
type DataQuality struct {
	Entropy      float64 `json:"entropy"`      // bits/byte, [0,8]
	Uniqueness   float64 `json:"uniqueness"`   // [0,1]
	Freshness    float64 `json:"freshness"`    // [0,1]
	Completeness float64 `json:"completeness"` // [0,1]
	Overall      float64 `json:"overall"`
}

// ComputeOverall derives the blended quality score from its components.
func (q *DataQuality) ComputeOverall() {
	q.Overall = 0.4*(q.Entropy/8) + 0.2*q.Uniqueness + 0.2*q.Freshness + 0.2*q.Completeness
}

// Transaction is an immutable record admitted into the mempool or chain.
type Transaction struct {
	ID              string       `json:"id"`
	Kind            TxKind       `json:"kind"`
	Timestamp       time.Time    `json:"timestamp"`
	Sender          string       `json:"sender"` // address text or reserved name
	SenderPublicKey []byte       `json:"sender_public_key,omitempty"`
	Outputs         []Output     `json:"outputs,omitempty"`
	Data            []byte       `json:"data,omitempty"`
	DataQuality     *DataQuality `json:"data_quality,omitempty"`
	GasPrice        uint64       `json:"gas_price"`
	GasLimit        uint64       `json:"gas_limit"`
	Hash            string       `json:"hash"`
	Signature       []byte       `json:"signature,omitempty"`

	// Duplicate is stamped by the block producer (core/producer.go's
	// sealOnce, via DuplicateTracker.Observe) onto a DataContribution before
	// the block is assembled and hashed. It is not part of canonicalTxBody,
	// so stamping it neither invalidates tx.Hash nor the sender's signature;
	// once persisted inside a sealed block it is replayed deterministically
	// by ApplyTransaction on restart rather than recomputed from transient
	// producer state.
	Duplicate bool `json:"duplicate,omitempty"`
}

// TotalOutput sums the amounts across all outputs.
func (tx *Transaction) TotalOutput() uint64 {
	var total uint64
	for _, o := range tx.Outputs {
		total += o.Amount
	}
	return total
}

// BlockHeader carries the sealed metadata for a Block.
type BlockHeader struct {
	Version      uint32    `json:"version"`
	PreviousHash string    `json:"previous_hash"`
	MerkleRoot   string    `json:"merkle_root"`
	Timestamp    time.Time `json:"timestamp"`
	Difficulty   int       `json:"difficulty"`
	Nonce        uint64    `json:"nonce"`
	DataEntropy  float64   `json:"data_entropy"`
}

// Block is an immutable, append-only ledger entry.
type Block struct {
	Index        uint64        `json:"index"`
	Header       BlockHeader   `json:"header"`
	Transactions []Transaction `json:"transactions"`
	Hash         string        `json:"hash"`
	Validator    string        `json:"validator"`
}

// AccountState is the per-address ledger state.
type AccountState struct {
	Address           Address `json:"address"`
	Balance           uint64  `json:"balance"`
	Nonce             uint64  `json:"nonce"`
	DataContributions uint64  `json:"data_contributions"`
	ReputationScore   float64 `json:"reputation_score"`
	StakedAmount      uint64  `json:"staked_amount"`
}

// DataEntry is a marketplace registry record keyed by data hash.
type DataEntry struct {
	Hash         string    `json:"hash"`
	Owner        string    `json:"owner"`
	Price        uint64    `json:"price"`
	QualityScore float64   `json:"quality_score"`
	Timestamp    time.Time `json:"timestamp"`
	Purchases    uint64    `json:"purchases"`
	Category     string    `json:"category"`
}

// ChainState is the full derived world-state.
type ChainState struct {
	Accounts     map[Address]*AccountState `json:"accounts"`
	DataRegistry map[string]*DataEntry     `json:"data_registry"`
	TotalSupply  uint64                    `json:"total_supply"`
	TotalStaked  uint64                    `json:"total_staked"`
}

// Error kinds (spec.md §7): validation, state, resource, consistency, system.
// Each carries a short machine code used in logs and returned to callers.

type CodedError struct {
	Code string
	Msg  string
}

func (e *CodedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func coded(code, msg string) error { return &CodedError{Code: code, Msg: msg} }

var (
	ErrMalformedHash       = coded("MALFORMED_HASH", "content hash does not match canonical serialization")
	ErrInvalidSignature    = coded("INVALID_SIGNATURE", "signature verification failed")
	ErrSenderMismatch      = coded("SENDER_MISMATCH", "sender does not match derived public key address")
	ErrInsufficientBalance = coded("INSUFFICIENT_BALANCE", "balance below required amount")
	ErrBelowMinStake       = coded("BELOW_MIN_STAKE", "stake below minimum validator stake")
	ErrCommissionRange     = coded("COMMISSION_OUT_OF_RANGE", "commission rate outside permitted range")
	ErrUnknownValidator    = coded("UNKNOWN_VALIDATOR", "validator not registered")
	ErrUnknownProposal     = coded("UNKNOWN_PROPOSAL", "proposal not found")
	ErrDuplicateListing    = coded("DUPLICATE_LISTING", "data entry already listed")
	ErrRatingWithoutBuy    = coded("RATING_WITHOUT_PURCHASE", "rating submitted without prior purchase")

	ErrNotFound = coded("NOT_FOUND", "requested entity not found")

	ErrOutOfGas          = coded("OUT_OF_GAS", "gas limit exceeded during execution")
	ErrMempoolFull       = coded("MEMPOOL_FULL", "mempool at capacity")
	ErrActiveProposalCap = coded("ACTIVE_PROPOSAL_CAP", "maximum active proposals reached")
	ErrMaxValidators     = coded("MAX_VALIDATORS", "validator set is full")
	ErrRateLimited       = coded("RATE_LIMITED", "peer exceeded message rate limit")

	ErrVotingEnded         = coded("VOTING_ENDED", "voting period has ended")
	ErrJailNotElapsed      = coded("JAIL_NOT_ELAPSED", "jail period has not elapsed")
	ErrExecutionNotReady   = coded("EXECUTION_NOT_READY", "execution delay has not elapsed")
	ErrUnbondingNotReady   = coded("UNBONDING_NOT_READY", "unbonding period has not completed")
	ErrDuplicateTx         = coded("DUPLICATE", "transaction already included")
	ErrInvalidKindAtHeight = coded("INVALID_KIND_AT_HEIGHT", "transaction kind not permitted at this height")
)

// FatalError wraps persistence/serialization failures that must halt the node.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

var errSentinelNotFound = errors.New("not found")
