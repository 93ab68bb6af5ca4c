package core

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"
)

func newTestLedger(t *testing.T, store KVStore, allocs []GenesisAllocation) *Ledger {
	t.Helper()
	l, err := NewLedger(store, NewMempool(100), allocs, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestNewLedgerBuildsGenesis(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	addr := DeriveAddress(pub)

	l := newTestLedger(t, NewMemStore(), []GenesisAllocation{{Address: addr, Balance: 1000}})

	if l.Height() != 0 {
		t.Fatalf("fresh ledger should be at height 0, got %d", l.Height())
	}
	tip := l.Tip()
	if tip == nil || tip.Header.PreviousHash != "" {
		t.Fatalf("genesis block must have no parent, got %+v", tip)
	}
	acct := l.Account(addr)
	if acct.Balance != 1000 {
		t.Fatalf("expected genesis allocation of 1000, got %d", acct.Balance)
	}
}

func signedTransfer(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, id string, amount uint64, recipient Address) *Transaction {
	t.Helper()
	tx := &Transaction{
		ID:              id,
		Kind:            KindTransfer,
		Timestamp:       time.Now(),
		Sender:          DeriveAddress(pub).String(),
		SenderPublicKey: pub,
		Outputs:         []Output{{Amount: amount, Recipient: recipient}},
	}
	h, err := ComputeTxHash(tx)
	if err != nil {
		t.Fatalf("ComputeTxHash: %v", err)
	}
	tx.Hash = h
	tx.Signature = ed25519.Sign(priv, SigningMessage(tx))
	return tx
}

func signedContribution(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, id, dataHash string, data []byte) *Transaction {
	t.Helper()
	q := &DataQuality{Entropy: 4.0, Uniqueness: 0.8, Freshness: 0.9, Completeness: 0.7}
	q.ComputeOverall()
	tx := &Transaction{
		ID:              id,
		Kind:            KindDataContribution,
		Timestamp:       time.Now(),
		Sender:          DeriveAddress(pub).String(),
		SenderPublicKey: pub,
		Outputs:         []Output{{DataHash: dataHash}},
		Data:            data,
		DataQuality:     q,
	}
	h, err := ComputeTxHash(tx)
	if err != nil {
		t.Fatalf("ComputeTxHash: %v", err)
	}
	tx.Hash = h
	tx.Signature = ed25519.Sign(priv, SigningMessage(tx))
	return tx
}

func sealBlock(t *testing.T, l *Ledger, txs []Transaction) *Block {
	t.Helper()
	tip := l.Tip()
	leaves := make([]string, len(txs))
	for i := range txs {
		leaves[i] = txs[i].Hash
	}
	block := &Block{
		Index: tip.Index + 1,
		Header: BlockHeader{
			Version:      1,
			PreviousHash: tip.Hash,
			MerkleRoot:   MerkleRoot(leaves),
			Timestamp:    time.Now(),
			Difficulty:   l.Difficulty(),
		},
		Transactions: txs,
		Validator:    ReservedSystem,
	}
	h, err := ComputeBlockHash(block)
	if err != nil {
		t.Fatalf("ComputeBlockHash: %v", err)
	}
	block.Hash = h
	return block
}

func TestLedgerAppendBlockAppliesTransfer(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sender := DeriveAddress(pub)
	recipPub, _, _ := ed25519.GenerateKey(nil)
	recipient := DeriveAddress(recipPub)

	l := newTestLedger(t, NewMemStore(), []GenesisAllocation{{Address: sender, Balance: 500}})

	tx := signedTransfer(t, pub, priv, "tx-1", 200, recipient)
	block := sealBlock(t, l, []Transaction{*tx})

	if err := l.AppendBlock(block); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if l.Height() != 1 {
		t.Fatalf("expected height 1 after append, got %d", l.Height())
	}
	if got := l.Account(sender).Balance; got != 300 {
		t.Fatalf("sender balance after transfer: got %d want 300", got)
	}
	if got := l.Account(recipient).Balance; got != 200 {
		t.Fatalf("recipient balance after transfer: got %d want 200", got)
	}
}

func TestLedgerAppendBlockRejectsBadParent(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), nil)
	block := sealBlock(t, l, nil)
	block.Header.PreviousHash = "not-the-tip"
	h, err := ComputeBlockHash(block)
	if err != nil {
		t.Fatalf("ComputeBlockHash: %v", err)
	}
	block.Hash = h

	if err := l.AppendBlock(block); err == nil {
		t.Fatalf("expected error for mismatched previous hash")
	}
	if l.Height() != 0 {
		t.Fatalf("rejected block must not advance height")
	}
}

func TestLedgerAppendBlockRejectsBadMerkleRoot(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sender := DeriveAddress(pub)
	recipPub, _, _ := ed25519.GenerateKey(nil)
	recipient := DeriveAddress(recipPub)

	l := newTestLedger(t, NewMemStore(), []GenesisAllocation{{Address: sender, Balance: 500}})
	tx := signedTransfer(t, pub, priv, "tx-1", 100, recipient)
	block := sealBlock(t, l, []Transaction{*tx})
	block.Header.MerkleRoot = "0000000000000000000000000000000000000000000000000000000000000000"

	if err := l.AppendBlock(block); err == nil {
		t.Fatalf("expected error for tampered merkle root")
	}
}

func TestLedgerReplayFromStoreMatchesOriginal(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sender := DeriveAddress(pub)
	recipPub, _, _ := ed25519.GenerateKey(nil)
	recipient := DeriveAddress(recipPub)

	store := NewMemStore()
	l := newTestLedger(t, store, []GenesisAllocation{{Address: sender, Balance: 500}})
	tx := signedTransfer(t, pub, priv, "tx-1", 150, recipient)
	block := sealBlock(t, l, []Transaction{*tx})
	if err := l.AppendBlock(block); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}

	reopened, err := NewLedger(store, NewMempool(100), nil, nil)
	if err != nil {
		t.Fatalf("reopen NewLedger: %v", err)
	}
	if reopened.Height() != l.Height() {
		t.Fatalf("replayed height mismatch: got %d want %d", reopened.Height(), l.Height())
	}
	if got, want := reopened.Account(sender).Balance, l.Account(sender).Balance; got != want {
		t.Fatalf("replayed sender balance mismatch: got %d want %d", got, want)
	}
	if got, want := reopened.Account(recipient).Balance, l.Account(recipient).Balance; got != want {
		t.Fatalf("replayed recipient balance mismatch: got %d want %d", got, want)
	}
}

// TestLedgerDataContributionRewardsAndDuplicateHandling covers spec.md's
// Scenario 2 (a fresh contribution credits base_reward*overall and lists
// the data hash) and Scenario 3 (the same hash contributed again by a
// different sender is admitted, not rejected, earns a halved reward and a
// flat reputation penalty, and leaves the original owner in place).
func TestLedgerDataContributionRewardsAndDuplicateHandling(t *testing.T) {
	pub1, priv1, _ := ed25519.GenerateKey(nil)
	sender1 := DeriveAddress(pub1)
	pub2, priv2, _ := ed25519.GenerateKey(nil)
	sender2 := DeriveAddress(pub2)

	l := newTestLedger(t, NewMemStore(), nil)

	data := []byte(`{"t":25.5,"h":60}`)
	const dataHash = "hash-of-t25-5-h60"

	tx1 := signedContribution(t, pub1, priv1, "contrib-1", dataHash, data)
	overall := tx1.DataQuality.Overall
	block1 := sealBlock(t, l, []Transaction{*tx1})
	if err := l.AppendBlock(block1); err != nil {
		t.Fatalf("AppendBlock scenario 2: %v", err)
	}

	wantReward := uint64(float64(baseBlockReward) * overall)
	acct1 := l.Account(sender1)
	if acct1.Balance != wantReward {
		t.Fatalf("scenario 2 reward: got %d want %d", acct1.Balance, wantReward)
	}
	if acct1.DataContributions != 1 {
		t.Fatalf("scenario 2 data_contributions: got %d want 1", acct1.DataContributions)
	}
	entry, ok := l.state.DataRegistry[dataHash]
	if !ok {
		t.Fatalf("scenario 2: expected data_registry entry for %q", dataHash)
	}
	wantPrice := uint64(overall * 100)
	if entry.Price != wantPrice {
		t.Fatalf("scenario 2 listing price: got %d want %d", entry.Price, wantPrice)
	}
	if entry.Owner != sender1.String() {
		t.Fatalf("scenario 2 owner: got %q want %q", entry.Owner, sender1.String())
	}

	// Scenario 3: the same data, contributed again by sender2. A duplicate
	// is admitted (no ErrDuplicateListing), not rejected; the block producer
	// would normally stamp Duplicate via DuplicateTracker.Observe, so the
	// test does the same here to exercise ApplyTransaction directly.
	tx2 := signedContribution(t, pub2, priv2, "contrib-2", dataHash, data)
	tx2.Duplicate = true
	block2 := sealBlock(t, l, []Transaction{*tx2})
	if err := l.AppendBlock(block2); err != nil {
		t.Fatalf("AppendBlock scenario 3: %v", err)
	}

	wantDupReward := uint64(DuplicateRewardMultiplier * float64(baseBlockReward) * overall)
	acct2 := l.Account(sender2)
	if acct2.Balance != wantDupReward {
		t.Fatalf("scenario 3 reward: got %d want %d", acct2.Balance, wantDupReward)
	}
	if acct2.ReputationScore != DuplicateReputationDelta {
		t.Fatalf("scenario 3 reputation: got %v want %v", acct2.ReputationScore, DuplicateReputationDelta)
	}
	entryAfter, ok := l.state.DataRegistry[dataHash]
	if !ok {
		t.Fatalf("scenario 3: expected data_registry entry for %q to still exist", dataHash)
	}
	if entryAfter.Owner != sender1.String() {
		t.Fatalf("scenario 3 first-writer-wins violated: owner got %q want %q", entryAfter.Owner, sender1.String())
	}
}

// testWASM is a tiny module exporting linear memory plus a no-op "run"
// function, enough to exercise ABI dispatch without needing a real
// compiled contract: (module (memory (export "memory") 1) (func (export
// "run") (param i32 i32)))
var testWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x10, 0x02, 0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func TestApplyTransactionDeploysAndCallsContract(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	sender := DeriveAddress(pub)

	l := newTestLedger(t, NewMemStore(), []GenesisAllocation{{Address: sender, Balance: 10_000}})

	abi := ABI{
		Name:    "noop",
		Version: "1.0",
		Functions: []ABIFunction{
			{Name: "run", Mutates: true},
		},
	}
	deployPayload, err := json.Marshal(contractDeployPayload{Code: testWASM, ABI: abi})
	if err != nil {
		t.Fatalf("marshal deploy payload: %v", err)
	}
	deployTx := &Transaction{
		ID:        "deploy-1",
		Kind:      KindContractDeploy,
		Timestamp: time.Now(),
		Sender:    sender.String(),
		Data:      deployPayload,
		GasPrice:  1,
		GasLimit:  10,
	}
	h, err := ComputeTxHash(deployTx)
	if err != nil {
		t.Fatalf("ComputeTxHash deploy: %v", err)
	}
	deployTx.Hash = h

	deployBlock := sealBlock(t, l, []Transaction{*deployTx})
	if err := l.AppendBlock(deployBlock); err != nil {
		t.Fatalf("AppendBlock deploy: %v", err)
	}

	contractAddr := DeriveContractAddress(testWASM, sender, deployTx.Timestamp.Unix())
	if _, ok := l.Contracts().Get(contractAddr); !ok {
		t.Fatalf("expected contract registered at %s after ContractDeploy", ContractAddressString(contractAddr))
	}
	acctAfterDeploy := l.Account(sender)
	if acctAfterDeploy.Balance != 10_000-10 {
		t.Fatalf("expected gas deducted for deploy: got balance %d", acctAfterDeploy.Balance)
	}

	callPayload, err := json.Marshal(contractCallPayload{Function: "run", Args: []string{"a"}})
	if err != nil {
		t.Fatalf("marshal call payload: %v", err)
	}
	callTx := &Transaction{
		ID:        "call-1",
		Kind:      KindContractCall,
		Timestamp: time.Now(),
		Sender:    sender.String(),
		Outputs:   []Output{{Recipient: contractAddr}},
		Data:      callPayload,
		GasPrice:  1,
		GasLimit:  10,
	}
	h2, err := ComputeTxHash(callTx)
	if err != nil {
		t.Fatalf("ComputeTxHash call: %v", err)
	}
	callTx.Hash = h2

	callBlock := sealBlock(t, l, []Transaction{*callTx})
	if err := l.AppendBlock(callBlock); err != nil {
		t.Fatalf("AppendBlock call: %v", err)
	}
	acctAfterCall := l.Account(sender)
	if acctAfterCall.Balance != 10_000-20 {
		t.Fatalf("expected gas deducted for call: got balance %d", acctAfterCall.Balance)
	}
}

func TestApplyTransactionContractCallRejectsUndeclaredFunction(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	sender := DeriveAddress(pub)

	l := newTestLedger(t, NewMemStore(), []GenesisAllocation{{Address: sender, Balance: 10_000}})

	abi := ABI{Name: "noop", Version: "1.0", Functions: []ABIFunction{{Name: "run"}}}
	deployPayload, _ := json.Marshal(contractDeployPayload{Code: testWASM, ABI: abi})
	deployTx := &Transaction{
		ID: "deploy-2", Kind: KindContractDeploy, Timestamp: time.Now(),
		Sender: sender.String(), Data: deployPayload, GasPrice: 1, GasLimit: 10,
	}
	h, _ := ComputeTxHash(deployTx)
	deployTx.Hash = h
	if err := l.AppendBlock(sealBlock(t, l, []Transaction{*deployTx})); err != nil {
		t.Fatalf("AppendBlock deploy: %v", err)
	}
	contractAddr := DeriveContractAddress(testWASM, sender, deployTx.Timestamp.Unix())

	callPayload, _ := json.Marshal(contractCallPayload{Function: "not_declared"})
	callTx := &Transaction{
		ID: "call-2", Kind: KindContractCall, Timestamp: time.Now(),
		Sender: sender.String(), Outputs: []Output{{Recipient: contractAddr}},
		Data: callPayload, GasPrice: 1, GasLimit: 10,
	}
	h2, _ := ComputeTxHash(callTx)
	callTx.Hash = h2

	if err := l.AppendBlock(sealBlock(t, l, []Transaction{*callTx})); err == nil {
		t.Fatalf("expected calling an undeclared ABI function to fail")
	}
}
