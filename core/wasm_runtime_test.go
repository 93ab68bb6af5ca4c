package core

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestGasMeterConsumeWithinAndOverLimit(t *testing.T) {
	g := NewGasMeter(100)
	if err := g.Consume(40); err != nil {
		t.Fatalf("consume within budget: %v", err)
	}
	if err := g.Consume(40); err != nil {
		t.Fatalf("consume within budget: %v", err)
	}
	if g.Used() != 80 {
		t.Fatalf("expected 80 gas used, got %d", g.Used())
	}
	if err := g.Consume(40); err != ErrOutOfGas {
		t.Fatalf("expected ErrOutOfGas, got %v", err)
	}
	if g.Used() != g.limit {
		t.Fatalf("exhausted meter should report used == limit, got %d", g.Used())
	}
}

func TestWorkingSetCommitFlushesToStore(t *testing.T) {
	store := NewMemStore()
	pub, _, _ := ed25519.GenerateKey(nil)
	addr := DeriveAddress(pub)
	ws := newWorkingSet(store, addr)

	if _, err := ws.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before any write, got %v", err)
	}
	ws.Set([]byte("k"), []byte("v1"))
	got, err := ws.Get([]byte("k"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("expected overlay read to see uncommitted write, got %q err %v", got, err)
	}

	if err := ws.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	raw, err := store.Get(ws.key([]byte("k")))
	if err != nil || string(raw) != "v1" {
		t.Fatalf("expected committed value in backing store, got %q err %v", raw, err)
	}
}

func TestWorkingSetDiscardLeavesStoreUntouched(t *testing.T) {
	store := NewMemStore()
	pub, _, _ := ed25519.GenerateKey(nil)
	addr := DeriveAddress(pub)
	ws := newWorkingSet(store, addr)

	ws.Set([]byte("k"), []byte("v1"))
	ws.Discard()

	if _, err := store.Get(ws.key([]byte("k"))); err != ErrNotFound {
		t.Fatalf("discarded working set must not touch the backing store, got %v", err)
	}
}

func TestDeriveContractAddressDeterministicAndDistinctFromAccount(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	owner := DeriveAddress(pub)
	code := []byte{0x00, 0x61, 0x73, 0x6d}
	ts := int64(1700000000)

	a1 := DeriveContractAddress(code, owner, ts)
	a2 := DeriveContractAddress(code, owner, ts)
	if a1 != a2 {
		t.Fatalf("DeriveContractAddress must be deterministic for identical inputs")
	}
	if ContractAddressString(a1)[:2] != "0x" {
		t.Fatalf("contract address must carry the 0x prefix, got %q", ContractAddressString(a1))
	}
	if owner.String()[:4] != "edge" {
		t.Fatalf("account address must carry the edge prefix, got %q", owner.String())
	}
}

func TestContractRegistryDeployRejectsInvalidWasm(t *testing.T) {
	r := NewContractRegistry()
	pub, _, _ := ed25519.GenerateKey(nil)
	owner := DeriveAddress(pub)

	if _, err := r.Deploy(owner, []byte("not a wasm module"), ABI{}, time.Now()); err == nil {
		t.Fatalf("expected invalid wasm bytes to be rejected at deploy")
	}
}

func TestInvokeRejectsFunctionNotInABI(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	owner := DeriveAddress(pub)
	contract := &SmartContract{
		Address: owner,
		Owner:   owner,
		ABI: ABI{
			Name:    "counter",
			Version: "1.0",
			Functions: []ABIFunction{
				{Name: "increment", Mutates: true},
			},
		},
	}
	if _, err := Invoke(NewMemStore(), contract, "not_declared", nil, &VMContext{}, 1000); err == nil {
		t.Fatalf("expected dispatch to an undeclared function to fail")
	}
}

func TestContractRegistryGetMissing(t *testing.T) {
	r := NewContractRegistry()
	if _, ok := r.Get(Address{}); ok {
		t.Fatalf("expected zero-value address to not resolve to a deployed contract")
	}
}
