package core

import "testing"

func TestMerkleRootEmpty(t *testing.T) {
	if got := MerkleRoot(nil); len(got) != 64 {
		t.Fatalf("expected 64-char hex root for empty input, got %q", got)
	}
}

func TestMerkleRootSingleLeafIsIdentity(t *testing.T) {
	leaf := sha256hex("solo")
	if got := MerkleRoot([]string{leaf}); got != leaf {
		t.Fatalf("single-leaf root should equal the leaf, got %q want %q", got, leaf)
	}
}

func TestMerkleRootOddLeavesDuplicatesLast(t *testing.T) {
	leaves := []string{
		sha256hex("a"),
		sha256hex("b"),
		sha256hex("c"),
	}
	even := append(append([]string{}, leaves...), leaves[len(leaves)-1])
	got := MerkleRoot(leaves)
	want := MerkleRoot(even)
	if got != want {
		t.Fatalf("odd-leaf root should match duplicated-last-leaf even root: got %q want %q", got, want)
	}
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	a := MerkleRoot([]string{sha256hex("a"), sha256hex("b")})
	b := MerkleRoot([]string{sha256hex("b"), sha256hex("a")})
	if a == b {
		t.Fatalf("merkle root must be sensitive to leaf order")
	}
}

func sha256hex(s string) string {
	h, err := ComputeTxHash(&Transaction{ID: s, Kind: KindTransfer, Sender: ReservedSystem})
	if err != nil {
		panic(err)
	}
	return h
}
