package crypto

import (
	"bytes"
	"testing"

	"github.com/and161185/blindticket/internal/model"
)

func TestTokenHash_Determinism(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID: %v", err)
	}
	other, _ := NewTokenID()

	if TokenHash(id) != TokenHash(id) {
		t.Fatalf("token hash not deterministic")
	}
	if TokenHash(id) == TokenHash(other) {
		t.Fatalf("distinct tokens collide")
	}
}

func TestEpochHash_DiffersPerEpochAndFromTokenHash(t *testing.T) {
	var id model.TokenID
	id[0] = 7

	e1 := EpochHash(id, 100)
	e2 := EpochHash(id, 101)
	if e1 == e2 {
		t.Fatalf("epoch hashes must differ across epochs")
	}
	if e1 == TokenHash(id) {
		t.Fatalf("epoch hash must be domain separated from token hash")
	}
	if e1 != EpochHash(id, 100) {
		t.Fatalf("epoch hash not deterministic")
	}
}

func TestBlindedHash_AndSealedBinding(t *testing.T) {
	if len(BlindedHash([]byte{1, 2, 3})) != 32 {
		t.Fatalf("blinded hash must be 32 bytes")
	}
	if SealedBinding(nil) != nil {
		t.Fatalf("empty sealed secret must produce no binding")
	}
	if bytes.Equal(SealedBinding([]byte{1}), BlindedHash([]byte{1})) {
		t.Fatalf("bindings must be domain separated")
	}
}
