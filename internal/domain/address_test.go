package domain

import (
	"strings"
	"testing"

	"github.com/mr-tron/base58"
)

// identityAddress returns the base58 encoding of the ed25519 identity
// point, which is a valid curve point.
func identityAddress() string {
	var raw [32]byte
	raw[0] = 1 // y = 1
	return base58.Encode(raw[:])
}

func TestValidateAddress_Valid(t *testing.T) {
	if err := ValidateAddress(identityAddress()); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
}

func TestValidateAddress_Empty(t *testing.T) {
	if err := ValidateAddress(""); err == nil {
		t.Error("empty address accepted")
	}
}

func TestValidateAddress_BadBase58(t *testing.T) {
	// 0, O, I and l are not in the base58 alphabet.
	if err := ValidateAddress("0OIl"); err == nil {
		t.Error("non-base58 address accepted")
	}
}

func TestValidateAddress_WrongLength(t *testing.T) {
	short := base58.Encode(make([]byte, 31))
	err := ValidateAddress(short)
	if err == nil {
		t.Fatal("31-byte address accepted")
	}
	if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateAddress_NotOnCurve(t *testing.T) {
	// A field element >= 2^255 - 19 is not a canonical point encoding.
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = 0xFF
	}
	if err := ValidateAddress(base58.Encode(raw)); err == nil {
		t.Error("non-canonical point encoding accepted")
	}
}
