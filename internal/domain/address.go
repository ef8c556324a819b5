package domain

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ValidateAddress checks that s is a well-formed account address: base58,
// 32 bytes, and a valid point on the ed25519 curve.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("empty address")
	}

	decoded, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("decode address: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("address must decode to 32 bytes, got %d", len(decoded))
	}

	if _, err := new(edwards25519.Point).SetBytes(decoded); err != nil {
		return fmt.Errorf("address is not on curve: %w", err)
	}

	return nil
}
