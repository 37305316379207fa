package crypto

import (
	"errors"
	"fmt"
	"strings"
)

// SealedValueSeparator joins the parts of a stored sealed value.
const SealedValueSeparator = "|"

var ErrInvalidSealedValue = errors.New("invalid sealed value")

// FormatSealedValue packs a Sealed as "iv|tag|ciphertext", the form used for
// keychain entries, the passkey validator and legacy keychain blobs.
func FormatSealedValue(s *Sealed) string {
	return strings.Join([]string{s.IV, s.Tag, s.Ciphertext}, SealedValueSeparator)
}

// ParseSealedValue unpacks "iv|tag|ciphertext". Exactly three parts are
// required and the IV and tag must be present. The ciphertext of an empty
// plaintext is empty.
func ParseSealedValue(value string) (*Sealed, error) {
	parts := strings.Split(value, SealedValueSeparator)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrInvalidSealedValue, len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: missing iv or tag", ErrInvalidSealedValue)
	}
	return &Sealed{IV: parts[0], Tag: parts[1], Ciphertext: parts[2]}, nil
}
