package crypto

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidHybridFormat = errors.New("invalid hybrid ciphertext format")

// Hybrid is a payload sealed under a one-time key, with that key wrapped for
// a recipient's public key. Passphrase is the base64 RSA-OAEP ciphertext of
// the one-time key.
type Hybrid struct {
	Passphrase string
	Value      Sealed
}

// String serializes the envelope as
//
//	b64(passphrase) | b64( b64(iv) | b64(tag) | b64(ciphertext) )
//
// where every inner field is already base64 text. There is no version tag;
// both ends must produce and accept exactly this nesting.
func (h *Hybrid) String() string {
	inner := strings.Join([]string{
		b64(h.Value.IV),
		b64(h.Value.Tag),
		b64(h.Value.Ciphertext),
	}, "|")
	return b64(h.Passphrase) + "|" + b64(inner)
}

// ParseHybrid validates and decodes a serialized envelope. Structural
// problems are reported as ErrInvalidHybridFormat before any cryptographic
// work is attempted.
func ParseHybrid(envelope string) (*Hybrid, error) {
	outer := strings.Split(envelope, "|")
	if len(outer) != 2 {
		return nil, fmt.Errorf("%w: expected 2 segments, got %d", ErrInvalidHybridFormat, len(outer))
	}

	passphrase, err := unb64(outer[0])
	if err != nil {
		return nil, err
	}
	inner, err := unb64(outer[1])
	if err != nil {
		return nil, err
	}

	parts := strings.Split(inner, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 value segments, got %d", ErrInvalidHybridFormat, len(parts))
	}

	fields := make([]string, 3)
	for i, p := range parts {
		if fields[i], err = unb64(p); err != nil {
			return nil, err
		}
	}

	h := &Hybrid{
		Passphrase: passphrase,
		Value:      Sealed{IV: fields[0], Tag: fields[1], Ciphertext: fields[2]},
	}
	if h.Passphrase == "" || h.Value.IV == "" || h.Value.Tag == "" || h.Value.Ciphertext == "" {
		return nil, fmt.Errorf("%w: empty field", ErrInvalidHybridFormat)
	}
	return h, nil
}

// EncryptWithHybrid seals plaintext under a fresh one-time key and wraps that
// key for pub. Empty payloads are rejected since the format cannot carry them.
func EncryptWithHybrid(plaintext []byte, pub *rsa.PublicKey) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidHybridFormat)
	}

	passphrase, err := GenerateSymmetricKey()
	if err != nil {
		return "", err
	}

	sealed, err := EncryptSymmetric(passphrase, plaintext)
	if err != nil {
		return "", err
	}

	wrapped, err := EncryptAsymmetric(passphrase, pub)
	if err != nil {
		return "", err
	}

	h := &Hybrid{Passphrase: wrapped, Value: *sealed}
	return h.String(), nil
}

// DecryptWithHybrid reverses EncryptWithHybrid.
func DecryptWithHybrid(envelope string, priv *rsa.PrivateKey) ([]byte, error) {
	h, err := ParseHybrid(envelope)
	if err != nil {
		return nil, err
	}

	passphrase, err := DecryptAsymmetric(h.Passphrase, priv)
	if err != nil {
		return nil, err
	}
	return DecryptSymmetric(passphrase, &h.Value)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func unb64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHybridFormat, err)
	}
	return string(b), nil
}
