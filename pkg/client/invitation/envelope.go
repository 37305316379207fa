package invitation

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

var ErrInvalidEnvelope = errors.New("invalid invitation envelope")

// Envelope is a wrapped room key. It is either Asymmetric or TempHash.
type Envelope interface {
	envelope()
}

// Asymmetric is a room key encrypted with the invitee's RSA public key.
type Asymmetric struct {
	Ciphertext string
}

// TempHash is a room key sealed under a key derived from a one-time hash
// that reaches the invitee out of band.
type TempHash struct {
	Sealed crypto.Sealed
}

func (Asymmetric) envelope() {}
func (TempHash) envelope()   {}

// Open unwraps the room key with the invitee's private key.
func (a Asymmetric) Open(priv *rsa.PrivateKey) (crypto.SymmetricKey, error) {
	return crypto.DecryptAsymmetric(a.Ciphertext, priv)
}

// Open unwraps the room key with the temp hash and invitation salt.
func (t TempHash) Open(tempHash string, invitationSalt []byte) (crypto.SymmetricKey, error) {
	sealed := t.Sealed
	return crypto.DecryptWithTempHash(&sealed, tempHash, invitationSalt)
}

// ToWire maps an envelope to the stored (ciphertext, iv, tag) triple. The
// asymmetric variant uses the "0" sentinel for iv and tag.
func ToWire(e Envelope) (ciphertext, iv, tag string) {
	switch v := e.(type) {
	case Asymmetric:
		return v.Ciphertext, protocol.AsymmetricSentinel, protocol.AsymmetricSentinel
	case TempHash:
		return v.Sealed.Ciphertext, v.Sealed.IV, v.Sealed.Tag
	}
	return "", "", ""
}

// EnvelopeFromWire is the inverse of ToWire.
func EnvelopeFromWire(ciphertext, iv, tag string) (Envelope, error) {
	if ciphertext == "" {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrInvalidEnvelope)
	}

	ivSentinel := iv == protocol.AsymmetricSentinel
	tagSentinel := tag == protocol.AsymmetricSentinel
	switch {
	case ivSentinel && tagSentinel:
		return Asymmetric{Ciphertext: ciphertext}, nil
	case ivSentinel || tagSentinel:
		return nil, fmt.Errorf("%w: only one of iv and tag is the asymmetric marker", ErrInvalidEnvelope)
	case iv == "" || tag == "":
		return nil, fmt.Errorf("%w: missing iv or tag", ErrInvalidEnvelope)
	}
	return TempHash{Sealed: crypto.Sealed{Ciphertext: ciphertext, IV: iv, Tag: tag}}, nil
}
