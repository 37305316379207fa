// Package crypto provides the primitive layer for cipherchat's end-to-end
// encryption: AES-256-GCM with a detached authentication tag, RSA-OAEP key
// wrapping and PBKDF2 key derivation from human secrets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// AESKeySize is the size of AES-256 keys
	AESKeySize = 32

	// NonceSize is the size of AES-GCM nonces
	NonceSize = 12

	// TagSize is the size of AES-GCM authentication tags
	TagSize = 16

	// RSAKeyBits is the modulus size of identity key pairs
	RSAKeyBits = 2048

	// PBKDF2Iterations is the iteration count for every derived key
	PBKDF2Iterations = 100000

	// InvitationKeyLabel is the derivation label for temp-hash invitation keys
	InvitationKeyLabel = "invitation_key"

	// KeychainEncryptorLabel is the derivation label for the keychain encryptor
	KeychainEncryptorLabel = "keychain_encryptor"

	tempHashSize    = 16
	passkeySeedSize = 32
	backupHashSize  = 8
)

var (
	ErrInvalidKeySize      = errors.New("invalid key size")
	ErrInvalidEncoding     = errors.New("invalid base64 encoding")
	ErrInvalidCiphertext   = errors.New("ciphertext too short")
	ErrDecryptionFailed    = errors.New("decryption failed: authentication error")
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrInvalidPublicKey    = errors.New("invalid public key")
	ErrInvalidPrivateKey   = errors.New("invalid private key")
)

// SymmetricKey is a raw AES-256 key.
type SymmetricKey []byte

// Base64 returns the standard base64 encoding of the raw key bytes.
func (k SymmetricKey) Base64() string {
	return base64.StdEncoding.EncodeToString(k)
}

// Equal reports whether two keys hold the same bytes, in constant time.
func (k SymmetricKey) Equal(other SymmetricKey) bool {
	return subtle.ConstantTimeCompare(k, other) == 1
}

// KeyPair is an RSA-OAEP identity key pair.
type KeyPair struct {
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
}

// Sealed is the output of EncryptSymmetric. All fields are base64 encoded.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

// GenerateSymmetricKey generates a random AES-256 key.
func GenerateSymmetricKey() (SymmetricKey, error) {
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return key, nil
}

// ImportSymmetricKey validates raw key bytes and returns a copy as a SymmetricKey.
func ImportSymmetricKey(raw []byte) (SymmetricKey, error) {
	if len(raw) != AESKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, AESKeySize, len(raw))
	}
	key := make([]byte, AESKeySize)
	copy(key, raw)
	return key, nil
}

// ImportSymmetricKeyBase64 decodes a base64 raw key.
func ImportSymmetricKeyBase64(encoded string) (SymmetricKey, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	return ImportSymmetricKey(raw)
}

// GenerateKeyPair generates an RSA-2048 key pair with public exponent 65537.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &KeyPair{PublicKey: &priv.PublicKey, PrivateKey: priv}, nil
}

// ExportPublicKey encodes a public key as DER SubjectPublicKeyInfo.
func ExportPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return der, nil
}

// ImportPublicKey parses a DER SubjectPublicKeyInfo RSA public key.
func ImportPublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// ImportPublicKeyBase64 parses a base64 SubjectPublicKeyInfo RSA public key.
func ImportPublicKeyBase64(encoded string) (*rsa.PublicKey, error) {
	der, err := decodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	return ImportPublicKey(der)
}

// ExportPrivateKey encodes a private key as DER PKCS#8.
func ExportPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return der, nil
}

// ImportPrivateKey parses a DER PKCS#8 RSA private key.
func ImportPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPrivateKey)
	}
	return priv, nil
}

// DeriveKey derives an AES-256 key from secret using PBKDF2-SHA256.
// The PBKDF2 salt is the UTF-8 label followed by the raw server salt.
// Identical inputs always produce the identical key.
func DeriveKey(secret []byte, label string, serverSalt []byte) SymmetricKey {
	salt := make([]byte, 0, len(label)+len(serverSalt))
	salt = append(salt, label...)
	salt = append(salt, serverSalt...)
	return pbkdf2.Key(secret, salt, PBKDF2Iterations, AESKeySize, sha256.New)
}

// DeriveKeyFromString derives a key from a human secret such as a passkey.
func DeriveKeyFromString(secret, label string, serverSalt []byte) SymmetricKey {
	return DeriveKey([]byte(secret), label, serverSalt)
}

// DeriveKeyFromKey derives a key from another key. The key material is the
// base64 text of the raw key bytes, which keeps derived keys compatible with
// clients that export keys before feeding them to PBKDF2.
func DeriveKeyFromKey(key SymmetricKey, label string, serverSalt []byte) SymmetricKey {
	return DeriveKey([]byte(key.Base64()), label, serverSalt)
}

// DeriveKeychainEncryptor derives the key that seals every keychain entry
// and the server validator.
func DeriveKeychainEncryptor(passkey string, userDataSalt []byte) SymmetricKey {
	return DeriveKeyFromString(passkey, KeychainEncryptorLabel, userDataSalt)
}

func newGCM(key SymmetricKey) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKeySize, AESKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSymmetric encrypts plaintext with AES-256-GCM under a fresh random
// nonce. The authentication tag (last 16 bytes of the sealed output) travels
// separately from the ciphertext.
func EncryptSymmetric(key SymmetricKey, plaintext []byte) (*Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize

	return &Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// EncryptText encrypts a UTF-8 string.
func EncryptText(key SymmetricKey, text string) (*Sealed, error) {
	return EncryptSymmetric(key, []byte(text))
}

// DecryptSymmetric reverses EncryptSymmetric. Any authentication failure,
// whether caused by a wrong key or modified data, returns ErrDecryptionFailed.
func DecryptSymmetric(key SymmetricKey, s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ciphertext, err := decodeBase64(s.Ciphertext)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeBase64(s.IV)
	if err != nil {
		return nil, err
	}
	tag, err := decodeBase64(s.Tag)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrDecryptionFailed
	}

	combined := make([]byte, 0, len(ciphertext)+TagSize)
	combined = append(combined, ciphertext...)
	combined = append(combined, tag...)

	plaintext, err := gcm.Open(nil, nonce, combined, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DecryptText decrypts a value produced by EncryptText.
func DecryptText(key SymmetricKey, s *Sealed) (string, error) {
	plaintext, err := DecryptSymmetric(key, s)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptAsymmetric wraps the raw bytes of a symmetric key with RSA-OAEP
// (SHA-256) and returns the base64 ciphertext.
func EncryptAsymmetric(key SymmetricKey, pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", ErrInvalidPublicKey
	}
	if len(key) != AESKeySize {
		return "", fmt.Errorf("%w: key must be %d bytes", ErrInvalidKeySize, AESKeySize)
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("RSA-OAEP encryption failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptAsymmetric unwraps a key produced by EncryptAsymmetric.
func DecryptAsymmetric(ciphertext string, priv *rsa.PrivateKey) (SymmetricKey, error) {
	if priv == nil {
		return nil, ErrInvalidPrivateKey
	}

	raw, err := decodeBase64(ciphertext)
	if err != nil {
		return nil, err
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, raw, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return ImportSymmetricKey(plaintext)
}

// EncryptWithTempHash wraps a room key under a key derived from a one-time
// temp hash and the invitation salt.
func EncryptWithTempHash(roomKey SymmetricKey, tempHash string, invitationSalt []byte) (*Sealed, error) {
	wrapping := DeriveKeyFromString(tempHash, InvitationKeyLabel, invitationSalt)
	return EncryptSymmetric(wrapping, roomKey)
}

// DecryptWithTempHash unwraps a room key produced by EncryptWithTempHash.
func DecryptWithTempHash(s *Sealed, tempHash string, invitationSalt []byte) (SymmetricKey, error) {
	wrapping := DeriveKeyFromString(tempHash, InvitationKeyLabel, invitationSalt)
	raw, err := DecryptSymmetric(wrapping, s)
	if err != nil {
		return nil, err
	}
	return ImportSymmetricKey(raw)
}

// GenerateTempHash returns 128 random bits as 32 lowercase hex characters.
func GenerateTempHash() (string, error) {
	return randomHex(tempHashSize)
}

// GeneratePasskey returns a random passkey: 256 random bits, hex encoded,
// hashed once with SHA-256 and hex encoded again.
func GeneratePasskey() (string, error) {
	seed, err := randomHex(passkeySeedSize)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:]), nil
}

// GenerateBackupHash returns a short recovery code such as "1a2b-3c4d-5e6f-7a8b".
func GenerateBackupHash() (string, error) {
	h, err := randomHex(backupHashSize)
	if err != nil {
		return "", err
	}
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, "-"), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return hex.EncodeToString(buf), nil
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}
