// Package keychain holds a user's named secrets (room keys, the AI
// conversation key and the identity key pair). Every entry is sealed
// individually under a key derived from the passkey and synchronised with
// the server, which only ever stores the sealed form.
package keychain

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Well-known entry names
const (
	PublicKeyName  = "publicKey"
	PrivateKeyName = "privateKey"
	AIConvKeyName  = "aiConvKey"
)

var (
	ErrKeyNotFound     = errors.New("key not found in keychain")
	ErrMigrationFailed = errors.New("legacy keychain migration failed")
	ErrInvalidEntry    = errors.New("invalid keychain entry")
)

// Entry is a decrypted keychain entry. Value holds raw key bytes: 32 bytes
// for symmetric keys, SPKI DER for the public key, PKCS#8 DER for the
// private key.
type Entry struct {
	Name  string
	Value []byte
	Type  protocol.KeyType
}

// Server is the subset of the API the store needs.
type Server interface {
	GetKeychain(ctx context.Context) ([]protocol.KeychainValue, error)
	GetLegacyKeychain(ctx context.Context) (string, bool, error)
	UpdateKeychain(ctx context.Context, req *protocol.KeychainUpdateRequest) error
	MarkAsMigrated(ctx context.Context) error
}

// PasskeySource yields the session passkey.
type PasskeySource interface {
	Get(ctx context.Context) (string, error)
}

// Salts returns server salts by label.
type Salts interface {
	Get(ctx context.Context, label string) ([]byte, error)
}

// Store is the session's keychain. The decrypted cache is filled on first
// use and only changes after the server acknowledged a write.
type Store struct {
	server   Server
	passkeys PasskeySource
	salts    Salts
	logger   zerolog.Logger

	// writeMu serialises loads and writes
	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[slot]Entry
}

// slot addresses a cache entry. The server keys entries the same way.
type slot struct {
	name    string
	keyType protocol.KeyType
}

func slotOf(name string, keyType protocol.KeyType) slot {
	return slot{name: name, keyType: normalizeType(name, keyType)}
}

// NewStore creates an empty, unloaded store.
func NewStore(server Server, passkeys PasskeySource, salts Salts) *Store {
	return &Store{
		server:   server,
		passkeys: passkeys,
		salts:    salts,
		logger:   zerolog.Nop(),
	}
}

// SetLogger sets a logger for keychain events
func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// Load returns every decrypted entry sorted by name. The first call fetches
// the keychain from the server, migrating a legacy keychain or creating a
// new one when the account has no entries yet.
func (s *Store) Load(ctx context.Context) ([]Entry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded() {
		return nil
	}

	encryptor, err := s.encryptor(ctx)
	if err != nil {
		return err
	}

	values, err := s.server.GetKeychain(ctx)
	if err != nil {
		return fmt.Errorf("fetch keychain: %w", err)
	}
	existing := len(values) > 0

	if !existing {
		migrated, err := s.migrateLegacy(ctx, encryptor)
		if err != nil {
			return err
		}
		if migrated {
			if values, err = s.server.GetKeychain(ctx); err != nil {
				return fmt.Errorf("fetch keychain: %w", err)
			}
		}
	}

	if len(values) == 0 {
		if err := s.initialize(ctx, encryptor); err != nil {
			return err
		}
		if values, err = s.server.GetKeychain(ctx); err != nil {
			return fmt.Errorf("fetch keychain: %w", err)
		}
	}

	entries := make(map[slot]Entry, len(values))
	for _, v := range values {
		e, err := openValue(encryptor, v)
		if err != nil {
			return err
		}
		entries[slotOf(e.Name, e.Type)] = e
	}

	if existing {
		s.finishMigration(ctx)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Debug().Int("entries", len(entries)).Msg("keychain loaded")
	return nil
}

// initialize creates the identity key pair and the AI conversation key and
// replaces whatever the server holds with them.
func (s *Store) initialize(ctx context.Context, encryptor crypto.SymmetricKey) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	pubDER, err := crypto.ExportPublicKey(kp.PublicKey)
	if err != nil {
		return err
	}
	privDER, err := crypto.ExportPrivateKey(kp.PrivateKey)
	if err != nil {
		return err
	}
	aiKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return err
	}

	initial := []Entry{
		{Name: PublicKeyName, Value: pubDER, Type: protocol.KeyTypePublic},
		{Name: PrivateKeyName, Value: privDER, Type: protocol.KeyTypePrivate},
		{Name: AIConvKeyName, Value: aiKey, Type: protocol.KeyTypeAIConv},
	}

	values, err := sealEntries(encryptor, initial)
	if err != nil {
		return err
	}

	req := &protocol.KeychainUpdateRequest{
		Set:       values,
		Clear:     true,
		PublicKey: base64.StdEncoding.EncodeToString(pubDER),
	}
	if err := s.server.UpdateKeychain(ctx, req); err != nil {
		return fmt.Errorf("push new keychain: %w", err)
	}

	s.logger.Info().Msg("new keychain initialized")
	return nil
}

// Get returns a copy of the raw value stored under name. Well-known names
// always resolve to their fixed type. A missing entry yields ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, name string, keyType protocol.KeyType) ([]byte, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	key := slotOf(name, keyType)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrKeyNotFound, name, key.keyType)
	}
	return clone(e.Value), nil
}

// Has reports whether an entry of any type exists under name.
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.entries {
		if k.name == name {
			return true, nil
		}
	}
	return false, nil
}

// RoomKey returns the symmetric key for a room.
func (s *Store) RoomKey(ctx context.Context, slug string) (crypto.SymmetricKey, error) {
	raw, err := s.Get(ctx, slug, protocol.KeyTypeRoom)
	if err != nil {
		return nil, err
	}
	return crypto.ImportSymmetricKey(raw)
}

// AIConvKey returns the key for private assistant conversations.
func (s *Store) AIConvKey(ctx context.Context) (crypto.SymmetricKey, error) {
	raw, err := s.Get(ctx, AIConvKeyName, protocol.KeyTypeAIConv)
	if err != nil {
		return nil, err
	}
	return crypto.ImportSymmetricKey(raw)
}

// PublicKey returns the user's identity public key.
func (s *Store) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	raw, err := s.Get(ctx, PublicKeyName, protocol.KeyTypePublic)
	if err != nil {
		return nil, err
	}
	return crypto.ImportPublicKey(raw)
}

// PrivateKey returns the user's identity private key.
func (s *Store) PrivateKey(ctx context.Context) (*rsa.PrivateKey, error) {
	raw, err := s.Get(ctx, PrivateKeyName, protocol.KeyTypePrivate)
	if err != nil {
		return nil, err
	}
	return crypto.ImportPrivateKey(raw)
}

// Set stores value under (name, type). An identical value is a no-op. The
// cache is updated only after the server acknowledged the write.
func (s *Store) Set(ctx context.Context, name string, value []byte, keyType protocol.KeyType) error {
	if name == "" || len(value) == 0 {
		return fmt.Errorf("%w: empty name or value", ErrInvalidEntry)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return err
	}

	key := slotOf(name, keyType)
	keyType = key.keyType
	if !keyType.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, keyType)
	}

	s.mu.RLock()
	existing, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && unchanged(existing, value) {
		s.logger.Debug().Str("key", name).Msg("keychain value unchanged, skipping write")
		return nil
	}

	encryptor, err := s.encryptor(ctx)
	if err != nil {
		return err
	}
	next := Entry{Name: name, Value: clone(value), Type: keyType}
	sealed, err := sealEntry(encryptor, next)
	if err != nil {
		return err
	}

	req := &protocol.KeychainUpdateRequest{Set: []protocol.KeychainValue{sealed}}
	if err := s.server.UpdateKeychain(ctx, req); err != nil {
		return fmt.Errorf("push keychain entry %s: %w", name, err)
	}

	s.mu.Lock()
	if s.entries != nil {
		s.entries[key] = next
	}
	s.mu.Unlock()

	s.logger.Debug().Str("key", name).Str("type", string(keyType)).Msg("keychain entry stored")
	return nil
}

// SetRoomKey stores a room key under the room's slug.
func (s *Store) SetRoomKey(ctx context.Context, slug string, key crypto.SymmetricKey) error {
	return s.Set(ctx, slug, key, protocol.KeyTypeRoom)
}

// Remove deletes an entry on the server, then from the cache.
func (s *Store) Remove(ctx context.Context, name string, keyType protocol.KeyType) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	key := slotOf(name, keyType)

	s.mu.RLock()
	_, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s (%s)", ErrKeyNotFound, name, key.keyType)
	}

	req := &protocol.KeychainUpdateRequest{Remove: []protocol.KeychainRef{{Key: name, Type: key.keyType}}}
	if err := s.server.UpdateKeychain(ctx, req); err != nil {
		return fmt.Errorf("remove keychain entry %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Reset drops the decrypted cache. The next access reloads from the server.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	if s.loaded() {
		return nil
	}
	_, err := s.Load(ctx)
	return err
}

func (s *Store) loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries != nil
}

func (s *Store) snapshot() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{Name: e.Name, Value: clone(e.Value), Type: e.Type})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (s *Store) encryptor(ctx context.Context) (crypto.SymmetricKey, error) {
	passkey, err := s.passkeys.Get(ctx)
	if err != nil {
		return nil, err
	}
	salt, err := s.salts.Get(ctx, protocol.SaltUserData)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKeychainEncryptor(passkey, salt), nil
}

// unchanged compares decrypted values. Sealed forms cannot be compared
// since every encryption uses a fresh IV.
func unchanged(existing Entry, next []byte) bool {
	return subtle.ConstantTimeCompare(existing.Value, next) == 1
}

// normalizeType pins the well-known names to their types.
func normalizeType(name string, keyType protocol.KeyType) protocol.KeyType {
	switch name {
	case PublicKeyName:
		return protocol.KeyTypePublic
	case PrivateKeyName:
		return protocol.KeyTypePrivate
	case AIConvKeyName:
		return protocol.KeyTypeAIConv
	}
	return keyType
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
