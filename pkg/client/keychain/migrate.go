package keychain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

// Legacy keychain fields that are metadata rather than keys
var legacyIgnored = map[string]bool{
	"username":       true,
	"time-signature": true,
}

// jwk is the subset of an exported AES JSON Web Key the legacy keychain used.
type jwk struct {
	Kty string `json:"kty"`
	K   string `json:"k"`
}

// migrateLegacy moves a single-blob legacy keychain to per-entry storage.
// It reports false when there is nothing to migrate. The account is marked
// as migrated only after the server acknowledged the new entries.
func (s *Store) migrateLegacy(ctx context.Context, encryptor crypto.SymmetricKey) (bool, error) {
	blob, ok, err := s.server.GetLegacyKeychain(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: fetch: %v", ErrMigrationFailed, err)
	}
	if !ok {
		return false, nil
	}

	s.logger.Info().Msg("legacy keychain found, migrating")

	sealed, err := crypto.ParseSealedValue(blob)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	plain, err := crypto.DecryptText(encryptor, sealed)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	entries, err := parseLegacy(plain)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	values, err := sealEntries(encryptor, entries)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	req := &protocol.KeychainUpdateRequest{Set: values, Clear: true}
	for _, e := range entries {
		if e.Type == protocol.KeyTypePublic {
			req.PublicKey = base64.StdEncoding.EncodeToString(e.Value)
		}
	}
	if err := s.server.UpdateKeychain(ctx, req); err != nil {
		return false, fmt.Errorf("%w: push: %v", ErrMigrationFailed, err)
	}

	if err := s.server.MarkAsMigrated(ctx); err != nil {
		return false, fmt.Errorf("%w: mark as migrated: %v", ErrMigrationFailed, err)
	}

	s.logger.Info().Int("entries", len(entries)).Msg("legacy keychain migrated")
	return true, nil
}

// finishMigration marks the account as migrated when per-entry values
// exist, and decrypted, but the server still serves a legacy blob. That is
// left behind when a migration pushed its entries and the mark failed.
// Failures are logged and retried on the next load.
func (s *Store) finishMigration(ctx context.Context) {
	_, pending, err := s.server.GetLegacyKeychain(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not check legacy keychain state")
		return
	}
	if !pending {
		return
	}
	if err := s.server.MarkAsMigrated(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("marking keychain as migrated failed")
		return
	}
	s.logger.Info().Msg("interrupted legacy migration completed")
}

// parseLegacy decodes the decrypted legacy JSON object. publicKey and
// privateKey are base64 SPKI and PKCS#8; every other field is an AES key
// exported as a JWK.
func parseLegacy(plain string) ([]Entry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(plain), &fields); err != nil {
		return nil, fmt.Errorf("legacy keychain is not a JSON object: %w", err)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !legacyIgnored[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		e, err := parseLegacyField(name, fields[name])
		if err != nil {
			return nil, fmt.Errorf("legacy key %q: %w", name, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseLegacyField(name string, raw json.RawMessage) (Entry, error) {
	switch name {
	case PublicKeyName:
		der, err := decodeLegacyString(raw)
		if err != nil {
			return Entry{}, err
		}
		if _, err := crypto.ImportPublicKey(der); err != nil {
			return Entry{}, err
		}
		return Entry{Name: name, Value: der, Type: protocol.KeyTypePublic}, nil

	case PrivateKeyName:
		der, err := decodeLegacyString(raw)
		if err != nil {
			return Entry{}, err
		}
		if _, err := crypto.ImportPrivateKey(der); err != nil {
			return Entry{}, err
		}
		return Entry{Name: name, Value: der, Type: protocol.KeyTypePrivate}, nil
	}

	var key jwk
	if err := json.Unmarshal(raw, &key); err != nil {
		return Entry{}, fmt.Errorf("%w: not a JWK", ErrInvalidEntry)
	}
	if key.Kty != "" && key.Kty != "oct" {
		return Entry{}, fmt.Errorf("%w: unsupported kty %q", ErrInvalidEntry, key.Kty)
	}
	value, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(key.K, "="))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: bad k: %v", ErrInvalidEntry, err)
	}
	if _, err := crypto.ImportSymmetricKey(value); err != nil {
		return Entry{}, err
	}

	keyType := protocol.KeyTypeRoom
	if name == AIConvKeyName {
		keyType = protocol.KeyTypeAIConv
	}
	return Entry{Name: name, Value: value, Type: keyType}, nil
}

func decodeLegacyString(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: expected a base64 string", ErrInvalidEntry)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return b, nil
}
