package keychain

import (
	"encoding/base64"
	"fmt"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

// sealEntry encrypts the base64 text of the entry value and packs it as
// "iv|tag|ciphertext".
func sealEntry(encryptor crypto.SymmetricKey, e Entry) (protocol.KeychainValue, error) {
	sealed, err := crypto.EncryptText(encryptor, base64.StdEncoding.EncodeToString(e.Value))
	if err != nil {
		return protocol.KeychainValue{}, fmt.Errorf("seal %s: %w", e.Name, err)
	}
	return protocol.KeychainValue{
		Key:   e.Name,
		Value: crypto.FormatSealedValue(sealed),
		Type:  e.Type,
	}, nil
}

func sealEntries(encryptor crypto.SymmetricKey, entries []Entry) ([]protocol.KeychainValue, error) {
	out := make([]protocol.KeychainValue, 0, len(entries))
	for _, e := range entries {
		v, err := sealEntry(encryptor, e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// openValue reverses sealEntry. Any failure is returned; nothing is
// substituted for an entry that does not decrypt.
func openValue(encryptor crypto.SymmetricKey, v protocol.KeychainValue) (Entry, error) {
	sealed, err := crypto.ParseSealedValue(v.Value)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", v.Key, err)
	}
	text, err := crypto.DecryptText(encryptor, sealed)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", v.Key, err)
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s value is not base64", ErrInvalidEntry, v.Key)
	}
	return Entry{Name: v.Key, Value: raw, Type: normalizeType(v.Key, v.Type)}, nil
}
