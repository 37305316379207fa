package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// KeychainEntry is one sealed keychain row. Value is "iv|tag|ciphertext";
// the server never sees the plaintext.
type KeychainEntry struct {
	Key       string
	Type      string
	Value     string
	UpdatedAt int64
}

// KeychainRef names a row to remove
type KeychainRef struct {
	Key  string
	Type string
}

// KeychainUpdate is one batch applied atomically: clear, then remove, then set.
type KeychainUpdate struct {
	Clear     bool
	Remove    []KeychainRef
	Set       []KeychainEntry
	PublicKey string // mirrored to User.public_key when non-empty
}

// ListKeychain returns the user's rows ordered by key
func (db *DB) ListKeychain(userID int64) ([]KeychainEntry, error) {
	rows, err := db.conn.Query(`
		SELECT key, type, value, updated_at
		FROM KeychainEntry
		WHERE user_id = ?
		ORDER BY key, type
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []KeychainEntry
	for rows.Next() {
		var e KeychainEntry
		if err := rows.Scan(&e.Key, &e.Type, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateKeychain applies u in a single transaction. Set rows upsert on
// (user, key, type).
func (db *DB) UpdateKeychain(userID int64, u *KeychainUpdate) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if u.Clear {
		if _, err := tx.Exec(`DELETE FROM KeychainEntry WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to clear keychain: %w", err)
		}
	}

	for _, r := range u.Remove {
		if _, err := tx.Exec(`
			DELETE FROM KeychainEntry WHERE user_id = ? AND key = ? AND type = ?
		`, userID, r.Key, r.Type); err != nil {
			return fmt.Errorf("failed to remove %s: %w", r.Key, err)
		}
	}

	now := nowMillis()
	for _, e := range u.Set {
		if _, err := tx.Exec(`
			INSERT INTO KeychainEntry (user_id, key, type, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, key, type) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, userID, e.Key, e.Type, e.Value, now); err != nil {
			return fmt.Errorf("failed to set %s: %w", e.Key, err)
		}
	}

	if u.PublicKey != "" {
		if _, err := tx.Exec(`UPDATE User SET public_key = ? WHERE id = ?`, u.PublicKey, userID); err != nil {
			return fmt.Errorf("failed to store public key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetLegacyKeychain stores a single-blob keychain awaiting migration
func (db *DB) SetLegacyKeychain(userID int64, blob string) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO LegacyKeychain (user_id, blob, migrated) VALUES (?, ?, 0)
		ON CONFLICT (user_id) DO UPDATE SET blob = excluded.blob, migrated = 0, migrated_at = NULL
	`, userID, blob)
	return err
}

// GetLegacyKeychain returns the legacy blob and whether it was migrated.
// ErrNotFound means the account never had one.
func (db *DB) GetLegacyKeychain(userID int64) (blob string, migrated bool, err error) {
	err = db.conn.QueryRow(`
		SELECT blob, migrated FROM LegacyKeychain WHERE user_id = ?
	`, userID).Scan(&blob, &migrated)
	if err != nil {
		return "", false, notFound(err)
	}
	return blob, migrated, nil
}

// MarkKeychainMigrated flags the legacy keychain as migrated. It is a
// no-op for accounts without one.
func (db *DB) MarkKeychainMigrated(userID int64) error {
	_, err := db.writeConn.Exec(`
		UPDATE LegacyKeychain SET migrated = 1, migrated_at = ? WHERE user_id = ? AND migrated = 0
	`, nowMillis(), userID)
	return err
}

// GetKeychainValidator returns a sealed value the client can use to test a
// passkey: the first public_key row, else the legacy blob. ErrNotFound
// means the account has no keychain at all.
func (db *DB) GetKeychainValidator(userID int64) (string, error) {
	var value string
	err := db.conn.QueryRow(`
		SELECT value FROM KeychainEntry
		WHERE user_id = ? AND type = 'public_key'
		ORDER BY key
		LIMIT 1
	`, userID).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	blob, _, err := db.GetLegacyKeychain(userID)
	if err != nil {
		return "", err
	}
	return blob, nil
}
