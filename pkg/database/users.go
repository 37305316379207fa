package database

import (
	"database/sql"
	"fmt"
	"time"
)

// User is a registered account. PublicKey is the base64 SPKI mirror of the
// account's identity key; it is empty until the keychain is created.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	PublicKey    string
	CreatedAt    int64
	LastSeen     int64
}

// AuthToken is a bearer token with its CSRF companion
type AuthToken struct {
	Token     string
	UserID    int64
	CSRFToken string
	CreatedAt int64
	ExpiresAt int64
}

// Expired reports whether the token is past its expiry at now
func (t *AuthToken) Expired(now time.Time) bool {
	return now.UnixMilli() >= t.ExpiresAt
}

// PasskeyBackup is a passkey encrypted under a recovery-code key
type PasskeyBackup struct {
	Ciphertext string
	IV         string
	Tag        string
	CreatedAt  int64
}

// CreateUser registers a new account
func (db *DB) CreateUser(username, email, passwordHash string) (int64, error) {
	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO User (username, email, password_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
	`, username, email, passwordHash, now, now)
	if isUniqueViolation(err) {
		return 0, ErrUserExists
	}
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const userColumns = `id, username, email, password_hash, COALESCE(public_key, ''), created_at, last_seen`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.PublicKey, &u.CreatedAt, &u.LastSeen); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserByUsername retrieves a user by username (case-insensitive)
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE username = ?`, username))
}

// GetUserByID retrieves a user by ID
func (db *DB) GetUserByID(userID int64) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE id = ?`, userID))
}

// SearchUsers returns users whose name starts with prefix, sorted by name
func (db *DB) SearchUsers(prefix string, limit int) ([]*User, error) {
	rows, err := db.conn.Query(`
		SELECT `+userColumns+`
		FROM User
		WHERE username LIKE ? ESCAPE '\'
		ORDER BY username
		LIMIT ?
	`, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// SetUserPublicKey mirrors the account's public key
func (db *DB) SetUserPublicKey(userID int64, publicKey string) error {
	_, err := db.writeConn.Exec(`UPDATE User SET public_key = ? WHERE id = ?`, publicKey, userID)
	return err
}

// UpdateUserLastSeen updates the last_seen timestamp
func (db *DB) UpdateUserLastSeen(userID int64) error {
	_, err := db.writeConn.Exec(`UPDATE User SET last_seen = ? WHERE id = ?`, nowMillis(), userID)
	return err
}

// CreateAuthToken stores a new bearer token valid for ttl
func (db *DB) CreateAuthToken(t *AuthToken, ttl time.Duration) error {
	now := time.Now()
	t.CreatedAt = now.UnixMilli()
	t.ExpiresAt = now.Add(ttl).UnixMilli()
	_, err := db.writeConn.Exec(`
		INSERT INTO AuthToken (token, user_id, csrf_token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.Token, t.UserID, t.CSRFToken, t.CreatedAt, t.ExpiresAt)
	return err
}

// GetAuthToken retrieves a token, expired or not
func (db *DB) GetAuthToken(token string) (*AuthToken, error) {
	var t AuthToken
	err := db.conn.QueryRow(`
		SELECT token, user_id, csrf_token, created_at, expires_at
		FROM AuthToken
		WHERE token = ?
	`, token).Scan(&t.Token, &t.UserID, &t.CSRFToken, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// DeleteAuthToken revokes a token
func (db *DB) DeleteAuthToken(token string) error {
	_, err := db.writeConn.Exec(`DELETE FROM AuthToken WHERE token = ?`, token)
	return err
}

// CleanupExpiredTokens removes expired tokens and returns how many were removed
func (db *DB) CleanupExpiredTokens() (int64, error) {
	result, err := db.writeConn.Exec(`DELETE FROM AuthToken WHERE expires_at <= ?`, nowMillis())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetSalt returns the salt for label
func (db *DB) GetSalt(label string) ([]byte, error) {
	var salt []byte
	err := db.conn.QueryRow(`SELECT salt FROM ServerSalt WHERE label = ?`, label).Scan(&salt)
	if err != nil {
		return nil, notFound(err)
	}
	return salt, nil
}

// EnsureSalt stores salt for label unless one already exists, and returns
// the salt in effect. A label's salt never changes once issued.
func (db *DB) EnsureSalt(label string, salt []byte) ([]byte, error) {
	if _, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO ServerSalt (label, salt, created_at) VALUES (?, ?, ?)
	`, label, salt, nowMillis()); err != nil {
		return nil, fmt.Errorf("failed to store salt %s: %w", label, err)
	}

	var stored []byte
	if err := db.writeConn.QueryRow(`SELECT salt FROM ServerSalt WHERE label = ?`, label).Scan(&stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// SavePasskeyBackup stores (or replaces) the user's passkey backup
func (db *DB) SavePasskeyBackup(userID int64, b *PasskeyBackup) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO PasskeyBackup (user_id, ciphertext, iv, tag, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			tag = excluded.tag,
			created_at = excluded.created_at
	`, userID, b.Ciphertext, b.IV, b.Tag, nowMillis())
	return err
}

// GetPasskeyBackup returns the user's passkey backup or ErrNotFound
func (db *DB) GetPasskeyBackup(userID int64) (*PasskeyBackup, error) {
	var b PasskeyBackup
	err := db.conn.QueryRow(`
		SELECT ciphertext, iv, tag, created_at FROM PasskeyBackup WHERE user_id = ?
	`, userID).Scan(&b.Ciphertext, &b.IV, &b.Tag, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
