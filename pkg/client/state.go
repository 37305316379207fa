package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	_ "modernc.org/sqlite"
)

// ErrNoLogin is returned when no login has been recorded for a server.
var ErrNoLogin = errors.New("no stored login")

// Login is the last successful login against one server.
type Login struct {
	Server    string
	Username  string
	Email     string
	Token     string
	CSRFToken string
	LoggedIn  time.Time
}

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, crypto.KeyDirMode); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(1) // Client only needs one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	state := &State{
		db:  db,
		dir: dir,
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// The database holds wrapped passkeys and bearer tokens
	if err := os.Chmod(path, crypto.KeyFileMode); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("failed to restrict state file: %w", err)
	}

	return state, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastServer returns the server used by the most recent login
func (s *State) GetLastServer() string {
	server, _ := s.GetConfig("last_server")
	return server
}

// SaveLogin records a successful login and makes its server the default.
func (s *State) SaveLogin(l *Login) error {
	if l.LoggedIn.IsZero() {
		l.LoggedIn = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Login (server, username, email, token, csrf_token, logged_in_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.Server, l.Username, l.Email, l.Token, l.CSRFToken, l.LoggedIn.UnixMilli())
	if err != nil {
		return err
	}
	return s.SetConfig("last_server", l.Server)
}

// GetLogin returns the stored login for server
func (s *State) GetLogin(server string) (*Login, error) {
	var (
		l        Login
		loggedIn int64
	)
	err := s.db.QueryRow(`
		SELECT server, username, email, token, csrf_token, logged_in_at
		FROM Login
		WHERE server = ?
	`, server).Scan(&l.Server, &l.Username, &l.Email, &l.Token, &l.CSRFToken, &loggedIn)
	if err == sql.ErrNoRows {
		return nil, ErrNoLogin
	}
	if err != nil {
		return nil, err
	}
	l.LoggedIn = time.UnixMilli(loggedIn)
	return &l, nil
}

// DeleteLogin forgets the login for server
func (s *State) DeleteLogin(server string) error {
	_, err := s.db.Exec("DELETE FROM Login WHERE server = ?", server)
	return err
}

// Load returns the wrapped passkey for username. It implements
// passkey.BlobStore alongside Save and Delete.
func (s *State) Load(username string) (*crypto.Sealed, error) {
	var blob crypto.Sealed
	err := s.db.QueryRow(`
		SELECT ciphertext, iv, tag FROM PasskeyBlob WHERE username = ?
	`, normalizeUsername(username)).Scan(&blob.Ciphertext, &blob.IV, &blob.Tag)
	if err == sql.ErrNoRows {
		return nil, crypto.ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// Save stores the wrapped passkey for username, replacing any previous one
func (s *State) Save(username string, blob *crypto.Sealed) error {
	name := normalizeUsername(username)
	if name == "" {
		return crypto.ErrInvalidUsername
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO PasskeyBlob (username, ciphertext, iv, tag, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, name, blob.Ciphertext, blob.IV, blob.Tag, time.Now().UnixMilli())
	return err
}

// Delete removes the wrapped passkey for username. Deleting a missing blob
// is not an error.
func (s *State) Delete(username string) error {
	_, err := s.db.Exec("DELETE FROM PasskeyBlob WHERE username = ?", normalizeUsername(username))
	return err
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

// migrations are applied in order; the index plus one is the schema version
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS PasskeyBlob (
	username TEXT PRIMARY KEY,
	ciphertext TEXT NOT NULL,
	iv TEXT NOT NULL,
	tag TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS Login (
	server TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL,
	csrf_token TEXT NOT NULL DEFAULT '',
	logged_in_at INTEGER NOT NULL
);
`,
}

// runMigrations brings the schema to the latest version
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", i+1, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
