package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("username already taken")
	// ErrNotMember indicates the user is not a member of the room.
	ErrNotMember = errors.New("not a member of this room")
	// ErrForbidden indicates the user's role does not allow the operation.
	ErrForbidden = errors.New("operation not permitted for this role")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and brings the schema up to date
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, one writer on writeConn
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Configure write connection: exactly 1 connection, no pooling
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Wait and retry instead of failing immediately with SQLITE_BUSY
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// notFound maps sql.ErrNoRows to ErrNotFound
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// migrations are applied in order; the index plus one is the schema version.
// Never edit an applied migration, append a new one.
var migrations = []string{
	// v1: accounts, tokens, salts
	`
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE COLLATE NOCASE,
	email TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	public_key TEXT,
	created_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS AuthToken (
	token TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	csrf_token TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_auth_token_expiry ON AuthToken(expires_at);

CREATE TABLE IF NOT EXISTS ServerSalt (
	label TEXT PRIMARY KEY,
	salt BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`,
	// v2: keychain, legacy keychain blob, passkey backups
	`
CREATE TABLE IF NOT EXISTS KeychainEntry (
	user_id INTEGER NOT NULL,
	key TEXT NOT NULL,
	type TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, key, type),
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS LegacyKeychain (
	user_id INTEGER PRIMARY KEY,
	blob TEXT NOT NULL,
	migrated INTEGER NOT NULL DEFAULT 0,
	migrated_at INTEGER,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS PasskeyBackup (
	user_id INTEGER PRIMARY KEY,
	ciphertext TEXT NOT NULL,
	iv TEXT NOT NULL,
	tag TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);
`,
	// v3: rooms, members, invitations, conversations, messages
	`
CREATE TABLE IF NOT EXISTS Room (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	created_by INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (created_by) REFERENCES User(id)
);

CREATE TABLE IF NOT EXISTS RoomMember (
	room_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id),
	FOREIGN KEY (room_id) REFERENCES Room(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Invitation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL,
	username TEXT NOT NULL COLLATE NOCASE,
	encrypted_room_key TEXT NOT NULL,
	iv TEXT NOT NULL,
	tag TEXT NOT NULL,
	role TEXT NOT NULL,
	invited_by INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (room_id, username),
	FOREIGN KEY (room_id) REFERENCES Room(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_invitation_username ON Invitation(username);

CREATE TABLE IF NOT EXISTS Conversation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Message (
	id TEXT PRIMARY KEY,
	room_id INTEGER,
	conversation_id INTEGER,
	author_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	thread_id INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	ciphertext TEXT NOT NULL,
	iv TEXT NOT NULL,
	tag TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (room_id) REFERENCES Room(id) ON DELETE CASCADE,
	FOREIGN KEY (conversation_id) REFERENCES Conversation(id) ON DELETE CASCADE,
	FOREIGN KEY (author_id) REFERENCES User(id)
);

CREATE INDEX IF NOT EXISTS idx_message_room ON Message(room_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_conversation ON Message(conversation_id, created_at);
`,
	// v4: assistant replies that ended before their final chunk
	`
ALTER TABLE Message ADD COLUMN completion INTEGER NOT NULL DEFAULT 1;
`,
}

// SchemaVersion returns the latest schema version this build knows about
func SchemaVersion() int {
	return len(migrations)
}

// runMigrations applies every pending migration, each in its own transaction
func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := currentVersion(conn)
	if err != nil {
		return err
	}

	for v := current + 1; v <= len(migrations); v++ {
		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", v, err)
		}
		if _, err := tx.Exec(migrations[v-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", v, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", v, err)
		}
	}
	return nil
}

func currentVersion(conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
