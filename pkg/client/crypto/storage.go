package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PasskeyDirName is the subdirectory name for locally wrapped passkeys
	PasskeyDirName = "passkeys"

	// PasskeyFileSuffix is appended to the username, mirroring the "<username>PK" local key
	PasskeyFileSuffix = "PK.json"

	// KeyFileMode is the file permission for passkey files (owner read/write only)
	KeyFileMode = 0600

	// KeyDirMode is the directory permission for the passkey directory
	KeyDirMode = 0700
)

var (
	ErrBlobNotFound    = errors.New("passkey blob not found")
	ErrBlobCorrupt     = errors.New("passkey blob is corrupt")
	ErrInvalidUsername = errors.New("invalid username")
)

// PasskeyStore keeps one wrapped passkey blob per username on disk. The blob
// is the {ciphertext, iv, tag} JSON of a passkey already encrypted by the
// caller; the store never sees the passkey itself.
type PasskeyStore struct {
	baseDir string // Base config directory (e.g., ~/.cipherchat)
}

// NewPasskeyStore creates a PasskeyStore rooted at the given configuration directory.
func NewPasskeyStore(configDir string) *PasskeyStore {
	return &PasskeyStore{
		baseDir: configDir,
	}
}

// dir returns the passkey directory, creating it if necessary.
func (ps *PasskeyStore) dir() (string, error) {
	dir := filepath.Join(ps.baseDir, PasskeyDirName)
	if err := os.MkdirAll(dir, KeyDirMode); err != nil {
		return "", fmt.Errorf("failed to create passkey directory: %w", err)
	}
	return dir, nil
}

// blobPath returns {dir}/{username}PK.json
func (ps *PasskeyStore) blobPath(username string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", ErrInvalidUsername
	}

	dir, err := ps.dir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, sanitizeForFilename(username)+PasskeyFileSuffix), nil
}

// sanitizeForFilename strips path separators and traversal sequences.
func sanitizeForFilename(name string) string {
	safe := strings.ReplaceAll(name, ":", "_")
	safe = strings.ReplaceAll(safe, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return safe
}

// Save writes the wrapped passkey blob for username.
func (ps *PasskeyStore) Save(username string, blob *Sealed) error {
	if blob == nil {
		return fmt.Errorf("%w: nil blob", ErrBlobCorrupt)
	}

	path, err := ps.blobPath(username)
	if err != nil {
		return err
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode passkey blob: %w", err)
	}

	// Write atomically by writing to temp file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, KeyFileMode); err != nil {
		return fmt.Errorf("failed to write passkey file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save passkey file: %w", err)
	}

	return nil
}

// Load reads the wrapped passkey blob for username.
func (ps *PasskeyStore) Load(username string) (*Sealed, error) {
	path, err := ps.blobPath(username)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read passkey file: %w", err)
	}

	var blob Sealed
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobCorrupt, err)
	}
	if blob.IV == "" || blob.Tag == "" || blob.Ciphertext == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrBlobCorrupt)
	}

	return &blob, nil
}

// Has reports whether a blob exists for username.
func (ps *PasskeyStore) Has(username string) bool {
	path, err := ps.blobPath(username)
	if err != nil {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// Delete removes the blob for username. Deleting a missing blob is not an error.
func (ps *PasskeyStore) Delete(username string) error {
	path, err := ps.blobPath(username)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete passkey file: %w", err)
	}

	return nil
}

// List returns the usernames that have a stored blob.
func (ps *PasskeyStore) List() ([]string, error) {
	dir, err := ps.dir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var users []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasSuffix(name, PasskeyFileSuffix) {
			users = append(users, strings.TrimSuffix(name, PasskeyFileSuffix))
		}
	}

	return users, nil
}
