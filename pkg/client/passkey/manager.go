// Package passkey manages the user's master passkey for one session: it
// unwraps the locally persisted copy, validates it against the server
// validator, and handles backup and recovery. The passkey itself never
// leaves the client unencrypted.
package passkey

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aeolun/cipherchat/pkg/client/api"
	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrNoPasskey      = errors.New("no usable passkey")
	ErrEmptyPasskey   = errors.New("passkey must not be empty")
	ErrInvalidPasskey = errors.New("passkey cannot decrypt the keychain")
	ErrNoBackup       = errors.New("no passkey backup on the server")
)

// State is the manager's position in the passkey lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateCandidate
	StateValid
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCandidate:
		return "candidate"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Server is the subset of the API the manager needs.
type Server interface {
	GetValidator(ctx context.Context) (string, error)
	BackupPasskey(ctx context.Context, req *protocol.PasskeyBackupRequest) error
	RequestPasskeyBackup(ctx context.Context) (*protocol.EncryptedPayload, error)
}

// Salts returns server salts by label.
type Salts interface {
	Get(ctx context.Context, label string) ([]byte, error)
}

// BlobStore persists the locally wrapped passkey per username. Load returns
// an error matching crypto.ErrBlobNotFound when nothing is stored.
type BlobStore interface {
	Load(username string) (*crypto.Sealed, error)
	Save(username string, blob *crypto.Sealed) error
	Delete(username string) error
}

// Manager holds the passkey for one logged-in account.
type Manager struct {
	server   Server
	salts    Salts
	blobs    BlobStore
	username string
	email    string
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	passkey   string
	validator *crypto.Sealed
}

// NewManager creates a manager for the given account.
func NewManager(server Server, salts Salts, blobs BlobStore, username, email string) *Manager {
	return &Manager{
		server:   server,
		salts:    salts,
		blobs:    blobs,
		username: username,
		email:    email,
		logger:   zerolog.Nop(),
	}
}

// SetLogger sets a logger for passkey lifecycle events
func (m *Manager) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Username returns the account the manager serves.
func (m *Manager) Username() string {
	return m.username
}

// Get returns the session passkey. On first use it unwraps the locally
// persisted copy and validates it against the server; a missing or invalid
// copy yields ErrNoPasskey and the caller must ask the user.
func (m *Manager) Get(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateValid {
		return m.passkey, nil
	}

	blob, err := m.blobs.Load(m.username)
	if errors.Is(err, crypto.ErrBlobNotFound) {
		return "", ErrNoPasskey
	}
	if err != nil {
		m.state = StateInvalid
		m.logger.Warn().Err(err).Str("username", m.username).Msg("local passkey unreadable")
		return "", fmt.Errorf("%w: %v", ErrNoPasskey, err)
	}

	wrapKey, err := m.localKey(ctx)
	if err != nil {
		return "", err
	}
	candidate, err := crypto.DecryptText(wrapKey, blob)
	if err != nil {
		m.state = StateInvalid
		m.logger.Warn().Err(err).Str("username", m.username).Msg("local passkey cannot be unwrapped")
		return "", fmt.Errorf("%w: %v", ErrNoPasskey, err)
	}
	m.state = StateCandidate

	ok, err := m.canDecryptKeychain(ctx, candidate)
	if err != nil {
		return "", err
	}
	if !ok {
		m.state = StateInvalid
		m.logger.Info().Str("username", m.username).Msg("local passkey rejected by validator")
		return "", ErrNoPasskey
	}

	m.passkey = candidate
	m.state = StateValid
	return candidate, nil
}

// Set stores a passkey the caller already trusts, for example right after
// registration or a successful recovery.
func (m *Manager) Set(ctx context.Context, passkey string) error {
	if passkey == "" {
		return ErrEmptyPasskey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(ctx, passkey)
}

func (m *Manager) setLocked(ctx context.Context, passkey string) error {
	wrapKey, err := m.localKey(ctx)
	if err != nil {
		return err
	}
	blob, err := crypto.EncryptText(wrapKey, passkey)
	if err != nil {
		return fmt.Errorf("wrap passkey: %w", err)
	}
	if err := m.blobs.Save(m.username, blob); err != nil {
		return fmt.Errorf("persist passkey: %w", err)
	}

	m.passkey = passkey
	m.state = StateValid
	m.logger.Debug().Str("username", m.username).Msg("passkey stored")
	return nil
}

// CanDecryptKeychain reports whether passkey decrypts the server validator.
// A wrong passkey yields false with a nil error; transport failures are
// returned as errors.
func (m *Manager) CanDecryptKeychain(ctx context.Context, passkey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canDecryptKeychain(ctx, passkey)
}

func (m *Manager) canDecryptKeychain(ctx context.Context, passkey string) (bool, error) {
	if passkey == "" {
		return false, nil
	}

	if m.validator == nil {
		raw, err := m.server.GetValidator(ctx)
		if err != nil {
			return false, fmt.Errorf("fetch validator: %w", err)
		}
		v, err := crypto.ParseSealedValue(raw)
		if err != nil {
			return false, fmt.Errorf("validator: %w", err)
		}
		m.validator = v
	}

	salt, err := m.salts.Get(ctx, protocol.SaltUserData)
	if err != nil {
		return false, err
	}

	encryptor := crypto.DeriveKeychainEncryptor(passkey, salt)
	if _, err := crypto.DecryptSymmetric(encryptor, m.validator); err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Clear forgets the in-memory passkey and validator. The local blob stays.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.passkey = ""
	m.validator = nil
	m.state = StateUninitialized
	m.mu.Unlock()
}

// Forget clears the session and deletes the local blob.
func (m *Manager) Forget() error {
	m.Clear()
	if err := m.blobs.Delete(m.username); err != nil {
		return fmt.Errorf("delete local passkey: %w", err)
	}
	return nil
}

// CreateBackup encrypts the current passkey under a fresh recovery code and
// uploads it. The code is returned for the user to write down; it is not
// stored anywhere.
func (m *Manager) CreateBackup(ctx context.Context) (string, error) {
	passkey, err := m.Get(ctx)
	if err != nil {
		return "", err
	}

	backupHash, err := crypto.GenerateBackupHash()
	if err != nil {
		return "", err
	}
	key, err := m.backupKey(ctx, backupHash)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.EncryptText(key, passkey)
	if err != nil {
		return "", fmt.Errorf("encrypt backup: %w", err)
	}

	req := &protocol.PasskeyBackupRequest{
		Username:   m.username,
		CipherText: sealed.Ciphertext,
		IV:         sealed.IV,
		Tag:        sealed.Tag,
	}
	if err := m.server.BackupPasskey(ctx, req); err != nil {
		return "", fmt.Errorf("upload backup: %w", err)
	}

	m.logger.Info().Str("username", m.username).Msg("passkey backup created")
	return backupHash, nil
}

// Recover restores the passkey from the server backup using the recovery
// code, validates it and stores it locally.
func (m *Manager) Recover(ctx context.Context, backupHash string) (string, error) {
	payload, err := m.server.RequestPasskeyBackup(ctx)
	if errors.Is(err, api.ErrNotFound) {
		return "", ErrNoBackup
	}
	if err != nil {
		return "", fmt.Errorf("fetch backup: %w", err)
	}

	key, err := m.backupKey(ctx, backupHash)
	if err != nil {
		return "", err
	}
	passkey, err := crypto.DecryptText(key, &crypto.Sealed{
		Ciphertext: payload.Ciphertext,
		IV:         payload.IV,
		Tag:        payload.Tag,
	})
	if err != nil {
		return "", fmt.Errorf("%w: recovery code does not open the backup: %v", ErrInvalidPasskey, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ok, err := m.canDecryptKeychain(ctx, passkey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidPasskey
	}
	if err := m.setLocked(ctx, passkey); err != nil {
		return "", err
	}

	m.logger.Info().Str("username", m.username).Msg("passkey recovered from backup")
	return passkey, nil
}

// ExportForApp wraps the passkey for a paired application that presented
// its RSA public key (base64 SPKI). The result is a hybrid envelope.
func (m *Manager) ExportForApp(ctx context.Context, publicKeyB64 string) (string, error) {
	pub, err := crypto.ImportPublicKeyBase64(publicKeyB64)
	if err != nil {
		return "", err
	}
	passkey, err := m.Get(ctx)
	if err != nil {
		return "", err
	}
	return crypto.EncryptWithHybrid([]byte(passkey), pub)
}

func (m *Manager) localKey(ctx context.Context) (crypto.SymmetricKey, error) {
	salt, err := m.salts.Get(ctx, protocol.SaltPasskey)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKeyFromString(m.email, m.username, salt), nil
}

func (m *Manager) backupKey(ctx context.Context, backupHash string) (crypto.SymmetricKey, error) {
	salt, err := m.salts.Get(ctx, protocol.SaltBackup)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKeyFromString(backupHash, m.username+"_backup", salt), nil
}
