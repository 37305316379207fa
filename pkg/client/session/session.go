// Package session wires the client components for one logged-in account.
// Every cache (salts, passkey, keychain, AI keys) belongs to exactly one
// Session; two sessions never share state.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolun/cipherchat/pkg/client/api"
	"github.com/aeolun/cipherchat/pkg/client/invitation"
	"github.com/aeolun/cipherchat/pkg/client/keychain"
	"github.com/aeolun/cipherchat/pkg/client/messaging"
	"github.com/aeolun/cipherchat/pkg/client/passkey"
	"github.com/aeolun/cipherchat/pkg/client/salt"
	"github.com/rs/zerolog"
)

var ErrMissingConfig = errors.New("session config incomplete")

// Config describes the account a session serves.
type Config struct {
	Client   *api.Client
	Username string
	Email    string
	// Blobs persists the locally wrapped passkey
	Blobs    passkey.BlobStore
}

// Session is the explicit context shared by every operation of one login.
type Session struct {
	client   *api.Client
	username string
	logger   zerolog.Logger

	salts       *salt.Cache
	passkeys    *passkey.Manager
	keychain    *keychain.Store
	invitations *invitation.Service
	cipher      *messaging.Cipher
}

// New builds a session. The client must already carry the account's
// credentials.
func New(cfg Config) (*Session, error) {
	if cfg.Client == nil || cfg.Blobs == nil || cfg.Username == "" {
		return nil, ErrMissingConfig
	}

	salts := salt.NewCache(cfg.Client)
	passkeys := passkey.NewManager(cfg.Client, salts, cfg.Blobs, cfg.Username, cfg.Email)
	store := keychain.NewStore(cfg.Client, passkeys, salts)

	return &Session{
		client:      cfg.Client,
		username:    cfg.Username,
		logger:      zerolog.Nop(),
		salts:       salts,
		passkeys:    passkeys,
		keychain:    store,
		invitations: invitation.NewService(cfg.Client, store, salts),
		cipher:      messaging.NewCipher(cfg.Client, store, salts),
	}, nil
}

// SetLogger hands logger to every component, tagged with the account.
func (s *Session) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("username", s.username).Logger()
	s.client.SetLogger(s.logger.With().Str("component", "api").Logger())
	s.passkeys.SetLogger(s.logger.With().Str("component", "passkey").Logger())
	s.keychain.SetLogger(s.logger.With().Str("component", "keychain").Logger())
	s.invitations.SetLogger(s.logger.With().Str("component", "invitation").Logger())
	s.cipher.SetLogger(s.logger.With().Str("component", "messaging").Logger())
}

func (s *Session) Username() string { return s.username }
func (s *Session) Client() *api.Client { return s.client }
func (s *Session) Passkeys() *passkey.Manager { return s.passkeys }
func (s *Session) Keychain() *keychain.Store { return s.keychain }
func (s *Session) Invitations() *invitation.Service { return s.invitations }
func (s *Session) Cipher() *messaging.Cipher { return s.cipher }

// Unlock adopts a passkey typed by the user. It must decrypt the server's
// validator; an account that has no keychain yet accepts any non-empty
// passkey, which then seeds the new keychain on first load.
func (s *Session) Unlock(ctx context.Context, pk string) error {
	if pk == "" {
		return passkey.ErrEmptyPasskey
	}

	ok, err := s.passkeys.CanDecryptKeychain(ctx, pk)
	switch {
	case errors.Is(err, api.ErrNotFound):
		s.logger.Info().Msg("no keychain on server yet, adopting new passkey")
	case err != nil:
		return err
	case !ok:
		return passkey.ErrInvalidPasskey
	}

	if err := s.passkeys.Set(ctx, pk); err != nil {
		return err
	}
	// Entries decrypted under a previous passkey are stale.
	s.keychain.Reset()
	s.cipher.Reset()

	if _, err := s.keychain.Load(ctx); err != nil {
		return fmt.Errorf("load keychain: %w", err)
	}
	return nil
}

// Ready reports whether a valid passkey is available without prompting.
func (s *Session) Ready(ctx context.Context) bool {
	_, err := s.passkeys.Get(ctx)
	return err == nil
}

// Logout drops every in-memory secret and the credentials. The locally
// wrapped passkey survives so the next login does not prompt.
func (s *Session) Logout() {
	s.cipher.Reset()
	s.keychain.Reset()
	s.passkeys.Clear()
	s.salts.Reset()
	s.client.SetCredentials("", "")
	s.logger.Info().Msg("logged out")
}

// Forget logs out and also removes the locally wrapped passkey.
func (s *Session) Forget() error {
	s.Logout()
	return s.passkeys.Forget()
}
