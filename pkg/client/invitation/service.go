// Package invitation distributes room keys to new members, either wrapped
// with a registered user's public key or sealed under a one-time temp hash
// for people who have not registered yet.
package invitation

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/aeolun/cipherchat/pkg/client/crypto"
	"github.com/aeolun/cipherchat/pkg/client/keychain"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrRoomKeyMissing means the user was invited through a temp-hash
	// link but never stored the room key on this account.
	ErrRoomKeyMissing = errors.New("room key missing: the invitation was never completed on this account")

	ErrInvalidRole = errors.New("invalid role")
)

// Server is the subset of the API the service needs.
type Server interface {
	StoreInvitations(ctx context.Context, slug string, invitations []protocol.InvitationRecord) error
	SendExternInvitation(ctx context.Context, req *protocol.ExternInvitationRequest) error
	UserInvitations(ctx context.Context) ([]protocol.UserInvitation, error)
	RoomInvitation(ctx context.Context, slug string) (*protocol.UserInvitation, error)
	AcceptInvitation(ctx context.Context, invitationID int64) (*protocol.RoomInfo, error)
	DeleteInvitation(ctx context.Context, slug string) error
	ConvertTempHashInvitation(ctx context.Context, req *protocol.ConvertInvitationRequest) error
}

// Keys is the keychain access the service needs.
type Keys interface {
	RoomKey(ctx context.Context, slug string) (crypto.SymmetricKey, error)
	SetRoomKey(ctx context.Context, slug string, key crypto.SymmetricKey) error
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
	PrivateKey(ctx context.Context) (*rsa.PrivateKey, error)
}

// Salts returns server salts by label.
type Salts interface {
	Get(ctx context.Context, label string) ([]byte, error)
}

// Invitee is someone to invite. PublicKey is base64 SPKI and empty for
// people without an account.
type Invitee struct {
	Username  string
	PublicKey string
	Role      protocol.Role
}

// Sent describes one stored invitation. TempHash is set for the temp-hash
// variant so callers can deliver the link themselves.
type Sent struct {
	Username string
	Role     protocol.Role
	Envelope Envelope
	TempHash string
}

// Pending is an invitation addressed to the current user.
type Pending struct {
	ID       int64
	RoomSlug string
	Role     protocol.Role
	Envelope Envelope
}

// Service runs the invitation protocol for one session.
type Service struct {
	server Server
	keys   Keys
	salts  Salts
	logger zerolog.Logger
}

// NewService creates a service.
func NewService(server Server, keys Keys, salts Salts) *Service {
	return &Service{
		server: server,
		keys:   keys,
		salts:  salts,
		logger: zerolog.Nop(),
	}
}

// SetLogger sets a logger for invitation events
func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// Invite wraps the room key for every invitee and stores the invitations.
// Invitees without a public key get a temp-hash invitation and the server
// is asked to deliver the link.
func (s *Service) Invite(ctx context.Context, slug string, invitees []Invitee) ([]Sent, error) {
	roomKey, err := s.keys.RoomKey(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("room key for %s: %w", slug, err)
	}

	var invitationSalt []byte
	sent := make([]Sent, 0, len(invitees))
	records := make([]protocol.InvitationRecord, 0, len(invitees))

	for _, inv := range invitees {
		role := inv.Role
		if role == "" {
			role = protocol.RoleViewer
		}
		if !role.Valid() {
			return nil, fmt.Errorf("%w: %q for %s", ErrInvalidRole, role, inv.Username)
		}

		out := Sent{Username: inv.Username, Role: role}
		if inv.PublicKey != "" {
			pub, err := crypto.ImportPublicKeyBase64(inv.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("invitee %s: %w", inv.Username, err)
			}
			ct, err := crypto.EncryptAsymmetric(roomKey, pub)
			if err != nil {
				return nil, err
			}
			out.Envelope = Asymmetric{Ciphertext: ct}
		} else {
			if invitationSalt == nil {
				if invitationSalt, err = s.salts.Get(ctx, protocol.SaltInvitation); err != nil {
					return nil, err
				}
			}
			hash, err := crypto.GenerateTempHash()
			if err != nil {
				return nil, err
			}
			sealed, err := crypto.EncryptWithTempHash(roomKey, hash, invitationSalt)
			if err != nil {
				return nil, err
			}
			out.Envelope = TempHash{Sealed: *sealed}
			out.TempHash = hash
		}

		ct, iv, tag := ToWire(out.Envelope)
		records = append(records, protocol.InvitationRecord{
			Username:         inv.Username,
			EncryptedRoomKey: ct,
			IV:               iv,
			Tag:              tag,
			Role:             role,
		})
		sent = append(sent, out)
	}

	if err := s.server.StoreInvitations(ctx, slug, records); err != nil {
		return nil, fmt.Errorf("store invitations: %w", err)
	}

	for _, out := range sent {
		if out.TempHash == "" {
			continue
		}
		req := &protocol.ExternInvitationRequest{Username: out.Username, Hash: out.TempHash, Slug: slug}
		if err := s.server.SendExternInvitation(ctx, req); err != nil {
			return sent, fmt.Errorf("send invitation link to %s: %w", out.Username, err)
		}
	}

	s.logger.Info().Str("slug", slug).Int("invitees", len(sent)).Msg("invitations stored")
	return sent, nil
}

// Pending lists invitations addressed to the current user.
func (s *Service) Pending(ctx context.Context) ([]Pending, error) {
	invs, err := s.server.UserInvitations(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch invitations: %w", err)
	}
	out := make([]Pending, 0, len(invs))
	for i := range invs {
		p, err := fromUserInvitation(&invs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// ForRoom returns the current user's invitation to one room.
func (s *Service) ForRoom(ctx context.Context, slug string) (*Pending, error) {
	inv, err := s.server.RoomInvitation(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("fetch invitation for %s: %w", slug, err)
	}
	return fromUserInvitation(inv)
}

// Accept decrypts the room key, stores it in the keychain, and only then
// tells the server the invitation was accepted. A temp-hash invitation can
// only be accepted here if the room key is already in the keychain; it is
// converted to the public-key form first.
func (s *Service) Accept(ctx context.Context, p *Pending) (*protocol.RoomInfo, error) {
	switch env := p.Envelope.(type) {
	case Asymmetric:
		priv, err := s.keys.PrivateKey(ctx)
		if err != nil {
			return nil, err
		}
		roomKey, err := env.Open(priv)
		if err != nil {
			return nil, fmt.Errorf("open invitation for %s: %w", p.RoomSlug, err)
		}
		return s.complete(ctx, p, roomKey)

	case TempHash:
		if _, err := s.roomKey(ctx, p.RoomSlug); err != nil {
			return nil, err
		}
		if err := s.Convert(ctx, p.RoomSlug, p.Role); err != nil {
			return nil, err
		}
		converted, err := s.ForRoom(ctx, p.RoomSlug)
		if err != nil {
			return nil, err
		}
		if _, ok := converted.Envelope.(Asymmetric); !ok {
			return nil, fmt.Errorf("%w: invitation for %s still uses a temp hash after conversion", ErrInvalidEnvelope, p.RoomSlug)
		}
		return s.Accept(ctx, converted)
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidEnvelope, p.Envelope)
}

// AcceptWithTempHash completes a temp-hash invitation from its link: the
// room key is unwrapped with the hash and stored, the invitation is
// re-wrapped under the user's own public key, and then accepted.
func (s *Service) AcceptWithTempHash(ctx context.Context, slug, tempHash string) (*protocol.RoomInfo, error) {
	p, err := s.ForRoom(ctx, slug)
	if err != nil {
		return nil, err
	}

	env, ok := p.Envelope.(TempHash)
	if !ok {
		// Already converted, e.g. from another device.
		return s.Accept(ctx, p)
	}

	salt, err := s.salts.Get(ctx, protocol.SaltInvitation)
	if err != nil {
		return nil, err
	}
	roomKey, err := env.Open(tempHash, salt)
	if err != nil {
		return nil, fmt.Errorf("open invitation for %s: %w", slug, err)
	}
	if err := s.keys.SetRoomKey(ctx, slug, roomKey); err != nil {
		return nil, fmt.Errorf("store room key: %w", err)
	}

	if err := s.Convert(ctx, slug, p.Role); err != nil {
		return nil, err
	}
	converted, err := s.ForRoom(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.Accept(ctx, converted)
}

// Convert re-wraps the locally held room key under the user's own public
// key and replaces the temp-hash invitation with it. The room key itself
// does not change.
func (s *Service) Convert(ctx context.Context, slug string, role protocol.Role) error {
	roomKey, err := s.roomKey(ctx, slug)
	if err != nil {
		return err
	}
	pub, err := s.keys.PublicKey(ctx)
	if err != nil {
		return err
	}
	ct, err := crypto.EncryptAsymmetric(roomKey, pub)
	if err != nil {
		return err
	}

	req := &protocol.ConvertInvitationRequest{RoomSlug: slug, EncryptedRoomKey: ct, Role: role}
	if err := s.server.ConvertTempHashInvitation(ctx, req); err != nil {
		return fmt.Errorf("convert invitation for %s: %w", slug, err)
	}
	s.logger.Debug().Str("slug", slug).Msg("temp-hash invitation converted")
	return nil
}

// Decline deletes the user's invitation to a room.
func (s *Service) Decline(ctx context.Context, slug string) error {
	if err := s.server.DeleteInvitation(ctx, slug); err != nil {
		return fmt.Errorf("decline invitation for %s: %w", slug, err)
	}
	return nil
}

func (s *Service) complete(ctx context.Context, p *Pending, roomKey crypto.SymmetricKey) (*protocol.RoomInfo, error) {
	if err := s.keys.SetRoomKey(ctx, p.RoomSlug, roomKey); err != nil {
		return nil, fmt.Errorf("store room key: %w", err)
	}
	room, err := s.server.AcceptInvitation(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("accept invitation %d: %w", p.ID, err)
	}
	s.logger.Info().Str("slug", p.RoomSlug).Msg("invitation accepted")
	return room, nil
}

func (s *Service) roomKey(ctx context.Context, slug string) (crypto.SymmetricKey, error) {
	key, err := s.keys.RoomKey(ctx, slug)
	if errors.Is(err, keychain.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrRoomKeyMissing, err)
	}
	return key, err
}

func fromUserInvitation(inv *protocol.UserInvitation) (*Pending, error) {
	env, err := EnvelopeFromWire(inv.Invitation, inv.IV, inv.Tag)
	if err != nil {
		return nil, fmt.Errorf("invitation %d: %w", inv.InvitationID, err)
	}
	return &Pending{
		ID:       inv.InvitationID,
		RoomSlug: inv.RoomSlug,
		Role:     inv.Role,
		Envelope: env,
	}, nil
}
