package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/rs/zerolog/log"
)

func userInvitation(inv *database.Invitation) protocol.UserInvitation {
	return protocol.UserInvitation{
		InvitationID: inv.ID,
		RoomSlug:     inv.RoomSlug,
		Role:         protocol.Role(inv.Role),
		IV:           inv.IV,
		Tag:          inv.Tag,
		Invitation:   inv.EncryptedRoomKey,
	}
}

func (s *Server) countInvitation(op string, n int) {
	s.metrics.InvitationsTotal.WithLabelValues(op).Add(float64(n))
}

func (s *Server) handleStoreInvitations(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, role, ok := s.roomAccess(w, r, sess, protocol.RoleAdmin, protocol.RoleEditor)
	if !ok {
		return
	}
	var req protocol.StoreInvitationsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Invitations) == 0 {
		writeError(w, http.StatusBadRequest, "no invitations")
		return
	}
	if len(req.Invitations) > s.config.MaxInvitationsPerRequest {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d invitations per request", s.config.MaxInvitationsPerRequest))
		return
	}

	invitations := make([]database.Invitation, 0, len(req.Invitations))
	for _, rec := range req.Invitations {
		username := strings.TrimSpace(rec.Username)
		if validateUsername(username) != nil {
			writeError(w, http.StatusBadRequest, "invalid username "+rec.Username)
			return
		}
		if !rec.Role.Valid() {
			writeError(w, http.StatusBadRequest, "invalid role for "+username)
			return
		}
		if role != protocol.RoleAdmin && rec.Role == protocol.RoleAdmin {
			writeError(w, http.StatusForbidden, "only admins can grant admin")
			return
		}
		if rec.EncryptedRoomKey == "" || rec.IV == "" || rec.Tag == "" {
			writeError(w, http.StatusBadRequest, "invitation for "+username+" is incomplete")
			return
		}
		invitations = append(invitations, database.Invitation{
			Username:         username,
			EncryptedRoomKey: rec.EncryptedRoomKey,
			IV:               rec.IV,
			Tag:              rec.Tag,
			Role:             string(rec.Role),
		})
	}

	if err := s.db.StoreInvitations(room.ID, sess.UserID, invitations); err != nil {
		s.dbError(w, "StoreInvitations", err)
		return
	}
	s.countInvitation("store", len(invitations))
	log.Info().Str("slug", room.Slug).Str("user", sess.Username).Int("count", len(invitations)).Msg("invitations stored")
	writeOK(w)
}

// handleExternInvitation records a request to deliver a temp-hash link.
// There is no mail transport; the hash itself is never logged.
func (s *Server) handleExternInvitation(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.ExternInvitationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Slug == "" || req.Hash == "" {
		writeError(w, http.StatusBadRequest, "username, slug and hash are required")
		return
	}
	s.countInvitation("extern", 1)
	log.Info().Str("from", sess.Username).Str("to", req.Username).Str("slug", req.Slug).
		Msg("external invitation requested")
	writeOK(w)
}

func (s *Server) handleUserInvitations(w http.ResponseWriter, r *http.Request, sess *Session) {
	invs, err := s.db.ListInvitationsForUser(sess.Username)
	if err != nil {
		s.dbError(w, "ListInvitationsForUser", err)
		return
	}
	out := make([]protocol.UserInvitation, 0, len(invs))
	for _, inv := range invs {
		out = append(out, userInvitation(inv))
	}
	writeJSON(w, http.StatusOK, protocol.UserInvitationsResponse{FormattedInvitations: out})
}

// invitedRoom resolves the {slug} room and the caller's invitation to it
func (s *Server) invitedRoom(w http.ResponseWriter, r *http.Request, sess *Session) (*database.Room, *database.Invitation, bool) {
	room, err := s.db.GetRoomBySlug(r.PathValue("slug"))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, nil, false
	}
	if err != nil {
		s.dbError(w, "GetRoomBySlug", err)
		return nil, nil, false
	}
	inv, err := s.db.GetInvitationForRoom(room.ID, sess.Username)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no invitation for this room")
		return nil, nil, false
	}
	if err != nil {
		s.dbError(w, "GetInvitationForRoom", err)
		return nil, nil, false
	}
	return room, inv, true
}

func (s *Server) handleRoomInvitation(w http.ResponseWriter, r *http.Request, sess *Session) {
	_, inv, ok := s.invitedRoom(w, r, sess)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, userInvitation(inv))
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.AcceptInvitationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	inv, err := s.db.GetInvitation(req.InvitationID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !strings.EqualFold(inv.Username, sess.Username)) {
		writeError(w, http.StatusNotFound, "invitation not found")
		return
	}
	if err != nil {
		s.dbError(w, "GetInvitation", err)
		return
	}
	// Temp-hash invitations must be rewrapped for the caller's public key
	// before the room key can be stored in the keychain.
	if inv.IV != protocol.AsymmetricSentinel {
		writeError(w, http.StatusConflict, "invitation has not been converted")
		return
	}

	if err := s.db.AcceptInvitation(inv, sess.UserID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invitation not found")
			return
		}
		s.dbError(w, "AcceptInvitation", err)
		return
	}

	room, err := s.db.GetRoomBySlug(inv.RoomSlug)
	if err != nil {
		s.dbError(w, "GetRoomBySlug", err)
		return
	}

	s.countInvitation("accept", 1)
	s.sessions.Broadcast(room.Slug, protocol.RoomEvent{
		Type:   protocol.EventMemberJoined,
		Slug:   room.Slug,
		Author: sess.Username,
	})
	log.Info().Str("slug", room.Slug).Str("user", sess.Username).Str("role", inv.Role).Msg("invitation accepted")

	info := roomInfo(room, protocol.Role(inv.Role))
	writeJSON(w, http.StatusOK, protocol.AcceptInvitationResponse{Success: true, Room: &info})
}

func (s *Server) handleDeleteInvitation(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, _, ok := s.invitedRoom(w, r, sess)
	if !ok {
		return
	}
	if err := s.db.DeleteInvitation(room.ID, sess.Username); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no invitation for this room")
			return
		}
		s.dbError(w, "DeleteInvitation", err)
		return
	}
	s.countInvitation("decline", 1)
	writeOK(w)
}

// handleConvertInvitation swaps the caller's temp-hash invitation for one
// wrapped under their own public key. The stored role wins over the
// requested one so an invitee cannot promote themselves.
func (s *Server) handleConvertInvitation(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.ConvertInvitationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RoomSlug == "" || req.EncryptedRoomKey == "" {
		writeJSON(w, http.StatusBadRequest, protocol.Response{Success: false, Message: "room_slug and encrypted_room_key are required"})
		return
	}

	room, err := s.db.GetRoomBySlug(req.RoomSlug)
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, protocol.Response{Success: false, Message: "room not found"})
		return
	}
	if err != nil {
		s.dbError(w, "GetRoomBySlug", err)
		return
	}
	inv, err := s.db.GetInvitationForRoom(room.ID, sess.Username)
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, protocol.Response{Success: false, Message: "no invitation for this room"})
		return
	}
	if err != nil {
		s.dbError(w, "GetInvitationForRoom", err)
		return
	}

	if err := s.db.ConvertInvitation(room.ID, sess.Username, req.EncryptedRoomKey, inv.Role, inv.InvitedBy); err != nil {
		s.dbError(w, "ConvertInvitation", err)
		return
	}
	s.countInvitation("convert", 1)
	debugLog.Debug().Str("slug", room.Slug).Str("user", sess.Username).Msg("invitation converted")
	writeJSON(w, http.StatusOK, protocol.Response{Success: true, Message: "invitation converted"})
}
