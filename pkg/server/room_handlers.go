package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxRoomNameLength = 64

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// newRoomSlug derives a URL-safe slug from the room name with a random
// suffix so names need not be unique
func newRoomSlug(name string) string {
	base := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(base) > 32 {
		base = strings.TrimRight(base[:32], "-")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if base == "" {
		return "room-" + suffix
	}
	return base + "-" + suffix
}

// roomAccess loads the room named by the {slug} path value and checks the
// caller's role against allowed (any role when allowed is empty). It
// writes the error response itself.
func (s *Server) roomAccess(w http.ResponseWriter, r *http.Request, sess *Session, allowed ...protocol.Role) (*database.Room, protocol.Role, bool) {
	return s.roomAccessBySlug(w, r.PathValue("slug"), sess, allowed...)
}

func (s *Server) roomAccessBySlug(w http.ResponseWriter, slug string, sess *Session, allowed ...protocol.Role) (*database.Room, protocol.Role, bool) {
	room, err := s.db.GetRoomBySlug(slug)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, "", false
	}
	if err != nil {
		s.dbError(w, "GetRoomBySlug", err)
		return nil, "", false
	}

	roleName, err := s.db.GetMemberRole(room.ID, sess.UserID)
	if errors.Is(err, database.ErrNotMember) {
		writeError(w, http.StatusForbidden, "not a member of this room")
		return nil, "", false
	}
	if err != nil {
		s.dbError(w, "GetMemberRole", err)
		return nil, "", false
	}

	role := protocol.Role(roleName)
	if len(allowed) > 0 && !hasRole(role, allowed) {
		writeError(w, http.StatusForbidden, "operation not permitted for role "+roleName)
		return nil, "", false
	}
	return room, role, true
}

func hasRole(role protocol.Role, allowed []protocol.Role) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

// canPost lists the roles allowed to write messages
var canPost = []protocol.Role{protocol.RoleAdmin, protocol.RoleEditor}

func roomInfo(room *database.Room, role protocol.Role) protocol.RoomInfo {
	return protocol.RoomInfo{
		Slug:         room.Slug,
		RoomName:     room.Name,
		Description:  room.Description,
		SystemPrompt: room.SystemPrompt,
		Role:         role,
	}
}

func messageRecord(m *database.Message) protocol.MessageRecord {
	return protocol.MessageRecord{
		MessageID:   m.ID,
		MessageRole: m.Role,
		Author:      m.AuthorName,
		ThreadID:    m.ThreadID,
		Model:       m.Model,
		Completion:  m.Completion,
		Content: protocol.MessageContent{
			Text: protocol.EncryptedPayload{Ciphertext: m.Ciphertext, IV: m.IV, Tag: m.Tag},
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageRecords(msgs []*database.Message) []protocol.MessageRecord {
	out := make([]protocol.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageRecord(m))
	}
	return out
}

// messageFromRequest validates req and builds the stored message. The
// server cannot check the ciphertext; it only checks the shape.
func messageFromRequest(req *protocol.SendMessageRequest, authorID int64) (*database.Message, string) {
	role := req.MessageRole
	if role == "" {
		role = protocol.MessageRoleUser
	}
	if role != protocol.MessageRoleUser && role != protocol.MessageRoleAssistant {
		return nil, "message_role must be user or assistant"
	}
	text := req.Content.Text
	if text.Ciphertext == "" || text.IV == "" || text.Tag == "" {
		return nil, "content.text needs ciphertext, iv and tag"
	}
	// Only assistant replies can be cut off
	completion := req.Completion == nil || *req.Completion || role == protocol.MessageRoleUser
	return &database.Message{
		ID:         req.MessageID,
		AuthorID:   authorID,
		Role:       role,
		ThreadID:   req.ThreadID,
		Model:      req.Model,
		Completion: completion,
		Ciphertext: text.Ciphertext,
		IV:         text.IV,
		Tag:        text.Tag,
	}, ""
}

// ---------------------------------------------------------------------------
// Rooms

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.CreateRoomRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.RoomName)
	if name == "" || len(name) > maxRoomNameLength {
		writeError(w, http.StatusBadRequest, "room_name must be 1-64 characters")
		return
	}

	room, err := s.db.CreateRoom(newRoomSlug(name), name, sess.UserID)
	if err != nil {
		s.dbError(w, "CreateRoom", err)
		return
	}

	log.Info().Str("slug", room.Slug).Str("user", sess.Username).Msg("room created")
	writeJSON(w, http.StatusOK, protocol.CreateRoomResponse{
		Success:  true,
		RoomData: roomInfo(room, protocol.RoleAdmin),
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, role, ok := s.roomAccess(w, r, sess)
	if !ok {
		return
	}
	msgs, err := s.db.ListRoomMessages(room.ID)
	if err != nil {
		s.dbError(w, "ListRoomMessages", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RoomResponse{
		Success:      true,
		Room:         roomInfo(room, role),
		MessagesData: messageRecords(msgs),
	})
}

func (s *Server) handleUpdateRoomInfo(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, _, ok := s.roomAccess(w, r, sess, protocol.RoleAdmin)
	if !ok {
		return
	}
	var req protocol.UpdateRoomInfoRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.db.UpdateRoomInfo(room.ID, req.Description, req.SystemPrompt); err != nil {
		s.dbError(w, "UpdateRoomInfo", err)
		return
	}
	writeOK(w)
}

func (s *Server) handleSendRoomMessage(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, _, ok := s.roomAccess(w, r, sess, canPost...)
	if !ok {
		return
	}
	var req protocol.SendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, problem := messageFromRequest(&req, sess.UserID)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	msg.ID = uuid.NewString()
	msg.RoomID = &room.ID

	if err := s.db.PostMessage(msg); err != nil {
		s.dbError(w, "PostMessage", err)
		return
	}
	msg.AuthorName = sess.Username

	s.sessions.Broadcast(room.Slug, protocol.RoomEvent{
		Type:      protocol.EventMessageSent,
		Slug:      room.Slug,
		MessageID: msg.ID,
		Author:    sess.Username,
	})
	writeJSON(w, http.StatusOK, protocol.MessageResponse{Success: true, MessageData: messageRecord(msg)})
}

func (s *Server) handleUpdateRoomMessage(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, _, ok := s.roomAccess(w, r, sess, canPost...)
	if !ok {
		return
	}
	var req protocol.SendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	msg, problem := messageFromRequest(&req, sess.UserID)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	msg.RoomID = &room.ID

	updated, ok := s.updateMessage(w, msg)
	if !ok {
		return
	}

	s.sessions.Broadcast(room.Slug, protocol.RoomEvent{
		Type:      protocol.EventMessageUpdated,
		Slug:      room.Slug,
		MessageID: updated.ID,
		Author:    sess.Username,
	})
	writeJSON(w, http.StatusOK, protocol.MessageResponse{Success: true, MessageData: messageRecord(updated)})
}

func (s *Server) updateMessage(w http.ResponseWriter, msg *database.Message) (*database.Message, bool) {
	updated, err := s.db.UpdateMessage(msg)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return nil, false
	case errors.Is(err, database.ErrForbidden):
		writeError(w, http.StatusForbidden, "only the author can edit this message")
		return nil, false
	case err != nil:
		s.dbError(w, "UpdateMessage", err)
		return nil, false
	}
	return updated, true
}

func (s *Server) handleGetRoomMessage(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, _, ok := s.roomAccess(w, r, sess)
	if !ok {
		return
	}
	msg, err := s.db.GetMessage(r.PathValue("id"))
	if errors.Is(err, database.ErrNotFound) || (err == nil && (msg.RoomID == nil || *msg.RoomID != room.ID)) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		s.dbError(w, "GetMessage", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageResponse{Success: true, MessageData: messageRecord(msg)})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request, sess *Session) {
	room, _, ok := s.roomAccess(w, r, sess)
	if !ok {
		return
	}
	if err := s.db.RemoveMember(room.ID, sess.UserID); err != nil {
		if errors.Is(err, database.ErrNotMember) {
			writeError(w, http.StatusNotFound, "not a member of this room")
			return
		}
		s.dbError(w, "RemoveMember", err)
		return
	}
	log.Info().Str("slug", room.Slug).Str("user", sess.Username).Msg("left room")
	writeOK(w)
}

// ---------------------------------------------------------------------------
// Conversations

// ownConversation loads the {slug} conversation if the caller owns it.
// Someone else's conversation is reported as missing.
func (s *Server) ownConversation(w http.ResponseWriter, r *http.Request, sess *Session) (*database.Conversation, bool) {
	conv, err := s.db.GetConversationBySlug(r.PathValue("slug"))
	if errors.Is(err, database.ErrNotFound) || (err == nil && conv.UserID != sess.UserID) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		s.dbError(w, "GetConversationBySlug", err)
		return nil, false
	}
	return conv, true
}

func conversationInfo(c *database.Conversation) protocol.ConversationInfo {
	return protocol.ConversationInfo{Slug: c.Slug, ConvName: c.Name, SystemPrompt: c.SystemPrompt}
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req protocol.CreateConversationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.ConvName)
	if name == "" || len(name) > maxRoomNameLength {
		writeError(w, http.StatusBadRequest, "conv_name must be 1-64 characters")
		return
	}

	conv, err := s.db.CreateConversation(uuid.NewString(), sess.UserID, name, req.SystemPrompt)
	if err != nil {
		s.dbError(w, "CreateConversation", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConversationResponse{Success: true, Conv: conversationInfo(conv)})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, sess *Session) {
	conv, ok := s.ownConversation(w, r, sess)
	if !ok {
		return
	}
	msgs, err := s.db.ListConversationMessages(conv.ID)
	if err != nil {
		s.dbError(w, "ListConversationMessages", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConversationResponse{
		Success:      true,
		Conv:         conversationInfo(conv),
		MessagesData: messageRecords(msgs),
	})
}

func (s *Server) handleSendConversationMessage(w http.ResponseWriter, r *http.Request, sess *Session) {
	conv, ok := s.ownConversation(w, r, sess)
	if !ok {
		return
	}
	var req protocol.SendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, problem := messageFromRequest(&req, sess.UserID)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	msg.ID = uuid.NewString()
	msg.ConversationID = &conv.ID

	if err := s.db.PostMessage(msg); err != nil {
		s.dbError(w, "PostMessage", err)
		return
	}
	msg.AuthorName = sess.Username
	writeJSON(w, http.StatusOK, protocol.MessageResponse{Success: true, MessageData: messageRecord(msg)})
}

func (s *Server) handleUpdateConversationMessage(w http.ResponseWriter, r *http.Request, sess *Session) {
	conv, ok := s.ownConversation(w, r, sess)
	if !ok {
		return
	}
	var req protocol.SendMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	msg, problem := messageFromRequest(&req, sess.UserID)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	msg.ConversationID = &conv.ID

	updated, ok := s.updateMessage(w, msg)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageResponse{Success: true, MessageData: messageRecord(updated)})
}
